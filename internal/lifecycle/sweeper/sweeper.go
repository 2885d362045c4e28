// Package sweeper finds lifecycle operations whose execution stopped without
// finishing and resumes them. It also keeps the needs-attention gauge current.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"rollcall/internal/lifecycle/metrics"
	"rollcall/internal/lifecycle/models"
	dErrors "rollcall/pkg/domain-errors"
)

const (
	defaultInterval    = time.Minute
	defaultStaleAfter  = 10 * time.Minute
	defaultConcurrency = 4
	defaultBatchSize   = 100
)

type Ledger interface {
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*models.Operation, error)
	NeedsAttention(ctx context.Context, limit int) ([]*models.Operation, error)
}

type Resumer interface {
	Resume(ctx context.Context, op *models.Operation) (*models.Operation, error)
}

type Sweeper struct {
	ledger      Ledger
	resumer     Resumer
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	interval    time.Duration
	staleAfter  time.Duration
	concurrency int
	batchSize   int
}

type Option func(*Sweeper)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithStaleAfter sets how long an entry must go untouched before it is resumed.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

func WithConcurrency(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func New(ledger Ledger, resumer Resumer, opts ...Option) (*Sweeper, error) {
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if resumer == nil {
		return nil, errors.New("resumer is required")
	}
	s := &Sweeper{
		ledger:      ledger,
		resumer:     resumer,
		logger:      slog.New(slog.DiscardHandler),
		now:         time.Now,
		interval:    defaultInterval,
		staleAfter:  defaultStaleAfter,
		concurrency: defaultConcurrency,
		batchSize:   defaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Report summarises one sweep.
type Report struct {
	Scanned        int
	Resumed        int
	Failed         int
	Skipped        int
	NeedsAttention int
}

// Run sweeps once immediately and then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "lifecycle sweep failed", "error", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SweepOnce resumes stale entries whose lease has expired, with at most
// concurrency resumptions in flight.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	var report Report

	attention, err := s.ledger.NeedsAttention(ctx, s.batchSize)
	if err != nil {
		return report, err
	}
	report.NeedsAttention = len(attention)
	s.metrics.SetNeedsAttention(len(attention))
	for _, op := range attention {
		s.logger.ErrorContext(ctx, "operation needs compensation",
			"operation_id", op.ID,
			"account_id", op.TargetAccountID,
			"since", op.UpdatedAt,
			"needs_attention", true,
		)
	}

	stale, err := s.ledger.ListStale(ctx, s.staleAfter, s.batchSize)
	if err != nil {
		return report, err
	}
	report.Scanned = len(stale)

	var resumed, failed, skipped atomic.Int32
	now := s.now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, op := range stale {
		if !op.LeaseExpired(now) {
			skipped.Add(1)
			continue
		}
		g.Go(func() error {
			result, err := s.resumer.Resume(gctx, op)
			switch {
			case err == nil:
				resumed.Add(1)
				s.metrics.IncrementSweepResumed(string(op.Kind), string(result.Status))
			case dErrors.HasCode(err, dErrors.CodeDuplicateOperation), dErrors.HasCode(err, dErrors.CodeAlreadyTerminal):
				skipped.Add(1)
			default:
				failed.Add(1)
				s.metrics.IncrementSweepResumed(string(op.Kind), "error")
				s.logger.WarnContext(gctx, "resuming stale operation failed",
					"operation_id", op.ID,
					"kind", op.Kind,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Resumed = int(resumed.Load())
	report.Failed = int(failed.Load())
	report.Skipped = int(skipped.Load())
	if report.Scanned > 0 {
		s.logger.InfoContext(ctx, "lifecycle sweep finished",
			"scanned", report.Scanned,
			"resumed", report.Resumed,
			"failed", report.Failed,
			"skipped", report.Skipped,
			"needs_attention", report.NeedsAttention,
		)
	}
	return report, nil
}
