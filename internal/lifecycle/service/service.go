// Package service sequences the multi-store writes that provision and retire
// students.
//
// Every external write is guarded by a ledger step that is recorded only after
// the write succeeds, and the ledger lease serialises executions of one
// operation across processes. Callers see only pkg/domain-errors codes; raw
// provider errors stay inside this package.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"rollcall/internal/lifecycle/ledger"
	"rollcall/internal/lifecycle/metrics"
	"rollcall/internal/lifecycle/models"
	"rollcall/internal/lifecycle/ports"
	"rollcall/internal/lifecycle/validation"
	dErrors "rollcall/pkg/domain-errors"
	"rollcall/pkg/platform/audit"
	"rollcall/pkg/requestcontext"
)

const (
	defaultStepTimeout    = 5 * time.Second
	defaultMaxAttempts    = 3
	defaultBackoffInitial = 200 * time.Millisecond
	maxBackoffInterval    = 5 * time.Second
	attentionListLimit    = 500
)

type Service struct {
	identity  ports.IdentityStore
	documents ports.DocumentStore
	ledger    *ledger.Ledger
	gate      *validation.Gate

	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   ports.AuditPublisher
	tracer  trace.Tracer
	flights singleflight.Group
	newID   func() string

	stepTimeout    time.Duration
	maxAttempts    int
	backoffInitial time.Duration
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithAuditPublisher(publisher ports.AuditPublisher) Option {
	return func(s *Service) {
		s.audit = publisher
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithStepPolicy sets the per-call timeout and the retry budget for transient
// failures of one external call.
func WithStepPolicy(timeout time.Duration, maxAttempts int, backoffInitial time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.stepTimeout = timeout
		}
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		if backoffInitial > 0 {
			s.backoffInitial = backoffInitial
		}
	}
}

// WithIDGenerator replaces the generator for provision request ids and lease
// owners.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		s.newID = newID
	}
}

func New(identity ports.IdentityStore, documents ports.DocumentStore, l *ledger.Ledger, gate *validation.Gate, opts ...Option) (*Service, error) {
	if identity == nil {
		return nil, errors.New("identity store is required")
	}
	if documents == nil {
		return nil, errors.New("document store is required")
	}
	if l == nil {
		return nil, errors.New("ledger is required")
	}
	if gate == nil {
		gate = validation.New()
	}
	s := &Service{
		identity:       identity,
		documents:      documents,
		ledger:         l,
		gate:           gate,
		logger:         slog.New(slog.DiscardHandler),
		tracer:         otel.Tracer("rollcall/lifecycle"),
		newID:          newUUID,
		stepTimeout:    defaultStepTimeout,
		maxAttempts:    defaultMaxAttempts,
		backoffInitial: defaultBackoffInitial,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// runDetached joins concurrent runs for key and executes fn at most once per
// key. The run keeps the values of ctx but not its cancellation or deadline,
// so a caller that goes away never interrupts a run between two recorded
// steps; each external call stays bounded by the step policy. A caller whose
// ctx ends first gets CodeInProgress and can poll the operation.
func (s *Service) runDetached(ctx context.Context, key, operationID string, fn func(context.Context) (any, error)) (any, error) {
	runCtx := context.WithoutCancel(ctx)
	ch := s.flights.DoChan(key, func() (any, error) {
		return fn(runCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		s.logger.InfoContext(ctx, "caller stopped waiting, operation continues",
			"operation_id", operationID,
			"error", ctx.Err(),
		)
		return nil, dErrors.New(dErrors.CodeInProgress, "operation "+operationID+" is still running").
			WithField("operation_id", operationID)
	}
}

// execution is one run of an operation by the lease holder owner.
type execution struct {
	op      *models.Operation
	owner   string
	resumed bool
}

func (ex *execution) logAttrs() []any {
	return []any{
		"operation_id", ex.op.ID,
		"kind", ex.op.Kind,
		"subject", ex.op.Subject,
	}
}

func (s *Service) markDone(ctx context.Context, ex *execution, step models.StepName) error {
	op, err := s.ledger.MarkStepDone(ctx, ex.op.ID, ex.owner, step)
	if err != nil {
		return err
	}
	ex.op = op
	return nil
}

func (s *Service) fail(ctx context.Context, ex *execution, failure models.Failure) {
	op, err := s.ledger.Fail(ctx, ex.op.ID, ex.owner, failure)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record operation failure",
			append(ex.logAttrs(), "reason", failure.Reason, "error", err)...)
		return
	}
	ex.op = op
}

// release hands the lease back when an execution stops without reaching a
// terminal state, so a resubmission does not wait for the lease to expire.
func (s *Service) release(ctx context.Context, ex *execution) {
	if ex == nil || ex.op == nil || ex.op.IsTerminal() || ex.op.LeaseOwner != ex.owner {
		return
	}
	if err := s.ledger.Release(context.WithoutCancel(ctx), ex.op.ID, ex.owner); err != nil {
		s.logger.WarnContext(ctx, "failed to release operation lease", append(ex.logAttrs(), "error", err)...)
	}
}

func (s *Service) emit(ctx context.Context, event audit.AuditEvent, ex *execution, step models.StepName, reason models.FailureReason) {
	if s.audit == nil {
		return
	}
	e := audit.Event{
		Action:      string(event),
		Subject:     ex.op.TargetAccountID,
		OperationID: ex.op.ID,
		Kind:        string(ex.op.Kind),
		Step:        string(step),
		Reason:      string(reason),
		RequestID:   requestcontext.RequestID(ctx),
		ActorID:     requestcontext.ActorID(ctx),
	}
	if ex.op.Draft != nil {
		e.Email = ex.op.Draft.Email
	}
	if err := s.audit.Emit(ctx, e); err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event",
			append(ex.logAttrs(), "event", event, "error", err)...)
	}
}

// claimError reports a refused lease claim. A live lease means another
// execution is running the operation and the caller should poll it.
func claimError(op *models.Operation, err error) error {
	if op == nil || !dErrors.HasCode(err, dErrors.CodeDuplicateOperation) {
		return err
	}
	return dErrors.New(dErrors.CodeDuplicateOperation, "operation "+op.ID+" is already in progress").
		WithField("operation_id", op.ID).
		WithField("status", string(op.Status))
}
