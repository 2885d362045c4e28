// Package ledger is the single point of coordination for lifecycle operations.
//
// Every mutation loads the entry, applies a transition defined on
// models.Operation and writes it back with a version compare-and-swap, retrying
// when another writer got there first. Step-level transitions also require the
// caller to hold the execution lease, so two racing executions of one operation
// can never both record the same step.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"rollcall/internal/lifecycle/models"
	"rollcall/internal/lifecycle/ports"
	dErrors "rollcall/pkg/domain-errors"
	"rollcall/pkg/platform/sentinel"
)

const (
	defaultLeaseTTL   = 2 * time.Minute
	defaultCASRetries = 8
)

type Ledger struct {
	store      ports.OperationStore
	logger     *slog.Logger
	now        func() time.Time
	leaseTTL   time.Duration
	casRetries int
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithLeaseTTL sets how long an execution lease lives without being renewed.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.leaseTTL = ttl
		}
	}
}

func New(store ports.OperationStore, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("operation store is required")
	}
	l := &Ledger{
		store:      store,
		logger:     slog.New(slog.DiscardHandler),
		now:        time.Now,
		leaseTTL:   defaultLeaseTTL,
		casRetries: defaultCASRetries,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// LeaseTTL is the lease duration granted by Begin and Claim.
func (l *Ledger) LeaseTTL() time.Duration {
	return l.leaseTTL
}

// BeginRequest describes a new ledger entry. Owner receives the execution lease.
type BeginRequest struct {
	ID      string
	Kind    models.OperationKind
	Subject string
	Draft   *models.ProfileDraft
	Owner   string
}

// Begin creates a pending entry leased to req.Owner. When the id already exists
// the existing entry is returned together with a CodeDuplicateOperation error,
// so the caller can poll or resume it.
func (l *Ledger) Begin(ctx context.Context, req BeginRequest) (*models.Operation, error) {
	now := l.now()
	op, err := models.NewOperation(req.ID, req.Kind, req.Subject, req.Draft, now)
	if err != nil {
		return nil, err
	}
	if req.Owner != "" {
		if err := op.Claim(req.Owner, l.leaseTTL, now); err != nil {
			return nil, err
		}
	}
	op.Version = 1

	err = l.store.Create(ctx, op)
	if err == nil {
		l.logger.DebugContext(ctx, "ledger entry created",
			"operation_id", op.ID,
			"kind", op.Kind,
		)
		return op, nil
	}
	if !errors.Is(err, sentinel.ErrConflict) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create ledger entry")
	}

	existing, getErr := l.Get(ctx, req.ID)
	if getErr != nil {
		return nil, getErr
	}
	if existing.Kind != req.Kind {
		return existing, dErrors.New(dErrors.CodeDuplicateOperation,
			"operation "+req.ID+" already exists as a "+string(existing.Kind)+" operation").
			WithField("operation_id", req.ID).
			WithField("status", string(existing.Status))
	}
	return existing, dErrors.New(dErrors.CodeDuplicateOperation, "operation "+req.ID+" already exists").
		WithField("operation_id", req.ID).
		WithField("status", string(existing.Status))
}

func (l *Ledger) Get(ctx context.Context, id string) (*models.Operation, error) {
	op, err := l.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "operation "+id+" not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load ledger entry")
	}
	return op, nil
}

// MarkStepDone records step as Done and renews owner's lease. Marking an
// already Done step changes nothing.
func (l *Ledger) MarkStepDone(ctx context.Context, id, owner string, step models.StepName) (*models.Operation, error) {
	return l.mutate(ctx, id, func(op *models.Operation, now time.Time) (bool, error) {
		if op.IsStepDone(step) {
			return false, nil
		}
		if err := l.holdsLease(op, owner); err != nil {
			return false, err
		}
		if _, err := op.MarkStepDone(step, now); err != nil {
			return false, err
		}
		l.renew(op, owner, now)
		return true, nil
	})
}

// AppendStep records a pending step, used when compensation begins.
func (l *Ledger) AppendStep(ctx context.Context, id, owner string, step models.StepName) (*models.Operation, error) {
	return l.mutate(ctx, id, func(op *models.Operation, now time.Time) (bool, error) {
		if hasStep(op, step) {
			return false, nil
		}
		if err := l.holdsLease(op, owner); err != nil {
			return false, err
		}
		if err := op.AppendStep(step, now); err != nil {
			return false, err
		}
		return true, nil
	})
}

// SetTarget records the account created by a Provision.
func (l *Ledger) SetTarget(ctx context.Context, id, owner, accountID string) (*models.Operation, error) {
	return l.mutate(ctx, id, func(op *models.Operation, now time.Time) (bool, error) {
		if op.TargetAccountID == accountID {
			return false, nil
		}
		if err := l.holdsLease(op, owner); err != nil {
			return false, err
		}
		if err := op.SetTarget(accountID, now); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (l *Ledger) Complete(ctx context.Context, id, owner string) (*models.Operation, error) {
	return l.mutate(ctx, id, func(op *models.Operation, now time.Time) (bool, error) {
		if err := l.holdsLease(op, owner); err != nil && !op.IsTerminal() {
			return false, err
		}
		return true, op.Complete(now)
	})
}

func (l *Ledger) Fail(ctx context.Context, id, owner string, failure models.Failure) (*models.Operation, error) {
	return l.mutate(ctx, id, func(op *models.Operation, now time.Time) (bool, error) {
		if err := l.holdsLease(op, owner); err != nil && !op.IsTerminal() {
			return false, err
		}
		return true, op.Fail(failure, now)
	})
}

// Claim hands the execution lease of a non-terminal entry to owner.
func (l *Ledger) Claim(ctx context.Context, id, owner string) (*models.Operation, error) {
	return l.mutate(ctx, id, func(op *models.Operation, now time.Time) (bool, error) {
		return true, op.Claim(owner, l.leaseTTL, now)
	})
}

// Release drops owner's lease so another execution can resume immediately.
func (l *Ledger) Release(ctx context.Context, id, owner string) error {
	_, err := l.mutate(ctx, id, func(op *models.Operation, now time.Time) (bool, error) {
		return op.Release(owner, now), nil
	})
	return err
}

// ResolveCompensation closes a NeedsCompensation entry after the orphaned
// identity account is gone.
func (l *Ledger) ResolveCompensation(ctx context.Context, id string) (*models.Operation, error) {
	return l.mutate(ctx, id, func(op *models.Operation, now time.Time) (bool, error) {
		return true, op.ResolveCompensation(now)
	})
}

// ListStale returns resumable entries not touched since olderThan ago, oldest
// first. NeedsCompensation entries are listed by NeedsAttention only; they never
// leave that status on their own and would otherwise fill every batch.
func (l *Ledger) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*models.Operation, error) {
	ops, err := l.store.ListByStatus(ctx,
		[]models.OperationStatus{models.StatusPending, models.StatusRetryable},
		l.now().Add(-olderThan), limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list stale operations")
	}
	return ops, nil
}

// NeedsAttention lists entries left inconsistent by a failed compensation.
func (l *Ledger) NeedsAttention(ctx context.Context, limit int) ([]*models.Operation, error) {
	ops, err := l.store.ListByStatus(ctx,
		[]models.OperationStatus{models.StatusNeedsCompensation}, time.Time{}, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list operations needing attention")
	}
	return ops, nil
}

func (l *Ledger) mutate(ctx context.Context, id string, apply func(*models.Operation, time.Time) (bool, error)) (*models.Operation, error) {
	for attempt := 0; attempt < l.casRetries; attempt++ {
		op, err := l.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		changed, err := apply(op, l.now())
		if err != nil {
			return op, err
		}
		if !changed {
			return op, nil
		}
		expected := op.Version
		op.Version++
		err = l.store.CompareAndSwap(ctx, op, expected)
		if err == nil {
			return op, nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update ledger entry")
		}
		l.logger.DebugContext(ctx, "ledger compare-and-swap lost, retrying",
			"operation_id", id,
			"attempt", attempt+1,
		)
	}
	return nil, dErrors.New(dErrors.CodeConflict, "operation "+id+" is under heavy concurrent modification")
}

// holdsLease checks that owner still executes op. An empty owner is the
// system acting without a lease (tests, operator tooling).
func (l *Ledger) holdsLease(op *models.Operation, owner string) error {
	if owner == "" || op.LeaseOwner == owner {
		return nil
	}
	return dErrors.New(dErrors.CodeDuplicateOperation, "operation "+op.ID+" is being executed elsewhere").
		WithField("operation_id", op.ID).
		WithField("status", string(op.Status))
}

func (l *Ledger) renew(op *models.Operation, owner string, now time.Time) {
	if owner != "" && op.LeaseOwner == owner {
		op.LeaseExpiresAt = now.Add(l.leaseTTL)
	}
}

func hasStep(op *models.Operation, name models.StepName) bool {
	for _, s := range op.Steps {
		if s.Name == name {
			return true
		}
	}
	return false
}
