package service

import (
	"context"

	"rollcall/internal/lifecycle/models"
	dErrors "rollcall/pkg/domain-errors"
	"rollcall/pkg/platform/audit"
)

// GetOperation returns the ledger entry for polling.
func (s *Service) GetOperation(ctx context.Context, id string) (*models.Operation, error) {
	id, err := s.gate.ValidateOperationID(id)
	if err != nil {
		return nil, err
	}
	return s.ledger.Get(ctx, id)
}

// NeedsAttention lists provisions whose identity rollback failed.
func (s *Service) NeedsAttention(ctx context.Context) ([]*models.Operation, error) {
	return s.ledger.NeedsAttention(ctx, attentionListLimit)
}

// RetryCompensation repeats the identity rollback of a needs_compensation
// provision. On success the entry closes as compensated.
func (s *Service) RetryCompensation(ctx context.Context, id string) (*models.Operation, error) {
	id, err := s.gate.ValidateOperationID(id)
	if err != nil {
		return nil, err
	}
	op, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Kind != models.KindProvision || op.Status != models.StatusNeedsCompensation {
		return nil, dErrors.New(dErrors.CodeConflict, "operation "+op.ID+" does not need compensation").
			WithField("operation_id", op.ID).
			WithField("status", string(op.Status))
	}

	ex := &execution{op: op}
	if op.TargetAccountID != "" {
		if err := s.rollbackIdentity(ctx, ex, op.TargetAccountID); err != nil {
			s.logger.ErrorContext(ctx, "identity rollback retry failed",
				append(ex.logAttrs(), "account_id", op.TargetAccountID, "needs_attention", true, "error", err)...)
			return nil, dErrors.New(dErrors.CodeCompensationFailed, "identity account could not be removed").
				WithField("operation_id", op.ID).
				WithField("account_id", op.TargetAccountID)
		}
	}

	resolved, err := s.ledger.ResolveCompensation(ctx, op.ID)
	if err != nil {
		return nil, err
	}
	ex.op = resolved
	s.metrics.IncrementOutcome(string(resolved.Kind), "compensation_resolved")
	s.emit(ctx, audit.EventCompensationResolved, ex, models.StepIdentityRollback, resolved.Reason)
	s.logger.InfoContext(ctx, "compensation resolved", append(ex.logAttrs(), "account_id", op.TargetAccountID)...)
	return resolved, nil
}

// Resume continues an operation whose execution stopped without finishing,
// taking over its lease. A provision resumed without its request can only
// finish when the identity account exists; otherwise it is closed as
// abandoned. Cancelling ctx does not interrupt the run.
func (s *Service) Resume(ctx context.Context, op *models.Operation) (*models.Operation, error) {
	ctx = context.WithoutCancel(ctx)
	ex := &execution{owner: s.newID(), resumed: true}
	claimed, err := s.ledger.Claim(ctx, op.ID, ex.owner)
	if err != nil {
		return nil, claimError(claimed, err)
	}
	ex.op = claimed
	defer s.release(ctx, ex)

	s.logger.InfoContext(ctx, "resuming stale operation", append(ex.logAttrs(), "attempts", claimed.Attempts)...)
	switch claimed.Kind {
	case models.KindRetire:
		_, err = s.runRetire(ctx, ex)
	case models.KindProvision:
		_, err = s.runProvision(ctx, ex, "")
	default:
		err = dErrors.New(dErrors.CodeInvariantViolation, "unknown operation kind "+string(claimed.Kind))
	}
	return ex.op, err
}
