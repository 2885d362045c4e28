package service

import (
	"context"
	"errors"

	"rollcall/internal/lifecycle/ledger"
	"rollcall/internal/lifecycle/models"
	"rollcall/internal/lifecycle/ports"
	dErrors "rollcall/pkg/domain-errors"
	"rollcall/pkg/platform/audit"
	"rollcall/pkg/platform/sentinel"
)

var retireEvents = map[models.StepName]audit.AuditEvent{
	models.StepFees:     audit.EventFeesDeleted,
	models.StepResults:  audit.EventResultsDeleted,
	models.StepProfile:  audit.EventProfileDeleted,
	models.StepIdentity: audit.EventIdentityDeleted,
}

// RetireStudent deletes a student's fee records, academic results, profile and
// identity account, in that order. Failed steps are not rolled back; the
// operation stays retryable and a resubmission continues after the last
// recorded step.
func (s *Service) RetireStudent(ctx context.Context, req models.RetireRequest) (*models.RetireResult, error) {
	req, err := s.gate.ValidateRetire(req)
	if err != nil {
		return nil, err
	}

	key := string(models.KindRetire) + ":" + req.OperationID + ":" + req.AccountID
	v, err := s.runDetached(ctx, key, req.OperationID, func(ctx context.Context) (any, error) {
		return s.retire(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*models.RetireResult)
	return &res, nil
}

func (s *Service) retire(ctx context.Context, req models.RetireRequest) (*models.RetireResult, error) {
	ex := &execution{owner: s.newID()}

	op, err := s.ledger.Begin(ctx, ledger.BeginRequest{
		ID:      req.OperationID,
		Kind:    models.KindRetire,
		Subject: req.AccountID,
		Owner:   ex.owner,
	})
	if err != nil {
		if !dErrors.HasCode(err, dErrors.CodeDuplicateOperation) || op == nil {
			return nil, err
		}
		if op.Kind != models.KindRetire {
			return nil, err
		}
		if op.Subject != req.AccountID {
			return nil, dErrors.New(dErrors.CodeConflict, "operation id "+op.ID+" was used for a different student").
				WithField("operation_id", op.ID)
		}
		if op.Status == models.StatusCompleted {
			s.metrics.IncrementOutcome(string(op.Kind), "replayed")
			return &models.RetireResult{AccountID: op.TargetAccountID, OperationID: op.ID, Replayed: true}, nil
		}
		op, err = s.ledger.Claim(ctx, op.ID, ex.owner)
		if err != nil {
			if dErrors.HasCode(err, dErrors.CodeAlreadyTerminal) && op != nil && op.Status == models.StatusCompleted {
				return &models.RetireResult{AccountID: op.TargetAccountID, OperationID: op.ID, Replayed: true}, nil
			}
			return nil, claimError(op, err)
		}
		ex.resumed = true
	}
	ex.op = op
	defer s.release(ctx, ex)

	s.logger.InfoContext(ctx, "retiring student", append(ex.logAttrs(), "resumed", ex.resumed)...)
	s.emit(ctx, audit.EventRetireStarted, ex, "", "")
	return s.runRetire(ctx, ex)
}

func (s *Service) runRetire(ctx context.Context, ex *execution) (*models.RetireResult, error) {
	accountID := ex.op.TargetAccountID
	for _, step := range models.PlannedSteps(models.KindRetire) {
		if ex.op.IsStepDone(step) {
			continue
		}
		deleted, err := s.retireStep(ctx, ex, step, accountID)
		if err != nil {
			return nil, s.failRetire(ctx, ex, step, err)
		}
		if err := s.markDone(ctx, ex, step); err != nil {
			return nil, err
		}
		s.emit(ctx, retireEvents[step], ex, step, "")
		s.logger.DebugContext(ctx, "retire step done",
			append(ex.logAttrs(), "step", step, "deleted", deleted)...)
	}

	op, err := s.ledger.Complete(ctx, ex.op.ID, ex.owner)
	if err != nil {
		return nil, err
	}
	ex.op = op
	s.metrics.IncrementOutcome(string(op.Kind), string(op.Status))
	s.emit(ctx, audit.EventStudentRetired, ex, "", "")
	s.logger.InfoContext(ctx, "student retired", ex.logAttrs()...)
	return &models.RetireResult{AccountID: accountID, OperationID: op.ID}, nil
}

// retireStep performs one deletion and reports how many records went. Missing
// records count as deleted so a repeated step succeeds.
func (s *Service) retireStep(ctx context.Context, ex *execution, step models.StepName, accountID string) (int, error) {
	deleted := 0
	err := s.call(ctx, ex, step, func(ctx context.Context) error {
		var err error
		switch step {
		case models.StepFees:
			deleted, err = s.documents.DeleteWhere(ctx, models.CollectionFees,
				ports.Filter{Field: models.FieldStudentID, Value: accountID})
		case models.StepResults:
			deleted, err = s.documents.DeleteWhere(ctx, models.CollectionResults,
				ports.Filter{Field: models.FieldStudentID, Value: accountID})
		case models.StepProfile:
			err = s.documents.DeleteDocument(ctx, models.CollectionStudents, accountID)
			deleted = 1
		case models.StepIdentity:
			err = s.identity.DeleteAccount(ctx, accountID)
			deleted = 1
		default:
			return dErrors.New(dErrors.CodeInvariantViolation, "unknown retire step "+string(step))
		}
		if errors.Is(err, sentinel.ErrNotFound) {
			deleted = 0
			return nil
		}
		return err
	})
	return deleted, err
}

func (s *Service) failRetire(ctx context.Context, ex *execution, step models.StepName, cause error) error {
	s.fail(ctx, ex, models.Failure{
		Step:      step,
		Reason:    models.ReasonRetireStepFailed,
		Message:   cause.Error(),
		Retryable: true,
	})
	s.metrics.IncrementOutcome(string(ex.op.Kind), string(models.ReasonRetireStepFailed))
	s.emit(ctx, audit.EventRetireStepFailed, ex, step, models.ReasonRetireStepFailed)
	s.logger.WarnContext(ctx, "retire step failed",
		append(ex.logAttrs(), "step", step, "error", cause)...)
	return dErrors.New(dErrors.CodeRetireStepFailed, "retire step "+string(step)+" failed; resubmit operation "+ex.op.ID+" to resume").
		WithField("operation_id", ex.op.ID).
		WithField("step", string(step))
}
