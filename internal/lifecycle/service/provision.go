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

var errForeignAccount = errors.New("account registered to a different student")

// ProvisionStudent creates the identity account and then the profile stored
// under the account id. A profile failure deletes the account again.
//
// Resubmitting the same request id replays a finished result or resumes an
// unfinished run from its last recorded step.
func (s *Service) ProvisionStudent(ctx context.Context, req models.ProvisionRequest) (*models.ProvisionResult, error) {
	req, err := s.gate.ValidateProvision(req)
	if err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = s.newID()
	}

	// A request id reused for another student must reach the ledger and conflict.
	key := string(models.KindProvision) + ":" + req.RequestID + ":" + req.Email
	v, err := s.runDetached(ctx, key, req.RequestID, func(ctx context.Context) (any, error) {
		return s.provision(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*models.ProvisionResult)
	return &res, nil
}

func (s *Service) provision(ctx context.Context, req models.ProvisionRequest) (*models.ProvisionResult, error) {
	draft := req.Draft()
	ex := &execution{owner: s.newID()}

	op, err := s.ledger.Begin(ctx, ledger.BeginRequest{
		ID:      req.RequestID,
		Kind:    models.KindProvision,
		Subject: req.Email,
		Draft:   &draft,
		Owner:   ex.owner,
	})
	if err != nil {
		if !dErrors.HasCode(err, dErrors.CodeDuplicateOperation) || op == nil {
			return nil, err
		}
		if op.Kind != models.KindProvision {
			return nil, err
		}
		if op.Subject != req.Email {
			return nil, dErrors.New(dErrors.CodeConflict, "request id "+op.ID+" was used for a different student").
				WithField("operation_id", op.ID)
		}
		if op.IsTerminal() {
			s.metrics.IncrementOutcome(string(op.Kind), "replayed")
			return provisionOutcome(op)
		}
		op, err = s.ledger.Claim(ctx, op.ID, ex.owner)
		if err != nil {
			if dErrors.HasCode(err, dErrors.CodeAlreadyTerminal) && op != nil {
				return provisionOutcome(op)
			}
			return nil, claimError(op, err)
		}
		ex.resumed = true
	}
	ex.op = op
	defer s.release(ctx, ex)

	s.logger.InfoContext(ctx, "provisioning student", append(ex.logAttrs(), "resumed", ex.resumed)...)
	s.emit(ctx, audit.EventProvisionStarted, ex, "", "")
	return s.runProvision(ctx, ex, req.Password)
}

// runProvision drives ex from its last recorded step. An empty password means
// the run was picked up without the original request and may only adopt an
// identity that already exists.
func (s *Service) runProvision(ctx context.Context, ex *execution, password string) (*models.ProvisionResult, error) {
	if ex.op.Draft == nil {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "provision operation "+ex.op.ID+" has no profile draft")
	}
	accountID, err := s.ensureIdentity(ctx, ex, password)
	if err != nil {
		return nil, err
	}

	if !ex.op.IsStepDone(models.StepProfile) {
		profile := ex.op.Draft.Profile(accountID, ex.op.CreatedAt)
		err := s.call(ctx, ex, models.StepProfile, func(ctx context.Context) error {
			return s.documents.PutDocument(ctx, models.CollectionStudents, accountID, profile.Fields())
		})
		if err != nil {
			return nil, s.compensate(ctx, ex, accountID, err)
		}
		if err := s.markDone(ctx, ex, models.StepProfile); err != nil {
			return nil, err
		}
		s.emit(ctx, audit.EventProfileCreated, ex, models.StepProfile, "")
	}

	op, err := s.ledger.Complete(ctx, ex.op.ID, ex.owner)
	if err != nil {
		return nil, err
	}
	ex.op = op
	s.metrics.IncrementOutcome(string(op.Kind), string(op.Status))
	s.emit(ctx, audit.EventStudentProvisioned, ex, "", "")
	s.logger.InfoContext(ctx, "student provisioned", append(ex.logAttrs(), "account_id", accountID)...)
	return &models.ProvisionResult{AccountID: accountID, OperationID: op.ID}, nil
}

// ensureIdentity returns the account of ex, creating or adopting it when the
// identity step is not recorded yet. The account id is written to the ledger
// before the step is marked done so the join key survives a crash in between.
func (s *Service) ensureIdentity(ctx context.Context, ex *execution, password string) (string, error) {
	if ex.op.IsStepDone(models.StepIdentity) {
		return ex.op.TargetAccountID, nil
	}
	accountID := ex.op.TargetAccountID
	if accountID == "" {
		var err error
		if password != "" {
			accountID, err = s.createIdentity(ctx, ex, password)
		} else {
			accountID, err = s.adoptIdentity(ctx, ex)
		}
		if err != nil {
			return "", s.failIdentity(ctx, ex, err)
		}
		op, err := s.ledger.SetTarget(ctx, ex.op.ID, ex.owner, accountID)
		if err != nil {
			return "", err
		}
		ex.op = op
	}
	if err := s.markDone(ctx, ex, models.StepIdentity); err != nil {
		return "", err
	}
	s.emit(ctx, audit.EventIdentityCreated, ex, models.StepIdentity, "")
	return accountID, nil
}

// createIdentity creates the account. Once an attempt may have been applied
// remotely (a lost response, or an earlier run of this operation) an
// AlreadyExists answer is resolved by looking the account up by email.
func (s *Service) createIdentity(ctx context.Context, ex *execution, password string) (string, error) {
	draft := ex.op.Draft
	ambiguous := ex.resumed
	var accountID string
	err := s.call(ctx, ex, models.StepIdentity, func(ctx context.Context) error {
		id, err := s.identity.CreateAccount(ctx, ports.NewAccount{
			Email:       draft.Email,
			Password:    password,
			DisplayName: draft.DisplayName(),
		})
		if err == nil {
			accountID = id
			return nil
		}
		if errors.Is(err, sentinel.ErrConflict) && ambiguous {
			found, lookupErr := s.findOwnAccount(ctx, draft)
			if lookupErr == nil {
				s.logger.InfoContext(ctx, "adopting identity created by an earlier attempt",
					append(ex.logAttrs(), "account_id", found)...)
				accountID = found
				return nil
			}
			if isTransient(lookupErr) {
				return lookupErr
			}
		}
		if isTransient(err) {
			ambiguous = true
		}
		return err
	})
	return accountID, err
}

// adoptIdentity looks up an account a crashed run may have created.
func (s *Service) adoptIdentity(ctx context.Context, ex *execution) (string, error) {
	var accountID string
	err := s.call(ctx, ex, models.StepIdentity, func(ctx context.Context) error {
		found, err := s.findOwnAccount(ctx, ex.op.Draft)
		if err != nil {
			return err
		}
		accountID = found
		return nil
	})
	return accountID, err
}

// findOwnAccount returns the account registered under the draft's email when
// its display name matches the draft.
func (s *Service) findOwnAccount(ctx context.Context, draft *models.ProfileDraft) (string, error) {
	found, err := s.identity.FindAccountByEmail(ctx, draft.Email)
	if err != nil {
		return "", err
	}
	if found.DisplayName != draft.DisplayName() {
		return "", errForeignAccount
	}
	return found.AccountID, nil
}

// failIdentity records a failed identity step. Nothing exists remotely to undo;
// an exhausted retry budget leaves the operation retryable because the account
// may exist after all.
func (s *Service) failIdentity(ctx context.Context, ex *execution, cause error) error {
	failure := models.Failure{
		Step:    models.StepIdentity,
		Reason:  models.ReasonIdentityCreationFailed,
		Message: cause.Error(),
	}
	msg := "identity provider refused to create the account"
	switch {
	case errors.Is(cause, sentinel.ErrConflict), errors.Is(cause, errForeignAccount):
		msg = "email address is already registered"
	case errors.Is(cause, sentinel.ErrRejected):
		msg = "identity provider rejected the credentials"
	case errors.Is(cause, sentinel.ErrNotFound):
		failure.Reason = models.ReasonProvisionAbandoned
		msg = "provisioning was abandoned before an account was created"
	case isTransient(cause):
		failure.Retryable = true
		msg = "identity provider unavailable; resubmit the same request id to resume"
	}
	s.fail(ctx, ex, failure)
	s.metrics.IncrementOutcome(string(ex.op.Kind), string(failure.Reason))
	s.emit(ctx, audit.EventProvisionFailed, ex, models.StepIdentity, failure.Reason)
	s.logger.WarnContext(ctx, "identity creation failed",
		append(ex.logAttrs(), "reason", failure.Reason, "retryable", failure.Retryable, "error", cause)...)

	return dErrors.New(dErrors.CodeIdentityCreationFailed, msg).
		WithField("operation_id", ex.op.ID).
		WithField("status", string(ex.op.Status))
}

// compensate removes what a failed profile step may have left behind: the
// profile document, in case the write landed after all, and the identity
// account.
func (s *Service) compensate(ctx context.Context, ex *execution, accountID string, cause error) error {
	if op, err := s.ledger.AppendStep(ctx, ex.op.ID, ex.owner, models.StepIdentityRollback); err != nil {
		s.logger.ErrorContext(ctx, "failed to record compensation start", append(ex.logAttrs(), "error", err)...)
	} else {
		ex.op = op
	}
	s.logger.WarnContext(ctx, "profile creation failed, rolling back identity",
		append(ex.logAttrs(), "account_id", accountID, "error", cause)...)

	rollbackErr := s.rollbackIdentity(ctx, ex, accountID)
	if rollbackErr == nil {
		if err := s.markDone(ctx, ex, models.StepIdentityRollback); err != nil {
			s.logger.ErrorContext(ctx, "failed to record compensation", append(ex.logAttrs(), "error", err)...)
		}
		s.fail(ctx, ex, models.Failure{
			Step:    models.StepProfile,
			Reason:  models.ReasonProfileCompensated,
			Message: cause.Error(),
		})
		s.metrics.IncrementOutcome(string(ex.op.Kind), string(models.ReasonProfileCompensated))
		s.emit(ctx, audit.EventIdentityCompensated, ex, models.StepIdentityRollback, models.ReasonProfileCompensated)
		return dErrors.New(dErrors.CodeProfileCreationCompensated,
			"profile could not be created; the identity account was removed").
			WithField("operation_id", ex.op.ID)
	}

	s.fail(ctx, ex, models.Failure{
		Step:    models.StepIdentityRollback,
		Reason:  models.ReasonCompensationFailed,
		Message: "profile: " + cause.Error() + "; rollback: " + rollbackErr.Error(),
	})
	s.metrics.IncrementCompensationFailure()
	s.metrics.IncrementOutcome(string(ex.op.Kind), string(models.ReasonCompensationFailed))
	s.emit(ctx, audit.EventCompensationFailed, ex, models.StepIdentityRollback, models.ReasonCompensationFailed)
	s.logger.ErrorContext(ctx, "identity rollback failed, account left without profile",
		append(ex.logAttrs(),
			"account_id", accountID,
			"needs_attention", true,
			"error", rollbackErr,
		)...)
	return dErrors.New(dErrors.CodeCompensationFailed,
		"profile could not be created and the identity account could not be removed").
		WithField("operation_id", ex.op.ID).
		WithField("account_id", accountID)
}

func (s *Service) rollbackIdentity(ctx context.Context, ex *execution, accountID string) error {
	return s.call(ctx, ex, models.StepIdentityRollback, func(ctx context.Context) error {
		if err := s.documents.DeleteDocument(ctx, models.CollectionStudents, accountID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return err
		}
		if err := s.identity.DeleteAccount(ctx, accountID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return err
		}
		return nil
	})
}

// provisionOutcome turns a terminal provision entry into the answer its first
// run gave.
func provisionOutcome(op *models.Operation) (*models.ProvisionResult, error) {
	switch {
	case op.Status == models.StatusCompleted:
		return &models.ProvisionResult{AccountID: op.TargetAccountID, OperationID: op.ID, Replayed: true}, nil
	case op.Status == models.StatusNeedsCompensation:
		return nil, dErrors.New(dErrors.CodeCompensationFailed,
			"profile could not be created and the identity account could not be removed").
			WithField("operation_id", op.ID).
			WithField("account_id", op.TargetAccountID)
	case op.Reason == models.ReasonProfileCompensated:
		return nil, dErrors.New(dErrors.CodeProfileCreationCompensated,
			"profile could not be created; the identity account was removed").
			WithField("operation_id", op.ID)
	case op.Reason == models.ReasonProvisionAbandoned:
		return nil, dErrors.New(dErrors.CodeIdentityCreationFailed, "provisioning was abandoned before an account was created").
			WithField("operation_id", op.ID).
			WithField("status", string(op.Status))
	default:
		return nil, dErrors.New(dErrors.CodeIdentityCreationFailed, "identity account could not be created").
			WithField("operation_id", op.ID).
			WithField("status", string(op.Status))
	}
}
