package models

import (
	"slices"
	"time"

	dErrors "rollcall/pkg/domain-errors"
)

type OperationKind string

const (
	KindProvision OperationKind = "provision"
	KindRetire    OperationKind = "retire"
)

func (k OperationKind) IsValid() bool {
	return k == KindProvision || k == KindRetire
}

type OperationStatus string

const (
	StatusPending           OperationStatus = "pending"
	StatusRetryable         OperationStatus = "retryable"
	StatusCompleted         OperationStatus = "completed"
	StatusFailed            OperationStatus = "failed"
	StatusNeedsCompensation OperationStatus = "needs_compensation"
)

// IsTerminal reports whether the status admits no further step execution.
// NeedsCompensation is terminal for the orchestrator; only an operator-driven
// ResolveCompensation moves it on.
func (s OperationStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNeedsCompensation:
		return true
	default:
		return false
	}
}

type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
)

type StepName string

const (
	StepIdentity         StepName = "identity"
	StepProfile          StepName = "profile"
	StepFees             StepName = "fees"
	StepResults          StepName = "results"
	StepIdentityRollback StepName = "identity_rollback"
)

// PlannedSteps returns the forward steps of kind in execution order.
// Retire is dependents-first so a resumed run never needs the profile to locate
// fee or result records.
func PlannedSteps(kind OperationKind) []StepName {
	switch kind {
	case KindProvision:
		return []StepName{StepIdentity, StepProfile}
	case KindRetire:
		return []StepName{StepFees, StepResults, StepProfile, StepIdentity}
	default:
		return nil
	}
}

type FailureReason string

const (
	ReasonIdentityCreationFailed FailureReason = "IdentityCreationFailed"
	ReasonProfileCompensated     FailureReason = "ProfileCreationFailed-Compensated"
	ReasonCompensationFailed     FailureReason = "ProfileCreationFailed-CompensationFailed"
	ReasonRetireStepFailed       FailureReason = "RetireStepFailed"
	ReasonProvisionAbandoned     FailureReason = "ProvisionAbandoned"
)

type Step struct {
	Name      StepName   `json:"name"`
	Status    StepStatus `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`
	Error     string     `json:"error,omitempty"`
}

// Failure describes why an operation stopped.
type Failure struct {
	Step      StepName
	Reason    FailureReason
	Message   string
	Retryable bool
}

// Operation is the ledger entry for one provisioning or retirement run.
//
// Invariants:
//   - ID and Kind are immutable after construction
//   - TargetAccountID is set at most once; a different value is a conflict
//   - Steps are only appended or transitioned, never removed
//   - A Done step stays Done
//   - Terminal statuses reject every transition except ResolveCompensation
//     out of NeedsCompensation
//   - Version increases by one on every persisted mutation
type Operation struct {
	ID              string          `json:"id"`
	Kind            OperationKind   `json:"kind"`
	TargetAccountID string          `json:"target_account_id,omitempty"`
	Subject         string          `json:"subject"`
	Draft           *ProfileDraft   `json:"draft,omitempty"`
	Steps           []Step          `json:"steps"`
	Status          OperationStatus `json:"status"`
	Reason          FailureReason   `json:"reason,omitempty"`
	FailedStep      StepName        `json:"failed_step,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	LeaseOwner      string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt  time.Time       `json:"lease_expires_at,omitzero"`
	Attempts        int             `json:"attempts"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// NewOperation builds a pending entry with every planned step pending.
// For Retire the target account is the subject itself.
func NewOperation(id string, kind OperationKind, subject string, draft *ProfileDraft, now time.Time) (*Operation, error) {
	if id == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "operation id cannot be empty")
	}
	if !kind.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "unknown operation kind")
	}
	if subject == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "operation subject cannot be empty")
	}
	op := &Operation{
		ID:        id,
		Kind:      kind,
		Subject:   subject,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if kind == KindRetire {
		op.TargetAccountID = subject
	} else if draft != nil {
		d := *draft
		op.Draft = &d
	}
	for _, name := range PlannedSteps(kind) {
		op.Steps = append(op.Steps, Step{Name: name, Status: StepPending, UpdatedAt: now})
	}
	return op, nil
}

func (o *Operation) IsTerminal() bool {
	return o.Status.IsTerminal()
}

func (o *Operation) step(name StepName) *Step {
	for i := range o.Steps {
		if o.Steps[i].Name == name {
			return &o.Steps[i]
		}
	}
	return nil
}

// StepStatus returns the status of name, or StepPending when it was never recorded.
func (o *Operation) StepStatus(name StepName) StepStatus {
	if s := o.step(name); s != nil {
		return s.Status
	}
	return StepPending
}

func (o *Operation) IsStepDone(name StepName) bool {
	return o.StepStatus(name) == StepDone
}

// NextStep returns the first planned step not yet Done.
func (o *Operation) NextStep() (StepName, bool) {
	for _, name := range PlannedSteps(o.Kind) {
		if !o.IsStepDone(name) {
			return name, true
		}
	}
	return "", false
}

func (o *Operation) ensureMutable() error {
	if o.IsTerminal() {
		return dErrors.New(dErrors.CodeAlreadyTerminal, "operation "+o.ID+" is already "+string(o.Status))
	}
	return nil
}

func (o *Operation) knowsStep(name StepName) bool {
	if name == StepIdentityRollback {
		return o.Kind == KindProvision
	}
	return slices.Contains(PlannedSteps(o.Kind), name)
}

// MarkStepDone records name as Done. It reports false when the step was already
// Done, in which case nothing changes.
func (o *Operation) MarkStepDone(name StepName, now time.Time) (bool, error) {
	if s := o.step(name); s != nil && s.Status == StepDone {
		return false, nil
	}
	if err := o.ensureMutable(); err != nil {
		return false, err
	}
	if !o.knowsStep(name) {
		return false, dErrors.New(dErrors.CodeInvariantViolation, "step "+string(name)+" is not part of a "+string(o.Kind)+" operation")
	}
	s := o.step(name)
	if s == nil {
		o.Steps = append(o.Steps, Step{Name: name})
		s = &o.Steps[len(o.Steps)-1]
	}
	s.Status = StepDone
	s.Error = ""
	s.UpdatedAt = now
	o.UpdatedAt = now
	return true, nil
}

// AppendStep adds name as a pending step if it is not recorded yet.
func (o *Operation) AppendStep(name StepName, now time.Time) error {
	if err := o.ensureMutable(); err != nil {
		return err
	}
	if !o.knowsStep(name) {
		return dErrors.New(dErrors.CodeInvariantViolation, "step "+string(name)+" is not part of a "+string(o.Kind)+" operation")
	}
	if o.step(name) != nil {
		return nil
	}
	o.Steps = append(o.Steps, Step{Name: name, Status: StepPending, UpdatedAt: now})
	o.UpdatedAt = now
	return nil
}

// SetTarget records the identity account created for a Provision.
func (o *Operation) SetTarget(accountID string, now time.Time) error {
	if accountID == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "target account id cannot be empty")
	}
	if o.TargetAccountID == accountID {
		return nil
	}
	if err := o.ensureMutable(); err != nil {
		return err
	}
	if o.TargetAccountID != "" {
		return dErrors.New(dErrors.CodeConflict, "operation "+o.ID+" already targets a different account")
	}
	o.TargetAccountID = accountID
	o.UpdatedAt = now
	return nil
}

// Complete moves the operation to Completed once every planned step is Done.
func (o *Operation) Complete(now time.Time) error {
	if err := o.ensureMutable(); err != nil {
		return err
	}
	if next, ok := o.NextStep(); ok {
		return dErrors.New(dErrors.CodeInvariantViolation, "cannot complete operation with step "+string(next)+" outstanding")
	}
	o.Status = StatusCompleted
	o.Reason = ""
	o.FailedStep = ""
	o.LastError = ""
	o.UpdatedAt = now
	o.CompletedAt = &now
	o.clearLease()
	return nil
}

// Fail records f. A retryable failure parks the operation in Retryable so a
// resubmission resumes it; a compensation failure parks it in NeedsCompensation.
func (o *Operation) Fail(f Failure, now time.Time) error {
	if err := o.ensureMutable(); err != nil {
		return err
	}
	if f.Step != "" {
		if s := o.step(f.Step); s != nil && s.Status != StepDone {
			s.Status = StepFailed
			s.Error = f.Message
			s.UpdatedAt = now
		}
	}
	o.Reason = f.Reason
	o.FailedStep = f.Step
	o.LastError = f.Message
	o.UpdatedAt = now
	o.clearLease()

	switch {
	case f.Retryable:
		o.Status = StatusRetryable
	case f.Reason == ReasonCompensationFailed:
		o.Status = StatusNeedsCompensation
	default:
		o.Status = StatusFailed
		o.CompletedAt = &now
	}
	return nil
}

// Claim hands the execution lease to owner. The lease is free when unset,
// expired, or already held by owner. Claiming a Retryable operation reopens it.
func (o *Operation) Claim(owner string, ttl time.Duration, now time.Time) error {
	if err := o.ensureMutable(); err != nil {
		return err
	}
	if o.LeaseOwner != "" && o.LeaseOwner != owner && now.Before(o.LeaseExpiresAt) {
		return dErrors.New(dErrors.CodeDuplicateOperation, "operation "+o.ID+" is being executed by another worker")
	}
	o.LeaseOwner = owner
	o.LeaseExpiresAt = now.Add(ttl)
	o.Attempts++
	o.UpdatedAt = now
	if o.Status == StatusRetryable {
		o.Status = StatusPending
		o.Reason = ""
		o.FailedStep = ""
	}
	return nil
}

// Release drops the lease if owner still holds it.
func (o *Operation) Release(owner string, now time.Time) bool {
	if o.LeaseOwner != owner || owner == "" {
		return false
	}
	o.clearLease()
	o.UpdatedAt = now
	return true
}

// LeaseExpired reports whether no live lease protects the operation.
func (o *Operation) LeaseExpired(now time.Time) bool {
	return o.LeaseOwner == "" || !now.Before(o.LeaseExpiresAt)
}

// ResolveCompensation closes a NeedsCompensation Provision after the orphaned
// identity account has been removed out of band or by an operator retry.
func (o *Operation) ResolveCompensation(now time.Time) error {
	if o.Status != StatusNeedsCompensation {
		return dErrors.New(dErrors.CodeInvariantViolation, "operation "+o.ID+" does not need compensation")
	}
	s := o.step(StepIdentityRollback)
	if s == nil {
		o.Steps = append(o.Steps, Step{Name: StepIdentityRollback})
		s = &o.Steps[len(o.Steps)-1]
	}
	s.Status = StepDone
	s.Error = ""
	s.UpdatedAt = now
	o.Status = StatusFailed
	o.Reason = ReasonProfileCompensated
	o.LastError = ""
	o.UpdatedAt = now
	o.CompletedAt = &now
	o.clearLease()
	return nil
}

func (o *Operation) clearLease() {
	o.LeaseOwner = ""
	o.LeaseExpiresAt = time.Time{}
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	c := *o
	c.Steps = slices.Clone(o.Steps)
	if o.Draft != nil {
		d := *o.Draft
		c.Draft = &d
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
