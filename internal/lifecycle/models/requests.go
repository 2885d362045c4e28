package models

import "log/slog"

// ProvisionRequest creates a student account and profile.
// RequestID is the idempotency key; an empty one gets a generated id.
type ProvisionRequest struct {
	RequestID string `json:"requestId" validate:"omitempty,max=128,printascii"`
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=6"`
	FirstName string `json:"firstName" validate:"required"`
	LastName  string `json:"lastName" validate:"required"`
	ClassID   string `json:"classId" validate:"omitempty,docid"`
}

// LogValue keeps the password out of logs.
func (r ProvisionRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("request_id", r.RequestID),
		slog.String("email", r.Email),
		slog.String("first_name", r.FirstName),
		slog.String("last_name", r.LastName),
	)
}

func (r ProvisionRequest) Draft() ProfileDraft {
	return ProfileDraft{
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Email:     r.Email,
		ClassID:   r.ClassID,
	}
}

// RetireRequest removes a student everywhere. OperationID defaults to AccountID.
type RetireRequest struct {
	AccountID   string `json:"accountId" validate:"required,docid"`
	OperationID string `json:"operationId" validate:"omitempty,max=128,printascii"`
}

type ProvisionResult struct {
	AccountID   string
	OperationID string
	// Replayed is true when the result came from an already completed operation.
	Replayed bool
}

type RetireResult struct {
	AccountID   string
	OperationID string
	Replayed    bool
}
