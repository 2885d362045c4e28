package handler

import (
	"time"

	"rollcall/internal/lifecycle/models"
)

type ProvisionResponse struct {
	AccountID   string `json:"accountId"`
	OperationID string `json:"operationId"`
	Replayed    bool   `json:"replayed,omitempty"`
}

type RetireResponse struct {
	OK          bool   `json:"ok"`
	OperationID string `json:"operationId"`
	Replayed    bool   `json:"replayed,omitempty"`
}

// AcceptedResponse answers a request whose operation outlived the request. The
// caller polls the operation for the outcome.
type AcceptedResponse struct {
	OperationID string `json:"operationId"`
	Status      string `json:"status"`
}

type StepView struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OperationView is the polling shape of a ledger entry. Raw provider errors
// and lease internals stay out of it.
type OperationView struct {
	ID             string     `json:"operationId"`
	Kind           string     `json:"kind"`
	AccountID      string     `json:"accountId,omitempty"`
	Email          string     `json:"email,omitempty"`
	Status         string     `json:"status"`
	Reason         string     `json:"reason,omitempty"`
	FailedStep     string     `json:"failedStep,omitempty"`
	Steps          []StepView `json:"steps"`
	Attempts       int        `json:"attempts"`
	NeedsAttention bool       `json:"needsAttention"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

type AttentionResponse struct {
	Operations []OperationView `json:"operations"`
	Count      int             `json:"count"`
}

func toOperationView(op *models.Operation) OperationView {
	v := OperationView{
		ID:             op.ID,
		Kind:           string(op.Kind),
		AccountID:      op.TargetAccountID,
		Status:         string(op.Status),
		Reason:         string(op.Reason),
		FailedStep:     string(op.FailedStep),
		Steps:          make([]StepView, 0, len(op.Steps)),
		Attempts:       op.Attempts,
		NeedsAttention: op.Status == models.StatusNeedsCompensation,
		CreatedAt:      op.CreatedAt,
		UpdatedAt:      op.UpdatedAt,
		CompletedAt:    op.CompletedAt,
	}
	if op.Draft != nil {
		v.Email = op.Draft.Email
	}
	for _, s := range op.Steps {
		v.Steps = append(v.Steps, StepView{Name: string(s.Name), Status: string(s.Status), UpdatedAt: s.UpdatedAt})
	}
	return v
}
