// Package ports defines the collaborators the lifecycle service depends on.
// Adapters translate provider errors onto pkg/platform/sentinel values:
//
//   - sentinel.ErrConflict: the account or document already exists
//   - sentinel.ErrRejected: the provider refused the input (invalid credential)
//   - sentinel.ErrNotFound: the account or document does not exist
//   - sentinel.ErrUnavailable: transient failure, safe to retry
package ports

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks IdentityStore,DocumentStore,OperationStore,AuditPublisher

import (
	"context"
	"time"

	"rollcall/internal/lifecycle/models"
	"rollcall/pkg/platform/audit"
)

// NewAccount is the input to IdentityStore.CreateAccount.
type NewAccount struct {
	Email       string
	Password    string
	DisplayName string
}

// IdentityStore manages identity-provider accounts.
type IdentityStore interface {
	CreateAccount(ctx context.Context, account NewAccount) (string, error)
	DeleteAccount(ctx context.Context, accountID string) error
	FindAccountByEmail(ctx context.Context, email string) (*models.StudentIdentity, error)
}

// Filter is an equality match on one document field.
type Filter struct {
	Field string
	Value string
}

// DocumentStore manages schema-less documents grouped in collections.
type DocumentStore interface {
	// PutDocument creates or replaces the document; it is safe to repeat.
	PutDocument(ctx context.Context, collection, id string, fields map[string]any) error
	// DeleteWhere removes every matching document and returns how many went.
	// Zero matches is not an error.
	DeleteWhere(ctx context.Context, collection string, filter Filter) (int, error)
	DeleteDocument(ctx context.Context, collection, id string) error
}

// OperationStore persists ledger entries. It is pure I/O: every state rule lives
// on models.Operation and is applied by the ledger before CompareAndSwap.
type OperationStore interface {
	// Create inserts op; sentinel.ErrConflict if the id is taken.
	Create(ctx context.Context, op *models.Operation) error
	// FindByID returns sentinel.ErrNotFound when absent.
	FindByID(ctx context.Context, id string) (*models.Operation, error)
	// CompareAndSwap replaces the stored entry if its version still equals
	// expectedVersion; sentinel.ErrConflict otherwise.
	CompareAndSwap(ctx context.Context, op *models.Operation, expectedVersion int64) error
	// ListByStatus returns entries in any of statuses last updated before
	// updatedBefore, oldest first. A zero updatedBefore matches everything.
	ListByStatus(ctx context.Context, statuses []models.OperationStatus, updatedBefore time.Time, limit int) ([]*models.Operation, error)
}

// AuditPublisher emits lifecycle audit events.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}
