package operation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"rollcall/internal/lifecycle/models"
	"rollcall/pkg/platform/sentinel"
)

// PostgresStore persists ledger entries in lifecycle_operations.
// This store is pure I/O; version checks happen in the UPDATE predicate.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const operationColumns = `
	id, kind, target_account_id, subject, draft, steps, status, reason,
	failed_step, last_error, lease_owner, lease_expires_at, attempts,
	version, created_at, updated_at, completed_at`

func (s *PostgresStore) Create(ctx context.Context, op *models.Operation) error {
	args, err := postgresArgs(op)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO lifecycle_operations (` + operationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert operation rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("operation %s: %w", op.ID, sentinel.ErrConflict)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*models.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM lifecycle_operations WHERE id = $1`
	op, err := scanPostgresOperation(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("operation %s: %w", id, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find operation: %w", err)
	}
	return op, nil
}

// CompareAndSwap writes op only if the row still carries expectedVersion.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, op *models.Operation, expectedVersion int64) error {
	args, err := postgresArgs(op)
	if err != nil {
		return err
	}
	query := `
		UPDATE lifecycle_operations SET
			target_account_id = $2,
			draft = $3,
			steps = $4,
			status = $5,
			reason = $6,
			failed_step = $7,
			last_error = $8,
			lease_owner = $9,
			lease_expires_at = $10,
			attempts = $11,
			version = $12,
			updated_at = $13,
			completed_at = $14
		WHERE id = $1 AND version = $15
	`
	// args follow operationColumns order; kind, subject and created_at are immutable.
	updateArgs := []any{
		args[0], args[2], args[4], args[5], args[6], args[7], args[8],
		args[9], args[10], args[11], args[12], args[13], args[15], args[16],
		expectedVersion,
	}
	res, err := s.db.ExecContext(ctx, query, updateArgs...)
	if err != nil {
		return fmt.Errorf("update operation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update operation rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM lifecycle_operations WHERE id = $1)`, op.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check operation exists: %w", err)
	}
	if !exists {
		return fmt.Errorf("operation %s: %w", op.ID, sentinel.ErrNotFound)
	}
	return fmt.Errorf("operation %s version %d: %w", op.ID, expectedVersion, sentinel.ErrConflict)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, statuses []models.OperationStatus, updatedBefore time.Time, limit int) ([]*models.Operation, error) {
	var cutoff any
	if !updatedBefore.IsZero() {
		cutoff = updatedBefore
	}
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + operationColumns + `
		FROM lifecycle_operations
		WHERE status = ANY($1)
		  AND ($2::timestamptz IS NULL OR updated_at < $2)
		ORDER BY updated_at ASC, id ASC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(statusStrings(statuses)), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []*models.Operation
	for rows.Next() {
		op, err := scanPostgresOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return out, nil
}

func postgresArgs(op *models.Operation) ([]any, error) {
	steps, err := encodeSteps(op.Steps)
	if err != nil {
		return nil, err
	}
	draft, err := encodeDraft(op.Draft)
	if err != nil {
		return nil, err
	}
	var leaseExpires *time.Time
	if !op.LeaseExpiresAt.IsZero() {
		t := op.LeaseExpiresAt
		leaseExpires = &t
	}
	var draftArg any
	if draft != nil {
		draftArg = draft
	}
	return []any{
		op.ID,
		string(op.Kind),
		op.TargetAccountID,
		op.Subject,
		draftArg,
		steps,
		string(op.Status),
		string(op.Reason),
		string(op.FailedStep),
		op.LastError,
		op.LeaseOwner,
		leaseExpires,
		op.Attempts,
		op.Version,
		op.CreatedAt,
		op.UpdatedAt,
		op.CompletedAt,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostgresOperation(row rowScanner) (*models.Operation, error) {
	var (
		op           models.Operation
		kind, status string
		reason, step string
		draft, steps []byte
		leaseExpires sql.NullTime
		completedAt  sql.NullTime
	)
	err := row.Scan(
		&op.ID,
		&kind,
		&op.TargetAccountID,
		&op.Subject,
		&draft,
		&steps,
		&status,
		&reason,
		&step,
		&op.LastError,
		&op.LeaseOwner,
		&leaseExpires,
		&op.Attempts,
		&op.Version,
		&op.CreatedAt,
		&op.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	op.Kind = models.OperationKind(kind)
	op.Status = models.OperationStatus(status)
	op.Reason = models.FailureReason(reason)
	op.FailedStep = models.StepName(step)
	if leaseExpires.Valid {
		op.LeaseExpiresAt = leaseExpires.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		op.CompletedAt = &t
	}
	if op.Steps, err = decodeSteps(steps); err != nil {
		return nil, err
	}
	if op.Draft, err = decodeDraft(draft); err != nil {
		return nil, err
	}
	return &op, nil
}
