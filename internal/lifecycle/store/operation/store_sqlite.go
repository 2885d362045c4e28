package operation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"rollcall/internal/lifecycle/models"
	"rollcall/pkg/platform/sentinel"
)

// SQLiteStore persists ledger entries in an embedded SQLite file.
// Timestamps are stored as Unix nanoseconds so ordering and equality survive
// the round trip exactly.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the ledger database at path and ensures the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer keeps compare-and-swap serialised and an in-memory database
	// shared by every caller.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS lifecycle_operations (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			target_account_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL,
			draft BLOB,
			steps BLOB NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			failed_step TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_lifecycle_operations_status_updated
			ON lifecycle_operations(status, updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, op *models.Operation) error {
	args, err := sqliteArgs(op)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO lifecycle_operations (` + operationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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

func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*models.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM lifecycle_operations WHERE id = ?`
	op, err := scanSQLiteOperation(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("operation %s: %w", id, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find operation: %w", err)
	}
	return op, nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, op *models.Operation, expectedVersion int64) error {
	args, err := sqliteArgs(op)
	if err != nil {
		return err
	}
	query := `
		UPDATE lifecycle_operations SET
			target_account_id = ?,
			draft = ?,
			steps = ?,
			status = ?,
			reason = ?,
			failed_step = ?,
			last_error = ?,
			lease_owner = ?,
			lease_expires_at = ?,
			attempts = ?,
			version = ?,
			updated_at = ?,
			completed_at = ?
		WHERE id = ? AND version = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		args[2], args[4], args[5], args[6], args[7], args[8], args[9],
		args[10], args[11], args[12], args[13], args[15], args[16],
		op.ID, expectedVersion,
	)
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
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM lifecycle_operations WHERE id = ?`, op.ID).Scan(&count); err != nil {
		return fmt.Errorf("check operation exists: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("operation %s: %w", op.ID, sentinel.ErrNotFound)
	}
	return fmt.Errorf("operation %s version %d: %w", op.ID, expectedVersion, sentinel.ErrConflict)
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses []models.OperationStatus, updatedBefore time.Time, limit int) ([]*models.Operation, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, 0, len(statuses)+2)
	for _, st := range statusStrings(statuses) {
		args = append(args, st)
	}
	query := `SELECT ` + operationColumns + ` FROM lifecycle_operations WHERE status IN (` + placeholders + `)`
	if !updatedBefore.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, updatedBefore.UnixNano())
	}
	query += ` ORDER BY updated_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []*models.Operation
	for rows.Next() {
		op, err := scanSQLiteOperation(rows)
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

func sqliteArgs(op *models.Operation) ([]any, error) {
	steps, err := encodeSteps(op.Steps)
	if err != nil {
		return nil, err
	}
	draft, err := encodeDraft(op.Draft)
	if err != nil {
		return nil, err
	}
	var leaseExpires int64
	if !op.LeaseExpiresAt.IsZero() {
		leaseExpires = op.LeaseExpiresAt.UnixNano()
	}
	var completedAt any
	if op.CompletedAt != nil {
		completedAt = op.CompletedAt.UnixNano()
	}
	return []any{
		op.ID,
		string(op.Kind),
		op.TargetAccountID,
		op.Subject,
		draft,
		steps,
		string(op.Status),
		string(op.Reason),
		string(op.FailedStep),
		op.LastError,
		op.LeaseOwner,
		leaseExpires,
		op.Attempts,
		op.Version,
		op.CreatedAt.UnixNano(),
		op.UpdatedAt.UnixNano(),
		completedAt,
	}, nil
}

func scanSQLiteOperation(row rowScanner) (*models.Operation, error) {
	var (
		op                   models.Operation
		kind, status         string
		reason, step         string
		draft, steps         []byte
		leaseExpires         int64
		createdAt, updatedAt int64
		completedAt          sql.NullInt64
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
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	op.Kind = models.OperationKind(kind)
	op.Status = models.OperationStatus(status)
	op.Reason = models.FailureReason(reason)
	op.FailedStep = models.StepName(step)
	op.CreatedAt = time.Unix(0, createdAt).UTC()
	op.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if leaseExpires != 0 {
		op.LeaseExpiresAt = time.Unix(0, leaseExpires).UTC()
	}
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
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
