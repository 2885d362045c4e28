package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open connects through the pgx stdlib driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS lifecycle_operations (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	target_account_id TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL,
	draft JSONB,
	steps JSONB NOT NULL,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	failed_step TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	lease_owner TEXT NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMPTZ,
	attempts INTEGER NOT NULL DEFAULT 0,
	version BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_lifecycle_operations_status_updated
	ON lifecycle_operations (status, updated_at);

CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	operation_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT '',
	step TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	actor_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_events_subject ON audit_events (subject, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_events_operation ON audit_events (operation_id, timestamp);
`

// Migrate creates the ledger and audit tables if they are missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
