package store

import (
	"context"
	"fmt"
)

const (
	tableEmails = "raw_emails"
	tableOrders = "orders"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS raw_emails (
	id BIGSERIAL PRIMARY KEY,
	sender TEXT NOT NULL,
	body TEXT NOT NULL,
	email_date TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	claim_token TEXT,
	claimed_at BIGINT,
	updated_at BIGINT
)`,
	`CREATE INDEX IF NOT EXISTS raw_emails_status_idx ON raw_emails (status)`,
	`CREATE INDEX IF NOT EXISTS raw_emails_claim_idx ON raw_emails (claim_token)`,
	`CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	source_id BIGINT NOT NULL REFERENCES raw_emails(id),
	customer_email TEXT NOT NULL,
	product_name TEXT NOT NULL,
	quantity TEXT NOT NULL,
	address TEXT NOT NULL,
	date_of_order DATE NOT NULL,
	created_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS orders_source_idx ON orders (source_id)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS raw_emails (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender TEXT NOT NULL,
	body TEXT NOT NULL,
	email_date TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	claim_token TEXT,
	claimed_at INTEGER,
	updated_at INTEGER
)`,
	`CREATE INDEX IF NOT EXISTS raw_emails_status_idx ON raw_emails (status)`,
	`CREATE INDEX IF NOT EXISTS raw_emails_claim_idx ON raw_emails (claim_token)`,
	`CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	source_id INTEGER NOT NULL,
	customer_email TEXT NOT NULL,
	product_name TEXT NOT NULL,
	quantity TEXT NOT NULL,
	address TEXT NOT NULL,
	date_of_order TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(source_id) REFERENCES raw_emails(id)
)`,
	`CREATE INDEX IF NOT EXISTS orders_source_idx ON orders (source_id)`,
}

// Migrate creates the tables and indexes if they do not exist. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if s.cfg.Driver == DriverSQLite {
		stmts = sqliteSchema
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: statement %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit: %w", err)
	}
	return nil
}
