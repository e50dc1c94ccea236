package sqlstore

import (
	"context"
	"fmt"
)

// Migration is one schema change with a statement per dialect.
type Migration struct {
	Version     int
	Description string
	Postgres    string
	SQLite      string
}

func (m Migration) statement(d Dialect) string {
	if d == DialectSQLite {
		return m.SQLite
	}
	return m.Postgres
}

// Migrations returns the schema history in order.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create accounts table",
			Postgres: `
				CREATE TABLE IF NOT EXISTS accounts (
					id BIGSERIAL PRIMARY KEY,
					phone VARCHAR(32) UNIQUE,
					email VARCHAR(255),
					total_minutes DOUBLE PRECISION,
					used_minutes DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (used_minutes >= 0),
					is_subscribed BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS accounts (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					phone TEXT UNIQUE,
					email TEXT,
					total_minutes REAL,
					used_minutes REAL NOT NULL DEFAULT 0 CHECK (used_minutes >= 0),
					is_subscribed BOOLEAN NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);`,
		},
		{
			Version:     2,
			Description: "Create subscriptions table",
			Postgres: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id BIGSERIAL PRIMARY KEY,
					account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
					provider_subscription_id VARCHAR(255) UNIQUE,
					plan VARCHAR(64) NOT NULL,
					billing_interval VARCHAR(16) NOT NULL DEFAULT 'monthly',
					status VARCHAR(16) NOT NULL DEFAULT 'inactive',
					subscription_minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
					used_minutes DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (used_minutes >= 0),
					current_period_start TIMESTAMPTZ,
					current_period_end TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_subscriptions_account_id ON subscriptions(account_id);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
					provider_subscription_id TEXT UNIQUE,
					plan TEXT NOT NULL,
					billing_interval TEXT NOT NULL DEFAULT 'monthly',
					status TEXT NOT NULL DEFAULT 'inactive',
					subscription_minutes REAL NOT NULL DEFAULT 0,
					used_minutes REAL NOT NULL DEFAULT 0 CHECK (used_minutes >= 0),
					current_period_start TIMESTAMP,
					current_period_end TIMESTAMP,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_subscriptions_account_id ON subscriptions(account_id);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);`,
		},
		{
			Version:     3,
			Description: "Create jobs table",
			Postgres: `
				CREATE TABLE IF NOT EXISTS jobs (
					id VARCHAR(64) PRIMARY KEY,
					account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
					source VARCHAR(16) NOT NULL,
					external_ref VARCHAR(255),
					media_ref TEXT NOT NULL,
					content_type VARCHAR(128),
					duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
					status VARCHAR(16) NOT NULL DEFAULT 'pending',
					provider_request_id VARCHAR(255),
					transcript TEXT,
					confidence DOUBLE PRECISION,
					word_count INTEGER,
					error TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					completed_at TIMESTAMPTZ
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_source_external_ref ON jobs(source, external_ref);
				CREATE INDEX IF NOT EXISTS idx_jobs_status_updated_at ON jobs(status, updated_at);
				CREATE INDEX IF NOT EXISTS idx_jobs_account_id ON jobs(account_id);`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS jobs (
					id TEXT PRIMARY KEY,
					account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
					source TEXT NOT NULL,
					external_ref TEXT,
					media_ref TEXT NOT NULL,
					content_type TEXT,
					duration_seconds REAL NOT NULL DEFAULT 0,
					status TEXT NOT NULL DEFAULT 'pending',
					provider_request_id TEXT,
					transcript TEXT,
					confidence REAL,
					word_count INTEGER,
					error TEXT,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					completed_at TIMESTAMP
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_source_external_ref ON jobs(source, external_ref);
				CREATE INDEX IF NOT EXISTS idx_jobs_status_updated_at ON jobs(status, updated_at);
				CREATE INDEX IF NOT EXISTS idx_jobs_account_id ON jobs(account_id);`,
		},
	}
}

// Migrate applies pending migrations, each in its own transaction.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return wrapErr("create migrations table", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return wrapErr("query migrations", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, m := range Migrations() {
		if applied[m.Version] {
			continue
		}
		log := s.logger.WithField("version", m.Version)
		log.Infof("Running migration: %s", m.Description)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return wrapErr("begin migration", err)
		}
		if _, err := tx.ExecContext(ctx, m.statement(s.dialect)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			s.dialect.rebind(`INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`),
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
