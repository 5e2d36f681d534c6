package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order; each statement is idempotent
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL DEFAULT 'ROLE_USER',
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS extensions (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		pending BOOLEAN NOT NULL DEFAULT TRUE,
		featured BOOLEAN NOT NULL DEFAULT FALSE,
		upload_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		times_downloaded BIGINT NOT NULL DEFAULT 0 CHECK (times_downloaded >= 0),
		owner_id BIGINT NOT NULL REFERENCES users(id),
		tags TEXT[] NOT NULL DEFAULT '{}',
		github_link TEXT,
		last_commit TIMESTAMPTZ,
		open_issues INTEGER,
		pull_requests INTEGER,
		metadata_fetched_at TIMESTAMPTZ,
		artifact_key TEXT,
		artifact_content_type TEXT,
		artifact_size BIGINT,
		artifact_checksum TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_extensions_pending ON extensions (pending)`,
	`CREATE INDEX IF NOT EXISTS idx_extensions_featured ON extensions (featured) WHERE featured`,
	`CREATE INDEX IF NOT EXISTS idx_extensions_owner ON extensions (owner_id)`,
	`CREATE INDEX IF NOT EXISTS idx_extensions_name_lower ON extensions (LOWER(name))`,
}

// Migrate creates the marketplace schema
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
