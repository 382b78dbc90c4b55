package permissions

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all permission-store migrations in order.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					username VARCHAR(255) NOT NULL UNIQUE,
					display_name VARCHAR(255) NOT NULL DEFAULT '',
					password_hash VARCHAR(255) NOT NULL DEFAULT '',
					is_admin BOOLEAN NOT NULL DEFAULT FALSE,
					is_service_account BOOLEAN NOT NULL DEFAULT FALSE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					credential_expiry TIMESTAMP,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);
			`,
		},
		{
			Version:     2,
			Description: "Create groups and membership tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS groups (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS group_members (
					id BIGSERIAL PRIMARY KEY,
					group_id BIGINT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					added_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(group_id, user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_group_members_user_id ON group_members(user_id);
			`,
		},
		{
			Version:     3,
			Description: "Create direct_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS direct_permissions (
					id BIGSERIAL PRIMARY KEY,
					resource_type VARCHAR(64) NOT NULL,
					resource_key VARCHAR(512) NOT NULL,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					level VARCHAR(32) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(resource_type, resource_key, user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_direct_permissions_resource
					ON direct_permissions(resource_type, resource_key);
			`,
		},
		{
			Version:     4,
			Description: "Create group_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS group_permissions (
					id BIGSERIAL PRIMARY KEY,
					resource_type VARCHAR(64) NOT NULL,
					resource_key VARCHAR(512) NOT NULL,
					group_id BIGINT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
					level VARCHAR(32) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(resource_type, resource_key, group_id)
				);

				CREATE INDEX IF NOT EXISTS idx_group_permissions_resource
					ON group_permissions(resource_type, resource_key);
			`,
		},
		{
			Version:     5,
			Description: "Create regex_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS regex_permissions (
					id BIGSERIAL PRIMARY KEY,
					resource_type VARCHAR(64) NOT NULL,
					owner_type VARCHAR(16) NOT NULL,
					owner_id BIGINT NOT NULL,
					pattern VARCHAR(1024) NOT NULL,
					priority INTEGER NOT NULL DEFAULT 100,
					level VARCHAR(32) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_regex_permissions_owner
					ON regex_permissions(owner_type, owner_id, resource_type);
			`,
		},
	}
}

// RunMigrations applies all pending migrations within transactions,
// recording applied versions in permission_migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS permission_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, migration := range GetMigrations() {
		var applied bool
		err := db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM permission_migrations WHERE version = $1)",
			migration.Version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", migration.Version, err)
		}
		if applied {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO permission_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
