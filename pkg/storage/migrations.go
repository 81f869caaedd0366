package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	Postgres    string
	SQLite      string
}

func (m Migration) statement(d Dialect) string {
	if d == DialectPostgres {
		return m.Postgres
	}
	return m.SQLite
}

// Migrations returns the canonical accessd schema in order
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create modules, roles and permissions tables",
			Postgres: `
				CREATE TABLE IF NOT EXISTS modules (
					id UUID PRIMARY KEY,
					name VARCHAR(100) NOT NULL UNIQUE,
					display_name VARCHAR(255) NOT NULL,
					icon VARCHAR(100) NOT NULL DEFAULT '',
					color VARCHAR(32) NOT NULL DEFAULT '',
					sort_order INTEGER NOT NULL DEFAULT 0,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE TABLE IF NOT EXISTS roles (
					id UUID PRIMARY KEY,
					name VARCHAR(100) NOT NULL UNIQUE,
					display_name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE TABLE IF NOT EXISTS permissions (
					id UUID PRIMARY KEY,
					name VARCHAR(201) NOT NULL UNIQUE,
					display_name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					resource VARCHAR(100) NOT NULL CHECK (resource <> ''),
					action VARCHAR(100) NOT NULL CHECK (action <> ''),
					module_id UUID REFERENCES modules(id) ON DELETE SET NULL,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_permissions_module_id ON permissions(module_id);
				CREATE INDEX IF NOT EXISTS idx_permissions_resource_action ON permissions(resource, action);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS modules (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL UNIQUE,
					display_name TEXT NOT NULL,
					icon TEXT NOT NULL DEFAULT '',
					color TEXT NOT NULL DEFAULT '',
					sort_order INTEGER NOT NULL DEFAULT 0,
					is_active BOOLEAN NOT NULL DEFAULT 1,
					is_system BOOLEAN NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS roles (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL UNIQUE,
					display_name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					is_system BOOLEAN NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS permissions (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL UNIQUE,
					display_name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					resource TEXT NOT NULL CHECK (resource <> ''),
					action TEXT NOT NULL CHECK (action <> ''),
					module_id TEXT REFERENCES modules(id) ON DELETE SET NULL,
					is_system BOOLEAN NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_permissions_module_id ON permissions(module_id);
				CREATE INDEX IF NOT EXISTS idx_permissions_resource_action ON permissions(resource, action);
			`,
		},
		{
			Version:     2,
			Description: "Create role_permissions and user_roles tables",
			Postgres: `
				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id UUID NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					created_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (role_id, permission_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_permissions_permission_id ON role_permissions(permission_id);

				CREATE TABLE IF NOT EXISTS user_roles (
					id UUID PRIMARY KEY,
					user_id VARCHAR(255) NOT NULL,
					role_id UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					assigned_by VARCHAR(255) NOT NULL,
					assigned_at TIMESTAMPTZ NOT NULL,
					expires_at TIMESTAMPTZ,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					UNIQUE (user_id, role_id)
				);

				CREATE INDEX IF NOT EXISTS idx_user_roles_user_id ON user_roles(user_id);
				CREATE INDEX IF NOT EXISTS idx_user_roles_role_id ON user_roles(role_id);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id TEXT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					created_at TIMESTAMP NOT NULL,
					PRIMARY KEY (role_id, permission_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_permissions_permission_id ON role_permissions(permission_id);

				CREATE TABLE IF NOT EXISTS user_roles (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					assigned_by TEXT NOT NULL,
					assigned_at TIMESTAMP NOT NULL,
					expires_at TIMESTAMP,
					is_active BOOLEAN NOT NULL DEFAULT 1,
					UNIQUE (user_id, role_id)
				);

				CREATE INDEX IF NOT EXISTS idx_user_roles_user_id ON user_roles(user_id);
				CREATE INDEX IF NOT EXISTS idx_user_roles_role_id ON user_roles(role_id);
			`,
		},
		{
			Version:     3,
			Description: "Create menu_items table",
			Postgres: `
				CREATE TABLE IF NOT EXISTS menu_items (
					id UUID PRIMARY KEY,
					parent_id UUID REFERENCES menu_items(id) ON DELETE SET NULL,
					label VARCHAR(255) NOT NULL,
					href VARCHAR(1024) NOT NULL DEFAULT '',
					icon VARCHAR(100) NOT NULL DEFAULT '',
					permission_name VARCHAR(201) NOT NULL DEFAULT '',
					sort_order INTEGER NOT NULL DEFAULT 0,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_menu_items_parent_id ON menu_items(parent_id);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS menu_items (
					id TEXT PRIMARY KEY,
					parent_id TEXT REFERENCES menu_items(id) ON DELETE SET NULL,
					label TEXT NOT NULL,
					href TEXT NOT NULL DEFAULT '',
					icon TEXT NOT NULL DEFAULT '',
					permission_name TEXT NOT NULL DEFAULT '',
					sort_order INTEGER NOT NULL DEFAULT 0,
					is_active BOOLEAN NOT NULL DEFAULT 1,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_menu_items_parent_id ON menu_items(parent_id);
			`,
		},
		{
			Version:     4,
			Description: "Create audit_logs table",
			Postgres: `
				CREATE TABLE IF NOT EXISTS audit_logs (
					id UUID PRIMARY KEY,
					actor VARCHAR(255) NOT NULL,
					action VARCHAR(64) NOT NULL,
					category VARCHAR(32) NOT NULL,
					severity VARCHAR(16) NOT NULL,
					target_type VARCHAR(64) NOT NULL,
					target_id VARCHAR(255) NOT NULL,
					detail JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_actor ON audit_logs(actor);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_target ON audit_logs(target_type, target_id);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS audit_logs (
					id TEXT PRIMARY KEY,
					actor TEXT NOT NULL,
					action TEXT NOT NULL,
					category TEXT NOT NULL,
					severity TEXT NOT NULL,
					target_type TEXT NOT NULL,
					target_id TEXT NOT NULL,
					detail TEXT NOT NULL DEFAULT '{}',
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_actor ON audit_logs(actor);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_target ON audit_logs(target_type, target_id);
			`,
		},
	}
}

// Migrate applies pending migrations, each in its own transaction
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect, logger logrus.FieldLogger) error {
	if !dialect.Valid() {
		return fmt.Errorf("unsupported dialect %q", dialect)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range Migrations() {
		if applied[m.Version] {
			continue
		}
		logger.WithFields(logrus.Fields{
			"version":     m.Version,
			"description": m.Description,
		}).Info("Running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.statement(dialect)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
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

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
