// Package storage manages the SQL and Redis connections accessd runs on.
//
// The relational schema is canonical: one set of tables (modules, roles,
// permissions, role_permissions, user_roles, menu_items, audit_logs) rendered
// for two dialects. Postgres is used in production through lib/pq; SQLite
// through mattn/go-sqlite3 serves local development and tests. Both drivers
// accept $n placeholders, so stores share their query text.
//
// Stores are written against Querier rather than *sql.DB so that a command
// can run its mutation and its audit insert on one *sql.Tx:
//
//	tx, _ := db.BeginTx(ctx, nil)
//	roles.Insert(ctx, tx, role)
//	auditLog.RecordTx(ctx, tx, record)
//	tx.Commit()
//
// Migrate applies pending migrations and records them in schema_migrations.
package storage
