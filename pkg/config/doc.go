// Package config loads accessd configuration from environment variables.
//
// Every variable carries the ACCESSD_ prefix followed by its section:
//
//	ACCESSD_SERVER_PORT="8080"
//	ACCESSD_STORAGE_DIALECT="postgres"   # postgres, sqlite3
//	ACCESSD_STORAGE_DSN="postgres://accessd@db/accessd?sslmode=disable"
//	ACCESSD_REDIS_URL="redis://redis:6379/0"
//	ACCESSD_REDIS_RECONCILE_SCHEDULE="@every 30s"
//	ACCESSD_CACHE_TTL="5m"
//	ACCESSD_POLICY_LOCKED_ROLES="super_admin,auditor"
//	ACCESSD_MENU_FILE="/etc/accessd/menu.yaml"
//	ACCESSD_CATALOG_FILE="/etc/accessd/catalog.yaml"
//	ACCESSD_OBSERVABILITY_LOG_LEVEL="info"
//	ACCESSD_OBSERVABILITY_OTEL_ENABLED="true"
//
// Unset variables take the defaults declared on the struct tags. LoadConfig
// validates the result before returning it.
package config
