// Package db wraps [github.com/jackc/pgx/v5/pgxpool] with the connection,
// migration, and health-check plumbing the queue binaries share.
//
// Configuration is environment-based through [Config]:
//
//	DATABASE_URL                - PostgreSQL connection URL (required)
//	DATABASE_MAX_OPEN_CONNS     - Maximum open connections (default: 10)
//	DATABASE_MIN_CONNS          - Minimum idle connections (default: 2)
//	DATABASE_HEALTHCHECK_PERIOD - Pool health check interval (default: 1m)
//	DATABASE_MAX_CONN_IDLE_TIME - Maximum connection idle time (default: 10m)
//	DATABASE_MAX_CONN_LIFETIME  - Maximum connection lifetime (default: 30m)
//	DATABASE_RETRY_ATTEMPTS     - Startup retry attempts (default: 3)
//	DATABASE_RETRY_INTERVAL     - Base retry interval (default: 5s)
//	DATABASE_MIGRATIONS_TABLE   - Migration bookkeeping table (default: schema_migrations)
//
// [Connect] retries with a growing interval. [Migrate] runs goose over an
// embedded migrations filesystem. [Healthcheck] and [Shutdown] return
// closures for the ops listener and teardown path. Multi-statement store
// operations manage their own pgx transactions.
package db
