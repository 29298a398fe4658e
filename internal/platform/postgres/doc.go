// Package postgres provides PostgreSQL implementations of the task and
// subscription stores defined in internal/store, the embedded schema
// migrations, and the mapping from driver errors to store errors.
//
// Connections use the pgx stdlib driver registered as "pgx".
package postgres
