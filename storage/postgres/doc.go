// Package postgres provides PostgreSQL-backed AccountStore and ClientStore
// implementations over database/sql with the pgx driver.
//
// The schema ships as embedded goose migrations; call Migrate once at start-up.
// Tokens and authorization codes are not stored here: they are short lived and
// live in the memory or valkey backends.
package postgres
