// Package storage persists the publishing pipeline's state.
//
// Two drivers share one SQL implementation (sqlx rebinding the placeholders):
//   - "sqlite": single-file database, the default
//   - "postgres": pgx through database/sql
//
// All quota admissions and post claims are single conditional UPDATEs so
// concurrent callers can never overspend a quota slot or double-claim a post.
// Timestamps are stored as unix milliseconds in both dialects.
package storage
