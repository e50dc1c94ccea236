// Package sqlstore implements storage.Store on database/sql for PostgreSQL
// (lib/pq) and SQLite (go-sqlite3).
//
// Queries are written once with PostgreSQL-style $N placeholders and rebound
// for SQLite. Usage increments are single conditional UPDATE statements so
// the quota check and the write happen atomically in the database:
//
//	UPDATE accounts SET used_minutes = used_minutes + $1, updated_at = $2
//	WHERE id = $3 AND used_minutes + $1 <= COALESCE(total_minutes, $4)
//	RETURNING used_minutes
//
// When no row matches, the store returns storage.ErrConditionFailed.
package sqlstore
