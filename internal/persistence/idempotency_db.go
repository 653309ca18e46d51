package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// dedupLookupTimeout bounds the cold-tier lookup so a slow database
// cannot stall the engine loop; on timeout the caller treats the request
// as new and relies on the log's unique index to reject a true replay.
const dedupLookupTimeout = 500 * time.Millisecond

// PostgresIdempotencyChecker is the durable tier of request dedup: the
// event log itself, keyed by (event_type, idempotency_key).
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate reports whether the request already left an event in the log.
func (pic *PostgresIdempotencyChecker) IsDuplicate(eventType, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dedupLookupTimeout)
	defer cancel()

	var exists bool
	err := pic.db.QueryRowContext(ctx,
		`SELECT EXISTS (
            SELECT 1 FROM ledger_log.events
            WHERE event_type = $1 AND idempotency_key = $2
        )`, eventType, idempotencyKey).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return exists, nil
}
