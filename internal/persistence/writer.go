package persistence

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// EventRow is one row of ledger_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	TimestampUs    int64 // versioned input timestamp, epoch microseconds
}

const eventColumns = 7

// EventLogWriter appends applied-event envelopes to the log with one
// multi-row INSERT per batch. ON CONFLICT (sequence) DO NOTHING makes a
// retried batch after a partial failure harmless.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes the batch inside the given transaction.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	var q strings.Builder
	q.WriteString(`INSERT INTO ledger_log.events
		(sequence, event_type, idempotency_key, payload, state_hash, prev_hash, ts_us)
		VALUES `)

	args := make([]interface{}, 0, len(events)*eventColumns)
	for i, e := range events {
		if i > 0 {
			q.WriteString(", ")
		}
		q.WriteByte('(')
		for col := 1; col <= eventColumns; col++ {
			if col > 1 {
				q.WriteString(", ")
			}
			q.WriteByte('$')
			q.WriteString(strconv.Itoa(i*eventColumns + col))
		}
		q.WriteByte(')')
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey,
			e.Payload, e.StateHash, e.PrevHash, e.TimestampUs)
	}
	q.WriteString(" ON CONFLICT (sequence) DO NOTHING")

	_, err := tx.ExecContext(ctx, q.String(), args...)
	return err
}

// DB exposes the handle for the worker's transactions.
func (w *EventLogWriter) DB() *sql.DB { return w.db }
