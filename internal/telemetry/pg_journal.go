package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PGJournal persists telemetry events into Postgres.
//
// Schema (see migrations in the deployment repo):
//
//	telemetry_events (
//	    id            uuid primary key,
//	    event_type    text not null,
//	    payload       jsonb not null,
//	    ts            timestamptz not null,
//	    stream_status text not null default 'pending',
//	    attempts      int not null default 0,
//	    archived_key  text,
//	    last_error    text,
//	    created_at    timestamptz not null default now()
//	)
type PGJournal struct {
	db *sql.DB
}

func NewPGJournal(db *sql.DB) *PGJournal {
	return &PGJournal{db: db}
}

func (j *PGJournal) Append(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	const q = `
		INSERT INTO telemetry_events (id, event_type, payload, ts)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := j.db.ExecContext(ctx, q, ev.ID, string(ev.Type), payload, ev.TS); err != nil {
		return fmt.Errorf("insert telemetry event: %w", err)
	}
	return nil
}

// FetchPending claims up to limit pending rows for streaming. Claims use
// FOR UPDATE SKIP LOCKED so concurrent streamers never double-process, and
// mark the row in_progress with attempts incremented before returning.
func (j *PGJournal) FetchPending(ctx context.Context, limit int) ([]JournalEntry, error) {
	const q = `
		UPDATE telemetry_events
		SET stream_status = 'in_progress', attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM telemetry_events
			WHERE stream_status = 'pending'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payload, attempts
	`
	rows, err := j.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending events: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var entry JournalEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &payload, &entry.Attempts); err != nil {
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		if err := json.Unmarshal(payload, &entry.Event); err != nil {
			return nil, fmt.Errorf("unmarshal event %s: %w", entry.ID, err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending events: %w", err)
	}
	return out, nil
}

func (j *PGJournal) MarkResult(ctx context.Context, id string, archivedKey string, ok bool, errMsg string) error {
	status := "streamed"
	if !ok {
		status = "pending" // leave for retry
	}
	var archived, lastErr sql.NullString
	if archivedKey != "" {
		archived = sql.NullString{String: archivedKey, Valid: true}
	}
	if errMsg != "" {
		lastErr = sql.NullString{String: errMsg, Valid: true}
	}
	const q = `
		UPDATE telemetry_events
		SET stream_status = $2, archived_key = $3, last_error = $4
		WHERE id = $1
	`
	if _, err := j.db.ExecContext(ctx, q, id, status, archived, lastErr); err != nil {
		return fmt.Errorf("mark event %s: %w", id, err)
	}
	return nil
}

func (j *PGJournal) Ping(ctx context.Context) error {
	if err := j.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
