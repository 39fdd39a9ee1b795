package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaypoint/draftpipe/pkg/schema"
)

// EventLog provides append-only event operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event log operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence. The sequence read and the insert run inside one transaction so
// concurrent writers cannot interleave.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Force write-lock acquisition up front. In WAL mode a deferred
	// transaction would only lock at the insert, after the sequence read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// StepSnapshot is the reconstructed outcome of one step, derived from the log.
type StepSnapshot struct {
	StepID      string          `json:"step_id"`
	Status      string          `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	CacheHit    bool            `json:"cache_hit"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
}

// ReplayEvents replays the log for an execution and reconstructs per-step
// outcomes. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, executionID string) (map[string]*StepSnapshot, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*StepSnapshot), nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	snapshots := make(map[string]*StepSnapshot)

	for _, e := range events {
		if e.StepID == "" {
			continue
		}

		ss, ok := snapshots[e.StepID]
		if !ok {
			ss = &StepSnapshot{StepID: e.StepID, Status: "pending"}
			snapshots[e.StepID] = ss
		}

		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = "running"
			ts := e.Timestamp
			ss.StartedAt = &ts

		case schema.EventStepCompleted:
			ss.Status = "completed"
			ts := e.Timestamp
			ss.CompletedAt = &ts
			ss.Output = e.Payload
			if ss.StartedAt != nil {
				ss.DurationMs = ts.Sub(*ss.StartedAt).Milliseconds()
			}
			var payload schema.StepEventPayload
			if len(e.Payload) > 0 && json.Unmarshal(e.Payload, &payload) == nil {
				ss.CacheHit = payload.CacheHit
				if payload.DurationMs > 0 {
					ss.DurationMs = payload.DurationMs
				}
			}

		case schema.EventStepFailed:
			ss.Status = "failed"
			ss.Error = e.Payload

		case schema.EventStepSkipped:
			ss.Status = "skipped"

		case schema.EventStepRetrying:
			ss.Status = "retrying"
			ss.RetryCount++
		}
	}

	return snapshots, nil
}
