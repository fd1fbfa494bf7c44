// Package outbox tracks which local events the remote system of record
// has acknowledged, and holds the queue of events pending transmission.
//
// Sync state lives in mutable columns beside the sealed event bodies,
// outside the hashed content, so acknowledgment never rewrites history.
// Batches always drain in sequence order per device: the remote must not
// observe event N+1 before event N.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/curalog/diarystore/pkg/event"
	"github.com/curalog/diarystore/pkg/eventlog"
)

// Cursor is the per-device sync position, read by the UI for
// connectivity and status indicators. Mutated only by the sync engine.
type Cursor struct {
	LastAcknowledgedSeq uint64
	PullToken           string
	LastSuccessfulSync  time.Time
	Pending             int
	Submitted           int
	Rejected            int
}

// Outbox is the sync bookkeeping over one log segment.
type Outbox struct {
	log *eventlog.Log
	db  *sql.DB
}

// New attaches the outbox to a log's segment.
func New(log *eventlog.Log) *Outbox {
	return &Outbox{log: log, db: log.DB()}
}

// Enqueue queues an event for transmission. Idempotent: re-enqueuing an
// already queued, in-flight or acknowledged event is a no-op. A rejected
// event is re-queued, which is the remediation path after the user fixes
// the cause of a terminal rejection.
func (o *Outbox) Enqueue(ctx context.Context, eventID string) error {
	res, err := o.db.ExecContext(ctx, `
		UPDATE events SET sync_state = ?, reject_reason = ''
		WHERE event_id = ? AND sync_state = ?`,
		string(event.SyncPending), eventID, string(event.SyncRejected))
	if err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", eventID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// Verify the id exists at all; enqueueing an unknown event is a bug.
	var one int
	err = o.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE event_id = ?`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("outbox: enqueue unknown event %s", eventID)
	}
	return err
}

// NextBatch returns up to maxSize pending events in sequence order.
func (o *Outbox) NextBatch(ctx context.Context, maxSize int) ([]*event.DomainEvent, error) {
	return o.byState(ctx, event.SyncPending, maxSize)
}

// Submitted returns events stuck in the submitted state, in sequence
// order: candidates for the idempotent status check after a lost
// acknowledgment or a cancelled push.
func (o *Outbox) Submitted(ctx context.Context) ([]*event.DomainEvent, error) {
	return o.byState(ctx, event.SyncSubmitted, 0)
}

func (o *Outbox) byState(ctx context.Context, state event.SyncState, limit int) ([]*event.DomainEvent, error) {
	it, err := o.log.ReadFrom(ctx, 1)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*event.DomainEvent
	for it.Next() {
		ev := it.Event()
		if ev.SyncState != state {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, it.Err()
}

// MarkSubmitted moves ids to submitted before the network call, so a
// cancellation mid-batch leaves them reconcilable rather than blindly
// re-submittable.
func (o *Outbox) MarkSubmitted(ctx context.Context, ids []string) error {
	return o.setState(ctx, ids, event.SyncSubmitted, "")
}

// Requeue moves ids back to pending after a status check reported the
// remote never received them, so the next push delivers them again.
// Safe under at-least-once delivery: the server dedupes by event id.
func (o *Outbox) Requeue(ctx context.Context, ids []string) error {
	return o.setState(ctx, ids, event.SyncPending, "")
}

// MarkAcknowledged records remote acknowledgment and advances the
// acknowledged watermark.
func (o *Outbox) MarkAcknowledged(ctx context.Context, ids []string) error {
	if err := o.setState(ctx, ids, event.SyncAcknowledged, ""); err != nil {
		return err
	}
	_, err := o.db.ExecContext(ctx, `
		UPDATE sync_cursor SET last_acked_seq = (
			SELECT COALESCE(MAX(seq), 0) FROM events WHERE sync_state = ?
		) WHERE id = 1`, string(event.SyncAcknowledged))
	if err != nil {
		return fmt.Errorf("outbox: advance watermark: %w", err)
	}
	return nil
}

// MarkRejected records a terminal rejection. Never retried silently;
// the reason is surfaced for user remediation.
func (o *Outbox) MarkRejected(ctx context.Context, id, reason string) error {
	return o.setState(ctx, []string{id}, event.SyncRejected, reason)
}

func (o *Outbox) setState(ctx context.Context, ids []string, state event.SyncState, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	args = append(args, string(state), reason)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := o.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE events SET sync_state = ?, reject_reason = ? WHERE event_id IN (%s)`,
		placeholders), args...)
	if err != nil {
		return fmt.Errorf("outbox: mark %s: %w", state, err)
	}
	return nil
}

// SetPullToken persists the opaque server cursor for the pull path.
func (o *Outbox) SetPullToken(ctx context.Context, token string) error {
	_, err := o.db.ExecContext(ctx,
		`UPDATE sync_cursor SET pull_token = ? WHERE id = 1`, token)
	if err != nil {
		return fmt.Errorf("outbox: set pull token: %w", err)
	}
	return nil
}

// SetLastSync records the completion time of a successful cycle.
func (o *Outbox) SetLastSync(ctx context.Context, at time.Time) error {
	_, err := o.db.ExecContext(ctx,
		`UPDATE sync_cursor SET last_successful_sync = ? WHERE id = 1`,
		at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("outbox: set last sync: %w", err)
	}
	return nil
}

// Cursor returns the current sync position and queue depths.
func (o *Outbox) Cursor(ctx context.Context) (Cursor, error) {
	var c Cursor
	var lastSync string
	err := o.db.QueryRowContext(ctx, `
		SELECT last_acked_seq, pull_token, last_successful_sync
		FROM sync_cursor WHERE id = 1`).
		Scan(&c.LastAcknowledgedSeq, &c.PullToken, &lastSync)
	if err != nil {
		return Cursor{}, fmt.Errorf("outbox: read cursor: %w", err)
	}
	if lastSync != "" {
		if t, perr := time.Parse(time.RFC3339Nano, lastSync); perr == nil {
			c.LastSuccessfulSync = t
		}
	}

	rows, err := o.db.QueryContext(ctx,
		`SELECT sync_state, COUNT(*) FROM events GROUP BY sync_state`)
	if err != nil {
		return Cursor{}, fmt.Errorf("outbox: count states: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Cursor{}, err
		}
		switch event.SyncState(state) {
		case event.SyncPending:
			c.Pending = n
		case event.SyncSubmitted:
			c.Submitted = n
		case event.SyncRejected:
			c.Rejected = n
		}
	}
	return c, rows.Err()
}

// HasEvent reports whether an event id is already in the log, used to
// dedupe pulled server events.
func (o *Outbox) HasEvent(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := o.db.QueryRowContext(ctx,
		`SELECT 1 FROM events WHERE event_id = ?`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("outbox: lookup %s: %w", eventID, err)
	}
	return true, nil
}
