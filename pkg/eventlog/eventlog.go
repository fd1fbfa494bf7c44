// Package eventlog implements the durable, append-only, hash-chained
// event log: the single source of truth on the client.
//
// Append is the single serialization point. It assigns the next
// per-device sequence number, chains the entry hash to its predecessor,
// seals the record through the encryption layer and persists durably
// before returning. On open the sequence and chain head are re-derived
// from the last durable row, which is what makes a crash between
// persist and acknowledgment recoverable.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/curalog/diarystore/pkg/event"
	"github.com/curalog/diarystore/pkg/securestore"
)

// FormatVersion is written into new segments. Open refuses segments
// outside the compatible range instead of guessing at their layout.
const FormatVersion = "1.1.0"

const formatConstraint = ">= 1.0.0, < 2.0.0"

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq           INTEGER PRIMARY KEY,
	event_id      TEXT NOT NULL UNIQUE,
	record_id     TEXT NOT NULL,
	type          TEXT NOT NULL,
	hash          TEXT NOT NULL,
	prev_hash     TEXT NOT NULL,
	sync_state    TEXT NOT NULL DEFAULT 'pending',
	reject_reason TEXT NOT NULL DEFAULT '',
	body          BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_record ON events(record_id);
CREATE INDEX IF NOT EXISTS idx_events_sync ON events(sync_state);
CREATE TABLE IF NOT EXISTS segment_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_cursor (
	id                   INTEGER PRIMARY KEY CHECK (id = 1),
	last_acked_seq       INTEGER NOT NULL DEFAULT 0,
	pull_token           TEXT NOT NULL DEFAULT '',
	last_successful_sync TEXT NOT NULL DEFAULT ''
);
INSERT OR IGNORE INTO sync_cursor (id) VALUES (1);
`

// Log is the append-only event log for one device+user segment.
type Log struct {
	mu     sync.Mutex
	store  *securestore.Store
	db     *sql.DB
	head   string
	seq    uint64
	closed bool
	logger *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithLogger injects a structured logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Log) { lg.logger = l }
}

// Open migrates the segment schema, gates on the format version and
// recovers the sequence and chain head from the last durable event.
func Open(ctx context.Context, store *securestore.Store, opts ...Option) (*Log, error) {
	l := &Log{
		store:  store,
		db:     store.DB(),
		head:   event.GenesisHash,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}

	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("eventlog: migrate segment: %w", err)
	}
	if err := l.checkFormatVersion(ctx); err != nil {
		return nil, err
	}

	row := l.db.QueryRowContext(ctx, `SELECT seq, hash FROM events ORDER BY seq DESC LIMIT 1`)
	var seq uint64
	var head string
	switch err := row.Scan(&seq, &head); {
	case errors.Is(err, sql.ErrNoRows):
		// Fresh segment; chain starts at genesis.
	case err != nil:
		return nil, fmt.Errorf("eventlog: recover head: %w", err)
	default:
		l.seq = seq
		l.head = head
	}

	l.logger.InfoContext(ctx, "event log opened",
		"segment", store.Path(), "last_sequence", l.seq)
	return l, nil
}

func (l *Log) checkFormatVersion(ctx context.Context) error {
	var stored string
	err := l.db.QueryRowContext(ctx,
		`SELECT value FROM segment_meta WHERE key = 'format_version'`).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = l.db.ExecContext(ctx,
			`INSERT INTO segment_meta (key, value) VALUES ('format_version', ?)`, FormatVersion)
		if err != nil {
			return fmt.Errorf("eventlog: record format version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("eventlog: read format version: %w", err)
	}

	v, err := semver.NewVersion(stored)
	if err != nil {
		return fmt.Errorf("eventlog: malformed segment format version %q: %w", stored, err)
	}
	c, err := semver.NewConstraint(formatConstraint)
	if err != nil {
		return fmt.Errorf("eventlog: format constraint: %w", err)
	}
	if !c.Check(v) {
		return fmt.Errorf("eventlog: segment format %s outside supported range %q", stored, formatConstraint)
	}
	return nil
}

// Append assigns the next sequence number, chains and persists ev.
// Concurrent callers queue here; sequence assignment never skips or
// duplicates. ev.Sequence, ev.PrevHash and ev.Hash are overwritten.
func (l *Log) Append(ctx context.Context, ev *event.DomainEvent) (uint64, error) {
	if !ev.Type.Valid() {
		return 0, fmt.Errorf("eventlog: unknown event type %q", ev.Type)
	}
	if err := l.store.Acquire(); err != nil {
		return 0, event.ErrLogClosed
	}
	defer l.store.Release()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, event.ErrLogClosed
	}

	ev.Sequence = l.seq + 1
	ev.PrevHash = l.head
	if ev.SyncState == "" {
		ev.SyncState = event.SyncPending
	}

	hash, err := ev.ComputeHash()
	if err != nil {
		return 0, fmt.Errorf("eventlog: hash event: %w", err)
	}
	ev.Hash = hash

	body, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("eventlog: encode event: %w", err)
	}
	sealed, err := l.store.Seal(body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", event.ErrEncryptionFailure, err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO events (seq, event_id, record_id, type, hash, prev_hash, sync_state, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Sequence, ev.EventID, ev.RecordID, string(ev.Type),
		ev.Hash, ev.PrevHash, string(ev.SyncState), sealed,
	)
	if err != nil {
		return 0, classifyAppendErr(err)
	}

	l.seq = ev.Sequence
	l.head = ev.Hash
	l.logger.DebugContext(ctx, "event appended",
		"sequence", ev.Sequence, "type", ev.Type, "record_id", ev.RecordID)
	return ev.Sequence, nil
}

func classifyAppendErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "disk is full") || strings.Contains(msg, "database or disk is full"):
		return fmt.Errorf("%w: %v", event.ErrStorageFull, err)
	case strings.Contains(msg, "UNIQUE constraint failed: events.seq"),
		strings.Contains(msg, "PRIMARY KEY"):
		return fmt.Errorf("%w: %v", event.ErrSequenceConflict, err)
	default:
		return fmt.Errorf("eventlog: persist event: %w", err)
	}
}

// ReadFrom returns an iterator over events with sequence >= from, in
// sequence order. Rows are unsealed lazily; the iterator is finite and
// a fresh call restarts the scan.
func (l *Log) ReadFrom(ctx context.Context, from uint64) (*Iterator, error) {
	if err := l.store.Acquire(); err != nil {
		return nil, event.ErrLogClosed
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT sync_state, reject_reason, body FROM events
		WHERE seq >= ? ORDER BY seq ASC`, from)
	if err != nil {
		l.store.Release()
		return nil, fmt.Errorf("eventlog: read from %d: %w", from, err)
	}
	return &Iterator{rows: rows, store: l.store}, nil
}

// Events reads the full log into memory, for materialization and tests.
func (l *Log) Events(ctx context.Context) ([]*event.DomainEvent, error) {
	it, err := l.ReadFrom(ctx, 1)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*event.DomainEvent
	for it.Next() {
		out = append(out, it.Event())
	}
	return out, it.Err()
}

// LastSequence returns the sequence of the last durable event.
func (l *Log) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Head returns the current chain head hash.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// DB exposes the segment handle for sync-state bookkeeping on the same
// rows (the outbox). The hashed event content is never updated through it.
func (l *Log) DB() *sql.DB { return l.db }

// Store returns the encryption handle owning the segment.
func (l *Log) Store() *securestore.Store { return l.store }

// Close detaches the log. The underlying store stays open until its
// owner closes it.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

// VerifyChain walks the log once and validates the tamper-evidence
// chain: gapless sequence, contiguous prev-hash links, and a recomputed
// content hash per event. A mismatch is fatal to trust in the log and is
// returned as *event.ChainError, never repaired.
func (l *Log) VerifyChain(ctx context.Context) error {
	it, err := l.ReadFrom(ctx, 1)
	if err != nil {
		return err
	}
	defer it.Close()

	prevHash := event.GenesisHash
	var prevSeq uint64
	for it.Next() {
		ev := it.Event()
		if ev.Sequence != prevSeq+1 {
			return &event.ChainError{AtSequence: ev.Sequence,
				Reason: fmt.Sprintf("sequence gap: expected %d", prevSeq+1)}
		}
		if ev.PrevHash != prevHash {
			return &event.ChainError{AtSequence: ev.Sequence,
				Reason: fmt.Sprintf("prev hash mismatch: expected %s, got %s", prevHash, ev.PrevHash)}
		}
		computed, err := ev.ComputeHash()
		if err != nil {
			return &event.ChainError{AtSequence: ev.Sequence,
				Reason: fmt.Sprintf("hash recompute failed: %v", err)}
		}
		if computed != ev.Hash {
			return &event.ChainError{AtSequence: ev.Sequence, Reason: "content hash mismatch"}
		}
		prevHash = ev.Hash
		prevSeq = ev.Sequence
	}
	if err := it.Err(); err != nil {
		// Unreadable rows are indistinguishable from tampering.
		return &event.ChainError{AtSequence: prevSeq + 1, Reason: err.Error()}
	}
	return nil
}

// Iterator is a lazy, ordered scan over log events.
type Iterator struct {
	rows  *sql.Rows
	store *securestore.Store
	cur   *event.DomainEvent
	err   error
	done  bool
}

// Next advances the iterator. It returns false at the end of the scan or
// on the first error; check Err after the loop.
func (it *Iterator) Next() bool {
	if it.err != nil || it.done {
		return false
	}
	if !it.rows.Next() {
		it.err = it.rows.Err()
		it.finish()
		return false
	}

	var state, reason string
	var sealed []byte
	if err := it.rows.Scan(&state, &reason, &sealed); err != nil {
		it.err = err
		it.finish()
		return false
	}
	body, err := it.store.OpenSealed(sealed)
	if err != nil {
		it.err = err
		it.finish()
		return false
	}
	var ev event.DomainEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		it.err = fmt.Errorf("eventlog: decode event: %w", err)
		it.finish()
		return false
	}
	ev.SyncState = event.SyncState(state)
	ev.RejectReason = reason
	it.cur = &ev
	return true
}

// Event returns the current event.
func (it *Iterator) Event() *event.DomainEvent { return it.cur }

// Err returns the first error encountered by the scan.
func (it *Iterator) Err() error { return it.err }

// Close releases the scan. Safe to call more than once.
func (it *Iterator) Close() {
	it.finish()
}

func (it *Iterator) finish() {
	if it.done {
		return
	}
	it.done = true
	_ = it.rows.Close()
	it.store.Release()
}
