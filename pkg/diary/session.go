// Package diary is the UI-facing surface of the store: one Session per
// device+user pairing, constructed once and passed by reference. No
// process-wide singletons, so tests control every dependency.
//
// The session owns the projection cache. The cache is disposable: it is
// rebuilt from the log on every append and can be dropped at any time.
// Readers always see a complete projection; publication is an atomic
// swap, never a partial fold.
package diary

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/curalog/diarystore/pkg/event"
	"github.com/curalog/diarystore/pkg/eventlog"
	"github.com/curalog/diarystore/pkg/materialize"
	"github.com/curalog/diarystore/pkg/outbox"
	"github.com/curalog/diarystore/pkg/securestore"
	"github.com/curalog/diarystore/pkg/syncengine"
)

// Session is a live handle on one patient diary.
type Session struct {
	store  *securestore.Store
	log    *eventlog.Log
	box    *outbox.Outbox
	engine *syncengine.Engine
	mat    *materialize.Materializer

	clock  func() time.Time
	logger *slog.Logger

	mu         sync.RWMutex
	records    map[string]*materialize.Record
	violations []materialize.Violation
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) { s.clock = clock }
}

// WithLogger injects a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithSyncEngine attaches a sync engine. Without one the session is a
// purely local store; data entry never depends on it.
func WithSyncEngine(e *syncengine.Engine) Option {
	return func(s *Session) { s.engine = e }
}

// NewSession wires a session over explicitly constructed parts.
// VerifyChain runs before anything else: a tampered log must be surfaced
// at startup, never worked around.
func NewSession(ctx context.Context, store *securestore.Store, log *eventlog.Log,
	box *outbox.Outbox, th materialize.Thresholds, opts ...Option) (*Session, error) {

	s := &Session{
		store:  store,
		log:    log,
		box:    box,
		mat:    materialize.New(th),
		clock:  time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := log.VerifyChain(ctx); err != nil {
		return nil, err
	}
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Open assembles a session from scratch: encryption handle, log, outbox.
func Open(ctx context.Context, dir, deviceID, userID string, keyMaterial []byte,
	th materialize.Thresholds, opts ...Option) (*Session, error) {

	store, err := securestore.Open(dir, deviceID, userID, keyMaterial)
	if err != nil {
		return nil, err
	}
	log, err := eventlog.Open(ctx, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	s, err := NewSession(ctx, store, log, outbox.New(log), th, opts...)
	if err != nil {
		log.Close()
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

// StartRecord appends a record-started event and returns the new
// record id (the start event's id, stable forever).
func (s *Session) StartRecord(ctx context.Context, p event.EpisodePayload) (string, error) {
	eventID := uuid.NewString()
	if err := s.append(ctx, event.TypeRecordStarted, eventID, eventID, p); err != nil {
		return "", err
	}
	return eventID, nil
}

// EndRecord appends a record-ended event for recordID.
func (s *Session) EndRecord(ctx context.Context, recordID string, p event.EpisodePayload) error {
	if err := s.guard(recordID); err != nil {
		return err
	}
	return s.append(ctx, event.TypeRecordEnded, uuid.NewString(), recordID, p)
}

// CorrectRecord appends a correction. Corrections targeting a withdrawn
// record are rejected with event.ErrRecordWithdrawn, not silently
// dropped.
func (s *Session) CorrectRecord(ctx context.Context, recordID string, p event.CorrectionPayload) error {
	if err := s.guard(recordID); err != nil {
		return err
	}
	return s.append(ctx, event.TypeRecordCorrected, uuid.NewString(), recordID, p)
}

// ProvideJustification documents the reason for correcting an aged entry.
func (s *Session) ProvideJustification(ctx context.Context, recordID, reason string) error {
	if err := s.guard(recordID); err != nil {
		return err
	}
	return s.append(ctx, event.TypeJustificationProvided, uuid.NewString(), recordID,
		event.JustificationPayload{Reason: reason})
}

// ConfirmRecord corroborates a flagged duration.
func (s *Session) ConfirmRecord(ctx context.Context, recordID string) error {
	if err := s.guard(recordID); err != nil {
		return err
	}
	return s.append(ctx, event.TypeConfirmationProvided, uuid.NewString(), recordID,
		event.ConfirmationPayload{Confirms: event.ConfirmsDuration})
}

// MarkNoEvent records a "nothing happened" statement for a diary day.
func (s *Session) MarkNoEvent(ctx context.Context, p event.MarkerPayload) (string, error) {
	eventID := uuid.NewString()
	if err := s.append(ctx, event.TypeNoEventMarker, eventID, eventID, p); err != nil {
		return "", err
	}
	return eventID, nil
}

// MarkUnknownEvent records an "unsure" statement for a diary day.
func (s *Session) MarkUnknownEvent(ctx context.Context, p event.MarkerPayload) (string, error) {
	eventID := uuid.NewString()
	if err := s.append(ctx, event.TypeUnknownEventMarker, eventID, eventID, p); err != nil {
		return "", err
	}
	return eventID, nil
}

// guard rejects operations against withdrawn or unknown records before
// they reach the log.
func (s *Session) guard(recordID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordID]
	if !ok {
		return event.ErrUnknownRecord
	}
	if rec.Withdrawn {
		return event.ErrRecordWithdrawn
	}
	return nil
}

func (s *Session) append(ctx context.Context, typ event.Type, eventID, recordID string, payload any) error {
	raw, err := event.MarshalPayload(payload)
	if err != nil {
		return err
	}
	ev := &event.DomainEvent{
		EventID:    eventID,
		DeviceID:   s.store.DeviceID(),
		UserID:     s.store.UserID(),
		AuthorID:   s.store.DeviceID(),
		Type:       typ,
		RecordID:   recordID,
		Payload:    raw,
		ClientTime: s.clock().UTC(),
	}
	if _, err := s.log.Append(ctx, ev); err != nil {
		return err
	}
	return s.Refresh(ctx)
}

// Refresh rebuilds the projection from the log and publishes it
// atomically.
func (s *Session) Refresh(ctx context.Context) error {
	events, err := s.log.Events(ctx)
	if err != nil {
		return fmt.Errorf("diary: replay log: %w", err)
	}
	records, violations := s.mat.Materialize(events)

	s.mu.Lock()
	s.records = records
	s.violations = violations
	s.mu.Unlock()
	return nil
}

// Records returns the current projection ordered by first appearance in
// the log.
func (s *Session) Records() []*materialize.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*materialize.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FirstSequence < out[j].FirstSequence
	})
	return out
}

// Record returns one projected record.
func (s *Session) Record(recordID string) (*materialize.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordID]
	return rec, ok
}

// Violations returns the open materialization-level compliance findings.
func (s *Session) Violations() []materialize.Violation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]materialize.Violation, len(s.violations))
	copy(out, s.violations)
	return out
}

// Sync runs one reconciliation cycle and refreshes the projection so
// pulled withdrawals become visible immediately.
func (s *Session) Sync(ctx context.Context) (syncengine.Report, error) {
	if s.engine == nil {
		return syncengine.Report{}, fmt.Errorf("diary: no sync engine attached")
	}
	report, err := s.engine.SyncOnce(ctx)
	if rerr := s.Refresh(ctx); rerr != nil && err == nil {
		err = rerr
	}
	return report, err
}

// SyncStatus exposes the cursor for connectivity indicators.
func (s *Session) SyncStatus(ctx context.Context) (outbox.Cursor, error) {
	return s.box.Cursor(ctx)
}

// Close releases the session without destroying data.
func (s *Session) Close() error {
	s.log.Close()
	return s.store.Close()
}

// Wipe irreversibly destroys the local diary, for account reset. Fails
// with securestore.ErrStoreBusy while operations are in flight.
func (s *Session) Wipe() error {
	s.log.Close()
	return s.store.Wipe()
}
