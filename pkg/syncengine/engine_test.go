package syncengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/curalog/diarystore/pkg/event"
	"github.com/curalog/diarystore/pkg/eventlog"
	"github.com/curalog/diarystore/pkg/outbox"
	"github.com/curalog/diarystore/pkg/securestore"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

// fakeRemote is an in-memory system of record. With failSubmits set,
// Submit records the batch and then fails, simulating a lost
// acknowledgment; with unreachable set, Submit fails before any
// server-side effect, simulating an outage.
type fakeRemote struct {
	mu          sync.Mutex
	received    []string
	store       map[string]Ack
	submitCalls int
	statusCalls int
	failSubmits int
	unreachable bool
	withdraw    map[string]string // event id -> detail
	reject      map[string]string // event id -> detail
	delta       Delta
	pullCursors []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		store:    make(map[string]Ack),
		withdraw: make(map[string]string),
		reject:   make(map[string]string),
	}
}

func (f *fakeRemote) Submit(ctx context.Context, batch []*event.DomainEvent) ([]Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.unreachable {
		return nil, Transient(errors.New("no route to host"))
	}

	var acks []Ack
	for _, ev := range batch {
		ack := Ack{EventID: ev.EventID, Code: CodeOK}
		if _, dup := f.store[ev.EventID]; dup {
			ack.Code = CodeDuplicate
		}
		if detail, ok := f.withdraw[ev.EventID]; ok {
			ack = Ack{EventID: ev.EventID, Code: CodeEntityWithdrawn, Detail: detail}
		}
		if detail, ok := f.reject[ev.EventID]; ok {
			ack = Ack{EventID: ev.EventID, Code: CodeValidationFailed, Detail: detail}
		}
		f.store[ev.EventID] = ack
		f.received = append(f.received, ev.EventID)
		acks = append(acks, ack)
	}

	if f.failSubmits > 0 {
		f.failSubmits--
		return nil, Transient(errors.New("connection reset"))
	}
	return acks, nil
}

func (f *fakeRemote) Status(ctx context.Context, eventIDs []string) ([]Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++

	acks := make([]Ack, 0, len(eventIDs))
	for _, id := range eventIDs {
		if ack, ok := f.store[id]; ok {
			acks = append(acks, ack)
		} else {
			acks = append(acks, Ack{EventID: id, Code: CodeUnknown})
		}
	}
	return acks, nil
}

func (f *fakeRemote) Pull(ctx context.Context, cursor string) (*Delta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullCursors = append(f.pullCursors, cursor)
	d := f.delta
	return &d, nil
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func setupEngine(t *testing.T, remote Remote, opts ...Option) (*eventlog.Log, *outbox.Outbox, *Engine) {
	t.Helper()
	store, err := securestore.Open(t.TempDir(), "dev-1", "user-1", testKey)
	require.NoError(t, err)
	log, err := eventlog.Open(context.Background(), store)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close(); _ = store.Close() })

	box := outbox.New(log)
	opts = append([]Option{
		WithSleeper(noSleep),
		WithBackoff(BackoffPolicy{BaseMs: 1, MaxMs: 1, MaxJitterMs: 0, MaxAttempts: 3}),
	}, opts...)
	return log, box, New(log, box, remote, opts...)
}

func appendEvents(t *testing.T, log *eventlog.Log, n int) []*event.DomainEvent {
	t.Helper()
	ctx := context.Background()
	out := make([]*event.DomainEvent, 0, n)
	for i := 0; i < n; i++ {
		at := time.Date(2026, 3, 1, 9, i, 0, 0, time.UTC)
		payload, err := event.MarshalPayload(event.EpisodePayload{
			At: event.NewZonedTime(at), Symptom: "headache",
		})
		require.NoError(t, err)
		ev := &event.DomainEvent{
			EventID:    uuid.NewString(),
			DeviceID:   "dev-1",
			UserID:     "user-1",
			AuthorID:   "dev-1",
			Type:       event.TypeRecordStarted,
			RecordID:   uuid.NewString(),
			Payload:    payload,
			ClientTime: at,
		}
		_, err = log.Append(ctx, ev)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestSyncOncePushesQueueInOrder(t *testing.T) {
	remote := newFakeRemote()
	log, box, engine := setupEngine(t, remote)
	events := appendEvents(t, log, 5)
	ctx := context.Background()

	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, report.Pushed)
	require.Equal(t, 5, report.Acked)
	require.Zero(t, report.Rejected)

	for i, ev := range events {
		require.Equal(t, ev.EventID, remote.received[i])
	}

	c, err := box.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), c.LastAcknowledgedSeq)
	require.Zero(t, c.Pending)
	require.Zero(t, c.Submitted)
	require.False(t, c.LastSuccessfulSync.IsZero())
}

func TestSyncOnceIsIdempotent(t *testing.T) {
	remote := newFakeRemote()
	log, _, engine := setupEngine(t, remote)
	appendEvents(t, log, 2)
	ctx := context.Background()

	_, err := engine.SyncOnce(ctx)
	require.NoError(t, err)

	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Pushed)
	require.Zero(t, report.Acked)
	require.Len(t, remote.received, 2)
}

func TestLostAckReconciledThroughStatus(t *testing.T) {
	remote := newFakeRemote()
	remote.failSubmits = 10 // server records the batch, every ack is lost
	log, box, engine := setupEngine(t, remote)
	appendEvents(t, log, 3)
	ctx := context.Background()

	_, err := engine.SyncOnce(ctx)
	require.Error(t, err)
	require.True(t, IsTransient(err))

	stuck, err := box.Submitted(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 3)

	remote.failSubmits = 0
	submitsSoFar := remote.submitCalls

	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, report.Acked)
	require.Zero(t, report.Pushed)
	// Resolution went through the status endpoint, never re-submission.
	require.Equal(t, submitsSoFar, remote.submitCalls)
	require.Equal(t, 1, remote.statusCalls)

	c, err := box.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), c.LastAcknowledgedSeq)
}

func TestOutageQueueDeliveredAfterRecovery(t *testing.T) {
	remote := newFakeRemote()
	remote.unreachable = true // the push never reaches the server
	log, box, engine := setupEngine(t, remote)
	events := appendEvents(t, log, 5)
	ctx := context.Background()

	_, err := engine.SyncOnce(ctx)
	require.Error(t, err)
	require.True(t, IsTransient(err))

	stuck, err := box.Submitted(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 5)
	require.Empty(t, remote.received)

	remote.unreachable = false

	// Status answers unknown for every id, so the whole queue goes back
	// to pending and is delivered in sequence order.
	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, report.Pushed)
	require.Equal(t, 5, report.Acked)
	require.Zero(t, report.Rejected)
	for i, ev := range events {
		require.Equal(t, ev.EventID, remote.received[i])
	}

	c, err := box.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), c.LastAcknowledgedSeq)
	require.Zero(t, c.Pending)
	require.Zero(t, c.Submitted)
}

func TestWithdrawnAckAppendsCompensatingEvent(t *testing.T) {
	remote := newFakeRemote()
	log, box, engine := setupEngine(t, remote)
	events := appendEvents(t, log, 1)
	remote.withdraw[events[0].EventID] = "withdrawn by investigator"
	ctx := context.Background()

	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Rejected)
	require.Equal(t, 1, report.Withdrawn)

	all, err := log.Events(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	comp := all[1]
	require.Equal(t, event.TypeRecordWithdrawn, comp.Type)
	require.Equal(t, events[0].RecordID, comp.RecordID)
	require.Equal(t, "server", comp.AuthorID)
	require.True(t, comp.ServerOriginated())
	require.Equal(t, event.SyncAcknowledged, comp.SyncState)

	// The original event stays in the log, marked rejected.
	require.Equal(t, event.SyncRejected, all[0].SyncState)
	require.Equal(t, "withdrawn by investigator", all[0].RejectReason)

	// A second cycle must not stack another compensating withdrawal.
	_, err = engine.SyncOnce(ctx)
	require.NoError(t, err)
	all, err = log.Events(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	c, err := box.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, c.Rejected)
}

func TestValidationRejectionIsTerminal(t *testing.T) {
	remote := newFakeRemote()
	log, box, engine := setupEngine(t, remote)
	events := appendEvents(t, log, 2)
	remote.reject[events[0].EventID] = "severity out of range"
	ctx := context.Background()

	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Rejected)
	require.Equal(t, 1, report.Acked)

	// The rejected event never loops back into the queue on its own.
	submitsSoFar := remote.submitCalls
	report, err = engine.SyncOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Pushed)
	require.Equal(t, submitsSoFar, remote.submitCalls)

	c, err := box.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, c.Rejected)
}

func TestPullFoldsServerDelta(t *testing.T) {
	remote := newFakeRemote()
	log, box, engine := setupEngine(t, remote)
	events := appendEvents(t, log, 1)
	ctx := context.Background()

	payload, err := event.MarshalPayload(event.WithdrawalPayload{
		Reason: "site closed the record", IssuedBy: "investigator-7",
	})
	require.NoError(t, err)
	remote.delta = Delta{
		Events: []RemoteEvent{{
			EventID:  uuid.NewString(),
			RecordID: events[0].RecordID,
			Type:     event.TypeRecordWithdrawn,
			AuthorID: "investigator-7",
			Payload:  payload,
			IssuedAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		}},
		Cursor: "cursor-2",
	}

	report, err := engine.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Pulled)

	all, err := log.Events(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "investigator-7", all[1].AuthorID)
	require.Equal(t, event.SyncAcknowledged, all[1].SyncState)
	require.NoError(t, log.VerifyChain(ctx))

	c, err := box.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, "cursor-2", c.PullToken)

	// The same delta page again: deduped by event id.
	report, err = engine.SyncOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Pulled)
	require.Equal(t, "cursor-2", remote.pullCursors[len(remote.pullCursors)-1])
}

func TestPullRejectsMalformedDelta(t *testing.T) {
	remote := newFakeRemote()
	_, _, engine := setupEngine(t, remote)
	remote.delta = Delta{
		Events: []RemoteEvent{{
			EventID:  uuid.NewString(),
			RecordID: "r1",
			Type:     event.TypeRecordStarted, // not a server-originated type
			AuthorID: "investigator-7",
		}},
	}

	_, err := engine.SyncOnce(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "schema")
}

func TestMissingCredentialHaltsCycle(t *testing.T) {
	remote := newFakeRemote()
	log, _, engine := setupEngine(t, remote,
		WithTokenProvider(NewStaticTokenProvider("")))
	appendEvents(t, log, 1)

	_, err := engine.SyncOnce(context.Background())
	require.ErrorIs(t, err, ErrReauthRequired)
	require.Zero(t, remote.submitCalls)
}

func TestUnknownAckCodeFailsLoudly(t *testing.T) {
	remote := &scriptedRemote{acks: []Ack{{EventID: "x", Code: "quarantined"}}}
	log, _, engine := setupEngine(t, remote)
	appendEvents(t, log, 1)

	_, err := engine.SyncOnce(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unrecognized ack code")
}

// scriptedRemote returns canned acks regardless of input.
type scriptedRemote struct {
	acks []Ack
}

func (s *scriptedRemote) Submit(ctx context.Context, batch []*event.DomainEvent) ([]Ack, error) {
	return s.acks, nil
}

func (s *scriptedRemote) Status(ctx context.Context, eventIDs []string) ([]Ack, error) {
	return nil, nil
}

func (s *scriptedRemote) Pull(ctx context.Context, cursor string) (*Delta, error) {
	return &Delta{}, nil
}

func TestSyncCycleEmitsSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	remote := newFakeRemote()
	log, _, engine := setupEngine(t, remote)
	appendEvents(t, log, 2)

	_, err := engine.SyncOnce(context.Background())
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.NotEmpty(t, spans)
	require.Equal(t, "sync.once", spans[0].Name)
}

func TestRunHaltsOnReauth(t *testing.T) {
	remote := newFakeRemote()
	log, _, engine := setupEngine(t, remote,
		WithTokenProvider(NewStaticTokenProvider("")))
	appendEvents(t, log, 1)

	done := make(chan error, 1)
	go func() { done <- engine.Run(context.Background(), time.Hour) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrReauthRequired)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not halt on missing credential")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	remote := newFakeRemote()
	_, _, engine := setupEngine(t, remote)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx, time.Millisecond) }()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
