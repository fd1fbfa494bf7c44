package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/curalog/diarystore/pkg/event"
	"github.com/curalog/diarystore/pkg/eventlog"
	"github.com/curalog/diarystore/pkg/securestore"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func setup(t *testing.T) (*eventlog.Log, *Outbox) {
	t.Helper()
	store, err := securestore.Open(t.TempDir(), "dev-1", "user-1", testKey)
	require.NoError(t, err)
	log, err := eventlog.Open(context.Background(), store)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close(); _ = store.Close() })
	return log, New(log)
}

func appendN(t *testing.T, log *eventlog.Log, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		payload, err := event.MarshalPayload(event.EpisodePayload{
			At:      event.NewZonedTime(time.Date(2026, 3, 1, 9, i, 0, 0, time.UTC)),
			Symptom: "headache",
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
			ClientTime: time.Date(2026, 3, 1, 9, i, 0, 0, time.UTC),
		}
		_, err = log.Append(ctx, ev)
		require.NoError(t, err)
		ids = append(ids, ev.EventID)
	}
	return ids
}

func TestNextBatchDrainsInSequenceOrder(t *testing.T) {
	log, box := setup(t)
	ctx := context.Background()
	ids := appendN(t, log, 5)

	batch, err := box.NextBatch(ctx, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i, ev := range batch {
		require.Equal(t, ids[i], ev.EventID)
		require.Equal(t, uint64(i+1), ev.Sequence)
	}
}

func TestAcknowledgmentAdvancesWatermark(t *testing.T) {
	log, box := setup(t)
	ctx := context.Background()
	ids := appendN(t, log, 4)

	require.NoError(t, box.MarkSubmitted(ctx, ids[:2]))
	require.NoError(t, box.MarkAcknowledged(ctx, ids[:2]))

	c, err := box.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), c.LastAcknowledgedSeq)
	require.Equal(t, 2, c.Pending)
	require.Equal(t, 0, c.Submitted)

	// Acknowledged events never re-enter the queue.
	batch, err := box.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, ids[2], batch[0].EventID)
}

func TestSubmittedReconciliationSet(t *testing.T) {
	log, box := setup(t)
	ctx := context.Background()
	ids := appendN(t, log, 3)

	require.NoError(t, box.MarkSubmitted(ctx, ids[1:2]))

	stuck, err := box.Submitted(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, ids[1], stuck[0].EventID)
	require.Equal(t, event.SyncSubmitted, stuck[0].SyncState)
}

func TestRequeueRestoresPending(t *testing.T) {
	log, box := setup(t)
	ctx := context.Background()
	ids := appendN(t, log, 3)

	require.NoError(t, box.MarkSubmitted(ctx, ids))
	require.NoError(t, box.Requeue(ctx, ids[:2]))

	batch, err := box.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, ids[0], batch[0].EventID)
	require.Equal(t, ids[1], batch[1].EventID)

	stuck, err := box.Submitted(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, ids[2], stuck[0].EventID)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	log, box := setup(t)
	ctx := context.Background()
	ids := appendN(t, log, 1)

	require.NoError(t, box.Enqueue(ctx, ids[0]))
	require.NoError(t, box.Enqueue(ctx, ids[0]))

	batch, err := box.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
}

func TestEnqueueRequeuesRejected(t *testing.T) {
	log, box := setup(t)
	ctx := context.Background()
	ids := appendN(t, log, 1)

	require.NoError(t, box.MarkSubmitted(ctx, ids))
	require.NoError(t, box.MarkRejected(ctx, ids[0], "field validation failed"))

	c, err := box.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, c.Rejected)

	require.NoError(t, box.Enqueue(ctx, ids[0]))
	batch, err := box.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Empty(t, batch[0].RejectReason)
}

func TestEnqueueUnknownEvent(t *testing.T) {
	_, box := setup(t)
	err := box.Enqueue(context.Background(), "no-such-id")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown event")
}

func TestRejectionCarriesReason(t *testing.T) {
	log, box := setup(t)
	ctx := context.Background()
	ids := appendN(t, log, 1)

	require.NoError(t, box.MarkRejected(ctx, ids[0], "entity withdrawn"))

	events, err := log.Events(ctx)
	require.NoError(t, err)
	require.Equal(t, event.SyncRejected, events[0].SyncState)
	require.Equal(t, "entity withdrawn", events[0].RejectReason)
}

func TestCursorRoundTrip(t *testing.T) {
	_, box := setup(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.UTC)
	require.NoError(t, box.SetPullToken(ctx, "srv-cursor-42"))
	require.NoError(t, box.SetLastSync(ctx, at))

	c, err := box.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, "srv-cursor-42", c.PullToken)
	require.True(t, c.LastSuccessfulSync.Equal(at))
}

func TestHasEvent(t *testing.T) {
	log, box := setup(t)
	ctx := context.Background()
	ids := appendN(t, log, 1)

	ok, err := box.HasEvent(ctx, ids[0])
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = box.HasEvent(ctx, "absent")
	require.NoError(t, err)
	require.False(t, ok)
}
