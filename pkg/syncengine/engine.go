// Package syncengine reconciles the local event log with the remote
// system of record.
//
// The engine only reads the log and only appends server-originated
// compensating events; it never rewrites user-originated events, so it
// cannot race destructively with the foreground writer: both converge
// on the log's serialized append.
package syncengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/curalog/diarystore/pkg/event"
	"github.com/curalog/diarystore/pkg/eventlog"
	"github.com/curalog/diarystore/pkg/outbox"
)

const instrumentationName = "github.com/curalog/diarystore/pkg/syncengine"

// Report counts the outcomes of one sync cycle.
type Report struct {
	Pushed    int
	Acked     int
	Rejected  int
	Pulled    int
	Withdrawn int // compensating withdrawal events appended
}

// Engine drives the push/pull exchange.
type Engine struct {
	log     *eventlog.Log
	box     *outbox.Outbox
	remote  Remote
	tokens  TokenProvider
	policy  BackoffPolicy
	limiter *rate.Limiter

	batchSize   int
	callTimeout time.Duration

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	logger *slog.Logger
	tracer trace.Tracer

	pushedCtr metric.Int64Counter
	ackedCtr  metric.Int64Counter
	pulledCtr metric.Int64Counter
}

// Option configures the Engine.
type Option func(*Engine)

// WithTokenProvider gates each cycle on a live credential.
func WithTokenProvider(tp TokenProvider) Option {
	return func(e *Engine) { e.tokens = tp }
}

// WithBackoff overrides the retry policy.
func WithBackoff(p BackoffPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithBatchSize overrides the push batch size.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithCallTimeout bounds each network call. Timeouts apply per call, not
// per cycle, so one stalled request cannot stall the whole queue.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// WithRateLimit paces push batches.
func WithRateLimit(l *rate.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithLogger injects a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithSleeper overrides backoff sleeping for testing.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// New wires an Engine over a log, its outbox and a remote.
func New(log *eventlog.Log, box *outbox.Outbox, remote Remote, opts ...Option) *Engine {
	e := &Engine{
		log:         log,
		box:         box,
		remote:      remote,
		policy:      DefaultBackoff(),
		limiter:     rate.NewLimiter(rate.Inf, 1),
		batchSize:   50,
		callTimeout: 15 * time.Second,
		clock:       time.Now,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:      otel.Tracer(instrumentationName),
	}
	e.sleep = func(ctx context.Context, d time.Duration) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
	for _, opt := range opts {
		opt(e)
	}

	meter := otel.Meter(instrumentationName)
	e.pushedCtr, _ = meter.Int64Counter("diary.sync.events_pushed")
	e.ackedCtr, _ = meter.Int64Counter("diary.sync.events_acknowledged")
	e.pulledCtr, _ = meter.Int64Counter("diary.sync.events_pulled")
	return e
}

// SyncOnce runs one reconciliation cycle: status-check events left in
// submitted, drain the outbox in sequence order, pull server deltas.
// Transient failures are retried inside; exhaustion returns the partial
// report with a TransientError for the caller's status display.
// ErrReauthRequired halts immediately.
func (e *Engine) SyncOnce(ctx context.Context) (Report, error) {
	ctx, span := e.tracer.Start(ctx, "sync.once")
	defer span.End()

	var report Report

	if e.tokens != nil {
		if _, err := e.tokens.Token(ctx); err != nil {
			return report, err
		}
	}

	if err := e.reconcileSubmitted(ctx, &report); err != nil {
		return report, err
	}
	if err := e.push(ctx, &report); err != nil {
		return report, err
	}
	if err := e.pull(ctx, &report); err != nil {
		return report, err
	}

	if err := e.box.SetLastSync(ctx, e.clock()); err != nil {
		return report, err
	}
	span.SetAttributes(
		attribute.Int("sync.pushed", report.Pushed),
		attribute.Int("sync.acked", report.Acked),
		attribute.Int("sync.pulled", report.Pulled),
	)
	return report, nil
}

// reconcileSubmitted resolves events whose acknowledgment was lost in
// transit or whose push was cancelled mid-batch, via the idempotent
// status endpoint, never by blind re-submission.
func (e *Engine) reconcileSubmitted(ctx context.Context, report *Report) error {
	stuck, err := e.box.Submitted(ctx)
	if err != nil {
		return err
	}
	if len(stuck) == 0 {
		return nil
	}
	ids := eventIDs(stuck)
	e.logger.InfoContext(ctx, "reconciling submitted events", "count", len(ids))

	var acks []Ack
	err = e.retry(ctx, "status", func(ctx context.Context) error {
		var callErr error
		acks, callErr = e.remote.Status(ctx, ids)
		return callErr
	})
	if err != nil {
		return err
	}

	// CodeUnknown means the push never reached the server: those events
	// go back to pending and the upcoming push delivers them again.
	var requeue []string
	settled := acks[:0]
	for _, ack := range acks {
		if ack.Code == CodeUnknown {
			requeue = append(requeue, ack.EventID)
			continue
		}
		settled = append(settled, ack)
	}
	if len(requeue) > 0 {
		if err := e.box.Requeue(ctx, requeue); err != nil {
			return err
		}
		e.logger.InfoContext(ctx, "re-queueing events the remote never received",
			"count", len(requeue))
	}
	return e.applyAcks(ctx, settled, report)
}

func (e *Engine) push(ctx context.Context, report *Report) error {
	for {
		batch, err := e.box.NextBatch(ctx, e.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}

		ids := eventIDs(batch)
		if err := e.box.MarkSubmitted(ctx, ids); err != nil {
			return err
		}

		var acks []Ack
		err = e.retry(ctx, "submit", func(ctx context.Context) error {
			var callErr error
			acks, callErr = e.remote.Submit(ctx, batch)
			return callErr
		})
		if err != nil {
			// Events stay in submitted; the next cycle reconciles them
			// through the status check instead of re-submitting blindly.
			return err
		}
		report.Pushed += len(batch)
		e.pushedCtr.Add(ctx, int64(len(batch)))

		if err := e.applyAcks(ctx, acks, report); err != nil {
			return err
		}
	}
}

func (e *Engine) applyAcks(ctx context.Context, acks []Ack, report *Report) error {
	var acked []string
	for _, ack := range acks {
		switch ack.Code {
		case CodeOK, CodeDuplicate:
			acked = append(acked, ack.EventID)

		case CodeEntityWithdrawn:
			if err := e.box.MarkRejected(ctx, ack.EventID, ack.Detail); err != nil {
				return err
			}
			if err := e.compensateWithdrawal(ctx, ack); err != nil {
				return err
			}
			report.Rejected++
			report.Withdrawn++

		case CodeValidationFailed:
			// Terminal for this event: surfaced once, never looped.
			if err := e.box.MarkRejected(ctx, ack.EventID, ack.Detail); err != nil {
				return err
			}
			report.Rejected++
			e.logger.WarnContext(ctx, "event rejected by remote",
				"event_id", ack.EventID, "detail", ack.Detail)

		case CodeUnknown:
			// From a submit reply this is a server-side anomaly; the
			// event stays in submitted and the next cycle's status
			// check settles it. Requeueing here would loop the push.

		default:
			return fmt.Errorf("syncengine: unrecognized ack code %q for %s", ack.Code, ack.EventID)
		}
	}
	if len(acked) > 0 {
		if err := e.box.MarkAcknowledged(ctx, acked); err != nil {
			return err
		}
		report.Acked += len(acked)
		e.ackedCtr.Add(ctx, int64(len(acked)))
	}
	return nil
}

// compensateWithdrawal records the server's withdrawal verdict as a
// local fact so the materializer can reflect it. The original
// submission attempt stays in the log untouched.
func (e *Engine) compensateWithdrawal(ctx context.Context, ack Ack) error {
	recordID, err := e.recordIDFor(ctx, ack.EventID)
	if err != nil {
		return err
	}
	already, err := e.withdrawalPresent(ctx, recordID)
	if err != nil || already {
		return err
	}

	payload, err := event.MarshalPayload(event.WithdrawalPayload{
		Reason:   ack.Detail,
		IssuedBy: serverAuthorID,
	})
	if err != nil {
		return err
	}
	store := e.log.Store()
	ev := &event.DomainEvent{
		EventID:    uuid.NewString(),
		DeviceID:   store.DeviceID(),
		UserID:     store.UserID(),
		AuthorID:   serverAuthorID,
		Type:       event.TypeRecordWithdrawn,
		RecordID:   recordID,
		Payload:    payload,
		ClientTime: e.clock().UTC(),
		SyncState:  event.SyncAcknowledged, // originated server-side
	}
	if _, err := e.log.Append(ctx, ev); err != nil {
		return fmt.Errorf("syncengine: append compensating withdrawal: %w", err)
	}
	e.logger.InfoContext(ctx, "record withdrawn by remote", "record_id", recordID)
	return nil
}

const serverAuthorID = "server"

func (e *Engine) recordIDFor(ctx context.Context, eventID string) (string, error) {
	var recordID string
	err := e.log.DB().QueryRowContext(ctx,
		`SELECT record_id FROM events WHERE event_id = ?`, eventID).Scan(&recordID)
	if err != nil {
		return "", fmt.Errorf("syncengine: record for event %s: %w", eventID, err)
	}
	return recordID, nil
}

func (e *Engine) withdrawalPresent(ctx context.Context, recordID string) (bool, error) {
	var one int
	err := e.log.DB().QueryRowContext(ctx,
		`SELECT 1 FROM events WHERE record_id = ? AND type = ? LIMIT 1`,
		recordID, string(event.TypeRecordWithdrawn)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("syncengine: withdrawal lookup for %s: %w", recordID, err)
	}
	return true, nil
}

// pull fetches server-originated deltas since the stored cursor and
// folds them into the local log as events with a non-device author.
func (e *Engine) pull(ctx context.Context, report *Report) error {
	cursor, err := e.box.Cursor(ctx)
	if err != nil {
		return err
	}

	var delta *Delta
	err = e.retry(ctx, "pull", func(ctx context.Context) error {
		var callErr error
		delta, callErr = e.remote.Pull(ctx, cursor.PullToken)
		return callErr
	})
	if err != nil {
		return err
	}

	store := e.log.Store()
	for _, re := range delta.Events {
		if err := ValidateRemoteEvent(re); err != nil {
			return err
		}
		seen, err := e.box.HasEvent(ctx, re.EventID)
		if err != nil {
			return err
		}
		if seen {
			continue
		}
		ev := &event.DomainEvent{
			EventID:    re.EventID,
			DeviceID:   store.DeviceID(),
			UserID:     store.UserID(),
			AuthorID:   re.AuthorID,
			Type:       re.Type,
			RecordID:   re.RecordID,
			Payload:    re.Payload,
			ClientTime: re.IssuedAt,
			SyncState:  event.SyncAcknowledged,
		}
		if _, err := e.log.Append(ctx, ev); err != nil {
			return fmt.Errorf("syncengine: fold pulled event %s: %w", re.EventID, err)
		}
		report.Pulled++
		e.pulledCtr.Add(ctx, 1)
	}

	if delta.Cursor != "" && delta.Cursor != cursor.PullToken {
		return e.box.SetPullToken(ctx, delta.Cursor)
	}
	return nil
}

// retry runs op with per-call timeouts and bounded deterministic
// backoff. Transient failures are retried; anything else returns at once.
func (e *Engine) retry(ctx context.Context, name string, op func(ctx context.Context) error) error {
	deviceID := e.log.Store().DeviceID()
	var lastErr error
	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, e.policy.Delay(deviceID, attempt)); err != nil {
				return err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		err := op(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrReauthRequired) || !IsTransient(err) {
			return err
		}
		lastErr = err
		e.logger.DebugContext(ctx, "transient sync failure, backing off",
			"call", name, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("syncengine: %s retries exhausted: %w", name, lastErr)
}

// Run syncs continuously at interval until ctx is cancelled or a
// halting condition (re-authentication) is hit. Transient cycle
// failures are absorbed and logged as status, never fatal: offline
// operation must remain fully functional.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := e.SyncOnce(ctx)
		switch {
		case errors.Is(err, ErrReauthRequired):
			return err
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		case err != nil:
			e.logger.WarnContext(ctx, "sync cycle failed, will retry",
				"error", err, "pushed", report.Pushed, "acked", report.Acked)
		default:
			e.logger.InfoContext(ctx, "sync cycle complete",
				"pushed", report.Pushed, "acked", report.Acked, "pulled", report.Pulled)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func eventIDs(events []*event.DomainEvent) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.EventID
	}
	return ids
}
