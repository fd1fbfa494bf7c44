package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/curalog/diarystore/pkg/event"
)

// RejectionCode is the structured per-event outcome of the remote
// submit endpoint.
type RejectionCode string

const (
	// CodeOK acknowledges the event.
	CodeOK RejectionCode = "ok"
	// CodeDuplicate means the server already holds this event id.
	// Treated as acknowledgment: at-least-once delivery, exactly-once
	// effect, deduped server-side by id.
	CodeDuplicate RejectionCode = "duplicate"
	// CodeEntityWithdrawn means the targeted record was withdrawn
	// server-side (e.g. by an investigator). Non-retryable; triggers a
	// local compensating withdrawal event.
	CodeEntityWithdrawn RejectionCode = "entity-withdrawn"
	// CodeValidationFailed is a terminal rejection of this event.
	CodeValidationFailed RejectionCode = "validation-failed"
	// CodeUnknown means the server has no record of the event id. For a
	// status check this is the "never received" verdict: the event must
	// go back to pending and be re-submitted, which is safe because the
	// server dedupes by id.
	CodeUnknown RejectionCode = "unknown"
)

// Ack is the remote's per-event response.
type Ack struct {
	EventID string        `json:"event_id"`
	Code    RejectionCode `json:"code"`
	Detail  string        `json:"detail,omitempty"`
}

// RemoteEvent is a server-originated state delta, folded into the local
// log as an event with a non-device author.
type RemoteEvent struct {
	EventID  string          `json:"event_id"`
	RecordID string          `json:"record_id"`
	Type     event.Type      `json:"type"`
	AuthorID string          `json:"author_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	IssuedAt time.Time       `json:"issued_at"`
}

// Delta is a page of server-originated changes since a cursor token.
type Delta struct {
	Events []RemoteEvent `json:"events"`
	Cursor string        `json:"cursor"`
}

// Remote is the contract with the system of record, treated as a black
// box. Submit and Status must be idempotent by event id, and Status
// must answer CodeUnknown for ids it has never seen so the client can
// tell "not received" apart from "acknowledgment lost".
type Remote interface {
	Submit(ctx context.Context, batch []*event.DomainEvent) ([]Ack, error)
	Status(ctx context.Context, eventIDs []string) ([]Ack, error)
	Pull(ctx context.Context, cursor string) (*Delta, error)
}

// TransientError marks a failure worth retrying: network loss, 5xx-class
// server trouble. Everything else is terminal for the attempt.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Server deltas are validated before they are folded into the local log:
// a malformed delta must fail the pull, not poison the chain.
const remoteEventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["event_id", "record_id", "type", "author_id"],
	"properties": {
		"event_id":  {"type": "string", "minLength": 1},
		"record_id": {"type": "string", "minLength": 1},
		"type": {
			"type": "string",
			"enum": ["record-withdrawn", "confirmation-provided", "record-corrected"]
		},
		"author_id": {"type": "string", "minLength": 1},
		"payload":   {"type": "object"},
		"issued_at": {"type": "string"}
	}
}`

var remoteEventValidator = jsonschema.MustCompileString("remote_event.json", remoteEventSchema)

// ValidateRemoteEvent checks a pulled delta event against the contract
// schema.
func ValidateRemoteEvent(re RemoteEvent) error {
	raw, err := json.Marshal(re)
	if err != nil {
		return fmt.Errorf("syncengine: encode delta event: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("syncengine: decode delta event: %w", err)
	}
	if err := remoteEventValidator.Validate(doc); err != nil {
		return fmt.Errorf("syncengine: delta event %s rejected by schema: %w", re.EventID, err)
	}
	return nil
}
