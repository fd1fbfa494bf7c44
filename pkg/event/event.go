// Package event defines the immutable domain events of the diary log and
// the shared error taxonomy of the store.
//
// Events are facts: once appended they are never updated or deleted in
// place. "Editing" a diary entry is expressed as appending a correction
// event that the materializer folds over the original.
package event

import (
	"encoding/json"
	"time"

	"github.com/curalog/diarystore/pkg/canonical"
)

// Type categorizes a domain event. The set is closed: the materializer
// and the remote contract both depend on it.
type Type string

const (
	TypeRecordStarted         Type = "record-started"
	TypeRecordEnded           Type = "record-ended"
	TypeRecordCorrected       Type = "record-corrected"
	TypeNoEventMarker         Type = "no-event-marker"
	TypeUnknownEventMarker    Type = "unknown-event-marker"
	TypeRecordWithdrawn       Type = "record-withdrawn"
	TypeJustificationProvided Type = "justification-provided"
	TypeConfirmationProvided  Type = "confirmation-provided"
)

// Valid reports whether t is one of the closed event types.
func (t Type) Valid() bool {
	switch t {
	case TypeRecordStarted, TypeRecordEnded, TypeRecordCorrected,
		TypeNoEventMarker, TypeUnknownEventMarker, TypeRecordWithdrawn,
		TypeJustificationProvided, TypeConfirmationProvided:
		return true
	}
	return false
}

// SyncState is sync bookkeeping for a locally stored event. It lives
// outside the hashed event content so acknowledgments never break the
// chain.
type SyncState string

const (
	SyncPending      SyncState = "pending"
	SyncSubmitted    SyncState = "submitted"
	SyncAcknowledged SyncState = "acknowledged"
	SyncRejected     SyncState = "rejected"
)

// GenesisHash is the chain predecessor of the first event in a segment.
const GenesisHash = "genesis"

// DomainEvent is the atomic, immutable diary fact.
//
// Sequence is assigned by the event log at append time and is gapless
// per device. Hash covers the canonical serialization of the event with
// Hash itself blanked, chained through PrevHash.
type DomainEvent struct {
	EventID    string          `json:"event_id"`
	DeviceID   string          `json:"device_id"`
	UserID     string          `json:"user_id"`
	AuthorID   string          `json:"author_id"`
	Sequence   uint64          `json:"sequence"`
	Type       Type            `json:"type"`
	RecordID   string          `json:"record_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ClientTime time.Time       `json:"client_time"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`

	// SyncState is excluded from serialization of the hashed content;
	// it is mutated by the outbox as the event moves through sync.
	SyncState SyncState `json:"-"`

	// RejectReason carries the terminal rejection detail for events in
	// SyncRejected, for user remediation. Not part of the hashed content.
	RejectReason string `json:"-"`
}

// ComputeHash returns the chain hash for the event: the SHA-256 of
// PrevHash concatenated with the canonical serialization of the event
// with Hash blanked.
func (e *DomainEvent) ComputeHash() (string, error) {
	view := *e
	view.Hash = ""
	return canonical.ChainHash(e.PrevHash, &view)
}

// ServerOriginated reports whether the event was issued by the remote
// system of record rather than this device's user.
func (e *DomainEvent) ServerOriginated() bool {
	return e.AuthorID != "" && e.AuthorID != e.DeviceID
}
