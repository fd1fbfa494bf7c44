package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/curalog/diarystore/pkg/canonical"
)

// ZonedTime is a domain timestamp with the IANA zone identifier captured
// at the moment of entry. The zone is never derived from device locale at
// read time; calendar-day arithmetic for compliance rules uses it.
type ZonedTime struct {
	UTC  time.Time `json:"utc"`
	Zone string    `json:"zone"`
}

// NewZonedTime captures t and the zone it was entered in.
func NewZonedTime(t time.Time) ZonedTime {
	return ZonedTime{UTC: t.UTC(), Zone: t.Location().String()}
}

// Wall returns the timestamp in its captured zone. An unloadable zone
// falls back to UTC rather than the device locale.
func (z ZonedTime) Wall() time.Time {
	loc, err := time.LoadLocation(z.Zone)
	if err != nil {
		return z.UTC
	}
	return z.UTC.In(loc)
}

// EpisodePayload is carried by record-started and record-ended events.
type EpisodePayload struct {
	At       ZonedTime `json:"at"`
	Symptom  string    `json:"symptom,omitempty"`
	Severity int       `json:"severity,omitempty"`
	Note     string    `json:"note,omitempty"`
}

// CorrectionPayload re-applies changed fields of a record. Nil fields
// are untouched by the fold.
type CorrectionPayload struct {
	StartsAt *ZonedTime `json:"starts_at,omitempty"`
	EndsAt   *ZonedTime `json:"ends_at,omitempty"`
	Severity *int       `json:"severity,omitempty"`
	Note     *string    `json:"note,omitempty"`
}

// JustificationPayload documents the reason for correcting an aged entry.
type JustificationPayload struct {
	Reason string `json:"reason"`
}

// WithdrawalPayload accompanies a server-issued record-withdrawn event.
type WithdrawalPayload struct {
	Reason   string `json:"reason,omitempty"`
	IssuedBy string `json:"issued_by,omitempty"`
}

// ConfirmationPayload corroborates a flagged duration.
type ConfirmationPayload struct {
	Confirms string `json:"confirms"`
}

// ConfirmsDuration is the ConfirmationPayload.Confirms value for
// duration plausibility confirmations.
const ConfirmsDuration = "duration"

// MarkerPayload is carried by no-event-marker and unknown-event-marker
// events: a standalone statement about a diary day.
type MarkerPayload struct {
	Day  string `json:"day"` // YYYY-MM-DD in the entry zone
	Zone string `json:"zone,omitempty"`
	Note string `json:"note,omitempty"`
}

// MarshalPayload serializes a payload for embedding in a DomainEvent,
// normalizing free-text fields so hashes are stable across platforms.
func MarshalPayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case EpisodePayload:
		v.Symptom = canonical.NormalizeText(v.Symptom)
		v.Note = canonical.NormalizeText(v.Note)
		p = v
	case CorrectionPayload:
		if v.Note != nil {
			n := canonical.NormalizeText(*v.Note)
			v.Note = &n
		}
		p = v
	case JustificationPayload:
		v.Reason = canonical.NormalizeText(v.Reason)
		p = v
	case MarkerPayload:
		v.Note = canonical.NormalizeText(v.Note)
		p = v
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}
