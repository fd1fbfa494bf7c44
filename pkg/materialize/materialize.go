// Package materialize derives current-state diary records by replaying
// the event log.
//
// Materialize is a pure function: no I/O, no clock, no randomness.
// Given the same event sequence it always produces the same projection,
// across restarts and devices. The projection is a disposable cache:
// dropping and rebuilding it from the log is the recovery mechanism for
// projection corruption.
package materialize

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/curalog/diarystore/pkg/event"
)

// Flag marks a business-rule violation detected during the fold. The
// log itself accepted the event; the flag routes it to audit review and
// user remediation instead of losing data.
type Flag string

const (
	// FlagMissingJustification marks a correction to an aged entry with
	// no paired justification event in the fold window.
	FlagMissingJustification Flag = "missing-justification"

	// FlagMalformedPayload marks an event whose payload failed to decode.
	FlagMalformedPayload Flag = "malformed-payload"
)

// Kind distinguishes episode records from standalone diary markers.
type Kind string

const (
	KindEpisode Kind = "episode"
	KindNoEvent Kind = "no-event"
	KindUnknown Kind = "unknown"
)

// Record is the current-state projection of one logical diary entry.
// Never deleted; withdrawal freezes it in place for audit continuity.
type Record struct {
	RecordID       string
	Kind           Kind
	Symptom        string
	Severity       int
	Note           string
	StartsAt       *event.ZonedTime
	EndsAt         *event.ZonedTime
	Day            string // marker records
	SourceEventIDs []string
	Version        int // corrective events applied
	FirstSequence  uint64

	Withdrawn       bool
	WithdrawnReason string

	NeedsConfirmation bool
	Confirmed         bool

	ComplianceFlags []Flag
}

// Duration returns the episode duration, or false if either endpoint is
// missing.
func (r *Record) Duration() (time.Duration, bool) {
	if r.StartsAt == nil || r.EndsAt == nil {
		return 0, false
	}
	return r.EndsAt.UTC.Sub(r.StartsAt.UTC), true
}

func (r *Record) flagged(f Flag) bool {
	for _, have := range r.ComplianceFlags {
		if have == f {
			return true
		}
	}
	return false
}

func (r *Record) addFlag(f Flag) {
	if !r.flagged(f) {
		r.ComplianceFlags = append(r.ComplianceFlags, f)
	}
}

// Violation is a materialization-level validation error surfaced for
// correction. Non-fatal: the projection still carries the record.
type Violation struct {
	RecordID string
	EventID  string
	Flag     Flag
	Detail   string
}

// Thresholds hold the duration plausibility bounds. Durations at or
// under Short and strictly over Long are flagged NeedsConfirmation, not
// rejected. The short boundary is inclusive per the stated threshold
// constant; worth confirming against the authoritative business rule.
type Thresholds struct {
	Short time.Duration
	Long  time.Duration
}

const (
	// DefaultShort is the inclusive short-duration boundary.
	DefaultShort = time.Minute
	// DefaultLong is the default long-duration boundary.
	DefaultLong = 4 * time.Hour

	minLong = time.Hour
	maxLong = 9 * time.Hour
)

// DefaultThresholds returns the protocol defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Short: DefaultShort, Long: DefaultLong}
}

// Clamp forces Long into its configurable 1–9h range.
func (t Thresholds) Clamp() Thresholds {
	if t.Short <= 0 {
		t.Short = DefaultShort
	}
	if t.Long < minLong {
		t.Long = minLong
	}
	if t.Long > maxLong {
		t.Long = maxLong
	}
	return t
}

// Materializer folds event sequences into projections.
type Materializer struct {
	th Thresholds
}

// New returns a Materializer with clamped thresholds.
func New(th Thresholds) *Materializer {
	return &Materializer{th: th.Clamp()}
}

// pendingJustification tracks a correction awaiting its justification
// within the fold window.
type pendingJustification struct {
	recordID string
	eventID  string
}

// Materialize replays events in sequence order into the projection.
// Events targeting withdrawn records are frozen out of the fold but the
// fold never errors on them: rejection of new corrections is the
// record-entry API's job, and events already in the log are history.
func (m *Materializer) Materialize(events []*event.DomainEvent) (map[string]*Record, []Violation) {
	ordered := make([]*event.DomainEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sequence < ordered[j].Sequence
	})

	records := make(map[string]*Record)
	justified := make(map[string]int)
	var pending []pendingJustification
	var violations []Violation

	for _, ev := range ordered {
		rec := records[ev.RecordID]
		if rec != nil && rec.Withdrawn && ev.Type != event.TypeRecordWithdrawn {
			continue // frozen
		}

		switch ev.Type {
		case event.TypeRecordStarted:
			var p event.EpisodePayload
			if !decode(ev, &p, records, &violations) {
				continue
			}
			rec = ensure(records, ev, KindEpisode)
			if rec.StartsAt == nil {
				at := p.At
				rec.StartsAt = &at
				rec.Symptom = p.Symptom
				rec.Severity = p.Severity
				rec.Note = p.Note
			}
			rec.SourceEventIDs = append(rec.SourceEventIDs, ev.EventID)
			m.reflag(rec)

		case event.TypeRecordEnded:
			var p event.EpisodePayload
			if !decode(ev, &p, records, &violations) {
				continue
			}
			rec = ensure(records, ev, KindEpisode)
			if rec.EndsAt == nil {
				at := p.At
				rec.EndsAt = &at
			}
			rec.SourceEventIDs = append(rec.SourceEventIDs, ev.EventID)
			m.reflag(rec)

		case event.TypeRecordCorrected:
			var p event.CorrectionPayload
			if !decode(ev, &p, records, &violations) {
				continue
			}
			rec = ensure(records, ev, KindEpisode)
			// The age rule judges the entry as it stood when the user
			// corrected it, not after the correction moved it.
			aged := requiresJustification(rec, ev)
			changedTimes := false
			if p.StartsAt != nil {
				at := *p.StartsAt
				rec.StartsAt = &at
				changedTimes = true
			}
			if p.EndsAt != nil {
				at := *p.EndsAt
				rec.EndsAt = &at
				changedTimes = true
			}
			if p.Severity != nil {
				rec.Severity = *p.Severity
			}
			if p.Note != nil {
				rec.Note = *p.Note
			}
			rec.Version++
			rec.SourceEventIDs = append(rec.SourceEventIDs, ev.EventID)
			if changedTimes {
				// A new duration invalidates a prior confirmation.
				rec.Confirmed = false
			}
			m.reflag(rec)
			if aged || requiresJustification(rec, ev) {
				pending = append(pending, pendingJustification{
					recordID: ev.RecordID, eventID: ev.EventID,
				})
			}

		case event.TypeJustificationProvided:
			rec = ensure(records, ev, KindEpisode)
			rec.SourceEventIDs = append(rec.SourceEventIDs, ev.EventID)
			justified[ev.RecordID]++

		case event.TypeConfirmationProvided:
			rec = ensure(records, ev, KindEpisode)
			rec.SourceEventIDs = append(rec.SourceEventIDs, ev.EventID)
			rec.Confirmed = true
			rec.NeedsConfirmation = false

		case event.TypeRecordWithdrawn:
			rec = ensure(records, ev, KindEpisode)
			var p event.WithdrawalPayload
			if len(ev.Payload) > 0 {
				_ = json.Unmarshal(ev.Payload, &p)
			}
			rec.Withdrawn = true
			rec.WithdrawnReason = p.Reason
			rec.SourceEventIDs = append(rec.SourceEventIDs, ev.EventID)

		case event.TypeNoEventMarker, event.TypeUnknownEventMarker:
			var p event.MarkerPayload
			if !decode(ev, &p, records, &violations) {
				continue
			}
			kind := KindNoEvent
			if ev.Type == event.TypeUnknownEventMarker {
				kind = KindUnknown
			}
			rec = ensure(records, ev, kind)
			rec.Day = p.Day
			rec.Note = p.Note
			rec.SourceEventIDs = append(rec.SourceEventIDs, ev.EventID)
		}
	}

	// Justification may arrive anywhere in the fold window, so the
	// verdict is only known once the window is exhausted. Each aged
	// correction consumes one justification: a single justification
	// does not cover every later aged correction to the record.
	for _, pj := range pending {
		if justified[pj.recordID] > 0 {
			justified[pj.recordID]--
			continue
		}
		rec := records[pj.recordID]
		rec.addFlag(FlagMissingJustification)
		violations = append(violations, Violation{
			RecordID: pj.recordID,
			EventID:  pj.eventID,
			Flag:     FlagMissingJustification,
			Detail:   "correction to an entry more than one calendar day old has no paired justification",
		})
	}

	return records, violations
}

func ensure(records map[string]*Record, ev *event.DomainEvent, kind Kind) *Record {
	rec := records[ev.RecordID]
	if rec == nil {
		rec = &Record{RecordID: ev.RecordID, Kind: kind, FirstSequence: ev.Sequence}
		records[ev.RecordID] = rec
	}
	return rec
}

func decode(ev *event.DomainEvent, into any, records map[string]*Record, violations *[]Violation) bool {
	if err := json.Unmarshal(ev.Payload, into); err != nil {
		rec := ensure(records, ev, KindEpisode)
		rec.addFlag(FlagMalformedPayload)
		*violations = append(*violations, Violation{
			RecordID: ev.RecordID,
			EventID:  ev.EventID,
			Flag:     FlagMalformedPayload,
			Detail:   fmt.Sprintf("payload decode: %v", err),
		})
		return false
	}
	return true
}

// reflag re-evaluates the duration plausibility flags. Confirmation
// suppresses the flag until the duration changes again.
func (m *Materializer) reflag(rec *Record) {
	d, ok := rec.Duration()
	if !ok {
		rec.NeedsConfirmation = false
		return
	}
	implausible := d <= m.th.Short || d > m.th.Long
	rec.NeedsConfirmation = implausible && !rec.Confirmed
}

// requiresJustification reports whether the correction ev targets an
// entry whose domain timestamp is more than one calendar day before the
// correction was made, evaluated in the entry's captured zone.
func requiresJustification(rec *Record, ev *event.DomainEvent) bool {
	if rec.StartsAt == nil {
		return false
	}
	entryWall := rec.StartsAt.Wall()
	correctedWall := ev.ClientTime.In(entryWall.Location())
	return calendarDaysBetween(entryWall, correctedWall) > 1
}

func calendarDaysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da) / (24 * time.Hour))
}
