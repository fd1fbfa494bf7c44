package event

import (
	"errors"
	"fmt"
)

var (
	// ErrSequenceConflict indicates a concurrent writer raced sequence
	// assignment. Should not occur under the log's single-writer
	// discipline.
	ErrSequenceConflict = errors.New("event log: sequence conflict")

	// ErrStorageFull indicates the device is out of usable storage.
	// Local and retryable by the caller after space is freed.
	ErrStorageFull = errors.New("event log: storage full")

	// ErrEncryptionFailure indicates the at-rest encryption layer could
	// not seal or open a record.
	ErrEncryptionFailure = errors.New("event log: encryption failure")

	// ErrLogClosed is returned by operations on a closed log.
	ErrLogClosed = errors.New("event log: closed")

	// ErrRecordWithdrawn is returned by the record-entry API when a
	// local correction targets a withdrawn record. Distinct so the UI
	// can explain the rejection instead of silently dropping input.
	ErrRecordWithdrawn = errors.New("diary: record is withdrawn")

	// ErrUnknownRecord is returned when an operation references a
	// record id absent from the projection.
	ErrUnknownRecord = errors.New("diary: unknown record")
)

// ChainError reports a break in the tamper-evidence chain. Fatal to
// trust in the log; surfaced, never auto-healed.
type ChainError struct {
	AtSequence uint64
	Reason     string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain tampered at sequence %d: %s", e.AtSequence, e.Reason)
}

// IsTampered reports whether err carries a ChainError.
func IsTampered(err error) bool {
	var ce *ChainError
	return errors.As(err, &ce)
}
