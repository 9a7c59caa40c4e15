package sync

import (
	"errors"
	"fmt"
)

// ValidationError means a source partition could not be read or was
// malformed. The dataset was not touched.
type ValidationError struct {
	PartitionID string
	Cause       error
}

func (e *ValidationError) Error() string {
	if e.PartitionID == "" {
		return fmt.Sprintf("validation failed: %v", e.Cause)
	}
	return fmt.Sprintf("validation failed for partition %q: %v", e.PartitionID, e.Cause)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// PersistenceError means a store operation failed. When Op is "replace" the
// transaction was rolled back.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// ConfigError is a missing or invalid setting. Cycles do not start.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// ErrPartialPropagation is wrapped by the error of PARTIAL outcomes.
var ErrPartialPropagation = errors.New("partial propagation failure")

// temporary reports whether err carries a Temporary() true error, such as a
// network failure in the source reader or the CRM client.
func temporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}
