// Package rtti reconstructs C++ class type information from compiled
// binary images by parsing RTTI metadata and virtual function tables.
package rtti

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrUnsupportedFormat indicates no ABI matches the image format.
	ErrUnsupportedFormat = errors.New("rtti: unsupported binary format")

	// ErrNoHierarchy indicates a class has no hierarchy descriptor even
	// after locator discovery.
	ErrNoHierarchy = errors.New("rtti: no hierarchy descriptor found")

	// ErrCyclicHierarchy indicates the base class graph re-enters an
	// address already on the current reconstruction path.
	ErrCyclicHierarchy = errors.New("rtti: cyclic base class graph")

	// ErrPreviouslyValidated indicates data that passed validation earlier
	// in the run failed a later read. The image snapshot is immutable, so
	// this is a programming-invariant violation, not a recoverable error.
	ErrPreviouslyValidated = errors.New("rtti: previously validated data is no longer valid")
)

// InvalidDataError describes a structurally invalid record. During
// discovery scans it is recoverable: the candidate is skipped and the
// scan continues.
type InvalidDataError struct {
	Record  string // record family, e.g. "type descriptor"
	Addr    uint64 // record address
	Message string
	Err     error // underlying error, if any
}

func (e *InvalidDataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rtti: invalid %s at %#x: %s: %v", e.Record, e.Addr, e.Message, e.Err)
	}
	return fmt.Sprintf("rtti: invalid %s at %#x: %s", e.Record, e.Addr, e.Message)
}

func (e *InvalidDataError) Unwrap() error { return e.Err }

// preValidated wraps a failure on data that already passed validation.
func preValidated(addr uint64, err error) error {
	return fmt.Errorf("%w (address %#x): %v", ErrPreviouslyValidated, addr, err)
}
