// Package core defines sentinel errors.
package core

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every one of them is recoverable at the level of a single
// message or conversation.
var (
	// Framing errors
	ErrInvalidLength = errors.New("dissect: invalid declared message length")

	// Fragment reassembly
	ErrReassemblyConflict = errors.New("dissect: overlapping fragments with differing content")
	ErrFragmentTooLarge   = errors.New("dissect: fragment exceeds maximum message size")
	ErrIncomplete         = errors.New("dissect: message incomplete at end of session")

	// Correlation
	ErrUnsolicitedResponse  = errors.New("dissect: response without matching request")
	ErrDuplicateCorrelation = errors.New("dissect: request already bound to a response")

	// Session
	ErrNotVisited     = errors.New("dissect: record not seen on the initial pass")
	ErrSessionClosed  = errors.New("dissect: session closed")
	ErrUnknownProfile = errors.New("dissect: unknown protocol profile")
)

// FramingError reports a malformed stream header. The flow's buffered bytes
// were discarded.
type FramingError struct {
	Flow      FlowID
	Seq       uint64
	Declared  int // Declared length, -1 if the header could not be decoded
	Discarded int // Buffered bytes dropped
	Err       error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing %s seq=%d declared=%d discarded=%d: %v", e.Flow, e.Seq, e.Declared, e.Discarded, e.Err)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// ReassemblyConflictError is a warning: fragments disagreed at overlapping
// offsets. Reassembly continued with the most recent bytes.
type ReassemblyConflictError struct {
	Flow      FlowID
	MessageID uint64
	Offset    int
	Reason    string
}

func (e *ReassemblyConflictError) Error() string {
	return fmt.Sprintf("reassembly %s id=%d offset=%d: %s", e.Flow, e.MessageID, e.Offset, e.Reason)
}

func (e *ReassemblyConflictError) Unwrap() error {
	return ErrReassemblyConflict
}

// IncompleteError describes a message that was still unfinished at teardown.
type IncompleteError struct {
	Flow      FlowID
	MessageID uint64 // 0 for stream tails
	Have      int    // Bytes recovered
	Want      int    // Declared length, 0 if unknown
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("incomplete %s id=%d have=%d want=%d", e.Flow, e.MessageID, e.Have, e.Want)
}

func (e *IncompleteError) Unwrap() error {
	return ErrIncomplete
}
