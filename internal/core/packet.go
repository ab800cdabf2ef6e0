// Package core defines core data structures.
package core

import (
	"strconv"
	"time"
)

// FragmentInfo tags a record that carries one fragment of a larger datagram.
type FragmentInfo struct {
	MessageID     uint64 // Fragments with equal MessageID (per flow) belong together
	Offset        int    // Byte offset of this piece inside the message
	DeclaredTotal int    // Total message length if the header declares it, 0 = unknown
	Last          bool   // Final piece: locks the total to Offset+len(payload)
	Encapsulated  bool   // Reassembled bytes still start with a UDP header
}

// RawRecord is one transport-level unit in capture order. It is owned by the
// caller; the core copies any bytes it needs to keep after Process returns.
type RawRecord struct {
	Seq       uint64 // Monotonic position in the input, starts at 1
	Flow      FlowID
	Timestamp time.Time
	Payload   []byte
	IsReplay  bool          // Set by the caller for every traversal after the first
	Fragment  *FragmentInfo // nil unless the record is a datagram fragment
}

// Message is a reassembled application-level message.
type Message struct {
	Flow     FlowID
	Data     []byte
	Records  []uint64 // Contributing record sequence numbers, ascending
	Complete bool     // false for tails and unfinished fragment sets surfaced at teardown
	Conflict bool     // Overlapping fragments disagreed; last writer won
}

// Seq returns the sequence number that identifies the message, which is the
// last contributing record (the record that completed it).
func (m *Message) Seq() uint64 {
	if len(m.Records) == 0 {
		return 0
	}
	return m.Records[len(m.Records)-1]
}

// Len returns the message length in bytes.
func (m *Message) Len() int {
	return len(m.Data)
}

// MessageRef locates one message: the record that completed it and its
// position among the messages completed by that record.
type MessageRef struct {
	Seq   uint64
	Index int
}

// RecordRef refers to a whole record, for results computed once per record.
func RecordRef(seq uint64) MessageRef {
	return MessageRef{Seq: seq}
}

// Less orders references by capture position.
func (r MessageRef) Less(o MessageRef) bool {
	if r.Seq != o.Seq {
		return r.Seq < o.Seq
	}
	return r.Index < o.Index
}

// String implements fmt.Stringer, e.g. "12" or "12.1" for the second message
// of record 12.
func (r MessageRef) String() string {
	s := strconv.FormatUint(r.Seq, 10)
	if r.Index != 0 {
		s += "." + strconv.Itoa(r.Index)
	}
	return s
}
