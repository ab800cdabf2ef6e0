// Package protocol defines the per-protocol capabilities injected into the
// generic session: how a stream is framed, which state machine a
// conversation follows, and how a message is classified for correlation.
package protocol

import (
	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/correlate"
	"firestige.xyz/dissect/internal/reassembly"
)

// Role says which side of an exchange a message belongs to.
type Role int

const (
	RoleOther Role = iota
	RoleRequest
	RoleResponse
)

func (r Role) String() string {
	switch r {
	case RoleRequest:
		return "request"
	case RoleResponse:
		return "response"
	default:
		return "other"
	}
}

// Classification is the coarse reading of one message. It is all the core
// needs: no field-level decoding happens here.
type Classification struct {
	Role    Role
	Event   conversation.Event
	Key     correlate.Key // Conversation is filled in by the session
	Summary string        // Short human-readable label, e.g. "OpenSession request"
	// SubFlow separates conversations multiplexed on one transport flow
	// (a routed socket, a channel). Zero keeps the transport flow.
	SubFlow uint32
}

// Profile bundles the capabilities of one protocol.
type Profile interface {
	Name() string
	// Symmetric reports whether both directions of a flow belong to one
	// conversation.
	Symmetric() bool
	// Framing returns the stream length decoder; nil for datagram-only
	// protocols.
	Framing() reassembly.LengthDecoder
	Machine() *conversation.Machine
	Classify(msg *core.Message) (Classification, error)
}

// Fragmenter is implemented by profiles whose datagrams carry their own
// fragmentation header. Fragment reports ok=false for datagrams that are
// whole messages.
type Fragmenter interface {
	Fragment(payload []byte) (info core.FragmentInfo, data []byte, ok bool)
}

// Detector is implemented by profiles that can recognize their messages on
// flows no configured port selects.
type Detector interface {
	Detect(payload []byte) bool
}
