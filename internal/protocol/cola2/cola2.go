// Package cola2 implements the SICK CoLa 2.0 profile: a length-prefixed
// request/response protocol over TCP whose session handle is only learned
// from the OpenSession response, plus fragmented measurement datagrams over
// UDP.
package cola2

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/correlate"
	"firestige.xyz/dissect/internal/protocol"
	"firestige.xyz/dissect/internal/reassembly"
)

const (
	// Name is the profile name used in configuration.
	Name = "cola2"

	HeaderSize  = 8
	MagicNumber = 0x02020202
)

// Commands
const (
	CmdOpenSession  = 'O'
	CmdCloseSession = 'C'
	CmdRead         = 'R'
	CmdWrite        = 'W'
	CmdMethod       = 'M'
	CmdAnswer       = 'A'
	CmdError        = 'F'
)

// Modes
const (
	ModeRequest  = 'x'
	ModeResponse = 'A'
	ModeIndex    = 'I'
	ModeName     = 'N'
)

// Conversation states
const (
	StateAwaitingOpenRequest  conversation.State = "AwaitingOpenRequest"
	StateAwaitingOpenResponse conversation.State = "AwaitingOpenResponse"
	StateOpen                 conversation.State = "Open"
	StateClosing              conversation.State = "Closing"
	StateClosed               conversation.State = "Closed"
)

// DataOpenResponse is the conversation attribute holding the record of the
// OpenSession response that assigned the current session handle.
const DataOpenResponse = "open_response"

// Event tags
const (
	EventOpenRequest   = "open.request"
	EventOpenResponse  = "open.response"
	EventCloseRequest  = "close.request"
	EventCloseResponse = "close.response"
	EventRequest       = "request"
	EventResponse      = "response"
	EventMeasurement   = "measurement"
)

var commandNames = map[byte]string{
	CmdOpenSession:  "OpenSession",
	CmdCloseSession: "CloseSession",
	CmdRead:         "Read",
	CmdWrite:        "Write",
	CmdMethod:       "Method",
	CmdAnswer:       "Answer",
	CmdError:        "Error",
}

// Options configures the profile.
type Options struct {
	// Measurement enables reassembly of UDP measurement datagrams.
	Measurement bool `mapstructure:"measurement"`
}

func init() {
	protocol.Register(Name, func(options map[string]any) (protocol.Profile, error) {
		opts := Options{Measurement: true}
		if err := protocol.DecodeOptions(options, &opts); err != nil {
			return nil, err
		}
		return New(opts), nil
	})
}

// Header is the command header that follows the 8-byte frame header.
type Header struct {
	Length      uint32
	HubCenter   uint8
	NOC         uint8
	SocketIndex uint32 // present only when NOC != 0
	SessionID   uint32
	RequestID   uint16
	Command     byte
	Mode        byte
}

// ParseHeader decodes the fixed part of a CoLa 2.0 message.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("cola2: short message (%d bytes)", len(b))
	}
	if magic := binary.BigEndian.Uint32(b); magic != MagicNumber {
		return h, fmt.Errorf("cola2: bad magic %#08x", magic)
	}
	h.Length = binary.BigEndian.Uint32(b[4:])
	off := HeaderSize
	need := off + 2
	if len(b) < need {
		return h, fmt.Errorf("cola2: truncated command header")
	}
	h.HubCenter = b[off]
	h.NOC = b[off+1]
	off += 2
	if h.NOC != 0 {
		if len(b) < off+4 {
			return h, fmt.Errorf("cola2: truncated socket index")
		}
		h.SocketIndex = binary.BigEndian.Uint32(b[off:])
		off += 4
	}
	if len(b) < off+8 {
		return h, fmt.Errorf("cola2: truncated command header")
	}
	h.SessionID = binary.BigEndian.Uint32(b[off:])
	h.RequestID = binary.BigEndian.Uint16(b[off+4:])
	h.Command = b[off+6]
	h.Mode = b[off+7]
	return h, nil
}

// DecodeLength implements reassembly.LengthDecoder: magic plus a big-endian
// body length, total = length + 8.
func DecodeLength(buf []byte) (int, bool, error) {
	if len(buf) < HeaderSize {
		if len(buf) >= 4 && binary.BigEndian.Uint32(buf) != MagicNumber {
			return 0, false, fmt.Errorf("%w: bad magic", core.ErrInvalidLength)
		}
		return 0, false, nil
	}
	if magic := binary.BigEndian.Uint32(buf); magic != MagicNumber {
		return 0, false, fmt.Errorf("%w: bad magic %#08x", core.ErrInvalidLength, magic)
	}
	n := uint64(binary.BigEndian.Uint32(buf[4:])) + HeaderSize
	if n > uint64(int(^uint(0)>>1)) {
		return 0, false, core.ErrInvalidLength
	}
	return int(n), true, nil
}

// Profile is the CoLa 2.0 protocol profile.
type Profile struct {
	opts    Options
	machine *conversation.Machine
}

// New creates the profile.
func New(opts Options) *Profile {
	return &Profile{opts: opts, machine: NewMachine()}
}

// NewMachine builds the session lifecycle. A new OpenSession request restarts
// the lifecycle from any state; the session handle is remembered from the
// OpenSession response.
func NewMachine() *conversation.Machine {
	return conversation.NewMachine(StateAwaitingOpenRequest).
		On(conversation.AnyState, EventOpenRequest, StateAwaitingOpenResponse, conversation.ForgetSessionKey).
		On(StateAwaitingOpenResponse, EventOpenResponse, StateOpen, conversation.RememberSessionKey, rememberOpenResponse).
		On(StateOpen, EventCloseRequest, StateClosing).
		On(StateClosing, EventCloseResponse, StateClosed).
		Terminal(StateClosed).
		ResolvesIn(StateOpen, StateClosing)
}

func rememberOpenResponse(c *conversation.Conversation, seq uint64, _ conversation.Event) {
	c.SetData(DataOpenResponse, seq)
}

func (p *Profile) Name() string { return Name }

// Symmetric: requests and responses travel on the two directions of one TCP
// connection.
func (p *Profile) Symmetric() bool { return true }

func (p *Profile) Framing() reassembly.LengthDecoder {
	return reassembly.LengthDecoderFunc(DecodeLength)
}

func (p *Profile) Machine() *conversation.Machine { return p.machine }

// Classify reads the command header of msg.
func (p *Profile) Classify(msg *core.Message) (protocol.Classification, error) {
	if isMeasurement(msg.Data) {
		return classifyMeasurement(msg.Data)
	}
	h, err := ParseHeader(msg.Data)
	if err != nil {
		return protocol.Classification{}, err
	}

	c := protocol.Classification{
		Key: correlate.Key{Request: uint32(h.RequestID), Sub: h.SessionID},
	}
	if h.NOC != 0 {
		// Routed through a hub: each socket runs its own session.
		c.SubFlow = h.SocketIndex
	}
	name, ok := commandNames[h.Command]
	if !ok {
		name = fmt.Sprintf("Unknown(%#02x)", h.Command)
	}

	switch h.Command {
	case CmdOpenSession:
		switch h.Mode {
		case ModeRequest:
			// The handle is assigned by the device; the request carries none.
			c.Role = protocol.RoleRequest
			c.Event = conversation.Event{Tag: EventOpenRequest}
			c.Key.Sub = 0
			c.Key.Partial = true
		case ModeResponse:
			c.Role = protocol.RoleResponse
			c.Event = conversation.Event{Tag: EventOpenResponse, Value: h.SessionID, HasValue: true}
		}
	case CmdCloseSession:
		switch h.Mode {
		case ModeRequest:
			c.Role = protocol.RoleRequest
			c.Event = conversation.Event{Tag: EventCloseRequest}
		case ModeResponse:
			c.Role = protocol.RoleResponse
			c.Event = conversation.Event{Tag: EventCloseResponse}
		}
	case CmdRead, CmdWrite, CmdMethod:
		switch h.Mode {
		case ModeIndex, ModeName:
			c.Role = protocol.RoleRequest
			c.Event = conversation.Event{Tag: EventRequest}
		case ModeResponse:
			c.Role = protocol.RoleResponse
			c.Event = conversation.Event{Tag: EventResponse}
		}
	case CmdAnswer, CmdError:
		c.Role = protocol.RoleResponse
		c.Event = conversation.Event{Tag: EventResponse}
	}

	if c.Role == protocol.RoleOther {
		c.Summary = fmt.Sprintf("%s (mode %q)", name, h.Mode)
	} else {
		c.Summary = name + " " + c.Role.String()
	}
	return c, nil
}

// Detect recognizes both the TCP frame magic and the measurement magic.
func (p *Profile) Detect(payload []byte) bool {
	if len(payload) < 4 {
		return false
	}
	magic := binary.BigEndian.Uint32(payload)
	return magic == MagicNumber || (p.opts.Measurement && magic == MeasurementMagic)
}
