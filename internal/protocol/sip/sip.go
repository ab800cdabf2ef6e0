// Package sip implements the SIP profile. Messages are parsed with gosip;
// requests and responses are paired by Call-ID, CSeq method and CSeq number.
package sip

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"

	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/correlate"
	"firestige.xyz/dissect/internal/protocol"
	"firestige.xyz/dissect/internal/reassembly"
)

// Name is the profile name used in configuration.
const Name = "sip"

// Dialog states
const (
	StateIdle       conversation.State = "Idle"
	StateEarly      conversation.State = "Early"
	StateConfirmed  conversation.State = "Confirmed"
	StateTerminated conversation.State = "Terminated"
)

// Event tags
const (
	EventInvite      = "invite.request"
	EventBye         = "bye.request"
	EventCancel      = "cancel.request"
	EventProvisional = "invite.1xx"
	EventSuccess     = "invite.2xx"
	EventFailure     = "invite.final"
	EventKeepAlive   = "keepalive"
)

var (
	crlf       = []byte("\r\n")
	headerEnd  = []byte("\r\n\r\n")
	sipVersion = []byte("SIP/2.0")
)

// Options configures the profile.
type Options struct {
	// LogLevel sets the level of the parser's logger ("debug", "warn", ...).
	// Empty follows the process log level.
	LogLevel string `mapstructure:"log_level"`
}

func init() {
	protocol.Register(Name, func(options map[string]any) (protocol.Profile, error) {
		var opts Options
		if err := protocol.DecodeOptions(options, &opts); err != nil {
			return nil, err
		}
		return New(opts)
	})
}

// Profile is the SIP protocol profile.
type Profile struct {
	parser  *parser.PacketParser
	machine *conversation.Machine
}

// New creates the profile.
func New(opts Options) (*Profile, error) {
	logger, err := newLogger(opts.LogLevel)
	if err != nil {
		return nil, err
	}
	return &Profile{
		parser:  parser.NewPacketParser(logger),
		machine: NewMachine(),
	}, nil
}

// NewMachine builds the INVITE dialog lifecycle of the most recent dialog on
// a signaling flow.
func NewMachine() *conversation.Machine {
	return conversation.NewMachine(StateIdle).
		On(StateIdle, EventInvite, StateEarly).
		On(StateTerminated, EventInvite, StateEarly).
		On(StateEarly, EventProvisional, StateEarly).
		On(StateEarly, EventSuccess, StateConfirmed).
		On(StateEarly, EventFailure, StateTerminated).
		On(StateEarly, EventCancel, StateTerminated).
		On(StateEarly, EventBye, StateTerminated).
		On(StateConfirmed, EventBye, StateTerminated).
		Terminal(StateTerminated)
}

func (p *Profile) Name() string { return Name }

func (p *Profile) Symmetric() bool { return true }

func (p *Profile) Framing() reassembly.LengthDecoder {
	return reassembly.LengthDecoderFunc(DecodeLength)
}

func (p *Profile) Machine() *conversation.Machine { return p.machine }

// DecodeLength frames SIP over a stream: the header block ends with an empty
// line and the body length comes from Content-Length (compact form "l").
// A run of leading CRLFs is a keep-alive and is framed on its own.
func DecodeLength(buf []byte) (int, bool, error) {
	if n := leadingCRLF(buf); n > 0 {
		if n == len(buf) {
			return 0, false, nil
		}
		return n, true, nil
	}
	end := bytes.Index(buf, headerEnd)
	if end < 0 {
		return 0, false, nil
	}
	cl, err := contentLength(buf[:end])
	if err != nil {
		return 0, false, err
	}
	return end + len(headerEnd) + cl, true, nil
}

func leadingCRLF(buf []byte) int {
	n := 0
	for bytes.HasPrefix(buf[n:], crlf) {
		n += len(crlf)
	}
	return n
}

func contentLength(headers []byte) (int, error) {
	for _, line := range bytes.Split(headers, crlf)[1:] {
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		name = bytes.TrimSpace(name)
		if !strings.EqualFold(string(name), "Content-Length") && !strings.EqualFold(string(name), "l") {
			continue
		}
		n, err := strconv.Atoi(string(bytes.TrimSpace(value)))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: Content-Length %q", core.ErrInvalidLength, bytes.TrimSpace(value))
		}
		return n, nil
	}
	return 0, nil
}

// Classify parses msg and derives its dialog event and correlation key.
func (p *Profile) Classify(msg *core.Message) (protocol.Classification, error) {
	if len(msg.Data) > 0 && leadingCRLF(msg.Data) == len(msg.Data) {
		return protocol.Classification{
			Event:   conversation.Event{Tag: EventKeepAlive},
			Summary: "keep-alive",
		}, nil
	}

	m, err := p.parser.ParseMessage(msg.Data)
	if err != nil {
		return protocol.Classification{}, fmt.Errorf("sip: %w", err)
	}
	callID, ok := m.CallID()
	if !ok {
		return protocol.Classification{}, fmt.Errorf("sip: missing Call-ID")
	}
	cseq, ok := m.CSeq()
	if !ok {
		return protocol.Classification{}, fmt.Errorf("sip: missing CSeq")
	}
	method := string(cseq.MethodName)

	c := protocol.Classification{
		Key: correlate.Key{
			Request: cseq.SeqNo,
			Sub:     dialogHash(callID.Value(), method),
		},
	}
	switch m := m.(type) {
	case sip.Request:
		c.Role = protocol.RoleRequest
		c.Event = conversation.Event{Tag: strings.ToLower(string(m.Method())) + ".request"}
		c.Summary = fmt.Sprintf("%s request", m.Method())
		if m.Method() == sip.ACK {
			// ACK is never answered.
			c.Role = protocol.RoleOther
		}
	case sip.Response:
		c.Role = protocol.RoleResponse
		c.Event = conversation.Event{Tag: responseTag(method, int(m.StatusCode()))}
		c.Summary = fmt.Sprintf("%d %s (%s)", m.StatusCode(), m.Reason(), method)
	}
	return c, nil
}

func responseTag(method string, status int) string {
	if method != string(sip.INVITE) {
		return strings.ToLower(method) + ".response"
	}
	switch {
	case status < 200:
		return EventProvisional
	case status < 300:
		return EventSuccess
	default:
		return EventFailure
	}
}

// dialogHash folds Call-ID and CSeq method into the correlation sub-key, so
// an INVITE and a BYE sharing a CSeq number are never paired.
func dialogHash(callID, method string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(callID))
	h.Write([]byte{' '})
	h.Write([]byte(method))
	return h.Sum32()
}

// Detect reports whether payload starts like a SIP message: a status line,
// or a request line ending in the SIP version.
func (p *Profile) Detect(payload []byte) bool {
	if bytes.HasPrefix(payload, sipVersion) {
		return true
	}
	line := payload
	if i := bytes.IndexByte(payload, '\n'); i >= 0 {
		line = payload[:i]
	}
	method, _, ok := bytes.Cut(line, []byte(" "))
	if !ok || len(method) == 0 {
		return false
	}
	for _, c := range method {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return bytes.HasSuffix(bytes.TrimRight(line, "\r"), sipVersion)
}
