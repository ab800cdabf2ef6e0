// Package report turns session results into a serializable analysis report.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"firestige.xyz/dissect/internal/correlate"
	"firestige.xyz/dissect/internal/protocol"
	"firestige.xyz/dissect/internal/session"
)

// Report is the top-level document.
type Report struct {
	Session       string         `yaml:"session" json:"session"`
	Capture       string         `yaml:"capture,omitempty" json:"capture,omitempty"`
	Generated     time.Time      `yaml:"generated" json:"generated"`
	Records       uint64         `yaml:"records" json:"records"`
	Totals        Totals         `yaml:"totals" json:"totals"`
	Replay        *Replay        `yaml:"replay,omitempty" json:"replay,omitempty"`
	Conversations []Conversation `yaml:"conversations" json:"conversations"`
	Messages      []Message      `yaml:"messages,omitempty" json:"messages,omitempty"`
	Incomplete    []Message      `yaml:"incomplete,omitempty" json:"incomplete,omitempty"`
	Unmatched     []Pending      `yaml:"unmatched,omitempty" json:"unmatched,omitempty"`
	Problems      []Problem      `yaml:"problems,omitempty" json:"problems,omitempty"`
}

// Totals counts messages by outcome.
type Totals struct {
	Messages   int `yaml:"messages" json:"messages"`
	Requests   int `yaml:"requests" json:"requests"`
	Responses  int `yaml:"responses" json:"responses"`
	Matched    int `yaml:"matched" json:"matched"`
	Degraded   int `yaml:"degraded" json:"degraded"`
	Incomplete int `yaml:"incomplete" json:"incomplete"`
	Unmatched  int `yaml:"unmatched" json:"unmatched"`
}

// Replay records whether the verifying pass agreed with the first one.
type Replay struct {
	Verified   bool     `yaml:"verified" json:"verified"`
	Mismatches []string `yaml:"mismatches,omitempty" json:"mismatches,omitempty"`
}

// Conversation is one conversation with its final state.
type Conversation struct {
	ID         uint64         `yaml:"id" json:"id"`
	Flow       string         `yaml:"flow" json:"flow"`
	FirstSeen  uint64         `yaml:"first_seen" json:"first_seen"`
	State      string         `yaml:"state" json:"state"`
	SessionKey *uint32        `yaml:"session_key,omitempty" json:"session_key,omitempty"`
	Attributes map[string]any `yaml:"attributes,omitempty" json:"attributes,omitempty"`
}

// Message is one annotated message.
type Message struct {
	Seq          uint64   `yaml:"seq" json:"seq"`
	Records      []uint64 `yaml:"records,flow" json:"records"`
	Profile      string   `yaml:"profile,omitempty" json:"profile,omitempty"`
	Flow         string   `yaml:"flow" json:"flow"`
	Length       int      `yaml:"length" json:"length"`
	Conversation uint64   `yaml:"conversation,omitempty" json:"conversation,omitempty"`
	State        string   `yaml:"state,omitempty" json:"state,omitempty"`
	Role         string   `yaml:"role,omitempty" json:"role,omitempty"`
	Summary      string   `yaml:"summary,omitempty" json:"summary,omitempty"`
	Key          string   `yaml:"key,omitempty" json:"key,omitempty"`
	RequestSeq   uint64   `yaml:"response_to,omitempty" json:"response_to,omitempty"`
	ResponseSeq  uint64   `yaml:"response_in,omitempty" json:"response_in,omitempty"`
	ResponseTime string   `yaml:"response_time,omitempty" json:"response_time,omitempty"`
	Complete     bool     `yaml:"complete" json:"complete"`
	Degraded     bool     `yaml:"degraded,omitempty" json:"degraded,omitempty"`
	Diagnostics  []string `yaml:"diagnostics,omitempty" json:"diagnostics,omitempty"`
}

// Pending is a request that never got a response.
type Pending struct {
	Seq  uint64    `yaml:"seq" json:"seq"`
	Key  string    `yaml:"key" json:"key"`
	Time time.Time `yaml:"time" json:"time"`
}

// Problem is a record-level diagnostic not tied to a message.
type Problem struct {
	Seq   uint64 `yaml:"seq" json:"seq"`
	Error string `yaml:"error" json:"error"`
}

// Builder accumulates results; it implements pipeline.Sink.
type Builder struct {
	capture  string
	messages bool
	report   Report
}

// NewBuilder creates a builder. With messages unset only totals,
// conversations and the end-of-session lists are kept.
func NewBuilder(capture string, messages bool) *Builder {
	return &Builder{capture: capture, messages: messages}
}

// Consume adds the outcome of one record.
func (b *Builder) Consume(res *session.Result) error {
	for _, err := range res.Diagnostics {
		b.report.Problems = append(b.report.Problems, Problem{Seq: res.Seq, Error: err.Error()})
	}
	for i := range res.Annotations {
		a := &res.Annotations[i]
		t := &b.report.Totals
		t.Messages++
		switch a.Role {
		case protocol.RoleRequest:
			t.Requests++
		case protocol.RoleResponse:
			t.Responses++
			if a.RequestSeq != 0 {
				t.Matched++
			}
		}
		if a.Degraded {
			t.Degraded++
		}
		if b.messages {
			b.report.Messages = append(b.report.Messages, message(a))
		}
	}
	return nil
}

// Finish completes the report with the end-of-session summary. replay is
// nil when no verifying pass ran.
func (b *Builder) Finish(sum *session.Summary, replay *Replay) *Report {
	r := b.report
	r.Capture = b.capture
	r.Generated = time.Now().UTC()
	r.Replay = replay
	if sum == nil {
		return &r
	}
	r.Session = sum.ID
	r.Records = sum.Records

	r.Conversations = make([]Conversation, 0, len(sum.Conversations))
	for _, c := range sum.Conversations {
		conv := Conversation{
			ID:         c.ID,
			Flow:       c.Flow.String(),
			FirstSeen:  c.FirstSeen,
			State:      string(c.State),
			Attributes: c.Attributes,
		}
		if c.SessionKeyKnown {
			key := c.SessionKey
			conv.SessionKey = &key
		}
		r.Conversations = append(r.Conversations, conv)
	}
	for i := range sum.Incomplete {
		r.Incomplete = append(r.Incomplete, message(&sum.Incomplete[i]))
	}
	for _, p := range sum.Unmatched {
		r.Unmatched = append(r.Unmatched, pending(p))
	}
	r.Totals.Incomplete = len(r.Incomplete)
	r.Totals.Unmatched = len(r.Unmatched)
	return &r
}

func message(a *session.Annotation) Message {
	m := Message{
		Seq:          a.Message.Seq(),
		Records:      a.Message.Records,
		Profile:      a.Profile,
		Flow:         a.Message.Flow.String(),
		Length:       a.Message.Len(),
		Conversation: a.Conversation,
		State:        string(a.State),
		Summary:      a.Summary,
		RequestSeq:   a.RequestSeq,
		ResponseSeq:  a.ResponseSeq,
		Complete:     a.Message.Complete,
		Degraded:     a.Degraded,
	}
	if a.Role != protocol.RoleOther {
		m.Role = a.Role.String()
		m.Key = a.Key.String()
	}
	if a.ResponseTime > 0 {
		m.ResponseTime = a.ResponseTime.String()
	}
	for _, err := range a.Diagnostics {
		m.Diagnostics = append(m.Diagnostics, err.Error())
	}
	return m
}

func pending(p correlate.PendingRequest) Pending {
	return Pending{Seq: p.Seq, Key: p.Key.String(), Time: p.Time}
}

// Write encodes the report as yaml or json.
func Write(w io.Writer, r *Report, format string) error {
	switch format {
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported report format: %s", format)
	}
}

// WriteFile writes the report to path, or to stdout for "" and "-".
func WriteFile(path string, r *Report, format string) error {
	if path == "" || path == "-" {
		return Write(os.Stdout, r, format)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report %s: %w", path, err)
	}
	if err := Write(f, r, format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
