package report

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/protocol/cola2"
	"firestige.xyz/dissect/internal/session"
)

func frame(sess uint32, req uint16, cmd, mode byte) []byte {
	out := make([]byte, cola2.HeaderSize+10)
	binary.BigEndian.PutUint32(out, cola2.MagicNumber)
	binary.BigEndian.PutUint32(out[4:], 10)
	binary.BigEndian.PutUint32(out[10:], sess)
	binary.BigEndian.PutUint16(out[14:], req)
	out[16] = cmd
	out[17] = mode
	return out
}

// run feeds a short capture: an answered open, an unanswered read and a
// truncated tail.
func run(t *testing.T, b *Builder) *session.Summary {
	t.Helper()
	s, err := session.New(session.Config{MaxMessageSize: 1 << 16, MaxFragmentMessageSize: 1 << 16},
		[]session.Binding{{Profile: cola2.New(cola2.Options{}), Ports: []uint16{2122}}})
	require.NoError(t, err)

	toDevice := core.NewFlowID(core.TransportTCP,
		netip.MustParseAddrPort("10.0.0.1:51000"), netip.MustParseAddrPort("10.0.0.2:2122"))
	t0 := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	payloads := [][]byte{
		frame(0, 1, cola2.CmdOpenSession, cola2.ModeRequest),
		frame(9, 1, cola2.CmdOpenSession, cola2.ModeResponse),
		frame(9, 2, cola2.CmdRead, cola2.ModeIndex),
		frame(9, 3, cola2.CmdRead, cola2.ModeIndex)[:12],
	}
	for i, p := range payloads {
		flow := toDevice
		if i == 1 {
			flow = flow.Reverse()
		}
		res, err := s.Process(&core.RawRecord{
			Seq:       uint64(i + 1),
			Flow:      flow,
			Timestamp: t0.Add(time.Duration(i) * 5 * time.Millisecond),
			Payload:   p,
		})
		require.NoError(t, err)
		require.NoError(t, b.Consume(res))
	}
	return s.Close()
}

func TestBuilder_Finish(t *testing.T) {
	b := NewBuilder("trace.pcap", true)
	sum := run(t, b)
	r := b.Finish(sum, &Replay{Verified: true})

	assert.Equal(t, sum.ID, r.Session)
	assert.Equal(t, "trace.pcap", r.Capture)
	assert.Equal(t, uint64(4), r.Records)
	assert.Equal(t, Totals{Messages: 3, Requests: 2, Responses: 1, Matched: 1, Incomplete: 1, Unmatched: 1}, r.Totals)

	require.Len(t, r.Conversations, 1)
	assert.Equal(t, "Open", r.Conversations[0].State)
	require.NotNil(t, r.Conversations[0].SessionKey)
	assert.Equal(t, uint32(9), *r.Conversations[0].SessionKey)

	require.Len(t, r.Messages, 3)
	open := r.Messages[1]
	assert.Equal(t, "response", open.Role)
	assert.Equal(t, uint64(1), open.RequestSeq)
	assert.Equal(t, "5ms", open.ResponseTime)
	assert.Equal(t, "OpenSession request", r.Messages[0].Summary)

	require.Len(t, r.Unmatched, 1)
	assert.Equal(t, uint64(3), r.Unmatched[0].Seq)

	require.Len(t, r.Incomplete, 1)
	assert.False(t, r.Incomplete[0].Complete)
	assert.Equal(t, 12, r.Incomplete[0].Length)
	assert.NotEmpty(t, r.Incomplete[0].Diagnostics)
}

func TestBuilder_WithoutMessages(t *testing.T) {
	b := NewBuilder("", false)
	r := b.Finish(run(t, b), nil)
	assert.Empty(t, r.Messages)
	assert.Nil(t, r.Replay)
	assert.Equal(t, 3, r.Totals.Messages)
}

func TestBuilder_Problems(t *testing.T) {
	b := NewBuilder("", true)
	require.NoError(t, b.Consume(&session.Result{Seq: 8, Diagnostics: []error{errors.New("bad segment")}}))
	r := b.Finish(nil, nil)
	assert.Equal(t, []Problem{{Seq: 8, Error: "bad segment"}}, r.Problems)
}

func TestWrite(t *testing.T) {
	b := NewBuilder("trace.pcap", true)
	r := b.Finish(run(t, b), &Replay{Verified: false, Mismatches: []string{"record 2: differs"}})

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, r, "yaml"))
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "trace.pcap", doc["capture"])
	assert.Contains(t, buf.String(), "response_to: 1")
	assert.Contains(t, buf.String(), "records: [1]")

	buf.Reset()
	require.NoError(t, Write(&buf, r, "json"))
	var back Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, r.Totals, back.Totals)
	assert.Equal(t, r.Replay, back.Replay)

	assert.Error(t, Write(&buf, r, "xml"))
}

func TestWriteFile(t *testing.T) {
	b := NewBuilder("", false)
	r := b.Finish(run(t, b), nil)

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, WriteFile(path, r, "json"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session"`)

	assert.Error(t, WriteFile(filepath.Join(t.TempDir(), "missing", "report.yaml"), r, "yaml"))
}
