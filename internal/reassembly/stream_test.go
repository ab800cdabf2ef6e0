package reassembly

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/core"
)

// oneByteLength declares the body length in a single leading byte; the
// message is header plus body.
var oneByteLength = LengthDecoderFunc(func(buf []byte) (int, bool, error) {
	if len(buf) < 1 {
		return 0, false, nil
	}
	return 1 + int(buf[0]), true, nil
})

func testFlow(t *testing.T) core.FlowID {
	t.Helper()
	return core.NewFlowID(core.TransportTCP,
		netip.MustParseAddrPort("10.0.0.1:2122"),
		netip.MustParseAddrPort("10.0.0.2:51000"))
}

// body returns n bytes starting at value start.
func body(start byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = start + byte(i)
	}
	return b
}

func frame(b []byte) []byte {
	return append([]byte{byte(len(b))}, b...)
}

func TestFramer_SplitAcrossFeeds(t *testing.T) {
	f := NewFramer(oneByteLength, FramerConfig{})
	flow := testFlow(t)

	first := body(0, 10)
	second := body(100, 6)

	// [len=10][8 bytes]
	msgs, err := f.Feed(core.Initial, flow, 1, append([]byte{10}, first[:8]...))
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 9, f.Buffered(flow))

	// [2 bytes] completes the first message
	msgs, err = f.Feed(core.Initial, flow, 2, first[8:])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, frame(first), msgs[0].Data)
	assert.Equal(t, 10, len(msgs[0].Data)-1)
	assert.Equal(t, []uint64{1, 2}, msgs[0].Records)
	assert.True(t, msgs[0].Complete)

	// [len=6][6 bytes]
	msgs, err = f.Feed(core.Initial, flow, 3, frame(second))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, frame(second), msgs[0].Data)
	assert.Equal(t, []uint64{3}, msgs[0].Records)
	assert.Equal(t, 0, f.Buffered(flow))
}

func TestFramer_SeveralMessagesInOneRecord(t *testing.T) {
	f := NewFramer(oneByteLength, FramerConfig{})
	flow := testFlow(t)

	var stream []byte
	stream = append(stream, frame(body(0, 3))...)
	stream = append(stream, frame(body(10, 4))...)
	stream = append(stream, frame(body(20, 5))[:2]...) // partial third

	msgs, err := f.Feed(core.Initial, flow, 7, stream)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, frame(body(0, 3)), msgs[0].Data)
	assert.Equal(t, frame(body(10, 4)), msgs[1].Data)
	assert.Equal(t, 2, f.Buffered(flow))

	msgs, err = f.Feed(core.Initial, flow, 8, frame(body(20, 5))[2:])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []uint64{7, 8}, msgs[0].Records)
}

func TestFramer_DirectionsAreIndependent(t *testing.T) {
	f := NewFramer(oneByteLength, FramerConfig{})
	flow := testFlow(t)

	_, err := f.Feed(core.Initial, flow, 1, []byte{4, 1, 2})
	require.NoError(t, err)
	msgs, err := f.Feed(core.Initial, flow.Reverse(), 2, frame([]byte{9}))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, flow.Reverse(), msgs[0].Flow)
	assert.Equal(t, 3, f.Buffered(flow))
}

func TestFramer_InvalidLengthDiscardsBuffer(t *testing.T) {
	f := NewFramer(oneByteLength, FramerConfig{MaxMessageSize: 8})
	flow := testFlow(t)

	// A good message followed by a header declaring 1+200 bytes.
	input := append(frame(body(0, 2)), 200, 1, 2, 3)
	msgs, err := f.Feed(core.Initial, flow, 1, input)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidLength))
	require.Len(t, msgs, 1, "messages before the bad header survive")

	var fe *core.FramingError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 201, fe.Declared)
	assert.Equal(t, 4, fe.Discarded)
	assert.Equal(t, 0, f.Buffered(flow))

	// The flow recovers with fresh input.
	msgs, err = f.Feed(core.Initial, flow, 2, frame(body(0, 3)))
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestFramer_DecoderErrorDiscardsBuffer(t *testing.T) {
	bad := errors.New("bad magic")
	dec := LengthDecoderFunc(func(buf []byte) (int, bool, error) {
		if buf[0] == 0xFF {
			return 0, false, bad
		}
		return oneByteLength(buf)
	})
	f := NewFramer(dec, FramerConfig{})
	flow := testFlow(t)

	_, err := f.Feed(core.Initial, flow, 1, []byte{0xFF, 0, 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 0, f.Buffered(flow))
}

func TestFramer_UnresolvedHeaderIsBounded(t *testing.T) {
	never := LengthDecoderFunc(func(buf []byte) (int, bool, error) { return 0, false, nil })
	f := NewFramer(never, FramerConfig{MaxMessageSize: 16})
	flow := testFlow(t)

	_, err := f.Feed(core.Initial, flow, 1, make([]byte, 10))
	require.NoError(t, err)
	_, err = f.Feed(core.Initial, flow, 2, make([]byte, 10))
	assert.ErrorIs(t, err, core.ErrInvalidLength)
	assert.Equal(t, 0, f.Buffered(flow))
}

func TestFramer_CloseReportsTruncatedTail(t *testing.T) {
	f := NewFramer(oneByteLength, FramerConfig{})
	flow := testFlow(t)

	_, err := f.Feed(core.Initial, flow, 1, []byte{10, 1, 2, 3})
	require.NoError(t, err)
	_, err = f.Feed(core.Initial, flow.Reverse(), 2, frame([]byte{1}))
	require.NoError(t, err)

	tails := f.Close()
	require.Len(t, tails, 1)
	assert.False(t, tails[0].Message.Complete)
	assert.Equal(t, []byte{10, 1, 2, 3}, tails[0].Message.Data)
	assert.Equal(t, []uint64{1}, tails[0].Message.Records)
	assert.Equal(t, 4, tails[0].Err.Have)
	assert.Equal(t, 11, tails[0].Err.Want)
	assert.ErrorIs(t, tails[0].Err, core.ErrIncomplete)

	assert.Empty(t, f.Close(), "tails are reported once")
}

func TestFramer_ReplayReturnsInitialResults(t *testing.T) {
	f := NewFramer(oneByteLength, FramerConfig{})
	flow := testFlow(t)

	feeds := [][]byte{{3, 1}, {2, 3}, frame([]byte{7, 7})}
	var initial [][]core.Message
	for i, p := range feeds {
		msgs, err := f.Feed(core.Initial, flow, uint64(i+1), p)
		require.NoError(t, err)
		initial = append(initial, msgs)
	}
	buffered := f.Buffered(flow)

	for i, p := range feeds {
		msgs, err := f.Feed(core.Replay, flow, uint64(i+1), p)
		require.NoError(t, err)
		assert.Equal(t, initial[i], msgs)
	}
	assert.Equal(t, buffered, f.Buffered(flow), "replay must not buffer")
}

func TestFramer_ByteAtATime(t *testing.T) {
	f := NewFramer(oneByteLength, FramerConfig{})
	flow := testFlow(t)

	var stream []byte
	for i := 1; i <= 5; i++ {
		stream = append(stream, frame(body(byte(i*10), i))...)
	}

	var got [][]byte
	for i, b := range stream {
		msgs, err := f.Feed(core.Initial, flow, uint64(i+1), []byte{b})
		require.NoError(t, err)
		for _, m := range msgs {
			got = append(got, m.Data)
		}
	}
	require.Len(t, got, 5)
	assert.True(t, bytes.Equal(bytes.Join(got, nil), stream))
}
