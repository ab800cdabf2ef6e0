package cmd

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/protocol/cola2"
)

var (
	hostIP   = net.IP{192, 168, 1, 10}
	deviceIP = net.IP{192, 168, 1, 20}
)

func cola2Frame(sess uint32, req uint16, cmd, mode byte) []byte {
	out := make([]byte, cola2.HeaderSize+10)
	binary.BigEndian.PutUint32(out, cola2.MagicNumber)
	binary.BigEndian.PutUint32(out[4:], 10)
	binary.BigEndian.PutUint32(out[10:], sess)
	binary.BigEndian.PutUint16(out[14:], req)
	out[16] = cmd
	out[17] = mode
	return out
}

func measurementDatagram(id uint32, data []byte) []byte {
	b := make([]byte, cola2.MeasurementHeaderSize, cola2.MeasurementHeaderSize+len(data))
	binary.BigEndian.PutUint32(b, cola2.MeasurementMagic)
	copy(b[4:], "MS")
	binary.LittleEndian.PutUint32(b[8:], uint32(len(data)))
	binary.LittleEndian.PutUint32(b[12:], id)
	return append(b, data...)
}

type captureWriter struct {
	t      *testing.T
	w      *pcapgo.Writer
	frames int
}

func (c *captureWriter) write(ls ...gopacket.SerializableLayer) {
	c.t.Helper()
	buf := gopacket.NewSerializeBuffer()
	require.NoError(c.t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ls...))
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC).Add(time.Duration(c.frames) * time.Millisecond)
	c.frames++
	data := buf.Bytes()
	require.NoError(c.t, c.w.WritePacket(gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}, data))
}

func eth() *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
}

func (c *captureWriter) tcp(toDevice bool, payload []byte) {
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: hostIP, DstIP: deviceIP}
	tcp := &layers.TCP{SrcPort: 50123, DstPort: 2122, ACK: true, PSH: true, Window: 4096}
	if !toDevice {
		ip.SrcIP, ip.DstIP = deviceIP, hostIP
		tcp.SrcPort, tcp.DstPort = 2122, 50123
	}
	require.NoError(c.t, tcp.SetNetworkLayerForChecksum(ip))
	c.write(eth(), ip, tcp, gopacket.Payload(payload))
}

// fragmentedUDP sends one UDP datagram from the device as two IPv4 fragments.
func (c *captureWriter) fragmentedUDP(payload []byte) {
	c.t.Helper()
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: deviceIP, DstIP: hostIP}
	udp := &layers.UDP{SrcPort: 6060, DstPort: 40000}
	require.NoError(c.t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(c.t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, udp, gopacket.Payload(payload)))
	datagram := buf.Bytes()

	first := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: deviceIP, DstIP: hostIP,
		Id: 77, Flags: layers.IPv4MoreFragments}
	second := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: deviceIP, DstIP: hostIP,
		Id: 77, FragOffset: 4}
	c.write(eth(), first, gopacket.Payload(datagram[:32]))
	c.write(eth(), second, gopacket.Payload(datagram[32:]))
}

// writeTrace writes a CoLa 2.0 session (open, read, close) followed by a
// measurement datagram split by IP fragmentation.
func writeTrace(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "trace.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	c := &captureWriter{t: t, w: w}
	c.tcp(true, cola2Frame(0, 1, cola2.CmdOpenSession, cola2.ModeRequest))
	c.tcp(false, cola2Frame(0x51, 1, cola2.CmdOpenSession, cola2.ModeResponse))
	c.tcp(true, cola2Frame(0x51, 2, cola2.CmdRead, cola2.ModeIndex))
	c.tcp(false, cola2Frame(0x51, 2, cola2.CmdRead, cola2.ModeResponse))
	c.tcp(true, cola2Frame(0x51, 3, cola2.CmdCloseSession, cola2.ModeRequest))
	c.tcp(false, cola2Frame(0x51, 3, cola2.CmdCloseSession, cola2.ModeResponse))
	c.fragmentedUDP(measurementDatagram(5, bytes.Repeat([]byte{0xab}, 40)))
	return path
}

func TestRunAnalyze(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	r, err := runAnalyze(context.Background(), cfg, writeTrace(t))
	require.NoError(t, err)

	assert.Equal(t, uint64(8), r.Records)
	require.NotNil(t, r.Replay)
	assert.True(t, r.Replay.Verified, "mismatches: %v", r.Replay.Mismatches)
	assert.Equal(t, 7, r.Totals.Messages)
	assert.Equal(t, 3, r.Totals.Requests)
	assert.Equal(t, 3, r.Totals.Responses)
	assert.Equal(t, 3, r.Totals.Matched)
	assert.Zero(t, r.Totals.Unmatched)
	assert.Zero(t, r.Totals.Incomplete)

	require.Len(t, r.Conversations, 2)
	assert.Equal(t, string(cola2.StateClosed), r.Conversations[0].State)

	require.Len(t, r.Messages, 7)
	assert.Equal(t, uint64(2), r.Messages[0].ResponseSeq, "open request answered in record 2")
	measurement := r.Messages[6]
	assert.Equal(t, []uint64{7, 8}, measurement.Records)
	assert.Equal(t, 64, measurement.Length)
	assert.Equal(t, "Measurement data id=5 length=40", measurement.Summary)
	assert.True(t, measurement.Complete)
}

func TestRunAnalyze_Filtered(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Capture.BPFFilter = "tcp"
	cfg.Session.ReplayVerify = false

	r, err := runAnalyze(context.Background(), cfg, writeTrace(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), r.Records)
	assert.Nil(t, r.Replay)
	assert.Len(t, r.Conversations, 1)
}

func TestRunAnalyze_MissingCapture(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	_, err = runAnalyze(context.Background(), cfg, filepath.Join(t.TempDir(), "none.pcap"))
	assert.Error(t, err)
}

func TestAnalyzeCommand(t *testing.T) {
	out := filepath.Join(t.TempDir(), "report.json")
	var stderr bytes.Buffer
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs([]string{"analyze", "-o", out, "-f", "json", "--totals-only", writeTrace(t)})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetErr(nil) })

	require.NoError(t, rootCmd.Execute())
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"matched": 3`)
	assert.NotContains(t, string(data), `"messages": [`)
	assert.Contains(t, stderr.String(), "8 records, 7 messages")
}

func TestRunValidate(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, runValidate(&buf, cfg))
	assert.Contains(t, buf.String(), "VALID: 2 profile(s): cola2[2122 6060], sip[5060]")

	cfg.Protocols[1].Options = map[string]any{"log_level": "shouting"}
	assert.Error(t, runValidate(&buf, cfg))
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetOut(nil); rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), "dissect "+Version)
}
