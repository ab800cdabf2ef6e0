package capture

import (
	"bytes"
	"io"
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

	"firestige.xyz/dissect/internal/core"
)

var (
	clientMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	serverMAC = net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb}
	clientIP  = net.IP{10, 0, 0, 1}
	serverIP  = net.IP{10, 0, 0, 2}
	base      = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func ethernet() *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: clientMAC, DstMAC: serverMAC, EthernetType: layers.EthernetTypeIPv4}
}

func ipv4(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{Version: 4, TTL: 64, Protocol: proto, SrcIP: clientIP, DstIP: serverIP}
}

func tcpFrame(t *testing.T, payload string) []byte {
	ip := ipv4(layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 2122, Seq: 1, PSH: true, ACK: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ethernet(), ip, tcp, gopacket.Payload(payload))
}

func udpFrame(t *testing.T, payload string) []byte {
	ip := ipv4(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 40001, DstPort: 6060}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ethernet(), ip, udp, gopacket.Payload(payload))
}

// fragmentFrames splits one UDP datagram into two IPv4 fragments.
func fragmentFrames(t *testing.T, payload string) ([]byte, []byte, []byte) {
	ip := ipv4(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 40001, DstPort: 6060}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	datagram := serialize(t, udp, gopacket.Payload(payload))

	first := ipv4(layers.IPProtocolUDP)
	first.Id = 0x1234
	first.Flags = layers.IPv4MoreFragments
	second := ipv4(layers.IPProtocolUDP)
	second.Id = 0x1234
	second.FragOffset = 2 // 16 bytes

	return serialize(t, ethernet(), first, gopacket.Payload(datagram[:16])),
		serialize(t, ethernet(), second, gopacket.Payload(datagram[16:])),
		datagram
}

func writePcap(t *testing.T, frames ...[]byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for i, f := range frames {
		ci := gopacket.CaptureInfo{Timestamp: base.Add(time.Duration(i) * time.Millisecond), CaptureLength: len(f), Length: len(f)}
		require.NoError(t, w.WritePacket(ci, f))
	}
	return &buf
}

func readAll(t *testing.T, r *Reader) []*core.RawRecord {
	t.Helper()
	var out []*core.RawRecord
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestReader_TCPAndUDP(t *testing.T) {
	arp := serialize(t,
		&layers.Ethernet{SrcMAC: clientMAC, DstMAC: serverMAC, EthernetType: layers.EthernetTypeARP},
		&layers.ARP{AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4, HwAddressSize: 6, ProtAddressSize: 4,
			Operation: layers.ARPRequest, SourceHwAddress: clientMAC, SourceProtAddress: clientIP,
			DstHwAddress: make([]byte, 6), DstProtAddress: serverIP})

	r, err := NewReader(writePcap(t, tcpFrame(t, "hello"), arp, udpFrame(t, "world")), Config{})
	require.NoError(t, err)
	recs := readAll(t, r)
	require.Len(t, recs, 2)

	assert.Equal(t, uint64(1), recs[0].Seq)
	assert.Equal(t, core.TransportTCP, recs[0].Flow.Kind)
	assert.Equal(t, uint16(40000), recs[0].Flow.SrcPort())
	assert.Equal(t, uint16(2122), recs[0].Flow.DstPort())
	assert.Equal(t, []byte("hello"), recs[0].Payload)
	assert.True(t, base.Equal(recs[0].Timestamp))
	assert.Nil(t, recs[0].Fragment)

	assert.Equal(t, uint64(2), recs[1].Seq, "skipped frames take no sequence number")
	assert.Equal(t, core.TransportUDP, recs[1].Flow.Kind)
	assert.Equal(t, uint16(6060), recs[1].Flow.DstPort())
	assert.Equal(t, []byte("world"), recs[1].Payload)

	assert.Equal(t, Stats{Packets: 3, Skipped: 1, Records: 2}, r.Stats())
}

func TestReader_IPv4Fragments(t *testing.T) {
	first, second, datagram := fragmentFrames(t, "0123456789abcdefghijklmnopqrstuvwxyz")

	r, err := NewReader(writePcap(t, first, second), Config{})
	require.NoError(t, err)
	recs := readAll(t, r)
	require.Len(t, recs, 2)

	require.NotNil(t, recs[0].Fragment)
	assert.Equal(t, core.FragmentInfo{MessageID: 0x1234, Offset: 0, Last: false, Encapsulated: true}, *recs[0].Fragment)
	assert.Equal(t, uint16(0), recs[0].Flow.DstPort(), "ports unknown before reassembly")
	require.NotNil(t, recs[1].Fragment)
	assert.Equal(t, core.FragmentInfo{MessageID: 0x1234, Offset: 16, Last: true, Encapsulated: true}, *recs[1].Fragment)
	assert.Equal(t, recs[0].Flow, recs[1].Flow)

	assert.Equal(t, datagram, append(append([]byte(nil), recs[0].Payload...), recs[1].Payload...))
}

func TestReader_BPFFilter(t *testing.T) {
	r, err := NewReader(writePcap(t, tcpFrame(t, "a"), udpFrame(t, "b"), tcpFrame(t, "c")), Config{BPFFilter: "udp"})
	require.NoError(t, err)
	recs := readAll(t, r)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("b"), recs[0].Payload)
	assert.Equal(t, uint64(2), r.Stats().Filtered)

	_, err = NewReader(writePcap(t), Config{BPFFilter: "not a filter ((("})
	assert.Error(t, err)
}

func TestReader_PcapNG(t *testing.T) {
	var buf bytes.Buffer
	w, err := pcapgo.NewNgWriter(&buf, layers.LinkTypeEthernet)
	require.NoError(t, err)
	f := udpFrame(t, "ng")
	require.NoError(t, w.WritePacket(gopacket.CaptureInfo{Timestamp: base, CaptureLength: len(f), Length: len(f)}, f))
	require.NoError(t, w.Flush())

	r, err := NewReader(&buf, Config{})
	require.NoError(t, err)
	recs := readAll(t, r)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("ng"), recs[0].Payload)
}

func TestReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.pcap")
	require.NoError(t, os.WriteFile(path, writePcap(t, tcpFrame(t, "x"), udpFrame(t, "y")).Bytes(), 0o644))

	recs, stats, err := ReadAll(path, Config{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, uint64(2), stats.Records)

	_, _, err = ReadAll(filepath.Join(t.TempDir(), "missing.pcap"), Config{})
	assert.Error(t, err)

	_, err = NewReader(bytes.NewReader([]byte("garbage!garbage!garbage!garbage!")), Config{})
	assert.Error(t, err)
}
