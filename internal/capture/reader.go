// Package capture turns capture files into the ordered raw records a session
// consumes.
package capture

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"golang.org/x/net/bpf"

	"firestige.xyz/dissect/internal/core"
)

const defaultSnapLen = 262144

var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Config contains capture reading options.
type Config struct {
	BPFFilter string // Optional libpcap filter expression
	SnapLen   int    // Snapshot length the filter is compiled for
}

type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Stats counts what the reader saw.
type Stats struct {
	Packets  uint64 // Frames read from the file
	Filtered uint64 // Dropped by the BPF filter
	Skipped  uint64 // Not TCP or UDP over IP, or undecodable
	Records  uint64 // Emitted records
}

// Reader yields one RawRecord per TCP segment, UDP datagram or IPv4 fragment
// of a UDP datagram, numbered from 1 in file order.
type Reader struct {
	src    packetSource
	closer io.Closer
	vm     *bpf.VM

	parsers map[gopacket.LayerType]*gopacket.DecodingLayerParser
	first   gopacket.LayerType

	eth     layers.Ethernet
	sll     layers.LinuxSLL
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload
	decoded []gopacket.LayerType

	seq   uint64
	stats Stats
}

// Open opens a pcap or pcapng file.
func Open(path string, cfg Config) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	r, err := NewReader(f, cfg)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("capture %s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// NewReader reads a pcap or pcapng stream; the format is detected from the
// leading magic.
func NewReader(in io.Reader, cfg Config) (*Reader, error) {
	br := bufio.NewReader(in)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read file header: %w", err)
	}

	var src packetSource
	if bytes.Equal(magic, ngMagic) {
		src, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		src, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, fmt.Errorf("unsupported capture format: %w", err)
	}

	r := &Reader{src: src}
	if err := r.setLinkType(src.LinkType()); err != nil {
		return nil, err
	}
	if cfg.BPFFilter != "" {
		snapLen := cfg.SnapLen
		if snapLen <= 0 {
			snapLen = defaultSnapLen
		}
		vm, err := compileFilter(src.LinkType(), snapLen, cfg.BPFFilter)
		if err != nil {
			return nil, err
		}
		r.vm = vm
	}
	return r, nil
}

func (r *Reader) setLinkType(lt layers.LinkType) error {
	decoders := []gopacket.DecodingLayer{&r.eth, &r.sll, &r.dot1q, &r.ip4, &r.ip6, &r.tcp, &r.udp, &r.payload}
	r.parsers = make(map[gopacket.LayerType]*gopacket.DecodingLayerParser)
	starts := []gopacket.LayerType{}

	switch lt {
	case layers.LinkTypeEthernet:
		r.first = layers.LayerTypeEthernet
		starts = append(starts, layers.LayerTypeEthernet)
	case layers.LinkTypeLinuxSLL:
		r.first = layers.LayerTypeLinuxSLL
		starts = append(starts, layers.LayerTypeLinuxSLL)
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		// chosen per packet from the IP version nibble
		starts = append(starts, layers.LayerTypeIPv4, layers.LayerTypeIPv6)
	default:
		return fmt.Errorf("unsupported link type %s", lt)
	}
	for _, start := range starts {
		p := gopacket.NewDecodingLayerParser(start, decoders...)
		p.IgnoreUnsupported = true
		r.parsers[start] = p
	}
	return nil
}

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (*core.RawRecord, error) {
	for {
		data, ci, err := r.src.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("failed to read packet: %w", err)
		}
		r.stats.Packets++

		if r.vm != nil {
			if n, err := r.vm.Run(data); err != nil || n == 0 {
				r.stats.Filtered++
				continue
			}
		}

		rec, ok := r.decode(data)
		if !ok {
			r.stats.Skipped++
			continue
		}
		r.seq++
		r.stats.Records++
		rec.Seq = r.seq
		rec.Timestamp = ci.Timestamp
		return rec, nil
	}
}

func (r *Reader) decode(data []byte) (*core.RawRecord, bool) {
	first := r.first
	if first == 0 {
		if len(data) == 0 {
			return nil, false
		}
		switch data[0] >> 4 {
		case 4:
			first = layers.LayerTypeIPv4
		case 6:
			first = layers.LayerTypeIPv6
		default:
			return nil, false
		}
	}

	r.decoded = r.decoded[:0]
	if err := r.parsers[first].DecodeLayers(data, &r.decoded); err != nil {
		slog.Debug("skipping undecodable packet", "packet", r.stats.Packets, "error", err)
		return nil, false
	}

	var (
		src, dst netip.Addr
		haveIP   bool
	)
	for _, lt := range r.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			src, dst, haveIP = addr(r.ip4.SrcIP), addr(r.ip4.DstIP), true
			if isFragment(&r.ip4) {
				return r.fragment(src, dst)
			}
		case layers.LayerTypeIPv6:
			src, dst, haveIP = addr(r.ip6.SrcIP), addr(r.ip6.DstIP), true
		case layers.LayerTypeTCP:
			if !haveIP {
				return nil, false
			}
			return &core.RawRecord{
				Flow: core.NewFlowID(core.TransportTCP,
					netip.AddrPortFrom(src, uint16(r.tcp.SrcPort)),
					netip.AddrPortFrom(dst, uint16(r.tcp.DstPort))),
				Payload: r.tcp.Payload,
			}, true
		case layers.LayerTypeUDP:
			if !haveIP {
				return nil, false
			}
			return &core.RawRecord{
				Flow: core.NewFlowID(core.TransportUDP,
					netip.AddrPortFrom(src, uint16(r.udp.SrcPort)),
					netip.AddrPortFrom(dst, uint16(r.udp.DstPort))),
				Payload: r.udp.Payload,
			}, true
		}
	}
	return nil, false
}

// fragment tags an IPv4 fragment of a UDP datagram. The reassembled bytes
// still begin with the UDP header.
func (r *Reader) fragment(src, dst netip.Addr) (*core.RawRecord, bool) {
	if r.ip4.Protocol != layers.IPProtocolUDP {
		return nil, false
	}
	return &core.RawRecord{
		Flow:    core.NewNetFlowID(core.TransportUDP, src, dst),
		Payload: r.ip4.Payload,
		Fragment: &core.FragmentInfo{
			MessageID:    uint64(r.ip4.Id),
			Offset:       int(r.ip4.FragOffset) * 8,
			Last:         r.ip4.Flags&layers.IPv4MoreFragments == 0,
			Encapsulated: true,
		},
	}, true
}

func isFragment(ip *layers.IPv4) bool {
	return ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0
}

func addr(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}

// Stats returns the reader counters so far.
func (r *Reader) Stats() Stats {
	return r.stats
}

// Close closes the underlying file, if the reader opened one.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// ReadAll reads every record of a capture file.
func ReadAll(path string, cfg Config) ([]core.RawRecord, Stats, error) {
	r, err := Open(path, cfg)
	if err != nil {
		return nil, Stats{}, err
	}
	defer r.Close()

	var out []core.RawRecord
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, r.Stats(), err
		}
		out = append(out, *rec)
	}
	slog.Info("capture read", "path", path, "packets", r.stats.Packets, "records", r.stats.Records,
		"filtered", r.stats.Filtered, "skipped", r.stats.Skipped)
	return out, r.Stats(), nil
}
