// Package core defines the value types shared by every stage of message
// reconstruction: flow identifiers, raw records, reassembled messages and the
// pass tag that separates the first traversal from replays.
package core

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Transport is the transport kind of a flow.
type Transport uint8

const (
	TransportUnknown Transport = 0
	TransportTCP     Transport = 6  // Stream records, framed by a length prefix
	TransportUDP     Transport = 17 // Datagram records, optionally fragmented
)

// String implements fmt.Stringer.
func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto-%d", uint8(t))
	}
}

// IsStream reports whether records of this transport carry an ordered byte stream.
func (t Transport) IsStream() bool {
	return t == TransportTCP
}

// FlowID identifies one logical flow. It is comparable and used directly as a
// map key. Net and Transport keep the direction of the record they were built
// from; Canonical folds both directions into one value.
type FlowID struct {
	Kind      Transport
	Net       gopacket.Flow // Network endpoints (addresses)
	Transport gopacket.Flow // Transport endpoints (ports), zero for bare IP fragments
	Sub       uint32        // Optional sub-flow discriminator (e.g. channel/socket index)
}

// NewFlowID builds a directional flow identifier from address/port pairs.
func NewFlowID(kind Transport, src netip.AddrPort, dst netip.AddrPort) FlowID {
	return FlowID{
		Kind:      kind,
		Net:       netFlow(src.Addr(), dst.Addr()),
		Transport: portFlow(kind, src.Port(), dst.Port()),
	}
}

// NewNetFlowID builds a flow identifier for records that only carry network
// endpoints, such as IP fragments whose transport header is not yet known.
func NewNetFlowID(kind Transport, src, dst netip.Addr) FlowID {
	return FlowID{Kind: kind, Net: netFlow(src, dst)}
}

func netFlow(src, dst netip.Addr) gopacket.Flow {
	src, dst = src.Unmap(), dst.Unmap()
	typ := layers.EndpointIPv4
	if src.Is6() {
		typ = layers.EndpointIPv6
	}
	return gopacket.NewFlow(typ, src.AsSlice(), dst.AsSlice())
}

func portFlow(kind Transport, src, dst uint16) gopacket.Flow {
	var typ gopacket.EndpointType
	switch kind {
	case TransportTCP:
		typ = layers.EndpointTCPPort
	case TransportUDP:
		typ = layers.EndpointUDPPort
	default:
		return gopacket.Flow{}
	}
	return gopacket.NewFlow(typ, []byte{byte(src >> 8), byte(src)}, []byte{byte(dst >> 8), byte(dst)})
}

// Reverse swaps the source and destination roles.
func (f FlowID) Reverse() FlowID {
	f.Net = f.Net.Reverse()
	f.Transport = f.Transport.Reverse()
	return f
}

// Canonical returns the direction-insensitive form of the flow: endpoints are
// ordered so that both directions of one exchange produce the same value.
func (f FlowID) Canonical() FlowID {
	if f.less() {
		return f
	}
	return f.Reverse()
}

func (f FlowID) less() bool {
	src, dst := f.Net.Endpoints()
	if src != dst {
		return src.LessThan(dst)
	}
	tsrc, tdst := f.Transport.Endpoints()
	if tsrc == tdst {
		return true
	}
	return tsrc.LessThan(tdst)
}

// WithSub returns a copy of f with the sub-flow discriminator set.
func (f FlowID) WithSub(sub uint32) FlowID {
	f.Sub = sub
	return f
}

// WithPorts returns a copy of f carrying transport endpoints, used once a
// reassembled datagram exposes its transport header.
func (f FlowID) WithPorts(src, dst uint16) FlowID {
	f.Transport = portFlow(f.Kind, src, dst)
	return f
}

// SrcPort returns the source port, zero when the flow carries none.
func (f FlowID) SrcPort() uint16 {
	src, _ := f.Transport.Endpoints()
	return portOf(src)
}

// DstPort returns the destination port, zero when the flow carries none.
func (f FlowID) DstPort() uint16 {
	_, dst := f.Transport.Endpoints()
	return portOf(dst)
}

func portOf(e gopacket.Endpoint) uint16 {
	raw := e.Raw()
	if len(raw) != 2 {
		return 0
	}
	return uint16(raw[0])<<8 | uint16(raw[1])
}

// String implements fmt.Stringer, e.g. "tcp 10.0.0.1:2122->10.0.0.2:51000".
func (f FlowID) String() string {
	src, dst := f.Net.Endpoints()
	s := fmt.Sprintf("%s %s:%d->%s:%d", f.Kind, src, f.SrcPort(), dst, f.DstPort())
	if f.Sub != 0 {
		s += fmt.Sprintf("#%d", f.Sub)
	}
	return s
}
