package cola2

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/dissect/internal/conversation"
	"firestige.xyz/dissect/internal/core"
	"firestige.xyz/dissect/internal/protocol"
)

const (
	// MeasurementMagic is "MS3 " at the start of every measurement datagram.
	MeasurementMagic = 0x4D533320

	MeasurementHeaderSize = 24
)

// MeasurementHeader is the fragmentation header of a measurement datagram.
// Multi-byte fields after the magic are little-endian.
type MeasurementHeader struct {
	Protocol       [2]byte
	MajorVersion   uint8
	MinorVersion   uint8
	Length         uint32 // total measurement data length
	ID             uint32 // identifies the fragments of one scan
	FragmentOffset uint32
}

// ParseMeasurementHeader decodes the 24-byte datagram header.
func ParseMeasurementHeader(b []byte) (MeasurementHeader, error) {
	var h MeasurementHeader
	if len(b) < MeasurementHeaderSize {
		return h, fmt.Errorf("cola2: short measurement datagram (%d bytes)", len(b))
	}
	if binary.BigEndian.Uint32(b) != MeasurementMagic {
		return h, fmt.Errorf("cola2: not a measurement datagram")
	}
	copy(h.Protocol[:], b[4:6])
	h.MajorVersion = b[6]
	h.MinorVersion = b[7]
	h.Length = binary.LittleEndian.Uint32(b[8:])
	h.ID = binary.LittleEndian.Uint32(b[12:])
	h.FragmentOffset = binary.LittleEndian.Uint32(b[16:])
	return h, nil
}

func isMeasurement(b []byte) bool {
	return len(b) >= 4 && binary.BigEndian.Uint32(b) == MeasurementMagic
}

// Fragment implements protocol.Fragmenter. The reassembled message keeps the
// header of the fragment at offset 0, so every other piece is placed after
// it: message offset = header size + fragment offset.
func (p *Profile) Fragment(payload []byte) (core.FragmentInfo, []byte, bool) {
	if !p.opts.Measurement || !isMeasurement(payload) {
		return core.FragmentInfo{}, nil, false
	}
	h, err := ParseMeasurementHeader(payload)
	if err != nil {
		return core.FragmentInfo{}, nil, false
	}
	data := payload[MeasurementHeaderSize:]
	info := core.FragmentInfo{
		MessageID:     uint64(h.ID),
		Offset:        MeasurementHeaderSize + int(h.FragmentOffset),
		DeclaredTotal: MeasurementHeaderSize + int(h.Length),
		Last:          uint64(h.FragmentOffset)+uint64(len(data)) >= uint64(h.Length),
	}
	if h.FragmentOffset == 0 {
		info.Offset = 0
		data = payload
	}
	return info, data, true
}

func classifyMeasurement(b []byte) (protocol.Classification, error) {
	h, err := ParseMeasurementHeader(b)
	if err != nil {
		return protocol.Classification{}, err
	}
	return protocol.Classification{
		Role:    protocol.RoleOther,
		Event:   conversation.Event{Tag: EventMeasurement},
		Summary: fmt.Sprintf("Measurement data id=%d length=%d", h.ID, h.Length),
	}, nil
}
