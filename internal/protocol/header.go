package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Packet layout, all little-endian:
//
//	[2B]  size (including the header)
//	[2B]  protocol (bits 0-11), addressable (bit 12), tagged (bit 13)
//	[4B]  source
//	[8B]  target (6-byte serial, zero padded; all zero when tagged)
//	[6B]  reserved
//	[1B]  flags: res_required (bit 0), ack_required (bit 1)
//	[1B]  sequence
//	[8B]  reserved
//	[2B]  message type
//	[2B]  reserved
//	[NB]  payload
const HeaderSize = 36

const (
	protocolNumber  = 1024
	addressableBit  = 1 << 12
	taggedBit       = 1 << 13
	resRequiredFlag = 1 << 0
	ackRequiredFlag = 1 << 1
)

var ErrMalformed = errors.New("malformed packet")

// Target is the serial of a device, as carried in a packet header. The zero Target addresses
// every device.
type Target [8]byte

// ParseTarget parses a serial written as 12 hex digits, like "d073d5001337"
func ParseTarget(s string) (Target, error) {
	var t Target
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return t, fmt.Errorf("invalid serial %q: %w", s, err)
	} else if len(b) != 6 {
		return t, fmt.Errorf("invalid serial %q: expected 6 bytes, got %d", s, len(b))
	}
	copy(t[:], b)
	return t, nil
}

func (t Target) IsZero() bool {
	return t == Target{}
}

func (t Target) String() string {
	return hex.EncodeToString(t[:6])
}

// Header is the decoded form of the fixed-size packet header
type Header struct {
	Size        uint16
	Tagged      bool
	Source      uint32
	Target      Target
	ResRequired bool
	AckRequired bool
	Sequence    uint8
	Type        MessageType
}

func (h Header) put(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], h.Size)

	proto := uint16(protocolNumber | addressableBit)
	if h.Tagged {
		proto |= taggedBit
	}
	binary.LittleEndian.PutUint16(buf[2:4], proto)
	binary.LittleEndian.PutUint32(buf[4:8], h.Source)
	copy(buf[8:16], h.Target[:])

	var flags uint8
	if h.ResRequired {
		flags |= resRequiredFlag
	}
	if h.AckRequired {
		flags |= ackRequiredFlag
	}
	buf[22] = flags
	buf[23] = h.Sequence
	binary.LittleEndian.PutUint16(buf[32:34], uint16(h.Type))
}

func parseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(data))
	}

	var h Header
	h.Size = binary.LittleEndian.Uint16(data[0:2])
	proto := binary.LittleEndian.Uint16(data[2:4])
	if proto&0xfff != protocolNumber {
		return Header{}, fmt.Errorf("%w: unknown protocol %d", ErrMalformed, proto&0xfff)
	}
	h.Tagged = proto&taggedBit != 0
	h.Source = binary.LittleEndian.Uint32(data[4:8])
	copy(h.Target[:], data[8:16])
	h.ResRequired = data[22]&resRequiredFlag != 0
	h.AckRequired = data[22]&ackRequiredFlag != 0
	h.Sequence = data[23]
	h.Type = MessageType(binary.LittleEndian.Uint16(data[32:34]))
	return h, nil
}

// SourceFor derives the source id sent with every packet from a client name. Devices reply to the
// source they were sent, so each client needs its own. 0 and 1 are reserved.
func SourceFor(name string) uint32 {
	src := uint32(xxhash.Sum64String(name))
	if src < 2 {
		src += 2
	}
	return src
}
