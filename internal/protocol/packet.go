package protocol

import (
	"fmt"
	"math"
)

// Packet is a header together with its message
type Packet struct {
	Header
	Message Message
}

// Encode serializes the packet. Size, Type, and Tagged are filled in from the message and target,
// so callers only need to set the remaining header fields.
func Encode(p Packet) ([]byte, error) {
	payload := p.Message.MarshalPayload()
	size := HeaderSize + len(payload)
	if size > math.MaxUint16 {
		return nil, fmt.Errorf("payload of %d bytes is too large", len(payload))
	}

	h := p.Header
	h.Size = uint16(size)
	h.Type = p.Message.Type()
	h.Tagged = h.Target.IsZero()

	buf := make([]byte, size)
	h.put(buf)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode parses a packet received from the network
func Decode(data []byte) (Packet, error) {
	h, err := parseHeader(data)
	if err != nil {
		return Packet{}, err
	}
	if int(h.Size) != len(data) {
		return Packet{}, fmt.Errorf("%w: header says %d bytes, got %d", ErrMalformed, h.Size, len(data))
	}

	msg, err := decodeMessage(h.Type, data[HeaderSize:])
	if err != nil {
		return Packet{}, err
	}
	return Packet{Header: h, Message: msg}, nil
}
