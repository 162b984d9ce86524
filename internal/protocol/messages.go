package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

type MessageType uint16

const (
	TypeGetService      MessageType = 2
	TypeStateService    MessageType = 3
	TypeGetPower        MessageType = 20
	TypeSetPower        MessageType = 21
	TypeStatePower      MessageType = 22
	TypeGetLabel        MessageType = 23
	TypeStateLabel      MessageType = 25
	TypeAcknowledgement MessageType = 45
)

func (t MessageType) String() string {
	switch t {
	case TypeGetService:
		return "GetService"
	case TypeStateService:
		return "StateService"
	case TypeGetPower:
		return "GetPower"
	case TypeSetPower:
		return "SetPower"
	case TypeStatePower:
		return "StatePower"
	case TypeGetLabel:
		return "GetLabel"
	case TypeStateLabel:
		return "StateLabel"
	case TypeAcknowledgement:
		return "Acknowledgement"
	default:
		return fmt.Sprintf("MessageType(%d)", uint16(t))
	}
}

// ReplyType returns the message type a device answers t with, if t asks for a response. Messages
// that don't are only acknowledged.
func ReplyType(t MessageType) (MessageType, bool) {
	switch t {
	case TypeGetService:
		return TypeStateService, true
	case TypeGetPower, TypeSetPower:
		return TypeStatePower, true
	case TypeGetLabel:
		return TypeStateLabel, true
	default:
		return 0, false
	}
}

// Message is the payload of a packet
type Message interface {
	Type() MessageType
	MarshalPayload() []byte
}

// PowerMax is the power level of a device that is on. Zero is off.
const PowerMax uint16 = 65535

// LabelSize is the fixed size of a label on the wire
const LabelSize = 32

type GetService struct{}

type StateService struct {
	Service uint8
	Port    uint32
}

type GetPower struct{}

type SetPower struct {
	Level uint16
}

type StatePower struct {
	Level uint16
}

type GetLabel struct{}

type StateLabel struct {
	Label string
}

type Acknowledgement struct{}

// Raw is a message of a type this package doesn't know about
type Raw struct {
	MsgType MessageType
	Payload []byte
}

func (GetService) Type() MessageType      { return TypeGetService }
func (StateService) Type() MessageType    { return TypeStateService }
func (GetPower) Type() MessageType        { return TypeGetPower }
func (SetPower) Type() MessageType        { return TypeSetPower }
func (StatePower) Type() MessageType      { return TypeStatePower }
func (GetLabel) Type() MessageType        { return TypeGetLabel }
func (StateLabel) Type() MessageType      { return TypeStateLabel }
func (Acknowledgement) Type() MessageType { return TypeAcknowledgement }
func (m Raw) Type() MessageType           { return m.MsgType }

func (GetService) MarshalPayload() []byte      { return nil }
func (GetPower) MarshalPayload() []byte        { return nil }
func (GetLabel) MarshalPayload() []byte        { return nil }
func (Acknowledgement) MarshalPayload() []byte { return nil }
func (m Raw) MarshalPayload() []byte           { return m.Payload }

func (m StateService) MarshalPayload() []byte {
	buf := make([]byte, 5)
	buf[0] = m.Service
	binary.LittleEndian.PutUint32(buf[1:5], m.Port)
	return buf
}

func (m SetPower) MarshalPayload() []byte {
	return binary.LittleEndian.AppendUint16(nil, m.Level)
}

func (m StatePower) MarshalPayload() []byte {
	return binary.LittleEndian.AppendUint16(nil, m.Level)
}

// MarshalPayload writes the label NUL-padded to LabelSize, truncating longer labels
func (m StateLabel) MarshalPayload() []byte {
	buf := make([]byte, LabelSize)
	copy(buf, m.Label)
	return buf
}

func decodeMessage(t MessageType, payload []byte) (Message, error) {
	need := func(n int) error {
		if len(payload) < n {
			return fmt.Errorf("%w: %s payload is %d bytes, expected %d", ErrMalformed, t, len(payload), n)
		}
		return nil
	}

	switch t {
	case TypeGetService:
		return GetService{}, nil
	case TypeGetPower:
		return GetPower{}, nil
	case TypeGetLabel:
		return GetLabel{}, nil
	case TypeAcknowledgement:
		return Acknowledgement{}, nil
	case TypeStateService:
		if err := need(5); err != nil {
			return nil, err
		}
		return StateService{Service: payload[0], Port: binary.LittleEndian.Uint32(payload[1:5])}, nil
	case TypeSetPower:
		if err := need(2); err != nil {
			return nil, err
		}
		return SetPower{Level: binary.LittleEndian.Uint16(payload)}, nil
	case TypeStatePower:
		if err := need(2); err != nil {
			return nil, err
		}
		return StatePower{Level: binary.LittleEndian.Uint16(payload)}, nil
	case TypeStateLabel:
		if err := need(LabelSize); err != nil {
			return nil, err
		}
		label := payload[:LabelSize]
		if i := bytes.IndexByte(label, 0); i >= 0 {
			label = label[:i]
		}
		return StateLabel{Label: string(label)}, nil
	default:
		return Raw{MsgType: t, Payload: append([]byte(nil), payload...)}, nil
	}
}
