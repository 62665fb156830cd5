// Package session implements the per-peer state machine: server-mediated
// signalling, master/slave role resolution, transport-specific binding and
// connecting, OTP seed rotation, and relay fallback.
package session

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType identifies a peer-to-peer signalling message carried inside
// the server's message channel.
type MessageType uint16

const (
	MsgYouConnect MessageType = iota + 1
	MsgCannotConnect
	MsgCannotBind
	MsgSeed
	MsgConfirmSeed
	MsgYouRetry
)

var ErrMessageTooShort = errors.New("session: signalling message shorter than header")

// Address is one candidate endpoint a master offers a slave, tagged with
// the scope name the slave must recognize to consider it reachable.
type Address struct {
	Scope string
	Host  string
	Port  uint16
}

// YouConnect is the payload of a YOUCONNECT message: a set of candidate
// addresses plus either a UDP encryption key or a TCP password.
type YouConnect struct {
	Addresses []Address
	Key       []byte // UDP: installed as the CBC encryption key, if any
	Password  uint64 // TCP: presented on connect
	UseTCP    bool
}

// Seed is the payload of a SEED message.
type Seed struct {
	SeedID uint16
	Key    []byte
	IV     []byte
}

// Message is one decoded or to-be-encoded signalling message:
// {type:u16 LE, payload_len:u16 LE, payload}.
type Message struct {
	Type    MessageType
	Payload []byte
}

func (m Message) Encode() []byte {
	out := make([]byte, 4+len(m.Payload))
	binary.LittleEndian.PutUint16(out[0:2], uint16(m.Type))
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(m.Payload)))
	copy(out[4:], m.Payload)
	return out
}

func DecodeMessage(wire []byte) (Message, error) {
	if len(wire) < 4 {
		return Message{}, ErrMessageTooShort
	}
	typ := MessageType(binary.LittleEndian.Uint16(wire[0:2]))
	length := binary.LittleEndian.Uint16(wire[2:4])
	if len(wire) < 4+int(length) {
		return Message{}, ErrMessageTooShort
	}
	return Message{Type: typ, Payload: wire[4 : 4+length]}, nil
}

func EncodeYouConnect(yc YouConnect) Message {
	var payload []byte
	flags := byte(0)
	if yc.UseTCP {
		flags = 1
	}
	payload = append(payload, flags)
	payload = append(payload, byte(len(yc.Addresses)))
	for _, a := range yc.Addresses {
		payload = append(payload, byte(len(a.Scope)))
		payload = append(payload, []byte(a.Scope)...)
		hostBytes := []byte(a.Host)
		payload = append(payload, byte(len(hostBytes)))
		payload = append(payload, hostBytes...)
		var portBuf [2]byte
		binary.LittleEndian.PutUint16(portBuf[:], a.Port)
		payload = append(payload, portBuf[:]...)
	}
	if yc.UseTCP {
		var pwBuf [8]byte
		binary.LittleEndian.PutUint64(pwBuf[:], yc.Password)
		payload = append(payload, pwBuf[:]...)
	} else {
		payload = append(payload, byte(len(yc.Key)))
		payload = append(payload, yc.Key...)
	}
	return Message{Type: MsgYouConnect, Payload: payload}
}

func DecodeYouConnect(payload []byte) (YouConnect, error) {
	if len(payload) < 2 {
		return YouConnect{}, ErrMessageTooShort
	}
	yc := YouConnect{UseTCP: payload[0] != 0}
	numAddrs := int(payload[1])
	off := 2
	for i := 0; i < numAddrs; i++ {
		if off >= len(payload) {
			return YouConnect{}, ErrMessageTooShort
		}
		scopeLen := int(payload[off])
		off++
		if off+scopeLen > len(payload) {
			return YouConnect{}, ErrMessageTooShort
		}
		scope := string(payload[off : off+scopeLen])
		off += scopeLen

		if off >= len(payload) {
			return YouConnect{}, ErrMessageTooShort
		}
		hostLen := int(payload[off])
		off++
		if off+hostLen > len(payload) {
			return YouConnect{}, ErrMessageTooShort
		}
		host := string(payload[off : off+hostLen])
		off += hostLen

		if off+2 > len(payload) {
			return YouConnect{}, ErrMessageTooShort
		}
		port := binary.LittleEndian.Uint16(payload[off : off+2])
		off += 2

		yc.Addresses = append(yc.Addresses, Address{Scope: scope, Host: host, Port: port})
	}

	if yc.UseTCP {
		if off+8 > len(payload) {
			return YouConnect{}, ErrMessageTooShort
		}
		yc.Password = binary.LittleEndian.Uint64(payload[off : off+8])
	} else {
		if off >= len(payload) {
			return YouConnect{}, ErrMessageTooShort
		}
		keyLen := int(payload[off])
		off++
		if off+keyLen > len(payload) {
			return YouConnect{}, ErrMessageTooShort
		}
		yc.Key = append([]byte(nil), payload[off:off+keyLen]...)
	}
	return yc, nil
}

func EncodeSeed(s Seed) Message {
	payload := make([]byte, 2+len(s.Key)+len(s.IV))
	binary.LittleEndian.PutUint16(payload[0:2], s.SeedID)
	copy(payload[2:], s.Key)
	copy(payload[2+len(s.Key):], s.IV)
	return Message{Type: MsgSeed, Payload: payload}
}

// DecodeSeed requires keyLen/ivLen from the negotiated OTP cipher, since
// the wire payload carries no internal length prefixes for them.
func DecodeSeed(payload []byte, keyLen, ivLen int) (Seed, error) {
	if len(payload) < 2+keyLen+ivLen {
		return Seed{}, ErrMessageTooShort
	}
	return Seed{
		SeedID: binary.LittleEndian.Uint16(payload[0:2]),
		Key:    append([]byte(nil), payload[2:2+keyLen]...),
		IV:     append([]byte(nil), payload[2+keyLen:2+keyLen+ivLen]...),
	}, nil
}

func EncodeConfirmSeed(seedID uint16) Message {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, seedID)
	return Message{Type: MsgConfirmSeed, Payload: payload}
}

func DecodeConfirmSeed(payload []byte) (uint16, error) {
	if len(payload) < 2 {
		return 0, ErrMessageTooShort
	}
	return binary.LittleEndian.Uint16(payload), nil
}

func (t MessageType) String() string {
	switch t {
	case MsgYouConnect:
		return "YOUCONNECT"
	case MsgCannotConnect:
		return "CANNOTCONNECT"
	case MsgCannotBind:
		return "CANNOTBIND"
	case MsgSeed:
		return "SEED"
	case MsgConfirmSeed:
		return "CONFIRMSEED"
	case MsgYouRetry:
		return "YOURETRY"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}
