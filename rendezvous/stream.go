package rendezvous

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// SCMaxMsgLen bounds a single framed message. The outbound signalling
// backlog is bounded separately, by a queue of 256 frames (see
// NewStreamClient), not by a byte count; overflowing that queue is
// treated as a configuration error, not something to buffer around.
const SCMaxMsgLen = 1 << 16

// ErrMessageTooLarge is returned by Send and surfaces as EventError from
// Events when a framed message would exceed SCMaxMsgLen.
var ErrMessageTooLarge = errors.New("rendezvous: message exceeds SC_MAX_MSGLEN")

// ErrOutboundOverflow is delivered via EventError when Send finds the
// 256-frame outbound queue full.
var ErrOutboundOverflow = errors.New("rendezvous: outbound signalling queue full")

type wireMsgType byte

const (
	wireReady wireMsgType = iota + 1
	wireNewClient
	wireEndClient
	wireMessage
)

// StreamClient implements Client over any io.ReadWriteCloser — a
// *tls.Conn in production, a net.Conn or in-memory pipe in tests —
// using a length-prefixed frame: [len:u32 LE][type:u8][body].
//
// The outbound side is a single fair-queue goroutine draining a bounded
// channel of pre-encoded frames in send order, mirroring the server's
// own fair-queued signalling buffer described for the peer side.
type StreamClient struct {
	conn io.ReadWriteCloser

	events chan Event

	outMu     sync.Mutex
	out       chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// NewStreamClient wraps conn and starts its read and write pumps. conn
// is assumed already handshaken (TLS, if enabled, happens before this
// call — StreamClient only frames and unframes bytes).
func NewStreamClient(conn io.ReadWriteCloser) *StreamClient {
	c := &StreamClient{
		conn:   conn,
		events: make(chan Event, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *StreamClient) Events() <-chan Event { return c.events }

// Send frames payload as a signalling message toward peerID and enqueues
// it on the fair-queued outbound channel. It never blocks: a full queue
// is reported as an overflow error event and the connection is torn
// down, per the server's own fair-queue overflow policy.
func (c *StreamClient) Send(peerID uint16, payload []byte) error {
	body := make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(body[0:2], peerID)
	copy(body[2:], payload)
	frame, err := encodeFrame(wireMessage, body)
	if err != nil {
		return err
	}

	select {
	case c.out <- frame:
		return nil
	default:
		c.failf(ErrOutboundOverflow)
		return ErrOutboundOverflow
	}
}

func (c *StreamClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *StreamClient) failf(err error) {
	select {
	case c.events <- Event{Type: EventError, Err: err}:
	default:
	}
	c.Close()
}

func (c *StreamClient) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.out:
			if _, err := c.conn.Write(frame); err != nil {
				c.failf(fmt.Errorf("rendezvous: write: %w", err))
				return
			}
		}
	}
}

func (c *StreamClient) readLoop() {
	defer close(c.events)
	for {
		ev, err := c.readEvent()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.failf(fmt.Errorf("rendezvous: read: %w", err))
			}
			return
		}
		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}

func (c *StreamClient) readEvent() (Event, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return Event{}, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length == 0 || length > SCMaxMsgLen {
		return Event{}, fmt.Errorf("%w: frame length %d", ErrMessageTooLarge, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return Event{}, err
	}
	return decodeEvent(wireMsgType(body[0]), body[1:])
}

func decodeEvent(typ wireMsgType, payload []byte) (Event, error) {
	switch typ {
	case wireReady:
		if len(payload) < 3 {
			return Event{}, fmt.Errorf("rendezvous: short READY")
		}
		ownID := binary.LittleEndian.Uint16(payload[0:2])
		ipLen := int(payload[2])
		if len(payload) < 3+ipLen {
			return Event{}, fmt.Errorf("rendezvous: short READY ip")
		}
		return Event{Type: EventReady, OwnID: ownID, ExternalIP: string(payload[3 : 3+ipLen])}, nil

	case wireNewClient:
		if len(payload) < 8 {
			return Event{}, fmt.Errorf("rendezvous: short NEW_CLIENT")
		}
		peerID := binary.LittleEndian.Uint16(payload[0:2])
		flags := ClientFlags(binary.LittleEndian.Uint32(payload[2:6]))
		certLen := binary.LittleEndian.Uint16(payload[6:8])
		if len(payload) < 8+int(certLen) {
			return Event{}, fmt.Errorf("rendezvous: short NEW_CLIENT cert")
		}
		cert := append([]byte(nil), payload[8:8+int(certLen)]...)
		return Event{Type: EventNewClient, PeerID: peerID, Flags: flags, CertDER: cert}, nil

	case wireEndClient:
		if len(payload) < 2 {
			return Event{}, fmt.Errorf("rendezvous: short END_CLIENT")
		}
		return Event{Type: EventEndClient, PeerID: binary.LittleEndian.Uint16(payload[0:2])}, nil

	case wireMessage:
		if len(payload) < 2 {
			return Event{}, fmt.Errorf("rendezvous: short MESSAGE")
		}
		peerID := binary.LittleEndian.Uint16(payload[0:2])
		body := append([]byte(nil), payload[2:]...)
		return Event{Type: EventMessage, PeerID: peerID, Payload: body}, nil

	default:
		return Event{}, fmt.Errorf("rendezvous: unknown wire message type %d", typ)
	}
}

func encodeFrame(typ wireMsgType, body []byte) ([]byte, error) {
	total := 1 + len(body)
	if total > SCMaxMsgLen {
		return nil, ErrMessageTooLarge
	}
	frame := make([]byte, 4+total)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(total))
	frame[4] = byte(typ)
	copy(frame[5:], body)
	return frame, nil
}

// EncodeReady, EncodeNewClient and EncodeEndClient build server-side
// frames; they exist so test doubles (and any future relay-of-last-
// resort test harness standing in for the real server) can drive a
// StreamClient without depending on a real rendezvous server.
func EncodeReady(ownID uint16, externalIP string) ([]byte, error) {
	body := make([]byte, 3+len(externalIP))
	binary.LittleEndian.PutUint16(body[0:2], ownID)
	body[2] = byte(len(externalIP))
	copy(body[3:], externalIP)
	return encodeFrame(wireReady, body)
}

func EncodeNewClient(peerID uint16, flags ClientFlags, cert []byte) ([]byte, error) {
	body := make([]byte, 8+len(cert))
	binary.LittleEndian.PutUint16(body[0:2], peerID)
	binary.LittleEndian.PutUint32(body[2:6], uint32(flags))
	binary.LittleEndian.PutUint16(body[6:8], uint16(len(cert)))
	copy(body[8:], cert)
	return encodeFrame(wireNewClient, body)
}

func EncodeEndClient(peerID uint16) ([]byte, error) {
	body := make([]byte, 2)
	binary.LittleEndian.PutUint16(body, peerID)
	return encodeFrame(wireEndClient, body)
}

func EncodeMessage(peerID uint16, payload []byte) ([]byte, error) {
	body := make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(body[0:2], peerID)
	copy(body[2:], payload)
	return encodeFrame(wireMessage, body)
}
