package peer_wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

//MessageID is the single byte tag that follows the length prefix of
//every non keep-alive message.
type MessageID int8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
	//KeepAlive doesn't have an ID at the protocol level (it is encoded as a
	//zero length message) but we define one for uniformity.
	KeepAlive
	//Extended is the BEP 10 tag. We recognize it only in order to skip it.
	Extended MessageID = 20
)

//a peer claiming to send a message bigger than this is violating the
//protocol (the biggest legitimate payload is a block plus the piece
//header, or the bitfield of a very large torrent).
const maxMsgLen = 4 << 20

//Msg is a single wire message of the baseline protocol. Which fields are
//meaningful depends on Kind.
type Msg struct {
	Kind  MessageID
	Index uint32
	Begin uint32
	Len   uint32
	Bf    BitField
	Block []byte
	Port  uint16
}

//Encode serializes m into the length-prefixed wire format.
func (m *Msg) Encode() []byte {
	var b bytes.Buffer
	//reserve space for the length prefix
	b.Write(make([]byte, 4))
	switch m.Kind {
	case KeepAlive:
	case Choke, Unchoke, Interested, NotInterested:
		writeBinary(&b, byte(m.Kind))
	case Have:
		writeBinary(&b, byte(m.Kind), m.Index)
	case Bitfield:
		writeBinary(&b, byte(m.Kind), []byte(m.Bf))
	case Request, Cancel:
		writeBinary(&b, byte(m.Kind), m.Index, m.Begin, m.Len)
	case Piece:
		writeBinary(&b, byte(m.Kind), m.Index, m.Begin, m.Block)
	case Port:
		writeBinary(&b, byte(m.Kind), m.Port)
	default:
		panic("encode: unknown kind of msg")
	}
	buf := b.Bytes()
	binary.BigEndian.PutUint32(buf[:4], uint32(len(buf)-4))
	return buf
}

//Write encodes m and writes it to w.
func (m *Msg) Write(w io.Writer) error {
	if _, err := w.Write(m.Encode()); err != nil {
		return fmt.Errorf("msg write: %w", err)
	}
	return nil
}

//Decode reads exactly one message from r. Violations of the framing rules
//(bad lengths, unknown tags) are returned as errors and should be treated
//as fatal for the connection.
func Decode(r io.Reader) (*Msg, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	msgLen := binary.BigEndian.Uint32(prefix[:])
	if msgLen == 0 {
		return &Msg{Kind: KeepAlive}, nil
	}
	if msgLen > maxMsgLen {
		return nil, fmt.Errorf("msg decode: length %d exceeds maximum", msgLen)
	}
	payload := make([]byte, msgLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	msg := &Msg{Kind: MessageID(payload[0])}
	payload = payload[1:]
	assertLen := func(n int) error {
		if len(payload) != n {
			return fmt.Errorf("msg decode: kind %d: bad payload length %d", msg.Kind, len(payload))
		}
		return nil
	}
	switch msg.Kind {
	case Choke, Unchoke, Interested, NotInterested:
		return msg, assertLen(0)
	case Have:
		if err := assertLen(4); err != nil {
			return nil, err
		}
		msg.Index = binary.BigEndian.Uint32(payload)
	case Bitfield:
		msg.Bf = BitField(payload)
	case Request, Cancel:
		if err := assertLen(12); err != nil {
			return nil, err
		}
		msg.Index = binary.BigEndian.Uint32(payload[0:4])
		msg.Begin = binary.BigEndian.Uint32(payload[4:8])
		msg.Len = binary.BigEndian.Uint32(payload[8:12])
	case Piece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("msg decode: piece payload too short: %d", len(payload))
		}
		msg.Index = binary.BigEndian.Uint32(payload[0:4])
		msg.Begin = binary.BigEndian.Uint32(payload[4:8])
		msg.Block = payload[8:]
	case Port:
		if err := assertLen(2); err != nil {
			return nil, err
		}
		msg.Port = binary.BigEndian.Uint16(payload)
	case Extended:
		//we don't negotiate extensions, drop the payload
	default:
		return nil, fmt.Errorf("msg decode: unknown kind %d", msg.Kind)
	}
	return msg, nil
}

//Request reinterprets a Piece msg as the Request msg that asked for it.
func (m *Msg) Request() *Msg {
	if m.Kind != Piece {
		panic("msg: not a piece msg")
	}
	return &Msg{
		Kind:  Request,
		Index: m.Index,
		Begin: m.Begin,
		Len:   uint32(len(m.Block)),
	}
}

func writeBinary(w io.Writer, data ...interface{}) {
	for _, d := range data {
		if err := binary.Write(w, binary.BigEndian, d); err != nil {
			panic(fmt.Errorf("write binary: %w", err))
		}
	}
}
