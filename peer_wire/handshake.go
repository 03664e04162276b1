package peer_wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const protoLen byte = 19

var proto = [...]byte{
	'B', 'i', 't', 'T', 'o', 'r', 'r', 'e', 'n', 't',
	' ', 'p', 'r', 'o', 't', 'o', 'c', 'o', 'l',
}

//HandShake is the fixed-size preamble both ends exchange before any framed
//message. The content identifier (InfoHash) must match on both sides.
type HandShake struct {
	Reserved Reserved
	InfoHash [20]byte
	PeerID   [20]byte
}

//Do runs the handshake on conn. If h.InfoHash is zero we act as the
//recipient and fill it from the initiator's handshake, accepting only
//hashes present in ihashes. The remote handshake is returned so callers
//can inspect the peer's id and reserved bits. A non-nil error means the
//connection should be closed.
func (h *HandShake) Do(conn io.ReadWriter, ihashes map[[20]byte]struct{}) (*HandShake, error) {
	if h.InfoHash != [20]byte{} {
		return h.Initiate(conn)
	}
	return h.Receipt(conn, ihashes)
}

//Initiate sends our handshake first and verifies the response.
func (h *HandShake) Initiate(conn io.ReadWriter) (*HandShake, error) {
	if err := h.write(conn); err != nil {
		return nil, fmt.Errorf("handshake initiate: %w", err)
	}
	peerHs, err := readHs(conn)
	if err != nil {
		return nil, fmt.Errorf("handshake initiate: %w", err)
	}
	if h.InfoHash != peerHs.InfoHash {
		return nil, errors.New("handshake initiate: peer responded with different info_hash")
	}
	return peerHs, nil
}

//Receipt should be called when we are the recipient of a handshake.
//h.InfoHash must be zero and is filled with the initiator's hash.
func (h *HandShake) Receipt(conn io.ReadWriter, ihashes map[[20]byte]struct{}) (*HandShake, error) {
	peerHs, err := readHs(conn)
	if err != nil {
		return nil, fmt.Errorf("handshake receipt: %w", err)
	}
	if _, ok := ihashes[peerHs.InfoHash]; !ok {
		return nil, errors.New("handshake receipt: we don't serve this info_hash")
	}
	h.InfoHash = peerHs.InfoHash
	if err = h.write(conn); err != nil {
		return nil, fmt.Errorf("handshake receipt: %w", err)
	}
	return peerHs, nil
}

func (h *HandShake) write(conn io.Writer) error {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.BigEndian, protoLen); err != nil {
		panic(err)
	}
	if err := binary.Write(&b, binary.BigEndian, proto); err != nil {
		panic(err)
	}
	if err := binary.Write(&b, binary.BigEndian, h); err != nil {
		panic(err)
	}
	if _, err := conn.Write(b.Bytes()); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func readHs(conn io.Reader) (*HandShake, error) {
	preamble := make([]byte, 20)
	if _, err := io.ReadFull(conn, preamble); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if preamble[0] != protoLen || !bytes.Equal(preamble[1:], proto[:]) {
		return nil, errors.New("read: remote doesn't speak the baseline protocol")
	}
	buf := make([]byte, 48)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	h := new(HandShake)
	if err := binary.Read(bytes.NewReader(buf), binary.BigEndian, h); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return h, nil
}
