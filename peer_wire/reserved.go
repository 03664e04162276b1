package peer_wire

//Reserved holds the eight reserved handshake bytes that advertise
//protocol extensions.
type Reserved [8]byte

const (
	dhtBit = 0x01 //last byte
)

func (r *Reserved) SetDHT() {
	r[7] |= dhtBit
}

func (r Reserved) SupportDHT() bool {
	return r[7]&dhtBit != 0
}
