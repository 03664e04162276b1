package peer_wire

//BitField is the wire form of a peer's piece ownership, one bit per piece
//with the high bit of byte zero standing for piece zero.
type BitField []byte

//BfLen returns how many bytes a bitfield for numPieces occupies.
func BfLen(numPieces int) int {
	return (numPieces + 7) / 8
}

func NewBitField(numPieces int) BitField {
	return make([]byte, BfLen(numPieces))
}

func (bf BitField) HasPiece(i int) bool {
	return bf[i/8]>>(7-uint(i)%8)&1 == 1
}

func (bf BitField) SetPiece(i int) {
	bf[i/8] |= 1 << (7 - uint(i)%8)
}

//Valid tells whether bf has the right length for numPieces and all
//spare bits of the last byte are zero.
func (bf BitField) Valid(numPieces int) bool {
	if len(bf) != BfLen(numPieces) {
		return false
	}
	for i := numPieces; i < len(bf)*8; i++ {
		if bf.HasPiece(i) {
			return false
		}
	}
	return true
}
