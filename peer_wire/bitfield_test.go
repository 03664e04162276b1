package peer_wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitField(t *testing.T) {
	bf := NewBitField(10)
	assert.Len(t, bf, 2)
	for i := 0; i < 10; i++ {
		assert.False(t, bf.HasPiece(i))
	}
	bf.SetPiece(0)
	bf.SetPiece(9)
	assert.True(t, bf.HasPiece(0))
	assert.True(t, bf.HasPiece(9))
	assert.False(t, bf.HasPiece(1))
	assert.Equal(t, BitField{0x80, 0x40}, bf)
}

func TestBitFieldValid(t *testing.T) {
	bf := NewBitField(10)
	assert.True(t, bf.Valid(10))
	//wrong length
	assert.False(t, bf.Valid(20))
	//spare bit set
	bf[1] |= 0x01
	assert.False(t, bf.Valid(10))
}
