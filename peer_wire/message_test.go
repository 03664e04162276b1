package peer_wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMsgEncodeExactBytes(t *testing.T) {
	tests := []struct {
		msg  *Msg
		want []byte
	}{
		{
			&Msg{Kind: KeepAlive},
			[]byte{0, 0, 0, 0},
		},
		{
			&Msg{Kind: Unchoke},
			[]byte{0, 0, 0, 1, 1},
		},
		{
			&Msg{Kind: Have, Index: 7},
			[]byte{0, 0, 0, 5, 4, 0, 0, 0, 7},
		},
		{
			&Msg{Kind: Request, Index: 1, Begin: 1 << 14, Len: 1 << 14},
			[]byte{0, 0, 0, 13, 6, 0, 0, 0, 1, 0, 0, 0x40, 0, 0, 0, 0x40, 0},
		},
		{
			&Msg{Kind: Piece, Index: 2, Begin: 0, Block: []byte{0xde, 0xad}},
			[]byte{0, 0, 0, 11, 7, 0, 0, 0, 2, 0, 0, 0, 0, 0xde, 0xad},
		},
		{
			&Msg{Kind: Bitfield, Bf: BitField{0xa0}},
			[]byte{0, 0, 0, 2, 5, 0xa0},
		},
		{
			&Msg{Kind: Port, Port: 6881},
			[]byte{0, 0, 0, 3, 9, 0x1a, 0xe1},
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.msg.Encode())
	}
}

func TestMsgRoundtrip(t *testing.T) {
	msgs := []*Msg{
		{Kind: KeepAlive},
		{Kind: Choke},
		{Kind: Interested},
		{Kind: Have, Index: 93},
		{Kind: Bitfield, Bf: BitField{0xff, 0x80}},
		{Kind: Request, Index: 5, Begin: 1 << 14, Len: 1 << 14},
		{Kind: Piece, Index: 5, Begin: 1 << 14, Block: bytes.Repeat([]byte{0xab}, 1<<14)},
		{Kind: Cancel, Index: 5, Begin: 1 << 14, Len: 1 << 14},
		{Kind: Port, Port: 4567},
	}
	var b bytes.Buffer
	for _, m := range msgs {
		require.NoError(t, m.Write(&b))
	}
	for _, want := range msgs {
		got, err := Decode(&b)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestMsgDecodeViolations(t *testing.T) {
	bad := [][]byte{
		//have with 3 byte index
		{0, 0, 0, 4, 4, 0, 0, 7},
		//request with truncated length field
		{0, 0, 0, 10, 6, 0, 0, 0, 1, 0, 0, 0, 0, 0},
		//unknown tag
		{0, 0, 0, 1, 42},
		//piece shorter than its header
		{0, 0, 0, 5, 7, 0, 0, 0, 1},
		//absurd length prefix
		{0xff, 0xff, 0xff, 0xff},
	}
	for _, raw := range bad {
		_, err := Decode(bytes.NewReader(raw))
		assert.Error(t, err, "raw: %v", raw)
	}
}

func TestMsgRequestOfPiece(t *testing.T) {
	p := &Msg{Kind: Piece, Index: 3, Begin: 1 << 14, Block: make([]byte, 1<<14)}
	assert.Equal(t, &Msg{Kind: Request, Index: 3, Begin: 1 << 14, Len: 1 << 14}, p.Request())
	assert.Panics(t, func() { (&Msg{Kind: Have}).Request() })
}
