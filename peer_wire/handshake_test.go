package peer_wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandShake(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	ihash := [20]byte{0: 1, 19: 1}
	init := &HandShake{
		InfoHash: ihash,
		PeerID:   [20]byte{0: 'i'},
	}
	recip := &HandShake{
		PeerID: [20]byte{0: 'r'},
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		hs, err := recip.Do(c2, map[[20]byte]struct{}{ihash: {}})
		assert.NoError(t, err)
		assert.Equal(t, init.PeerID, hs.PeerID)
		assert.Equal(t, ihash, recip.InfoHash)
	}()
	hs, err := init.Do(c1, nil)
	require.NoError(t, err)
	assert.Equal(t, recip.PeerID, hs.PeerID)
	assert.Equal(t, ihash, hs.InfoHash)
	<-done
}

func TestHandShakeUnknownInfoHash(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	init := &HandShake{InfoHash: [20]byte{0: 0xff}}
	go func() {
		recip := new(HandShake)
		_, err := recip.Do(c2, map[[20]byte]struct{}{})
		assert.Error(t, err)
		c2.Close()
	}()
	_, err := init.Do(c1, nil)
	assert.Error(t, err)
}

func TestHandShakeBadProto(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	go func() {
		garbage := make([]byte, 68)
		garbage[0] = 19
		copy(garbage[1:], "NotTorrent protocol")
		c2.Write(garbage)
	}()
	recip := new(HandShake)
	_, err := recip.Do(c1, map[[20]byte]struct{}{})
	assert.Error(t, err)
}
