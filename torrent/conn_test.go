package torrent

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/missinggo/bitmap"
	"github.com/mkatsoulis/exa-torrent/peer_wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//clients like Deluge dont send all pieces that they have in Bitfield message.
//Instead, they send a portion of them in Bitfield and the remaining ones are sent
//via Have messages.
func TestConnBitfieldThenHaveBombardism(t *testing.T) {
	w, r := net.Pipe()
	tr := newTestTorrent(100, 1<<14, 1<<14, 1<<14)
	cn := newConn(tr, r, Peer{}, nil)
	go cn.mainLoop()
	numPieces := 100
	bf := peer_wire.NewBitField(numPieces)
	bf.SetPiece(7)
	bf.SetPiece(91)
	w.Write((&peer_wire.Msg{
		Kind: peer_wire.Bitfield,
		Bf:   bf,
	}).Encode())
	//get events from sendC
	e := <-cn.sendC
	bm := e.(bitmap.Bitmap)
	assert.Equal(t, 2, bm.Len())
	assert.Equal(t, bm.Get(7), true)
	assert.Equal(t, bm.Get(91), true)
	for i := 0; i < 30*2; i += 2 {
		w.Write((&peer_wire.Msg{
			Kind:  peer_wire.Have,
			Index: uint32(i),
		}).Encode())
	}
	for i := 0; i < 30*2; i += 2 {
		e := <-cn.sendC
		msg := e.(*peer_wire.Msg)
		assert.Equal(t, peer_wire.Have, msg.Kind)
		assert.EqualValues(t, i, msg.Index)
	}
	assert.Equal(t, 30+2, cn.peerBf.Len())
}

func TestConnState(t *testing.T) {
	w, r := net.Pipe()
	tr := newTestTorrent(10, 1<<14, 1<<14, 1<<14)
	cn := newConn(tr, r, Peer{}, nil)
	go cn.mainLoop()
	go readForever(w)
	//we dont expect conn to send an event since state didn't change
	w.Write((&peer_wire.Msg{
		Kind: peer_wire.NotInterested,
	}).Encode())
	//now we expect
	w.Write((&peer_wire.Msg{
		Kind: peer_wire.Unchoke,
	}).Encode())
	cn.recvC <- &peer_wire.Msg{
		Kind: peer_wire.Interested,
	}
	e := <-cn.sendC
	msg := e.(*peer_wire.Msg)
	assert.Equal(t, peer_wire.Unchoke, msg.Kind)
}

type dummyStorage struct{}

func (ds dummyStorage) ReadBlock(b []byte, off int64) (n int, err error) {
	n = len(b)
	return
}

func (ds dummyStorage) WriteBlock(b []byte, off int64) (n int, err error) {
	n = len(b)
	return
}

func (ds dummyStorage) HashPiece(pieceIndex int, len int) (correct bool) {
	correct = true
	return
}

func (ds dummyStorage) Flush() error { return nil }

func (ds dummyStorage) Close() error { return nil }

func TestPeerRequestAndCancel(t *testing.T) {
	w, r := net.Pipe()
	//we need to read the Piece msgs that r produces (see net.Pipe docs)
	go readForever(w)
	numPieces := 200
	tr := newTestTorrent(numPieces, 1<<14, 1<<14, 1<<14)
	tr.storage = dummyStorage{}
	cn := newConn(tr, r, Peer{}, nil)
	for i := 0; i < numPieces; i++ {
		cn.myBf.Set(i, true)
	}
	go cn.mainLoop()
	allowUpload(cn, w)
	count := 0
	ch := make(chan struct{})
	go func() {
		for e := range cn.sendC {
			switch e.(type) {
			case uploadedBlock:
			default:
				t.Fail()
			}
			count++
			if count >= numPieces {
				close(ch)
				return
			}
		}
	}()
	for i := 0; i < numPieces; i++ {
		w.Write((&peer_wire.Msg{
			Kind:  peer_wire.Request,
			Index: uint32(i),
			Len:   1 << 14,
		}).Encode())
	}
	<-ch
	//a Cancel without a matching outstanding request counts as a latecomer.
	before := latecomerCancels.Load()
	w.Write((&peer_wire.Msg{
		Kind:  peer_wire.Cancel,
		Index: 0,
		Begin: 0,
		Len:   1 << 14,
	}).Encode())
	//readMsgs is sequential so once this request is served the Cancel
	//has been accounted for.
	w.Write((&peer_wire.Msg{
		Kind:  peer_wire.Request,
		Index: 0,
		Len:   1 << 14,
	}).Encode())
	e := <-cn.sendC
	_, ok := e.(uploadedBlock)
	require.True(t, ok)
	assert.EqualValues(t, 1, latecomerCancels.Load()-before)
}

//blocks we never asked for should be dropped without touching storage and
//without informing the event loop.
func TestConnUnsolicitedPieceIgnored(t *testing.T) {
	w, r := net.Pipe()
	go readForever(w)
	tr := newTestTorrent(4, 1<<14, 1<<14, 1<<14)
	tr.pieces = newPieces(tr)
	st := &recordingStorage{}
	tr.storage = st
	cn := newConn(tr, r, Peer{}, nil)
	go cn.mainLoop()
	//block aligned with our request grid but never requested
	w.Write((&peer_wire.Msg{
		Kind:  peer_wire.Piece,
		Index: 1,
		Begin: 0,
		Block: make([]byte, 1<<14),
	}).Encode())
	//block with an offset that doesn't align with the grid
	w.Write((&peer_wire.Msg{
		Kind:  peer_wire.Piece,
		Index: 1,
		Begin: 100,
		Block: make([]byte, 1<<10),
	}).Encode())
	//a Have msg is processed after the two Piece msgs so once we see its
	//event we know the conn ignored them.
	w.Write((&peer_wire.Msg{
		Kind:  peer_wire.Have,
		Index: 2,
	}).Encode())
	e := <-cn.sendC
	msg := e.(*peer_wire.Msg)
	assert.Equal(t, peer_wire.Have, msg.Kind)
	assert.False(t, st.wrote)
	//a block of a piece that doesn't exist drops the conn
	w.Write((&peer_wire.Msg{
		Kind:  peer_wire.Piece,
		Index: 99,
		Begin: 0,
		Block: make([]byte, 1<<14),
	}).Encode())
	for range cn.sendC {
	}
	assert.False(t, st.wrote)
}

type recordingStorage struct {
	dummyStorage
	wrote bool
}

func (rs *recordingStorage) WriteBlock(b []byte, off int64) (n int, err error) {
	rs.wrote = true
	n = len(b)
	return
}

func TestConnRequestTimeout(t *testing.T) {
	w, r := net.Pipe()
	tr := newTestTorrent(4, 1<<14, 1<<14, 1<<14)
	tr.pieces = newPieces(tr)
	tr.cl.config.RequestTimeout = 50 * time.Millisecond
	cn := newConn(tr, r, Peer{}, nil)
	go cn.mainLoop()
	allowDownload(cn, w)
	go readForever(w)
	bl := block{pc: 0, off: 0, len: tr.blockRequestSize}
	var answered bool
	for e := range cn.sendC {
		switch v := e.(type) {
		case wantBlocks:
			if !answered {
				cn.recvC <- []block{bl}
				answered = true
			}
		case discardedRequests:
			//request stalled and was returned to us
			require.Equal(t, []block{bl}, []block(v))
			return
		default:
			t.Fatalf("unexpected event %T", e)
		}
	}
	t.Fatal("conn exited without discarding the stalled request")
}

//a cancelBlocks command for an on flight request must materialize as a
//Cancel msg on the wire.
func TestConnCancelRequestOnWire(t *testing.T) {
	w, r := net.Pipe()
	tr := newTestTorrent(4, 1<<14, 1<<14, 1<<14)
	tr.pieces = newPieces(tr)
	cn := newConn(tr, r, Peer{}, nil)
	go cn.mainLoop()
	allowDownload(cn, w)
	bl := block{pc: 1, off: 0, len: tr.blockRequestSize}
	e := <-cn.sendC
	_, ok := e.(wantBlocks)
	require.True(t, ok)
	cn.recvC <- []block{bl}
	msg, err := peer_wire.Decode(w)
	require.NoError(t, err)
	assert.Equal(t, peer_wire.Request, msg.Kind)
	assert.EqualValues(t, 1, msg.Index)
	cn.recvC <- cancelBlocks([]block{bl})
	msg, err = peer_wire.Decode(w)
	require.NoError(t, err)
	assert.Equal(t, peer_wire.Cancel, msg.Kind)
	assert.EqualValues(t, 1, msg.Index)
	assert.EqualValues(t, tr.blockRequestSize, msg.Len)
}

func readForever(r io.Reader) {
	b := make([]byte, 1000)
	for {
		_, err := r.Read(b)
		if err == io.EOF {
			break
		}
	}
}

func allowUpload(cn *conn, w net.Conn) {
	w.Write((&peer_wire.Msg{
		Kind: peer_wire.Interested,
	}).Encode())
	cn.recvC <- &peer_wire.Msg{
		Kind: peer_wire.Unchoke,
	}
	<-cn.sendC
}

func allowDownload(cn *conn, w net.Conn) {
	w.Write((&peer_wire.Msg{
		Kind: peer_wire.Unchoke,
	}).Encode())
	cn.recvC <- &peer_wire.Msg{
		Kind: peer_wire.Interested,
	}
	w.Read(make([]byte, 50))
	<-cn.sendC
}
