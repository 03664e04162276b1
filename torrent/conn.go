package torrent

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/missinggo/bitmap"
	"github.com/mkatsoulis/exa-torrent/peer_wire"
	"github.com/mkatsoulis/exa-torrent/torrent/storage"
)

const (
	readChSize    = 250
	commandChSize = 250
	eventChSize   = 250
)

const (
	keepAliveInterval time.Duration = 2 * time.Minute
	keepAliveSendFreq               = keepAliveInterval - 10*time.Second
)

//conn represents a peer connection. It is controlled by two goroutines:
//mainLoop which serves commands from the torrent's event loop and readMsgs
//which reads from the wire. All communication with the event loop happens
//through recvC/sendC.
type conn struct {
	cl     *Client
	t      *Torrent
	logger *log.Logger
	//tcp connection with peer
	nc   net.Conn
	peer Peer
	//main goroutine also has this state - needs to be synced between
	//the two goroutines
	state connState
	//commands from the event loop
	recvC chan interface{}
	//events to the event loop
	sendC chan interface{}
	//closed when the conn exits so the event loop never blocks sending a
	//command to a dead conn
	droppedC       chan struct{}
	keepAliveTimer *time.Timer
	//fires when our outstanding requests have made no progress for too long
	requestTimer *time.Timer
	rq           *requestQueuer
	peerReqs     map[block]struct{}
	muPeerReqs   sync.Mutex
	amSeeding    bool
	//true after we emitted wantBlocks and until the event loop answers
	waitingBlocks bool
	//true when the event loop answered with no blocks. Cleared on Unchoke,
	//Have and requestsAvailable.
	noMoreRequests bool
	peerBf         bitmap.Bitmap
	myBf           bitmap.Bitmap
	peerID         []byte
	//the reserved bits the peer sent at the handshake
	reserved peer_wire.Reserved
}

func newConn(t *Torrent, nc net.Conn, peer Peer, peerID []byte) *conn {
	return &conn{
		cl:       t.cl,
		t:        t,
		logger:   t.logger,
		nc:       nc,
		peer:     peer,
		state:    newConnState(),
		recvC:    make(chan interface{}, commandChSize),
		sendC:    make(chan interface{}, eventChSize),
		droppedC: make(chan struct{}),
		rq:       newRequestQueuer(),
		peerReqs: make(map[block]struct{}),
		peerID:   peerID,
	}
}

//connInfo creates the event loop's handle of the conn. The channels are
//shared, a command sent on ci.commandCh arrives at recvC.
func (pc *conn) connInfo() *connInfo {
	return &connInfo{
		t:         pc.t,
		peer:      pc.peer,
		reserved:  pc.reserved,
		commandCh: pc.recvC,
		eventCh:   pc.sendC,
		dropped:   pc.droppedC,
		state:     newConnState(),
		stats:     newConnStats(),
	}
}

func (pc *conn) close() {
	pc.nc.Close()
	close(pc.droppedC)
	//sendC close signals aggregateEvents to emit the final connDroped
	close(pc.sendC)
}

type readResult struct {
	msg *peer_wire.Msg
	err error
}

func (pc *conn) mainLoop() error {
	var err error
	readCh := make(chan *peer_wire.Msg, readChSize)
	readErrCh := make(chan error, 1)
	//quit chan in order to not leak readMsgs goroutine
	quit, idle := make(chan struct{}), make(chan struct{})
	defer pc.close()
	defer close(quit)
	go pc.readMsgs(readCh, idle, quit, readErrCh)
	nilOnEOF := func(err error) error {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		return err
	}
	pc.keepAliveTimer = time.NewTimer(keepAliveSendFreq)
	pc.requestTimer = newExpiredTimer()
	for {
		//prioritize commands from the event loop
		select {
		case cmd := <-pc.recvC:
			err = pc.parseCommand(cmd)
		default:
			select {
			case cmd := <-pc.recvC:
				err = pc.parseCommand(cmd)
			case <-pc.t.closed:
				return nil
			case msg := <-readCh:
				err = pc.parsePeerMsg(msg)
			case err = <-readErrCh:
			case <-idle:
				err = errors.New("peer idle")
			case <-pc.keepAliveTimer.C:
				err = pc.sendKeepAlive()
			case <-pc.requestTimer.C:
				pc.onRequestTimeout()
			}
		}
		if err != nil {
			switch err = nilOnEOF(err); err {
			case nil:
				pc.logger.Printf("conn: lost connection with peer %s\n", pc.peer.String())
			default:
				pc.logger.Printf("conn: %s: %s\n", pc.peer.String(), err)
			}
			return err
		}
		if pc.wantBlocks() {
			pc.sendC <- wantBlocks{}
			pc.waitingBlocks = true
		}
		if pc.notUseful() {
			pc.logger.Println("conn: not useful anymore for both ends")
			return nil
		}
	}
}

//read msgs from remote peer
//run on seperate goroutine
func (pc *conn) readMsgs(readCh chan<- *peer_wire.Msg, idle, quit chan struct{},
	errCh chan error) {
	var msg *peer_wire.Msg
	var err error
	readDone := make(chan readResult)
loop:
	for {
		//we won't block on read forever cause conn will close
		//if main goroutine exits
		go func() {
			msg, err = peer_wire.Decode(pc.nc)
			readDone <- readResult{msg, err}
		}()
		select {
		case <-time.After(keepAliveInterval + time.Minute): //lets be forbearing
			close(idle)
		case res := <-readDone:
			if res.err != nil {
				errCh <- res.err
				break loop
			}
			var sendToChan bool
			switch res.msg.Kind {
			case peer_wire.Request:
				b := reqMsgToBlock(msg)
				pc.muPeerReqs.Lock()
				//avoid flooding readCh by not sending requests that are
				//already requested from peer and by discarding requests when
				//our buffer is full.
				switch _, ok := pc.peerReqs[b]; {
				case ok:
					pc.logger.Printf("conn: peer send duplicate request for block %v\n", b)
				case len(pc.peerReqs) >= pc.t.reqq:
					pc.logger.Print("conn: peer requests buffer is full\n")
				default: //all good
					pc.peerReqs[b] = struct{}{}
					sendToChan = true
				}
				pc.muPeerReqs.Unlock()
			case peer_wire.Cancel:
				b := reqMsgToBlock(msg)
				pc.muPeerReqs.Lock()
				if _, ok := pc.peerReqs[b]; ok {
					delete(pc.peerReqs, b)
				} else {
					latecomerCancels.Inc()
				}
				pc.muPeerReqs.Unlock()
			default:
				sendToChan = true
			}
			if sendToChan {
				select {
				case readCh <- res.msg:
				case <-quit: //we must care for quit here too
					break loop
				}
			}
		case <-quit:
			break loop
		}
	}
}

func (pc *conn) wantBlocks() bool {
	return pc.state.canDownload() && !pc.waitingBlocks && !pc.noMoreRequests &&
		pc.rq.needMore()
}

//returns true if its not worth to keep the conn alive
func (pc *conn) notUseful() bool {
	return pc.peerSeeding() && pc.amSeeding
}

func (pc *conn) peerSeeding() bool {
	return pc.peerBf.Len() == pc.t.numPieces()
}

func (pc *conn) sendKeepAlive() error {
	err := (&peer_wire.Msg{
		Kind: peer_wire.KeepAlive,
	}).Write(pc.nc)
	if err != nil {
		return err
	}
	pc.keepAliveTimer.Reset(keepAliveSendFreq)
	return nil
}

//requests stalled, return them to the scheduler and ask again later
func (pc *conn) onRequestTimeout() {
	if pc.rq.empty() {
		return
	}
	discarded := pc.rq.discardAll()
	pc.sendC <- discardedRequests(discarded)
}

func (pc *conn) resetRequestTimer() {
	if !pc.requestTimer.Stop() {
		select {
		case <-pc.requestTimer.C:
		default:
		}
	}
	pc.requestTimer.Reset(pc.cl.config.RequestTimeout)
}

func (pc *conn) parseCommand(cmd interface{}) (err error) {
	switch v := cmd.(type) {
	case *peer_wire.Msg:
		switch v.Kind {
		case peer_wire.Interested:
			pc.state.amInterested = true
		case peer_wire.NotInterested:
			pc.state.amInterested = false
		case peer_wire.Choke:
			pc.state.amChoking = true
		case peer_wire.Unchoke:
			pc.state.amChoking = false
		case peer_wire.Have:
			pc.myBf.Set(int(v.Index), true)
			//Surpress have msgs.
			//From https://wiki.theory.org/index.php/BitTorrentSpecification:
			//At the same time, it may be worthwhile to send a HAVE message
			//to a peer that has that piece already since it will be useful in
			//determining which piece is rare.
			if pc.peerBf.Get(int(v.Index)) {
				return
			}
		}
		err = pc.sendMsg(v)
	case []block:
		pc.waitingBlocks = false
		if len(v) == 0 {
			//scheduler has nothing for us until requestsAvailable
			pc.noMoreRequests = true
			return
		}
		var ready bool
		var ok bool
		for _, bl := range v {
			if ok, ready = pc.rq.queue(bl); !ok {
				panic("conn: received blocks but can't queue them")
			}
			if ready {
				if err = pc.sendMsg(bl.reqMsg()); err != nil {
					return
				}
			}
		}
		pc.resetRequestTimer()
	case bitmap.Bitmap: //equivalent to bitfield, we encode and write to wire.
		pc.myBf = v
		err = pc.sendMsg(&peer_wire.Msg{
			Kind: peer_wire.Bitfield,
			Bf:   pc.encodeBitMap(pc.myBf),
		})
	case cancelBlocks:
		for _, bl := range v {
			if wasOnFlight, ok := pc.rq.cancel(bl); ok && wasOnFlight {
				if err = pc.sendMsg(bl.cancelMsg()); err != nil {
					return
				}
			}
		}
	case requestsAvailable:
		pc.noMoreRequests = false
	case seeding:
		pc.amSeeding = true
	case drop:
		err = errors.New("dropped by event loop")
	}
	return
}

func (pc *conn) sendMsg(msg *peer_wire.Msg) error {
	//is mandatory to stop timer and recv from chan
	//in order to reset it
	if !pc.keepAliveTimer.Stop() {
		<-pc.keepAliveTimer.C
		err := (&peer_wire.Msg{
			Kind: peer_wire.KeepAlive,
		}).Write(pc.nc)
		if err != nil {
			return err
		}
	}
	pc.keepAliveTimer.Reset(keepAliveSendFreq)
	return msg.Write(pc.nc)
}

func (pc *conn) parsePeerMsg(msg *peer_wire.Msg) (err error) {
	stateChange := func(currState, futureState bool) bool {
		if currState == futureState {
			return futureState
		}
		pc.sendC <- msg
		return futureState
	}
	switch msg.Kind {
	case peer_wire.KeepAlive, peer_wire.Port:
	case peer_wire.Interested:
		pc.state.isInterested = stateChange(pc.state.isInterested, true)
	case peer_wire.NotInterested:
		pc.state.isInterested = stateChange(pc.state.isInterested, false)
	case peer_wire.Choke:
		pc.state.isChoking = stateChange(pc.state.isChoking, true)
		pc.discardBlocks()
	case peer_wire.Unchoke:
		pc.state.isChoking = stateChange(pc.state.isChoking, false)
		pc.noMoreRequests = false
	case peer_wire.Piece:
		err = pc.onPieceMsg(msg)
	case peer_wire.Request:
		err = pc.upload(msg)
	case peer_wire.Have:
		if pc.peerBf.Get(int(msg.Index)) {
			pc.logger.Printf("conn: peer send duplicate Have msg of piece %d\n", msg.Index)
			return
		}
		if !pc.t.pieceValid(int(msg.Index)) {
			return errors.New("peer send Have msg of piece that doesn't exist")
		}
		pc.peerBf.Set(int(msg.Index), true)
		pc.noMoreRequests = false
		pc.sendC <- msg
	case peer_wire.Bitfield:
		if !pc.peerBf.IsEmpty() {
			return errors.New("peer: send bitfield twice or have before bitfield")
		}
		var tmp *bitmap.Bitmap
		tmp, err = pc.decodeBitfield(msg.Bf)
		if err != nil {
			return
		}
		pc.peerBf = *tmp
		pc.sendC <- pc.peerBf.Copy()
	case peer_wire.Extended:
		//no extensions supported, Decode has already skipped the payload
	default:
		err = errors.New("unknown msg kind received")
	}
	return
}

func (pc *conn) encodeBitMap(bm bitmap.Bitmap) (bf peer_wire.BitField) {
	bf = peer_wire.NewBitField(pc.t.numPieces())
	bm.IterTyped(func(piece int) bool {
		bf.SetPiece(piece)
		return true
	})
	return
}

func (pc *conn) decodeBitfield(bf peer_wire.BitField) (*bitmap.Bitmap, error) {
	var bm bitmap.Bitmap
	numPieces := pc.t.numPieces()
	if !bf.Valid(numPieces) {
		return nil, errors.New("bf length is not valid")
	}
	for i := 0; i < numPieces; i++ {
		if bf.HasPiece(i) {
			bm.Set(i, true)
		}
	}
	return &bm, nil
}

func (pc *conn) discardBlocks() {
	if !pc.rq.empty() {
		unsatisfiedRequests := pc.rq.discardAll()
		pc.sendC <- discardedRequests(unsatisfiedRequests)
	}
}

func (pc *conn) upload(msg *peer_wire.Msg) error {
	bl := reqMsgToBlock(msg)
	if pc.isCanceled(bl) {
		return nil
	}
	//ensure we delete the request at every case
	defer func() {
		pc.muPeerReqs.Lock()
		defer pc.muPeerReqs.Unlock()
		delete(pc.peerReqs, bl)
	}()
	if !pc.state.canUpload() {
		//maybe we have choked the peer, but he hasnt been informed and
		//thats why he send us request, dont drop conn just ignore the req
		pc.logger.Print("conn: peer send request msg while choked\n")
		return nil
	}
	if bl.len > maxRequestBlockSz {
		return fmt.Errorf("request length out of range: %d", msg.Len)
	}
	//check that we have the requested piece
	if !pc.myBf.Get(bl.pc) {
		return fmt.Errorf("peer requested piece we do not have")
	}
	//ensure the we dont exceed the end of the piece
	if endOff := bl.off + bl.len; endOff > pc.t.pieceLen(uint32(bl.pc)) {
		return fmt.Errorf("peer request exceeded length of piece: %d", endOff)
	}
	data := make([]byte, bl.len)
	if err := pc.t.readBlock(data, bl.pc, bl.off); err != nil {
		return nil
	}
	if err := pc.sendMsg(&peer_wire.Msg{
		Kind:  peer_wire.Piece,
		Index: msg.Index,
		Begin: msg.Begin,
		Block: data,
	}); err != nil {
		return err
	}
	pc.sendC <- uploadedBlock(bl)
	return nil
}

func (pc *conn) isCanceled(b block) bool {
	pc.muPeerReqs.Lock()
	defer pc.muPeerReqs.Unlock()
	_, ok := pc.peerReqs[b]
	return !ok
}

//store the block and send another request if the request queuer has one
//buffered. Blocks we never requested are logged and dropped without
//touching storage.
func (pc *conn) onPieceMsg(msg *peer_wire.Msg) error {
	var ready block
	var ok bool
	bl := reqMsgToBlock(msg.Request())
	if ready, ok = pc.rq.deleteCompleted(bl); !ok {
		pc.logger.Printf("conn: received unsolicited block %v\n", bl)
		if !pc.t.pieceValid(bl.pc) {
			return errors.New("peer send piece that doesn't exist")
		}
		length, err := pc.t.pieces.pcs[bl.pc].blockLenSafe(bl.off)
		switch {
		case errors.Is(err, errLargeOffset):
			return err
		case errors.Is(err, errDivOffset):
			//offset doesn't align with our precomputed block grid
			pc.logger.Println(err)
			return nil
		case err != nil:
			return err
		}
		if length != bl.len {
			pc.logger.Println("conn: length of unsolicited piece msg is wrong")
		}
		return nil
	}
	if len(msg.Block) != bl.len {
		return fmt.Errorf("length of piece msg doesn't match request: %d != %d",
			len(msg.Block), bl.len)
	}
	if pc.state.canDownload() && (ready != block{}) {
		if err := pc.sendMsg(ready.reqMsg()); err != nil {
			return err
		}
	}
	pc.resetRequestTimer()
	if err := pc.t.writeBlock(msg.Block, bl.pc, bl.off); err != nil {
		if errors.Is(err, storage.ErrAlreadyWritten) {
			//duplicate delivery, scheduler races in endgame
			return nil
		}
		pc.logger.Printf("conn: write block: %s\n", err)
		pc.sendC <- discardedRequests([]block{bl})
		return nil
	}
	pc.sendC <- downloadedBlock(bl)
	return nil
}
