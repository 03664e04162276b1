package torrent

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/anacrolix/missinggo/bitmap"
	"github.com/dustin/go-humanize"
	"github.com/mkatsoulis/exa-torrent/metainfo"
	"github.com/mkatsoulis/exa-torrent/peer_wire"
	"github.com/mkatsoulis/exa-torrent/torrent/storage"
)

//Every conn is managed on a seperate goroutine. The Torrent's event loop
//(mainLoop) is the only goroutine that mutates torrent state. Conns talk to
//it through events, it talks to conns through commands.

var maxRequestBlockSz = 1 << 14

//Torrent represents a torrent known to a Client and drives the download
//and upload of its data. Methods of Torrent are safe to call from multiple
//goroutines.
type Torrent struct {
	cl     *Client
	logger *log.Logger
	mi     *metainfo.MetaInfo
	//receives events from all conns
	events chan event
	//these are the established conns
	conns []*connInfo
	//a conn registers itself here after a succesfull handshake
	newConnCh chan *connInfo
	//outbound conns we have dialed but not yet handshaked, keyed by address
	halfOpenConns map[string]Peer
	//peers we know of but are not connected to, keyed by address
	knownPeers map[string]Peer

	maxEstablishedConnections int
	maxHalfOpenConns          int

	pieces  *pieces
	choker  *choker
	storage storage.Storage

	//are we seeding
	seeding bool
	//the number of outstanding request messages a peer can have sent to us
	//without us dropping any. The default in libtorrent is 250.
	reqq int

	blockRequestSize int
	//length of data to be downloaded
	length int

	pieceQueuedHashingCh  chan int
	pieceHashedCh         chan pieceHashed
	queuedForVerification map[int]struct{}

	//peer sources (dht announcer) send discovered peers here
	discoveredPeersC chan []Peer
	dhtAnnouncer     *dhtAnnouncer
	//exported methods acquire the event loop through this chan
	lockRequestC chan chan struct{}
	//closed when the torrent closes, signals all goroutines to exit
	closed chan struct{}
	//closed when all pieces have been downloaded and verified
	downloadedDataC chan struct{}

	stats          Stats
	eventsReceived int
	commandsSent   int
}

func newTorrent(cl *Client, mi *metainfo.MetaInfo) (*Torrent, error) {
	t := &Torrent{
		cl:                        cl,
		logger:                    cl.logger,
		mi:                        mi,
		reqq:                      cl.config.MaxOnFlightReqs,
		events:                    make(chan event, cl.config.MaxEstablishedConns*eventChSize),
		newConnCh:                 make(chan *connInfo, cl.config.MaxEstablishedConns),
		halfOpenConns:             make(map[string]Peer),
		knownPeers:                make(map[string]Peer),
		maxEstablishedConnections: cl.config.MaxEstablishedConns,
		maxHalfOpenConns:          cl.config.MaxHalfOpenConns,
		discoveredPeersC:          make(chan []Peer, 1),
		lockRequestC:              make(chan chan struct{}),
		closed:                    make(chan struct{}),
		downloadedDataC:           make(chan struct{}),
		queuedForVerification:     make(map[int]struct{}),
	}
	t.length = int(mi.Info.TotalLength())
	t.stats.BytesLeft = t.length
	t.blockRequestSize = t.blockSize()
	t.pieces = newPieces(t)
	t.choker = newChoker(t)
	t.pieceQueuedHashingCh = make(chan int, t.numPieces())
	t.pieceHashedCh = make(chan pieceHashed, t.numPieces())
	var verified bitmap.Bitmap
	var err error
	t.storage, verified, err = cl.config.OpenStorage(mi, cl.config.BaseDir, t.pieces.blocks(), t.logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	//pieces storage re-verified at open time don't get downloaded again
	verified.IterTyped(func(i int) bool {
		t.pieces.markPieceResumed(i)
		t.stats.onPieceDownload(t.pieceLen(uint32(i)))
		return true
	})
	if !cl.config.DisableDHT && cl.dhtServer != nil {
		t.dhtAnnouncer = newDhtAnnouncer(t, cl.dhtServer, cl.port)
		go t.dhtAnnouncer.run()
	}
	ph := pieceHasher{t: t}
	go ph.run()
	go t.mainLoop()
	return t, nil
}

func (t *Torrent) mainLoop() {
	t.choker.startTicker()
	defer t.choker.ticker.Stop()
	for {
		select {
		case e := <-t.events:
			t.parseEvent(e)
			t.eventsReceived++
		case res := <-t.pieceHashedCh:
			t.pieceHashed(res.pieceIndex, res.ok)
			if res.ok && t.pieces.allVerified() && !t.seeding {
				t.startSeeding()
			}
		case ci := <-t.newConnCh: //we established a new connection
			if !t.addConn(ci) {
				t.logger.Println("torrent: rejected a connection with peer")
			} else {
				t.choker.reviewUnchokedPeers()
			}
		case <-t.choker.ticker.C:
			t.choker.reviewUnchokedPeers()
		case peers := <-t.discoveredPeersC:
			t.gotPeers(peers)
		case ch := <-t.lockRequestC:
			//an exported method holds the event loop until it unlocks
			<-ch
		case <-t.closed:
			return
		}
	}
}

func (t *Torrent) parseEvent(e event) {
	switch v := e.val.(type) {
	case *peer_wire.Msg:
		switch v.Kind {
		case peer_wire.Interested:
			e.conn.state.isInterested = true
			if !e.conn.state.amChoking {
				t.choker.reviewUnchokedPeers()
			}
		case peer_wire.NotInterested:
			e.conn.state.isInterested = false
			if !e.conn.state.amChoking {
				t.choker.reviewUnchokedPeers()
			}
		case peer_wire.Choke:
			e.conn.state.isChoking = true
			if e.conn.state.amInterested {
				e.conn.stats.stopDownloading()
			}
		case peer_wire.Unchoke:
			e.conn.state.isChoking = false
			e.conn.startDownloading()
		case peer_wire.Have:
			e.conn.peerBf.Set(int(v.Index), true)
			t.pieces.pcs[v.Index].rarity++
			e.conn.reviewInterestsOnHave(int(v.Index))
		}
	case wantBlocks:
		reqs := make([]block, maxOnFlight)
		n := t.pieces.getRequests(e.conn.peerBf, reqs)
		reqs = reqs[:n]
		t.pieces.markAssigned(e.conn, reqs)
		//always answer, an empty slice tells the conn to stand by until
		//requestsAvailable
		e.conn.sendCommand(reqs)
	case downloadedBlock:
		t.blockDownloaded(e.conn, block(v))
	case uploadedBlock:
		t.blockUploaded(e.conn, block(v))
	case discardedRequests:
		t.pieces.unassign(e.conn, []block(v))
		t.broadcastToConns(requestsAvailable{})
	case bitmap.Bitmap:
		e.conn.peerBf = v
		v.IterTyped(func(i int) bool {
			t.pieces.pcs[i].rarity++
			return true
		})
		e.conn.reviewInterestsOnBitfield()
	case connDroped:
		t.droppedConn(e.conn)
	}
}

func (t *Torrent) blockDownloaded(c *connInfo, b block) {
	c.stats.onBlockDownload(b.len)
	t.stats.blockDownloaded(b.len)
	t.cl.counters.blocksDownloaded.Inc()
	t.pieces.makeBlockComplete(b.pc, b.off, c)
}

func (t *Torrent) blockUploaded(c *connInfo, b block) {
	c.stats.onBlockUpload(b.len)
	t.stats.blockUploaded(b.len)
	t.cl.counters.blocksUploaded.Inc()
}

func (t *Torrent) startSeeding() {
	t.seeding = true
	if err := t.storage.Flush(); err != nil {
		t.logger.Printf("torrent: flush storage: %s\n", err)
	}
	t.broadcastToConns(seeding{})
	for _, c := range t.conns {
		c.notInterested()
	}
	if !isClosed(t.downloadedDataC) {
		close(t.downloadedDataC)
	}
}

func (t *Torrent) queuePieceForHashing(i int) {
	if _, ok := t.queuedForVerification[i]; ok || t.pieces.pcs[i].verified {
		//piece is already queued or verified
		return
	}
	t.queuedForVerification[i] = struct{}{}
	select {
	case t.pieceQueuedHashingCh <- i:
	default:
		panic("queue piece hash: should not block")
	}
}

func (t *Torrent) pieceHashed(i int, correct bool) {
	delete(t.queuedForVerification, i)
	piece := t.pieces.pcs[i]
	if correct {
		for _, c := range piece.contributors {
			c.stats.goodPiecesContributions++
		}
		t.pieces.pieceSuccesfullyVerified(i)
		t.onPieceDownload(i)
	} else {
		t.cl.counters.hashFailures.Inc()
		t.logger.Printf("torrent: piece %d failed verification\n", i)
		for _, c := range piece.contributors {
			c.stats.badPiecesContributions++
			if c.stats.malliciousness() > t.cl.config.MaxBadPiecesPerPeer {
				t.banPeer(c)
			}
		}
		t.pieces.pieceVerificationFailed(i)
		t.broadcastToConns(requestsAvailable{})
	}
}

//banPeer drops the conn and refuses any future connection with its IP.
func (t *Torrent) banPeer(c *connInfo) {
	t.cl.banIP(c.peer.IP)
	t.cl.counters.bannedPeers.Inc()
	t.logger.Printf("torrent: banned peer %s\n", c.peer.String())
	c.sendCommand(drop{})
	t.droppedConn(c)
}

//this func is started in its own goroutine. When the conn closes its
//eventCh the goroutine emits a final connDroped and exits.
func (t *Torrent) aggregateEvents(ci *connInfo) {
	for e := range ci.eventCh {
		select {
		case t.events <- event{ci, e}:
		case <-t.closed:
			return
		}
	}
	select {
	case t.events <- event{ci, connDroped{}}:
	case <-t.closed:
	}
}

//careful when using this, we might send over nil chan
func (t *Torrent) broadcastToConns(cmd interface{}) {
	for _, ci := range t.conns {
		ci.sendCommand(cmd)
	}
}

func (t *Torrent) onPieceDownload(i int) {
	t.stats.onPieceDownload(t.pieceLen(uint32(i)))
	t.reviewInterestsOnPieceDownload(i)
	t.sendHaves(i)
}

func (t *Torrent) reviewInterestsOnPieceDownload(i int) {
	if t.seeding {
		return
	}
	for _, c := range t.conns {
		if c.peerBf.Get(i) {
			c.numWant--
			if c.numWant <= 0 {
				c.notInterested()
			}
		}
	}
}

func (t *Torrent) sendHaves(i int) {
	for _, c := range t.conns {
		c.have(i)
	}
}

func (t *Torrent) addConn(ci *connInfo) bool {
	if len(t.conns) >= t.maxEstablishedConnections {
		ci.sendCommand(drop{})
		return false
	}
	for _, other := range t.conns {
		//nobody needs two conns with the same peer
		if other.peer.ID == ci.peer.ID {
			ci.sendCommand(drop{})
			return false
		}
	}
	t.conns = append(t.conns, ci)
	delete(t.knownPeers, ci.peer.addr())
	if t.seeding {
		ci.sendCommand(seeding{})
	}
	//if we have some pieces, we should sent a bitfield
	if t.pieces.ownedPieces.Len() > 0 {
		ci.sendBitfield()
	}
	if !t.cl.config.DisableDHT && ci.reserved.SupportDHT() {
		ci.sendPort()
	}
	go t.aggregateEvents(ci)
	return true
}

//conn notified us that it was dropped
//returns false if we have already dropped it.
func (t *Torrent) droppedConn(ci *connInfo) bool {
	var (
		i  int
		ok bool
	)
	if i, ok = t.connIndex(ci); !ok {
		return false
	}
	t.removeConn(ci, i)
	ci.peerBf.IterTyped(func(piece int) bool {
		t.pieces.pcs[piece].rarity--
		return true
	})
	if requeued := t.pieces.unassignAll(ci); requeued > 0 {
		t.broadcastToConns(requestsAvailable{})
	}
	t.choker.reviewUnchokedPeers()
	t.dialConns()
	return true
}

//bool is true if was found
func (t *Torrent) connIndex(ci *connInfo) (int, bool) {
	for i, cn := range t.conns {
		if cn == ci {
			return i, true
		}
	}
	return -1, false
}

//clear the fields that included the conn
func (t *Torrent) removeConn(ci *connInfo, index int) {
	t.conns = append(t.conns[:index], t.conns[index+1:]...)
}

func (t *Torrent) connectedTo(addr string) bool {
	for _, ci := range t.conns {
		if ci.peer.addr() == addr {
			return true
		}
	}
	return false
}

//gotPeers merges newly discovered peers into the known set and tries to
//dial some of them.
func (t *Torrent) gotPeers(peers []Peer) {
	for _, p := range peers {
		addr := p.addr()
		if _, ok := t.halfOpenConns[addr]; ok {
			continue
		}
		if t.connectedTo(addr) || t.cl.isBanned(p.IP) {
			continue
		}
		t.knownPeers[addr] = p
	}
	t.dialConns()
}

//dialConns dials known peers while the half-open and established limits
//permit. Dialing starts only after the download has been enabled, a
//seeding torrent relies on incoming connections.
func (t *Torrent) dialConns() {
	if !t.pieces.downloadEnabled {
		return
	}
	for addr, p := range t.knownPeers {
		if len(t.halfOpenConns) >= t.maxHalfOpenConns ||
			len(t.conns)+len(t.halfOpenConns) >= t.maxEstablishedConnections {
			return
		}
		delete(t.knownPeers, addr)
		if t.cl.isBanned(p.IP) {
			continue
		}
		t.halfOpenConns[addr] = p
		go (&dialer{cl: t.cl, t: t, peer: p}).dial()
	}
}

func (t *Torrent) removeHalfOpen(addr string) {
	delete(t.halfOpenConns, addr)
	t.dialConns()
}

func (t *Torrent) writeBlock(data []byte, piece, begin int) error {
	off := int64(piece*t.mi.Info.PieceLen + begin)
	_, err := t.storage.WriteBlock(data, off)
	return err
}

func (t *Torrent) readBlock(data []byte, piece, begin int) error {
	off := int64(piece*t.mi.Info.PieceLen + begin)
	n, err := t.storage.ReadBlock(data, off)
	if n != len(data) {
		t.logger.Printf("torrent: couldn't read whole block from storage, read only %d bytes\n", n)
	}
	if err != nil {
		t.logger.Printf("torrent: storage read err %s\n", err)
	}
	return err
}

func (t *Torrent) writeStatus(b *strings.Builder) {
	b.WriteString(fmt.Sprintf("Name: %s\n", t.mi.Info.Name))
	b.WriteString(fmt.Sprintf("Mode: %s\n", func() string {
		if t.seeding {
			return "seeding"
		}
		return "downloading"
	}()))
	b.WriteString(fmt.Sprintf("Downloaded: %s\tUploaded: %s\tRemaining: %s\n",
		humanize.Bytes(uint64(t.stats.BytesDownloaded)),
		humanize.Bytes(uint64(t.stats.BytesUploaded)),
		humanize.Bytes(uint64(t.stats.BytesLeft))))
	b.WriteString(fmt.Sprintf("Connected to %d peers\n", len(t.conns)))
	tabWriter := tabwriter.NewWriter(b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tabWriter, "Address\t%\tUp\tDown\t")
	for _, ci := range t.conns {
		fmt.Fprintf(tabWriter, "%s\t%s\t%s\t%s\t\n", ci.peer.addr(),
			strconv.Itoa(int(float64(ci.peerBf.Len())/float64(t.numPieces())*100))+"%",
			humanize.Bytes(uint64(ci.stats.uploadUsefulBytes)),
			humanize.Bytes(uint64(ci.stats.downloadUsefulBytes)))
	}
	tabWriter.Flush()
}

func (t *Torrent) numPieces() int {
	return t.mi.Info.NumPieces()
}

func (t *Torrent) pieceLen(i uint32) int {
	//last piece is usually smaller
	if int(i) == t.numPieces()-1 {
		if rem := t.length % t.mi.Info.PieceLen; rem != 0 {
			return rem
		}
	}
	return t.mi.Info.PieceLen
}

func (t *Torrent) pieceValid(piece int) bool {
	return piece >= 0 && piece < t.numPieces()
}

func (t *Torrent) blockSize() int {
	if maxRequestBlockSz > t.mi.Info.PieceLen {
		return t.mi.Info.PieceLen
	}
	return maxRequestBlockSz
}
