package torrent

import (
	"errors"
	"net"
	"strconv"

	"github.com/mkatsoulis/exa-torrent/peer_wire"
)

//dialer establishes an outbound connection with a peer on behalf of a
//torrent. It runs on its own goroutine, the torrent tracks it through the
//half-open set.
type dialer struct {
	cl   *Client
	t    *Torrent
	peer Peer
}

func (d *dialer) dial() {
	nc, err := net.DialTimeout("tcp", d.peer.addr(), d.cl.config.DialTimeout)
	if err != nil {
		d.cl.logger.Printf("net: cannot dial peer %s: %s\n", d.peer.String(), err)
		d.notHalfOpenAnymore()
		return
	}
	phs, err := d.cl.handshake(nc, &peer_wire.HandShake{
		Reserved: d.cl.reserved,
		PeerID:   d.cl.peerID,
		InfoHash: d.t.mi.Info.Hash,
	}, d.peer)
	if err != nil {
		d.cl.logger.Printf("net: handshake with %s: %s\n", d.peer.String(), err)
		nc.Close()
		d.notHalfOpenAnymore()
		return
	}
	d.peer.ID = phs.PeerID
	d.notHalfOpenAnymore()
	runConnection(d.t, nc, d.peer, phs)
}

func (d *dialer) notHalfOpenAnymore() {
	lk := d.t.locker()
	lk.lock()
	if lk.closed {
		return
	}
	defer lk.unlock()
	d.t.removeHalfOpen(d.peer.addr())
}

//runConnection registers the conn with the torrent and serves it until it
//drops. Blocks for the lifetime of the connection.
func runConnection(t *Torrent, nc net.Conn, peer Peer, phs *peer_wire.HandShake) {
	c := newConn(t, nc, peer, phs.PeerID[:])
	c.reserved = phs.Reserved
	select {
	case t.newConnCh <- c.connInfo():
	case <-t.closed:
		nc.Close()
		return
	}
	c.mainLoop()
}

//btListener accepts inbound peer connections for all the client's
//torrents.
type btListener struct {
	cl   *Client
	l    net.Listener
	port int
}

func listen(cl *Client) (*btListener, error) {
	//try the conventional ports 6881-6889 first
	for i := 6881; i < 6890; i++ {
		//we dont support IPv6
		l, err := net.Listen("tcp4", ":"+strconv.Itoa(i))
		if err == nil {
			return &btListener{cl: cl, l: l, port: i}, nil
		}
	}
	//if none of the above ports were available, take an ephemeral one
	l, err := net.Listen("tcp4", ":")
	if err != nil {
		return nil, errors.New("could not find port to listen")
	}
	ap, err := parseAddr(l.Addr().String())
	if err != nil {
		return nil, err
	}
	return &btListener{cl: cl, l: l, port: int(ap.port)}, nil
}

func (bl *btListener) acceptForEver() error {
	for {
		nc, err := bl.l.Accept()
		if err != nil {
			return err
		}
		go bl.handleConn(nc)
	}
}

func (bl *btListener) handleConn(nc net.Conn) {
	cl := bl.cl
	peer := addrToPeer(nc.RemoteAddr().String(), SourceIncoming)
	if cl.isBanned(peer.IP) {
		nc.Close()
		return
	}
	phs, err := cl.handshake(nc, &peer_wire.HandShake{
		Reserved: cl.reserved,
		PeerID:   cl.peerID,
	}, peer)
	if err != nil {
		cl.logger.Printf("net: incoming handshake: %s\n", err)
		nc.Close()
		return
	}
	t, ok := cl.torrent(phs.InfoHash)
	if !ok {
		//the handshake dispatch accepts only infohashes we manage, the
		//torrent may have been removed in between
		nc.Close()
		return
	}
	peer.ID = phs.PeerID
	runConnection(t, nc, peer, phs)
}

func (bl *btListener) addr() string {
	return bl.l.Addr().String()
}

func (bl *btListener) close() {
	bl.l.Close()
}
