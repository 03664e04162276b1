package torrent

import (
	"errors"
	"io"
	"strings"

	"github.com/mkatsoulis/exa-torrent/metainfo"
	"github.com/mkatsoulis/exa-torrent/peer_wire"
)

//this file contains the methods of Torrent that are safe to call from any
//goroutine. They all acquire the event loop through a torrentLocker.

var errTorrentClosed = errors.New("torrent closed")

//AddPeers adds peers to the torrent's swarm. The torrent will try to
//establish connections with them if it needs to.
func (t *Torrent) AddPeers(peers ...Peer) error {
	lk := t.locker()
	lk.lock()
	if lk.closed {
		return errTorrentClosed
	}
	defer lk.unlock()
	t.gotPeers(peers)
	return nil
}

//Download downloads all the torrent's data and blocks until all pieces
//have been downloaded and verified, or until the torrent closes. If the
//data is already on disk only verification happens and Download returns
//promptly. After Download returns with nil error the torrent seeds.
func (t *Torrent) Download() error {
	if err := t.download(); err != nil {
		return err
	}
	select {
	case <-t.downloadedDataC:
		return nil
	case <-t.closed:
		return errTorrentClosed
	}
}

func (t *Torrent) download() error {
	lk := t.locker()
	lk.lock()
	if lk.closed {
		return errTorrentClosed
	}
	defer lk.unlock()
	if t.pieces.downloadEnabled {
		return errors.New("torrent: download already in progress")
	}
	t.pieces.setDownloadAllowed()
	if t.pieces.allVerified() {
		if !t.seeding {
			t.startSeeding()
		}
		return nil
	}
	t.broadcastToConns(requestsAvailable{})
	t.dialConns()
	if t.dhtAnnouncer != nil {
		t.dhtAnnouncer.announceNow()
	}
	return nil
}

//Swarm returns the peers the torrent knows about. This includes connected
//peers, peers we are currently dialing and peers we haven't tried yet.
func (t *Torrent) Swarm() []Peer {
	lk := t.locker()
	lk.lock()
	if lk.closed {
		return nil
	}
	defer lk.unlock()
	peers := make([]Peer, 0, len(t.conns)+len(t.halfOpenConns)+len(t.knownPeers))
	for _, ci := range t.conns {
		peers = append(peers, ci.peer)
	}
	for _, p := range t.halfOpenConns {
		peers = append(peers, p)
	}
	for _, p := range t.knownPeers {
		peers = append(peers, p)
	}
	return peers
}

//WriteStatus writes a human readable report of the torrent's state to w.
func (t *Torrent) WriteStatus(w io.Writer) {
	lk := t.locker()
	lk.lock()
	if lk.closed {
		return
	}
	var b strings.Builder
	t.writeStatus(&b)
	lk.unlock()
	w.Write([]byte(b.String()))
}

//Stats returns the download/upload statistics of the torrent.
func (t *Torrent) Stats() Stats {
	lk := t.locker()
	lk.lock()
	if lk.closed {
		return t.stats
	}
	defer lk.unlock()
	return t.stats
}

//Seeding returns true if the torrent has all its data and uploads to
//interested peers.
func (t *Torrent) Seeding() bool {
	lk := t.locker()
	lk.lock()
	if lk.closed {
		return t.seeding
	}
	defer lk.unlock()
	return t.seeding
}

//HaveAllPieces returns true if all pieces have been downloaded and
//verified.
func (t *Torrent) HaveAllPieces() bool {
	lk := t.locker()
	lk.lock()
	if lk.closed {
		return false
	}
	defer lk.unlock()
	return t.pieces.allVerified()
}

//Bitfield returns which pieces the torrent has in wire format.
func (t *Torrent) Bitfield() peer_wire.BitField {
	lk := t.locker()
	lk.lock()
	if lk.closed {
		return nil
	}
	defer lk.unlock()
	bf := peer_wire.NewBitField(t.numPieces())
	t.pieces.ownedPieces.IterTyped(func(piece int) bool {
		bf.SetPiece(piece)
		return true
	})
	return bf
}

//Closed returns true if the torrent has been closed.
func (t *Torrent) Closed() bool {
	return isClosed(t.closed)
}

//InfoHash returns the SHA-1 hash of the torrent's info dictionary,
//identifying it in the swarm.
func (t *Torrent) InfoHash() [20]byte {
	return t.mi.Info.Hash
}

//Metainfo returns the torrent's metainfo.
func (t *Torrent) Metainfo() *metainfo.MetaInfo {
	return t.mi
}

//Close closes the torrent and all the connections associated with it. It
//is safe to call multiple times, subsequent calls return errTorrentClosed.
func (t *Torrent) Close() error {
	lk := t.locker()
	lk.lock()
	if lk.closed {
		return errTorrentClosed
	}
	close(t.closed)
	lk.unlock()
	if err := t.storage.Close(); err != nil {
		t.logger.Printf("torrent: close storage: %s\n", err)
	}
	return nil
}
