package torrent

import (
	"log"
	"time"

	"github.com/anacrolix/dht/v2"
)

const dhtAnnounceInterval = 5 * time.Minute

//dhtAnnouncer periodically announces a torrent's infohash to the DHT and
//feeds the peers it finds to the torrent.
type dhtAnnouncer struct {
	t      *Torrent
	srv    *dht.Server
	port   int
	logger *log.Logger
	//wakes the announcer outside its regular schedule
	announceC chan struct{}
}

func newDhtAnnouncer(t *Torrent, srv *dht.Server, port int) *dhtAnnouncer {
	return &dhtAnnouncer{
		t:         t,
		srv:       srv,
		port:      port,
		logger:    t.logger,
		announceC: make(chan struct{}, 1),
	}
}

func (a *dhtAnnouncer) announceNow() {
	select {
	case a.announceC <- struct{}{}:
	default:
	}
}

func (a *dhtAnnouncer) run() {
	ticker := time.NewTicker(dhtAnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.announceC:
			a.announce()
		case <-ticker.C:
			a.announce()
		case <-a.t.closed:
			return
		}
	}
}

//announce runs a single DHT traversal and drains the peers it yields.
func (a *dhtAnnouncer) announce() {
	ann, err := a.srv.Announce(a.t.InfoHash(), a.port, false)
	if err != nil {
		a.logger.Printf("dht: announce: %s\n", err)
		return
	}
	defer ann.Close()
	for {
		select {
		case pvs, ok := <-ann.Peers:
			if !ok {
				return
			}
			peers := make([]Peer, 0, len(pvs.Peers))
			for _, p := range pvs.Peers {
				if p.IP == nil || p.Port <= 0 {
					continue
				}
				peers = append(peers, Peer{
					IP:     p.IP,
					Port:   uint16(p.Port),
					source: SourceDHT,
				})
			}
			if len(peers) == 0 {
				continue
			}
			select {
			case a.t.discoveredPeersC <- peers:
			case <-a.t.closed:
				return
			}
		case <-a.t.closed:
			return
		}
	}
}
