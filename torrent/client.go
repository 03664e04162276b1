package torrent

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/mkatsoulis/exa-torrent/metainfo"
	"github.com/mkatsoulis/exa-torrent/peer_wire"
	"github.com/mkatsoulis/exa-torrent/torrent/storage"
)

const clientID = "EX"
const version = "0001"
const logFileName = "exa.log"

//Client manages multiple torrents
type Client struct {
	config *Config
	peerID [20]byte
	logger *log.Logger
	//protects torrents and banned
	mu       sync.Mutex
	torrents map[[20]byte]*Torrent
	//IPs of peers we refuse to talk to
	banned   map[string]struct{}
	listener *btListener
	//the reserved bytes we'll send at every handshake
	reserved  peer_wire.Reserved
	dhtServer *dht.Server
	counters  *counters
	port      int
	close     chan struct{}
}

//Config provides configuration for a Client.
type Config struct {
	//max outstanding requests per connection we allow for a peer to have
	MaxOnFlightReqs int
	//max established connections per torrent
	MaxEstablishedConns int
	//max pending outbound dials per torrent
	MaxHalfOpenConns          int
	RejectIncomingConnections bool
	DisableDHT                bool
	//directory to store the data
	BaseDir     string
	OpenStorage storage.Open
	//timeout for dialing a peer
	DialTimeout time.Duration
	//timeout for completing a handshake with a peer
	HandshakeTimeout time.Duration
	//how often the choker reviews the unchoked peers
	ChokerInterval time.Duration
	//how many peers are unchoked by rate
	UploadSlots int
	//whether one extra peer is unchoked optimistically
	OptimisticSlots bool
	//how long outstanding requests may make no progress before they are
	//discarded and requested elsewhere
	RequestTimeout time.Duration
	//a peer contributing to this many more failed than verified pieces is
	//banned
	MaxBadPiecesPerPeer int
}

//DefaultConfig returns the default configuration for a client
func DefaultConfig() (*Config, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return &Config{
		MaxOnFlightReqs:     250,
		MaxEstablishedConns: 55,
		MaxHalfOpenConns:    10,
		BaseDir:             dir,
		OpenStorage:         storage.OpenFileStorage,
		DialTimeout:         5 * time.Second,
		HandshakeTimeout:    4 * time.Second,
		ChokerInterval:      10 * time.Second,
		UploadSlots:         4,
		OptimisticSlots:     true,
		RequestTimeout:      8 * time.Second,
		MaxBadPiecesPerPeer: 2,
	}, nil
}

//NewClient creates a fresh new Client with the provided configuration.
//Use `NewClient(nil)` for the default configuration.
func NewClient(cfg *Config) (*Client, error) {
	var err error
	if cfg == nil {
		cfg, err = DefaultConfig()
		if err != nil {
			return nil, err
		}
	}
	logFile, err := os.Create(path.Join(os.TempDir(), logFileName))
	if err != nil {
		return nil, err
	}
	cl := &Client{
		peerID:   newPeerID(),
		config:   cfg,
		close:    make(chan struct{}),
		torrents: make(map[[20]byte]*Torrent),
		banned:   make(map[string]struct{}),
		counters: newCounters(),
	}
	logPrefix := fmt.Sprintf("client%x ", cl.peerID[14:]) //last 6 bytes of peerID
	cl.logger = log.New(logFile, logPrefix, log.LstdFlags)
	if !cl.config.RejectIncomingConnections {
		if cl.listener, err = listen(cl); err != nil {
			return nil, err
		}
		cl.port = cl.listener.port
		go func() {
			if err := cl.listener.acceptForEver(); err != nil && !isClosed(cl.close) {
				cl.logger.Printf("client: accept: %s\n", err)
			}
		}()
	} else {
		cl.config.DisableDHT = true
	}
	if !cl.config.DisableDHT {
		cl.reserved.SetDHT()
		if cl.dhtServer, err = dht.NewServer(nil); err == nil {
			go func() {
				ts, err := cl.dhtServer.Bootstrap()
				if err != nil {
					cl.logger.Printf("client: error bootstrapping dht: %s\n", err)
				}
				cl.logger.Printf("client: dht bootstrap complete with stats %v\n", ts)
			}()
		} else {
			return nil, fmt.Errorf("create dht server: %w", err)
		}
	}
	return cl, nil
}

//AddFromFile creates a torrent based on the contents of filename.
//The Torrent returned may have all its data already verified if it was
//present in the base directory (call Download to find out promptly).
func (cl *Client) AddFromFile(filename string) (*Torrent, error) {
	mi, err := metainfo.LoadMetainfoFile(filename)
	if err != nil {
		return nil, err
	}
	return cl.AddFromMetainfo(mi)
}

//AddFromMetainfo creates a torrent based on a parsed metainfo.
func (cl *Client) AddFromMetainfo(mi *metainfo.MetaInfo) (*Torrent, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if _, ok := cl.torrents[mi.Info.Hash]; ok {
		return nil, errors.New("torrent already exists")
	}
	t, err := newTorrent(cl, mi)
	if err != nil {
		return nil, err
	}
	cl.torrents[mi.Info.Hash] = t
	return t, nil
}

//Remove closes the torrent with the provided infohash and removes it from
//the client.
func (cl *Client) Remove(infohash [20]byte) error {
	cl.mu.Lock()
	t, ok := cl.torrents[infohash]
	if !ok {
		cl.mu.Unlock()
		return errors.New("torrent doesn't exist")
	}
	delete(cl.torrents, infohash)
	cl.mu.Unlock()
	return t.Close()
}

//Torrents returns all torrents that the client manages.
func (cl *Client) Torrents() []*Torrent {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	ts := make([]*Torrent, 0, len(cl.torrents))
	for _, t := range cl.torrents {
		ts = append(ts, t)
	}
	return ts
}

//Close closes all the torrents managed by the client and stops accepting
//connections.
func (cl *Client) Close() {
	if isClosed(cl.close) {
		return
	}
	close(cl.close)
	if cl.listener != nil {
		cl.listener.close()
	}
	if cl.dhtServer != nil {
		cl.dhtServer.Close()
	}
	var wg sync.WaitGroup
	for _, t := range cl.Torrents() {
		wg.Add(1)
		go func(t *Torrent) {
			defer wg.Done()
			t.Close()
		}(t)
	}
	wg.Wait()
}

//ID returns the peer ID the client handshakes with.
func (cl *Client) ID() []byte {
	id := make([]byte, 20)
	copy(id, cl.peerID[:])
	return id
}

func (cl *Client) addr() string {
	if cl.listener == nil {
		return ""
	}
	return cl.listener.addr()
}

func (cl *Client) torrent(ihash [20]byte) (*Torrent, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	t, ok := cl.torrents[ihash]
	return t, ok
}

//ihashes returns the infohashes of all torrents the client manages, in the
//form the handshake dispatcher wants them.
func (cl *Client) ihashes() map[[20]byte]struct{} {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	set := make(map[[20]byte]struct{}, len(cl.torrents))
	for ihash := range cl.torrents {
		set[ihash] = struct{}{}
	}
	return set
}

func (cl *Client) banIP(ip net.IP) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.banned[ip.String()] = struct{}{}
}

func (cl *Client) isBanned(ip net.IP) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	_, ok := cl.banned[ip.String()]
	return ok
}

func (cl *Client) dhtPort() uint16 {
	ap, err := parseAddr(cl.dhtServer.Addr().String())
	if err != nil {
		panic(err)
	}
	return ap.port
}

//handshake performs the peer wire handshake over nc with a bounded
//deadline. For outbound connections peer carries the expected peer ID.
func (cl *Client) handshake(nc net.Conn, hs *peer_wire.HandShake, peer Peer) (*peer_wire.HandShake, error) {
	nc.SetDeadline(time.Now().Add(cl.config.HandshakeTimeout))
	defer nc.SetDeadline(time.Time{})
	phs, err := hs.Do(nc, cl.ihashes())
	if err != nil {
		return nil, err
	}
	if peer.ID != ([20]byte{}) && phs.PeerID != peer.ID {
		return nil, errors.New("handshake: peer ID doesn't match the advertised one")
	}
	return phs, nil
}

func newPeerID() (id [20]byte) {
	prefix := []byte("-" + clientID + version + "-")
	copy(id[:], prefix)
	if _, err := rand.Read(id[len(prefix):]); err != nil {
		panic(err)
	}
	return
}
