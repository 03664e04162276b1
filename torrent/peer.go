package torrent

import (
	"net"
	"strconv"
)

//PeerSource tells how we learned about a peer's address.
type PeerSource byte

const (
	//SourceUser are peers provided via Torrent.AddPeers (e.g from a
	//tracker client).
	SourceUser PeerSource = iota
	//SourceIncoming are peers that dialed us.
	SourceIncoming
	//SourceDHT are peers discovered via the DHT peer source.
	SourceDHT
)

func (s PeerSource) String() string {
	switch s {
	case SourceUser:
		return "user"
	case SourceIncoming:
		return "incoming"
	case SourceDHT:
		return "dht"
	default:
		return "unknown"
	}
}

//Peer is the address of a remote peer, candidate for a connection.
type Peer struct {
	IP   net.IP
	Port uint16
	//ID is the peer's id if known, zero otherwise. If set and the
	//handshaked id differs, the connection is refused.
	ID     [20]byte
	source PeerSource
}

func (p Peer) addr() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

func (p Peer) String() string {
	return p.addr() + " (" + p.source.String() + ")"
}

func addrToPeer(address string, source PeerSource) Peer {
	ap, err := parseAddr(address)
	if err != nil {
		panic(err)
	}
	return Peer{
		IP:     ap.ip,
		Port:   ap.port,
		source: source,
	}
}
