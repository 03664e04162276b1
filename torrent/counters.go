package torrent

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

//these are cancels that peers send to us but it was too late because
//we had already processed the request
var latecomerCancels atomic.Uint32

//counters are the client's metrics. Every client carries its own registry
//so multiple clients in one process don't collide.
type counters struct {
	registry *prometheus.Registry

	blocksDownloaded prometheus.Counter
	blocksUploaded   prometheus.Counter
	hashFailures     prometheus.Counter
	duplicateBlocks  prometheus.Counter
	bannedPeers      prometheus.Counter
}

func newCounters() *counters {
	c := &counters{
		registry: prometheus.NewRegistry(),
		blocksDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torrent_blocks_downloaded_total",
			Help: "Blocks downloaded and written to storage.",
		}),
		blocksUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torrent_blocks_uploaded_total",
			Help: "Blocks served to remote peers.",
		}),
		hashFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torrent_piece_hash_failures_total",
			Help: "Pieces that failed verification.",
		}),
		duplicateBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torrent_duplicate_blocks_total",
			Help: "Blocks that arrived after another peer already delivered them (endgame).",
		}),
		bannedPeers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torrent_banned_peers_total",
			Help: "Peers banned for contributing too many corrupt pieces.",
		}),
	}
	c.registry.MustRegister(c.blocksDownloaded, c.blocksUploaded,
		c.hashFailures, c.duplicateBlocks, c.bannedPeers)
	return c
}

//Metrics returns the client's metrics registry, suitable for exposing
//via promhttp.
func (cl *Client) Metrics() *prometheus.Registry {
	return cl.counters.registry
}
