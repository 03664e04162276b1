package torrent

import (
	"bytes"
	"crypto/sha1"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/missinggo/bitmap"
	"github.com/mkatsoulis/exa-torrent/metainfo"
	"github.com/mkatsoulis/exa-torrent/peer_wire"
	"github.com/mkatsoulis/exa-torrent/torrent/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testingConfig(t *testing.T) *Config {
	return &Config{
		MaxOnFlightReqs:     250,
		MaxEstablishedConns: 55,
		MaxHalfOpenConns:    10,
		DisableDHT:          true,
		BaseDir:             t.TempDir(),
		OpenStorage:         storage.OpenFileStorage,
		DialTimeout:         5 * time.Second,
		HandshakeTimeout:    4 * time.Second,
		ChokerInterval:      500 * time.Millisecond,
		UploadSlots:         4,
		OptimisticSlots:     true,
		RequestTimeout:      4 * time.Second,
		MaxBadPiecesPerPeer: 2,
	}
}

//createTestTorrent builds a torrent out of randomly generated files, writes
//the data files under dataDir and returns the path of the .torrent file
//along with the whole contents.
func createTestTorrent(t *testing.T, dataDir string, pieceLen int, fileSizes ...int64) (string, []byte) {
	var total int64
	for _, sz := range fileSizes {
		total += sz
	}
	data := make([]byte, total)
	rand.Read(data)
	info := &metainfo.InfoDict{
		Name:     "exa-test",
		PieceLen: pieceLen,
		Pieces:   testPieceHashes(data, pieceLen),
	}
	if len(fileSizes) == 1 {
		info.Len = fileSizes[0]
	} else {
		for i, sz := range fileSizes {
			info.Files = append(info.Files, metainfo.File{
				Len:  sz,
				Path: []string{"f" + strconv.Itoa(i) + ".dat"},
			})
		}
	}
	var off int64
	for _, fi := range info.FilesInfo() {
		p := filepath.Join(dataDir, fi.Path)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, ioutil.WriteFile(p, data[off:off+fi.Len], 0644))
		off += fi.Len
	}
	mi, err := metainfo.NewFromInfo("", info)
	require.NoError(t, err)
	file := filepath.Join(t.TempDir(), "exa-test.torrent")
	require.NoError(t, mi.CreateTorrentFile(file))
	return file, data
}

func testPieceHashes(data []byte, pieceLen int) []byte {
	var hashes []byte
	for off := 0; off < len(data); off += pieceLen {
		end := off + pieceLen
		if end > len(data) {
			end = len(data)
		}
		h := sha1.Sum(data[off:end])
		hashes = append(hashes, h[:]...)
	}
	return hashes
}

//data that is already in the base directory should be verified at open time
//so the torrent seeds right away.
func TestLoadCompleteTorrent(t *testing.T) {
	cfg := testingConfig(t)
	file, data := createTestTorrent(t, cfg.BaseDir, 1<<14, 12)
	cl, err := NewClient(cfg)
	require.NoError(t, err)
	defer cl.Close()
	tr, err := cl.AddFromFile(file)
	require.NoError(t, err)
	assert.True(t, tr.HaveAllPieces())
	got := make([]byte, tr.length)
	require.NoError(t, tr.readBlock(got, 0, 0))
	assert.Equal(t, data, got)
}

func TestTorrentNewConnection(t *testing.T) {
	cfg := testingConfig(t)
	cfg.MaxEstablishedConns = 10
	file, _ := createTestTorrent(t, cfg.BaseDir, 1<<14, 12)
	cl, err := NewClient(cfg)
	require.NoError(t, err)
	defer cl.Close()
	tr, err := cl.AddFromFile(file)
	require.NoError(t, err)
	//data is already verified so this returns promptly and we seed
	require.NoError(t, tr.Download())
	for i := 0; i < tr.maxEstablishedConnections; i++ {
		ci := newDummyConnInfo(tr)
		ci.peer.ID[0], ci.peer.ID[1] = byte(i), byte(i>>8)
		tr.newConnCh <- ci
		switch (<-ci.commandCh).(type) {
		case seeding:
		default:
			t.Fail()
		}
		switch (<-ci.commandCh).(type) {
		case bitmap.Bitmap:
		default:
			t.Fail()
		}
	}
	//the conn over the limit gets dropped
	ci := newDummyConnInfo(tr)
	ci.peer.ID[0], ci.peer.ID[1] = 0xff, 0xff
	tr.newConnCh <- ci
	switch (<-ci.commandCh).(type) {
	case drop:
	default:
		t.Fail()
	}
	lk := tr.locker()
	lk.lock()
	numConns := len(tr.conns)
	lk.unlock()
	assert.Equal(t, tr.maxEstablishedConnections, numConns)
}

func TestStatsUpdate(t *testing.T) {
	tr := &Torrent{
		mi: &metainfo.MetaInfo{},
	}
	ci := &connInfo{
		t:         tr,
		eventCh:   make(chan interface{}, eventChSize),
		commandCh: make(chan interface{}, commandChSize),
		dropped:   make(chan struct{}),
		state:     newConnState(),
		stats:     newConnStats(),
	}
	//test if durationUploading changes when our state changes
	tr.parseEvent(event{
		conn: ci,
		val: &peer_wire.Msg{
			Kind: peer_wire.Interested,
		},
	})
	ci.unchoke()
	sleepDur := time.Millisecond
	time.Sleep(sleepDur)
	assert.GreaterOrEqual(t, int64(ci.durationUploading()), int64(sleepDur))
	assert.Equal(t, int64(0), int64(ci.stats.sumUploading))
	ci.choke()
	assert.Greater(t, int64(ci.stats.sumUploading), int64(0))
	time.Sleep(sleepDur)
	assert.Less(t, int64(ci.durationUploading()), int64(2*sleepDur))
	//test how the download changes as time passes and as we download bytes
	assert.EqualValues(t, int64(0), int64(ci.durationDownloading()))
	ci.interested()
	tr.parseEvent(event{
		conn: ci,
		val: &peer_wire.Msg{
			Kind: peer_wire.Unchoke,
		},
	})
	time.Sleep(sleepDur)
	assert.GreaterOrEqual(t, int64(ci.durationDownloading()), int64(sleepDur))
	assert.Equal(t, float64(0), ci.rate())
	ci.stats.downloadUsefulBytes += 1 << 14
	r1 := ci.rate()
	assert.Greater(t, r1, float64(0))
	time.Sleep(sleepDur)
	r2 := ci.rate()
	assert.Less(t, r2, r1)
}

func TestSingleFileTorrentTransfer(t *testing.T) {
	testDataTransfer(t, dataTransferOpts{
		pieceLen:    1 << 14,
		fileSizes:   []int64{3*(1<<14) + 6000},
		numLeechers: 1,
	})
}

func TestMultiFileTorrentTransfer(t *testing.T) {
	testDataTransfer(t, dataTransferOpts{
		pieceLen:    1 << 14,
		fileSizes:   []int64{20000, 30000, 14000},
		numLeechers: 3,
	})
}

func addrsToPeers(addrs []string) []Peer {
	peers := make([]Peer, len(addrs))
	for i, addr := range addrs {
		peers[i] = addrToPeer(addr, SourceUser)
	}
	return peers
}

type dataTransferOpts struct {
	pieceLen    int
	fileSizes   []int64
	numLeechers int
}

func testDataTransfer(t *testing.T, opts dataTransferOpts) {
	seederCfg := testingConfig(t)
	file, data := createTestTorrent(t, seederCfg.BaseDir, opts.pieceLen, opts.fileSizes...)
	seeder, err := NewClient(seederCfg)
	require.NoError(t, err)
	defer seeder.Close()
	seederTr, err := seeder.AddFromFile(file)
	require.NoError(t, err)
	assert.True(t, seederTr.HaveAllPieces())
	//data is already on disk, start seeding
	require.NoError(t, seederTr.Download())
	leechers := make([]*Client, opts.numLeechers)
	for i := range leechers {
		leecher, err := NewClient(testingConfig(t))
		require.NoError(t, err)
		defer leecher.Close()
		_, err = leecher.AddFromFile(file)
		require.NoError(t, err)
		leechers[i] = leecher
	}
	addrs := make([]string, len(leechers))
	for i := range addrs {
		addrs[i] = leechers[i].addr()
	}
	wg := sync.WaitGroup{}
	wg.Add(len(leechers))
	for i, leecher := range leechers {
		leecherTr := leecher.Torrents()[0]
		go func(tr *Torrent) {
			defer wg.Done()
			require.NoError(t, tr.Download())
		}(leecherTr)
		leecherTr.AddPeers(addrsToPeers(append(addrs[i+1:], seeder.addr()))...)
	}
	wg.Wait()
	for _, leecher := range leechers {
		leecherTr := leecher.Torrents()[0]
		assert.True(t, leecherTr.HaveAllPieces())
		assert.True(t, leecherTr.Seeding())
		testContents(t, data, leecherTr)
	}
}

func testContents(t *testing.T, dataSeeder []byte, leecherTr *Torrent) {
	assert.Equal(t, len(dataSeeder), leecherTr.length)
	dataLeecher := make([]byte, leecherTr.length)
	err := leecherTr.readBlock(dataLeecher, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, dataSeeder, dataLeecher)
}

func TestMultipleClose(t *testing.T) {
	cfg := testingConfig(t)
	cl, err := NewClient(cfg)
	require.NoError(t, err)
	file, _ := createTestTorrent(t, cfg.BaseDir, 1<<14, 12)
	tr, err := cl.AddFromFile(file)
	require.NoError(t, err)
	//first close wins, subsequent calls report the torrent as closed
	require.NoError(t, tr.Close())
	require.Equal(t, errTorrentClosed, tr.Close())
	//should return error on closed torrent
	require.Error(t, tr.AddPeers(Peer{}))
	//call client close too
	cl.Close()
}

func TestClientRemove(t *testing.T) {
	cfg := testingConfig(t)
	cl, err := NewClient(cfg)
	require.NoError(t, err)
	defer cl.Close()
	file, _ := createTestTorrent(t, cfg.BaseDir, 1<<14, 12)
	tr, err := cl.AddFromFile(file)
	require.NoError(t, err)
	require.NoError(t, cl.Remove(tr.InfoHash()))
	assert.Len(t, cl.Torrents(), 0)
	assert.True(t, tr.Closed())
	require.Error(t, cl.Remove(tr.InfoHash()))
}

//In linux (and possibly in Windows) there is a limit to how many open file
//descriptors a process can have. If we dont enforce the limit, all
//reads/writes from sockets,files etc will fail, so eventually a fatal error
//will occur or the timer will expire.
func TestHalfOpenConnsLimit(t *testing.T) {
	cfg := testingConfig(t)
	cfg.DialTimeout = time.Millisecond
	cl, err := NewClient(cfg)
	require.NoError(t, err)
	defer cl.Close()
	file, _ := createTestTorrent(t, t.TempDir(), 1<<14, 12)
	tr, err := cl.AddFromFile(file)
	require.NoError(t, err)
	require.NoError(t, tr.download()) //async download
	addInvalidPeers := func(invalidAddrPrefix string) {
		peers := []Peer{}
		for i := 0; i <= 255; i++ {
			peers = append(peers, addrToPeer(invalidAddrPrefix+strconv.Itoa(i)+":9090", SourceUser))
		}
		require.NoError(t, tr.AddPeers(peers...))
	}
	//these are invalid IP addreses (https://stackoverflow.com/questions/10456044/what-is-a-good-invalid-ip-address-to-use-for-unit-tests)
	addInvalidPeers("192.0.2.")
	addInvalidPeers("198.51.100.")
	addInvalidPeers("203.0.113.")
	//wait until we have tried to connect to all peers
	failure := time.NewTimer(10 * time.Second)
	for {
		time.Sleep(100 * time.Millisecond)
		if len(tr.Swarm()) == 0 {
			break
		}
		select {
		case <-failure.C:
			t.FailNow()
		default:
		}
	}
}

//Test that is safe to invoke methods on torrent simultaneously and that
//after close some methods return errors as they should be.
func TestTorrentParallelXported(t *testing.T) {
	cfg := testingConfig(t)
	cl, err := NewClient(cfg)
	require.NoError(t, err)
	defer cl.Close()
	file, _ := createTestTorrent(t, t.TempDir(), 1<<14, 12)
	tr, err := cl.AddFromFile(file)
	require.NoError(t, err)
	require.NoError(t, tr.download())
	//download twice gives error
	require.Error(t, tr.download())
	testXported := func(expectClosed bool) {
		wg := sync.WaitGroup{}
		wg.Add(2)
		go func() {
			defer wg.Done()
			err := tr.AddPeers(Peer{})
			if expectClosed {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			var b bytes.Buffer
			tr.WriteStatus(&b)
			if expectClosed {
				assert.Equal(t, 0, b.Len())
			} else {
				assert.Greater(t, b.Len(), 0)
			}
		}()
		wg.Wait()
	}
	testXported(false)
	tr.Close()
	assert.True(t, tr.Closed())
	testXported(true)
}

func TestTorrentParallelClose(t *testing.T) {
	cfg := testingConfig(t)
	cl, err := NewClient(cfg)
	require.NoError(t, err)
	defer cl.Close()
	file, _ := createTestTorrent(t, t.TempDir(), 1<<14, 12)
	tr, err := cl.AddFromFile(file)
	require.NoError(t, err)
	wg := sync.WaitGroup{}
	wg.Add(10)
	for i := 0; i < 10; i++ {
		go func() {
			defer wg.Done()
			tr.Close()
		}()
	}
	wg.Wait()
	assert.True(t, tr.Closed())
}
