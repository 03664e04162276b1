package storage

import (
	"log"

	"github.com/anacrolix/missinggo/bitmap"
	"github.com/mkatsoulis/exa-torrent/metainfo"
)

//Open initializes a Storage for a torrent. `blocks` holds how many blocks
//each piece has. The returned bitmap contains the pieces that already
//existed on disk and passed verification, so a download can resume from
//them.
type Open func(mi *metainfo.MetaInfo, baseDir string, blocks []int, logger *log.Logger) (s Storage, verified bitmap.Bitmap, err error)

//Storage is the interface every storage should adhere to. Offsets are
//absolute within the torrent's contiguous byte stream.
type Storage interface {
	ReadBlock(b []byte, off int64) (n int, err error)
	WriteBlock(b []byte, off int64) (n int, err error)
	HashPiece(pieceIndex int, len int) (correct bool)
	Flush() error
	Close() error
}
