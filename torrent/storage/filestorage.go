//Package storage persists torrent data on disk and verifies piece hashes.
package storage

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/anacrolix/missinggo/bitmap"
	"github.com/mkatsoulis/exa-torrent/metainfo"
)

var (
	ErrReadNonVerified = errors.New("storage: trying to read non verified piece")
	ErrAlreadyWritten  = errors.New("storage: trying to write at already written block")
)

//transient write errors get this many attempts before we give up.
const writeAttempts = 2

//FileStorage is a file-based storage for torrent data. Files are sparsely
//preallocated to their final size at open time so block writes never grow
//them.
type FileStorage struct {
	logger *log.Logger
	dir    string
	info   *metainfo.InfoDict
	pieces []*piece

	mu    sync.Mutex
	files map[string]*os.File
}

//OpenFileStorage initializes the storage. `blocks` is a slice containing how
//many blocks each piece has. Pieces whose full byte range already existed on
//disk are hashed and the ones matching their expected digest are returned in
//`verified` so the caller can skip redownloading them.
func OpenFileStorage(mi *metainfo.MetaInfo, baseDir string, blocks []int, logger *log.Logger) (Storage, bitmap.Bitmap, error) {
	pieces := make([]*piece, mi.Info.NumPieces())
	for i := 0; i < len(pieces); i++ {
		pieces[i] = &piece{
			blocks:      blocks[i],
			dirtyBlocks: make(map[int64]struct{}),
		}
	}
	fs := &FileStorage{
		logger: logger,
		info:   mi.Info,
		dir:    baseDir,
		pieces: pieces,
		files:  make(map[string]*os.File),
	}
	prevSizes, err := fs.preallocate()
	if err != nil {
		return nil, bitmap.Bitmap{}, err
	}
	var verified bitmap.Bitmap
	for i := range pieces {
		if !fs.rangeOnDisk(fs.pieceOff(i), int64(fs.info.PieceLength(i)), prevSizes) {
			continue
		}
		if fs.hashPiece(i, fs.info.PieceLength(i)) {
			verified.Set(i, true)
		}
	}
	return fs, verified, nil
}

//preallocate creates every file of the torrent at its final size, recording
//how many bytes of each existed beforehand.
func (s *FileStorage) preallocate() ([]int64, error) {
	fis := s.info.FilesInfo()
	prevSizes := make([]int64, len(fis))
	for i, fi := range fis {
		name := s.fileName(fi)
		if stat, err := os.Stat(name); err == nil {
			prevSizes[i] = stat.Size()
			if prevSizes[i] > fi.Len {
				prevSizes[i] = fi.Len
			}
		}
		if err := os.MkdirAll(filepath.Dir(name), 0777); err != nil {
			return nil, fmt.Errorf("storage: preallocate: %w", err)
		}
		f, err := s.openFile(name)
		if err != nil {
			return nil, err
		}
		if err = f.Truncate(fi.Len); err != nil {
			return nil, fmt.Errorf("storage: preallocate %s: %w", name, err)
		}
	}
	return prevSizes, nil
}

//rangeOnDisk tells whether the byte range [off,off+length) was fully covered
//by the files' pre-existing sizes.
func (s *FileStorage) rangeOnDisk(off, length int64, prevSizes []int64) bool {
	for i, fi := range s.info.FilesInfo() {
		if off >= fi.Len {
			off -= fi.Len
			continue
		}
		n := length
		if n > fi.Len-off {
			n = fi.Len - off
		}
		if off+n > prevSizes[i] {
			return false
		}
		length -= n
		if length == 0 {
			return true
		}
		off = 0
	}
	return length == 0
}

func (s *FileStorage) openFile(name string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[name]; ok {
		return f, nil
	}
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", name, err)
	}
	s.files[name] = f
	return f, nil
}

//returns the piece index that off corresponds to.
func (s *FileStorage) pieceIndex(off int64) int {
	return int(off / int64(s.info.PieceLen))
}

//returns the offset that `pieceIndex` starts.
func (s *FileStorage) pieceOff(pieceIndex int) int64 {
	return int64(pieceIndex) * int64(s.info.PieceLen)
}

//ReadBlock is like ReadAt but fails if the piece to be read is not verified.
func (s *FileStorage) ReadBlock(b []byte, off int64) (n int, err error) {
	piece := s.pieces[s.pieceIndex(off)]
	if !piece.isVerified() {
		err = ErrReadNonVerified
		return
	}
	return s.ReadAt(b, off)
}

// Only returns EOF at the end of the torrent. Premature EOF is ErrUnexpectedEOF.
func (s *FileStorage) ReadAt(b []byte, off int64) (n int, err error) {
	for _, fi := range s.info.FilesInfo() {
		for off < fi.Len {
			n1, err1 := s.readFileAt(fi, b, off)
			n += n1
			off += int64(n1)
			b = b[n1:]
			if len(b) == 0 {
				return
			}
			if n1 != 0 {
				continue
			}
			err = err1
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return
		}
		off -= fi.Len
	}
	err = io.EOF
	return
}

// Returns EOF on short or missing file.
func (s *FileStorage) readFileAt(fi metainfo.FileInfo, b []byte, off int64) (n int, err error) {
	f, err := s.openFile(s.fileName(fi))
	if err != nil {
		return
	}
	// Limit the read to within the expected bounds of this file.
	if int64(len(b)) > fi.Len-off {
		b = b[:fi.Len-off]
	}
	for off < fi.Len && len(b) != 0 {
		n1, err1 := f.ReadAt(b, off)
		b = b[n1:]
		n += n1
		off += int64(n1)
		if n1 == 0 {
			err = err1
			break
		}
	}
	return
}

//WriteBlock behaves like WriteAt but it fails if another write has occured
//at the same offset.
func (s *FileStorage) WriteBlock(p []byte, off int64) (n int, err error) {
	piece := s.pieces[s.pieceIndex(off)]
	if !piece.reserveOffset(off) {
		err = ErrAlreadyWritten
		return
	}
	for i := 0; i < writeAttempts; i++ {
		n, err = s.WriteAt(p, off)
		if err == nil {
			return
		}
		s.logger.Printf("storage: write at %d failed (attempt %d): %v\n", off, i+1, err)
	}
	//the block never reached the disk, allow a future retry
	piece.unreserveOffset(off)
	return
}

func (s *FileStorage) WriteAt(p []byte, off int64) (n int, err error) {
	for _, fi := range s.info.FilesInfo() {
		if off >= fi.Len {
			off -= fi.Len
			continue
		}
		n1 := len(p)
		if int64(n1) > fi.Len-off {
			n1 = int(fi.Len - off)
		}
		var f *os.File
		f, err = s.openFile(s.fileName(fi))
		if err != nil {
			return
		}
		n1, err = f.WriteAt(p[:n1], off)
		if err != nil {
			return
		}
		n += n1
		off = 0
		p = p[n1:]
		if len(p) == 0 {
			break
		}
	}
	return
}

func (s *FileStorage) fileName(fi metainfo.FileInfo) string {
	return filepath.Join(s.dir, fi.Path)
}

var ErrNotReadyForVerification = errors.New("storage: not all piece's blocks are written")

//HashPiece hashes `pieceIndex` whose length is `len` and returns whether
//the digest was the expected one. All of the piece's blocks must have been
//written.
func (s *FileStorage) HashPiece(pieceIndex, len int) (correct bool) {
	piece := s.pieces[pieceIndex]
	if piece.isVerified() {
		s.logger.Fatal("storage: piece already verified")
	}
	if !piece.readyForVerification() {
		s.logger.Fatal(ErrNotReadyForVerification)
	}
	return s.hashPiece(pieceIndex, len)
}

func (s *FileStorage) hashPiece(pieceIndex, len int) (correct bool) {
	defer func() {
		piece := s.pieces[pieceIndex]
		if correct {
			piece.markComplete()
		} else {
			piece.markNotComplete()
		}
	}()
	hasher := sha1.New()
	_len := int64(len)
	n, err := io.Copy(hasher, io.NewSectionReader(s, s.pieceOff(pieceIndex), _len))
	if n == _len {
		return compareHashes(hasher.Sum(nil), s.info.PieceHash(pieceIndex))
	}
	if err != nil {
		s.logger.Printf("error hashing piece %d: %v\n", pieceIndex, err)
	}
	return
}

//Flush syncs all opened files to disk.
func (s *FileStorage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, f := range s.files {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("storage: flush %s: %w", name, err)
		}
	}
	return nil
}

//Close flushes and closes all opened files.
func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.files = make(map[string]*os.File)
	return firstErr
}

func compareHashes(a, b []byte) bool {
	if a == nil || b == nil {
		panic("expecting non nil hash")
	}
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
