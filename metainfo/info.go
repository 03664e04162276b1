package metainfo

import (
	"errors"
	"fmt"
	"path/filepath"
)

//InfoDict is the torrent's info dictionary. Exactly one of Len and Files
//is set (single-file vs multi-file mode).
type InfoDict struct {
	Files    []File `bencode:"files,omitempty"`
	Len      int64  `bencode:"length,omitempty"`
	Name     string `bencode:"name"`
	PieceLen int    `bencode:"piece length"`
	Pieces   []byte `bencode:"pieces"`
	Private  int    `bencode:"private,omitempty"`
	//Hash is the sha1 of the bencoded info dict, filled at parse time.
	Hash [20]byte `bencode:"-"`
}

//File describes one file of a multi-file torrent. Path elements are the
//relative directory components, last one being the file name.
type File struct {
	Len  int64    `bencode:"length"`
	Path []string `bencode:"path"`
}

//FileInfo is the flattened view storage works with.
type FileInfo struct {
	Len  int64
	Path string
}

func (info *InfoDict) validate() error {
	if info.Name == "" {
		return errors.New("info: empty name")
	}
	if info.PieceLen <= 0 {
		return fmt.Errorf("info: non positive piece length %d", info.PieceLen)
	}
	if len(info.Pieces)%20 != 0 {
		return fmt.Errorf("info: pieces length %d is not a multiple of 20", len(info.Pieces))
	}
	if (info.Len > 0) == (len(info.Files) > 0) {
		return errors.New("info: exactly one of length and files must be present")
	}
	total := info.TotalLength()
	if total <= 0 {
		return errors.New("info: non positive total length")
	}
	want := int((total + int64(info.PieceLen) - 1) / int64(info.PieceLen))
	if info.NumPieces() != want {
		return fmt.Errorf("info: have hashes for %d pieces, total length implies %d", info.NumPieces(), want)
	}
	return nil
}

//TotalLength is the sum of the lengths of all files of the torrent.
func (info *InfoDict) TotalLength() (total int64) {
	if len(info.Files) == 0 {
		return info.Len
	}
	for _, f := range info.Files {
		total += f.Len
	}
	return
}

func (info *InfoDict) NumPieces() int {
	return len(info.Pieces) / 20
}

//PieceHash returns the expected sha1 digest of piece i.
func (info *InfoDict) PieceHash(i int) []byte {
	return info.Pieces[i*20 : (i+1)*20]
}

//PieceLength returns the length of piece i, which is smaller than PieceLen
//for the last piece of an unaligned torrent.
func (info *InfoDict) PieceLength(i int) int {
	if i == info.NumPieces()-1 {
		if rem := int(info.TotalLength() % int64(info.PieceLen)); rem != 0 {
			return rem
		}
	}
	return info.PieceLen
}

//FilesInfo flattens the torrent's files into disk-relative paths. In
//single-file mode the torrent's name is the file name, in multi-file mode
//it is the root directory.
func (info *InfoDict) FilesInfo() []FileInfo {
	if len(info.Files) == 0 {
		return []FileInfo{{Len: info.Len, Path: info.Name}}
	}
	fis := make([]FileInfo, 0, len(info.Files))
	for _, f := range info.Files {
		parts := append([]string{info.Name}, f.Path...)
		fis = append(fis, FileInfo{Len: f.Len, Path: filepath.Join(parts...)})
	}
	return fis
}
