//Package metainfo parses and validates .torrent files.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/zeebo/bencode"
)

//MetaInfo is the parsed form of a .torrent file.
type MetaInfo struct {
	Announce     string
	AnnounceList [][]string
	Comment      string
	CreatedBy    string
	CreationDate int64
	Encoding     string
	Info         *InfoDict
}

//metaFile mirrors the bencoded layout of a .torrent file. Info is kept
//raw so we can hash the exact bytes the file carries.
type metaFile struct {
	Announce     string             `bencode:"announce,omitempty"`
	AnnounceList [][]string         `bencode:"announce-list,omitempty"`
	Comment      string             `bencode:"comment,omitempty"`
	CreatedBy    string             `bencode:"created by,omitempty"`
	CreationDate int64              `bencode:"creation date,omitempty"`
	Encoding     string             `bencode:"encoding,omitempty"`
	Info         bencode.RawMessage `bencode:"info"`
}

//LoadMetainfoFile reads and parses the .torrent file at path.
func LoadMetainfoFile(path string) (*MetaInfo, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load metainfo: %w", err)
	}
	return Parse(data)
}

//Parse decodes a bencoded .torrent file and validates its info dictionary.
//Malformed metainfo is unrecoverable so callers should abort the torrent.
func Parse(data []byte) (*MetaInfo, error) {
	var mf metaFile
	if err := bencode.DecodeBytes(data, &mf); err != nil {
		return nil, fmt.Errorf("parse metainfo: %w", err)
	}
	if len(mf.Info) == 0 {
		return nil, errors.New("parse metainfo: no info dictionary")
	}
	info := new(InfoDict)
	if err := bencode.DecodeBytes(mf.Info, info); err != nil {
		return nil, fmt.Errorf("parse metainfo: info dict: %w", err)
	}
	info.Hash = sha1.Sum(mf.Info)
	if err := info.validate(); err != nil {
		return nil, fmt.Errorf("parse metainfo: %w", err)
	}
	return &MetaInfo{
		Announce:     mf.Announce,
		AnnounceList: mf.AnnounceList,
		Comment:      mf.Comment,
		CreatedBy:    mf.CreatedBy,
		CreationDate: mf.CreationDate,
		Encoding:     mf.Encoding,
		Info:         info,
	}, nil
}

//NewFromInfo builds a MetaInfo around an already assembled info dictionary,
//computing its hash. Useful for torrent creation and tests.
func NewFromInfo(announce string, info *InfoDict) (*MetaInfo, error) {
	raw, err := bencode.EncodeBytes(info)
	if err != nil {
		return nil, fmt.Errorf("new metainfo: %w", err)
	}
	info.Hash = sha1.Sum(raw)
	if err := info.validate(); err != nil {
		return nil, fmt.Errorf("new metainfo: %w", err)
	}
	return &MetaInfo{
		Announce: announce,
		Info:     info,
	}, nil
}

//Write serializes mi as a .torrent file.
func (mi *MetaInfo) Write(w io.Writer) error {
	raw, err := bencode.EncodeBytes(mi.Info)
	if err != nil {
		return fmt.Errorf("write metainfo: %w", err)
	}
	data, err := bencode.EncodeBytes(&metaFile{
		Announce:     mi.Announce,
		AnnounceList: mi.AnnounceList,
		Comment:      mi.Comment,
		CreatedBy:    mi.CreatedBy,
		CreationDate: mi.CreationDate,
		Encoding:     mi.Encoding,
		Info:         raw,
	})
	if err != nil {
		return fmt.Errorf("write metainfo: %w", err)
	}
	if _, err = w.Write(data); err != nil {
		return fmt.Errorf("write metainfo: %w", err)
	}
	return nil
}

//CreateTorrentFile writes mi at path.
func (mi *MetaInfo) CreateTorrentFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create torrent file: %w", err)
	}
	defer f.Close()
	return mi.Write(f)
}
