package torrent

//Stats contains transfer statistics of a Torrent.
type Stats struct {
	//bytes of verified or in-verification blocks we have downloaded
	BytesDownloaded int
	//bytes we have uploaded
	BytesUploaded int
	//bytes remaining until all pieces are verified
	BytesLeft int
}

func (s *Stats) blockDownloaded(len int) {
	s.BytesDownloaded += len
}

func (s *Stats) blockUploaded(len int) {
	s.BytesUploaded += len
}

func (s *Stats) onPieceDownload(pieceLen int) {
	s.BytesLeft -= pieceLen
}
