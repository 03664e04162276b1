package torrent

//pieceHasher verifies completed pieces on its own goroutine so hashing
//doesn't stall the event loop.
type pieceHasher struct {
	t *Torrent
}

func (p *pieceHasher) run() {
	for {
		select {
		case piece := <-p.t.pieceQueuedHashingCh:
			correct := p.t.storage.HashPiece(piece, p.t.pieceLen(uint32(piece)))
			select {
			case p.t.pieceHashedCh <- pieceHashed{pieceIndex: piece, ok: correct}:
			case <-p.t.closed:
				return
			}
		case <-p.t.closed:
			return
		}
	}
}
