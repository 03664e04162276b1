package torrent

import (
	"sort"

	"github.com/anacrolix/missinggo/bitmap"
)

//pieces is the Torrent's piece store. It is owned by the Torrent's event
//loop, no synchronization happens here.
type pieces struct {
	t   *Torrent
	pcs []*piece
	//scratch slice reused by getRequests for prioritization
	prioritizedPcs []*piece
	//which pieces have been downloaded and verified
	ownedPieces bitmap.Bitmap
	//compares two pieces that both have all blocks unrequested
	piecePickStrategy func(p1, p2 *piece) bool
	//requests are handed out only after the download has been enabled
	downloadEnabled bool
	//in endgame all remaining blocks may be requested from several conns
	endgame bool
	//which conns hold requests for a block. Drives endgame cancellation and
	//requeueing after a conn drops.
	assignments map[block]map[*connInfo]struct{}
}

func newPieces(t *Torrent) *pieces {
	numPieces := t.numPieces()
	pcs := make([]*piece, numPieces)
	for i := 0; i < numPieces; i++ {
		pcs[i] = newPiece(t, i)
	}
	return &pieces{
		t:                 t,
		pcs:               pcs,
		piecePickStrategy: lessByRarity,
		assignments:       make(map[block]map[*connInfo]struct{}),
	}
}

//rarest first. Ties are broken by the lowest index so the selection is
//deterministic for a given availability state.
func lessByRarity(p1, p2 *piece) bool {
	if p1.rarity != p2.rarity {
		return p1.rarity < p2.rarity
	}
	return p1.index < p2.index
}

func (p *pieces) valid(i int) bool {
	return i >= 0 && i < len(p.pcs)
}

func (p *pieces) setDownloadAllowed() {
	p.downloadEnabled = true
}

//getRequests fills reqs with blocks to be requested from a peer owning the
//pieces in peerBf, in priority order, and returns how many were filled.
//Pieces close to completion come first so they can be verified (and
//re-shared) sooner, then the rarest. Outside endgame the handed out blocks
//become pending; in endgame they stay unrequested so several conns may
//request the same block.
func (p *pieces) getRequests(peerBf bitmap.Bitmap, reqs []block) (n int) {
	if !p.downloadEnabled || len(reqs) == 0 {
		return 0
	}
	p.prioritizedPcs = p.prioritizedPcs[:0]
	peerBf.IterTyped(func(i int) bool {
		if !p.valid(i) {
			return true
		}
		piece := p.pcs[i]
		if piece.verified || piece.complete() {
			return true
		}
		if piece.hasUnrequestedBlocks() || piece.hasPendingBlocks() {
			p.prioritizedPcs = append(p.prioritizedPcs, piece)
		}
		return true
	})
	sort.SliceStable(p.prioritizedPcs, func(i, j int) bool {
		return p.lessByPriority(p.prioritizedPcs[i], p.prioritizedPcs[j])
	})
	for _, piece := range p.prioritizedPcs {
		for _, off := range piece.unrequestedBlocks.ToSortedSlice() {
			if n == len(reqs) {
				return
			}
			reqs[n] = piece.toBlock(off)
			n++
			if !p.endgame {
				piece.makeBlockPending(off)
			}
		}
	}
	return
}

func (p *pieces) lessByPriority(p1, p2 *piece) bool {
	//pieces without unrequested blocks can't contribute requests, they are
	//kept only so callers can inspect the full ordering
	u1, u2 := p1.hasUnrequestedBlocks(), p2.hasUnrequestedBlocks()
	if u1 != u2 {
		return u1
	}
	if p1.allBlocksUnrequested() && p2.allBlocksUnrequested() {
		return p.piecePickStrategy(p1, p2)
	}
	return p1.completeness() > p2.completeness()
}

//markAssigned records that cn holds requests for bls.
func (p *pieces) markAssigned(cn *connInfo, bls []block) {
	for _, bl := range bls {
		holders, ok := p.assignments[bl]
		if !ok {
			holders = make(map[*connInfo]struct{})
			p.assignments[bl] = holders
		}
		holders[cn] = struct{}{}
	}
}

//discardRequests returns pending blocks to the unrequested state (a conn
//gave up on them).
func (p *pieces) discardRequests(bls []block) {
	for _, bl := range bls {
		if !p.valid(bl.pc) {
			continue
		}
		if p.pcs[bl.pc].pendingGet(bl.off) {
			p.pcs[bl.pc].makeBlockUnrequested(bl.off)
		}
	}
}

//unassign removes cn from the holders of bls. Blocks left with no holder
//are discarded (made requestable again).
func (p *pieces) unassign(cn *connInfo, bls []block) {
	var orphans []block
	for _, bl := range bls {
		holders, ok := p.assignments[bl]
		if !ok {
			continue
		}
		delete(holders, cn)
		if len(holders) == 0 {
			delete(p.assignments, bl)
			orphans = append(orphans, bl)
		}
	}
	p.discardRequests(orphans)
}

//unassignAll requeues every block cn held requests for. Called when a conn
//drops.
func (p *pieces) unassignAll(cn *connInfo) (requeued int) {
	var bls []block
	for bl, holders := range p.assignments {
		if _, ok := holders[cn]; ok {
			bls = append(bls, bl)
		}
	}
	p.unassign(cn, bls)
	return len(bls)
}

//makeBlockComplete marks the block at (i,off), downloaded by cn, as
//complete. Duplicate deliveries (endgame races) are ignored. Other conns
//holding requests for the block are told to cancel them. When the last
//block of a piece completes the piece is queued for verification.
func (p *pieces) makeBlockComplete(i, off int, cn *connInfo) {
	piece := p.pcs[i]
	if piece.completeBlocks.Get(off) {
		//another conn delivered this block first
		p.t.cl.counters.duplicateBlocks.Inc()
		return
	}
	piece.makeBlockComplete(off)
	piece.addContributor(cn)
	bl := piece.toBlock(off)
	if holders, ok := p.assignments[bl]; ok {
		for other := range holders {
			if other != cn {
				other.sendCommand(cancelBlocks([]block{bl}))
			}
		}
		delete(p.assignments, bl)
	}
	if piece.complete() {
		p.t.queuePieceForHashing(i)
	}
	if !p.endgame && p.downloadEnabled && p.shouldEnterEndgame() {
		p.setupEndgame()
		p.t.broadcastToConns(requestsAvailable{})
	}
}

//endgame starts when every block of the torrent has been requested and
//some pieces are still missing.
func (p *pieces) shouldEnterEndgame() bool {
	if p.allVerified() {
		return false
	}
	return !p.hasUnrequestedBlocks()
}

//setupEndgame makes all pending blocks requestable again while keeping
//their assignments, so the remaining blocks can be requested from every
//peer that has them.
func (p *pieces) setupEndgame() {
	for _, piece := range p.pcs {
		if piece.verified {
			continue
		}
		for _, off := range piece.pendingBlocks.ToSortedSlice() {
			piece.makeBlockUnrequested(off)
		}
	}
	p.endgame = true
}

func (p *pieces) pieceSuccesfullyVerified(i int) {
	piece := p.pcs[i]
	piece.verified = true
	piece.contributors = nil
	p.ownedPieces.Set(i, true)
}

//pieceVerificationFailed returns all of the piece's blocks to the
//unrequested state so they get downloaded again.
func (p *pieces) pieceVerificationFailed(i int) {
	piece := p.pcs[i]
	if piece.verified {
		panic("pieces: verification failed on verified piece")
	}
	piece.reset()
	for bl := range p.assignments {
		if bl.pc == i {
			delete(p.assignments, bl)
		}
	}
}

func (p *pieces) hasUnrequestedBlocks() bool {
	for _, piece := range p.pcs {
		if piece.verified {
			continue
		}
		if piece.hasUnrequestedBlocks() {
			return true
		}
	}
	return false
}

func (p *pieces) allVerified() bool {
	return p.ownedPieces.Len() == len(p.pcs)
}

//blocks returns how many blocks each piece has. Storage needs this at open
//time.
func (p *pieces) blocks() []int {
	blocks := make([]int, len(p.pcs))
	for i, piece := range p.pcs {
		blocks[i] = piece.blocks
	}
	return blocks
}

//markPieceResumed marks a piece that storage verified at open time as
//complete without downloading it.
func (p *pieces) markPieceResumed(i int) {
	piece := p.pcs[i]
	piece.unrequestedBlocks, piece.completeBlocks = piece.completeBlocks, piece.unrequestedBlocks
	p.pieceSuccesfullyVerified(i)
}
