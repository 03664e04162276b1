package storage

import "sync"

type piece struct {
	blocks int
	//The blocks of the piece we have written.
	mu          sync.Mutex
	dirtyBlocks map[int64]struct{}
	//true if piece is hashed and result is correct. Protected by `mu`.
	verified bool
}

//reserveOffset claims the block at off for a single write. A second write
//at the same offset, or any write to a verified piece, is refused.
func (p *piece) reserveOffset(off int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.dirtyBlocks[off]; ok || p.verified {
		return false
	}
	p.dirtyBlocks[off] = struct{}{}
	return true
}

func (p *piece) unreserveOffset(off int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.dirtyBlocks, off)
}

func (p *piece) readyForVerification() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dirtyBlocks) == p.blocks
}

func (p *piece) markComplete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verified = true
	p.dirtyBlocks = make(map[int64]struct{})
}

func (p *piece) markNotComplete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verified = false
	p.dirtyBlocks = make(map[int64]struct{})
}

func (p *piece) isVerified() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verified
}
