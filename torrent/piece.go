package torrent

import (
	"errors"

	"github.com/anacrolix/missinggo/bitmap"
	"github.com/mkatsoulis/exa-torrent/peer_wire"
)

//block is the unit of transfer between peers. `pc` is the piece index, `off`
//the byte offset within the piece and `len` the block's length.
type block struct {
	pc  int
	off int
	len int
}

func (b *block) reqMsg() *peer_wire.Msg {
	return &peer_wire.Msg{
		Kind:  peer_wire.Request,
		Index: uint32(b.pc),
		Begin: uint32(b.off),
		Len:   uint32(b.len),
	}
}

func (b *block) cancelMsg() *peer_wire.Msg {
	msg := b.reqMsg()
	msg.Kind = peer_wire.Cancel
	return msg
}

func reqMsgToBlock(msg *peer_wire.Msg) block {
	return block{
		pc:  int(msg.Index),
		off: int(msg.Begin),
		len: int(msg.Len),
	}
}

//piece is constructed and managed entirely by the Torrent's event loop.
//Blocks can be at three states and each block lies on a single state at
//each time. All blocks are initially unrequested. When a block request is
//handed to a conn the block becomes pending, and complete once downloaded.
//If a conn gives up on requests, they go back to the unrequested state.
//At all times this holds:
//unrequestedBlocks.Len()+pendingBlocks.Len()+completeBlocks.Len() == blocks
type piece struct {
	t     *Torrent
	index int
	//num of blocks
	blocks       int
	lastBlockLen int
	//how many connected peers have this piece
	rarity int
	//piece was hashed and the digest was the expected one
	verified bool
	//conns that contributed blocks to the current assembly of the piece
	contributors []*connInfo
	//the three states, keyed by block offset within the piece
	unrequestedBlocks bitmap.Bitmap
	pendingBlocks     bitmap.Bitmap
	completeBlocks    bitmap.Bitmap
}

func newPiece(t *Torrent, i int) *piece {
	blockSz := t.blockRequestSize
	pieceLen := t.pieceLen(uint32(i))
	lastBlockLen := pieceLen % blockSz
	var extra int
	if lastBlockLen != 0 {
		extra = 1
	} else {
		lastBlockLen = blockSz
	}
	blocks := pieceLen/blockSz + extra
	//set all blocks to unrequested
	var unrequestedBlocks bitmap.Bitmap
	for j := 0; j < blocks; j++ {
		unrequestedBlocks.Set(j*blockSz, true)
	}
	return &piece{
		t:                 t,
		index:             i,
		unrequestedBlocks: unrequestedBlocks,
		blocks:            blocks,
		lastBlockLen:      lastBlockLen,
	}
}

//length of the block at offset off
func (p *piece) blockLen(off int) int {
	if off/p.t.blockRequestSize == p.blocks-1 {
		return p.lastBlockLen
	}
	return p.t.blockRequestSize
}

var errLargeOffset = errors.New("offset too big")
var errDivOffset = errors.New("offset remainder with block size is not zero")

//like blockLen but returns an error instead of garbage for offsets that
//don't belong to our block grid.
func (p *piece) blockLenSafe(off int) (int, error) {
	blockSz := p.t.blockRequestSize
	if off%blockSz != 0 {
		return 0, errDivOffset
	}
	switch bl := off / blockSz; {
	case bl == p.blocks-1:
		return p.lastBlockLen, nil
	case bl < p.blocks-1:
		return blockSz, nil
	default:
		return 0, errLargeOffset
	}
}

func (p *piece) toBlock(off int) block {
	return block{
		pc:  p.index,
		off: off,
		len: p.blockLen(off),
	}
}

func (p *piece) allBlocksUnrequested() bool {
	return p.unrequestedBlocks.Len() == p.blocks
}

func (p *piece) hasUnrequestedBlocks() bool {
	return p.unrequestedBlocks.Len() > 0
}

func (p *piece) hasPendingBlocks() bool {
	return p.pendingBlocks.Len() > 0
}

func (p *piece) pendingGet(off int) bool {
	return p.pendingBlocks.Get(off)
}

func (p *piece) complete() bool {
	return p.completeBlocks.Len() == p.blocks
}

//how advanced the piece's assembly is. Used for piece prioritization.
func (p *piece) completeness() int {
	return p.completeBlocks.Len() + p.pendingBlocks.Len() - p.unrequestedBlocks.Len()
}

func (p *piece) unrequestedBlocksSlc(limit int) (blocks []block) {
	count := 0
	p.unrequestedBlocks.IterTyped(func(off int) bool {
		if count < limit {
			blocks = append(blocks, p.toBlock(off))
			count++
			return true
		}
		return false
	})
	return
}

func changeBlockState(curr, new *bitmap.Bitmap, off int) {
	if !curr.Get(off) {
		panic("piece: expected to find block here")
	}
	curr.Set(off, false)
	if new.Get(off) {
		panic("piece: didn't expect to find block here")
	}
	new.Set(off, true)
}

func (p *piece) makeBlockPending(off int) {
	changeBlockState(&p.unrequestedBlocks, &p.pendingBlocks, off)
}

//assume block was in pending before
func (p *piece) makeBlockUnrequested(off int) {
	changeBlockState(&p.pendingBlocks, &p.unrequestedBlocks, off)
}

//the block may come from pending (usual case) or unrequested (endgame,
//where handed out blocks stay unrequested so multiple conns can hold them).
func (p *piece) makeBlockComplete(off int) {
	if p.pendingBlocks.Get(off) {
		changeBlockState(&p.pendingBlocks, &p.completeBlocks, off)
	} else {
		changeBlockState(&p.unrequestedBlocks, &p.completeBlocks, off)
	}
}

func (p *piece) addContributor(cn *connInfo) {
	for _, c := range p.contributors {
		if c == cn {
			return
		}
	}
	p.contributors = append(p.contributors, cn)
}

//verification failed, all blocks have to be downloaded again
func (p *piece) reset() {
	p.unrequestedBlocks = bitmap.Bitmap{}
	p.pendingBlocks = bitmap.Bitmap{}
	p.completeBlocks = bitmap.Bitmap{}
	blockSz := p.t.blockRequestSize
	for j := 0; j < p.blocks; j++ {
		p.unrequestedBlocks.Set(j*blockSz, true)
	}
	p.contributors = nil
}
