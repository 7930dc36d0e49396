package core

import (
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// Block is a block together with its total difficulty, when known. Blocks
// decoded off the wire or produced locally carry no total difficulty until
// the chain has scored them or a peer has announced one.
type Block struct {
	*types.Block

	// TD is the cumulative difficulty up to and including this block. Nil
	// means unknown.
	TD *uint256.Int
}

// NewBlock wraps b with the given total difficulty, which may be nil.
func NewBlock(b *types.Block, td *uint256.Int) *Block {
	return &Block{Block: b, TD: td}
}

// TotalDifficulty returns a copy of the total difficulty and whether it is
// known.
func (b *Block) TotalDifficulty() (*uint256.Int, bool) {
	if b.TD == nil {
		return nil, false
	}
	return new(uint256.Int).Set(b.TD), true
}
