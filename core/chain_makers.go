package core

import (
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// GenesisDifficulty is the difficulty of the default genesis and of blocks
// produced by MakeChain.
const GenesisDifficulty = 131072

// DefaultGenesisBlock returns the genesis block the node starts from when no
// other genesis is configured.
func DefaultGenesisBlock() *types.Block {
	return types.NewBlockWithHeader(&types.Header{
		Number:      big.NewInt(0),
		Difficulty:  big.NewInt(GenesisDifficulty),
		GasLimit:    5000,
		Extra:       []byte("eth62"),
		Root:        types.EmptyRootHash,
		TxHash:      types.EmptyTxsHash,
		ReceiptHash: types.EmptyReceiptsHash,
		UncleHash:   types.EmptyUncleHash,
	})
}

// MakeChain builds n empty blocks on top of parent. Chains built from the
// same parent with different seeds fork from each other.
func MakeChain(parent *types.Block, n int, seed byte) []*types.Block {
	blocks := make([]*types.Block, 0, n)
	for i := 0; i < n; i++ {
		header := &types.Header{
			ParentHash:  parent.Hash(),
			Number:      new(big.Int).Add(parent.Number(), big.NewInt(1)),
			Difficulty:  big.NewInt(GenesisDifficulty),
			GasLimit:    parent.GasLimit(),
			Time:        parent.Time() + 12,
			Extra:       []byte{seed},
			Root:        types.EmptyRootHash,
			TxHash:      types.EmptyTxsHash,
			ReceiptHash: types.EmptyReceiptsHash,
			UncleHash:   types.EmptyUncleHash,
		}
		block := types.NewBlockWithHeader(header)
		blocks = append(blocks, block)
		parent = block
	}
	return blocks
}
