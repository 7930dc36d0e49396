// Package core provides the chain view served to eth62 peers: a header and
// body store on top of go-ethereum's rawdb schema, total difficulty
// tracking, canonical head selection and block hint buffering. It performs
// no execution or consensus validation.
package core

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/event"
	"github.com/holiman/uint256"

	"github.com/eth2030/eth62/log"
)

var (
	ErrNoGenesis       = errors.New("chain: genesis block not provided")
	ErrGenesisMismatch = errors.New("chain: database holds a different genesis")
	ErrUnknownParent   = errors.New("chain: unknown parent")
	ErrInvalidNumber   = errors.New("chain: block number does not follow parent")
	ErrNoDifficulty    = errors.New("chain: header without difficulty")
)

// maxHeaderQuery bounds a single FindHeaders walk.
const maxHeaderQuery = 4096

// hintBufferSize is how many unconsumed block hints are kept before new
// ones are dropped.
const hintBufferSize = 256

// ChainHeadEvent is posted when the canonical head changes.
type ChainHeadEvent struct {
	Block *Block
}

// BlockHint is a hash-only block announcement received from a peer.
type BlockHint struct {
	Hash   common.Hash
	Number uint64
	Peer   string
}

// BlockChain stores headers and bodies, selects the heaviest chain as
// canonical, and answers the lookups peers make over eth62. Only the
// canonical chain is restored when reopening a persistent database.
type BlockChain struct {
	db      ethdb.Database
	chainID uint64
	log     *log.Logger

	mu      sync.RWMutex
	genesis *types.Header
	head    *types.Header
	numbers map[common.Hash]uint64
	tds     map[common.Hash]*uint256.Int

	headFeed event.Feed
	scope    event.SubscriptionScope
	hints    chan BlockHint
}

// NewBlockChain opens a chain over db. An empty database is initialised with
// genesis; a populated one must have been initialised with the same genesis.
func NewBlockChain(db ethdb.Database, chainID uint64, genesis *types.Block) (*BlockChain, error) {
	if genesis == nil {
		return nil, ErrNoGenesis
	}
	if genesis.Difficulty() == nil {
		return nil, ErrNoDifficulty
	}
	bc := &BlockChain{
		db:      db,
		chainID: chainID,
		log:     log.Default().Module("chain"),
		genesis: genesis.Header(),
		numbers: make(map[common.Hash]uint64),
		tds:     make(map[common.Hash]*uint256.Int),
		hints:   make(chan BlockHint, hintBufferSize),
	}

	stored := rawdb.ReadCanonicalHash(db, 0)
	switch {
	case stored == (common.Hash{}):
		batch := db.NewBatch()
		rawdb.WriteBlock(batch, genesis)
		rawdb.WriteCanonicalHash(batch, genesis.Hash(), 0)
		rawdb.WriteHeadHeaderHash(batch, genesis.Hash())
		rawdb.WriteHeadBlockHash(batch, genesis.Hash())
		if err := batch.Write(); err != nil {
			return nil, fmt.Errorf("chain: write genesis: %w", err)
		}
	case stored != genesis.Hash():
		return nil, fmt.Errorf("%w: have %s, want %s", ErrGenesisMismatch, stored, genesis.Hash())
	}
	if err := bc.loadCanonical(); err != nil {
		return nil, err
	}
	bc.log.Info("Chain initialised", "chainid", chainID, "genesis", bc.genesis.Hash(),
		"head", bc.head.Number, "hash", bc.head.Hash())
	return bc, nil
}

// loadCanonical rebuilds the in-memory number and difficulty indexes by
// walking the canonical chain from genesis.
func (bc *BlockChain) loadCanonical() error {
	td := new(uint256.Int)
	for n := uint64(0); ; n++ {
		hash := rawdb.ReadCanonicalHash(bc.db, n)
		if hash == (common.Hash{}) {
			break
		}
		header := rawdb.ReadHeader(bc.db, hash, n)
		if header == nil {
			return fmt.Errorf("chain: missing canonical header %d (%s)", n, hash)
		}
		diff, overflow := uint256.FromBig(header.Difficulty)
		if overflow {
			return fmt.Errorf("chain: difficulty overflow at %d", n)
		}
		td = new(uint256.Int).Add(td, diff)
		bc.numbers[hash] = n
		bc.tds[hash] = td
		bc.head = header
	}
	return nil
}

// ChainID returns the network identifier exchanged in the handshake.
func (bc *BlockChain) ChainID() uint64 { return bc.chainID }

// Genesis returns the genesis header.
func (bc *BlockChain) Genesis() *types.Header { return bc.genesis }

// Head returns the canonical head header.
func (bc *BlockChain) Head() *types.Header {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.head
}

// CurrentBlock returns the canonical head with its total difficulty.
func (bc *BlockChain) CurrentBlock() *Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	hash := bc.head.Hash()
	return NewBlock(rawdb.ReadBlock(bc.db, hash, bc.head.Number.Uint64()), new(uint256.Int).Set(bc.tds[hash]))
}

// TotalDifficulty returns the total difficulty of a known block, or nil.
func (bc *BlockChain) TotalDifficulty(hash common.Hash) *uint256.Int {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if td, ok := bc.tds[hash]; ok {
		return new(uint256.Int).Set(td)
	}
	return nil
}

// HasBlock reports whether the block is stored, canonical or not.
func (bc *BlockChain) HasBlock(hash common.Hash) bool {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	_, ok := bc.numbers[hash]
	return ok
}

// FindHash returns the canonical hash at number.
func (bc *BlockChain) FindHash(number uint64) (common.Hash, bool) {
	hash := rawdb.ReadCanonicalHash(bc.db, number)
	return hash, hash != (common.Hash{})
}

// FindHeader returns a stored header by hash, or nil.
func (bc *BlockChain) FindHeader(hash common.Hash) *types.Header {
	bc.mu.RLock()
	number, ok := bc.numbers[hash]
	bc.mu.RUnlock()
	if !ok {
		return nil
	}
	return rawdb.ReadHeader(bc.db, hash, number)
}

// FindBlock returns a stored block by hash, or nil.
func (bc *BlockChain) FindBlock(hash common.Hash) *types.Block {
	bc.mu.RLock()
	number, ok := bc.numbers[hash]
	bc.mu.RUnlock()
	if !ok {
		return nil
	}
	return rawdb.ReadBlock(bc.db, hash, number)
}

// FindHeaders returns amount slots starting at start and stepping skip+1
// canonical numbers per slot, descending when reverse is set. Slots past the
// tip, below genesis or missing from the database are left nil, so the
// result always has length amount (capped at maxHeaderQuery).
func (bc *BlockChain) FindHeaders(start common.Hash, amount int, skip uint64, reverse bool) []*types.Header {
	if amount <= 0 {
		return nil
	}
	if amount > maxHeaderQuery {
		amount = maxHeaderQuery
	}
	headers := make([]*types.Header, amount)

	bc.mu.RLock()
	number, ok := bc.numbers[start]
	bc.mu.RUnlock()
	if !ok {
		return headers
	}
	headers[0] = rawdb.ReadHeader(bc.db, start, number)

	step := skip + 1
	if step == 0 {
		// skip == MaxUint64, every further slot is out of range
		return headers
	}
	for i := 1; i < amount; i++ {
		var next uint64
		if reverse {
			if number < step {
				break
			}
			next = number - step
		} else {
			next = number + step
			if next < number {
				break
			}
		}
		number = next
		hash := rawdb.ReadCanonicalHash(bc.db, number)
		if hash == (common.Hash{}) {
			if !reverse {
				break
			}
			continue
		}
		headers[i] = rawdb.ReadHeader(bc.db, hash, number)
	}
	return headers
}

// AddBlock stores a block whose parent is known and makes it the canonical
// head if it carries more total difficulty than the current head. Known
// blocks are ignored. An announced total difficulty that disagrees with the
// locally computed one is logged and the local value wins.
func (bc *BlockChain) AddBlock(block *Block) error {
	if block == nil || block.Block == nil {
		return errors.New("chain: nil block")
	}
	if block.Difficulty() == nil {
		return ErrNoDifficulty
	}
	hash := block.Hash()

	bc.mu.Lock()
	if _, known := bc.numbers[hash]; known {
		bc.mu.Unlock()
		return nil
	}
	parentNumber, ok := bc.numbers[block.ParentHash()]
	if !ok {
		bc.mu.Unlock()
		return fmt.Errorf("%w: block %d (%s) parent %s", ErrUnknownParent, block.NumberU64(), hash, block.ParentHash())
	}
	if block.NumberU64() != parentNumber+1 {
		bc.mu.Unlock()
		return fmt.Errorf("%w: block %d, parent %d", ErrInvalidNumber, block.NumberU64(), parentNumber)
	}
	diff, overflow := uint256.FromBig(block.Difficulty())
	if overflow {
		bc.mu.Unlock()
		return fmt.Errorf("chain: difficulty overflow in block %s", hash)
	}
	td := new(uint256.Int).Add(bc.tds[block.ParentHash()], diff)
	if block.TD != nil && !block.TD.Eq(td) {
		bc.log.Debug("Announced total difficulty differs", "number", block.NumberU64(), "hash", hash,
			"announced", block.TD, "local", td)
	}

	batch := bc.db.NewBatch()
	rawdb.WriteBlock(batch, block.Block)

	headTD := bc.tds[bc.head.Hash()]
	newHead := td.Gt(headTD)
	if newHead {
		bc.setCanonical(batch, block.Header())
		rawdb.WriteHeadHeaderHash(batch, hash)
		rawdb.WriteHeadBlockHash(batch, hash)
	}
	if err := batch.Write(); err != nil {
		bc.mu.Unlock()
		return fmt.Errorf("chain: write block %d: %w", block.NumberU64(), err)
	}
	bc.numbers[hash] = block.NumberU64()
	bc.tds[hash] = td
	if newHead {
		bc.head = block.Header()
	}
	bc.mu.Unlock()

	if newHead {
		bc.log.Debug("New chain head", "number", block.NumberU64(), "hash", hash, "td", td)
		bc.headFeed.Send(ChainHeadEvent{Block: NewBlock(block.Block, new(uint256.Int).Set(td))})
	}
	return nil
}

// setCanonical rewrites the canonical number index so that header becomes
// the tip, walking back until it meets the old canonical chain. Must be
// called with mu held.
func (bc *BlockChain) setCanonical(batch ethdb.Batch, header *types.Header) {
	newNumber := header.Number.Uint64()
	for n := newNumber + 1; n <= bc.head.Number.Uint64(); n++ {
		rawdb.DeleteCanonicalHash(batch, n)
	}
	for h := header; h != nil; {
		n := h.Number.Uint64()
		if rawdb.ReadCanonicalHash(bc.db, n) == h.Hash() {
			break
		}
		rawdb.WriteCanonicalHash(batch, h.Hash(), n)
		if n == 0 {
			break
		}
		h = rawdb.ReadHeader(bc.db, h.ParentHash, n-1)
	}
}

// HintBlock records a hash hint for the sync layer. It never blocks: hints
// arriving while the buffer is full are dropped.
func (bc *BlockChain) HintBlock(hash common.Hash, number uint64, peer string) {
	select {
	case bc.hints <- BlockHint{Hash: hash, Number: number, Peer: peer}:
	default:
		bc.log.Trace("Dropping block hint", "number", number, "hash", hash, "peer", peer)
	}
}

// Hints returns the channel on which block hints are delivered.
func (bc *BlockChain) Hints() <-chan BlockHint { return bc.hints }

// SubscribeChainHeadEvent registers a subscription for canonical head
// changes. The channel should be buffered; sends block AddBlock callers.
func (bc *BlockChain) SubscribeChainHeadEvent(ch chan<- ChainHeadEvent) event.Subscription {
	return bc.scope.Track(bc.headFeed.Subscribe(ch))
}

// Stop terminates all head subscriptions.
func (bc *BlockChain) Stop() {
	bc.scope.Close()
}

// difficultyOf returns a header's difficulty as a uint256, treating a nil
// or overflowing difficulty as zero.
func difficultyOf(h *types.Header) *uint256.Int {
	if h == nil || h.Difficulty == nil {
		return new(uint256.Int)
	}
	d, overflow := uint256.FromBig(h.Difficulty)
	if overflow {
		return new(uint256.Int)
	}
	return d
}

// HeadTotalDifficulty returns the head's total difficulty, falling back to
// the head's own difficulty if the chain has not scored it.
func HeadTotalDifficulty(view interface {
	TotalDifficulty(common.Hash) *uint256.Int
}, head *types.Header) *uint256.Int {
	if td := view.TotalDifficulty(head.Hash()); td != nil {
		return td
	}
	return difficultyOf(head)
}
