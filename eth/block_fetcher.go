package eth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/eth2030/eth62/core"
	"github.com/eth2030/eth62/log"
)

// Block fetcher constants.
const (
	// maxAnnounces is the maximum number of pending block announcements.
	maxAnnounces = 256

	// maxPendingFetches is the maximum number of scheduled block fetches.
	maxPendingFetches = 64

	// fetchWorkers is the number of goroutines retrieving blocks.
	fetchWorkers = 4

	// announceExpiry is how long an announcement remains valid.
	announceExpiry = 5 * time.Minute

	// fetchTimeout is the maximum time to wait for a header or body.
	fetchTimeout = 5 * time.Second

	// completedBlocks is the size of the imported-hash cache.
	completedBlocks = 1024
)

// Block fetcher errors.
var (
	ErrAlreadyAnnounced = errors.New("eth: block already announced")
	ErrFetcherStopped   = errors.New("eth: fetcher stopped")
	errFetchMismatch    = errors.New("eth: fetched data does not match announcement")
)

// BlockAnnounce is a block hash announcement from a peer.
type BlockAnnounce struct {
	Hash   common.Hash
	Number uint64
	PeerID string
	Time   time.Time
}

// BlockFetcher retrieves blocks that peers announced by hash only. It
// deduplicates announcements, asks the announcing peer for the header and
// body, checks the body against the header and hands the assembled block
// to the chain.
type BlockFetcher struct {
	chain ChainView
	peers *PeerSet
	log   *log.Logger
	now   func() time.Time

	mu sync.Mutex
	// announced tracks hashes waiting for a fetch slot.
	announced map[common.Hash]*BlockAnnounce
	// fetching tracks hashes handed to the workers.
	fetching map[common.Hash]*BlockAnnounce
	// announceOrder preserves insertion order for eviction.
	announceOrder []common.Hash
	completed     *lru.Cache[common.Hash, struct{}]
	stopped       bool

	queue chan *BlockAnnounce
	quit  chan struct{}
	wg    sync.WaitGroup
}

// NewBlockFetcher creates a fetcher importing into chain and requesting
// from the peers of ps.
func NewBlockFetcher(chain ChainView, ps *PeerSet, logger *log.Logger) *BlockFetcher {
	return &BlockFetcher{
		chain:     chain,
		peers:     ps,
		log:       logger.Module("fetcher"),
		now:       time.Now,
		announced: make(map[common.Hash]*BlockAnnounce),
		fetching:  make(map[common.Hash]*BlockAnnounce),
		completed: lru.NewCache[common.Hash, struct{}](completedBlocks),
		queue:     make(chan *BlockAnnounce, maxPendingFetches),
		quit:      make(chan struct{}),
	}
}

// Start launches the fetch workers and consumes hints until Stop.
func (f *BlockFetcher) Start(hints <-chan core.BlockHint) {
	for i := 0; i < fetchWorkers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	f.wg.Add(1)
	go f.loop(hints)
}

func (f *BlockFetcher) loop(hints <-chan core.BlockHint) {
	defer f.wg.Done()
	for {
		select {
		case hint := <-hints:
			if err := f.Announce(hint.Hash, hint.Number, hint.Peer); err != nil {
				f.log.Trace("Ignoring block announcement", "number", hint.Number, "hash", hint.Hash, "peer", hint.Peer, "err", err)
				continue
			}
			f.schedule()
		case <-f.quit:
			return
		}
	}
}

// Announce registers a block hash announcement from a peer. Blocks already
// in the chain or already imported are ignored.
func (f *BlockFetcher) Announce(hash common.Hash, number uint64, peer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return ErrFetcherStopped
	}
	if f.completed.Contains(hash) {
		return nil
	}
	if f.chain.TotalDifficulty(hash) != nil {
		f.completed.Add(hash, struct{}{})
		return nil
	}
	if _, ok := f.announced[hash]; ok {
		return ErrAlreadyAnnounced
	}
	if _, ok := f.fetching[hash]; ok {
		return ErrAlreadyAnnounced
	}
	if len(f.announced) >= maxAnnounces {
		f.evictOldest()
	}
	f.announced[hash] = &BlockAnnounce{Hash: hash, Number: number, PeerID: peer, Time: f.now()}
	f.announceOrder = append(f.announceOrder, hash)
	return nil
}

// schedule moves announcements into the worker queue, oldest first, while
// fetch slots are free. Stale announcements are dropped.
func (f *BlockFetcher) schedule() {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	rest := f.announceOrder[:0]
	for _, hash := range f.announceOrder {
		ann, ok := f.announced[hash]
		if !ok {
			continue
		}
		if now.Sub(ann.Time) > announceExpiry {
			delete(f.announced, hash)
			continue
		}
		if len(f.fetching) >= maxPendingFetches {
			rest = append(rest, hash)
			continue
		}
		delete(f.announced, hash)
		f.fetching[hash] = ann
		f.queue <- ann
	}
	f.announceOrder = rest
}

func (f *BlockFetcher) worker() {
	defer f.wg.Done()
	for {
		select {
		case ann := <-f.queue:
			err := f.fetch(ann)
			f.finish(ann.Hash, err == nil)
			if err != nil {
				f.log.Debug("Block fetch failed", "number", ann.Number, "hash", ann.Hash, "peer", ann.PeerID, "err", err)
			}
			f.schedule()
		case <-f.quit:
			return
		}
	}
}

// fetch retrieves the header and body of an announced block from the
// announcing peer and imports the block.
func (f *BlockFetcher) fetch(ann *BlockAnnounce) error {
	h := f.peers.Peer(ann.PeerID)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrPeerMissing, ann.PeerID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	go func() {
		select {
		case <-f.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	headers, err := h.RequestHeaders(ctx, HashOrNumber{Hash: ann.Hash}, 1, 0, false)
	if err != nil {
		return err
	}
	if len(headers) != 1 || headers[0].Hash() != ann.Hash {
		return fmt.Errorf("%w: got %d headers", errFetchMismatch, len(headers))
	}
	header := headers[0]

	bodies, err := h.RequestBodies(ctx, []common.Hash{ann.Hash})
	if err != nil {
		return err
	}
	if len(bodies) != 1 || bodies[0] == nil {
		return fmt.Errorf("%w: got %d bodies", errFetchMismatch, len(bodies))
	}
	block, err := assembleBlock(header, bodies[0])
	if err != nil {
		return err
	}
	return f.chain.AddBlock(core.NewBlock(block, nil))
}

// assembleBlock joins a header and body after checking the body's
// transaction and uncle roots against the header.
func assembleBlock(header *types.Header, body *BlockBody) (*types.Block, error) {
	if root := types.DeriveSha(types.Transactions(body.Transactions), trie.NewStackTrie(nil)); root != header.TxHash {
		return nil, fmt.Errorf("%w: tx root %s, header %s", errFetchMismatch, root, header.TxHash)
	}
	if hash := types.CalcUncleHash(body.Uncles); hash != header.UncleHash {
		return nil, fmt.Errorf("%w: uncle hash %s, header %s", errFetchMismatch, hash, header.UncleHash)
	}
	return types.NewBlockWithHeader(header).WithBody(types.Body{
		Transactions: body.Transactions,
		Uncles:       body.Uncles,
	}), nil
}

func (f *BlockFetcher) finish(hash common.Hash, imported bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.fetching, hash)
	if imported {
		f.completed.Add(hash, struct{}{})
	}
}

// evictOldest removes the oldest announcement. Must be called with mu held.
func (f *BlockFetcher) evictOldest() {
	for len(f.announceOrder) > 0 {
		oldest := f.announceOrder[0]
		f.announceOrder = f.announceOrder[1:]
		if _, ok := f.announced[oldest]; ok {
			delete(f.announced, oldest)
			return
		}
	}
}

// PendingCount returns the number of announcements waiting for a slot.
func (f *BlockFetcher) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.announced)
}

// FetchingCount returns the number of blocks being fetched.
func (f *BlockFetcher) FetchingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetching)
}

// IsCompleted reports whether the block was imported or found in the chain.
func (f *BlockFetcher) IsCompleted(hash common.Hash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed.Contains(hash)
}

// Stop terminates the workers. Later announcements fail with
// ErrFetcherStopped. Stop is idempotent.
func (f *BlockFetcher) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	f.mu.Unlock()

	close(f.quit)
	f.wg.Wait()
}
