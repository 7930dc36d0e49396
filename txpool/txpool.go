// Package txpool holds transactions received from peers. It checks
// signatures, replay protection and price, and reports a Result per
// transaction so the eth62 handler can track how many a peer sent that were
// not accepted. There is no account state: nonces are only used to order a
// sender's transactions and to detect replacements.
package txpool

import (
	"errors"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/eth2030/eth62/log"
)

// Pool constants.
const (
	// PriceBump is the minimum gas price bump percentage for replace-by-fee.
	PriceBump = 10

	// MaxPoolSize is the default maximum number of transactions held.
	MaxPoolSize = 4096

	// MaxPerSender is the default maximum number of transactions per sender.
	MaxPerSender = 16

	// MaxTxSize is the maximum allowed encoded transaction size (128KB).
	MaxTxSize = 128 * 1024
)

var (
	ErrAlreadyKnown           = errors.New("already known")
	ErrNilTransaction         = errors.New("nil transaction")
	ErrChainIDMismatch        = errors.New("chain id mismatch")
	ErrUnprotected            = errors.New("unprotected transaction")
	ErrInvalidSender          = errors.New("invalid sender")
	ErrOversizedData          = errors.New("oversized data")
	ErrNegativeValue          = errors.New("negative value")
	ErrUnderpriced            = errors.New("transaction underpriced")
	ErrReplacementUnderpriced = errors.New("replacement transaction underpriced")
	ErrSenderLimitExceeded    = errors.New("per-sender transaction limit exceeded")
	ErrTxPoolFull             = errors.New("transaction pool is full")
)

// Config holds TxPool configuration.
type Config struct {
	ChainID      *big.Int // Chain id protected transactions must carry
	MaxSize      int      // Maximum number of transactions in pool
	MaxPerSender int      // Maximum transactions per sender
	MinGasPrice  *big.Int // Minimum gas price (or fee cap) to accept
	Logger       *log.Logger
}

// DefaultConfig returns sensible defaults for the pool.
func DefaultConfig() Config {
	return Config{
		ChainID:      big.NewInt(1),
		MaxSize:      MaxPoolSize,
		MaxPerSender: MaxPerSender,
		MinGasPrice:  big.NewInt(1),
	}
}

// TxPool stores valid transactions keyed by hash and by sender.
type TxPool struct {
	config Config
	signer types.Signer
	log    *log.Logger

	mu      sync.RWMutex
	lookup  *txLookup
	senders map[common.Address]*txSortedList
	from    map[common.Hash]common.Address
}

// New creates a new transaction pool. Zero config fields take defaults.
func New(config Config) *TxPool {
	def := DefaultConfig()
	if config.ChainID == nil {
		config.ChainID = def.ChainID
	}
	if config.MaxSize <= 0 {
		config.MaxSize = def.MaxSize
	}
	if config.MaxPerSender <= 0 {
		config.MaxPerSender = def.MaxPerSender
	}
	if config.MinGasPrice == nil {
		config.MinGasPrice = def.MinGasPrice
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	return &TxPool{
		config:  config,
		signer:  types.LatestSignerForChainID(config.ChainID),
		log:     config.Logger.Module("txpool"),
		lookup:  newTxLookup(),
		senders: make(map[common.Address]*txSortedList),
		from:    make(map[common.Hash]common.Address),
	}
}

// AddTransaction offers tx to the pool and classifies the outcome.
func (pool *TxPool) AddTransaction(tx *Tx, opts Options) Result {
	res, err := pool.add(tx, opts)
	if err != nil && tx != nil && tx.Transaction != nil {
		pool.log.Trace("Transaction not accepted", "hash", tx.Hash(), "peer", tx.DeliveredBy,
			"result", res, "err", err)
	}
	return res
}

func (pool *TxPool) add(tx *Tx, opts Options) (Result, error) {
	if tx == nil || tx.Transaction == nil {
		return Invalid, ErrNilTransaction
	}
	hash := tx.Hash()

	pool.mu.Lock()
	defer pool.mu.Unlock()

	if pool.lookup.Get(hash) != nil {
		return AlreadyKnown, ErrAlreadyKnown
	}
	from, err := pool.validateTx(tx, opts)
	if err != nil {
		return Invalid, err
	}
	if tx.GasFeeCap().Cmp(pool.config.MinGasPrice) < 0 {
		return Rejected, ErrUnderpriced
	}

	list := pool.senders[from]
	replaced := false
	if list != nil {
		if old := list.Get(tx.Nonce()); old != nil {
			if !hasSufficientBump(old.Transaction, tx.Transaction) {
				return Rejected, ErrReplacementUnderpriced
			}
			pool.lookup.Remove(old.Hash())
			delete(pool.from, old.Hash())
			replaced = true
		}
	}
	if !replaced {
		if list != nil && list.Len() >= pool.config.MaxPerSender {
			return Rejected, ErrSenderLimitExceeded
		}
		if pool.lookup.Count() >= pool.config.MaxSize {
			if !pool.evictCheapest(tx) {
				return Rejected, ErrTxPoolFull
			}
			// The eviction may have emptied the sender's list.
			list = pool.senders[from]
		}
	}

	if list == nil {
		list = new(txSortedList)
		pool.senders[from] = list
	}
	list.Put(tx)
	pool.lookup.Add(tx)
	pool.from[hash] = from
	return Added, nil
}

// validateTx checks everything that makes a transaction invalid regardless
// of pool contents, and returns the recovered sender.
func (pool *TxPool) validateTx(tx *Tx, opts Options) (common.Address, error) {
	if tx.Size() > MaxTxSize {
		return common.Address{}, ErrOversizedData
	}
	if tx.Value().Sign() < 0 {
		return common.Address{}, ErrNegativeValue
	}
	if tx.Protected() {
		if tx.ChainId().Cmp(pool.config.ChainID) != 0 {
			return common.Address{}, ErrChainIDMismatch
		}
	} else if !opts.Has(OptAllowPreEIP155) {
		return common.Address{}, ErrUnprotected
	}
	from, err := types.Sender(pool.signer, tx.Transaction)
	if err != nil {
		return common.Address{}, errors.Join(ErrInvalidSender, err)
	}
	return from, nil
}

// hasSufficientBump checks that newTx pays at least PriceBump percent more
// than oldTx in both fee cap and tip cap.
func hasSufficientBump(oldTx, newTx *types.Transaction) bool {
	return bumped(oldTx.GasFeeCap(), newTx.GasFeeCap()) && bumped(oldTx.GasTipCap(), newTx.GasTipCap())
}

func bumped(oldPrice, newPrice *big.Int) bool {
	threshold := new(big.Int).Mul(oldPrice, big.NewInt(100+PriceBump))
	threshold.Div(threshold, big.NewInt(100))
	return newPrice.Cmp(threshold) >= 0
}

// evictCheapest makes room for tx by dropping the transaction with the
// lowest fee cap, the oldest among equals. Nothing is evicted when every
// pooled transaction pays more than tx. Must be called with mu held.
func (pool *TxPool) evictCheapest(tx *Tx) bool {
	var victim *Tx
	for _, cand := range pool.lookup.all {
		if victim == nil {
			victim = cand
			continue
		}
		switch cmp := cand.GasFeeCap().Cmp(victim.GasFeeCap()); {
		case cmp < 0:
			victim = cand
		case cmp == 0 && older(cand, victim):
			victim = cand
		}
	}
	if victim == nil || victim.GasFeeCap().Cmp(tx.GasFeeCap()) > 0 {
		return false
	}
	pool.log.Trace("Evicting transaction", "hash", victim.Hash(), "feecap", victim.GasFeeCap())
	pool.removeLocked(victim.Hash())
	return true
}

// older orders transactions by arrival, breaking ties by hash.
func older(a, b *Tx) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.Hash().Cmp(b.Hash()) < 0
	}
	return a.Timestamp.Before(b.Timestamp)
}

// Get returns a transaction by hash, or nil.
func (pool *TxPool) Get(hash common.Hash) *Tx {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	return pool.lookup.Get(hash)
}

// Has reports whether the pool holds hash.
func (pool *TxPool) Has(hash common.Hash) bool {
	return pool.Get(hash) != nil
}

// Pending returns all transactions in arrival order.
func (pool *TxPool) Pending() []*Tx {
	pool.mu.RLock()
	txs := make([]*Tx, 0, pool.lookup.Count())
	for _, tx := range pool.lookup.all {
		txs = append(txs, tx)
	}
	pool.mu.RUnlock()

	sort.Slice(txs, func(i, j int) bool { return older(txs[i], txs[j]) })
	return txs
}

// Remove drops a transaction, e.g. after it was included in a block.
func (pool *TxPool) Remove(hash common.Hash) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	pool.removeLocked(hash)
}

// RemoveIncluded drops the transactions of a newly imported block and
// returns how many were pooled.
func (pool *TxPool) RemoveIncluded(txs types.Transactions) int {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	removed := 0
	for _, tx := range txs {
		if pool.removeLocked(tx.Hash()) {
			removed++
		}
	}
	return removed
}

func (pool *TxPool) removeLocked(hash common.Hash) bool {
	tx := pool.lookup.Get(hash)
	if tx == nil {
		return false
	}
	pool.lookup.Remove(hash)
	from := pool.from[hash]
	delete(pool.from, hash)
	if list, ok := pool.senders[from]; ok {
		list.Remove(tx.Nonce())
		if list.Len() == 0 {
			delete(pool.senders, from)
		}
	}
	return true
}

// Count returns the total number of transactions in the pool.
func (pool *TxPool) Count() int {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	return pool.lookup.Count()
}
