package txpool

import (
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/eth62/log"
)

var testTo = common.HexToAddress("0xdead")

func newTestPool(t *testing.T, cfg Config) *TxPool {
	t.Helper()
	cfg.Logger = log.Discard()
	return New(cfg)
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

// signedTx returns a replay-protected legacy transaction for chain 1.
func signedTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, gasPrice int64) *Tx {
	t.Helper()
	return signedTxForChain(t, key, big.NewInt(1), nonce, gasPrice)
}

func signedTxForChain(t *testing.T, key *ecdsa.PrivateKey, chainID *big.Int, nonce uint64, gasPrice int64) *Tx {
	t.Helper()
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(gasPrice),
		Gas:      21000,
		To:       &testTo,
		Value:    big.NewInt(1),
	}), types.NewEIP155Signer(chainID), key)
	require.NoError(t, err)
	return NewTx(tx, "peer-1", time.Now())
}

func TestTxPool_AddAndGet(t *testing.T) {
	pool := newTestPool(t, DefaultConfig())
	tx := signedTx(t, newKey(t), 0, 10)

	require.Equal(t, Added, pool.AddTransaction(tx, OptNone))
	assert.Equal(t, 1, pool.Count())
	assert.True(t, pool.Has(tx.Hash()))
	got := pool.Get(tx.Hash())
	require.NotNil(t, got)
	assert.Equal(t, "peer-1", got.DeliveredBy)
}

func TestTxPool_AlreadyKnown(t *testing.T) {
	pool := newTestPool(t, DefaultConfig())
	tx := signedTx(t, newKey(t), 0, 10)

	require.Equal(t, Added, pool.AddTransaction(tx, OptNone))
	assert.Equal(t, AlreadyKnown, pool.AddTransaction(tx, OptNone))
	assert.Equal(t, 1, pool.Count())
}

func TestTxPool_Invalid(t *testing.T) {
	key := newKey(t)
	unprotected, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce: 0, GasPrice: big.NewInt(10), Gas: 21000, To: &testTo, Value: big.NewInt(1),
	}), types.HomesteadSigner{}, key)
	require.NoError(t, err)

	tests := []struct {
		name string
		tx   *Tx
		opts Options
		want Result
	}{
		{"nil", nil, OptNone, Invalid},
		{"wrong chain", signedTxForChain(t, key, big.NewInt(5), 0, 10), OptNone, Invalid},
		{"unprotected", NewTx(unprotected, "p", time.Now()), OptNone, Invalid},
		{"unprotected allowed", NewTx(unprotected, "p", time.Now()), OptAllowPreEIP155, Added},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := newTestPool(t, DefaultConfig())
			assert.Equal(t, tt.want, pool.AddTransaction(tt.tx, tt.opts))
		})
	}
}

func TestTxPool_Underpriced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinGasPrice = big.NewInt(100)
	pool := newTestPool(t, cfg)

	assert.Equal(t, Rejected, pool.AddTransaction(signedTx(t, newKey(t), 0, 99), OptNone))
	assert.Equal(t, Added, pool.AddTransaction(signedTx(t, newKey(t), 0, 100), OptNone))
}

func TestTxPool_Replacement(t *testing.T) {
	pool := newTestPool(t, DefaultConfig())
	key := newKey(t)
	orig := signedTx(t, key, 0, 100)
	require.Equal(t, Added, pool.AddTransaction(orig, OptNone))

	assert.Equal(t, Rejected, pool.AddTransaction(signedTx(t, key, 0, 105), OptNone))

	bump := signedTx(t, key, 0, 110)
	require.Equal(t, Added, pool.AddTransaction(bump, OptNone))
	assert.Equal(t, 1, pool.Count())
	assert.False(t, pool.Has(orig.Hash()))
	assert.True(t, pool.Has(bump.Hash()))
}

func TestTxPool_Limits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerSender = 2
	cfg.MaxSize = 3
	pool := newTestPool(t, cfg)

	key := newKey(t)
	require.Equal(t, Added, pool.AddTransaction(signedTx(t, key, 0, 10), OptNone))
	require.Equal(t, Added, pool.AddTransaction(signedTx(t, key, 1, 10), OptNone))
	assert.Equal(t, Rejected, pool.AddTransaction(signedTx(t, key, 2, 10), OptNone), "sender limit")

	require.Equal(t, Added, pool.AddTransaction(signedTx(t, newKey(t), 0, 10), OptNone))
	assert.Equal(t, Rejected, pool.AddTransaction(signedTx(t, newKey(t), 0, 9), OptNone), "pool full of better paying transactions")
	assert.Equal(t, 3, pool.Count())
}

func TestTxPool_FullPoolEvictsCheapest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 3
	pool := newTestPool(t, cfg)
	base := time.Unix(1_700_000_000, 0)

	prices := []int64{20, 10, 10}
	var txs []*Tx
	for i, price := range prices {
		tx := signedTx(t, newKey(t), 0, price)
		tx.Timestamp = base.Add(time.Duration(i) * time.Second)
		txs = append(txs, tx)
		require.Equal(t, Added, pool.AddTransaction(tx, OptNone))
	}

	incoming := signedTx(t, newKey(t), 0, 10)
	incoming.Timestamp = base.Add(time.Minute)
	require.Equal(t, Added, pool.AddTransaction(incoming, OptNone))
	assert.Equal(t, 3, pool.Count())
	assert.False(t, pool.Has(txs[1].Hash()), "oldest of the cheapest is evicted")
	assert.True(t, pool.Has(txs[0].Hash()))
	assert.True(t, pool.Has(txs[2].Hash()))
	assert.True(t, pool.Has(incoming.Hash()))
}

func TestTxPool_EvictionEmptiesOwnSender(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 1
	pool := newTestPool(t, cfg)
	key := newKey(t)

	first := signedTx(t, key, 0, 10)
	first.Timestamp = time.Unix(1, 0)
	require.Equal(t, Added, pool.AddTransaction(first, OptNone))
	second := signedTx(t, key, 1, 10)
	require.Equal(t, Added, pool.AddTransaction(second, OptNone))

	assert.False(t, pool.Has(first.Hash()))
	pool.Remove(second.Hash())
	assert.Zero(t, pool.Count())
	assert.Empty(t, pool.senders)
}

func TestTxPool_RemoveIncluded(t *testing.T) {
	pool := newTestPool(t, DefaultConfig())
	a := signedTx(t, newKey(t), 0, 10)
	b := signedTx(t, newKey(t), 0, 10)
	require.Equal(t, Added, pool.AddTransaction(a, OptNone))
	require.Equal(t, Added, pool.AddTransaction(b, OptNone))

	other := signedTx(t, newKey(t), 0, 10)
	removed := pool.RemoveIncluded(types.Transactions{a.Transaction, other.Transaction})
	assert.Equal(t, 1, removed)
	assert.False(t, pool.Has(a.Hash()))
	assert.True(t, pool.Has(b.Hash()))
}

func TestTxPool_PendingOrderAndRemove(t *testing.T) {
	pool := newTestPool(t, DefaultConfig())
	base := time.Unix(1_700_000_000, 0)

	var txs []*Tx
	for i := 0; i < 3; i++ {
		tx := signedTx(t, newKey(t), 0, 10)
		tx.Timestamp = base.Add(time.Duration(3-i) * time.Second)
		txs = append(txs, tx)
		require.Equal(t, Added, pool.AddTransaction(tx, OptNone))
	}
	pending := pool.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, txs[2].Hash(), pending[0].Hash())
	assert.Equal(t, txs[0].Hash(), pending[2].Hash())

	pool.Remove(txs[1].Hash())
	pool.Remove(txs[1].Hash())
	assert.Equal(t, 2, pool.Count())
	assert.False(t, pool.Has(txs[1].Hash()))
}

func TestResult_String(t *testing.T) {
	assert.Equal(t, "added", Added.String())
	assert.Equal(t, "already known", AlreadyKnown.String())
	assert.Equal(t, "invalid", Invalid.String())
	assert.Equal(t, "rejected", Rejected.String())
	assert.Equal(t, "unknown", Result(42).String())
}

func TestOptions_Has(t *testing.T) {
	opts := OptPersistentBroadcast | OptAllowPreEIP155
	assert.True(t, opts.Has(OptAllowPreEIP155))
	assert.True(t, OptNone.Has(OptNone))
	assert.False(t, OptNone.Has(OptPersistentBroadcast))
}
