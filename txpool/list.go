package txpool

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// txLookup tracks transactions by hash for fast duplicate detection.
type txLookup struct {
	all map[common.Hash]*Tx
}

func newTxLookup() *txLookup {
	return &txLookup{all: make(map[common.Hash]*Tx)}
}

func (l *txLookup) Get(hash common.Hash) *Tx { return l.all[hash] }

func (l *txLookup) Add(tx *Tx) { l.all[tx.Hash()] = tx }

func (l *txLookup) Remove(hash common.Hash) { delete(l.all, hash) }

func (l *txLookup) Count() int { return len(l.all) }

// txSortedList keeps a single sender's transactions ordered by nonce.
type txSortedList struct {
	items []*Tx
}

// Put inserts tx, replacing any transaction with the same nonce.
func (l *txSortedList) Put(tx *Tx) {
	idx := l.search(tx.Nonce())
	if idx < len(l.items) && l.items[idx].Nonce() == tx.Nonce() {
		l.items[idx] = tx
		return
	}
	l.items = append(l.items, nil)
	copy(l.items[idx+1:], l.items[idx:])
	l.items[idx] = tx
}

func (l *txSortedList) Remove(nonce uint64) bool {
	idx := l.search(nonce)
	if idx < len(l.items) && l.items[idx].Nonce() == nonce {
		l.items = append(l.items[:idx], l.items[idx+1:]...)
		return true
	}
	return false
}

func (l *txSortedList) Get(nonce uint64) *Tx {
	idx := l.search(nonce)
	if idx < len(l.items) && l.items[idx].Nonce() == nonce {
		return l.items[idx]
	}
	return nil
}

func (l *txSortedList) Len() int { return len(l.items) }

func (l *txSortedList) search(nonce uint64) int {
	return sort.Search(len(l.items), func(i int) bool {
		return l.items[i].Nonce() >= nonce
	})
}
