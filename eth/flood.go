package eth

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/p2p"

	"github.com/eth2030/eth62/metrics"
	"github.com/eth2030/eth62/txpool"
)

// periodicTask runs fn every interval on clock until stopped or until fn
// returns false.
type periodicTask struct {
	clock    mclock.Clock
	interval time.Duration
	fn       func() bool

	mu      sync.Mutex
	timer   mclock.Timer
	running bool
}

func newPeriodicTask(clock mclock.Clock, interval time.Duration, fn func() bool) *periodicTask {
	return &periodicTask{clock: clock, interval: interval, fn: fn}
}

func (t *periodicTask) start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.timer = t.clock.AfterFunc(t.interval, t.fire)
}

func (t *periodicTask) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *periodicTask) isRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *periodicTask) fire() {
	if !t.isRunning() {
		return
	}
	if !t.fn() {
		t.stop()
		return
	}
	t.mu.Lock()
	if t.running {
		t.timer = t.clock.AfterFunc(t.interval, t.fire)
	}
	t.mu.Unlock()
}

// checkTxFlooding evaluates the rate of transactions the pool did not
// accept since the previous check, downgrading or disconnecting the peer.
// It returns false once the session is going away.
func (h *Handler) checkTxFlooding() bool {
	if h.session.Closing() {
		return false
	}
	count := h.rejected.Swap(0)
	interval := h.config.FloodCheckInterval
	rate := float64(count) / interval.Seconds()

	switch {
	case rate > h.config.FloodHardLimit:
		metrics.FloodDisconnects.Inc()
		detail := fmt.Sprintf("peer %s sent %d transactions that were not accepted in %v (%.2f/s, limit %.0f/s)",
			h.ID(), count, interval, rate, h.config.FloodHardLimit)
		h.log.Debug("Disconnecting transaction flooder", "rejected", count, "rate", rate)
		h.session.Disconnect(p2p.DiscUselessPeer, detail)
		return false

	case rate > h.config.FloodSoftLimit && !h.downgraded.Load():
		h.downgraded.Store(true)
		metrics.PeersDowngraded.Inc()
		h.log.Debug("Downgrading peer for transaction flooding", "rejected", count, "rate", rate)
	}
	return true
}

// handleTransactions submits a batch to the pool. Batches from a downgraded
// peer are sampled: the whole batch is kept with DowngradedTxAcceptRatio
// probability and dropped otherwise.
func (h *Handler) handleTransactions(txs TransactionsPacket) error {
	metrics.TransactionsReceived.Add(int64(len(txs)))
	if h.downgraded.Load() && !h.filteringDisabled.Load() &&
		h.config.Sample() >= h.config.DowngradedTxAcceptRatio {
		metrics.TransactionBatchesDropped.Inc()
		h.log.Trace("Dropping transactions from downgraded peer", "count", len(txs))
		return nil
	}
	now := h.config.Now()
	for _, tx := range txs {
		res := h.pool.AddTransaction(txpool.NewTx(tx, h.ID(), now), txpool.OptNone)
		if res != txpool.Added {
			h.rejected.Add(1)
			metrics.TransactionsRejected.Inc()
		}
	}
	return nil
}
