package eth

import (
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/p2p"

	"github.com/eth2030/eth62/core"
	"github.com/eth2030/eth62/log"
	"github.com/eth2030/eth62/metrics"
)

// Peer set errors.
var (
	ErrPeerSetClosed = errors.New("eth: peer set closed")
	ErrPeerExists    = errors.New("eth: peer already registered")
	ErrPeerMissing   = errors.New("eth: peer not registered")
)

// PeerSet tracks the handlers of all connected eth/62 peers.
type PeerSet struct {
	mu     sync.RWMutex
	peers  map[string]*Handler
	closed bool
	log    *log.Logger
}

// NewPeerSet creates an empty peer set.
func NewPeerSet(logger *log.Logger) *PeerSet {
	if logger == nil {
		logger = log.Default()
	}
	return &PeerSet{
		peers: make(map[string]*Handler),
		log:   logger.Module("peerset"),
	}
}

// Register adds a handler to the set.
func (ps *PeerSet) Register(h *Handler) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return ErrPeerSetClosed
	}
	if _, ok := ps.peers[h.ID()]; ok {
		return ErrPeerExists
	}
	ps.peers[h.ID()] = h
	return nil
}

// Unregister removes a handler from the set.
func (ps *PeerSet) Unregister(id string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.peers[id]; !ok {
		return ErrPeerMissing
	}
	delete(ps.peers, id)
	return nil
}

// Peer returns the handler for id, or nil.
func (ps *PeerSet) Peer(id string) *Handler {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.peers[id]
}

// Len returns the number of registered peers.
func (ps *PeerSet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// Peers returns all registered handlers ordered by peer id.
func (ps *PeerSet) Peers() []*Handler {
	ps.mu.RLock()
	list := make([]*Handler, 0, len(ps.peers))
	for _, h := range ps.peers {
		list = append(list, h)
	}
	ps.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
	return list
}

// BroadcastBlock announces block to every ready peer that does not already
// have it. The full block goes to the square root of those peers and the
// rest get the hash. A block without total difficulty is announced by hash
// to all of them. It returns how many peers got each form.
func (ps *PeerSet) BroadcastBlock(block *core.Block) (full, hinted int) {
	var targets []*Handler
	for _, h := range ps.Peers() {
		if h.State() == Ready && !h.KnowsBlock(block.Hash()) {
			targets = append(targets, h)
		}
	}
	n := int(math.Sqrt(float64(len(targets))))
	if _, ok := block.TotalDifficulty(); !ok {
		n = 0
	}
	for i, h := range targets {
		priority := PriorityLow
		if i < n {
			priority = PriorityHigh
		}
		if err := h.NotifyOfNewBlock(block, priority); err != nil {
			ps.log.Debug("Block announcement failed", "peer", h.ID(), "number", block.NumberU64(), "err", err)
			continue
		}
		if priority == PriorityHigh {
			full++
		} else {
			hinted++
		}
	}
	ps.log.Trace("Broadcast block", "number", block.NumberU64(), "hash", block.Hash(), "full", full, "hinted", hinted)
	return full, hinted
}

// Close disconnects every peer and refuses further registrations.
func (ps *PeerSet) Close() {
	ps.mu.Lock()
	ps.closed = true
	peers := make([]*Handler, 0, len(ps.peers))
	for _, h := range ps.peers {
		peers = append(peers, h)
	}
	ps.mu.Unlock()

	for _, h := range peers {
		h.session.Disconnect(p2p.DiscQuitting, "shutting down")
	}
}

// Collect reports the number of peers per handler state.
func (ps *PeerSet) Collect() []metrics.MetricLine {
	counts := make(map[State]int)
	for _, h := range ps.Peers() {
		counts[h.State()]++
	}
	lines := make([]metrics.MetricLine, 0, 4)
	for _, s := range []State{AwaitingInit, AwaitingStatus, Ready, Disposed} {
		lines = append(lines, metrics.MetricLine{
			Name:   "eth62.peers",
			Labels: map[string]string{"state": s.String()},
			Value:  float64(counts[s]),
		})
	}
	return lines
}
