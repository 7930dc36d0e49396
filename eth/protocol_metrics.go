// protocol_metrics.go tracks inbound eth/62 traffic per message kind and per
// peer, along with the time spent handling each message. The tracker is a
// scrape-time collector for the Prometheus exporter.
package eth

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eth2030/eth62/metrics"
)

// PeerTraffic holds inbound message statistics for a single peer.
type PeerTraffic struct {
	PeerID         string
	Messages       uint64
	Bytes          uint64
	MessagesByCode map[uint64]uint64
	LastSeen       time.Time
}

// MessageTraffic holds statistics for one message code across all peers.
type MessageTraffic struct {
	Code        uint64
	Count       uint64
	Bytes       uint64
	AvgSize     float64
	AvgHandling time.Duration
}

type peerTraffic struct {
	messages uint64
	bytes    uint64
	byCode   map[uint64]uint64
	lastSeen time.Time
}

type codeTraffic struct {
	count    uint64
	bytes    uint64
	handling time.Duration
}

// ProtocolMetrics tracks per-peer and per-message statistics for inbound
// eth/62 messages. All methods are safe for concurrent use.
type ProtocolMetrics struct {
	mu    sync.RWMutex
	peers map[string]*peerTraffic
	codes map[uint64]*codeTraffic
	now   func() time.Time
}

// NewProtocolMetrics creates an empty tracker.
func NewProtocolMetrics() *ProtocolMetrics {
	return &ProtocolMetrics{
		peers: make(map[string]*peerTraffic),
		codes: make(map[uint64]*codeTraffic),
		now:   time.Now,
	}
}

// RecordMessage accounts one inbound message of the given code and wire size
// from peer, together with the time its handling took.
func (pm *ProtocolMetrics) RecordMessage(peer string, code uint64, size uint32, handling time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	ps, ok := pm.peers[peer]
	if !ok {
		ps = &peerTraffic{byCode: make(map[uint64]uint64)}
		pm.peers[peer] = ps
	}
	ps.messages++
	ps.bytes += uint64(size)
	ps.byCode[code]++
	ps.lastSeen = pm.now()

	cs, ok := pm.codes[code]
	if !ok {
		cs = new(codeTraffic)
		pm.codes[code] = cs
	}
	cs.count++
	cs.bytes += uint64(size)
	cs.handling += handling
}

// RemovePeer drops the statistics of a disconnected peer. Per-code totals
// are kept.
func (pm *ProtocolMetrics) RemovePeer(peer string) {
	pm.mu.Lock()
	delete(pm.peers, peer)
	pm.mu.Unlock()
}

// Peer returns the statistics of peer, or nil if nothing was recorded.
func (pm *ProtocolMetrics) Peer(peer string) *PeerTraffic {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	ps, ok := pm.peers[peer]
	if !ok {
		return nil
	}
	byCode := make(map[uint64]uint64, len(ps.byCode))
	for k, v := range ps.byCode {
		byCode[k] = v
	}
	return &PeerTraffic{
		PeerID:         peer,
		Messages:       ps.messages,
		Bytes:          ps.bytes,
		MessagesByCode: byCode,
		LastSeen:       ps.lastSeen,
	}
}

// Message returns the statistics of one message code, or nil if none was
// received.
func (pm *ProtocolMetrics) Message(code uint64) *MessageTraffic {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	cs, ok := pm.codes[code]
	if !ok {
		return nil
	}
	return cs.snapshot(code)
}

func (cs *codeTraffic) snapshot(code uint64) *MessageTraffic {
	mt := &MessageTraffic{Code: code, Count: cs.count, Bytes: cs.bytes}
	if cs.count > 0 {
		mt.AvgSize = float64(cs.bytes) / float64(cs.count)
		mt.AvgHandling = cs.handling / time.Duration(cs.count)
	}
	return mt
}

// Peers returns the IDs of all tracked peers in sorted order.
func (pm *ProtocolMetrics) Peers() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	peers := make([]string, 0, len(pm.peers))
	for id := range pm.peers {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

// Collect reports message counts, bytes and mean handling time per message
// kind.
func (pm *ProtocolMetrics) Collect() []metrics.MetricLine {
	pm.mu.RLock()
	codes := make([]uint64, 0, len(pm.codes))
	for code := range pm.codes {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	stats := make([]*MessageTraffic, 0, len(codes))
	for _, code := range codes {
		stats = append(stats, pm.codes[code].snapshot(code))
	}
	pm.mu.RUnlock()

	lines := make([]metrics.MetricLine, 0, 3*len(stats))
	for _, mt := range stats {
		labels := map[string]string{"msg": messageName(mt.Code)}
		lines = append(lines,
			metrics.MetricLine{Name: "eth62.inbound_messages", Labels: labels, Value: float64(mt.Count)},
			metrics.MetricLine{Name: "eth62.inbound_bytes", Labels: labels, Value: float64(mt.Bytes)},
			metrics.MetricLine{Name: "eth62.handling_seconds_avg", Labels: labels, Value: mt.AvgHandling.Seconds()},
		)
	}
	return lines
}

// messageName is the label for a message code, including codes outside
// the protocol's message space.
func messageName(code uint64) string {
	if pkt := newPacket(code); pkt != nil {
		return pkt.Name()
	}
	return "0x" + strconv.FormatUint(code, 16)
}
