package eth

import (
	"github.com/eth2030/eth62/core"
	"github.com/eth2030/eth62/metrics"
)

// Priority selects how a new block is announced to a peer.
type Priority int

const (
	// PriorityLow announces the block hash only.
	PriorityLow Priority = iota
	// PriorityHigh sends the full block with its total difficulty.
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// NotifyOfNewBlock announces block to the peer. High priority requires the
// block's total difficulty; nothing is sent without it. Unknown priorities
// are logged and announced by hash.
func (h *Handler) NotifyOfNewBlock(block *core.Block, priority Priority) error {
	switch priority {
	case PriorityHigh:
		td, ok := block.TotalDifficulty()
		if !ok {
			return ErrMissingTotalDifficulty
		}
		if err := h.send(&NewBlockPacket{Block: block.Block, TD: td}); err != nil {
			return err
		}
		h.markKnown(block.Hash())
		metrics.BlocksPropagated.Inc()
		return nil
	case PriorityLow:
	default:
		h.log.Error("Unknown block announcement priority", "priority", int(priority),
			"number", block.NumberU64(), "hash", block.Hash())
	}
	return h.announceHash(block)
}

func (h *Handler) announceHash(block *core.Block) error {
	hint := NewBlockHashesPacket{{Hash: block.Hash(), Number: block.NumberU64()}}
	if err := h.send(&hint); err != nil {
		return err
	}
	h.markKnown(block.Hash())
	metrics.BlocksAnnounced.Inc()
	return nil
}
