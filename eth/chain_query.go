package eth

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// AnswerGetHeaders resolves a header query against the local chain. The
// result is the contiguous run of headers the chain has from the origin
// onward: it ends at the first missing slot, so the peer never receives a
// response with holes, and it never holds more than amount headers. An
// unknown origin yields an empty result.
func (h *Handler) AnswerGetHeaders(origin HashOrNumber, amount, skip uint64, reverse bool) []*types.Header {
	if amount == 0 {
		return []*types.Header{}
	}
	if amount > MaxHeadersServe {
		amount = MaxHeadersServe
	}
	start := origin.Hash
	if start == (common.Hash{}) {
		hash, ok := h.chain.FindHash(origin.Number)
		if !ok {
			return []*types.Header{}
		}
		start = hash
	}

	found := h.chain.FindHeaders(start, int(amount), skip, reverse)
	headers := make([]*types.Header, 0, len(found))
	for _, header := range found {
		if header == nil || uint64(len(headers)) == amount {
			break
		}
		headers = append(headers, header)
	}
	return headers
}

// AnswerGetBodies returns the bodies of the requested blocks that are known
// locally, in request order, skipping unknown hashes. The response stops at
// MaxBodiesServe bodies or once it passes the soft size limit.
func (h *Handler) AnswerGetBodies(hashes []common.Hash) []*BlockBody {
	var (
		bodies []*BlockBody
		bytes  uint64
	)
	for _, hash := range hashes {
		if len(bodies) >= MaxBodiesServe || bytes >= softResponseLimit {
			break
		}
		block := h.chain.FindBlock(hash)
		if block == nil {
			continue
		}
		bodies = append(bodies, &BlockBody{
			Transactions: block.Transactions(),
			Uncles:       block.Uncles(),
		})
		bytes += block.Size()
	}
	return bodies
}
