package eth

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// pendingRequest waits for one response. The channel is buffered so that a
// response to an abandoned request is absorbed without blocking.
type pendingRequest struct {
	ch chan Packet
}

// requestQueue pairs responses with outstanding requests. eth/62 carries no
// request ids, so each response kind is answered in the order requested.
type requestQueue struct {
	mu      sync.Mutex
	pending map[uint64][]*pendingRequest // keyed by response code
}

func (q *requestQueue) push(code uint64) *pendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == nil {
		q.pending = make(map[uint64][]*pendingRequest)
	}
	req := &pendingRequest{ch: make(chan Packet, 1)}
	q.pending[code] = append(q.pending[code], req)
	return req
}

// remove drops req if it is still queued. Used when the request could not
// be sent at all.
func (q *requestQueue) remove(code uint64, req *pendingRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.pending[code]
	for i, r := range list {
		if r == req {
			q.pending[code] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (q *requestQueue) pop(code uint64) *pendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.pending[code]
	if len(list) == 0 {
		return nil
	}
	q.pending[code] = list[1:]
	return list[0]
}

// deliver hands a response to the oldest request of its kind. Unsolicited
// responses are dropped.
func (q *requestQueue) deliver(h *Handler, pkt Packet) error {
	req := q.pop(pkt.Kind())
	if req == nil {
		h.log.Debug("Dropping unsolicited response", "msg", pkt.Name())
		return nil
	}
	req.ch <- pkt
	return nil
}

func (h *Handler) request(ctx context.Context, req Packet, respCode uint64) (Packet, error) {
	if h.State() != Ready {
		if h.State() == Disposed {
			return nil, ErrHandlerClosed
		}
		return nil, ErrNotReady
	}
	pending := h.requests.push(respCode)
	if err := h.send(req); err != nil {
		h.requests.remove(respCode, pending)
		return nil, err
	}
	select {
	case resp := <-pending.ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.closed:
		return nil, ErrHandlerClosed
	}
}

// RequestHeaders asks the peer for headers and waits for the answer.
func (h *Handler) RequestHeaders(ctx context.Context, origin HashOrNumber, amount, skip uint64, reverse bool) ([]*types.Header, error) {
	resp, err := h.request(ctx, &GetBlockHeadersPacket{
		Origin:  origin,
		Amount:  amount,
		Skip:    skip,
		Reverse: reverse,
	}, BlockHeadersMsg)
	if err != nil {
		return nil, err
	}
	return *resp.(*BlockHeadersPacket), nil
}

// RequestBodies asks the peer for block bodies and waits for the answer.
func (h *Handler) RequestBodies(ctx context.Context, hashes []common.Hash) ([]*BlockBody, error) {
	req := GetBlockBodiesPacket(hashes)
	resp, err := h.request(ctx, &req, BlockBodiesMsg)
	if err != nil {
		return nil, err
	}
	return *resp.(*BlockBodiesPacket), nil
}
