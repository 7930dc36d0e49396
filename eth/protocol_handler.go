package eth

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/p2p"
	"github.com/ethereum/go-ethereum/p2p/enode"

	"github.com/eth2030/eth62/log"
)

// Manager runs eth/62 for every peer the RLPx server connects.
type Manager struct {
	chain   ChainView
	pool    TxPool
	config  Config
	peers   *PeerSet
	fetcher *BlockFetcher
	traffic *ProtocolMetrics
	log     *log.Logger

	readyFeed event.Feed
	scope     event.SubscriptionScope
}

// NewManager creates a Manager serving chain and feeding pool.
func NewManager(chain ChainView, pool TxPool, config Config) *Manager {
	config = config.withDefaults()
	peers := NewPeerSet(config.Logger)
	return &Manager{
		chain:   chain,
		pool:    pool,
		config:  config,
		peers:   peers,
		fetcher: NewBlockFetcher(chain, peers, config.Logger),
		traffic: NewProtocolMetrics(),
		log:     config.Logger.Module("eth"),
	}
}

// Peers returns the set of connected peers.
func (m *Manager) Peers() *PeerSet { return m.peers }

// Fetcher returns the fetcher retrieving hash-announced blocks.
func (m *Manager) Fetcher() *BlockFetcher { return m.fetcher }

// Traffic returns the inbound message statistics.
func (m *Manager) Traffic() *ProtocolMetrics { return m.traffic }

// SubscribePeerReady delivers a ProtocolInitializedEvent for every peer
// that completes the status exchange. Deliveries block the peer's message
// loop, so the channel should be buffered and drained.
func (m *Manager) SubscribePeerReady(ch chan<- ProtocolInitializedEvent) event.Subscription {
	return m.scope.Track(m.readyFeed.Subscribe(ch))
}

// Protocols returns the capabilities to register with a p2p.Server.
func (m *Manager) Protocols() []p2p.Protocol {
	return []p2p.Protocol{{
		Name:    ProtocolName,
		Version: ETH62,
		Length:  ProtocolLength,
		Run:     m.runPeer,
		NodeInfo: func() interface{} {
			head := m.chain.Head()
			return map[string]interface{}{
				"network": m.chain.ChainID(),
				"genesis": m.chain.Genesis().Hash(),
				"head":    head.Hash(),
			}
		},
		PeerInfo: func(id enode.ID) interface{} {
			if h := m.peers.Peer(id.String()); h != nil {
				return map[string]interface{}{
					"version": h.Version(),
					"state":   h.State().String(),
					"head":    h.HeadHash(),
					"td":      h.TotalDifficulty(),
				}
			}
			return nil
		},
	}}
}

// Stop disconnects all peers, stops the block fetcher and ends the
// peer-ready subscriptions.
func (m *Manager) Stop() {
	m.scope.Close()
	m.peers.Close()
	m.fetcher.Stop()
}

// runPeer is called by the p2p server for each connected peer. It performs
// the handshake and then processes messages until the connection ends.
func (m *Manager) runPeer(peer *p2p.Peer, rw p2p.MsgReadWriter) error {
	session := newPeerSession(peer, rw)
	h := NewHandler(session, m.chain, m.pool, m.config)
	defer h.Close()
	defer session.markClosing()

	if err := m.peers.Register(h); err != nil {
		return err
	}
	defer m.peers.Unregister(h.ID())
	defer m.traffic.RemovePeer(h.ID())

	ready := make(chan ProtocolInitializedEvent, 1)
	sub := h.SubscribeInitialized(ready)
	defer sub.Unsubscribe()

	if err := h.Init(); err != nil {
		return err
	}
	return m.handleMessages(h, rw, ready)
}

// handleMessages reads and dispatches messages until a read fails or the
// peer breaks the protocol. Local failures are logged and do not end the
// session.
func (m *Manager) handleMessages(h *Handler, rw p2p.MsgReadWriter, ready <-chan ProtocolInitializedEvent) error {
	for {
		msg, err := rw.ReadMsg()
		if err != nil {
			return err
		}
		start := time.Now()
		err = h.HandleMessage(msg)
		m.traffic.RecordMessage(h.ID(), msg.Code, msg.Size, time.Since(start))
		msg.Discard()

		select {
		case ev := <-ready:
			m.readyFeed.Send(ev)
		default:
		}

		var perr *ProtocolError
		switch {
		case err == nil:
		case errors.As(err, &perr), errors.Is(err, ErrHandlerClosed):
			return err
		default:
			h.log.Debug("Message handling failed", "code", msg.Code, "err", err)
		}
	}
}
