package eth

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/p2p"
	"github.com/holiman/uint256"

	"github.com/eth2030/eth62/core"
	"github.com/eth2030/eth62/log"
	"github.com/eth2030/eth62/metrics"
)

// Config tunes a Handler. The zero value of each field takes its default.
type Config struct {
	// HandshakeTimeout is how long to wait for the peer's status.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// FloodCheckInterval is the period of the transaction flood check.
	FloodCheckInterval time.Duration `yaml:"flood_check_interval"`
	// FloodSoftLimit is the rejected transactions per second above which a
	// peer is downgraded.
	FloodSoftLimit float64 `yaml:"flood_soft_limit"`
	// FloodHardLimit is the rejected transactions per second above which a
	// peer is disconnected.
	FloodHardLimit float64 `yaml:"flood_hard_limit"`
	// DowngradedTxAcceptRatio is the share of transaction batches still
	// processed from a downgraded peer.
	DowngradedTxAcceptRatio float64 `yaml:"downgraded_tx_accept_ratio"`
	// KnownBlocks is the size of the per-peer known block cache.
	KnownBlocks int `yaml:"known_blocks"`

	Clock  mclock.Clock     `yaml:"-"`
	Now    func() time.Time `yaml:"-"` // arrival stamps for pooled transactions
	Logger *log.Logger      `yaml:"-"`
	Sample func() float64   `yaml:"-"` // uniform in [0,1), for batch sampling
}

// DefaultConfig returns the eth/62 defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:        10 * time.Second,
		FloodCheckInterval:      60 * time.Second,
		FloodSoftLimit:          10,
		FloodHardLimit:          100,
		DowngradedTxAcceptRatio: 0.1,
		KnownBlocks:             1024,
		Clock:                   mclock.System{},
		Now:                     time.Now,
		Sample:                  rand.Float64,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.FloodCheckInterval <= 0 {
		c.FloodCheckInterval = def.FloodCheckInterval
	}
	if c.FloodSoftLimit <= 0 {
		c.FloodSoftLimit = def.FloodSoftLimit
	}
	if c.FloodHardLimit <= 0 {
		c.FloodHardLimit = def.FloodHardLimit
	}
	if c.DowngradedTxAcceptRatio < 0 {
		c.DowngradedTxAcceptRatio = 0
	}
	if c.KnownBlocks <= 0 {
		c.KnownBlocks = def.KnownBlocks
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Sample == nil {
		c.Sample = def.Sample
	}
	return c
}

// State is the lifecycle stage of a Handler.
type State int32

const (
	AwaitingInit State = iota
	AwaitingStatus
	Ready
	Disposed
)

func (s State) String() string {
	switch s {
	case AwaitingInit:
		return "awaiting-init"
	case AwaitingStatus:
		return "awaiting-status"
	case Ready:
		return "ready"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Handler runs eth/62 for one peer session. Messages must be passed to
// HandleMessage one at a time, in arrival order.
type Handler struct {
	session Session
	chain   ChainView
	pool    TxPool
	config  Config
	log     *log.Logger

	state             atomic.Int32
	msgCount          atomic.Uint64
	rejected          atomic.Int64
	downgraded        atomic.Bool
	filteringDisabled atomic.Bool

	mu             sync.Mutex
	statusReceived bool
	headHash       common.Hash
	headTD         *uint256.Int
	initErr        error
	handshake      mclock.Timer

	flood    *periodicTask
	known    *lru.Cache[common.Hash, struct{}]
	requests requestQueue

	initFeed  event.Feed
	scope     event.SubscriptionScope
	closed    chan struct{}
	closeOnce sync.Once
}

// NewHandler creates a handler for session. Call Init to start the
// handshake.
func NewHandler(session Session, chain ChainView, pool TxPool, config Config) *Handler {
	config = config.withDefaults()
	h := &Handler{
		session: session,
		chain:   chain,
		pool:    pool,
		config:  config,
		log:     config.Logger.Module("eth").With("peer", session.ID()),
		known:   lru.NewCache[common.Hash, struct{}](config.KnownBlocks),
		closed:  make(chan struct{}),
	}
	h.flood = newPeriodicTask(config.Clock, config.FloodCheckInterval, h.checkTxFlooding)
	return h
}

// ID returns the peer id of the underlying session.
func (h *Handler) ID() string { return h.session.ID() }

// Name returns the protocol name and version.
func (h *Handler) Name() string { return "eth62" }

// Version returns the protocol version.
func (h *Handler) Version() uint { return ETH62 }

// MessageIDSpace returns the number of message codes eth/62 reserves.
func (h *Handler) MessageIDSpace() uint64 { return ProtocolLength }

// State returns the current lifecycle state.
func (h *Handler) State() State { return State(h.state.Load()) }

// Counter returns the number of messages sent and received.
func (h *Handler) Counter() uint64 { return h.msgCount.Load() }

// Downgraded reports whether the peer has been downgraded for sending too
// many transactions the pool did not accept.
func (h *Handler) Downgraded() bool { return h.downgraded.Load() }

// DisableTxFiltering stops dropping transaction batches from this peer
// while it is downgraded.
func (h *Handler) DisableTxFiltering() { h.filteringDisabled.Store(true) }

// HeadHash returns the peer's head as last announced.
func (h *Handler) HeadHash() common.Hash {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.headHash
}

// TotalDifficulty returns the total difficulty of the peer's head, or nil
// before the status has been received.
func (h *Handler) TotalDifficulty() *uint256.Int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.headTD == nil {
		return nil
	}
	return new(uint256.Int).Set(h.headTD)
}

// InitErr returns why the handshake failed, if it did.
func (h *Handler) InitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initErr
}

// SubscribeInitialized delivers a ProtocolInitializedEvent once the status
// exchange completes.
func (h *Handler) SubscribeInitialized(ch chan<- ProtocolInitializedEvent) event.Subscription {
	return h.scope.Track(h.initFeed.Subscribe(ch))
}

// KnowsBlock reports whether the peer is known to have the block.
func (h *Handler) KnowsBlock(hash common.Hash) bool { return h.known.Contains(hash) }

func (h *Handler) markKnown(hash common.Hash) { h.known.Add(hash, struct{}{}) }

// Init sends the local status, arms the handshake timeout and starts flood
// control.
func (h *Handler) Init() error {
	head := h.chain.Head()
	if head == nil {
		return ErrNoHead
	}
	status := &StatusPacket{
		ProtocolVersion: ETH62,
		NetworkID:       h.chain.ChainID(),
		TD:              core.HeadTotalDifficulty(h.chain, head),
		Head:            head.Hash(),
		Genesis:         h.chain.Genesis().Hash(),
	}

	h.mu.Lock()
	switch h.State() {
	case AwaitingInit:
	case Disposed:
		h.mu.Unlock()
		return ErrHandlerClosed
	default:
		h.mu.Unlock()
		return ErrAlreadyInitialised
	}
	if h.statusReceived {
		h.becomeReady()
	} else {
		h.state.Store(int32(AwaitingStatus))
		h.handshake = h.config.Clock.AfterFunc(h.config.HandshakeTimeout, h.onHandshakeTimeout)
	}
	// Close swaps the state under mu, so it either sees the task running
	// and stops it or Init already returned ErrHandlerClosed.
	h.flood.start()
	h.mu.Unlock()

	h.log.Trace("Sending status", "number", head.Number, "hash", status.Head, "td", status.TD)
	if err := h.send(status); err != nil {
		return fmt.Errorf("eth: send status: %w", err)
	}
	metrics.StatusesSent.Inc()
	return nil
}

func (h *Handler) onHandshakeTimeout() {
	h.mu.Lock()
	if h.statusReceived || h.State() != AwaitingStatus {
		h.mu.Unlock()
		return
	}
	h.initErr = fmt.Errorf("%w after %v", ErrHandshakeTimeout, h.config.HandshakeTimeout)
	h.mu.Unlock()

	metrics.HandshakeTimeouts.Inc()
	h.log.Debug("Status handshake timed out", "timeout", h.config.HandshakeTimeout)
	h.session.Disconnect(p2p.DiscReadTimeout, ErrHandshakeTimeout.Error())
}

// HandleMessage processes one inbound message. A returned *ProtocolError
// means the peer has been disconnected. Other errors are local failures
// that leave the session usable.
func (h *Handler) HandleMessage(msg p2p.Msg) error {
	if h.State() == Disposed {
		return ErrHandlerClosed
	}
	if err := h.InitErr(); err != nil {
		return h.fail(p2p.DiscReadTimeout, err)
	}
	h.msgCount.Add(1)
	metrics.MessagesReceived.Inc()
	metrics.MessageSize.Observe(float64(msg.Size))

	if msg.Size > ProtocolMaxMsgSize {
		return h.fail(p2p.DiscProtocolError, fmt.Errorf("%w: %d > %d", ErrMsgTooLarge, msg.Size, ProtocolMaxMsgSize))
	}
	if msg.Code >= ProtocolLength {
		return h.fail(p2p.DiscProtocolError, fmt.Errorf("%w: 0x%02x", ErrInvalidMsgCode, msg.Code))
	}
	if msg.Code != StatusMsg && !h.hasStatus() {
		return h.fail(p2p.DiscProtocolError, fmt.Errorf("%w: code 0x%02x", ErrNoStatus, msg.Code))
	}
	pkt, err := decodePacket(msg)
	if err != nil {
		return h.fail(p2p.DiscProtocolError, err)
	}
	h.log.Trace("Received message", "msg", pkt.Name(), "size", msg.Size)

	switch pkt := pkt.(type) {
	case *StatusPacket:
		return h.handleStatus(pkt)
	case *NewBlockHashesPacket:
		return h.handleNewBlockHashes(*pkt)
	case *TransactionsPacket:
		return h.handleTransactions(*pkt)
	case *GetBlockHeadersPacket:
		return h.handleGetBlockHeaders(pkt)
	case *BlockHeadersPacket:
		return h.requests.deliver(h, pkt)
	case *GetBlockBodiesPacket:
		return h.handleGetBlockBodies(*pkt)
	case *BlockBodiesPacket:
		return h.requests.deliver(h, pkt)
	case *NewBlockPacket:
		return h.handleNewBlock(pkt)
	default:
		return h.fail(p2p.DiscProtocolError, fmt.Errorf("%w: %s", ErrInvalidMsgCode, pkt.Name()))
	}
}

func (h *Handler) hasStatus() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusReceived
}

func (h *Handler) handleStatus(status *StatusPacket) error {
	h.mu.Lock()
	if h.statusReceived {
		h.mu.Unlock()
		return h.fail(p2p.DiscProtocolError, ErrExtraStatus)
	}
	if err := h.initErr; err != nil {
		h.mu.Unlock()
		return h.fail(p2p.DiscReadTimeout, err)
	}
	h.statusReceived = true
	h.mu.Unlock()
	metrics.StatusesReceived.Inc()

	if status.ProtocolVersion != ETH62 {
		return h.fail(p2p.DiscProtocolError, fmt.Errorf("%w: have %d, want %d", ErrProtocolVersionMismatch, status.ProtocolVersion, ETH62))
	}
	if status.NetworkID != h.chain.ChainID() {
		return h.fail(p2p.DiscUselessPeer, fmt.Errorf("%w: have %d, want %d", ErrNetworkIDMismatch, status.NetworkID, h.chain.ChainID()))
	}
	if genesis := h.chain.Genesis().Hash(); status.Genesis != genesis {
		return h.fail(p2p.DiscUselessPeer, fmt.Errorf("%w: have %x, want %x", ErrGenesisMismatch, status.Genesis[:8], genesis[:8]))
	}
	td := status.TD
	if td == nil {
		td = new(uint256.Int)
	}

	h.mu.Lock()
	h.headHash = status.Head
	h.headTD = new(uint256.Int).Set(td)
	if h.State() == AwaitingStatus {
		h.becomeReady()
	}
	h.mu.Unlock()

	h.log.Debug("Peer status received", "head", status.Head, "td", td)
	h.initFeed.Send(ProtocolInitializedEvent{
		Peer:    h.ID(),
		Version: ETH62,
		Head:    status.Head,
		TD:      new(uint256.Int).Set(td),
	})
	return nil
}

// becomeReady completes the handshake. Must be called with mu held.
func (h *Handler) becomeReady() {
	if h.handshake != nil {
		h.handshake.Stop()
	}
	h.state.Store(int32(Ready))
	metrics.PeersReady.Inc()
}

func (h *Handler) handleGetBlockHeaders(req *GetBlockHeadersPacket) error {
	if req.Amount > MaxHeadersServe {
		return h.fail(p2p.DiscProtocolError, fmt.Errorf("%w: %d > %d", ErrTooManyHeaders, req.Amount, MaxHeadersServe))
	}
	headers := h.AnswerGetHeaders(req.Origin, req.Amount, req.Skip, req.Reverse)
	h.log.Trace("Serving headers", "origin", req.Origin, "amount", req.Amount, "skip", req.Skip,
		"reverse", req.Reverse, "served", len(headers))
	metrics.HeadersServed.Add(int64(len(headers)))
	resp := BlockHeadersPacket(headers)
	return h.send(&resp)
}

func (h *Handler) handleGetBlockBodies(hashes GetBlockBodiesPacket) error {
	bodies := h.AnswerGetBodies(hashes)
	metrics.BodiesServed.Add(int64(len(bodies)))
	resp := BlockBodiesPacket(bodies)
	return h.send(&resp)
}

func (h *Handler) handleNewBlockHashes(entries NewBlockHashesPacket) error {
	metrics.NewBlockHashesReceived.Add(int64(len(entries)))
	for _, entry := range entries {
		h.markKnown(entry.Hash)
		h.chain.HintBlock(entry.Hash, entry.Number, h.ID())
	}
	return nil
}

func (h *Handler) handleNewBlock(pkt *NewBlockPacket) error {
	metrics.NewBlocksReceived.Inc()
	block := core.NewBlock(pkt.Block, pkt.TD)
	hash := block.Hash()
	h.markKnown(hash)

	h.mu.Lock()
	if h.headTD == nil || pkt.TD.Gt(h.headTD) {
		h.headHash = hash
		h.headTD = new(uint256.Int).Set(pkt.TD)
	}
	h.mu.Unlock()

	if err := h.chain.AddBlock(block); err != nil {
		metrics.NewBlocksFailed.Inc()
		h.log.Debug("Failed to add announced block", "number", block.NumberU64(), "hash", hash, "err", err)
		return fmt.Errorf("eth: block %d (%s) from %s: %w", block.NumberU64(), hash.TerminalString(), h.ID(), err)
	}
	return nil
}

// send writes pkt to the session and counts it.
func (h *Handler) send(pkt Packet) error {
	if h.State() == Disposed {
		return ErrHandlerClosed
	}
	h.msgCount.Add(1)
	metrics.MessagesSent.Inc()
	return h.session.Send(pkt)
}

// fail disconnects the peer for err and returns it as a *ProtocolError.
func (h *Handler) fail(reason p2p.DiscReason, err error) error {
	metrics.ProtocolViolations.Inc()
	h.log.Debug("Protocol violation", "reason", reason, "err", err)
	h.session.Disconnect(reason, err.Error())
	return &ProtocolError{Peer: h.ID(), Reason: reason, Err: err}
}

// Close releases the handler's timers and fails pending requests. It is
// safe to call more than once.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		prev := State(h.state.Swap(int32(Disposed)))
		if h.handshake != nil {
			h.handshake.Stop()
		}
		h.mu.Unlock()

		h.flood.stop()
		close(h.closed)
		h.scope.Close()
		if prev == Ready {
			metrics.PeersReady.Dec()
		}
		h.log.Trace("Handler closed", "messages", h.Counter())
	})
}
