package node

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/event"
	gethlog "github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p"
	"github.com/ethereum/go-ethereum/p2p/enode"

	"github.com/eth2030/eth62/core"
	"github.com/eth2030/eth62/eth"
	"github.com/eth2030/eth62/log"
	"github.com/eth2030/eth62/metrics"
	"github.com/eth2030/eth62/txpool"
)

// headEventBuffer is the capacity of the chain head subscription channel.
const headEventBuffer = 16

// Node is the top-level eth62 node that manages all subsystems.
type Node struct {
	config Config
	log    *log.Logger

	// Subsystems.
	db         ethdb.Database
	chain      *core.BlockChain
	txPool     *txpool.TxPool
	manager    *eth.Manager
	server     *p2p.Server
	exporter   *metrics.PrometheusExporter
	metricsSrv *http.Server
	metricsLn  net.Listener
	headSub    event.Subscription
	readySub   event.Subscription

	handshakes atomic.Uint64

	mu      sync.Mutex
	running bool
	closed  bool
	quit    chan struct{}
	wg      sync.WaitGroup
	stop    chan struct{}
}

// New creates a new Node with the given configuration. It opens the chain
// database and builds every subsystem but starts no network services.
func New(config Config, logger *log.Logger) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	n := &Node{
		config: config,
		log:    logger.Module("node"),
		quit:   make(chan struct{}),
		stop:   make(chan struct{}),
	}

	db, err := openDatabase(&config)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	n.db = db

	chain, err := core.NewBlockChain(db, config.NetworkID, core.DefaultGenesisBlock())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init blockchain: %w", err)
	}
	n.chain = chain

	n.txPool = txpool.New(txpool.Config{
		ChainID:      new(big.Int).SetUint64(config.NetworkID),
		MaxSize:      config.TxPool.MaxSize,
		MaxPerSender: config.TxPool.MaxPerSender,
		MinGasPrice:  new(big.Int).SetUint64(config.TxPool.MinGasPrice),
		Logger:       logger,
	})

	ethCfg := config.Eth
	ethCfg.Logger = logger
	n.manager = eth.NewManager(chain, n.txPool, ethCfg)

	key, err := loadNodeKey(&config)
	if err != nil {
		n.closeStorage()
		return nil, fmt.Errorf("node key: %w", err)
	}
	bootnodes := make([]*enode.Node, 0, len(config.Bootnodes))
	for _, url := range config.Bootnodes {
		bootnodes = append(bootnodes, enode.MustParse(url))
	}
	n.server = &p2p.Server{Config: p2p.Config{
		PrivateKey:     key,
		Name:           config.Name,
		MaxPeers:       config.MaxPeers,
		ListenAddr:     config.ListenAddr,
		NoDiscovery:    true,
		NoDial:         config.NoDial,
		// Discovery is off, so bootnodes are dialed as static peers.
		BootstrapNodes: bootnodes,
		StaticNodes:    bootnodes,
		Protocols:      n.manager.Protocols(),
		Logger:         gethlog.NewLogger(logger.Module("p2p").Slog().Handler()),
	}}

	n.exporter = metrics.NewPrometheusExporter(metrics.DefaultRegistry, metrics.DefaultPrometheusConfig())
	n.exporter.RegisterCollector("peers", n.manager.Peers())
	n.exporter.RegisterCollector("traffic", n.manager.Traffic())
	return n, nil
}

// openDatabase opens the leveldb chain store under DataDir, or an in-memory
// database when no DataDir is set.
func openDatabase(config *Config) (ethdb.Database, error) {
	if config.DataDir == "" {
		return rawdb.NewMemoryDatabase(), nil
	}
	kv, err := leveldb.New(config.ResolvePath("chaindata"), config.DatabaseCache, config.DatabaseHandles, "eth62/db/chaindata/", false)
	if err != nil {
		return nil, err
	}
	return rawdb.NewDatabase(kv), nil
}

// loadNodeKey reads the node key from DataDir, generating and persisting one
// on first start. Without a DataDir the key is ephemeral.
func loadNodeKey(config *Config) (*ecdsa.PrivateKey, error) {
	if config.DataDir == "" || config.NodeKeyFile == "" {
		return crypto.GenerateKey()
	}
	path := config.ResolvePath(config.NodeKeyFile)
	key, err := crypto.LoadECDSA(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if key, err = crypto.GenerateKey(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := crypto.SaveECDSA(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Start starts the RLPx server, the block fetcher, the block propagation
// loop and the metrics endpoint.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return errors.New("node already running")
	}
	select {
	case <-n.stop:
		return errors.New("node already stopped")
	default:
	}

	n.log.Info("Starting eth62 node", "network", n.config.NetworkID, "genesis", n.chain.Genesis().Hash(), "head", n.chain.Head().Number)

	if err := n.server.Start(); err != nil {
		return fmt.Errorf("start p2p: %w", err)
	}
	n.log.Info("RLPx listener up", "self", n.server.Self().URLv4())

	if n.config.MetricsAddr != "" {
		ln, err := net.Listen("tcp", n.config.MetricsAddr)
		if err != nil {
			n.server.Stop()
			return fmt.Errorf("start metrics: %w", err)
		}
		n.metricsLn = ln
		n.metricsSrv = &http.Server{Handler: n.exporter.Handler()}
		go func() {
			if err := n.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.log.Error("Metrics server failed", "err", err)
			}
		}()
		n.log.Info("Metrics endpoint up", "addr", ln.Addr())
	}

	heads := make(chan core.ChainHeadEvent, headEventBuffer)
	n.manager.Fetcher().Start(n.chain.Hints())
	n.headSub = n.chain.SubscribeChainHeadEvent(heads)
	n.wg.Add(1)
	go n.propagateLoop(heads, n.headSub.Err())

	ready := make(chan eth.ProtocolInitializedEvent, headEventBuffer)
	n.readySub = n.manager.SubscribePeerReady(ready)
	n.wg.Add(1)
	go n.peerLoop(ready, n.readySub.Err())

	n.running = true
	return nil
}

// propagateLoop forwards every new canonical head to the connected peers
// and drops its transactions from the pool.
func (n *Node) propagateLoop(heads <-chan core.ChainHeadEvent, subErr <-chan error) {
	defer n.wg.Done()
	for {
		select {
		case ev := <-heads:
			full, hinted := n.manager.Peers().BroadcastBlock(ev.Block)
			included := n.txPool.RemoveIncluded(ev.Block.Transactions())
			n.log.Debug("Propagated block", "number", ev.Block.NumberU64(), "hash", ev.Block.Hash(),
				"full", full, "hinted", hinted, "included", included)
		case <-subErr:
			return
		case <-n.quit:
			return
		}
	}
}

// peerLoop logs and counts peers that complete the status exchange.
func (n *Node) peerLoop(ready <-chan eth.ProtocolInitializedEvent, subErr <-chan error) {
	defer n.wg.Done()
	for {
		select {
		case ev := <-ready:
			n.handshakes.Add(1)
			n.log.Info("Peer ready", "peer", ev.Peer, "version", ev.Version, "head", ev.Head, "td", ev.TD)
		case <-subErr:
			return
		case <-n.quit:
			return
		}
	}
}

// Handshakes returns the number of peers that completed the status exchange
// since Start.
func (n *Node) Handshakes() uint64 { return n.handshakes.Load() }

// Stop shuts down all subsystems in reverse order and closes the database.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}
	n.log.Info("Stopping eth62 node")

	close(n.quit)
	n.headSub.Unsubscribe()
	n.readySub.Unsubscribe()
	n.wg.Wait()

	n.manager.Stop()
	n.server.Stop()
	if n.metricsSrv != nil {
		if err := n.metricsSrv.Close(); err != nil {
			n.log.Warn("Metrics server stop failed", "err", err)
		}
	}
	err := n.closeStorage()

	n.running = false
	close(n.stop)
	n.log.Info("Node stopped")
	return err
}

// Close releases the storage of a node that was never started.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return errors.New("node running")
	}
	return n.closeStorage()
}

func (n *Node) closeStorage() error {
	if n.closed {
		return nil
	}
	n.closed = true
	n.chain.Stop()
	if err := n.db.Close(); err != nil {
		n.log.Warn("Database close failed", "err", err)
		return err
	}
	return nil
}

// Wait blocks until the node is stopped.
func (n *Node) Wait() {
	<-n.stop
}

// BlockChain returns the chain store.
func (n *Node) BlockChain() *core.BlockChain { return n.chain }

// TxPool returns the transaction pool.
func (n *Node) TxPool() *txpool.TxPool { return n.txPool }

// Manager returns the eth protocol manager.
func (n *Node) Manager() *eth.Manager { return n.manager }

// Server returns the RLPx server.
func (n *Node) Server() *p2p.Server { return n.server }

// Exporter returns the Prometheus exporter.
func (n *Node) Exporter() *metrics.PrometheusExporter { return n.exporter }

// MetricsAddr returns the bound metrics address, or nil if disabled.
func (n *Node) MetricsAddr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.metricsLn == nil {
		return nil
	}
	return n.metricsLn.Addr()
}

// Config returns the node configuration.
func (n *Node) Config() Config { return n.config }

// Running reports whether the node is currently running.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}
