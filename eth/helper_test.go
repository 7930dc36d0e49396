package eth

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/eth62/core"
	"github.com/eth2030/eth62/log"
	"github.com/eth2030/eth62/txpool"
)

const testNetworkID = 1

// fakeSession records everything the handler sends and every disconnect.
type fakeSession struct {
	id      string
	sendErr error

	mu          sync.Mutex
	sent        []Packet
	reason      p2p.DiscReason
	detail      string
	disconnects int
	closing     bool
}

func newFakeSession(id string) *fakeSession { return &fakeSession{id: id} }

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Send(pkt Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, pkt)
	return nil
}

func (s *fakeSession) Disconnect(reason p2p.DiscReason, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	if s.disconnects == 1 {
		s.reason, s.detail = reason, detail
	}
	s.closing = true
}

func (s *fakeSession) Closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *fakeSession) setClosing() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
}

func (s *fakeSession) packets() []Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Packet(nil), s.sent...)
}

func (s *fakeSession) reset() {
	s.mu.Lock()
	s.sent = nil
	s.mu.Unlock()
}

func (s *fakeSession) disconnected() (p2p.DiscReason, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.detail, s.disconnects > 0
}

// stubChain is an in-memory ChainView whose canonical chain may have gaps.
type stubChain struct {
	mu      sync.Mutex
	headers []*types.Header
	blocks  map[common.Hash]*types.Block
	tds     map[common.Hash]*uint256.Int
	head    *types.Header
	addErr  error
	added   []*core.Block
	hints   []core.BlockHint
}

// newStubChain returns a chain holding genesis plus n blocks.
func newStubChain(n int) *stubChain {
	genesis := core.DefaultGenesisBlock()
	c := &stubChain{
		blocks: make(map[common.Hash]*types.Block),
		tds:    make(map[common.Hash]*uint256.Int),
	}
	td := new(uint256.Int)
	for _, b := range append([]*types.Block{genesis}, core.MakeChain(genesis, n, 0)...) {
		td = new(uint256.Int).Add(td, uint256.MustFromBig(b.Difficulty()))
		c.headers = append(c.headers, b.Header())
		c.blocks[b.Hash()] = b
		c.tds[b.Hash()] = td
		c.head = b.Header()
	}
	return c
}

// removeHeader punches a hole into the canonical chain at number.
func (c *stubChain) removeHeader(number uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.headers[number]
	delete(c.blocks, h.Hash())
	c.headers[number] = nil
}

func (c *stubChain) header(number uint64) *types.Header { return c.headers[number] }

func (c *stubChain) block(number uint64) *types.Block { return c.blocks[c.headers[number].Hash()] }

func (c *stubChain) ChainID() uint64 { return testNetworkID }

func (c *stubChain) Genesis() *types.Header { return c.headers[0] }

func (c *stubChain) Head() *types.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

func (c *stubChain) TotalDifficulty(hash common.Hash) *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tds[hash]
}

func (c *stubChain) FindHash(number uint64) (common.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if number >= uint64(len(c.headers)) || c.headers[number] == nil {
		return common.Hash{}, false
	}
	return c.headers[number].Hash(), true
}

func (c *stubChain) FindHeaders(start common.Hash, amount int, skip uint64, reverse bool) []*types.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Header, amount)
	block, ok := c.blocks[start]
	if !ok || amount == 0 {
		return out
	}
	out[0] = block.Header()
	n := block.NumberU64()
	for i := 1; i < amount; i++ {
		if reverse {
			if n < skip+1 {
				break
			}
			n -= skip + 1
		} else {
			n += skip + 1
		}
		if n < uint64(len(c.headers)) {
			out[i] = c.headers[n]
		}
	}
	return out
}

func (c *stubChain) FindBlock(hash common.Hash) *types.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[hash]
}

func (c *stubChain) AddBlock(block *core.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added = append(c.added, block)
	return c.addErr
}

func (c *stubChain) HintBlock(hash common.Hash, number uint64, peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hints = append(c.hints, core.BlockHint{Hash: hash, Number: number, Peer: peer})
}

// stubPool answers every transaction with a fixed result.
type stubPool struct {
	result txpool.Result

	mu  sync.Mutex
	txs []*txpool.Tx
}

func (p *stubPool) AddTransaction(tx *txpool.Tx, _ txpool.Options) txpool.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txs = append(p.txs, tx)
	return p.result
}

func (p *stubPool) received() []*txpool.Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*txpool.Tx(nil), p.txs...)
}

type testEnv struct {
	handler *Handler
	session *fakeSession
	chain   *stubChain
	pool    *stubPool
	clock   *mclock.Simulated
}

// newTestEnv creates an uninitialised handler over a chain of n blocks.
func newTestEnv(t *testing.T, n int, configure ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		session: newFakeSession("peer-1"),
		chain:   newStubChain(n),
		pool:    &stubPool{result: txpool.Added},
		clock:   new(mclock.Simulated),
	}
	cfg := DefaultConfig()
	cfg.Clock = env.clock
	cfg.Logger = log.Discard()
	for _, fn := range configure {
		fn(&cfg)
	}
	env.handler = NewHandler(env.session, env.chain, env.pool, cfg)
	t.Cleanup(env.handler.Close)
	return env
}

// newReadyEnv creates a handler that has completed the status exchange.
// The local status it sent is cleared from the session.
func newReadyEnv(t *testing.T, n int, configure ...func(*Config)) *testEnv {
	t.Helper()
	env := newTestEnv(t, n, configure...)
	require.NoError(t, env.handler.Init())
	require.NoError(t, env.handler.HandleMessage(encodeMsg(t, StatusMsg, env.remoteStatus())))
	require.Equal(t, Ready, env.handler.State())
	env.session.reset()
	return env
}

func (env *testEnv) remoteStatus() *StatusPacket {
	return &StatusPacket{
		ProtocolVersion: ETH62,
		NetworkID:       testNetworkID,
		TD:              uint256.NewInt(1000),
		Head:            common.HexToHash("0xbeef"),
		Genesis:         env.chain.Genesis().Hash(),
	}
}

func encodeMsg(t *testing.T, code uint64, val interface{}) p2p.Msg {
	t.Helper()
	size, r, err := rlp.EncodeToReader(val)
	require.NoError(t, err)
	return p2p.Msg{Code: code, Size: uint32(size), Payload: r}
}

// txBatch returns a Transactions message carrying n copies of one signed
// transaction.
func txBatch(t *testing.T, n int) p2p.Msg {
	t.Helper()
	tx := signedTx(t, newTestKey(t), 0)
	batch := make(TransactionsPacket, n)
	for i := range batch {
		batch[i] = tx
	}
	return encodeMsg(t, TransactionsMsg, &batch)
}

func newTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func signedTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64) *types.Transaction {
	t.Helper()
	to := common.HexToAddress("0xdead")
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(1),
		Gas:      21000,
		To:       &to,
		Value:    big.NewInt(1),
	}), types.NewEIP155Signer(big.NewInt(testNetworkID)), key)
	require.NoError(t, err)
	return tx
}

func requireProtocolError(t *testing.T, err error, target error, reason p2p.DiscReason) {
	t.Helper()
	require.ErrorIs(t, err, target)
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr), "want *ProtocolError, got %T", err)
	require.Equal(t, reason, perr.Reason)
}

func headerNumbers(headers []*types.Header) []uint64 {
	out := make([]uint64, len(headers))
	for i, h := range headers {
		out[i] = h.Number.Uint64()
	}
	return out
}

func waitForPackets(t *testing.T, s *fakeSession, n int) []Packet {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.packets()) >= n }, time.Second, time.Millisecond)
	return s.packets()
}
