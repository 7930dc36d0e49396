package eth

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/p2p"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/eth62/core"
)

func TestHandler_Metadata(t *testing.T) {
	env := newTestEnv(t, 0)
	h := env.handler

	assert.Equal(t, "peer-1", h.ID())
	assert.Equal(t, "eth62", h.Name())
	assert.Equal(t, uint(62), h.Version())
	assert.Equal(t, uint64(8), h.MessageIDSpace())
	assert.Equal(t, "eth", ProtocolName)
	assert.Equal(t, AwaitingInit, h.State())
}

func TestHandler_InitSendsStatus(t *testing.T) {
	env := newTestEnv(t, 10)
	require.NoError(t, env.handler.Init())

	assert.Equal(t, AwaitingStatus, env.handler.State())
	sent := env.session.packets()
	require.Len(t, sent, 1)
	status, ok := sent[0].(*StatusPacket)
	require.True(t, ok)

	head := env.chain.Head()
	assert.Equal(t, uint32(ETH62), status.ProtocolVersion)
	assert.Equal(t, uint64(testNetworkID), status.NetworkID)
	assert.Equal(t, head.Hash(), status.Head)
	assert.Equal(t, env.chain.Genesis().Hash(), status.Genesis)
	assert.Equal(t, uint256.NewInt(11*core.GenesisDifficulty), status.TD)
	assert.Equal(t, uint64(1), env.handler.Counter())

	require.ErrorIs(t, env.handler.Init(), ErrAlreadyInitialised)
}

func TestHandler_InitFallsBackToHeadDifficulty(t *testing.T) {
	env := newTestEnv(t, 3)
	env.chain.tds = map[common.Hash]*uint256.Int{}
	require.NoError(t, env.handler.Init())

	status := env.session.packets()[0].(*StatusPacket)
	assert.Equal(t, uint256.NewInt(core.GenesisDifficulty), status.TD)
}

func TestHandler_InitWithoutHead(t *testing.T) {
	env := newTestEnv(t, 0)
	env.chain.head = nil

	require.ErrorIs(t, env.handler.Init(), ErrNoHead)
	assert.Empty(t, env.session.packets())
	assert.Equal(t, AwaitingInit, env.handler.State())
}

func TestHandler_StatusCompletesHandshake(t *testing.T) {
	env := newTestEnv(t, 0)
	events := make(chan ProtocolInitializedEvent, 1)
	sub := env.handler.SubscribeInitialized(events)
	defer sub.Unsubscribe()

	require.NoError(t, env.handler.Init())
	status := env.remoteStatus()
	require.NoError(t, env.handler.HandleMessage(encodeMsg(t, StatusMsg, status)))

	assert.Equal(t, Ready, env.handler.State())
	assert.Equal(t, status.Head, env.handler.HeadHash())
	assert.Equal(t, status.TD, env.handler.TotalDifficulty())
	assert.Equal(t, uint64(2), env.handler.Counter())

	select {
	case ev := <-events:
		assert.Equal(t, "peer-1", ev.Peer)
		assert.Equal(t, uint(ETH62), ev.Version)
		assert.Equal(t, status.Head, ev.Head)
	case <-time.After(time.Second):
		t.Fatal("no initialized event")
	}
}

func TestHandler_StatusBeforeInit(t *testing.T) {
	env := newTestEnv(t, 0)
	require.NoError(t, env.handler.HandleMessage(encodeMsg(t, StatusMsg, env.remoteStatus())))
	assert.Equal(t, AwaitingInit, env.handler.State())

	require.NoError(t, env.handler.Init())
	assert.Equal(t, Ready, env.handler.State())
	env.clock.Run(time.Minute)
	_, _, disconnected := env.session.disconnected()
	assert.False(t, disconnected)
}

func TestHandler_DuplicateStatus(t *testing.T) {
	env := newReadyEnv(t, 0)

	err := env.handler.HandleMessage(encodeMsg(t, StatusMsg, env.remoteStatus()))
	requireProtocolError(t, err, ErrExtraStatus, p2p.DiscProtocolError)
	assert.Contains(t, err.Error(), "already received")

	reason, _, disconnected := env.session.disconnected()
	require.True(t, disconnected)
	assert.Equal(t, p2p.DiscProtocolError, reason)
}

func TestHandler_MessageBeforeStatus(t *testing.T) {
	env := newTestEnv(t, 5)
	require.NoError(t, env.handler.Init())
	env.session.reset()

	req := &GetBlockHeadersPacket{Origin: HashOrNumber{Number: 1}, Amount: 1}
	err := env.handler.HandleMessage(encodeMsg(t, GetBlockHeadersMsg, req))
	requireProtocolError(t, err, ErrNoStatus, p2p.DiscProtocolError)
	assert.Empty(t, env.session.packets(), "nothing may be served before status")
}

func TestHandler_GarbageBeforeStatusIsNotDecoded(t *testing.T) {
	env := newTestEnv(t, 0)
	require.NoError(t, env.handler.Init())

	msg := encodeMsg(t, TransactionsMsg, []byte{0x01, 0x02})
	err := env.handler.HandleMessage(msg)
	requireProtocolError(t, err, ErrNoStatus, p2p.DiscProtocolError)
	assert.False(t, errors.Is(err, ErrDecode))
}

func TestHandler_StatusMismatch(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*StatusPacket)
		want   error
		reason p2p.DiscReason
	}{
		{"network", func(s *StatusPacket) { s.NetworkID = 5 }, ErrNetworkIDMismatch, p2p.DiscUselessPeer},
		{"genesis", func(s *StatusPacket) { s.Genesis = common.HexToHash("0x01") }, ErrGenesisMismatch, p2p.DiscUselessPeer},
		{"version", func(s *StatusPacket) { s.ProtocolVersion = 63 }, ErrProtocolVersionMismatch, p2p.DiscProtocolError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 0)
			require.NoError(t, env.handler.Init())
			status := env.remoteStatus()
			tt.mutate(status)

			err := env.handler.HandleMessage(encodeMsg(t, StatusMsg, status))
			requireProtocolError(t, err, tt.want, tt.reason)
			assert.NotEqual(t, Ready, env.handler.State())
		})
	}
}

func TestHandler_HandshakeTimeout(t *testing.T) {
	env := newTestEnv(t, 0)
	require.NoError(t, env.handler.Init())

	env.clock.Run(9 * time.Second)
	_, _, disconnected := env.session.disconnected()
	require.False(t, disconnected)

	env.clock.Run(time.Second)
	reason, _, disconnected := env.session.disconnected()
	require.True(t, disconnected)
	assert.Equal(t, p2p.DiscReadTimeout, reason)
	assert.ErrorIs(t, env.handler.InitErr(), ErrHandshakeTimeout)
}

func TestHandler_StatusAfterHandshakeTimeout(t *testing.T) {
	env := newTestEnv(t, 3)
	require.NoError(t, env.handler.Init())
	env.clock.Run(11 * time.Second)
	env.session.reset()

	err := env.handler.HandleMessage(encodeMsg(t, StatusMsg, env.remoteStatus()))
	requireProtocolError(t, err, ErrHandshakeTimeout, p2p.DiscReadTimeout)
	assert.Equal(t, AwaitingStatus, env.handler.State())
	assert.Nil(t, env.handler.TotalDifficulty())

	req := &GetBlockHeadersPacket{Origin: HashOrNumber{Number: 1}, Amount: 1}
	err = env.handler.HandleMessage(encodeMsg(t, GetBlockHeadersMsg, req))
	requireProtocolError(t, err, ErrHandshakeTimeout, p2p.DiscReadTimeout)
	assert.Empty(t, env.session.packets())
}

func TestHandler_CloseRacingInitLeavesNoTimers(t *testing.T) {
	for i := 0; i < 50; i++ {
		env := newTestEnv(t, 0)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			env.handler.Init()
		}()
		go func() {
			defer wg.Done()
			env.handler.Close()
		}()
		wg.Wait()
		require.Zero(t, env.clock.ActiveTimers(), "iteration %d", i)
	}
}

func TestHandler_NoTimeoutAfterReady(t *testing.T) {
	env := newReadyEnv(t, 0)
	env.clock.Run(30 * time.Second)

	_, _, disconnected := env.session.disconnected()
	assert.False(t, disconnected)
	assert.NoError(t, env.handler.InitErr())
}

func TestHandler_InvalidMessages(t *testing.T) {
	t.Run("code outside space", func(t *testing.T) {
		env := newReadyEnv(t, 0)
		err := env.handler.HandleMessage(encodeMsg(t, ProtocolLength, []uint{}))
		requireProtocolError(t, err, ErrInvalidMsgCode, p2p.DiscProtocolError)
	})
	t.Run("too large", func(t *testing.T) {
		env := newReadyEnv(t, 0)
		msg := encodeMsg(t, TransactionsMsg, &TransactionsPacket{})
		msg.Size = ProtocolMaxMsgSize + 1
		err := env.handler.HandleMessage(msg)
		requireProtocolError(t, err, ErrMsgTooLarge, p2p.DiscProtocolError)
	})
	t.Run("undecodable", func(t *testing.T) {
		env := newReadyEnv(t, 0)
		err := env.handler.HandleMessage(encodeMsg(t, GetBlockHeadersMsg, "not a request"))
		requireProtocolError(t, err, ErrDecode, p2p.DiscProtocolError)
	})
	t.Run("too many headers", func(t *testing.T) {
		env := newReadyEnv(t, 0)
		req := &GetBlockHeadersPacket{Origin: HashOrNumber{Number: 0}, Amount: MaxHeadersServe + 1}
		err := env.handler.HandleMessage(encodeMsg(t, GetBlockHeadersMsg, req))
		requireProtocolError(t, err, ErrTooManyHeaders, p2p.DiscProtocolError)
		assert.Empty(t, env.session.packets())
	})
}

func TestHandler_Closed(t *testing.T) {
	env := newReadyEnv(t, 0)
	env.handler.Close()
	env.handler.Close()

	assert.Equal(t, Disposed, env.handler.State())
	assert.Zero(t, env.clock.ActiveTimers())
	require.ErrorIs(t, env.handler.HandleMessage(encodeMsg(t, StatusMsg, env.remoteStatus())), ErrHandlerClosed)
	require.ErrorIs(t, env.handler.Init(), ErrHandlerClosed)
}

func TestHandler_NewBlockHashes(t *testing.T) {
	env := newReadyEnv(t, 0)
	hashes := NewBlockHashesPacket{
		{Hash: common.HexToHash("0x01"), Number: 1},
		{Hash: common.HexToHash("0x02"), Number: 2},
	}
	require.NoError(t, env.handler.HandleMessage(encodeMsg(t, NewBlockHashesMsg, &hashes)))

	require.Len(t, env.chain.hints, 2)
	assert.Equal(t, core.BlockHint{Hash: hashes[1].Hash, Number: 2, Peer: "peer-1"}, env.chain.hints[1])
	assert.True(t, env.handler.KnowsBlock(hashes[0].Hash))
}

func TestHandler_NewBlock(t *testing.T) {
	env := newReadyEnv(t, 3)
	block := core.MakeChain(env.chain.block(3), 1, 0)[0]
	td := uint256.NewInt(5000)

	pkt := &NewBlockPacket{Block: block, TD: td}
	require.NoError(t, env.handler.HandleMessage(encodeMsg(t, NewBlockMsg, pkt)))

	require.Len(t, env.chain.added, 1)
	added := env.chain.added[0]
	assert.Equal(t, block.Hash(), added.Hash())
	got, ok := added.TotalDifficulty()
	require.True(t, ok)
	assert.Equal(t, td, got)
	assert.Equal(t, block.Hash(), env.handler.HeadHash())
	assert.Equal(t, td, env.handler.TotalDifficulty())
	assert.True(t, env.handler.KnowsBlock(block.Hash()))
}

func TestHandler_NewBlockLowerDifficultyKeepsHead(t *testing.T) {
	env := newReadyEnv(t, 3)
	block := core.MakeChain(env.chain.block(3), 1, 0)[0]

	pkt := &NewBlockPacket{Block: block, TD: uint256.NewInt(1)}
	require.NoError(t, env.handler.HandleMessage(encodeMsg(t, NewBlockMsg, pkt)))
	assert.Equal(t, env.remoteStatus().Head, env.handler.HeadHash())
}

func TestHandler_NewBlockFailureIsNotFatal(t *testing.T) {
	env := newReadyEnv(t, 3)
	env.chain.addErr = core.ErrUnknownParent
	block := core.MakeChain(env.chain.block(3), 2, 0)[1]

	err := env.handler.HandleMessage(encodeMsg(t, NewBlockMsg, &NewBlockPacket{Block: block, TD: uint256.NewInt(7)}))
	require.ErrorIs(t, err, core.ErrUnknownParent)
	var perr *ProtocolError
	assert.False(t, errors.As(err, &perr))
	_, _, disconnected := env.session.disconnected()
	assert.False(t, disconnected)
	assert.Equal(t, Ready, env.handler.State())
}

func TestHandler_GetBlockBodies(t *testing.T) {
	env := newReadyEnv(t, 5)
	req := GetBlockBodiesPacket{env.chain.header(2).Hash(), common.HexToHash("0xabcdef"), env.chain.header(4).Hash()}
	require.NoError(t, env.handler.HandleMessage(encodeMsg(t, GetBlockBodiesMsg, &req)))

	sent := env.session.packets()
	require.Len(t, sent, 1)
	bodies, ok := sent[0].(*BlockBodiesPacket)
	require.True(t, ok)
	assert.Len(t, *bodies, 2)
}
