// Package eth implements the eth/62 wire protocol: the status handshake, the
// per-peer message dispatcher, header and body serving, transaction ingress
// with flood control, and block propagation.
package eth

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/p2p"
	"github.com/holiman/uint256"

	"github.com/eth2030/eth62/core"
	"github.com/eth2030/eth62/txpool"
)

// Protocol version.
const ETH62 = 62

// ProtocolName is the capability name advertised in the RLPx handshake.
const ProtocolName = "eth"

// ProtocolLength is the number of message codes reserved by eth/62.
const ProtocolLength = 8

// ProtocolMaxMsgSize is the maximum accepted size of a single message.
const ProtocolMaxMsgSize = 10 * 1024 * 1024

// MaxHeadersServe is the maximum number of headers a peer may ask for in a
// single request. Larger requests are a protocol breach.
const MaxHeadersServe = 1024

// MaxBodiesServe is the maximum number of block bodies returned in a single
// response.
const MaxBodiesServe = 512

// softResponseLimit is the target maximum size of a bodies response.
const softResponseLimit = 2 * 1024 * 1024

// eth/62 message codes.
const (
	StatusMsg          = 0x00
	NewBlockHashesMsg  = 0x01
	TransactionsMsg    = 0x02
	GetBlockHeadersMsg = 0x03
	BlockHeadersMsg    = 0x04
	GetBlockBodiesMsg  = 0x05
	BlockBodiesMsg     = 0x06
	NewBlockMsg        = 0x07
)

// Session is the transport a Handler talks through: one authenticated
// connection to one remote peer.
type Session interface {
	// ID returns the remote peer's identifier.
	ID() string
	// Send encodes and writes pkt under its message code.
	Send(pkt Packet) error
	// Disconnect closes the connection. Only the first call has an effect.
	Disconnect(reason p2p.DiscReason, detail string)
	// Closing reports whether the connection is shutting down.
	Closing() bool
}

// ChainView is the local chain as seen by the protocol handler.
type ChainView interface {
	ChainID() uint64
	Genesis() *types.Header
	Head() *types.Header
	TotalDifficulty(hash common.Hash) *uint256.Int
	FindHash(number uint64) (common.Hash, bool)
	// FindHeaders returns amount slots, nil where no header exists.
	FindHeaders(start common.Hash, amount int, skip uint64, reverse bool) []*types.Header
	FindBlock(hash common.Hash) *types.Block
	AddBlock(block *core.Block) error
	// HintBlock records a hash announcement. It must not block.
	HintBlock(hash common.Hash, number uint64, peer string)
}

// TxPool accepts transactions received from peers.
type TxPool interface {
	AddTransaction(tx *txpool.Tx, opts txpool.Options) txpool.Result
}

// ProtocolInitializedEvent is posted once a peer's status has been accepted.
type ProtocolInitializedEvent struct {
	Peer    string
	Version uint
	Head    common.Hash
	TD      *uint256.Int
}
