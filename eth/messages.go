package eth

import (
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// Packet is an eth/62 message payload. The set of packets is closed.
type Packet interface {
	Name() string
	Kind() uint64
	ethPacket()
}

// StatusPacket is the handshake message.
type StatusPacket struct {
	ProtocolVersion uint32
	NetworkID       uint64
	TD              *uint256.Int
	Head            common.Hash
	Genesis         common.Hash
}

// BlockHashEntry is one announced block in NewBlockHashesPacket.
type BlockHashEntry struct {
	Hash   common.Hash
	Number uint64
}

// NewBlockHashesPacket announces the availability of blocks by hash.
type NewBlockHashesPacket []BlockHashEntry

// TransactionsPacket carries transactions for the pool.
type TransactionsPacket []*types.Transaction

// GetBlockHeadersPacket requests a run of headers.
type GetBlockHeadersPacket struct {
	Origin  HashOrNumber
	Amount  uint64
	Skip    uint64
	Reverse bool
}

// BlockHeadersPacket answers GetBlockHeadersPacket.
type BlockHeadersPacket []*types.Header

// GetBlockBodiesPacket requests bodies by block hash.
type GetBlockBodiesPacket []common.Hash

// BlockBody is the transactions and uncles of one block.
type BlockBody struct {
	Transactions []*types.Transaction
	Uncles       []*types.Header
}

// BlockBodiesPacket answers GetBlockBodiesPacket.
type BlockBodiesPacket []*BlockBody

// NewBlockPacket propagates a full block with its total difficulty.
type NewBlockPacket struct {
	Block *types.Block
	TD    *uint256.Int
}

func (*StatusPacket) Name() string { return "Status" }
func (*StatusPacket) Kind() uint64 { return StatusMsg }
func (*StatusPacket) ethPacket()   {}

func (*NewBlockHashesPacket) Name() string { return "NewBlockHashes" }
func (*NewBlockHashesPacket) Kind() uint64 { return NewBlockHashesMsg }
func (*NewBlockHashesPacket) ethPacket()   {}

func (*TransactionsPacket) Name() string { return "Transactions" }
func (*TransactionsPacket) Kind() uint64 { return TransactionsMsg }
func (*TransactionsPacket) ethPacket()   {}

func (*GetBlockHeadersPacket) Name() string { return "GetBlockHeaders" }
func (*GetBlockHeadersPacket) Kind() uint64 { return GetBlockHeadersMsg }
func (*GetBlockHeadersPacket) ethPacket()   {}

func (*BlockHeadersPacket) Name() string { return "BlockHeaders" }
func (*BlockHeadersPacket) Kind() uint64 { return BlockHeadersMsg }
func (*BlockHeadersPacket) ethPacket()   {}

func (*GetBlockBodiesPacket) Name() string { return "GetBlockBodies" }
func (*GetBlockBodiesPacket) Kind() uint64 { return GetBlockBodiesMsg }
func (*GetBlockBodiesPacket) ethPacket()   {}

func (*BlockBodiesPacket) Name() string { return "BlockBodies" }
func (*BlockBodiesPacket) Kind() uint64 { return BlockBodiesMsg }
func (*BlockBodiesPacket) ethPacket()   {}

func (*NewBlockPacket) Name() string { return "NewBlock" }
func (*NewBlockPacket) Kind() uint64 { return NewBlockMsg }
func (*NewBlockPacket) ethPacket()   {}

// HashOrNumber is the origin of a header query: a block hash, or a block
// number when the hash is zero.
type HashOrNumber struct {
	Hash   common.Hash
	Number uint64
}

// EncodeRLP writes the hash if set and the number otherwise.
func (hn *HashOrNumber) EncodeRLP(w io.Writer) error {
	if hn.Hash == (common.Hash{}) {
		return rlp.Encode(w, hn.Number)
	}
	if hn.Number != 0 {
		return fmt.Errorf("both origin hash (%x) and number (%d) provided", hn.Hash, hn.Number)
	}
	return rlp.Encode(w, hn.Hash)
}

// DecodeRLP reads a 32 byte hash or an integer of at most 8 bytes.
func (hn *HashOrNumber) DecodeRLP(s *rlp.Stream) error {
	_, size, err := s.Kind()
	switch {
	case err != nil:
		return err
	case size == 32:
		hn.Number = 0
		return s.Decode(&hn.Hash)
	case size <= 8:
		hn.Hash = common.Hash{}
		return s.Decode(&hn.Number)
	default:
		return fmt.Errorf("invalid input size %d for origin", size)
	}
}

func (hn HashOrNumber) String() string {
	if hn.Hash != (common.Hash{}) {
		return hn.Hash.TerminalString()
	}
	return fmt.Sprintf("#%d", hn.Number)
}
