package eth

import (
	"fmt"

	"github.com/ethereum/go-ethereum/p2p"
)

// newPacket returns an empty packet for a message code, or nil if the code
// is not part of eth/62.
func newPacket(code uint64) Packet {
	switch code {
	case StatusMsg:
		return new(StatusPacket)
	case NewBlockHashesMsg:
		return new(NewBlockHashesPacket)
	case TransactionsMsg:
		return new(TransactionsPacket)
	case GetBlockHeadersMsg:
		return new(GetBlockHeadersPacket)
	case BlockHeadersMsg:
		return new(BlockHeadersPacket)
	case GetBlockBodiesMsg:
		return new(GetBlockBodiesPacket)
	case BlockBodiesMsg:
		return new(BlockBodiesPacket)
	case NewBlockMsg:
		return new(NewBlockPacket)
	}
	return nil
}

// decodePacket reads the payload of msg into the packet type for its code.
func decodePacket(msg p2p.Msg) (Packet, error) {
	pkt := newPacket(msg.Code)
	if pkt == nil {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidMsgCode, msg.Code)
	}
	if err := msg.Decode(pkt); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, pkt.Name(), err)
	}
	if nb, ok := pkt.(*NewBlockPacket); ok && (nb.Block == nil || nb.TD == nil) {
		return nil, fmt.Errorf("%w: %s: missing block or total difficulty", ErrDecode, pkt.Name())
	}
	return pkt, nil
}
