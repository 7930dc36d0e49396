package eth

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/p2p"
)

var (
	ErrNoStatus                = errors.New("eth: message received before status")
	ErrExtraStatus             = errors.New("eth: status already received")
	ErrDecode                  = errors.New("eth: invalid message")
	ErrInvalidMsgCode          = errors.New("eth: invalid message code")
	ErrMsgTooLarge             = errors.New("eth: message too large")
	ErrProtocolVersionMismatch = errors.New("eth: protocol version mismatch")
	ErrNetworkIDMismatch       = errors.New("eth: network id mismatch")
	ErrGenesisMismatch         = errors.New("eth: genesis mismatch")
	ErrHandshakeTimeout        = errors.New("eth: status handshake timeout")
	ErrTooManyHeaders          = errors.New("eth: too many headers requested")
	ErrNoHead                  = errors.New("eth: local chain has no head")
	ErrAlreadyInitialised      = errors.New("eth: handler already initialised")
	ErrNotReady                = errors.New("eth: handshake not complete")
	ErrMissingTotalDifficulty  = errors.New("eth: block has no total difficulty")
	ErrHandlerClosed           = errors.New("eth: handler closed")
)

// ProtocolError is a peer misbehaviour that ends the session. The handler
// has already disconnected the peer with Reason when it returns one.
type ProtocolError struct {
	Peer   string
	Reason p2p.DiscReason
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("peer %s: %v (%v)", e.Peer, e.Err, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
