package eth

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/p2p"
)

// peerSession adapts an RLPx peer and its eth message stream to Session.
type peerSession struct {
	peer *p2p.Peer
	rw   p2p.MsgReadWriter
	id   string

	closing    atomic.Bool
	disconnect sync.Once
}

func newPeerSession(peer *p2p.Peer, rw p2p.MsgReadWriter) *peerSession {
	return &peerSession{peer: peer, rw: rw, id: peer.ID().String()}
}

func (s *peerSession) ID() string { return s.id }

func (s *peerSession) Send(pkt Packet) error {
	if err := p2p.Send(s.rw, pkt.Kind(), pkt); err != nil {
		return fmt.Errorf("eth: send %s: %w", pkt.Name(), err)
	}
	return nil
}

func (s *peerSession) Disconnect(reason p2p.DiscReason, detail string) {
	s.disconnect.Do(func() {
		s.closing.Store(true)
		s.peer.Log().Debug("Disconnecting eth peer", "reason", reason, "detail", detail)
		s.peer.Disconnect(reason)
	})
}

func (s *peerSession) Closing() bool { return s.closing.Load() }

// markClosing flags the session as going away without sending a
// disconnect, e.g. after the remote side dropped the connection.
func (s *peerSession) markClosing() { s.closing.Store(true) }
