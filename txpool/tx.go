package txpool

import (
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

// Tx is a transaction together with where and when it was received.
type Tx struct {
	*types.Transaction

	// DeliveredBy is the id of the peer session that sent the transaction,
	// empty for local submissions.
	DeliveredBy string
	// Timestamp is the time the transaction arrived.
	Timestamp time.Time
}

// NewTx wraps tx with delivery metadata.
func NewTx(tx *types.Transaction, peer string, at time.Time) *Tx {
	return &Tx{Transaction: tx, DeliveredBy: peer, Timestamp: at}
}

// Options modify how AddTransaction treats a single transaction.
type Options uint8

const (
	OptNone Options = 0
	// OptPersistentBroadcast marks a transaction for rebroadcast until it is
	// mined. Remote transactions never set it.
	OptPersistentBroadcast Options = 1
	// OptAllowPreEIP155 accepts transactions without replay protection.
	OptAllowPreEIP155 Options = 2
)

// Has reports whether all bits of o2 are set in o.
func (o Options) Has(o2 Options) bool { return o&o2 == o2 }

// Result is the outcome of offering a transaction to the pool.
type Result uint8

const (
	Added Result = iota
	AlreadyKnown
	Invalid
	Rejected
)

func (r Result) String() string {
	switch r {
	case Added:
		return "added"
	case AlreadyKnown:
		return "already known"
	case Invalid:
		return "invalid"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}
