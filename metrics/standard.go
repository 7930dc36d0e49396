package metrics

// eth62 protocol metrics. They live in DefaultRegistry so every per-peer
// handler updates the same process-wide series.
var (
	// StatusesSent counts Status handshake messages sent to peers.
	StatusesSent = DefaultRegistry.Counter("eth62.statuses_sent")
	// StatusesReceived counts Status messages received, including duplicates.
	StatusesReceived = DefaultRegistry.Counter("eth62.statuses_received")
	// HandshakeTimeouts counts peers dropped for not sending Status in time.
	HandshakeTimeouts = DefaultRegistry.Counter("eth62.handshake_timeouts")
	// ProtocolViolations counts sessions terminated for protocol errors.
	ProtocolViolations = DefaultRegistry.Counter("eth62.protocol_violations")

	// MessagesReceived counts every inbound message that passed framing checks.
	MessagesReceived = DefaultRegistry.Counter("eth62.messages_received")
	// MessagesSent counts every outbound message handed to the transport.
	MessagesSent = DefaultRegistry.Counter("eth62.messages_sent")
	// MessageSize records inbound payload sizes in bytes.
	MessageSize = DefaultRegistry.Histogram("eth62.message_size_bytes")

	// TransactionsReceived counts transactions handed to the pool.
	TransactionsReceived = DefaultRegistry.Counter("eth62.transactions_received")
	// TransactionsRejected counts transactions the pool did not add.
	TransactionsRejected = DefaultRegistry.Counter("eth62.transactions_rejected")
	// TransactionBatchesDropped counts batches discarded from downgraded peers.
	TransactionBatchesDropped = DefaultRegistry.Counter("eth62.transaction_batches_dropped")
	// PeersDowngraded counts peers soft-penalised for transaction flooding.
	PeersDowngraded = DefaultRegistry.Counter("eth62.peers_downgraded")
	// FloodDisconnects counts peers disconnected for transaction flooding.
	FloodDisconnects = DefaultRegistry.Counter("eth62.flood_disconnects")

	// NewBlockHashesReceived counts inbound hash-hint messages.
	NewBlockHashesReceived = DefaultRegistry.Counter("eth62.new_block_hashes_received")
	// NewBlocksReceived counts inbound full-block announcements.
	NewBlocksReceived = DefaultRegistry.Counter("eth62.new_blocks_received")
	// NewBlocksFailed counts inbound blocks the chain refused.
	NewBlocksFailed = DefaultRegistry.Counter("eth62.new_blocks_failed")
	// BlocksPropagated counts full blocks sent to peers.
	BlocksPropagated = DefaultRegistry.Counter("eth62.blocks_propagated")
	// BlocksAnnounced counts hash hints sent to peers.
	BlocksAnnounced = DefaultRegistry.Counter("eth62.blocks_announced")

	// HeadersServed counts headers returned to GetBlockHeaders requests.
	HeadersServed = DefaultRegistry.Counter("eth62.headers_served")
	// BodiesServed counts bodies returned to GetBlockBodies requests.
	BodiesServed = DefaultRegistry.Counter("eth62.bodies_served")

	// PeersReady tracks peers that completed the handshake.
	PeersReady = DefaultRegistry.Gauge("eth62.peers_ready")
)
