package protocol

// Message type constants for protocol envelopes.
const (
	TypeError           = "error"
	TypePeerList        = "peer_list"
	TypePeerJoined      = "peer_joined"
	TypePeerLeft        = "peer_left"
	TypeReceiverReady   = "receiver_ready"
	TypeOffer           = "offer"
	TypeAnswer          = "answer"
	TypeTurnCredentials = "turn_credentials"
)

// Peer roles within a share session.
const (
	RoleSender   = "sender"
	RoleReceiver = "receiver"
)

// Error codes carried in Error payloads.
const (
	CodePeerNotFound   = "peer_not_found"
	CodeRateLimited    = "rate_limited"
	CodeInvalidMessage = "invalid_message"
	CodeSessionClosed  = "session_closed"
)
