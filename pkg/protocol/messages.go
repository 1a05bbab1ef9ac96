package protocol

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PeerInfo contains information about a peer.
type PeerInfo struct {
	PeerID string `json:"peer_id"`
	Role   string `json:"role"`
}

// PeerList contains a list of peers.
type PeerList struct {
	Peers []PeerInfo `json:"peers"`
}

// PeerJoined indicates a peer has joined a session.
type PeerJoined struct {
	Peer PeerInfo `json:"peer"`
}

// PeerLeft indicates a peer has left a session.
type PeerLeft struct {
	PeerID string `json:"peer_id"`
}

// ReceiverReady is sent by a receiver to the sender once it is prepared to
// answer an offer.
type ReceiverReady struct {
	Channels int `json:"channels,omitempty"`
}

// Offer carries the sender's SDP with all ICE candidates gathered, and the
// number of data channels the sender opened.
type Offer struct {
	SDP      string `json:"sdp"`
	Channels int    `json:"channels"`
}

// Answer carries the receiver's SDP.
type Answer struct {
	SDP string `json:"sdp"`
}

// TurnServer is one TURN entry with ephemeral credentials.
type TurnServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// TurnCredentials lists TURN servers issued for this session.
type TurnCredentials struct {
	Servers   []TurnServer `json:"servers"`
	ExpiresAt string       `json:"expires_at,omitempty"`
}
