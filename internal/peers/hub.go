package peers

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sheerbytes/parashare/pkg/protocol"
)

const sendQueueSize = 64

// Peer represents a connected peer.
type Peer struct {
	PeerID string
	Role   string
	ConnID string // unique per WebSocket connection
}

// peerConnection holds a peer and its send queue. closed is guarded by Hub.mu;
// the queue is only written under the read lock and only closed under the write lock.
type peerConnection struct {
	peer       Peer
	send       chan protocol.Envelope
	done       chan struct{}
	disconnect func()
	closed     bool
}

// Hub manages peers per session in a thread-safe manner.
// Duplicate peer_ids within a session use last-write-wins: the most recent connection replaces any previous one.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*peerConnection // sessionID -> connID -> peerConnection
	byPeerID map[string]map[string]string          // sessionID -> peerID -> connID (for routing by peer_id)
}

// NewHub creates a new peer hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]map[string]*peerConnection),
		byPeerID: make(map[string]map[string]string),
	}
}

// Admission limits who may join a session. The zero value admits everyone.
type Admission struct {
	// SingleSender rejects a second sender with a different peer ID.
	SingleSender bool
	// MaxReceivers caps connected receivers; zero means no cap.
	MaxReceivers int
}

var (
	ErrSenderPresent = errors.New("session already has a sender")
	ErrReceiverLimit = errors.New("receiver limit reached")
)

// Add adds a peer to a session and returns a remove function.
// send delivers one envelope to the peer's socket; it is called from a single
// writer goroutine. disconnect, if non-nil, is called when the hub drops the
// peer on its own (replaced by a newer connection or session closed).
func (h *Hub) Add(sessionID string, p Peer, send func(env protocol.Envelope) error, disconnect func()) (remove func()) {
	remove, _ = h.TryAdd(sessionID, p, Admission{}, send, disconnect)
	return remove
}

// Admit reports whether p would currently be admitted under a.
func (h *Hub) Admit(sessionID string, p Peer, a Admission) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.admitLocked(sessionID, p, a)
}

// admitLocked must be called with h.mu held. A peer replacing its own
// earlier connection does not count against the limits.
func (h *Hub) admitLocked(sessionID string, p Peer, a Admission) error {
	receivers := 0
	for _, pc := range h.sessions[sessionID] {
		if pc.peer.PeerID == p.PeerID {
			continue
		}
		switch pc.peer.Role {
		case protocol.RoleSender:
			if a.SingleSender && p.Role == protocol.RoleSender {
				return ErrSenderPresent
			}
		case protocol.RoleReceiver:
			receivers++
		}
	}
	if a.MaxReceivers > 0 && p.Role == protocol.RoleReceiver && receivers >= a.MaxReceivers {
		return ErrReceiverLimit
	}
	return nil
}

// TryAdd is Add with the admission check and the insert done under one lock,
// so concurrent joins cannot both pass the limits.
func (h *Hub) TryAdd(sessionID string, p Peer, a Admission, send func(env protocol.Envelope) error, disconnect func()) (remove func(), err error) {
	pc := &peerConnection{
		peer:       p,
		send:       make(chan protocol.Envelope, sendQueueSize),
		done:       make(chan struct{}),
		disconnect: disconnect,
	}

	var replaced *peerConnection

	h.mu.Lock()
	if err := h.admitLocked(sessionID, p, a); err != nil {
		h.mu.Unlock()
		return func() {}, err
	}
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[string]*peerConnection)
	}
	if h.byPeerID[sessionID] == nil {
		h.byPeerID[sessionID] = make(map[string]string)
	}
	if oldConnID, exists := h.byPeerID[sessionID][p.PeerID]; exists {
		if old, ok := h.sessions[sessionID][oldConnID]; ok {
			h.closeLocked(old)
			replaced = old
		}
		delete(h.sessions[sessionID], oldConnID)
	}
	h.sessions[sessionID][p.ConnID] = pc
	h.byPeerID[sessionID][p.PeerID] = p.ConnID
	h.mu.Unlock()

	go func() {
		defer close(pc.done)
		for env := range pc.send {
			if err := send(env); err != nil {
				// Discard the rest until the hub closes the queue.
				for range pc.send {
				}
				return
			}
		}
	}()

	if replaced != nil {
		replaced.shutdown()
	}

	return func() {
		h.mu.Lock()
		sessionPeers := h.sessions[sessionID]
		if current, ok := sessionPeers[p.ConnID]; !ok || current != pc {
			h.mu.Unlock()
			return
		}
		delete(sessionPeers, p.ConnID)
		if peerIDMap := h.byPeerID[sessionID]; peerIDMap[p.PeerID] == p.ConnID {
			delete(peerIDMap, p.PeerID)
		}
		if len(sessionPeers) == 0 {
			delete(h.sessions, sessionID)
			delete(h.byPeerID, sessionID)
		}
		h.closeLocked(pc)
		h.mu.Unlock()

		select {
		case <-pc.done:
		case <-time.After(time.Second):
		}
	}, nil
}

func (h *Hub) closeLocked(pc *peerConnection) {
	if pc.closed {
		return
	}
	pc.closed = true
	close(pc.send)
}

// CloseSession drops every peer in the session and calls their disconnect
// functions once queued envelopes are written. It returns the number of peers dropped.
func (h *Hub) CloseSession(sessionID string) int {
	h.mu.Lock()
	sessionPeers := h.sessions[sessionID]
	dropped := make([]*peerConnection, 0, len(sessionPeers))
	for _, pc := range sessionPeers {
		h.closeLocked(pc)
		dropped = append(dropped, pc)
	}
	delete(h.sessions, sessionID)
	delete(h.byPeerID, sessionID)
	h.mu.Unlock()

	for _, pc := range dropped {
		pc.shutdown()
	}
	return len(dropped)
}

// shutdown lets the writer flush what is queued, then disconnects the peer.
// The queue must already be closed.
func (pc *peerConnection) shutdown() {
	select {
	case <-pc.done:
	case <-time.After(time.Second):
	}
	if pc.disconnect != nil {
		pc.disconnect()
	}
}

// List returns the peers in a session ordered by peer ID.
func (h *Hub) List(sessionID string) []protocol.PeerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sessionPeers := h.sessions[sessionID]
	peers := make([]protocol.PeerInfo, 0, len(sessionPeers))
	for _, pc := range sessionPeers {
		peers = append(peers, protocol.PeerInfo{
			PeerID: pc.peer.PeerID,
			Role:   pc.peer.Role,
		})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].PeerID < peers[j].PeerID })
	return peers
}

// Has reports whether peerID is connected to the session.
func (h *Hub) Has(sessionID, peerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.byPeerID[sessionID][peerID]
	return ok
}

// Count returns the number of connected peers in a session.
func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// CountRole returns the number of connected peers with the given role.
func (h *Hub) CountRole(sessionID, role string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, pc := range h.sessions[sessionID] {
		if pc.peer.Role == role {
			n++
		}
	}
	return n
}

// Broadcast sends an envelope to all peers in a session.
// Slow peers whose queue is full miss the envelope.
func (h *Hub) Broadcast(sessionID string, env protocol.Envelope) {
	h.BroadcastExcept(sessionID, "", env)
}

// BroadcastExcept sends an envelope to all peers in a session except the specified peer.
func (h *Hub) BroadcastExcept(sessionID string, exceptPeerID string, env protocol.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, pc := range h.sessions[sessionID] {
		if exceptPeerID != "" && pc.peer.PeerID == exceptPeerID {
			continue
		}
		enqueue(pc, env)
	}
}

// SendTo sends an envelope to a specific peer in a session.
// Returns true if the peer was found, whether or not its queue had room.
func (h *Hub) SendTo(sessionID string, peerID string, env protocol.Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	connID, exists := h.byPeerID[sessionID][peerID]
	if !exists {
		return false
	}
	pc, exists := h.sessions[sessionID][connID]
	if !exists {
		return false
	}
	enqueue(pc, env)
	return true
}

// enqueue must be called with h.mu held for reading.
func enqueue(pc *peerConnection, env protocol.Envelope) {
	if pc.closed {
		return
	}
	select {
	case pc.send <- env:
	default:
	}
}
