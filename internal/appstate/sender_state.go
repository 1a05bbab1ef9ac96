package appstate

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sheerbytes/parashare/pkg/protocol"
)

// ReceiverState tracks the state of a receiver peer.
type ReceiverState struct {
	PeerID   string
	Role     string
	Ready    bool
	Channels int
	Served   bool
	LastSeen time.Time
}

// SenderState tracks the receivers in a share session and which one, if
// any, the sender is currently transferring to. Only one transfer runs at a
// time; other ready receivers wait until the active one is released.
type SenderState struct {
	mu        sync.RWMutex
	receivers map[string]*ReceiverState // peer_id -> state
	active    string
	onReady   func(peerID string, channels int) error
	now       func() time.Time
}

// NewSenderState creates a sender state tracker. onReady is called, outside
// the lock, whenever a receiver is claimed as the transfer target.
func NewSenderState(onReady func(peerID string, channels int) error) *SenderState {
	return &SenderState{
		receivers: make(map[string]*ReceiverState),
		onReady:   onReady,
		now:       time.Now,
	}
}

// UpdatePeerList updates receiver states from a peer list.
func (s *SenderState) UpdatePeerList(peers []protocol.PeerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range peers {
		s.touchLocked(p.PeerID, p.Role)
	}
}

// HandlePeerJoined records a new peer. Receivers are not targeted until they
// announce receiver_ready.
func (s *SenderState) HandlePeerJoined(peerID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked(peerID, role)
}

func (s *SenderState) touchLocked(peerID, role string) *ReceiverState {
	now := s.now()
	state, exists := s.receivers[peerID]
	if !exists {
		state = &ReceiverState{PeerID: peerID}
		s.receivers[peerID] = state
	}
	if role != "" {
		state.Role = role
	}
	state.LastSeen = now
	return state
}

// HandlePeerLeft removes the peer. It reports whether the peer was the
// active transfer target, in which case the caller must abort the transfer
// and Release the slot once it has wound down.
func (s *SenderState) HandlePeerLeft(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.receivers, peerID)
	return s.active == peerID
}

// HandleReceiverReady marks the peer ready. If no transfer is active it is
// claimed immediately and onReady is invoked.
func (s *SenderState) HandleReceiverReady(peerID string, channels int) error {
	s.mu.Lock()
	state := s.touchLocked(peerID, protocol.RoleReceiver)
	state.Ready = true
	state.Channels = channels
	// A fresh announcement asks to be served again.
	if s.active != peerID {
		state.Served = false
	}
	target, ok := s.claimLocked()
	onReady := s.onReady
	s.mu.Unlock()

	if ok && onReady != nil {
		return onReady(target.PeerID, target.Channels)
	}
	return nil
}

// claimLocked picks the first ready, unserved receiver in peer-id order.
func (s *SenderState) claimLocked() (ReceiverState, bool) {
	if s.active != "" {
		return ReceiverState{}, false
	}
	ids := s.readyReceiversLocked()
	for _, id := range ids {
		state := s.receivers[id]
		if state.Served {
			continue
		}
		state.Served = true
		s.active = id
		return *state, true
	}
	return ReceiverState{}, false
}

// Release ends the active transfer with peerID and hands the slot to the
// next waiting receiver, if any.
func (s *SenderState) Release(peerID string) error {
	s.mu.Lock()
	if s.active != peerID {
		s.mu.Unlock()
		return nil
	}
	s.active = ""
	target, ok := s.claimLocked()
	onReady := s.onReady
	s.mu.Unlock()

	if ok && onReady != nil {
		return onReady(target.PeerID, target.Channels)
	}
	return nil
}

// Active returns the peer currently being served, or "".
func (s *SenderState) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// ReadyReceivers returns peer IDs of receivers that announced readiness.
func (s *SenderState) ReadyReceivers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readyReceiversLocked()
}

// TotalReceivers returns the total number of receivers.
func (s *SenderState) TotalReceivers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalReceiversLocked()
}

func (s *SenderState) totalReceiversLocked() int {
	count := 0
	for _, state := range s.receivers {
		if state.Role == protocol.RoleReceiver {
			count++
		}
	}
	return count
}

// ReadinessInfo returns a formatted readiness string.
func (s *SenderState) ReadinessInfo() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ready := s.readyReceiversLocked()
	active := s.active
	if active == "" {
		active = "none"
	}
	if len(ready) <= 10 {
		return fmt.Sprintf("READY receivers: %d/%d (active %s) %v", len(ready), s.totalReceiversLocked(), active, ready)
	}
	return fmt.Sprintf("READY receivers: %d/%d (active %s)", len(ready), s.totalReceiversLocked(), active)
}

// readyReceiversLocked returns ready receiver IDs (must be called with lock held).
func (s *SenderState) readyReceiversLocked() []string {
	ready := make([]string, 0)
	for peerID, state := range s.receivers {
		if state.Role == protocol.RoleReceiver && state.Ready {
			ready = append(ready, peerID)
		}
	}
	slices.Sort(ready)
	return ready
}
