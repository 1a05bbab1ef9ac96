package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sheerbytes/parashare/internal/peers"
	"github.com/sheerbytes/parashare/pkg/protocol"
	"golang.org/x/time/rate"
)

const (
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	joinCode := r.URL.Query().Get("join_code")
	peerID := r.URL.Query().Get("peer_id")
	role := r.URL.Query().Get("role")

	if joinCode == "" {
		sendError(w, http.StatusBadRequest, "missing join_code")
		return
	}
	sess, found := s.store.GetByJoinCode(joinCode)
	if !found {
		sendError(w, http.StatusNotFound, "invalid or expired join_code")
		return
	}
	if peerID == "" || peerID == serverPeerID {
		sendError(w, http.StatusBadRequest, "missing or reserved peer_id")
		return
	}
	if role != protocol.RoleSender && role != protocol.RoleReceiver {
		sendError(w, http.StatusBadRequest, "role must be 'sender' or 'receiver'")
		return
	}

	if !s.connects.Allow(clientIP(r)) {
		sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	// One sender per session; a reconnect with the same peer_id replaces the old one.
	admission := peers.Admission{SingleSender: true, MaxReceivers: s.cfg.MaxReceivers}
	if err := s.hub.Admit(sess.ID, peers.Peer{PeerID: peerID, Role: role}, admission); err != nil {
		sendAdmissionError(w, err)
		return
	}

	if !s.conns.Acquire() {
		sendError(w, http.StatusTooManyRequests, "connection limit reached")
		return
	}
	defer s.conns.Release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	var writeMu sync.Mutex
	idle := s.cfg.WSIdleTimeout
	if idle > 0 {
		conn.SetReadDeadline(time.Now().Add(idle))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(idle))
			return nil
		})
		conn.SetPingHandler(func(appData string) error {
			conn.SetReadDeadline(time.Now().Add(idle))
			writeMu.Lock()
			err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
			writeMu.Unlock()
			return err
		})
	}

	connID := uuid.NewString()
	peer := peers.Peer{
		PeerID: peerID,
		Role:   role,
		ConnID: connID,
	}

	sendFunc := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(env)
	}

	// The peer list and TURN credentials are queued through the hub so all
	// writes to this socket come from one goroutine.
	// A concurrent join may have taken the slot since the check above.
	removePeer, err := s.hub.TryAdd(sess.ID, peer, admission, sendFunc, func() { _ = conn.Close() })
	if err != nil {
		s.logger.Info("peer rejected after upgrade", "session_id", sess.ID, "peer_id", peerID, "error", err)
		writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()), time.Now().Add(writeWait))
		writeMu.Unlock()
		return
	}
	defer removePeer()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	log := s.logger.With("session_id", sess.ID, "peer_id", peerID, "role", role, "conn_id", connID)
	log.Info("peer connected")

	if env, err := protocol.NewEnvelope(protocol.TypePeerList, protocol.NewMsgID(), protocol.PeerList{Peers: s.hub.List(sess.ID)}); err == nil {
		env.To = peerID
		s.hub.SendTo(sess.ID, peerID, s.envelope(sess.ID, env))
	}

	if s.turn != nil {
		if env, err := protocol.NewEnvelope(protocol.TypeTurnCredentials, protocol.NewMsgID(), s.turn.Issue(peerID)); err == nil {
			env.To = peerID
			s.hub.SendTo(sess.ID, peerID, s.envelope(sess.ID, env))
		} else {
			log.Error("failed to create turn credentials envelope", "error", err)
		}
	}

	if env, err := protocol.NewEnvelope(protocol.TypePeerJoined, protocol.NewMsgID(), protocol.PeerJoined{
		Peer: protocol.PeerInfo{PeerID: peerID, Role: role},
	}); err == nil {
		s.hub.BroadcastExcept(sess.ID, peerID, s.envelope(sess.ID, env))
	}

	defer func() {
		removePeer()
		if s.hub.Has(sess.ID, peerID) {
			// Replaced by a newer connection with the same peer_id.
			log.Info("peer connection replaced")
			return
		}
		if env, err := protocol.NewEnvelope(protocol.TypePeerLeft, protocol.NewMsgID(), protocol.PeerLeft{PeerID: peerID}); err == nil {
			s.hub.BroadcastExcept(sess.ID, peerID, s.envelope(sess.ID, env))
		}
		log.Info("peer disconnected")
		if role == protocol.RoleSender {
			s.expiry.cancel(sess.ID)
			if s.store.Delete(sess.ID) {
				log.Info("session deleted", "join_code", sess.JoinCode)
			}
		}
	}()

	msgLimiter := rate.NewLimiter(rate.Limit(s.cfg.WSMsgsPerSec), s.cfg.WSMsgsBurst)
	if s.cfg.WSMsgsPerSec <= 0 {
		msgLimiter = rate.NewLimiter(rate.Inf, 0)
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Info("websocket idle timeout")
			} else if errors.Is(err, websocket.ErrReadLimit) {
				log.Warn("message too large", "max", s.cfg.MaxMessageBytes)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error("websocket read error", "error", err)
			}
			return
		}
		if idle > 0 {
			conn.SetReadDeadline(time.Now().Add(idle))
		}

		if messageType != websocket.TextMessage {
			continue
		}

		if !msgLimiter.Allow() {
			log.Warn("websocket message rate limit exceeded")
			_ = sendFunc(s.envelope(sess.ID, protocol.NewErrorEnvelope(protocol.CodeRateLimited, "message rate limit exceeded")))
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warn("invalid JSON envelope", "error", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			log.Warn("invalid envelope", "error", err)
			s.hub.SendTo(sess.ID, peerID, s.envelope(sess.ID, protocol.NewErrorEnvelope(protocol.CodeInvalidMessage, err.Error())))
			continue
		}

		// Peers cannot spoof their identity or reach into other sessions.
		env.From = peerID
		env.SessionID = sess.ID

		if env.To == "" {
			s.hub.BroadcastExcept(sess.ID, peerID, env)
			continue
		}
		if !s.hub.SendTo(sess.ID, env.To, env) {
			errEnv := s.envelope(sess.ID, protocol.NewErrorEnvelope(protocol.CodePeerNotFound, "target peer not found: "+env.To))
			errEnv.To = peerID
			s.hub.SendTo(sess.ID, peerID, errEnv)
			log.Warn("peer not found for targeted send", "to", env.To)
		}
	}
}

func sendAdmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, peers.ErrSenderPresent):
		sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, peers.ErrReceiverLimit):
		sendError(w, http.StatusTooManyRequests, err.Error())
	default:
		sendError(w, http.StatusInternalServerError, "admission failed")
	}
}
