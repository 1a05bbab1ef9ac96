// Package server implements the signaling relay: it issues share sessions
// with join codes and forwards offer/answer envelopes between the peers of a
// session over WebSocket. File bytes never pass through it.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/parashare/internal/config"
	"github.com/sheerbytes/parashare/internal/peers"
	"github.com/sheerbytes/parashare/internal/session"
	"github.com/sheerbytes/parashare/pkg/protocol"
)

const serverPeerID = "server"

// Server holds the relay state. Create it with New and mount Handler.
type Server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	store    *session.Store
	hub      *peers.Hub
	expiry   *sessionExpiryManager
	sessions *ipLimiter
	connects *ipLimiter
	conns    *connLimiter
	turn     *turnIssuer
	upgrader websocket.Upgrader
}

// New builds a Server from cfg.
func New(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	turn, err := newTurnIssuer(cfg.TURNServers, cfg.TURNSecret, cfg.TURNTTL, logger)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		store:    session.NewStore(cfg.SessionTTL, cfg.MaxSessions),
		hub:      peers.NewHub(),
		expiry:   newSessionExpiryManager(),
		sessions: newIPLimiter(cfg.SessionCreatesPerMin),
		connects: newIPLimiter(cfg.WSConnectsPerMin),
		conns:    newConnLimiter(cfg.MaxWSConns),
		turn:     turn,
		upgrader: websocket.Upgrader{
			// Browser peers may be served from any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the HTTP routes: /health, /session and /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/session", s.handleCreateSession)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Close stops pending session expiry timers and drops every connected peer.
func (s *Server) Close() {
	s.expiry.stopAll()
	// Every live session has expired by now+TTL.
	for _, id := range s.store.CleanupExpired(time.Now().Add(s.cfg.SessionTTL + time.Second)) {
		s.hub.CloseSession(id)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"ok":       true,
		"sessions": s.store.Count(),
		"conns":    s.conns.InUse(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.sessions.Allow(clientIP(r)) {
		sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	sess, err := s.store.Create()
	if errors.Is(err, session.ErrStoreFull) {
		sendError(w, http.StatusTooManyRequests, "session limit reached")
		return
	}
	if err != nil {
		s.logger.Error("create session failed", "error", err)
		sendError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.expiry.schedule(sess.ID, time.Until(sess.ExpiresAt), func() {
		s.expireSession(sess)
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"session_id": sess.ID,
		"join_code":  sess.JoinCode,
		"expires_at": sess.ExpiresAt.UTC().Format(time.RFC3339),
	}); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}

	s.logger.Info("session created", "session_id", sess.ID, "join_code", sess.JoinCode)
}

func (s *Server) expireSession(sess session.Session) {
	s.hub.Broadcast(sess.ID, s.envelope(sess.ID, protocol.NewErrorEnvelope(protocol.CodeSessionClosed, "session expired")))
	dropped := s.hub.CloseSession(sess.ID)
	s.store.Delete(sess.ID)
	s.logger.Info("session expired", "session_id", sess.ID, "join_code", sess.JoinCode, "peers", dropped)
}

// envelope stamps a server-originated envelope for a session.
func (s *Server) envelope(sessionID string, env protocol.Envelope) protocol.Envelope {
	env.SessionID = sessionID
	env.From = serverPeerID
	return env
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
