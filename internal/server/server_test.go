package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sheerbytes/parashare/internal/clienthttp"
	"github.com/sheerbytes/parashare/internal/config"
	"github.com/sheerbytes/parashare/internal/wsclient"
	"github.com/sheerbytes/parashare/pkg/protocol"
	"github.com/stretchr/testify/require"
)

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		SessionTTL:      time.Minute,
		MaxReceivers:    1,
		MaxMessageBytes: 64 * 1024,
		WSIdleTimeout:   time.Minute,
		WSMsgsPerSec:    100,
		WSMsgsBurst:     100,
	}
}

func newTestServer(t *testing.T, mutate func(*config.ServerConfig)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

type testPeer struct {
	conn *wsclient.Conn
	envs chan protocol.Envelope
	done chan error
}

func join(t *testing.T, ts *httptest.Server, code, peerID, role string) (*testPeer, error) {
	t.Helper()
	u, err := wsclient.BuildURL(ts.URL, code, peerID, role)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := wsclient.Dial(ctx, u, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		cancel()
		return nil, err
	}
	p := &testPeer{conn: conn, envs: make(chan protocol.Envelope, 32), done: make(chan error, 1)}
	go func() {
		p.done <- conn.ReadLoop(ctx, func(env protocol.Envelope) { p.envs <- env })
	}()
	t.Cleanup(func() {
		cancel()
		conn.Close()
	})
	return p, nil
}

func mustJoin(t *testing.T, ts *httptest.Server, code, peerID, role string) *testPeer {
	t.Helper()
	p, err := join(t, ts, code, peerID, role)
	require.NoError(t, err)
	return p
}

// expect returns the next envelope of msgType, skipping others.
func (p *testPeer) expect(t *testing.T, msgType string) protocol.Envelope {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case env := <-p.envs:
			if env.Type == msgType {
				return env
			}
		case <-timeout:
			t.Fatalf("no %s envelope received", msgType)
		}
	}
}

func createSession(t *testing.T, ts *httptest.Server) clienthttp.SessionResponse {
	t.Helper()
	resp, err := clienthttp.CreateSession(context.Background(), ts.URL)
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), `"ok":true`)

	resp, err = http.Post(ts.URL+"/health", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCreateSession(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	sess := createSession(t, ts)
	require.Len(t, sess.JoinCode, 8)
	require.NotEmpty(t, sess.SessionID)
	require.WithinDuration(t, time.Now().Add(time.Minute), sess.ExpiresAt, 5*time.Second)
	require.Equal(t, 1, srv.store.Count())
	require.Equal(t, 1, srv.expiry.pending())

	resp, err := http.Get(ts.URL + "/session")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCreateSessionRateLimited(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.ServerConfig) { c.SessionCreatesPerMin = 2 })

	createSession(t, ts)
	createSession(t, ts)
	_, err := clienthttp.CreateSession(context.Background(), ts.URL)
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
}

func TestCreateSessionLimit(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.ServerConfig) { c.MaxSessions = 1 })

	createSession(t, ts)
	_, err := clienthttp.CreateSession(context.Background(), ts.URL)
	require.Error(t, err)
	require.Contains(t, err.Error(), "session limit reached")
}

func TestJoinRejections(t *testing.T) {
	_, ts := newTestServer(t, nil)
	sess := createSession(t, ts)

	_, err := join(t, ts, "NOPE2345", "a", protocol.RoleSender)
	require.ErrorContains(t, err, "404")

	_, err = join(t, ts, sess.JoinCode, "a", "spectator")
	require.ErrorContains(t, err, "400")

	_, err = join(t, ts, sess.JoinCode, serverPeerID, protocol.RoleReceiver)
	require.ErrorContains(t, err, "400")

	mustJoin(t, ts, sess.JoinCode, "sender-1", protocol.RoleSender)
	_, err = join(t, ts, sess.JoinCode, "sender-2", protocol.RoleSender)
	require.ErrorContains(t, err, "409")

	mustJoin(t, ts, sess.JoinCode, "recv-1", protocol.RoleReceiver)
	_, err = join(t, ts, sess.JoinCode, "recv-2", protocol.RoleReceiver)
	require.ErrorContains(t, err, "receiver limit reached")
}

func TestSignalingRelay(t *testing.T) {
	_, ts := newTestServer(t, nil)
	sess := createSession(t, ts)

	sender := mustJoin(t, ts, sess.JoinCode, "alice", protocol.RoleSender)
	list := sender.expect(t, protocol.TypePeerList)
	var pl protocol.PeerList
	require.NoError(t, list.DecodePayload(&pl))
	require.Len(t, pl.Peers, 1)
	require.Equal(t, serverPeerID, list.From)

	receiver := mustJoin(t, ts, sess.JoinCode, "bob", protocol.RoleReceiver)
	require.NoError(t, receiver.expect(t, protocol.TypePeerList).DecodePayload(&pl))
	require.Equal(t, []protocol.PeerInfo{
		{PeerID: "alice", Role: protocol.RoleSender},
		{PeerID: "bob", Role: protocol.RoleReceiver},
	}, pl.Peers)

	var joined protocol.PeerJoined
	require.NoError(t, sender.expect(t, protocol.TypePeerJoined).DecodePayload(&joined))
	require.Equal(t, "bob", joined.Peer.PeerID)

	// Untargeted envelopes reach everyone else; From cannot be spoofed.
	ready, err := protocol.NewEnvelope(protocol.TypeReceiverReady, protocol.NewMsgID(), protocol.ReceiverReady{Channels: 8})
	require.NoError(t, err)
	ready.From = "mallory"
	require.NoError(t, receiver.conn.Send(ready))
	got := sender.expect(t, protocol.TypeReceiverReady)
	require.Equal(t, "bob", got.From)
	require.Equal(t, sess.SessionID, got.SessionID)

	require.NoError(t, sender.conn.SendMessage(protocol.TypeOffer, "bob", protocol.Offer{SDP: "offer-sdp", Channels: 8}))
	var offer protocol.Offer
	require.NoError(t, receiver.expect(t, protocol.TypeOffer).DecodePayload(&offer))
	require.Equal(t, protocol.Offer{SDP: "offer-sdp", Channels: 8}, offer)

	require.NoError(t, receiver.conn.SendMessage(protocol.TypeAnswer, "alice", protocol.Answer{SDP: "answer-sdp"}))
	var answer protocol.Answer
	require.NoError(t, sender.expect(t, protocol.TypeAnswer).DecodePayload(&answer))
	require.Equal(t, "answer-sdp", answer.SDP)

	require.NoError(t, sender.conn.SendMessage(protocol.TypeOffer, "ghost", protocol.Offer{SDP: "x"}))
	var perr protocol.Error
	require.NoError(t, sender.expect(t, protocol.TypeError).DecodePayload(&perr))
	require.Equal(t, protocol.CodePeerNotFound, perr.Code)
}

func TestSenderLeavingDeletesSession(t *testing.T) {
	srv, ts := newTestServer(t, func(c *config.ServerConfig) { c.MaxReceivers = 2 })
	sess := createSession(t, ts)

	sender := mustJoin(t, ts, sess.JoinCode, "alice", protocol.RoleSender)
	receiver := mustJoin(t, ts, sess.JoinCode, "bob", protocol.RoleReceiver)
	sender.expect(t, protocol.TypePeerJoined)

	require.NoError(t, sender.conn.Close())

	var left protocol.PeerLeft
	require.NoError(t, receiver.expect(t, protocol.TypePeerLeft).DecodePayload(&left))
	require.Equal(t, "alice", left.PeerID)

	require.Eventually(t, func() bool { return srv.store.Count() == 0 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, srv.expiry.pending())
	_, err := join(t, ts, sess.JoinCode, "carol", protocol.RoleReceiver)
	require.ErrorContains(t, err, "404")
}

func TestSenderReconnectKeepsSession(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	sess := createSession(t, ts)

	first := mustJoin(t, ts, sess.JoinCode, "alice", protocol.RoleSender)
	first.expect(t, protocol.TypePeerList)
	second := mustJoin(t, ts, sess.JoinCode, "alice", protocol.RoleSender)
	second.expect(t, protocol.TypePeerList)

	select {
	case <-first.done:
	case <-time.After(3 * time.Second):
		t.Fatal("replaced connection was not closed")
	}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, srv.store.Count())
	require.True(t, srv.hub.Has(sess.SessionID, "alice"))
}

func TestSessionExpiry(t *testing.T) {
	srv, ts := newTestServer(t, func(c *config.ServerConfig) { c.SessionTTL = 300 * time.Millisecond })
	sess := createSession(t, ts)

	receiver := mustJoin(t, ts, sess.JoinCode, "bob", protocol.RoleReceiver)
	var perr protocol.Error
	env := receiver.expect(t, protocol.TypeError)
	require.NoError(t, env.DecodePayload(&perr))
	require.Equal(t, protocol.CodeSessionClosed, perr.Code)

	select {
	case <-receiver.done:
	case <-time.After(3 * time.Second):
		t.Fatal("connection not closed on expiry")
	}
	require.Equal(t, 0, srv.store.Count())
}

func TestMessageRateLimit(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.ServerConfig) {
		c.WSMsgsPerSec = 0.001
		c.WSMsgsBurst = 1
	})
	sess := createSession(t, ts)
	p := mustJoin(t, ts, sess.JoinCode, "alice", protocol.RoleSender)

	for i := 0; i < 3; i++ {
		_ = p.conn.SendMessage(protocol.TypeReceiverReady, "", protocol.ReceiverReady{})
	}
	var perr protocol.Error
	require.NoError(t, p.expect(t, protocol.TypeError).DecodePayload(&perr))
	require.Equal(t, protocol.CodeRateLimited, perr.Code)

	select {
	case <-p.done:
	case <-time.After(3 * time.Second):
		t.Fatal("connection not closed after rate limit")
	}
}

func TestTurnCredentialsIssued(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.ServerConfig) {
		c.TURNServers = []string{"turn.example.com:3478", "turns:turn.example.com:5349"}
		c.TURNSecret = "s3cret"
		c.TURNTTL = time.Hour
	})
	sess := createSession(t, ts)
	p := mustJoin(t, ts, sess.JoinCode, "alice", protocol.RoleSender)

	env := p.expect(t, protocol.TypeTurnCredentials)
	require.Equal(t, "alice", env.To)
	var creds protocol.TurnCredentials
	require.NoError(t, env.DecodePayload(&creds))
	require.Len(t, creds.Servers, 2)
	require.Equal(t, []string{"turn:turn.example.com:3478"}, creds.Servers[0].URLs)
	require.Equal(t, []string{"turns:turn.example.com:5349"}, creds.Servers[1].URLs)

	s0 := creds.Servers[0]
	require.True(t, strings.HasSuffix(s0.Username, ":alice"))
	mac := hmac.New(sha1.New, []byte("s3cret"))
	mac.Write([]byte(s0.Username))
	require.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), s0.Credential)
}
