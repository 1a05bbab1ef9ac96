package server

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sheerbytes/parashare/pkg/protocol"
)

// turnIssuer mints coturn REST API credentials (use-auth-secret):
// username is "<expiry-unix>:<peer-id>", credential is base64(HMAC-SHA1(secret, username)).
type turnIssuer struct {
	urls   []string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newTurnIssuer(urls []string, secret string, ttl time.Duration, logger *slog.Logger) (*turnIssuer, error) {
	if len(urls) == 0 || secret == "" {
		if len(urls) == 0 && secret != "" {
			logger.Warn("TURN secret set but no TURN servers configured")
		}
		if len(urls) > 0 && secret == "" {
			logger.Warn("TURN servers configured but no secret set")
		}
		return nil, nil
	}
	normalized := make([]string, 0, len(urls))
	for _, raw := range urls {
		u, err := normalizeTurnURL(raw)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, u)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	logger.Info("TURN credential issuer enabled", "servers", len(normalized), "ttl", ttl)
	return &turnIssuer{
		urls:   normalized,
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

func (t *turnIssuer) Issue(peerID string) protocol.TurnCredentials {
	expiry := t.now().Add(t.ttl).UTC()
	username := fmt.Sprintf("%d:%s", expiry.Unix(), peerID)
	credential := turnPassword(t.secret, username)

	servers := make([]protocol.TurnServer, 0, len(t.urls))
	for _, u := range t.urls {
		servers = append(servers, protocol.TurnServer{
			URLs:       []string{u},
			Username:   username,
			Credential: credential,
		})
	}
	return protocol.TurnCredentials{
		Servers:   servers,
		ExpiresAt: expiry.Format(time.RFC3339),
	}
}

func turnPassword(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// normalizeTurnURL accepts "host:port", "turn:host:port" or "turns:host:port"
// and returns the RFC 7065 form ICE agents expect.
func normalizeTurnURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "turns://"); ok {
		raw = "turns:" + rest
	} else if rest, ok := strings.CutPrefix(raw, "turn://"); ok {
		raw = "turn:" + rest
	}
	switch {
	case raw == "":
		return "", fmt.Errorf("empty TURN server")
	case strings.HasPrefix(raw, "turns:"), strings.HasPrefix(raw, "turn:"):
	case strings.Contains(raw, "://"):
		return "", fmt.Errorf("unsupported TURN scheme in %q", raw)
	default:
		raw = "turn:" + raw
	}
	host := raw[strings.Index(raw, ":")+1:]
	if host == "" || strings.HasPrefix(host, "?") {
		return "", fmt.Errorf("missing TURN host in %q", raw)
	}
	return raw, nil
}
