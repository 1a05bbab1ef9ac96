package clienthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const requestTimeout = 5 * time.Second

// SessionResponse represents the response from POST /session.
type SessionResponse struct {
	SessionID string    `json:"session_id"`
	JoinCode  string    `json:"join_code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateSession creates a new share session by calling POST /session on the server.
func CreateSession(ctx context.Context, serverURL string) (SessionResponse, error) {
	url := strings.TrimSuffix(serverURL, "/") + "/session"
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}

	client := &http.Client{
		Timeout: requestTimeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return SessionResponse{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return SessionResponse{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return SessionResponse{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SessionResponse{}, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// time.Time unmarshals RFC3339, which is what the server writes.
	var out SessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return SessionResponse{}, fmt.Errorf("parse response: %w", err)
	}
	if out.JoinCode == "" {
		return SessionResponse{}, fmt.Errorf("parse response: missing join_code")
	}
	return out, nil
}
