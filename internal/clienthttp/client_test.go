package clienthttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCreateSession_Success(t *testing.T) {
	expires := time.Now().Add(30 * time.Minute).UTC().Truncate(time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path != "/session" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		response := map[string]any{
			"session_id": "test-session-id-123",
			"join_code":  "ABCDEFGH",
			"expires_at": expires.Format(time.RFC3339),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(response)
	}))
	defer server.Close()

	resp, err := CreateSession(context.Background(), server.URL+"/")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if resp.SessionID != "test-session-id-123" {
		t.Errorf("SessionID = %s, want test-session-id-123", resp.SessionID)
	}
	if resp.JoinCode != "ABCDEFGH" {
		t.Errorf("JoinCode = %s, want ABCDEFGH", resp.JoinCode)
	}
	if !resp.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", resp.ExpiresAt, expires)
	}
}

func TestCreateSession_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer server.Close()

	_, err := CreateSession(context.Background(), server.URL)
	if err == nil {
		t.Fatal("CreateSession() expected error, got nil")
	}
	if !strings.HasPrefix(err.Error(), "server returned 429") {
		t.Errorf("error = %v, want prefix %q", err, "server returned 429")
	}
}

func TestCreateSession_InvalidJSON(t *testing.T) {
	for name, body := range map[string]string{
		"not json":     `invalid json`,
		"no join code": `{"session_id":"x","expires_at":"2030-01-01T00:00:00Z"}`,
		"bad time":     `{"session_id":"x","join_code":"ABCDEFGH","expires_at":"tomorrow"}`,
	} {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
				w.Write([]byte(body))
			}))
			defer server.Close()

			_, err := CreateSession(context.Background(), server.URL)
			if err == nil {
				t.Fatal("CreateSession() expected error, got nil")
			}
			if !strings.HasPrefix(err.Error(), "parse response") {
				t.Errorf("error = %v, want prefix %q", err, "parse response")
			}
		})
	}
}

func TestCreateSession_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := CreateSession(ctx, server.URL); err == nil {
		t.Fatal("CreateSession() expected error, got nil")
	}
}
