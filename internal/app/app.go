// Package app wires signaling, transport backends and the transfer protocol
// into the send and receive flows used by the para binary.
package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sheerbytes/parashare/internal/transferwebrtc"
	"github.com/sheerbytes/parashare/pkg/protocol"
)

// ErrSessionClosed is returned when the server ends the share session.
var ErrSessionClosed = errors.New("session closed by server")

const (
	answerTimeout = 60 * time.Second
	// peerCloseWait bounds how long a sender waits for the receiver to hang
	// up after the last chunk has been flushed.
	peerCloseWait = 10 * time.Second
)

func outOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// iceConfiguration combines the configured STUN servers with any TURN
// credentials the signaling server issued.
func iceConfiguration(stun []string, turn []protocol.TurnServer) webrtc.Configuration {
	servers := make([]transferwebrtc.TURNServer, 0, len(turn))
	for _, ts := range turn {
		servers = append(servers, transferwebrtc.TURNServer{
			URLs:       ts.URLs,
			Username:   ts.Username,
			Credential: ts.Credential,
		})
	}
	return transferwebrtc.PeerConnectionConfig(stun, servers)
}

// awaitPeerClose gives the remote side a chance to confirm receipt by
// closing the connection. It never fails: the data has already been handed
// to the transport.
func awaitPeerClose(ctx context.Context, lost <-chan error, timeout time.Duration, logger *slog.Logger) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-lost:
		logger.Debug("peer closed the connection")
	case <-ctx.Done():
	case <-timer.C:
		logger.Debug("peer did not close the connection in time")
	}
}

// notifyLost returns a connection-lost callback that records the first
// error on lost and cancels the attempt.
func notifyLost(lost chan error, cancel context.CancelCauseFunc, wrap func(error) error) func(error) {
	return func(err error) {
		select {
		case lost <- err:
		default:
		}
		cancel(wrap(err))
	}
}
