package transport

import (
	"fmt"

	"github.com/quic-go/quic-go"
)

const (
	defaultInitialConnWindow = 2 * 1024 * 1024
	minQuicConnWindow        = 1 * 1024 * 1024
	maxQuicConnWindow        = 1024 * 1024 * 1024
	minQuicStreamWindow      = 1 * 1024 * 1024
	maxQuicStreamWindow      = 256 * 1024 * 1024
	minQuicMaxStreams        = 1
	maxQuicMaxStreams        = 2048
)

// QUICResult describes the flow-control windows chosen for a connection.
type QUICResult struct {
	ConnWin    int
	StreamWin  int
	MaxStreams int
	Status     string
}

// BuildQUICConfig copies base and overrides its receive windows and stream
// limit. Values are clamped to sane bounds. base is never modified.
func BuildQUICConfig(base *quic.Config, connWin, streamWin, maxStreams int) (*quic.Config, QUICResult) {
	cfg := &quic.Config{}
	if base != nil {
		copyCfg := *base
		cfg = &copyCfg
	}

	conn := clampQuicConnWindow(connWin)
	stream := clampQuicStreamWindow(streamWin)
	maxStr := clampQuicMaxStreams(maxStreams)
	initialConn := min(defaultInitialConnWindow, conn)
	cfg.InitialConnectionReceiveWindow = uint64(initialConn)
	cfg.MaxConnectionReceiveWindow = uint64(conn)
	cfg.InitialStreamReceiveWindow = uint64(stream)
	cfg.MaxStreamReceiveWindow = uint64(stream)
	cfg.MaxIncomingStreams = int64(maxStr)

	return cfg, QUICResult{
		ConnWin:    conn,
		StreamWin:  stream,
		MaxStreams: maxStr,
		Status:     StatusOK,
	}
}

// WindowsForChannels sizes the receive windows so every channel can keep a
// full high-watermark of data in flight.
func WindowsForChannels(channels int, highWatermark uint64) (connWin, streamWin, maxStreams int) {
	if channels < 1 {
		channels = 1
	}
	streamWin = clampQuicStreamWindow(int(min(highWatermark, uint64(maxQuicStreamWindow))))
	connWin = clampQuicConnWindow(streamWin * channels)
	// One spare stream for good measure on reconnect races.
	maxStreams = channels + 1
	return connWin, streamWin, maxStreams
}

// String renders the result as a single log-friendly line.
func (r QUICResult) String() string {
	return fmt.Sprintf("quic tuning: conn_window=%s stream_window=%s max_streams=%d status=%s",
		FormatBytesMiB(r.ConnWin), FormatBytesMiB(r.StreamWin), r.MaxStreams, normalizeStatus(r.Status))
}

func clampQuicConnWindow(n int) int {
	if n < minQuicConnWindow {
		return minQuicConnWindow
	}
	if n > maxQuicConnWindow {
		return maxQuicConnWindow
	}
	return n
}

func clampQuicStreamWindow(n int) int {
	if n < minQuicStreamWindow {
		return minQuicStreamWindow
	}
	if n > maxQuicStreamWindow {
		return maxQuicStreamWindow
	}
	return n
}

func clampQuicMaxStreams(n int) int {
	if n < minQuicMaxStreams {
		return minQuicMaxStreams
	}
	if n > maxQuicMaxStreams {
		return maxQuicMaxStreams
	}
	return n
}
