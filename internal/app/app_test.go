package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sheerbytes/parashare/internal/config"
	"github.com/sheerbytes/parashare/internal/server"
	"github.com/sheerbytes/parashare/internal/transfer"
	"github.com/sheerbytes/parashare/pkg/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShouldUpdateProgress(t *testing.T) {
	var last int64
	base := time.Unix(1700000000, 0)

	if !shouldUpdateProgress(&last, base) {
		t.Fatal("expected first update to pass")
	}
	if shouldUpdateProgress(&last, base.Add(100*time.Millisecond)) {
		t.Fatal("expected update within interval to be throttled")
	}
	if !shouldUpdateProgress(&last, base.Add(progressUpdateInterval)) {
		t.Fatal("expected update after interval to pass")
	}
}

func TestProgressPrinterThrottlesButPrintsFinal(t *testing.T) {
	var buf bytes.Buffer
	now := time.Unix(1700000000, 0)
	p := newProgressPrinterWithNow(&buf, "send", func() time.Time { return now })

	p.Sent(transfer.Progress{BytesSent: 10, TotalBytes: 100, Percent: 10})
	p.Sent(transfer.Progress{BytesSent: 20, TotalBytes: 100, Percent: 20})
	p.Sent(transfer.Progress{BytesSent: 100, TotalBytes: 100, Percent: 100})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], "100.0%") || !strings.Contains(lines[1], "100 B/100 B") {
		t.Fatalf("unexpected final line %q", lines[1])
	}
	if !strings.Contains(lines[0], "eta=--:--") {
		t.Fatalf("expected unknown ETA before rate is known, got %q", lines[0])
	}
}

func TestProgressPrinterReceiveUsesDeltas(t *testing.T) {
	var buf bytes.Buffer
	now := time.Unix(1700000000, 0)
	p := newProgressPrinterWithNow(&buf, "recv", func() time.Time { return now })

	p.Started(transfer.FileStart{Name: "a.bin", Size: 2048, TotalSegments: 2})
	now = now.Add(time.Second)
	p.Received(transfer.ProgressEffect{Channel: 0, Received: 1024, Expected: 2048, Percent: 50})
	now = now.Add(time.Second)
	p.Received(transfer.ProgressEffect{Channel: 1, Received: 2048, Expected: 2048, Percent: 100})

	out := buf.String()
	if !strings.Contains(out, "receiving a.bin (2.0 KiB) over 2 channels") {
		t.Fatalf("missing start line in %q", out)
	}
	if !strings.Contains(out, "2.0 KiB/2.0 KiB") {
		t.Fatalf("expected cumulative bytes in %q", out)
	}
	if got := p.meter.Snapshot().BytesDone; got != 2048 {
		t.Fatalf("meter saw %d bytes, want 2048", got)
	}
}

func TestNotifierReportsOutcome(t *testing.T) {
	var buf bytes.Buffer
	now := time.Unix(1700000000, 0)
	n := newNotifier(quietLogger(), &buf)
	n.now = func() time.Time { return now }

	n.OnTransferStarted(transfer.RoleSending, "a.bin", 4*1024*1024)
	now = now.Add(2 * time.Second)
	n.OnTransferEnded(transfer.RoleSending, "a.bin", nil)
	if !strings.Contains(buf.String(), "transfer complete: a.bin (4.0 MiB in 2s, 2.0 MiB/s)") {
		t.Fatalf("unexpected output %q", buf.String())
	}

	buf.Reset()
	n.OnTransferEnded(transfer.RoleReceiving, "a.bin", transfer.ErrConnectionLost)
	if !strings.Contains(buf.String(), "transfer failed: connection lost") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestICEConfigurationAddsTURNCredentials(t *testing.T) {
	cfg := iceConfiguration([]string{"stun:stun.example:3478"}, []protocol.TurnServer{
		{URLs: []string{"turn:turn.example:3478"}, Username: "123:peer", Credential: "secret"},
		{},
	})
	if len(cfg.ICEServers) != 2 {
		t.Fatalf("expected 2 ICE servers, got %d", len(cfg.ICEServers))
	}
	turn := cfg.ICEServers[1]
	if turn.Username != "123:peer" || turn.Credential != "secret" {
		t.Fatalf("TURN credentials not carried: %+v", turn)
	}
}

func TestRunSenderMissingFile(t *testing.T) {
	err := RunSender(context.Background(), quietLogger(), SenderConfig{
		Path: filepath.Join(t.TempDir(), "missing.bin"),
	})
	if !errors.Is(err, transfer.ErrNoFileSelected) {
		t.Fatalf("expected ErrNoFileSelected, got %v", err)
	}
}

func TestRunReceiverNeedsJoinCode(t *testing.T) {
	_, err := RunReceiver(context.Background(), quietLogger(), ReceiverConfig{
		Client: config.ClientConfig{Transport: config.TransportWebRTC},
	})
	if err == nil {
		t.Fatal("expected an error without a join code")
	}
}

func testClient(transport string) config.ClientConfig {
	return config.ClientConfig{
		PeerID:        uuid.NewString(),
		Transport:     transport,
		Channels:      4,
		ChunkSize:     64 * 1024,
		HighWatermark: 1024 * 1024,
		LowWatermark:  256 * 1024,
		LivenessEvery: 10,
	}
}

func writeTestFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31 + i/7)
	}
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	return path, data
}

func checkReceived(t *testing.T, c transfer.Completion, want []byte) {
	t.Helper()
	if c.Path == "" {
		t.Fatal("expected the file to be saved")
	}
	got, err := os.ReadFile(c.Path)
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("saved file differs: got %d bytes, want %d", len(got), len(want))
	}
	if filepath.Base(c.Path) != "payload.bin" {
		t.Fatalf("unexpected saved name %q", c.Path)
	}
}

func TestQUICSendAndReceive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback transfer in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	path, data := writeTestFile(t, 3*1024*1024+5)

	recvCfg := testClient(config.TransportQUIC)
	recvCfg.QUICAddr = "127.0.0.1:0"
	recvCfg.OutDir = t.TempDir()

	listening := make(chan net.Addr, 1)
	type result struct {
		c   transfer.Completion
		err error
	}
	received := make(chan result, 1)
	go func() {
		c, err := RunReceiver(ctx, quietLogger(), ReceiverConfig{
			Client:      recvCfg,
			OnListening: func(addr net.Addr) { listening <- addr },
		})
		received <- result{c, err}
	}()

	var addr net.Addr
	select {
	case addr = <-listening:
	case <-ctx.Done():
		t.Fatal("receiver never started listening")
	}

	sendCfg := testClient(config.TransportQUIC)
	sendCfg.QUICAddr = addr.String()
	var out bytes.Buffer
	if err := RunSender(ctx, quietLogger(), SenderConfig{Client: sendCfg, Path: path, Out: &out}); err != nil {
		t.Fatalf("RunSender: %v", err)
	}
	if !strings.Contains(out.String(), "transfer complete: payload.bin") {
		t.Fatalf("sender output missing completion: %q", out.String())
	}

	res := <-received
	if res.err != nil {
		t.Fatalf("RunReceiver: %v", res.err)
	}
	checkReceived(t, res.c, data)
}

func TestWebRTCSendAndReceiveThroughServer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback transfer in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	srv, err := server.New(config.ServerConfig{
		SessionTTL:      time.Minute,
		MaxReceivers:    1,
		MaxMessageBytes: 64 * 1024,
		WSIdleTimeout:   time.Minute,
		WSMsgsPerSec:    100,
		WSMsgsBurst:     100,
	}, quietLogger())
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	path, data := writeTestFile(t, 2*1024*1024+11)

	type result struct {
		c   transfer.Completion
		err error
	}
	received := make(chan result, 1)

	recvCfg := testClient(config.TransportWebRTC)
	recvCfg.ServerURL = ts.URL
	recvCfg.OutDir = t.TempDir()

	sendCfg := testClient(config.TransportWebRTC)
	sendCfg.ServerURL = ts.URL

	err = RunSender(ctx, quietLogger(), SenderConfig{
		Client: sendCfg,
		Path:   path,
		OnJoinCode: func(code string) {
			// The receiver may join before the sender's socket is up; it
			// announces itself when the sender appears.
			go func() {
				c, err := RunReceiver(ctx, quietLogger(), ReceiverConfig{Client: recvCfg, JoinCode: code})
				received <- result{c, err}
			}()
		},
	})
	if err != nil {
		t.Fatalf("RunSender: %v", err)
	}

	res := <-received
	if res.err != nil {
		t.Fatalf("RunReceiver: %v", res.err)
	}
	checkReceived(t, res.c, data)
}
