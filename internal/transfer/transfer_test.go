package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingObserver struct {
	mu      sync.Mutex
	started []string
	ended   []error
}

func (o *recordingObserver) OnTransferStarted(role Role, name string, size uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, fmt.Sprintf("%s:%s:%d", role, name, size))
}

func (o *recordingObserver) OnTransferEnded(role Role, name string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, err)
}

func (o *recordingObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.started), len(o.ended)
}

type harness struct {
	local    *MockSet
	remote   *MockSet
	session  *Session
	sender   *Sender
	receiver *Receiver
	done     chan Completion
	failed   chan error
}

func newHarness(t *testing.T, n int, opts Options) *harness {
	t.Helper()
	local, remote := NewMockPair(n)
	h := &harness{
		local:   local,
		remote:  remote,
		session: NewSession(),
		done:    make(chan Completion, 16),
		failed:  make(chan error, 16),
	}
	h.sender = NewSender(SenderConfig{Options: opts, Session: h.session, Logger: quietLogger()})
	h.receiver = NewReceiver(ReceiverConfig{
		Logger:     quietLogger(),
		OnComplete: func(c Completion) { h.done <- c },
		OnFailure:  func(err error) { h.failed <- err },
	})
	remote.SetHandler(h.receiver.OnFrame)
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return h
}

func (h *harness) awaitCompletion(t *testing.T) Completion {
	t.Helper()
	select {
	case c := <-h.done:
		return c
	case err := <-h.failed:
		t.Fatalf("receive failed: %v", err)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for completion")
	}
	return Completion{}
}

func (h *harness) pauseAll(n int) {
	for i := 0; i < n; i++ {
		h.local.Channel(i).Pause()
	}
}

func (h *harness) resumeAll(n int) {
	for i := 0; i < n; i++ {
		h.local.Channel(i).Resume()
	}
}

func smallOpts() Options {
	return Options{ChunkSize: 1024}
}

func TestSendReceive_RoundTrip(t *testing.T) {
	sizes := []int{0, 1, 1023, 3*1024 + 7, 100_000, 1_000_000}
	for _, n := range []int{1, 3, 8} {
		for _, size := range sizes {
			t.Run(fmt.Sprintf("n=%d/size=%d", n, size), func(t *testing.T) {
				h := newHarness(t, n, smallOpts())
				data := patterned(size)

				err := h.sender.Send(context.Background(), BytesSource("file.bin", data), h.local.ChannelSet(), nil)
				require.NoError(t, err)

				c := h.awaitCompletion(t)
				require.Equal(t, "file.bin", c.Artifact.Name)
				require.Equal(t, uint64(size), c.Artifact.Size)
				require.True(t, bytes.Equal(data, c.Artifact.Bytes()))

				// Redundant descriptors must not produce a second completion.
				select {
				case extra := <-h.done:
					t.Fatalf("unexpected second completion: %+v", extra.Artifact)
				case <-time.After(20 * time.Millisecond):
				}
				require.Equal(t, RoleIdle, h.session.Status().Role)
			})
		}
	}
}

func TestSendReceive_MillionBytesOverEightChannels(t *testing.T) {
	h := newHarness(t, 8, Options{})
	data := patterned(1_000_000)

	require.NoError(t, h.sender.Send(context.Background(), BytesSource("m.bin", data), h.local.ChannelSet(), nil))

	for i := 0; i < 8; i++ {
		text, binary := h.local.Channel(i).Sent()
		require.Equal(t, 2, text, "channel %d sends fileStart and segment", i)
		// 125000 bytes fit in one 256 KiB chunk.
		require.Equal(t, 1, binary, "channel %d", i)
	}

	c := h.awaitCompletion(t)
	require.True(t, bytes.Equal(data, c.Artifact.Bytes()))
}

func TestSendReceive_ReverseChannelDelivery(t *testing.T) {
	const n = 8
	h := newHarness(t, n, smallOpts())
	data := patterned(200_000)
	h.pauseAll(n)

	require.NoError(t, h.sender.Send(context.Background(), BytesSource("r.bin", data), h.local.ChannelSet(), nil))

	for i := n - 1; i >= 0; i-- {
		ch := h.local.Channel(i)
		ch.Resume()
		require.Eventually(t, func() bool { return ch.BufferedAmount() == 0 }, waitFor, time.Millisecond)
	}

	c := h.awaitCompletion(t)
	require.True(t, bytes.Equal(data, c.Artifact.Bytes()))
}

func TestSend_RespectsHighWatermark(t *testing.T) {
	const n = 4
	opts := Options{ChunkSize: 4096, HighWatermark: 16 * 1024, LowWatermark: 4 * 1024}
	h := newHarness(t, n, opts)
	data := patterned(256 * 1024)
	h.pauseAll(n)

	errc := make(chan error, 1)
	go func() {
		errc <- h.sender.Send(context.Background(), BytesSource("bp.bin", data), h.local.ChannelSet(), nil)
	}()

	require.Eventually(t, func() bool {
		return h.local.Channel(0).BufferedAmount() > opts.HighWatermark
	}, waitFor, time.Millisecond)
	select {
	case err := <-errc:
		t.Fatalf("Send finished while every channel was stalled: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	h.resumeAll(n)
	require.NoError(t, <-errc)

	for i := 0; i < n; i++ {
		require.LessOrEqual(t, h.local.Channel(i).MaxBufferedAtSend(), opts.HighWatermark, "channel %d", i)
	}
	c := h.awaitCompletion(t)
	require.True(t, bytes.Equal(data, c.Artifact.Bytes()))
}

func TestSend_ChannelsNotReady(t *testing.T) {
	h := newHarness(t, 8, smallOpts())
	h.local.Channel(7).SetState(StatePending)

	err := h.sender.Send(context.Background(), BytesSource("x", patterned(10)), h.local.ChannelSet(), nil)
	require.ErrorIs(t, err, ErrChannelsNotReady)
	require.Contains(t, err.Error(), "7/8")

	for i := 0; i < 8; i++ {
		text, binary := h.local.Channel(i).Sent()
		require.Zero(t, text+binary, "channel %d sent frames", i)
	}
	require.Equal(t, RoleIdle, h.session.Status().Role)
}

func TestSend_NoFileSelected(t *testing.T) {
	h := newHarness(t, 2, smallOpts())
	err := h.sender.Send(context.Background(), nil, h.local.ChannelSet(), nil)
	require.ErrorIs(t, err, ErrNoFileSelected)
	require.Equal(t, KindNoFileSelected, KindOf(err))
}

func TestSend_RejectsConcurrentTransfer(t *testing.T) {
	const n = 2
	h := newHarness(t, n, Options{ChunkSize: 1024, HighWatermark: 4096, LowWatermark: 1024})
	first := patterned(64 * 1024)
	h.pauseAll(n)

	errc := make(chan error, 1)
	go func() {
		errc <- h.sender.Send(context.Background(), BytesSource("first.bin", first), h.local.ChannelSet(), nil)
	}()
	require.Eventually(t, func() bool { return h.session.Status().Role == RoleSending }, waitFor, time.Millisecond)

	err := h.sender.Send(context.Background(), BytesSource("second.bin", patterned(10)), h.local.ChannelSet(), nil)
	require.ErrorIs(t, err, ErrTransferInProgress)
	require.Equal(t, "first.bin", h.session.Status().FileName)

	h.resumeAll(n)
	require.NoError(t, <-errc)
	c := h.awaitCompletion(t)
	require.Equal(t, "first.bin", c.Artifact.Name)
	require.True(t, bytes.Equal(first, c.Artifact.Bytes()))
}

func TestSend_ConnectionLostMidTransfer(t *testing.T) {
	opts := Options{ChunkSize: 1024, LivenessInterval: 2}
	h := newHarness(t, 2, opts)
	data := patterned(64 * 1024)

	var once sync.Once
	onProgress := func(p Progress) {
		if p.BytesSent >= p.TotalBytes/4 {
			once.Do(func() { h.local.SetConnected(false) })
		}
	}

	err := h.sender.Send(context.Background(), BytesSource("lost.bin", data), h.local.ChannelSet(), onProgress)
	require.ErrorIs(t, err, ErrConnectionLost)
	require.Equal(t, RoleIdle, h.session.Status().Role)

	for i := 0; i < 2; i++ {
		ch := h.local.Channel(i)
		require.Eventually(t, func() bool { return ch.BufferedAmount() == 0 }, waitFor, time.Millisecond)
	}
	require.Equal(t, RoleReceiving, h.receiver.Session().Status().Role)

	h.receiver.Abort(errors.New("peer connection failed"))
	select {
	case err := <-h.failed:
		require.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(waitFor):
		t.Fatal("receiver did not report the failure")
	}
	require.Equal(t, RoleIdle, h.receiver.Session().Status().Role)

	// Aborting an idle receiver is a no-op.
	h.receiver.Abort(errors.New("again"))
	select {
	case err := <-h.failed:
		t.Fatalf("unexpected second failure: %v", err)
	default:
	}
}

func TestSend_ChannelClosedWhileWaitingForDrain(t *testing.T) {
	const n = 4
	opts := Options{ChunkSize: 1024, HighWatermark: 4096, LowWatermark: 1024}
	h := newHarness(t, n, opts)
	h.pauseAll(n)

	errc := make(chan error, 1)
	go func() {
		errc <- h.sender.Send(context.Background(), BytesSource("c.bin", patterned(128*1024)), h.local.ChannelSet(), nil)
	}()
	require.Eventually(t, func() bool {
		return h.local.Channel(0).BufferedAmount() > opts.HighWatermark
	}, waitFor, time.Millisecond)

	h.local.Channel(0).Close()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(waitFor):
		t.Fatal("Send stayed blocked after a channel closed")
	}
	require.Equal(t, RoleIdle, h.session.Status().Role)
}

func TestSend_Canceled(t *testing.T) {
	const n = 2
	h := newHarness(t, n, Options{ChunkSize: 1024, HighWatermark: 4096, LowWatermark: 1024})
	h.pauseAll(n)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- h.sender.Send(ctx, BytesSource("c.bin", patterned(64*1024)), h.local.ChannelSet(), nil)
	}()
	require.Eventually(t, func() bool { return h.session.Status().Role == RoleSending }, waitFor, time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.Equal(t, KindCanceled, KindOf(err))
	case <-time.After(waitFor):
		t.Fatal("Send ignored cancellation")
	}
	require.Equal(t, RoleIdle, h.session.Status().Role)
}

type failingSource struct {
	Source
	failAt int64
}

func (s failingSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.failAt {
		return 0, errors.New("disk on fire")
	}
	return s.Source.ReadAt(p, off)
}

func TestSend_ChunkReadError(t *testing.T) {
	h := newHarness(t, 2, smallOpts())
	src := failingSource{Source: BytesSource("bad.bin", patterned(16*1024)), failAt: 10 * 1024}

	err := h.sender.Send(context.Background(), src, h.local.ChannelSet(), nil)
	require.ErrorIs(t, err, ErrChunkRead)
	require.Contains(t, err.Error(), "disk on fire")
	require.Equal(t, RoleIdle, h.session.Status().Role)
}

func TestSend_ProgressAndObserver(t *testing.T) {
	obs := &recordingObserver{}
	local, remote := NewMockPair(4)
	defer local.Close()
	defer remote.Close()

	start := time.Unix(1_700_000_000, 0)
	var tick time.Duration
	var clockMu sync.Mutex
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		tick += 10 * time.Millisecond
		return start.Add(tick)
	}

	sender := NewSender(SenderConfig{Options: smallOpts(), Logger: quietLogger(), Observer: obs, Now: now})
	data := patterned(50_000)

	var reports []Progress
	err := sender.Send(context.Background(), BytesSource("p.bin", data), local.ChannelSet(), func(p Progress) {
		reports = append(reports, p)
	})
	require.NoError(t, err)
	require.NotEmpty(t, reports)

	var prev uint64
	for _, p := range reports {
		require.GreaterOrEqual(t, p.BytesSent, prev)
		require.LessOrEqual(t, p.Percent, 100.0)
		require.Equal(t, uint64(len(data)), p.TotalBytes)
		if p.ETAKnown {
			require.GreaterOrEqual(t, p.ETA, time.Duration(0))
		}
		prev = p.BytesSent
	}
	last := reports[len(reports)-1]
	require.Equal(t, uint64(len(data)), last.BytesSent)
	require.Equal(t, 100.0, last.Percent)

	started, ended := obs.counts()
	require.Equal(t, 1, started)
	require.Equal(t, 1, ended)
	require.NoError(t, obs.ended[0])
}

func TestReceiver_SavesToOutDir(t *testing.T) {
	local, remote := NewMockPair(3)
	defer local.Close()
	defer remote.Close()

	dir := t.TempDir()
	done := make(chan Completion, 1)
	obs := &recordingObserver{}
	recv := NewReceiver(ReceiverConfig{
		Logger:     quietLogger(),
		Observer:   obs,
		OutDir:     dir,
		OnComplete: func(c Completion) { done <- c },
	})
	remote.SetHandler(recv.OnFrame)

	data := patterned(77_777)
	sender := NewSender(SenderConfig{Options: smallOpts(), Logger: quietLogger()})
	require.NoError(t, sender.Send(context.Background(), BytesSource("notes.txt", data), local.ChannelSet(), nil))

	var c Completion
	select {
	case c = <-done:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for completion")
	}
	got, err := os.ReadFile(c.Path)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))

	started, ended := obs.counts()
	require.Equal(t, 1, started)
	require.Equal(t, 1, ended)
}

func TestReceiver_DropsMalformedControlFrames(t *testing.T) {
	recv := NewReceiver(ReceiverConfig{Logger: quietLogger()})
	recv.OnFrame(0, TextFrame(`{"type":"bogus"}`))
	recv.OnFrame(0, TextFrame(`not json`))
	recv.OnFrame(0, BinaryFrame([]byte("stray")))
	require.Equal(t, RoleIdle, recv.Session().Status().Role)
}
