package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/parashare/internal/bufpool"
	"github.com/sheerbytes/parashare/internal/progress"
	"golang.org/x/sync/errgroup"
)

// Transfers projected to run longer than this at warnRateBps are logged as
// large before they start.
const (
	warnDuration = time.Hour
	warnRateBps  = 8 * 1024 * 1024
)

// Progress is reported to the caller while sending.
type Progress struct {
	BytesSent  uint64
	TotalBytes uint64
	Elapsed    time.Duration
	// RateBps is the smoothed instantaneous throughput.
	RateBps float64
	// ETA is remaining/(sent/elapsed). ETAKnown is false until some bytes
	// have been sent and time has passed.
	ETA      time.Duration
	ETAKnown bool
	Percent  float64
}

// ProgressFunc receives progress updates. Calls are serialized.
type ProgressFunc func(Progress)

// SenderConfig configures a Sender.
type SenderConfig struct {
	Options  Options
	Session  *Session
	Logger   *slog.Logger
	Observer SessionObserver
	// Now overrides the clock (for tests).
	Now func() time.Time
}

// Sender splits a file into one segment per channel and streams the
// segments concurrently.
type Sender struct {
	opts     Options
	session  *Session
	flow     *FlowController
	logger   *slog.Logger
	observer SessionObserver
	now      func() time.Time
}

// NewSender returns a Sender. A nil Session gets a private one.
func NewSender(cfg SenderConfig) *Sender {
	opts := NormalizeOptions(cfg.Options)
	session := cfg.Session
	if session == nil {
		session = NewSession()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Sender{
		opts:     opts,
		session:  session,
		flow:     NewFlowController(opts.HighWatermark, opts.LowWatermark),
		logger:   logger,
		observer: observerOrNop(cfg.Observer),
		now:      now,
	}
}

// Flow exposes the sender's flow controller.
func (s *Sender) Flow() *FlowController {
	return s.flow
}

// Send transfers src over every channel of set. It returns once every
// per-channel stream has finished; the first failure is returned and the
// remaining streams stop at their next suspension point. The session is
// back to Idle when Send returns, whatever the outcome.
func (s *Sender) Send(ctx context.Context, src Source, set *ChannelSet, onProgress ProgressFunc) (err error) {
	if src == nil {
		return ErrNoFileSelected
	}
	if set == nil {
		return fmt.Errorf("%w: no channel set", ErrChannelsNotReady)
	}
	n := set.Len()
	if open := set.OpenCount(); open != n {
		return fmt.Errorf("%w: only %d/%d channels available", ErrChannelsNotReady, open, n)
	}

	name, size := src.Name(), src.Size()
	if err := s.session.BeginSend(name, size); err != nil {
		return err
	}
	s.observer.OnTransferStarted(RoleSending, name, size)
	defer func() {
		s.session.Reset()
		s.observer.OnTransferEnded(RoleSending, name, err)
	}()

	logger := s.logger.With("name", name, "size", size, "channels", n)
	if est := time.Duration(float64(size) / warnRateBps * float64(time.Second)); est > warnDuration {
		logger.Warn("large file transfer", "estimated", est.Round(time.Minute))
	}

	segs := PlanSegments(size, n)
	start, err := EncodeControl(NewFileStart(name, size, n))
	if err != nil {
		return err
	}
	for _, ch := range set.Channels() {
		s.flow.gate(ch)
		if err := ch.SendText(start); err != nil {
			return fmt.Errorf("%w: send fileStart on channel %d: %v", ErrConnectionLost, ch.Index(), err)
		}
	}

	meter := progress.NewMeterWithNow(s.now)
	meter.Start(int64(size))
	var reportMu sync.Mutex
	report := func(sent int) {
		reportMu.Lock()
		defer reportMu.Unlock()
		stats := meter.Add(sent)
		if onProgress == nil {
			return
		}
		onProgress(Progress{
			BytesSent:  uint64(stats.BytesDone),
			TotalBytes: size,
			Elapsed:    stats.Elapsed,
			RateBps:    stats.RateBps,
			ETA:        stats.ETA,
			ETAKnown:   stats.ETAKnown,
			Percent:    stats.Percent,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, seg := range segs {
		if seg.Empty() {
			continue
		}
		seg := seg
		ch := set.Channel(int(seg.ChannelIndex))
		g.Go(func() error {
			return s.sendSegment(gctx, src, set, ch, seg, report)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("parallel file transfer failed", "error", err)
		return err
	}

	logger.Info("parallel file transfer completed", "elapsed", meter.Snapshot().Elapsed)
	return nil
}

// sendSegment streams one channel's byte range.
func (s *Sender) sendSegment(ctx context.Context, src Source, set *ChannelSet, ch Channel, seg Segment, report func(int)) error {
	logger := s.logger.With("channel", ch.Index())
	logger.Debug("sending segment", "start", seg.StartByte, "end", seg.EndByte, "bytes", seg.Len())

	info, err := EncodeControl(NewSegmentInfo(seg))
	if err != nil {
		return err
	}
	if err := ch.SendText(info); err != nil {
		return fmt.Errorf("%w: send segment on channel %d: %v", ErrConnectionLost, ch.Index(), err)
	}

	pool := bufpool.ForSize(int(s.opts.ChunkSize))
	bp := pool.Get()
	defer pool.Put(bp)
	buf := *bp

	chunk := uint64(s.opts.ChunkSize)
	chunks := 0
	for off := seg.StartByte; off < seg.EndByte; {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.flow.CanSend(ch) {
			if err := s.flow.AwaitSendable(ctx, ch); err != nil {
				return err
			}
		}

		want := seg.EndByte - off
		if want > chunk {
			want = chunk
		}
		p := buf[:want]
		got, err := src.ReadAt(p, int64(off))
		if uint64(got) < want {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("%w: offset %d: %v", ErrChunkRead, off, err)
		}

		if err := ch.SendBinary(p); err != nil {
			return fmt.Errorf("%w: send chunk on channel %d: %v", ErrConnectionLost, ch.Index(), err)
		}
		off += want
		chunks++
		report(int(want))

		if chunks%s.opts.LivenessInterval == 0 && !set.Connected() {
			return fmt.Errorf("%w: connection lost during transfer", ErrConnectionLost)
		}
	}

	logger.Debug("segment transfer completed", "chunks", chunks)
	return nil
}
