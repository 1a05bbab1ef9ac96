package transfer

import (
	"context"
	"fmt"
	"sync"
)

// FlowController gates writes on a channel's outstanding-bytes counter.
// A channel may be written while its buffered amount is at or below the high
// watermark; once above, the writer suspends until the transport reports the
// buffer drained to the low watermark.
type FlowController struct {
	high uint64
	low  uint64

	mu    sync.Mutex
	gates map[Channel]*drainGate
}

type drainGate struct {
	drained chan struct{}
}

// NewFlowController returns a controller with the given watermarks. low
// must be below high; out-of-order values are swapped.
func NewFlowController(high, low uint64) *FlowController {
	if low > high {
		high, low = low, high
	}
	return &FlowController{
		high:  high,
		low:   low,
		gates: make(map[Channel]*drainGate),
	}
}

// HighWatermark returns the level above which writes must wait.
func (f *FlowController) HighWatermark() uint64 { return f.high }

// LowWatermark returns the level a waiting writer resumes at.
func (f *FlowController) LowWatermark() uint64 { return f.low }

// CanSend reports whether a chunk may be written to ch right now.
func (f *FlowController) CanSend(ch Channel) bool {
	return ch.BufferedAmount() <= f.high
}

// AwaitSendable blocks until ch drains to the low watermark. It returns
// ErrConnectionLost if the channel closes or errors while waiting, and the
// context error if ctx is done first.
func (f *FlowController) AwaitSendable(ctx context.Context, ch Channel) error {
	g := f.gate(ch)

	// Drop a notification left over from an earlier wait.
	select {
	case <-g.drained:
	default:
	}

	if ch.BufferedAmount() <= f.low {
		return nil
	}
	if st := ch.State(); st != StateOpen {
		return fmt.Errorf("%w: channel %d is %s", ErrConnectionLost, ch.Index(), st)
	}

	select {
	case <-g.drained:
		return nil
	case <-ch.Done():
		return fmt.Errorf("%w: channel %d %s while waiting for drain", ErrConnectionLost, ch.Index(), ch.State())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// gate installs the drain handler on first use. Channels only keep one
// handler, so it is registered once per channel and signals a 1-slot mailbox.
func (f *FlowController) gate(ch Channel) *drainGate {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.gates[ch]; ok {
		return g
	}
	g := &drainGate{drained: make(chan struct{}, 1)}
	ch.SetBufferedAmountLowThreshold(f.low)
	ch.OnBufferedAmountLow(func() {
		select {
		case g.drained <- struct{}{}:
		default:
		}
	})
	f.gates[ch] = g
	return g
}
