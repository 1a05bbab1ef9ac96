package transfer

import (
	"fmt"
)

// ChannelState is the readiness of a single channel.
type ChannelState int

const (
	StatePending ChannelState = iota
	StateOpen
	StateClosed
	StateErrored
)

func (s ChannelState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Channel is one ordered, message-oriented duplex channel between two peers.
// Messages sent on a channel arrive at the peer's channel with the same
// index, in order. Implementations are provided by transport backends.
type Channel interface {
	// Index returns the channel's position in its set.
	Index() int

	// State reports the current readiness.
	State() ChannelState

	// SendText queues a text (control) message.
	SendText(s string) error

	// SendBinary queues a binary (payload) message. The caller may reuse p
	// after SendBinary returns.
	SendBinary(p []byte) error

	// BufferedAmount returns the number of bytes queued but not yet handed
	// to the network.
	BufferedAmount() uint64

	// SetBufferedAmountLowThreshold sets the level at or below which the
	// OnBufferedAmountLow handler fires.
	SetBufferedAmountLowThreshold(th uint64)

	// OnBufferedAmountLow registers the single handler invoked when the
	// buffered amount drops to or below the threshold.
	OnBufferedAmountLow(f func())

	// Done is closed once the channel leaves the open state for good.
	Done() <-chan struct{}
}

// ChannelSet is a fixed-size group of channels used together for one
// transfer, plus a coarse connection liveness query.
type ChannelSet struct {
	channels  []Channel
	connected func() bool
}

// NewChannelSet builds a set from channels ordered by index. connected may
// be nil, in which case the set is considered live while every channel is
// open.
func NewChannelSet(channels []Channel, connected func() bool) (*ChannelSet, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channels provided")
	}
	for i, ch := range channels {
		if ch == nil {
			return nil, fmt.Errorf("channel %d is nil", i)
		}
		if ch.Index() != i {
			return nil, fmt.Errorf("channel at position %d reports index %d", i, ch.Index())
		}
	}
	return &ChannelSet{
		channels:  append([]Channel(nil), channels...),
		connected: connected,
	}, nil
}

// Len returns N.
func (s *ChannelSet) Len() int {
	return len(s.channels)
}

// Channel returns the channel at index i.
func (s *ChannelSet) Channel(i int) Channel {
	return s.channels[i]
}

// Channels returns a copy of the channel slice.
func (s *ChannelSet) Channels() []Channel {
	return append([]Channel(nil), s.channels...)
}

// OpenCount returns how many channels are currently open.
func (s *ChannelSet) OpenCount() int {
	n := 0
	for _, ch := range s.channels {
		if ch.State() == StateOpen {
			n++
		}
	}
	return n
}

// Connected reports whether the underlying connection is still live.
func (s *ChannelSet) Connected() bool {
	if s.connected != nil {
		return s.connected()
	}
	return s.OpenCount() == len(s.channels)
}
