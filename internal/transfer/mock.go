package transfer

import (
	"io"
	"sync"
	"sync/atomic"
)

// MockSet is one side of an in-memory channel set for tests. Every channel
// queues outgoing frames and a delivery goroutine hands them to the peer's
// handler in order, so the buffered amount rises and drains the way a real
// transport's does.
type MockSet struct {
	channels  []*MockChannel
	connected atomic.Bool

	mu      sync.RWMutex
	handler func(int, Frame)
}

// MockChannel is an in-memory Channel.
type MockChannel struct {
	index int
	owner *MockSet
	peer  *MockSet

	mu        sync.Mutex
	cond      *sync.Cond
	state     ChannelState
	queue     []Frame
	buffered  uint64
	threshold uint64
	onLow     func()
	paused    bool
	done      chan struct{}
	doneOnce  sync.Once

	textSent        int
	binarySent      int
	maxBufferedSend uint64
}

var _ Channel = (*MockChannel)(nil)

// NewMockPair creates two connected sets of n open channels.
func NewMockPair(n int) (*MockSet, *MockSet) {
	a := &MockSet{}
	b := &MockSet{}
	a.connected.Store(true)
	b.connected.Store(true)
	for i := 0; i < n; i++ {
		a.channels = append(a.channels, newMockChannel(i, a, b))
		b.channels = append(b.channels, newMockChannel(i, b, a))
	}
	for _, ch := range append(append([]*MockChannel(nil), a.channels...), b.channels...) {
		go ch.deliverLoop()
	}
	return a, b
}

func newMockChannel(index int, owner, peer *MockSet) *MockChannel {
	ch := &MockChannel{
		index: index,
		owner: owner,
		peer:  peer,
		state: StateOpen,
		done:  make(chan struct{}),
	}
	ch.cond = sync.NewCond(&ch.mu)
	return ch
}

// ChannelSet returns the protocol view of this side.
func (m *MockSet) ChannelSet() *ChannelSet {
	chans := make([]Channel, len(m.channels))
	for i, ch := range m.channels {
		chans[i] = ch
	}
	set, _ := NewChannelSet(chans, m.connected.Load)
	return set
}

// Channel returns channel i.
func (m *MockSet) Channel(i int) *MockChannel {
	return m.channels[i]
}

// SetHandler installs the function inbound frames are delivered to.
func (m *MockSet) SetHandler(f func(channel int, frame Frame)) {
	m.mu.Lock()
	m.handler = f
	m.mu.Unlock()
}

// SetConnected controls the liveness query.
func (m *MockSet) SetConnected(ok bool) {
	m.connected.Store(ok)
}

// Close closes every channel on this side.
func (m *MockSet) Close() {
	for _, ch := range m.channels {
		ch.Close()
	}
}

func (m *MockSet) deliver(channel int, f Frame) {
	m.mu.RLock()
	h := m.handler
	m.mu.RUnlock()
	if h != nil {
		h(channel, f)
	}
}

func (c *MockChannel) Index() int { return c.index }

func (c *MockChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState forces the readiness state. Moving to closed or errored ends the
// channel.
func (c *MockChannel) SetState(st ChannelState) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	if st == StateClosed || st == StateErrored {
		c.finish()
	}
}

func (c *MockChannel) SendText(s string) error {
	return c.enqueue(TextFrame(s))
}

func (c *MockChannel) SendBinary(p []byte) error {
	buf := make([]byte, len(p))
	copy(buf, p)
	return c.enqueue(BinaryFrame(buf))
}

func (c *MockChannel) enqueue(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return io.ErrClosedPipe
	}
	if f.Kind == FrameText {
		c.textSent++
	} else {
		c.binarySent++
		if c.buffered > c.maxBufferedSend {
			c.maxBufferedSend = c.buffered
		}
	}
	c.queue = append(c.queue, f)
	c.buffered += uint64(len(f.Data))
	c.cond.Signal()
	return nil
}

func (c *MockChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *MockChannel) SetBufferedAmountLowThreshold(th uint64) {
	c.mu.Lock()
	c.threshold = th
	c.mu.Unlock()
}

func (c *MockChannel) OnBufferedAmountLow(f func()) {
	c.mu.Lock()
	c.onLow = f
	c.mu.Unlock()
}

func (c *MockChannel) Done() <-chan struct{} {
	return c.done
}

// Pause stops delivery so the buffered amount only grows.
func (c *MockChannel) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume restarts delivery.
func (c *MockChannel) Resume() {
	c.mu.Lock()
	c.paused = false
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Close closes the channel.
func (c *MockChannel) Close() {
	c.SetState(StateClosed)
}

// Sent returns how many text and binary frames were queued.
func (c *MockChannel) Sent() (text, binary int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.textSent, c.binarySent
}

// MaxBufferedAtSend returns the largest buffered amount observed at the
// moment a binary frame was queued.
func (c *MockChannel) MaxBufferedAtSend() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxBufferedSend
}

func (c *MockChannel) finish() {
	c.doneOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
}

func (c *MockChannel) deliverLoop() {
	for {
		c.mu.Lock()
		for (len(c.queue) == 0 || c.paused) && c.state == StateOpen {
			c.cond.Wait()
		}
		if c.state != StateOpen {
			c.mu.Unlock()
			return
		}
		f := c.queue[0]
		c.queue = c.queue[1:]
		before := c.buffered
		c.buffered -= uint64(len(f.Data))
		var fire func()
		if before > c.threshold && c.buffered <= c.threshold {
			fire = c.onLow
		}
		c.mu.Unlock()

		c.peer.deliver(c.index, f)
		if fire != nil {
			fire()
		}
	}
}
