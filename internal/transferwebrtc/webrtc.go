package transferwebrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sheerbytes/parashare/internal/transfer"
)

// LabelPrefix prefixes every transfer data channel label. The suffix is the
// channel index.
const LabelPrefix = "fileTransferChannel_"

const openTimeout = 30 * time.Second

var _ transfer.Channel = (*Channel)(nil)

// ChannelLabel returns the data channel label for index i.
func ChannelLabel(i int) string {
	return LabelPrefix + strconv.Itoa(i)
}

// ParseChannelLabel extracts the index from a transfer channel label.
func ParseChannelLabel(label string) (int, bool) {
	rest, ok := strings.CutPrefix(label, LabelPrefix)
	if !ok || rest == "" {
		return 0, false
	}
	i, err := strconv.Atoi(rest)
	if err != nil || i < 0 || strconv.Itoa(i) != rest {
		return 0, false
	}
	return i, true
}

// Config holds data channel set configuration.
type Config struct {
	// Channels is the number of parallel data channels.
	Channels int

	// Logger for debug output.
	Logger *slog.Logger
}

// Channel wraps a DataChannel and implements transfer.Channel.
type Channel struct {
	index int
	dc    *webrtc.DataChannel

	mu       sync.Mutex
	errored  bool
	openCh   chan struct{}
	openOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

func newChannel(index int, dc *webrtc.DataChannel) *Channel {
	c := &Channel{
		index:  index,
		dc:     dc,
		openCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		c.markOpen()
	}
	return c
}

func (c *Channel) markOpen() {
	c.openOnce.Do(func() { close(c.openCh) })
}

func (c *Channel) finish(err error) {
	if err != nil {
		c.mu.Lock()
		c.errored = true
		c.mu.Unlock()
	}
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Channel) Index() int { return c.index }

// Label returns the underlying data channel label.
func (c *Channel) Label() string { return c.dc.Label() }

func (c *Channel) State() transfer.ChannelState {
	c.mu.Lock()
	errored := c.errored
	c.mu.Unlock()
	if errored {
		return transfer.StateErrored
	}
	switch c.dc.ReadyState() {
	case webrtc.DataChannelStateOpen:
		return transfer.StateOpen
	case webrtc.DataChannelStateClosing, webrtc.DataChannelStateClosed:
		return transfer.StateClosed
	default:
		return transfer.StatePending
	}
}

func (c *Channel) SendText(s string) error {
	if err := c.dc.SendText(s); err != nil {
		return fmt.Errorf("failed to send text on %s: %w", c.dc.Label(), err)
	}
	return nil
}

func (c *Channel) SendBinary(p []byte) error {
	if err := c.dc.Send(p); err != nil {
		return fmt.Errorf("failed to send data on %s: %w", c.dc.Label(), err)
	}
	return nil
}

func (c *Channel) BufferedAmount() uint64 {
	return c.dc.BufferedAmount()
}

func (c *Channel) SetBufferedAmountLowThreshold(th uint64) {
	c.dc.SetBufferedAmountLowThreshold(th)
}

func (c *Channel) OnBufferedAmountLow(f func()) {
	c.dc.OnBufferedAmountLow(f)
}

func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// waitOpen blocks until the data channel is open.
func (c *Channel) waitOpen(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.openCh:
		return nil
	case <-c.done:
		return fmt.Errorf("data channel %s closed before opening", c.dc.Label())
	}
}

// Link is the set of transfer data channels carried by one PeerConnection.
// The offering side creates the channels with OpenChannels; the answering
// side collects them with AcceptChannels.
type Link struct {
	pc     *webrtc.PeerConnection
	n      int
	logger *slog.Logger

	mu        sync.Mutex
	channels  []*Channel
	handler   func(int, transfer.Frame)
	onDown    func(error)
	downFired bool
	closed    bool
	arrived   chan struct{}
}

func newLink(pc *webrtc.PeerConnection, cfg Config) (*Link, error) {
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", cfg.Channels)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Link{
		pc:       pc,
		n:        cfg.Channels,
		logger:   logger.With("component", "webrtc"),
		channels: make([]*Channel, cfg.Channels),
		arrived:  make(chan struct{}),
	}
	pc.OnConnectionStateChange(l.onConnectionState)
	return l, nil
}

// OpenChannels creates the ordered data channels on pc. Call it before
// creating the offer so the session description carries them.
func OpenChannels(pc *webrtc.PeerConnection, cfg Config) (*Link, error) {
	l, err := newLink(pc, cfg)
	if err != nil {
		return nil, err
	}
	ordered := true
	for i := 0; i < l.n; i++ {
		dc, err := pc.CreateDataChannel(ChannelLabel(i), &webrtc.DataChannelInit{
			Ordered: &ordered,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create data channel %d: %w", i, err)
		}
		l.attach(i, dc)
	}
	return l, nil
}

// AcceptChannels collects the transfer data channels the remote peer
// creates. Channels with unrecognized labels are ignored.
func AcceptChannels(pc *webrtc.PeerConnection, cfg Config) (*Link, error) {
	l, err := newLink(pc, cfg)
	if err != nil {
		return nil, err
	}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		idx, ok := ParseChannelLabel(dc.Label())
		if !ok || idx >= l.n {
			l.logger.Warn("ignoring unexpected data channel", "label", dc.Label())
			return
		}
		l.attach(idx, dc)
	})
	return l, nil
}

func (l *Link) attach(idx int, dc *webrtc.DataChannel) {
	logger := l.logger.With("channel", idx)

	l.mu.Lock()
	if l.channels[idx] != nil {
		l.mu.Unlock()
		logger.Warn("duplicate data channel, ignoring", "label", dc.Label())
		return
	}
	ch := newChannel(idx, dc)
	l.channels[idx] = ch
	all := true
	for _, c := range l.channels {
		if c == nil {
			all = false
			break
		}
	}
	l.mu.Unlock()

	dc.OnOpen(func() {
		logger.Debug("data channel open")
		ch.markOpen()
	})
	dc.OnClose(func() {
		logger.Debug("data channel closed")
		ch.finish(nil)
		l.channelDown(fmt.Errorf("data channel %d closed", idx))
	})
	dc.OnError(func(err error) {
		logger.Warn("data channel error", "error", err)
		ch.finish(err)
		l.channelDown(fmt.Errorf("data channel %d: %w", idx, err))
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		kind := transfer.FrameBinary
		if msg.IsString {
			kind = transfer.FrameText
		}
		l.mu.Lock()
		h := l.handler
		l.mu.Unlock()
		if h != nil {
			h(idx, transfer.Frame{Kind: kind, Data: msg.Data})
		}
	})

	if all {
		close(l.arrived)
	}
}

// SetFrameHandler installs the function every inbound message is delivered
// to, typically a transfer.Receiver's OnFrame.
func (l *Link) SetFrameHandler(h func(channel int, f transfer.Frame)) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

// OnConnectionLost registers f to be called once when the peer connection
// fails or any channel closes or errors.
func (l *Link) OnConnectionLost(f func(error)) {
	l.mu.Lock()
	l.onDown = f
	l.mu.Unlock()
}

func (l *Link) onConnectionState(state webrtc.PeerConnectionState) {
	l.logger.Debug("peer connection state changed", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		l.channelDown(fmt.Errorf("peer connection %s", state.String()))
	}
}

func (l *Link) channelDown(err error) {
	l.mu.Lock()
	if l.downFired || l.closed {
		l.mu.Unlock()
		return
	}
	l.downFired = true
	f := l.onDown
	l.mu.Unlock()
	if f != nil {
		f(err)
	}
}

// WaitReady blocks until all channels exist and are open.
func (l *Link) WaitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	select {
	case <-l.arrived:
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for data channels: %v", transfer.ErrChannelsNotReady, ctx.Err())
	}
	for _, ch := range l.snapshot() {
		if err := ch.waitOpen(ctx); err != nil {
			return fmt.Errorf("%w: %v", transfer.ErrChannelsNotReady, err)
		}
	}
	l.logger.Info("all data channels open", "channels", l.n)
	return nil
}

func (l *Link) snapshot() []*Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Channel(nil), l.channels...)
}

// ChannelSet returns the protocol view of the link. Liveness follows the
// peer connection state.
func (l *Link) ChannelSet() (*transfer.ChannelSet, error) {
	chans := l.snapshot()
	set := make([]transfer.Channel, len(chans))
	for i, ch := range chans {
		if ch == nil {
			return nil, fmt.Errorf("%w: channel %d has not arrived", transfer.ErrChannelsNotReady, i)
		}
		set[i] = ch
	}
	return transfer.NewChannelSet(set, l.Connected)
}

// Connected reports whether the peer connection is connected.
func (l *Link) Connected() bool {
	return l.pc.ConnectionState() == webrtc.PeerConnectionStateConnected
}

// Drain waits until every open channel has flushed its buffered bytes.
// Closing the peer connection earlier would discard data still queued in
// SCTP.
func (l *Link) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		pending := uint64(0)
		for _, ch := range l.snapshot() {
			if ch != nil && ch.State() == transfer.StateOpen {
				pending += ch.BufferedAmount()
			}
		}
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close closes every channel and the peer connection.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	var errs []error
	for _, ch := range l.snapshot() {
		if ch == nil {
			continue
		}
		if err := ch.dc.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			errs = append(errs, err)
		}
	}
	if err := l.pc.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
