package transferquic

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/parashare/internal/transfer"
)

// Each channel is one bidirectional QUIC stream. The opener writes a stream
// header naming the channel index; after that both directions carry frames
// of [kind:1][length:4][payload].
const (
	streamMagic = "PQS1"

	frameKindText   = byte(0x01)
	frameKindBinary = byte(0x02)

	// maxFrameSize bounds a single inbound frame.
	maxFrameSize = 16 * 1024 * 1024
)

var (
	// ErrInvalidStreamMagic indicates a stream that is not a transfer channel.
	ErrInvalidStreamMagic = errors.New("invalid stream magic")

	_ transfer.Channel = (*Channel)(nil)
)

// Config holds QUIC channel set configuration.
type Config struct {
	// Channels is the number of parallel streams. On the accepting side zero
	// means "whatever the dialer opened".
	Channels int

	// Handler receives inbound frames. It is installed before any stream is
	// read, so no frame can be dropped.
	Handler func(channel int, f transfer.Frame)

	// Logger for debug output.
	Logger *slog.Logger
}

// Link is a set of transfer channels carried by one QUIC connection.
type Link struct {
	conn     *quic.Conn
	logger   *slog.Logger
	channels []*Channel

	mu        sync.Mutex
	handler   func(int, transfer.Frame)
	onDown    func(error)
	downFired bool
	closed    bool
}

func newLink(conn *quic.Conn, cfg Config) (*Link, error) {
	if cfg.Channels <= 0 || cfg.Channels > 0xFFFF {
		return nil, fmt.Errorf("invalid channel count %d", cfg.Channels)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		conn:     conn,
		logger:   logger.With("component", "quic"),
		channels: make([]*Channel, cfg.Channels),
		handler:  cfg.Handler,
	}, nil
}

// OpenChannels opens cfg.Channels streams on conn (dialer side).
func OpenChannels(ctx context.Context, conn *quic.Conn, cfg Config) (*Link, error) {
	l, err := newLink(conn, cfg)
	if err != nil {
		return nil, err
	}
	for i := range l.channels {
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			err = fmt.Errorf("failed to open QUIC stream %d: %w", i, err)
			l.abortStreams(err)
			return nil, err
		}
		if err := writeStreamHeader(stream, i, len(l.channels)); err != nil {
			stream.CancelWrite(0)
			l.abortStreams(err)
			return nil, err
		}
		l.channels[i] = newChannel(i, stream, l)
		l.logger.Debug("QUIC stream opened", "channel", i, "stream_id", stream.StreamID())
	}
	l.start()
	return l, nil
}

// AcceptChannels accepts cfg.Channels streams on conn (listener side). The
// streams may arrive in any order; each is placed by its header. With
// cfg.Channels zero the count announced in the first header is used.
func AcceptChannels(ctx context.Context, conn *quic.Conn, cfg Config) (*Link, error) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to accept QUIC stream: %w", err)
	}
	idx, total, err := readStreamHeader(stream)
	if err != nil {
		stream.CancelRead(0)
		stream.CancelWrite(0)
		return nil, err
	}
	if cfg.Channels == 0 {
		cfg.Channels = total
	}
	l, err := newLink(conn, cfg)
	if err != nil {
		stream.CancelRead(0)
		stream.CancelWrite(0)
		return nil, err
	}

	for got := 0; ; {
		if total != len(l.channels) || idx >= total || l.channels[idx] != nil {
			err := fmt.Errorf("%w: unexpected stream %d of %d", transfer.ErrProtocol, idx, total)
			stream.CancelRead(0)
			stream.CancelWrite(0)
			l.abortStreams(err)
			return nil, err
		}
		l.channels[idx] = newChannel(idx, stream, l)
		l.logger.Debug("QUIC stream accepted", "channel", idx, "stream_id", stream.StreamID())
		got++
		if got == len(l.channels) {
			break
		}

		stream, err = conn.AcceptStream(ctx)
		if err != nil {
			err = fmt.Errorf("failed to accept QUIC stream: %w", err)
			l.abortStreams(err)
			return nil, err
		}
		idx, total, err = readStreamHeader(stream)
		if err != nil {
			stream.CancelRead(0)
			stream.CancelWrite(0)
			l.abortStreams(err)
			return nil, err
		}
	}
	l.start()
	return l, nil
}

func (l *Link) start() {
	for _, ch := range l.channels {
		go ch.writeLoop()
		go ch.readLoop()
	}
	go func() {
		<-l.conn.Context().Done()
		l.channelDown(fmt.Errorf("QUIC connection closed: %w", context.Cause(l.conn.Context())))
	}()
}

func (l *Link) closeStreams() {
	for _, ch := range l.channels {
		if ch != nil {
			ch.close(nil)
		}
	}
}

func (l *Link) abortStreams(cause error) {
	for _, ch := range l.channels {
		if ch != nil {
			ch.close(cause)
		}
	}
}

// SetFrameHandler installs the function every inbound frame is delivered to.
func (l *Link) SetFrameHandler(h func(channel int, f transfer.Frame)) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

// OnConnectionLost registers f to be called once when the connection or any
// stream fails.
func (l *Link) OnConnectionLost(f func(error)) {
	l.mu.Lock()
	l.onDown = f
	l.mu.Unlock()
}

func (l *Link) deliver(idx int, f transfer.Frame) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h != nil {
		h(idx, f)
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
	l.logger.Warn("transfer channel down", "error", err)
	if f != nil {
		f(err)
	}
}

// ChannelSet returns the protocol view of the link.
func (l *Link) ChannelSet() (*transfer.ChannelSet, error) {
	set := make([]transfer.Channel, len(l.channels))
	for i, ch := range l.channels {
		set[i] = ch
	}
	return transfer.NewChannelSet(set, l.Connected)
}

// Channel returns channel i.
func (l *Link) Channel(i int) *Channel {
	return l.channels[i]
}

// Connected reports whether the QUIC connection is still up.
func (l *Link) Connected() bool {
	return l.conn.Context().Err() == nil
}

// Drain waits until every channel has handed its queued frames to QUIC.
func (l *Link) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		pending := uint64(0)
		for _, ch := range l.channels {
			if ch.State() == transfer.StateOpen {
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

// Close closes every stream and the connection.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.closeStreams()
	if err := l.conn.CloseWithError(0, ""); err != nil {
		return fmt.Errorf("failed to close QUIC connection: %w", err)
	}
	return nil
}

// Channel is one QUIC stream carrying transfer frames. Sends are queued and
// written by a dedicated goroutine so BufferedAmount reflects bytes not yet
// accepted by the stream.
type Channel struct {
	index  int
	stream *quic.Stream
	link   *Link

	mu        sync.Mutex
	cond      *sync.Cond
	state     transfer.ChannelState
	queue     []queuedFrame
	buffered  uint64
	threshold uint64
	onLow     func()

	done     chan struct{}
	doneOnce sync.Once
}

type queuedFrame struct {
	kind byte
	data []byte
}

func newChannel(index int, stream *quic.Stream, link *Link) *Channel {
	c := &Channel{
		index:  index,
		stream: stream,
		link:   link,
		state:  transfer.StateOpen,
		done:   make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *Channel) Index() int { return c.index }

func (c *Channel) State() transfer.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) SendText(s string) error {
	return c.enqueue(frameKindText, []byte(s))
}

func (c *Channel) SendBinary(p []byte) error {
	buf := make([]byte, len(p))
	copy(buf, p)
	return c.enqueue(frameKindBinary, buf)
}

func (c *Channel) enqueue(kind byte, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != transfer.StateOpen {
		return fmt.Errorf("channel %d is %s: %w", c.index, c.state, io.ErrClosedPipe)
	}
	c.queue = append(c.queue, queuedFrame{kind: kind, data: data})
	c.buffered += uint64(len(data))
	c.cond.Signal()
	return nil
}

func (c *Channel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *Channel) SetBufferedAmountLowThreshold(th uint64) {
	c.mu.Lock()
	c.threshold = th
	c.mu.Unlock()
}

func (c *Channel) OnBufferedAmountLow(f func()) {
	c.mu.Lock()
	c.onLow = f
	c.mu.Unlock()
}

func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// close moves the channel to closed, or errored when err is not nil. An
// errored stream is reset in both directions; a closed one is finished
// cleanly by the write loop.
func (c *Channel) close(err error) {
	c.mu.Lock()
	if c.state == transfer.StateOpen {
		if err != nil {
			c.state = transfer.StateErrored
		} else {
			c.state = transfer.StateClosed
		}
	}
	c.queue = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	c.doneOnce.Do(func() {
		close(c.done)
		if err != nil {
			c.stream.CancelWrite(0)
			c.stream.CancelRead(0)
		}
	})
}

func (c *Channel) writeLoop() {
	w := bufio.NewWriterSize(c.stream, 64*1024)
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && c.state == transfer.StateOpen {
			c.cond.Wait()
		}
		if c.state != transfer.StateOpen {
			clean := c.state == transfer.StateClosed
			c.mu.Unlock()
			if clean {
				_ = w.Flush()
				_ = c.stream.Close()
			}
			return
		}
		f := c.queue[0]
		c.queue = c.queue[1:]
		more := len(c.queue) > 0
		c.mu.Unlock()

		err := writeFrame(w, f.kind, f.data)
		if err == nil && !more {
			err = w.Flush()
		}
		if err != nil {
			c.close(err)
			c.link.channelDown(fmt.Errorf("channel %d write: %w", c.index, err))
			return
		}

		c.mu.Lock()
		before := c.buffered
		c.buffered -= uint64(len(f.data))
		var fire func()
		if before > c.threshold && c.buffered <= c.threshold {
			fire = c.onLow
		}
		c.mu.Unlock()
		if fire != nil {
			fire()
		}
	}
}

func (c *Channel) readLoop() {
	r := bufio.NewReaderSize(c.stream, 64*1024)
	for {
		f, err := readFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.close(nil)
				c.link.channelDown(fmt.Errorf("channel %d closed by peer", c.index))
			} else {
				c.close(err)
				c.link.channelDown(fmt.Errorf("channel %d read: %w", c.index, err))
			}
			return
		}
		c.link.deliver(c.index, f)
	}
}

func writeStreamHeader(w io.Writer, idx, total int) error {
	var buf [len(streamMagic) + 4]byte
	copy(buf[:], streamMagic)
	binary.BigEndian.PutUint16(buf[4:6], uint16(idx))
	binary.BigEndian.PutUint16(buf[6:8], uint16(total))
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("failed to write stream header: %w", err)
	}
	return nil
}

func readStreamHeader(r io.Reader) (idx, total int, err error) {
	var buf [len(streamMagic) + 4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, 0, fmt.Errorf("failed to read stream header: %w", err)
	}
	if string(buf[:4]) != streamMagic {
		return 0, 0, ErrInvalidStreamMagic
	}
	return int(binary.BigEndian.Uint16(buf[4:6])), int(binary.BigEndian.Uint16(buf[6:8])), nil
}

func writeFrame(w io.Writer, kind byte, data []byte) error {
	var hdr [5]byte
	hdr[0] = kind
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) (transfer.Frame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return transfer.Frame{}, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > maxFrameSize {
		return transfer.Frame{}, fmt.Errorf("%w: frame of %d bytes exceeds limit", transfer.ErrProtocol, n)
	}
	var kind transfer.FrameKind
	switch hdr[0] {
	case frameKindText:
		kind = transfer.FrameText
	case frameKindBinary:
		kind = transfer.FrameBinary
	default:
		return transfer.Frame{}, fmt.Errorf("%w: unknown frame kind 0x%02x", transfer.ErrProtocol, hdr[0])
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return transfer.Frame{}, err
	}
	return transfer.Frame{Kind: kind, Data: data}, nil
}
