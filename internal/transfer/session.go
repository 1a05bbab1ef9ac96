package transfer

import (
	"fmt"
	"sync"
)

// Role is what the local side of a channel set is currently doing.
type Role int

const (
	RoleIdle Role = iota
	RoleSending
	RoleReceiving
)

func (r Role) String() string {
	switch r {
	case RoleIdle:
		return "idle"
	case RoleSending:
		return "sending"
	case RoleReceiving:
		return "receiving"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// State is the transfer session state for one channel set. Transitions are
// methods that return the successor state and the effects the caller must
// carry out. The returned State supersedes the receiver value, which must
// not be used again: buffers are shared between the two.
type State struct {
	Role          Role
	FileName      string
	ExpectedSize  uint64
	ReceivedSize  uint64
	TotalSegments uint32

	buffers      map[int][][]byte
	channelBytes map[int]uint64
	plan         []Segment

	// Every transfer announces itself on each channel. announced remembers
	// which channels already delivered the current (or last) descriptor so
	// late redundant copies are not mistaken for a new transfer.
	last      FileStart
	announced map[int]bool
}

// Effect is an action produced by a transition.
type Effect interface {
	isEffect()
}

// StartedEffect reports that a receive began.
type StartedEffect struct {
	Descriptor FileStart
}

// ProgressEffect reports receive progress. Percent is clamped to 100.
type ProgressEffect struct {
	Channel  int
	Received uint64
	Expected uint64
	Percent  float64
}

// CompletedEffect carries the reassembled file.
type CompletedEffect struct {
	Artifact *Artifact
}

// LogEffect asks the caller to log a diagnostic.
type LogEffect struct {
	Warn  bool
	Msg   string
	Attrs []any
}

func (StartedEffect) isEffect()   {}
func (ProgressEffect) isEffect()  {}
func (CompletedEffect) isEffect() {}
func (LogEffect) isEffect()       {}

func warnf(msg string, attrs ...any) LogEffect {
	return LogEffect{Warn: true, Msg: msg, Attrs: attrs}
}

func debugf(msg string, attrs ...any) LogEffect {
	return LogEffect{Msg: msg, Attrs: attrs}
}

// Active reports whether a receive is in flight and incomplete.
func (s State) Active() bool {
	return s.Role == RoleReceiving && s.ReceivedSize < s.ExpectedSize
}

// BufferedChunks returns how many chunks are held for channel ch.
func (s State) BufferedChunks(ch int) int {
	return len(s.buffers[ch])
}

// BeginSend moves an idle session into Sending.
func (s State) BeginSend(name string, size uint64) (State, error) {
	if s.Role != RoleIdle {
		return s, fmt.Errorf("%w: session is %s", ErrTransferInProgress, s.Role)
	}
	next := s.Reset()
	next.Role = RoleSending
	next.FileName = name
	next.ExpectedSize = size
	return next, nil
}

// Reset returns the idle state with all buffers and counters cleared,
// including the record of which channels announced the last descriptor.
// Resetting an idle state yields an equal state.
func (s State) Reset() State {
	return State{Role: RoleIdle}
}

// OnFileStart handles a descriptor arriving on channel ch.
func (s State) OnFileStart(ch int, fs FileStart) (State, []Effect) {
	redundant := fs == s.last && !s.announced[ch]

	switch {
	case fs.TotalSegments == 0 || fs.TotalSegments > maxChannels:
		return s, []Effect{warnf("fileStart with invalid segment count, ignoring",
			"channel", ch, "name", fs.Name, "segments", fs.TotalSegments)}
	case s.Role == RoleSending:
		return s, []Effect{warnf("fileStart received while sending, ignoring", "channel", ch, "name", fs.Name)}
	case s.Active() && redundant:
		s.announced[ch] = true
		return s, nil
	case s.Active():
		return s, []Effect{warnf("new file metadata received while transfer in progress, ignoring",
			"channel", ch, "name", fs.Name, "current", s.FileName,
			"received", s.ReceivedSize, "expected", s.ExpectedSize)}
	case redundant:
		// Late copy of a transfer that already finished on other channels.
		if s.announced == nil {
			s.announced = make(map[int]bool)
		}
		s.announced[ch] = true
		return s, []Effect{debugf("duplicate fileStart after completion", "channel", ch, "name", fs.Name)}
	}

	next := State{
		Role:          RoleReceiving,
		FileName:      fs.Name,
		ExpectedSize:  fs.Size,
		TotalSegments: fs.TotalSegments,
		buffers:       make(map[int][][]byte),
		channelBytes:  make(map[int]uint64),
		plan:          PlanSegments(fs.Size, int(fs.TotalSegments)),
		last:          fs,
		announced:     map[int]bool{ch: true},
	}
	effects := []Effect{StartedEffect{Descriptor: fs}}
	if next.ExpectedSize == 0 {
		return next.complete(effects)
	}
	return next, effects
}

// OnSegment validates an advisory segment frame against the plan derived
// from the descriptor. It never changes state.
func (s State) OnSegment(ch int, info SegmentInfo) (State, []Effect) {
	if s.Role != RoleReceiving {
		return s, []Effect{debugf("segment frame outside a receive", "channel", ch)}
	}
	if ch >= len(s.plan) {
		return s, []Effect{warnf("segment frame on channel outside plan", "channel", ch, "segments", len(s.plan))}
	}
	want := s.plan[ch]
	got := info.Segment()
	if got != want {
		return s, []Effect{warnf("segment frame does not match plan",
			"channel", ch, "start", got.StartByte, "end", got.EndByte,
			"want_start", want.StartByte, "want_end", want.EndByte)}
	}
	return s, []Effect{debugf("receiving segment", "channel", ch, "start", got.StartByte, "end", got.EndByte)}
}

// OnChunk appends a binary frame to channel ch's buffer. Bytes beyond the
// channel's planned segment length are dropped. When the aggregate reaches
// the expected size the file is reassembled and the state resets.
func (s State) OnChunk(ch int, p []byte) (State, []Effect) {
	if s.Role != RoleReceiving {
		return s, []Effect{warnf("received file data but not in receiving state, ignoring", "channel", ch, "bytes", len(p))}
	}
	if len(p) == 0 {
		return s, nil
	}
	if ch < 0 || ch >= len(s.plan) {
		return s, []Effect{warnf("file data on channel outside plan, dropping", "channel", ch, "bytes", len(p))}
	}

	var effects []Effect
	room := s.plan[ch].Len() - s.channelBytes[ch]
	if uint64(len(p)) > room {
		effects = append(effects, warnf("excess bytes beyond segment, dropping",
			"channel", ch, "bytes", len(p), "room", room))
		p = p[:room]
	}
	if len(p) == 0 {
		return s, effects
	}

	s.buffers[ch] = append(s.buffers[ch], p)
	s.channelBytes[ch] += uint64(len(p))
	s.ReceivedSize += uint64(len(p))

	pct := float64(s.ReceivedSize) / float64(s.ExpectedSize) * 100
	if pct > 100 {
		pct = 100
	}
	effects = append(effects, ProgressEffect{
		Channel:  ch,
		Received: s.ReceivedSize,
		Expected: s.ExpectedSize,
		Percent:  pct,
	})

	if s.ReceivedSize >= s.ExpectedSize {
		return s.complete(effects)
	}
	return s, effects
}

// complete concatenates buffers in ascending channel order. This matches
// PlanSegments, which hands out byte ranges by ascending channel index.
func (s State) complete(effects []Effect) (State, []Effect) {
	parts := make([][]byte, 0, len(s.buffers))
	for i := 0; i < len(s.plan); i++ {
		parts = append(parts, s.buffers[i]...)
	}
	art := &Artifact{
		Name:  s.FileName,
		Size:  s.ReceivedSize,
		parts: parts,
	}
	effects = append(effects, CompletedEffect{Artifact: art})
	// Copies of the descriptor still in flight on slower channels are
	// recognized against last/announced and must not start a new receive.
	next := s.Reset()
	next.last = s.last
	next.announced = s.announced
	return next, effects
}

// Status is a copy of the scalar session fields.
type Status struct {
	Role         Role
	FileName     string
	ExpectedSize uint64
	ReceivedSize uint64
}

// Session owns the State of one channel set and serializes transitions.
// Sender and Receiver share a Session so only one transfer is active at a
// time in either direction.
type Session struct {
	mu    sync.Mutex
	state State
}

// NewSession returns an idle session.
func NewSession() *Session {
	return &Session{}
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Role:         s.state.Role,
		FileName:     s.state.FileName,
		ExpectedSize: s.state.ExpectedSize,
		ReceivedSize: s.state.ReceivedSize,
	}
}

// BeginSend claims the session for an outgoing transfer.
func (s *Session) BeginSend(name string, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.state.BeginSend(name, size)
	if err != nil {
		return err
	}
	s.state = next
	return nil
}

// Reset unconditionally returns the session to Idle.
func (s *Session) Reset() {
	s.mu.Lock()
	s.state = s.state.Reset()
	s.mu.Unlock()
}

// Apply runs a transition under the session lock and returns its effects.
func (s *Session) Apply(fn func(State) (State, []Effect)) []Effect {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, effects := fn(s.state)
	s.state = next
	return effects
}
