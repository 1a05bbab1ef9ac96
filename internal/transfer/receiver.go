package transfer

import (
	"fmt"
	"log/slog"
	"sync"
)

// Completion is delivered when a file has been reassembled.
type Completion struct {
	Artifact *Artifact
	// Path is where the artifact was saved, when the receiver has an
	// output directory.
	Path string
}

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	Session  *Session
	Logger   *slog.Logger
	Observer SessionObserver
	// OutDir, when set, makes the receiver save each artifact there before
	// reporting completion.
	OutDir     string
	OnStart    func(FileStart)
	OnProgress func(ProgressEffect)
	OnComplete func(Completion)
	OnFailure  func(error)
}

// Receiver reassembles inbound frames from every channel of a set. Frames
// from all channels funnel through OnFrame, which is serialized, so session
// state has a single writer.
type Receiver struct {
	cfg     ReceiverConfig
	session *Session
	logger  *slog.Logger
	obs     SessionObserver

	mu sync.Mutex
}

// NewReceiver returns a Receiver. A nil Session gets a private one.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	session := cfg.Session
	if session == nil {
		session = NewSession()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		cfg:     cfg,
		session: session,
		logger:  logger,
		obs:     observerOrNop(cfg.Observer),
	}
}

// Session returns the session the receiver writes to.
func (r *Receiver) Session() *Session {
	return r.session
}

// OnFrame is the entry point the transport calls for every inbound message.
// The receiver takes ownership of f.Data.
func (r *Receiver) OnFrame(channel int, f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var effects []Effect
	switch f.Kind {
	case FrameText:
		msg, err := ParseControl(f.Data)
		if err != nil {
			r.logger.Warn("dropping control frame", "channel", channel, "error", err)
			return
		}
		switch m := msg.(type) {
		case FileStart:
			effects = r.session.Apply(func(s State) (State, []Effect) {
				return s.OnFileStart(channel, m)
			})
		case SegmentInfo:
			effects = r.session.Apply(func(s State) (State, []Effect) {
				return s.OnSegment(channel, m)
			})
		}
	case FrameBinary:
		effects = r.session.Apply(func(s State) (State, []Effect) {
			return s.OnChunk(channel, f.Data)
		})
	default:
		r.logger.Warn("dropping frame of unknown kind", "channel", channel, "kind", int(f.Kind))
		return
	}
	r.dispatch(effects)
}

// Abort fails an in-flight receive, for example when a channel closes or
// errors. It is a no-op when nothing is being received.
func (r *Receiver) Abort(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var name string
	active := false
	r.session.Apply(func(s State) (State, []Effect) {
		if s.Role != RoleReceiving {
			return s, nil
		}
		active = true
		name = s.FileName
		return s.Reset(), nil
	})
	if !active {
		return
	}
	err := fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	r.logger.Error("receive aborted", "name", name, "error", err)
	r.fail(name, err)
}

// Reset discards any partial receive without reporting a failure.
func (r *Receiver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session.Reset()
}

func (r *Receiver) dispatch(effects []Effect) {
	for _, e := range effects {
		switch e := e.(type) {
		case LogEffect:
			if e.Warn {
				r.logger.Warn(e.Msg, e.Attrs...)
			} else {
				r.logger.Debug(e.Msg, e.Attrs...)
			}
		case StartedEffect:
			r.logger.Info("started receiving file",
				"name", e.Descriptor.Name, "size", e.Descriptor.Size, "segments", e.Descriptor.TotalSegments)
			r.obs.OnTransferStarted(RoleReceiving, e.Descriptor.Name, e.Descriptor.Size)
			if r.cfg.OnStart != nil {
				r.cfg.OnStart(e.Descriptor)
			}
		case ProgressEffect:
			if r.cfg.OnProgress != nil {
				r.cfg.OnProgress(e)
			}
		case CompletedEffect:
			r.complete(e.Artifact)
		}
	}
}

func (r *Receiver) complete(art *Artifact) {
	c := Completion{Artifact: art}
	if r.cfg.OutDir != "" {
		path, err := art.SaveTo(r.cfg.OutDir)
		if err != nil {
			r.logger.Error("error assembling received file", "name", art.Name, "error", err)
			r.fail(art.Name, err)
			return
		}
		c.Path = path
	}
	r.logger.Info("file received", "name", art.Name, "size", art.Size, "path", c.Path)
	r.obs.OnTransferEnded(RoleReceiving, art.Name, nil)
	if r.cfg.OnComplete != nil {
		r.cfg.OnComplete(c)
	}
}

func (r *Receiver) fail(name string, err error) {
	r.obs.OnTransferEnded(RoleReceiving, name, err)
	if r.cfg.OnFailure != nil {
		r.cfg.OnFailure(err)
	}
}
