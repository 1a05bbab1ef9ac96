package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/parashare/internal/appstate"
	"github.com/sheerbytes/parashare/internal/clienthttp"
	"github.com/sheerbytes/parashare/internal/config"
	"github.com/sheerbytes/parashare/internal/transfer"
	"github.com/sheerbytes/parashare/internal/transferwebrtc"
	"github.com/sheerbytes/parashare/internal/transport"
	"github.com/sheerbytes/parashare/internal/wsclient"
	"github.com/sheerbytes/parashare/pkg/protocol"
)

// SenderConfig configures RunSender.
type SenderConfig struct {
	Client config.ClientConfig
	Path   string
	// Out receives human-readable status lines.
	Out io.Writer
	// OnJoinCode is called once the share session exists.
	OnJoinCode func(code string)
}

// RunSender shares one file. With the WebRTC transport it creates a share
// session, waits for a receiver and returns after the first successful
// transfer. With QUIC it dials the receiver directly.
func RunSender(ctx context.Context, logger *slog.Logger, cfg SenderConfig) error {
	logger = loggerOrDefault(logger)
	cfg.Out = outOrDiscard(cfg.Out)

	src, err := transfer.OpenFile(cfg.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", transfer.ErrNoFileSelected, err)
	}
	defer src.Close()
	fmt.Fprintf(cfg.Out, "sharing %s (%s)\n", src.Name(), transport.FormatBytes(int64(src.Size())))

	if cfg.Client.Transport == config.TransportQUIC {
		return runQUICSender(ctx, logger, cfg, src)
	}
	return runWebRTCSender(ctx, logger, cfg, src)
}

// webrtcSender drives one share session: it tracks receivers through the
// signaling relay and runs one WebRTC transfer at a time.
type webrtcSender struct {
	logger  *slog.Logger
	cfg     SenderConfig
	src     transfer.Source
	conn    *wsclient.Conn
	state   *appstate.SenderState
	notify  *notifier
	session *transfer.Session

	signalDown atomic.Bool
	done       chan error

	mu      sync.Mutex
	turn    []protocol.TurnServer
	attempt *sendAttempt
}

type sendAttempt struct {
	peerID   string
	channels int
	answers  chan protocol.Answer
	cancel   context.CancelCauseFunc
}

func runWebRTCSender(ctx context.Context, logger *slog.Logger, cfg SenderConfig, src transfer.Source) error {
	resp, err := clienthttp.CreateSession(ctx, cfg.Client.ServerURL)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	logger = logger.With("session_id", resp.SessionID)
	fmt.Fprintf(cfg.Out, "\n=== Join Code: %s ===\n\n", resp.JoinCode)
	fmt.Fprintf(cfg.Out, "expires at %s\n", resp.ExpiresAt.Local().Format(time.Kitchen))
	if cfg.OnJoinCode != nil {
		cfg.OnJoinCode(resp.JoinCode)
	}

	wsURL, err := wsclient.BuildURL(cfg.Client.ServerURL, resp.JoinCode, cfg.Client.PeerID, protocol.RoleSender)
	if err != nil {
		return err
	}
	conn, err := wsclient.Dial(ctx, wsURL, logger)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s := &webrtcSender{
		logger:  logger,
		cfg:     cfg,
		src:     src,
		conn:    conn,
		notify:  newNotifier(logger, cfg.Out),
		session: transfer.NewSession(),
		done:    make(chan error, 1),
	}
	s.state = appstate.NewSenderState(func(peerID string, channels int) error {
		s.start(ctx, peerID, channels)
		return nil
	})
	fmt.Fprintln(cfg.Out, "waiting for a receiver...")

	readErr := make(chan error, 1)
	go func() {
		readErr <- conn.ReadLoop(ctx, func(env protocol.Envelope) {
			s.handleEnvelope(env)
		})
	}()

	for {
		select {
		case err := <-s.done:
			return err
		case err := <-readErr:
			s.signalDown.Store(true)
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			if s.activePeer() == "" {
				return fmt.Errorf("signaling connection lost: %w", err)
			}
			logger.Warn("signaling connection lost during transfer", "error", err)
			readErr = nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

func (s *webrtcSender) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePeerList:
		var list protocol.PeerList
		if err := env.DecodePayload(&list); err != nil {
			s.logger.Error("failed to decode peer_list", "error", err)
			return
		}
		s.state.UpdatePeerList(list.Peers)

	case protocol.TypePeerJoined:
		var joined protocol.PeerJoined
		if err := env.DecodePayload(&joined); err != nil {
			s.logger.Error("failed to decode peer_joined", "error", err)
			return
		}
		s.state.HandlePeerJoined(joined.Peer.PeerID, joined.Peer.Role)
		if joined.Peer.Role == protocol.RoleReceiver {
			fmt.Fprintf(s.cfg.Out, "receiver joined: %s\n", joined.Peer.PeerID)
		}

	case protocol.TypeReceiverReady:
		var ready protocol.ReceiverReady
		if err := env.DecodePayload(&ready); err != nil {
			s.logger.Error("failed to decode receiver_ready", "error", err)
			return
		}
		if err := s.state.HandleReceiverReady(env.From, ready.Channels); err != nil {
			s.logger.Error("failed to start transfer", "peer_id", env.From, "error", err)
		}
		s.logger.Debug(s.state.ReadinessInfo())

	case protocol.TypeAnswer:
		var answer protocol.Answer
		if err := env.DecodePayload(&answer); err != nil {
			s.logger.Error("failed to decode answer", "error", err)
			return
		}
		s.deliverAnswer(env.From, answer)

	case protocol.TypePeerLeft:
		var left protocol.PeerLeft
		if err := env.DecodePayload(&left); err != nil {
			s.logger.Error("failed to decode peer_left", "error", err)
			return
		}
		if s.state.HandlePeerLeft(left.PeerID) {
			s.abort(left.PeerID, fmt.Errorf("%w: receiver %s left", transfer.ErrConnectionLost, left.PeerID))
		}

	case protocol.TypeTurnCredentials:
		var creds protocol.TurnCredentials
		if err := env.DecodePayload(&creds); err != nil {
			s.logger.Error("failed to decode turn_credentials", "error", err)
			return
		}
		s.mu.Lock()
		s.turn = creds.Servers
		s.mu.Unlock()

	case protocol.TypeError:
		var perr protocol.Error
		if err := env.DecodePayload(&perr); err != nil {
			s.logger.Error("failed to decode error", "error", err)
			return
		}
		s.logger.Warn("server error", "code", perr.Code, "message", perr.Message)
		if perr.Code == protocol.CodeSessionClosed {
			s.finish(fmt.Errorf("%w: %s", ErrSessionClosed, perr.Message))
		}
	}
}

func (s *webrtcSender) activePeer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt == nil {
		return ""
	}
	return s.attempt.peerID
}

func (s *webrtcSender) start(ctx context.Context, peerID string, channels int) {
	actx, cancel := context.WithCancelCause(ctx)
	a := &sendAttempt{
		peerID:   peerID,
		channels: channels,
		answers:  make(chan protocol.Answer, 1),
		cancel:   cancel,
	}
	s.mu.Lock()
	s.attempt = a
	s.mu.Unlock()

	go s.run(ctx, actx, a)
}

func (s *webrtcSender) run(ctx, actx context.Context, a *sendAttempt) {
	err := s.transferTo(actx, a)
	a.cancel(nil)

	s.mu.Lock()
	if s.attempt == a {
		s.attempt = nil
	}
	s.mu.Unlock()

	if err == nil {
		s.finish(nil)
		return
	}
	if ctx.Err() != nil {
		return
	}
	s.logger.Error("transfer attempt failed", "peer_id", a.peerID, "error", err)
	if s.signalDown.Load() {
		s.finish(err)
		return
	}
	fmt.Fprintf(s.cfg.Out, "transfer to %s failed: %v\nwaiting for a receiver...\n", a.peerID, err)
	if err := s.state.Release(a.peerID); err != nil {
		s.logger.Error("failed to start next transfer", "error", err)
	}
}

func (s *webrtcSender) deliverAnswer(from string, answer protocol.Answer) {
	s.mu.Lock()
	a := s.attempt
	s.mu.Unlock()
	if a == nil || a.peerID != from {
		s.logger.Warn("ignoring unexpected answer", "from", from)
		return
	}
	select {
	case a.answers <- answer:
	default:
		s.logger.Warn("ignoring duplicate answer", "from", from)
	}
}

func (s *webrtcSender) abort(peerID string, cause error) {
	s.mu.Lock()
	a := s.attempt
	s.mu.Unlock()
	if a != nil && a.peerID == peerID {
		a.cancel(cause)
	}
}

func (s *webrtcSender) finish(err error) {
	select {
	case s.done <- err:
	default:
	}
}

func (s *webrtcSender) transferTo(ctx context.Context, a *sendAttempt) error {
	opts := s.cfg.Client.TransferOptions()
	if a.channels > 0 && a.channels < opts.Channels {
		opts.Channels = a.channels
	}
	logger := s.logger.With("peer_id", a.peerID, "channels", opts.Channels)

	s.mu.Lock()
	ice := iceConfiguration(s.cfg.Client.STUNServers, s.turn)
	s.mu.Unlock()

	pc, err := transferwebrtc.NewPeerConnection(ice, logger)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	link, err := transferwebrtc.OpenChannels(pc, transferwebrtc.Config{Channels: opts.Channels, Logger: logger})
	if err != nil {
		_ = pc.Close()
		return err
	}
	defer link.Close()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	lost := make(chan error, 1)
	link.OnConnectionLost(notifyLost(lost, cancel, func(err error) error {
		return fmt.Errorf("%w: %v", transfer.ErrConnectionLost, err)
	}))

	fmt.Fprintf(s.cfg.Out, "receiver %s ready, connecting over %d channels\n", a.peerID, opts.Channels)
	offer, err := transferwebrtc.CreateOffer(ctx, pc)
	if err != nil {
		return err
	}
	if err := s.conn.SendMessage(protocol.TypeOffer, a.peerID, protocol.Offer{SDP: offer.SDP, Channels: opts.Channels}); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}

	timer := time.NewTimer(answerTimeout)
	defer timer.Stop()
	var answer protocol.Answer
	select {
	case answer = <-a.answers:
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return errors.New("timed out waiting for answer")
	}
	if err := transferwebrtc.ApplyAnswer(pc, answer.SDP); err != nil {
		return err
	}
	if err := link.WaitReady(ctx); err != nil {
		return err
	}
	set, err := link.ChannelSet()
	if err != nil {
		return err
	}

	sender := transfer.NewSender(transfer.SenderConfig{
		Options:  opts,
		Session:  s.session,
		Logger:   logger,
		Observer: s.notify,
	})
	printer := newProgressPrinter(s.cfg.Out, "send")
	if err := sender.Send(ctx, s.src, set, printer.Sent); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return err
	}
	if err := link.Drain(ctx); err != nil {
		return fmt.Errorf("%w: flushing channels: %v", transfer.ErrConnectionLost, context.Cause(ctx))
	}
	awaitPeerClose(ctx, lost, peerCloseWait, logger)
	return nil
}
