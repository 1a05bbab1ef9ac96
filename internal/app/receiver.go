package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/sheerbytes/parashare/internal/config"
	"github.com/sheerbytes/parashare/internal/transfer"
	"github.com/sheerbytes/parashare/internal/transferwebrtc"
	"github.com/sheerbytes/parashare/internal/wsclient"
	"github.com/sheerbytes/parashare/pkg/protocol"
)

// ReceiverConfig configures RunReceiver.
type ReceiverConfig struct {
	Client config.ClientConfig
	// JoinCode selects the share session (WebRTC transport only).
	JoinCode string
	// Out receives human-readable status lines.
	Out io.Writer
	// OnListening is called with the bound address in QUIC mode.
	OnListening func(addr net.Addr)
}

// RunReceiver receives one file and saves it under Client.OutDir.
func RunReceiver(ctx context.Context, logger *slog.Logger, cfg ReceiverConfig) (transfer.Completion, error) {
	logger = loggerOrDefault(logger)
	cfg.Out = outOrDiscard(cfg.Out)

	if cfg.Client.Transport == config.TransportQUIC {
		return runQUICReceiver(ctx, logger, cfg)
	}
	if cfg.JoinCode == "" {
		return transfer.Completion{}, errors.New("join code is required")
	}
	return runWebRTCReceiver(ctx, logger, cfg)
}

type receiveResult struct {
	completion transfer.Completion
	err        error
}

// receiveSink owns the transfer.Receiver for one run and funnels its single
// outcome to a channel.
type receiveSink struct {
	recv    *transfer.Receiver
	result  chan receiveResult
	printer *progressPrinter
}

func newReceiveSink(logger *slog.Logger, cfg ReceiverConfig) *receiveSink {
	k := &receiveSink{
		result:  make(chan receiveResult, 1),
		printer: newProgressPrinter(cfg.Out, "recv"),
	}
	k.recv = transfer.NewReceiver(transfer.ReceiverConfig{
		Logger:     logger,
		Observer:   newNotifier(logger, cfg.Out),
		OutDir:     cfg.Client.OutDir,
		OnStart:    k.printer.Started,
		OnProgress: k.printer.Received,
		OnComplete: func(c transfer.Completion) {
			if c.Path != "" {
				fmt.Fprintf(cfg.Out, "saved to %s\n", c.Path)
			}
			k.report(receiveResult{completion: c})
		},
		OnFailure: func(err error) { k.report(receiveResult{err: err}) },
	})
	return k
}

func (k *receiveSink) report(r receiveResult) {
	select {
	case k.result <- r:
	default:
	}
}

// connectionLost fails an in-flight receive, or the whole run when nothing
// has arrived yet.
func (k *receiveSink) connectionLost(err error) {
	k.recv.Abort(err)
	k.report(receiveResult{err: fmt.Errorf("%w: %v", transfer.ErrConnectionLost, err)})
}

type webrtcReceiver struct {
	logger *slog.Logger
	cfg    ReceiverConfig
	conn   *wsclient.Conn
	sink   *receiveSink

	mu        sync.Mutex
	turn      []protocol.TurnServer
	senderID  string
	announced bool
	link      *transferwebrtc.Link
}

func runWebRTCReceiver(ctx context.Context, logger *slog.Logger, cfg ReceiverConfig) (transfer.Completion, error) {
	wsURL, err := wsclient.BuildURL(cfg.Client.ServerURL, cfg.JoinCode, cfg.Client.PeerID, protocol.RoleReceiver)
	if err != nil {
		return transfer.Completion{}, err
	}
	conn, err := wsclient.Dial(ctx, wsURL, logger)
	if err != nil {
		return transfer.Completion{}, fmt.Errorf("failed to join session: %w", err)
	}
	defer conn.Close()
	fmt.Fprintf(cfg.Out, "joined session %s\n", cfg.JoinCode)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &webrtcReceiver{
		logger: logger.With("join_code", cfg.JoinCode),
		cfg:    cfg,
		conn:   conn,
		sink:   newReceiveSink(logger, cfg),
	}
	defer r.closeLink()

	readErr := make(chan error, 1)
	go func() {
		readErr <- conn.ReadLoop(ctx, func(env protocol.Envelope) {
			r.handleEnvelope(ctx, env)
		})
	}()

	for {
		select {
		case res := <-r.sink.result:
			return res.completion, res.err
		case err := <-readErr:
			if ctx.Err() != nil {
				return transfer.Completion{}, ctx.Err()
			}
			if !r.linked() {
				return transfer.Completion{}, fmt.Errorf("signaling connection lost: %w", err)
			}
			r.logger.Warn("signaling connection lost during transfer", "error", err)
			readErr = nil
		case <-ctx.Done():
			return transfer.Completion{}, ctx.Err()
		}
	}
}

func (r *webrtcReceiver) handleEnvelope(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePeerList:
		var list protocol.PeerList
		if err := env.DecodePayload(&list); err != nil {
			r.logger.Error("failed to decode peer_list", "error", err)
			return
		}
		for _, p := range list.Peers {
			if p.Role == protocol.RoleSender {
				r.senderPresent(p.PeerID)
			}
		}

	case protocol.TypePeerJoined:
		var joined protocol.PeerJoined
		if err := env.DecodePayload(&joined); err != nil {
			r.logger.Error("failed to decode peer_joined", "error", err)
			return
		}
		if joined.Peer.Role == protocol.RoleSender {
			r.senderPresent(joined.Peer.PeerID)
		}

	case protocol.TypeTurnCredentials:
		var creds protocol.TurnCredentials
		if err := env.DecodePayload(&creds); err != nil {
			r.logger.Error("failed to decode turn_credentials", "error", err)
			return
		}
		r.mu.Lock()
		r.turn = creds.Servers
		r.mu.Unlock()

	case protocol.TypeOffer:
		var offer protocol.Offer
		if err := env.DecodePayload(&offer); err != nil {
			r.logger.Error("failed to decode offer", "error", err)
			return
		}
		go func() {
			if err := r.accept(ctx, env.From, offer); err != nil {
				r.logger.Error("failed to accept offer", "from", env.From, "error", err)
				r.sink.report(receiveResult{err: err})
			}
		}()

	case protocol.TypePeerLeft:
		var left protocol.PeerLeft
		if err := env.DecodePayload(&left); err != nil {
			r.logger.Error("failed to decode peer_left", "error", err)
			return
		}
		r.mu.Lock()
		isSender := left.PeerID == r.senderID
		r.mu.Unlock()
		if isSender {
			r.sink.connectionLost(errors.New("sender left the session"))
		}

	case protocol.TypeError:
		var perr protocol.Error
		if err := env.DecodePayload(&perr); err != nil {
			r.logger.Error("failed to decode error", "error", err)
			return
		}
		r.logger.Warn("server error", "code", perr.Code, "message", perr.Message)
		if perr.Code == protocol.CodeSessionClosed && !r.linked() {
			r.sink.report(receiveResult{err: fmt.Errorf("%w: %s", ErrSessionClosed, perr.Message)})
		}
	}
}

// senderPresent announces readiness once per sender connection.
func (r *webrtcReceiver) senderPresent(peerID string) {
	r.mu.Lock()
	if r.senderID == peerID && r.announced {
		r.mu.Unlock()
		return
	}
	r.senderID = peerID
	r.announced = true
	r.mu.Unlock()

	if err := r.conn.SendMessage(protocol.TypeReceiverReady, "", protocol.ReceiverReady{Channels: r.cfg.Client.Channels}); err != nil {
		r.logger.Error("failed to send receiver_ready", "error", err)
		return
	}
	fmt.Fprintln(r.cfg.Out, "waiting for the sender...")
}

func (r *webrtcReceiver) linked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link != nil
}

func (r *webrtcReceiver) closeLink() {
	r.mu.Lock()
	link := r.link
	r.link = nil
	r.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
}

// accept answers an offer. A repeated offer replaces the previous link and
// discards any partial receive.
func (r *webrtcReceiver) accept(ctx context.Context, from string, offer protocol.Offer) error {
	if offer.Channels < 1 || offer.Channels > 64 {
		return fmt.Errorf("%w: offer with %d channels", transfer.ErrProtocol, offer.Channels)
	}
	r.closeLink()
	r.sink.recv.Reset()

	r.mu.Lock()
	ice := iceConfiguration(r.cfg.Client.STUNServers, r.turn)
	r.mu.Unlock()

	logger := r.logger.With("peer_id", from, "channels", offer.Channels)
	pc, err := transferwebrtc.NewPeerConnection(ice, logger)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	link, err := transferwebrtc.AcceptChannels(pc, transferwebrtc.Config{Channels: offer.Channels, Logger: logger})
	if err != nil {
		_ = pc.Close()
		return err
	}
	link.SetFrameHandler(r.sink.recv.OnFrame)
	link.OnConnectionLost(r.sink.connectionLost)

	r.mu.Lock()
	r.link = link
	r.mu.Unlock()

	answer, err := transferwebrtc.AcceptOffer(ctx, pc, offer.SDP)
	if err != nil {
		return err
	}
	if err := r.conn.SendMessage(protocol.TypeAnswer, from, protocol.Answer{SDP: answer.SDP}); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}
	if err := link.WaitReady(ctx); err != nil {
		return err
	}
	fmt.Fprintf(r.cfg.Out, "connected to %s over %d channels\n", from, offer.Channels)
	return nil
}
