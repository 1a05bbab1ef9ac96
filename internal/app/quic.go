package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/sheerbytes/parashare/internal/quictransport"
	"github.com/sheerbytes/parashare/internal/transfer"
	"github.com/sheerbytes/parashare/internal/transferquic"
	"github.com/sheerbytes/parashare/internal/transport"
)

// defaultQUICListenAddr lets the kernel pick a port; the bound address is
// printed for the sender to dial.
const defaultQUICListenAddr = ":0"

// maxQUICChannels is the most streams a listener admits, since the dialer
// picks the channel count.
const maxQUICChannels = 64

func listenUDP(addr string, logger *slog.Logger) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	tune := transport.ApplyUDPBuffers(conn, transport.DefaultUDPBuffer, transport.DefaultUDPBuffer)
	if tune.Status == transport.StatusOK {
		logger.Debug(tune.String())
	} else {
		logger.Warn(tune.String())
	}
	return conn, nil
}

func runQUICReceiver(ctx context.Context, logger *slog.Logger, cfg ReceiverConfig) (transfer.Completion, error) {
	addr := cfg.Client.QUICAddr
	if addr == "" {
		addr = defaultQUICListenAddr
	}
	udp, err := listenUDP(addr, logger)
	if err != nil {
		return transfer.Completion{}, err
	}
	defer udp.Close()

	opts := cfg.Client.TransferOptions()
	connWin, streamWin, _ := transport.WindowsForChannels(opts.Channels, opts.HighWatermark)
	qcfg, tune := transport.BuildQUICConfig(quictransport.DefaultServerQUICConfig(), connWin, streamWin, maxQUICChannels+1)
	logger.Debug(tune.String())

	ln, err := quictransport.Listen(udp, qcfg, logger)
	if err != nil {
		return transfer.Completion{}, err
	}
	defer ln.Close()
	fmt.Fprintf(cfg.Out, "listening on %s\n", ln.Addr())
	if cfg.OnListening != nil {
		cfg.OnListening(ln.Addr())
	}

	conn, err := ln.Accept(ctx)
	if err != nil {
		return transfer.Completion{}, fmt.Errorf("failed to accept QUIC connection: %w", err)
	}
	logger = logger.With("remote_addr", conn.RemoteAddr().String())

	sink := newReceiveSink(logger, cfg)
	link, err := transferquic.AcceptChannels(ctx, conn, transferquic.Config{
		Handler: sink.recv.OnFrame,
		Logger:  logger,
	})
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return transfer.Completion{}, err
	}
	defer link.Close()
	link.OnConnectionLost(sink.connectionLost)
	if !link.Connected() {
		sink.connectionLost(errors.New("connection closed during setup"))
	}
	fmt.Fprintf(cfg.Out, "connected to %s\n", conn.RemoteAddr())

	select {
	case res := <-sink.result:
		return res.completion, res.err
	case <-ctx.Done():
		return transfer.Completion{}, ctx.Err()
	}
}

func runQUICSender(ctx context.Context, logger *slog.Logger, cfg SenderConfig, src transfer.Source) error {
	if cfg.Client.QUICAddr == "" {
		return errors.New("quic transport needs the receiver address (--quic-addr)")
	}
	remote, err := net.ResolveUDPAddr("udp", cfg.Client.QUICAddr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", cfg.Client.QUICAddr, err)
	}
	local := ":0"
	if remote.IP.To4() != nil {
		local = "0.0.0.0:0"
	}
	udp, err := listenUDP(local, logger)
	if err != nil {
		return err
	}
	defer udp.Close()

	opts := cfg.Client.TransferOptions()
	connWin, streamWin, maxStreams := transport.WindowsForChannels(opts.Channels, opts.HighWatermark)
	qcfg, tune := transport.BuildQUICConfig(quictransport.DefaultClientQUICConfig(), connWin, streamWin, maxStreams)
	logger.Debug(tune.String())

	conn, err := quictransport.Dial(ctx, udp, remote, qcfg, logger)
	if err != nil {
		return fmt.Errorf("failed to reach receiver: %w", err)
	}
	link, err := transferquic.OpenChannels(ctx, conn, transferquic.Config{Channels: opts.Channels, Logger: logger})
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return err
	}
	defer link.Close()
	fmt.Fprintf(cfg.Out, "connected to %s over %d channels\n", remote, opts.Channels)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	lost := make(chan error, 1)
	link.OnConnectionLost(notifyLost(lost, cancel, func(err error) error {
		return fmt.Errorf("%w: %v", transfer.ErrConnectionLost, err)
	}))

	set, err := link.ChannelSet()
	if err != nil {
		return err
	}
	sender := transfer.NewSender(transfer.SenderConfig{
		Options:  opts,
		Logger:   logger,
		Observer: newNotifier(logger, cfg.Out),
	})
	printer := newProgressPrinter(cfg.Out, "send")
	if err := sender.Send(ctx, src, set, printer.Sent); err != nil {
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
