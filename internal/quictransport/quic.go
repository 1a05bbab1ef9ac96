// Package quictransport opens QUIC connections for the direct transfer mode.
//
// The listener presents a throwaway self-signed certificate and the dialer
// does not verify it: QUIC-TLS provides encryption on the wire, and pairing
// happens out of band when the user passes the listener's address.
package quictransport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPNProtocol is negotiated by both ends; a peer speaking anything else is
// refused during the handshake.
const ALPNProtocol = "parashare-quic-v1"

const (
	keepAlivePeriod = 10 * time.Second
	maxIdleTimeout  = 30 * time.Second
	certLifetime    = 24 * time.Hour
)

// ServerConfig returns a TLS config carrying a fresh self-signed certificate.
func ServerConfig() (*tls.Config, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientConfig returns a TLS config that accepts the listener's self-signed
// certificate.
func ClientConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}

// DefaultServerQUICConfig admits one stream per channel at the channel cap,
// with windows sized for the default 8 channels at a 16 MiB watermark.
func DefaultServerQUICConfig() *quic.Config {
	return baseConfig(65)
}

// DefaultClientQUICConfig mirrors the server's windows. The dialer opens all
// streams itself.
func DefaultClientQUICConfig() *quic.Config {
	return baseConfig(65)
}

func baseConfig(maxStreams int64) *quic.Config {
	const (
		streamWindow = 16 * 1024 * 1024
		connWindow   = 8 * streamWindow
	)
	return &quic.Config{
		KeepAlivePeriod:                keepAlivePeriod,
		MaxIdleTimeout:                 maxIdleTimeout,
		MaxIncomingStreams:             maxStreams,
		InitialConnectionReceiveWindow: connWindow,
		MaxConnectionReceiveWindow:     connWindow,
		InitialStreamReceiveWindow:     streamWindow,
		MaxStreamReceiveWindow:         streamWindow,
	}
}

func selfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"parashare"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// Listen accepts QUIC connections on pc. A nil cfg uses
// DefaultServerQUICConfig.
func Listen(pc net.PacketConn, cfg *quic.Config, logger *slog.Logger) (*quic.Listener, error) {
	tlsConfig, err := ServerConfig()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = DefaultServerQUICConfig()
	}
	ln, err := quic.Listen(pc, tlsConfig, cfg)
	if err != nil {
		logger.Error("QUIC listen failed", "error", err, "local_addr", pc.LocalAddr())
		return nil, err
	}
	logger.Info("QUIC listener created", "local_addr", ln.Addr())
	return ln, nil
}

// ListenAddr binds a new UDP socket on addr and listens on it.
func ListenAddr(addr string, logger *slog.Logger) (*quic.Listener, error) {
	tlsConfig, err := ServerConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConfig, DefaultServerQUICConfig())
	if err != nil {
		logger.Error("QUIC listen failed", "error", err, "addr", addr)
		return nil, err
	}
	logger.Info("QUIC listener created", "local_addr", ln.Addr())
	return ln, nil
}

// Dial connects to remote from pc. A nil cfg uses DefaultClientQUICConfig.
func Dial(ctx context.Context, pc net.PacketConn, remote net.Addr, cfg *quic.Config, logger *slog.Logger) (*quic.Conn, error) {
	if cfg == nil {
		cfg = DefaultClientQUICConfig()
	}
	logger.Debug("QUIC dial starting", "remote_addr", remote, "local_addr", pc.LocalAddr())
	conn, err := quic.Dial(ctx, pc, remote, ClientConfig(), cfg)
	if err != nil {
		logger.Error("QUIC dial failed", "error", err, "remote_addr", remote)
		return nil, err
	}
	logger.Info("QUIC connection established", "remote_addr", remote)
	return conn, nil
}

// DialAddr connects to addr from an ephemeral local port.
func DialAddr(ctx context.Context, addr string, logger *slog.Logger) (*quic.Conn, error) {
	logger.Debug("QUIC dial starting", "remote_addr", addr)
	conn, err := quic.DialAddr(ctx, addr, ClientConfig(), DefaultClientQUICConfig())
	if err != nil {
		logger.Error("QUIC dial failed", "error", err, "remote_addr", addr)
		return nil, err
	}
	logger.Info("QUIC connection established", "remote_addr", conn.RemoteAddr())
	return conn, nil
}
