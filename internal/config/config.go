package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sheerbytes/parashare/internal/transfer"
)

const envPrefix = "PARASHARE_"

// Transport backends selectable on the client.
const (
	TransportWebRTC = "webrtc"
	TransportQUIC   = "quic"
)

// DefaultSTUNServer is used when no --stun-server flag or env value is given.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// ServerConfig holds configuration for the signaling server binary.
type ServerConfig struct {
	Addr                 string
	LogLevel             string
	SessionTTL           time.Duration
	MaxSessions          int
	MaxReceivers         int // receivers allowed per session
	MaxMessageBytes      int64
	MaxWSConns           int
	WSIdleTimeout        time.Duration
	WSMsgsPerSec         float64
	WSMsgsBurst          int
	WSConnectsPerMin     int
	SessionCreatesPerMin int
	TURNServers          []string
	TURNSecret           string
	TURNTTL              time.Duration
}

// ClientConfig holds configuration for the para client (send and recv).
type ClientConfig struct {
	ServerURL     string
	LogLevel      string
	PeerID        string
	Transport     string   // webrtc or quic
	QUICAddr      string   // listen address (recv) or dial address (send) in quic mode
	Channels      int      // parallel channels (default 8)
	ChunkSize     uint32   // bytes per binary frame (default 256 KiB)
	HighWatermark uint64   // pause sending above this many buffered bytes
	LowWatermark  uint64   // resume sending at this many buffered bytes
	LivenessEvery int      // chunks between connection checks
	OutDir        string   // receive directory
	STUNServers   []string // repeatable --stun-server
	Args          []string // positional arguments after flags
}

// TransferOptions converts the client settings into normalized transfer options.
func (c ClientConfig) TransferOptions() transfer.Options {
	return transfer.NormalizeOptions(transfer.Options{
		Channels:         c.Channels,
		ChunkSize:        c.ChunkSize,
		HighWatermark:    c.HighWatermark,
		LowWatermark:     c.LowWatermark,
		LivenessInterval: c.LivenessEvery,
	})
}

// ParseServerConfig parses server configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Addr:                 ":8080",
		LogLevel:             "info",
		SessionTTL:           30 * time.Minute,
		MaxSessions:          1000,
		MaxReceivers:         1,
		MaxMessageBytes:      64 * 1024,
		MaxWSConns:           2000,
		WSIdleTimeout:        10 * time.Minute,
		WSMsgsPerSec:         20,
		WSMsgsBurst:          40,
		WSConnectsPerMin:     60,
		SessionCreatesPerMin: 30,
		TURNTTL:              time.Hour,
	}

	// Read from environment first
	var errs []error
	cfg.Addr = envString("ADDR", cfg.Addr)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.SessionTTL = envDuration("SESSION_TTL", cfg.SessionTTL, &errs)
	cfg.MaxSessions = envInt("MAX_SESSIONS", cfg.MaxSessions, &errs)
	cfg.MaxReceivers = envInt("MAX_RECEIVERS", cfg.MaxReceivers, &errs)
	cfg.MaxMessageBytes = int64(envInt("MAX_MESSAGE_BYTES", int(cfg.MaxMessageBytes), &errs))
	cfg.MaxWSConns = envInt("MAX_WS_CONNS", cfg.MaxWSConns, &errs)
	cfg.WSIdleTimeout = envDuration("WS_IDLE_TIMEOUT", cfg.WSIdleTimeout, &errs)
	cfg.WSMsgsPerSec = envFloat("WS_MSGS_PER_SEC", cfg.WSMsgsPerSec, &errs)
	cfg.WSMsgsBurst = envInt("WS_MSGS_BURST", cfg.WSMsgsBurst, &errs)
	cfg.WSConnectsPerMin = envInt("WS_CONNECTS_PER_MIN", cfg.WSConnectsPerMin, &errs)
	cfg.SessionCreatesPerMin = envInt("SESSION_CREATES_PER_MIN", cfg.SessionCreatesPerMin, &errs)
	cfg.TURNServers = envList("TURN_SERVERS", cfg.TURNServers)
	cfg.TURNSecret = envString("TURN_SECRET", cfg.TURNSecret)
	cfg.TURNTTL = envDuration("TURN_TTL", cfg.TURNTTL, &errs)
	if err := errors.Join(errs...); err != nil {
		return ServerConfig{}, err
	}

	// Flags override environment
	var turnServers []string
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "how long a share session stays joinable")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "max live sessions (0 = unlimited)")
	fs.IntVar(&cfg.MaxReceivers, "max-receivers", cfg.MaxReceivers, "receivers allowed per session")
	fs.Int64Var(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "max websocket message size")
	fs.IntVar(&cfg.MaxWSConns, "max-ws-conns", cfg.MaxWSConns, "max concurrent websocket connections (0 = unlimited)")
	fs.DurationVar(&cfg.WSIdleTimeout, "ws-idle-timeout", cfg.WSIdleTimeout, "close websocket after this long without a message")
	fs.Float64Var(&cfg.WSMsgsPerSec, "ws-msgs-per-sec", cfg.WSMsgsPerSec, "per-connection message rate")
	fs.IntVar(&cfg.WSMsgsBurst, "ws-msgs-burst", cfg.WSMsgsBurst, "per-connection message burst")
	fs.IntVar(&cfg.WSConnectsPerMin, "ws-connects-per-min", cfg.WSConnectsPerMin, "per-IP websocket connects per minute")
	fs.IntVar(&cfg.SessionCreatesPerMin, "session-creates-per-min", cfg.SessionCreatesPerMin, "per-IP session creations per minute")
	fs.Var((*stringSlice)(&turnServers), "turn-server", "TURN server URL handed to peers (repeatable)")
	fs.StringVar(&cfg.TURNSecret, "turn-secret", cfg.TURNSecret, "shared secret for TURN REST credentials")
	fs.DurationVar(&cfg.TURNTTL, "turn-ttl", cfg.TURNTTL, "lifetime of issued TURN credentials")
	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}

	if len(turnServers) > 0 {
		cfg.TURNServers = turnServers
	}
	if cfg.SessionTTL <= 0 {
		return ServerConfig{}, fmt.Errorf("session-ttl must be positive, got %s", cfg.SessionTTL)
	}
	if cfg.MaxReceivers < 1 {
		cfg.MaxReceivers = 1
	}
	if cfg.MaxMessageBytes < 1024 {
		cfg.MaxMessageBytes = 1024
	}
	if cfg.WSMsgsBurst < 1 {
		cfg.WSMsgsBurst = 1
	}
	return cfg, nil
}

// ParseClientConfig parses client configuration from args and environment variables.
// Flags take precedence over environment variables.
func ParseClientConfig(name string, args []string) (ClientConfig, error) {
	return parseClientConfigWithFlagSet(flag.NewFlagSet(name, flag.ContinueOnError), args)
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:     "http://localhost:8080",
		LogLevel:      "info",
		PeerID:        uuid.NewString(),
		Transport:     TransportWebRTC,
		Channels:      transfer.DefaultChannels,
		ChunkSize:     transfer.DefaultChunkSize,
		HighWatermark: transfer.DefaultHighWatermark,
		LowWatermark:  transfer.DefaultLowWatermark,
		LivenessEvery: transfer.DefaultLivenessInterval,
		OutDir:        ".",
		STUNServers:   []string{DefaultSTUNServer},
	}

	// Read from environment first
	var errs []error
	cfg.ServerURL = envString("SERVER_URL", cfg.ServerURL)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.PeerID = envString("PEER_ID", cfg.PeerID)
	cfg.Transport = envString("TRANSPORT", cfg.Transport)
	cfg.QUICAddr = envString("QUIC_ADDR", cfg.QUICAddr)
	cfg.Channels = envInt("CHANNELS", cfg.Channels, &errs)
	cfg.ChunkSize = uint32(envUint("CHUNK_SIZE", uint64(cfg.ChunkSize), &errs))
	cfg.HighWatermark = envUint("HIGH_WATERMARK", cfg.HighWatermark, &errs)
	cfg.LowWatermark = envUint("LOW_WATERMARK", cfg.LowWatermark, &errs)
	cfg.LivenessEvery = envInt("LIVENESS_EVERY", cfg.LivenessEvery, &errs)
	cfg.OutDir = envString("OUT", cfg.OutDir)
	cfg.STUNServers = envList("STUN_SERVERS", cfg.STUNServers)
	if err := errors.Join(errs...); err != nil {
		return ClientConfig{}, err
	}

	// Flags override environment
	chunkSize := uint64(cfg.ChunkSize)
	stunServers := make([]string, 0)
	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "signaling server URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "peer identifier")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport backend (webrtc, quic)")
	fs.StringVar(&cfg.QUICAddr, "quic-addr", cfg.QUICAddr, "QUIC address: listen address for recv, peer address for send")
	fs.IntVar(&cfg.Channels, "channels", cfg.Channels, "number of parallel channels (1..64)")
	fs.Uint64Var(&chunkSize, "chunk-size", chunkSize, "chunk size in bytes")
	fs.Uint64Var(&cfg.HighWatermark, "high-watermark", cfg.HighWatermark, "pause a channel above this many buffered bytes")
	fs.Uint64Var(&cfg.LowWatermark, "low-watermark", cfg.LowWatermark, "resume a channel at this many buffered bytes")
	fs.IntVar(&cfg.LivenessEvery, "liveness-every", cfg.LivenessEvery, "chunks between connection liveness checks")
	fs.StringVar(&cfg.OutDir, "out", cfg.OutDir, "directory received files are saved to")
	fs.Var((*stringSlice)(&stunServers), "stun-server", "STUN server URL (repeatable)")
	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}

	if chunkSize > uint64(^uint32(0)) {
		return ClientConfig{}, fmt.Errorf("chunk-size %d out of range", chunkSize)
	}
	cfg.ChunkSize = uint32(chunkSize)
	if len(stunServers) > 0 {
		cfg.STUNServers = stunServers
	}
	cfg.Transport = strings.ToLower(cfg.Transport)
	switch cfg.Transport {
	case TransportWebRTC, TransportQUIC:
	default:
		return ClientConfig{}, fmt.Errorf("unknown transport %q (want %s or %s)", cfg.Transport, TransportWebRTC, TransportQUIC)
	}
	if cfg.Channels < 1 || cfg.Channels > 64 {
		return ClientConfig{}, fmt.Errorf("channels must be between 1 and 64, got %d", cfg.Channels)
	}
	cfg.Args = fs.Args()

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, errs *[]error) int {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return def
	}
	return n
}

func envUint(key string, def uint64, errs *[]error) uint64 {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return def
	}
	return n
}

func envFloat(key string, def float64, errs *[]error) float64 {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return def
	}
	return n
}

func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return def
	}
	return d
}

// envList reads a comma separated list.
func envList(key string, def []string) []string {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func (s *stringSlice) Get() interface{} {
	return []string(*s)
}

var _ flag.Value = (*stringSlice)(nil)
var _ flag.Getter = (*stringSlice)(nil)
