package transferwebrtc

import (
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// TURNServer is a relay with time-limited REST credentials.
type TURNServer struct {
	URLs       []string
	Username   string
	Credential string
}

// PeerConnectionConfig returns a WebRTC configuration with the STUN servers
// as one entry and each TURN server as its own. TURN entries without URLs
// are skipped.
func PeerConnectionConfig(stunServers []string, turnServers []TURNServer) webrtc.Configuration {
	var iceServers []webrtc.ICEServer
	if len(stunServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: stunServers})
	}
	for _, turn := range turnServers {
		if len(turn.URLs) == 0 {
			continue
		}
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       turn.URLs,
			Username:   turn.Username,
			Credential: turn.Credential,
		})
	}
	return webrtc.Configuration{ICEServers: iceServers}
}

// SettingEngine returns the engine used for transfer peer connections.
// Data channels stay attached: frames are consumed through OnMessage so the
// text/binary distinction survives.
func SettingEngine(logger *slog.Logger) webrtc.SettingEngine {
	se := webrtc.SettingEngine{}
	if logger != nil {
		se.LoggerFactory = NewLoggerFactory(logger)
	}
	return se
}

// NewPeerConnection creates a PeerConnection wired to logger.
func NewPeerConnection(config webrtc.Configuration, logger *slog.Logger) (*webrtc.PeerConnection, error) {
	api := webrtc.NewAPI(webrtc.WithSettingEngine(SettingEngine(logger)))
	return api.NewPeerConnection(config)
}
