package transferwebrtc

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Candidates are not trickled: each side waits for ICE gathering to finish
// and exchanges a single complete session description.

// CreateOffer creates and applies a local offer and returns it once every
// candidate has been gathered.
func CreateOffer(ctx context.Context, pc *webrtc.PeerConnection) (webrtc.SessionDescription, error) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return setLocalAndGather(ctx, pc, offer)
}

// AcceptOffer applies a remote offer and returns the complete local answer.
func AcceptOffer(ctx context.Context, pc *webrtc.PeerConnection, sdp string) (webrtc.SessionDescription, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return setLocalAndGather(ctx, pc, answer)
}

// ApplyAnswer applies the remote answer on the offering side.
func ApplyAnswer(pc *webrtc.PeerConnection, sdp string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

func setLocalAndGather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, fmt.Errorf("ice gathering: %w", ctx.Err())
	}
	local := pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("no local description after gathering")
	}
	return *local, nil
}
