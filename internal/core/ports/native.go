package ports

import (
	"context"

	"callmesh/internal/core/domain"
)

// DescriptionType is the SDP description kind.
type DescriptionType string

const (
	DescriptionOffer  DescriptionType = "offer"
	DescriptionAnswer DescriptionType = "answer"
)

// Description is a media session description produced or consumed by the
// native connection. The SDP body is opaque to the engine.
type Description struct {
	Type DescriptionType `json:"type"`
	SDP  string          `json:"sdp"`
}

// Candidate is an ICE candidate in transit.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// ConnState mirrors the native connection's aggregate state.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// Terminal reports whether the state ends the connection's life. Failed and
// disconnected are not terminal: both can recover through an ICE restart or
// the disconnect grace window.
func (s ConnState) Terminal() bool {
	return s == ConnClosed
}

// NativeConnection is the opaque per-peer media/transport capability the
// engine drives. The engine never touches SDP, ICE, DTLS or SRTP itself.
// Every blocking operation takes a context.
type NativeConnection interface {
	CreateOffer(ctx context.Context, iceRestart bool) (Description, error)
	CreateAnswer(ctx context.Context) (Description, error)
	SetLocalDescription(ctx context.Context, desc Description) error
	SetRemoteDescription(ctx context.Context, desc Description) error
	AddCandidate(ctx context.Context, cand Candidate) error

	// SignalingStable reports whether the connection is in the stable
	// negotiation state (no description exchange in flight).
	SignalingStable() bool
	ConnectionState() ConnState

	// SetConfiguration swaps the relay used for ICE; the caller follows up
	// with an ICE-restart offer.
	SetConfiguration(relay domain.RelayServer) error

	GetStats(ctx context.Context) (domain.RawConnStats, error)

	// AudioLevels exposes the remote audio energy meter once a remote audio
	// track is flowing; before that the source reports not-ok.
	AudioLevels() AudioLevelSource

	// SetVideoTargetBitrate retargets the outbound video encoder, in kbps.
	SetVideoTargetBitrate(kbps float64) error

	AttachLocalMedia(media LocalMedia) error
	DetachLocalTracks()

	OnConnectionStateChange(fn func(ConnState))
	OnCandidate(fn func(Candidate))
	OnTrack(fn func(domain.TrackEvent))
	OnNegotiationNeeded(fn func())

	Close() error
}

// NativeConfig parameterizes a new native connection.
type NativeConfig struct {
	Relay        domain.RelayServer
	Preset       domain.QualityPreset
	Features     domain.MediaFeatures
	MaxBandwidth int // kbps
}

// NativeFactory creates native connections. One per peer session.
type NativeFactory interface {
	NewConnection(cfg NativeConfig) (NativeConnection, error)
}
