package ports

import (
	"context"

	"callmesh/internal/core/domain"
)

// MediaConstraints selects which local media to capture.
type MediaConstraints struct {
	Audio     bool
	Video     bool
	Width     int
	Height    int
	FrameRate int
}

// ScreenShareOptions parameterizes screen capture.
type ScreenShareOptions struct {
	WithAudio bool
	FrameRate int
}

// LocalMedia is a captured set of local tracks. Exclusively owned by the
// orchestrator and attached to native connections.
type LocalMedia interface {
	SetMuted(kind domain.MediaKind, muted bool)
	Muted(kind domain.MediaKind) bool
	Close() error
}

// MediaSource captures camera/microphone or screen media. Capture denial is a
// media-capability error: propagated to the caller, never retried.
type MediaSource interface {
	Capture(ctx context.Context, c MediaConstraints) (LocalMedia, error)
	CaptureScreen(ctx context.Context, o ScreenShareOptions) (LocalMedia, error)
}

// AudioLevelSource exposes the remote audio energy, averaged over the last
// sampling window, normalized to [0, 1]. ok is false before the first sample.
type AudioLevelSource interface {
	Level() (level float64, ok bool)
}

// GainControl is the local audio output gain stage driven by the level gate.
type GainControl interface {
	SetGain(gain float64)
	Gain() float64
}
