package ports

import (
	"context"
	"time"

	"callmesh/internal/core/domain"
)

// RelayTransport is the external signaling relay: at-least-once, possibly
// reordered, possibly duplicated delivery of small JSON envelopes. Media
// never flows through it.
type RelayTransport interface {
	Connect(ctx context.Context) error

	PublishSignal(ctx context.Context, env domain.SignalEnvelope) error
	PublishPresence(ctx context.Context, upd domain.PresenceUpdate) error

	// Signals and Presence deliver inbound rows for the subscribed room.
	// Both channels close when the transport closes.
	Signals() <-chan domain.SignalEnvelope
	Presence() <-chan domain.PresenceUpdate

	Close(ctx context.Context) error
}

// LatencyProber measures reachability round-trip time to a relay host.
type LatencyProber interface {
	Probe(ctx context.Context, host string, timeout time.Duration) (time.Duration, error)
}
