package ports

import (
	"context"
	"encoding/json"
	"time"

	"callmesh/internal/core/domain"
)

// RelaySelector ranks and latency-probes relay servers.
type RelaySelector interface {
	// SelectOptimalServer returns the cached best server while the probe TTL
	// holds, otherwise re-probes. Falls back to the highest-priority server
	// when every probe fails.
	SelectOptimalServer(ctx context.Context) (domain.RelayServer, error)

	// NextFallback returns the entry after current in priority order.
	// ok is false at the end of the list.
	NextFallback(current domain.RelayServer) (next domain.RelayServer, ok bool)

	AddServer(srv domain.RelayServer)
	RemoveServer(srv domain.RelayServer)
}

// SignalChannel is the engine-facing signaling surface.
type SignalChannel interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, to domain.PeerID, t domain.SignalType, payload json.RawMessage) error
	OnSignal(fn func(domain.SignalEnvelope))
	OnPresence(fn func(domain.PresenceUpdate))
	Disconnect(ctx context.Context) error
	LocalID() domain.PeerID
}

// TelemetrySampler polls one native connection's statistics.
type TelemetrySampler interface {
	// Start begins periodic polling; interval is floor-clamped.
	Start(interval time.Duration)
	// Stop is idempotent and clears accumulated per-stream counters.
	Stop()
	// Reports delivers validated reports. Closed when the sampler stops.
	Reports() <-chan domain.StatsReport
}

// SamplerFactory builds a sampler bound to one native connection.
type SamplerFactory func(conn NativeConnection) TelemetrySampler
