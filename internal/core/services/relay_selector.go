package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"go.uber.org/zap"
)

// RelaySelectorConfig tunes probing behavior.
type RelaySelectorConfig struct {
	ProbeTTL          time.Duration
	ProbeTimeout      time.Duration
	ProbeBatchSize    int
	GoodEnoughLatency time.Duration
}

// DefaultRelaySelectorConfig matches the documented defaults.
func DefaultRelaySelectorConfig() RelaySelectorConfig {
	return RelaySelectorConfig{
		ProbeTTL:          5 * time.Minute,
		ProbeTimeout:      2 * time.Second,
		ProbeBatchSize:    5,
		GoodEnoughLatency: 100 * time.Millisecond,
	}
}

type probeCache struct {
	server   domain.RelayServer
	probedAt time.Time
	valid    bool
}

// RelaySelector owns the ordered relay list and the probe cache exclusively.
type RelaySelector struct {
	cfg    RelaySelectorConfig
	prober ports.LatencyProber
	logger *zap.SugaredLogger

	mu      sync.Mutex
	servers []domain.RelayServer // sorted descending by priority
	cache   probeCache
}

// NewRelaySelector builds a selector over the configured servers.
func NewRelaySelector(servers []domain.RelayServer, prober ports.LatencyProber, cfg RelaySelectorConfig, logger *zap.SugaredLogger) *RelaySelector {
	s := &RelaySelector{
		cfg:    cfg,
		prober: prober,
		logger: logger,
	}
	s.servers = make([]domain.RelayServer, len(servers))
	copy(s.servers, servers)
	s.sortLocked()
	return s
}

func (s *RelaySelector) sortLocked() {
	sort.SliceStable(s.servers, func(i, j int) bool {
		return s.servers[i].Priority > s.servers[j].Priority
	})
}

// SelectOptimalServer returns the best relay, probing at most once per TTL
// window. All probes failing falls back to the highest-priority server so a
// call is never blocked on a probe outage.
func (s *RelaySelector) SelectOptimalServer(ctx context.Context) (domain.RelayServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.servers) == 0 {
		return domain.RelayServer{}, domain.ErrNoRelayServers
	}

	if s.cache.valid && time.Since(s.cache.probedAt) < s.cfg.ProbeTTL {
		return s.cache.server, nil
	}

	best, bestLatency := s.probeLocked(ctx)
	if bestLatency < 0 {
		// Every probe failed; prefer configured priority over failing the call.
		best = s.servers[0]
		s.logger.Warnw("all relay probes failed, falling back to highest priority",
			"relay", best.ProbeHost(),
		)
	}

	s.cache = probeCache{server: best, probedAt: time.Now(), valid: true}
	return best, nil
}

// probeLocked probes servers in priority-ordered batches with bounded
// concurrency. Returns latency -1 when nothing answered.
func (s *RelaySelector) probeLocked(ctx context.Context) (domain.RelayServer, time.Duration) {
	var (
		best        domain.RelayServer
		bestLatency time.Duration = -1
	)

	for start := 0; start < len(s.servers); start += s.cfg.ProbeBatchSize {
		end := start + s.cfg.ProbeBatchSize
		if end > len(s.servers) {
			end = len(s.servers)
		}
		batch := s.servers[start:end]

		type result struct {
			server  domain.RelayServer
			latency time.Duration
			err     error
		}
		results := make(chan result, len(batch))

		var wg sync.WaitGroup
		for _, srv := range batch {
			wg.Add(1)
			go func(srv domain.RelayServer) {
				defer wg.Done()
				latency, err := s.prober.Probe(ctx, srv.ProbeHost(), s.cfg.ProbeTimeout)
				results <- result{server: srv, latency: latency, err: err}
			}(srv)
		}
		wg.Wait()
		close(results)

		for r := range results {
			if r.err != nil {
				s.logger.Debugw("relay probe failed", "relay", r.server.ProbeHost(), "error", r.err)
				continue
			}
			s.logger.Debugw("relay probe", "relay", r.server.ProbeHost(), "latency", r.latency)
			if bestLatency < 0 || r.latency < bestLatency {
				best = r.server
				bestLatency = r.latency
			}
		}

		// A good-enough server in this batch makes probing lower-priority
		// batches pointless.
		if bestLatency >= 0 && bestLatency < s.cfg.GoodEnoughLatency {
			break
		}
	}

	return best, bestLatency
}

// NextFallback returns the server after current in priority order, for relay
// failover without re-probing. ok is false past the end of the list.
func (s *RelaySelector) NextFallback(current domain.RelayServer) (domain.RelayServer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, srv := range s.servers {
		if srv.Equal(current) {
			if i+1 < len(s.servers) {
				return s.servers[i+1], true
			}
			return domain.RelayServer{}, false
		}
	}
	return domain.RelayServer{}, false
}

// AddServer inserts a relay, re-sorts and invalidates the probe cache.
func (s *RelaySelector) AddServer(srv domain.RelayServer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.servers = append(s.servers, srv)
	s.sortLocked()
	s.cache.valid = false
}

// RemoveServer removes a relay and invalidates the probe cache.
func (s *RelaySelector) RemoveServer(srv domain.RelayServer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.servers {
		if existing.Equal(srv) {
			s.servers = append(s.servers[:i], s.servers[i+1:]...)
			break
		}
	}
	s.cache.valid = false
}

// Servers returns a snapshot of the priority-ordered list.
func (s *RelaySelector) Servers() []domain.RelayServer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.RelayServer, len(s.servers))
	copy(out, s.servers)
	return out
}
