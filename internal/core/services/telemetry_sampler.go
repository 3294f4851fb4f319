package services

import (
	"context"
	"sync"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"go.uber.org/zap"
)

// MinSampleInterval is the floor for the sampling period.
const MinSampleInterval = 100 * time.Millisecond

// Sampler polls one native connection's statistics and emits normalized
// reports. Per-stream byte counters are retained between ticks so bitrates
// are computed from deltas.
type Sampler struct {
	conn   ports.NativeConnection
	logger *zap.SugaredLogger

	mu        sync.Mutex
	running   bool
	stop      chan struct{}
	reports   chan domain.StatsReport
	prevBytes map[string]uint64
	prevTick  time.Time
	maxJitter float64 // milliseconds

	wg sync.WaitGroup
}

// NewSampler builds a sampler bound to conn.
func NewSampler(conn ports.NativeConnection, logger *zap.SugaredLogger) *Sampler {
	return &Sampler{
		conn:      conn,
		logger:    logger,
		prevBytes: make(map[string]uint64),
	}
}

// NewSamplerFactory adapts NewSampler to the orchestrator's factory port.
func NewSamplerFactory(logger *zap.SugaredLogger) ports.SamplerFactory {
	return func(conn ports.NativeConnection) ports.TelemetrySampler {
		return NewSampler(conn, logger)
	}
}

// Start begins periodic polling. The interval is floor-clamped to
// MinSampleInterval. Starting a running sampler is a no-op.
func (s *Sampler) Start(interval time.Duration) {
	if interval < MinSampleInterval {
		interval = MinSampleInterval
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.reports = make(chan domain.StatsReport, 8)
	s.prevTick = time.Now()
	s.mu.Unlock()

	// The sampler must not outlive the connection: a terminal state stops it
	// even if no poll happens to fail first.
	s.conn.OnConnectionStateChange(func(state ports.ConnState) {
		if state.Terminal() {
			s.Stop()
		}
	})

	s.wg.Add(1)
	go s.loop(interval)
}

// Stop is idempotent. It clears the accumulated per-stream counters and
// closes the report channel.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.prevBytes = make(map[string]uint64)
	s.maxJitter = 0
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	close(s.reports)
	s.mu.Unlock()
}

// Reports delivers validated stats reports. Closed on Stop.
func (s *Sampler) Reports() <-chan domain.StatsReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports
}

func (s *Sampler) loop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.conn.ConnectionState().Terminal() {
				go s.Stop()
				return
			}
			if !s.tick(interval) {
				go s.Stop()
				return
			}
		}
	}
}

// tick fetches raw statistics and emits one report. Returns false when the
// poll failed, which auto-stops the sampler.
func (s *Sampler) tick(interval time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), interval)
	raw, err := s.conn.GetStats(ctx)
	cancel()
	if err != nil {
		s.logger.Debugw("stats poll failed, stopping sampler", "error", err)
		return false
	}

	report := s.normalize(raw)
	if err := report.Validate(); err != nil {
		// Broken snapshots are discarded, never delivered.
		s.logger.Debugw("discarding invalid stats report", "error", err)
		return true
	}

	s.mu.Lock()
	ch := s.reports
	running := s.running
	s.mu.Unlock()
	if !running {
		return false
	}

	select {
	case ch <- report:
	default:
		// Consumer lagging; skip rather than block the sampling loop.
	}
	return true
}

func (s *Sampler) normalize(raw domain.RawConnStats) domain.StatsReport {
	now := time.Now()

	s.mu.Lock()
	elapsed := now.Sub(s.prevTick).Seconds()
	s.prevTick = now

	var report domain.StatsReport
	report.Timestamp = now

	var totalLost int64
	var totalReceived uint64

	for _, stream := range raw.Streams {
		kbps := s.streamBitrateLocked(stream, elapsed)
		switch {
		case stream.Kind == domain.MediaVideo && stream.Outbound:
			report.VideoSendBitrate += kbps
		case stream.Kind == domain.MediaVideo:
			report.VideoReceiveBitrate += kbps
		case stream.Kind == domain.MediaAudio && stream.Outbound:
			report.AudioSendBitrate += kbps
		default:
			report.AudioReceiveBitrate += kbps
		}

		if !stream.Outbound {
			if stream.PacketsLost > 0 {
				totalLost += stream.PacketsLost
			}
			totalReceived += stream.PacketsReceived

			jitterMs := stream.Jitter * 1000
			if jitterMs > s.maxJitter {
				s.maxJitter = jitterMs
			}
		}
	}

	report.JitterMs = s.maxJitter
	s.mu.Unlock()

	// Loss ratio is lost / (lost + received); the same definition the bitrate
	// policy consumes.
	if totalLost > 0 || totalReceived > 0 {
		report.PacketLoss = float64(totalLost) / (float64(totalLost) + float64(totalReceived))
	}

	report.RTTMs = float64(raw.RTT.Milliseconds())
	report.AvailableBandwidth = raw.AvailableBandwidth / 1000 // bps -> kbps
	report.UsedBandwidth = report.VideoSendBitrate + report.AudioSendBitrate
	report.Width = raw.Width
	report.Height = raw.Height
	report.FPS = raw.FPS
	report.VideoCodec = raw.VideoCodec

	return report
}

// streamBitrateLocked computes one stream's bitrate in kbps from the byte
// delta since the previous tick, clamped to zero.
func (s *Sampler) streamBitrateLocked(stream domain.RawStreamStats, elapsed float64) float64 {
	prev := s.prevBytes[stream.StreamID]
	s.prevBytes[stream.StreamID] = stream.BytesTotal

	if elapsed <= 0 || stream.BytesTotal < prev {
		return 0
	}
	bits := float64(stream.BytesTotal-prev) * 8
	return bits / elapsed / 1000
}
