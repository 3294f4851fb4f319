package services

import (
	"testing"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func collect(t *testing.T, ch <-chan domain.StatsReport, timeout time.Duration) (domain.StatsReport, bool) {
	t.Helper()
	select {
	case report, ok := <-ch:
		return report, ok
	case <-time.After(timeout):
		return domain.StatsReport{}, false
	}
}

func TestSamplerComputesBitrateFromByteDeltas(t *testing.T) {
	conn := newFakeConn()
	conn.mu.Lock()
	conn.stats = domain.RawConnStats{
		Streams: []domain.RawStreamStats{
			{StreamID: "v-out", Kind: domain.MediaVideo, Outbound: true, BytesTotal: 0},
		},
	}
	conn.mu.Unlock()

	s := NewSampler(conn, zap.NewNop().Sugar())
	s.Start(100 * time.Millisecond)
	defer s.Stop()

	// First tick establishes the baseline.
	_, ok := collect(t, s.Reports(), time.Second)
	require.True(t, ok)

	// 12500 bytes in ~100ms is ~1000 kbps.
	conn.mu.Lock()
	conn.stats.Streams[0].BytesTotal = 12500
	conn.mu.Unlock()

	report, ok := collect(t, s.Reports(), time.Second)
	require.True(t, ok)
	assert.InDelta(t, 1000, report.VideoSendBitrate, 400)
}

func TestSamplerClampsBitrateOnCounterReset(t *testing.T) {
	conn := newFakeConn()
	conn.mu.Lock()
	conn.stats = domain.RawConnStats{
		Streams: []domain.RawStreamStats{
			{StreamID: "v-out", Kind: domain.MediaVideo, Outbound: true, BytesTotal: 100000},
		},
	}
	conn.mu.Unlock()

	s := NewSampler(conn, zap.NewNop().Sugar())
	s.Start(100 * time.Millisecond)
	defer s.Stop()

	_, ok := collect(t, s.Reports(), time.Second)
	require.True(t, ok)

	// Counter went backwards (track restart); bitrate must clamp to zero, not
	// go negative.
	conn.mu.Lock()
	conn.stats.Streams[0].BytesTotal = 50
	conn.mu.Unlock()

	report, ok := collect(t, s.Reports(), time.Second)
	require.True(t, ok)
	assert.Zero(t, report.VideoSendBitrate)
}

func TestSamplerLossRatioAndMaxJitter(t *testing.T) {
	conn := newFakeConn()
	conn.mu.Lock()
	conn.stats = domain.RawConnStats{
		Streams: []domain.RawStreamStats{
			{
				StreamID: "v-in", Kind: domain.MediaVideo, Outbound: false,
				BytesTotal: 1000, PacketsLost: 5, PacketsReceived: 95,
				Jitter: 0.030,
			},
		},
		RTT: 80 * time.Millisecond,
	}
	conn.mu.Unlock()

	s := NewSampler(conn, zap.NewNop().Sugar())
	s.Start(100 * time.Millisecond)
	defer s.Stop()

	report, ok := collect(t, s.Reports(), time.Second)
	require.True(t, ok)
	assert.InDelta(t, 0.05, report.PacketLoss, 1e-9)
	assert.InDelta(t, 30, report.JitterMs, 1e-9)
	assert.InDelta(t, 80, report.RTTMs, 1e-9)

	// Jitter is max-observed: a calmer second sample must not lower it.
	conn.mu.Lock()
	conn.stats.Streams[0].Jitter = 0.010
	conn.mu.Unlock()

	report, ok = collect(t, s.Reports(), time.Second)
	require.True(t, ok)
	assert.InDelta(t, 30, report.JitterMs, 1e-9)
}

func TestSamplerIntervalFloor(t *testing.T) {
	conn := newFakeConn()
	s := NewSampler(conn, zap.NewNop().Sugar())

	start := time.Now()
	s.Start(time.Millisecond) // below the floor

	_, ok := collect(t, s.Reports(), time.Second)
	require.True(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), MinSampleInterval)
	s.Stop()
}

func TestSamplerStopsOnPollFailure(t *testing.T) {
	conn := newFakeConn()
	conn.mu.Lock()
	conn.statsErr = assert.AnError
	conn.mu.Unlock()

	s := NewSampler(conn, zap.NewNop().Sugar())
	s.Start(100 * time.Millisecond)

	_, ok := collect(t, s.Reports(), 2*time.Second)
	assert.False(t, ok, "report channel must close after a failed poll")
}

func TestSamplerStopsOnTerminalState(t *testing.T) {
	conn := newFakeConn()
	s := NewSampler(conn, zap.NewNop().Sugar())
	s.Start(100 * time.Millisecond)

	conn.fireState(ports.ConnClosed)

	require.Eventually(t, func() bool {
		_, open := collect(t, s.Reports(), 50*time.Millisecond)
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSamplerStopIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	s := NewSampler(conn, zap.NewNop().Sugar())
	s.Start(100 * time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestSamplerDiscardsInvalidReports(t *testing.T) {
	conn := newFakeConn()
	conn.mu.Lock()
	conn.stats = domain.RawConnStats{RTT: -time.Second}
	conn.mu.Unlock()

	s := NewSampler(conn, zap.NewNop().Sugar())
	s.Start(100 * time.Millisecond)
	defer s.Stop()

	_, ok := collect(t, s.Reports(), 400*time.Millisecond)
	assert.False(t, ok, "reports with negative RTT are never delivered")
}
