package monitoring

import (
	"callmesh/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports engine metrics. It subscribes to the engine's
// event surface; the engine itself stays metrics-agnostic.
type PrometheusCollector struct {
	peersConnected    prometheus.Gauge
	reconnectAttempts prometheus.Counter
	reconnectFailures prometheus.Counter
	bandwidthWarnings prometheus.Counter
	errorsTotal       prometheus.Counter

	rttSeconds prometheus.Histogram
	packetLoss prometheus.Histogram

	sendBitrate    *prometheus.GaugeVec
	receiveBitrate *prometheus.GaugeVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		peersConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "callmesh_peers_connected",
			Help: "Number of live peer sessions",
		}),

		reconnectAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "callmesh_reconnect_attempts_total",
			Help: "Total reconnection attempts across all peers",
		}),

		reconnectFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "callmesh_reconnect_failures_total",
			Help: "Total peers given up on after exhausting reconnection",
		}),

		bandwidthWarnings: promauto.NewCounter(prometheus.CounterOpts{
			Name: "callmesh_bandwidth_warnings_total",
			Help: "Total bandwidth degradation warnings",
		}),

		errorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "callmesh_errors_total",
			Help: "Total engine errors raised on the event surface",
		}),

		rttSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "callmesh_rtt_seconds",
			Help:    "Round-trip time per stats report",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1},
		}),

		packetLoss: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "callmesh_packet_loss_ratio",
			Help:    "Inbound packet loss ratio per stats report",
			Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
		}),

		sendBitrate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callmesh_send_bitrate_kbps",
			Help: "Outbound bitrate per peer and media kind",
		}, []string{"peer_id", "kind"}),

		receiveBitrate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callmesh_receive_bitrate_kbps",
			Help: "Inbound bitrate per peer and media kind",
		}, []string{"peer_id", "kind"}),
	}
}

func (p *PrometheusCollector) RecordPeerJoined() { p.peersConnected.Inc() }

func (p *PrometheusCollector) RecordPeerLeft(peerID domain.PeerID) {
	p.peersConnected.Dec()
	id := string(peerID)
	p.sendBitrate.DeleteLabelValues(id, "audio")
	p.sendBitrate.DeleteLabelValues(id, "video")
	p.receiveBitrate.DeleteLabelValues(id, "audio")
	p.receiveBitrate.DeleteLabelValues(id, "video")
}

func (p *PrometheusCollector) RecordReconnectAttempt() { p.reconnectAttempts.Inc() }
func (p *PrometheusCollector) RecordReconnectFailure() { p.reconnectFailures.Inc() }
func (p *PrometheusCollector) RecordBandwidthWarning() { p.bandwidthWarnings.Inc() }
func (p *PrometheusCollector) RecordError()            { p.errorsTotal.Inc() }

// RecordStats folds one telemetry report into the exported series.
func (p *PrometheusCollector) RecordStats(peerID domain.PeerID, report domain.StatsReport) {
	id := string(peerID)

	p.rttSeconds.Observe(report.RTTMs / 1000)
	p.packetLoss.Observe(report.PacketLoss)

	p.sendBitrate.WithLabelValues(id, "audio").Set(report.AudioSendBitrate)
	p.sendBitrate.WithLabelValues(id, "video").Set(report.VideoSendBitrate)
	p.receiveBitrate.WithLabelValues(id, "audio").Set(report.AudioReceiveBitrate)
	p.receiveBitrate.WithLabelValues(id, "video").Set(report.VideoReceiveBitrate)
}
