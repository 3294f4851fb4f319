package domain

import (
	"fmt"
	"time"
)

// StatsReport is one normalized snapshot of a native connection's statistics.
// Recomputed fully each sampling tick; never partially mutated.
type StatsReport struct {
	Timestamp time.Time

	// Bitrates in kbps, computed from byte-count deltas.
	VideoSendBitrate    float64
	VideoReceiveBitrate float64
	AudioSendBitrate    float64
	AudioReceiveBitrate float64

	// PacketLoss is lost / (lost + received) over the connection lifetime.
	PacketLoss float64
	// JitterMs is the maximum jitter observed across streams, in milliseconds.
	JitterMs float64
	// RTTMs is the current round-trip time in milliseconds.
	RTTMs float64

	// AvailableBandwidth and UsedBandwidth in kbps.
	AvailableBandwidth float64
	UsedBandwidth      float64

	// Optional video detail; zero values mean unknown.
	Width      int
	Height     int
	FPS        float64
	VideoCodec string
}

// Validate rejects structurally broken reports (negative or NaN-free required
// fields). Invalid reports are discarded rather than delivered.
func (r *StatsReport) Validate() error {
	if r.Timestamp.IsZero() {
		return fmt.Errorf("stats report missing timestamp")
	}
	for name, v := range map[string]float64{
		"video_send_bitrate":    r.VideoSendBitrate,
		"video_receive_bitrate": r.VideoReceiveBitrate,
		"audio_send_bitrate":    r.AudioSendBitrate,
		"audio_receive_bitrate": r.AudioReceiveBitrate,
		"jitter_ms":             r.JitterMs,
		"rtt_ms":                r.RTTMs,
		"available_bandwidth":   r.AvailableBandwidth,
		"used_bandwidth":        r.UsedBandwidth,
	} {
		if v < 0 || v != v {
			return fmt.Errorf("stats report field %s is invalid (%v)", name, v)
		}
	}
	if r.PacketLoss < 0 || r.PacketLoss > 1 {
		return fmt.Errorf("stats report packet_loss out of range (%v)", r.PacketLoss)
	}
	return nil
}

// RawStreamStats is one stream's counters as fetched from the native
// connection, before normalization.
type RawStreamStats struct {
	StreamID        string
	Kind            MediaKind
	Outbound        bool
	BytesTotal      uint64
	PacketsLost     int64
	PacketsReceived uint64
	Jitter          float64 // seconds
}

// RawConnStats is a full raw statistics fetch.
type RawConnStats struct {
	Streams            []RawStreamStats
	RTT                time.Duration
	AvailableBandwidth float64 // bps
	Width              int
	Height             int
	FPS                float64
	VideoCodec         string
}
