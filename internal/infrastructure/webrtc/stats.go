package webrtc

import (
	"context"
	"time"

	"callmesh/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// GetStats snapshots the connection's raw statistics. Bitrate normalization
// and loss math belong to the telemetry layer; this only flattens pion's
// report into the engine's raw form.
func (c *Conn) GetStats(ctx context.Context) (domain.RawConnStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.RawConnStats{}, err
	}

	var raw domain.RawConnStats

	for _, s := range c.pc.GetStats() {
		switch v := s.(type) {
		case webrtc.OutboundRTPStreamStats:
			raw.Streams = append(raw.Streams, domain.RawStreamStats{
				StreamID:   v.ID,
				Kind:       mediaKind(v.Kind),
				Outbound:   true,
				BytesTotal: v.BytesSent,
			})

		case webrtc.InboundRTPStreamStats:
			raw.Streams = append(raw.Streams, domain.RawStreamStats{
				StreamID:        v.ID,
				Kind:            mediaKind(v.Kind),
				Outbound:        false,
				BytesTotal:      v.BytesReceived,
				PacketsLost:     int64(v.PacketsLost),
				PacketsReceived: uint64(v.PacketsReceived),
				Jitter:          v.Jitter,
			})

		case webrtc.ICECandidatePairStats:
			if v.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			raw.RTT = time.Duration(v.CurrentRoundTripTime * float64(time.Second))
			raw.AvailableBandwidth = v.AvailableOutgoingBitrate
		}
	}

	// The candidate pair RTT lags on some platforms; prefer the fresher
	// receiver-report figure when one exists.
	if rtt := c.remoteRTT.Load(); rtt > 0 {
		raw.RTT = time.Duration(rtt * float64(time.Second))
	}

	return raw, nil
}

func mediaKind(kind string) domain.MediaKind {
	if kind == "audio" {
		return domain.MediaAudio
	}
	return domain.MediaVideo
}

// readReceiverReports drains RTCP from one sender and keeps the most recent
// round-trip estimate from receiver report blocks. Exits when the sender closes.
func (c *Conn) readReceiverReports(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}

		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			c.logger.Debugw("undecodable rtcp from sender", "error", err)
			continue
		}

		for _, pkt := range packets {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, report := range rr.Reports {
				if rtt, ok := rttFromReport(report); ok {
					c.remoteRTT.Store(rtt)
				}
			}
		}
	}
}

// rttFromReport derives RTT in seconds from LSR/DLSR per RFC 3550 §6.4.1.
func rttFromReport(report rtcp.ReceptionReport) (float64, bool) {
	if report.LastSenderReport == 0 {
		return 0, false
	}

	now := ntpMiddle32(time.Now())
	delay := float64(report.Delay) / 65536.0
	sent := float64(report.LastSenderReport) / 65536.0
	arrival := float64(now) / 65536.0

	rtt := arrival - sent - delay
	if rtt <= 0 || rtt > 10 {
		return 0, false
	}
	return rtt, true
}

// ntpMiddle32 returns the middle 32 bits of the NTP timestamp for t.
func ntpMiddle32(t time.Time) uint32 {
	const ntpEpochOffset = 2208988800 // seconds between 1900 and 1970
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	ntp := secs<<32 | frac
	return uint32(ntp >> 16)
}

// readSenderReports drains RTCP on one receiver so pion keeps its inbound
// stats current. The packets themselves are not inspected.
func (c *Conn) readSenderReports(recv *webrtc.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := recv.Read(buf); err != nil {
			return
		}
	}
}
