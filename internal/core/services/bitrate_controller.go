package services

import (
	"time"

	"callmesh/internal/core/domain"
)

// BitratePolicy holds the thresholds the adaptation rules evaluate against.
type BitratePolicy struct {
	Cadence       time.Duration
	LossThreshold float64       // rule 1 trigger
	RTTThreshold  time.Duration // rule 2 trigger
	Hysteresis    float64       // minimum relative change before acting
}

// DefaultBitratePolicy matches the documented defaults.
func DefaultBitratePolicy() BitratePolicy {
	return BitratePolicy{
		Cadence:       2 * time.Second,
		LossThreshold: 0.05,
		RTTThreshold:  300 * time.Millisecond,
		Hysteresis:    0.10,
	}
}

// BitrateDecision is the outcome of one policy evaluation.
type BitrateDecision struct {
	// Target in kbps, already clamped to the preset range. Meaningful only
	// when Apply is true.
	Target float64
	// Apply is false when the change falls inside the hysteresis band.
	Apply bool
	// Warn requests a bandwidth-warning event (rule 1 fired).
	Warn bool
}

// BitrateController computes encoder retargets from telemetry. It holds no
// per-peer state; cadence gating is the orchestrator's job via its per-peer
// last-adjusted timestamps.
type BitrateController struct {
	policy BitratePolicy
	preset domain.QualityPreset
}

// NewBitrateController builds a controller for the active quality preset.
func NewBitrateController(policy BitratePolicy, preset domain.QualityPreset) *BitrateController {
	return &BitrateController{policy: policy, preset: preset}
}

// Cadence returns the evaluation period.
func (b *BitrateController) Cadence() time.Duration {
	return b.policy.Cadence
}

// StartBitrate returns the preset's initial encoder target in kbps.
func (b *BitrateController) StartBitrate() float64 {
	return float64(b.preset.StartBitrate)
}

// Evaluate applies the adaptation rules, in priority order, to the latest
// report for one peer. current is the present encoder target in kbps.
func (b *BitrateController) Evaluate(current float64, report domain.StatsReport) BitrateDecision {
	rttMs := float64(b.policy.RTTThreshold.Milliseconds())

	var target float64
	var warn bool

	switch {
	case report.PacketLoss > b.policy.LossThreshold:
		target = current * 0.70
		warn = true
	case report.RTTMs > rttMs:
		target = current * 0.85
	case report.PacketLoss < 0.01 && report.RTTMs < 150 && report.AvailableBandwidth > current*1.5:
		target = current * 1.10
	case report.AvailableBandwidth > 0 && report.AvailableBandwidth < current:
		target = report.AvailableBandwidth * 0.85
	default:
		return BitrateDecision{Target: current, Apply: false}
	}

	target = b.preset.Clamp(target)

	// Small oscillations are deliberately suppressed to avoid encoder thrash.
	if current > 0 {
		change := target - current
		if change < 0 {
			change = -change
		}
		if change/current < b.policy.Hysteresis {
			return BitrateDecision{Target: current, Apply: false, Warn: warn}
		}
	}

	return BitrateDecision{Target: target, Apply: true, Warn: warn}
}
