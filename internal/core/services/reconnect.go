package services

import (
	"context"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
)

// handleConnState reacts to native connection state transitions for one peer.
func (o *Orchestrator) handleConnState(peerID domain.PeerID, state ports.ConnState) {
	o.mu.Lock()
	sess, ok := o.sessions[peerID]
	if !ok {
		o.mu.Unlock()
		return
	}

	switch state {
	case ports.ConnConnected:
		sess.state = domain.SessionConnected
		sess.reconnectAttempts = 0
		if sess.disconnectTimer != nil {
			sess.disconnectTimer.Stop()
			sess.disconnectTimer = nil
		}
		o.mu.Unlock()
		o.logger.Infow("peer connected", "peer_id", peerID)

	case ports.ConnDisconnected:
		// Transient blips self-heal; reconnection only starts after the grace
		// period expires with the connection still down.
		if sess.state == domain.SessionConnected || sess.state == domain.SessionNegotiating {
			sess.state = domain.SessionDisconnected
			if sess.disconnectTimer == nil {
				sess.disconnectTimer = time.AfterFunc(o.cfg.DisconnectedGrace, func() {
					o.graceExpired(peerID)
				})
			}
		}
		o.mu.Unlock()

	case ports.ConnFailed:
		o.mu.Unlock()
		o.failover(peerID)

	default:
		o.mu.Unlock()
	}
}

// graceExpired fires when a disconnected session did not recover in time.
func (o *Orchestrator) graceExpired(peerID domain.PeerID) {
	o.mu.Lock()
	sess, ok := o.sessions[peerID]
	if !ok || sess.state != domain.SessionDisconnected {
		o.mu.Unlock()
		return
	}
	sess.disconnectTimer = nil
	o.mu.Unlock()

	o.scheduleReconnect(peerID)
}

// failover handles an ICE failure: swap to the next relay in priority order
// and restart ICE before falling back to the standard reconnection ladder.
func (o *Orchestrator) failover(peerID domain.PeerID) {
	o.mu.Lock()
	sess, ok := o.sessions[peerID]
	if !ok || sess.conn == nil {
		o.mu.Unlock()
		return
	}
	sess.state = domain.SessionReconnecting
	conn := sess.conn
	current := sess.relay
	o.mu.Unlock()

	next, found := o.selector.NextFallback(current)
	if found {
		if err := conn.SetConfiguration(next); err == nil {
			o.mu.Lock()
			if sess, ok := o.sessions[peerID]; ok {
				sess.relay = next
			}
			o.mu.Unlock()

			o.logger.Infow("relay failover",
				"peer_id", peerID,
				"from", current.ProbeHost(),
				"to", next.ProbeHost(),
			)
			o.restartICE(context.Background(), peerID, conn)
			return
		}
		o.logger.Warnw("relay failover rejected, falling back to reconnect",
			"peer_id", peerID,
		)
	}

	o.scheduleReconnect(peerID)
}

// scheduleReconnect books the next reconnection attempt with exponential
// backoff. Exhaustion emits the terminal failure event exactly once and tears
// the session down.
func (o *Orchestrator) scheduleReconnect(peerID domain.PeerID) {
	o.mu.Lock()
	sess, ok := o.sessions[peerID]
	if !ok {
		o.mu.Unlock()
		return
	}

	if sess.reconnectAttempts >= o.cfg.ReconnectPolicy.MaxAttempts {
		terminal := !sess.terminalEmitted
		sess.terminalEmitted = true
		sess.state = domain.SessionFailed
		o.mu.Unlock()

		if terminal {
			o.emit(domain.EventReconnectFailed, domain.PeerEvent{UserID: peerID})
			o.logger.Warnw("reconnection exhausted", "peer_id", peerID,
				"attempts", o.cfg.ReconnectPolicy.MaxAttempts,
			)
			o.closeSession(peerID, "reconnect exhausted")
		}
		return
	}

	sess.reconnectAttempts++
	attempt := sess.reconnectAttempts
	sess.state = domain.SessionReconnecting
	delay := o.cfg.ReconnectPolicy.DelayFor(attempt - 1)

	if sess.reconnectTimer != nil {
		sess.reconnectTimer.Stop()
	}
	sess.reconnectTimer = time.AfterFunc(delay, func() {
		o.reconnectFire(peerID, attempt)
	})
	o.mu.Unlock()

	o.logger.Infow("reconnect scheduled",
		"peer_id", peerID, "attempt", attempt, "delay", delay,
	)
}

// reconnectFire runs one reconnection attempt. The timer is guarded: a
// session torn down in the meantime makes this a no-op.
func (o *Orchestrator) reconnectFire(peerID domain.PeerID, attempt int) {
	o.mu.Lock()
	sess, ok := o.sessions[peerID]
	if !ok || sess.conn == nil {
		o.mu.Unlock()
		return
	}
	if sess.state == domain.SessionConnected {
		o.mu.Unlock()
		return
	}
	sess.reconnectTimer = nil
	conn := sess.conn
	o.mu.Unlock()

	o.emit(domain.EventReconnectAttempt, domain.ReconnectEvent{UserID: peerID, Attempt: attempt})
	o.restartICE(context.Background(), peerID, conn)
}

// restartICE sends an ICE-restart offer through the regular negotiation path.
// A failure here re-enters the backoff schedule rather than looping hot.
func (o *Orchestrator) restartICE(ctx context.Context, peerID domain.PeerID, conn ports.NativeConnection) {
	o.mu.Lock()
	if sess, ok := o.sessions[peerID]; ok {
		sess.makingOffer = true
		sess.remoteSet = false
	} else {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if sess, ok := o.sessions[peerID]; ok {
			sess.makingOffer = false
		}
		o.mu.Unlock()
	}()

	offer, err := conn.CreateOffer(ctx, true)
	if err != nil {
		o.emitError(err, "ice restart offer")
		o.scheduleReconnect(peerID)
		return
	}
	if err := conn.SetLocalDescription(ctx, offer); err != nil {
		o.emitError(err, "set ice restart offer")
		o.scheduleReconnect(peerID)
		return
	}
	o.sendDescription(ctx, peerID, domain.SignalOffer, offer)
}

// statsLoop forwards sampler reports into the event surface and keeps the
// latest report on the session for the adaptation loop. Exits when the
// sampler's channel closes.
func (o *Orchestrator) statsLoop(peerID domain.PeerID, sampler ports.TelemetrySampler) {
	for report := range sampler.Reports() {
		o.mu.Lock()
		if sess, ok := o.sessions[peerID]; ok {
			sess.lastReport = report
			sess.haveReport = true
		}
		o.mu.Unlock()

		o.emit(domain.EventStatsUpdate, domain.StatsEvent{UserID: peerID, Report: report})
	}
}

// adaptLoop evaluates the bitrate policy on the controller's cadence. Each
// retarget stamps last-adjusted so overlapping triggers cannot double-apply
// within one cadence window.
func (o *Orchestrator) adaptLoop(peerID domain.PeerID, stop <-chan struct{}) {
	ticker := time.NewTicker(o.bitrate.Cadence())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.adaptTick(peerID)
		}
	}
}

func (o *Orchestrator) adaptTick(peerID domain.PeerID) {
	o.mu.Lock()
	sess, ok := o.sessions[peerID]
	if !ok || sess.conn == nil || !sess.haveReport {
		o.mu.Unlock()
		return
	}
	if sess.state != domain.SessionConnected {
		o.mu.Unlock()
		return
	}
	if time.Since(sess.lastAdjusted) < o.bitrate.Cadence() {
		o.mu.Unlock()
		return
	}

	report := sess.lastReport
	current := sess.currentBitrate
	conn := sess.conn
	o.mu.Unlock()

	decision := o.bitrate.Evaluate(current, report)

	if decision.Warn {
		o.emit(domain.EventBandwidthWarning, domain.BandwidthWarning{
			UserID:    peerID,
			Available: report.AvailableBandwidth,
			Required:  current,
		})
	}
	if !decision.Apply {
		return
	}

	if err := conn.SetVideoTargetBitrate(decision.Target); err != nil {
		o.logger.Warnw("bitrate retarget failed", "peer_id", peerID, "error", err)
		return
	}

	o.mu.Lock()
	if sess, ok := o.sessions[peerID]; ok {
		sess.currentBitrate = decision.Target
		sess.lastAdjusted = time.Now()
	}
	o.mu.Unlock()

	o.logger.Infow("bitrate retargeted",
		"peer_id", peerID,
		"from_kbps", current,
		"to_kbps", decision.Target,
		"loss", report.PacketLoss,
		"rtt_ms", report.RTTMs,
	)
}
