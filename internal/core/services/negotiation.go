package services

import (
	"context"
	"encoding/json"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
)

// negotiate drives one offer cycle toward peerID. The making-offer flag is
// raised before the first suspension point and cleared on every exit path so
// a failed offer cannot wedge collision detection.
func (o *Orchestrator) negotiate(ctx context.Context, peerID domain.PeerID) {
	o.mu.Lock()
	sess, ok := o.sessions[peerID]
	if !ok || sess.conn == nil || sess.makingOffer {
		o.mu.Unlock()
		return
	}
	sess.makingOffer = true
	// A routine renegotiation does not change connectivity: a connected or
	// reconnecting session keeps its state while the offer is in flight.
	if sess.state != domain.SessionReconnecting && sess.state != domain.SessionConnected {
		sess.state = domain.SessionNegotiating
	}
	conn := sess.conn
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if sess, ok := o.sessions[peerID]; ok {
			sess.makingOffer = false
		}
		o.mu.Unlock()
	}()

	offer, err := conn.CreateOffer(ctx, false)
	if err != nil {
		o.emitError(err, "create offer")
		return
	}
	if err := conn.SetLocalDescription(ctx, offer); err != nil {
		o.emitError(err, "set local offer")
		return
	}
	o.sendDescription(ctx, peerID, domain.SignalOffer, offer)
}

// renegotiate sends a fresh offer after track topology changed. The wire type
// differs so the remote side can log it distinctly; handling is identical.
func (o *Orchestrator) renegotiate(ctx context.Context, peerID domain.PeerID) {
	o.mu.Lock()
	sess, ok := o.sessions[peerID]
	if !ok || sess.conn == nil || sess.makingOffer {
		o.mu.Unlock()
		return
	}
	sess.makingOffer = true
	conn := sess.conn
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if sess, ok := o.sessions[peerID]; ok {
			sess.makingOffer = false
		}
		o.mu.Unlock()
	}()

	offer, err := conn.CreateOffer(ctx, false)
	if err != nil {
		o.emitError(err, "create renegotiation offer")
		return
	}
	if err := conn.SetLocalDescription(ctx, offer); err != nil {
		o.emitError(err, "set local renegotiation offer")
		return
	}
	o.sendDescription(ctx, peerID, domain.SignalRenegotiate, offer)
}

func (o *Orchestrator) sendDescription(ctx context.Context, peerID domain.PeerID, t domain.SignalType, desc ports.Description) {
	payload, err := json.Marshal(desc)
	if err != nil {
		o.emitError(err, "marshal description")
		return
	}
	if err := o.signals.Send(ctx, peerID, t, payload); err != nil {
		o.emitError(err, "send description")
	}
}

func (o *Orchestrator) sendCandidate(peerID domain.PeerID, cand ports.Candidate) {
	payload, err := json.Marshal(cand)
	if err != nil {
		o.emitError(err, "marshal candidate")
		return
	}
	if err := o.signals.Send(context.Background(), peerID, domain.SignalCandidate, payload); err != nil {
		o.emitError(err, "send candidate")
	}
}

// handleSignal routes one inbound envelope. Runs on the signal channel's
// dispatch goroutine; all session mutation happens under the engine lock.
func (o *Orchestrator) handleSignal(env domain.SignalEnvelope) {
	ctx := context.Background()

	switch env.Type {
	case domain.SignalOffer, domain.SignalRenegotiate:
		o.handleOffer(ctx, env)
	case domain.SignalAnswer:
		o.handleAnswer(ctx, env)
	case domain.SignalCandidate:
		o.handleCandidate(ctx, env)
	case domain.SignalBye:
		o.closeSession(env.From, "bye received")
	}
}

// handleOffer implements the collision rule: the polite side rolls back and
// accepts, the impolite side ignores the incoming offer outright. The ignore
// decision is recomputed per message, never latched across offers.
func (o *Orchestrator) handleOffer(ctx context.Context, env domain.SignalEnvelope) {
	var desc ports.Description
	if err := json.Unmarshal(env.Payload, &desc); err != nil {
		o.logger.Debugw("discarding undecodable offer", "from", env.From, "error", err)
		return
	}

	// An offer from an unknown peer creates the session; presence may lag.
	if _, _, err := o.createSession(ctx, env.From); err != nil {
		o.emitError(err, "session for inbound offer")
		return
	}

	o.mu.Lock()
	sess, ok := o.sessions[env.From]
	if !ok || sess.conn == nil {
		o.mu.Unlock()
		return
	}
	conn := sess.conn

	collision := sess.makingOffer || !conn.SignalingStable()
	sess.ignoreOffer = !sess.polite && collision
	if sess.ignoreOffer {
		o.mu.Unlock()
		o.logger.Debugw("ignoring colliding offer", "from", env.From)
		return
	}
	o.mu.Unlock()

	if err := conn.SetRemoteDescription(ctx, desc); err != nil {
		o.emitError(err, "set remote offer")
		return
	}
	o.markRemoteSetAndDrain(ctx, env.From, conn)

	answer, err := conn.CreateAnswer(ctx)
	if err != nil {
		o.emitError(err, "create answer")
		return
	}
	if err := conn.SetLocalDescription(ctx, answer); err != nil {
		o.emitError(err, "set local answer")
		return
	}
	o.sendDescription(ctx, env.From, domain.SignalAnswer, answer)
}

func (o *Orchestrator) handleAnswer(ctx context.Context, env domain.SignalEnvelope) {
	var desc ports.Description
	if err := json.Unmarshal(env.Payload, &desc); err != nil {
		o.logger.Debugw("discarding undecodable answer", "from", env.From, "error", err)
		return
	}

	o.mu.Lock()
	sess, ok := o.sessions[env.From]
	if !ok || sess.conn == nil {
		o.mu.Unlock()
		o.logger.Debugw("answer for unknown peer", "from", env.From)
		return
	}
	conn := sess.conn
	o.mu.Unlock()

	if err := conn.SetRemoteDescription(ctx, desc); err != nil {
		o.emitError(err, "set remote answer")
		return
	}
	o.markRemoteSetAndDrain(ctx, env.From, conn)
}

// handleCandidate applies the candidate immediately when the remote
// description is set, otherwise queues it; the queue preserves arrival order.
func (o *Orchestrator) handleCandidate(ctx context.Context, env domain.SignalEnvelope) {
	var cand ports.Candidate
	if err := json.Unmarshal(env.Payload, &cand); err != nil {
		o.logger.Debugw("discarding undecodable candidate", "from", env.From, "error", err)
		return
	}

	o.mu.Lock()
	sess, ok := o.sessions[env.From]
	if !ok {
		o.mu.Unlock()
		return
	}
	if !sess.remoteSet || sess.conn == nil {
		sess.pendingCandidates = append(sess.pendingCandidates, cand)
		o.mu.Unlock()
		return
	}
	ignore := sess.ignoreOffer
	conn := sess.conn
	o.mu.Unlock()

	if err := conn.AddCandidate(ctx, cand); err != nil {
		// Candidates tied to an ignored offer fail harmlessly.
		if ignore {
			return
		}
		o.emitError(err, "add candidate")
	}
}

// markRemoteSetAndDrain flushes queued candidates in arrival order after the
// remote description landed.
func (o *Orchestrator) markRemoteSetAndDrain(ctx context.Context, peerID domain.PeerID, conn ports.NativeConnection) {
	o.mu.Lock()
	sess, ok := o.sessions[peerID]
	if !ok {
		o.mu.Unlock()
		return
	}
	sess.remoteSet = true
	pending := sess.pendingCandidates
	sess.pendingCandidates = nil
	o.mu.Unlock()

	for _, cand := range pending {
		if err := conn.AddCandidate(ctx, cand); err != nil {
			o.emitError(err, "apply queued candidate")
		}
	}
}
