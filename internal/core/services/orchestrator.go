package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/backoff"
	engerr "callmesh/pkg/errors"

	"go.uber.org/zap"
)

// OrchestratorConfig parameterizes the engine.
type OrchestratorConfig struct {
	RoomID            domain.RoomID
	LocalID           domain.PeerID
	MaxPeers          int
	TelemetryInterval time.Duration
	ReconnectPolicy   backoff.Policy
	DisconnectedGrace time.Duration
	Preset            domain.QualityPreset
	Features          domain.MediaFeatures
	MaxBandwidth      int // kbps
	AudioGate         AudioGateConfig
}

// peerSession is the engine's per-peer state. All fields are guarded by the
// orchestrator's single coarse lock; the protocol's flag checks are only
// valid under effectively-serialized access.
type peerSession struct {
	peerID domain.PeerID
	polite bool
	state  domain.SessionState

	conn  ports.NativeConnection
	relay domain.RelayServer

	// pendingCandidates holds candidates that arrived before the remote
	// description; applied in arrival order once it is set.
	pendingCandidates []ports.Candidate
	remoteSet         bool

	makingOffer bool
	ignoreOffer bool

	reconnectAttempts int
	terminalEmitted   bool
	reconnectTimer    *time.Timer
	disconnectTimer   *time.Timer

	sampler      ports.TelemetrySampler
	gate         *AudioLevelGate
	remoteTracks []domain.TrackEvent
	lastReport   domain.StatsReport
	haveReport   bool

	currentBitrate float64
	lastAdjusted   time.Time
	adaptStop      chan struct{}
}

// Orchestrator owns the peer-session map and runs the negotiation state
// machine, reconnection and bitrate adaptation for every peer in the room.
type Orchestrator struct {
	cfg      OrchestratorConfig
	selector ports.RelaySelector
	signals  ports.SignalChannel
	native   ports.NativeFactory
	media    ports.MediaSource
	samplers ports.SamplerFactory
	bitrate  *BitrateController
	gain     ports.GainControl // nil disables remote-level ducking
	logger   *zap.SugaredLogger

	// mu guards the session map and every session's fields. External callers
	// only ever receive snapshots, never session references.
	mu          sync.Mutex
	sessions    map[domain.PeerID]*peerSession
	localMedia  ports.LocalMedia
	screenMedia ports.LocalMedia
	ready       bool

	events eventBus
}

// NewOrchestrator wires the engine's collaborators together.
func NewOrchestrator(
	cfg OrchestratorConfig,
	selector ports.RelaySelector,
	signals ports.SignalChannel,
	native ports.NativeFactory,
	media ports.MediaSource,
	samplers ports.SamplerFactory,
	bitrate *BitrateController,
	gain ports.GainControl,
	logger *zap.SugaredLogger,
) *Orchestrator {
	if cfg.AudioGate.Interval <= 0 {
		cfg.AudioGate = DefaultAudioGateConfig()
	}
	return &Orchestrator{
		cfg:      cfg,
		selector: selector,
		signals:  signals,
		native:   native,
		media:    media,
		samplers: samplers,
		bitrate:  bitrate,
		gain:     gain,
		logger:   logger,
		sessions: make(map[domain.PeerID]*peerSession),
	}
}

// Init connects the signal channel and registers the engine's handlers.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.signals.OnSignal(o.handleSignal)
	o.signals.OnPresence(o.handlePresence)

	if err := o.signals.Connect(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	o.ready = true
	o.mu.Unlock()

	o.emit(domain.EventEngineReady, nil)
	return nil
}

// StartLocalMedia captures camera/microphone media and renegotiates every
// active session to carry it. Capture denial propagates to the caller.
func (o *Orchestrator) StartLocalMedia(ctx context.Context, c ports.MediaConstraints) error {
	media, err := o.media.Capture(ctx, c)
	if err != nil {
		return engerr.NewMediaError("local media capture failed", err)
	}

	o.mu.Lock()
	o.localMedia = media
	peers := o.sessionsSnapshotLocked()
	o.mu.Unlock()

	for _, peerID := range peers {
		o.attachAndRenegotiate(ctx, peerID, media)
	}
	return nil
}

// StartScreenShare captures screen media alongside camera media.
func (o *Orchestrator) StartScreenShare(ctx context.Context, opts ports.ScreenShareOptions) error {
	media, err := o.media.CaptureScreen(ctx, opts)
	if err != nil {
		return engerr.NewMediaError("screen capture failed", err)
	}

	o.mu.Lock()
	o.screenMedia = media
	peers := o.sessionsSnapshotLocked()
	o.mu.Unlock()

	for _, peerID := range peers {
		o.attachAndRenegotiate(ctx, peerID, media)
	}
	return nil
}

// StopScreenShare releases screen media and renegotiates remaining tracks.
func (o *Orchestrator) StopScreenShare(ctx context.Context) {
	o.mu.Lock()
	media := o.screenMedia
	o.screenMedia = nil
	peers := o.sessionsSnapshotLocked()
	o.mu.Unlock()

	if media == nil {
		return
	}
	if err := media.Close(); err != nil {
		o.logger.Warnw("closing screen media", "error", err)
	}

	for _, peerID := range peers {
		o.renegotiate(ctx, peerID)
	}
}

// ToggleMute mutes or unmutes one kind of local media.
func (o *Orchestrator) ToggleMute(kind domain.MediaKind, mute bool) error {
	o.mu.Lock()
	media := o.localMedia
	o.mu.Unlock()

	if media == nil {
		return domain.ErrNoLocalMedia
	}
	media.SetMuted(kind, mute)
	return nil
}

func (o *Orchestrator) attachAndRenegotiate(ctx context.Context, peerID domain.PeerID, media ports.LocalMedia) {
	o.mu.Lock()
	sess, ok := o.sessions[peerID]
	if !ok {
		o.mu.Unlock()
		return
	}
	conn := sess.conn
	o.mu.Unlock()

	if err := conn.AttachLocalMedia(media); err != nil {
		o.emitError(err, "attach local media")
		return
	}
	o.renegotiate(ctx, peerID)
}

// handlePresence reacts to presence rows: "joined" creates a session,
// "left" tears it down.
func (o *Orchestrator) handlePresence(upd domain.PresenceUpdate) {
	ctx := context.Background()

	switch upd.Status {
	case domain.PresenceJoined:
		if err := o.ensureSession(ctx, upd.UserID); err != nil {
			o.emitError(err, "presence joined")
		}
	case domain.PresenceLeft:
		o.closeSession(upd.UserID, "presence left")
	}
}

// ensureSession creates the session for peerID if absent and starts
// negotiation toward it. Creating a session that already exists is a no-op so
// duplicated presence rows are harmless.
func (o *Orchestrator) ensureSession(ctx context.Context, peerID domain.PeerID) error {
	sess, created, err := o.createSession(ctx, peerID)
	if err != nil || !created {
		return err
	}

	o.negotiate(ctx, sess.peerID)
	return nil
}

// createSession registers the session atomically with its negotiation flags
// before any asynchronous setup, so a concurrent signal for the same peer
// cannot create a duplicate. Every successful creation emits peer:joined,
// whether presence or an early offer announced the peer.
func (o *Orchestrator) createSession(ctx context.Context, peerID domain.PeerID) (*peerSession, bool, error) {
	o.mu.Lock()
	if _, exists := o.sessions[peerID]; exists {
		o.mu.Unlock()
		return nil, false, nil
	}
	if len(o.sessions) >= o.cfg.MaxPeers {
		o.mu.Unlock()
		return nil, false, engerr.Wrap(domain.ErrRoomFull, engerr.ErrCodeResourceLimit,
			fmt.Sprintf("room peer limit reached (%d)", o.cfg.MaxPeers),
		).WithContext("peer_id", string(peerID))
	}

	sess := &peerSession{
		peerID: peerID,
		polite: domain.Polite(o.cfg.LocalID, peerID),
		state:  domain.SessionNegotiating,
	}
	o.sessions[peerID] = sess
	o.mu.Unlock()

	if err := o.setupSession(ctx, sess); err != nil {
		o.mu.Lock()
		delete(o.sessions, peerID)
		o.mu.Unlock()
		return nil, false, err
	}

	o.logger.Infow("peer session created",
		"peer_id", peerID,
		"polite", sess.polite,
	)
	o.emit(domain.EventPeerJoined, domain.PeerEvent{UserID: peerID})
	return sess, true, nil
}

// setupSession performs the suspension-point-heavy part of session creation:
// relay selection, native connection construction, wiring and telemetry.
func (o *Orchestrator) setupSession(ctx context.Context, sess *peerSession) error {
	relay, err := o.selector.SelectOptimalServer(ctx)
	if err != nil {
		return engerr.NewConnectivityError("relay selection failed", err)
	}

	conn, err := o.native.NewConnection(ports.NativeConfig{
		Relay:        relay,
		Preset:       o.cfg.Preset,
		Features:     o.cfg.Features,
		MaxBandwidth: o.cfg.MaxBandwidth,
	})
	if err != nil {
		return engerr.NewConnectivityError("native connection failed", err)
	}

	peerID := sess.peerID
	conn.OnCandidate(func(cand ports.Candidate) { o.sendCandidate(peerID, cand) })
	conn.OnConnectionStateChange(func(state ports.ConnState) { o.handleConnState(peerID, state) })
	conn.OnTrack(func(ev domain.TrackEvent) {
		ev.UserID = peerID
		o.rememberRemoteTrack(peerID, ev)
		o.emit(domain.EventTrackAdded, ev)
		if ev.Kind == domain.MediaAudio {
			o.startGate(peerID)
		}
	})
	conn.OnNegotiationNeeded(func() { o.negotiate(context.Background(), peerID) })

	sampler := o.samplers(conn)
	var gate *AudioLevelGate
	if o.gain != nil {
		gate = NewAudioLevelGate(o.gain, conn.AudioLevels(), o.cfg.AudioGate, o.logger)
	}

	o.mu.Lock()
	sess.conn = conn
	sess.relay = relay
	sess.sampler = sampler
	sess.gate = gate
	sess.currentBitrate = o.bitrate.StartBitrate()
	sess.adaptStop = make(chan struct{})
	localMedia := o.localMedia
	o.mu.Unlock()

	if localMedia != nil {
		if err := conn.AttachLocalMedia(localMedia); err != nil {
			return engerr.NewMediaError("attaching local media", err)
		}
	}

	sampler.Start(o.cfg.TelemetryInterval)
	go o.statsLoop(peerID, sampler)
	go o.adaptLoop(peerID, sess.adaptStop)

	return nil
}

func (o *Orchestrator) rememberRemoteTrack(peerID domain.PeerID, ev domain.TrackEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sess, ok := o.sessions[peerID]; ok {
		sess.remoteTracks = append(sess.remoteTracks, ev)
	}
}

// startGate begins remote-level monitoring once remote audio is flowing.
// Start is idempotent, so repeated audio tracks are harmless.
func (o *Orchestrator) startGate(peerID domain.PeerID) {
	o.mu.Lock()
	var gate *AudioLevelGate
	if sess, ok := o.sessions[peerID]; ok {
		gate = sess.gate
	}
	o.mu.Unlock()

	if gate != nil {
		gate.Start()
	}
}

// closeSession tears a session down in the fixed order: sampler, adaptation
// timer, candidate queue, negotiation flags, native connection, map entry.
func (o *Orchestrator) closeSession(peerID domain.PeerID, reason string) {
	o.mu.Lock()
	sess, ok := o.sessions[peerID]
	if !ok {
		o.mu.Unlock()
		return
	}

	sess.state = domain.SessionClosed
	if sess.reconnectTimer != nil {
		sess.reconnectTimer.Stop()
		sess.reconnectTimer = nil
	}
	if sess.disconnectTimer != nil {
		sess.disconnectTimer.Stop()
		sess.disconnectTimer = nil
	}
	if sess.adaptStop != nil {
		close(sess.adaptStop)
		sess.adaptStop = nil
	}
	sess.pendingCandidates = nil
	sess.makingOffer = false
	sess.ignoreOffer = false
	sampler := sess.sampler
	gate := sess.gate
	conn := sess.conn
	tracks := sess.remoteTracks
	sess.remoteTracks = nil
	delete(o.sessions, peerID)
	o.mu.Unlock()

	if sampler != nil {
		sampler.Stop()
	}
	if gate != nil {
		gate.Cleanup()
	}
	if conn != nil {
		conn.DetachLocalTracks()
		if err := conn.Close(); err != nil {
			o.logger.Warnw("closing native connection", "peer_id", peerID, "error", err)
		}
	}

	// The peer's tracks end with the session; removal precedes peer:left so
	// observers see tracks gone before the peer.
	for _, ev := range tracks {
		o.emit(domain.EventTrackRemoved, ev)
	}

	o.logger.Infow("peer session closed", "peer_id", peerID, "reason", reason)
	o.emit(domain.EventPeerLeft, domain.PeerEvent{UserID: peerID})
}

// EndCall broadcasts "bye" to every active peer best-effort, tears down all
// sessions, releases captured media and disconnects the signal channel.
func (o *Orchestrator) EndCall(ctx context.Context) error {
	o.mu.Lock()
	peers := o.sessionsSnapshotLocked()
	localMedia := o.localMedia
	screenMedia := o.screenMedia
	o.localMedia = nil
	o.screenMedia = nil
	o.ready = false
	o.mu.Unlock()

	for _, peerID := range peers {
		if err := o.signals.Send(ctx, peerID, domain.SignalBye, nil); err != nil {
			o.logger.Warnw("bye send failed", "peer_id", peerID, "error", err)
		}
	}

	for _, peerID := range peers {
		o.closeSession(peerID, "end call")
	}

	if localMedia != nil {
		if err := localMedia.Close(); err != nil {
			o.logger.Warnw("closing local media", "error", err)
		}
	}
	if screenMedia != nil {
		if err := screenMedia.Close(); err != nil {
			o.logger.Warnw("closing screen media", "error", err)
		}
	}

	err := o.signals.Disconnect(ctx)
	o.emit(domain.EventEngineDisconnected, nil)
	return err
}

func (o *Orchestrator) sessionsSnapshotLocked() []domain.PeerID {
	peers := make([]domain.PeerID, 0, len(o.sessions))
	for peerID := range o.sessions {
		peers = append(peers, peerID)
	}
	return peers
}

// PeerCount returns the number of live peer sessions.
func (o *Orchestrator) PeerCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// PeerState returns the lifecycle state for one peer, SessionAbsent if none.
func (o *Orchestrator) PeerState(peerID domain.PeerID) domain.SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()

	if sess, ok := o.sessions[peerID]; ok {
		return sess.state
	}
	return domain.SessionAbsent
}

// Peers returns a snapshot of live peer ids.
func (o *Orchestrator) Peers() []domain.PeerID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionsSnapshotLocked()
}

// PeerReport returns the latest telemetry report for one peer. A peer without
// a session yields ErrSessionNotFound; a session that has not reported yet
// yields a zero report.
func (o *Orchestrator) PeerReport(peerID domain.PeerID) (domain.StatsReport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess, ok := o.sessions[peerID]
	if !ok {
		return domain.StatsReport{}, domain.ErrSessionNotFound
	}
	return sess.lastReport, nil
}

// AggregateStats returns the latest report per peer.
func (o *Orchestrator) AggregateStats() map[domain.PeerID]domain.StatsReport {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[domain.PeerID]domain.StatsReport, len(o.sessions))
	for peerID, sess := range o.sessions {
		if sess.haveReport {
			out[peerID] = sess.lastReport
		}
	}
	return out
}
