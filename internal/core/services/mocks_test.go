package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
)

// fakeProber returns scripted latencies per host and records probe order.
type fakeProber struct {
	mu        sync.Mutex
	latencies map[string]time.Duration
	errs      map[string]error
	probed    []string
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		latencies: make(map[string]time.Duration),
		errs:      make(map[string]error),
	}
}

func (p *fakeProber) Probe(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.probed = append(p.probed, host)
	if err, ok := p.errs[host]; ok {
		return 0, err
	}
	if lat, ok := p.latencies[host]; ok {
		return lat, nil
	}
	return 0, fmt.Errorf("no script for %s", host)
}

func (p *fakeProber) probeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.probed)
}

// fakeConn is a scriptable native connection.
type fakeConn struct {
	mu sync.Mutex

	levels *fakeLevelSource

	stable       bool
	state        ports.ConnState
	offerErr     error
	restartErr   error
	remoteErr    error
	candidateErr error
	configErr    error
	statsErr     error
	stats        domain.RawConnStats

	offers         int
	restartOffers  int
	remoteDescs    []ports.Description
	localDescs     []ports.Description
	answers        int
	added          []ports.Candidate
	bitrateTargets []float64
	attached       int
	detached       int
	closed         bool
	relays         []domain.RelayServer

	onState       func(ports.ConnState)
	onCandidate   func(ports.Candidate)
	onTrack       func(domain.TrackEvent)
	onNegotiation func()
}

func newFakeConn() *fakeConn {
	return &fakeConn{stable: true, state: ports.ConnNew, levels: &fakeLevelSource{}}
}

func (c *fakeConn) CreateOffer(ctx context.Context, iceRestart bool) (ports.Description, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if iceRestart {
		c.restartOffers++
		if c.restartErr != nil {
			return ports.Description{}, c.restartErr
		}
	} else {
		c.offers++
		if c.offerErr != nil {
			return ports.Description{}, c.offerErr
		}
	}
	return ports.Description{Type: ports.DescriptionOffer, SDP: "v=0 offer"}, nil
}

func (c *fakeConn) CreateAnswer(ctx context.Context) (ports.Description, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers++
	return ports.Description{Type: ports.DescriptionAnswer, SDP: "v=0 answer"}, nil
}

func (c *fakeConn) SetLocalDescription(ctx context.Context, desc ports.Description) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localDescs = append(c.localDescs, desc)
	return nil
}

func (c *fakeConn) SetRemoteDescription(ctx context.Context, desc ports.Description) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteErr != nil {
		return c.remoteErr
	}
	c.remoteDescs = append(c.remoteDescs, desc)
	return nil
}

func (c *fakeConn) AddCandidate(ctx context.Context, cand ports.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.candidateErr != nil {
		return c.candidateErr
	}
	c.added = append(c.added, cand)
	return nil
}

func (c *fakeConn) SignalingStable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stable
}

func (c *fakeConn) ConnectionState() ports.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) SetConfiguration(relay domain.RelayServer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.configErr != nil {
		return c.configErr
	}
	c.relays = append(c.relays, relay)
	return nil
}

func (c *fakeConn) GetStats(ctx context.Context) (domain.RawConnStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statsErr != nil {
		return domain.RawConnStats{}, c.statsErr
	}
	return c.stats, nil
}

func (c *fakeConn) SetVideoTargetBitrate(kbps float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bitrateTargets = append(c.bitrateTargets, kbps)
	return nil
}

func (c *fakeConn) AttachLocalMedia(media ports.LocalMedia) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached++
	return nil
}

func (c *fakeConn) DetachLocalTracks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached++
}

func (c *fakeConn) OnConnectionStateChange(fn func(ports.ConnState)) {
	c.mu.Lock()
	prev := c.onState
	chained := fn
	if prev != nil {
		chained = func(s ports.ConnState) {
			prev(s)
			fn(s)
		}
	}
	c.onState = chained
	c.mu.Unlock()
}

func (c *fakeConn) OnCandidate(fn func(ports.Candidate)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnTrack(fn func(domain.TrackEvent)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnNegotiationNeeded(fn func()) {
	c.mu.Lock()
	c.onNegotiation = fn
	c.mu.Unlock()
}

func (c *fakeConn) AudioLevels() ports.AudioLevelSource {
	return c.levels
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fireState invokes the registered state callback as the native layer would.
func (c *fakeConn) fireState(s ports.ConnState) {
	c.mu.Lock()
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// fireTrack invokes the registered track callback as the native layer would.
func (c *fakeConn) fireTrack(ev domain.TrackEvent) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// fireNegotiationNeeded simulates a track topology change on the native side.
func (c *fakeConn) fireNegotiationNeeded() {
	c.mu.Lock()
	fn := c.onNegotiation
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeConn) addedCandidates() []ports.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ports.Candidate, len(c.added))
	copy(out, c.added)
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeFactory hands out pre-built fake connections per call.
type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  int
}

func (f *fakeFactory) NewConnection(cfg ports.NativeConfig) (ports.NativeConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.next >= len(f.conns) {
		conn := newFakeConn()
		f.conns = append(f.conns, conn)
	}
	conn := f.conns[f.next]
	f.next++
	return conn, nil
}

// fakeSignals records sent envelopes and lets tests inject inbound traffic.
type fakeSignals struct {
	mu           sync.Mutex
	localID      domain.PeerID
	connected    bool
	disconnected bool
	sent         []sentSignal
	sendErr      error
	onSignal     []func(domain.SignalEnvelope)
	onPresence   []func(domain.PresenceUpdate)
}

type sentSignal struct {
	To      domain.PeerID
	Type    domain.SignalType
	Payload json.RawMessage
}

func newFakeSignals(localID domain.PeerID) *fakeSignals {
	return &fakeSignals{localID: localID}
}

func (s *fakeSignals) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *fakeSignals) Send(ctx context.Context, to domain.PeerID, t domain.SignalType, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, sentSignal{To: to, Type: t, Payload: payload})
	return nil
}

func (s *fakeSignals) OnSignal(fn func(domain.SignalEnvelope)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSignal = append(s.onSignal, fn)
}

func (s *fakeSignals) OnPresence(fn func(domain.PresenceUpdate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPresence = append(s.onPresence, fn)
}

func (s *fakeSignals) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
	return nil
}

func (s *fakeSignals) LocalID() domain.PeerID {
	return s.localID
}

// inject delivers an inbound envelope to the registered handlers.
func (s *fakeSignals) inject(env domain.SignalEnvelope) {
	s.mu.Lock()
	handlers := make([]func(domain.SignalEnvelope), len(s.onSignal))
	copy(handlers, s.onSignal)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(env)
	}
}

func (s *fakeSignals) injectPresence(upd domain.PresenceUpdate) {
	s.mu.Lock()
	handlers := make([]func(domain.PresenceUpdate), len(s.onPresence))
	copy(handlers, s.onPresence)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(upd)
	}
}

func (s *fakeSignals) sentSignals() []sentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentSignal, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeSignals) sentOfType(t domain.SignalType) []sentSignal {
	var out []sentSignal
	for _, sig := range s.sentSignals() {
		if sig.Type == t {
			out = append(out, sig)
		}
	}
	return out
}

// fakeSelector serves a fixed priority-ordered list without probing.
type fakeSelector struct {
	mu      sync.Mutex
	servers []domain.RelayServer
}

func (s *fakeSelector) SelectOptimalServer(ctx context.Context) (domain.RelayServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.servers) == 0 {
		return domain.RelayServer{}, domain.ErrNoRelayServers
	}
	return s.servers[0], nil
}

func (s *fakeSelector) NextFallback(current domain.RelayServer) (domain.RelayServer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, srv := range s.servers {
		if srv.Equal(current) && i+1 < len(s.servers) {
			return s.servers[i+1], true
		}
	}
	return domain.RelayServer{}, false
}

func (s *fakeSelector) AddServer(srv domain.RelayServer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers = append(s.servers, srv)
}

func (s *fakeSelector) RemoveServer(srv domain.RelayServer) {}

// fakeSampler does nothing; the orchestrator only needs its channel.
type fakeSampler struct {
	mu      sync.Mutex
	started bool
	stopped bool
	reports chan domain.StatsReport
}

func newFakeSampler() *fakeSampler {
	return &fakeSampler{reports: make(chan domain.StatsReport, 8)}
}

func (s *fakeSampler) Start(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
}

func (s *fakeSampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.reports)
}

func (s *fakeSampler) Reports() <-chan domain.StatsReport {
	return s.reports
}

// fakeMedia satisfies ports.LocalMedia.
type fakeMedia struct {
	mu     sync.Mutex
	muted  map[domain.MediaKind]bool
	closed bool
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{muted: make(map[domain.MediaKind]bool)}
}

func (m *fakeMedia) SetMuted(kind domain.MediaKind, muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted[kind] = muted
}

func (m *fakeMedia) Muted(kind domain.MediaKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted[kind]
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type fakeMediaSource struct {
	captureErr error
}

func (s *fakeMediaSource) Capture(ctx context.Context, c ports.MediaConstraints) (ports.LocalMedia, error) {
	if s.captureErr != nil {
		return nil, s.captureErr
	}
	return newFakeMedia(), nil
}

func (s *fakeMediaSource) CaptureScreen(ctx context.Context, o ports.ScreenShareOptions) (ports.LocalMedia, error) {
	if s.captureErr != nil {
		return nil, s.captureErr
	}
	return newFakeMedia(), nil
}

// fakeGain records the applied gain values in order.
type fakeGain struct {
	mu      sync.Mutex
	gain    float64
	history []float64
}

func newFakeGain() *fakeGain {
	return &fakeGain{gain: 1.0}
}

func (g *fakeGain) SetGain(gain float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gain = gain
	g.history = append(g.history, gain)
}

func (g *fakeGain) Gain() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gain
}

// fakeLevelSource feeds a scripted remote level.
type fakeLevelSource struct {
	mu    sync.Mutex
	level float64
	ok    bool
}

func (s *fakeLevelSource) set(level float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
	s.ok = true
}

func (s *fakeLevelSource) Level() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level, s.ok
}
