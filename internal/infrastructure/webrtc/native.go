package webrtc

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Factory builds pion-backed native connections sharing one webrtc.API.
type Factory struct {
	api    *webrtc.API
	logger *zap.SugaredLogger
}

// NewFactory configures the media engine once; every connection reuses it.
func NewFactory(logger *zap.SugaredLogger) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI}, webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, fmt.Errorf("registering audio level extension: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithSettingEngine(settingEngine),
		),
		logger: logger,
	}, nil
}

// NewConnection creates one peer connection configured for the given relay.
func (f *Factory) NewConnection(cfg ports.NativeConfig) (ports.NativeConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         []webrtc.ICEServer{iceServer(cfg.Relay)},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	c := &Conn{
		pc:     pc,
		cfg:    cfg,
		logger: f.logger,
		levels: newLevelMeter(),
	}
	c.targetKbps.Store(math.Float64bits(float64(cfg.Preset.StartBitrate)))

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		c.mu.Lock()
		fn := c.onCandidate
		c.mu.Unlock()
		if fn != nil {
			out := ports.Candidate{Candidate: init.Candidate}
			if init.SDPMid != nil {
				out.SDPMid = *init.SDPMid
			}
			if init.SDPMLineIndex != nil {
				out.SDPMLineIndex = *init.SDPMLineIndex
			}
			fn(out)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.mu.Lock()
		fn := c.onStateChange
		c.mu.Unlock()
		if fn != nil {
			fn(mapConnState(state))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		kind := domain.MediaVideo
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			kind = domain.MediaAudio
			go c.levels.consume(track, recv)
		}
		go c.readSenderReports(recv)

		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(domain.TrackEvent{
				TrackID:  track.ID(),
				Kind:     kind,
				Track:    track,
				StreamID: track.StreamID(),
			})
		}
	})

	pc.OnNegotiationNeeded(func() {
		c.mu.Lock()
		fn := c.onNegotiationNeeded
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})

	return c, nil
}

// iceServer converts a relay entry into pion's ICE server form.
func iceServer(relay domain.RelayServer) webrtc.ICEServer {
	return webrtc.ICEServer{
		URLs:       relay.URLs,
		Username:   relay.Username,
		Credential: relay.Credential,
	}
}

// Conn adapts *webrtc.PeerConnection to the engine's native port.
type Conn struct {
	pc     *webrtc.PeerConnection
	cfg    ports.NativeConfig
	logger *zap.SugaredLogger

	// targetKbps holds math.Float64bits of the encoder target; the local
	// media pipeline polls it between frames.
	targetKbps atomic.Uint64

	levels *levelMeter

	mu                  sync.Mutex
	senders             []*webrtc.RTPSender
	onCandidate         func(ports.Candidate)
	onStateChange       func(ports.ConnState)
	onTrack             func(domain.TrackEvent)
	onNegotiationNeeded func()
	remoteRTT           atomicFloat
}

func mapConnState(s webrtc.PeerConnectionState) ports.ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return ports.ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return ports.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return ports.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ports.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ports.ConnFailed
	default:
		return ports.ConnClosed
	}
}

func (c *Conn) CreateOffer(ctx context.Context, iceRestart bool) (ports.Description, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	desc, err := c.pc.CreateOffer(opts)
	if err != nil {
		return ports.Description{}, fmt.Errorf("creating offer: %w", err)
	}
	return ports.Description{Type: ports.DescriptionOffer, SDP: desc.SDP}, nil
}

func (c *Conn) CreateAnswer(ctx context.Context) (ports.Description, error) {
	desc, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return ports.Description{}, fmt.Errorf("creating answer: %w", err)
	}
	return ports.Description{Type: ports.DescriptionAnswer, SDP: desc.SDP}, nil
}

func (c *Conn) SetLocalDescription(ctx context.Context, desc ports.Description) error {
	return c.pc.SetLocalDescription(toPion(desc))
}

func (c *Conn) SetRemoteDescription(ctx context.Context, desc ports.Description) error {
	return c.pc.SetRemoteDescription(toPion(desc))
}

func toPion(desc ports.Description) webrtc.SessionDescription {
	t := webrtc.SDPTypeOffer
	if desc.Type == ports.DescriptionAnswer {
		t = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}
}

func (c *Conn) AddCandidate(ctx context.Context, cand ports.Candidate) error {
	init := webrtc.ICECandidateInit{Candidate: cand.Candidate}
	if cand.SDPMid != "" {
		mid := cand.SDPMid
		init.SDPMid = &mid
	}
	idx := cand.SDPMLineIndex
	init.SDPMLineIndex = &idx
	return c.pc.AddICECandidate(init)
}

func (c *Conn) SignalingStable() bool {
	return c.pc.SignalingState() == webrtc.SignalingStateStable
}

func (c *Conn) ConnectionState() ports.ConnState {
	return mapConnState(c.pc.ConnectionState())
}

// SetConfiguration swaps the ICE servers for relay failover; the caller
// follows up with an ICE-restart offer.
func (c *Conn) SetConfiguration(relay domain.RelayServer) error {
	return c.pc.SetConfiguration(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{iceServer(relay)},
	})
}

// SetVideoTargetBitrate records the encoder target. TrackLocalStaticRTP
// tracks are application-fed, so the capture pipeline polls the target
// rather than the connection pushing it into an encoder.
func (c *Conn) SetVideoTargetBitrate(kbps float64) error {
	if kbps <= 0 {
		return fmt.Errorf("non-positive bitrate target: %f", kbps)
	}
	c.targetKbps.Store(math.Float64bits(kbps))
	return nil
}

// VideoTargetBitrate returns the current encoder target in kbps.
func (c *Conn) VideoTargetBitrate() float64 {
	return math.Float64frombits(c.targetKbps.Load())
}

// AttachLocalMedia adds the captured tracks to the connection. Only media
// produced by this package's source is accepted.
func (c *Conn) AttachLocalMedia(media ports.LocalMedia) error {
	local, ok := media.(*LocalTracks)
	if !ok {
		return fmt.Errorf("unsupported local media implementation %T", media)
	}

	for _, track := range local.tracks() {
		sender, err := c.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("adding track %s: %w", track.ID(), err)
		}
		go c.readReceiverReports(sender)

		c.mu.Lock()
		c.senders = append(c.senders, sender)
		c.mu.Unlock()
	}
	return nil
}

// DetachLocalTracks removes every previously attached sender.
func (c *Conn) DetachLocalTracks() {
	c.mu.Lock()
	senders := c.senders
	c.senders = nil
	c.mu.Unlock()

	for _, sender := range senders {
		if err := c.pc.RemoveTrack(sender); err != nil {
			c.logger.Debugw("removing track", "error", err)
		}
	}
}

func (c *Conn) OnConnectionStateChange(fn func(ports.ConnState)) {
	c.mu.Lock()
	prev := c.onStateChange
	c.mu.Unlock()

	// Chained so multiple layers (sampler, orchestrator) can observe.
	chained := fn
	if prev != nil {
		chained = func(s ports.ConnState) {
			prev(s)
			fn(s)
		}
	}

	c.mu.Lock()
	c.onStateChange = chained
	c.mu.Unlock()
}

func (c *Conn) OnCandidate(fn func(ports.Candidate)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *Conn) OnTrack(fn func(domain.TrackEvent)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Conn) OnNegotiationNeeded(fn func()) {
	c.mu.Lock()
	c.onNegotiationNeeded = fn
	c.mu.Unlock()
}

// AudioLevels exposes the remote audio energy meter for the level gate.
func (c *Conn) AudioLevels() ports.AudioLevelSource {
	return c.levels
}

func (c *Conn) Close() error {
	return c.pc.Close()
}

// atomicFloat is a float64 usable from RTCP reader goroutines.
type atomicFloat struct {
	bits atomic.Uint64
}

func (a *atomicFloat) Store(v float64) { a.bits.Store(math.Float64bits(v)) }
func (a *atomicFloat) Load() float64   { return math.Float64frombits(a.bits.Load()) }
