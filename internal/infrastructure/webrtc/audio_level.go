package webrtc

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// audioLevelURI is the RFC 6464 client-to-mixer audio level extension.
const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// levelWindow is how long a sample stays representative before Level reports
// not-ok again.
const levelWindow = 500 * time.Millisecond

// levelMeter tracks remote audio energy from the RTP audio-level header
// extension, averaged over the most recent packets.
type levelMeter struct {
	mu       sync.Mutex
	ewma     float64
	lastSeen time.Time
	primed   bool
}

func newLevelMeter() *levelMeter {
	return &levelMeter{}
}

// Level returns the smoothed remote level normalized to [0, 1]. ok is false
// before the first sample and after the signal went stale.
func (m *levelMeter) Level() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.primed || time.Since(m.lastSeen) > levelWindow {
		return 0, false
	}
	return m.ewma, true
}

// consume reads the remote audio track and folds each packet's level into the
// running average. Returns when the track ends.
func (m *levelMeter) consume(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
	extID := audioLevelExtensionID(recv.GetParameters())

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if extID == 0 {
			continue
		}

		payload := pkt.GetExtension(extID)
		if len(payload) == 0 {
			continue
		}

		var ext rtp.AudioLevelExtension
		if err := ext.Unmarshal(payload); err != nil {
			continue
		}
		m.observe(ext.Level)
	}
}

// audioLevelExtensionID returns the id negotiated for the audio-level
// extension, 0 when the remote side did not negotiate it.
func audioLevelExtensionID(params webrtc.RTPParameters) uint8 {
	for _, ext := range params.HeaderExtensions {
		if ext.URI == audioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}

// observe folds one dBov reading (0 loudest, 127 silence) into the EWMA as a
// linear amplitude.
func (m *levelMeter) observe(dBov uint8) {
	linear := math.Pow(10, -float64(dBov)/20)

	m.mu.Lock()
	defer m.mu.Unlock()

	const alpha = 0.3
	if !m.primed {
		m.ewma = linear
		m.primed = true
	} else {
		m.ewma = alpha*linear + (1-alpha)*m.ewma
	}
	m.lastSeen = time.Now()
}

// OutputGain is the local playout gain stage. The playout pipeline polls it
// per buffer, the same way the capture pipeline polls the encoder target.
type OutputGain struct {
	bits atomic.Uint64
}

func NewOutputGain() *OutputGain {
	g := &OutputGain{}
	g.bits.Store(math.Float64bits(1.0))
	return g
}

func (g *OutputGain) SetGain(gain float64) {
	g.bits.Store(math.Float64bits(gain))
}

func (g *OutputGain) Gain() float64 {
	return math.Float64frombits(g.bits.Load())
}
