package services

import (
	"sync"
	"time"

	"callmesh/internal/core/ports"

	"go.uber.org/zap"
)

// AudioGateConfig tunes automatic ducking.
type AudioGateConfig struct {
	// Threshold is the remote energy level above which local output ducks.
	Threshold float64
	// DuckLevel is the gain applied while ducked.
	DuckLevel float64
	// Interval between automatic evaluations.
	Interval time.Duration
}

// DefaultAudioGateConfig matches the documented defaults.
func DefaultAudioGateConfig() AudioGateConfig {
	return AudioGateConfig{
		Threshold: 0.25,
		DuckLevel: 0.3,
		Interval:  100 * time.Millisecond,
	}
}

// AudioLevelGate attenuates local audio output automatically when the remote
// side is loud, or on manual command. It has no signaling dependency.
type AudioLevelGate struct {
	cfg    AudioGateConfig
	gain   ports.GainControl
	source ports.AudioLevelSource // nil disables automatic ducking
	logger *zap.SugaredLogger

	mu       sync.Mutex
	running  bool
	ducked   bool
	stop     chan struct{}
	cleanups []func()

	wg sync.WaitGroup
}

// NewAudioLevelGate routes local audio through gain. A nil source leaves only
// manual control active.
func NewAudioLevelGate(gain ports.GainControl, source ports.AudioLevelSource, cfg AudioGateConfig, logger *zap.SugaredLogger) *AudioLevelGate {
	return &AudioLevelGate{
		cfg:    cfg,
		gain:   gain,
		source: source,
		logger: logger,
	}
}

// AddCleanup registers a teardown step. Cleanup runs them in reverse
// registration order, mirroring audio graph construction.
func (g *AudioLevelGate) AddCleanup(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanups = append(g.cleanups, fn)
}

// Start begins automatic monitoring when a remote source is present.
func (g *AudioLevelGate) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running || g.source == nil {
		return
	}
	g.running = true
	g.stop = make(chan struct{})

	g.wg.Add(1)
	go g.monitorLoop()
}

func (g *AudioLevelGate) monitorLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.evaluate()
		}
	}
}

// evaluate applies the auto-duck rule. Automatic evaluation supersedes any
// manual override in effect.
func (g *AudioLevelGate) evaluate() {
	level, ok := g.source.Level()
	if !ok {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if level > g.cfg.Threshold {
		if !g.ducked {
			g.ducked = true
			g.gain.SetGain(g.cfg.DuckLevel)
			g.logger.Debugw("ducking local audio", "remote_level", level)
		}
	} else if g.ducked {
		g.ducked = false
		g.gain.SetGain(1.0)
		g.logger.Debugw("restoring local audio", "remote_level", level)
	}
}

// ManualDuck immediately sets the gain to level, clamped to [0, 1]. The
// override holds until Restore or the next automatic evaluation.
func (g *AudioLevelGate) ManualDuck(level float64) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.ducked = true
	g.gain.SetGain(level)
}

// Restore immediately returns the gain to unity.
func (g *AudioLevelGate) Restore() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ducked = false
	g.gain.SetGain(1.0)
}

// Ducked reports whether the gate currently attenuates output.
func (g *AudioLevelGate) Ducked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ducked
}

// Cleanup stops monitoring and tears down registered nodes in reverse
// construction order. Safe to call multiple times.
func (g *AudioLevelGate) Cleanup() {
	g.mu.Lock()
	if g.running {
		g.running = false
		close(g.stop)
	}
	cleanups := g.cleanups
	g.cleanups = nil
	g.mu.Unlock()

	g.wg.Wait()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}
