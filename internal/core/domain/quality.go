package domain

import "fmt"

// QualityPreset bounds the encoder for a named video quality level.
// Bitrates are kbps.
type QualityPreset struct {
	Name         string
	Width        int
	Height       int
	FrameRate    int
	MinBitrate   int
	MaxBitrate   int
	StartBitrate int
}

var presets = map[string]QualityPreset{
	"ultraLow": {Name: "ultraLow", Width: 320, Height: 180, FrameRate: 15, MinBitrate: 100, MaxBitrate: 300, StartBitrate: 150},
	"low":      {Name: "low", Width: 640, Height: 360, FrameRate: 24, MinBitrate: 200, MaxBitrate: 700, StartBitrate: 400},
	"medium":   {Name: "medium", Width: 1280, Height: 720, FrameRate: 30, MinBitrate: 500, MaxBitrate: 2500, StartBitrate: 1200},
	"high":     {Name: "high", Width: 1920, Height: 1080, FrameRate: 30, MinBitrate: 1000, MaxBitrate: 5000, StartBitrate: 2500},
	"maxAuto":  {Name: "maxAuto", Width: 1920, Height: 1080, FrameRate: 60, MinBitrate: 1000, MaxBitrate: 10000, StartBitrate: 3000},
}

// PresetByName returns the named preset.
func PresetByName(name string) (QualityPreset, error) {
	p, ok := presets[name]
	if !ok {
		return QualityPreset{}, fmt.Errorf("unknown quality preset %q", name)
	}
	return p, nil
}

// Clamp bounds a target bitrate (kbps) into the preset's [min, max] range.
func (p QualityPreset) Clamp(bitrate float64) float64 {
	if bitrate < float64(p.MinBitrate) {
		return float64(p.MinBitrate)
	}
	if bitrate > float64(p.MaxBitrate) {
		return float64(p.MaxBitrate)
	}
	return bitrate
}

// MediaFeatures are the construction-time encoder toggles.
type MediaFeatures struct {
	ScalableCoding bool
	Simulcast      bool
	DTX            bool
}
