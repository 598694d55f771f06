// Package silero provides the Silero VAD speech scorer backed by ONNX
// Runtime. The ONNX path needs the onnxruntime shared library and is gated
// behind the silero build tag; without it the registration remains but the
// factory reports how to enable it. The package also registers the
// dependency-free energy scorer as the always-available fallback.
package silero

import (
	"github.com/voiceloop/voiceloop/pkg/ai/vad"
	"github.com/voiceloop/voiceloop/pkg/plugin"
)

// DefaultThreshold is the speech probability cutoff recommended for the
// Silero model.
const DefaultThreshold = 0.5

// Config holds the Silero scorer configuration.
type Config struct {
	// ModelPath points at the silero_vad.onnx file.
	ModelPath string

	// Threshold is kept with the scorer so callers can feed it into the
	// gate configuration alongside the scorer itself.
	Threshold float32
}

func configFromMap(cfg map[string]any) Config {
	out := Config{Threshold: DefaultThreshold}
	if path, ok := cfg["model_path"].(string); ok {
		out.ModelPath = path
	}
	if th, ok := cfg["threshold"].(float64); ok && th > 0 {
		out.Threshold = float32(th)
	}
	return out
}

func init() {
	plugin.Register(&plugin.Plugin{
		Kind:        plugin.KindVAD,
		Name:        "energy",
		Description: "RMS energy speech scorer (no model required)",
		Factory: func(cfg map[string]any) (any, error) {
			return vad.NewEnergyScorer(), nil
		},
	})
}
