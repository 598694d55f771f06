//go:build silero

package silero

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/voiceloop/voiceloop/pkg/plugin"
	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// stateSize is the size of the Silero v5 recurrent state tensor (2x1x128).
const stateSize = 2 * 1 * 128

var (
	ortOnce    sync.Once
	ortInitErr error
)

// ensureOrtEnv initializes the ONNX Runtime environment once per process.
func ensureOrtEnv() error {
	ortOnce.Do(func() {
		if libPath := os.Getenv("ONNXRUNTIME_LIB"); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		} else if runtime.GOOS == "darwin" {
			ort.SetSharedLibraryPath("/opt/homebrew/lib/libonnxruntime.dylib")
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// Scorer runs the Silero VAD ONNX model on one audio frame at a time,
// carrying the recurrent state between calls. It implements vad.Scorer.
// Safe for use by one session; the internal lock only serializes Score
// against Close.
type Scorer struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	state   []float32
	closed  bool
}

// NewScorer loads the Silero model from cfg.ModelPath.
func NewScorer(cfg Config) (*Scorer, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("silero model path is required")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("silero model not found: %s", cfg.ModelPath)
	}
	if err := ensureOrtEnv(); err != nil {
		return nil, fmt.Errorf("initializing onnxruntime: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("creating silero session: %w", err)
	}

	return &Scorer{
		session: session,
		state:   make([]float32, stateSize),
	}, nil
}

// Score returns the model's speech probability for the frame. Inference
// failures score as silence and are logged; the gate's debounce absorbs the
// occasional miss.
func (s *Scorer) Score(frame rtc.AudioFrame) float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}

	samples := pcmToFloat32(frame.Data)

	input, err := ort.NewTensor(ort.NewShape(1, int64(len(samples))), samples)
	if err != nil {
		slog.Warn("silero: creating input tensor failed", "error", err)
		return 0
	}
	defer input.Destroy()

	state, err := ort.NewTensor(ort.NewShape(2, 1, 128), s.state)
	if err != nil {
		slog.Warn("silero: creating state tensor failed", "error", err)
		return 0
	}
	defer state.Destroy()

	sr, err := ort.NewTensor(ort.NewShape(1), []int64{int64(frame.SampleRate)})
	if err != nil {
		slog.Warn("silero: creating sr tensor failed", "error", err)
		return 0
	}
	defer sr.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		slog.Warn("silero: creating output tensor failed", "error", err)
		return 0
	}
	defer output.Destroy()

	stateOut, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
	if err != nil {
		slog.Warn("silero: creating state output tensor failed", "error", err)
		return 0
	}
	defer stateOut.Destroy()

	if err := s.session.Run(
		[]ort.Value{input, state, sr},
		[]ort.Value{output, stateOut},
	); err != nil {
		slog.Warn("silero: inference failed", "error", err)
		return 0
	}

	copy(s.state, stateOut.GetData())
	return output.GetData()[0]
}

// Reset clears the recurrent state, e.g. between sessions.
func (s *Scorer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state {
		s.state[i] = 0
	}
}

// Close releases the ONNX session.
func (s *Scorer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.session.Destroy()
}

// pcmToFloat32 converts 16-bit little-endian PCM to [-1, 1] float samples.
func pcmToFloat32(data []byte) []float32 {
	samples := make([]float32, len(data)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
	}
	return samples
}

func init() {
	plugin.Register(&plugin.Plugin{
		Kind:        plugin.KindVAD,
		Name:        "silero",
		Description: "Silero VAD ONNX speech scorer",
		Factory: func(cfg map[string]any) (any, error) {
			return NewScorer(configFromMap(cfg))
		},
		Config: map[string]any{
			"model_path": "path to silero_vad.onnx",
			"threshold":  DefaultThreshold,
		},
	})
}
