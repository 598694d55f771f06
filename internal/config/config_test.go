package config

import (
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestLoadFromReader_Defaults(t *testing.T) {
	is := is.New(t)

	cfg, err := LoadFromReader(strings.NewReader(""))
	is.NoErr(err)
	is.Equal(cfg.Server.ListenAddr, DefaultListenAddr)
	is.Equal(cfg.Server.LogLevel, "info")
	is.Equal(cfg.Providers.STT.Name, "fake")
	is.Equal(cfg.Providers.VAD.Name, "energy")
	is.Equal(cfg.Pipeline.VADThreshold, float32(DefaultVADThreshold))
	is.Equal(cfg.Pipeline.Hangover(), 400*time.Millisecond)
	is.Equal(cfg.Pipeline.TurnDeadline(), 30*time.Second)
}

func TestLoadFromReader_Overrides(t *testing.T) {
	is := is.New(t)

	cfg, err := LoadFromReader(strings.NewReader(`
server:
  listen_addr: ":9090"
  log_level: debug
  log_format: console
providers:
  stt:
    name: openai
    api_key: sk-test
    model: whisper-1
  vad:
    name: silero
    options:
      model_path: /models/silero_vad.onnx
pipeline:
  vad_threshold: 0.7
  onset_frames: 5
  hangover_ms: 600
  system_prompt: "Be brief."
`))
	is.NoErr(err)
	is.Equal(cfg.Server.ListenAddr, ":9090")
	is.Equal(cfg.Server.LogLevel, "debug")
	is.Equal(cfg.Providers.STT.Name, "openai")
	is.Equal(cfg.Providers.STT.Model, "whisper-1")
	is.Equal(cfg.Providers.VAD.Options["model_path"], "/models/silero_vad.onnx")
	is.Equal(cfg.Pipeline.VADThreshold, float32(0.7))
	is.Equal(cfg.Pipeline.OnsetFrames, 5)
	is.Equal(cfg.Pipeline.Hangover(), 600*time.Millisecond)
	is.Equal(cfg.Pipeline.SystemPrompt, "Be brief.")

	// Untouched sections keep their defaults.
	is.Equal(cfg.Providers.LLM.Name, "fake")
	is.Equal(cfg.Pipeline.TurnDeadlineMs, DefaultTurnDeadlineMs)
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	is := is.New(t)

	_, err := LoadFromReader(strings.NewReader(`
server:
  listen_adr: ":9090"
`))
	is.True(err != nil)
}

func TestLoadFromReader_InvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad log level", "server:\n  log_level: verbose\n"},
		{"threshold out of range", "pipeline:\n  vad_threshold: 1.5\n"},
		{"sample rate unsupported", "pipeline:\n  sample_rate: 44100\n"},
		{"missing provider name", "providers:\n  llm:\n    name: \"\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			is := is.New(t)
			_, err := LoadFromReader(strings.NewReader(tc.yaml))
			is.True(err != nil)
		})
	}
}

func TestProviderEntry_FactoryConfig(t *testing.T) {
	is := is.New(t)

	entry := ProviderEntry{
		Name:   "openai",
		APIKey: "sk-test",
		Model:  "tts-1",
		Voice:  "alloy",
		Options: map[string]any{
			"speed": 1.2,
		},
	}
	cfg := entry.FactoryConfig()
	is.Equal(cfg["api_key"], "sk-test")
	is.Equal(cfg["model"], "tts-1")
	is.Equal(cfg["voice"], "alloy")
	is.Equal(cfg["speed"], 1.2)
}

func TestLoad_MissingFile(t *testing.T) {
	is := is.New(t)
	_, err := Load("/nonexistent/voiceloop.yaml")
	is.True(err != nil)
}
