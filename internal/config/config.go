// Package config provides the configuration schema and loader for the
// voiceloop server.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Configuration defaults, applied for values the file leaves unset.
const (
	DefaultListenAddr      = ":8080"
	DefaultSampleRate      = 16000
	DefaultVADThreshold    = 0.5
	DefaultOnsetFrames     = 3
	DefaultHangoverMs      = 400
	DefaultPreBufferMs     = 500
	DefaultChunkMaxTokens  = 48
	DefaultSTTTimeoutMs    = 5000
	DefaultLLMTimeoutMs    = 10000
	DefaultTurnDeadlineMs  = 30000
	DefaultMaxHistoryTurns = 16
)

// Config is the root configuration, loaded from YAML via Load.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// LogLevel controls verbosity.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// LogFormat selects json (default) or console output.
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=json console"`
}

// ProvidersConfig selects a registered plugin per pipeline stage.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry names one provider plugin and its settings. Options are
// passed through to the plugin factory untouched.
type ProviderEntry struct {
	Name    string         `yaml:"name" validate:"required"`
	APIKey  string         `yaml:"api_key"`
	Model   string         `yaml:"model"`
	Voice   string         `yaml:"voice"`
	Options map[string]any `yaml:"options"`
}

// FactoryConfig merges the standard fields and options into the map shape
// plugin factories consume.
func (p ProviderEntry) FactoryConfig() map[string]any {
	cfg := make(map[string]any, len(p.Options)+3)
	for k, v := range p.Options {
		cfg[k] = v
	}
	if p.APIKey != "" {
		cfg["api_key"] = p.APIKey
	}
	if p.Model != "" {
		cfg["model"] = p.Model
	}
	if p.Voice != "" {
		cfg["voice"] = p.Voice
	}
	return cfg
}

// PipelineConfig tunes the per-session conversation pipeline.
type PipelineConfig struct {
	// SampleRate is the expected inbound audio rate in Hz.
	SampleRate int `yaml:"sample_rate" validate:"omitempty,oneof=8000 16000 24000 48000"`

	// VADThreshold is the speech probability cutoff.
	VADThreshold float32 `yaml:"vad_threshold" validate:"omitempty,gt=0,lt=1"`

	// OnsetFrames is the consecutive-frame debounce before a speech onset.
	OnsetFrames int `yaml:"onset_frames" validate:"omitempty,min=1,max=25"`

	// HangoverMs is the silence needed to confirm end-of-speech.
	HangoverMs int `yaml:"hangover_ms" validate:"omitempty,min=40,max=5000"`

	// PreBufferMs is the amount of audio retained before a confirmed onset.
	PreBufferMs int `yaml:"pre_buffer_ms" validate:"omitempty,min=0,max=5000"`

	// ChunkMaxTokens forces a synthesis flush when a response runs on
	// without a sentence boundary.
	ChunkMaxTokens int `yaml:"chunk_max_tokens" validate:"omitempty,min=4,max=512"`

	// TokenizerPath optionally points at a tokenizer.json for exact token
	// counting; word counting is used when empty.
	TokenizerPath string `yaml:"tokenizer_path"`

	// SystemPrompt is prepended to every model request.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxHistoryTurns caps the conversation history replayed to the model.
	MaxHistoryTurns int `yaml:"max_history_turns" validate:"omitempty,min=1,max=128"`

	// Stage timeouts and the whole-turn deadline.
	STTTimeoutMs   int `yaml:"stt_timeout_ms" validate:"omitempty,min=100"`
	LLMTimeoutMs   int `yaml:"llm_timeout_ms" validate:"omitempty,min=100"`
	TurnDeadlineMs int `yaml:"turn_deadline_ms" validate:"omitempty,min=1000"`
}

// Hangover returns the end-of-speech hangover as a duration.
func (p PipelineConfig) Hangover() time.Duration {
	return time.Duration(p.HangoverMs) * time.Millisecond
}

// PreBuffer returns the pre-speech buffer capacity as a duration.
func (p PipelineConfig) PreBuffer() time.Duration {
	return time.Duration(p.PreBufferMs) * time.Millisecond
}

// STTTimeout returns the final-transcript timeout as a duration.
func (p PipelineConfig) STTTimeout() time.Duration {
	return time.Duration(p.STTTimeoutMs) * time.Millisecond
}

// LLMTimeout returns the inter-delta timeout as a duration.
func (p PipelineConfig) LLMTimeout() time.Duration {
	return time.Duration(p.LLMTimeoutMs) * time.Millisecond
}

// TurnDeadline returns the whole-turn deadline as a duration.
func (p PipelineConfig) TurnDeadline() time.Duration {
	return time.Duration(p.TurnDeadlineMs) * time.Millisecond
}

// TelemetryConfig controls the metrics endpoint.
type TelemetryConfig struct {
	// Enabled turns the /metrics endpoint on.
	Enabled bool `yaml:"enabled"`

	// ServiceName overrides the reported service name.
	ServiceName string `yaml:"service_name"`
}

// Default returns a configuration with all defaults applied and the fake
// providers selected, suitable for running without credentials.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: DefaultListenAddr,
			LogLevel:   "info",
			LogFormat:  "json",
		},
		Providers: ProvidersConfig{
			STT: ProviderEntry{Name: "fake"},
			LLM: ProviderEntry{Name: "fake"},
			TTS: ProviderEntry{Name: "fake"},
			VAD: ProviderEntry{Name: "energy"},
		},
		Pipeline: PipelineConfig{
			SampleRate:      DefaultSampleRate,
			VADThreshold:    DefaultVADThreshold,
			OnsetFrames:     DefaultOnsetFrames,
			HangoverMs:      DefaultHangoverMs,
			PreBufferMs:     DefaultPreBufferMs,
			ChunkMaxTokens:  DefaultChunkMaxTokens,
			MaxHistoryTurns: DefaultMaxHistoryTurns,
			STTTimeoutMs:    DefaultSTTTimeoutMs,
			LLMTimeoutMs:    DefaultLLMTimeoutMs,
			TurnDeadlineMs:  DefaultTurnDeadlineMs,
		},
		Telemetry: TelemetryConfig{Enabled: true},
	}
}

// Load reads and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r on top of the defaults and validates
// the result. Unknown fields are an error.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			// Empty file: pure defaults.
			return cfg, nil
		}
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg against the schema's constraints.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}
