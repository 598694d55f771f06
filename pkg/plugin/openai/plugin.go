package openai

import (
	"fmt"
	"os"

	"github.com/voiceloop/voiceloop/pkg/plugin"
)

// configFromMap pulls the common OpenAI settings out of a plugin config,
// falling back to the environment for the API key.
func configFromMap(cfg map[string]any) (Config, error) {
	out := Config{}
	if key, ok := cfg["api_key"].(string); ok {
		out.APIKey = key
	}
	if out.APIKey == "" {
		out.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if out.APIKey == "" {
		return Config{}, fmt.Errorf("OpenAI API key is required (set OPENAI_API_KEY or provide api_key)")
	}
	if model, ok := cfg["model"].(string); ok {
		out.Model = model
	}
	if language, ok := cfg["language"].(string); ok {
		out.Language = language
	}
	if voice, ok := cfg["voice"].(string); ok {
		out.Voice = voice
	}
	return out, nil
}

func init() {
	plugin.Register(&plugin.Plugin{
		Kind:        plugin.KindSTT,
		Name:        "openai",
		Description: "OpenAI Whisper transcription",
		Factory: func(cfg map[string]any) (any, error) {
			c, err := configFromMap(cfg)
			if err != nil {
				return nil, err
			}
			return NewWhisperSTT(c)
		},
		Config: map[string]any{
			"api_key":  "OpenAI API key (or set OPENAI_API_KEY)",
			"model":    "whisper-1",
			"language": "language code, empty for auto-detect",
		},
	})

	plugin.Register(&plugin.Plugin{
		Kind:        plugin.KindLLM,
		Name:        "openai",
		Description: "OpenAI streaming chat completions",
		Factory: func(cfg map[string]any) (any, error) {
			c, err := configFromMap(cfg)
			if err != nil {
				return nil, err
			}
			return NewChatLLM(c)
		},
		Config: map[string]any{
			"api_key": "OpenAI API key (or set OPENAI_API_KEY)",
			"model":   "gpt-4o-mini",
		},
	})

	plugin.Register(&plugin.Plugin{
		Kind:        plugin.KindTTS,
		Name:        "openai",
		Description: "OpenAI speech synthesis (24 kHz PCM)",
		Factory: func(cfg map[string]any) (any, error) {
			c, err := configFromMap(cfg)
			if err != nil {
				return nil, err
			}
			return NewSpeechTTS(c)
		},
		Config: map[string]any{
			"api_key": "OpenAI API key (or set OPENAI_API_KEY)",
			"model":   "tts-1",
			"voice":   "alloy",
		},
	})
}
