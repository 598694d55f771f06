// Package fake registers the in-memory fake providers with the plugin
// registry, so a full pipeline can be assembled without any credentials.
// Used by the demo command and integration tests.
package fake

import (
	llmfake "github.com/voiceloop/voiceloop/pkg/ai/llm/fake"
	sttfake "github.com/voiceloop/voiceloop/pkg/ai/stt/fake"
	ttsfake "github.com/voiceloop/voiceloop/pkg/ai/tts/fake"
	"github.com/voiceloop/voiceloop/pkg/plugin"
)

func init() {
	plugin.Register(&plugin.Plugin{
		Kind:        plugin.KindSTT,
		Name:        "fake",
		Description: "Canned transcript STT",
		Factory: func(cfg map[string]any) (any, error) {
			transcript, _ := cfg["transcript"].(string)
			return sttfake.NewFakeSTT(transcript), nil
		},
		Config: map[string]any{"transcript": "transcript to replay"},
	})

	plugin.Register(&plugin.Plugin{
		Kind:        plugin.KindLLM,
		Name:        "fake",
		Description: "Canned response LLM",
		Factory: func(cfg map[string]any) (any, error) {
			if response, ok := cfg["response"].(string); ok && response != "" {
				return llmfake.NewFakeLLM(response), nil
			}
			return llmfake.NewFakeLLM(), nil
		},
		Config: map[string]any{"response": "response to replay"},
	})

	plugin.Register(&plugin.Plugin{
		Kind:        plugin.KindTTS,
		Name:        "fake",
		Description: "Sine tone TTS",
		Factory: func(cfg map[string]any) (any, error) {
			return ttsfake.NewFakeTTS(), nil
		},
	})
}
