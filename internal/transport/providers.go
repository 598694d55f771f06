package transport

import (
	"fmt"

	"github.com/voiceloop/voiceloop/internal/config"
	"github.com/voiceloop/voiceloop/pkg/ai/llm"
	"github.com/voiceloop/voiceloop/pkg/ai/stt"
	"github.com/voiceloop/voiceloop/pkg/ai/tts"
	"github.com/voiceloop/voiceloop/pkg/ai/vad"
	"github.com/voiceloop/voiceloop/pkg/plugin"
)

// Providers bundles the pipeline providers a session needs. STT, LLM, and
// TTS are stream factories and safe to share across sessions; VAD scorers
// carry per-stream state, so NewScorer hands every session its own instance.
type Providers struct {
	STT stt.STT
	LLM llm.LLM
	TTS tts.TTS

	NewScorer func() (vad.Scorer, error)
}

// BuildProviders resolves the configured provider names against the plugin
// registry and instantiates each one.
func BuildProviders(cfg config.ProvidersConfig) (Providers, error) {
	var p Providers

	v, err := build(plugin.KindSTT, cfg.STT)
	if err != nil {
		return p, err
	}
	s, ok := v.(stt.STT)
	if !ok {
		return p, fmt.Errorf("plugin %s/%s does not implement stt.STT", plugin.KindSTT, cfg.STT.Name)
	}
	p.STT = s

	v, err = build(plugin.KindLLM, cfg.LLM)
	if err != nil {
		return p, err
	}
	l, ok := v.(llm.LLM)
	if !ok {
		return p, fmt.Errorf("plugin %s/%s does not implement llm.LLM", plugin.KindLLM, cfg.LLM.Name)
	}
	p.LLM = l

	v, err = build(plugin.KindTTS, cfg.TTS)
	if err != nil {
		return p, err
	}
	t, ok := v.(tts.TTS)
	if !ok {
		return p, fmt.Errorf("plugin %s/%s does not implement tts.TTS", plugin.KindTTS, cfg.TTS.Name)
	}
	p.TTS = t

	vadEntry := cfg.VAD
	p.NewScorer = func() (vad.Scorer, error) {
		v, err := build(plugin.KindVAD, vadEntry)
		if err != nil {
			return nil, err
		}
		sc, ok := v.(vad.Scorer)
		if !ok {
			return nil, fmt.Errorf("plugin %s/%s does not implement vad.Scorer", plugin.KindVAD, vadEntry.Name)
		}
		return sc, nil
	}
	// Build one scorer up front so a bad VAD configuration fails at startup
	// rather than on the first connection.
	sc, err := p.NewScorer()
	if err != nil {
		return p, err
	}
	if c, ok := sc.(interface{ Close() error }); ok {
		c.Close()
	}

	return p, nil
}

func build(kind string, entry config.ProviderEntry) (any, error) {
	factory, ok := plugin.Get(kind, entry.Name)
	if !ok {
		return nil, fmt.Errorf("no %s provider named %q is registered", kind, entry.Name)
	}
	v, err := factory(entry.FactoryConfig())
	if err != nil {
		return nil, fmt.Errorf("creating %s/%s: %w", kind, entry.Name, err)
	}
	return v, nil
}
