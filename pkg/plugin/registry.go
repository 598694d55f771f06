// Package plugin provides a registry for the AI providers a session can be
// assembled from (STT, LLM, TTS, VAD). Provider packages register factories
// from init(), so importing a plugin package is all it takes to make a
// provider selectable by name.
package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Provider kinds.
const (
	KindSTT = "stt"
	KindLLM = "llm"
	KindTTS = "tts"
	KindVAD = "vad"
)

// Factory creates a provider instance from configuration. The returned value
// is cast by the caller to the matching provider interface (stt.STT,
// llm.LLM, tts.TTS, or vad.Scorer).
type Factory func(cfg map[string]any) (any, error)

// Plugin is one registered provider with its metadata.
type Plugin struct {
	Kind        string
	Name        string
	Factory     Factory
	Description string
	Config      map[string]any // configuration hints shown by the CLI
}

// Registry manages plugin registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]map[string]*Plugin // [kind][name]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]map[string]*Plugin)}
}

var globalRegistry = NewRegistry()

// Register adds a plugin to the global registry. Called from init() in
// provider packages; panics on duplicate registration.
func Register(p *Plugin) {
	globalRegistry.Register(p)
}

// Get retrieves a factory from the global registry.
func Get(kind, name string) (Factory, bool) {
	return globalRegistry.Get(kind, name)
}

// List returns all globally registered plugins of a kind, or all plugins
// when kind is empty.
func List(kind string) []*Plugin {
	return globalRegistry.List(kind)
}

// Register adds a plugin to this registry. Panics on invalid or duplicate
// registration, which only happens from init() during startup.
func (r *Registry) Register(p *Plugin) {
	if p.Kind == "" {
		panic("plugin kind cannot be empty")
	}
	if p.Name == "" {
		panic("plugin name cannot be empty")
	}
	if p.Factory == nil {
		panic("plugin factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.plugins[p.Kind] == nil {
		r.plugins[p.Kind] = make(map[string]*Plugin)
	}
	if _, exists := r.plugins[p.Kind][p.Name]; exists {
		panic(fmt.Sprintf("plugin %s/%s already registered", p.Kind, p.Name))
	}
	r.plugins[p.Kind][p.Name] = p
}

// Get retrieves a plugin factory by kind and name.
func (r *Registry) Get(kind, name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plugins[kind][name]
	if !ok {
		return nil, false
	}
	return p.Factory, true
}

// List returns registered plugins sorted by kind then name. An empty kind
// returns everything.
func (r *Registry) List(kind string) []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Plugin
	for k, kindMap := range r.plugins {
		if kind != "" && k != kind {
			continue
		}
		for _, p := range kindMap {
			out = append(out, p)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Kinds returns all kinds with at least one registration, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.plugins))
	for k := range r.plugins {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Clear removes all plugins. For tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = make(map[string]map[string]*Plugin)
}
