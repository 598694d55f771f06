package plugin

import (
	"testing"
)

func newPlugin(kind, name string) *Plugin {
	return &Plugin{
		Kind:    kind,
		Name:    name,
		Factory: func(cfg map[string]any) (any, error) { return name, nil },
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(newPlugin(KindSTT, "whisper"))

	factory, ok := r.Get(KindSTT, "whisper")
	if !ok {
		t.Fatal("expected plugin to be found")
	}
	v, err := factory(nil)
	if err != nil || v != "whisper" {
		t.Errorf("factory returned %v, %v", v, err)
	}

	if _, ok := r.Get(KindSTT, "missing"); ok {
		t.Error("expected missing plugin to not be found")
	}
	if _, ok := r.Get(KindTTS, "whisper"); ok {
		t.Error("expected kind mismatch to not be found")
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(newPlugin(KindLLM, "openai"))

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	r.Register(newPlugin(KindLLM, "openai"))
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(newPlugin(KindTTS, "openai"))
	r.Register(newPlugin(KindSTT, "whisper"))
	r.Register(newPlugin(KindSTT, "fake"))

	all := r.List("")
	if len(all) != 3 {
		t.Fatalf("expected 3 plugins, got %d", len(all))
	}
	if all[0].Name != "fake" || all[1].Name != "whisper" || all[2].Name != "openai" {
		t.Errorf("unexpected order: %s, %s, %s", all[0].Name, all[1].Name, all[2].Name)
	}

	stts := r.List(KindSTT)
	if len(stts) != 2 {
		t.Errorf("expected 2 stt plugins, got %d", len(stts))
	}

	kinds := r.Kinds()
	if len(kinds) != 2 || kinds[0] != KindSTT || kinds[1] != KindTTS {
		t.Errorf("unexpected kinds: %v", kinds)
	}
}

func TestRegistry_Clear(t *testing.T) {
	r := NewRegistry()
	r.Register(newPlugin(KindVAD, "energy"))
	r.Clear()

	if got := len(r.List("")); got != 0 {
		t.Errorf("expected empty registry after clear, got %d", got)
	}
}
