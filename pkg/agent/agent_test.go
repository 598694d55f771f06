package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voiceloop/voiceloop/pkg/ai"
	"github.com/voiceloop/voiceloop/pkg/ai/llm"
	llmfake "github.com/voiceloop/voiceloop/pkg/ai/llm/fake"
	"github.com/voiceloop/voiceloop/pkg/ai/stt"
	sttfake "github.com/voiceloop/voiceloop/pkg/ai/stt/fake"
	ttsfake "github.com/voiceloop/voiceloop/pkg/ai/tts/fake"
	vadfake "github.com/voiceloop/voiceloop/pkg/ai/vad/fake"
	"github.com/voiceloop/voiceloop/pkg/rtc"
	"github.com/voiceloop/voiceloop/pkg/voice"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testGate keeps edge timing short so tests run fast: 3-frame onset, 100 ms
// hangover (5 silent frames at 20 ms).
func testGate() voice.GateConfig {
	return voice.GateConfig{Threshold: 0.5, OnsetFrames: 3, Hangover: 100 * time.Millisecond}
}

func frame(seq uint64) rtc.AudioFrame {
	return rtc.AudioFrame{
		Seq:               seq,
		Data:              make([]byte, 640),
		SampleRate:        16000,
		SamplesPerChannel: 320,
		NumChannels:       1,
	}
}

// eventSink collects the agent's outbound stream so tests can assert over
// the full ordered history.
type eventSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *eventSink) collect(ch <-chan Event) {
	for ev := range ch {
		s.mu.Lock()
		s.events = append(s.events, ev)
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *eventSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *eventSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func waitFor(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func startAgent(t *testing.T, cfg Config) (*Agent, *eventSink) {
	t.Helper()
	cfg.Logger = quietLogger()
	if cfg.Gate == (voice.GateConfig{}) {
		cfg.Gate = testGate()
	}
	a, err := NewAgent(cfg)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	sink := &eventSink{}
	go sink.collect(a.Events())
	go a.Start(context.Background())
	t.Cleanup(func() { a.Close() })
	return a, sink
}

// ingest feeds frames with ascending sequence numbers starting at seq.
func ingest(t *testing.T, a *Agent, seq uint64, n int) uint64 {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := a.Ingest(frame(seq)); err != nil {
			t.Fatalf("Ingest(%d): %v", seq, err)
		}
		seq++
	}
	return seq
}

func hasEvent(events []Event, match func(Event) bool) bool {
	for _, ev := range events {
		if match(ev) {
			return true
		}
	}
	return false
}

func stateSequence(events []Event) []State {
	var out []State
	for _, ev := range events {
		if ev.Type == EventStateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

func turnComplete(seq uint64) func([]Event) bool {
	return func(events []Event) bool {
		for _, ev := range events {
			if ev.Type == EventStateChanged && ev.State == StateIdle && ev.PrevState == StateSpeaking && ev.TurnSeq == seq {
				return true
			}
		}
		return false
	}
}

// script builds a scorer script: nVoiced speech frames then nSilent silence
// frames, repeated per segment.
func script(segments ...int) []float32 {
	var out []float32
	voiced := true
	for _, n := range segments {
		p := float32(0.1)
		if voiced {
			p = 0.9
		}
		for i := 0; i < n; i++ {
			out = append(out, p)
		}
		voiced = !voiced
	}
	return out
}

func TestAgent_SingleTurnOrdering(t *testing.T) {
	a, sink := startAgent(t, Config{
		STT:    sttfake.NewFakeSTT("what is the weather"),
		LLM:    llmfake.NewFakeLLM("It is sunny today. Bring sunglasses."),
		TTS:    ttsfake.NewFakeTTS(),
		Scorer: vadfake.NewScriptedScorer(script(5, 6)...),
	})

	// 5 voiced frames (onset on the 3rd), then 6 silent (hangover at 5).
	ingest(t, a, 0, 11)

	waitFor(t, 2*time.Second, "turn completion", func() bool {
		return turnComplete(1)(sink.snapshot())
	})
	events := sink.snapshot()

	wantStates := []State{StateListening, StateFinalizingSpeech, StateThinking, StateSpeaking, StateIdle}
	got := stateSequence(events)
	if len(got) != len(wantStates) {
		t.Fatalf("expected states %v, got %v", wantStates, got)
	}
	for i := range wantStates {
		if got[i] != wantStates[i] {
			t.Fatalf("state %d: expected %v, got %v", i, wantStates[i], got[i])
		}
	}

	// Final transcript precedes all response text, and the first audio chunk
	// can only follow the text that produced it.
	finalAt, firstResp, firstAudio := -1, -1, -1
	for i, ev := range events {
		switch {
		case ev.Type == EventTranscript && ev.Final:
			finalAt = i
		case ev.Type == EventResponse:
			if firstResp < 0 {
				firstResp = i
			}
		case ev.Type == EventAudio:
			if firstAudio < 0 {
				firstAudio = i
			}
		}
	}
	if finalAt < 0 || firstResp < 0 || firstAudio < 0 {
		t.Fatalf("missing events: final=%d response=%d audio=%d", finalAt, firstResp, firstAudio)
	}
	if !(finalAt < firstResp && firstResp < firstAudio) {
		t.Errorf("expected final < first response < first audio, got final=%d firstResp=%d firstAudio=%d",
			finalAt, firstResp, firstAudio)
	}

	// Response deltas reassemble the full response.
	var resp strings.Builder
	for _, ev := range events {
		if ev.Type == EventResponse {
			resp.WriteString(ev.Text)
		}
	}
	if resp.String() != "It is sunny today. Bring sunglasses." {
		t.Errorf("unexpected reassembled response: %q", resp.String())
	}
}

func TestAgent_BargeInSupersedesTurn(t *testing.T) {
	long := "Let me think about that for a moment. " + strings.Repeat("There is a lot more to say about this topic. ", 5)
	fakeLLM := llmfake.NewFakeLLM(long, "Second answer done.")
	fakeLLM.TokenDelay = 20 * time.Millisecond

	a, sink := startAgent(t, Config{
		STT:    sttfake.NewFakeSTT("interrupt me"),
		LLM:    fakeLLM,
		TTS:    ttsfake.NewFakeTTS(),
		Scorer: vadfake.NewScriptedScorer(script(5, 6, 4, 6)...),
	})

	seq := ingest(t, a, 0, 11)
	waitFor(t, 2*time.Second, "first turn speaking", func() bool {
		return a.State() == StateSpeaking
	})

	// Barge in: 4 voiced frames confirm a new onset mid-playback, then
	// silence ends the second utterance.
	seq = ingest(t, a, seq, 4)
	waitFor(t, time.Second, "barge-in listening", func() bool {
		return a.State() == StateListening
	})
	ingest(t, a, seq, 6)

	waitFor(t, 2*time.Second, "second turn completion", func() bool {
		return turnComplete(2)(sink.snapshot())
	})
	events := sink.snapshot()

	// Find the barge-in transition: listening entered directly from speaking.
	bargeAt := -1
	for i, ev := range events {
		if ev.Type == EventStateChanged && ev.State == StateListening && ev.PrevState == StateSpeaking {
			bargeAt = i
			break
		}
	}
	if bargeAt < 0 {
		t.Fatalf("no speaking->listening transition found; states: %v", stateSequence(events))
	}

	// Nothing from the superseded turn leaks past the barge-in.
	for _, ev := range events[bargeAt:] {
		if ev.TurnSeq == 1 && ev.Type != EventStateChanged {
			t.Errorf("turn 1 event leaked after barge-in: %+v", ev)
		}
	}

	if !hasEvent(events[bargeAt:], func(ev Event) bool {
		return ev.Type == EventAudio && ev.TurnSeq == 2
	}) {
		t.Errorf("expected audio from the superseding turn")
	}
}

// captureSTT records every frame sequence number pushed to each of its
// streams. The first stream can be made to fail at finalization so the
// retry path can be observed replaying the turn's audio.
type captureSTT struct {
	transcript string
	failFirst  bool

	mu      sync.Mutex
	streams []*captureStream
}

func (p *captureSTT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &captureStream{
		transcript: p.transcript,
		fail:       p.failFirst && len(p.streams) == 0,
		events:     make(chan stt.SpeechEvent, 4),
	}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *captureSTT) Capabilities() stt.Capabilities {
	return stt.Capabilities{Streaming: true}
}

func (p *captureSTT) stream(i int) *captureStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.streams) {
		return nil
	}
	return p.streams[i]
}

func (p *captureSTT) streamCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

type captureStream struct {
	transcript string
	fail       bool

	mu     sync.Mutex
	seqs   []uint64
	closed bool
	events chan stt.SpeechEvent
}

func (s *captureStream) Push(f rtc.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream is closed")
	}
	s.seqs = append(s.seqs, f.Seq)
	return nil
}

func (s *captureStream) Events() <-chan stt.SpeechEvent {
	return s.events
}

func (s *captureStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.fail {
		s.events <- stt.SpeechEvent{Type: stt.SpeechEventError, Err: ai.NewStreamError(nil, "connection reset")}
	} else {
		s.events <- stt.SpeechEvent{Type: stt.SpeechEventFinal, Text: s.transcript, IsFinal: true}
	}
	close(s.events)
	return nil
}

func (s *captureStream) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

func (s *captureStream) pushed() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.seqs...)
}

func TestAgent_PreSpeechBufferPrepended(t *testing.T) {
	capture := &captureSTT{transcript: "hello"}

	// 30 silent frames fill the pre-speech buffer past its 25-frame bound,
	// then speech starts.
	probs := script(0, 30, 8, 6)
	a, sink := startAgent(t, Config{
		STT:       capture,
		LLM:       llmfake.NewFakeLLM("Hi."),
		TTS:       ttsfake.NewFakeTTS(),
		Scorer:    vadfake.NewScriptedScorer(probs...),
		PreBuffer: 500 * time.Millisecond,
	})

	ingest(t, a, 0, 44)

	waitFor(t, 2*time.Second, "turn completion", func() bool {
		return turnComplete(1)(sink.snapshot())
	})

	got := capture.stream(0).pushed()
	if len(got) == 0 {
		t.Fatalf("stt stream received no frames")
	}

	// Onset confirms on frame 32 (third voiced frame). The buffer holds the
	// newest 25 frames at that point, so the stream starts at seq 8 and runs
	// contiguously through the end of the utterance.
	if got[0] != 8 {
		t.Errorf("expected first pushed seq 8, got %d", got[0])
	}
	for i := 1; i < len(got); i++ {
		if got[i] != got[i-1]+1 {
			t.Fatalf("gap or duplicate at %d: seq %d after %d", i, got[i], got[i-1])
		}
	}
	if last := got[len(got)-1]; last < 37 {
		t.Errorf("expected live frames past the onset, last seq %d", last)
	}
}

func TestAgent_STTRetryReplaysAudio(t *testing.T) {
	capture := &captureSTT{transcript: "try again", failFirst: true}

	a, sink := startAgent(t, Config{
		STT:    capture,
		LLM:    llmfake.NewFakeLLM("Recovered fine."),
		TTS:    ttsfake.NewFakeTTS(),
		Scorer: vadfake.NewScriptedScorer(script(6, 6)...),
	})

	ingest(t, a, 0, 12)

	waitFor(t, 2*time.Second, "turn completion after retry", func() bool {
		return turnComplete(1)(sink.snapshot())
	})

	if capture.streamCount() != 2 {
		t.Fatalf("expected 2 stt streams (original + retry), got %d", capture.streamCount())
	}

	first := capture.stream(0).pushed()
	second := capture.stream(1).pushed()
	if len(second) != len(first) {
		t.Fatalf("retry replayed %d frames, original saw %d", len(second), len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("replay diverges at %d: %d vs %d", i, first[i], second[i])
		}
	}

	events := sink.snapshot()
	if !hasEvent(events, func(ev Event) bool { return ev.Type == EventTranscript && ev.Final && ev.Text == "try again" }) {
		t.Errorf("expected final transcript from the retried stream")
	}
	if hasEvent(events, func(ev Event) bool { return ev.Type == EventError }) {
		t.Errorf("recovered turn must not surface an error event")
	}
}

func TestAgent_LLMTimeoutAbortsAfterRetry(t *testing.T) {
	fakeLLM := llmfake.NewFakeLLM("never seen")
	fakeLLM.Stall = true

	a, sink := startAgent(t, Config{
		STT:             sttfake.NewFakeSTT("anyone there"),
		LLM:             fakeLLM,
		TTS:             ttsfake.NewFakeTTS(),
		Scorer:          vadfake.NewScriptedScorer(script(5, 6)...),
		LLMDeltaTimeout: 40 * time.Millisecond,
	})

	ingest(t, a, 0, 11)

	waitFor(t, 2*time.Second, "abort", func() bool {
		return hasEvent(sink.snapshot(), func(ev Event) bool { return ev.Type == EventError })
	})
	waitFor(t, time.Second, "return to idle", func() bool {
		return a.State() == StateIdle
	})

	if got := fakeLLM.CallCount(); got != 2 {
		t.Errorf("expected 1 retry (2 model calls), got %d", got)
	}
	if hasEvent(sink.snapshot(), func(ev Event) bool { return ev.Type == EventAudio }) {
		t.Errorf("aborted turn must not emit audio")
	}
}

func TestAgent_TurnDeadlineAborts(t *testing.T) {
	fakeLLM := llmfake.NewFakeLLM("never seen")
	fakeLLM.Stall = true

	a, sink := startAgent(t, Config{
		STT:          sttfake.NewFakeSTT("deadline test"),
		LLM:          fakeLLM,
		TTS:          ttsfake.NewFakeTTS(),
		Scorer:       vadfake.NewScriptedScorer(script(5, 6)...),
		TurnDeadline: 150 * time.Millisecond,
		// Delta timeout longer than the deadline so the deadline fires first.
		LLMDeltaTimeout: 5 * time.Second,
	})

	ingest(t, a, 0, 11)

	waitFor(t, 2*time.Second, "deadline abort", func() bool {
		return hasEvent(sink.snapshot(), func(ev Event) bool {
			return ev.Type == EventError && strings.Contains(ev.Error, "deadline")
		})
	})
	waitFor(t, time.Second, "return to idle", func() bool {
		return a.State() == StateIdle
	})
}

// blockingLLM hangs inside ChatStream until the context is cancelled, the
// way a provider behind a dead connection does.
type blockingLLM struct{}

func (b *blockingLLM) ChatStream(ctx context.Context, req llm.ChatRequest) (llm.ChatStream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingLLM) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: true}
}

func TestAgent_HungLLMOpenDoesNotStallSession(t *testing.T) {
	a, sink := startAgent(t, Config{
		STT:          sttfake.NewFakeSTT("still there"),
		LLM:          &blockingLLM{},
		TTS:          ttsfake.NewFakeTTS(),
		Scorer:       vadfake.NewScriptedScorer(script(5, 6)...),
		TurnDeadline: 200 * time.Millisecond,
	})

	ingest(t, a, 0, 11)

	// The model open never returns. The turn deadline must still abort the
	// turn, which only works while the loop keeps consuming its queue.
	waitFor(t, time.Second, "deadline abort", func() bool {
		return hasEvent(sink.snapshot(), func(ev Event) bool {
			return ev.Type == EventError && strings.Contains(ev.Error, "deadline")
		})
	})
	waitFor(t, time.Second, "return to idle", func() bool {
		return a.State() == StateIdle
	})
}

// earlyFinalSTT emits its final transcript as soon as a fixed number of
// frames arrive, before the sender closes, the way a provider with
// server-side endpointing does.
type earlyFinalSTT struct {
	transcript string
	finalAfter int
}

func (p *earlyFinalSTT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	return &earlyFinalStream{
		transcript: p.transcript,
		finalAfter: p.finalAfter,
		events:     make(chan stt.SpeechEvent, 4),
	}, nil
}

func (p *earlyFinalSTT) Capabilities() stt.Capabilities {
	return stt.Capabilities{Streaming: true}
}

type earlyFinalStream struct {
	transcript string
	finalAfter int

	mu     sync.Mutex
	pushed int
	fired  bool
	done   bool
	events chan stt.SpeechEvent
}

func (s *earlyFinalStream) Push(f rtc.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errors.New("stream is closed")
	}
	s.pushed++
	if !s.fired && s.pushed >= s.finalAfter {
		s.fired = true
		s.events <- stt.SpeechEvent{Type: stt.SpeechEventFinal, Text: s.transcript, IsFinal: true}
	}
	return nil
}

func (s *earlyFinalStream) Events() <-chan stt.SpeechEvent {
	return s.events
}

func (s *earlyFinalStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	if !s.fired {
		s.fired = true
		s.events <- stt.SpeechEvent{Type: stt.SpeechEventFinal, Text: s.transcript, IsFinal: true}
	}
	close(s.events)
	return nil
}

func (s *earlyFinalStream) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	close(s.events)
}

func TestAgent_EarlyFinalKeepsBargeInArmed(t *testing.T) {
	fakeLLM := llmfake.NewFakeLLM(strings.Repeat("Plenty more to say about that. ", 10), "Cut short.")
	fakeLLM.TokenDelay = 20 * time.Millisecond

	a, sink := startAgent(t, Config{
		STT:    &earlyFinalSTT{transcript: "stop talking", finalAfter: 5},
		LLM:    fakeLLM,
		TTS:    ttsfake.NewFakeTTS(),
		Scorer: vadfake.ConstScorer(0.9),
	})

	// The caller never pauses: the provider finalizes mid-speech and the turn
	// moves on to the model while speech continues.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		seq := uint64(0)
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				if a.Ingest(frame(seq)) != nil {
					return
				}
				seq++
			case <-stop:
				return
			}
		}
	}()

	// Continued speech must confirm a fresh onset and supersede the first
	// turn; a gate still latched mid-speech would never re-arm.
	waitFor(t, 2*time.Second, "barge-in onto a second turn", func() bool {
		return hasEvent(sink.snapshot(), func(ev Event) bool {
			return ev.Type == EventStateChanged && ev.State == StateListening && ev.TurnSeq == 2
		})
	})
}

func TestAgent_CloseIsIdempotent(t *testing.T) {
	a, sink := startAgent(t, Config{
		STT:    sttfake.NewFakeSTT("closing time"),
		LLM:    llmfake.NewFakeLLM("Bye."),
		TTS:    ttsfake.NewFakeTTS(),
		Scorer: vadfake.NewScriptedScorer(script(5)...),
	})

	// Close mid-turn: onset confirmed, still listening.
	ingest(t, a, 0, 5)
	waitFor(t, time.Second, "listening", func() bool {
		return a.State() == StateListening
	})

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	waitFor(t, time.Second, "event stream closed", sink.isClosed)
	if a.State() != StateClosed {
		t.Errorf("expected closed state, got %v", a.State())
	}
	if err := a.Ingest(frame(100)); !errors.Is(err, ai.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed from Ingest, got %v", err)
	}
}

// captureLLM records the requests passed through to the wrapped provider.
type captureLLM struct {
	inner llm.LLM

	mu   sync.Mutex
	reqs []llm.ChatRequest
}

func (c *captureLLM) ChatStream(ctx context.Context, req llm.ChatRequest) (llm.ChatStream, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	return c.inner.ChatStream(ctx, req)
}

func (c *captureLLM) Capabilities() llm.Capabilities {
	return c.inner.Capabilities()
}

func (c *captureLLM) request(i int) llm.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reqs[i]
}

func TestAgent_HistoryCarriesAcrossTurns(t *testing.T) {
	capture := &captureLLM{inner: llmfake.NewFakeLLM("First answer.", "Second answer.")}

	a, sink := startAgent(t, Config{
		STT:          sttfake.NewFakeSTT("same question"),
		LLM:          capture,
		TTS:          ttsfake.NewFakeTTS(),
		Scorer:       vadfake.NewScriptedScorer(script(5, 6, 5, 6)...),
		SystemPrompt: "You are a voice assistant.",
	})

	seq := ingest(t, a, 0, 11)
	waitFor(t, 2*time.Second, "first turn completion", func() bool {
		return turnComplete(1)(sink.snapshot())
	})

	ingest(t, a, seq, 11)
	waitFor(t, 2*time.Second, "second turn completion", func() bool {
		return turnComplete(2)(sink.snapshot())
	})

	first := capture.request(0)
	if len(first.Messages) != 2 {
		t.Fatalf("first request: expected system + user, got %d messages", len(first.Messages))
	}
	if first.Messages[0].Role != llm.RoleSystem {
		t.Errorf("expected leading system message, got %v", first.Messages[0].Role)
	}

	second := capture.request(1)
	if len(second.Messages) != 4 {
		t.Fatalf("second request: expected system + history pair + user, got %d messages", len(second.Messages))
	}
	if second.Messages[1].Role != llm.RoleUser || second.Messages[2].Role != llm.RoleAssistant {
		t.Errorf("expected user/assistant history pair, got %v/%v",
			second.Messages[1].Role, second.Messages[2].Role)
	}
	if second.Messages[2].Content != "First answer." {
		t.Errorf("expected first answer in history, got %q", second.Messages[2].Content)
	}
}

func TestAgent_MalformedAndStaleFramesDropped(t *testing.T) {
	capture := &captureSTT{transcript: "clean audio"}

	a, sink := startAgent(t, Config{
		STT:    capture,
		LLM:    llmfake.NewFakeLLM("Ok."),
		TTS:    ttsfake.NewFakeTTS(),
		Scorer: vadfake.NewScriptedScorer(script(6, 6)...),
	})

	// A wrong-rate frame and a replayed sequence number, interleaved with
	// good frames. Neither may reach the gate or the STT stream.
	bad := frame(2)
	bad.SampleRate = 8000

	for seq := uint64(0); seq < 12; seq++ {
		if err := a.Ingest(frame(seq)); err != nil {
			t.Fatalf("Ingest(%d): %v", seq, err)
		}
		if seq == 2 {
			a.Ingest(bad)      // malformed
			a.Ingest(frame(1)) // stale seq
		}
	}

	waitFor(t, 2*time.Second, "turn completion", func() bool {
		return turnComplete(1)(sink.snapshot())
	})

	got := capture.stream(0).pushed()
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("non-monotonic seq pushed to stt: %d after %d", got[i], got[i-1])
		}
	}
}
