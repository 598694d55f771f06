// Package agent implements the per-session conversation orchestrator: a
// state machine that turns a stream of caller audio frames into turns of
// transcript, response text, and synthesized audio, with barge-in support
// throughout.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voiceloop/voiceloop/pkg/ai"
	"github.com/voiceloop/voiceloop/pkg/ai/llm"
	"github.com/voiceloop/voiceloop/pkg/ai/stt"
	"github.com/voiceloop/voiceloop/pkg/ai/tts"
	"github.com/voiceloop/voiceloop/pkg/ai/vad"
	"github.com/voiceloop/voiceloop/pkg/rtc"
	"github.com/voiceloop/voiceloop/pkg/tokens"
	"github.com/voiceloop/voiceloop/pkg/voice"
)

// Observer receives session lifecycle notifications. Implementations must
// not block; the orchestrator calls them inline from its event loop and
// never waits for them.
type Observer interface {
	StateChanged(from, to State, at time.Time)
	TurnStarted(turnID string, seq uint64, at time.Time)
	TurnEnded(turnID string, status TurnStatus, at time.Time)
	StageStarted(turnID string, stage Stage, at time.Time)
	StageEnded(turnID string, stage Stage, at time.Time)
	FirstAudio(turnID string, latency time.Duration, at time.Time)
	BargeIn(turnID string, at time.Time)
}

// Config assembles the providers and tuning for one session.
type Config struct {
	// SessionID identifies the session in logs and telemetry. Generated when
	// empty.
	SessionID string

	STT    stt.STT
	LLM    llm.LLM
	TTS    tts.TTS
	Scorer vad.Scorer

	Gate      voice.GateConfig
	PreBuffer time.Duration

	SampleRate  int
	NumChannels int
	Language    string
	Voice       string

	// SystemPrompt is prepended to every LLM request.
	SystemPrompt string

	// TokenCounter and ChunkMaxTokens tune the response chunker.
	TokenCounter   tokens.Counter
	ChunkMaxTokens int

	// STTFinalTimeout bounds the wait for a final transcript after
	// end-of-speech. LLMDeltaTimeout bounds the gap between model deltas.
	// TurnDeadline bounds a whole turn from onset to last audio chunk.
	// StageOpenTimeout bounds each provider stream open.
	STTFinalTimeout  time.Duration
	LLMDeltaTimeout  time.Duration
	TurnDeadline     time.Duration
	StageOpenTimeout time.Duration

	// MaxHistoryTurns caps the number of past exchanges replayed to the LLM.
	MaxHistoryTurns int

	EventBuffer int

	Logger   *slog.Logger
	Observer Observer
}

const (
	defaultSTTFinalTimeout  = 5 * time.Second
	defaultLLMDeltaTimeout  = 10 * time.Second
	defaultTurnDeadline     = 30 * time.Second
	defaultStageOpenTimeout = 10 * time.Second
	defaultMaxHistoryTurns  = 16
	defaultEventBuffer      = 256
	inboundBuffer           = 1024
	sttFeedBuffer           = 512
)

type inboundKind int

const (
	inFrame inboundKind = iota
	inSpeech
	inText
	inAudio
	inFailure
	inDeadline
	inSTTOpened
	inLLMOpened
	inTTSOpened
)

// inbound is one entry on the session's single ordered input queue. Frames
// from the transport, deltas from the stage pumps, and completed stream opens
// all funnel through it, so the loop below is the only goroutine that ever
// touches session state.
type inbound struct {
	kind   inboundKind
	turnID string
	stage  Stage

	// attempt tags messages tied to one stream-open attempt so a retry can
	// invalidate everything the attempt it replaced might still deliver.
	// Zero means untagged.
	attempt int

	frame  rtc.AudioFrame
	speech stt.SpeechEvent
	text   llm.TextDelta
	audio  tts.AudioDelta
	err    error

	sttOpen stt.Stream
	llmOpen llm.ChatStream
	ttsOpen tts.Stream
}

// Agent is one voice session. Create with NewAgent, drive with Start, feed
// with Ingest, consume Events, and tear down with Close.
type Agent struct {
	cfg Config
	log *slog.Logger

	inbound chan inbound
	events  chan Event

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
	closed    atomic.Bool

	stateVal atomic.Value // State, for readers outside the loop

	// Loop-owned state. Nothing below is touched off the loop goroutine.
	state   State
	gate    *voice.Gate
	prebuf  *voice.PreSpeechBuffer
	turn    *Turn
	history []llm.Message
	turnSeq uint64
	lastSeq uint64
	haveSeq bool
}

// NewAgent validates the config, applies defaults, and returns a session
// ready to Start.
func NewAgent(cfg Config) (*Agent, error) {
	if cfg.STT == nil || cfg.LLM == nil || cfg.TTS == nil {
		return nil, fmt.Errorf("agent: STT, LLM, and TTS providers are all required")
	}
	if cfg.Scorer == nil {
		return nil, fmt.Errorf("agent: VAD scorer is required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = rtc.DefaultSampleRate
	}
	if cfg.NumChannels == 0 {
		cfg.NumChannels = 1
	}
	if cfg.STTFinalTimeout <= 0 {
		cfg.STTFinalTimeout = defaultSTTFinalTimeout
	}
	if cfg.LLMDeltaTimeout <= 0 {
		cfg.LLMDeltaTimeout = defaultLLMDeltaTimeout
	}
	if cfg.TurnDeadline <= 0 {
		cfg.TurnDeadline = defaultTurnDeadline
	}
	if cfg.StageOpenTimeout <= 0 {
		cfg.StageOpenTimeout = defaultStageOpenTimeout
	}
	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = defaultMaxHistoryTurns
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	a := &Agent{
		cfg:     cfg,
		log:     cfg.Logger.With("session", cfg.SessionID),
		inbound: make(chan inbound, inboundBuffer),
		events:  make(chan Event, cfg.EventBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		state:   StateIdle,
		gate:    voice.NewGate(cfg.Scorer, cfg.Gate),
		prebuf:  voice.NewPreSpeechBuffer(cfg.PreBuffer),
	}
	a.stateVal.Store(StateIdle)
	return a, nil
}

// SessionID returns the session identifier.
func (a *Agent) SessionID() string {
	return a.cfg.SessionID
}

// State returns the current orchestrator state. Safe from any goroutine.
func (a *Agent) State() State {
	return a.stateVal.Load().(State)
}

// Events returns the session's ordered outbound event stream. The channel
// closes once the session reaches the closed state.
func (a *Agent) Events() <-chan Event {
	return a.events
}

// Ingest submits one audio frame. It never blocks: when the input queue is
// full the frame is dropped with a warning. Returns ErrSessionClosed after
// Close.
func (a *Agent) Ingest(frame rtc.AudioFrame) error {
	if a.closed.Load() {
		return ai.ErrSessionClosed
	}
	select {
	case a.inbound <- inbound{kind: inFrame, frame: frame}:
		return nil
	default:
		a.log.Warn("input queue full, dropping frame", "seq", frame.Seq)
		return nil
	}
}

// Close tears the session down. Idempotent; any active turn's stages are
// cancelled fire-and-forget and the event stream is closed.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		close(a.closing)
	})
	return nil
}

// Start runs the session event loop until the context is cancelled or Close
// is called. It returns the context's error on cancellation, nil on Close.
func (a *Agent) Start(ctx context.Context) error {
	a.log.Info("session started")
	defer close(a.done)

	for {
		select {
		case <-ctx.Done():
			a.teardown()
			return ctx.Err()
		case <-a.closing:
			a.teardown()
			return nil
		case m := <-a.inbound:
			a.handle(ctx, m)
		}
	}
}

func (a *Agent) teardown() {
	a.closed.Store(true)
	if a.turn != nil && a.turn.active() {
		a.turn.Status = TurnAborted
		a.turn.cancelStages()
		a.observeTurnEnded(a.turn)
		a.turn = nil
	}
	a.prebuf.Clear()
	a.setState(StateClosed)
	close(a.events)
	a.log.Info("session closed")
}

func (a *Agent) handle(ctx context.Context, m inbound) {
	switch m.kind {
	case inFrame:
		a.handleFrame(ctx, m.frame)
	case inSpeech:
		a.handleSpeech(ctx, m)
	case inText:
		a.handleText(ctx, m)
	case inAudio:
		a.handleAudio(m)
	case inFailure:
		if t := a.activeTurn(m.turnID); t != nil && t.attemptCurrent(m.stage, m.attempt) {
			a.stageFailed(ctx, t, m.stage, m.err)
		}
	case inDeadline:
		if t := a.activeTurn(m.turnID); t != nil {
			a.abortTurn(t, ai.NewTimeoutError(nil, "turn deadline exceeded"))
		}
	case inSTTOpened:
		a.handleSTTOpened(ctx, m)
	case inLLMOpened:
		a.handleLLMOpened(ctx, m)
	case inTTSOpened:
		a.handleTTSOpened(ctx, m)
	}
}

// activeTurn returns the current turn when the given ID matches it and it is
// still active. Everything else is stale: deltas and errors from superseded
// or finished turns are dropped here, which is the whole cancellation
// protocol from the consumer's point of view.
func (a *Agent) activeTurn(turnID string) *Turn {
	if a.turn == nil || a.turn.ID != turnID || !a.turn.active() {
		return nil
	}
	return a.turn
}

func (a *Agent) handleFrame(ctx context.Context, frame rtc.AudioFrame) {
	if !frame.Valid() || frame.SampleRate != a.cfg.SampleRate || frame.NumChannels != a.cfg.NumChannels {
		a.log.Warn("dropping malformed frame",
			"seq", frame.Seq, "sample_rate", frame.SampleRate, "channels", frame.NumChannels)
		return
	}
	if a.haveSeq && frame.Seq <= a.lastSeq {
		a.log.Warn("dropping out-of-order frame", "seq", frame.Seq, "last_seq", a.lastSeq)
		return
	}
	a.lastSeq = frame.Seq
	a.haveSeq = true

	d := a.gate.Process(frame)

	switch a.state {
	case StateIdle:
		a.prebuf.Append(frame)
		if d.Edge == voice.EdgeSpeechOnset {
			// Drain the pre-speech buffer so the STT stream starts at the
			// true beginning of the utterance, not at debounce confirmation.
			a.beginTurn(ctx, a.prebuf.Drain())
		}
	case StateListening:
		a.feedSTT(frame)
		if d.Edge == voice.EdgeEndOfSpeech {
			a.finalizeSpeech()
		}
	case StateFinalizingSpeech, StateThinking, StateSpeaking:
		if d.Edge == voice.EdgeSpeechOnset {
			a.bargeIn(ctx, frame)
		}
	}
}

// beginTurn opens a new turn in the listening state, seeding the STT stream
// with the given frames.
func (a *Agent) beginTurn(ctx context.Context, initial []rtc.AudioFrame) {
	a.turnSeq++
	t := newTurn(a.turnSeq, NewChunker(a.cfg.TokenCounter, a.cfg.ChunkMaxTokens))
	a.turn = t

	t.deadlineAt = t.StartedAt.Add(a.cfg.TurnDeadline)
	t.deadline = time.AfterFunc(a.cfg.TurnDeadline, func() {
		a.deliver(inbound{kind: inDeadline, turnID: t.ID})
	})

	a.log.Info("turn started", "turn", t.ID, "turn_seq", t.Seq, "prebuffered", len(initial))
	if a.cfg.Observer != nil {
		a.cfg.Observer.TurnStarted(t.ID, t.Seq, t.StartedAt)
	}

	a.openSTT(ctx, t, initial)
	a.setState(StateListening)
}

// openSTT requests an STT stream for the turn and preloads the replay frames
// into its feed. The open itself runs off the loop goroutine so a hung
// provider cannot stall frame handling; live frames queue in the feed until
// the stream attaches in handleSTTOpened. Used for both initial open (replay
// = pre-speech frames) and retry (replay = everything pushed so far).
func (a *Agent) openSTT(ctx context.Context, t *Turn, replay []rtc.AudioFrame) {
	t.sttAttempt++
	t.sttFeed = make(chan rtc.AudioFrame, len(replay)+sttFeedBuffer)
	for _, f := range replay {
		t.sttFeed <- f
		t.audio = appendAudio(t.audio, f)
	}
	if t.sttFed {
		// Retry after finalize: all audio is already in, close immediately so
		// the feeder flushes the final transcript once the stream attaches.
		close(t.sttFeed)
		a.armSTTTimer(t)
	}

	turnID, attempt := t.ID, t.sttAttempt
	go func() {
		type opened struct {
			stream stt.Stream
			err    error
		}
		res := make(chan opened, 1)
		go func() {
			s, err := a.cfg.STT.NewStream(ctx, stt.StreamConfig{
				SampleRate:     a.cfg.SampleRate,
				NumChannels:    a.cfg.NumChannels,
				Lang:           a.cfg.Language,
				InterimResults: true,
			})
			res <- opened{s, err}
		}()

		timer := time.NewTimer(a.cfg.StageOpenTimeout)
		defer timer.Stop()
		select {
		case r := <-res:
			if r.err != nil {
				r.err = ai.NewUnavailableError(r.err, "stt stream open failed")
			}
			if !a.deliver(inbound{kind: inSTTOpened, turnID: turnID, attempt: attempt, sttOpen: r.stream, err: r.err}) && r.stream != nil {
				r.stream.Cancel()
			}
		case <-timer.C:
			// The open may still complete after we give up; tear the orphan
			// stream down when it does.
			go func() {
				if r := <-res; r.stream != nil {
					r.stream.Cancel()
				}
			}()
			a.deliver(inbound{kind: inSTTOpened, turnID: turnID, attempt: attempt,
				err: ai.NewTimeoutError(nil, "stt stream open timed out")})
		}
	}()
}

// handleSTTOpened attaches a completed STT open to its turn, or tears the
// stream down when the turn or attempt it belongs to is gone.
func (a *Agent) handleSTTOpened(ctx context.Context, m inbound) {
	t := a.activeTurn(m.turnID)
	if t == nil || m.attempt != t.sttAttempt {
		if m.sttOpen != nil {
			m.sttOpen.Cancel()
		}
		return
	}
	if m.err != nil {
		a.stageFailed(ctx, t, StageSTT, m.err)
		return
	}

	t.sttStream = m.sttOpen
	t.sttHandle = newStageHandle(StageSTT, t, m.sttOpen.Cancel)
	go a.feedLoop(t.sttHandle, m.sttOpen, t.sttFeed)
	go a.pumpSTT(t.sttHandle, m.sttOpen)

	if a.cfg.Observer != nil {
		a.cfg.Observer.StageStarted(t.ID, StageSTT, time.Now())
	}
}

// appendAudio retains a frame for possible STT replay, deduplicating against
// the retry path which re-records replayed frames.
func appendAudio(audio []rtc.AudioFrame, f rtc.AudioFrame) []rtc.AudioFrame {
	if n := len(audio); n > 0 && audio[n-1].Seq >= f.Seq {
		return audio
	}
	return append(audio, f)
}

// feedSTT forwards one live frame to the turn's STT feed. Non-blocking: a
// stalled provider sheds frames here instead of stalling ingestion.
func (a *Agent) feedSTT(frame rtc.AudioFrame) {
	t := a.turn
	if t == nil || t.sttFed {
		return
	}
	t.audio = appendAudio(t.audio, frame)
	select {
	case t.sttFeed <- frame:
	default:
		a.log.Warn("stt feed full, dropping frame", "turn", t.ID, "seq", frame.Seq)
	}
}

// feedLoop pushes frames from the feed into the provider stream. A closed
// feed means end of utterance: drain, then CloseSend to flush the final
// transcript.
func (a *Agent) feedLoop(h *StageHandle, stream stt.Stream, feed <-chan rtc.AudioFrame) {
	for {
		select {
		case frame, ok := <-feed:
			if !ok {
				if err := stream.CloseSend(); err != nil {
					a.deliverFailure(h, ai.NewStreamError(err, "stt close failed"))
				}
				return
			}
			if err := stream.Push(frame); err != nil {
				a.deliverFailure(h, ai.NewStreamError(err, "stt push failed"))
				return
			}
		case <-h.done:
			return
		}
	}
}

func (a *Agent) pumpSTT(h *StageHandle, stream stt.Stream) {
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			a.deliver(inbound{kind: inSpeech, turnID: h.TurnID, speech: ev})
		case <-h.done:
			return
		}
	}
}

// finalizeSpeech closes the utterance: no more audio to STT, await the final
// transcript under the finalization timeout.
func (a *Agent) finalizeSpeech() {
	t := a.turn
	if t == nil || t.sttFed {
		return
	}
	t.sttFed = true
	close(t.sttFeed)
	a.armSTTTimer(t)
	a.setState(StateFinalizingSpeech)
}

// armSTTTimer bounds the wait for the final transcript. The timer fires by
// attempt, not by handle: at finalize time a retried stream's open may still
// be in flight, so no handle exists yet.
func (a *Agent) armSTTTimer(t *Turn) {
	if t.sttTimer != nil {
		t.sttTimer.Stop()
	}
	turnID, attempt := t.ID, t.sttAttempt
	t.sttTimer = time.AfterFunc(a.cfg.STTFinalTimeout, func() {
		a.deliver(inbound{kind: inFailure, turnID: turnID, attempt: attempt, stage: StageSTT,
			err: ai.NewTimeoutError(nil, "no final transcript within window")})
	})
}

func (a *Agent) handleSpeech(ctx context.Context, m inbound) {
	t := a.activeTurn(m.turnID)
	if t == nil {
		return
	}
	ev := m.speech

	switch ev.Type {
	case stt.SpeechEventInterim:
		t.interim = ev.Text
		a.emit(Event{Type: EventTranscript, TurnID: t.ID, TurnSeq: t.Seq, Text: ev.Text})

	case stt.SpeechEventFinal:
		if t.sttTimer != nil {
			t.sttTimer.Stop()
		}
		t.transcript = ev.Text
		a.emit(Event{Type: EventTranscript, TurnID: t.ID, TurnSeq: t.Seq, Text: ev.Text, Final: true})
		if a.cfg.Observer != nil {
			a.cfg.Observer.StageEnded(t.ID, StageSTT, time.Now())
		}
		// Providers may finalize before the gate's hangover elapses; either
		// way the utterance is over once the final transcript lands.
		if !t.sttFed {
			t.sttFed = true
			close(t.sttFeed)
			// The gate never saw end-of-speech; reset it so continued speech
			// presents a fresh onset for barge-in.
			a.gate.Reset()
		}
		a.startThinking(ctx, t)

	case stt.SpeechEventError:
		a.stageFailed(ctx, t, StageSTT, ev.Err)
	}
}

// startThinking submits the finished utterance to the LLM.
func (a *Agent) startThinking(ctx context.Context, t *Turn) {
	text := t.finalTranscript()
	if text == "" {
		a.log.Info("empty transcript, closing turn", "turn", t.ID)
		a.completeTurn(t)
		return
	}

	a.setState(StateThinking)
	a.openLLM(ctx, t, text)
}

// openLLM requests a model stream off the loop goroutine. The request is
// assembled here, on the loop, because it reads the conversation history.
func (a *Agent) openLLM(ctx context.Context, t *Turn, text string) {
	t.llmAttempt++
	msgs := make([]llm.Message, 0, len(a.history)+2)
	if a.cfg.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: a.cfg.SystemPrompt})
	}
	msgs = append(msgs, a.history...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})

	turnID, attempt := t.ID, t.llmAttempt
	go func() {
		type opened struct {
			stream llm.ChatStream
			err    error
		}
		res := make(chan opened, 1)
		go func() {
			s, err := a.cfg.LLM.ChatStream(ctx, llm.ChatRequest{Messages: msgs})
			res <- opened{s, err}
		}()

		timer := time.NewTimer(a.cfg.StageOpenTimeout)
		defer timer.Stop()
		select {
		case r := <-res:
			if r.err != nil {
				r.err = ai.NewUnavailableError(r.err, "llm stream open failed")
			}
			if !a.deliver(inbound{kind: inLLMOpened, turnID: turnID, attempt: attempt, llmOpen: r.stream, err: r.err}) && r.stream != nil {
				r.stream.Cancel()
			}
		case <-timer.C:
			go func() {
				if r := <-res; r.stream != nil {
					r.stream.Cancel()
				}
			}()
			a.deliver(inbound{kind: inLLMOpened, turnID: turnID, attempt: attempt,
				err: ai.NewTimeoutError(nil, "llm stream open timed out")})
		}
	}()
}

func (a *Agent) handleLLMOpened(ctx context.Context, m inbound) {
	t := a.activeTurn(m.turnID)
	if t == nil || m.attempt != t.llmAttempt {
		if m.llmOpen != nil {
			m.llmOpen.Cancel()
		}
		return
	}
	if m.err != nil {
		a.stageFailed(ctx, t, StageLLM, m.err)
		return
	}

	t.llmStream = m.llmOpen
	t.llmHandle = newStageHandle(StageLLM, t, m.llmOpen.Cancel)
	go a.pumpLLM(t.llmHandle, m.llmOpen)

	if a.cfg.Observer != nil {
		a.cfg.Observer.StageStarted(t.ID, StageLLM, time.Now())
	}
}

// pumpLLM forwards model deltas, enforcing the inter-delta timeout. A model
// that goes quiet mid-response is indistinguishable from a dead connection,
// so the gap itself is the failure signal.
func (a *Agent) pumpLLM(h *StageHandle, stream llm.ChatStream) {
	for {
		select {
		case d, ok := <-stream.Deltas():
			if !ok {
				return
			}
			a.deliver(inbound{kind: inText, turnID: h.TurnID, text: d})
		case <-time.After(a.cfg.LLMDeltaTimeout):
			a.deliverFailure(h, ai.NewTimeoutError(nil, "no model delta within window"))
			return
		case <-h.done:
			return
		}
	}
}

func (a *Agent) handleText(ctx context.Context, m inbound) {
	t := a.activeTurn(m.turnID)
	if t == nil {
		return
	}
	d := m.text

	if d.Err != nil {
		a.stageFailed(ctx, t, StageLLM, d.Err)
		return
	}

	if d.Text != "" {
		t.response.WriteString(d.Text)
		a.emit(Event{Type: EventResponse, TurnID: t.ID, TurnSeq: t.Seq, Text: d.Text})
		for _, chunk := range t.chunker.Write(d.Text) {
			if !a.submitTTS(ctx, t, chunk) {
				return
			}
		}
	}

	if d.FinishReason != "" {
		t.llmDone = true
		if a.cfg.Observer != nil {
			a.cfg.Observer.StageEnded(t.ID, StageLLM, time.Now())
		}
		if rest := t.chunker.Flush(); rest != "" {
			if !a.submitTTS(ctx, t, rest) {
				return
			}
		}
		if t.ttsStream == nil {
			if !t.ttsOpening {
				// Nothing synthesizable came back.
				a.completeTurn(t)
			}
			// Otherwise the open is in flight; handleTTSOpened issues the
			// CloseSend after flushing the queued chunks.
			return
		}
		if !t.ttsClosed {
			t.ttsClosed = true
			if err := t.ttsStream.CloseSend(); err != nil {
				a.stageFailed(ctx, t, StageTTS, ai.NewStreamError(err, "tts close failed"))
			}
		}
	}
}

// submitTTS forwards one text chunk to synthesis, requesting the TTS stream
// on the first chunk. Chunks arriving while the open is still in flight queue
// on the turn and flush once the stream attaches. Returns false when the turn
// was aborted by a failure.
func (a *Agent) submitTTS(ctx context.Context, t *Turn, chunk string) bool {
	switch {
	case t.ttsStream != nil:
		if err := t.ttsStream.Push(chunk); err != nil {
			a.stageFailed(ctx, t, StageTTS, ai.NewStreamError(err, "tts push failed"))
			return false
		}
	default:
		if !t.ttsOpening {
			t.ttsOpening = true
			a.openTTS(ctx, t)
		}
		t.ttsQueue = append(t.ttsQueue, chunk)
	}

	t.ttsChunks++
	if a.state == StateThinking {
		// First synthesizable chunk is in flight.
		a.setState(StateSpeaking)
	}
	return true
}

// openTTS requests a synthesis stream off the loop goroutine. TTS opens at
// most once per turn; t.ttsOpening guards re-entry.
func (a *Agent) openTTS(ctx context.Context, t *Turn) {
	turnID := t.ID
	go func() {
		type opened struct {
			stream tts.Stream
			err    error
		}
		res := make(chan opened, 1)
		go func() {
			s, err := a.cfg.TTS.NewStream(ctx, tts.StreamConfig{
				Voice:      a.cfg.Voice,
				Language:   a.cfg.Language,
				SampleRate: a.cfg.SampleRate,
			})
			res <- opened{s, err}
		}()

		timer := time.NewTimer(a.cfg.StageOpenTimeout)
		defer timer.Stop()
		select {
		case r := <-res:
			if r.err != nil {
				r.err = ai.NewUnavailableError(r.err, "tts stream open failed")
			}
			if !a.deliver(inbound{kind: inTTSOpened, turnID: turnID, ttsOpen: r.stream, err: r.err}) && r.stream != nil {
				r.stream.Cancel()
			}
		case <-timer.C:
			go func() {
				if r := <-res; r.stream != nil {
					r.stream.Cancel()
				}
			}()
			a.deliver(inbound{kind: inTTSOpened, turnID: turnID,
				err: ai.NewTimeoutError(nil, "tts stream open timed out")})
		}
	}()
}

// handleTTSOpened attaches the synthesis stream, flushes the chunks queued
// while the open was in flight, and closes the send side when the model
// already finished.
func (a *Agent) handleTTSOpened(ctx context.Context, m inbound) {
	t := a.activeTurn(m.turnID)
	if t == nil {
		if m.ttsOpen != nil {
			m.ttsOpen.Cancel()
		}
		return
	}
	if m.err != nil {
		a.stageFailed(ctx, t, StageTTS, m.err)
		return
	}

	t.ttsStream = m.ttsOpen
	t.ttsHandle = newStageHandle(StageTTS, t, m.ttsOpen.Cancel)
	go a.pumpTTS(t.ttsHandle, m.ttsOpen)
	if a.cfg.Observer != nil {
		a.cfg.Observer.StageStarted(t.ID, StageTTS, time.Now())
	}

	queued := t.ttsQueue
	t.ttsQueue = nil
	for _, chunk := range queued {
		if err := t.ttsStream.Push(chunk); err != nil {
			a.stageFailed(ctx, t, StageTTS, ai.NewStreamError(err, "tts push failed"))
			return
		}
	}
	if t.llmDone && !t.ttsClosed {
		t.ttsClosed = true
		if err := t.ttsStream.CloseSend(); err != nil {
			a.stageFailed(ctx, t, StageTTS, ai.NewStreamError(err, "tts close failed"))
		}
	}
}

func (a *Agent) pumpTTS(h *StageHandle, stream tts.Stream) {
	for {
		select {
		case d, ok := <-stream.Deltas():
			if !ok {
				return
			}
			a.deliver(inbound{kind: inAudio, turnID: h.TurnID, audio: d})
		case <-h.done:
			return
		}
	}
}

func (a *Agent) handleAudio(m inbound) {
	t := a.activeTurn(m.turnID)
	if t == nil {
		return
	}
	d := m.audio

	if d.Err != nil {
		// TTS failures are not retried; the text already consumed by the
		// failed stream cannot be replayed without duplicating audio.
		a.abortTurn(t, d.Err)
		return
	}

	if len(d.Data) > 0 {
		if t.audioOut == 0 {
			t.firstAudioAt = time.Now()
			if a.cfg.Observer != nil {
				a.cfg.Observer.FirstAudio(t.ID, t.firstAudioAt.Sub(t.StartedAt), t.firstAudioAt)
			}
		}
		t.audioOut++
		a.emit(Event{Type: EventAudio, TurnID: t.ID, TurnSeq: t.Seq, Audio: d.Data, ChunkIndex: d.Index})
	}

	if d.Final {
		if a.cfg.Observer != nil {
			a.cfg.Observer.StageEnded(t.ID, StageTTS, time.Now())
		}
		a.completeTurn(t)
	}
}

// bargeIn supersedes the active turn and starts a new one from the frame
// that confirmed the onset. Cancellation is fire-and-forget: the old turn's
// stages get a Cancel and their late deltas fall into activeTurn's drop.
func (a *Agent) bargeIn(ctx context.Context, frame rtc.AudioFrame) {
	old := a.turn
	old.Status = TurnSuperseded
	old.cancelStages()
	a.log.Info("barge-in, superseding turn", "turn", old.ID, "turn_seq", old.Seq)
	if a.cfg.Observer != nil {
		a.cfg.Observer.BargeIn(old.ID, time.Now())
	}
	a.observeTurnEnded(old)

	a.beginTurn(ctx, []rtc.AudioFrame{frame})
}

// stageFailed applies the failure policy: one retry for recoverable STT and
// LLM failures inside the turn deadline, abort otherwise. An LLM retry is
// only safe before any text reached TTS; replaying after that would speak
// part of the response twice.
func (a *Agent) stageFailed(ctx context.Context, t *Turn, stage Stage, err error) {
	if !t.active() {
		return
	}
	// Stale failures: a timeout timer may fire in the window between the
	// stage finishing and the timer being stopped.
	if stage == StageSTT && t.transcript != "" {
		return
	}
	if stage == StageLLM && t.llmDone {
		return
	}
	within := time.Now().Before(t.deadlineAt)

	switch {
	case stage == StageSTT && ai.IsRecoverable(err) && !t.sttRetried && within:
		a.retrySTT(ctx, t, err)
	case stage == StageLLM && ai.IsRecoverable(err) && !t.llmRetried && within && t.ttsChunks == 0:
		a.retryLLM(ctx, t, err)
	default:
		a.log.Error("stage failed", "turn", t.ID, "stage", stage, "error", err)
		a.abortTurn(t, err)
	}
}

// retrySTT replaces the STT stream and replays every frame the turn has
// pushed so far.
func (a *Agent) retrySTT(ctx context.Context, t *Turn, cause error) {
	a.log.Warn("retrying stt stage", "turn", t.ID, "error", cause, "replay_frames", len(t.audio))
	t.sttRetried = true
	if t.sttHandle != nil {
		t.sttHandle.Cancel()
	}
	if t.sttTimer != nil {
		t.sttTimer.Stop()
	}
	a.openSTT(ctx, t, t.audio)
}

// retryLLM replaces the model stream with a fresh request. The partial
// response is discarded and regenerated from scratch.
func (a *Agent) retryLLM(ctx context.Context, t *Turn, cause error) {
	a.log.Warn("retrying llm stage", "turn", t.ID, "error", cause)
	t.llmRetried = true
	if t.llmHandle != nil {
		t.llmHandle.Cancel()
	}
	t.response.Reset()
	t.chunker = NewChunker(a.cfg.TokenCounter, a.cfg.ChunkMaxTokens)
	a.openLLM(ctx, t, t.finalTranscript())
}

// abortTurn ends the turn on a failure: stages cancelled, an error event
// emitted, session back to idle.
func (a *Agent) abortTurn(t *Turn, err error) {
	t.Status = TurnAborted
	t.cancelStages()
	a.emit(Event{Type: EventError, TurnID: t.ID, TurnSeq: t.Seq, Error: err.Error()})
	a.observeTurnEnded(t)
	a.turn = nil
	// Reset the gate so speech still in progress can re-trigger an onset.
	a.gate.Reset()
	a.setState(StateIdle)
}

// completeTurn ends the turn successfully: the exchange joins the
// conversation history and the session returns to idle.
func (a *Agent) completeTurn(t *Turn) {
	t.Status = TurnComplete
	t.cancelStages()

	if user := t.finalTranscript(); user != "" {
		a.history = append(a.history,
			llm.Message{Role: llm.RoleUser, Content: user},
			llm.Message{Role: llm.RoleAssistant, Content: t.response.String()},
		)
		if max := a.cfg.MaxHistoryTurns * 2; len(a.history) > max {
			a.history = append(a.history[:0:0], a.history[len(a.history)-max:]...)
		}
	}

	a.log.Info("turn complete", "turn", t.ID, "turn_seq", t.Seq,
		"audio_chunks", t.audioOut, "duration", time.Since(t.StartedAt))
	a.observeTurnEnded(t)
	a.turn = nil
	a.setState(StateIdle)
}

func (a *Agent) observeTurnEnded(t *Turn) {
	if a.cfg.Observer != nil {
		a.cfg.Observer.TurnEnded(t.ID, t.Status, time.Now())
	}
}

func (a *Agent) setState(to State) {
	if a.state == to {
		return
	}
	from := a.state
	a.state = to
	a.stateVal.Store(to)
	a.log.Debug("state transition", "from", from, "to", to)

	ev := Event{Type: EventStateChanged, State: to, PrevState: from}
	if a.turn != nil {
		ev.TurnID = a.turn.ID
		ev.TurnSeq = a.turn.Seq
	}
	if a.cfg.Observer != nil {
		a.cfg.Observer.StateChanged(from, to, time.Now())
	}
	if to == StateClosed {
		// The events channel is about to close; the state change still goes
		// through the observer above.
		return
	}
	a.emit(ev)
}

// emit places an event on the outbound stream. Non-blocking: a consumer that
// stops reading sheds events rather than stalling the loop.
func (a *Agent) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case a.events <- ev:
	default:
		a.log.Warn("event stream full, dropping event", "type", ev.Type)
	}
}

// deliver routes a message from a pump goroutine onto the input queue,
// giving up once the session is shutting down. Reports whether the message
// made it onto the queue.
func (a *Agent) deliver(m inbound) bool {
	select {
	case a.inbound <- m:
		return true
	case <-a.closing:
	case <-a.done:
	}
	return false
}

func (a *Agent) deliverFailure(h *StageHandle, err error) {
	if h.Cancelled() {
		return
	}
	a.deliver(inbound{kind: inFailure, turnID: h.TurnID, stage: h.Stage, err: err})
}
