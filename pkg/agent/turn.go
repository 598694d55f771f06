package agent

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voiceloop/voiceloop/pkg/ai/llm"
	"github.com/voiceloop/voiceloop/pkg/ai/stt"
	"github.com/voiceloop/voiceloop/pkg/ai/tts"
	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// State is the session orchestrator's lifecycle state.
type State string

const (
	// StateIdle: no active turn, pre-speech buffer recording.
	StateIdle State = "idle"
	// StateListening: active turn, user audio streaming to STT.
	StateListening State = "listening"
	// StateFinalizingSpeech: end-of-speech confirmed, awaiting the final
	// transcript.
	StateFinalizingSpeech State = "finalizing_speech"
	// StateThinking: final transcript submitted to the LLM, no audio out yet.
	StateThinking State = "thinking"
	// StateSpeaking: response text flowing through TTS, audio going out.
	StateSpeaking State = "speaking"
	// StateClosed: terminal; the session accepts nothing further.
	StateClosed State = "closed"
)

// Stage names one of the three provider stages of a turn.
type Stage string

const (
	StageSTT Stage = "stt"
	StageLLM Stage = "llm"
	StageTTS Stage = "tts"
)

// TurnStatus is the terminal disposition of a turn.
type TurnStatus int

const (
	// TurnActive: the turn owns the session.
	TurnActive TurnStatus = iota
	// TurnComplete: response fully synthesized and emitted.
	TurnComplete
	// TurnAborted: a stage failure ended the turn early.
	TurnAborted
	// TurnSuperseded: a barge-in replaced the turn; its late deltas are
	// dropped and its errors swallowed.
	TurnSuperseded
)

func (s TurnStatus) String() string {
	switch s {
	case TurnActive:
		return "active"
	case TurnComplete:
		return "complete"
	case TurnAborted:
		return "aborted"
	case TurnSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// StageHandle ties one provider stage invocation to the turn that started
// it. Pump goroutines tag every delta with the handle's turn ID so the
// orchestrator can drop anything from a superseded turn, and Cancel gives
// barge-in a fire-and-forget way to tear the stage down without waiting.
type StageHandle struct {
	Stage   Stage
	TurnID  string
	TurnSeq uint64

	done  chan struct{}
	once  sync.Once
	abort func()
}

func newStageHandle(stage Stage, t *Turn, abort func()) *StageHandle {
	return &StageHandle{
		Stage:   stage,
		TurnID:  t.ID,
		TurnSeq: t.Seq,
		done:    make(chan struct{}),
		abort:   abort,
	}
}

// Cancel tears the stage down. It never blocks and never reports an error;
// the caller has already moved on. Safe to call more than once.
func (h *StageHandle) Cancel() {
	h.once.Do(func() {
		if h.abort != nil {
			h.abort()
		}
		close(h.done)
	})
}

// Done is closed once the handle has been cancelled.
func (h *StageHandle) Done() <-chan struct{} {
	return h.done
}

// Cancelled reports whether Cancel has been called.
func (h *StageHandle) Cancelled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Turn is one conversational exchange: the user's utterance and the
// response generated for it. All fields are owned by the orchestrator loop.
type Turn struct {
	ID        string
	Seq       uint64
	StartedAt time.Time
	Status    TurnStatus

	// Transcript accumulation. interim holds the latest interim text;
	// transcript holds the final text once STT delivers it.
	interim    string
	transcript string

	// Response accumulation for conversation history.
	response strings.Builder

	chunker *Chunker

	// Stage plumbing. The feed channel decouples frame ingestion from STT
	// Push calls, which may block on network I/O. Streams open off the loop
	// goroutine and attach later; the attempt counters let the loop discard
	// opens and failures from attempts a retry has already replaced.
	sttStream  stt.Stream
	sttHandle  *StageHandle
	sttFeed    chan rtc.AudioFrame
	sttFed     bool // feed channel closed (CloseSend requested)
	sttRetried bool
	sttAttempt int
	sttTimer   *time.Timer // final-transcript timeout, armed on finalize

	llmStream  llm.ChatStream
	llmHandle  *StageHandle
	llmDone    bool
	llmRetried bool
	llmAttempt int

	ttsStream  tts.Stream
	ttsHandle  *StageHandle
	ttsOpening bool     // open requested, stream not yet attached
	ttsQueue   []string // chunks held back until the stream attaches
	ttsClosed  bool     // CloseSend issued after the last chunk
	ttsChunks  int      // chunks submitted to TTS
	audioOut   int      // audio deltas emitted downstream

	// audio retains every frame sent to STT so a failed stream can be
	// replayed on the one permitted retry.
	audio []rtc.AudioFrame

	firstAudioAt time.Time
	deadline     *time.Timer
	deadlineAt   time.Time
}

func newTurn(seq uint64, chunker *Chunker) *Turn {
	return &Turn{
		ID:        uuid.NewString(),
		Seq:       seq,
		StartedAt: time.Now(),
		Status:    TurnActive,
		chunker:   chunker,
	}
}

// active reports whether the turn still owns the session.
func (t *Turn) active() bool {
	return t.Status == TurnActive
}

// cancelStages fires Cancel on every stage the turn has opened and stops the
// deadline timer. Fire and forget: nothing waits for teardown.
func (t *Turn) cancelStages() {
	if t.sttHandle != nil {
		t.sttHandle.Cancel()
	}
	if t.llmHandle != nil {
		t.llmHandle.Cancel()
	}
	if t.ttsHandle != nil {
		t.ttsHandle.Cancel()
	}
	if t.sttTimer != nil {
		t.sttTimer.Stop()
	}
	if t.deadline != nil {
		t.deadline.Stop()
	}
}

// attemptCurrent reports whether a failure tagged with an open attempt still
// refers to the stage's live attempt. Untagged failures come from pump
// goroutines whose handles gate staleness already.
func (t *Turn) attemptCurrent(stage Stage, attempt int) bool {
	if attempt == 0 {
		return true
	}
	switch stage {
	case StageSTT:
		return attempt == t.sttAttempt
	case StageLLM:
		return attempt == t.llmAttempt
	}
	return true
}

// finalTranscript returns the text the LLM should see for this turn: the
// final transcript when present, otherwise the last interim.
func (t *Turn) finalTranscript() string {
	if t.transcript != "" {
		return t.transcript
	}
	return t.interim
}
