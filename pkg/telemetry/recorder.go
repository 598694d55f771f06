package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voiceloop/voiceloop/pkg/agent"
)

// maxRetainedTurns bounds the per-session snapshot history.
const maxRetainedTurns = 64

// TurnSnapshot is the recorded telemetry of one finished turn.
type TurnSnapshot struct {
	TurnID    string
	Seq       uint64
	StartedAt time.Time
	EndedAt   time.Time
	Status    string

	// StageDurations holds open-to-finish time per stage that completed.
	StageDurations map[agent.Stage]time.Duration

	// FirstAudioLatency is onset-to-first-audio; zero when no audio was
	// emitted.
	FirstAudioLatency time.Duration

	BargedIn bool
}

// Recorder implements agent.Observer. It keeps a bounded in-memory history
// of turn snapshots and feeds the metric instruments. Every method is a
// short lock-and-append; the orchestrator calls them inline and none of them
// can block on I/O.
type Recorder struct {
	sessionID string
	metrics   *Metrics
	log       *slog.Logger

	mu     sync.Mutex
	active map[string]*TurnSnapshot
	stages map[string]map[agent.Stage]time.Time
	done   []TurnSnapshot
}

// NewRecorder creates a recorder for one session. A nil metrics falls back
// to the package default instruments.
func NewRecorder(sessionID string, metrics *Metrics, log *slog.Logger) *Recorder {
	if metrics == nil {
		metrics = DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		sessionID: sessionID,
		metrics:   metrics,
		log:       log.With("session", sessionID),
		active:    make(map[string]*TurnSnapshot),
		stages:    make(map[string]map[agent.Stage]time.Time),
	}
}

// SessionStarted marks the session live. Called by the transport once the
// agent is running.
func (r *Recorder) SessionStarted() {
	r.metrics.ActiveSessions.Add(context.Background(), 1)
}

// SessionEnded marks the session gone.
func (r *Recorder) SessionEnded() {
	r.metrics.ActiveSessions.Add(context.Background(), -1)
}

// StateChanged implements agent.Observer.
func (r *Recorder) StateChanged(from, to agent.State, at time.Time) {
	r.metrics.RecordTransition(context.Background(), string(to))
}

// TurnStarted implements agent.Observer.
func (r *Recorder) TurnStarted(turnID string, seq uint64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[turnID] = &TurnSnapshot{
		TurnID:         turnID,
		Seq:            seq,
		StartedAt:      at,
		StageDurations: make(map[agent.Stage]time.Duration),
	}
	r.stages[turnID] = make(map[agent.Stage]time.Time)
}

// StageStarted implements agent.Observer.
func (r *Recorder) StageStarted(turnID string, stage agent.Stage, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if starts, ok := r.stages[turnID]; ok {
		starts[stage] = at
	}
}

// StageEnded implements agent.Observer.
func (r *Recorder) StageEnded(turnID string, stage agent.Stage, at time.Time) {
	r.mu.Lock()
	snap := r.active[turnID]
	starts := r.stages[turnID]
	var d time.Duration
	if snap != nil && starts != nil {
		if start, ok := starts[stage]; ok {
			d = at.Sub(start)
			snap.StageDurations[stage] = d
		}
	}
	r.mu.Unlock()

	if d <= 0 {
		return
	}
	ctx := context.Background()
	switch stage {
	case agent.StageSTT:
		r.metrics.STTDuration.Record(ctx, d.Seconds())
	case agent.StageLLM:
		r.metrics.LLMDuration.Record(ctx, d.Seconds())
	case agent.StageTTS:
		r.metrics.TTSDuration.Record(ctx, d.Seconds())
	}
}

// FirstAudio implements agent.Observer.
func (r *Recorder) FirstAudio(turnID string, latency time.Duration, at time.Time) {
	r.mu.Lock()
	if snap := r.active[turnID]; snap != nil {
		snap.FirstAudioLatency = latency
	}
	r.mu.Unlock()

	r.metrics.FirstAudioLatency.Record(context.Background(), latency.Seconds())
}

// BargeIn implements agent.Observer.
func (r *Recorder) BargeIn(turnID string, at time.Time) {
	r.mu.Lock()
	if snap := r.active[turnID]; snap != nil {
		snap.BargedIn = true
	}
	r.mu.Unlock()

	r.metrics.BargeIns.Add(context.Background(), 1)
}

// TurnEnded implements agent.Observer.
func (r *Recorder) TurnEnded(turnID string, status agent.TurnStatus, at time.Time) {
	r.mu.Lock()
	snap, ok := r.active[turnID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.active, turnID)
	delete(r.stages, turnID)

	snap.EndedAt = at
	snap.Status = status.String()
	r.done = append(r.done, *snap)
	if len(r.done) > maxRetainedTurns {
		r.done = append(r.done[:0:0], r.done[len(r.done)-maxRetainedTurns:]...)
	}
	r.mu.Unlock()

	r.metrics.RecordTurn(context.Background(), status.String())
	r.log.Debug("turn recorded",
		"turn", turnID, "status", status.String(), "duration", at.Sub(snap.StartedAt))
}

// Turns returns the recorded snapshots of finished turns, oldest first.
func (r *Recorder) Turns() []TurnSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TurnSnapshot(nil), r.done...)
}

var _ agent.Observer = (*Recorder)(nil)
