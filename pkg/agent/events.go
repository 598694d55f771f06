package agent

import (
	"time"
)

// EventType identifies an outbound session event.
type EventType string

const (
	// EventStateChanged is emitted on every orchestrator state transition.
	EventStateChanged EventType = "state_changed"

	// EventTranscript carries one STT transcript delta (interim or final).
	EventTranscript EventType = "transcript"

	// EventResponse carries one LLM text delta.
	EventResponse EventType = "response"

	// EventAudio carries one synthesized audio chunk.
	EventAudio EventType = "audio"

	// EventError reports a turn that was aborted by a stage failure.
	EventError EventType = "error"
)

// Event is one entry on the session's ordered outbound stream. Only events
// belonging to the active turn are ever emitted; a superseded turn's deltas
// are dropped before they reach this stream.
type Event struct {
	Type      EventType     `json:"type"`
	TurnID    string        `json:"turn_id,omitempty"`
	TurnSeq   uint64        `json:"turn_seq,omitempty"`
	Timestamp time.Time     `json:"timestamp"`

	// StateChanged fields.
	State     State `json:"state,omitempty"`
	PrevState State `json:"prev_state,omitempty"`

	// Transcript / response fields.
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`

	// Audio fields. Data is 16-bit PCM; ChunkIndex preserves TTS generation
	// order within the turn.
	Audio      []byte `json:"audio,omitempty"`
	ChunkIndex int    `json:"chunk_index,omitempty"`

	// Error field for EventError.
	Error string `json:"error,omitempty"`
}
