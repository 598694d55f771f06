package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/voiceloop/voiceloop/pkg/agent"
	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// Sentinels used to unwind the session's goroutine group on normal endings.
var (
	errClientGone   = errors.New("client disconnected")
	errSessionEnded = errors.New("session ended")
)

// controlMessage is the JSON shape of text frames from the client.
type controlMessage struct {
	Type string `json:"type"`
}

// wsSession bridges one WebSocket connection to one agent: binary messages
// in are PCM audio frames, JSON messages out are session events.
type wsSession struct {
	conn  *websocket.Conn
	agent *agent.Agent
	log   *slog.Logger

	sampleRate  int
	numChannels int

	seq     uint64
	samples uint64
}

func newWSSession(conn *websocket.Conn, a *agent.Agent, sampleRate, numChannels int, log *slog.Logger) *wsSession {
	return &wsSession{
		conn:        conn,
		agent:       a,
		log:         log.With("session", a.SessionID()),
		sampleRate:  sampleRate,
		numChannels: numChannels,
	}
}

// run drives the session until the client disconnects, the agent closes, or
// the context is cancelled. The watcher goroutine tears both halves down as
// soon as any of the loops ends, so a stuck read never outlives the session.
func (s *wsSession) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.agent.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return errSessionEnded
	})
	g.Go(s.readLoop)
	g.Go(s.writeLoop)
	g.Go(func() error {
		<-ctx.Done()
		s.agent.Close()
		s.conn.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, errClientGone) || errors.Is(err, errSessionEnded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readLoop turns inbound messages into audio frames. Binary payloads are
// 16-bit little-endian PCM at the session's configured rate; sequencing and
// timestamps are assigned here, so clients just send raw audio.
func (s *wsSession) readLoop() error {
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			return errClientGone
		}

		switch typ {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			if err := s.agent.Ingest(s.frame(data)); err != nil {
				return errSessionEnded
			}

		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.log.Warn("ignoring malformed control message", "error", err)
				continue
			}
			if msg.Type == "close" {
				return errClientGone
			}
		}
	}
}

// writeLoop forwards agent events to the client as JSON. Only this goroutine
// writes to the connection.
func (s *wsSession) writeLoop() error {
	for ev := range s.agent.Events() {
		if err := s.conn.WriteJSON(ev); err != nil {
			return errClientGone
		}
	}
	return errSessionEnded
}

// frame wraps one binary payload as the next audio frame in the session.
func (s *wsSession) frame(data []byte) rtc.AudioFrame {
	perChannel := len(data) / 2 / s.numChannels
	ts := time.Duration(s.samples) * time.Second / time.Duration(s.sampleRate)
	s.seq++
	s.samples += uint64(perChannel)

	return rtc.AudioFrame{
		Seq:               s.seq,
		Data:              data,
		SampleRate:        s.sampleRate,
		NumChannels:       s.numChannels,
		SamplesPerChannel: perChannel,
		Timestamp:         ts,
	}
}
