// Package transport serves voice sessions over WebSocket. Each connection
// gets its own agent wired to the configured providers; audio flows in as
// binary PCM messages and events flow back as JSON.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voiceloop/voiceloop/internal/config"
	"github.com/voiceloop/voiceloop/pkg/agent"
	"github.com/voiceloop/voiceloop/pkg/telemetry"
	"github.com/voiceloop/voiceloop/pkg/tokens"
	"github.com/voiceloop/voiceloop/pkg/voice"
)

const shutdownGrace = 5 * time.Second

// Server hosts the WebSocket session endpoint plus health and metrics.
type Server struct {
	cfg       *config.Config
	providers Providers
	log       *slog.Logger

	upgrader websocket.Upgrader
}

// NewServer creates a server from a loaded configuration and resolved
// providers.
func NewServer(cfg *config.Config, providers Providers, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		providers: providers,
		log:       log,
		upgrader:  websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if s.cfg.Telemetry.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.cfg.Server.ListenAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleWS upgrades the connection and runs one voice session on it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close()

	a, rec, err := s.newSessionAgent()
	if err != nil {
		s.log.Error("session setup failed", "error", err)
		conn.WriteJSON(map[string]string{"type": "error", "error": err.Error()})
		return
	}

	rec.SessionStarted()
	defer rec.SessionEnded()

	sess := newWSSession(conn, a, s.cfg.Pipeline.SampleRate, 1, s.log)
	sess.log.Info("websocket session opened", "remote", r.RemoteAddr)
	if err := sess.run(r.Context()); err != nil {
		sess.log.Error("session failed", "error", err)
		return
	}
	sess.log.Info("websocket session closed", "remote", r.RemoteAddr)
}

// newSessionAgent assembles an agent and its telemetry recorder from the
// server configuration.
func (s *Server) newSessionAgent() (*agent.Agent, *telemetry.Recorder, error) {
	p := s.cfg.Pipeline

	var counter tokens.Counter = tokens.WordCounter{}
	if p.TokenizerPath != "" {
		counter = tokens.NewBPECounter(p.TokenizerPath)
	}

	sessionID := uuid.NewString()
	rec := telemetry.NewRecorder(sessionID, nil, s.log)

	// Scorers hold per-stream state, so every session gets a fresh one.
	scorer, err := s.providers.NewScorer()
	if err != nil {
		return nil, nil, err
	}

	a, err := agent.NewAgent(agent.Config{
		SessionID: sessionID,

		STT:    s.providers.STT,
		LLM:    s.providers.LLM,
		TTS:    s.providers.TTS,
		Scorer: scorer,
		Gate: voice.GateConfig{
			Threshold:   p.VADThreshold,
			OnsetFrames: p.OnsetFrames,
			Hangover:    p.Hangover(),
		},
		PreBuffer:       p.PreBuffer(),
		SampleRate:      p.SampleRate,
		NumChannels:     1,
		SystemPrompt:    p.SystemPrompt,
		TokenCounter:    counter,
		ChunkMaxTokens:  p.ChunkMaxTokens,
		STTFinalTimeout: p.STTTimeout(),
		LLMDeltaTimeout: p.LLMTimeout(),
		TurnDeadline:    p.TurnDeadline(),
		MaxHistoryTurns: p.MaxHistoryTurns,
		Logger:          s.log,
		Observer:        rec,
	})
	if err != nil {
		return nil, nil, err
	}
	return a, rec, nil
}

// checkOrigin allows same-origin, localhost, and private-network clients.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		slog.Warn("rejected websocket connection: invalid origin", "origin", origin)
		return false
	}
	host := u.Hostname()

	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == requestHost {
		return true
	}

	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	slog.Warn("rejected websocket connection", "origin", origin)
	return false
}
