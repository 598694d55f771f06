package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voiceloop/voiceloop/internal/config"
	"github.com/voiceloop/voiceloop/internal/transport"
	"github.com/voiceloop/voiceloop/pkg/agent"
	"github.com/voiceloop/voiceloop/pkg/audio/wav"
	"github.com/voiceloop/voiceloop/pkg/plugin"
	_ "github.com/voiceloop/voiceloop/pkg/plugin/fake"   // register fake providers
	_ "github.com/voiceloop/voiceloop/pkg/plugin/openai" // register OpenAI providers
	_ "github.com/voiceloop/voiceloop/pkg/plugin/silero" // register VAD scorers
	"github.com/voiceloop/voiceloop/pkg/rtc"
	"github.com/voiceloop/voiceloop/pkg/telemetry"
	"github.com/voiceloop/voiceloop/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:          "voiceloop",
	Short:        "voiceloop - a real-time voice conversation server",
	Long:         `voiceloop runs streaming voice sessions: caller audio in, VAD-gated turns through STT, LLM, and TTS, synthesized speech back out, with barge-in support throughout.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket session server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}

		logger := setupLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
		logger.Info("starting server",
			slog.String("service", "voiceloop"),
			slog.String("version", version.Version),
			slog.String("commit", version.GitCommit),
			slog.String("addr", cfg.Server.ListenAddr))

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if cfg.Telemetry.Enabled {
			shutdown, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
				ServiceName:    cfg.Telemetry.ServiceName,
				ServiceVersion: version.Version,
			})
			if err != nil {
				return fmt.Errorf("initializing telemetry: %w", err)
			}
			defer shutdown(context.Background())
		}

		providers, err := transport.BuildProviders(cfg.Providers)
		if err != nil {
			return err
		}

		return transport.NewServer(cfg, providers, logger).Run(ctx)
	},
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run one conversation turn locally against the fake providers",
	Long: `Feed audio through a local session and print the resulting events.
With --file the audio comes from a 16 kHz mono WAV file; without it a
synthetic one-second utterance is generated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filePath, _ := cmd.Flags().GetString("file")
		logger := setupLogger(os.Getenv("VOICELOOP_LOG_LEVEL"), "console")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return runDemo(ctx, filePath, logger)
	},
}

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Plugin management commands",
}

var pluginListCmd = &cobra.Command{
	Use:   "list [kind]",
	Short: "List registered provider plugins",
	Long: `List all registered provider plugins or plugins of a specific kind.
Available kinds: stt, llm, tts, vad`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := ""
		if len(args) > 0 {
			kind = args[0]
		}

		plugins := plugin.List(kind)
		if len(plugins) == 0 {
			fmt.Println("No plugins registered")
			return nil
		}

		fmt.Printf("%-6s %-12s %s\n", "KIND", "NAME", "DESCRIPTION")
		fmt.Println("--------------------------------------------------")
		for _, p := range plugins {
			description := p.Description
			if description == "" {
				description = "No description"
			}
			fmt.Printf("%-6s %-12s %s\n", p.Kind, p.Name, description)
		}
		return nil
	},
}

func setupLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{}
	switch level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	var handler slog.Handler
	if format == "console" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func runDemo(ctx context.Context, filePath string, logger *slog.Logger) error {
	cfg := config.Default()
	providers, err := transport.BuildProviders(cfg.Providers)
	if err != nil {
		return err
	}

	scorer, err := providers.NewScorer()
	if err != nil {
		return err
	}

	a, err := agent.NewAgent(agent.Config{
		STT:    providers.STT,
		LLM:    providers.LLM,
		TTS:    providers.TTS,
		Scorer: scorer,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	go a.Start(ctx)

	frames, err := demoFrames(filePath)
	if err != nil {
		return err
	}

	logger.Info("feeding audio", slog.Int("frames", len(frames)))
	go func() {
		for _, frame := range frames {
			if err := a.Ingest(frame); err != nil {
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	timeout := time.After(30 * time.Second)
	audioBytes := 0
	var response string
	for {
		select {
		case ev, ok := <-a.Events():
			if !ok {
				return nil
			}
			switch ev.Type {
			case agent.EventStateChanged:
				fmt.Printf("state: %s -> %s\n", ev.PrevState, ev.State)
				if ev.State == agent.StateIdle && ev.PrevState == agent.StateSpeaking {
					fmt.Printf("response: %s\n", response)
					fmt.Printf("synthesized %d bytes of audio\n", audioBytes)
					return nil
				}
			case agent.EventTranscript:
				if ev.Final {
					fmt.Printf("transcript: %s\n", ev.Text)
				}
			case agent.EventResponse:
				response += ev.Text
			case agent.EventAudio:
				audioBytes += len(ev.Audio)
			case agent.EventError:
				return fmt.Errorf("session error: %s", ev.Error)
			}
		case <-timeout:
			return fmt.Errorf("demo timed out waiting for the turn to finish")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// demoFrames loads audio from a WAV file, or synthesizes one second of tone
// followed by enough silence to close the utterance.
func demoFrames(filePath string) ([]rtc.AudioFrame, error) {
	if filePath != "" {
		return wav.ReadFrames(filePath, rtc.DefaultFrameDuration)
	}

	const frameSamples = 320 // 20 ms at 16 kHz
	var frames []rtc.AudioFrame
	for i := 0; i < 100; i++ {
		data := make([]byte, frameSamples*2)
		if i < 50 {
			for j := 0; j < frameSamples; j++ {
				v := math.Sin(2 * math.Pi * 220 * float64(i*frameSamples+j) / 16000)
				sample := int16(v * 0.5 * 32767)
				data[j*2] = byte(sample)
				data[j*2+1] = byte(sample >> 8)
			}
		}
		frames = append(frames, rtc.AudioFrame{
			Seq:               uint64(i + 1),
			Data:              data,
			SampleRate:        16000,
			SamplesPerChannel: frameSamples,
			NumChannels:       1,
			Timestamp:         time.Duration(i) * rtc.DefaultFrameDuration,
		})
	}
	return frames, nil
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the YAML configuration file")
	demoCmd.Flags().String("file", "", "Path to a 16 kHz mono WAV file to feed")

	pluginCmd.AddCommand(pluginListCmd)
	rootCmd.AddCommand(versionCmd, serveCmd, demoCmd, pluginCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
