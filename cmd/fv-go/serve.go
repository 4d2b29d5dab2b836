package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chriscow/foundation-voice-go/internal/server"
	"github.com/chriscow/foundation-voice-go/pkg/config"
	"github.com/chriscow/foundation-voice-go/pkg/plugin"
	"github.com/chriscow/foundation-voice-go/pkg/sdk"
	"github.com/chriscow/foundation-voice-go/pkg/session"
	"github.com/chriscow/foundation-voice-go/pkg/telephony"
	"github.com/chriscow/foundation-voice-go/pkg/transport"
	"github.com/chriscow/foundation-voice-go/pkg/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve agents over HTTP and WebSocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger(cmd)

		addr := envOr(cmd, "addr", "FV_ADDR")
		if !cmd.Flags().Changed("addr") && os.Getenv("FV_ADDR") == "" {
			if port := os.Getenv("PORT"); port != "" {
				addr = ":" + port
			}
		}
		publicURL := envOr(cmd, "public-url", "FV_PUBLIC_URL")
		defaultAgent, _ := cmd.Flags().GetString("default-agent")
		sweep, _ := cmd.Flags().GetDuration("sweep-interval")
		timeout, err := durationOr(cmd, "session-timeout", "FV_SESSION_TIMEOUT")
		if err != nil {
			return err
		}
		handshake, err := durationOr(cmd, "handshake-timeout", "FV_HANDSHAKE_TIMEOUT")
		if err != nil {
			return err
		}

		registry := plugin.Default()
		agents, err := loadAgents(cmd, registry)
		if err != nil {
			return err
		}

		logger.Info("Starting server",
			slog.String("service", "fv-go"),
			slog.String("version", version.Version),
			slog.String("commit", version.GitCommit),
			slog.String("addr", addr),
			slog.Int("agents", len(agents)))

		tel, err := telephony.NewClientFromEnv(publicURL)
		if err != nil {
			if !errors.Is(err, telephony.ErrMissingCredentials) {
				return err
			}
			logger.Info("telephony disabled", slog.String("reason", err.Error()))
		} else {
			tel.WithLogger(logger)
		}

		detector := transport.NewDetector()
		detector.HandshakeTimeout = handshake
		detector.Logger = logger

		s := sdk.New(sdk.Options{
			Registry:     registry,
			Detector:     detector,
			Sessions:     session.NewManager(timeout, session.WithLogger(logger)),
			Agents:       agents,
			DefaultAgent: defaultAgent,
			Logger:       logger,
			Telephony:    tel,
			Callbacks: sdk.Callbacks{
				OnClientDisconnected: func(info sdk.DisconnectInfo) {
					logger.Info("call summary",
						slog.String("session_id", info.SessionID),
						slog.String("reason", string(info.Reason)),
						slog.Int("turns", len(info.Transcript)),
						slog.Int("llm_tokens", info.Metrics.TotalLLMTokens),
						slog.Float64("call_duration", info.Metrics.CallDuration))
				},
			},
		})

		srv := server.New(s, server.Config{
			Addr:          addr,
			PublicURL:     publicURL,
			SweepInterval: sweep,
			LiveKit:       transport.LiveKitFromEnv(),
		}, logger)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return srv.Run(ctx)
	},
}

// loadAgents reads --agents-dir or --config, falling back to
// FV_AGENTS_DIR and AGENT_CONFIG_PATH.
func loadAgents(cmd *cobra.Command, registry *plugin.Registry) (map[string]*config.AgentConfig, error) {
	opts := []config.Option{config.WithProviderChecker(registry)}

	if dir := envOr(cmd, "agents-dir", "FV_AGENTS_DIR"); dir != "" {
		agents, err := config.LoadDir(dir, opts...)
		if err != nil {
			return nil, err
		}
		if len(agents) == 0 {
			return nil, fmt.Errorf("no agent configs in %s", dir)
		}
		return agents, nil
	}

	path := envOr(cmd, "config", config.EnvConfigPath)
	if path == "" {
		return nil, errors.New("--config or --agents-dir is required")
	}
	cfg, err := config.Load(path, opts...)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return map[string]*config.AgentConfig{name: cfg}, nil
}

func init() {
	serveCmd.Flags().String("addr", server.DefaultAddr, "Listen address (env FV_ADDR or PORT)")
	serveCmd.Flags().String("config", "", "Agent config file (env "+config.EnvConfigPath+")")
	serveCmd.Flags().String("agents-dir", "", "Directory of agent configs, one agent per file (env FV_AGENTS_DIR)")
	serveCmd.Flags().String("default-agent", "", "Agent used when a connection names none")
	serveCmd.Flags().String("public-url", "", "Externally reachable base URL (env FV_PUBLIC_URL)")
	serveCmd.Flags().Duration("session-timeout", session.DefaultTimeout, "Evict sessions idle for this long (env FV_SESSION_TIMEOUT)")
	serveCmd.Flags().Duration("handshake-timeout", transport.DefaultHandshakeTimeout, "Wait for the telephony stream handshake (env FV_HANDSHAKE_TIMEOUT)")
	serveCmd.Flags().Duration("sweep-interval", 30*time.Second, "How often idle sessions are swept")
}
