package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/chriscow/foundation-voice-go/pkg/plugin/all"  // bundled providers
	_ "github.com/chriscow/foundation-voice-go/pkg/plugin/fake" // scripted providers for demos
	"github.com/chriscow/foundation-voice-go/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "fv-go",
	Short: "Config-driven voice agents over WebSocket, WebRTC, LiveKit and phone calls",
	Long: `fv-go serves voice agents described by JSON or YAML configuration files.
Each connection is classified by transport, matched to an agent and run through
VAD, speech-to-text, an LLM and text-to-speech until the caller hangs up.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo())
	},
}

// setupLogger builds the process logger from --log-format and --log-level,
// falling back to FV_LOG_FORMAT and FV_LOG_LEVEL.
func setupLogger(cmd *cobra.Command) *slog.Logger {
	format, _ := cmd.Flags().GetString("log-format")
	level, _ := cmd.Flags().GetString("log-level")
	if format == "" {
		format = os.Getenv("FV_LOG_FORMAT")
	}
	if level == "" {
		level = os.Getenv("FV_LOG_LEVEL")
	}

	opts := &slog.HandlerOptions{}
	switch strings.ToLower(level) {
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
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// envOr returns the flag value, or the environment variable when the flag
// was not set on the command line.
func envOr(cmd *cobra.Command, flag, env string) string {
	v, _ := cmd.Flags().GetString(flag)
	if cmd.Flags().Changed(flag) {
		return v
	}
	if e := os.Getenv(env); e != "" {
		return e
	}
	return v
}

// durationOr is envOr for duration flags. An unparsable variable is an error.
func durationOr(cmd *cobra.Command, flag, env string) (time.Duration, error) {
	v, _ := cmd.Flags().GetDuration(flag)
	if cmd.Flags().Changed(flag) {
		return v, nil
	}
	if e := os.Getenv(env); e != "" {
		d, err := time.ParseDuration(e)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", env, err)
		}
		return d, nil
	}
	return v, nil
}

func init() {
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text or json (env FV_LOG_FORMAT)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error (env FV_LOG_LEVEL)")

	rootCmd.AddCommand(versionCmd, serveCmd, callCmd, configCmd, providersCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
