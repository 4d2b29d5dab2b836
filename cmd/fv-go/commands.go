package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chriscow/foundation-voice-go/pkg/config"
	"github.com/chriscow/foundation-voice-go/pkg/plugin"
	"github.com/chriscow/foundation-voice-go/pkg/telephony"
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Place an outbound call connected to a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger(cmd)

		to, _ := cmd.Flags().GetString("to")
		from, _ := cmd.Flags().GetString("from")
		agent, _ := cmd.Flags().GetString("agent")
		publicURL := envOr(cmd, "public-url", "FV_PUBLIC_URL")
		if to == "" {
			return fmt.Errorf("--to is required")
		}

		client, err := telephony.NewClientFromEnv(publicURL)
		if err != nil {
			return err
		}
		client.WithLogger(logger)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		sid, err := client.CreateCall(ctx, telephony.CallRequest{To: to, From: from, AgentName: agent})
		if err != nil {
			return err
		}
		fmt.Println(sid)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Agent configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <path>...",
	Short: "Resolve agent configs and report errors",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger(cmd)
		failed := 0
		for _, path := range args {
			cfg, err := config.Load(path, config.WithProviderChecker(plugin.Default()))
			if err != nil {
				failed++
				fmt.Printf("FAIL %s: %v\n", path, err)
				continue
			}
			fmt.Printf("ok   %s: %s\n", path, cfg)
		}
		logger.Debug("validated configs", slog.Int("count", len(args)), slog.Int("failed", failed))
		if failed > 0 {
			return fmt.Errorf("%d of %d configs are invalid", failed, len(args))
		}
		return nil
	},
}

var providersCmd = &cobra.Command{
	Use:   "providers [kind]",
	Short: "List registered providers and their availability",
	Long: `List every registered provider, or those of one kind.
Available kinds: vad, stt, llm, tts`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogger(cmd)

		var kind plugin.Kind
		if len(args) > 0 {
			k, err := plugin.ParseKind(args[0])
			if err != nil {
				return err
			}
			kind = k
		}

		registry := plugin.Default()
		plugins := registry.List(kind)
		if len(plugins) == 0 {
			fmt.Println("No providers registered")
			return nil
		}

		var hints []string
		fmt.Printf("%-5s %-12s %-8s %-12s %s\n", "KIND", "NAME", "VERSION", "STATUS", "DESCRIPTION")
		for _, p := range plugins {
			ver := p.Version
			if ver == "" {
				ver = "N/A"
			}
			status := "available"
			if err := registry.Status(p); err != nil {
				status = "unavailable"
				if p.InstallHint != "" {
					hints = append(hints, fmt.Sprintf("  %s/%s: %s", p.Kind, p.Name, p.InstallHint))
				}
			}
			fmt.Printf("%-5s %-12s %-8s %-12s %s\n", p.Kind, p.Name, ver, status, p.Description)
		}
		for _, h := range hints {
			fmt.Println(h)
		}
		return nil
	},
}

var providersDownloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download model files for providers that need them",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger(cmd)

		downloaded, failed := 0, 0
		for _, p := range plugin.Default().List("") {
			if p.Downloader == nil {
				continue
			}
			logger.Info("Downloading model files",
				slog.String("kind", string(p.Kind)),
				slog.String("name", p.Name))
			if err := p.Downloader.Download(); err != nil {
				logger.Error("Download failed",
					slog.String("kind", string(p.Kind)),
					slog.String("name", p.Name),
					slog.Any("error", err))
				failed++
				continue
			}
			downloaded++
		}

		fmt.Printf("Downloaded model files for %d providers\n", downloaded)
		if failed > 0 {
			return fmt.Errorf("failed to download %d model files", failed)
		}
		return nil
	},
}

var providersLoadCmd = &cobra.Command{
	Use:   "load [directory]",
	Short: "Load provider .so files (Linux, built with -tags=plugindyn)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger(cmd)
		dir := ""
		if len(args) > 0 {
			dir = args[0]
		}
		if err := plugin.Default().LoadDynamicPlugins(dir); err != nil {
			return err
		}
		logger.Info("Dynamic providers loaded", slog.String("directory", dir))
		return nil
	},
}

func init() {
	callCmd.Flags().String("to", "", "Destination phone number")
	callCmd.Flags().String("from", "", "Caller ID (default TWILIO_PHONE_NUMBER)")
	callCmd.Flags().String("agent", "", "Agent to connect the call to")
	callCmd.Flags().String("public-url", "", "Base URL of the running server (env FV_PUBLIC_URL)")

	configCmd.AddCommand(configValidateCmd)
	providersCmd.AddCommand(providersDownloadCmd, providersLoadCmd)
}
