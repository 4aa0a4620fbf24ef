// agent-bridge serves assistant CLI sessions to WebSocket peers.
//
// Each connection gets its own CLI subprocess; the bridge multiplexes user
// turns, streaming output, tool-permission prompts, and interrupts onto the
// socket.
//
// Usage:
//
//	agent-bridge --listen 127.0.0.1:8080
//	agent-bridge --config bridge.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentwire/agentbridge/bridge"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		cliPath    string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           "agent-bridge",
		Short:         "WebSocket bridge for assistant CLI sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := bridge.DefaultConfig()
			if configPath != "" {
				loaded, err := bridge.LoadConfig(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if cliPath != "" {
				cfg.CLIPath = cliPath
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}

			logger := newLogger(cfg.LogLevel)
			return serve(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address")
	cmd.Flags().StringVar(&cliPath, "cli-path", "", "assistant CLI binary path")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn, or error")

	return cmd
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func serve(ctx context.Context, cfg bridge.Config, logger *slog.Logger) error {
	server := bridge.NewServer(cfg, logger)

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: server.Router(),
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
