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

	"brosh/internal/aicli"
	"brosh/internal/bridge"
	"brosh/internal/classifier"
	"brosh/internal/config"
	"brosh/internal/mcpsock"
	"brosh/internal/realtime"
	"brosh/internal/settings"
	"brosh/internal/triage"
	"brosh/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var (
		port      int
		socket    string
		noMCP     bool
		logFormat string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if socket != "" {
				cfg.SocketPath = socket
			}
			log := newLogger(logFormat, cfg.LogLevel)
			slog.SetDefault(log)
			return serve(cmd.Context(), cfg, !noMCP, log)
		},
	}
	cmd.Flags().IntVar(&port, "port", config.DefaultPort, "HTTP and WebSocket port")
	cmd.Flags().StringVar(&socket, "socket", "", "MCP socket path (default: platform location)")
	cmd.Flags().BoolVar(&noMCP, "no-mcp", false, "do not serve the MCP socket")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "log format: text or json")
	return cmd
}

func newLogger(format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func serve(ctx context.Context, cfg config.Config, withMCP bool, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := settings.Open(cfg.SettingsPath, log)
	if err != nil {
		return err
	}
	fileWatch := watcher.New(log)
	defer fileWatch.Shutdown()
	if err := store.Watch(fileWatch); err != nil {
		log.Warn("settings hot reload disabled", "error", err)
	}

	cls := classifier.New(
		classifier.WithDenylist(store.Get().AI.Denylist),
		classifier.WithLogger(log),
	)
	store.OnChange(func(s settings.Settings) { cls.SetDenylist(s.AI.Denylist) })

	runner := aicli.NewRunner(log)
	triageCtl := triage.NewController(triage.Config{
		Ask: func(ctx context.Context, prompt string) (string, error) {
			b, err := aicli.Detect(store.Get().AI.Backend)
			if err != nil {
				return "", err
			}
			return runner.OneShot(ctx, b, prompt)
		},
		Enabled: func() bool {
			s := store.Get()
			return s.AI.Enabled && s.AI.Triage
		},
		Diagnostics: func(d triage.Diagnostic) {
			log.Debug("triage verdict", "session_id", d.SessionID, "command", d.Command, "exit_code", d.ExitCode, "summary", d.Summary)
		},
		Logger: log,
	})

	srv := realtime.New(realtime.Config{
		NewManager: bridge.PTYManagers(cfg.MaxSessions, store.Get, log),
		Classifier: cls,
		Invoke:     bridge.RunnerInvoke(runner),
		Triage:     triageCtl,
		Settings:   store,
		StaticDir:  cfg.StaticDir,
		Logger:     log,
	})

	var arb *mcpsock.Arbiter
	if withMCP {
		arb = mcpsock.New(mcpsock.Config{
			Path:    cfg.SocketPath,
			Finder:  srv.FindTerminal,
			OnEvent: srv.OnMCPEvent,
			Watcher: fileWatch,
			LogDir:  cfg.LogDir,
			Version: version,
			Logger:  log,
		})
		srv.SetArbiter(arb)
		if err := arb.Start(); err != nil {
			log.Warn("mcp socket unavailable", "error", err)
		}
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("brosh running", "url", fmt.Sprintf("http://localhost:%d", cfg.Port), "version", version)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.Shutdown()
	if arb != nil {
		arb.Stop()
	}
	return httpServer.Shutdown(shutdownCtx)
}
