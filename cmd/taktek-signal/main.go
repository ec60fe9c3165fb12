package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/TakTek-App/TakTek-App/internal/config"
	"github.com/TakTek-App/TakTek-App/internal/directory"
	"github.com/TakTek-App/TakTek-App/internal/httpserver"
	"github.com/TakTek-App/TakTek-App/internal/metrics"
	"github.com/TakTek-App/TakTek-App/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting taktek-signal",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"config_sources", cfg.Sources,
		"ws_max_message_bytes", cfg.WebSocket.MaxMessageBytes,
		"ws_max_messages_per_second", cfg.WebSocket.MaxMessagesPerSecond,
		"hire_request_ttl", cfg.HireRequestTTL,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"jobs_api_url_set", cfg.Jobs.APIURL != "",
		"jobs_outbox_path", cfg.Jobs.OutboxPath,
	)
	logStartupWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	dir := directory.New()

	queue, err := newJobQueue(ctx, cfg.Jobs, logger, m)
	if err != nil {
		logger.Error("failed to open job outbox", "err", err)
		os.Exit(2)
	}
	defer queue.Close()

	sigCfg := signaling.Config{
		Logger:               logger,
		Metrics:              m,
		Directory:            dir,
		AllowedOrigins:       cfg.AllowedOrigins,
		MaxMessageBytes:      cfg.WebSocket.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.WebSocket.MaxMessagesPerSecond,
		PingInterval:         cfg.WebSocket.PingInterval,
		IdleTimeout:          cfg.WebSocket.IdleTimeout,
		SendQueueFrames:      cfg.WebSocket.SendQueueFrames,
		HireRequestTTL:       cfg.HireRequestTTL,
		CallRingTTL:          cfg.CallRingTTL,
		CallIdleTTL:          cfg.CallIdleTTL,
		SweepInterval:        cfg.SweepInterval,
	}
	// A nil *jobQueue must not become a non-nil interface.
	if queue.enabled() {
		sigCfg.Jobs = queue
	}
	sig, err := signaling.NewServer(sigCfg)
	if err != nil {
		logger.Error("failed to configure signaling", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	sig.RegisterRoutes(srv.Mux())
	srv.HandlePresence(dir.Stats)
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m, onlineGauges(dir)))

	var wg sync.WaitGroup
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	wg.Add(1)
	go func() {
		defer wg.Done()
		sig.Run(runCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		queue.Run(runCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		cancelRun()
		wg.Wait()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Close sockets first: hijacked /ws connections are not tracked by
	// http.Server.Shutdown.
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	wg.Wait()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func onlineGauges(dir *directory.Directory) func() map[string]int {
	return func() map[string]int {
		s := dir.Stats()
		return map[string]int{
			"user":                 s.Users,
			"technician":           s.Technicians,
			"technician_available": s.AvailableTechnicians,
			"company":              s.Companies,
		}
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info for
	// `go run` and dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}
