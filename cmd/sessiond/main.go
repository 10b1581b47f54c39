// Command sessiond runs the session-status daemon: it binds the hook
// ingest endpoint and the snapshot WebSocket stream on loopback, tails
// session transcripts for content metadata, and serves per-session audit
// logs. Adapted from the teacher's cmd/server/main.go — the same
// signal-driven shutdown sequencing, generalized to a cobra root command
// with layered config instead of env-var-only loadConfig().
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sessiond/internal/audit"
	"sessiond/internal/config"
	"sessiond/internal/gitprobe"
	"sessiond/internal/ingest"
	"sessiond/internal/publish"
	"sessiond/internal/registry"
	"sessiond/internal/summarizer"
	"sessiond/internal/tail"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	var configPath string

	cmd := &cobra.Command{
		Use:   "sessiond",
		Short: "Local daemon that derives and publishes agentic-coding session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Flags given on the command line are re-applied after the YAML
			// file is merged, so they take precedence over it.
			setFlags := map[string]string{}
			cmd.Flags().Visit(func(f *pflag.Flag) { setFlags[f.Name] = f.Value.String() })
			if configPath != "" {
				if err := config.LoadYAML(&cfg, configPath); err != nil {
					return err
				}
			} else if path, err := config.EnsureConfigDir(); err == nil {
				_ = config.LoadYAML(&cfg, path+"/config.yaml")
			}
			for name, val := range setFlags {
				if err := cmd.Flags().Set(name, val); err != nil {
					return err
				}
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.IntVar(&cfg.HookPort, "hook-port", cfg.HookPort, "port for the hook ingest endpoint")
	flags.IntVar(&cfg.StreamPort, "stream-port", cfg.StreamPort, "port for the snapshot WebSocket stream")
	flags.Int64Var(&cfg.DebounceMs, "debounce-ms", cfg.DebounceMs, "log-file write coalescing window, in ms")
	flags.Int64Var(&cfg.PermissionDelayMs, "permission-delay-ms", cfg.PermissionDelayMs, "permission-request debounce window, in ms")
	flags.Int64Var(&cfg.StaleCheckIntervalMs, "stale-check-interval-ms", cfg.StaleCheckIntervalMs, "stale-check ticker interval, in ms")
	flags.Int64Var(&cfg.StaleThresholdMs, "stale-threshold-ms", cfg.StaleThresholdMs, "working-with-no-activity threshold, in ms")
	flags.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "directory for per-session audit logs")
	flags.StringVar(&cfg.GitCacheFile, "cache-dir", cfg.GitCacheFile, "path to the persistent git-info cache file")
	flags.StringVar(&cfg.WatchDir, "watch-dir", cfg.WatchDir, "directory tree of session transcripts to tail")

	return cmd
}

func run(cfg config.Config) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil {
		return fmt.Errorf("creating audit log dir: %w", err)
	}

	auditLog := audit.New(cfg.LogDir, log)
	diskCache := gitprobe.LoadDiskCache(cfg.GitCacheFile, log)
	gitProber := gitprobe.NewCachingProber(gitprobe.NewExecProber(), 60*time.Second, diskCache)
	summarizerCaller := summarizer.NewCoalescer(summarizer.Offline{})
	pub := publish.New(log)

	reg := registry.New(registry.Config{
		PermissionDelay:    cfg.PermissionDelay(),
		StaleCheckInterval: cfg.StaleCheckInterval(),
		StaleThreshold:     cfg.StaleThreshold(),
		Clock:              registry.RealClock{},
		GitProber:          gitProber,
		Summarizer:         summarizerCaller,
		Audit:              auditLog,
		Notifier:           pub,
		Log:                log,
	})

	tailer := tail.New(reg, log, cfg.CoalesceDelay())
	if cfg.WatchDir != "" {
		if err := os.MkdirAll(cfg.WatchDir, 0o750); err != nil {
			return fmt.Errorf("creating watch dir: %w", err)
		}
		if err := tailer.Watch(cfg.WatchDir); err != nil {
			return fmt.Errorf("starting log tailer: %w", err) // Fatal per spec §7
		}
	}

	// The hook ingest endpoint and the audit log server share one listener
	// (spec §4.7: "the same HTTP server hosts POST /hook for ingest").
	hookSrv := ingest.New(reg, log)
	hookMux := http.NewServeMux()
	hookMux.Handle("/hook", hookSrv.Handler())
	hookMux.Handle("/logs/", auditLog.Handler())
	hookHTTP := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.HookPort),
		Handler:           hookMux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	streamHTTP := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.StreamPort),
		Handler:           pub.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go reg.Run(ctx)
	hookSrv.SetReady(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		hookSrv.SetReady(false)
		cancel()
		tailer.Shutdown()
		hookHTTP.Close()
		streamHTTP.Close()
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- serveOrNil(hookHTTP) }()
	go func() { errCh <- serveOrNil(streamHTTP) }()

	log.Info("sessiond running", "hookPort", cfg.HookPort, "streamPort", cfg.StreamPort)
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			return err
		}
	}
	return nil
}

func serveOrNil(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
