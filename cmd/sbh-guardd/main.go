// Package main — cmd/sbh-guardd/main.go
//
// sbh-guardd entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/sbh-guard/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open the dual activity log (bbolt indexed store + journal).
//  4. Build the daemon: one forecaster/controller/ballast pool per
//     watched root, the scoring/safety/policy/guard/voi engines.
//  5. Attempt the bpf open-fd fast path (kernel version check, CO-RE
//     load); on any failure, fall back to the portable /proc walk. Either
//     way wire a refresh source into the daemon.
//  6. Start the operator Unix-socket server, if enabled.
//  7. Start the daemon's worker goroutines.
//  8. Register SIGHUP (reload), SIGUSR1 (immediate scan) handlers.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to all goroutines).
//  2. Daemon.Shutdown drains workers (max 30s) and writes a final state
//     file.
//  3. Close the activity logger.
//  4. Flush the logger.
//  5. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sbh-guard/sbh-guard/internal/activity"
	"github.com/sbh-guard/sbh-guard/internal/bpf"
	"github.com/sbh-guard/sbh-guard/internal/config"
	"github.com/sbh-guard/sbh-guard/internal/daemon"
	"github.com/sbh-guard/sbh-guard/internal/observability"
	"github.com/sbh-guard/sbh-guard/internal/operator"
	"github.com/sbh-guard/sbh-guard/internal/platform"
)

// bpfObjectPath is where the CO-RE object file is expected; a missing
// file is a normal, silent fallback path, not an error.
const bpfObjectPath = "/usr/lib/sbh-guard/openfd.bpf.o"

func main() {
	configPath := flag.String("config", "/etc/sbh-guard/config.yaml", "Path to config.yaml")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("sbh-guardd %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("sbh-guardd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
		zap.Strings("watched_paths", cfg.Scanner.WatchedPaths),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Activity log ──────────────────────────────────────────────────
	actLogger, err := activity.NewLogger(cfg.Logging.IndexedStorePath, cfg.Logging.JournalPath)
	if err != nil {
		log.Fatal("activity log open failed", zap.Error(err))
	}
	defer actLogger.Close() //nolint:errcheck
	log.Info("activity log opened",
		zap.String("store", cfg.Logging.IndexedStorePath),
		zap.String("journal", cfg.Logging.JournalPath))

	// ── Step 4: Metrics and daemon ────────────────────────────────────────────
	metrics := observability.NewMetrics()

	d, err := daemon.New(cfg, log, metrics, actLogger, config.Version, config.DefaultStateFilePath)
	if err != nil {
		log.Fatal("daemon construction failed", zap.Error(err))
	}

	// ── Step 5: bpf open-fd fast path, falling back to the portable walk ──────
	if bpf.KernelVersionSupported() {
		if bpfObjs, err := bpf.Load(bpfObjectPath); err == nil {
			defer bpfObjs.Close() //nolint:errcheck
			d.SetOpenFDSource(bpfObjs.Snapshot)
			log.Info("bpf open-fd fast path loaded", zap.String("object", bpfObjectPath))
		} else {
			log.Info("bpf open-fd fast path unavailable, falling back to /proc walk", zap.Error(err))
			d.SetOpenFDSource(func() (*platform.OpenFDSet, error) { return platform.DiscoverOpenFDs("/proc") })
		}
	} else {
		log.Info("kernel too old for bpf open-fd fast path, using /proc walk")
		d.SetOpenFDSource(func() (*platform.OpenFDSet, error) { return platform.DiscoverOpenFDs("/proc") })
	}

	// ── Step 6: Operator socket ───────────────────────────────────────────────
	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, d, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket listening", zap.String("path", cfg.Operator.SocketPath))
	} else {
		log.Info("operator socket disabled")
	}

	// ── Step 7: Start workers ─────────────────────────────────────────────────
	d.Start(ctx)
	log.Info("daemon workers started")

	// ── Step 8: Signal handlers ────────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		var lastReload time.Time
		for range sighup {
			if !lastReload.IsZero() && time.Since(lastReload) < config.ReloadInterval {
				log.Info("SIGHUP ignored — within reload interval")
				continue
			}
			lastReload = time.Now()
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			d.ReloadConfig(newCfg)
			log.Info("config hot-reload applied")
		}
	}()

	sigusr1 := make(chan os.Signal, 1)
	signal.Notify(sigusr1, syscall.SIGUSR1)
	go func() {
		for range sigusr1 {
			log.Info("SIGUSR1 received — triggering immediate scan")
			d.TriggerImmediateScan()
		}
	}()

	// ── Step 9: Wait for shutdown signal ──────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	d.Shutdown(30 * time.Second)

	log.Info("sbh-guardd shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
