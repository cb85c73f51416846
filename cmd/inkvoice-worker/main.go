package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/inkvoice/inkvoice/internal/bus"
	"github.com/inkvoice/inkvoice/internal/config"
	"github.com/inkvoice/inkvoice/internal/runtime"
	"github.com/inkvoice/inkvoice/internal/synth"
	"github.com/inkvoice/inkvoice/internal/worker"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		name        string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults apply when empty)")
	flag.StringVar(&name, "name", "", "Worker name, overriding the configured one")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	if name != "" {
		cfg.Worker.Name = name
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Telemetry.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// Telemetry first: the worker's counters register against the global
	// meter, and the health/metrics endpoints must be up before the
	// coordinator starts probing.
	rt := runtime.New(cfg, nil, logger)
	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			logger.Error("runtime shutdown error", slog.String("error", err.Error()))
		}
	}()

	engine, err := buildSynth(cfg.Synth)
	if err != nil {
		return err
	}

	busClient, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer busClient.Close()

	svc := worker.New(cfg.Worker.Name, cfg.Storage.WorkDir, engine, logger)
	if err := svc.Start(ctx, busClient.Conn()); err != nil {
		return err
	}
	defer svc.Stop()

	<-ctx.Done()
	logger.Info("worker stopping")
	return nil
}

func buildSynth(cfg config.SynthConfig) (synth.Synthesizer, error) {
	switch cfg.Engine {
	case "mock":
		return synth.NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return synth.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("unknown synth engine %q", cfg.Engine)
	}
}

func logLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
