package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/inkvoice/inkvoice/internal/bus"
	"github.com/inkvoice/inkvoice/internal/checkpoint"
	"github.com/inkvoice/inkvoice/internal/config"
	"github.com/inkvoice/inkvoice/internal/dispatch"
	"github.com/inkvoice/inkvoice/internal/eventstore"
	"github.com/inkvoice/inkvoice/internal/natsserver"
	"github.com/inkvoice/inkvoice/internal/pipeline"
	"github.com/inkvoice/inkvoice/internal/protocol"
	"github.com/inkvoice/inkvoice/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath   string
		sessionID    string
		forceRestart bool
		workers      string
		outputPath   string
		showVersion  bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults apply when empty)")
	flag.StringVar(&sessionID, "session", "", "Session id to resume; a new one is generated when empty")
	flag.BoolVar(&forceRestart, "force-restart", false, "Discard checkpoint and artifacts for the session and start over")
	flag.StringVar(&workers, "workers", "", "Comma-separated worker names, overriding the configured pool")
	flag.StringVar(&outputPath, "output", "", "Audiobook output path (default: source name with .wav)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: inkvoiced [flags] <source>")
		os.Exit(2)
	}
	sourcePath := flag.Arg(0)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	if workers != "" {
		cfg.Dispatch.Workers = splitList(workers)
	}
	if outputPath == "" {
		base := filepath.Base(sourcePath)
		outputPath = strings.TrimSuffix(base, filepath.Ext(base)) + ".wav"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Telemetry.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, pipeline.Options{
		SessionID:    sessionID,
		ForceRestart: forceRestart,
		SourcePath:   sourcePath,
		OutputPath:   outputPath,
	}); err != nil {
		logger.Error("conversion failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, opts pipeline.Options) error {
	embedded, err := natsserver.Start(cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()
	if cfg.Bus.Embedded {
		cfg.Bus.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", cfg.Bus.Port)}
	}

	busClient, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer busClient.Close()

	events, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return err
	}
	defer events.Close()

	rt := runtime.New(cfg, events, logger)
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

	clients := make([]dispatch.Client, 0, len(cfg.Dispatch.Workers))
	for _, name := range cfg.Dispatch.Workers {
		clients = append(clients, dispatch.NewNATSClient(busClient.Conn(), name))
	}

	extractor, err := pipeline.NewExtractor(cfg.Extract)
	if err != nil {
		return err
	}

	publish := func(p protocol.Progress) {
		rt.SetProgress(p)
		if data, err := json.Marshal(p); err == nil {
			if err := busClient.Conn().Publish(protocol.ProgressSubject(p.SessionID), data); err != nil {
				logger.Warn("failed to publish progress", slog.String("error", err.Error()))
			}
		}
	}

	p := pipeline.New(pipeline.Params{
		WorkDir:     cfg.Storage.WorkDir,
		Settings:    cfg.SynthSettings(),
		Extractor:   extractor,
		Checkpoints: checkpoint.NewStore(cfg.Storage.WorkDir, logger),
		Dispatch:    dispatch.ConfigFrom(cfg.Dispatch),
		Clients:     clients,
		Events:      events,
		Publish:     publish,
		Log:         logger,
	})

	res, err := p.Run(ctx, opts)
	if err != nil {
		return err
	}

	logger.Info("audiobook ready",
		slog.String("session_id", res.SessionID),
		slog.Int("chapters", res.Chapters),
		slog.String("output", res.OutputPath))
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
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
