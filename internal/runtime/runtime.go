package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inkvoice/inkvoice/internal/config"
	"github.com/inkvoice/inkvoice/internal/eventstore"
	"github.com/inkvoice/inkvoice/internal/protocol"
)

// Runtime hosts the operational HTTP surface shared by the coordinator
// and the workers: health, readiness, metrics and live progress.
type Runtime struct {
	cfg            config.Config
	log            *slog.Logger
	events         *eventstore.Store
	httpServer     *http.Server
	telemetryClose func(context.Context) error
	ready          atomic.Bool
	wg             sync.WaitGroup

	mu          sync.RWMutex
	progress    protocol.Progress
	hasProgress bool
}

// New builds a runtime. events may be nil; /events then answers 404.
func New(cfg config.Config, events *eventstore.Store, log *slog.Logger) *Runtime {
	return &Runtime{cfg: cfg, events: events, log: log}
}

// Start brings up telemetry and the HTTP listener, then returns. Call
// Shutdown to stop.
func (r *Runtime) Start(ctx context.Context) error {
	telemetryClose, metricsHandler, err := setupTelemetry(r.cfg, r.log)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = telemetryClose

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/progress", r.handleProgress)
	mux.HandleFunc("/events", r.handleEvents)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.log.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.log.Info("runtime started", slog.String("addr", addr))
	return nil
}

// Shutdown stops the HTTP listener and flushes telemetry.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.ready.Store(false)
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			r.log.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			return err
		}
	}
	return nil
}

// SetProgress records the latest conversion progress; it doubles as the
// publish callback handed to the pipeline.
func (r *Runtime) SetProgress(p protocol.Progress) {
	r.mu.Lock()
	r.progress = p
	r.hasProgress = true
	r.mu.Unlock()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleProgress(w http.ResponseWriter, _ *http.Request) {
	r.mu.RLock()
	p, ok := r.progress, r.hasProgress
	r.mu.RUnlock()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(p)
}

func (r *Runtime) handleEvents(w http.ResponseWriter, req *http.Request) {
	if r.events == nil {
		http.NotFound(w, req)
		return
	}
	sessionID := req.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id query parameter required", http.StatusBadRequest)
		return
	}
	events, err := r.events.ListSessionEvents(req.Context(), sessionID, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(events)
}
