package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/inkvoice/inkvoice/internal/book"
	"github.com/inkvoice/inkvoice/internal/checkpoint"
	"github.com/inkvoice/inkvoice/internal/config"
	"github.com/inkvoice/inkvoice/internal/eventstore"
	"github.com/inkvoice/inkvoice/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Config holds the coordinator's scheduling knobs.
type Config struct {
	PollInterval   time.Duration
	HealthTimeout  time.Duration
	ProcessTimeout time.Duration
	Cooldown       time.Duration
	MaxAttempts    int
}

func ConfigFrom(cfg config.DispatchConfig) Config {
	return Config{
		PollInterval:   time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		HealthTimeout:  time.Duration(cfg.HealthTimeoutMS) * time.Millisecond,
		ProcessTimeout: time.Duration(cfg.ProcessTimeoutMS) * time.Millisecond,
		Cooldown:       time.Duration(cfg.CooldownMS) * time.Millisecond,
		MaxAttempts:    cfg.MaxAttempts,
	}
}

// ChapterFailure describes a chapter that exhausted its attempts.
type ChapterFailure struct {
	Chapter  int
	Attempts int
	Reason   string
}

// RunError ends a run in partial failure: the named chapters are dead,
// every other chapter's artifacts remain valid for a later resume.
type RunError struct {
	Failures []ChapterFailure
}

func (e *RunError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("chapter %d after %d attempts (%s)", f.Chapter, f.Attempts, f.Reason)
	}
	return "chapters failed: " + strings.Join(parts, "; ")
}

type workerPhase int

const (
	phaseUnknown workerPhase = iota
	phaseIdle
	phaseBusy
	phaseUnreachable
)

// worker is the coordinator's private record for one remote worker.
// Workers are transient: rediscovered at startup, never checkpointed.
type worker struct {
	client        Client
	phase         workerPhase
	probing       bool
	chapter       int // in-flight assignment, -1 when none
	cooldownUntil time.Time
	lastHeartbeat time.Time
}

type probeResult struct {
	worker *worker
	phase  workerPhase
}

type dispatchResult struct {
	worker  *worker
	chapter int
	elapsed time.Duration
	err     error
}

// Coordinator drives all pending chapters to completion using the worker
// pool. A single control loop owns all chapter/worker/assignment state;
// probes and dispatches run in goroutines and report back on channels, so
// health polling never blocks on an in-flight chapter.
type Coordinator struct {
	cfg       Config
	session   checkpoint.Session
	plan      *book.Plan
	artifacts *book.Artifacts
	workers   []*worker
	attempts  []int
	events    *eventstore.Store
	publish   func(protocol.Progress)
	log       *slog.Logger

	completed metric.Int64Counter
	retries   metric.Int64Counter
	failures  metric.Int64Counter
	duration  metric.Float64Histogram
}

// New builds a coordinator. events and publish may be nil. Clients are
// ordered by address so scheduling is reproducible.
func New(cfg Config, session checkpoint.Session, plan *book.Plan, artifacts *book.Artifacts, clients []Client, events *eventstore.Store, publish func(protocol.Progress), log *slog.Logger) *Coordinator {
	sorted := append([]Client(nil), clients...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address() < sorted[j].Address() })

	workers := make([]*worker, len(sorted))
	for i, cl := range sorted {
		workers[i] = &worker{client: cl, chapter: -1}
	}

	meter := otel.Meter("inkvoice/dispatch")
	completed, _ := meter.Int64Counter("inkvoice.chapters.completed")
	retries, _ := meter.Int64Counter("inkvoice.chapters.retries")
	failures, _ := meter.Int64Counter("inkvoice.chapters.failed")
	duration, _ := meter.Float64Histogram("inkvoice.dispatch.duration", metric.WithUnit("s"))

	return &Coordinator{
		cfg:       cfg,
		session:   session,
		plan:      plan,
		artifacts: artifacts,
		workers:   workers,
		attempts:  make([]int, plan.Len()),
		events:    events,
		publish:   publish,
		log:       log.With(slog.String("component", "coordinator")),
		completed: completed,
		retries:   retries,
		failures:  failures,
		duration:  duration,
	}
}

// Plan exposes the live chapter state for the monitoring surface.
func (c *Coordinator) Plan() *book.Plan { return c.plan }

// Run blocks until every chapter is complete or permanently failed, or
// the context is cancelled. Cancellation abandons in-flight assignments;
// artifacts already written stay valid for the next resume.
func (c *Coordinator) Run(ctx context.Context) error {
	c.prescan()
	c.publishProgress()

	if len(c.plan.ChaptersWithStatus(book.StatusPending)) == 0 {
		return c.finish(ctx)
	}

	probeCh := make(chan probeResult, len(c.workers))
	dispatchCh := make(chan dispatchResult, len(c.workers))
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.probeWorkers(ctx, probeCh)

	for {
		c.assignPending(ctx, dispatchCh)
		if c.settled() {
			return c.finish(ctx)
		}

		select {
		case <-ctx.Done():
			c.log.Info("run interrupted, abandoning in-flight assignments")
			return ctx.Err()
		case <-ticker.C:
			c.probeWorkers(ctx, probeCh)
		case res := <-probeCh:
			c.handleProbe(res)
		case res := <-dispatchCh:
			c.handleDispatch(ctx, res)
		}
	}
}

// prescan marks chapters whose artifacts already exist, so completed work
// is never re-dispatched on resume. A chapter with every sentence artifact
// but no combined artifact is rebuilt locally rather than re-sent.
func (c *Coordinator) prescan() {
	for i := 0; i < c.plan.Len(); i++ {
		if c.artifacts.ChapterArtifactComplete(i) {
			c.plan.SetStatus(i, book.StatusComplete)
			continue
		}
		ch := c.plan.Chapter(i)
		if !c.artifacts.ChapterSentencesComplete(ch) {
			continue
		}
		if _, err := c.artifacts.CombineChapter(ch); err != nil {
			c.log.Warn("could not rebuild chapter from sentence artifacts, re-dispatching",
				slog.Int("chapter", i), slog.String("error", err.Error()))
			continue
		}
		c.log.Info("chapter rebuilt from existing sentence artifacts", slog.Int("chapter", i))
		c.plan.SetStatus(i, book.StatusComplete)
	}
	if skipped := len(c.plan.ChaptersWithStatus(book.StatusComplete)); skipped > 0 {
		c.log.Info("resume scan complete", slog.Int("already_complete", skipped), slog.Int("total", c.plan.Len()))
	}
}

// settled reports that nothing is pending and nothing is in flight.
func (c *Coordinator) settled() bool {
	return len(c.plan.ChaptersWithStatus(book.StatusPending)) == 0 &&
		len(c.plan.ChaptersWithStatus(book.StatusAssigned)) == 0
}

// assignPending pairs pending chapters with idle workers: lowest chapter
// index first, lexically-first idle worker first.
func (c *Coordinator) assignPending(ctx context.Context, dispatchCh chan<- dispatchResult) {
	for _, chapterIndex := range c.plan.ChaptersWithStatus(book.StatusPending) {
		w := c.firstIdleWorker()
		if w == nil {
			return
		}
		c.assign(ctx, w, chapterIndex, dispatchCh)
	}
}

func (c *Coordinator) firstIdleWorker() *worker {
	for _, w := range c.workers {
		if w.phase == phaseIdle && w.chapter < 0 {
			return w
		}
	}
	return nil
}

func (c *Coordinator) assign(ctx context.Context, w *worker, chapterIndex int, dispatchCh chan<- dispatchResult) {
	c.plan.SetStatus(chapterIndex, book.StatusAssigned)
	w.chapter = chapterIndex
	w.phase = phaseBusy

	ch := c.plan.Chapter(chapterIndex)
	req := protocol.ProcessRequest{
		SessionID:    c.session.ID,
		ChapterIndex: chapterIndex,
		Sentences:    ch.Texts(),
		Settings:     c.session.Configuration,
	}

	c.log.Info("chapter assigned",
		slog.Int("chapter", chapterIndex),
		slog.String("worker", w.client.Address()),
		slog.Int("attempt", c.attempts[chapterIndex]+1))
	c.record(ctx, eventstore.Event{
		SessionID:    c.session.ID,
		ChapterIndex: chapterIndex,
		Worker:       w.client.Address(),
		Type:         eventstore.TypeChapterDispatched,
	})

	go func() {
		dispatchCtx, cancel := context.WithTimeout(ctx, c.cfg.ProcessTimeout)
		defer cancel()
		start := time.Now()
		_, err := w.client.ProcessChapter(dispatchCtx, req)
		res := dispatchResult{worker: w, chapter: chapterIndex, elapsed: time.Since(start), err: err}
		select {
		case dispatchCh <- res:
		case <-ctx.Done():
		}
	}()
}

// probeWorkers launches health/status probes for every worker without an
// in-flight assignment, outside its cooldown window, not already probing.
func (c *Coordinator) probeWorkers(ctx context.Context, probeCh chan<- probeResult) {
	now := time.Now()
	for _, w := range c.workers {
		if w.probing || w.chapter >= 0 || now.Before(w.cooldownUntil) {
			continue
		}
		w.probing = true
		go func(w *worker) {
			phase := c.probe(ctx, w.client)
			select {
			case probeCh <- probeResult{worker: w, phase: phase}:
			case <-ctx.Done():
			}
		}(w)
	}
}

func (c *Coordinator) probe(ctx context.Context, cl Client) workerPhase {
	healthCtx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()
	health, err := cl.Health(healthCtx)
	if err != nil || health.Status != protocol.HealthStatusHealthy || !health.Ready {
		return phaseUnreachable
	}

	statusCtx, cancel2 := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel2()
	status, err := cl.Status(statusCtx)
	if err != nil {
		return phaseUnreachable
	}
	if status.State == protocol.WorkerStateBusy {
		return phaseBusy
	}
	return phaseIdle
}

func (c *Coordinator) handleProbe(res probeResult) {
	w := res.worker
	w.probing = false
	if w.chapter >= 0 {
		// A dispatch started while the probe was in flight; the
		// coordinator's own assignment state wins the tie.
		return
	}
	w.phase = res.phase
	switch res.phase {
	case phaseUnreachable:
		w.cooldownUntil = time.Now().Add(c.cfg.Cooldown)
	default:
		w.lastHeartbeat = time.Now()
	}
}

func (c *Coordinator) handleDispatch(ctx context.Context, res dispatchResult) {
	w := res.worker
	chapterIndex := res.chapter
	w.chapter = -1

	if errors.Is(res.err, ErrBusy) {
		// Scheduling signal, not a failure: no attempt consumed.
		c.log.Info("worker busy, rescheduling chapter",
			slog.Int("chapter", chapterIndex), slog.String("worker", w.client.Address()))
		c.plan.SetStatus(chapterIndex, book.StatusPending)
		w.phase = phaseBusy
		return
	}

	err := res.err
	if err == nil && !c.artifacts.ChapterArtifactComplete(chapterIndex) {
		err = fmt.Errorf("worker %s reported success but chapter artifact is missing", w.client.Address())
	}

	if err != nil {
		c.attempts[chapterIndex]++
		w.phase = phaseUnreachable
		w.cooldownUntil = time.Now().Add(c.cfg.Cooldown)

		if c.attempts[chapterIndex] < c.cfg.MaxAttempts {
			c.retries.Add(ctx, 1)
			c.log.Warn("chapter dispatch failed, will retry",
				slog.Int("chapter", chapterIndex),
				slog.String("worker", w.client.Address()),
				slog.Int("attempt", c.attempts[chapterIndex]),
				slog.String("error", err.Error()))
			c.plan.SetStatus(chapterIndex, book.StatusPending)
			return
		}

		c.log.Error("chapter failed permanently",
			slog.Int("chapter", chapterIndex),
			slog.Int("attempts", c.attempts[chapterIndex]),
			slog.String("error", err.Error()))
		c.plan.SetStatus(chapterIndex, book.StatusFailed)
		c.failures.Add(ctx, 1)
		c.record(ctx, eventstore.Event{
			SessionID:    c.session.ID,
			ChapterIndex: chapterIndex,
			Worker:       w.client.Address(),
			Type:         eventstore.TypeChapterFailed,
			Detail:       err.Error(),
		})
		c.publishProgress()
		return
	}

	c.plan.SetStatus(chapterIndex, book.StatusComplete)
	w.phase = phaseIdle
	c.completed.Add(ctx, 1)
	c.duration.Record(ctx, res.elapsed.Seconds())
	c.log.Info("chapter complete",
		slog.Int("chapter", chapterIndex),
		slog.String("worker", w.client.Address()),
		slog.Duration("elapsed", res.elapsed))
	c.record(ctx, eventstore.Event{
		SessionID:    c.session.ID,
		ChapterIndex: chapterIndex,
		Worker:       w.client.Address(),
		Type:         eventstore.TypeChapterCompleted,
	})
	c.publishProgress()
}

func (c *Coordinator) finish(ctx context.Context) error {
	c.publishProgress()
	failed := c.plan.ChaptersWithStatus(book.StatusFailed)
	if len(failed) == 0 {
		c.record(ctx, eventstore.Event{SessionID: c.session.ID, ChapterIndex: -1, Type: eventstore.TypeRunCompleted})
		return nil
	}

	runErr := &RunError{}
	for _, chapterIndex := range failed {
		runErr.Failures = append(runErr.Failures, ChapterFailure{
			Chapter:  chapterIndex,
			Attempts: c.attempts[chapterIndex],
			Reason:   "retries exhausted",
		})
	}
	c.record(ctx, eventstore.Event{SessionID: c.session.ID, ChapterIndex: -1, Type: eventstore.TypeRunFailed, Detail: runErr.Error()})
	return runErr
}

func (c *Coordinator) publishProgress() {
	if c.publish == nil {
		return
	}
	counts := c.plan.Counts()
	total := c.plan.Len()
	done := counts[book.StatusComplete]
	var percent float64
	if total > 0 {
		percent = float64(done) / float64(total) * 100
	}
	c.publish(protocol.Progress{
		SessionID: c.session.ID,
		Total:     total,
		Completed: done,
		Failed:    counts[book.StatusFailed],
		Percent:   percent,
		Timestamp: time.Now().UTC(),
	})
}

func (c *Coordinator) record(ctx context.Context, evt eventstore.Event) {
	if c.events == nil {
		return
	}
	if err := c.events.AppendEvent(ctx, evt); err != nil {
		c.log.Warn("failed to record event", slog.String("type", evt.Type), slog.String("error", err.Error()))
	}
}
