package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inkvoice/inkvoice/internal/book"
	"github.com/inkvoice/inkvoice/internal/checkpoint"
	"github.com/inkvoice/inkvoice/internal/protocol"
	"github.com/inkvoice/inkvoice/internal/synth"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Service is one synthesis worker. It owns no session state beyond the
// chapter currently in flight: everything durable lives in the shared
// artifact namespace, so a worker can die mid-chapter and a retry picks
// up at the first missing sentence.
type Service struct {
	name    string
	workDir string
	synth   synth.Synthesizer
	log     *slog.Logger

	mu      sync.Mutex
	busy    bool
	current int

	subs []*nats.Subscription

	sentences metric.Int64Counter
	chapters  metric.Int64Counter
}

func New(name, workDir string, s synth.Synthesizer, log *slog.Logger) *Service {
	meter := otel.Meter("inkvoice/worker")
	sentences, _ := meter.Int64Counter("inkvoice.worker.sentences.synthesized")
	chapters, _ := meter.Int64Counter("inkvoice.worker.chapters.processed")
	return &Service{
		name:      name,
		workDir:   workDir,
		synth:     s,
		log:       log.With(slog.String("component", "worker"), slog.String("worker", name)),
		current:   -1,
		sentences: sentences,
		chapters:  chapters,
	}
}

// Start subscribes the worker's RPC subjects. Health and status stay
// responsive while a chapter is being synthesized; a concurrent process
// request is rejected busy instead of queueing.
func (s *Service) Start(ctx context.Context, conn *nats.Conn) error {
	healthSub, err := conn.Subscribe(protocol.WorkerHealthSubject(s.name), func(msg *nats.Msg) {
		s.respond(msg, s.Health())
	})
	if err != nil {
		return fmt.Errorf("subscribe health: %w", err)
	}
	s.subs = append(s.subs, healthSub)

	statusSub, err := conn.Subscribe(protocol.WorkerStatusSubject(s.name), func(msg *nats.Msg) {
		s.respond(msg, s.Status())
	})
	if err != nil {
		return fmt.Errorf("subscribe status: %w", err)
	}
	s.subs = append(s.subs, statusSub)

	processSub, err := conn.Subscribe(protocol.WorkerProcessSubject(s.name), func(msg *nats.Msg) {
		var req protocol.ProcessRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(msg, protocol.ProcessReply{Error: "malformed process request: " + err.Error()})
			return
		}
		if !s.tryAcquire(req.ChapterIndex) {
			s.respond(msg, protocol.ProcessReply{Reason: protocol.RejectReasonBusy, ChapterIndex: req.ChapterIndex})
			return
		}
		go func() {
			defer s.release()
			s.respond(msg, s.ProcessChapter(ctx, req))
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribe process: %w", err)
	}
	s.subs = append(s.subs, processSub)

	s.log.Info("worker listening",
		slog.String("health", protocol.WorkerHealthSubject(s.name)),
		slog.String("process", protocol.WorkerProcessSubject(s.name)))
	return nil
}

// Stop unsubscribes all RPC subjects. An in-flight chapter finishes on
// its own goroutine; its reply is simply dropped by the closed conn.
func (s *Service) Stop() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}

// Health reports liveness. It never blocks on synthesis.
func (s *Service) Health() protocol.HealthReply {
	if !s.synth.Ready() {
		return protocol.HealthReply{Status: protocol.HealthStatusUnhealthy, Ready: false}
	}
	return protocol.HealthReply{Status: protocol.HealthStatusHealthy, Ready: true}
}

// Status reports the scheduling hint: idle, or busy with which chapter.
func (s *Service) Status() protocol.StatusReply {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.busy {
		return protocol.StatusReply{State: protocol.WorkerStateIdle}
	}
	current := s.current
	return protocol.StatusReply{State: protocol.WorkerStateBusy, CurrentChapter: &current}
}

// tryAcquire is the single-chapter admission gate.
func (s *Service) tryAcquire(chapterIndex int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	s.current = chapterIndex
	return true
}

func (s *Service) release() {
	s.mu.Lock()
	s.busy = false
	s.current = -1
	s.mu.Unlock()
}

// ProcessChapter synthesizes every sentence of the chapter into the
// shared artifact namespace, skipping sentences whose artifact already
// exists, then combines them into the chapter artifact. The caller must
// hold the admission gate.
func (s *Service) ProcessChapter(ctx context.Context, req protocol.ProcessRequest) protocol.ProcessReply {
	start := time.Now()
	log := s.log.With(
		slog.String("session_id", req.SessionID),
		slog.Int("chapter", req.ChapterIndex))

	fail := func(err error) protocol.ProcessReply {
		log.Error("chapter processing failed", slog.String("error", err.Error()))
		return protocol.ProcessReply{
			ChapterIndex: req.ChapterIndex,
			DurationMS:   time.Since(start).Milliseconds(),
			Error:        err.Error(),
		}
	}

	if req.SessionID == "" {
		return fail(fmt.Errorf("process request missing session id"))
	}
	if len(req.Sentences) == 0 {
		return fail(fmt.Errorf("chapter %d has no sentences", req.ChapterIndex))
	}

	arts, err := book.NewArtifacts(checkpoint.AudioDirIn(s.workDir, req.SessionID))
	if err != nil {
		return fail(err)
	}

	chapter := book.Chapter{Index: req.ChapterIndex}
	for i, text := range req.Sentences {
		chapter.Sentences = append(chapter.Sentences, book.SentenceUnit{
			ChapterIndex:  req.ChapterIndex,
			SentenceIndex: i,
			Text:          text,
		})
	}

	voice := req.Settings["voice"]
	language := req.Settings["language"]

	synthesized := 0
	for _, unit := range chapter.Sentences {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if arts.UnitComplete(unit.ChapterIndex, unit.SentenceIndex) {
			continue
		}
		clip, err := s.synth.Synthesize(ctx, synth.Request{
			SessionID: req.SessionID,
			Text:      unit.Text,
			Voice:     voice,
			Language:  language,
		})
		if err != nil {
			return fail(fmt.Errorf("sentence %d: %w", unit.SentenceIndex, err))
		}
		if err := arts.WriteClip(arts.SentencePath(unit.ChapterIndex, unit.SentenceIndex), clip); err != nil {
			return fail(fmt.Errorf("sentence %d: %w", unit.SentenceIndex, err))
		}
		synthesized++
		s.sentences.Add(ctx, 1)
	}

	if _, err := arts.CombineChapter(chapter); err != nil {
		return fail(err)
	}
	s.chapters.Add(ctx, 1)

	log.Info("chapter processed",
		slog.Int("sentences", len(chapter.Sentences)),
		slog.Int("synthesized", synthesized),
		slog.Int("skipped", len(chapter.Sentences)-synthesized),
		slog.Duration("elapsed", time.Since(start)))

	return protocol.ProcessReply{
		Accepted:     true,
		ChapterIndex: req.ChapterIndex,
		Sentences:    len(chapter.Sentences),
		ArtifactPath: arts.ChapterPath(req.ChapterIndex),
		DurationMS:   time.Since(start).Milliseconds(),
	}
}

func (s *Service) respond(msg *nats.Msg, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("failed to encode reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send reply", slog.String("error", err.Error()))
	}
}
