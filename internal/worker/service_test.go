package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/inkvoice/inkvoice/internal/book"
	"github.com/inkvoice/inkvoice/internal/checkpoint"
	"github.com/inkvoice/inkvoice/internal/protocol"
	"github.com/inkvoice/inkvoice/internal/synth"
)

// countingSynth wraps a synthesizer and records which texts it was asked
// to render.
type countingSynth struct {
	inner synth.Synthesizer
	mu    sync.Mutex
	texts []string
	fail  string
}

func (c *countingSynth) Ready() bool { return c.inner.Ready() }

func (c *countingSynth) Synthesize(ctx context.Context, req synth.Request) (book.Clip, error) {
	c.mu.Lock()
	c.texts = append(c.texts, req.Text)
	c.mu.Unlock()
	if c.fail != "" && strings.Contains(req.Text, c.fail) {
		return book.Clip{}, errors.New("engine refused input")
	}
	return c.inner.Synthesize(ctx, req)
}

func (c *countingSynth) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.texts)
}

func newTestService(t *testing.T, s synth.Synthesizer) (*Service, string) {
	t.Helper()
	workDir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New("worker-test", workDir, s, log), workDir
}

func processRequest(sentences ...string) protocol.ProcessRequest {
	return protocol.ProcessRequest{
		SessionID:    "sess-1",
		ChapterIndex: 2,
		Sentences:    sentences,
		Settings:     map[string]string{"voice": "default", "language": "en"},
	}
}

func TestProcessChapterWritesAllArtifacts(t *testing.T) {
	cs := &countingSynth{inner: synth.NewMockSynth(22050, 1)}
	svc, workDir := newTestService(t, cs)

	reply := svc.ProcessChapter(context.Background(), processRequest("One.", "Two.", "Three."))
	if !reply.Accepted {
		t.Fatalf("reply not accepted: %s", reply.Error)
	}
	if reply.Sentences != 3 {
		t.Errorf("reply sentences = %d, want 3", reply.Sentences)
	}

	arts, err := book.NewArtifacts(checkpoint.AudioDirIn(workDir, "sess-1"))
	if err != nil {
		t.Fatal(err)
	}
	for si := 0; si < 3; si++ {
		if !arts.UnitComplete(2, si) {
			t.Errorf("sentence artifact (2, %d) missing", si)
		}
	}
	if !arts.ChapterArtifactComplete(2) {
		t.Error("chapter artifact missing")
	}
	if reply.ArtifactPath != arts.ChapterPath(2) {
		t.Errorf("artifact path = %s, want %s", reply.ArtifactPath, arts.ChapterPath(2))
	}
}

func TestProcessChapterSkipsExistingSentences(t *testing.T) {
	cs := &countingSynth{inner: synth.NewMockSynth(22050, 1)}
	svc, workDir := newTestService(t, cs)

	arts, err := book.NewArtifacts(checkpoint.AudioDirIn(workDir, "sess-1"))
	if err != nil {
		t.Fatal(err)
	}
	clip := book.Clip{SampleRate: 22050, Channels: 1, Data: make([]int, 32)}
	if err := arts.WriteClip(arts.SentencePath(2, 0), clip); err != nil {
		t.Fatal(err)
	}
	if err := arts.WriteClip(arts.SentencePath(2, 1), clip); err != nil {
		t.Fatal(err)
	}

	reply := svc.ProcessChapter(context.Background(), processRequest("One.", "Two.", "Three."))
	if !reply.Accepted {
		t.Fatalf("reply not accepted: %s", reply.Error)
	}
	if got := cs.calls(); got != 1 {
		t.Errorf("synthesizer called %d times, want 1 (two sentences already on disk)", got)
	}
}

func TestProcessChapterFailsLoudOnSynthError(t *testing.T) {
	cs := &countingSynth{inner: synth.NewMockSynth(22050, 1), fail: "Two."}
	svc, workDir := newTestService(t, cs)

	reply := svc.ProcessChapter(context.Background(), processRequest("One.", "Two.", "Three."))
	if reply.Accepted {
		t.Fatal("reply accepted despite synthesis failure")
	}
	if !strings.Contains(reply.Error, "sentence 1") {
		t.Errorf("error %q does not name the failing sentence", reply.Error)
	}

	// The sentence before the failure stays on disk for the retry.
	arts, err := book.NewArtifacts(checkpoint.AudioDirIn(workDir, "sess-1"))
	if err != nil {
		t.Fatal(err)
	}
	if !arts.UnitComplete(2, 0) {
		t.Error("sentence artifact (2, 0) should survive the failure")
	}
	if arts.ChapterArtifactComplete(2) {
		t.Error("chapter artifact must not exist after a failed chapter")
	}
}

func TestProcessChapterRejectsEmptyRequest(t *testing.T) {
	svc, _ := newTestService(t, synth.NewMockSynth(22050, 1))

	if reply := svc.ProcessChapter(context.Background(), processRequest()); reply.Accepted {
		t.Error("accepted a chapter with no sentences")
	}
	req := processRequest("One.")
	req.SessionID = ""
	if reply := svc.ProcessChapter(context.Background(), req); reply.Accepted {
		t.Error("accepted a request without session id")
	}
}

func TestAdmissionGateSingleChapter(t *testing.T) {
	svc, _ := newTestService(t, synth.NewMockSynth(22050, 1))

	if !svc.tryAcquire(3) {
		t.Fatal("first acquire refused")
	}
	if svc.tryAcquire(4) {
		t.Fatal("second acquire succeeded while busy")
	}

	status := svc.Status()
	if status.State != protocol.WorkerStateBusy {
		t.Errorf("state = %s, want busy", status.State)
	}
	if status.CurrentChapter == nil || *status.CurrentChapter != 3 {
		t.Errorf("current chapter = %v, want 3", status.CurrentChapter)
	}

	svc.release()
	if !svc.tryAcquire(4) {
		t.Fatal("acquire refused after release")
	}
	svc.release()

	if got := svc.Status(); got.State != protocol.WorkerStateIdle || got.CurrentChapter != nil {
		t.Errorf("status after release = %+v, want idle", got)
	}
}

func TestHealthReflectsSynthReadiness(t *testing.T) {
	svc, _ := newTestService(t, synth.NewMockSynth(22050, 1))
	if got := svc.Health(); got.Status != protocol.HealthStatusHealthy || !got.Ready {
		t.Errorf("health = %+v, want healthy/ready", got)
	}

	svc, _ = newTestService(t, notReadySynth{})
	if got := svc.Health(); got.Status != protocol.HealthStatusUnhealthy || got.Ready {
		t.Errorf("health = %+v, want unhealthy", got)
	}
}

type notReadySynth struct{}

func (notReadySynth) Ready() bool { return false }
func (notReadySynth) Synthesize(context.Context, synth.Request) (book.Clip, error) {
	return book.Clip{}, errors.New("not ready")
}

func TestProcessChapterIdempotentRerun(t *testing.T) {
	cs := &countingSynth{inner: synth.NewMockSynth(22050, 1)}
	svc, _ := newTestService(t, cs)

	first := svc.ProcessChapter(context.Background(), processRequest("One.", "Two."))
	if !first.Accepted {
		t.Fatalf("first run not accepted: %s", first.Error)
	}
	before := cs.calls()

	second := svc.ProcessChapter(context.Background(), processRequest("One.", "Two."))
	if !second.Accepted {
		t.Fatalf("second run not accepted: %s", second.Error)
	}
	if got := cs.calls(); got != before {
		t.Errorf("rerun synthesized %d more sentences, want 0", got-before)
	}
}
