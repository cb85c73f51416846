package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/inkvoice/inkvoice/internal/assemble"
	"github.com/inkvoice/inkvoice/internal/book"
	"github.com/inkvoice/inkvoice/internal/checkpoint"
	"github.com/inkvoice/inkvoice/internal/dispatch"
	"github.com/inkvoice/inkvoice/internal/eventstore"
	"github.com/inkvoice/inkvoice/internal/protocol"
)

// ErrSessionConflict means the requested resume cannot be honored: the
// checkpointed session was created for a different source or different
// synthesis settings. Nothing is dispatched before this check.
var ErrSessionConflict = errors.New("session conflict")

// Options selects the source, the output and the resume behavior of one
// conversion run.
type Options struct {
	SessionID    string
	ForceRestart bool
	SourcePath   string
	OutputPath   string
}

// Result summarizes a finished run.
type Result struct {
	SessionID  string
	Resumed    bool
	Chapters   int
	OutputPath string
}

// Params wires a Pipeline. Events and Publish may be nil.
type Params struct {
	WorkDir     string
	Settings    map[string]string
	Extractor   Extractor
	Checkpoints *checkpoint.Store
	Dispatch    dispatch.Config
	Clients     []dispatch.Client
	Events      *eventstore.Store
	Publish     func(protocol.Progress)
	Log         *slog.Logger
}

// Pipeline drives one conversion end to end: fingerprint, session
// resolution, extraction, dispatch, assembly. Every stage boundary is
// checkpointed so a crash resumes at the last completed stage.
type Pipeline struct {
	p   Params
	log *slog.Logger
}

func New(p Params) *Pipeline {
	return &Pipeline{p: p, log: p.Log.With(slog.String("component", "pipeline"))}
}

func (pl *Pipeline) Run(ctx context.Context, opts Options) (*Result, error) {
	fp, err := Fingerprint(opts.SourcePath)
	if err != nil {
		return nil, err
	}

	sessionID := opts.SessionID
	explicit := sessionID != ""
	if !explicit {
		sessionID = uuid.NewString()
	}
	log := pl.log.With(slog.String("session_id", sessionID))

	if opts.ForceRestart {
		if err := os.RemoveAll(checkpoint.SessionDirIn(pl.p.WorkDir, sessionID)); err != nil {
			return nil, fmt.Errorf("discard session state: %w", err)
		}
		log.Info("force restart, session state discarded")
	}

	session := checkpoint.Session{ID: sessionID, SourceFingerprint: fp, Configuration: pl.p.Settings}

	cp, err := pl.p.Checkpoints.Load(sessionID, fp)
	resumed := err == nil
	if resumed {
		if !cp.ConfigurationEquals(pl.p.Settings) {
			return nil, fmt.Errorf("%w: synthesis settings changed since session %s was checkpointed, use force restart", ErrSessionConflict, sessionID)
		}
		log.Info("resuming session", slog.String("stage", string(cp.Stage)))
	} else if explicit && !opts.ForceRestart {
		if stale, ok := pl.staleFingerprint(sessionID, fp); ok {
			return nil, fmt.Errorf("%w: session %s belongs to source %s, current source is %s, use force restart", ErrSessionConflict, sessionID, stale, shortFingerprint(fp))
		}
	}

	if pl.p.Events != nil {
		if err := pl.p.Events.AppendSession(ctx, sessionID, fp); err != nil {
			log.Warn("failed to record session", slog.String("error", err.Error()))
		}
	}

	save := func(stage checkpoint.Stage, chapterCount int, meta map[string]string) error {
		err := pl.p.Checkpoints.Save(checkpoint.Checkpoint{
			Stage:        stage,
			Session:      session,
			ChapterCount: chapterCount,
			Metadata:     meta,
		})
		if err != nil {
			return fmt.Errorf("checkpoint %s: %w", stage, err)
		}
		pl.record(ctx, eventstore.Event{SessionID: sessionID, ChapterIndex: -1, Type: eventstore.TypeStageAdvanced, Detail: string(stage)})
		return nil
	}

	// Source readable and fingerprinted.
	if err := save(checkpoint.StageEpubReady, 0, nil); err != nil {
		return nil, err
	}

	manifest, err := pl.resolveManifest(ctx, session, resumed, cp.Stage, opts.SourcePath)
	if err != nil {
		return nil, err
	}

	meta := map[string]string{}
	if manifest.Title != "" {
		meta["title"] = manifest.Title
	}
	if manifest.Author != "" {
		meta["author"] = manifest.Author
	}
	for k, v := range manifest.Metadata {
		meta[k] = v
	}

	if err := save(checkpoint.StageChaptersExtracted, len(manifest.Chapters), meta); err != nil {
		return nil, err
	}
	if err := save(checkpoint.StageAudioInProgress, len(manifest.Chapters), meta); err != nil {
		return nil, err
	}

	arts, err := book.NewArtifacts(checkpoint.AudioDirIn(pl.p.WorkDir, sessionID))
	if err != nil {
		return nil, err
	}
	plan := book.NewPlan(manifest.Chapters)

	coord := dispatch.New(pl.p.Dispatch, session, plan, arts, pl.p.Clients, pl.p.Events, pl.p.Publish, pl.p.Log)
	if err := coord.Run(ctx); err != nil {
		// The checkpoint stays at audio_in_progress; a later run resumes
		// from the artifacts already on disk.
		return nil, fmt.Errorf("audio conversion: %w", err)
	}

	asm := assemble.New(arts, pl.p.Log)
	if err := asm.Assemble(ctx, plan.Len(), opts.OutputPath); err != nil {
		return nil, err
	}

	if err := save(checkpoint.StageCompleted, len(manifest.Chapters), meta); err != nil {
		return nil, err
	}
	if err := pl.p.Checkpoints.Clear(sessionID, fp); err != nil {
		log.Warn("failed to clear checkpoint after completion", slog.String("error", err.Error()))
	}
	pl.record(ctx, eventstore.Event{SessionID: sessionID, ChapterIndex: -1, Type: eventstore.TypeRunCompleted, Detail: opts.OutputPath})

	log.Info("conversion complete",
		slog.Int("chapters", plan.Len()),
		slog.String("output", opts.OutputPath),
		slog.Bool("resumed", resumed))

	return &Result{
		SessionID:  sessionID,
		Resumed:    resumed,
		Chapters:   plan.Len(),
		OutputPath: opts.OutputPath,
	}, nil
}

// resolveManifest reuses the persisted chapter manifest when the session
// already passed extraction; a missing or corrupt manifest falls back to
// a fresh extraction.
func (pl *Pipeline) resolveManifest(ctx context.Context, session checkpoint.Session, resumed bool, stage checkpoint.Stage, sourcePath string) (book.Manifest, error) {
	path := pl.manifestPath(session.ID)

	if resumed && stage.AtLeast(checkpoint.StageChaptersExtracted) {
		data, err := os.ReadFile(path)
		if err == nil {
			m, decErr := decodeManifest(data)
			if decErr == nil {
				pl.log.Info("reusing extracted chapters", slog.Int("chapters", len(m.Chapters)))
				return m, nil
			}
			pl.log.Warn("persisted manifest unusable, re-extracting", slog.String("error", decErr.Error()))
		}
	}

	manifest, err := pl.p.Extractor.Extract(ctx, sourcePath)
	if err != nil {
		return book.Manifest{}, fmt.Errorf("extract chapters: %w", err)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return book.Manifest{}, fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return book.Manifest{}, fmt.Errorf("create session dir: %w", err)
	}
	if err := atomicWrite(path, data); err != nil {
		return book.Manifest{}, fmt.Errorf("persist manifest: %w", err)
	}
	return manifest, nil
}

func (pl *Pipeline) manifestPath(sessionID string) string {
	return filepath.Join(checkpoint.SessionDirIn(pl.p.WorkDir, sessionID), "manifest.json")
}

// staleFingerprint reports a checkpoint file left by the same session for
// a different source.
func (pl *Pipeline) staleFingerprint(sessionID, fp string) (string, bool) {
	pattern := filepath.Join(checkpoint.SessionDirIn(pl.p.WorkDir, sessionID), "checkpoint-*.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", false
	}
	want := shortFingerprint(fp)
	for _, m := range matches {
		base := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "checkpoint-"), ".json")
		if base != want {
			return base, true
		}
	}
	return "", false
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func (pl *Pipeline) record(ctx context.Context, evt eventstore.Event) {
	if pl.p.Events == nil {
		return
	}
	if err := pl.p.Events.AppendEvent(ctx, evt); err != nil {
		pl.log.Warn("failed to record event", slog.String("type", evt.Type), slog.String("error", err.Error()))
	}
}

// atomicWrite publishes either the previous or the new complete file.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
