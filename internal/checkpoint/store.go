package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"time"
)

// SchemaVersion guards resume across releases: a checkpoint written by an
// incompatible schema is discarded rather than misread.
const SchemaVersion = "1"

// Stage is the coarse pipeline phase recorded in a checkpoint.
type Stage string

const (
	StageNone              Stage = "none"
	StageEpubReady         Stage = "epub_ready"
	StageChaptersExtracted Stage = "chapters_extracted"
	StageAudioInProgress   Stage = "audio_in_progress"
	StageCompleted         Stage = "completed"
)

var stageOrder = map[Stage]int{
	StageNone:              0,
	StageEpubReady:         1,
	StageChaptersExtracted: 2,
	StageAudioInProgress:   3,
	StageCompleted:         4,
}

func (s Stage) Known() bool { _, ok := stageOrder[s]; return ok }

// AtLeast reports whether s is the same as or later than other.
func (s Stage) AtLeast(other Stage) bool { return stageOrder[s] >= stageOrder[other] }

// Session identifies one conversion run. Immutable once recorded except
// via force-restart.
type Session struct {
	ID                string            `json:"session_id"`
	SourceFingerprint string            `json:"source_fingerprint"`
	Configuration     map[string]string `json:"configuration"`
}

// ConfigurationEquals compares the frozen settings by structural equality.
// The coordinator never interprets the values.
func (s Session) ConfigurationEquals(other map[string]string) bool {
	return maps.Equal(s.Configuration, other)
}

// Checkpoint is the single durable record of how far a session has
// progressed. Exactly one exists per (session, fingerprint) at any time.
type Checkpoint struct {
	SchemaVersion string    `json:"schema_version"`
	Timestamp     time.Time `json:"timestamp"`
	Stage         Stage     `json:"stage"`
	Session
	ChapterCount int               `json:"chapter_count"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ErrNotFound covers absent, corrupt and schema-incompatible checkpoints:
// all of them resolve to a clean restart, never a crash.
var ErrNotFound = errors.New("checkpoint not found")

// Store owns checkpoint files under the session work directory. All other
// components read checkpoints through it, never the raw file.
type Store struct {
	workDir string
	log     *slog.Logger
	clock   func() time.Time
}

func NewStore(workDir string, log *slog.Logger) *Store {
	return &Store{
		workDir: workDir,
		log:     log.With(slog.String("component", "checkpoint")),
		clock:   time.Now,
	}
}

// SessionDirIn resolves the per-session working directory under workDir.
// Coordinator and workers share this layout; a worker reconstructs the
// same paths from nothing but the work dir and the session id.
func SessionDirIn(workDir, sessionID string) string {
	return filepath.Join(workDir, "session-"+sessionID)
}

// AudioDirIn resolves the session's artifact directory.
func AudioDirIn(workDir, sessionID string) string {
	return filepath.Join(SessionDirIn(workDir, sessionID), "audio")
}

// SessionDir is the per-session working directory shared with the
// artifact namespace and the chapter manifest.
func (st *Store) SessionDir(sessionID string) string {
	return SessionDirIn(st.workDir, sessionID)
}

func (st *Store) path(sessionID, fingerprint string) string {
	fp := fingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}
	return filepath.Join(st.SessionDir(sessionID), "checkpoint-"+fp+".json")
}

// Load returns the checkpoint for the session/fingerprint pair, or
// ErrNotFound. A corrupt or unreadable file is logged and treated as not
// found; it never surfaces partially-parsed data.
func (st *Store) Load(sessionID, fingerprint string) (Checkpoint, error) {
	path := st.path(sessionID, fingerprint)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, ErrNotFound
		}
		st.log.Warn("checkpoint unreadable, starting fresh",
			slog.String("path", path), slog.String("error", err.Error()))
		return Checkpoint{}, ErrNotFound
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		st.log.Warn("checkpoint corrupt, starting fresh",
			slog.String("path", path), slog.String("error", err.Error()))
		return Checkpoint{}, ErrNotFound
	}
	if cp.SchemaVersion != SchemaVersion {
		st.log.Warn("checkpoint schema incompatible, starting fresh",
			slog.String("path", path),
			slog.String("found", cp.SchemaVersion),
			slog.String("want", SchemaVersion))
		return Checkpoint{}, ErrNotFound
	}
	if !cp.Stage.Known() {
		st.log.Warn("checkpoint stage unknown, starting fresh",
			slog.String("path", path), slog.String("stage", string(cp.Stage)))
		return Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

// Save persists the checkpoint. Stage transitions are monotonic and
// idempotent: writing the same or an earlier stage than the one on disk
// is a no-op; a later stage always supersedes. The write is atomic with
// respect to process crash.
func (st *Store) Save(cp Checkpoint) error {
	if !cp.Stage.Known() {
		return fmt.Errorf("unknown checkpoint stage %q", cp.Stage)
	}
	if cp.ID == "" {
		return errors.New("checkpoint session id must not be empty")
	}

	if existing, err := st.Load(cp.ID, cp.SourceFingerprint); err == nil {
		if existing.Stage.AtLeast(cp.Stage) {
			return nil
		}
	}

	cp.SchemaVersion = SchemaVersion
	cp.Timestamp = st.clock().UTC()

	path := st.path(cp.ID, cp.SourceFingerprint)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := atomicWrite(path, data); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	st.log.Info("checkpoint saved",
		slog.String("session_id", cp.ID),
		slog.String("stage", string(cp.Stage)))
	return nil
}

// Clear removes the checkpoint file. Called only on successful completion
// and on explicit force-restart.
func (st *Store) Clear(sessionID, fingerprint string) error {
	path := st.path(sessionID, fingerprint)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	st.log.Info("checkpoint cleared", slog.String("session_id", sessionID))
	return nil
}

// atomicWrite leaves either the old or the new complete file on disk,
// never a truncated one.
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
