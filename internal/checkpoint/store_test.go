package checkpoint

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

const testFP = "0123456789abcdef0123456789abcdef"

func testCheckpoint(stage Stage) Checkpoint {
	return Checkpoint{
		Stage: stage,
		Session: Session{
			ID:                "sess-1",
			SourceFingerprint: testFP,
			Configuration:     map[string]string{"voice": "default"},
		},
		ChapterCount: 4,
	}
}

func TestSaveAndLoadRoundtrip(t *testing.T) {
	st := NewStore(t.TempDir(), newLogger())

	if err := st.Save(testCheckpoint(StageChaptersExtracted)); err != nil {
		t.Fatalf("save: %v", err)
	}
	cp, err := st.Load("sess-1", testFP)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp.Stage != StageChaptersExtracted {
		t.Errorf("stage = %s, want chapters_extracted", cp.Stage)
	}
	if cp.ChapterCount != 4 {
		t.Errorf("chapter count = %d, want 4", cp.ChapterCount)
	}
	if cp.SchemaVersion != SchemaVersion {
		t.Errorf("schema version = %s, want %s", cp.SchemaVersion, SchemaVersion)
	}
	if !cp.ConfigurationEquals(map[string]string{"voice": "default"}) {
		t.Error("configuration did not roundtrip")
	}
	if cp.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestLoadMissing(t *testing.T) {
	st := NewStore(t.TempDir(), newLogger())
	if _, err := st.Load("sess-none", testFP); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load = %v, want ErrNotFound", err)
	}
}

func TestSaveIsMonotonic(t *testing.T) {
	st := NewStore(t.TempDir(), newLogger())

	if err := st.Save(testCheckpoint(StageAudioInProgress)); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Writing an earlier stage is a no-op, not a regression.
	if err := st.Save(testCheckpoint(StageEpubReady)); err != nil {
		t.Fatalf("save earlier stage: %v", err)
	}
	cp, err := st.Load("sess-1", testFP)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp.Stage != StageAudioInProgress {
		t.Errorf("stage = %s, want audio_in_progress after earlier write", cp.Stage)
	}

	// Writing the same stage twice is idempotent.
	if err := st.Save(testCheckpoint(StageAudioInProgress)); err != nil {
		t.Fatalf("save same stage: %v", err)
	}
	// A later stage supersedes.
	if err := st.Save(testCheckpoint(StageCompleted)); err != nil {
		t.Fatalf("save later stage: %v", err)
	}
	cp, err = st.Load("sess-1", testFP)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp.Stage != StageCompleted {
		t.Errorf("stage = %s, want completed", cp.Stage)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	workDir := t.TempDir()
	st := NewStore(workDir, newLogger())

	if err := st.Save(testCheckpoint(StageEpubReady)); err != nil {
		t.Fatalf("save: %v", err)
	}
	path := filepath.Join(st.SessionDir("sess-1"), "checkpoint-"+testFP[:12]+".json")
	if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Load("sess-1", testFP); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load corrupt = %v, want ErrNotFound", err)
	}
}

func TestLoadIncompatibleSchema(t *testing.T) {
	workDir := t.TempDir()
	st := NewStore(workDir, newLogger())

	if err := st.Save(testCheckpoint(StageEpubReady)); err != nil {
		t.Fatalf("save: %v", err)
	}
	path := filepath.Join(st.SessionDir("sess-1"), "checkpoint-"+testFP[:12]+".json")
	if err := os.WriteFile(path, []byte(`{"schema_version":"99","stage":"epub_ready","session_id":"sess-1"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Load("sess-1", testFP); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load incompatible = %v, want ErrNotFound", err)
	}
}

func TestLoadUnknownStage(t *testing.T) {
	workDir := t.TempDir()
	st := NewStore(workDir, newLogger())

	path := filepath.Join(st.SessionDir("sess-1"), "checkpoint-"+testFP[:12]+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"schema_version":"1","stage":"teleporting","session_id":"sess-1"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Load("sess-1", testFP); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load unknown stage = %v, want ErrNotFound", err)
	}
}

func TestSaveRejectsBadInput(t *testing.T) {
	st := NewStore(t.TempDir(), newLogger())

	cp := testCheckpoint(StageEpubReady)
	cp.ID = ""
	if err := st.Save(cp); err == nil {
		t.Error("save accepted empty session id")
	}

	cp = testCheckpoint("warp")
	if err := st.Save(cp); err == nil {
		t.Error("save accepted unknown stage")
	}
}

func TestClear(t *testing.T) {
	st := NewStore(t.TempDir(), newLogger())

	if err := st.Save(testCheckpoint(StageCompleted)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.Clear("sess-1", testFP); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := st.Load("sess-1", testFP); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load after clear = %v, want ErrNotFound", err)
	}
	// Clearing again is not an error.
	if err := st.Clear("sess-1", testFP); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}

func TestCheckpointsKeyedByFingerprint(t *testing.T) {
	st := NewStore(t.TempDir(), newLogger())

	cp := testCheckpoint(StageAudioInProgress)
	if err := st.Save(cp); err != nil {
		t.Fatalf("save: %v", err)
	}

	otherFP := "fedcba9876543210fedcba9876543210"
	if _, err := st.Load("sess-1", otherFP); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load with other fingerprint = %v, want ErrNotFound", err)
	}
}

func TestStageOrdering(t *testing.T) {
	order := []Stage{StageNone, StageEpubReady, StageChaptersExtracted, StageAudioInProgress, StageCompleted}
	for i, lower := range order {
		for _, higher := range order[i:] {
			if !higher.AtLeast(lower) {
				t.Errorf("%s should be at least %s", higher, lower)
			}
		}
	}
	if StageEpubReady.AtLeast(StageCompleted) {
		t.Error("epub_ready should not be at least completed")
	}
	if Stage("bogus").Known() {
		t.Error("bogus stage reported known")
	}
}
