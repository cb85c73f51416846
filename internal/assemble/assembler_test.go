package assemble

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/inkvoice/inkvoice/internal/book"
)

func testAssembler(t *testing.T) (*Assembler, *book.Artifacts) {
	t.Helper()
	arts, err := book.NewArtifacts(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(arts, log), arts
}

func writeChapter(t *testing.T, arts *book.Artifacts, index, frames int) {
	t.Helper()
	clip := book.Clip{SampleRate: 22050, Channels: 1, Data: make([]int, frames)}
	for i := range clip.Data {
		clip.Data[i] = index + 1
	}
	if err := arts.WriteClip(arts.ChapterPath(index), clip); err != nil {
		t.Fatal(err)
	}
}

func TestAssembleConcatenatesInOrder(t *testing.T) {
	asm, arts := testAssembler(t)
	writeChapter(t, arts, 0, 10)
	writeChapter(t, arts, 1, 20)
	writeChapter(t, arts, 2, 30)

	out := filepath.Join(t.TempDir(), "book.wav")
	if err := asm.Assemble(context.Background(), 3, out); err != nil {
		t.Fatalf("assemble failed: %v", err)
	}

	clip, err := arts.ReadClip(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(clip.Data) != 60 {
		t.Fatalf("assembled %d frames, want 60", len(clip.Data))
	}
	// Chapter order is index order: the marker value steps 1, 2, 3.
	if clip.Data[0] != 1 || clip.Data[10] != 2 || clip.Data[30] != 3 {
		t.Errorf("chapter markers out of order: %d %d %d", clip.Data[0], clip.Data[10], clip.Data[30])
	}
}

func TestAssembleFailsNamingFirstMissingChapter(t *testing.T) {
	asm, arts := testAssembler(t)
	writeChapter(t, arts, 0, 10)
	writeChapter(t, arts, 2, 10)

	out := filepath.Join(t.TempDir(), "book.wav")
	err := asm.Assemble(context.Background(), 3, out)
	if err == nil {
		t.Fatal("assemble succeeded with a missing chapter")
	}
	if !strings.Contains(err.Error(), "chapter 1") {
		t.Errorf("error %q does not name chapter 1", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Error("partial output file exists after failed assembly")
	}
}

func TestAssembleRejectsFormatMismatch(t *testing.T) {
	asm, arts := testAssembler(t)
	writeChapter(t, arts, 0, 10)
	odd := book.Clip{SampleRate: 16000, Channels: 1, Data: make([]int, 10)}
	if err := arts.WriteClip(arts.ChapterPath(1), odd); err != nil {
		t.Fatal(err)
	}

	err := asm.Assemble(context.Background(), 2, filepath.Join(t.TempDir(), "book.wav"))
	if err == nil || !strings.Contains(err.Error(), "chapter 1") {
		t.Fatalf("error = %v, want format mismatch naming chapter 1", err)
	}
}

func TestAssembleRejectsEmptyPlan(t *testing.T) {
	asm, _ := testAssembler(t)
	if err := asm.Assemble(context.Background(), 0, "out.wav"); err == nil {
		t.Fatal("assemble accepted zero chapters")
	}
}
