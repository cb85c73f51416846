package assemble

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/inkvoice/inkvoice/internal/book"
)

// Assembler stitches completed chapter artifacts into the final
// audiobook. It refuses to produce partial output: a missing chapter is
// an error naming the chapter, never a silent gap.
type Assembler struct {
	arts *book.Artifacts
	log  *slog.Logger
}

func New(arts *book.Artifacts, log *slog.Logger) *Assembler {
	return &Assembler{
		arts: arts,
		log:  log.With(slog.String("component", "assembler")),
	}
}

// Assemble concatenates chapter artifacts 0..chapterCount-1, in index
// order, into one audiobook at outputPath. The output appears atomically
// or not at all.
func (a *Assembler) Assemble(ctx context.Context, chapterCount int, outputPath string) error {
	if chapterCount <= 0 {
		return fmt.Errorf("nothing to assemble: chapter count is %d", chapterCount)
	}

	// Verify the full set up front so the error names the first gap
	// before any decoding work starts.
	for i := 0; i < chapterCount; i++ {
		if !a.arts.ChapterArtifactComplete(i) {
			return fmt.Errorf("chapter %d artifact missing at %s", i, a.arts.ChapterPath(i))
		}
	}

	var final book.Clip
	for i := 0; i < chapterCount; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		clip, err := a.arts.ReadClip(a.arts.ChapterPath(i))
		if err != nil {
			return fmt.Errorf("chapter %d: %w", i, err)
		}
		if clip.Empty() {
			return fmt.Errorf("chapter %d artifact contains no audio", i)
		}
		if final.Empty() {
			final.SampleRate = clip.SampleRate
			final.Channels = clip.Channels
		} else if clip.SampleRate != final.SampleRate || clip.Channels != final.Channels {
			return fmt.Errorf("chapter %d format %d Hz/%d ch differs from %d Hz/%d ch",
				i, clip.SampleRate, clip.Channels, final.SampleRate, final.Channels)
		}
		final.Data = append(final.Data, clip.Data...)
	}

	if err := a.arts.WriteClip(outputPath, final); err != nil {
		return fmt.Errorf("write audiobook: %w", err)
	}

	seconds := float64(len(final.Data)) / float64(final.SampleRate*final.Channels)
	a.log.Info("audiobook assembled",
		slog.String("output", outputPath),
		slog.Int("chapters", chapterCount),
		slog.Float64("duration_seconds", seconds))
	return nil
}
