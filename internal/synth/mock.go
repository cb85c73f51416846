package synth

import (
	"context"

	"github.com/inkvoice/inkvoice/internal/book"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth produces silence proportional to the text length. The
// output is deterministic so resumed runs and tests get identical
// artifacts.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Ready() bool { return true }

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (book.Clip, error) {
	if err := ctx.Err(); err != nil {
		return book.Clip{}, err
	}
	// 60ms base plus 15ms per rune approximates speech pacing.
	ms := 60 + 15*len([]rune(req.Text))
	frames := m.sampleRate * ms / 1000
	if frames < 1 {
		frames = 1
	}
	return book.Clip{
		SampleRate: m.sampleRate,
		Channels:   m.channels,
		Data:       make([]int, frames*m.channels),
	}, nil
}
