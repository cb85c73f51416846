package synth

import (
	"context"

	"github.com/inkvoice/inkvoice/internal/book"
)

// Request contains parameters to synthesize one sentence.
type Request struct {
	SessionID string
	Text      string
	Voice     string
	Language  string
}

// Synthesizer is the contract with the speech backend. Implementations
// return the full sentence clip; persistence is the caller's concern.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (book.Clip, error)
	Ready() bool
}
