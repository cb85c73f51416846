package synth

import (
	"context"
	"strings"
	"testing"
)

func TestMockSynthDeterministic(t *testing.T) {
	s := NewMockSynth(22050, 1)

	a, err := s.Synthesize(context.Background(), Request{Text: "Hello world."})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Synthesize(context.Background(), Request{Text: "Hello world."})
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Data) != len(b.Data) {
		t.Error("identical text produced different clip lengths")
	}
	if a.SampleRate != 22050 || a.Channels != 1 {
		t.Errorf("format = %d Hz/%d ch", a.SampleRate, a.Channels)
	}
	if a.Empty() {
		t.Error("clip is empty")
	}
}

func TestMockSynthScalesWithText(t *testing.T) {
	s := NewMockSynth(22050, 1)
	short, err := s.Synthesize(context.Background(), Request{Text: "Hi."})
	if err != nil {
		t.Fatal(err)
	}
	long, err := s.Synthesize(context.Background(), Request{Text: strings.Repeat("A long sentence. ", 10)})
	if err != nil {
		t.Fatal(err)
	}
	if len(long.Data) <= len(short.Data) {
		t.Error("longer text did not produce a longer clip")
	}
}

func TestMockSynthHonorsCancellation(t *testing.T) {
	s := NewMockSynth(22050, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Synthesize(ctx, Request{Text: "Hello."}); err == nil {
		t.Error("cancelled context did not fail synthesis")
	}
}

func TestExecSynthDecodesPCM(t *testing.T) {
	cmd := `sh -c 'cat >/dev/null; echo "{\"pcm_base64\":\"AAABAA==\",\"final\":true}"'`
	s, err := NewExecSynth(cmd, 22050, 1)
	if err != nil {
		t.Fatal(err)
	}
	clip, err := s.Synthesize(context.Background(), Request{Text: "Hello."})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	// 4 bytes of 16-bit LE PCM decode to samples [0, 1].
	if len(clip.Data) != 2 || clip.Data[0] != 0 || clip.Data[1] != 1 {
		t.Errorf("samples = %v, want [0 1]", clip.Data)
	}
}

func TestExecSynthFailsOnEmptyOutput(t *testing.T) {
	s, err := NewExecSynth(`sh -c 'cat >/dev/null'`, 22050, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Synthesize(context.Background(), Request{Text: "Hello."}); err == nil {
		t.Error("empty output did not error")
	}
}

func TestExecSynthFailsOnExitError(t *testing.T) {
	s, err := NewExecSynth(`sh -c 'cat >/dev/null; exit 7'`, 22050, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Synthesize(context.Background(), Request{Text: "Hello."}); err == nil {
		t.Error("nonzero exit did not error")
	}
}

func TestNewExecSynthValidatesCommand(t *testing.T) {
	if _, err := NewExecSynth("", 22050, 1); err == nil {
		t.Error("accepted empty command")
	}
	if _, err := NewExecSynth(`sh -c 'unterminated`, 22050, 1); err == nil {
		t.Error("accepted unparsable command")
	}
}
