package synth

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/inkvoice/inkvoice/internal/book"
	shellwords "github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Language   string `json:"language"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

// NewExecSynth shells out to an external synthesis command: one JSON
// request on stdin, newline-delimited JSON chunks with base64 16-bit LE
// PCM on stdout.
func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synth command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Ready() bool { return true }

func (e *execSynth) Synthesize(ctx context.Context, req Request) (book.Clip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		Language:   req.Language,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return book.Clip{}, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return book.Clip{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return book.Clip{}, err
	}
	if err := cmd.Start(); err != nil {
		return book.Clip{}, err
	}

	if _, err := stdin.Write(payload); err != nil {
		cmd.Wait()
		return book.Clip{}, err
	}
	stdin.Close()

	clip := book.Clip{SampleRate: e.sampleRate, Channels: e.channels}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			cmd.Wait()
			return book.Clip{}, err
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			cmd.Wait()
			return book.Clip{}, err
		}
		clip.Data = append(clip.Data, decodePCM16(pcm)...)
		if resp.Final {
			break
		}
	}
	if err := cmd.Wait(); err != nil {
		return book.Clip{}, fmt.Errorf("synth command failed: %w", err)
	}
	if err := scanner.Err(); err != nil {
		return book.Clip{}, err
	}
	if clip.Empty() {
		return book.Clip{}, fmt.Errorf("synth command produced no audio")
	}
	return clip, nil
}

func decodePCM16(raw []byte) []int {
	out := make([]int, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		out = append(out, int(int16(binary.LittleEndian.Uint16(raw[i:]))))
	}
	return out
}
