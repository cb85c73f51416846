package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/inkvoice/inkvoice/internal/book"
	"github.com/inkvoice/inkvoice/internal/config"
	shellwords "github.com/mattn/go-shellwords"
)

// Extractor turns a source ebook into the chapter manifest. The heavy
// parsing lives outside this process; both modes hand back the same
// normalized manifest.
type Extractor interface {
	Extract(ctx context.Context, sourcePath string) (book.Manifest, error)
}

func NewExtractor(cfg config.ExtractConfig) (Extractor, error) {
	switch cfg.Mode {
	case "manifest":
		return manifestExtractor{}, nil
	case "exec":
		parser := shellwords.NewParser()
		args, err := parser.Parse(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("parse extract command: %w", err)
		}
		if len(args) == 0 {
			return nil, errors.New("extract command empty")
		}
		return execExtractor{cmd: args}, nil
	default:
		return nil, fmt.Errorf("unknown extract mode %q", cfg.Mode)
	}
}

// manifestExtractor treats the source file itself as a pre-extracted
// chapter manifest.
type manifestExtractor struct{}

func (manifestExtractor) Extract(ctx context.Context, sourcePath string) (book.Manifest, error) {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return book.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return decodeManifest(data)
}

// execExtractor shells out to an external parser: source path as the last
// argument, manifest JSON on stdout.
type execExtractor struct {
	cmd []string
}

func (e execExtractor) Extract(ctx context.Context, sourcePath string) (book.Manifest, error) {
	args := append(append([]string{}, e.cmd[1:]...), sourcePath)
	cmd := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return book.Manifest{}, fmt.Errorf("extract command failed: %w: %s", err, msg)
		}
		return book.Manifest{}, fmt.Errorf("extract command failed: %w", err)
	}
	return decodeManifest(stdout.Bytes())
}

func decodeManifest(data []byte) (book.Manifest, error) {
	var m book.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return book.Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if err := normalizeManifest(&m); err != nil {
		return book.Manifest{}, err
	}
	return m, nil
}

// normalizeManifest assigns positional indexes, drops blank sentences and
// rejects a book that cannot produce audio.
func normalizeManifest(m *book.Manifest) error {
	if len(m.Chapters) == 0 {
		return errors.New("manifest contains no chapters")
	}
	for ci := range m.Chapters {
		ch := &m.Chapters[ci]
		ch.Index = ci
		kept := ch.Sentences[:0]
		for _, s := range ch.Sentences {
			if strings.TrimSpace(s.Text) == "" {
				continue
			}
			s.ChapterIndex = ci
			s.SentenceIndex = len(kept)
			kept = append(kept, s)
		}
		ch.Sentences = kept
		if len(ch.Sentences) == 0 {
			return fmt.Errorf("chapter %d contains no sentences", ci)
		}
	}
	return nil
}
