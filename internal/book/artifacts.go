package book

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Clip is decoded PCM for one artifact.
type Clip struct {
	SampleRate int
	Channels   int
	Data       []int
}

func (c Clip) Empty() bool { return len(c.Data) == 0 }

const artifactBitDepth = 16

// Artifacts is the shared output namespace for one session. Workers, the
// coordinator and the assembler all resolve paths through it; every write
// goes through a temp-then-rename so a half-written file can never pass
// an existence check.
type Artifacts struct {
	root string
}

func NewArtifacts(root string) (*Artifacts, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Artifacts{root: root}, nil
}

func (a *Artifacts) Root() string { return a.root }

// SentencePath keys a sentence artifact by (chapter, sentence) index.
func (a *Artifacts) SentencePath(chapterIndex, sentenceIndex int) string {
	return filepath.Join(a.root, fmt.Sprintf("ch%04d_s%04d.wav", chapterIndex, sentenceIndex))
}

// ChapterPath keys the combined chapter artifact.
func (a *Artifacts) ChapterPath(chapterIndex int) string {
	return filepath.Join(a.root, fmt.Sprintf("chapter_%04d.wav", chapterIndex))
}

// UnitComplete reports whether the sentence artifact exists.
func (a *Artifacts) UnitComplete(chapterIndex, sentenceIndex int) bool {
	return exists(a.SentencePath(chapterIndex, sentenceIndex))
}

// ChapterArtifactComplete reports whether the combined chapter artifact exists.
func (a *Artifacts) ChapterArtifactComplete(chapterIndex int) bool {
	return exists(a.ChapterPath(chapterIndex))
}

// ChapterSentencesComplete reports whether every sentence artifact of the
// chapter exists.
func (a *Artifacts) ChapterSentencesComplete(ch Chapter) bool {
	for _, s := range ch.Sentences {
		if !a.UnitComplete(s.ChapterIndex, s.SentenceIndex) {
			return false
		}
	}
	return len(ch.Sentences) > 0
}

// WriteClip encodes the clip as WAV at path, atomically.
func (a *Artifacts) WriteClip(path string, clip Clip) error {
	if clip.SampleRate <= 0 || clip.Channels <= 0 {
		return fmt.Errorf("invalid clip format %d Hz / %d ch", clip.SampleRate, clip.Channels)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}

	enc := wav.NewEncoder(f, clip.SampleRate, artifactBitDepth, clip.Channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: clip.SampleRate, NumChannels: clip.Channels},
		SourceBitDepth: artifactBitDepth,
		Data:           clip.Data,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode artifact: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("finalize artifact: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}

// ReadClip decodes the WAV artifact at path.
func (a *Artifacts) ReadClip(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode artifact %s: %w", path, err)
	}
	return Clip{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		Data:       buf.Data,
	}, nil
}

// CombineChapter concatenates the chapter's sentence artifacts, in
// sentence order, into the chapter artifact. Every sentence artifact must
// already exist and share one format.
func (a *Artifacts) CombineChapter(ch Chapter) (Clip, error) {
	var combined Clip
	for _, s := range ch.Sentences {
		path := a.SentencePath(s.ChapterIndex, s.SentenceIndex)
		clip, err := a.ReadClip(path)
		if err != nil {
			return Clip{}, fmt.Errorf("chapter %d sentence %d: %w", s.ChapterIndex, s.SentenceIndex, err)
		}
		if combined.Empty() {
			combined.SampleRate = clip.SampleRate
			combined.Channels = clip.Channels
		} else if clip.SampleRate != combined.SampleRate || clip.Channels != combined.Channels {
			return Clip{}, fmt.Errorf("chapter %d sentence %d: format %d Hz/%d ch differs from %d Hz/%d ch",
				s.ChapterIndex, s.SentenceIndex, clip.SampleRate, clip.Channels, combined.SampleRate, combined.Channels)
		}
		combined.Data = append(combined.Data, clip.Data...)
	}
	if combined.Empty() {
		return Clip{}, fmt.Errorf("chapter %d has no sentence audio", ch.Index)
	}
	if err := a.WriteClip(a.ChapterPath(ch.Index), combined); err != nil {
		return Clip{}, err
	}
	return combined, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
