package book

// SentenceUnit is the synthesis granularity. Its completion is observable
// as the existence of the artifact at Artifacts.SentencePath.
type SentenceUnit struct {
	ChapterIndex  int    `json:"chapter_index"`
	SentenceIndex int    `json:"sentence_index"`
	Text          string `json:"text"`
}

// Chapter is the dispatch granularity. Index defines assembly order;
// chapters carry no data dependency on each other.
type Chapter struct {
	Index     int            `json:"index"`
	Sentences []SentenceUnit `json:"sentences"`
}

// Texts returns the sentence texts in order.
func (c Chapter) Texts() []string {
	out := make([]string, len(c.Sentences))
	for i, s := range c.Sentences {
		out[i] = s.Text
	}
	return out
}

// Status of a chapter inside one coordinator run.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAssigned Status = "assigned"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Manifest is the contract with the external ebook parser: ordered
// chapters of normalized sentences plus passthrough book metadata.
type Manifest struct {
	Title    string            `json:"title,omitempty"`
	Author   string            `json:"author,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Chapters []Chapter         `json:"chapters"`
}

// ChaptersFromTexts builds the model from raw chapter/sentence strings,
// assigning indexes positionally.
func ChaptersFromTexts(chapters [][]string) []Chapter {
	out := make([]Chapter, len(chapters))
	for ci, sentences := range chapters {
		ch := Chapter{Index: ci, Sentences: make([]SentenceUnit, len(sentences))}
		for si, text := range sentences {
			ch.Sentences[si] = SentenceUnit{ChapterIndex: ci, SentenceIndex: si, Text: text}
		}
		out[ci] = ch
	}
	return out
}
