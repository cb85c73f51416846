package protocol

import "time"

// Worker RPC subjects. Each worker listens on its own prefix; the
// coordinator addresses a worker purely by name.
const (
	subjectWorkerPrefix   = "worker."
	subjectProgressPrefix = "inkvoice.progress."
)

func WorkerHealthSubject(name string) string  { return subjectWorkerPrefix + name + ".health" }
func WorkerStatusSubject(name string) string  { return subjectWorkerPrefix + name + ".status" }
func WorkerProcessSubject(name string) string { return subjectWorkerPrefix + name + ".process" }

// ProgressSubject carries fire-and-forget progress events for a session.
func ProgressSubject(sessionID string) string { return subjectProgressPrefix + sessionID }

const (
	HealthStatusHealthy   = "healthy"
	HealthStatusUnhealthy = "unhealthy"

	WorkerStateIdle = "idle"
	WorkerStateBusy = "busy"

	RejectReasonBusy = "busy"
)

// HealthReply answers a health probe. Must always be cheap to produce.
type HealthReply struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}

// StatusReply is a scheduling hint only; the coordinator's own assignment
// state wins when the two disagree.
type StatusReply struct {
	State          string `json:"state"`
	CurrentChapter *int   `json:"current_chapter"`
}

// ProcessRequest asks a worker to synthesize one whole chapter.
type ProcessRequest struct {
	SessionID    string            `json:"session_id"`
	ChapterIndex int               `json:"chapter_id"`
	Sentences    []string          `json:"sentences"`
	Settings     map[string]string `json:"tts_config"`
}

// ProcessReply reports the outcome of a chapter dispatch. Accepted=false
// with RejectReasonBusy is a scheduling signal, not a failure.
type ProcessReply struct {
	Accepted     bool   `json:"accepted"`
	Reason       string `json:"reason,omitempty"`
	ChapterIndex int    `json:"chapter_index"`
	Sentences    int    `json:"sentences"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
	Error        string `json:"error,omitempty"`
}

// Progress mirrors the coordinator's view of the run for any listener.
type Progress struct {
	SessionID string    `json:"session_id"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Percent   float64   `json:"percent"`
	Timestamp time.Time `json:"timestamp"`
}
