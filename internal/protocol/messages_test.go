package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestWorkerSubjects(t *testing.T) {
	if got := WorkerHealthSubject("w-1"); got != "worker.w-1.health" {
		t.Errorf("health subject = %s", got)
	}
	if got := WorkerStatusSubject("w-1"); got != "worker.w-1.status" {
		t.Errorf("status subject = %s", got)
	}
	if got := WorkerProcessSubject("w-1"); got != "worker.w-1.process" {
		t.Errorf("process subject = %s", got)
	}
	if got := ProgressSubject("sess-1"); got != "inkvoice.progress.sess-1" {
		t.Errorf("progress subject = %s", got)
	}
}

// The process request field names are a published contract; external
// worker implementations depend on them.
func TestProcessRequestWireFormat(t *testing.T) {
	data, err := json.Marshal(ProcessRequest{
		SessionID:    "sess-1",
		ChapterIndex: 3,
		Sentences:    []string{"One."},
		Settings:     map[string]string{"voice": "default"},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{`"session_id"`, `"chapter_id":3`, `"sentences"`, `"tts_config"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("wire form %s missing %s", data, field)
		}
	}
}
