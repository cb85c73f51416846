package book

import "sync"

// Plan tracks per-chapter status for one run. The coordinator is the only
// writer; the monitoring surface reads concurrently, hence the lock.
type Plan struct {
	mu       sync.RWMutex
	chapters []Chapter
	status   []Status
}

func NewPlan(chapters []Chapter) *Plan {
	status := make([]Status, len(chapters))
	for i := range status {
		status[i] = StatusPending
	}
	return &Plan{chapters: chapters, status: status}
}

func (p *Plan) Len() int {
	return len(p.chapters)
}

func (p *Plan) Chapter(index int) Chapter {
	return p.chapters[index]
}

func (p *Plan) Status(index int) Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status[index]
}

func (p *Plan) SetStatus(index int, s Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[index] = s
}

// ChaptersWithStatus returns chapter indexes currently in the given
// status, in index order.
func (p *Plan) ChaptersWithStatus(s Status) []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []int
	for i, st := range p.status {
		if st == s {
			out = append(out, i)
		}
	}
	return out
}

// Counts snapshots the status distribution.
func (p *Plan) Counts() map[Status]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[Status]int, 4)
	for _, st := range p.status {
		out[st]++
	}
	return out
}
