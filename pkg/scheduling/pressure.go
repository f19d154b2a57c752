package scheduling

import (
	"sync"
	"time"
)

// PressureScore computes the scheduling priority of aggregated demand for a
// model: each waiting request is worth ten points and every second of age
// adds one. Higher scores load first. The function is exported so the
// heuristic can be property-tested in isolation.
func PressureScore(count int, age time.Duration) float64 {
	return float64(count)*10 + age.Seconds()
}

// pressureEntry aggregates waiting demand for one model across all open
// requests. An entry exists iff at least one open request desires the model
// and no eligible backend currently holds it.
type pressureEntry struct {
	model string

	// mu is held across load commitment and badBackends mutation, never
	// across the model load itself.
	mu        sync.Mutex
	first     time.Time
	count     int
	isLoading bool
	sessions  map[*Session]int
	requests  map[*Request]struct{}
	// badBackends holds the ids of backends that failed to load this model.
	badBackends map[int]struct{}
}

func newPressureEntry(model string) *pressureEntry {
	return &pressureEntry{
		model:       model,
		first:       time.Now(),
		sessions:    make(map[*Session]int),
		requests:    make(map[*Request]struct{}),
		badBackends: make(map[int]struct{}),
	}
}

// score computes the entry's current priority.
func (p *pressureEntry) score(now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PressureScore(p.count, now.Sub(p.first))
}

// add registers a request (and its session) with the entry.
func (p *pressureEntry) add(q *Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	p.requests[q] = struct{}{}
	if q.session != nil {
		p.sessions[q.session]++
	}
}

// remove deregisters a request and decrements the entry's count. It returns
// the remaining count.
func (p *pressureEntry) remove(q *Request) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.requests[q]; ok {
		delete(p.requests, q)
		if q.session != nil {
			if p.sessions[q.session]--; p.sessions[q.session] <= 0 {
				delete(p.sessions, q.session)
			}
		}
	}
	p.count--
	return p.count
}

// loading reports whether a load has been committed for the entry.
func (p *pressureEntry) loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isLoading
}

// markBad records that a backend failed to load the entry's model so the
// next scheduling pass avoids it.
func (p *pressureEntry) markBad(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.badBackends[id] = struct{}{}
}

// snapshotRequests returns the entry's current request set.
func (p *pressureEntry) snapshotRequests() []*Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	requests := make([]*Request, 0, len(p.requests))
	for q := range p.requests {
		requests = append(requests, q)
	}
	return requests
}
