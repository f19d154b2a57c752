package scheduling

import (
	"sync/atomic"

	"github.com/imagegen/orchestrator/pkg/generation"
)

// Access is a scoped handle representing one reserved usage slot on a
// backend. Acquiring it increments the backend's usage count and refreshes
// its LRU stamp; Release returns the slot and wakes the scheduler. Release
// must be called on every exit path; calling it more than once is a no-op.
type Access struct {
	record    *Record
	scheduler *Scheduler
	released  atomic.Bool
}

func newAccess(record *Record, scheduler *Scheduler) *Access {
	return &Access{record: record, scheduler: scheduler}
}

// Record returns the backend record the handle is bound to.
func (a *Access) Record() *Record {
	return a.record
}

// Driver returns the driver interface of the acquired backend.
func (a *Access) Driver() generation.Driver {
	return a.record.Driver()
}

// Release returns the usage slot and signals the scheduler. It is idempotent.
func (a *Access) Release() {
	if !a.released.CompareAndSwap(false, true) {
		return
	}
	a.record.releaseUsage()
	a.scheduler.poke()
}
