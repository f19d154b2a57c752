package scheduling

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/imagegen/orchestrator/pkg/generation"
	"github.com/imagegen/orchestrator/pkg/logging"
)

// Status encodes a backend record's lifecycle state.
type Status int32

const (
	// StatusDisabled indicates a backend whose configuration flag is off.
	StatusDisabled Status = iota
	// StatusWaiting indicates a backend queued for initialization.
	StatusWaiting
	// StatusLoading indicates a backend whose driver is initializing.
	StatusLoading
	// StatusIdle indicates an initialized backend that is not yet serving.
	// It is part of the status surface for intake display but the scheduler
	// only dispatches to running backends.
	StatusIdle
	// StatusRunning indicates a backend ready to serve generations.
	StatusRunning
	// StatusErrored indicates a backend whose initialization failed
	// terminally.
	StatusErrored
)

// String implements Stringer.String for Status.
func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "disabled"
	case StatusWaiting:
		return "waiting"
	case StatusLoading:
		return "loading"
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Record is the registry's per-backend mutable state. Non-negative ids are
// real (persisted, user-visible); negative ids are ephemeral and never
// persisted.
//
// Usage slots, reservation flags and the LRU stamp are atomics because the
// scheduler inspects them locklessly on every tick. Acquisitions only happen
// on the scheduler goroutine, which is what makes the check-then-increment in
// tryAcquire safe against the reservation flags.
type Record struct {
	id  int
	typ *generation.Type
	log logging.Logger

	status           atomic.Int32
	usages           atomic.Int32
	maxUsages        atomic.Int32
	reserved         atomic.Bool
	reserveModelLoad atomic.Bool
	timeLastRelease  atomic.Int64

	// mu guards the user-editable configuration and the resident model name.
	mu           sync.Mutex
	driver       generation.Driver
	title        string
	enabled      bool
	settings     generation.Settings
	currentModel string
	modCount     int
	initAttempts int
	initErr      error
}

func newRecord(id int, typ *generation.Type, settings generation.Settings, title string, enabled bool, log logging.Logger) *Record {
	r := &Record{
		id:       id,
		typ:      typ,
		log:      log,
		title:    title,
		enabled:  enabled,
		settings: settings,
		driver:   typ.Build(settings, log),
	}
	r.maxUsages.Store(1)
	if enabled {
		r.status.Store(int32(StatusWaiting))
	} else {
		r.status.Store(int32(StatusDisabled))
	}
	r.touch()
	return r
}

// ID returns the record's id.
func (r *Record) ID() int {
	return r.id
}

// IsReal reports whether the record is persisted and user-visible.
func (r *Record) IsReal() bool {
	return r.id >= 0
}

// Type returns the record's driver type descriptor.
func (r *Record) Type() *generation.Type {
	return r.typ
}

// Status returns the record's lifecycle status.
func (r *Record) Status() Status {
	return Status(r.status.Load())
}

func (r *Record) setStatus(s Status) {
	r.status.Store(int32(s))
}

// Usages returns the number of currently-acquired generation slots.
func (r *Record) Usages() int {
	return int(r.usages.Load())
}

// MaxUsages returns the driver-declared bound on concurrent generations.
func (r *Record) MaxUsages() int {
	return int(r.maxUsages.Load())
}

// Driver returns the record's driver instance.
func (r *Record) Driver() generation.Driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.driver
}

// Title returns the user-supplied backend title.
func (r *Record) Title() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.title
}

// Enabled reports whether the backend's configuration flag is on.
func (r *Record) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Settings returns the record's raw settings.
func (r *Record) Settings() generation.Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// ModCount returns the record's monotonic edit counter.
func (r *Record) ModCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.modCount
}

// InitAttempts returns the number of initialization tries so far.
func (r *Record) InitAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initAttempts
}

// InitError returns the most recent initialization error, if any.
func (r *Record) InitError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initErr
}

// CurrentModel returns the name of the model resident on the backend, or the
// empty string when none is loaded.
func (r *Record) CurrentModel() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentModel
}

func (r *Record) setCurrentModel(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentModel = model
}

// LastRelease returns the record's usage LRU stamp. It updates on both claim
// and release.
func (r *Record) LastRelease() time.Time {
	return time.Unix(0, r.timeLastRelease.Load())
}

func (r *Record) touch() {
	r.timeLastRelease.Store(time.Now().UnixNano())
}

// InUse reports whether the record cannot accept a new acquisition: it is
// running and either committed to a model load or out of usage slots.
func (r *Record) InUse() bool {
	if r.Status() != StatusRunning {
		return false
	}
	return r.reserveModelLoad.Load() || r.usages.Load() >= r.maxUsages.Load()
}

// tryAcquire attempts to claim one usage slot. It must only be called from
// the scheduler goroutine.
func (r *Record) tryAcquire() bool {
	if r.Status() != StatusRunning || r.reserved.Load() || r.reserveModelLoad.Load() {
		return false
	}
	max := r.maxUsages.Load()
	for {
		u := r.usages.Load()
		if u >= max {
			return false
		}
		if r.usages.CompareAndSwap(u, u+1) {
			r.touch()
			return true
		}
	}
}

// releaseUsage returns one usage slot.
func (r *Record) releaseUsage() {
	if r.usages.Add(-1) < 0 {
		// A negative count means a double release slipped past an Access
		// handle; clamp and log rather than corrupt scheduling state.
		r.usages.Store(0)
		r.log.Errorf("Backend %d usage count went negative", r.id)
	}
	r.touch()
}

// eligible reports whether the scheduler may consider the record for
// dispatch at all.
func (r *Record) eligible() bool {
	return r.Enabled() && !r.reserved.Load() && r.Status() == StatusRunning
}

// pending reports whether the record may still become eligible without admin
// intervention.
func (r *Record) pending() bool {
	s := r.Status()
	return s == StatusLoading || s == StatusWaiting
}
