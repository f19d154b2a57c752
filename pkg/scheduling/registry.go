package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moby/sys/atomicwriter"
	"golang.org/x/sync/errgroup"

	"github.com/imagegen/orchestrator/pkg/generation"
	"github.com/imagegen/orchestrator/pkg/logging"
	"github.com/imagegen/orchestrator/pkg/metrics"
)

// persistedRecord is the on-disk form of one real backend record.
type persistedRecord struct {
	Type     string              `json:"type"`
	Title    string              `json:"title"`
	Enabled  bool                `json:"enabled"`
	Settings generation.Settings `json:"settings"`
}

// Registry owns the set of backend records, assigns their ids, persists real
// records and runs the init worker and scheduler.
type Registry struct {
	log   logging.Logger
	cfg   *Config
	types map[string]*generation.Type

	// mu guards the record set, id allocation and the loaded-models view. It
	// is held only for map bookkeeping, never across I/O.
	mu            sync.RWMutex
	records       map[int]*Record
	nextID        int
	nextNonrealID int
	loadedModels  map[string][]int

	// queueMu guards the init queue.
	queueMu   sync.Mutex
	initQueue []*Record
	initWake  chan struct{}

	// saveMu serializes configuration writes.
	saveMu sync.Mutex

	refreshMu        sync.Mutex
	refreshListeners []chan struct{}

	shuttingDown atomic.Bool
	shutdownOnce sync.Once

	scheduler *Scheduler
}

// NewRegistry creates a registry for the given driver types. Call Load to
// restore persisted configuration and Run to start the workers.
func NewRegistry(log logging.Logger, cfg *Config, types map[string]*generation.Type) *Registry {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.applyDefaults()
	g := &Registry{
		log:           log,
		cfg:           cfg,
		types:         types,
		records:       make(map[int]*Record),
		nextNonrealID: -1,
		loadedModels:  make(map[string][]int),
		initWake:      make(chan struct{}, 1),
	}
	g.scheduler = newScheduler(log.WithField("component", "scheduler"), cfg, g)
	return g
}

// Scheduler returns the registry's scheduler.
func (g *Registry) Scheduler() *Scheduler {
	return g.scheduler
}

// Types returns the registered driver types.
func (g *Registry) Types() map[string]*generation.Type {
	return g.types
}

// ShuttingDown reports whether the registry has begun shutdown.
func (g *Registry) ShuttingDown() bool {
	return g.shuttingDown.Load()
}

// Load reads the persisted configuration and creates a record for each entry.
// Unknown type ids are skipped with a warning. On parse failure the file is
// left in place and the registry starts empty.
func (g *Registry) Load() error {
	if g.cfg.BackendsFile == "" {
		return nil
	}
	data, err := os.ReadFile(g.cfg.BackendsFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("unable to read backends file: %w", err)
	}
	var persisted map[string]persistedRecord
	if err := json.Unmarshal(data, &persisted); err != nil {
		g.log.Warnf("Backends file %s is unparseable, starting empty: %v", g.cfg.BackendsFile, err)
		return nil
	}

	keys := make([]string, 0, len(persisted))
	for key := range persisted {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	g.mu.Lock()
	for _, key := range keys {
		entry := persisted[key]
		id, err := strconv.Atoi(key)
		if err != nil || id < 0 {
			g.log.Warnf("Skipping backend with invalid id %q", key)
			continue
		}
		typ, ok := g.types[entry.Type]
		if !ok {
			g.log.Warnf("Skipping backend %d with unknown type %q", id, entry.Type)
			continue
		}
		rec := newRecord(id, typ, entry.Settings, entry.Title, entry.Enabled,
			g.log.WithField("backend", id))
		g.records[id] = rec
		if id >= g.nextID {
			g.nextID = id + 1
		}
	}
	records := g.snapshotLocked()
	g.mu.Unlock()

	for _, rec := range records {
		if rec.Enabled() {
			g.enqueueInit(rec)
		}
	}
	return nil
}

// Run starts the init worker and scheduler and blocks until ctx is cancelled
// and shutdown completes.
func (g *Registry) Run(ctx context.Context) error {
	workers, workerCtx := errgroup.WithContext(ctx)
	workers.Go(func() error {
		newInitWorker(g, g.log.WithField("component", "init-worker")).run(workerCtx)
		return nil
	})
	workers.Go(func() error {
		g.scheduler.run(workerCtx)
		return nil
	})
	err := workers.Wait()
	g.Shutdown(context.Background())
	return err
}

// Add creates a real backend record, enqueues its initialization and persists
// the configuration.
func (g *Registry) Add(typeID string, settings generation.Settings, title string, enabled bool) (*Record, error) {
	return g.add(typeID, settings, title, enabled, true)
}

// AddNonreal creates an ephemeral backend record with a negative id. Nonreal
// records are scheduled like any other but never persisted.
func (g *Registry) AddNonreal(typeID string, settings generation.Settings, title string) (*Record, error) {
	return g.add(typeID, settings, title, true, false)
}

func (g *Registry) add(typeID string, settings generation.Settings, title string, enabled, real bool) (*Record, error) {
	if g.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	typ, ok := g.types[typeID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackendType, typeID)
	}

	g.mu.Lock()
	var id int
	if real {
		id = g.nextID
		g.nextID++
	} else {
		id = g.nextNonrealID
		g.nextNonrealID--
	}
	rec := newRecord(id, typ, settings, title, enabled, g.log.WithField("backend", id))
	g.records[id] = rec
	g.mu.Unlock()

	if enabled {
		if typ.CanLoadFast {
			// Cheap initialization runs inline on the adding goroutine.
			g.initRecord(context.Background(), rec)
		} else {
			g.enqueueInit(rec)
		}
	}
	if real {
		if err := g.Save(); err != nil {
			g.log.Warnf("Unable to persist backend configuration: %v", err)
		}
	}
	return rec, nil
}

// ByID returns the record with the given id.
func (g *Registry) ByID(id int) (*Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[id]
	return rec, ok
}

// DeleteByID shuts the backend down cleanly and removes it.
func (g *Registry) DeleteByID(ctx context.Context, id int) bool {
	rec, ok := g.ByID(id)
	if !ok {
		return false
	}
	g.cleanShutdown(ctx, rec)
	g.mu.Lock()
	delete(g.records, id)
	g.mu.Unlock()
	g.recomputeLoadedModels()
	if rec.IsReal() {
		if err := g.Save(); err != nil {
			g.log.Warnf("Unable to persist backend configuration: %v", err)
		}
	}
	g.scheduler.poke()
	return true
}

// EditByID shuts the backend down cleanly, replaces its settings and
// re-enqueues initialization. An empty title keeps the existing one; a nil
// enabled keeps the existing flag.
func (g *Registry) EditByID(ctx context.Context, id int, settings generation.Settings, title string, enabled *bool) (*Record, error) {
	rec, ok := g.ByID(id)
	if !ok {
		return nil, ErrBackendNotFound
	}
	g.cleanShutdown(ctx, rec)

	rec.mu.Lock()
	rec.settings = settings
	if title != "" {
		rec.title = title
	}
	if enabled != nil {
		rec.enabled = *enabled
	}
	rec.modCount++
	rec.initAttempts = 0
	rec.initErr = nil
	rec.driver = rec.typ.Build(settings, rec.log)
	nowEnabled := rec.enabled
	rec.mu.Unlock()

	rec.reserved.Store(false)
	if nowEnabled {
		if rec.typ.CanLoadFast {
			g.initRecord(ctx, rec)
		} else {
			g.enqueueInit(rec)
		}
	} else {
		rec.setStatus(StatusDisabled)
	}
	if rec.IsReal() {
		if err := g.Save(); err != nil {
			g.log.Warnf("Unable to persist backend configuration: %v", err)
		}
	}
	return rec, nil
}

// ReloadAll cleanly shuts down and re-initializes every record.
func (g *Registry) ReloadAll(ctx context.Context) {
	for _, rec := range g.Snapshot() {
		g.cleanShutdown(ctx, rec)
		rec.reserved.Store(false)
		if rec.Enabled() {
			g.enqueueInit(rec)
		}
	}
}

// RunningOfType returns the records of the given type that are running and
// not reserved.
func (g *Registry) RunningOfType(typeID string) []*Record {
	var result []*Record
	for _, rec := range g.Snapshot() {
		if rec.Type().ID == typeID && rec.Status() == StatusRunning && !rec.reserved.Load() {
			result = append(result, rec)
		}
	}
	return result
}

// Snapshot returns the current record set sorted by id.
func (g *Registry) Snapshot() []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshotLocked()
}

func (g *Registry) snapshotLocked() []*Record {
	records := make([]*Record, 0, len(g.records))
	for _, rec := range g.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].id < records[j].id
	})
	return records
}

// Save persists real records. Writes are serialized and atomic.
func (g *Registry) Save() error {
	if g.cfg.BackendsFile == "" {
		return nil
	}
	g.saveMu.Lock()
	defer g.saveMu.Unlock()

	persisted := make(map[string]persistedRecord)
	for _, rec := range g.Snapshot() {
		if !rec.IsReal() {
			continue
		}
		rec.mu.Lock()
		persisted[strconv.Itoa(rec.id)] = persistedRecord{
			Type:     rec.typ.ID,
			Title:    rec.title,
			Enabled:  rec.enabled,
			Settings: rec.settings,
		}
		rec.mu.Unlock()
	}
	data, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		return fmt.Errorf("unable to encode backends file: %w", err)
	}
	if err := atomicwriter.WriteFile(g.cfg.BackendsFile, data, 0o644); err != nil {
		return fmt.Errorf("unable to write backends file: %w", err)
	}
	return nil
}

// cleanShutdown reserves the record (blocking new acquisitions), waits for
// in-flight usages to drain and then tears the driver down. The reservation
// flag is left set; callers clear it when re-enqueueing.
func (g *Registry) cleanShutdown(ctx context.Context, rec *Record) {
	rec.reserved.Store(true)
drain:
	for rec.Usages() > 0 {
		select {
		case <-ctx.Done():
			g.log.Warnf("Backend %d shutdown drain cancelled with %d usage(s) outstanding",
				rec.ID(), rec.Usages())
			break drain
		case <-time.After(cleanShutdownPollInterval):
		}
	}
	rec.Driver().ShutdownNow()
	rec.setCurrentModel("")
	rec.setStatus(StatusDisabled)
	g.recomputeLoadedModels()
}

// Shutdown stops accepting requests, fails open requests and shuts every
// backend down. It is idempotent.
func (g *Registry) Shutdown(ctx context.Context) {
	g.shutdownOnce.Do(func() {
		g.shuttingDown.Store(true)
		g.scheduler.failAllOpen(ErrShuttingDown)
		for _, rec := range g.Snapshot() {
			g.cleanShutdown(ctx, rec)
		}
	})
}

// enqueueInit queues the record for the init worker.
func (g *Registry) enqueueInit(rec *Record) {
	rec.setStatus(StatusWaiting)
	g.queueMu.Lock()
	g.initQueue = append(g.initQueue, rec)
	g.queueMu.Unlock()
	select {
	case g.initWake <- struct{}{}:
	default:
	}
}

// dequeueInit pops the next queued record, or nil when the queue is empty.
func (g *Registry) dequeueInit() *Record {
	g.queueMu.Lock()
	defer g.queueMu.Unlock()
	if len(g.initQueue) == 0 {
		return nil
	}
	rec := g.initQueue[0]
	g.initQueue = g.initQueue[1:]
	return rec
}

// recomputeLoadedModels rebuilds the derived "which backends hold model X"
// view and broadcasts a refresh event.
func (g *Registry) recomputeLoadedModels() {
	loaded := make(map[string][]int)
	for _, rec := range g.Snapshot() {
		if rec.Status() != StatusRunning {
			continue
		}
		if model := rec.CurrentModel(); model != "" {
			loaded[model] = append(loaded[model], rec.ID())
		}
	}
	g.mu.Lock()
	g.loadedModels = loaded
	g.mu.Unlock()
	g.broadcastRefresh()
	g.updateStatusMetrics()
}

// ModelsLoaded returns a copy of the loaded-models view.
func (g *Registry) ModelsLoaded() map[string][]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	loaded := make(map[string][]int, len(g.loadedModels))
	for model, ids := range g.loadedModels {
		loaded[model] = append([]int(nil), ids...)
	}
	return loaded
}

// CountHolding returns the number of backends currently holding the model.
func (g *Registry) CountHolding(model string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.loadedModels[model])
}

// SubscribeRefresh returns a channel that receives a signal whenever the
// loaded-models view changes.
func (g *Registry) SubscribeRefresh() <-chan struct{} {
	ch := make(chan struct{}, 1)
	g.refreshMu.Lock()
	g.refreshListeners = append(g.refreshListeners, ch)
	g.refreshMu.Unlock()
	return ch
}

func (g *Registry) broadcastRefresh() {
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()
	for _, ch := range g.refreshListeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (g *Registry) updateStatusMetrics() {
	counts := make(map[Status]int)
	for _, rec := range g.Snapshot() {
		counts[rec.Status()]++
	}
	for s := StatusDisabled; s <= StatusErrored; s++ {
		metrics.Backends.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
