package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/imagegen/orchestrator/pkg/generation"
	"github.com/imagegen/orchestrator/pkg/logging"
)

// fakeDriver is a fully scriptable in-process driver used across the package
// tests.
type fakeDriver struct {
	mu        sync.Mutex
	initErrs  []error
	initCalls int
	loadErrs  map[string]error
	loadCalls []string
	loadDelay time.Duration
	maxUsages int
	noLoads   bool
	generate  func(ctx context.Context, input *generation.Input, batchID string, onEvent func(generation.Event)) error
	shutdowns int
}

func (d *fakeDriver) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initCalls++
	if len(d.initErrs) > 0 {
		err := d.initErrs[0]
		d.initErrs = d.initErrs[1:]
		return err
	}
	return nil
}

func (d *fakeDriver) ShutdownNow() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdowns++
}

func (d *fakeDriver) CanLoadModels() bool {
	return !d.noLoads
}

func (d *fakeDriver) MaxUsages() int {
	if d.maxUsages <= 0 {
		return 1
	}
	return d.maxUsages
}

func (d *fakeDriver) Catalog() generation.ModelCatalog {
	return generation.ModelCatalog{
		generation.CategoryMain: {"alpha", "beta", "gamma"},
	}
}

func (d *fakeDriver) Features() []string {
	return []string{"text2image"}
}

func (d *fakeDriver) LoadModel(ctx context.Context, model string) error {
	d.mu.Lock()
	delay := d.loadDelay
	d.loadCalls = append(d.loadCalls, model)
	err := d.loadErrs[model]
	d.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (d *fakeDriver) GenerateLive(ctx context.Context, input *generation.Input, batchID string, onEvent func(generation.Event)) error {
	if d.generate != nil {
		return d.generate(ctx, input, batchID, onEvent)
	}
	onEvent(generation.ImageEvent{BatchID: batchID, Data: []byte{1}, Format: "png"})
	return nil
}

func (d *fakeDriver) loadedModels() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.loadCalls...)
}

func (d *fakeDriver) inits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initCalls
}

func (d *fakeDriver) shutdownCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdowns
}

// fakeType builds a type descriptor whose Build hands out the supplied
// drivers in order, falling back to fresh ones when exhausted.
func fakeType(id string, drivers ...*fakeDriver) *generation.Type {
	var mu sync.Mutex
	return &generation.Type{
		ID:   id,
		Name: "Fake (" + id + ")",
		Build: func(settings generation.Settings, log logging.Logger) generation.Driver {
			mu.Lock()
			defer mu.Unlock()
			if len(drivers) == 0 {
				return &fakeDriver{}
			}
			d := drivers[0]
			drivers = drivers[1:]
			return d
		},
	}
}

func testConfig() *Config {
	return &Config{
		MaxInitAttempts:   2,
		PerRequestTimeout: 5 * time.Second,
		StagnationTimeout: time.Minute,
	}
}

// newTestRegistry builds a registry over the given types without starting any
// workers.
func newTestRegistry(t *testing.T, cfg *Config, types ...*generation.Type) *Registry {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	typeMap := make(map[string]*generation.Type, len(types))
	for _, typ := range types {
		typeMap[typ.ID] = typ
	}
	return NewRegistry(logging.NewNopLogger(), cfg, typeMap)
}

// startScheduler runs the scheduler loop for the duration of the test.
func startScheduler(t *testing.T, g *Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.scheduler.run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// addRunning registers a backend of the given type and drives it straight to
// running, optionally with a resident model.
func addRunning(t *testing.T, g *Registry, typeID, model string) *Record {
	t.Helper()
	rec, err := g.Add(typeID, nil, "", true)
	if err != nil {
		t.Fatalf("unable to add backend: %v", err)
	}
	g.initRecord(context.Background(), rec)
	if rec.Status() != StatusRunning {
		t.Fatalf("backend %d did not reach running, status %s", rec.ID(), rec.Status())
	}
	if model != "" {
		rec.setCurrentModel(model)
		g.recomputeLoadedModels()
	}
	return rec
}
