package scheduling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagegen/orchestrator/pkg/generation"
)

func TestGetNextBackendNoBackends(t *testing.T) {
	g := newTestRegistry(t, nil, fakeType("fake"))
	startScheduler(t, g)

	_, err := g.Scheduler().GetNextBackend(context.Background(), 2*time.Second, RequestOptions{})
	require.ErrorIs(t, err, ErrNoBackendsAvailable)
}

func TestGetNextBackendOnlyErroredBackends(t *testing.T) {
	d := &fakeDriver{initErrs: []error{
		generation.NewRefusedInitError(errors.New("bad config")),
	}}
	g := newTestRegistry(t, nil, fakeType("fake", d))
	rec, err := g.Add("fake", nil, "", true)
	require.NoError(t, err)
	g.initRecord(context.Background(), rec)
	require.Equal(t, StatusErrored, rec.Status())
	startScheduler(t, g)

	_, err = g.Scheduler().GetNextBackend(context.Background(), 2*time.Second, RequestOptions{})
	require.ErrorIs(t, err, ErrNoBackendsAvailable)
}

func TestGetNextBackendAnyModel(t *testing.T) {
	g := newTestRegistry(t, nil, fakeType("fake"))
	rec := addRunning(t, g, "fake", "")
	startScheduler(t, g)

	access, err := g.Scheduler().GetNextBackend(context.Background(), time.Second, RequestOptions{})
	require.NoError(t, err)
	require.NotNil(t, access)
	assert.Same(t, rec, access.Record())
	assert.Equal(t, 1, rec.Usages())

	access.Release()
	assert.Equal(t, 0, rec.Usages())
}

func TestAccessReleaseIdempotent(t *testing.T) {
	g := newTestRegistry(t, nil, fakeType("fake"))
	rec := addRunning(t, g, "fake", "")
	startScheduler(t, g)

	access, err := g.Scheduler().GetNextBackend(context.Background(), time.Second, RequestOptions{})
	require.NoError(t, err)
	access.Release()
	access.Release()
	assert.Equal(t, 0, rec.Usages())
}

func TestGetNextBackendPrefersResidentModel(t *testing.T) {
	d1 := &fakeDriver{}
	d2 := &fakeDriver{}
	g := newTestRegistry(t, nil, fakeType("fake", d1, d2))
	addRunning(t, g, "fake", "beta")
	holder := addRunning(t, g, "fake", "alpha")
	startScheduler(t, g)

	access, err := g.Scheduler().GetNextBackend(context.Background(), time.Second,
		RequestOptions{DesiredModel: "alpha"})
	require.NoError(t, err)
	defer access.Release()

	assert.Same(t, holder, access.Record())
	assert.Empty(t, d1.loadedModels(), "no load may happen when the model is resident")
	assert.Empty(t, d2.loadedModels())
}

func TestGetNextBackendLoadsMissingModel(t *testing.T) {
	d := &fakeDriver{}
	g := newTestRegistry(t, nil, fakeType("fake", d))
	rec := addRunning(t, g, "fake", "beta")
	startScheduler(t, g)

	access, err := g.Scheduler().GetNextBackend(context.Background(), 5*time.Second,
		RequestOptions{DesiredModel: "alpha"})
	require.NoError(t, err)
	defer access.Release()

	assert.Same(t, rec, access.Record())
	assert.Equal(t, "alpha", rec.CurrentModel())
	assert.Equal(t, []string{"alpha"}, d.loadedModels())
	assert.Equal(t, 1, g.CountHolding("alpha"))
	assert.Equal(t, 0, g.CountHolding("beta"))
	assert.False(t, rec.reserveModelLoad.Load())
}

func TestBusyHolderServesFollowupWithoutNewLoad(t *testing.T) {
	d1 := &fakeDriver{}
	d2 := &fakeDriver{}
	g := newTestRegistry(t, nil, fakeType("fake", d1, d2))
	holder := addRunning(t, g, "fake", "alpha")
	other := addRunning(t, g, "fake", "beta")
	startScheduler(t, g)

	first, err := g.Scheduler().GetNextBackend(context.Background(), time.Second,
		RequestOptions{DesiredModel: "alpha"})
	require.NoError(t, err)
	require.Same(t, holder, first.Record())

	type outcome struct {
		access *Access
		err    error
	}
	results := make(chan outcome, 1)
	go func() {
		access, err := g.Scheduler().GetNextBackend(context.Background(), 5*time.Second,
			RequestOptions{DesiredModel: "alpha"})
		results <- outcome{access, err}
	}()

	// Give the scheduler a few passes while the holder is busy.
	time.Sleep(300 * time.Millisecond)
	first.Release()

	result := <-results
	require.NoError(t, result.err)
	require.NotNil(t, result.access)
	assert.Same(t, holder, result.access.Record(), "the follow-up must wait for the holder")
	result.access.Release()

	assert.Equal(t, "beta", other.CurrentModel(), "the other backend must keep its model")
	assert.Empty(t, d1.loadedModels())
	assert.Empty(t, d2.loadedModels())
	assert.Equal(t, 0, g.Scheduler().PressureCount("alpha"))
}

func TestModelBurstAmortizesToOneLoad(t *testing.T) {
	d1 := &fakeDriver{}
	d2 := &fakeDriver{}
	g := newTestRegistry(t, nil, fakeType("fake", d1, d2))
	a := addRunning(t, g, "fake", "beta")
	b := addRunning(t, g, "fake", "gamma")
	startScheduler(t, g)

	const burst = 10
	var wg sync.WaitGroup
	errs := make(chan error, burst)
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			access, err := g.Scheduler().GetNextBackend(context.Background(), 5*time.Second,
				RequestOptions{DesiredModel: "alpha"})
			if err != nil {
				errs <- err
				return
			}
			access.Release()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	loads := append(d1.loadedModels(), d2.loadedModels()...)
	require.Equal(t, []string{"alpha"}, loads, "a same-model burst must amortize to a single load")
	if a.CurrentModel() == "alpha" {
		assert.Equal(t, "gamma", b.CurrentModel())
	} else {
		assert.Equal(t, "alpha", b.CurrentModel())
		assert.Equal(t, "beta", a.CurrentModel())
	}
}

func TestLoadTargetPrefersLeastRecentlyUsed(t *testing.T) {
	d1 := &fakeDriver{}
	d2 := &fakeDriver{}
	g := newTestRegistry(t, nil, fakeType("fake", d1, d2))
	older := addRunning(t, g, "fake", "beta")
	newer := addRunning(t, g, "fake", "gamma")
	older.timeLastRelease.Store(time.Now().Add(-time.Hour).UnixNano())
	startScheduler(t, g)

	access, err := g.Scheduler().GetNextBackend(context.Background(), 5*time.Second,
		RequestOptions{DesiredModel: "alpha"})
	require.NoError(t, err)
	defer access.Release()

	assert.Same(t, older, access.Record(), "the least recently used idle loader takes the load")
	assert.Equal(t, []string{"alpha"}, d1.loadedModels())
	assert.Empty(t, d2.loadedModels())
	assert.Equal(t, "gamma", newer.CurrentModel())
}

func TestCompletedRequestRegistersNoPressure(t *testing.T) {
	g := newTestRegistry(t, nil, fakeType("fake"))
	addRunning(t, g, "fake", "beta")
	s := g.Scheduler()

	q := &Request{
		id:           1,
		desiredModel: "alpha",
		ctx:          context.Background(),
		done:         make(chan struct{}),
		completed:    true,
	}
	s.tryFind(q, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.pressures, "an abandoned request must leave no pressure entry behind")
}

func TestGetNextBackendBalancesOntoLeastUsed(t *testing.T) {
	g := newTestRegistry(t, nil, fakeType("fake"))
	busy := addRunning(t, g, "fake", "")
	busy.maxUsages.Store(2)
	busy.usages.Store(1)
	idle := addRunning(t, g, "fake", "")
	idle.maxUsages.Store(2)
	startScheduler(t, g)

	access, err := g.Scheduler().GetNextBackend(context.Background(), time.Second, RequestOptions{})
	require.NoError(t, err)
	defer access.Release()
	assert.Same(t, idle, access.Record())
}

func TestGetNextBackendFilterNoMatch(t *testing.T) {
	g := newTestRegistry(t, nil, fakeType("fake"))
	addRunning(t, g, "fake", "")
	startScheduler(t, g)

	_, err := g.Scheduler().GetNextBackend(context.Background(), time.Second, RequestOptions{
		Filter: func(*Record) bool { return false },
	})
	require.ErrorIs(t, err, ErrNoMatchingBackend)
}

func TestGetNextBackendTimeout(t *testing.T) {
	g := newTestRegistry(t, nil, fakeType("fake"))
	addRunning(t, g, "fake", "alpha")
	startScheduler(t, g)

	first, err := g.Scheduler().GetNextBackend(context.Background(), time.Second,
		RequestOptions{DesiredModel: "alpha"})
	require.NoError(t, err)
	defer first.Release()

	_, err = g.Scheduler().GetNextBackend(context.Background(), 300*time.Millisecond,
		RequestOptions{DesiredModel: "alpha"})
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "alpha", timeoutErr.Model)
	assert.Equal(t, 1, timeoutErr.Holding, "diagnostic must count backends holding the model")
}

func TestGetNextBackendCancellationIsSilent(t *testing.T) {
	g := newTestRegistry(t, nil, fakeType("fake"))
	rec := addRunning(t, g, "fake", "")
	rec.usages.Store(1)
	startScheduler(t, g)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	access, err := g.Scheduler().GetNextBackend(ctx, 5*time.Second, RequestOptions{})
	assert.NoError(t, err)
	assert.Nil(t, access)
	assert.Equal(t, 0, g.Scheduler().OpenRequests())
}

func TestAllBackendsFailedModel(t *testing.T) {
	d := &fakeDriver{loadErrs: map[string]error{"alpha": errors.New("out of memory")}}
	g := newTestRegistry(t, nil, fakeType("fake", d))
	rec := addRunning(t, g, "fake", "beta")
	startScheduler(t, g)

	_, err := g.Scheduler().GetNextBackend(context.Background(), 5*time.Second,
		RequestOptions{DesiredModel: "alpha"})
	require.ErrorIs(t, err, ErrAllBackendsFailedModel)
	assert.Equal(t, "beta", rec.CurrentModel(), "failed load must not change the resident model")
	assert.Equal(t, 0, g.Scheduler().PressureCount("alpha"), "pressure must drain after the failure")
}

func TestWaitingOnBackendInit(t *testing.T) {
	g := newTestRegistry(t, nil, fakeType("fake"))
	rec, err := g.Add("fake", nil, "", true)
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, rec.Status())
	startScheduler(t, g)

	session := NewSession()
	type outcome struct {
		access *Access
		err    error
	}
	results := make(chan outcome, 1)
	go func() {
		access, err := g.Scheduler().GetNextBackend(context.Background(), 5*time.Second,
			RequestOptions{Session: session})
		results <- outcome{access, err}
	}()

	waitFor(t, 2*time.Second, func() bool {
		return session.Counts().WaitingBackends == 1
	})

	g.initRecord(context.Background(), rec)
	result := <-results
	require.NoError(t, result.err)
	require.NotNil(t, result.access)
	result.access.Release()
	assert.Equal(t, Counts{}, session.Counts())
}

func TestSessionLoadingModelsCounter(t *testing.T) {
	d := &fakeDriver{loadDelay: 400 * time.Millisecond}
	g := newTestRegistry(t, nil, fakeType("fake", d))
	addRunning(t, g, "fake", "beta")
	startScheduler(t, g)

	session := NewSession()
	done := make(chan struct{})
	go func() {
		access, err := g.Scheduler().GetNextBackend(context.Background(), 5*time.Second,
			RequestOptions{DesiredModel: "alpha", Session: session})
		if err == nil {
			access.Release()
		}
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool {
		return session.Counts().LoadingModels == 1
	})
	<-done
	assert.Equal(t, Counts{}, session.Counts())
}

func TestNotifyWillLoadFiresOnce(t *testing.T) {
	g := newTestRegistry(t, nil, fakeType("fake"))
	addRunning(t, g, "fake", "beta")
	startScheduler(t, g)

	notified := make(chan struct{}, 4)
	access, err := g.Scheduler().GetNextBackend(context.Background(), 5*time.Second,
		RequestOptions{
			DesiredModel:   "alpha",
			NotifyWillLoad: func() { notified <- struct{}{} },
		})
	require.NoError(t, err)
	access.Release()
	assert.Len(t, notified, 1)
}

func TestGenerateRedirectRetriesOnAnotherBackend(t *testing.T) {
	var served []string
	d1 := &fakeDriver{generate: func(context.Context, *generation.Input, string, func(generation.Event)) error {
		return generation.ErrPleaseRedirect
	}}
	d2 := &fakeDriver{generate: func(_ context.Context, _ *generation.Input, batchID string, onEvent func(generation.Event)) error {
		served = append(served, batchID)
		onEvent(generation.ImageEvent{BatchID: batchID, Data: []byte{1}, Format: "png"})
		return nil
	}}
	g := newTestRegistry(t, nil, fakeType("fake", d1, d2))
	first := addRunning(t, g, "fake", "alpha")
	second := addRunning(t, g, "fake", "alpha")
	startScheduler(t, g)

	var events []generation.Event
	err := g.Scheduler().Generate(context.Background(), time.Second,
		RequestOptions{DesiredModel: "alpha"}, &generation.Input{Prompt: "x"}, "batch-1",
		func(ev generation.Event) { events = append(events, ev) })
	require.NoError(t, err)
	assert.Equal(t, []string{"batch-1"}, served)
	require.Len(t, events, 1)
	assert.Equal(t, 0, first.Usages())
	assert.Equal(t, 0, second.Usages())
}

func TestGenerateRedirectBudgetIsOneShot(t *testing.T) {
	redirect := func(context.Context, *generation.Input, string, func(generation.Event)) error {
		return generation.ErrPleaseRedirect
	}
	d1 := &fakeDriver{generate: redirect}
	d2 := &fakeDriver{generate: redirect}
	g := newTestRegistry(t, nil, fakeType("fake", d1, d2))
	addRunning(t, g, "fake", "alpha")
	addRunning(t, g, "fake", "alpha")
	startScheduler(t, g)

	err := g.Scheduler().Generate(context.Background(), time.Second,
		RequestOptions{DesiredModel: "alpha"}, &generation.Input{}, "batch-2",
		func(generation.Event) {})
	require.ErrorIs(t, err, generation.ErrPleaseRedirect)
}

func TestGenerateTracksLiveCounter(t *testing.T) {
	release := make(chan struct{})
	d := &fakeDriver{generate: func(ctx context.Context, _ *generation.Input, _ string, _ func(generation.Event)) error {
		<-release
		return nil
	}}
	g := newTestRegistry(t, nil, fakeType("fake", d))
	addRunning(t, g, "fake", "alpha")
	startScheduler(t, g)

	session := NewSession()
	done := make(chan error, 1)
	go func() {
		done <- g.Scheduler().Generate(context.Background(), time.Second,
			RequestOptions{DesiredModel: "alpha", Session: session},
			&generation.Input{}, "batch-3", func(generation.Event) {})
	}()

	waitFor(t, 2*time.Second, func() bool {
		return session.Counts().Live == 1
	})
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Counts{}, session.Counts())
}

func TestGetNextBackendRefusedWhileShuttingDown(t *testing.T) {
	g := newTestRegistry(t, nil, fakeType("fake"))
	addRunning(t, g, "fake", "")
	g.Shutdown(context.Background())

	_, err := g.Scheduler().GetNextBackend(context.Background(), time.Second, RequestOptions{})
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestStagnationFailsafe(t *testing.T) {
	cfg := testConfig()
	cfg.StagnationTimeout = 100 * time.Millisecond
	g := newTestRegistry(t, cfg, fakeType("fake"))
	rec := addRunning(t, g, "fake", "")
	rec.usages.Store(1)
	startScheduler(t, g)

	_, err := g.Scheduler().GetNextBackend(context.Background(), 10*time.Second, RequestOptions{})
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

func TestSessionInterruptAbandonsWaitingRequest(t *testing.T) {
	g := newTestRegistry(t, nil, fakeType("fake"))
	rec := addRunning(t, g, "fake", "")
	rec.usages.Store(1)
	startScheduler(t, g)

	session := NewSession()
	done := make(chan struct{})
	var access *Access
	var err error
	go func() {
		access, err = g.Scheduler().GetNextBackend(session.Context(), 5*time.Second,
			RequestOptions{Session: session})
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool {
		return session.Counts().Waiting == 1
	})
	session.Interrupt()
	<-done
	assert.NoError(t, err)
	assert.Nil(t, access)
}
