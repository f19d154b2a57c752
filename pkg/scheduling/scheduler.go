package scheduling

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imagegen/orchestrator/pkg/generation"
	"github.com/imagegen/orchestrator/pkg/logging"
	"github.com/imagegen/orchestrator/pkg/metrics"
)

// RequestOptions carries the caller-supplied parameters of a backend
// acquisition.
type RequestOptions struct {
	// DesiredModel names the model the backend should have resident. Empty
	// means any running backend will do.
	DesiredModel string
	// Filter constrains which backends may serve the request. Nil accepts all.
	Filter Filter
	// Session optionally associates the request with a session for status
	// accounting and collective interruption.
	Session *Session
	// NotifyWillLoad fires once if the scheduler commits a model load on the
	// request's behalf.
	NotifyWillLoad func()
}

// Scheduler is the single coordinator that matches open requests to eligible
// backends and decides when a backend should evict its resident model to
// serve queued demand. All acquisition decisions happen on its goroutine;
// other goroutines post work and wake it through a signal channel.
type Scheduler struct {
	log logging.Logger
	cfg *Config
	reg *Registry

	// mu guards the open set, the pressure map and lastProgress.
	mu           sync.Mutex
	open         map[uint64]*Request
	pressures    map[string]*pressureEntry
	lastProgress time.Time

	// wake is the scheduler's signal channel: buffered with size one so that
	// posting a wake never blocks.
	wake chan struct{}

	// loadIssuedThisTick caps model load commitments at one per tick. It is
	// only touched on the scheduler goroutine.
	loadIssuedThisTick bool

	requestCounter atomic.Uint64
}

func newScheduler(log logging.Logger, cfg *Config, reg *Registry) *Scheduler {
	return &Scheduler{
		log:          log,
		cfg:          cfg,
		reg:          reg,
		open:         make(map[uint64]*Request),
		pressures:    make(map[string]*pressureEntry),
		lastProgress: time.Now(),
		wake:         make(chan struct{}, 1),
	}
}

// poke wakes the scheduler loop. It never blocks.
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run executes scheduler ticks until ctx is cancelled. A tick runs whenever a
// new request arrives, a usage slot is released or a backend changes status,
// and at least once per tick interval.
func (s *Scheduler) run(ctx context.Context) {
	for {
		s.tick()
		select {
		case <-ctx.Done():
			s.failAllOpen(ErrShuttingDown)
			return
		case <-s.wake:
		case <-time.After(schedulerTickInterval):
		}
	}
}

// tick drains cancellations, tries to satisfy every open request and applies
// the stagnation failsafe.
func (s *Scheduler) tick() {
	now := time.Now()
	s.loadIssuedThisTick = false

	s.mu.Lock()
	requests := make([]*Request, 0, len(s.open))
	for _, q := range s.open {
		requests = append(requests, q)
	}
	s.mu.Unlock()
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].id < requests[j].id
	})

	for _, q := range requests {
		if q.cancelled() {
			// Cancellation is silent: complete with neither result nor
			// failure.
			s.completeRequest(q, nil, nil)
			continue
		}
		s.tryFind(q, now)
	}

	s.mu.Lock()
	var victims []*Request
	if len(s.open) > 0 && now.Sub(s.lastProgress) > s.cfg.StagnationTimeout {
		for _, q := range s.open {
			if !s.cfg.FailOnlyExpiredOnStagnation || now.After(q.deadline) {
				victims = append(victims, q)
			}
		}
	}
	s.mu.Unlock()
	if len(victims) > 0 {
		s.log.Warnf("No request has completed in %v; failing %d stalled request(s)",
			s.cfg.StagnationTimeout, len(victims))
		for _, q := range victims {
			s.completeRequest(q, nil, &TimeoutError{
				Model:   q.desiredModel,
				Holding: s.reg.CountHolding(q.desiredModel),
			})
		}
	}
}

// tryFind attempts to satisfy a single open request against the current
// backend set, registering pressure when the desired model is not resident
// anywhere eligible.
func (s *Scheduler) tryFind(q *Request, now time.Time) {
	current := s.reg.Snapshot()

	possible := current[:0:0]
	pending := false
	for _, rec := range current {
		if rec.eligible() {
			possible = append(possible, rec)
		} else if rec.pending() {
			pending = true
		}
	}
	if len(possible) == 0 {
		if !pending {
			s.completeRequest(q, nil, ErrNoBackendsAvailable)
			return
		}
		// Backends are still initializing; keep the request waiting and
		// surface that through the session's waiting-backends counter.
		if q.session != nil {
			s.claimWaitingBackend(q)
		}
		return
	}

	if q.filter != nil {
		filtered := possible[:0:0]
		for _, rec := range possible {
			if q.filter(rec) {
				filtered = append(filtered, rec)
			}
		}
		if len(filtered) == 0 {
			s.completeRequest(q, nil, ErrNoMatchingBackend)
			return
		}
		possible = filtered
	}

	available := possible[:0:0]
	for _, rec := range possible {
		if !rec.InUse() {
			available = append(available, rec)
		}
	}
	// Balance onto the least-used backends first.
	sort.Slice(available, func(i, j int) bool {
		if ui, uj := available[i].Usages(), available[j].Usages(); ui != uj {
			return ui < uj
		}
		return available[i].ID() < available[j].ID()
	})

	if q.desiredModel == "" {
		for _, rec := range available {
			if rec.tryAcquire() {
				s.completeRequest(q, newAccess(rec, s), nil)
				return
			}
		}
		return
	}

	for _, rec := range available {
		if rec.CurrentModel() == q.desiredModel && rec.tryAcquire() {
			s.completeRequest(q, newAccess(rec, s), nil)
			return
		}
	}

	// A busy backend that already holds the model serves this request as its
	// slots free up; demand only counts as pressure when no eligible holder
	// exists at all.
	for _, rec := range possible {
		if rec.CurrentModel() == q.desiredModel {
			return
		}
	}

	// The desired model is not resident on any eligible backend; record
	// demand so the load heuristic can act on it.
	s.mu.Lock()
	if q.completed {
		s.mu.Unlock()
		return
	}
	entry := s.pressures[q.desiredModel]
	if entry == nil {
		entry = newPressureEntry(q.desiredModel)
		s.pressures[q.desiredModel] = entry
	}
	if q.pressure == nil {
		q.pressure = entry
		entry.add(q)
	}
	s.mu.Unlock()

	if len(available) > 0 {
		s.loadHighestPressure(available, now)
	}
	if q.notifyWillLoad != nil && !q.notifiedWillLoad && entry.loading() {
		q.notifiedWillLoad = true
		q.notifyWillLoad()
	}
}

// claimWaitingBackend opens the request's waiting-backends claim once.
func (s *Scheduler) claimWaitingBackend(q *Request) {
	s.mu.Lock()
	have := q.waitingClaim != nil || q.completed
	s.mu.Unlock()
	if have {
		return
	}
	claim := q.session.Claim(0, 0, 1, 0)
	s.mu.Lock()
	if q.waitingClaim == nil && !q.completed {
		q.waitingClaim = claim
		claim = nil
	}
	s.mu.Unlock()
	if claim != nil {
		claim.Dispose()
	}
}

// loadHighestPressure picks the highest-priority pressure entry that the
// available loaders can serve and commits at most one backend to loading its
// model. The load itself runs in a background task; the scheduler never
// blocks on it.
func (s *Scheduler) loadHighestPressure(available []*Record, now time.Time) {
	if s.loadIssuedThisTick {
		return
	}

	loaders := available[:0:0]
	for _, rec := range available {
		if rec.Driver().CanLoadModels() {
			loaders = append(loaders, rec)
		}
	}
	if len(loaders) == 0 {
		return
	}

	s.mu.Lock()
	entries := make([]*pressureEntry, 0, len(s.pressures))
	for _, entry := range s.pressures {
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	var eligibleAll []*Record
	for _, rec := range s.reg.Snapshot() {
		if rec.eligible() {
			eligibleAll = append(eligibleAll, rec)
		}
	}

	// Keep entries that at least one request could serve through an available
	// loader; prefer the subset where every request has a compatible loader.
	var some, all []*pressureEntry
	for _, entry := range entries {
		if entry.loading() {
			continue
		}
		// Entries whose requests can all be served by a backend already
		// holding the model (typically right after our own load finished) are
		// waiting on slots, not on a load.
		if entryFullyHeld(entry, eligibleAll) {
			continue
		}
		someCompat, allCompat := entryCompatibility(entry, loaders)
		if someCompat {
			some = append(some, entry)
		}
		if someCompat && allCompat {
			all = append(all, entry)
		}
	}
	candidates := some
	if len(all) > 0 {
		candidates = all
	}
	if len(candidates) == 0 {
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score(now) > candidates[j].score(now)
	})
	top := candidates[0]

	top.mu.Lock()
	if top.isLoading {
		top.mu.Unlock()
		return
	}
	// Very fresh pressure often resolves naturally when a matching backend
	// frees up; defer the load while more than one loader could take it.
	if len(loaders) > 1 && now.Sub(top.first) < pressureSettleDelay {
		top.mu.Unlock()
		return
	}

	eligible := loaders[:0:0]
	for _, rec := range loaders {
		if _, bad := top.badBackends[rec.ID()]; !bad {
			eligible = append(eligible, rec)
		}
	}
	if len(eligible) == 0 {
		// Every loader has already failed this model.
		victims := make([]*Request, 0, len(top.requests))
		for q := range top.requests {
			victims = append(victims, q)
		}
		top.mu.Unlock()
		s.log.Errorf("All candidate backends failed to load model %q; failing %d request(s)",
			top.model, len(victims))
		for _, q := range victims {
			s.completeRequest(q, nil, ErrAllBackendsFailedModel)
		}
		s.mu.Lock()
		if s.pressures[top.model] == top {
			delete(s.pressures, top.model)
		}
		s.mu.Unlock()
		return
	}

	swappable := eligible[:0:0]
	for _, rec := range eligible {
		if rec.CurrentModel() != top.model {
			swappable = append(swappable, rec)
		}
	}
	if len(swappable) == 0 {
		// The model is already resident on every eligible loader; no load is
		// needed.
		top.mu.Unlock()
		return
	}

	chosen := pickLoadTarget(swappable)
	top.isLoading = true
	chosen.reserveModelLoad.Store(true)
	claims := make([]*Claim, 0, len(top.sessions))
	for sess := range top.sessions {
		claims = append(claims, sess.Claim(0, 1, 0, 0))
	}
	top.mu.Unlock()

	s.loadIssuedThisTick = true
	go s.loadModelTask(chosen, top, claims)
}

// entryFullyHeld reports whether every request of the entry already has an
// eligible backend holding the model that its filter accepts.
func entryFullyHeld(entry *pressureEntry, eligible []*Record) bool {
	requests := entry.snapshotRequests()
	if len(requests) == 0 {
		return false
	}
	for _, q := range requests {
		holder := false
		for _, rec := range eligible {
			if rec.CurrentModel() == entry.model && (q.filter == nil || q.filter(rec)) {
				holder = true
				break
			}
		}
		if !holder {
			return false
		}
	}
	return true
}

// entryCompatibility reports whether some (and whether every) request of the
// entry has a filter compatible with at least one available loader.
func entryCompatibility(entry *pressureEntry, loaders []*Record) (some, all bool) {
	requests := entry.snapshotRequests()
	if len(requests) == 0 {
		return false, false
	}
	all = true
	for _, q := range requests {
		compatible := false
		for _, rec := range loaders {
			if q.filter == nil || q.filter(rec) {
				compatible = true
				break
			}
		}
		if compatible {
			some = true
		} else {
			all = false
		}
	}
	return some, all
}

// pickLoadTarget prefers idle backends, then evicts the least recently used.
func pickLoadTarget(candidates []*Record) *Record {
	idle := candidates[:0:0]
	for _, rec := range candidates {
		if rec.Usages() == 0 {
			idle = append(idle, rec)
		}
	}
	if len(idle) > 0 {
		candidates = idle
	}
	chosen := candidates[0]
	for _, rec := range candidates[1:] {
		if rec.LastRelease().Before(chosen.LastRelease()) {
			chosen = rec
		}
	}
	return chosen
}

// loadModelTask waits for the chosen backend to drain, swaps its model and
// publishes the outcome. It runs outside the scheduler tick. Cancellation is
// deliberately not propagated into the load: an interrupted swap would leave
// the backend in an indeterminate state.
func (s *Scheduler) loadModelTask(chosen *Record, entry *pressureEntry, claims []*Claim) {
	start := time.Now()
	slowLogged := false
	for chosen.Usages() > 0 {
		if !slowLogged && time.Since(start) > 2*time.Second {
			s.log.Debugf("Model load of %q still waiting for backend %d to drain (%d usage(s))",
				entry.model, chosen.ID(), chosen.Usages())
			slowLogged = true
		}
		time.Sleep(modelLoadPollInterval)
	}

	// Encourage the runtime to return memory before the worker maps a
	// multi-gigabyte model.
	runtime.GC()

	s.log.Infof("Loading model %q on backend %d", entry.model, chosen.ID())
	err := chosen.Driver().LoadModel(context.Background(), entry.model)
	if err == nil {
		chosen.setCurrentModel(entry.model)
		metrics.LoadsTotal.WithLabelValues("ok").Inc()
	} else {
		s.log.Warnf("Backend %d failed to load model %q: %v", chosen.ID(), entry.model, err)
		metrics.LoadsTotal.WithLabelValues("error").Inc()
	}

	chosen.reserveModelLoad.Store(false)
	entry.mu.Lock()
	entry.isLoading = false
	entry.mu.Unlock()
	if chosen.CurrentModel() != entry.model {
		entry.markBad(chosen.ID())
	}
	for _, claim := range claims {
		claim.Dispose()
	}
	s.reg.recomputeLoadedModels()
	s.poke()
}

// completeRequest removes the request from the open set and raises its
// completion signal. If the request was already completed (for example by a
// concurrent timeout on the caller side) a freshly acquired usage slot is
// returned immediately.
func (s *Scheduler) completeRequest(q *Request, result *Access, failure error) {
	s.mu.Lock()
	if q.completed {
		s.mu.Unlock()
		if result != nil {
			result.Release()
		}
		return
	}
	q.result = result
	q.failure = failure
	q.completed = true
	delete(s.open, q.id)
	s.lastProgress = time.Now()
	if q.waitingClaim != nil {
		q.waitingClaim.Dispose()
		q.waitingClaim = nil
	}
	close(q.done)
	s.mu.Unlock()
}

// abandon is the caller-side counterpart of completeRequest, used on timeout.
// It returns false when the scheduler completed the request first.
func (s *Scheduler) abandon(q *Request, failure error) bool {
	s.mu.Lock()
	if q.completed {
		s.mu.Unlock()
		return false
	}
	q.failure = failure
	q.completed = true
	delete(s.open, q.id)
	if q.waitingClaim != nil {
		q.waitingClaim.Dispose()
		q.waitingClaim = nil
	}
	close(q.done)
	s.mu.Unlock()
	return true
}

// failAllOpen completes every open request with the given failure.
func (s *Scheduler) failAllOpen(failure error) {
	s.mu.Lock()
	victims := make([]*Request, 0, len(s.open))
	for _, q := range s.open {
		victims = append(victims, q)
	}
	s.mu.Unlock()
	for _, q := range victims {
		s.completeRequest(q, nil, failure)
	}
}

// GetNextBackend acquires a usage slot on a backend satisfying the request,
// waiting up to maxWait (bounded by the per-request timeout). On success the
// returned Access must be released by the caller. Cancellation returns
// (nil, nil). On exit any pressure the request registered is released.
func (s *Scheduler) GetNextBackend(ctx context.Context, maxWait time.Duration, opts RequestOptions) (*Access, error) {
	if s.reg.ShuttingDown() {
		return nil, ErrShuttingDown
	}
	if ctx == nil {
		ctx = context.Background()
	}
	wait := maxWait
	if wait <= 0 || wait > s.cfg.PerRequestTimeout {
		wait = s.cfg.PerRequestTimeout
	}

	now := time.Now()
	q := &Request{
		id:             s.requestCounter.Add(1),
		desiredModel:   opts.DesiredModel,
		filter:         opts.Filter,
		session:        opts.Session,
		notifyWillLoad: opts.NotifyWillLoad,
		ctx:            ctx,
		start:          now,
		deadline:       now.Add(wait),
		done:           make(chan struct{}),
	}

	var waitClaim *Claim
	if opts.Session != nil {
		waitClaim = opts.Session.Claim(1, 0, 0, 0)
		defer waitClaim.Dispose()
	}

	s.mu.Lock()
	s.open[q.id] = q
	if len(s.open) == 1 {
		s.lastProgress = now
	}
	s.mu.Unlock()
	metrics.OpenRequests.Inc()
	defer s.finalize(q)
	s.log.Debugf("Request %d waiting (model=%q)", q.id, opts.DesiredModel)
	s.poke()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-q.done:
		return s.outcome(q)
	case <-ctx.Done():
		if !s.abandon(q, nil) {
			// The scheduler completed the request concurrently; if it handed
			// us a slot, return it.
			s.releaseCompleted(q)
		}
		return nil, nil
	case <-timer.C:
		failure := &TimeoutError{
			Model:   opts.DesiredModel,
			Holding: s.reg.CountHolding(opts.DesiredModel),
		}
		if !s.abandon(q, failure) {
			return s.outcome(q)
		}
		s.log.Warnf("Request %d timed out: %v", q.id, failure)
		return nil, failure
	}
}

// outcome reads a completed request's result.
func (s *Scheduler) outcome(q *Request) (*Access, error) {
	s.mu.Lock()
	result, failure := q.result, q.failure
	s.mu.Unlock()
	if failure != nil {
		metrics.RequestsTotal.WithLabelValues("error").Inc()
		return nil, failure
	}
	if result == nil {
		metrics.RequestsTotal.WithLabelValues("cancelled").Inc()
		return nil, nil
	}
	metrics.RequestsTotal.WithLabelValues("ok").Inc()
	return result, nil
}

// releaseCompleted returns a slot that was acquired for a request the caller
// no longer wants.
func (s *Scheduler) releaseCompleted(q *Request) {
	s.mu.Lock()
	result := q.result
	q.result = nil
	s.mu.Unlock()
	if result != nil {
		result.Release()
	}
}

// finalize releases the pressure the request registered and drops the entry
// once its count reaches zero.
func (s *Scheduler) finalize(q *Request) {
	metrics.OpenRequests.Dec()
	s.mu.Lock()
	entry := q.pressure
	q.pressure = nil
	if entry == nil {
		s.mu.Unlock()
		return
	}
	remaining := entry.remove(q)
	if remaining <= 0 && s.pressures[entry.model] == entry {
		delete(s.pressures, entry.model)
	}
	s.mu.Unlock()
}

// Generate acquires a backend and runs one streaming generation on it,
// honoring a driver's one-shot redirect request by retrying once on a
// different backend. The session's live counter covers the generation.
func (s *Scheduler) Generate(
	ctx context.Context,
	maxWait time.Duration,
	opts RequestOptions,
	input *generation.Input,
	batchID string,
	onEvent func(generation.Event),
) error {
	redirected := false
	attempt := opts
	for {
		access, err := s.GetNextBackend(ctx, maxWait, attempt)
		if err != nil {
			return err
		}
		if access == nil {
			return nil
		}

		err = func() error {
			defer access.Release()
			var liveClaim *Claim
			if opts.Session != nil {
				liveClaim = opts.Session.Claim(0, 0, 0, 1)
				defer liveClaim.Dispose()
			}
			return access.Driver().GenerateLive(ctx, input, batchID, onEvent)
		}()

		if errors.Is(err, generation.ErrPleaseRedirect) && !redirected {
			// One redirect per request; further redirects are normal
			// failures.
			metrics.GenerationsTotal.WithLabelValues("redirected").Inc()
			redirected = true
			previous := access.Record().ID()
			base := opts.Filter
			attempt.Filter = func(rec *Record) bool {
				if rec.ID() == previous {
					return false
				}
				return base == nil || base(rec)
			}
			s.log.Infof("Backend %d redirected batch %s, retrying elsewhere", previous, batchID)
			continue
		}
		if err != nil {
			metrics.GenerationsTotal.WithLabelValues("error").Inc()
		} else {
			metrics.GenerationsTotal.WithLabelValues("ok").Inc()
		}
		return err
	}
}

// OpenRequests returns the number of requests currently in the open set.
func (s *Scheduler) OpenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// PressureCount returns the registered pressure count for a model, for
// status reporting.
func (s *Scheduler) PressureCount(model string) int {
	s.mu.Lock()
	entry := s.pressures[model]
	s.mu.Unlock()
	if entry == nil {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.count
}
