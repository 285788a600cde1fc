// Package scheduler owns the live job collection: it enforces the
// concurrency cap, keeps a FIFO wait queue, dispatches the next eligible
// job when a slot frees, mirrors lifecycle changes into the durable job
// cache, and publishes events for external listeners.
//
// All bookkeeping is single-writer behind one mutex; only the transfer
// I/O itself runs concurrently, one goroutine per active job.
package scheduler

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quarryhq/quarry/pkg/job"
	"github.com/quarryhq/quarry/pkg/jobcache"
	"github.com/quarryhq/quarry/pkg/provider"
)

// DefaultConcurrencyLimit bounds simultaneously active jobs when the
// configuration does not say otherwise.
const DefaultConcurrencyLimit = 3

// Config configures a Scheduler.
type Config struct {
	// ConcurrencyLimit is the maximum number of jobs in Active at once.
	// Zero or negative selects DefaultConcurrencyLimit.
	ConcurrencyLimit int

	// Autostart dispatches submitted jobs immediately when capacity
	// allows. When false, jobs wait in the queue until DispatchNext is
	// called explicitly. Restored jobs never autostart regardless.
	Autostart bool
}

// FetchSpec is a user-submitted download request.
type FetchSpec struct {
	URL     string
	Options job.Options

	// Context is opaque provider metadata carried over from a cached job.
	Context map[string]string

	// id preserves the cache key when a job is reconstructed from the
	// durable store. Empty for new submissions; a fresh id is assigned.
	id string
}

// Scheduler is the job manager. Construct with New and share by
// reference; there is no process-wide default instance.
type Scheduler struct {
	mu sync.Mutex

	cfg      Config
	registry *provider.Registry
	cache    *jobcache.Cache
	logger   *zap.Logger

	jobs      map[string]*job.Job
	order     []string // submission order, drives Jobs()
	waitQueue []string // ids in Queued awaiting a slot
	active    int
	closed    bool

	baseCtx context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup

	listenerMu sync.RWMutex
	listeners  []Listener

	restoredOnce sync.Once
}

// New creates a Scheduler. The registry and cache are injected by the
// process entry point; the scheduler does not own the cache's lifecycle.
func New(cfg Config, registry *provider.Registry, cache *jobcache.Cache, logger *zap.Logger) *Scheduler {
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		cache:    cache,
		logger:   logger,
		jobs:     map[string]*job.Job{},
		baseCtx:  ctx,
		stopAll:  cancel,
	}
}

// Subscribe registers a listener for all future events.
func (s *Scheduler) Subscribe(l Listener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Scheduler) emit(e Event) {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	for _, l := range s.listeners {
		l.HandleSchedulerEvent(e)
	}
}

// Submit creates a job from spec and appends it to the wait queue.
//
// Creation errors (no matching provider, excluded type, bad options) are
// returned synchronously; no job exists afterwards.
func (s *Scheduler) Submit(spec FetchSpec) (job.Snapshot, error) {
	j, err := s.createJob(spec)
	if err != nil {
		return job.Snapshot{}, err
	}

	s.mu.Lock()
	s.registerLocked(j)
	s.mu.Unlock()

	s.cache.Put(j.ID(), cacheEntry(j))

	snap := j.Snapshot()
	s.emit(Event{Type: EventAdd, Job: &snap})

	// Queue last: the id must not be dispatchable before its cache entry
	// and add event exist, or a runner could finish the job ahead of both.
	s.enqueue(j.ID())

	if s.cfg.Autostart {
		s.DispatchNext()
	}
	return snap, nil
}

// SubmitBatch creates one job per spec. A failing spec is recorded and
// skipped; the batch never aborts as a whole. All created jobs are
// persisted with a single cache write and announced with a single
// add-batch event.
func (s *Scheduler) SubmitBatch(specs []FetchSpec) ([]job.Snapshot, []error) {
	return s.submitBatch(specs, s.cfg.Autostart)
}

func (s *Scheduler) submitBatch(specs []FetchSpec, autostart bool) ([]job.Snapshot, []error) {
	var (
		created []*job.Job
		errs    []error
	)
	for _, spec := range specs {
		j, err := s.createJob(spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("submit %s: %w", spec.URL, err))
			continue
		}
		created = append(created, j)
	}
	if len(created) == 0 {
		return nil, errs
	}

	s.mu.Lock()
	for _, j := range created {
		s.registerLocked(j)
	}
	s.mu.Unlock()

	entries := make(map[string]jobcache.Entry, len(created))
	snaps := make([]job.Snapshot, len(created))
	for i, j := range created {
		entries[j.ID()] = cacheEntry(j)
		snaps[i] = j.Snapshot()
	}
	s.cache.PutBatch(entries)

	s.emit(Event{Type: EventAddBatch, Jobs: snaps})

	for _, j := range created {
		s.enqueue(j.ID())
	}

	if autostart {
		s.DispatchNext()
	}
	return snaps, errs
}

func (s *Scheduler) createJob(spec FetchSpec) (*job.Job, error) {
	prov, err := s.registry.Resolve(spec.URL)
	if err != nil {
		return nil, err
	}
	id := spec.id
	if id == "" {
		id = uuid.New().String()
	}
	return job.New(id, spec.URL, prov, spec.Options, spec.Context, s.logger)
}

// registerLocked makes a created job visible to lookups and Jobs(), but
// not yet to the dispatcher; enqueue does that separately.
func (s *Scheduler) registerLocked(j *job.Job) {
	id := j.ID()
	s.jobs[id] = j
	s.order = append(s.order, id)
}

// enqueue appends id to the wait queue unless the job was deleted in the
// window between registration and queueing.
func (s *Scheduler) enqueue(id string) {
	s.mu.Lock()
	if _, ok := s.jobs[id]; ok {
		s.waitQueue = append(s.waitQueue, id)
	}
	s.mu.Unlock()
}

// DispatchNext admits queued jobs while capacity allows. It is invoked
// after every capacity-freeing event and may be called by the service
// layer to start a queue that was submitted with autostart disabled.
func (s *Scheduler) DispatchNext() {
	for {
		s.mu.Lock()
		if s.closed || s.active >= s.cfg.ConcurrencyLimit || len(s.waitQueue) == 0 {
			s.mu.Unlock()
			return
		}
		id := s.waitQueue[0]
		s.waitQueue = s.waitQueue[1:]
		j := s.jobs[id]
		if j == nil {
			// Deleted while waiting.
			s.mu.Unlock()
			continue
		}
		ctx, ok := j.Admit(s.baseCtx)
		if !ok {
			s.mu.Unlock()
			continue
		}
		s.active++
		s.wg.Add(1)
		s.mu.Unlock()

		go s.runJob(ctx, j)
	}
}

func (s *Scheduler) runJob(ctx context.Context, j *job.Job) {
	defer s.wg.Done()

	j.Run(ctx, func(snap job.Snapshot) {
		// Progress only reports live jobs. Terminal and deleted states
		// are announced exactly once by the flow that produced them, so
		// a late item settlement never trails a finish or delete event.
		if snap.State != job.StateActive {
			return
		}
		s.emit(Event{Type: EventUpdate, Job: &snap})
	})

	s.mu.Lock()
	s.active--
	s.mu.Unlock()

	// Branch on the actual state: a delete or reset may have raced the
	// transfer outcome, and those flows emit their own events.
	snap := j.Snapshot()
	switch snap.State {
	case job.StateFinished:
		s.cache.Remove(j.ID())
		s.emit(Event{Type: EventFinish, Job: &snap})
	case job.StateStopped:
		s.emit(Event{Type: EventStop, Job: &snap})
	case job.StateErrored:
		s.emit(Event{Type: EventUpdate, Job: &snap})
	}

	s.DispatchNext()
}

// Stop requests cooperative cancellation of one active job. The stop
// event fires once the transfer acknowledges the cancellation.
func (s *Scheduler) Stop(id string) bool {
	s.mu.Lock()
	j := s.jobs[id]
	s.mu.Unlock()
	if j == nil {
		return false
	}
	return j.Stop()
}

// StopMany applies Stop per id. Unknown or non-active ids land in skipped;
// the batch never aborts on a bad id. One stop-batch event carries the ids
// actually affected; per-id stop events follow as each transfer
// acknowledges the cancellation.
func (s *Scheduler) StopMany(ids []string) (affected, skipped []string) {
	for _, id := range ids {
		if s.Stop(id) {
			affected = append(affected, id)
		} else {
			skipped = append(skipped, id)
		}
	}
	if len(affected) > 0 {
		s.emit(Event{Type: EventStopBatch, IDs: affected})
	}
	return affected, skipped
}

// Delete removes a job from the live collection and the cache. An active
// job is cancelled first. Already-downloaded files stay on disk.
func (s *Scheduler) Delete(id string) bool {
	snap, ok := s.deleteOne(id)
	if !ok {
		return false
	}
	s.cache.Remove(id)
	s.emit(Event{Type: EventDelete, Job: &snap})
	return true
}

// DeleteMany applies Delete per id, skipping unknown ids and reporting
// them separately. Removed entries cost one cache write; one delete-batch
// event carries the ids actually removed, after per-id delete events.
func (s *Scheduler) DeleteMany(ids []string) (affected, missing []string) {
	var snaps []job.Snapshot
	for _, id := range ids {
		snap, ok := s.deleteOne(id)
		if !ok {
			missing = append(missing, id)
			continue
		}
		affected = append(affected, id)
		snaps = append(snaps, snap)
	}
	if len(affected) == 0 {
		return affected, missing
	}
	s.cache.RemoveBatch(affected)
	for i := range snaps {
		s.emit(Event{Type: EventDelete, Job: &snaps[i]})
	}
	s.emit(Event{Type: EventDeleteBatch, IDs: affected})
	return affected, missing
}

func (s *Scheduler) deleteOne(id string) (job.Snapshot, bool) {
	s.mu.Lock()
	j := s.jobs[id]
	if j == nil {
		s.mu.Unlock()
		return job.Snapshot{}, false
	}
	delete(s.jobs, id)
	s.order = removeID(s.order, id)
	s.waitQueue = removeID(s.waitQueue, id)
	s.mu.Unlock()

	j.MarkDeleted()
	return j.Snapshot(), true
}

// Resume re-queues a Stopped or Errored job at the back of the wait queue
// and dispatches if capacity allows.
func (s *Scheduler) Resume(id string) bool {
	s.mu.Lock()
	j := s.jobs[id]
	s.mu.Unlock()
	if j == nil || !j.Resume() {
		return false
	}
	s.requeue(j)
	return true
}

// Reset clears a job's progress for a full redownload and re-queues it at
// the back. Valid from any non-deleted state.
func (s *Scheduler) Reset(id string) bool {
	s.mu.Lock()
	j := s.jobs[id]
	s.mu.Unlock()
	if j == nil || !j.Reset() {
		return false
	}
	s.requeue(j)
	return true
}

func (s *Scheduler) requeue(j *job.Job) {
	id := j.ID()
	s.mu.Lock()
	if !containsID(s.waitQueue, id) {
		s.waitQueue = append(s.waitQueue, id)
	}
	s.mu.Unlock()

	// A reset job may have finished earlier, which dropped its cache
	// entry; it is non-terminal again now.
	s.cache.Put(id, cacheEntry(j))

	snap := j.Snapshot()
	s.emit(Event{Type: EventUpdate, Job: &snap})
	s.DispatchNext()
}

// Get returns the snapshot for one job.
func (s *Scheduler) Get(id string) (job.Snapshot, bool) {
	s.mu.Lock()
	j := s.jobs[id]
	s.mu.Unlock()
	if j == nil {
		return job.Snapshot{}, false
	}
	return j.Snapshot(), true
}

// Jobs returns a lazy, restartable sequence of snapshots in stable
// submission order.
func (s *Scheduler) Jobs() iter.Seq[job.Snapshot] {
	return func(yield func(job.Snapshot) bool) {
		s.mu.Lock()
		order := make([]string, len(s.order))
		copy(order, s.order)
		s.mu.Unlock()

		for _, id := range order {
			s.mu.Lock()
			j := s.jobs[id]
			s.mu.Unlock()
			if j == nil {
				continue
			}
			if !yield(j.Snapshot()) {
				return
			}
		}
	}
}

// ActiveCount returns the number of jobs currently in Active.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// QueuedCount returns the length of the wait queue.
func (s *Scheduler) QueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waitQueue)
}

// RestoreDownloads reconstructs jobs from the cache, once per process
// lifetime. Restored jobs are submitted as a single batch and wait for
// explicit user action; they are never auto-started. Entries that no
// longer resolve to a provider are skipped with a warning.
func (s *Scheduler) RestoreDownloads() ([]job.Snapshot, error) {
	var (
		snaps []job.Snapshot
		ran   bool
	)
	s.restoredOnce.Do(func() {
		ran = true
		entries := s.cache.All()

		ids := make([]string, 0, len(entries))
		for id := range entries {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		specs := make([]FetchSpec, 0, len(ids))
		for _, id := range ids {
			e := entries[id]
			// Keeping the cache key as the job id makes ids stable across
			// process lifetimes and lets the batch write replace the
			// original entries instead of duplicating them.
			specs = append(specs, FetchSpec{URL: e.URL, Options: e.Options, Context: e.Context, id: id})
		}

		var errs []error
		snaps, errs = s.submitBatch(specs, false)
		for _, err := range errs {
			s.logger.Warn("skipping unrestorable cache entry", zap.Error(err))
		}
	})
	if !ran {
		return nil, nil
	}
	return snaps, nil
}

// Shutdown stops dispatching, cancels active transfers, and waits for the
// runners to settle or ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func cacheEntry(j *job.Job) jobcache.Entry {
	return jobcache.Entry{
		URL:     j.URL(),
		Options: j.Options(),
		Context: j.ProviderContext(),
	}
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, have := range ids {
		if have != id {
			out = append(out, have)
		}
	}
	return out
}

func containsID(ids []string, id string) bool {
	for _, have := range ids {
		if have == id {
			return true
		}
	}
	return false
}
