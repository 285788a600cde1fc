// Package job implements the per-download state machine.
//
// A Job tracks one user-initiated download through its lifecycle. A
// single-resource job is the degenerate one-item case; a gallery job
// carries an ordered list of sub-items, each fetched and retried
// independently, with the enumeration order driving on-disk page numbers.
package job

import (
	"context"
	"mime"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarryhq/quarry/pkg/accept"
	"github.com/quarryhq/quarry/pkg/provider"
)

// State is the lifecycle state of a job.
type State string

const (
	StateQueued   State = "queued"
	StateActive   State = "active"
	StateStopped  State = "stopped"
	StateFinished State = "finished"
	StateErrored  State = "errored"
	StateDeleted  State = "deleted"
)

// Kind distinguishes single-resource jobs from ordered multi-resource ones.
type Kind string

const (
	KindSingle  Kind = "single"
	KindGallery Kind = "gallery"
)

// ItemState is the fetch state of one sub-item.
type ItemState string

const (
	ItemPending  ItemState = "pending"
	ItemFetching ItemState = "fetching"
	ItemDone     ItemState = "done"
	ItemFailed   ItemState = "failed"
)

// transitions is the set of legal state changes. Reset and Delete are
// handled separately: reset re-queues from any non-deleted state, delete
// is reachable from everywhere.
var transitions = map[State][]State{
	StateQueued:  {StateActive},
	StateActive:  {StateFinished, StateStopped, StateErrored},
	StateStopped: {StateQueued},
	StateErrored: {StateQueued},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// item is the mutable per-resource record inside a job.
type item struct {
	resource  provider.ResourceDescriptor
	state     ItemState
	attempts  int
	savedPath string
	lastErr   string
}

// Job is one unit of work tracked by the scheduler.
//
// All exported methods are safe for concurrent use. The scheduler is the
// only component that drives state transitions; listeners observe jobs
// through immutable Snapshots.
type Job struct {
	mu sync.Mutex

	id   string
	url  string
	kind Kind
	opts Options

	prov   provider.Provider
	filter *accept.Filter
	pctx   map[string]string

	state     State
	items     []*item
	completed int
	failed    int

	cancel context.CancelFunc
	runSeq uint64

	createdAt time.Time
	updatedAt time.Time

	logger *zap.Logger
}

// New creates a job in StateQueued.
//
// The accept filter is applied eagerly when the URL carries a
// recognizable filename: a submission the user's accept rules exclude
// fails here with provider.ErrUnacceptedType and no job is created.
// Extension-less URLs (gallery roots, redirect endpoints) defer filtering
// to enumeration time.
func New(id, rawURL string, prov provider.Provider, opts Options, pctx map[string]string, logger *zap.Logger) (*Job, error) {
	filter, err := opts.Validate()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if !filter.Empty() {
		base, ext := urlFilenameHint(rawURL)
		if ext != "" && !filter.Accepts(mime.TypeByExtension("."+ext), base) {
			return nil, &provider.Error{Op: "Create", Provider: prov.ID(), Key: rawURL, Err: provider.ErrUnacceptedType}
		}
	}

	now := time.Now().UTC()
	return &Job{
		id:        id,
		url:       rawURL,
		kind:      KindSingle,
		opts:      opts,
		prov:      prov,
		filter:    filter,
		pctx:      pctx,
		state:     StateQueued,
		createdAt: now,
		updatedAt: now,
		logger:    logger.With(zap.String("job_id", id)),
	}, nil
}

// ID returns the stable job identifier.
func (j *Job) ID() string { return j.id }

// URL returns the submitted source locator.
func (j *Job) URL() string { return j.url }

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Options returns the job's download policy.
func (j *Job) Options() Options { return j.opts }

// ProviderContext returns the opaque provider metadata for persistence.
func (j *Job) ProviderContext() map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pctx
}

// runTokenKey carries the admission sequence number in the run context,
// so an outcome computed by a superseded run never lands on a newer one.
type runTokenKey struct{}

// Admit moves the job from Queued to Active and arms cancellation.
//
// It returns the context the transfer must run under, or ok=false when the
// job is no longer Queued (deleted or reset while waiting). Admission from
// any other state is a no-op, not an error.
func (j *Job) Admit(parent context.Context) (ctx context.Context, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !canTransition(j.state, StateActive) || j.state != StateQueued {
		return nil, false
	}
	j.runSeq++
	ctx, j.cancel = context.WithCancel(context.WithValue(parent, runTokenKey{}, j.runSeq))
	j.state = StateActive
	j.updatedAt = time.Now().UTC()
	return ctx, true
}

// Stop requests cooperative cancellation of an in-flight transfer.
//
// Valid only from Active; a no-op elsewhere. The job transitions to
// Stopped once the transfer loop observes the cancellation at its next
// checkpoint. Partially written sub-items stay on disk and are re-verified
// on resume.
func (j *Job) Stop() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateActive || j.cancel == nil {
		return false
	}
	j.cancel()
	return true
}

// Resume moves a Stopped or Errored job back to Queued.
func (j *Job) Resume() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !canTransition(j.state, StateQueued) {
		return false
	}
	j.state = StateQueued
	j.updatedAt = time.Now().UTC()
	return true
}

// Reset clears all item progress and re-queues the job for a full
// redownload. Valid from any non-Deleted state; an Active job is cancelled
// first and its in-flight outcome discarded.
func (j *Job) Reset() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateDeleted {
		return false
	}
	if j.cancel != nil {
		j.cancel()
		j.cancel = nil
	}
	j.items = nil
	j.completed = 0
	j.failed = 0
	j.kind = KindSingle
	j.state = StateQueued
	j.updatedAt = time.Now().UTC()
	return true
}

// MarkDeleted transitions to Deleted from any state, cancelling an
// in-flight transfer. Already-downloaded files are not removed.
func (j *Job) MarkDeleted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateDeleted {
		return false
	}
	if j.cancel != nil {
		j.cancel()
		j.cancel = nil
	}
	j.state = StateDeleted
	j.updatedAt = time.Now().UTC()
	return true
}

// finish applies the terminal transfer outcome. The transition is skipped
// when the job is no longer Active, or when a reset re-admitted the job
// and this outcome belongs to the superseded run.
func (j *Job) finish(ctx context.Context, to State) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	seq, _ := ctx.Value(runTokenKey{}).(uint64)
	if j.state != StateActive || j.runSeq != seq || !canTransition(StateActive, to) {
		return false
	}
	j.state = to
	j.cancel = nil
	j.updatedAt = time.Now().UTC()
	return true
}

// urlFilenameHint extracts the trailing path segment and its extension
// from a raw URL, best effort.
func urlFilenameHint(rawURL string) (base, ext string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", ""
	}
	base = path.Base(u.Path)
	if base == "." || base == "/" {
		return "", ""
	}
	ext = strings.TrimPrefix(path.Ext(base), ".")
	return base, strings.ToLower(ext)
}
