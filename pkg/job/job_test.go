package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/pkg/naming"
	"github.com/quarryhq/quarry/pkg/provider"
)

// fakeProvider is a controllable in-memory provider for state machine
// tests. failKeys maps resource keys to the number of fetch attempts that
// should fail before success; -1 fails forever.
type fakeProvider struct {
	resources    []provider.ResourceDescriptor
	enumerateErr error
	failKeys     map[string]int
	attempts     map[string]*atomic.Int32
	blockKey     string
	blockStarted chan struct{}
}

func (f *fakeProvider) ID() string            { return "fake" }
func (f *fakeProvider) Matches(_ string) bool { return true }
func (f *fakeProvider) Close() error          { return nil }

func (f *fakeProvider) Enumerate(_ context.Context, _ provider.Source) ([]provider.ResourceDescriptor, error) {
	if f.enumerateErr != nil {
		return nil, f.enumerateErr
	}
	return f.resources, nil
}

func (f *fakeProvider) Fetch(ctx context.Context, rd provider.ResourceDescriptor) (io.ReadCloser, int64, error) {
	if f.attempts == nil {
		f.attempts = map[string]*atomic.Int32{}
	}
	counter, ok := f.attempts[rd.Key]
	if !ok {
		counter = &atomic.Int32{}
		f.attempts[rd.Key] = counter
	}
	n := counter.Add(1)

	if f.blockKey == rd.Key {
		if f.blockStarted != nil {
			close(f.blockStarted)
			f.blockStarted = nil
		}
		return &blockingReader{ctx: ctx}, -1, nil
	}

	if budget, ok := f.failKeys[rd.Key]; ok {
		if budget < 0 || int(n) <= budget {
			return nil, 0, fmt.Errorf("synthetic fetch failure %d for %s", n, rd.Key)
		}
	}

	content := "data-" + rd.Key
	return io.NopCloser(strings.NewReader(content)), int64(len(content)), nil
}

// blockingReader blocks until the transfer context is cancelled.
type blockingReader struct{ ctx context.Context }

func (r *blockingReader) Read(_ []byte) (int, error) {
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

func (r *blockingReader) Close() error { return nil }

func galleryResources(n int) []provider.ResourceDescriptor {
	rds := make([]provider.ResourceDescriptor, n)
	for i := range rds {
		rds[i] = provider.ResourceDescriptor{
			Key:   fmt.Sprintf("page-%d.jpg", i+1),
			Title: "gallery",
			Ext:   "jpg",
			Index: i + 1,
		}
	}
	return rds
}

func newTestJob(t *testing.T, prov provider.Provider, opts Options) *Job {
	t.Helper()
	if opts.SaveTo == "" {
		opts.SaveTo = t.TempDir()
	}
	j, err := New("job-1", "https://files.example/gallery/1", prov, opts, nil, nil)
	require.NoError(t, err)
	return j
}

func runToCompletion(t *testing.T, j *Job) State {
	t.Helper()
	ctx, ok := j.Admit(context.Background())
	require.True(t, ok, "job must admit from queued")
	return j.Run(ctx, nil)
}

func TestNew_AcceptFilterRejectsAtCreation(t *testing.T) {
	prov := &fakeProvider{}
	opts := Options{SaveTo: t.TempDir(), AcceptTypes: []string{"image/*"}}

	_, err := New("j", "https://files.example/archive.zip", prov, opts, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrUnacceptedType)

	// Extension-less URLs defer the check to enumeration time.
	_, err = New("j", "https://files.example/gallery/42", prov, opts, nil, nil)
	assert.NoError(t, err)
}

func TestJob_SingleResourceFinishes(t *testing.T) {
	saveTo := t.TempDir()
	prov := &fakeProvider{resources: []provider.ResourceDescriptor{
		{Key: "cat.jpg", Title: "cat", Ext: "jpg", Index: 1},
	}}
	j := newTestJob(t, prov, Options{SaveTo: saveTo})

	assert.Equal(t, StateFinished, runToCompletion(t, j))

	snap := j.Snapshot()
	assert.Equal(t, KindSingle, snap.Kind)
	assert.Equal(t, 1, snap.CompletedCount)
	assert.Equal(t, 0, snap.FailedCount)

	data, err := os.ReadFile(filepath.Join(saveTo, "cat.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "data-cat.jpg", string(data))
}

func TestJob_GalleryNamingOrder(t *testing.T) {
	saveTo := t.TempDir()
	prov := &fakeProvider{resources: galleryResources(3)}
	j := newTestJob(t, prov, Options{SaveTo: saveTo, NamingPattern: "%title%/%page_num%.%ext%"})

	assert.Equal(t, StateFinished, runToCompletion(t, j))
	assert.Equal(t, KindGallery, j.Snapshot().Kind)

	for i := 1; i <= 3; i++ {
		_, err := os.Stat(filepath.Join(saveTo, "gallery", fmt.Sprintf("%03d.jpg", i)))
		assert.NoError(t, err)
	}
}

func TestJob_PerKindNamingPatternWins(t *testing.T) {
	saveTo := t.TempDir()
	prov := &fakeProvider{resources: galleryResources(2)}
	j := newTestJob(t, prov, Options{
		SaveTo:         saveTo,
		NamingPattern:  "flat-%page_num%.%ext%",
		NamingPatterns: map[string]string{string(KindGallery): "by-kind/%page_num%.%ext%"},
	})

	assert.Equal(t, StateFinished, runToCompletion(t, j))
	for i := 1; i <= 2; i++ {
		_, err := os.Stat(filepath.Join(saveTo, "by-kind", fmt.Sprintf("%03d.jpg", i)))
		assert.NoError(t, err)
	}
}

func TestJob_PartialFailureStillFinishes(t *testing.T) {
	// Item 3 of 5 exhausts its retry bound; the job still finishes with
	// the failure recorded, not masked.
	prov := &fakeProvider{
		resources: galleryResources(5),
		failKeys:  map[string]int{"page-3.jpg": -1},
	}
	j := newTestJob(t, prov, Options{})

	assert.Equal(t, StateFinished, runToCompletion(t, j))

	snap := j.Snapshot()
	assert.Equal(t, 4, snap.CompletedCount)
	assert.Equal(t, 1, snap.FailedCount)
	assert.Equal(t, 5, snap.TotalCount)
	assert.Equal(t, ItemFailed, snap.Items[2].State)
	assert.Equal(t, maxItemAttempts, snap.Items[2].Attempts)
	assert.True(t, snap.PartiallyFailed())
}

func TestJob_RetryThenSucceed(t *testing.T) {
	prov := &fakeProvider{
		resources: galleryResources(1),
		failKeys:  map[string]int{"page-1.jpg": 2},
	}
	j := newTestJob(t, prov, Options{})

	assert.Equal(t, StateFinished, runToCompletion(t, j))
	snap := j.Snapshot()
	assert.Equal(t, 1, snap.CompletedCount)
	assert.Equal(t, 3, snap.Items[0].Attempts)
}

func TestJob_AllItemsFailedErrors(t *testing.T) {
	prov := &fakeProvider{
		resources: galleryResources(2),
		failKeys:  map[string]int{"page-1.jpg": -1, "page-2.jpg": -1},
	}
	j := newTestJob(t, prov, Options{})

	assert.Equal(t, StateErrored, runToCompletion(t, j))
	snap := j.Snapshot()
	assert.Equal(t, 2, snap.FailedCount)
	assert.False(t, snap.PartiallyFailed())
}

func TestJob_EnumerationErrorErrors(t *testing.T) {
	prov := &fakeProvider{enumerateErr: errors.New("remote enumeration broke")}
	j := newTestJob(t, prov, Options{})

	ctx, ok := j.Admit(context.Background())
	require.True(t, ok)

	// The callback reports live progress only; the terminal outcome is the
	// return value and must not also surface through onProgress.
	var calls []State
	got := j.Run(ctx, func(snap Snapshot) { calls = append(calls, snap.State) })
	assert.Equal(t, StateErrored, got)
	assert.Empty(t, calls)
}

func TestJob_StopAndResume(t *testing.T) {
	saveTo := t.TempDir()
	started := make(chan struct{})
	prov := &fakeProvider{
		resources:    galleryResources(3),
		blockKey:     "page-2.jpg",
		blockStarted: started,
	}
	j := newTestJob(t, prov, Options{SaveTo: saveTo})

	ctx, ok := j.Admit(context.Background())
	require.True(t, ok)

	done := make(chan State, 1)
	go func() { done <- j.Run(ctx, nil) }()

	<-started
	require.True(t, j.Stop())
	assert.Equal(t, StateStopped, <-done)

	snap := j.Snapshot()
	assert.Equal(t, 1, snap.CompletedCount)
	assert.Equal(t, ItemDone, snap.Items[0].State)
	assert.Equal(t, ItemPending, snap.Items[1].State)

	// Resume: unblock the provider and run the remaining items.
	prov.blockKey = ""
	require.True(t, j.Resume())
	assert.Equal(t, StateFinished, runToCompletion(t, j))
	assert.Equal(t, 3, j.Snapshot().CompletedCount)
}

func TestJob_ResetClearsProgress(t *testing.T) {
	prov := &fakeProvider{
		resources: galleryResources(2),
		failKeys:  map[string]int{"page-1.jpg": -1, "page-2.jpg": -1},
	}
	j := newTestJob(t, prov, Options{OverwriteMode: naming.OverwriteReplace})

	assert.Equal(t, StateErrored, runToCompletion(t, j))

	require.True(t, j.Reset())
	assert.Equal(t, StateQueued, j.State())

	snap := j.Snapshot()
	assert.Equal(t, 0, snap.TotalCount)
	assert.Equal(t, 0, snap.CompletedCount)
	assert.Equal(t, 0, snap.FailedCount)

	// With the failure injection removed the redownload succeeds.
	prov.failKeys = nil
	assert.Equal(t, StateFinished, runToCompletion(t, j))
}

func TestJob_SkipExistingCountsCompleted(t *testing.T) {
	saveTo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(saveTo, "cat.jpg"), []byte("old"), 0644))

	prov := &fakeProvider{resources: []provider.ResourceDescriptor{
		{Key: "cat.jpg", Title: "cat", Ext: "jpg", Index: 1},
	}}
	j := newTestJob(t, prov, Options{SaveTo: saveTo, OverwriteMode: naming.OverwriteSkip})

	assert.Equal(t, StateFinished, runToCompletion(t, j))
	assert.Equal(t, 1, j.Snapshot().CompletedCount)

	// The existing file was not touched.
	data, err := os.ReadFile(filepath.Join(saveTo, "cat.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestJob_RenameConflict(t *testing.T) {
	saveTo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(saveTo, "cat.jpg"), []byte("old"), 0644))

	prov := &fakeProvider{resources: []provider.ResourceDescriptor{
		{Key: "cat.jpg", Title: "cat", Ext: "jpg", Index: 1},
	}}
	j := newTestJob(t, prov, Options{SaveTo: saveTo, OverwriteMode: naming.OverwriteRename})

	assert.Equal(t, StateFinished, runToCompletion(t, j))

	data, err := os.ReadFile(filepath.Join(saveTo, "cat (1).jpg"))
	require.NoError(t, err)
	assert.Equal(t, "data-cat.jpg", string(data))
}

func TestJob_Transitions(t *testing.T) {
	prov := &fakeProvider{resources: galleryResources(1)}

	t.Run("admit only from queued", func(t *testing.T) {
		j := newTestJob(t, prov, Options{})
		_, ok := j.Admit(context.Background())
		require.True(t, ok)
		_, ok = j.Admit(context.Background())
		assert.False(t, ok)
	})

	t.Run("stop is a no-op outside active", func(t *testing.T) {
		j := newTestJob(t, prov, Options{})
		assert.False(t, j.Stop())
	})

	t.Run("deleted is terminal", func(t *testing.T) {
		j := newTestJob(t, prov, Options{})
		require.True(t, j.MarkDeleted())
		assert.False(t, j.MarkDeleted())
		assert.False(t, j.Reset())
		assert.False(t, j.Resume())
		_, ok := j.Admit(context.Background())
		assert.False(t, ok)
	})

	t.Run("resume only from stopped or errored", func(t *testing.T) {
		j := newTestJob(t, prov, Options{})
		assert.False(t, j.Resume(), "queued job cannot resume")
	})
}
