package job

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quarryhq/quarry/pkg/naming"
	"github.com/quarryhq/quarry/pkg/provider"
)

const (
	// maxItemAttempts bounds per-item transfer retries. Exceeding the
	// bound marks the item Failed and the job moves on to the next item.
	maxItemAttempts = 3

	// copyChunkSize is the transfer granularity. Cancellation is observed
	// between chunks, so it also bounds stop latency on large files.
	copyChunkSize = 64 * 1024
)

// Run executes the transfer and returns the terminal outcome
// (Finished, Stopped, or Errored).
//
// The loop is sequential over items: enumeration order is fixed and drives
// page numbering, and cancellation is checked between items and between
// chunks. onProgress is invoked after enumeration and after every item
// settles; it may be nil.
func (j *Job) Run(ctx context.Context, onProgress func(Snapshot)) State {
	progress := func() {
		if onProgress != nil {
			onProgress(j.Snapshot())
		}
	}

	if err := j.ensureEnumerated(ctx); err != nil {
		outcome := StateErrored
		if ctx.Err() != nil {
			outcome = StateStopped
		}
		j.logger.Warn("enumeration failed", zap.String("url", j.url), zap.Error(err))
		// No progress callback here: finish already moved the job to its
		// terminal state, and the caller announces terminal outcomes itself.
		j.finish(ctx, outcome)
		return outcome
	}
	progress()

	j.mu.Lock()
	items := j.items
	j.mu.Unlock()

	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		if j.itemState(it) != ItemPending {
			continue
		}
		j.runItem(ctx, it)
		progress()
	}

	var outcome State
	j.mu.Lock()
	switch {
	case ctx.Err() != nil && j.completed+j.failed < len(j.items):
		outcome = StateStopped
	case len(j.items) > 0 && j.failed == len(j.items):
		// Every item exhausted its retries. Surfacing this as Errored
		// (rather than a fully-failed "finish") keeps redownload one
		// reset away and never masks total failure as success.
		outcome = StateErrored
	default:
		outcome = StateFinished
	}
	j.mu.Unlock()

	j.finish(ctx, outcome)
	return outcome
}

// ensureEnumerated resolves the source into items on first run. Items
// enumerated by a previous run (stop/resume within the process) are kept,
// including their fetch states.
func (j *Job) ensureEnumerated(ctx context.Context) error {
	j.mu.Lock()
	if len(j.items) > 0 {
		j.mu.Unlock()
		return nil
	}
	src := provider.Source{URL: j.url, Context: j.pctx}
	j.mu.Unlock()

	rds, err := j.prov.Enumerate(ctx, src)
	if err != nil {
		return err
	}

	accepted := make([]*item, 0, len(rds))
	for _, rd := range rds {
		if !j.filter.Empty() && !j.filter.Accepts(rd.ContentType, path.Base(rd.Key)) {
			j.logger.Debug("item excluded by accept filter", zap.String("key", rd.Key))
			continue
		}
		accepted = append(accepted, &item{resource: rd, state: ItemPending})
	}
	if len(accepted) == 0 {
		return &provider.Error{Op: "Enumerate", Provider: j.prov.ID(), Key: j.url, Err: provider.ErrUnacceptedType}
	}

	j.mu.Lock()
	j.items = accepted
	if len(accepted) > 1 {
		j.kind = KindGallery
	}
	j.mu.Unlock()
	return nil
}

func (j *Job) itemState(it *item) ItemState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return it.state
}

// runItem settles one item: path resolution, bounded retries, counters.
// Failures are absorbed into item state; only counters escape.
func (j *Job) runItem(ctx context.Context, it *item) {
	j.setItemState(it, ItemFetching, "")

	dest, skip, err := j.resolveSavePath(it)
	if err != nil {
		j.settleItem(it, ItemFailed, "", err.Error())
		return
	}
	if skip {
		j.settleItem(it, ItemDone, dest, "")
		return
	}

	// Re-verify a file left behind by an earlier process: a complete
	// download at the destination with the expected size counts as done.
	if st, err := os.Stat(dest); err == nil && it.resource.Size > 0 && st.Size() == it.resource.Size {
		j.settleItem(it, ItemDone, dest, "")
		return
	}

	var lastErr error
	for attempt := 1; attempt <= maxItemAttempts; attempt++ {
		if ctx.Err() != nil {
			j.setItemState(it, ItemPending, "")
			return
		}
		j.mu.Lock()
		it.attempts = attempt
		j.mu.Unlock()

		err := j.fetchToFile(ctx, it.resource, dest)
		if err == nil {
			j.settleItem(it, ItemDone, dest, "")
			return
		}
		if ctx.Err() != nil {
			// Cancelled mid-fetch: leave the item pending so resume
			// re-verifies and refetches it.
			j.setItemState(it, ItemPending, "")
			return
		}
		lastErr = &TransferError{Key: it.resource.Key, Attempt: attempt, Err: err}
		j.logger.Warn("item transfer failed",
			zap.String("key", it.resource.Key),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	j.settleItem(it, ItemFailed, "", lastErr.Error())
}

func (j *Job) setItemState(it *item, s ItemState, lastErr string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.ownsItemLocked(it) {
		return
	}
	it.state = s
	it.lastErr = lastErr
	j.touchLocked()
}

// settleItem applies a terminal item state and updates job counters.
func (j *Job) settleItem(it *item, s ItemState, savedPath, lastErr string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	// A reset may have discarded the item list while this item was in
	// flight; its outcome must not leak into the fresh counters.
	if !j.ownsItemLocked(it) {
		return
	}
	it.state = s
	it.savedPath = savedPath
	it.lastErr = lastErr
	switch s {
	case ItemDone:
		j.completed++
	case ItemFailed:
		j.failed++
	}
	j.touchLocked()
}

// resolveSavePath renders the naming template for one item and applies the
// overwrite policy. skip=true means an existing file satisfies the item.
func (j *Job) resolveSavePath(it *item) (dest string, skip bool, err error) {
	j.mu.Lock()
	pattern := j.opts.NamingPatterns[string(j.kind)]
	if pattern == "" {
		pattern = j.opts.NamingPattern
	}
	if pattern == "" {
		if j.kind == KindGallery {
			pattern = defaultGalleryPattern
		} else {
			pattern = defaultSinglePattern
		}
	}
	vars := j.templateVarsLocked(it)
	saveTo := j.opts.SaveTo
	mode := j.opts.OverwriteMode
	j.mu.Unlock()

	rendered := naming.Render(pattern, vars)
	if rendered == "" {
		rendered = naming.Sanitize(path.Base(it.resource.Key))
	}
	candidate := filepath.Join(saveTo, filepath.FromSlash(rendered))

	dest, err = naming.ResolveConflict(candidate, mode)
	if err == naming.ErrSkipExisting {
		return candidate, true, nil
	}
	if err != nil {
		return "", false, err
	}
	return dest, false, nil
}

func (j *Job) templateVarsLocked(it *item) map[string]string {
	rd := it.resource

	title := rd.Title
	if title == "" {
		base := path.Base(rd.Key)
		title = strings.TrimSuffix(base, path.Ext(base))
	}

	ext := rd.Ext
	if ext == "" {
		ext = strings.TrimPrefix(path.Ext(rd.Key), ".")
	}
	if ext == "" {
		ext = "bin"
	}

	host := ""
	if u, err := url.Parse(j.url); err == nil {
		host = u.Host
	}

	return map[string]string{
		"id":       j.id,
		"title":    title,
		"page_num": fmt.Sprintf("%03d", rd.Index),
		"ext":      strings.ToLower(ext),
		"host":     host,
	}
}

// fetchToFile streams one resource to dest. The stream lands in a .part
// sibling first and is renamed into place on success, so an interrupted
// fetch never leaves a truncated file at the final path.
func (j *Job) fetchToFile(ctx context.Context, rd provider.ResourceDescriptor, dest string) error {
	body, size, err := j.prov.Fetch(ctx, rd)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create save dir: %w", err)
	}

	part := dest + ".part"
	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("create part file: %w", err)
	}

	written, copyErr := copyChunks(ctx, f, body)
	closeErr := f.Close()
	if copyErr != nil {
		// The .part file stays behind for inspection; resume refetches it.
		return copyErr
	}
	if closeErr != nil {
		return fmt.Errorf("close part file: %w", closeErr)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("short transfer: %d of %d bytes", written, size)
	}
	if err := os.Rename(part, dest); err != nil {
		return fmt.Errorf("finalize download: %w", err)
	}
	return nil
}

// copyChunks copies src to dst in fixed-size chunks, checking ctx between
// chunks.
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if wn < n {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func (j *Job) ownsItemLocked(it *item) bool {
	for _, have := range j.items {
		if have == it {
			return true
		}
	}
	return false
}

func (j *Job) touchLocked() {
	j.updatedAt = time.Now().UTC()
}
