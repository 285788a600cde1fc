package job

import "time"

// ItemSnapshot is the serializable view of one sub-item.
type ItemSnapshot struct {
	Key       string    `json:"key"`
	Title     string    `json:"title,omitempty"`
	State     ItemState `json:"state"`
	Attempts  int       `json:"attempts"`
	SavedPath string    `json:"saved_path,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Snapshot is the serializable view of a job handed to event listeners.
//
// Snapshots are value copies; mutating one has no effect on the live job.
type Snapshot struct {
	ID             string         `json:"id"`
	URL            string         `json:"url"`
	State          State          `json:"state"`
	Kind           Kind           `json:"kind"`
	Options        Options        `json:"options"`
	CompletedCount int            `json:"completed_count"`
	TotalCount     int            `json:"total_count"`
	FailedCount    int            `json:"failed_count"`
	Items          []ItemSnapshot `json:"items,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// PartiallyFailed reports whether the job finished with at least one item
// that exhausted its retry budget. Callers inspecting completion must not
// treat such a job as a full success.
func (s Snapshot) PartiallyFailed() bool {
	return s.State == StateFinished && s.FailedCount > 0
}

// Snapshot captures the current job state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() Snapshot {
	items := make([]ItemSnapshot, len(j.items))
	for i, it := range j.items {
		items[i] = ItemSnapshot{
			Key:       it.resource.Key,
			Title:     it.resource.Title,
			State:     it.state,
			Attempts:  it.attempts,
			SavedPath: it.savedPath,
			Error:     it.lastErr,
		}
	}
	return Snapshot{
		ID:             j.id,
		URL:            j.url,
		State:          j.state,
		Kind:           j.kind,
		Options:        j.opts,
		CompletedCount: j.completed,
		TotalCount:     len(j.items),
		FailedCount:    j.failed,
		Items:          items,
		CreatedAt:      j.createdAt,
		UpdatedAt:      j.updatedAt,
	}
}
