package scheduler

import "github.com/quarryhq/quarry/pkg/job"

// EventType identifies a scheduler lifecycle event.
type EventType string

const (
	// EventAdd fires once per submitted job.
	EventAdd EventType = "add"

	// EventAddBatch fires once per SubmitBatch call with every job the
	// batch created, so downstream consumers (cache, UI) can react once
	// instead of per job.
	EventAddBatch EventType = "add-batch"

	// EventUpdate fires on progress or state changes of a job that
	// already exists, including Errored outcomes and re-queues.
	EventUpdate EventType = "update"

	// EventStop fires when a job settles in Stopped.
	EventStop EventType = "stop"

	// EventStopBatch fires once per StopMany call with the ids actually
	// affected.
	EventStopBatch EventType = "stop-batch"

	// EventFinish fires when a job settles in Finished. Terminal: no
	// further event follows for that id.
	EventFinish EventType = "finish"

	// EventDelete fires when a job is removed. Terminal.
	EventDelete EventType = "delete"

	// EventDeleteBatch fires once per DeleteMany call with the ids
	// actually removed.
	EventDeleteBatch EventType = "delete-batch"
)

// Event is the payload delivered to listeners. Single-job events carry
// Job; add-batch carries Jobs; stop-batch and delete-batch carry IDs.
type Event struct {
	Type EventType
	Job  *job.Snapshot
	Jobs []job.Snapshot
	IDs  []string
}

// Listener receives scheduler events.
//
// Delivery is synchronous on the goroutine that caused the event; slow
// listeners delay the scheduler, so hand off to a channel if the handler
// does real work. The scheduler never inspects listener identity.
type Listener interface {
	HandleSchedulerEvent(Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Event)

// HandleSchedulerEvent implements Listener.
func (f ListenerFunc) HandleSchedulerEvent(e Event) { f(e) }
