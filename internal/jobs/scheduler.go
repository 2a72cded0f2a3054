package jobs

// Scheduler is the timer side of the job table as seen by writers.
// Schedule replaces any timer already running for the record's key;
// Cancel is idempotent.
type Scheduler interface {
	Schedule(rec JobRecord)
	Cancel(key Key)
}

// Event types published on the event bus.
const (
	EventJobAdded          = "job.added"
	EventJobRemoved        = "job.removed"
	EventJobDelivered      = "job.delivered"
	EventJobDeliveryFailed = "job.delivery_failed"
	EventSyncCompleted     = "sync.completed"
)
