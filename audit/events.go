package audit

// Audit event actions. Each constant corresponds to one ext lifecycle
// hook and becomes the Action field of the audit event.
const (
	ActionJobEnqueued  = "job.enqueued"
	ActionJobStarted   = "job.started"
	ActionJobCompleted = "job.completed"
	ActionJobFailed    = "job.failed"
	ActionJobRetrying  = "job.retrying"
	ActionJobCancelled = "job.cancelled"
	ActionJobExpired   = "job.expired"

	ActionTaskDelivered = "task.delivered"
	ActionTaskResolved  = "task.resolved"

	ActionWorkerStarted = "worker.started"
	ActionWorkerRetired = "worker.retired"
)

// Audit event categories group related actions.
const (
	CategoryJob    = "relister.job"
	CategoryTask   = "relister.task"
	CategoryWorker = "relister.worker"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob    = "job"
	ResourceTask   = "task"
	ResourceWorker = "worker"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobEnqueued,
		ActionJobStarted,
		ActionJobCompleted,
		ActionJobFailed,
		ActionJobRetrying,
		ActionJobCancelled,
		ActionJobExpired,
		ActionTaskDelivered,
		ActionTaskResolved,
		ActionWorkerStarted,
		ActionWorkerRetired,
	}
}
