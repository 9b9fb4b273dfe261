package domain

// WorkloadStatus is the observed status of an external workload. The rollout
// engine never owns workload state; it only reads these values off the
// workload service.
type WorkloadStatus string

const (
	WorkloadStatusPending   WorkloadStatus = "pending"
	WorkloadStatusClaimed   WorkloadStatus = "claimed"
	WorkloadStatusLaunched  WorkloadStatus = "launched"
	WorkloadStatusRunning   WorkloadStatus = "running"
	WorkloadStatusSuccess   WorkloadStatus = "success"
	WorkloadStatusFailure   WorkloadStatus = "failure"
	WorkloadStatusCancelled WorkloadStatus = "cancelled"
)

func (s WorkloadStatus) Terminal() bool {
	switch s {
	case WorkloadStatusSuccess, WorkloadStatusFailure, WorkloadStatusCancelled:
		return true
	default:
		return false
	}
}
