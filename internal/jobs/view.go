package jobs

import "example.com/activitysync/internal/domain"

// Texts of the status view.
const (
	StatusWaiting   = "Waiting for the task"
	StatusStarting  = "Synchronization is starting"
	StatusCancelled = "The synchronization was cancelled"
)

// StatusView is the wire contract polled by the web client until State is
// terminal. Only the fields of the state's shape are set.
type StatusView struct {
	State           domain.JobState `json:"state"`
	Status          *string         `json:"status,omitempty"`
	Current         *int            `json:"current,omitempty"`
	Total           *int            `json:"total,omitempty"`
	NewActivities   *int            `json:"new_activities,omitempty"`
	TotalActivities *int            `json:"total_activities,omitempty"`
}

// Terminal reports whether polling can stop.
func (v StatusView) Terminal() bool {
	return v.State.Terminal()
}

// NewStatusView maps a job to its externally visible shape.
func NewStatusView(job *domain.SyncJob) StatusView {
	view := StatusView{State: job.State}
	switch {
	case job.State.Queued():
		view.Status = ptr(StatusWaiting)
	case job.State.Running():
		status, current, total := StatusStarting, job.Progress.Current, job.Progress.Total
		if job.Progress.Status != "" {
			status = job.Progress.Status
		}
		if total == 0 {
			total = 1
		}
		view.Status, view.Current, view.Total = &status, &current, &total
	case job.State == domain.JobStateSuccess:
		var result domain.SyncResult
		if job.Result != nil {
			result = *job.Result
		}
		view.NewActivities = ptr(result.NewActivities)
		view.TotalActivities = ptr(result.TotalActivities)
	case job.State == domain.JobStateRevoked && job.Error == "":
		view.Status = ptr(StatusCancelled)
	default:
		view.Status = ptr(job.Error)
	}
	return view
}

func ptr[T any](v T) *T {
	return &v
}
