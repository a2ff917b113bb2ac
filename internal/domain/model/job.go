package model

import "time"

// Status is shared by jobs, tasks and sync tasks. It only moves forward:
// not-started -> ongoing -> {success, failure}.
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusOngoing    Status = "ongoing"
	StatusSuccess    Status = "success"
	StatusFailure    Status = "failure"
)

const (
	TaskOperationInitialSync = "http://redpencil.data.gift/id/jobs/concept/TaskOperation/deltas/consumer/initialSyncing"
	TaskOperationDeltaSync   = "http://redpencil.data.gift/id/jobs/concept/TaskOperation/deltas/consumer/deltaSyncing"
)

func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusOngoing, StatusSuccess, StatusFailure:
		return true
	}
	return false
}

// CanTransitionTo reports whether s may be replaced by next. A queued task may
// be failed without ever starting, e.g. when no start watermark can be found.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusNotStarted:
		return next == StatusOngoing || next == StatusFailure
	case StatusOngoing:
		return next == StatusSuccess || next == StatusFailure
	}
	return false
}

// Predecessors lists the statuses from which next can be reached.
func Predecessors(next Status) []Status {
	var out []Status
	for _, s := range []Status{StatusNotStarted, StatusOngoing, StatusSuccess, StatusFailure} {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}

type Job struct {
	ID         string    `json:"id"`
	Operation  string    `json:"operation"`
	Creator    string    `json:"creator"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

type Task struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Operation  string    `json:"operation"`
	Index      int       `json:"index"`
	Status     Status    `json:"status"`
	ErrorID    *string   `json:"error_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// ErrorRecord is a persisted failure reason. TargetID links it to the task or
// job it explains; it is empty for service-level errors.
type ErrorRecord struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	TargetID  string    `json:"target_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
