package model

import "time"

// ProgressStatus is the in-memory view of a run. It is never persisted; the
// final task status is derived from it once the run ends.
type ProgressStatus string

const (
	ProgressNotStarted  ProgressStatus = "notStarted"
	ProgressProgressing ProgressStatus = "progressing"
	ProgressFailed      ProgressStatus = "failed"
)

// SyncTask tracks one delta ingestion run. Watermark is the creation time of
// the latest delta file that was fully applied; nil until the run starts.
type SyncTask struct {
	ID         string     `json:"id"`
	Creator    string     `json:"creator"`
	Status     Status     `json:"status"`
	Watermark  *time.Time `json:"watermark,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ModifiedAt time.Time  `json:"modified_at"`
}

// RunState summarises the persisted sync tasks for the control surface.
type RunState string

const (
	RunStateIdle       RunState = "idle"
	RunStateRunning    RunState = "running"
	RunStateNotStarted RunState = "not-started"
)
