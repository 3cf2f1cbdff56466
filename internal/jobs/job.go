// Package jobs orchestrates one execution attempt end to end: workspace
// materialization, guest launch through the runtime backend, marker
// collection, output harvest, and execution logging.
package jobs

import (
	"fmt"
	"time"
)

// Status is a job's lifecycle state. Transitions are one-way:
// pending -> running -> {succeeded, failed, timed_out, cancelled}.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Job is one execution attempt.
type Job struct {
	ID                string
	UserID            string
	SessionID         string
	PreviousAttemptID string

	SourceCode    string
	InputImageRef string
	WorkspacePath string

	StartedAt  time.Time
	FinishedAt time.Time
	Deadline   time.Duration
	Status     Status
}

// transition advances the job's status, rejecting backward or sideways
// moves so terminal states stay final.
func (j *Job) transition(to Status) error {
	switch {
	case j.Status == StatusPending && to == StatusRunning:
	case j.Status == StatusRunning && to.Terminal():
	default:
		return fmt.Errorf("invalid job transition %s -> %s", j.Status, to)
	}
	j.Status = to
	return nil
}
