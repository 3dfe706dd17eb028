// Package async tracks long-running remote generation jobs in memory and
// supervises background tasks whose failures must not reach the caller.
package async

import (
	"time"

	"github.com/google/uuid"
	"github.com/teranos/vanity-id"

	"github.com/ekho-app/ekho/errors"
)

// JobState represents the lifecycle position of a generation job
type JobState string

const (
	JobStateSubmitted  JobState = "submitted"
	JobStateProcessing JobState = "processing"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
)

// IsValidState returns true if the string is a known JobState
func IsValidState(s string) bool {
	switch JobState(s) {
	case JobStateSubmitted, JobStateProcessing, JobStateCompleted, JobStateFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Progress bounds
const (
	ProgressNone        = 0
	ProgressProcessing  = 10
	ProgressFinished    = 100
	progressMaxInFlight = 99
)

// Job is one request to a remote long-running generation service.
//
// A job either never had a remote handle (it failed before submission) or
// keeps the same handle for its whole life. Only the registry mutates jobs;
// everyone else works on copies.
type Job struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	Kind          string    `json:"kind"`
	State         JobState  `json:"state"`
	RemoteHandle  string    `json:"remote_handle,omitempty"`
	Progress      int       `json:"progress"`
	ResultRef     string    `json:"result_ref,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	PollError     bool      `json:"poll_error,omitempty"`
	References    []string  `json:"references,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewJob creates a submitted job with a fresh ID and no remote handle yet.
func NewJob(kind, owner string) (*Job, error) {
	if kind == "" {
		return nil, errors.New("job kind cannot be empty")
	}
	if owner == "" {
		return nil, errors.New("job owner cannot be empty")
	}

	jobID, err := id.GenerateJobASID(kind, owner, owner)
	if err != nil {
		// vanity ids reject some inputs; ownership is still carried by Owner
		jobID = kind + "_" + uuid.NewString()
	}

	now := time.Now()
	return &Job{
		ID:        jobID,
		Owner:     owner,
		Kind:      kind,
		State:     JobStateSubmitted,
		Progress:  ProgressNone,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Clone returns a copy that shares no memory with j
func (j *Job) Clone() Job {
	c := *j
	if j.References != nil {
		c.References = append([]string(nil), j.References...)
	}
	return c
}

// Submitted records the remote handle of an accepted submission
func (j *Job) Submitted(handle string, references []string) {
	j.State = JobStateSubmitted
	j.RemoteHandle = handle
	j.References = references
	j.Progress = ProgressNone
	j.UpdatedAt = time.Now()
}

// Processing records a not-yet-done poll. Progress never moves backwards.
func (j *Job) Processing(progress int) {
	if j.State.Terminal() {
		return
	}
	if progress < ProgressProcessing {
		progress = ProgressProcessing
	}
	if progress > progressMaxInFlight {
		progress = progressMaxInFlight
	}
	j.State = JobStateProcessing
	if progress > j.Progress {
		j.Progress = progress
	}
	j.clearPollError()
	j.UpdatedAt = time.Now()
}

// Complete marks the job as completed with a retrievable result
func (j *Job) Complete(resultRef string) {
	if j.State.Terminal() {
		return
	}
	j.State = JobStateCompleted
	j.ResultRef = resultRef
	j.Progress = ProgressFinished
	j.clearPollError()
	j.UpdatedAt = time.Now()
}

// Fail marks the job as failed with the given reason
func (j *Job) Fail(reason string) {
	if j.State.Terminal() {
		return
	}
	j.State = JobStateFailed
	j.FailureReason = reason
	j.Progress = ProgressNone
	j.PollError = false
	j.UpdatedAt = time.Now()
}

// PollFailed records a transient status-check failure without changing state
func (j *Job) PollFailed(err error) {
	if j.State.Terminal() {
		return
	}
	j.PollError = true
	j.FailureReason = err.Error()
	j.UpdatedAt = time.Now()
}

func (j *Job) clearPollError() {
	if j.PollError {
		j.PollError = false
		j.FailureReason = ""
	}
}
