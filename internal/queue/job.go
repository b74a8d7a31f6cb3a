package queue

import (
	"time"

	"github.com/google/uuid"

	"mail-relay/internal/transport"
)

// JobStatus is the internal lifecycle state of a queued job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusRetrying   JobStatus = "retrying"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Job is the queueable representation of a delivery request. The queue
// owns it from submission to terminal state; while processing, exactly
// one worker holds it.
type Job struct {
	ID               uuid.UUID
	RequestID        string
	Payload          transport.Payload
	Priority         int
	ExecuteNotBefore time.Time
	Attempts         int
	MaxAttempts      int
	QueueRetries     int
	Status           JobStatus
	SubmittedAt      time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
	LastError        *transport.ErrorInfo
	Result           *transport.Result
}

// NewJob builds a queued job executing no earlier than now+delay.
func NewJob(requestID string, payload transport.Payload, priority int, delay time.Duration, maxAttempts int, now time.Time) *Job {
	return &Job{
		ID:               uuid.New(),
		RequestID:        requestID,
		Payload:          payload,
		Priority:         priority,
		ExecuteNotBefore: now.Add(delay),
		MaxAttempts:      maxAttempts,
		Status:           StatusQueued,
		SubmittedAt:      now,
	}
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

func (j *Job) clone() *Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	if j.LastError != nil {
		e := *j.LastError
		cp.LastError = &e
	}
	if j.Result != nil {
		r := *j.Result
		cp.Result = &r
	}
	return &cp
}
