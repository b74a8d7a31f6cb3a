package engine

import (
	"time"

	"mail-relay/internal/idempotency"
	"mail-relay/internal/queue"
	"mail-relay/internal/transport"
)

// External status values projected to callers.
const (
	StatusQueued          = "queued"
	StatusProcessing      = "processing"
	StatusRetrying        = "retrying"
	StatusSent            = "sent"
	StatusFailed          = "failed"
	StatusPending         = "pending"
	StatusCompletedCached = "completed-cached"
	StatusFailedCached    = "failed-cached"
)

// SubmitResult is the structured outcome of Submit. Accepted is false
// only for validation and shutdown rejections.
type SubmitResult struct {
	Accepted  bool                 `json:"accepted"`
	Status    string               `json:"status,omitempty"`
	RequestID string               `json:"request_id"`
	JobID     string               `json:"job_id,omitempty"`
	Transport string               `json:"transport,omitempty"`
	MessageID string               `json:"message_id,omitempty"`
	Error     *transport.ErrorInfo `json:"error,omitempty"`
	ErrorKind string               `json:"error_kind,omitempty"`
	Detail    string               `json:"detail,omitempty"`
	Fields    []string             `json:"fields,omitempty"`
}

// StatusResult is the caller-visible projection of one request id.
type StatusResult struct {
	Found         bool                 `json:"-"`
	RequestID     string               `json:"request_id"`
	Status        string               `json:"status"`
	Attempts      int                  `json:"attempts"`
	Transport     string               `json:"transport,omitempty"`
	MessageID     string               `json:"message_id,omitempty"`
	Error         *transport.ErrorInfo `json:"error,omitempty"`
	JobID         string               `json:"job_id,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	LastAttemptAt *time.Time           `json:"last_attempt_at,omitempty"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// GetStatus projects the externally visible status for a request id. When
// a job exists its status wins over the lifecycle record; in synchronous
// mode the record is projected directly. Terminal projections are
// monotone: once sent or failed, the answer never changes.
func (e *Engine) GetStatus(requestID string) *StatusResult {
	rec := e.store.Get(requestID)
	if rec == nil {
		return &StatusResult{Found: false, RequestID: requestID}
	}

	out := &StatusResult{
		Found:         true,
		RequestID:     requestID,
		Attempts:      rec.Attempts,
		Transport:     rec.CurrentTransport,
		Error:         rec.ErrorInfo,
		CreatedAt:     rec.CreatedAt,
		LastAttemptAt: rec.LastAttemptAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if rec.Result != nil {
		out.Transport = rec.Result.TransportName
		out.MessageID = rec.Result.MessageID
	}

	if job := e.queue.Latest(requestID); job != nil {
		out.JobID = job.ID.String()
		out.Status = projectJobStatus(job.Status)
		if job.LastError != nil && out.Error == nil {
			out.Error = job.LastError
		}
		return out
	}

	out.Status = projectRecordStatus(rec.Status)
	return out
}

func projectJobStatus(s queue.JobStatus) string {
	switch s {
	case queue.StatusCompleted:
		return StatusSent
	case queue.StatusFailed:
		return StatusFailed
	case queue.StatusProcessing:
		return StatusProcessing
	case queue.StatusRetrying:
		return StatusRetrying
	default:
		return StatusQueued
	}
}

func projectRecordStatus(s idempotency.Status) string {
	switch s {
	case idempotency.StatusCompleted:
		return StatusSent
	case idempotency.StatusFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}
