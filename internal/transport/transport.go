package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a send failure and decides how the engine reacts to it.
type Kind string

const (
	// Transient failures may be retried on the same transport and may
	// fall back to the other transport.
	Transient Kind = "transient"
	// RateLimited behaves like Transient, but the engine must wait at
	// least RetryAfter before the next attempt on this transport.
	RateLimited Kind = "rate_limited"
	// PermanentLocal skips remaining retries on this transport but the
	// other transport may still accept the payload.
	PermanentLocal Kind = "permanent_local"
	// PermanentGlobal aborts delivery entirely: no retry, no fallback.
	PermanentGlobal Kind = "permanent_global"
)

// Payload is the message handed to a transport for one send attempt.
type Payload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Result is returned by a transport on a successful send.
type Result struct {
	TransportName string    `json:"transport"`
	MessageID     string    `json:"message_id"`
	FinishedAt    time.Time `json:"finished_at"`
}

// SendError is the classified failure a transport reports. RetryAfter is
// zero unless the transport asked for a specific wait.
type SendError struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Kind, e.Message)
}

// Retryable reports whether the failure counts as retryable for breaker
// and retry accounting. Permanent failures never do.
func (e *SendError) Retryable() bool {
	return e.Kind == Transient || e.Kind == RateLimited
}

// AsSendError unwraps err into a *SendError. Unclassified errors are
// treated as transient with code TRANSPORT_ERROR so a flaky transport
// implementation cannot poison the retry loop.
func AsSendError(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	return &SendError{Kind: Transient, Code: "TRANSPORT_ERROR", Message: err.Error()}
}

// ErrorInfo is the caller-visible shape of a terminal failure. It carries
// the classification and code but never transport internals.
type ErrorInfo struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Info converts a SendError into its caller-visible form.
func (e *SendError) Info() *ErrorInfo {
	return &ErrorInfo{Kind: e.Kind, Code: e.Code, Message: e.Message}
}

// Transport is one send capability. Implementations own all side effects;
// the engine only sees Result or a classified SendError.
type Transport interface {
	Name() string
	Send(ctx context.Context, p *Payload) (*Result, error)
}

// HealthChecker is optionally implemented by transports that can report
// their own health. Absence means "assume healthy".
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}

// Healthy reports transport health, defaulting to true when the transport
// does not implement HealthChecker.
func Healthy(ctx context.Context, t Transport) bool {
	if hc, ok := t.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return true
}
