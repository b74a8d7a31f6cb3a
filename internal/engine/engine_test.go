package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-relay/internal/breaker"
	"mail-relay/internal/idempotency"
	"mail-relay/internal/queue"
	"mail-relay/internal/transport"
)

// scripted replays a fixed sequence of outcomes (nil = success), then
// succeeds forever.
type scripted struct {
	name string

	mu        sync.Mutex
	outcomes  []error
	calls     int
	callTimes []time.Time
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) Send(ctx context.Context, p *transport.Payload) (*transport.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.callTimes = append(s.callTimes, time.Now())

	var err error
	if len(s.outcomes) > 0 {
		err = s.outcomes[0]
		s.outcomes = s.outcomes[1:]
	}
	if err != nil {
		return nil, err
	}
	return &transport.Result{
		TransportName: s.name,
		MessageID:     fmt.Sprintf("%s-m-%d", s.name, s.calls),
		FinishedAt:    time.Now(),
	}, nil
}

func (s *scripted) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scripted) gaps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for i := 1; i < len(s.callTimes); i++ {
		out = append(out, s.callTimes[i].Sub(s.callTimes[i-1]))
	}
	return out
}

// gated blocks every send until the gate is released.
type gated struct {
	name string
	gate chan struct{}
}

func (g *gated) Name() string { return g.name }

func (g *gated) Send(ctx context.Context, p *transport.Payload) (*transport.Result, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &transport.Result{TransportName: g.name, MessageID: "gated-m-1", FinishedAt: time.Now()}, nil
}

func transientErr(code string) error {
	return &transport.SendError{Kind: transport.Transient, Code: code, Message: "simulated"}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialRetryDelay = 10 * time.Millisecond
	cfg.MaxRetryDelay = 40 * time.Millisecond
	cfg.Queue = queue.Config{
		MaxConcurrency:     2,
		PollInterval:       10 * time.Millisecond,
		JobTimeout:         2 * time.Second,
		RetryBaseDelay:     10 * time.Millisecond,
		MaxRetries:         2,
		StuckSweepInterval: time.Minute,
		HistoryLimit:       100,
		HistoryMaxAge:      24 * time.Hour,
	}
	return cfg
}

func startEngine(t *testing.T, cfg Config, transports ...transport.Transport) *Engine {
	t.Helper()
	e := New(cfg, transports, nil, nil)
	e.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return e
}

func validRequest(id string) *Request {
	return &Request{
		To:        "a@b.co",
		Subject:   "s",
		Body:      "x",
		RequestID: id,
	}
}

func waitForStatus(t *testing.T, e *Engine, requestID, want string) *StatusResult {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st := e.GetStatus(requestID)
		if st.Found && st.Status == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	st := e.GetStatus(requestID)
	t.Fatalf("request %s never reached %q (last: %+v)", requestID, want, st)
	return nil
}

func TestSubmitHappyPath(t *testing.T) {
	primary := &scripted{name: "primary"}
	secondary := &scripted{name: "secondary"}
	e := startEngine(t, testConfig(), primary, secondary)

	out := e.Submit(context.Background(), validRequest("r1"))
	require.True(t, out.Accepted)
	assert.Equal(t, StatusQueued, out.Status)
	assert.NotEmpty(t, out.JobID)
	assert.Equal(t, "r1", out.RequestID)

	st := waitForStatus(t, e, "r1", StatusSent)
	assert.Equal(t, "primary", st.Transport)
	assert.Equal(t, "primary-m-1", st.MessageID)
	assert.Equal(t, 1, st.Attempts)
	assert.Zero(t, secondary.callCount())
}

func TestFallbackOnPermanentLocal(t *testing.T) {
	primary := &scripted{name: "primary", outcomes: []error{
		&transport.SendError{Kind: transport.PermanentLocal, Code: "INVALID_EMAIL", Message: "rejected"},
	}}
	secondary := &scripted{name: "secondary"}
	e := startEngine(t, testConfig(), primary, secondary)

	e.Submit(context.Background(), validRequest("r2"))
	st := waitForStatus(t, e, "r2", StatusSent)

	assert.Equal(t, "secondary", st.Transport)
	assert.Equal(t, "secondary-m-1", st.MessageID)
	// One attempt on each transport: primary was not retried past the
	// permanent-local failure.
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 1, secondary.callCount())
	assert.Equal(t, 2, st.Attempts)
}

func TestRetryAfterOverridesBackoff(t *testing.T) {
	rateLimited := &transport.SendError{
		Kind:       transport.RateLimited,
		Code:       "RATE_LIMITED",
		Message:    "throttled",
		RetryAfter: 20 * time.Millisecond,
	}
	primary := &scripted{name: "primary", outcomes: []error{rateLimited, rateLimited}}
	secondary := &scripted{name: "secondary"}

	cfg := testConfig()
	cfg.InitialRetryDelay = 500 * time.Millisecond
	e := startEngine(t, cfg, primary, secondary)

	start := time.Now()
	e.Submit(context.Background(), validRequest("r3"))
	st := waitForStatus(t, e, "r3", StatusSent)

	assert.Equal(t, 3, st.Attempts)
	assert.Equal(t, "primary", st.Transport)
	// Two 20ms waits instead of the 500ms backoff.
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestBackoffScheduleNonDecreasing(t *testing.T) {
	primary := &scripted{name: "primary", outcomes: []error{
		transientErr("NETWORK_ERROR"), transientErr("NETWORK_ERROR"),
	}}

	cfg := testConfig()
	cfg.InitialRetryDelay = 40 * time.Millisecond
	cfg.MaxRetryDelay = 60 * time.Millisecond
	e := startEngine(t, cfg, primary, &scripted{name: "secondary"})

	e.Submit(context.Background(), validRequest("r4"))
	st := waitForStatus(t, e, "r4", StatusSent)
	require.Equal(t, 3, st.Attempts)

	gaps := primary.gaps()
	require.Len(t, gaps, 2)
	// 40ms, then 80ms capped to 60ms.
	assert.GreaterOrEqual(t, gaps[0], 40*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[1], 60*time.Millisecond)
}

func TestBreakerOpensAndSkipsPrimary(t *testing.T) {
	primary := &scripted{name: "primary", outcomes: []error{
		transientErr("E"), transientErr("E"), transientErr("E"), transientErr("E"), transientErr("E"),
	}}
	secondary := &scripted{name: "secondary"}

	cfg := testConfig()
	cfg.MaxAttemptsPerTransport = 1
	cfg.Breaker = breaker.Config{FailureThreshold: 5, SuccessThreshold: 2, OpenDuration: 30 * time.Second}
	e := startEngine(t, cfg, primary, secondary)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("open-%d", i)
		e.Submit(context.Background(), validRequest(id))
		waitForStatus(t, e, id, StatusSent)
	}
	require.Equal(t, 5, primary.callCount())

	statuses := e.BreakerStatuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, breaker.StateOpen, statuses[0].State)
	require.NotNil(t, statuses[0].OpenedUntil)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), *statuses[0].OpenedUntil, 2*time.Second)

	// Next submission short-circuits primary and goes straight to
	// secondary.
	e.Submit(context.Background(), validRequest("open-6"))
	st := waitForStatus(t, e, "open-6", StatusSent)
	assert.Equal(t, "secondary", st.Transport)
	assert.Equal(t, 5, primary.callCount())
}

func TestDuplicateInFlightDoesNotEnqueue(t *testing.T) {
	gate := make(chan struct{})
	primary := &gated{name: "primary", gate: gate}
	e := startEngine(t, testConfig(), primary, &scripted{name: "secondary"})

	first := e.Submit(context.Background(), validRequest("r5"))
	require.Equal(t, StatusQueued, first.Status)

	// Wait until the worker picks it up so the queue length is stable.
	waitForStatus(t, e, "r5", StatusProcessing)

	second := e.Submit(context.Background(), validRequest("r5"))
	require.True(t, second.Accepted)
	assert.Equal(t, StatusPending, second.Status)
	assert.Empty(t, second.JobID)

	stats := e.QueueStats()
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 1, stats.Processing)

	close(gate)
	st := waitForStatus(t, e, "r5", StatusSent)
	assert.Equal(t, "gated-m-1", st.MessageID)
}

func TestPermanentGlobalSkipsFallback(t *testing.T) {
	primary := &scripted{name: "primary", outcomes: []error{
		&transport.SendError{Kind: transport.PermanentGlobal, Code: "AUTHENTICATION_FAILED", Message: "denied"},
	}}
	secondary := &scripted{name: "secondary"}
	e := startEngine(t, testConfig(), primary, secondary)

	e.Submit(context.Background(), validRequest("r6"))
	st := waitForStatus(t, e, "r6", StatusFailed)

	require.NotNil(t, st.Error)
	assert.Equal(t, "AUTHENTICATION_FAILED", st.Error.Code)
	assert.Zero(t, secondary.callCount())
	assert.Equal(t, 1, st.Attempts)
}

func TestExhaustionFailsWithLastError(t *testing.T) {
	primary := &scripted{name: "primary", outcomes: []error{
		transientErr("P1"), transientErr("P2"), transientErr("P3"),
	}}
	secondary := &scripted{name: "secondary", outcomes: []error{
		transientErr("S1"), transientErr("S2"), transientErr("S3"),
	}}
	e := startEngine(t, testConfig(), primary, secondary)

	e.Submit(context.Background(), validRequest("r7"))
	st := waitForStatus(t, e, "r7", StatusFailed)

	require.NotNil(t, st.Error)
	assert.Equal(t, "S3", st.Error.Code)
	assert.Equal(t, 6, st.Attempts)
}

func TestCachedTerminalReplay(t *testing.T) {
	primary := &scripted{name: "primary"}
	e := startEngine(t, testConfig(), primary, &scripted{name: "secondary"})

	e.Submit(context.Background(), validRequest("r8"))
	st := waitForStatus(t, e, "r8", StatusSent)

	out := e.Submit(context.Background(), validRequest("r8"))
	require.True(t, out.Accepted)
	assert.Equal(t, StatusCompletedCached, out.Status)
	assert.Equal(t, st.MessageID, out.MessageID)
	assert.Equal(t, 1, primary.callCount())
}

func TestStatusMonotoneAfterTerminal(t *testing.T) {
	e := startEngine(t, testConfig(), &scripted{name: "primary"}, &scripted{name: "secondary"})

	e.Submit(context.Background(), validRequest("r9"))
	waitForStatus(t, e, "r9", StatusSent)

	for i := 0; i < 5; i++ {
		e.Submit(context.Background(), validRequest("r9"))
		assert.Equal(t, StatusSent, e.GetStatus("r9").Status)
	}
}

func TestStatusNotFound(t *testing.T) {
	e := startEngine(t, testConfig(), &scripted{name: "primary"}, &scripted{name: "secondary"})

	st := e.GetStatus("missing")
	assert.False(t, st.Found)
}

func TestSynchronousMode(t *testing.T) {
	cfg := testConfig()
	cfg.EnableQueue = false
	e := startEngine(t, cfg, &scripted{name: "primary"}, &scripted{name: "secondary"})

	out := e.Submit(context.Background(), validRequest("sync-1"))
	require.True(t, out.Accepted)
	assert.Equal(t, StatusSent, out.Status)
	assert.Equal(t, "primary", out.Transport)
	assert.Equal(t, "primary-m-1", out.MessageID)

	// No job exists; the record projects directly.
	st := e.GetStatus("sync-1")
	require.True(t, st.Found)
	assert.Equal(t, StatusSent, st.Status)
	assert.Empty(t, st.JobID)
}

func TestSynchronousModeFailure(t *testing.T) {
	cfg := testConfig()
	cfg.EnableQueue = false
	primary := &scripted{name: "primary", outcomes: []error{
		&transport.SendError{Kind: transport.PermanentGlobal, Code: "AUTHENTICATION_FAILED"},
	}}
	e := startEngine(t, cfg, primary, &scripted{name: "secondary"})

	out := e.Submit(context.Background(), validRequest("sync-2"))
	require.True(t, out.Accepted)
	assert.Equal(t, StatusFailed, out.Status)
	require.NotNil(t, out.Error)
	assert.Equal(t, "AUTHENTICATION_FAILED", out.Error.Code)
}

func TestBreakerDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.EnableBreaker = false
	cfg.MaxAttemptsPerTransport = 1
	primary := &scripted{name: "primary", outcomes: []error{
		transientErr("E"), transientErr("E"), transientErr("E"),
		transientErr("E"), transientErr("E"), transientErr("E"),
	}}
	e := startEngine(t, cfg, primary, &scripted{name: "secondary"})

	// Well past any failure threshold, primary still gets called.
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("nb-%d", i)
		e.Submit(context.Background(), validRequest(id))
		waitForStatus(t, e, id, StatusSent)
	}
	assert.Equal(t, 6, primary.callCount())
	assert.Empty(t, e.BreakerStatuses())
}

func TestResetBreakerUnknownTransport(t *testing.T) {
	e := startEngine(t, testConfig(), &scripted{name: "primary"}, &scripted{name: "secondary"})

	assert.Error(t, e.ForceOpenBreaker("nope"))
	assert.Error(t, e.ResetBreaker("nope"))
	assert.NoError(t, e.ResetBreaker(""))

	require.NoError(t, e.ForceOpenBreaker("primary"))
	require.Equal(t, breaker.StateOpen, e.BreakerStatuses()[0].State)
	require.NoError(t, e.ResetBreaker("primary"))
	assert.Equal(t, breaker.StateClosed, e.BreakerStatuses()[0].State)
}

func TestClearIdempotencyAllowsResubmit(t *testing.T) {
	primary := &scripted{name: "primary"}
	e := startEngine(t, testConfig(), primary, &scripted{name: "secondary"})

	e.Submit(context.Background(), validRequest("r10"))
	waitForStatus(t, e, "r10", StatusSent)

	e.ClearIdempotency()
	assert.False(t, e.GetStatus("r10").Found)
}

func TestValidationBoundaries(t *testing.T) {
	e := startEngine(t, testConfig(), &scripted{name: "primary"}, &scripted{name: "secondary"})

	cases := []struct {
		name   string
		mutate func(*Request)
		field  string
	}{
		{"bad email", func(r *Request) { r.To = "not-an-email" }, "to"},
		{"empty subject", func(r *Request) { r.Subject = "" }, "subject"},
		{"subject 201", func(r *Request) { r.Subject = strings.Repeat("s", 201) }, "subject"},
		{"body 10001", func(r *Request) { r.Body = strings.Repeat("b", 10001) }, "body"},
		{"empty request id", func(r *Request) { r.RequestID = "" }, "request_id"},
		{"request id 101", func(r *Request) { r.RequestID = strings.Repeat("r", 101) }, "request_id"},
		{"priority 11", func(r *Request) { r.Priority = 11 }, "priority"},
		{"priority negative", func(r *Request) { r.Priority = -1 }, "priority"},
		{"delay too long", func(r *Request) { r.DelayMs = 300001 }, "delay_ms"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest("boundary")
			tc.mutate(req)
			out := e.Submit(context.Background(), req)
			require.False(t, out.Accepted)
			assert.Equal(t, "validation", out.ErrorKind)
			assert.Contains(t, out.Fields, tc.field)
		})
	}
}

func TestValidationAcceptsBoundaryValues(t *testing.T) {
	e := startEngine(t, testConfig(), &scripted{name: "primary"}, &scripted{name: "secondary"})

	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"subject 200", func(r *Request) { r.Subject = strings.Repeat("s", 200) }},
		{"body 10000", func(r *Request) { r.Body = strings.Repeat("b", 10000) }},
		{"request id 100", func(r *Request) { r.RequestID = strings.Repeat("r", 100) }},
		{"request id 1", func(r *Request) { r.RequestID = "q" }},
		{"priority 0", func(r *Request) { r.Priority = 0 }},
		{"priority 10", func(r *Request) { r.Priority = 10 }},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest(fmt.Sprintf("accept-%d", i))
			tc.mutate(req)
			out := e.Submit(context.Background(), req)
			assert.True(t, out.Accepted, "fields: %v", out.Fields)
		})
	}
}

func TestWatchdogFailureReachesRecord(t *testing.T) {
	// Never-released gates: every attempt hangs until the job timeout.
	primary := &gated{name: "primary", gate: make(chan struct{})}

	cfg := testConfig()
	cfg.Queue.JobTimeout = 50 * time.Millisecond
	cfg.Queue.MaxConcurrency = 1
	cfg.Queue.HistoryLimit = 1
	e := startEngine(t, cfg, primary, &scripted{name: "secondary"})

	e.Submit(context.Background(), validRequest("wd-1"))
	waitForStatus(t, e, "wd-1", StatusFailed)

	rec := e.Store().Get("wd-1")
	require.NotNil(t, rec)
	assert.Equal(t, idempotency.StatusFailed, rec.Status)
	require.NotNil(t, rec.ErrorInfo)
	assert.Equal(t, "PROCESSING_TIMEOUT", rec.ErrorInfo.Code)

	// A second failure pushes wd-1 out of the one-slot history; the
	// projection must stay failed, served by the record alone.
	e.Submit(context.Background(), validRequest("wd-2"))
	waitForStatus(t, e, "wd-2", StatusFailed)

	st := e.GetStatus("wd-1")
	require.True(t, st.Found)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Empty(t, st.JobID)
}

func TestShutdownRejectionLeavesNoRecord(t *testing.T) {
	e := startEngine(t, testConfig(), &scripted{name: "primary"}, &scripted{name: "secondary"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))

	out := e.Submit(context.Background(), validRequest("late"))
	require.False(t, out.Accepted)
	assert.Equal(t, "shutdown", out.ErrorKind)

	// The rejected submission left nothing behind: a replay after restart
	// starts fresh instead of reading pending until the TTL.
	assert.Nil(t, e.Store().Get("late"))
	assert.False(t, e.GetStatus("late").Found)
}

func TestDelayedJobStatusStaysQueued(t *testing.T) {
	e := startEngine(t, testConfig(), &scripted{name: "primary"}, &scripted{name: "secondary"})

	req := validRequest("delayed")
	req.DelayMs = 200
	submitted := time.Now()
	e.Submit(context.Background(), req)

	st := e.GetStatus("delayed")
	require.True(t, st.Found)
	assert.Equal(t, StatusQueued, st.Status)

	st = waitForStatus(t, e, "delayed", StatusSent)
	require.NotNil(t, st.LastAttemptAt)
	assert.False(t, st.LastAttemptAt.Before(submitted.Add(200*time.Millisecond)),
		"first attempt ran before the delay deadline")
}
