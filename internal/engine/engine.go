package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"mail-relay/internal/breaker"
	"mail-relay/internal/idempotency"
	"mail-relay/internal/observability"
	"mail-relay/internal/queue"
	"mail-relay/internal/transport"
)

// Config holds engine tuning knobs.
type Config struct {
	MaxAttemptsPerTransport int
	InitialRetryDelay       time.Duration
	MaxRetryDelay           time.Duration
	RetryMultiplier         float64
	EnableBreaker           bool
	EnableQueue             bool

	Breaker        breaker.Config
	Queue          queue.Config
	IdempotencyTTL time.Duration
	SweepInterval  time.Duration
}

// DefaultConfig returns the stock engine tuning.
func DefaultConfig() Config {
	return Config{
		MaxAttemptsPerTransport: 3,
		InitialRetryDelay:       time.Second,
		MaxRetryDelay:           30 * time.Second,
		RetryMultiplier:         2,
		EnableBreaker:           true,
		EnableQueue:             true,
		Breaker:                 breaker.DefaultConfig(),
		Queue:                   queue.DefaultConfig(),
		IdempotencyTTL:          24 * time.Hour,
		SweepInterval:           time.Hour,
	}
}

// sender is one send path: a breaker-wrapped transport, or the raw
// transport when the breaker is disabled.
type sender interface {
	Name() string
	Do(ctx context.Context, p *transport.Payload) (*transport.Result, error)
}

type rawSender struct {
	t transport.Transport
}

func (r rawSender) Name() string { return r.t.Name() }

func (r rawSender) Do(ctx context.Context, p *transport.Payload) (*transport.Result, error) {
	return r.t.Send(ctx, p)
}

// Engine orchestrates the request lifecycle: admit, dedupe, enqueue,
// attempt with retry and fallback, record. It owns its collaborators; no
// package-level state.
type Engine struct {
	cfg        Config
	logger     *zap.Logger
	metrics    *observability.Metrics
	transports []transport.Transport
	senders    []sender
	breakers   map[string]*breaker.Breaker
	store      *idempotency.Store
	queue      *queue.Queue

	cancel context.CancelFunc
}

// New builds an engine over the ordered transports [primary, secondary].
func New(cfg Config, transports []transport.Transport, logger *zap.Logger, metrics *observability.Metrics) *Engine {
	def := DefaultConfig()
	if cfg.MaxAttemptsPerTransport <= 0 {
		cfg.MaxAttemptsPerTransport = def.MaxAttemptsPerTransport
	}
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = def.InitialRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.RetryMultiplier <= 1 {
		cfg.RetryMultiplier = def.RetryMultiplier
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = def.IdempotencyTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		transports: transports,
		breakers:   make(map[string]*breaker.Breaker),
		store:      idempotency.NewStore(logger, cfg.IdempotencyTTL),
	}

	for _, t := range transports {
		if cfg.EnableBreaker {
			b := breaker.New(t, cfg.Breaker, logger)
			if metrics != nil {
				b.OnTransition(func(name string, to breaker.State) {
					metrics.BreakerTransitionsTotal.WithLabelValues(name, string(to)).Inc()
				})
			}
			e.breakers[t.Name()] = b
			e.senders = append(e.senders, b)
		} else {
			e.senders = append(e.senders, rawSender{t: t})
		}
	}

	e.queue = queue.New(cfg.Queue, e.attempt, logger)
	if metrics != nil {
		e.queue.OnQueueRetry(func(*queue.Job) {
			metrics.QueueRetriesTotal.Inc()
		})
	}
	// The queue terminalizes some jobs on its own (watchdog timeout, stuck
	// sweep, exhausted safety-net retries). Mirror those failures into the
	// lifecycle record so the projection stays failed after the job ages
	// out of the queue history. Fail is first-terminal-wins, so failures
	// the attempt loop already recorded are unaffected.
	e.queue.OnTerminal(func(job *queue.Job) {
		if job.LastError != nil {
			e.store.Fail(job.RequestID, job.LastError)
		}
	})
	return e
}

// Store exposes the idempotency store for wiring and tests.
func (e *Engine) Store() *idempotency.Store { return e.store }

// Queue exposes the job queue for wiring and tests.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Start launches the worker pool and background sweepers.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	if e.cfg.EnableQueue {
		e.queue.Start()
	}
	go e.store.Run(ctx, e.cfg.SweepInterval)
	if e.metrics != nil {
		go e.reportQueueDepth(ctx)
	}
}

// Stop halts admission and waits until ctx expires for in-flight
// attempts to drain.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.cfg.EnableQueue {
		return e.queue.Stop(ctx)
	}
	return nil
}

func (e *Engine) reportQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.metrics.QueueDepth.Set(float64(e.queue.Stats().Queued))
		}
	}
}

// Submit admits one delivery request. Duplicate request ids return the
// cached outcome instead of re-enqueueing.
func (e *Engine) Submit(ctx context.Context, req *Request) *SubmitResult {
	if fields := req.Validate(); len(fields) > 0 {
		e.countSubmission("validation")
		return &SubmitResult{
			RequestID: req.RequestID,
			ErrorKind: "validation",
			Detail:    "invalid request fields",
			Fields:    fields,
		}
	}

	now := time.Now()
	rec, fresh := e.store.BeginOrGet(req.RequestID, idempotency.Meta{SubmittedAt: now})
	if !fresh {
		return e.duplicateResult(req.RequestID, rec)
	}

	job := queue.NewJob(req.RequestID, transport.Payload{
		To:      req.To,
		Subject: req.Subject,
		Body:    req.Body,
	}, req.Priority, time.Duration(req.DelayMs)*time.Millisecond, e.cfg.MaxAttemptsPerTransport, now)

	if e.cfg.EnableQueue {
		if err := e.queue.Enqueue(job); err != nil {
			// The request never entered the queue; drop the fresh record
			// so a later replay is not stuck pending until the TTL.
			e.store.Delete(req.RequestID)
			e.countSubmission("rejected")
			return &SubmitResult{
				RequestID: req.RequestID,
				ErrorKind: "shutdown",
				Detail:    err.Error(),
			}
		}
		e.countSubmission("queued")
		return &SubmitResult{
			Accepted:  true,
			Status:    StatusQueued,
			RequestID: req.RequestID,
			JobID:     job.ID.String(),
		}
	}

	// Synchronous mode: run the attempt inline and report the terminal
	// outcome directly.
	res, info, err := e.attempt(ctx, job)
	if err != nil {
		info = &transport.ErrorInfo{Kind: transport.Transient, Code: "ENGINE_ERROR", Message: err.Error()}
		e.store.Fail(req.RequestID, info)
	}
	if res != nil {
		e.countSubmission("sent")
		return &SubmitResult{
			Accepted:  true,
			Status:    StatusSent,
			RequestID: req.RequestID,
			Transport: res.TransportName,
			MessageID: res.MessageID,
		}
	}
	e.countSubmission("failed")
	return &SubmitResult{
		Accepted:  true,
		Status:    StatusFailed,
		RequestID: req.RequestID,
		Error:     info,
	}
}

func (e *Engine) duplicateResult(requestID string, rec *idempotency.Record) *SubmitResult {
	switch rec.Status {
	case idempotency.StatusCompleted:
		e.countSubmission("completed_cached")
		out := &SubmitResult{
			Accepted:  true,
			Status:    StatusCompletedCached,
			RequestID: requestID,
		}
		if rec.Result != nil {
			out.Transport = rec.Result.TransportName
			out.MessageID = rec.Result.MessageID
		}
		return out
	case idempotency.StatusFailed:
		e.countSubmission("failed_cached")
		return &SubmitResult{
			Accepted:  true,
			Status:    StatusFailedCached,
			RequestID: requestID,
			Error:     rec.ErrorInfo,
		}
	default:
		e.countSubmission("pending")
		return &SubmitResult{
			Accepted:  true,
			Status:    StatusPending,
			RequestID: requestID,
		}
	}
}

// attempt runs the full retry-and-fallback loop for one job. It is the
// queue handler; a non-nil error return means the attempt itself broke
// and the queue's safety-net retry may fire.
func (e *Engine) attempt(ctx context.Context, job *queue.Job) (*transport.Result, *transport.ErrorInfo, error) {
	var lastErr *transport.SendError

	for _, s := range e.senders {
		res, se, err := e.attemptTransport(ctx, s, job)
		if err != nil {
			return nil, nil, err
		}
		if res != nil {
			e.countDelivery("sent", res.TransportName)
			return res, nil, nil
		}
		if se.Kind == transport.PermanentGlobal {
			info := se.Info()
			e.store.Fail(job.RequestID, info)
			e.countDelivery("failed", s.Name())
			return nil, info, nil
		}
		// PermanentLocal or retries exhausted on this transport: fall
		// back to the next one.
		lastErr = se
	}

	info := &transport.ErrorInfo{
		Kind:    transport.Transient,
		Code:    "DELIVERY_EXHAUSTED",
		Message: "all transports exhausted",
	}
	if lastErr != nil {
		info = lastErr.Info()
	}
	e.store.Fail(job.RequestID, info)
	e.countDelivery("failed", "")
	if e.logger != nil {
		e.logger.Warn("delivery exhausted",
			zap.String("request_id", job.RequestID),
			zap.Int("attempts", job.Attempts),
			zap.String("code", info.Code))
	}
	return nil, info, nil
}

// attemptTransport drives the inner retry loop on one transport. It
// returns the result on success, the last classified failure when the
// engine should move on to the next transport, or an error when the
// attempt was cancelled.
func (e *Engine) attemptTransport(ctx context.Context, s sender, job *queue.Job) (*transport.Result, *transport.SendError, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.InitialRetryDelay
	bo.MaxInterval = e.cfg.MaxRetryDelay
	bo.Multiplier = e.cfg.RetryMultiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	var last *transport.SendError
	for n := 1; n <= e.cfg.MaxAttemptsPerTransport; n++ {
		e.store.MarkAttempt(job.RequestID, s.Name(), time.Now())
		e.noteAttempt(job)

		res, err := s.Do(ctx, &job.Payload)
		if err == nil {
			e.countAttempt(s.Name(), "success")
			e.store.Complete(job.RequestID, res)
			return res, nil, nil
		}

		se := transport.AsSendError(err)
		last = se
		e.countAttempt(s.Name(), string(se.Kind))
		if e.logger != nil {
			e.logger.Debug("send attempt failed",
				zap.String("request_id", job.RequestID),
				zap.String("transport", s.Name()),
				zap.Int("attempt", n),
				zap.String("kind", string(se.Kind)),
				zap.String("code", se.Code))
		}

		switch se.Kind {
		case transport.PermanentGlobal, transport.PermanentLocal:
			return nil, se, nil
		}

		if n == e.cfg.MaxAttemptsPerTransport {
			break
		}

		// RetryAfter overrides the backoff wait for this attempt only;
		// the schedule still advances underneath.
		wait := bo.NextBackOff()
		if se.RetryAfter > 0 {
			wait = se.RetryAfter
		}
		if err := sleep(ctx, wait); err != nil {
			return nil, nil, err
		}
	}
	return nil, last, nil
}

func (e *Engine) noteAttempt(job *queue.Job) {
	if e.cfg.EnableQueue {
		e.queue.NoteAttempt(job)
		return
	}
	job.Attempts++
}

// sleep waits for d or until ctx is cancelled. Backoff sleeps must stay
// cancellable by shutdown.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) countSubmission(status string) {
	if e.metrics != nil {
		e.metrics.SubmissionsTotal.WithLabelValues(status).Inc()
	}
}

func (e *Engine) countAttempt(transportName, outcome string) {
	if e.metrics != nil {
		e.metrics.DeliveryAttemptsTotal.WithLabelValues(transportName, outcome).Inc()
	}
}

func (e *Engine) countDelivery(status, transportName string) {
	if e.metrics != nil {
		e.metrics.DeliveriesTotal.WithLabelValues(status, transportName).Inc()
	}
}

// ResetBreaker forces the named breaker closed; an empty name resets all.
func (e *Engine) ResetBreaker(name string) error {
	if name == "" {
		for _, b := range e.breakers {
			b.Reset()
		}
		return nil
	}
	b, ok := e.breakers[name]
	if !ok {
		return fmt.Errorf("unknown transport %q", name)
	}
	b.Reset()
	return nil
}

// ForceOpenBreaker trips the named breaker.
func (e *Engine) ForceOpenBreaker(name string) error {
	b, ok := e.breakers[name]
	if !ok {
		return fmt.Errorf("unknown transport %q", name)
	}
	b.ForceOpen()
	return nil
}

// BreakerStatuses returns a snapshot per transport, in transport order.
func (e *Engine) BreakerStatuses() []breaker.Status {
	out := make([]breaker.Status, 0, len(e.transports))
	for _, t := range e.transports {
		if b, ok := e.breakers[t.Name()]; ok {
			out = append(out, b.Status())
		}
	}
	return out
}

// ClearIdempotency drops every lifecycle record. Test hook.
func (e *Engine) ClearIdempotency() {
	e.store.Clear()
}

// QueueStats returns the queue snapshot.
func (e *Engine) QueueStats() queue.Stats {
	return e.queue.Stats()
}

// Ready reports whether the engine can accept and process submissions.
func (e *Engine) Ready(ctx context.Context) bool {
	if e.cfg.EnableQueue && !e.queue.Stats().IsProcessing {
		return false
	}
	return e.Healthy(ctx)
}

// Healthy reports whether every transport considers itself healthy.
func (e *Engine) Healthy(ctx context.Context) bool {
	for _, t := range e.transports {
		if !transport.Healthy(ctx, t) {
			return false
		}
	}
	return true
}
