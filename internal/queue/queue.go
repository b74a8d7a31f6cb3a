package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mail-relay/internal/transport"
)

// Handler processes one job attempt. Exactly one of the three outcomes is
// meaningful: a non-nil result means delivered, a non-nil error info means
// terminally failed, and a non-nil error means the handler itself broke
// unexpectedly (which is the only thing the queue's own retry covers).
type Handler func(ctx context.Context, job *Job) (*transport.Result, *transport.ErrorInfo, error)

// Config holds queue tuning knobs.
type Config struct {
	MaxConcurrency     int
	PollInterval       time.Duration
	JobTimeout         time.Duration
	RetryBaseDelay     time.Duration
	MaxRetries         int
	StuckSweepInterval time.Duration
	HistoryLimit       int
	HistoryMaxAge      time.Duration
}

// DefaultConfig returns the stock queue tuning.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:     5,
		PollInterval:       time.Second,
		JobTimeout:         90 * time.Second,
		RetryBaseDelay:     5 * time.Second,
		MaxRetries:         2,
		StuckSweepInterval: time.Minute,
		HistoryLimit:       100,
		HistoryMaxAge:      24 * time.Hour,
	}
}

// Stats is a queue snapshot for admin queries.
type Stats struct {
	Queued       int   `json:"queued"`
	Processing   int   `json:"processing"`
	Completed    int   `json:"completed"`
	Failed       int   `json:"failed"`
	Concurrency  int   `json:"concurrency"`
	IsProcessing bool  `json:"is_processing"`
	QueueRetries int64 `json:"queue_retries"`
}

// ErrShuttingDown is returned by Enqueue once Stop has begun.
var ErrShuttingDown = errors.New("queue: shutting down")

// Queue is an in-process priority- and delay-aware job store with a
// bounded worker pool. Ready ordering: eligible jobs only
// (ExecuteNotBefore <= now), highest priority first, FIFO within a
// priority.
type Queue struct {
	cfg     Config
	logger  *zap.Logger
	handler Handler
	clock   func() time.Time

	mu           sync.Mutex
	pending      []*Job
	processing   map[uuid.UUID]*Job
	latest       map[string]*Job
	completed    []*Job
	failed       []*Job
	accepting    bool
	running      bool
	queueRetries int64

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// onQueueRetry fires when the queue-level safety-net retry kicks in,
	// e.g. to bump a metric.
	onQueueRetry func(job *Job)
	// onTerminal fires after every terminal transition, including the ones
	// the queue decides on its own (watchdog, stuck sweep, exhausted
	// retries), so the owner can mirror them into its own records.
	onTerminal func(job *Job)
}

// New creates a stopped queue; call Start to spin up workers.
func New(cfg Config, handler Handler, logger *zap.Logger) *Queue {
	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.StuckSweepInterval <= 0 {
		cfg.StuckSweepInterval = def.StuckSweepInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.HistoryMaxAge <= 0 {
		cfg.HistoryMaxAge = def.HistoryMaxAge
	}
	return &Queue{
		cfg:        cfg,
		logger:     logger,
		handler:    handler,
		clock:      time.Now,
		processing: make(map[uuid.UUID]*Job),
		latest:     make(map[string]*Job),
		accepting:  true,
		wake:       make(chan struct{}, 1),
	}
}

// WithClock overrides the time source, used by tests.
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

// OnQueueRetry registers a callback for queue-level retries.
func (q *Queue) OnQueueRetry(fn func(job *Job)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onQueueRetry = fn
}

// OnTerminal registers a callback fired once per job after it reaches a
// terminal state. Called outside the queue lock.
func (q *Queue) OnTerminal(fn func(job *Job)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onTerminal = fn
}

// Start launches the worker pool and the stuck-job sweeper.
func (q *Queue) Start() {
	ctx, cancel := context.WithCancel(context.Background())

	q.mu.Lock()
	q.cancel = cancel
	q.running = true
	q.mu.Unlock()

	for i := 0; i < q.cfg.MaxConcurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}

	q.wg.Add(1)
	go q.stuckSweeper(ctx)

	if q.logger != nil {
		q.logger.Info("job queue started",
			zap.Int("max_concurrency", q.cfg.MaxConcurrency),
			zap.Duration("job_timeout", q.cfg.JobTimeout))
	}
}

// Stop stops admitting jobs, halts the workers, and waits until ctx
// expires for in-flight attempts to finish. Remaining queued and retrying
// jobs are dropped; durability across restarts is not a goal here.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.accepting = false
	cancel := q.cancel
	q.running = false
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue admits a job. The job must be freshly built by NewJob.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	if !q.accepting {
		q.mu.Unlock()
		return ErrShuttingDown
	}
	job.Status = StatusQueued
	q.pending = append(q.pending, job)
	q.latest[job.RequestID] = job
	q.mu.Unlock()

	q.signal()
	return nil
}

// Latest returns a copy of the most recent job for requestID, from the
// active set or history, or nil.
func (q *Queue) Latest(requestID string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.latest[requestID]
	if !ok {
		return nil
	}
	return job.clone()
}

// NoteAttempt bumps the job's attempt counter under the queue lock so
// status snapshots never observe a torn write.
func (q *Queue) NoteAttempt(job *Job) {
	q.mu.Lock()
	job.Attempts++
	q.mu.Unlock()
}

// Stats returns a snapshot for admin queries.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queued:       len(q.pending),
		Processing:   len(q.processing),
		Completed:    len(q.completed),
		Failed:       len(q.failed),
		Concurrency:  q.cfg.MaxConcurrency,
		IsProcessing: q.running,
		QueueRetries: q.queueRetries,
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// worker pulls ready jobs until shutdown, idling on the wake channel or
// the nearest ExecuteNotBefore when nothing is eligible.
func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		job, wait := q.next()
		if job == nil {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-q.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		q.execute(ctx, job, id)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// next claims the best eligible job: highest priority among jobs whose
// ExecuteNotBefore has passed, FIFO within a priority. When nothing is
// eligible it returns the duration to sleep.
func (q *Queue) next() (*Job, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	best := -1
	var nearest time.Time

	for i, job := range q.pending {
		if job.ExecuteNotBefore.After(now) {
			if nearest.IsZero() || job.ExecuteNotBefore.Before(nearest) {
				nearest = job.ExecuteNotBefore
			}
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		b := q.pending[best]
		if job.Priority > b.Priority ||
			(job.Priority == b.Priority && job.SubmittedAt.Before(b.SubmittedAt)) {
			best = i
		}
	}

	if best == -1 {
		wait := q.cfg.PollInterval
		if !nearest.IsZero() {
			if d := nearest.Sub(now); d < wait {
				wait = d
			}
		}
		return nil, wait
	}

	job := q.pending[best]
	q.pending = append(q.pending[:best], q.pending[best+1:]...)
	job.Status = StatusProcessing
	started := now
	job.StartedAt = &started
	q.processing[job.ID] = job
	return job, 0
}

// execute runs the handler under the job timeout watchdog. A watchdog
// expiry is terminal (PROCESSING_TIMEOUT) and is never re-queued; engine
// shutdown instead puts the job back as queued.
func (q *Queue) execute(ctx context.Context, job *Job, workerID int) {
	attemptCtx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	defer cancel()

	type outcome struct {
		result *transport.Result
		info   *transport.ErrorInfo
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		res, info, err := q.handler(attemptCtx, job)
		done <- outcome{result: res, info: info, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.Canceled) && ctx.Err() != nil {
			q.requeueOnShutdown(job)
			return
		}
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) &&
			attemptCtx.Err() != nil && ctx.Err() == nil {
			// The handler surfaced the watchdog deadline itself.
			q.finish(job, StatusFailed, nil, &transport.ErrorInfo{
				Kind:    transport.Transient,
				Code:    "PROCESSING_TIMEOUT",
				Message: "job exceeded processing timeout",
			})
			return
		}
		switch {
		case out.result != nil:
			q.finish(job, StatusCompleted, out.result, nil)
		case out.info != nil:
			q.finish(job, StatusFailed, nil, out.info)
		case out.err != nil:
			q.handleUnexpected(job, out.err, workerID)
		default:
			// Handler contract violation; treat as unexpected.
			q.handleUnexpected(job, errors.New("handler returned no outcome"), workerID)
		}

	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// Shutdown, not a watchdog expiry: leave the job queued.
			q.requeueOnShutdown(job)
			return
		}
		if q.logger != nil {
			q.logger.Warn("job watchdog fired",
				zap.String("job_id", job.ID.String()),
				zap.String("request_id", job.RequestID),
				zap.Int("worker_id", workerID))
		}
		q.finish(job, StatusFailed, nil, &transport.ErrorInfo{
			Kind:    transport.Transient,
			Code:    "PROCESSING_TIMEOUT",
			Message: "job exceeded processing timeout",
		})
	}
}

// handleUnexpected applies the queue-level safety-net retry for handler
// errors the engine did not classify itself.
func (q *Queue) handleUnexpected(job *Job, err error, workerID int) {
	q.mu.Lock()
	retry := job.QueueRetries < q.cfg.MaxRetries
	var hook func(job *Job)
	if retry {
		job.QueueRetries++
		q.queueRetries++
		job.Status = StatusRetrying
		job.ExecuteNotBefore = q.clock().Add(q.cfg.RetryBaseDelay * time.Duration(job.QueueRetries))
		job.StartedAt = nil
		delete(q.processing, job.ID)
		q.pending = append(q.pending, job)
		hook = q.onQueueRetry
	}
	q.mu.Unlock()

	if retry {
		if q.logger != nil {
			q.logger.Warn("queue-level retry scheduled",
				zap.String("job_id", job.ID.String()),
				zap.Int("queue_retries", job.QueueRetries),
				zap.Int("worker_id", workerID),
				zap.Error(err))
		}
		if hook != nil {
			hook(job)
		}
		q.signal()
		return
	}

	q.finish(job, StatusFailed, nil, &transport.ErrorInfo{
		Kind:    transport.Transient,
		Code:    "ENGINE_ERROR",
		Message: err.Error(),
	})
}

func (q *Queue) requeueOnShutdown(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, job.ID)
	job.Status = StatusQueued
	job.StartedAt = nil
	q.pending = append(q.pending, job)
}

// finish moves a job to terminal state and into the history rings.
func (q *Queue) finish(job *Job, status JobStatus, result *transport.Result, info *transport.ErrorInfo) {
	q.mu.Lock()
	if job.Terminal() {
		q.mu.Unlock()
		return
	}
	delete(q.processing, job.ID)
	job.Status = status
	job.Result = result
	job.LastError = info
	finished := q.clock()
	job.FinishedAt = &finished

	if status == StatusCompleted {
		q.completed = q.appendHistory(q.completed, job)
	} else {
		q.failed = q.appendHistory(q.failed, job)
	}
	hook := q.onTerminal
	q.mu.Unlock()

	if hook != nil {
		hook(job)
	}
}

// appendHistory adds to a bounded ring, pruning by count and age. Caller
// holds the lock.
func (q *Queue) appendHistory(ring []*Job, job *Job) []*Job {
	ring = append(ring, job)

	cutoff := q.clock().Add(-q.cfg.HistoryMaxAge)
	kept := ring[:0]
	for _, j := range ring {
		if j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			q.dropLatest(j)
			continue
		}
		kept = append(kept, j)
	}
	ring = kept

	for len(ring) > q.cfg.HistoryLimit {
		q.dropLatest(ring[0])
		ring = ring[1:]
	}
	return ring
}

// dropLatest removes the latest-job index entry if it points at j. Caller
// holds the lock.
func (q *Queue) dropLatest(j *Job) {
	if cur, ok := q.latest[j.RequestID]; ok && cur == j {
		delete(q.latest, j.RequestID)
	}
}

// SweepStuck fails processing jobs whose worker vanished (StartedAt +
// JobTimeout passed without a terminal transition). Returns the count.
// Safe to call directly in tests.
func (q *Queue) SweepStuck(now time.Time) int {
	q.mu.Lock()
	var stuck []*Job
	for _, job := range q.processing {
		if job.StartedAt != nil && job.StartedAt.Add(q.cfg.JobTimeout).Before(now) {
			stuck = append(stuck, job)
		}
	}
	q.mu.Unlock()

	for _, job := range stuck {
		q.finish(job, StatusFailed, nil, &transport.ErrorInfo{
			Kind:    transport.Transient,
			Code:    "PROCESSING_TIMEOUT",
			Message: "job abandoned in processing state",
		})
	}
	return len(stuck)
}

func (q *Queue) stuckSweeper(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.StuckSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := q.SweepStuck(q.clock()); n > 0 && q.logger != nil {
				q.logger.Warn("failed stuck jobs", zap.Int("count", n))
			}
		}
	}
}
