package breaker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mail-relay/internal/transport"
)

// State is the circuit breaker mode.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDuration     time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenDuration:     30 * time.Second,
	}
}

// Status is a snapshot of breaker state for admin queries.
type Status struct {
	Transport            string     `json:"transport"`
	State                State      `json:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	OpenedUntil          *time.Time `json:"opened_until,omitempty"`
}

// Breaker wraps one transport and short-circuits it while open. Only
// transient and rate-limited failures count against the breaker; permanent
// failures pass through without touching the counters.
type Breaker struct {
	cfg    Config
	target transport.Transport
	logger *zap.Logger
	clock  func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	openedUntil time.Time

	onTransition func(name string, to State)
}

// New wraps target in a breaker.
func New(target transport.Transport, cfg Config, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	return &Breaker{
		cfg:    cfg,
		target: target,
		logger: logger,
		clock:  time.Now,
		state:  StateClosed,
	}
}

// WithClock overrides the time source, used by tests.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// OnTransition registers a callback fired after every state change, e.g.
// to bump a metric. Called with the breaker lock held, so keep it cheap.
func (b *Breaker) OnTransition(fn func(name string, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

func (b *Breaker) Name() string { return b.target.Name() }

// Do runs one send attempt through the breaker. While open it fails fast
// with a synthetic transient error whose RetryAfter is the remaining open
// window.
func (b *Breaker) Do(ctx context.Context, p *transport.Payload) (*transport.Result, error) {
	if err := b.admit(); err != nil {
		return nil, err
	}

	res, err := b.target.Send(ctx, p)
	if err != nil {
		b.recordFailure(transport.AsSendError(err))
		return nil, err
	}
	b.recordSuccess()
	return res, nil
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}

	now := b.clock()
	if now.Before(b.openedUntil) {
		return &transport.SendError{
			Kind:       transport.Transient,
			Code:       "CIRCUIT_OPEN",
			Message:    "circuit breaker open for " + b.target.Name(),
			RetryAfter: b.openedUntil.Sub(now),
		}
	}

	b.transition(StateHalfOpen)
	b.successes = 0
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) recordFailure(se *transport.SendError) {
	if !se.Retryable() {
		// Permanent failures say nothing about transport health.
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	}
}

// trip moves to open with a fresh window. Caller holds the lock.
func (b *Breaker) trip() {
	b.openedUntil = b.clock().Add(b.cfg.OpenDuration)
	b.successes = 0
	b.transition(StateOpen)
	if b.logger != nil {
		b.logger.Warn("circuit breaker opened",
			zap.String("transport", b.target.Name()),
			zap.Time("opened_until", b.openedUntil))
	}
}

// transition sets the state and fires the callback. Caller holds the lock.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.state = to
	if b.onTransition != nil {
		b.onTransition(b.target.Name(), to)
	}
}

// Status returns a snapshot for admin queries.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Transport:            b.target.Name(),
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
	}
	if b.state == StateOpen {
		until := b.openedUntil
		st.OpenedUntil = &until
	}
	return st
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failures = 0
	b.successes = 0
	b.openedUntil = time.Time{}
}

// ForceOpen trips the breaker regardless of recent results.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip()
}
