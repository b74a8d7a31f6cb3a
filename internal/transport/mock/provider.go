package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"mail-relay/internal/transport"
)

// Rates describes the stochastic outcome distribution of a simulated
// transport. Whatever probability is left after the failure rates is the
// success rate.
type Rates struct {
	Transient       float64
	RateLimited     float64
	PermanentLocal  float64
	PermanentGlobal float64
}

// Provider is a stochastic transport simulator. It never touches the
// network; it sleeps for the configured latency and rolls an outcome.
type Provider struct {
	name    string
	rates   Rates
	latency time.Duration

	mu      sync.Mutex
	rng     *rand.Rand
	healthy bool
}

// NewProvider creates a simulated transport with the given outcome rates.
func NewProvider(name string, rates Rates, latency time.Duration) *Provider {
	return &Provider{
		name:    name,
		rates:   rates,
		latency: latency,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		healthy: true,
	}
}

func (p *Provider) Name() string { return p.name }

// SetHealthy flips the simulated health flag, used by demos and tests.
func (p *Provider) SetHealthy(h bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = h
}

func (p *Provider) HealthCheck(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

func (p *Provider) Send(ctx context.Context, msg *transport.Payload) (*transport.Result, error) {
	// Simulate latency, bailing out if the attempt is cancelled.
	if p.latency > 0 {
		timer := time.NewTimer(p.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, &transport.SendError{
				Kind:    transport.Transient,
				Code:    "SEND_CANCELLED",
				Message: ctx.Err().Error(),
			}
		}
	}

	p.mu.Lock()
	r := p.rng.Float64()
	p.mu.Unlock()

	switch {
	case r < p.rates.PermanentGlobal:
		return nil, &transport.SendError{
			Kind:    transport.PermanentGlobal,
			Code:    "AUTHENTICATION_FAILED",
			Message: "simulated credential rejection",
		}
	case r < p.rates.PermanentGlobal+p.rates.PermanentLocal:
		return nil, &transport.SendError{
			Kind:    transport.PermanentLocal,
			Code:    "INVALID_EMAIL",
			Message: fmt.Sprintf("recipient %q rejected by %s", msg.To, p.name),
		}
	case r < p.rates.PermanentGlobal+p.rates.PermanentLocal+p.rates.RateLimited:
		return nil, &transport.SendError{
			Kind:       transport.RateLimited,
			Code:       "RATE_LIMITED",
			Message:    "simulated provider throttle",
			RetryAfter: 200 * time.Millisecond,
		}
	case r < p.rates.PermanentGlobal+p.rates.PermanentLocal+p.rates.RateLimited+p.rates.Transient:
		return nil, &transport.SendError{
			Kind:    transport.Transient,
			Code:    "NETWORK_ERROR",
			Message: "simulated temporary network error",
		}
	}

	return &transport.Result{
		TransportName: p.name,
		MessageID:     fmt.Sprintf("%s-%s", p.name, uuid.NewString()),
		FinishedAt:    time.Now(),
	}, nil
}
