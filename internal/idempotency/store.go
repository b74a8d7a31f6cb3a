package idempotency

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mail-relay/internal/transport"
)

// Status is the lifecycle state of a request id.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the per-requestId lifecycle entry. Completed and failed are
// terminal; a terminal record never goes back to pending.
type Record struct {
	RequestID        string
	Status           Status
	Attempts         int
	CurrentTransport string
	LastAttemptAt    *time.Time
	Result           *transport.Result
	ErrorInfo        *transport.ErrorInfo
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        time.Time
}

// Terminal reports whether the record reached a final state.
func (r *Record) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Meta is submission metadata stored with a fresh record. SubmittedAt
// becomes the record's CreatedAt; zero means "use the store clock".
type Meta struct {
	SubmittedAt time.Time
}

// Store maps request ids to lifecycle records with a TTL. All mutations
// hold the store lock, so BeginOrGet is the single atomic entry point
// that stops two submissions for the same id from both proceeding.
type Store struct {
	logger *zap.Logger
	ttl    time.Duration

	mu      sync.Mutex
	records map[string]*Record
	clock   func() time.Time
}

// NewStore creates a store whose records expire after ttl.
func NewStore(logger *zap.Logger, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		logger:  logger,
		ttl:     ttl,
		records: make(map[string]*Record),
		clock:   time.Now,
	}
}

// WithClock overrides the time source, used by tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// BeginOrGet returns the live record for requestID, creating a fresh
// pending one when none exists. fresh is true only for the caller that
// created the record. An expired record counts as absent.
func (s *Store) BeginOrGet(requestID string, meta Meta) (rec *Record, fresh bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if existing, ok := s.records[requestID]; ok && existing.ExpiresAt.After(now) {
		return snapshot(existing), false
	}

	createdAt := meta.SubmittedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	created := &Record{
		RequestID: requestID,
		Status:    StatusPending,
		CreatedAt: createdAt,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.records[requestID] = created
	return snapshot(created), true
}

// MarkAttempt records the start of one delivery attempt.
func (s *Store) MarkAttempt(requestID, transportName string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[requestID]
	if !ok {
		return
	}
	rec.Attempts++
	rec.CurrentTransport = transportName
	rec.LastAttemptAt = &at
	rec.UpdatedAt = s.clock()
}

// Complete transitions the record to completed. Idempotent: the first
// terminal value wins.
func (s *Store) Complete(requestID string, result *transport.Result) {
	s.terminal(requestID, StatusCompleted, result, nil)
}

// Fail transitions the record to failed. Idempotent: the first terminal
// value wins.
func (s *Store) Fail(requestID string, info *transport.ErrorInfo) {
	s.terminal(requestID, StatusFailed, nil, info)
}

func (s *Store) terminal(requestID string, status Status, result *transport.Result, info *transport.ErrorInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[requestID]
	if !ok || rec.Terminal() {
		return
	}
	rec.Status = status
	rec.Result = result
	rec.ErrorInfo = info
	rec.UpdatedAt = s.clock()
}

// Get returns a copy of the live record, or nil when absent or expired.
func (s *Store) Get(requestID string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[requestID]
	if !ok || !rec.ExpiresAt.After(s.clock()) {
		return nil
	}
	return snapshot(rec)
}

// Delete removes the record for requestID, if any. Used when a submission
// is rejected after its record was already created.
func (s *Store) Delete(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, requestID)
}

// SweepExpired removes records whose ExpiresAt has passed and returns the
// count. Safe to call directly in tests.
func (s *Store) SweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		if rec.ExpiresAt.Before(now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}

// Clear drops every record. Test hook.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record)
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Run sweeps expired records on a fixed interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.SweepExpired(s.clock()); n > 0 && s.logger != nil {
				s.logger.Info("swept expired idempotency records", zap.Int("removed", n))
			}
		}
	}
}

func snapshot(rec *Record) *Record {
	cp := *rec
	if rec.LastAttemptAt != nil {
		at := *rec.LastAttemptAt
		cp.LastAttemptAt = &at
	}
	if rec.Result != nil {
		res := *rec.Result
		cp.Result = &res
	}
	if rec.ErrorInfo != nil {
		info := *rec.ErrorInfo
		cp.ErrorInfo = &info
	}
	return &cp
}
