// Package idempotency implements the TTL+size-bounded dedupe store keyed by
// caller-supplied idempotency keys (component C). A second concurrent caller
// for the same key either waits (bounded) for the first caller's outcome or
// is rejected with idempotency_in_flight once the wait budget is exhausted.
package idempotency

import (
	"sync"
	"time"

	"github.com/openclaw/controlplane/infrastructure/errors"
	"github.com/openclaw/controlplane/infrastructure/logging"
	"github.com/openclaw/controlplane/infrastructure/state"
)

// Outcome is whatever the first caller's admission produced, cached for
// replay. Admission packages populate this with their own result shape.
type Outcome struct {
	PromptID   string                 `json:"prompt_id,omitempty"`
	ApprovalID string                 `json:"approval_id,omitempty"`
	TraceID    string                 `json:"trace_id,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

type entry struct {
	firstSeen time.Time
	ttl       time.Duration
	committed bool
	outcome   *Outcome
	waiters   []chan struct{}
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.firstSeen) > e.ttl
}

// DefaultWait bounds how long a concurrent second caller blocks for the
// first caller's outcome before it is told to retry.
const DefaultWait = 5 * time.Second

// Store is the in-process dedupe table. It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	maxSize int
	wait    time.Duration
	logger  *logging.Logger

	persistPath string
}

// Option configures a Store.
type Option func(*Store)

// WithMaxSize bounds the number of tracked keys; once at capacity, expired
// entries are swept and then the entry seen first is evicted to make room.
// A replay of an evicted key is treated as fresh.
func WithMaxSize(n int) Option {
	return func(s *Store) { s.maxSize = n }
}

// WithWait overrides DefaultWait.
func WithWait(d time.Duration) Option {
	return func(s *Store) { s.wait = d }
}

// WithPersistFile enables restart-survivable dedupe (webhooks only, per
// spec) by loading/saving committed entries as JSON under path.
func WithPersistFile(path string) Option {
	return func(s *Store) { s.persistPath = path }
}

// New creates an idempotency Store.
func New(logger *logging.Logger, opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		wait:    DefaultWait,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.load()
	return s
}

// Begin registers key as in-flight. isNew reports whether this call is the
// first to see key within its TTL; when false, prior holds the first
// caller's cached outcome (if already committed) or the caller should use
// Wait to block for it.
func (s *Store) Begin(key string, ttl time.Duration) (isNew bool, prior *Outcome) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		if e.expired(now) {
			delete(s.entries, key)
		} else {
			if e.committed {
				return false, e.outcome
			}
			return false, nil
		}
	}

	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.sweepLocked(now)
		if len(s.entries) >= s.maxSize {
			if s.logger != nil {
				s.logger.WithField("max_size", s.maxSize).Warn("idempotency store at capacity")
			}
			// Evict the entry seen first to make room for key.
			var oldestKey string
			var oldest time.Time
			for k, e := range s.entries {
				if oldestKey == "" || e.firstSeen.Before(oldest) {
					oldestKey, oldest = k, e.firstSeen
				}
			}
			delete(s.entries, oldestKey)
		}
	}

	s.entries[key] = &entry{firstSeen: now, ttl: ttl}
	return true, nil
}

// Wait blocks until key's outcome is committed, the wait budget elapses, or
// doneCh fires, whichever comes first. Returns the outcome (nil on timeout)
// and whether it resolved before the deadline.
func (s *Store) Wait(key string, doneCh <-chan struct{}) (*Outcome, bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	if e.committed {
		out := e.outcome
		s.mu.Unlock()
		return out, true
	}
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	s.mu.Unlock()

	timer := time.NewTimer(s.wait)
	defer timer.Stop()

	select {
	case <-ch:
		s.mu.Lock()
		defer s.mu.Unlock()
		if e2, ok := s.entries[key]; ok && e2.committed {
			return e2.outcome, true
		}
		return nil, false
	case <-timer.C:
		return nil, false
	case <-doneCh:
		return nil, false
	}
}

// Commit records the outcome for key and wakes any waiters.
func (s *Store) Commit(key string, outcome *Outcome) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{firstSeen: time.Now(), ttl: 10 * time.Minute}
		s.entries[key] = e
	}
	e.committed = true
	e.outcome = outcome
	waiters := e.waiters
	e.waiters = nil
	s.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	s.save()
}

// Forget removes key, e.g. after a failed admission that should not suppress
// retries.
func (s *Store) Forget(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// InFlightError builds the idempotency_in_flight error with a small
// Retry-After hint, used when Wait times out without a committed outcome.
func InFlightError(key string) error {
	return errors.IdempotencyInFlight(key, 2*time.Second)
}

func (s *Store) sweepLocked(now time.Time) {
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
		}
	}
}

// Sweep evicts expired entries; intended to be called periodically.
func (s *Store) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.entries)
	s.sweepLocked(now)
	return before - len(s.entries)
}

// Size returns the number of tracked keys.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- optional persistence (webhooks only) ---

type persistedEntry struct {
	FirstSeen time.Time `json:"first_seen"`
	TTL       int64     `json:"ttl_ns"`
	Outcome   *Outcome  `json:"outcome,omitempty"`
}

func (s *Store) load() {
	if s.persistPath == "" {
		return
	}
	var persisted map[string]persistedEntry
	found, err := state.LoadJSON(s.persistPath, &persisted)
	if err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Warn("idempotency: failed to load persisted store")
		}
		return
	}
	if !found {
		return
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, pe := range persisted {
		e := &entry{firstSeen: pe.FirstSeen, ttl: time.Duration(pe.TTL), committed: pe.Outcome != nil, outcome: pe.Outcome}
		if !e.expired(now) {
			s.entries[k] = e
		}
	}
}

// save performs an atomic whole-file replace, matching the discipline used
// by the scheduler and approval stores for their state files.
func (s *Store) save() {
	if s.persistPath == "" {
		return
	}
	s.mu.Lock()
	persisted := make(map[string]persistedEntry, len(s.entries))
	for k, e := range s.entries {
		if !e.committed {
			continue
		}
		persisted[k] = persistedEntry{FirstSeen: e.firstSeen, TTL: int64(e.ttl), Outcome: e.outcome}
	}
	s.mu.Unlock()

	if err := state.SaveJSON(s.persistPath, persisted); err != nil && s.logger != nil {
		s.logger.WithError(err).Warn("idempotency: failed to persist store")
	}
}
