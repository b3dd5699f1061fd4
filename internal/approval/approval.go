// Package approval is the persisted approval-request store (component G):
// single-writer-per-ID mutation, a whitelisted state graph, and atomic
// whole-file JSON persistence, grounded on the same replace-and-rename
// discipline used for the rest of the control plane's durable state.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	domainapproval "github.com/openclaw/controlplane/domain/approval"
	"github.com/openclaw/controlplane/infrastructure/errors"
	"github.com/openclaw/controlplane/infrastructure/state"
)

// Store is the durable approval-request ledger. All mutating methods take
// a per-approval lock so concurrent decisions on the same ID serialize,
// while distinct IDs proceed independently.
type Store struct {
	mu          sync.RWMutex
	byID        map[string]*domainapproval.Request
	locks       map[string]*sync.Mutex
	persistPath string
	defaultTTL  time.Duration
	log         *logrus.Entry
}

// Option configures a Store at construction.
type Option func(*Store)

// WithPersistFile enables atomic whole-file JSON persistence to path.
func WithPersistFile(path string) Option {
	return func(s *Store) { s.persistPath = path }
}

// WithDefaultTTL sets the expiry horizon applied when a request is created
// without an explicit ExpiresAt.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Store) { s.defaultTTL = d }
}

// New constructs a Store, loading persisted state from disk if configured.
func New(log *logrus.Entry, opts ...Option) *Store {
	s := &Store{
		byID:       make(map[string]*domainapproval.Request),
		locks:      make(map[string]*sync.Mutex),
		defaultTTL: time.Hour,
		log:        log,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.persistPath != "" {
		if err := s.load(); err != nil && s.log != nil {
			s.log.WithError(err).Warn("approval store: failed to load persisted state")
		}
	}
	return s
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create registers a new pending approval request and returns its ID.
func (s *Store) Create(ctx context.Context, req domainapproval.Request) (string, error) {
	if req.ApprovalID == "" {
		req.ApprovalID = uuid.NewString()
	}
	req.Status = domainapproval.StatusPending
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = req.RequestedAt.Add(s.defaultTTL)
	}

	s.mu.Lock()
	s.byID[req.ApprovalID] = &req
	s.mu.Unlock()

	s.persist()
	return req.ApprovalID, nil
}

// Get fetches an approval by ID.
func (s *Store) Get(approvalID string) (*domainapproval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.byID[approvalID]
	if !ok {
		return nil, errors.NotFound("approval", approvalID)
	}
	cp := *req
	return &cp, nil
}

// ListFilter narrows List results; zero-value fields are not filtered on.
type ListFilter struct {
	Status Status
}

type Status = domainapproval.Status

// List returns approvals matching filter, newest-requested-first.
func (s *Store) List(filter ListFilter) []domainapproval.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domainapproval.Request, 0, len(s.byID))
	for _, req := range s.byID {
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		out = append(out, *req)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].RequestedAt.After(out[j-1].RequestedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// transition applies fn under the per-ID lock, enforcing the whitelisted
// state graph before and persisting after a successful mutation.
func (s *Store) transition(approvalID string, to domainapproval.Status, fn func(*domainapproval.Request) error) error {
	lock := s.lockFor(approvalID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	req, ok := s.byID[approvalID]
	if !ok {
		s.mu.Unlock()
		return errors.NotFound("approval", approvalID)
	}
	from := req.Status
	s.mu.Unlock()

	if !domainapproval.CanTransition(from, to) {
		return errors.ApprovalStateConflict(approvalID, string(from), string(to))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// re-check under write lock: from may have changed between the read above
	// and acquiring the write lock.
	req, ok = s.byID[approvalID]
	if !ok {
		return errors.NotFound("approval", approvalID)
	}
	if !domainapproval.CanTransition(req.Status, to) {
		return errors.ApprovalStateConflict(approvalID, string(req.Status), string(to))
	}
	if err := fn(req); err != nil {
		return err
	}
	req.Status = to
	s.persistLocked()
	return nil
}

// Approve marks a pending request approved. It does not execute the
// request and changes no state beyond approved.
func (s *Store) Approve(approvalID, decidedBy string) error {
	return s.transition(approvalID, domainapproval.StatusApproved, func(r *domainapproval.Request) error {
		// The approved->approved self-edge belongs to execute_fail only; a
		// repeat approve is a conflict.
		if r.Status != domainapproval.StatusPending {
			return errors.ApprovalStateConflict(approvalID, string(r.Status), string(domainapproval.StatusApproved))
		}
		r.DecidedBy = decidedBy
		r.DecidedAt = time.Now()
		return nil
	})
}

// Reject marks a pending request rejected with reason.
func (s *Store) Reject(approvalID, decidedBy, reason string) error {
	return s.transition(approvalID, domainapproval.StatusRejected, func(r *domainapproval.Request) error {
		r.DecidedBy = decidedBy
		r.DecidedAt = time.Now()
		r.RejectReason = reason
		return nil
	})
}

// MarkExecuted transitions an approved request to executed, recording the
// render engine's assigned prompt_id.
func (s *Store) MarkExecuted(approvalID, promptID string) error {
	return s.transition(approvalID, domainapproval.StatusExecuted, func(r *domainapproval.Request) error {
		r.PromptID = promptID
		r.LastError = ""
		return nil
	})
}

// MarkExecuteFailed loops an approved request back to approved with
// LastError populated, per the execute_fail self-edge.
func (s *Store) MarkExecuteFailed(approvalID string, execErr error) error {
	return s.transition(approvalID, domainapproval.StatusApproved, func(r *domainapproval.Request) error {
		if execErr != nil {
			r.LastError = execErr.Error()
		}
		return nil
	})
}

// SweepExpired transitions any pending request past its ExpiresAt to
// expired. Returns the number of requests expired.
func (s *Store) SweepExpired(now time.Time) int {
	s.mu.Lock()
	var ids []string
	for id, req := range s.byID {
		if req.Status == domainapproval.StatusPending && now.After(req.ExpiresAt) {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if err := s.transition(id, domainapproval.StatusExpired, func(r *domainapproval.Request) error { return nil }); err == nil {
			n++
		}
	}
	return n
}

func (s *Store) persist() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.persistLocked()
}

// persistLocked must be called with s.mu held (read or write).
func (s *Store) persistLocked() {
	if s.persistPath == "" {
		return
	}
	if err := state.SaveJSON(s.persistPath, s.byID); err != nil && s.log != nil {
		s.log.WithError(err).Error("approval store: persist failed")
	}
}

func (s *Store) load() error {
	var byID map[string]*domainapproval.Request
	found, err := state.LoadJSON(s.persistPath, &byID)
	if err != nil || !found {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = byID
	return nil
}
