// Package budget implements the concurrency/budget gate (component H):
// per-source in-flight permit caps and Retry-After issuance when a cap is
// exhausted. The render-size cap itself is enforced by the template
// registry post-render; this package only guards in-flight concurrency.
package budget

import (
	"sync"
	"time"

	"github.com/openclaw/controlplane/infrastructure/errors"
)

// Source identifies which named counter a permit is drawn from.
type Source string

const (
	SourceWebhook   Source = "webhook"
	SourceBridge    Source = "bridge"
	SourceScheduler Source = "scheduler"
	SourceApproval  Source = "approval"
	SourceAdmin     Source = "admin"
)

// DefaultCaps matches the spec's suggested defaults: total=2, webhook=1,
// bridge=1 (interpreted as "in addition to the shared total cap").
func DefaultCaps() Caps {
	return Caps{Total: 2, Webhook: 1, Bridge: 1}
}

// Caps configures the named in-flight counters.
type Caps struct {
	Total   int
	Webhook int
	Bridge  int
}

type counter struct {
	mu       sync.Mutex
	limit    int
	inFlight int
	released chan struct{} // closed+replaced each time a permit frees up
}

func newCounter(limit int) *counter {
	if limit <= 0 {
		limit = 1
	}
	return &counter{limit: limit, released: make(chan struct{})}
}

func (c *counter) tryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight >= c.limit {
		return false
	}
	c.inFlight++
	return true
}

func (c *counter) release() {
	c.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	ch := c.released
	c.released = make(chan struct{})
	c.mu.Unlock()
	close(ch)
}

// minWaitEstimate is the floor used for Retry-After when no better estimate
// of the earliest release is available.
const minWaitEstimate = 500 * time.Millisecond

// Gate owns the total and per-source in-flight counters.
type Gate struct {
	total   *counter
	webhook *counter
	bridge  *counter
}

// New builds a Gate from Caps.
func New(caps Caps) *Gate {
	if caps.Total <= 0 {
		caps = DefaultCaps()
	}
	return &Gate{
		total:   newCounter(caps.Total),
		webhook: newCounter(caps.Webhook),
		bridge:  newCounter(caps.Bridge),
	}
}

func (g *Gate) sourceCounter(src Source) *counter {
	switch src {
	case SourceWebhook:
		return g.webhook
	case SourceBridge:
		return g.bridge
	default:
		return nil
	}
}

// Permit is returned by Acquire; callers MUST call Release exactly once on
// every exit path (success or error) so a single helper owns the release
// discipline and no code path can forget it.
type Permit struct {
	gate    *Gate
	source  Source
	scoped  *counter
	release sync.Once
}

// Release returns both the per-source and total permits. Safe to call more
// than once; only the first call has effect.
func (p *Permit) Release() {
	p.release.Do(func() {
		if p.scoped != nil {
			p.scoped.release()
		}
		p.gate.total.release()
	})
}

// Acquire attempts to reserve one permit from both the total counter and,
// if src has one, its scoped counter. On refusal it returns a
// budget_exceeded error carrying a Retry-After estimate.
func (g *Gate) Acquire(src Source) (*Permit, error) {
	scoped := g.sourceCounter(src)

	if scoped != nil {
		if !scoped.tryAcquire() {
			return nil, errors.BudgetExceeded(string(src), minWaitEstimate)
		}
	}

	if !g.total.tryAcquire() {
		if scoped != nil {
			scoped.release()
		}
		return nil, errors.BudgetExceeded(string(src), minWaitEstimate)
	}

	return &Permit{gate: g, source: src, scoped: scoped}, nil
}

// InFlight reports the current total and per-source in-flight counts, for
// the admin/observability surface.
func (g *Gate) InFlight() (total, webhook, bridge int) {
	g.total.mu.Lock()
	total = g.total.inFlight
	g.total.mu.Unlock()
	g.webhook.mu.Lock()
	webhook = g.webhook.inFlight
	g.webhook.mu.Unlock()
	g.bridge.mu.Lock()
	bridge = g.bridge.inFlight
	g.bridge.mu.Unlock()
	return
}
