// Package llm is the LLM failover layer (component L): a closed set of
// provider candidates tried in adaptively-scored order, with per-
// (provider,model) cooldowns, storm-control dedupe, circuit breaking, and
// SSE-shaped streaming events fed into the trace bus.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/openclaw/controlplane/infrastructure/errors"
	"github.com/openclaw/controlplane/infrastructure/logging"
	"github.com/openclaw/controlplane/infrastructure/resilience"
	"github.com/openclaw/controlplane/internal/trace"
)

// Provider is the closed set of supported LLM backends.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderLocal     Provider = "local"
	ProviderCustom    Provider = "custom"
)

// FailureClass is the error classification taxonomy from spec §4.L.
type FailureClass string

const (
	ClassNone           FailureClass = ""
	ClassAuth           FailureClass = "auth"
	ClassBilling        FailureClass = "billing"
	ClassRateLimit      FailureClass = "rate_limit"
	ClassTimeout        FailureClass = "timeout"
	ClassServerError    FailureClass = "server_error"
	ClassInvalidRequest FailureClass = "invalid_request"
)

const (
	authCooldown        = 15 * time.Minute
	timeoutCooldown     = 30 * time.Second
	serverErrorCooldown = 45 * time.Second
	stormDedupeWindow   = 5 * time.Second
	defaultRequestTimeout = 120 * time.Second
)

// Candidate is one (provider, model) failover target, ordered by caller
// preference before adaptive scoring reorders it.
type Candidate struct {
	Provider Provider
	Model    string
	BaseURL  string
	APIKey   string
}

func (c Candidate) key() string { return string(c.Provider) + ":" + c.Model }

// CooldownEntry tracks the adaptive state for one (provider, model) pair.
type CooldownEntry struct {
	Until               time.Time
	ConsecutiveFailures int
	Score               float64 // biases ordering among non-cooled-down candidates; starts at 1.0
}

func (e CooldownEntry) inCooldown(now time.Time) bool { return now.Before(e.Until) }

// Request is one completion/streaming request issued against the failover
// chain.
type Request struct {
	TraceID string
	Prompt  string
	Extra   map[string]interface{}
}

// StreamEventType is one of the closed SSE-shaped event kinds.
type StreamEventType string

const (
	EventStage    StreamEventType = "stage"
	EventDelta    StreamEventType = "delta"
	EventFinal    StreamEventType = "final"
	EventError    StreamEventType = "error"
	EventKeepalive StreamEventType = "keepalive"
)

// StreamEvent is one unit of a streaming assist response.
type StreamEvent struct {
	Type StreamEventType
	Data string
}

// Transport performs the raw HTTP call to a candidate; swappable for tests.
type Transport interface {
	Do(ctx context.Context, c Candidate, req Request) (*http.Response, error)
}

type httpTransport struct{ client *http.Client }

func (t httpTransport) Do(ctx context.Context, c Candidate, req Request) (*http.Response, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"model":  c.Model,
		"prompt": req.Prompt,
		"extra":  req.Extra,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/complete", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	return t.client.Do(httpReq)
}

// Layer orchestrates provider selection, cooldowns, storm control, and
// circuit breaking across the failover chain.
type Layer struct {
	mu         sync.Mutex
	cooldowns  map[string]*CooldownEntry
	breakers   map[string]*resilience.CircuitBreaker
	stormUntil map[string]time.Time // key -> end of the storm dedupe window

	storm     sync.Map // key -> *stormWaiter, one in-flight leader per key
	transport Transport
	tracer    *trace.Store
	timeout   time.Duration
	logger    *logging.Logger
}

// SetLogger attaches a structured logger that records each failover
// candidate attempt via LogProviderCall. Optional; nil (the default) skips
// logging without affecting cooldown/circuit-breaker behavior.
func (l *Layer) SetLogger(log *logging.Logger) { l.logger = log }

// SetTimeout overrides the per-attempt deadline applied to every provider
// call. Zero or negative keeps the current value.
func (l *Layer) SetTimeout(d time.Duration) {
	if d > 0 {
		l.timeout = d
	}
}

func (l *Layer) logProviderCall(ctx context.Context, c Candidate, duration time.Duration, err error) {
	if l.logger == nil {
		return
	}
	l.logger.LogProviderCall(ctx, string(c.Provider), c.Model, duration, err)
}

// stormWaiter carries the drained outcome of the leader's single call so
// coalesced followers never contend over one response body.
type stormWaiter struct {
	done   chan struct{}
	status int
	body   []byte
	err    error
}

// New constructs a failover Layer. tracer may be nil to disable event
// publication (e.g. in unit tests).
func New(transport Transport, tracer *trace.Store) *Layer {
	if transport == nil {
		transport = httpTransport{client: &http.Client{Timeout: defaultRequestTimeout}}
	}
	return &Layer{
		cooldowns:  make(map[string]*CooldownEntry),
		breakers:   make(map[string]*resilience.CircuitBreaker),
		stormUntil: make(map[string]time.Time),
		transport:  transport,
		tracer:     tracer,
		timeout:    defaultRequestTimeout,
	}
}

// Complete tries candidates in adaptively-scored order until one succeeds
// or all are exhausted, returning the final response body.
func (l *Layer) Complete(ctx context.Context, candidates []Candidate, req Request) (string, error) {
	ordered := l.order(candidates, req.TraceID)
	if len(ordered) == 0 {
		return "", errors.ProviderUnavailable("none", 0)
	}

	var lastErr error
	for _, c := range ordered {
		if l.inCooldown(c) {
			continue
		}

		attemptStart := time.Now()
		status, body, err := l.attempt(ctx, c, req)
		if err != nil {
			l.logProviderCall(ctx, c, time.Since(attemptStart), err)
			class, retryAfter := l.classify(err, nil)
			l.recordFailure(c, class, retryAfter)
			if class == ClassInvalidRequest {
				return "", errors.Wrap(errors.ErrCodeValidation, "invalid llm request", 400, err)
			}
			lastErr = err
			continue
		}

		class, retryAfter := l.classify(nil, &classifyInput{status: status, body: body})
		if class != ClassNone {
			classErr := fmt.Errorf("provider %s returned classified failure %s", c.key(), class)
			l.logProviderCall(ctx, c, time.Since(attemptStart), classErr)
			l.recordFailure(c, class, retryAfter)
			if class == ClassInvalidRequest {
				return "", errors.ValidationError("prompt", "provider rejected request")
			}
			lastErr = classErr
			continue
		}

		l.logProviderCall(ctx, c, time.Since(attemptStart), nil)
		l.recordSuccess(c)
		l.emit(req.TraceID, trace.KindStreamFinal, map[string]interface{}{"provider": string(c.Provider), "model": c.Model})
		return string(body), nil
	}

	retryAfter := l.earliestCooldownRelease(ordered)
	if lastErr != nil {
		return "", errors.ProviderUnavailable("all candidates exhausted", retryAfter)
	}
	return "", errors.ProviderUnavailable("all candidates in cooldown", retryAfter)
}

// attempt performs one provider call under the layer's per-attempt
// deadline. While a rate_limit storm window is open for the candidate,
// concurrent callers coalesce: one leader issues the call and publishes
// the drained outcome, the rest wait on it instead of hammering the
// freshly rate-limited provider.
func (l *Layer) attempt(ctx context.Context, c Candidate, req Request) (status int, body []byte, err error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	if !l.stormActive(c) {
		return l.doAttempt(ctx, c, req)
	}

	w := &stormWaiter{done: make(chan struct{})}
	if actual, loaded := l.storm.LoadOrStore(c.key(), w); loaded {
		shared := actual.(*stormWaiter)
		select {
		case <-shared.done:
			return shared.status, shared.body, shared.err
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
	}

	// Leader: perform the single coalesced call, publish its outcome, and
	// free the slot before returning.
	w.status, w.body, w.err = l.doAttempt(ctx, c, req)
	l.storm.Delete(c.key())
	close(w.done)
	return w.status, w.body, w.err
}

// doAttempt is one raw provider call through the candidate's circuit
// breaker, with the response body drained and closed before returning.
func (l *Layer) doAttempt(ctx context.Context, c Candidate, req Request) (status int, body []byte, err error) {
	resp, err := l.breakerFor(c).ExecuteHTTP(ctx, func() (*http.Response, error) {
		return l.transport.Do(ctx, c, req)
	})
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return 0, nil, readErr
	}
	return resp.StatusCode, b, nil
}

// stormActive reports whether the candidate's storm dedupe window is open.
func (l *Layer) stormActive(c Candidate) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Now().Before(l.stormUntil[c.key()])
}

// breakerHandle adapts CircuitBreaker.Execute (error-only) to return an
// *http.Response alongside the error via a closure-captured variable.
type breakerHandle struct{ cb *resilience.CircuitBreaker }

func (l *Layer) breakerFor(c Candidate) breakerHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	cb, ok := l.breakers[c.key()]
	if !ok {
		cb = resilience.New(resilience.DefaultServiceCBConfig(l.logger))
		l.breakers[c.key()] = cb
	}
	return breakerHandle{cb: cb}
}

func (h breakerHandle) ExecuteHTTP(ctx context.Context, fn func() (*http.Response, error)) (*http.Response, error) {
	var resp *http.Response
	err := h.cb.Execute(ctx, func() error {
		r, err := fn()
		resp = r
		return err
	})
	return resp, err
}

type classifyInput struct {
	status int
	body   []byte
}

// classify maps a transport error or an HTTP status+body into a
// FailureClass and a Retry-After hint per spec §4.L.
func (l *Layer) classify(transportErr error, in *classifyInput) (FailureClass, time.Duration) {
	if transportErr != nil {
		return ClassTimeout, timeoutCooldown
	}
	if in == nil {
		return ClassNone, 0
	}

	switch {
	case in.status == http.StatusUnauthorized || in.status == http.StatusPaymentRequired:
		return ClassAuth, authCooldown
	case in.status == http.StatusTooManyRequests:
		return ClassRateLimit, rateLimitRetryAfter(in.body)
	case in.status >= 500:
		return ClassServerError, serverErrorCooldown
	case in.status >= 400:
		return ClassInvalidRequest, 0
	default:
		return ClassNone, 0
	}
}

// rateLimitRetryAfter extracts a retry hint from common provider JSON
// shapes (retry_after, x-ratelimit-reset*) without a full unmarshal.
func rateLimitRetryAfter(body []byte) time.Duration {
	if v := gjson.GetBytes(body, "retry_after"); v.Exists() {
		return time.Duration(v.Float() * float64(time.Second))
	}
	if v := gjson.GetBytes(body, "error.retry_after"); v.Exists() {
		return time.Duration(v.Float() * float64(time.Second))
	}
	for _, path := range []string{"x-ratelimit-reset", "x_ratelimit_reset_requests", "x_ratelimit_reset_tokens"} {
		if v := gjson.GetBytes(body, path); v.Exists() {
			if secs, err := strconv.ParseFloat(v.String(), 64); err == nil {
				return time.Duration(secs * float64(time.Second))
			}
		}
	}
	return 20 * time.Second
}

func (l *Layer) recordFailure(c Candidate, class FailureClass, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entryLocked(c)
	e.ConsecutiveFailures++
	e.Score = decayScore(e.Score)
	if retryAfter > 0 {
		// Cooldowns only ever advance: a racing lower-severity failure must
		// not shrink a longer window set by a concurrent attempt.
		until := time.Now().Add(retryAfter)
		if until.After(e.Until) {
			e.Until = until
		}
	}
	if class == ClassRateLimit {
		l.armStormLocked(c)
	}
	l.emit("", trace.KindCooldown, map[string]interface{}{
		"provider": string(c.Provider), "model": c.Model, "class": string(class),
		"retry_after_s": retryAfter.Seconds(),
	})
}

func (l *Layer) recordSuccess(c Candidate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entryLocked(c)
	e.ConsecutiveFailures = 0
	e.Score = growScore(e.Score)
	e.Until = time.Time{}
}

// entryLocked must be called with l.mu held.
func (l *Layer) entryLocked(c Candidate) *CooldownEntry {
	e, ok := l.cooldowns[c.key()]
	if !ok {
		e = &CooldownEntry{Score: 1.0}
		l.cooldowns[c.key()] = e
	}
	return e
}

// armStormLocked opens the dedupe window for stormDedupeWindow so
// concurrent callers coalesce onto one leader (see attempt) instead of all
// hammering the rate-limited candidate. Must be called with l.mu held.
func (l *Layer) armStormLocked(c Candidate) {
	until := time.Now().Add(stormDedupeWindow)
	if until.After(l.stormUntil[c.key()]) {
		l.stormUntil[c.key()] = until
	}
	l.emit("", trace.KindStormDrop, map[string]interface{}{"provider": string(c.Provider), "model": c.Model})
}

func decayScore(s float64) float64 {
	s -= 0.2
	if s < 0.05 {
		return 0.05
	}
	return s
}

func growScore(s float64) float64 {
	s += 0.1
	if s > 1.0 {
		return 1.0
	}
	return s
}

func (l *Layer) inCooldown(c Candidate) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.cooldowns[c.key()]
	if !ok {
		return false
	}
	return e.inCooldown(time.Now())
}

// order returns candidates sorted by descending adaptive score, with
// traceID used only as a deterministic tiebreaker seed so repeated calls
// with identical state never flap between equally-scored candidates.
func (l *Layer) order(candidates []Candidate, traceID string) []Candidate {
	l.mu.Lock()
	scores := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		e, ok := l.cooldowns[c.key()]
		if ok {
			scores[c.key()] = e.Score
		} else {
			scores[c.key()] = 1.0
		}
	}
	l.mu.Unlock()

	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := scores[out[i].key()], scores[out[j].key()]
		if si != sj {
			return si > sj
		}
		return seedLess(out[i].key(), out[j].key(), traceID)
	})
	return out
}

// seedLess provides a stable deterministic tiebreak derived from traceID so
// selection among equally-scored candidates doesn't flap between calls.
func seedLess(a, b, traceID string) bool {
	ha := fnv32(a + traceID)
	hb := fnv32(b + traceID)
	return ha < hb
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

func (l *Layer) earliestCooldownRelease(candidates []Candidate) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	var earliest time.Duration = -1
	for _, c := range candidates {
		e, ok := l.cooldowns[c.key()]
		if !ok || !e.inCooldown(now) {
			return 0
		}
		d := e.Until.Sub(now)
		if earliest < 0 || d < earliest {
			earliest = d
		}
	}
	if earliest < 0 {
		return 0
	}
	return earliest
}

func (l *Layer) emit(traceID string, kind trace.Kind, payload map[string]interface{}) {
	if l.tracer == nil || traceID == "" {
		return
	}
	l.tracer.Append(traceID, kind, payload)
}

// Stream runs Complete but reports progress as a lazy sequence of SSE-
// shaped events over the returned channel. On transport degradation the
// channel emits an `error` event and closes; the caller is expected to
// fall back to Complete and retry once per spec.
func (l *Layer) Stream(ctx context.Context, candidates []Candidate, req Request) <-chan StreamEvent {
	out := make(chan StreamEvent, 8)
	go func() {
		defer close(out)
		out <- StreamEvent{Type: EventStage, Data: "selecting_provider"}

		result, err := l.Complete(ctx, candidates, req)
		if err != nil {
			out <- StreamEvent{Type: EventError, Data: err.Error()}
			return
		}
		out <- StreamEvent{Type: EventDelta, Data: result}
		out <- StreamEvent{Type: EventFinal, Data: result}
	}()
	return out
}
