// Package callback is the callback watcher (component J): it polls the
// render engine for completion of submitted prompts and delivers the
// result to the caller-supplied callback URL, with per-destination
// circuit breaking and bounded retry, falling back to a dead-letter log
// when delivery is exhausted.
package callback

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openclaw/controlplane/domain/jobspec"
	"github.com/openclaw/controlplane/infrastructure/errors"
	"github.com/openclaw/controlplane/infrastructure/logging"
	"github.com/openclaw/controlplane/infrastructure/resilience"
	"github.com/openclaw/controlplane/internal/renderengine"
	"github.com/openclaw/controlplane/internal/safeio"
)

// State is the lifecycle of one watched job.
type State string

const (
	StateWatching   State = "watching"
	StateReady      State = "ready"
	StateDelivering State = "delivering"
	StateDelivered  State = "delivered"
	StateDeadLetter State = "dead_letter"
)

// RenderEngine is the subset of the render-engine client the watcher needs.
type RenderEngine interface {
	History(ctx context.Context, promptID string) (*renderengine.HistoryEntry, error)
	ViewURL(o renderengine.Output) string
}

// SecretResolver maps a callback's SecretRef to the raw HMAC secret.
type SecretResolver func(secretRef string) (string, error)

// DeadLetterEntry is one permanently-failed delivery retained for the
// observability API.
type DeadLetterEntry struct {
	JobID     string    `json:"job_id"`
	PromptID  string    `json:"prompt_id"`
	URL       string    `json:"url"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// watched is one in-flight job under observation.
type watched struct {
	job      jobspec.JobSpec
	promptID string
	state    State
	attempts int
}

// Watcher polls the render engine and delivers completed results.
type Watcher struct {
	mu           sync.Mutex
	items        map[string]*watched // keyed by promptID
	engine       RenderEngine
	safeClient   *safeio.Client
	policy       safeio.Policy
	secrets      SecretResolver
	breakers     map[string]*resilience.CircuitBreaker
	breakersMu   sync.Mutex
	pollInterval time.Duration
	maxAttempts  int
	deadLetters  []DeadLetterEntry
	maxDeadLetters int
	log          *logrus.Entry
}

// Config configures a Watcher.
type Config struct {
	PollInterval   time.Duration
	MaxAttempts    int
	MaxDeadLetters int // default 500
	Policy         safeio.Policy
}

// New constructs a Watcher.
func New(engine RenderEngine, safeClient *safeio.Client, secrets SecretResolver, cfg Config, log *logrus.Entry) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxDeadLetters <= 0 {
		cfg.MaxDeadLetters = 500
	}
	return &Watcher{
		items:          make(map[string]*watched),
		engine:         engine,
		safeClient:     safeClient,
		policy:         cfg.Policy,
		secrets:        secrets,
		breakers:       make(map[string]*resilience.CircuitBreaker),
		pollInterval:   cfg.PollInterval,
		maxAttempts:    cfg.MaxAttempts,
		maxDeadLetters: cfg.MaxDeadLetters,
		log:            log,
	}
}

// Watch registers job (already submitted, with PromptID populated) for
// completion polling and callback delivery.
func (w *Watcher) Watch(job jobspec.JobSpec) {
	if job.PromptID == "" || job.Callback == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items[job.PromptID] = &watched{job: job, promptID: job.PromptID, state: StateWatching}
}

// Run blocks polling all watched jobs until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watcher) tick(ctx context.Context) {
	w.mu.Lock()
	pending := make([]*watched, 0, len(w.items))
	for _, it := range w.items {
		if it.state == StateWatching {
			pending = append(pending, it)
		}
	}
	w.mu.Unlock()

	for _, it := range pending {
		entry, err := w.engine.History(ctx, it.promptID)
		if err != nil {
			if w.log != nil {
				w.log.WithError(err).WithField("prompt_id", it.promptID).Warn("callback watcher: history poll failed")
			}
			continue
		}
		if !entry.Complete {
			continue
		}

		w.mu.Lock()
		it.state = StateReady
		w.mu.Unlock()

		w.deliver(ctx, it, entry)
	}
}

func (w *Watcher) deliver(ctx context.Context, it *watched, entry *renderengine.HistoryEntry) {
	w.mu.Lock()
	it.state = StateDelivering
	w.mu.Unlock()

	payload := map[string]interface{}{
		"job_id":    it.job.JobID,
		"prompt_id": it.promptID,
		"trace_id":  it.job.TraceID,
		"error":     entry.Error,
	}
	var urls []string
	for _, o := range entry.Outputs {
		urls = append(urls, w.engine.ViewURL(o))
	}
	payload["outputs"] = urls
	body, _ := json.Marshal(payload)

	cb := it.job.Callback
	cbErr := resilience.Retry(ctx, resilience.RetryConfig{
		MaxAttempts:  cb.MaxAttempts,
		InitialDelay: time.Duration(cb.BackoffBaseMS) * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}, func() error {
		it.attempts++
		sendErr := w.breakerFor(cb.URL).Execute(ctx, func() error {
			return w.send(ctx, cb, body)
		})
		if w.log != nil {
			logging.LogCallbackAttempt(w.log, it.job.JobID, cb.URL, it.attempts, sendErr)
		}
		return sendErr
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	if cbErr != nil {
		it.state = StateDeadLetter
		w.addDeadLetter(DeadLetterEntry{
			JobID:     it.job.JobID,
			PromptID:  it.promptID,
			URL:       cb.URL,
			LastError: cbErr.Error(),
			FailedAt:  time.Now(),
		})
		if w.log != nil {
			w.log.WithError(errors.CallbackDeadLetter(cb.URL, cbErr)).Error("callback delivery exhausted retries")
		}
		return
	}
	it.state = StateDelivered
	delete(w.items, it.promptID)
}

func (w *Watcher) send(ctx context.Context, cb *jobspec.CallbackDescriptor, body []byte) error {
	headers := http.Header{"Content-Type": []string{"application/json"}}

	switch cb.AuthMode {
	case jobspec.CallbackAuthHMAC:
		secret, err := w.secrets(cb.SecretRef)
		if err != nil {
			return err
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		headers.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
	case jobspec.CallbackAuthBearer:
		secret, err := w.secrets(cb.SecretRef)
		if err != nil {
			return err
		}
		headers.Set("Authorization", "Bearer "+secret)
	}

	resp, err := w.safeClient.Open(ctx, http.MethodPost, cb.URL, body, headers, w.policy)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (w *Watcher) breakerFor(url string) *resilience.CircuitBreaker {
	w.breakersMu.Lock()
	defer w.breakersMu.Unlock()
	cb, ok := w.breakers[url]
	if !ok {
		cb = resilience.New(resilience.LenientServiceCBConfig(nil))
		w.breakers[url] = cb
	}
	return cb
}

// addDeadLetter appends to the bounded dead-letter log, dropping the
// oldest entry once the cap is reached.
func (w *Watcher) addDeadLetter(e DeadLetterEntry) {
	w.deadLetters = append(w.deadLetters, e)
	if len(w.deadLetters) > w.maxDeadLetters {
		w.deadLetters = w.deadLetters[len(w.deadLetters)-w.maxDeadLetters:]
	}
}

// DeadLetters returns a snapshot of the dead-letter log, newest last.
func (w *Watcher) DeadLetters() []DeadLetterEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]DeadLetterEntry, len(w.deadLetters))
	copy(out, w.deadLetters)
	return out
}

// Pending reports how many jobs are still under watch.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}
