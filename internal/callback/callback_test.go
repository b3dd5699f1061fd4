package callback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/controlplane/domain/jobspec"
	"github.com/openclaw/controlplane/internal/renderengine"
	"github.com/openclaw/controlplane/internal/safeio"
)

type fakeEngine struct {
	entries map[string]*renderengine.HistoryEntry
}

func (f *fakeEngine) History(ctx context.Context, promptID string) (*renderengine.HistoryEntry, error) {
	if e, ok := f.entries[promptID]; ok {
		return e, nil
	}
	return &renderengine.HistoryEntry{PromptID: promptID, Complete: false}, nil
}

func (f *fakeEngine) ViewURL(o renderengine.Output) string {
	return "http://render.local/view?filename=" + o.Filename
}

func newTestWatcher(t *testing.T, engine RenderEngine) *Watcher {
	t.Helper()
	safeClient := safeio.NewClient(nil, &http.Client{Timeout: 5 * time.Second})
	secrets := func(ref string) (string, error) { return "topsecret", nil }
	return New(engine, safeClient, secrets, Config{
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  2,
	}, logrus.NewEntry(logrus.New()))
}

func TestDeliversOnCompletion(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine := &fakeEngine{entries: map[string]*renderengine.HistoryEntry{
		"prompt-1": {PromptID: "prompt-1", Complete: true},
	}}
	w := newTestWatcher(t, engine)
	w.policy = safeio.Policy{AllowHTTP: true, AllowPrivate: true}

	w.Watch(jobspec.JobSpec{
		JobID:    "job-1",
		PromptID: "prompt-1",
		Callback: &jobspec.CallbackDescriptor{
			URL:           srv.URL,
			AuthMode:      jobspec.CallbackAuthNone,
			MaxAttempts:   2,
			BackoffBaseMS: 1,
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&received) == 1
	}, 500*time.Millisecond, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return w.Pending() == 0
	}, 500*time.Millisecond, 10*time.Millisecond)
}

func TestDeadLettersAfterExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	engine := &fakeEngine{entries: map[string]*renderengine.HistoryEntry{
		"prompt-2": {PromptID: "prompt-2", Complete: true},
	}}
	w := newTestWatcher(t, engine)
	w.policy = safeio.Policy{AllowHTTP: true, AllowPrivate: true}

	w.Watch(jobspec.JobSpec{
		JobID:    "job-2",
		PromptID: "prompt-2",
		Callback: &jobspec.CallbackDescriptor{
			URL:           srv.URL,
			AuthMode:      jobspec.CallbackAuthNone,
			MaxAttempts:   2,
			BackoffBaseMS: 1,
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return len(w.DeadLetters()) == 1
	}, 1*time.Second, 10*time.Millisecond)

	dl := w.DeadLetters()
	assert.Equal(t, "job-2", dl[0].JobID)
}
