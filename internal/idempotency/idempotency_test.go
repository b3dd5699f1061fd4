package idempotency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginFirstCallerIsNew(t *testing.T) {
	s := New(nil)
	isNew, prior := s.Begin("k1", time.Minute)
	assert.True(t, isNew)
	assert.Nil(t, prior)
}

func TestBeginSecondCallerSeesPriorOutcome(t *testing.T) {
	s := New(nil)
	_, _ = s.Begin("k1", time.Minute)
	s.Commit("k1", &Outcome{PromptID: "p-1", TraceID: "t-1"})

	isNew, prior := s.Begin("k1", time.Minute)
	require.False(t, isNew)
	require.NotNil(t, prior)
	assert.Equal(t, "p-1", prior.PromptID)
}

func TestBeginExpiredEntryIsTreatedAsFresh(t *testing.T) {
	s := New(nil)
	_, _ = s.Begin("k1", time.Millisecond)
	s.Commit("k1", &Outcome{PromptID: "p-1"})
	time.Sleep(5 * time.Millisecond)

	isNew, prior := s.Begin("k1", time.Minute)
	assert.True(t, isNew)
	assert.Nil(t, prior)
}

func TestWaitResolvesAfterCommit(t *testing.T) {
	s := New(nil, WithWait(time.Second))
	_, _ = s.Begin("k1", time.Minute)

	done := make(chan struct{})
	var got *Outcome
	var ok bool
	go func() {
		got, ok = s.Wait("k1", done)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	s.Commit("k1", &Outcome{PromptID: "p-2"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not resolve")
	}
	require.True(t, ok)
	require.NotNil(t, got)
	assert.Equal(t, "p-2", got.PromptID)
}

func TestWaitTimesOutWithoutCommit(t *testing.T) {
	s := New(nil, WithWait(20*time.Millisecond))
	_, _ = s.Begin("k1", time.Minute)

	got, ok := s.Wait("k1", make(chan struct{}))
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestMaxSizeSweepsExpiredBeforeEvicting(t *testing.T) {
	s := New(nil, WithMaxSize(1))
	_, _ = s.Begin("k1", time.Nanosecond)
	time.Sleep(2 * time.Millisecond)

	isNew, _ := s.Begin("k2", time.Minute)
	assert.True(t, isNew)
}

func TestForgetRemovesEntry(t *testing.T) {
	s := New(nil)
	_, _ = s.Begin("k1", time.Minute)
	s.Forget("k1")
	isNew, prior := s.Begin("k1", time.Minute)
	assert.True(t, isNew)
	assert.Nil(t, prior)
}
