package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/controlplane/domain/schedule"
)

type countingExecutor struct {
	calls int32
}

func (e *countingExecutor) Execute(ctx context.Context, sch schedule.Schedule, idemKey string) (string, error) {
	atomic.AddInt32(&e.calls, 1)
	return "prompt-" + idemKey[:8], nil
}

func TestCreateRejectsInvalidCron(t *testing.T) {
	s := New(&countingExecutor{}, Config{}, logrus.NewEntry(logrus.New()))
	_, err := s.Create(schedule.Schedule{CronExpr: "not a cron expr", TemplateID: "sdxl-basic", Enabled: true})
	require.Error(t, err)
}

func TestCreateComputesNextFireForInterval(t *testing.T) {
	s := New(&countingExecutor{}, Config{}, logrus.NewEntry(logrus.New()))
	id, err := s.Create(schedule.Schedule{IntervalSeconds: 60, TemplateID: "sdxl-basic", Enabled: true})
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ScheduleID)
	assert.True(t, list[0].NextFireAt.After(time.Now()))
}

func TestTickFiresDueSchedule(t *testing.T) {
	exec := &countingExecutor{}
	s := New(exec, Config{}, logrus.NewEntry(logrus.New()))
	id, err := s.Create(schedule.Schedule{IntervalSeconds: 1, TemplateID: "sdxl-basic", Enabled: true})
	require.NoError(t, err)

	s.mu.Lock()
	s.schedules[id].NextFireAt = time.Now().Add(-time.Second)
	s.mu.Unlock()

	s.tick(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&exec.calls))
	runs := s.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, schedule.RunSucceeded, runs[0].Status)
}

func TestTickRespectsCatchupBudget(t *testing.T) {
	exec := &countingExecutor{}
	s := New(exec, Config{MaxCatchupPerTick: 1}, logrus.NewEntry(logrus.New()))
	id1, _ := s.Create(schedule.Schedule{IntervalSeconds: 1, TemplateID: "a", Enabled: true})
	id2, _ := s.Create(schedule.Schedule{IntervalSeconds: 1, TemplateID: "b", Enabled: true})

	s.mu.Lock()
	s.schedules[id1].NextFireAt = time.Now().Add(-time.Second)
	s.schedules[id2].NextFireAt = time.Now().Add(-time.Second)
	s.mu.Unlock()

	s.tick(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&exec.calls))
}

func TestGetReturnsCopy(t *testing.T) {
	s := New(&countingExecutor{}, Config{}, logrus.NewEntry(logrus.New()))
	id, err := s.Create(schedule.Schedule{IntervalSeconds: 60, TemplateID: "sdxl-basic", Enabled: true})
	require.NoError(t, err)

	sch, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, "sdxl-basic", sch.TemplateID)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestUpdateRebindsAndRecomputesNextFire(t *testing.T) {
	s := New(&countingExecutor{}, Config{}, logrus.NewEntry(logrus.New()))
	id, err := s.Create(schedule.Schedule{IntervalSeconds: 60, TemplateID: "a", Enabled: true})
	require.NoError(t, err)

	require.NoError(t, s.Update(id, schedule.Schedule{IntervalSeconds: 3600, TemplateID: "b", Enabled: false}))
	sch, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, "b", sch.TemplateID)
	assert.False(t, sch.Enabled)
	assert.True(t, sch.NextFireAt.After(time.Now().Add(30*time.Minute)))

	require.Error(t, s.Update(id, schedule.Schedule{TemplateID: "b"}), "missing trigger spec must be rejected")
	require.Error(t, s.Update("missing", schedule.Schedule{IntervalSeconds: 60}))
}

func TestRunsForFiltersBySchedule(t *testing.T) {
	exec := &countingExecutor{}
	s := New(exec, Config{MaxCatchupPerTick: 10}, logrus.NewEntry(logrus.New()))
	id1, _ := s.Create(schedule.Schedule{IntervalSeconds: 3600, TemplateID: "a", Enabled: true})
	id2, _ := s.Create(schedule.Schedule{IntervalSeconds: 3600, TemplateID: "b", Enabled: true})

	s.mu.Lock()
	s.schedules[id1].NextFireAt = time.Now().Add(-time.Second)
	s.schedules[id2].NextFireAt = time.Now().Add(-time.Second)
	s.mu.Unlock()

	s.tick(context.Background())

	require.Len(t, s.Runs(), 2)
	runs := s.RunsFor(id1)
	require.Len(t, runs, 1)
	assert.Equal(t, id1, runs[0].ScheduleID)
}

func TestCatchupFiresBackloggedSlotsWithDistinctFireTS(t *testing.T) {
	exec := &countingExecutor{}
	s := New(exec, Config{MaxCatchupPerTick: 3}, logrus.NewEntry(logrus.New()))
	id, _ := s.Create(schedule.Schedule{IntervalSeconds: 600, TemplateID: "a", Enabled: true})

	behind := time.Now().Add(-90 * time.Minute)
	s.mu.Lock()
	s.schedules[id].NextFireAt = behind
	s.mu.Unlock()

	s.tick(context.Background())

	runs := s.RunsFor(id)
	require.Len(t, runs, 3, "catch-up budget bounds firings per tick")
	seen := map[string]bool{}
	for i, run := range runs {
		assert.False(t, seen[run.IdemKey], "fire_ts %d reused an idempotency key", i)
		seen[run.IdemKey] = true
	}
	assert.Equal(t, behind.Add(10*time.Minute), runs[1].FireTS)
	assert.Equal(t, behind.Add(20*time.Minute), runs[2].FireTS)
}

func TestFireSuppressesAlreadyRecordedRun(t *testing.T) {
	exec := &countingExecutor{}
	s := New(exec, Config{MaxCatchupPerTick: 1}, logrus.NewEntry(logrus.New()))
	id, _ := s.Create(schedule.Schedule{IntervalSeconds: 3600, TemplateID: "a", Enabled: true})

	fireTS := time.Now().Add(-time.Second)
	s.mu.Lock()
	s.schedules[id].NextFireAt = fireTS
	s.mu.Unlock()

	s.tick(context.Background())
	require.Equal(t, int32(1), atomic.LoadInt32(&exec.calls))

	// A replayed window (restart recovery) re-offers the same fire slot; the
	// recorded run's idempotency key suppresses re-execution.
	s.mu.Lock()
	s.schedules[id].NextFireAt = fireTS
	s.mu.Unlock()
	s.tick(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&exec.calls))
	require.Len(t, s.RunsFor(id), 1)
}

func TestDeterministicRunKeyStableForSameInputs(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k1 := deterministicRunKey("sched-1", ts)
	k2 := deterministicRunKey("sched-1", ts)
	assert.Equal(t, k1, k2)
}
