// Package scheduler is the cron/interval scheduler (component K). It
// persists Schedule/RunRecord state as atomic-replace JSON and drives a
// tick loop grounded on the same ticker/select pattern the rest of the
// control plane uses for background polling.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/openclaw/controlplane/domain/schedule"
	"github.com/openclaw/controlplane/infrastructure/state"
)

// TickInterval is how often the scheduler evaluates due schedules.
const TickInterval = 5 * time.Second

// Executor runs one fired schedule, returning the assigned prompt_id.
type Executor interface {
	Execute(ctx context.Context, sch schedule.Schedule, idemKey string) (promptID string, err error)
}

// Scheduler owns the persisted schedule set and its tick loop.
type Scheduler struct {
	mu            sync.Mutex
	schedules     map[string]*schedule.Schedule
	runs          []schedule.RunRecord
	maxSchedules  int
	maxRunRecords int
	maxCatchup    int
	jitterMax     time.Duration
	persistPath   string
	parser        cron.Parser
	executor      Executor
	stopCh        chan struct{}
	log           *logrus.Entry
}

// Config configures a Scheduler.
type Config struct {
	MaxSchedules     int // default 200
	MaxRunRecords    int // default 2000
	MaxCatchupPerTick int // default 1
	JitterMax        time.Duration
	PersistPath      string
}

// New constructs a Scheduler.
func New(executor Executor, cfg Config, log *logrus.Entry) *Scheduler {
	if cfg.MaxSchedules <= 0 {
		cfg.MaxSchedules = 200
	}
	if cfg.MaxRunRecords <= 0 {
		cfg.MaxRunRecords = 2000
	}
	if cfg.MaxCatchupPerTick <= 0 {
		cfg.MaxCatchupPerTick = 1
	}
	s := &Scheduler{
		schedules:     make(map[string]*schedule.Schedule),
		maxSchedules:  cfg.MaxSchedules,
		maxRunRecords: cfg.MaxRunRecords,
		maxCatchup:    cfg.MaxCatchupPerTick,
		jitterMax:     cfg.JitterMax,
		persistPath:   cfg.PersistPath,
		parser:        cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		executor:      executor,
		stopCh:        make(chan struct{}),
		log:           log,
	}
	if s.persistPath != "" {
		if err := s.load(); err != nil && s.log != nil {
			s.log.WithError(err).Warn("scheduler: failed to load persisted state")
		}
	}
	return s
}

// Create registers a new schedule, computing its first NextFireAt.
func (s *Scheduler) Create(sch schedule.Schedule) (string, error) {
	if sch.CronExpr == "" && sch.IntervalSeconds <= 0 {
		return "", fmt.Errorf("schedule requires either cron_expr or interval_seconds")
	}
	if sch.CronExpr != "" {
		if _, err := s.parser.Parse(sch.CronExpr); err != nil {
			return "", fmt.Errorf("invalid cron expression: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.schedules) >= s.maxSchedules {
		return "", fmt.Errorf("schedule limit of %d reached", s.maxSchedules)
	}

	if sch.ScheduleID == "" {
		sch.ScheduleID = uuid.NewString()
	}
	now := time.Now()
	sch.CreatedAt = now
	sch.UpdatedAt = now
	next, err := s.nextFireAfter(sch, now)
	if err != nil {
		return "", err
	}
	sch.NextFireAt = next

	cp := sch
	s.schedules[sch.ScheduleID] = &cp
	s.persistLocked()
	return sch.ScheduleID, nil
}

// Get returns a copy of one schedule.
func (s *Scheduler) Get(scheduleID string) (schedule.Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[scheduleID]
	if !ok {
		return schedule.Schedule{}, false
	}
	return *sch, true
}

// Update replaces a schedule's trigger spec, template binding, and enabled
// flag, recomputing NextFireAt from the new spec. Fire history is kept.
func (s *Scheduler) Update(scheduleID string, upd schedule.Schedule) error {
	if upd.CronExpr == "" && upd.IntervalSeconds <= 0 {
		return fmt.Errorf("schedule requires either cron_expr or interval_seconds")
	}
	if upd.CronExpr != "" {
		if _, err := s.parser.Parse(upd.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[scheduleID]
	if !ok {
		return fmt.Errorf("schedule %s not found", scheduleID)
	}
	now := time.Now()
	sch.CronExpr = upd.CronExpr
	sch.IntervalSeconds = upd.IntervalSeconds
	sch.TemplateID = upd.TemplateID
	sch.Inputs = upd.Inputs
	sch.Enabled = upd.Enabled
	sch.Concurrency = upd.Concurrency
	sch.SkipMissed = upd.SkipMissed
	sch.UpdatedAt = now
	next, err := s.nextFireAfter(*sch, now)
	if err != nil {
		return err
	}
	sch.NextFireAt = next
	s.persistLocked()
	return nil
}

// Delete removes a schedule.
func (s *Scheduler) Delete(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, scheduleID)
	s.persistLocked()
}

// SetEnabled toggles a schedule without losing its fire history.
func (s *Scheduler) SetEnabled(scheduleID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[scheduleID]
	if !ok {
		return fmt.Errorf("schedule %s not found", scheduleID)
	}
	sch.Enabled = enabled
	sch.UpdatedAt = time.Now()
	s.persistLocked()
	return nil
}

// List returns a snapshot of all schedules.
func (s *Scheduler) List() []schedule.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schedule.Schedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		out = append(out, *sch)
	}
	return out
}

// Runs returns a snapshot of recorded runs, most recent last.
func (s *Scheduler) Runs() []schedule.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schedule.RunRecord, len(s.runs))
	copy(out, s.runs)
	return out
}

// RunsFor returns the recorded runs for one schedule, oldest first.
func (s *Scheduler) RunsFor(scheduleID string) []schedule.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schedule.RunRecord
	for _, run := range s.runs {
		if run.ScheduleID == scheduleID {
			out = append(out, run)
		}
	}
	return out
}

func (s *Scheduler) nextFireAfter(sch schedule.Schedule, from time.Time) (time.Time, error) {
	if sch.CronExpr != "" {
		schd, err := s.parser.Parse(sch.CronExpr)
		if err != nil {
			return time.Time{}, err
		}
		return schd.Next(from), nil
	}
	return from.Add(time.Duration(sch.IntervalSeconds) * time.Second), nil
}

// Run blocks evaluating due schedules on TickInterval until ctx is
// cancelled or Stop is called, mirroring the ticker/select pattern used
// for the rest of the control plane's background loops.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop halts the tick loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	fired := 0
	for fired < s.maxCatchup {
		sch, fireTS, ok := s.nextDue(now)
		if !ok {
			return
		}
		s.fire(ctx, sch, fireTS, now)
		fired++
	}

	if _, _, more := s.nextDue(now); more && s.log != nil {
		s.log.Warn("scheduler: catch-up budget exhausted this tick, deferring remaining firings")
	}
}

// nextDue returns the due schedule with the earliest pending fire time. A
// schedule behind by several intervals stays due until its backlog drains
// (or, with SkipMissed, until the backlog is discarded), so catch-up
// produces one firing per missed fire time, each with its own fire_ts.
func (s *Scheduler) nextDue(now time.Time) (schedule.Schedule, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pick *schedule.Schedule
	for _, sch := range s.schedules {
		if !sch.Enabled || sch.NextFireAt.IsZero() || now.Before(sch.NextFireAt) {
			continue
		}
		if pick == nil || sch.NextFireAt.Before(pick.NextFireAt) {
			pick = sch
		}
	}
	if pick == nil {
		return schedule.Schedule{}, time.Time{}, false
	}
	return *pick, pick.NextFireAt, true
}

// fire executes one firing with the deterministic idempotency key
// hash(schedule_id, fire_ts), so a restart replaying the same window never
// double-submits and never produces a second RunRecord for the same fire.
func (s *Scheduler) fire(ctx context.Context, sch schedule.Schedule, fireTS, now time.Time) {
	idemKey := deterministicRunKey(sch.ScheduleID, fireTS)

	if s.hasRun(sch.ScheduleID, idemKey) {
		s.advance(sch.ScheduleID, fireTS, now)
		return
	}

	if s.jitterMax > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(s.jitterMax))))
	}

	run := schedule.RunRecord{
		RunID:      uuid.NewString(),
		ScheduleID: sch.ScheduleID,
		FireTS:     fireTS,
		IdemKey:    idemKey,
		Status:     schedule.RunRunning,
		CreatedAt:  now,
	}

	promptID, err := s.executor.Execute(ctx, sch, idemKey)
	if err != nil {
		run.Status = schedule.RunFailed
		run.Error = err.Error()
		if s.log != nil {
			s.log.WithError(err).WithField("schedule_id", sch.ScheduleID).Error("scheduler: execution failed")
		}
	} else {
		run.Status = schedule.RunSucceeded
		run.PromptID = promptID
	}

	s.mu.Lock()
	s.runs = append(s.runs, run)
	if len(s.runs) > s.maxRunRecords {
		s.runs = s.runs[len(s.runs)-s.maxRunRecords:]
	}
	s.mu.Unlock()
	s.advance(sch.ScheduleID, fireTS, now)
}

// hasRun reports whether a RunRecord with this idempotency key already
// exists (restart-recovery suppression).
func (s *Scheduler) hasRun(scheduleID, idemKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.ScheduleID == scheduleID && run.IdemKey == idemKey {
			return true
		}
	}
	return false
}

// advance moves a schedule's NextFireAt past the fired slot: from the fired
// slot itself normally, or from now when SkipMissed discards the backlog.
func (s *Scheduler) advance(scheduleID string, fireTS, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, ok := s.schedules[scheduleID]
	if !ok {
		return
	}
	base := fireTS
	if live.SkipMissed {
		base = now
	}
	next, err := s.nextFireAfter(*live, base)
	if err == nil {
		live.NextFireAt = next
	}
	if fireTS.After(live.LastTickTS) {
		live.LastTickTS = fireTS
	}
	s.persistLocked()
}

// deterministicRunKey derives a stable idempotency key from the schedule
// and its fire timestamp so a retried/duplicated tick never double-fires.
func deterministicRunKey(scheduleID string, fireTS time.Time) string {
	h := sha256.New()
	h.Write([]byte(scheduleID))
	h.Write([]byte(fireTS.UTC().Format(time.RFC3339)))
	return "sched:" + hex.EncodeToString(h.Sum(nil))[:32]
}

type persistedState struct {
	Schedules map[string]*schedule.Schedule `json:"schedules"`
	Runs      []schedule.RunRecord          `json:"runs"`
}

func (s *Scheduler) persistLocked() {
	if s.persistPath == "" {
		return
	}
	if err := state.SaveJSON(s.persistPath, persistedState{Schedules: s.schedules, Runs: s.runs}); err != nil && s.log != nil {
		s.log.WithError(err).Error("scheduler: persist failed")
	}
}

func (s *Scheduler) load() error {
	var persisted persistedState
	found, err := state.LoadJSON(s.persistPath, &persisted)
	if err != nil || !found {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if persisted.Schedules != nil {
		s.schedules = persisted.Schedules
	}
	s.runs = persisted.Runs
	return nil
}
