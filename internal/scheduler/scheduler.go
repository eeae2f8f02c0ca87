// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler turns workflow schedule specs into timed ready-queue
// insertions and drives bounded-concurrency dispatch. Supported spec kinds
// are iCalendar RRULE, 5-field cron, fixed interval, and one-shot.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/tombee/watchflow/internal/model"
	"github.com/tombee/watchflow/pkg/errors"
)

// DefaultMaxConcurrent bounds simultaneous dispatched runs.
const DefaultMaxConcurrent = 10

// conflictWindow is the gap below which two firings count as conflicting.
const conflictWindow = 5 * time.Minute

// RunFunc starts a run for a workflow. Supplied by the manager.
type RunFunc func(ctx context.Context, workflowID string, kind model.TriggerKind, triggeredBy string) error

// Config contains scheduler configuration.
type Config struct {
	// MaxConcurrent caps in-flight dispatched runs. Zero means the default.
	MaxConcurrent int `yaml:"max_concurrent_workflows"`
}

// entry is the scheduling state for one workflow.
type entry struct {
	workflowID string
	kind       model.ScheduleKind
	spec       string
	loc        *time.Location

	cron     *CronExpr
	rule     *rrule.RRule
	interval time.Duration

	next time.Time
}

// Conflict reports two workflows whose firings land close together.
type Conflict struct {
	WorkflowA string        `json:"workflow_a"`
	WorkflowB string        `json:"workflow_b"`
	TimeA     time.Time     `json:"time_a"`
	TimeB     time.Time     `json:"time_b"`
	Gap       time.Duration `json:"gap"`
	Severity  string        `json:"severity"` // high, medium, low
}

// Scheduler manages schedules, the ready queue, and dispatch.
type Scheduler struct {
	run           RunFunc
	logger        *slog.Logger
	maxConcurrent int

	mu       sync.Mutex
	entries  map[string]*entry
	queue    *readyQueue
	inflight map[string]bool
	blocked  map[string]*QueueItem // coalesced while the workflow runs
	active   int

	notify  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New creates a scheduler. The run callback is required.
func New(cfg Config, run RunFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Scheduler{
		run:           run,
		logger:        logger.With(slog.String("component", "scheduler")),
		maxConcurrent: maxConcurrent,
		entries:       make(map[string]*entry),
		queue:         newReadyQueue(),
		inflight:      make(map[string]bool),
		blocked:       make(map[string]*QueueItem),
		notify:        make(chan struct{}, 1),
	}
}

// Schedule installs or replaces the schedule for a workflow. Workflows with
// kind none are unscheduled.
func (s *Scheduler) Schedule(wf *model.Workflow) error {
	if wf.ScheduleKind == model.ScheduleNone || wf.ScheduleKind == "" {
		s.Unschedule(wf.ID)
		return nil
	}

	loc := time.UTC
	if wf.Timezone != "" {
		l, err := time.LoadLocation(wf.Timezone)
		if err != nil {
			return &errors.ValidationError{
				Field:      "timezone",
				Message:    "unknown timezone: " + wf.Timezone,
				Suggestion: "use an IANA zone name like America/New_York",
			}
		}
		loc = l
	}

	e := &entry{workflowID: wf.ID, kind: wf.ScheduleKind, spec: wf.ScheduleSpec, loc: loc}
	now := time.Now().In(loc)

	switch wf.ScheduleKind {
	case model.ScheduleCron:
		expr, err := ParseCron(wf.ScheduleSpec)
		if err != nil {
			return err
		}
		e.cron = expr
		e.next = expr.Next(now)

	case model.ScheduleRRule:
		opts, err := rrule.StrToROption(wf.ScheduleSpec)
		if err != nil {
			return &errors.ValidationError{
				Field:      "schedule_spec",
				Message:    "invalid rrule: " + err.Error(),
				Suggestion: "use iCalendar RRULE syntax, e.g. FREQ=DAILY;BYHOUR=9",
			}
		}
		if opts.Dtstart.IsZero() {
			opts.Dtstart = now
		}
		rule, err := rrule.NewRRule(*opts)
		if err != nil {
			return &errors.ValidationError{Field: "schedule_spec", Message: "invalid rrule: " + err.Error()}
		}
		e.rule = rule
		e.next = rule.After(now, false)

	case model.ScheduleInterval:
		d, err := parseInterval(wf.ScheduleSpec)
		if err != nil {
			return err
		}
		e.interval = d
		e.next = now.Add(d)

	case model.ScheduleOnce:
		at, err := time.Parse(time.RFC3339, wf.ScheduleSpec)
		if err != nil {
			return &errors.ValidationError{
				Field:      "schedule_spec",
				Message:    "once schedules take an RFC 3339 timestamp",
				Suggestion: "e.g. 2026-09-01T09:00:00Z",
			}
		}
		if at.Before(time.Now()) {
			return &errors.ValidationError{Field: "schedule_spec", Message: "one-shot time is in the past"}
		}
		e.next = at

	default:
		return &errors.ValidationError{Field: "schedule_kind", Message: "unknown schedule kind: " + string(wf.ScheduleKind)}
	}

	s.mu.Lock()
	s.entries[wf.ID] = e
	s.mu.Unlock()

	// Re-arm the loop timer so a spec shorter than the current wait is
	// honored without waiting out the old deadline.
	s.wake()

	s.logger.Info("workflow scheduled",
		slog.String("workflow_id", wf.ID),
		slog.String("kind", string(wf.ScheduleKind)),
		slog.Time("next_run", e.next))
	return nil
}

// Unschedule removes the workflow's schedule. Idempotent; queued and
// in-flight work is unaffected.
func (s *Scheduler) Unschedule(workflowID string) {
	s.mu.Lock()
	delete(s.entries, workflowID)
	s.mu.Unlock()
}

// NextRun returns the next firing instant, or nil when unscheduled.
func (s *Scheduler) NextRun(workflowID string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[workflowID]
	if !ok || e.next.IsZero() {
		return nil
	}
	next := e.next
	return &next
}

// Enqueue inserts a run request into the ready queue with the kind's
// default priority. Requests for a workflow that already has a pending or
// coalesced item are dropped; reports whether the request was queued.
func (s *Scheduler) Enqueue(workflowID string, kind model.TriggerKind, triggeredBy string) bool {
	item := &QueueItem{
		WorkflowID:  workflowID,
		Kind:        kind,
		TriggeredBy: triggeredBy,
		Priority:    PriorityForKind(kind),
		EnqueuedAt:  time.Now(),
	}

	s.mu.Lock()
	if _, coalesced := s.blocked[workflowID]; coalesced {
		s.mu.Unlock()
		return false
	}
	queued := s.queue.push(item)
	s.mu.Unlock()

	if queued {
		s.wake()
	}
	return queued
}

// Start begins the tick and dispatch loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop halts the loop and waits for it to exit. Runs already dispatched
// keep going; the manager owns their lifecycle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	timer := time.NewTimer(s.untilNextDue(time.Now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-timer.C:
			s.tick(now)
			s.dispatch(ctx)
			timer.Reset(s.untilNextDue(time.Now()))
		case <-s.notify:
			s.dispatch(ctx)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.untilNextDue(time.Now()))
		}
	}
}

// untilNextDue returns how long the loop may sleep before the earliest
// schedule fires, clamped to [1ms, 1s]. The one-second ceiling keeps the
// loop responsive without a notify path for every entry mutation; the floor
// stops an already-due entry from spinning the loop.
func (s *Scheduler) untilNextDue(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	wait := time.Second
	for _, e := range s.entries {
		if e.next.IsZero() {
			continue
		}
		if d := e.next.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// tick enqueues every due schedule and advances its next firing.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	var due []*QueueItem

	for id, e := range s.entries {
		if e.next.IsZero() || now.Before(e.next) {
			continue
		}

		kind := model.TriggerScheduled
		priority := PriorityScheduled
		if e.kind == model.ScheduleOnce {
			priority = PriorityManual
		}
		due = append(due, &QueueItem{
			WorkflowID:  id,
			Kind:        kind,
			TriggeredBy: "schedule:" + string(e.kind),
			Priority:    priority,
			EnqueuedAt:  now,
		})

		switch e.kind {
		case model.ScheduleCron:
			e.next = e.cron.Next(now.In(e.loc))
		case model.ScheduleRRule:
			e.next = e.rule.After(now.In(e.loc), false)
		case model.ScheduleInterval:
			e.next = now.Add(e.interval)
		case model.ScheduleOnce:
			delete(s.entries, id)
		}
	}

	for _, item := range due {
		if _, coalesced := s.blocked[item.WorkflowID]; coalesced {
			continue
		}
		s.queue.push(item)
	}
	s.mu.Unlock()
}

// dispatch drains the queue in priority order up to the concurrency cap.
// Items for workflows with an in-flight run are parked and requeued when
// that run finishes.
func (s *Scheduler) dispatch(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.active < s.maxConcurrent {
		item := s.queue.pop()
		if item == nil {
			return
		}
		if s.inflight[item.WorkflowID] {
			s.blocked[item.WorkflowID] = item
			continue
		}
		s.inflight[item.WorkflowID] = true
		s.active++
		go s.execute(ctx, item)
	}
}

func (s *Scheduler) execute(ctx context.Context, item *QueueItem) {
	defer s.finish(item.WorkflowID)

	if err := s.run(ctx, item.WorkflowID, item.Kind, item.TriggeredBy); err != nil {
		s.logger.Warn("dispatched run failed",
			slog.String("workflow_id", item.WorkflowID),
			slog.String("error", err.Error()))
	}
}

func (s *Scheduler) finish(workflowID string) {
	s.mu.Lock()
	delete(s.inflight, workflowID)
	s.active--
	if item, ok := s.blocked[workflowID]; ok {
		delete(s.blocked, workflowID)
		s.queue.push(item)
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// QueueDepth reports the number of pending queue items.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len() + len(s.blocked)
}

// ActiveCount reports in-flight dispatched runs.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NextRuns enumerates the firings of a workflow inside [from, until],
// capped at max, without mutating schedule state.
func (s *Scheduler) NextRuns(workflowID string, from, until time.Time, max int) []time.Time {
	s.mu.Lock()
	e, ok := s.entries[workflowID]
	s.mu.Unlock()
	if !ok || max <= 0 {
		return nil
	}
	return enumerateFirings(e, from, until, max)
}

func enumerateFirings(e *entry, from, until time.Time, max int) []time.Time {
	var out []time.Time
	switch e.kind {
	case model.ScheduleCron:
		t := from.In(e.loc)
		for len(out) < max {
			t = e.cron.Next(t)
			if t.IsZero() || t.After(until) {
				break
			}
			out = append(out, t)
		}
	case model.ScheduleRRule:
		for _, t := range e.rule.Between(from.In(e.loc), until.In(e.loc), true) {
			if len(out) >= max {
				break
			}
			out = append(out, t)
		}
	case model.ScheduleInterval:
		t := e.next
		for t.Before(from) {
			t = t.Add(e.interval)
		}
		for len(out) < max && !t.After(until) {
			out = append(out, t)
			t = t.Add(e.interval)
		}
	case model.ScheduleOnce:
		if !e.next.Before(from) && !e.next.After(until) {
			out = append(out, e.next)
		}
	}
	return out
}

// DetectConflicts reports firings of the given workflow within the range
// that land within five minutes of another scheduled workflow's firing.
// Severity: high under one minute, medium under three, low otherwise.
func (s *Scheduler) DetectConflicts(workflowID string, from, until time.Time) []Conflict {
	s.mu.Lock()
	target, ok := s.entries[workflowID]
	others := make([]*entry, 0, len(s.entries))
	for id, e := range s.entries {
		if id != workflowID {
			others = append(others, e)
		}
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	const maxFirings = 100
	mine := enumerateFirings(target, from, until, maxFirings)

	var conflicts []Conflict
	for _, other := range others {
		theirs := enumerateFirings(other, from, until, maxFirings)
		for _, a := range mine {
			for _, b := range theirs {
				gap := a.Sub(b)
				if gap < 0 {
					gap = -gap
				}
				if gap >= conflictWindow {
					continue
				}
				conflicts = append(conflicts, Conflict{
					WorkflowA: workflowID,
					WorkflowB: other.workflowID,
					TimeA:     a,
					TimeB:     b,
					Gap:       gap,
					Severity:  conflictSeverity(gap),
				})
			}
		}
	}

	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].TimeA.Before(conflicts[j].TimeA) })
	return conflicts
}

func conflictSeverity(gap time.Duration) string {
	switch {
	case gap < time.Minute:
		return "high"
	case gap < 3*time.Minute:
		return "medium"
	default:
		return "low"
	}
}

// parseInterval accepts a bare positive millisecond count or a Go duration
// string.
func parseInterval(spec string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(spec, 10, 64); err == nil {
		if ms <= 0 {
			return 0, &errors.ValidationError{Field: "schedule_spec", Message: "interval must be positive"}
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return 0, &errors.ValidationError{Field: "schedule_spec", Message: "interval must be positive"}
		}
		return d, nil
	}
	return 0, &errors.ValidationError{
		Field:      "schedule_spec",
		Message:    "invalid interval: " + spec,
		Suggestion: "use a millisecond count like 500 or a duration like 30s",
	}
}
