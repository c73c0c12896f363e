// Package batch submits task files on cron schedules.
package batch

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RunFunc runs one scheduled batch to completion
type RunFunc func(ctx context.Context, e Entry) error

// Scheduler decides when schedule entries are due and runs them
type Scheduler struct {
	entries map[string]Entry
	parsed  map[string]cron.Schedule
	lastRun map[string]time.Time
	running map[string]bool
	mu      sync.RWMutex
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewScheduler validates entries and returns a scheduler. Entries that have
// never run are treated as last run at creation time.
func NewScheduler(entries []Entry) (*Scheduler, error) {
	s := &Scheduler{
		entries: make(map[string]Entry),
		parsed:  make(map[string]cron.Schedule),
		lastRun: make(map[string]time.Time),
		running: make(map[string]bool),
		now:     time.Now,
	}

	start := s.now()
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.entries[e.Name]; dup {
			return nil, fmt.Errorf("duplicate schedule name %q", e.Name)
		}
		sched, _ := ParseCron(e.Cron)
		s.entries[e.Name] = e
		s.parsed[e.Name] = sched
		s.lastRun[e.Name] = start
	}

	return s, nil
}

// ParseCron parses a cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// NextRun returns the next scheduled run time for an entry
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.parsed[name]
	if !ok {
		return time.Time{}
	}
	return sched.Next(s.now())
}

// Due returns the entries whose next run after their last run is not after
// now, skipping entries that are still running. Names are sorted.
func (s *Scheduler) Due(now time.Time) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []Entry
	for name, e := range s.entries {
		if s.running[name] {
			continue
		}
		if next := s.parsed[name].Next(s.lastRun[name]); !next.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Name < due[j].Name })
	return due
}

// MarkRunning marks an entry as currently running
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete marks an entry as complete at the given time
func (s *Scheduler) MarkComplete(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = at
}

// Entries returns all entries sorted by name
func (s *Scheduler) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tick starts every due entry in its own goroutine
func (s *Scheduler) Tick(ctx context.Context, now time.Time, run RunFunc) {
	for _, e := range s.Due(now) {
		s.MarkRunning(e.Name)
		s.wg.Add(1)
		go func(e Entry) {
			defer s.wg.Done()
			runCtx, cancel := context.WithTimeout(ctx, e.Duration())
			defer cancel()
			if err := run(runCtx, e); err != nil {
				log.Printf("[batch] %s failed: %v", e.Name, err)
			}
			s.MarkComplete(e.Name, s.now())
		}(e)
	}
}

// Run ticks every minute until ctx is done, then waits for running batches
func (s *Scheduler) Run(ctx context.Context, run RunFunc) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.Tick(ctx, s.now(), run)
		}
	}
}

// Wait blocks until all started batches have finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
