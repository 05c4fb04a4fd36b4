// Package scheduler runs fixed-interval jobs one at a time on a single
// worker goroutine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrUnknownJob is returned for job names that were never added.
var ErrUnknownJob = errors.New("unknown job")

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// Grace is how late a firing may start before it is skipped. Zero
	// means a late firing always runs.
	Grace time.Duration
	Run   func(ctx context.Context) error
}

// Observer is told about every finished run.
type Observer func(name string, took time.Duration, err error)

type entry struct {
	job     Job
	order   int
	next    time.Time
	running bool
}

// Scheduler dispatches jobs sequentially. Missed firings are not replayed:
// after a run the next firing is the first interval boundary after now.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	wake    chan struct{}
	observe Observer
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the UTC wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithObserver registers a callback for finished runs.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observe = o }
}

// New creates an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		entries: make(map[string]*entry),
		now:     func() time.Time { return time.Now().UTC() },
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. Its first firing is one interval from now.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("add job %q: name and run func are required", job.Name)
	}
	if job.Interval <= 0 {
		return fmt.Errorf("add job %q: interval must be positive", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.Name]; ok {
		return fmt.Errorf("add job %q: already registered", job.Name)
	}
	s.entries[job.Name] = &entry{
		job:   job,
		order: len(s.entries),
		next:  s.now().Add(job.Interval),
	}
	s.notify()
	return nil
}

// TriggerNow moves the next firing of a job to now. A trigger for a job
// that is currently running is dropped.
func (s *Scheduler) TriggerNow(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("trigger %q: %w", name, ErrUnknownJob)
	}
	if e.running {
		log.Info().Str("job", name).Msg("job already running, trigger skipped")
		return nil
	}
	e.next = s.now()
	s.notify()
	return nil
}

// NextRun returns the next firing of a job.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run is the worker loop. It returns when ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	jobs := len(s.entries)
	s.mu.Unlock()
	log.Info().Int("jobs", jobs).Msg("scheduler started")
	for {
		wait := s.runDue(ctx)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("scheduler stopped")
			return nil
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// runDue executes every due job in firing order and returns the time until
// the next firing.
func (s *Scheduler) runDue(ctx context.Context) time.Duration {
	for _, e := range s.due() {
		if ctx.Err() != nil {
			break
		}
		s.fire(ctx, e)
	}
	return s.untilNext()
}

func (s *Scheduler) due() []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []*entry
	for _, e := range s.entries {
		if !e.next.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].next.Equal(out[j].next) {
			return out[i].next.Before(out[j].next)
		}
		return out[i].order < out[j].order
	})
	return out
}

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return time.Hour
	}
	now := s.now()
	var wait time.Duration = -1
	for _, e := range s.entries {
		d := e.next.Sub(now)
		if wait < 0 || d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	s.mu.Lock()
	scheduled := e.next
	late := s.now().Sub(scheduled)
	missed := e.job.Grace > 0 && late > e.job.Grace
	if !missed {
		e.running = true
	}
	s.mu.Unlock()

	if missed {
		log.Warn().Str("job", e.job.Name).Dur("late", late).Msg("job missed its grace window, skipped")
	} else {
		s.execute(ctx, e.job)
	}

	s.mu.Lock()
	e.running = false
	e.next = nextAfter(scheduled, e.job.Interval, s.now())
	s.mu.Unlock()
}

func (s *Scheduler) execute(ctx context.Context, job Job) {
	start := s.now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
			log.Error().
				Str("job", job.Name).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("job panicked")
		}
		took := s.now().Sub(start)
		if err != nil {
			log.Error().Err(err).Str("job", job.Name).Dur("took", took).Msg("job failed")
		} else {
			log.Info().Str("job", job.Name).Dur("took", took).Msg("job finished")
		}
		if s.observe != nil {
			s.observe(job.Name, took, err)
		}
	}()

	log.Info().Str("job", job.Name).Msg("job started")
	err = job.Run(ctx)
}

// nextAfter returns the first firing after now on the grid that starts at
// scheduled with the given interval.
func nextAfter(scheduled time.Time, interval time.Duration, now time.Time) time.Time {
	next := scheduled.Add(interval)
	if next.After(now) {
		return next
	}
	skipped := now.Sub(scheduled) / interval
	return scheduled.Add((skipped + 1) * interval)
}
