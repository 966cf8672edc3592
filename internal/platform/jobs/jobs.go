// Package jobs runs the periodic background work: appointment reminders,
// impersonation expiry and abandoned-cart cleanup.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// Job names accepted by RunOnce.
const (
	AppointmentReminders = "appointment-reminders"
	ImpersonationExpiry  = "impersonation-expiry"
	CartCleanup          = "cart-cleanup"
)

var ErrUnknownJob = errors.New("unknown job")

// Task does one run of a job and reports how many records it touched.
type Task func(ctx context.Context, now time.Time) (int, error)

// Scope runs fn once per practice with a practice-scoped context.
type Scope interface {
	EachPractice(ctx context.Context, fn func(ctx context.Context) error) error
}

// Job is a named task on a fixed interval.
type Job struct {
	Name     string
	Interval time.Duration
	Task     Task
	// PerPractice runs Task inside every practice scope rather than once.
	PerPractice bool
}

// Runner owns the scheduler and the registered jobs.
type Runner struct {
	log   zerolog.Logger
	scope Scope
	now   func() time.Time
	jobs  map[string]Job

	mu        sync.Mutex
	scheduler *gocron.Scheduler
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithClock overrides the time passed to tasks.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner registers jobs. Per-practice jobs need a non-nil scope.
func NewRunner(logger zerolog.Logger, scope Scope, jobs []Job, opts ...RunnerOption) (*Runner, error) {
	r := &Runner{
		log:   logger.With().Str("component", "jobs").Logger(),
		scope: scope,
		now:   time.Now,
		jobs:  make(map[string]Job, len(jobs)),
	}
	for _, o := range opts {
		o(r)
	}
	for _, j := range jobs {
		if j.Name == "" {
			return nil, fmt.Errorf("job name is required")
		}
		if j.Task == nil {
			return nil, fmt.Errorf("job %s: task is required", j.Name)
		}
		if j.Interval <= 0 {
			return nil, fmt.Errorf("job %s: interval must be positive", j.Name)
		}
		if j.PerPractice && scope == nil {
			return nil, fmt.Errorf("job %s: practice scope is required", j.Name)
		}
		if _, dup := r.jobs[j.Name]; dup {
			return nil, fmt.Errorf("job %s registered twice", j.Name)
		}
		r.jobs[j.Name] = j
	}
	return r, nil
}

// Names lists the registered jobs in sorted order.
func (r *Runner) Names() []string {
	out := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Start schedules every job in UTC and returns immediately. Runs of the same
// job never overlap.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduler != nil {
		return fmt.Errorf("job runner already started")
	}

	s := gocron.NewScheduler(time.UTC)
	for _, name := range r.Names() {
		j := r.jobs[name]
		_, err := s.Every(j.Interval).Tag(j.Name).SingletonMode().Do(func() {
			// Bound each run by its interval so a stuck run cannot pile up.
			ctx, cancel := context.WithTimeout(context.Background(), j.Interval)
			defer cancel()
			_ = r.run(ctx, j)
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", j.Name, err)
		}
	}
	s.StartAsync()
	r.scheduler = s
	r.log.Info().Strs("jobs", r.Names()).Msg("job scheduler started")
	return nil
}

// Stop halts the scheduler. Running tasks finish on their own.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduler == nil {
		return
	}
	r.scheduler.Stop()
	r.scheduler = nil
	r.log.Info().Msg("job scheduler stopped")
}

// RunOnce runs the named job synchronously and returns its error, which the
// scheduler would only log.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	j, ok := r.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.run(ctx, j)
}

func (r *Runner) run(ctx context.Context, j Job) (err error) {
	start := r.now()
	log := r.log.With().Str("job", j.Name).Logger()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", j.Name, p)
			log.Error().Err(err).Msg("job panicked")
		}
	}()

	var touched int
	if j.PerPractice {
		err = r.scope.EachPractice(ctx, func(ctx context.Context) error {
			n, err := j.Task(ctx, start)
			touched += n
			return err
		})
	} else {
		touched, err = j.Task(ctx, start)
	}

	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Int("touched", touched).Dur("took", time.Since(start)).Msg("job finished")
	return err
}
