package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeScope struct {
	practices []string
	fail      map[string]error
}

type practiceKey struct{}

func (s *fakeScope) EachPractice(ctx context.Context, fn func(ctx context.Context) error) error {
	var errs []error
	for _, p := range s.practices {
		if err := fn(context.WithValue(ctx, practiceKey{}, p)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func fixedNow() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }

func TestNewRunner_Validation(t *testing.T) {
	task := func(context.Context, time.Time) (int, error) { return 0, nil }
	tests := []struct {
		name  string
		scope Scope
		jobs  []Job
	}{
		{"missing name", nil, []Job{{Interval: time.Minute, Task: task}}},
		{"missing task", nil, []Job{{Name: "a", Interval: time.Minute}}},
		{"zero interval", nil, []Job{{Name: "a", Task: task}}},
		{"per practice without scope", nil, []Job{{Name: "a", Interval: time.Minute, Task: task, PerPractice: true}}},
		{"duplicate", nil, []Job{{Name: "a", Interval: time.Minute, Task: task}, {Name: "a", Interval: time.Hour, Task: task}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRunner(zerolog.Nop(), tt.scope, tt.jobs); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRunOnce(t *testing.T) {
	var gotNow time.Time
	r, err := NewRunner(zerolog.Nop(), nil, []Job{{
		Name:     CartCleanup,
		Interval: time.Hour,
		Task: func(_ context.Context, now time.Time) (int, error) {
			gotNow = now
			return 3, nil
		},
	}}, WithClock(fixedNow))
	if err != nil {
		t.Fatal(err)
	}

	if err := r.RunOnce(context.Background(), CartCleanup); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !gotNow.Equal(fixedNow()) {
		t.Errorf("task got now=%v", gotNow)
	}

	if err := r.RunOnce(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}
}

func TestRunOnce_PerPractice(t *testing.T) {
	scope := &fakeScope{practices: []string{"alpha", "beta", "gamma"}}
	var seen []string
	r, err := NewRunner(zerolog.Nop(), scope, []Job{{
		Name:        AppointmentReminders,
		Interval:    time.Minute,
		PerPractice: true,
		Task: func(ctx context.Context, _ time.Time) (int, error) {
			p := ctx.Value(practiceKey{}).(string)
			seen = append(seen, p)
			if p == "beta" {
				return 0, errors.New("smtp down")
			}
			return 1, nil
		},
	}})
	if err != nil {
		t.Fatal(err)
	}

	err = r.RunOnce(context.Background(), AppointmentReminders)
	if err == nil {
		t.Fatal("expected the beta failure to surface")
	}
	if len(seen) != 3 {
		t.Fatalf("expected every practice to run despite the failure, got %v", seen)
	}
}

func TestRun_RecoversPanic(t *testing.T) {
	r, _ := NewRunner(zerolog.Nop(), nil, []Job{{
		Name:     ImpersonationExpiry,
		Interval: time.Minute,
		Task:     func(context.Context, time.Time) (int, error) { panic("boom") },
	}})
	if err := r.RunOnce(context.Background(), ImpersonationExpiry); err == nil {
		t.Fatal("expected panic to be reported as an error")
	}
}

func TestNames_Sorted(t *testing.T) {
	task := func(context.Context, time.Time) (int, error) { return 0, nil }
	r, _ := NewRunner(zerolog.Nop(), nil, []Job{
		{Name: ImpersonationExpiry, Interval: time.Minute, Task: task},
		{Name: AppointmentReminders, Interval: time.Minute, Task: task},
		{Name: CartCleanup, Interval: time.Hour, Task: task},
	})
	names := r.Names()
	want := []string{AppointmentReminders, CartCleanup, ImpersonationExpiry}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}

func TestStartStop(t *testing.T) {
	var runs atomic.Int32
	done := make(chan struct{}, 1)
	r, _ := NewRunner(zerolog.Nop(), nil, []Job{{
		Name:     CartCleanup,
		Interval: time.Hour,
		Task: func(context.Context, time.Time) (int, error) {
			if runs.Add(1) == 1 {
				done <- struct{}{}
			}
			return 0, nil
		},
	}})

	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(); err == nil {
		t.Error("expected second start to fail")
	}

	// gocron runs a job once as soon as the scheduler starts.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run after start")
	}
	r.Stop()
	r.Stop()
}
