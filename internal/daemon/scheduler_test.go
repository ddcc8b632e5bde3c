package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/amonhq/amon/internal/telemetry"
)

type fireRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (f *fireRecorder) fire(_ context.Context, s Schedule) {
	f.mu.Lock()
	f.fired = append(f.fired, s.ID)
	f.mu.Unlock()
}

func (f *fireRecorder) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.fired) >= n {
			out := append([]string(nil), f.fired...)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fired...)
}

func newTestScheduler(rec *fireRecorder, schedules ...Schedule) *Scheduler {
	return NewScheduler(SchedulerOptions{
		Schedules:    schedules,
		MisfireGrace: 300 * time.Second,
		Jitter:       time.Millisecond,
		Fire:         rec.fire,
		Logger:       telemetry.NoopLogger{},
	})
}

func TestScheduler_FiresDueMinuteOnce(t *testing.T) {
	rec := &fireRecorder{}
	s := newTestScheduler(rec, Schedule{ID: "every-minute", Cron: "* * * * *"})

	now := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
	s.tick(context.Background(), now)
	s.tick(context.Background(), now.Add(time.Second))
	s.tick(context.Background(), now.Add(2*time.Second))

	fired := rec.wait(t, 1)
	assert.Equal(t, []string{"every-minute"}, fired, "a due minute fires exactly once")
}

func TestScheduler_FiresAgainNextMinute(t *testing.T) {
	rec := &fireRecorder{}
	s := newTestScheduler(rec, Schedule{ID: "every-minute", Cron: "* * * * *"})

	now := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
	s.tick(context.Background(), now)
	rec.wait(t, 1)
	s.tick(context.Background(), now.Add(time.Minute))

	fired := rec.wait(t, 2)
	assert.Len(t, fired, 2)
}

func TestScheduler_MisfireWithinGraceStillFires(t *testing.T) {
	rec := &fireRecorder{}
	s := newTestScheduler(rec, Schedule{ID: "hourly", Cron: "0 * * * *"})

	// First observed tick is 90 seconds past the hour; the hourly schedule
	// was missed but falls inside the 300s grace window.
	now := time.Date(2025, 6, 1, 11, 1, 30, 0, time.UTC)
	s.tick(context.Background(), now)

	fired := rec.wait(t, 1)
	assert.Equal(t, []string{"hourly"}, fired)
}

func TestScheduler_MisfireOutsideGraceSkipped(t *testing.T) {
	rec := &fireRecorder{}
	s := newTestScheduler(rec, Schedule{ID: "hourly", Cron: "0 * * * *"})

	now := time.Date(2025, 6, 1, 11, 20, 0, 0, time.UTC)
	s.tick(context.Background(), now)

	time.Sleep(100 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.fired)
}

func TestScheduler_BadCronIsIgnored(t *testing.T) {
	rec := &fireRecorder{}
	s := newTestScheduler(rec,
		Schedule{ID: "broken", Cron: "not a cron"},
		Schedule{ID: "ok", Cron: "* * * * *"},
	)
	s.tick(context.Background(), time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC))
	fired := rec.wait(t, 1)
	assert.Equal(t, []string{"ok"}, fired)
}
