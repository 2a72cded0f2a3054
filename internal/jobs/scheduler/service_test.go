package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"adbot/internal/jobs"
	"adbot/internal/jobs/jobstest"
	"adbot/internal/jobs/scheduler"
	logx "adbot/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	recs []jobs.JobRecord
}

func (r *recorder) Deliver(_ context.Context, rec jobs.JobRecord) {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs)
}

func rec(group, id string, count int, unit jobs.Unit) jobs.JobRecord {
	return jobs.JobRecord{GroupID: group, LocalID: id, Content: "hi", IntervalCount: count, Unit: unit}
}

func TestScheduleUsesRecordInterval(t *testing.T) {
	t.Parallel()
	timers := jobstest.NewTimers()
	svc := scheduler.New(timers, &recorder{}, logx.Nop())

	svc.Schedule(rec("g1", "1", 30, jobs.Minutes))

	active := timers.Active()
	if len(active) != 1 {
		t.Fatalf("active timers = %d, want 1", len(active))
	}
	if got := active[0].Every.Milliseconds(); got != 1_800_000 {
		t.Fatalf("interval = %dms, want 1800000", got)
	}
	if d, ok := svc.Interval(jobs.Key{GroupID: "g1", LocalID: "1"}); !ok || d != 30*time.Minute {
		t.Fatalf("Interval() = %v, %v", d, ok)
	}
}

func TestRescheduleReplacesTimer(t *testing.T) {
	t.Parallel()
	timers := jobstest.NewTimers()
	svc := scheduler.New(timers, &recorder{}, logx.Nop())

	svc.Schedule(rec("g1", "1", 5, jobs.Minutes))
	svc.Schedule(rec("g1", "1", 2, jobs.Hours))

	active := timers.Active()
	if len(active) != 1 || active[0].Every != 2*time.Hour {
		t.Fatalf("active = %+v, want one 2h timer", active)
	}
	if timers.Cancelled != 1 {
		t.Fatalf("cancelled = %d, want 1", timers.Cancelled)
	}
	if svc.Len() != 1 {
		t.Fatalf("Len() = %d", svc.Len())
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	timers := jobstest.NewTimers()
	svc := scheduler.New(timers, &recorder{}, logx.Nop())
	key := jobs.Key{GroupID: "g1", LocalID: "1"}

	svc.Schedule(rec("g1", "1", 1, jobs.Days))
	svc.Cancel(key)
	svc.Cancel(key)
	svc.Cancel(jobs.Key{GroupID: "nope", LocalID: "9"})

	if timers.Len() != 0 || timers.Cancelled != 1 {
		t.Fatalf("timers len=%d cancelled=%d", timers.Len(), timers.Cancelled)
	}
	if _, ok := svc.Interval(key); ok {
		t.Fatal("key still scheduled")
	}
}

func TestNonPositiveIntervalNotScheduled(t *testing.T) {
	t.Parallel()
	timers := jobstest.NewTimers()
	svc := scheduler.New(timers, &recorder{}, logx.Nop())

	svc.Schedule(rec("g1", "1", 0, jobs.Minutes))
	svc.Schedule(rec("g1", "2", 3, jobs.Unit("weeks")))

	if timers.Len() != 0 || svc.Len() != 0 {
		t.Fatalf("timers=%d entries=%d, want none", timers.Len(), svc.Len())
	}
}

func TestTickDeliversSnapshot(t *testing.T) {
	t.Parallel()
	timers := jobstest.NewTimers()
	got := &recorder{}
	svc := scheduler.New(timers, got, logx.Nop())
	svc.Start(context.Background())

	r := rec("g1", "1", 10, jobs.Minutes)
	r.Content = "first"
	svc.Schedule(r)
	id := timers.Active()[0].ID

	if !timers.Fire(id) || !timers.Fire(id) {
		t.Fatal("timer not active")
	}
	if got.count() != 2 || got.recs[0].Content != "first" {
		t.Fatalf("deliveries = %+v", got.recs)
	}
}

func TestStaleTickDropped(t *testing.T) {
	t.Parallel()
	timers := jobstest.NewTimers()
	got := &recorder{}
	svc := scheduler.New(timers, got, logx.Nop())

	svc.Schedule(rec("g1", "1", 10, jobs.Minutes))
	old := timers.Active()[0]
	svc.Schedule(rec("g1", "1", 20, jobs.Minutes))

	old.FireStale()
	if got.count() != 0 {
		t.Fatalf("stale tick delivered %d times", got.count())
	}

	svc.Cancel(jobs.Key{GroupID: "g1", LocalID: "1"})
	for _, tm := range timers.Active() {
		tm.FireStale()
	}
	old.FireStale()
	if got.count() != 0 {
		t.Fatal("tick after cancel delivered")
	}
}

func TestSnapshotSorted(t *testing.T) {
	t.Parallel()
	svc := scheduler.New(jobstest.NewTimers(), &recorder{}, logx.Nop())
	svc.Schedule(rec("g2", "1", 1, jobs.Hours))
	svc.Schedule(rec("g1", "2", 1, jobs.Hours))
	svc.Schedule(rec("g1", "1", 1, jobs.Hours))

	snap := svc.Snapshot()
	want := []string{"g1:1", "g1:2", "g2:1"}
	if len(snap) != len(want) {
		t.Fatalf("snapshot len = %d", len(snap))
	}
	for i, e := range snap {
		if e.Key.String() != want[i] {
			t.Fatalf("snapshot[%d] = %s, want %s", i, e.Key, want[i])
		}
	}
}

func TestCronTimersFire(t *testing.T) {
	t.Parallel()
	ct := scheduler.NewCronTimers(logx.Nop(), time.UTC)
	fired := make(chan struct{}, 4)
	id := ct.Start(time.Second, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	ct.Run()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ct.Halt(ctx)
	}()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("cron timer did not fire")
	}
	ct.Cancel(id)
	if next, _ := ct.Times(id); !next.IsZero() {
		t.Fatalf("cancelled timer still has next=%v", next)
	}
}
