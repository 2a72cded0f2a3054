package mutation

import (
	"context"
	"sync"
	"testing"
	"time"

	"adbot/internal/errors"
	"adbot/internal/jobs"
	"adbot/internal/jobs/jobstest"
	"adbot/internal/jobs/reconcile"
	"adbot/internal/jobs/scheduler"
	"adbot/internal/remote"
	logx "adbot/pkg/logx"
)

type fixture struct {
	clock  *jobstest.Clock
	cache  *jobs.Cache
	timers *jobstest.Timers
	sched  *scheduler.Service
	remote *jobstest.Remote
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:  jobstest.NewClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)),
		timers: jobstest.NewTimers(),
		remote: jobstest.NewRemote(),
	}
	f.cache = jobs.NewCache(jobs.WithClock(f.clock.Now))
	f.sched = scheduler.New(f.timers, nil, logx.Nop())
	f.svc = New(f.cache, f.sched, f.remote, logx.Nop())
	return f
}

func TestAddJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	id, err := f.svc.AddJob(context.Background(), "g1", "Hello", 30, jobs.Minutes)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if id != "1" {
		t.Fatalf("id = %q, want 1", id)
	}
	rec, ok := f.cache.Get("g1", "1")
	if !ok || rec.RemoteID == "" || rec.Content != "Hello" || !rec.CreatedAt.Equal(f.clock.Now()) {
		t.Fatalf("record = %+v", rec)
	}
	active := f.timers.Active()
	if len(active) != 1 || active[0].Every.Milliseconds() != 1_800_000 {
		t.Fatalf("timers = %+v", active)
	}
	rj := f.remote.Jobs()
	if len(rj) != 1 || rj[0].LocalJobID != "1" || rj[0].Unit != "minutes" || rj[0].Interval != 30 {
		t.Fatalf("remote = %+v", rj)
	}
}

func TestAddJobValidatesBeforeWriting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		group   string
		content string
		count   int
		unit    jobs.Unit
	}{
		{"empty content", "g1", "  ", 5, jobs.Minutes},
		{"empty group", "", "x", 5, jobs.Minutes},
		{"zero interval", "g1", "x", 0, jobs.Minutes},
		{"over a week", "g1", "x", 10081, jobs.Minutes},
		{"eight days", "g1", "x", 8, jobs.Days},
		{"bad unit", "g1", "x", 1, jobs.Unit("weeks")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.remote.CreateFn = func(context.Context, remote.CreateJobRequest) (remote.Job, error) {
				t.Fatal("remote called for invalid input")
				return remote.Job{}, nil
			}
			_, err := f.svc.AddJob(context.Background(), tt.group, tt.content, tt.count, tt.unit)
			if !errors.IsValidation(err) {
				t.Fatalf("err = %v, want validation", err)
			}
			if f.cache.Len() != 0 || f.timers.Len() != 0 {
				t.Fatal("local state changed")
			}
		})
	}
}

func TestAddJobAcceptsWeek(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if _, err := f.svc.AddJob(context.Background(), "g1", "x", 7, jobs.Days); err != nil {
		t.Fatalf("7 days rejected: %v", err)
	}
	if _, err := f.svc.AddJob(context.Background(), "g1", "x", 10080, jobs.Minutes); err != nil {
		t.Fatalf("10080 minutes rejected: %v", err)
	}
}

func TestAddJobRemoteFailureLeavesNoState(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.remote.CreateFn = func(context.Context, remote.CreateJobRequest) (remote.Job, error) {
		return remote.Job{}, errors.Mark(errors.New("503"), errors.ErrRemoteUnavailable)
	}

	_, err := f.svc.AddJob(context.Background(), "g1", "Hello", 1, jobs.Hours)
	if !errors.IsRemoteUnavailable(err) {
		t.Fatalf("err = %v, want remote unavailable", err)
	}
	if f.cache.Len() != 0 || f.timers.Len() != 0 {
		t.Fatal("partial local state after failed create")
	}
}

func TestConcurrentAddJobDistinctIDs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	release := make(chan struct{})
	var inflight sync.WaitGroup
	inflight.Add(2)
	f.remote.CreateFn = func(ctx context.Context, req remote.CreateJobRequest) (remote.Job, error) {
		inflight.Done()
		<-release
		return remote.Job{ID: remote.FlexString("r" + req.LocalJobID), GroupID: req.GroupID, LocalJobID: remote.FlexString(req.LocalJobID)}, nil
	}

	ids := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			id, err := f.svc.AddJob(context.Background(), "g1", "x", 5, jobs.Minutes)
			if err != nil {
				t.Error(err)
			}
			ids <- id
		}()
	}
	inflight.Wait()
	close(release)

	a, b := <-ids, <-ids
	if a == b || a == "" || b == "" {
		t.Fatalf("ids = %q, %q; want distinct", a, b)
	}
	if f.cache.Len() != 2 || f.timers.Len() != 2 {
		t.Fatalf("len=%d timers=%d", f.cache.Len(), f.timers.Len())
	}
}

func TestRemoveJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id, err := f.svc.AddJob(context.Background(), "g1", "Hello", 1, jobs.Hours)
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.RemoveJob(context.Background(), "g1", id); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	if f.cache.Len() != 0 || f.timers.Len() != 0 || len(f.remote.Jobs()) != 0 {
		t.Fatal("job not fully removed")
	}

	err = f.svc.RemoveJob(context.Background(), "g1", id)
	if !errors.IsNotFound(err) {
		t.Fatalf("second remove err = %v, want not found", err)
	}
}

func TestRemoveJobRemoteFailureKeepsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id, _ := f.svc.AddJob(context.Background(), "g1", "Hello", 1, jobs.Hours)
	f.remote.DeleteFn = func(context.Context, string, string) error {
		return errors.Mark(errors.New("401"), errors.ErrRemoteRejected)
	}

	if err := f.svc.RemoveJob(context.Background(), "g1", id); !errors.IsRemoteRejected(err) {
		t.Fatalf("err = %v, want remote rejected", err)
	}
	if _, ok := f.cache.Get("g1", id); !ok || f.timers.Len() != 1 {
		t.Fatal("local job changed after failed remote delete")
	}
}

func TestRemoveJobRemoteMissingIsNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id, _ := f.svc.AddJob(context.Background(), "g1", "Hello", 1, jobs.Hours)
	f.remote.DeleteFn = func(context.Context, string, string) error {
		return errors.Mark(&remote.StatusError{Method: "DELETE", Path: "/jobs/" + id, Status: 404}, errors.ErrRemoteRejected)
	}

	err := f.svc.RemoveJob(context.Background(), "g1", id)
	if !errors.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
	if f.cache.Len() != 0 || f.timers.Len() != 0 {
		t.Fatal("job still cached after the remote reported it gone")
	}

	// The fake still lists the job; the tombstone keeps it from coming back.
	reconcile.New(reconcile.Config{}, f.cache, f.sched, f.remote, logx.Nop()).SyncAll(context.Background())
	if f.cache.Len() != 0 {
		t.Fatal("removed job resurrected")
	}
}

func TestConcurrentRemoveJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id, err := f.svc.AddJob(context.Background(), "g1", "Hello", 1, jobs.Hours)
	if err != nil {
		t.Fatal(err)
	}

	const n = 4
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.svc.RemoveJob(context.Background(), "g1", id)
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case !errors.IsNotFound(err):
			t.Fatalf("loser err = %v, want not found", err)
		}
	}
	if ok != 1 {
		t.Fatalf("%d removes succeeded, want 1", ok)
	}
	if f.cache.Len() != 0 || f.timers.Len() != 0 {
		t.Fatal("job not fully removed")
	}
}

func TestIDsMonotonicAfterRemoval(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.svc.AddJob(ctx, "g1", "x", 1, jobs.Hours); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.svc.RemoveJob(ctx, "g1", "3"); err != nil {
		t.Fatal(err)
	}
	id, _ := f.svc.AddJob(ctx, "g1", "x", 1, jobs.Hours)
	if id != "4" {
		t.Fatalf("id after removal = %q, want 4", id)
	}
	if got := f.svc.ListJobs("g1"); len(got) != 3 || got[2].LocalID != "4" {
		t.Fatalf("ListJobs = %+v", got)
	}
}

// Add through the service, then let reconciliation see the job missing
// briefly and for longer than the grace window.
func TestAddThenReconcileGrace(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	engine := reconcile.New(reconcile.Config{}, f.cache, f.sched, f.remote, logx.Nop())
	ctx := context.Background()

	id, err := f.svc.AddJob(ctx, "g1", "Hello", 30, jobs.Minutes)
	if err != nil || id != "1" {
		t.Fatalf("AddJob = %q, %v", id, err)
	}
	if d, _ := f.sched.Interval(jobs.Key{GroupID: "g1", LocalID: "1"}); d.Milliseconds() != 1_800_000 {
		t.Fatalf("interval = %v", d)
	}
	remoteID := f.remote.Jobs()[0].ID.String()

	// Missing for 10s, then back.
	f.remote.Hide(remoteID, true)
	f.clock.Advance(10 * time.Second)
	engine.SyncAll(ctx)
	f.remote.Hide(remoteID, false)
	engine.SyncAll(ctx)
	if _, ok := f.cache.Get("g1", "1"); !ok || f.timers.Len() != 1 {
		t.Fatal("job lost after short omission")
	}

	// Missing for 35s.
	f.remote.Hide(remoteID, true)
	f.clock.Advance(35 * time.Second)
	engine.SyncAll(ctx)
	if _, ok := f.cache.Get("g1", "1"); ok {
		t.Fatal("job kept after long omission")
	}
	if f.timers.Len() != 0 {
		t.Fatal("timer not cancelled")
	}
}

func TestRemovedJobNotResurrectedByStaleSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	engine := reconcile.New(reconcile.Config{}, f.cache, f.sched, f.remote, logx.Nop())
	ctx := context.Background()

	id, _ := f.svc.AddJob(ctx, "g1", "Hello", 1, jobs.Hours)
	stale := f.remote.Jobs()
	f.remote.ListFn = func(context.Context) ([]remote.Job, error) { return stale, nil }

	if err := f.svc.RemoveJob(ctx, "g1", id); err != nil {
		t.Fatal(err)
	}
	engine.SyncAll(ctx)
	if f.cache.Len() != 0 || f.timers.Len() != 0 {
		t.Fatal("stale snapshot resurrected a removed job")
	}
}
