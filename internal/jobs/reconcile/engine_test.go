package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"adbot/internal/errors"
	"adbot/internal/eventbus"
	"adbot/internal/jobs"
	"adbot/internal/jobs/jobstest"
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
	engine *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock:  jobstest.NewClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)),
		timers: jobstest.NewTimers(),
		remote: jobstest.NewRemote(),
	}
	f.cache = jobs.NewCache(jobs.WithClock(f.clock.Now))
	f.sched = scheduler.New(f.timers, nil, logx.Nop())
	f.engine = New(Config{}, f.cache, f.sched, f.remote, logx.Nop(), opts...)
	return f
}

func TestSyncAddsAndSchedules(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.remote.Put(remote.Job{ID: "r1", GroupID: "g1", Content: "a", Interval: 2, Unit: "hours", LocalJobID: "4"})
	f.remote.Put(remote.Job{ID: "r2", GroupID: "g1", Content: "b", Interval: 15, Unit: "minutos"})
	f.remote.Put(remote.Job{ID: "r3", GroupID: "", Content: "orphan", Interval: 1, Unit: "days"})

	rep := f.engine.SyncAll(context.Background())
	if rep.Err != nil || rep.Added != 2 || rep.Groups != 1 {
		t.Fatalf("report = %+v", rep)
	}

	got := f.cache.List("g1")
	if len(got) != 2 {
		t.Fatalf("records = %+v", got)
	}
	if got[0].LocalID != "4" || got[0].Unit != jobs.Hours || got[0].RemoteID != "r1" {
		t.Fatalf("first = %+v", got[0])
	}
	// No local id from remote: allocated above the observed floor.
	if got[1].LocalID != "5" || got[1].Unit != jobs.Minutes {
		t.Fatalf("second = %+v", got[1])
	}
	if f.timers.Len() != 2 {
		t.Fatalf("timers = %d, want 2", f.timers.Len())
	}

	// Re-sync is a no-op and reuses the id assigned by remote id.
	rep = f.engine.SyncAll(context.Background())
	if rep.Added != 0 || f.cache.Len() != 2 || f.timers.Started != 2 {
		t.Fatalf("second sync report=%+v len=%d started=%d", rep, f.cache.Len(), f.timers.Started)
	}
}

func TestUnknownUnitFallsBackToMinutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.remote.Put(remote.Job{ID: "r1", GroupID: "g1", Content: "a", Interval: 3, Unit: "fortnights", LocalJobID: "1"})

	f.engine.SyncAll(context.Background())
	rec, ok := f.cache.Get("g1", "1")
	if !ok || rec.Unit != jobs.Minutes || rec.Interval() != 3*time.Minute {
		t.Fatalf("record = %+v", rec)
	}
}

func TestGracePeriod(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.remote.Put(remote.Job{ID: "r1", GroupID: "g1", Content: "a", Interval: 1, Unit: "hours", LocalJobID: "1"})
	f.engine.SyncAll(context.Background())
	f.remote.Hide("r1", true)

	f.clock.Advance(10 * time.Second)
	rep := f.engine.SyncAll(context.Background())
	if _, ok := f.cache.Get("g1", "1"); !ok || rep.Retained != 1 {
		t.Fatalf("record dropped inside grace window: %+v", rep)
	}

	f.clock.Advance(21 * time.Second)
	rep = f.engine.SyncAll(context.Background())
	if _, ok := f.cache.Get("g1", "1"); ok || rep.Removed != 1 {
		t.Fatalf("record kept after grace window: %+v", rep)
	}
	if f.timers.Len() != 0 {
		t.Fatal("timer not cancelled on removal")
	}
	if _, ok := f.sched.Interval(jobs.Key{GroupID: "g1", LocalID: "1"}); ok {
		t.Fatal("scheduler still tracks removed key")
	}
}

func TestFetchFailureChangesNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.remote.Put(remote.Job{ID: "r1", GroupID: "g1", Content: "a", Interval: 1, Unit: "hours", LocalJobID: "1"})
	f.engine.SyncAll(context.Background())

	f.clock.Advance(time.Hour)
	f.remote.ListFn = func(context.Context) ([]remote.Job, error) {
		return nil, errors.Mark(errors.New("connection refused"), errors.ErrRemoteUnavailable)
	}
	rep := f.engine.SyncAll(context.Background())
	if !errors.IsRemoteUnavailable(rep.Err) {
		t.Fatalf("Err = %v", rep.Err)
	}
	if f.cache.Len() != 1 || f.timers.Len() != 1 {
		t.Fatal("failed fetch modified local state")
	}
	if f.engine.Last().Err == nil {
		t.Fatal("Last() not updated")
	}
}

func TestSingleFlight(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	f.remote.ListFn = func(context.Context) ([]remote.Job, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(entered)
		<-release
		return nil, nil
	}

	done := make(chan Report)
	go func() { done <- f.engine.SyncAll(context.Background()) }()
	<-entered

	if rep := f.engine.SyncAll(context.Background()); !rep.Skipped {
		t.Fatalf("concurrent SyncAll = %+v, want skipped", rep)
	}
	if rep := f.engine.SyncGroup(context.Background(), "g1"); !rep.Skipped {
		t.Fatalf("concurrent SyncGroup = %+v, want skipped", rep)
	}
	if f.engine.Trigger(context.Background()) {
		t.Fatal("Trigger started a second cycle")
	}

	close(release)
	if rep := <-done; rep.Skipped {
		t.Fatal("first cycle reported skipped")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("ListJobs called %d times, want 1", calls)
	}
}

func TestSyncGroupScoped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.remote.Put(remote.Job{ID: "r1", GroupID: "g1", Content: "a", Interval: 1, Unit: "hours", LocalJobID: "1"})
	f.remote.Put(remote.Job{ID: "r2", GroupID: "g2", Content: "b", Interval: 1, Unit: "hours", LocalJobID: "1"})
	f.engine.SyncAll(context.Background())

	f.remote.Hide("r1", true)
	f.remote.Hide("r2", true)
	f.clock.Advance(time.Minute)

	rep := f.engine.SyncGroup(context.Background(), "g2")
	if rep.Removed != 1 || rep.Groups != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if _, ok := f.cache.Get("g1", "1"); !ok {
		t.Fatal("group sync touched another group")
	}
	if _, ok := f.cache.Get("g2", "1"); ok {
		t.Fatal("g2 record not removed")
	}
	if rep := f.engine.SyncGroup(context.Background(), " "); !errors.IsValidation(rep.Err) {
		t.Fatalf("empty group err = %v", rep.Err)
	}
}

func TestVanishedGroupAgedOut(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.remote.Put(remote.Job{ID: "r1", GroupID: "g1", Content: "a", Interval: 1, Unit: "hours", LocalJobID: "1"})
	f.engine.SyncAll(context.Background())
	f.remote.Drop("r1")

	f.clock.Advance(time.Minute)
	rep := f.engine.SyncAll(context.Background())
	if rep.Removed != 1 || f.cache.Len() != 0 {
		t.Fatalf("report = %+v len=%d", rep, f.cache.Len())
	}
}

func TestTombstoneBlocksResurrection(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.remote.Put(remote.Job{ID: "r1", GroupID: "g1", Content: "a", Interval: 1, Unit: "hours", LocalJobID: "1"})
	if err := f.cache.Update(func(tx *jobs.Tx) error {
		tx.Tombstone(jobs.Key{GroupID: "g1", LocalID: "1"}, tx.Now().Add(30*time.Second))
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	f.engine.SyncAll(context.Background())
	if f.cache.Len() != 0 {
		t.Fatal("tombstoned key recreated")
	}

	f.clock.Advance(31 * time.Second)
	f.engine.SyncAll(context.Background())
	if f.cache.Len() != 1 {
		t.Fatal("key not recreated after tombstone expiry")
	}
}

func TestGroupDelayBetweenGroups(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var pauses []time.Duration
	f := newFixture(t, WithSleep(func(_ context.Context, d time.Duration) error {
		mu.Lock()
		pauses = append(pauses, d)
		mu.Unlock()
		return nil
	}))
	f.engine.Apply(Config{GroupDelay: 500 * time.Millisecond})
	for _, g := range []string{"g1", "g2", "g3"} {
		f.remote.Put(remote.Job{GroupID: g, Content: "x", Interval: 1, Unit: "hours", LocalJobID: "1"})
	}

	f.engine.SyncAll(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if len(pauses) != 2 || pauses[0] != 500*time.Millisecond {
		t.Fatalf("pauses = %v, want two 500ms pauses", pauses)
	}
}

type stubLedger map[string]time.Time

func (l stubLedger) LastSent(_ context.Context, key string) (time.Time, bool, error) {
	at, ok := l[key]
	return at, ok, nil
}

func TestLedgerFillsLastSent(t *testing.T) {
	t.Parallel()
	at := time.Date(2025, 2, 28, 8, 0, 0, 0, time.UTC)
	f := newFixture(t, WithLedger(stubLedger{"g1:1": at}))
	f.remote.Put(remote.Job{ID: "r1", GroupID: "g1", Content: "a", Interval: 1, Unit: "hours", LocalJobID: "1"})

	f.engine.SyncAll(context.Background())
	rec, _ := f.cache.Get("g1", "1")
	if !rec.LastSentAt.Equal(at) {
		t.Fatalf("LastSentAt = %v, want %v", rec.LastSentAt, at)
	}
}

func TestTriggerRunsInBackground(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.remote.Put(remote.Job{ID: "r1", GroupID: "g1", Content: "a", Interval: 1, Unit: "hours", LocalJobID: "1"})

	if !f.engine.Trigger(context.Background()) {
		t.Fatal("Trigger refused on idle engine")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.engine.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if f.cache.Len() != 1 {
		t.Fatal("triggered cycle did not run")
	}
}

func snapshot(list ...remote.Job) func(context.Context) ([]remote.Job, error) {
	return func(context.Context) ([]remote.Job, error) { return list, nil }
}

func TestMixedSnapshotKeepsEveryJob(t *testing.T) {
	t.Parallel()
	bare := remote.Job{ID: "r1", GroupID: "g1", Content: "a", Interval: 1, Unit: "hours"}
	claimed := remote.Job{ID: "r2", GroupID: "g1", Content: "b", Interval: 30, Unit: "minutes", LocalJobID: "1"}
	cases := []struct {
		name string
		list []remote.Job
	}{
		{name: "bare first", list: []remote.Job{bare, claimed}},
		{name: "claimed first", list: []remote.Job{claimed, bare}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.remote.ListFn = snapshot(tc.list...)

			rep := f.engine.SyncAll(context.Background())
			if rep.Err != nil || len(rep.GroupErrs) > 0 || rep.Added != 2 {
				t.Fatalf("report = %+v", rep)
			}
			if f.cache.Len() != 2 || f.timers.Len() != 2 {
				t.Fatalf("records=%d timers=%d, want 2 and 2", f.cache.Len(), f.timers.Len())
			}
			if rec, ok := f.cache.Get("g1", "1"); !ok || rec.RemoteID != "r2" {
				t.Fatalf("local id 1 = %+v", rec)
			}
			if rec, ok := f.cache.Get("g1", "2"); !ok || rec.RemoteID != "r1" {
				t.Fatalf("local id 2 = %+v", rec)
			}

			rep = f.engine.SyncAll(context.Background())
			if rep.Added != 0 || rep.Removed != 0 || f.cache.Len() != 2 || f.timers.Started != 2 {
				t.Fatalf("second sync report=%+v len=%d started=%d", rep, f.cache.Len(), f.timers.Started)
			}
		})
	}
}

func TestRemoteClaimRelocatesLocalRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	bare := remote.Job{ID: "r1", GroupID: "g1", Content: "a", Interval: 1, Unit: "hours"}
	f.remote.ListFn = snapshot(bare)
	f.engine.SyncAll(context.Background())
	if rec, ok := f.cache.Get("g1", "1"); !ok || rec.RemoteID != "r1" {
		t.Fatalf("first sync = %+v", rec)
	}
	sent := f.clock.Now()
	f.cache.MarkSent(jobs.Key{GroupID: "g1", LocalID: "1"}, sent)

	f.clock.Advance(time.Minute)
	f.remote.ListFn = snapshot(bare,
		remote.Job{ID: "r2", GroupID: "g1", Content: "b", Interval: 30, Unit: "minutes", LocalJobID: "1"})
	rep := f.engine.SyncAll(context.Background())
	if len(rep.GroupErrs) > 0 || rep.Added != 2 || rep.Removed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if f.cache.Len() != 2 || f.timers.Len() != 2 {
		t.Fatalf("records=%d timers=%d, want 2 and 2", f.cache.Len(), f.timers.Len())
	}
	if rec, _ := f.cache.Get("g1", "1"); rec.RemoteID != "r2" {
		t.Fatalf("local id 1 = %+v", rec)
	}
	moved, ok := f.cache.Get("g1", "2")
	if !ok || moved.RemoteID != "r1" || moved.Content != "a" || !moved.LastSentAt.Equal(sent) {
		t.Fatalf("relocated = %+v", moved)
	}
	if iv, _ := f.sched.Interval(jobs.Key{GroupID: "g1", LocalID: "1"}); iv != 30*time.Minute {
		t.Fatalf("timer at local id 1 = %v, want 30m", iv)
	}
	if iv, _ := f.sched.Interval(moved.Key()); iv != time.Hour {
		t.Fatalf("timer at %s = %v, want 1h", moved.Key(), iv)
	}
}

func TestRemoteReassignedLocalID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.remote.ListFn = snapshot(remote.Job{ID: "r1", GroupID: "g1", Content: "a", Interval: 1, Unit: "hours"})
	f.engine.SyncAll(context.Background())

	f.clock.Advance(time.Minute)
	f.remote.ListFn = snapshot(
		remote.Job{ID: "r2", GroupID: "g1", Content: "b", Interval: 1, Unit: "hours", LocalJobID: "1"},
		remote.Job{ID: "r1", GroupID: "g1", Content: "a", Interval: 1, Unit: "hours", LocalJobID: "3"},
	)
	f.engine.SyncAll(context.Background())

	got := map[string]string{}
	for _, rec := range f.cache.List("g1") {
		got[rec.LocalID] = rec.RemoteID
	}
	if len(got) != 2 || got["1"] != "r2" || got["3"] != "r1" {
		t.Fatalf("records = %v", got)
	}
	if f.timers.Len() != 2 {
		t.Fatalf("timers = %d, want 2", f.timers.Len())
	}
}

func TestDuplicateLocalIDClaim(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.remote.ListFn = snapshot(
		remote.Job{ID: "r1", GroupID: "g1", Content: "a", Interval: 1, Unit: "hours", LocalJobID: "1"},
		remote.Job{ID: "r2", GroupID: "g1", Content: "b", Interval: 1, Unit: "hours", LocalJobID: "1"},
	)
	f.engine.SyncAll(context.Background())

	if rec, _ := f.cache.Get("g1", "1"); rec.RemoteID != "r1" {
		t.Fatalf("local id 1 = %+v", rec)
	}
	if rec, ok := f.cache.Get("g1", "2"); !ok || rec.RemoteID != "r2" {
		t.Fatalf("local id 2 = %+v", rec)
	}
	if f.timers.Len() != 2 {
		t.Fatalf("timers = %d, want 2", f.timers.Len())
	}
}

// flakyScheduler panics on Schedule once ok calls have gone through.
type flakyScheduler struct {
	jobs.Scheduler
	ok int
}

func (s *flakyScheduler) Schedule(rec jobs.JobRecord) {
	if s.ok == 0 {
		panic("timer wheel exploded")
	}
	s.ok--
	s.Scheduler.Schedule(rec)
}

type eventLog struct {
	mu    sync.Mutex
	types []string
}

func (l *eventLog) Publish(ev eventbus.Event) {
	l.mu.Lock()
	l.types = append(l.types, ev.Type)
	l.mu.Unlock()
}

func (l *eventLog) count(typ string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.types {
		if t == typ {
			n++
		}
	}
	return n
}

func TestPanicMidMergeReportsAppliedRecords(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	events := &eventLog{}
	engine := New(Config{}, f.cache, &flakyScheduler{Scheduler: f.sched, ok: 1}, f.remote, logx.Nop(), WithBus(events))
	f.remote.Put(remote.Job{ID: "r1", GroupID: "g1", Content: "a", Interval: 1, Unit: "hours", LocalJobID: "1"})
	f.remote.Put(remote.Job{ID: "r2", GroupID: "g1", Content: "b", Interval: 1, Unit: "hours", LocalJobID: "2"})

	rep := engine.SyncAll(context.Background())
	if rep.GroupErrs["g1"] == nil {
		t.Fatalf("panic not reported: %+v", rep)
	}
	if rep.Added != f.cache.Len() || rep.Added != 2 {
		t.Fatalf("Added = %d, cached = %d", rep.Added, f.cache.Len())
	}
	if n := events.count(jobs.EventJobAdded); n != 2 {
		t.Fatalf("job.added events = %d, want 2", n)
	}

	// The cache lock is released after the panic.
	if f.cache.Len() != 2 || f.timers.Len() != 1 {
		t.Fatalf("records=%d timers=%d", f.cache.Len(), f.timers.Len())
	}
}
