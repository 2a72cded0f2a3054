// Package jobstest provides in-memory fakes for exercising the job engine
// without a network, a chat transport or real timers.
package jobstest

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"adbot/internal/errors"
	"adbot/internal/jobs/scheduler"
	"adbot/internal/remote"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{t: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Timers records every timer started and lets tests fire them by hand.
type Timers struct {
	mu        sync.Mutex
	seq       scheduler.TimerID
	active    map[scheduler.TimerID]*Timer
	Started   int
	Cancelled int
}

type Timer struct {
	ID    scheduler.TimerID
	Every time.Duration
	fn    func()
}

func NewTimers() *Timers {
	return &Timers{active: map[scheduler.TimerID]*Timer{}}
}

func (f *Timers) Start(every time.Duration, fn func()) scheduler.TimerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.active[f.seq] = &Timer{ID: f.seq, Every: every, fn: fn}
	f.Started++
	return f.seq
}

func (f *Timers) Cancel(id scheduler.TimerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[id]; ok {
		delete(f.active, id)
		f.Cancelled++
	}
}

// Active returns the running timers ordered by start.
func (f *Timers) Active() []Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Timer, 0, len(f.active))
	for _, t := range f.active {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Timers) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

// Fire runs the timer callback synchronously. It returns false for unknown
// or cancelled timers.
func (f *Timers) Fire(id scheduler.TimerID) bool {
	f.mu.Lock()
	t, ok := f.active[id]
	f.mu.Unlock()
	if !ok {
		return false
	}
	t.fn()
	return true
}

// FireStale runs a callback even after its timer was cancelled, the way a
// tick already queued on a cron goroutine would.
func (t Timer) FireStale() { t.fn() }

// Remote is an in-memory job authority. The Fn fields, when set, replace
// the default behaviour of the matching call.
type Remote struct {
	mu     sync.Mutex
	seq    int
	jobs   []remote.Job
	hidden map[string]bool
	marked []string

	ListFn     func(ctx context.Context) ([]remote.Job, error)
	CreateFn   func(ctx context.Context, req remote.CreateJobRequest) (remote.Job, error)
	DeleteFn   func(ctx context.Context, groupID, localID string) error
	MarkSentFn func(ctx context.Context, remoteID string) error
}

func NewRemote() *Remote {
	return &Remote{hidden: map[string]bool{}}
}

// Put stores a job as if another actor (the panel) created it and returns
// its remote ID.
func (r *Remote) Put(j remote.Job) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.ID == "" {
		r.seq++
		j.ID = remote.FlexString("r" + strconv.Itoa(r.seq))
	}
	r.jobs = append(r.jobs, j)
	return j.ID.String()
}

// Hide makes a job disappear from list results without deleting it.
func (r *Remote) Hide(remoteID string, hidden bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hidden {
		r.hidden[remoteID] = true
	} else {
		delete(r.hidden, remoteID)
	}
}

// Drop deletes a job by remote ID.
func (r *Remote) Drop(remoteID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, j := range r.jobs {
		if j.ID.String() == remoteID {
			r.jobs = append(r.jobs[:i], r.jobs[i+1:]...)
			return
		}
	}
}

func (r *Remote) Jobs() []remote.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]remote.Job(nil), r.jobs...)
}

// Marked returns the remote IDs acknowledged through MarkSent.
func (r *Remote) Marked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.marked...)
}

func (r *Remote) ListJobs(ctx context.Context) ([]remote.Job, error) {
	if r.ListFn != nil {
		return r.ListFn(ctx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]remote.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if !r.hidden[j.ID.String()] {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *Remote) CreateJob(ctx context.Context, req remote.CreateJobRequest) (remote.Job, error) {
	if r.CreateFn != nil {
		return r.CreateFn(ctx, req)
	}
	j := remote.Job{
		GroupID:    req.GroupID,
		Content:    req.Content,
		Interval:   req.Interval,
		Unit:       req.Unit,
		LocalJobID: remote.FlexString(req.LocalJobID),
	}
	id := r.Put(j)
	j.ID = remote.FlexString(id)
	return j, nil
}

func (r *Remote) DeleteJob(ctx context.Context, groupID, localID string) error {
	if r.DeleteFn != nil {
		return r.DeleteFn(ctx, groupID, localID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, j := range r.jobs {
		if j.GroupID == groupID && j.LocalJobID.String() == localID {
			r.jobs = append(r.jobs[:i], r.jobs[i+1:]...)
			return nil
		}
	}
	return errors.Mark(&remote.StatusError{Method: "DELETE", Path: "/jobs/" + localID, Status: 404, Message: "job not found"}, errors.ErrRemoteRejected)
}

func (r *Remote) MarkSent(ctx context.Context, remoteID string) error {
	if r.MarkSentFn != nil {
		return r.MarkSentFn(ctx, remoteID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marked = append(r.marked, remoteID)
	return nil
}

// Sender records sends in memory.
type Sender struct {
	mu       sync.Mutex
	sent     []Sent
	NotReady bool
	SendFn   func(ctx context.Context, destination, text string) error
}

type Sent struct {
	Destination string
	Text        string
}

func (s *Sender) Send(ctx context.Context, destination, text string) error {
	if s.SendFn != nil {
		if err := s.SendFn(ctx, destination, text); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.sent = append(s.sent, Sent{Destination: destination, Text: text})
	s.mu.Unlock()
	return nil
}

func (s *Sender) Ready() bool { return !s.NotReady }

func (s *Sender) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}
