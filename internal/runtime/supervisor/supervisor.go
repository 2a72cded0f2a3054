package supervisor

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"adbot/internal/errors"
	logx "adbot/pkg/logx"
)

// A run that lasted this long resets the restart delay to its floor.
const healthyRun = 30 * time.Second

// Supervisor owns a set of named goroutines sharing one context. Each task
// is run under a policy: once, or restarted with backoff until the context
// ends.
type Supervisor struct {
	ctx         context.Context
	cancel      context.CancelFunc
	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	started  atomic.Uint64
	active   atomic.Int64
	done     chan struct{}
	waitOnce sync.Once

	errMu sync.Mutex
	err   error

	mu    sync.Mutex
	tasks map[string]*TaskStats
}

type Option func(*Supervisor)

type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// TaskStats covers every run of one task name, restarts included.
type TaskStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Panics      uint64        `json:"panics"`
	Restarts    uint64        `json:"restarts"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastStopAt  time.Time     `json:"last_stop_at,omitempty"`
	LastErr     string        `json:"last_err,omitempty"`
	LastErrAt   time.Time     `json:"last_err_at,omitempty"`
	LastPanic   string        `json:"last_panic,omitempty"`
	Uptime      time.Duration `json:"total_runtime"`
}

type Snapshot struct {
	Counters   Counters    `json:"counters"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context once a task fails for good.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		tasks:  map[string]*TaskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }
func (s *Supervisor) Cancel()                  { s.cancel() }

// Err is the first error recorded, nil while everything is healthy.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

// Snapshot lists tasks with running ones first.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	snap.Tasks = make([]TaskStats, 0, len(s.tasks))
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, *t)
	}
	s.mu.Unlock()

	sort.Slice(snap.Tasks, func(i, j int) bool {
		a, b := snap.Tasks[i], snap.Tasks[j]
		if (a.Active > 0) != (b.Active > 0) {
			return a.Active > 0
		}
		return a.Name < b.Name
	})
	return snap
}

// Go runs fn once. A non-nil error other than context.Canceled, or a
// panic, is a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn != nil {
		s.spawn(name, fn, policy{})
	}
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn != nil {
		s.Go(name, noErr(fn))
	}
}

// GoRestart runs fn and runs it again after an error or panic, waiting a
// jittered exponential delay in between, until the context ends.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := policy{
		restart:   true,
		floor:     250 * time.Millisecond,
		ceil:      30 * time.Second,
		cleanStop: true,
	}
	for _, o := range opts {
		o(&p)
	}
	p.ceil = max(p.ceil, p.floor)
	s.spawn(name, fn, p)
}

func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn != nil {
		s.GoRestart(name, noErr(fn), opts...)
	}
}

type RestartOption func(*policy)

type policy struct {
	restart   bool
	floor     time.Duration
	ceil      time.Duration
	cleanStop bool
	publish   bool
}

func WithRestartBackoff(floor, ceil time.Duration) RestartOption {
	return func(p *policy) {
		if floor > 0 {
			p.floor = floor
		}
		if ceil > 0 {
			p.ceil = ceil
		}
	}
}

// WithPublishFirstError makes a failed run visible through Err even though
// the task keeps restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *policy) { p.publish = enabled }
}

// WithStopOnCleanExit ends the task when fn returns nil (the default);
// disabled, a clean return is restarted like an error.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *policy) { p.cleanStop = enabled }
}

func (s *Supervisor) spawn(name string, fn func(context.Context) error, p policy) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		s.loop(name, fn, p)
	}()
}

func (s *Supervisor) loop(name string, fn func(context.Context) error, p policy) {
	delay := p.floor
	for run := 0; ; run++ {
		began := s.begin(name, run > 0)
		err := s.call(name, fn)

		if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			s.end(name, began, nil)
			return
		}
		if err == nil {
			if !p.restart || p.cleanStop {
				s.end(name, began, nil)
				return
			}
			err = errors.New("exited")
		}
		err = errors.Wrap(err, name)
		s.end(name, began, err)

		if !p.restart {
			s.fail(err)
			return
		}
		if p.publish {
			s.setErr(err)
		}
		if time.Since(began) >= healthyRun {
			delay = p.floor
		}
		wait := jitter(delay)
		s.log.Warn("task restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

		t := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		delay = min(delay*2, p.ceil)
	}
}

// call runs fn and turns a panic into an error.
func (s *Supervisor) call(name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			s.record(name, func(t *TaskStats) {
				t.Panics++
				t.LastPanic = errors.Newf("%v", r).Error()
			})
			err = errors.Newf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) begin(name string, restart bool) time.Time {
	now := time.Now()
	s.record(name, func(t *TaskStats) {
		t.Started++
		t.Active++
		t.LastStartAt = now
		if restart {
			t.Restarts++
		}
	})
	s.log.Debug("task started", logx.String("name", name), logx.Bool("restart", restart))
	return now
}

func (s *Supervisor) end(name string, began time.Time, err error) {
	now := time.Now()
	s.record(name, func(t *TaskStats) {
		t.Active = max(t.Active-1, 0)
		t.LastStopAt = now
		t.Uptime += now.Sub(began)
		if err != nil {
			t.LastErr = err.Error()
			t.LastErrAt = now
		}
	})
	s.log.Debug("task stopped", logx.String("name", name))
}

func (s *Supervisor) record(name string, fn func(*TaskStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[name]
	if t == nil {
		t = &TaskStats{Name: name}
		s.tasks[name] = t
	}
	fn(t)
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every task returned or ctx ends. It returns the first
// recorded error.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.setErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func noErr(fn func(context.Context)) func(context.Context) error {
	return func(ctx context.Context) error {
		fn(ctx)
		return nil
	}
}

// jitter adds up to 20% to d.
func jitter(d time.Duration) time.Duration {
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(time.Now().UnixNano() % (j + 1))
	}
	return d
}
