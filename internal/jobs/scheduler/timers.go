package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "adbot/pkg/logx"
)

// TimerID is a handle returned by Timers.Start.
type TimerID int64

// Timers starts and cancels recurring callbacks.
//
// Start must not call fn synchronously. Cancel of an unknown or already
// cancelled handle is a no-op.
type Timers interface {
	Start(every time.Duration, fn func()) TimerID
	Cancel(id TimerID)
}

// CronTimers runs recurring callbacks on a robfig/cron scheduler.
//
// Each callback is wrapped with Recover and SkipIfStillRunning: a tick that
// fires while the previous one is still running is dropped, never queued.
type CronTimers struct {
	c   *cron.Cron
	log logx.Logger

	mu      sync.Mutex
	running bool
}

func NewCronTimers(log logx.Logger, loc *time.Location) *CronTimers {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &CronTimers{c: c, log: log}
}

func (t *CronTimers) Start(every time.Duration, fn func()) TimerID {
	return TimerID(t.c.Schedule(cron.Every(every), cron.FuncJob(fn)))
}

func (t *CronTimers) Cancel(id TimerID) {
	t.c.Remove(cron.EntryID(id))
}

// Times returns the next and previous fire time of a timer.
func (t *CronTimers) Times(id TimerID) (next, prev time.Time) {
	e := t.c.Entry(cron.EntryID(id))
	return e.Next, e.Prev
}

// Run starts firing. Timers registered before Run are armed relative to
// the moment Run is called.
func (t *CronTimers) Run() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.c.Start()
}

// Halt stops firing and waits (bounded by ctx) for running callbacks.
func (t *CronTimers) Halt(ctx context.Context) {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	select {
	case <-t.c.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger bridges cron's logr-style logger to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	// cron logs every wake-up at info; keep it at trace.
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
