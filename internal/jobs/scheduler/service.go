package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"adbot/internal/jobs"
	logx "adbot/pkg/logx"
)

// Deliverer performs one firing of a job.
type Deliverer interface {
	Deliver(ctx context.Context, rec jobs.JobRecord)
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, rec jobs.JobRecord)

func (f DelivererFunc) Deliver(ctx context.Context, rec jobs.JobRecord) { f(ctx, rec) }

// Service keeps exactly one recurring timer per job key.
//
// A tick delivers the record snapshot taken when the job was scheduled;
// content changes require a new Schedule call.
type Service struct {
	log     logx.Logger
	timers  Timers
	deliver Deliverer

	mu      sync.Mutex
	ctx     context.Context
	entries map[jobs.Key]entry
}

type entry struct {
	id          TimerID
	every       time.Duration
	scheduledAt time.Time
}

// Entry is a point-in-time view of one scheduled job.
type Entry struct {
	Key         jobs.Key      `json:"key"`
	Every       time.Duration `json:"every"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	Next        time.Time     `json:"next,omitempty"`
	Prev        time.Time     `json:"prev,omitempty"`
}

var _ jobs.Scheduler = (*Service)(nil)

func New(timers Timers, deliver Deliverer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log,
		timers:  timers,
		deliver: deliver,
		ctx:     context.Background(),
		entries: map[jobs.Key]entry{},
	}
}

// Schedule cancels any timer for rec's key, then starts a new one firing
// every rec.Interval(). Non-positive intervals leave the key unscheduled.
func (s *Service) Schedule(rec jobs.JobRecord) {
	key := rec.Key()
	every := rec.Interval()

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		s.timers.Cancel(old.id)
		delete(s.entries, key)
	}
	if every <= 0 {
		s.log.Warn("job has no usable interval; not scheduled",
			logx.String("key", key.String()),
			logx.Int("count", rec.IntervalCount),
			logx.String("unit", string(rec.Unit)),
		)
		return
	}

	snap := rec
	idp := new(TimerID)
	*idp = s.timers.Start(every, func() { s.fire(idp, snap) })
	s.entries[key] = entry{id: *idp, every: every, scheduledAt: time.Now()}
	s.log.Debug("job scheduled", logx.String("key", key.String()), logx.Duration("every", every))
}

// Cancel stops the key's timer. Safe to call for unknown keys.
func (s *Service) Cancel(key jobs.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return
	}
	s.timers.Cancel(e.id)
	delete(s.entries, key)
	s.log.Debug("job timer cancelled", logx.String("key", key.String()))
}

// Interval returns the active interval for key.
func (s *Service) Interval(key jobs.Key) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e.every, ok
}

func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot lists active timers ordered by key.
func (s *Service) Snapshot() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for k, e := range s.entries {
		out = append(out, Entry{Key: k, Every: e.every, ScheduledAt: e.scheduledAt})
	}
	ids := make(map[jobs.Key]TimerID, len(s.entries))
	for k, e := range s.entries {
		ids[k] = e.id
	}
	s.mu.Unlock()

	if tt, ok := s.timers.(interface {
		Times(TimerID) (time.Time, time.Time)
	}); ok {
		for i := range out {
			out[i].Next, out[i].Prev = tt.Times(ids[out[i].Key])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.GroupID != out[j].Key.GroupID {
			return out[i].Key.GroupID < out[j].Key.GroupID
		}
		return out[i].Key.LocalID < out[j].Key.LocalID
	})
	return out
}

// Start arms the timers. ctx becomes the parent of every delivery.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if ctx != nil {
		s.ctx = ctx
	}
	n := len(s.entries)
	s.mu.Unlock()

	if r, ok := s.timers.(interface{ Run() }); ok {
		r.Run()
	}
	s.log.Info("service started", logx.Int("timers", n))
}

// Stop halts all timers. Deliveries already running are not interrupted.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	if h, ok := s.timers.(interface{ Halt(context.Context) }); ok {
		h.Halt(ctx)
	}
	s.log.Info("service stopped", logx.Int("timers", s.Len()), logx.Duration("took", time.Since(start)))
}

// fire runs on a timer goroutine. A tick from a timer that was replaced or
// cancelled in the meantime is dropped.
func (s *Service) fire(idp *TimerID, rec jobs.JobRecord) {
	s.mu.Lock()
	ctx := s.ctx
	e, ok := s.entries[rec.Key()]
	live := ok && e.id == *idp
	s.mu.Unlock()
	if !live || s.deliver == nil {
		return
	}
	s.deliver.Deliver(ctx, rec)
}
