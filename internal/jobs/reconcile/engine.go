package reconcile

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"adbot/internal/errors"
	"adbot/internal/eventbus"
	"adbot/internal/jobs"
	"adbot/internal/metrics"
	"adbot/internal/remote"
	logx "adbot/pkg/logx"
)

// Lister fetches the authoritative job set.
type Lister interface {
	ListJobs(ctx context.Context) ([]remote.Job, error)
}

// Ledger supplies last-sent times the remote does not know about.
// storage.Store satisfies it.
type Ledger interface {
	LastSent(ctx context.Context, key string) (time.Time, bool, error)
}

type Config struct {
	Interval     time.Duration // period of Run; 0 means 5m
	InitialDelay time.Duration // first Run cycle; 0 runs immediately
	GracePeriod  time.Duration // 0 means 30s
	GroupDelay   time.Duration // pause between groups; 0 disables
}

const (
	DefaultInterval    = 5 * time.Minute
	DefaultGracePeriod = 30 * time.Second
)

// Report summarizes one cycle.
type Report struct {
	Scope     string           `json:"scope"` // "all" or the group ID
	At        time.Time        `json:"at"`
	Groups    int              `json:"groups"`
	Added     int              `json:"added"`
	Removed   int              `json:"removed"`
	Retained  int              `json:"retained"`
	Skipped   bool             `json:"skipped,omitempty"`
	Err       error            `json:"-"`
	GroupErrs map[string]error `json:"-"`
	Took      time.Duration    `json:"took"`
}

// Engine brings the local job cache in line with the remote authority.
//
// At most one cycle runs at a time; a request that arrives while a cycle is
// running returns immediately with Report.Skipped set.
type Engine struct {
	log    logx.Logger
	cache  *jobs.Cache
	sched  jobs.Scheduler
	remote Lister
	ledger Ledger
	bus    eventbus.Publisher
	sleep  func(ctx context.Context, d time.Duration) error

	cfgMu sync.RWMutex
	cfg   Config

	sem *semaphore.Weighted
	bg  sync.WaitGroup

	lastMu sync.Mutex
	last   Report
}

type Option func(*Engine)

func WithLedger(l Ledger) Option { return func(e *Engine) { e.ledger = l } }

func WithBus(b eventbus.Publisher) Option {
	return func(e *Engine) {
		if b != nil {
			e.bus = b
		}
	}
}

// WithSleep replaces the pause used between groups.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

func New(cfg Config, cache *jobs.Cache, sched jobs.Scheduler, lister Lister, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		log:    log,
		cache:  cache,
		sched:  sched,
		remote: lister,
		bus:    eventbus.Nop(),
		sleep:  sleepCtx,
		sem:    semaphore.NewWeighted(1),
	}
	for _, o := range opts {
		o(e)
	}
	e.Apply(cfg)
	return e
}

func (e *Engine) Apply(cfg Config) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Last returns the most recent non-skipped report.
func (e *Engine) Last() Report {
	e.lastMu.Lock()
	defer e.lastMu.Unlock()
	return e.last
}

// Run syncs after InitialDelay and then every Interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	cfg := e.config()
	e.log.Info("reconcile loop started",
		logx.Duration("initial_delay", cfg.InitialDelay),
		logx.Duration("interval", cfg.Interval),
		logx.Duration("grace", cfg.GracePeriod),
	)
	if err := e.sleep(ctx, cfg.InitialDelay); err != nil {
		return nil
	}
	e.SyncAll(ctx)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.SyncAll(ctx)
			if iv := e.config().Interval; iv != cfg.Interval {
				cfg.Interval = iv
				ticker.Reset(iv)
			}
		}
	}
}

// SyncAll reconciles every group.
func (e *Engine) SyncAll(ctx context.Context) Report {
	return e.run(ctx, "")
}

// SyncGroup reconciles one group. Records of other groups are not touched.
func (e *Engine) SyncGroup(ctx context.Context, groupID string) Report {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return Report{Err: errors.Validationf("group id is required")}
	}
	return e.run(ctx, groupID)
}

// Trigger starts a full cycle in the background. It returns false when a
// cycle is already running.
func (e *Engine) Trigger(ctx context.Context) bool {
	if !e.sem.TryAcquire(1) {
		e.skipped("all")
		return false
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer e.sem.Release(1)
		e.cycle(context.WithoutCancel(ctx), "")
	}()
	return true
}

// Wait blocks until triggered cycles finish or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(ctx context.Context, groupID string) Report {
	if !e.sem.TryAcquire(1) {
		return e.skipped(scopeOf(groupID))
	}
	defer e.sem.Release(1)
	return e.cycle(ctx, groupID)
}

func (e *Engine) skipped(scope string) Report {
	metrics.SyncSkippedTotal.Inc()
	e.log.Debug("sync already running; request dropped", logx.String("scope", scope))
	return Report{Scope: scope, At: e.cache.Now(), Skipped: true}
}

func scopeOf(groupID string) string {
	if groupID == "" {
		return "all"
	}
	return groupID
}

func (e *Engine) cycle(ctx context.Context, only string) (rep Report) {
	cfg := e.config()
	start := time.Now()
	rep = Report{Scope: scopeOf(only), At: e.cache.Now()}
	log := e.log.With(logx.String("scope", rep.Scope))

	defer func() {
		rep.Took = time.Since(start)
		e.finish(log, only, rep)
	}()

	list, err := e.remote.ListJobs(ctx)
	if err != nil {
		rep.Err = errors.Wrap(err, "fetch remote jobs")
		log.Warn("sync fetch failed; local state unchanged", logx.String("kind", errors.Kind(err)), logx.Err(err))
		return rep
	}

	byGroup := map[string][]remote.Job{}
	var order []string
	for _, j := range list {
		g := strings.TrimSpace(j.GroupID)
		if g == "" {
			log.Warn("remote job without group skipped", logx.String("remote_id", j.ID.String()))
			continue
		}
		if only != "" && g != only {
			continue
		}
		if _, seen := byGroup[g]; !seen {
			order = append(order, g)
		}
		byGroup[g] = append(byGroup[g], j)
	}

	// Groups that vanished remotely still need their local records aged out.
	if only == "" {
		for _, g := range e.cache.Groups() {
			if _, seen := byGroup[g]; !seen {
				byGroup[g] = nil
				order = append(order, g)
			}
		}
	} else if _, seen := byGroup[only]; !seen {
		order = append(order, only)
	}

	for i, g := range order {
		if i > 0 && cfg.GroupDelay > 0 {
			if err := e.sleep(ctx, cfg.GroupDelay); err != nil {
				rep.Err = errors.Wrap(err, "sync interrupted")
				return rep
			}
		}
		res, err := e.syncGroup(ctx, g, byGroup[g], cfg.GracePeriod)
		rep.Groups++
		rep.Added += res.added
		rep.Removed += res.removed
		rep.Retained += res.retained
		if err != nil {
			if rep.GroupErrs == nil {
				rep.GroupErrs = map[string]error{}
			}
			rep.GroupErrs[g] = err
			log.Error("group sync failed", logx.String("group", g), logx.Err(err))
		}
	}
	return rep
}

func (e *Engine) finish(log logx.Logger, only string, rep Report) {
	scope := "all"
	if only != "" {
		scope = "group"
	}
	result := "ok"
	if rep.Err != nil || len(rep.GroupErrs) > 0 {
		result = "error"
	}
	metrics.SyncCyclesTotal.WithLabelValues(scope, result).Inc()
	metrics.SyncDurationSeconds.Observe(rep.Took.Seconds())
	metrics.SyncChangesTotal.WithLabelValues("added").Add(float64(rep.Added))
	metrics.SyncChangesTotal.WithLabelValues("removed").Add(float64(rep.Removed))
	metrics.SyncChangesTotal.WithLabelValues("retained").Add(float64(rep.Retained))
	metrics.JobsActive.Set(float64(e.cache.Len()))

	e.lastMu.Lock()
	e.last = rep
	e.lastMu.Unlock()

	e.bus.Publish(eventbus.Event{Type: jobs.EventSyncCompleted, Data: rep})
	if rep.Err == nil {
		log.Info("sync completed",
			logx.Int("groups", rep.Groups),
			logx.Int("added", rep.Added),
			logx.Int("removed", rep.Removed),
			logx.Int("retained", rep.Retained),
			logx.Duration("took", rep.Took),
		)
	}
}

type groupResult struct {
	added, removed, retained int
}

// syncGroup merges one group's remote entries into the cache. A panic is
// contained to the group; records applied before it are still reported.
func (e *Engine) syncGroup(ctx context.Context, groupID string, entries []remote.Job, grace time.Duration) (res groupResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
		}
	}()

	m := &merge{e: e, group: groupID, grace: grace}
	err = m.apply(entries)
	res = groupResult{added: len(m.added), removed: len(m.removed), retained: m.retained}

	for _, rec := range m.added {
		e.log.Info("job added from remote",
			logx.String("key", rec.Key().String()),
			logx.String("remote_id", rec.RemoteID),
			logx.Duration("every", rec.Interval()),
		)
		e.bus.Publish(eventbus.Event{Type: jobs.EventJobAdded, Data: rec.Key()})
		if rec.LastSentAt.IsZero() && e.ledger != nil {
			if at, ok, lerr := e.ledger.LastSent(ctx, rec.Key().String()); lerr == nil && ok {
				e.cache.MarkSent(rec.Key(), at)
			}
		}
	}
	for _, rm := range m.removed {
		e.log.Info("job removed", logx.String("key", rm.key.String()), logx.String("reason", rm.reason))
		e.bus.Publish(eventbus.Event{Type: jobs.EventJobRemoved, Data: rm.key})
	}
	return res, err
}

type removal struct {
	key    jobs.Key
	reason string
}

type claim struct {
	job      remote.Job
	rid, lid string
}

// merge is the state of one group's pass over the cache. added and removed
// grow as changes are applied, so they stay accurate if the pass stops early.
type merge struct {
	e     *Engine
	group string
	grace time.Duration

	added    []jobs.JobRecord
	removed  []removal
	retained int
}

func (m *merge) apply(entries []remote.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
		}
	}()
	return m.e.cache.Update(func(tx *jobs.Tx) error {
		m.run(tx, entries)
		return nil
	})
}

// run claims every local ID the remote supplied before resolving the
// entries that came without one, so an allocation can never take an ID
// that a later entry names.
func (m *merge) run(tx *jobs.Tx, entries []remote.Job) {
	now := tx.Now()
	seenRemote := map[string]bool{}
	seenLocal := map[string]bool{}
	owners := map[string]string{} // local ID -> remote ID
	placed := map[string]string{} // remote ID -> local ID

	claims := make([]claim, 0, len(entries))
	for _, j := range entries {
		c := claim{
			job: j,
			rid: strings.TrimSpace(j.ID.String()),
			lid: strings.TrimSpace(j.LocalJobID.String()),
		}
		if c.rid == "" && c.lid == "" {
			m.e.log.Warn("remote job without any id skipped", logx.String("group", m.group))
			continue
		}
		if c.rid != "" {
			seenRemote[c.rid] = true
		}
		if c.lid != "" {
			if owner, taken := owners[c.lid]; taken && owner != c.rid {
				m.e.log.Warn("local id claimed by two remote jobs; reallocating",
					logx.String("group", m.group), logx.String("local_id", c.lid),
					logx.String("kept", owner), logx.String("remote_id", c.rid))
				if c.rid == "" {
					continue
				}
				c.lid = ""
			} else {
				owners[c.lid] = c.rid
				if c.rid != "" {
					placed[c.rid] = c.lid
				}
				tx.Observe(m.group, c.lid)
			}
		}
		claims = append(claims, c)
	}

	for _, c := range claims {
		if c.lid == "" || c.rid == "" {
			continue
		}
		if cur, ok := tx.Get(m.group, c.lid); ok && cur.RemoteID != "" && cur.RemoteID != c.rid {
			m.relocate(tx, cur, placed)
		}
	}

	for _, c := range claims {
		lid := c.lid
		if lid == "" {
			if rec, ok := tx.FindByRemote(m.group, c.rid); ok {
				lid = rec.LocalID
			} else {
				lid = tx.Allocate(m.group)
			}
		}
		seenLocal[lid] = true

		key := jobs.Key{GroupID: m.group, LocalID: lid}
		if tx.Tombstoned(key) {
			continue
		}
		if cur, ok := tx.Get(m.group, lid); ok {
			if cur.RemoteID == "" && c.rid != "" {
				cur.RemoteID = c.rid
				tx.Upsert(cur)
			}
			if cur.RemoteID == "" || c.rid == "" || cur.RemoteID == c.rid {
				continue
			}
			m.relocate(tx, cur, placed)
		}
		m.create(tx, key, c, now)
	}

	for _, rec := range tx.List(m.group) {
		if (rec.RemoteID != "" && seenRemote[rec.RemoteID]) || seenLocal[rec.LocalID] {
			continue
		}
		if now.Sub(rec.CreatedAt) > m.grace {
			m.e.sched.Cancel(rec.Key())
			tx.Remove(rec.Key())
			m.removed = append(m.removed, removal{key: rec.Key(), reason: "absent from remote"})
		} else {
			m.retained++
		}
	}
}

func (m *merge) create(tx *jobs.Tx, key jobs.Key, c claim, now time.Time) {
	unit, ok := jobs.ParseUnit(c.job.Unit)
	if !ok {
		m.e.log.Warn("unknown unit from remote; using minutes",
			logx.String("key", key.String()), logx.String("unit", c.job.Unit))
		unit = jobs.Minutes
	}
	rec := jobs.JobRecord{
		GroupID:       key.GroupID,
		LocalID:       key.LocalID,
		RemoteID:      c.rid,
		Content:       c.job.Content,
		IntervalCount: c.job.Interval,
		Unit:          unit,
		CreatedAt:     now,
	}
	if c.job.LastSentAt != nil {
		rec.LastSentAt = *c.job.LastSentAt
	}
	tx.Upsert(rec)
	m.added = append(m.added, rec)
	m.e.sched.Schedule(rec)
}

// relocate moves rec off a local ID the remote has given to another job.
// When the remote names a local ID for rec itself, the record is dropped
// and recreated there by the caller's pass; otherwise it gets a fresh ID
// and keeps its content and last-sent time.
func (m *merge) relocate(tx *jobs.Tx, rec jobs.JobRecord, placed map[string]string) {
	old := rec.Key()
	m.e.sched.Cancel(old)
	tx.Remove(old)
	m.removed = append(m.removed, removal{key: old, reason: "local id taken by remote job"})
	if lid, ok := placed[rec.RemoteID]; ok && lid != old.LocalID {
		m.e.log.Warn("job moves to the local id the remote assigned",
			logx.String("from", old.String()), logx.String("local_id", lid), logx.String("remote_id", rec.RemoteID))
		return
	}
	rec.LocalID = tx.Allocate(m.group)
	tx.Upsert(rec)
	m.e.sched.Schedule(rec)
	m.added = append(m.added, rec)
	m.e.log.Warn("job relocated: local id taken by remote job",
		logx.String("from", old.String()), logx.String("to", rec.Key().String()), logx.String("remote_id", rec.RemoteID))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
