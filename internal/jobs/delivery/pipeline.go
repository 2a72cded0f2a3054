package delivery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"adbot/internal/errors"
	"adbot/internal/eventbus"
	"adbot/internal/jobs"
	"adbot/internal/metrics"
	"adbot/internal/transport"
	logx "adbot/pkg/logx"
)

// Acker acknowledges a delivery to the remote authority.
type Acker interface {
	MarkSent(ctx context.Context, remoteID string) error
}

// Ledger persists last-sent times. storage.Store satisfies it.
type Ledger interface {
	PutLastSent(ctx context.Context, key string, at time.Time) error
}

type Config struct {
	Timeout    time.Duration // per send; 0 means 30s
	RatePerSec float64       // 0 disables limiting
	Burst      int
}

// Pipeline performs one firing of a job: send the content to the group,
// record the local last-sent time and acknowledge the remote in the
// background. It never retries and never returns an error to the timer.
type Pipeline struct {
	log    logx.Logger
	cache  *jobs.Cache
	sender transport.Sender
	acker  Acker
	ledger Ledger
	bus    eventbus.Publisher
	now    func() time.Time

	mu      sync.RWMutex
	timeout time.Duration
	limiter *rate.Limiter

	acks sync.WaitGroup
}

type Option func(*Pipeline)

func WithLedger(l Ledger) Option { return func(p *Pipeline) { p.ledger = l } }

func WithBus(b eventbus.Publisher) Option {
	return func(p *Pipeline) {
		if b != nil {
			p.bus = b
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func New(cfg Config, cache *jobs.Cache, sender transport.Sender, acker Acker, log logx.Logger, opts ...Option) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pipeline{
		log:    log,
		cache:  cache,
		sender: sender,
		acker:  acker,
		bus:    eventbus.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	p.Apply(cfg)
	return p
}

// Apply swaps timeout and rate limit. Deliveries already waiting keep the
// old limiter.
func (p *Pipeline) Apply(cfg Config) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	p.mu.Lock()
	p.timeout = timeout
	p.limiter = lim
	p.mu.Unlock()
}

func (p *Pipeline) settings() (time.Duration, *rate.Limiter) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.timeout, p.limiter
}

func (p *Pipeline) Deliver(ctx context.Context, rec jobs.JobRecord) {
	if ctx == nil {
		ctx = context.Background()
	}
	key := rec.Key()
	log := p.log.With(logx.String("key", key.String()), logx.String("remote_id", rec.RemoteID))

	if p.sender == nil || !p.sender.Ready() {
		log.Warn("transport not ready; delivery skipped")
		p.failed(rec, "not_ready", errors.Mark(errors.New("transport not ready"), errors.ErrTransport))
		return
	}

	timeout, lim := p.settings()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			log.Debug("delivery cancelled while rate limited", logx.Err(err))
			return
		}
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	err := p.sender.Send(sctx, rec.GroupID, rec.Content)
	cancel()
	if err != nil {
		log.Warn("delivery failed", logx.Err(err), logx.String("kind", errors.Kind(err)))
		p.failed(rec, "failed", err)
		return
	}

	at := p.now()
	if !p.cache.MarkSent(key, at) {
		log.Debug("job removed while delivering")
	}
	metrics.DeliveriesTotal.WithLabelValues("sent").Inc()
	p.bus.Publish(eventbus.Event{Type: jobs.EventJobDelivered, Data: key})
	log.Debug("delivered", logx.Duration("took", time.Since(start)))

	if rec.RemoteID == "" && p.ledger == nil {
		return
	}
	p.acks.Add(1)
	go p.acknowledge(context.WithoutCancel(ctx), rec, at)
}

func (p *Pipeline) acknowledge(ctx context.Context, rec jobs.JobRecord, at time.Time) {
	defer p.acks.Done()
	key := rec.Key()

	if p.ledger != nil {
		if err := p.ledger.PutLastSent(ctx, key.String(), at); err != nil {
			p.log.Debug("last-sent ledger write failed", logx.String("key", key.String()), logx.Err(err))
		}
	}
	if rec.RemoteID == "" || p.acker == nil {
		return
	}
	if err := p.acker.MarkSent(ctx, rec.RemoteID); err != nil {
		metrics.AcksTotal.WithLabelValues("failed").Inc()
		p.log.Warn("mark-sent failed",
			logx.String("key", key.String()),
			logx.String("remote_id", rec.RemoteID),
			logx.String("kind", errors.Kind(err)),
			logx.Err(err),
		)
		return
	}
	metrics.AcksTotal.WithLabelValues("ok").Inc()
}

func (p *Pipeline) failed(rec jobs.JobRecord, result string, err error) {
	metrics.DeliveriesTotal.WithLabelValues(result).Inc()
	p.bus.Publish(eventbus.Event{
		Type: jobs.EventJobDeliveryFailed,
		Data: map[string]string{"key": rec.Key().String(), "error": err.Error()},
	})
}

// Wait blocks until background acknowledgements finish or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.acks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
