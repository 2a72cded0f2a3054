package adapter

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"adbot/internal/errors"
	rtsup "adbot/internal/runtime/supervisor"
	kit "adbot/internal/transport"
	logx "adbot/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	dropReportEvery    = 5 * time.Second
	stopGrace          = 2 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter is the Telegram side of the bot. It posts announcements and
// replies, looks up groups for the panel and turns incoming text into
// kit.Update values for the command dispatcher.
type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	mu  sync.Mutex
	sup *rtsup.Supervisor

	sink    atomic.Pointer[updateSink]
	dropped atomic.Uint64

	menuMu     sync.Mutex
	menuDigest uint64
}

type updateSink struct {
	ch chan<- kit.Update
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.Validationf("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram: init bot")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log, bot: bot}
	bot.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	a.push(kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			ThreadID:     m.ThreadID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
			IsGroup:      m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
		},
	})
	return nil
}

// push never blocks the poller; a full channel drops the update.
func (a *Adapter) push(up kit.Update) {
	s := a.sink.Load()
	if s == nil || s.ch == nil {
		return
	}
	select {
	case s.ch <- up:
	default:
		a.dropped.Add(1)
	}
}

// Supervisor is nil until Start.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sup
}

// Ready reports whether polling is running.
func (a *Adapter) Ready() bool {
	return a.Supervisor() != nil
}

// Start begins long polling and forwards text messages to out. Polling
// failures restart the poller and never cancel ctx.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.sink.Store(&updateSink{ch: out})

	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))))
	sup.Go0("updates.dropped", func(c context.Context) { a.reportDrops(c, cap(out)) })
	sup.Go0("poll.stopper", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	sup.GoRestart0("poll", a.poll,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	a.sup = sup
	return nil
}

func (a *Adapter) poll(context.Context) {
	var name string
	if a.bot.Me != nil {
		name = a.bot.Me.Username
	}
	a.log.Info("polling started", logx.String("bot", name))
	a.bot.Start()
	a.log.Info("polling stopped")
}

func (a *Adapter) reportDrops(ctx context.Context, capacity int) {
	flush := func() {
		if n := a.dropped.Swap(0); n > 0 {
			a.log.Warn("incoming updates dropped", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
		}
	}
	t := time.NewTicker(dropReportEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-t.C:
			flush()
		}
	}
}

// Stop ends polling. It waits at most stopGrace (or ctx) for the long poll
// to return and never reports a slow shutdown as an error.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.mu.Unlock()
	a.sink.Store(nil)
	if sup == nil {
		return nil
	}

	sup.Cancel()
	wctx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	switch err := sup.Wait(wctx); {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("telegram stop timed out", logx.Err(err))
	default:
		a.log.Debug("telegram stopped after poll errors", logx.Err(err))
	}
	a.log.Info("telegram stopped", logx.Uint64("dropped_updates", a.dropped.Load()))
	return nil
}
