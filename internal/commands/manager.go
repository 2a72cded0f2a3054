// Package commands dispatches operator chat commands (/addads, /rmads,
// /listads, /syncads) to the job services.
package commands

import (
	"context"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	rtsup "adbot/internal/runtime/supervisor"
	"adbot/internal/transport"
	logx "adbot/pkg/logx"
)

// Replier posts command replies.
type Replier interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	OwnerOnly   bool
	GroupOnly   bool
	Timeout     time.Duration
	Handle      HandlerFunc
}

// Request is one parsed command invocation.
type Request struct {
	Chat         transport.ChatTarget
	GroupID      string // chat id as a destination string
	FromID       int64
	FromUsername string
	IsGroup      bool
	Command      string
	Args         string // raw text after the command word
	ReqID        string
	Logger       logx.Logger

	replier Replier
}

// Reply sends plain text to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) {
	if r.replier == nil {
		return
	}
	if _, err := r.replier.SendText(ctx, r.Chat, text, &transport.SendOptions{DisablePreview: true}); err != nil {
		r.Logger.Warn("reply failed", logx.Err(err))
	}
}

// Manager routes message updates to registered commands on a bounded
// worker pool.
type Manager struct {
	log     logx.Logger
	replier Replier

	mu     sync.RWMutex
	cmds   map[string]Command
	owners []int64

	workers int
	jobs    chan func()

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

type Option func(*Manager)

func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

func NewManager(log logx.Logger, replier Replier, owners []int64, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		log:     log.With(logx.String("comp", "commands")),
		replier: replier,
		cmds:    map[string]Command{},
		owners:  append([]int64(nil), owners...),
		workers: 2,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetOwners replaces the owner list. Safe during hot-reload.
func (m *Manager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Manager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.owners {
		if o == id {
			return true
		}
	}
	return false
}

// Register replaces the command set.
func (m *Manager) Register(cmds ...Command) {
	table := make(map[string]Command, len(cmds)*2)
	for _, c := range cmds {
		if c.Handle == nil || strings.TrimSpace(c.Name) == "" {
			continue
		}
		table[strings.ToLower(c.Name)] = c
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				if _, exists := table[a]; !exists {
					table[a] = c
				}
			}
		}
	}
	m.mu.Lock()
	m.cmds = table
	m.mu.Unlock()
}

// MenuCommands returns the registered commands for the chat menu.
func (m *Manager) MenuCommands() []transport.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	var out []transport.BotCommand
	for _, c := range m.cmds {
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// Supervisor returns the worker pool supervisor (nil when not running).
func (m *Manager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *Manager) tryEnqueue(fn func()) (ok bool) {
	m.runMu.Lock()
	jobs := m.jobs
	m.runMu.Unlock()
	if jobs == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	jobs := make(chan func(), 64)
	m.runMu.Lock()
	m.sup, m.running, m.jobs = sup, true, jobs
	m.runMu.Unlock()

	for i := 0; i < m.workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error { return m.work(c, jobs) },
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers))

	defer func() {
		m.runMu.Lock()
		m.running, m.jobs = false, nil
		m.runMu.Unlock()
		close(jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *Manager) work(ctx context.Context, jobs <-chan func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-jobs:
			if !ok {
				return nil
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.log.Error("panic in command job", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					}
				}()
				job()
			}()
		}
	}
}

func (m *Manager) route(ctx context.Context, up transport.Update) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return
	}
	req, cmd, ok := m.parse(up.Message)
	if !ok {
		return
	}
	h := m.handler(cmd)
	if !m.tryEnqueue(func() { _ = h(ctx, req) }) {
		req.Reply(ctx, "Busy, try again in a moment.")
	}
}

// Handle runs one message synchronously. Used by tests and by callers
// without a dispatch loop.
func (m *Manager) Handle(ctx context.Context, msg *transport.Message) error {
	req, cmd, ok := m.parse(msg)
	if !ok {
		return nil
	}
	return m.handler(cmd)(ctx, req)
}

func (m *Manager) parse(msg *transport.Message) (*Request, Command, bool) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return nil, Command{}, false
	}
	word, rest := text[1:], ""
	if i := strings.IndexFunc(word, unicode.IsSpace); i >= 0 {
		word, rest = word[:i], word[i:]
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)

	m.mu.RLock()
	cmd, ok := m.cmds[word]
	m.mu.RUnlock()
	if !ok {
		return nil, Command{}, false
	}

	rid := newReqID()
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	req := &Request{
		Chat:         chat,
		GroupID:      msg.Destination(),
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		IsGroup:      msg.IsGroup,
		Command:      cmd.Name,
		Args:         strings.TrimSpace(rest),
		ReqID:        rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
		replier: m.replier,
	}
	return req, cmd, true
}

func (m *Manager) handler(cmd Command) HandlerFunc {
	return Chain(cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		m.mwAccess(cmd),
		MWTimeout(cmd.Timeout),
	)
}

var (
	ridSeq  uint64
	ridBase = time.Now().UnixNano()
)

// newReqID returns a short process-unique id: base36 start time + sequence.
func newReqID() string {
	n := atomic.AddUint64(&ridSeq, 1)
	return strconv.FormatInt(ridBase%1e9, 36) + "-" + strconv.FormatUint(n, 36)
}
