package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	chatMaxLen      = 3500
	chatRepeatEvery = time.Minute
)

type chatLine struct {
	dest string
	text string
}

// chatSink is a zerolog.LevelWriter that forwards lines at or above
// minLevel to a Poster. It never blocks the logging goroutine. The same
// header repeated inside chatRepeatEvery is folded into a counter that is
// reported with the next line that passes.
type chatSink struct {
	poster Poster
	queue  chan chatLine

	mu       sync.Mutex
	dest     string
	minLevel zerolog.Level
	limiter  *rate.Limiter
	recent   map[string]time.Time
	folded   int

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	dropped atomic.Uint64
	now     func() time.Time
}

func newChatSink(p Poster) *chatSink {
	return &chatSink{
		poster:   p,
		queue:    make(chan chatLine, chatQueueSize),
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
		recent:   map[string]time.Time{},
		now:      time.Now,
	}
}

func (c *chatSink) configure(cfg ChatConfig) {
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	c.mu.Lock()
	c.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()
}

func (c *chatSink) setDest(dest string) {
	c.mu.Lock()
	c.dest = strings.TrimSpace(dest)
	c.mu.Unlock()
}

func (c *chatSink) destination() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dest
}

func (c *chatSink) start() {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancel = cancel
		c.mu.Unlock()
		c.wg.Add(1)
		go c.loop(ctx)
	})
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

func (c *chatSink) loop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case l := <-c.queue:
			if c.poster == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_ = c.poster.Send(sctx, l.dest, l.text)
			cancel()
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(zerolog.InfoLevel, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	n := len(p)
	if c.poster == nil {
		return n, nil
	}
	head, body := renderChat(p)
	if head == "" {
		return n, nil
	}

	c.mu.Lock()
	dest, floor, lim := c.dest, c.minLevel, c.limiter
	if dest == "" || level < floor {
		c.mu.Unlock()
		return n, nil
	}
	now := c.now()
	if last, ok := c.recent[head]; ok && now.Sub(last) < chatRepeatEvery {
		c.folded++
		c.mu.Unlock()
		return n, nil
	}
	if !lim.Allow() {
		c.mu.Unlock()
		c.dropped.Add(1)
		return n, nil
	}
	c.recent[head] = now
	for k, at := range c.recent {
		if now.Sub(at) >= chatRepeatEvery {
			delete(c.recent, k)
		}
	}
	folded := c.folded
	c.folded = 0
	c.mu.Unlock()

	text := head + body
	if folded > 0 {
		text += "\n(" + strconv.Itoa(folded) + " repeated lines folded)"
	}
	select {
	case c.queue <- chatLine{dest: dest, text: truncate(text, chatMaxLen)}:
	default:
		c.dropped.Add(1)
	}
	return n, nil
}

// renderChat turns a zerolog JSON line into a header "[LEVEL] comp: msg"
// and a body of "\n- key=value" lines with sorted keys. Non-JSON input is
// returned as the header.
func renderChat(p []byte) (head, body string) {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(string(p), chatMaxLen), ""
	}

	var h strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		h.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	if comp, _ := m["comp"].(string); comp != "" {
		h.WriteString(comp + ": ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	h.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "comp", zerolog.MessageFieldName, zerolog.CallerFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n" + truncate(v, 900))
			continue
		}
		b.WriteString("\n- " + k + "=" + truncate(v, 600))
	}
	return h.String(), b.String()
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
