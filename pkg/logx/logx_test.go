package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingPoster struct {
	mu   sync.Mutex
	got  []string
	dest []string
}

func (p *recordingPoster) Send(_ context.Context, dest, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dest = append(p.dest, dest)
	p.got = append(p.got, text)
	return nil
}

func (p *recordingPoster) snapshot() ([]string, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.dest...), append([]string(nil), p.got...)
}

func TestRenderChat(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","time":"x","comp":"reconcile","caller":"engine.go:12","message":"sync failed","group":"g1","err":"boom"}` + "\n")
	head, body := renderChat(line)
	if head != "[WARN] reconcile: sync failed" {
		t.Fatalf("head = %q", head)
	}
	if body != "\n- err=boom\n- group=g1" {
		t.Fatalf("body = %q", body)
	}
	if head, body := renderChat([]byte("plain text")); head != "plain text" || body != "" {
		t.Fatalf("non-json line = %q, %q", head, body)
	}
}

func TestChatSinkFoldsRepeats(t *testing.T) {
	t.Parallel()
	c := newChatSink(&recordingPoster{})
	c.configure(ChatConfig{RatePerSec: 100})
	c.setDest("-1001")
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	line := []byte(`{"level":"warn","message":"delivery failed"}`)
	for i := 0; i < 3; i++ {
		_, _ = c.WriteLevel(zerolog.WarnLevel, line)
	}
	if got := len(c.queue); got != 1 {
		t.Fatalf("queued %d lines, want 1", got)
	}

	now = now.Add(2 * time.Minute)
	_, _ = c.WriteLevel(zerolog.WarnLevel, line)
	<-c.queue
	l := <-c.queue
	if !strings.Contains(l.text, "(2 repeated lines folded)") {
		t.Fatalf("text = %q", l.text)
	}
	if l.dest != "-1001" {
		t.Fatalf("dest = %q", l.dest)
	}
}

func TestChatSinkHonoursMinLevel(t *testing.T) {
	p := &recordingPoster{}
	svc, log := New(Config{
		Level: "debug",
		Chat:  ChatConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, p)
	svc.SetChatTarget("-1001:7")
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("ignored")
	log.Warn("delivery failed", String("key", "g1:1"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if dests, _ := p.snapshot(); len(dests) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	dests, msgs := p.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("posted %d messages, want 1: %v", len(msgs), msgs)
	}
	if dests[0] != "-1001:7" {
		t.Fatalf("dest = %q", dests[0])
	}
	if !strings.HasPrefix(msgs[0], "[WARN] delivery failed") || !strings.Contains(msgs[0], "key=g1:1") {
		t.Fatalf("message = %q", msgs[0])
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	if got := parseLevel(" warning ", zerolog.InfoLevel); got != zerolog.WarnLevel {
		t.Fatalf("parseLevel(warning) = %v", got)
	}
	if got := parseLevel("bogus", zerolog.ErrorLevel); got != zerolog.ErrorLevel {
		t.Fatalf("parseLevel default = %v", got)
	}
}

func TestNopLogger(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	zero.Info("no panic")
	if Nop().IsZero() {
		t.Fatal("Nop logger is not the zero value")
	}
}
