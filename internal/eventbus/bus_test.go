package eventbus

import "testing"

func TestFanoutAndDrop(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: "job.added"})
	b.Publish(Event{Type: "job.removed"})

	if e := <-a; e.Type != "job.added" || e.Time.IsZero() {
		t.Fatalf("a got %+v", e)
	}
	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
	if e := <-c; e.Type != "job.added" {
		t.Fatalf("c got %+v", e)
	}
	if e := <-c; e.Type != "job.removed" {
		t.Fatalf("c got %+v", e)
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatal("channel not closed after unsubscribe")
	}
	b.Publish(Event{Type: "sync.completed"})
}
