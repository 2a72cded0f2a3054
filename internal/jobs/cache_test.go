package jobs

import (
	"sync"
	"testing"
	"time"
)

func TestAllocatorObserveRaisesFloor(t *testing.T) {
	t.Parallel()
	a := NewAllocator()
	for i, want := range []string{"1", "2", "3"} {
		if got := a.Next("g1", 0); got != want {
			t.Fatalf("allocation %d = %s, want %s", i, got, want)
		}
	}
	a.Observe("g1", "10")
	if got := a.Next("g1", 0); got != "11" {
		t.Fatalf("after observing 10 got %s, want 11", got)
	}
	// Lower or non-numeric observations never move the counter back.
	a.Observe("g1", "4")
	a.Observe("g1", "abc")
	if got := a.Next("g1", 0); got != "12" {
		t.Fatalf("got %s, want 12", got)
	}
	// Groups are independent.
	if got := a.Next("g2", 0); got != "1" {
		t.Fatalf("g2 first id = %s", got)
	}
}

func TestAllocatorUsesMaxExisting(t *testing.T) {
	t.Parallel()
	a := NewAllocator()
	if got := a.Next("g", 7); got != "8" {
		t.Fatalf("got %s, want 8", got)
	}
	if got := a.Next("g", 0); got != "9" {
		t.Fatalf("got %s, want 9", got)
	}
}

func TestStoreInsertionOrder(t *testing.T) {
	t.Parallel()
	s := NewStore()
	for _, id := range []string{"3", "1", "2"} {
		s.Upsert(JobRecord{GroupID: "g", LocalID: id, Content: "c" + id})
	}
	s.Upsert(JobRecord{GroupID: "g", LocalID: "1", Content: "updated"})

	got := s.List("g")
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].LocalID != "3" || got[1].LocalID != "1" || got[2].LocalID != "2" {
		t.Fatalf("order = %v", []string{got[0].LocalID, got[1].LocalID, got[2].LocalID})
	}
	if got[1].Content != "updated" {
		t.Fatalf("upsert did not replace content")
	}
	if s.MaxNumericID("g") != 3 {
		t.Fatalf("MaxNumericID = %d", s.MaxNumericID("g"))
	}

	if !s.Remove("g", "1") || s.Remove("g", "1") {
		t.Fatal("remove should succeed once")
	}
	s.Remove("g", "2")
	s.Remove("g", "3")
	if len(s.Groups()) != 0 || s.Len() != 0 {
		t.Fatalf("empty group should be dropped: %v", s.Groups())
	}
}

func TestStoreFindByRemote(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.Upsert(JobRecord{GroupID: "g", LocalID: "1", RemoteID: "r-9"})
	if r, ok := s.FindByRemote("g", "r-9"); !ok || r.LocalID != "1" {
		t.Fatalf("FindByRemote = %+v, %v", r, ok)
	}
	if _, ok := s.FindByRemote("g", ""); ok {
		t.Fatal("empty remote id must not match")
	}
	if _, ok := s.FindByRemote("other", "r-9"); ok {
		t.Fatal("lookup must be group scoped")
	}
}

func TestCacheTombstoneExpires(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	c := NewCache(WithClock(func() time.Time { return now }))
	key := Key{GroupID: "g", LocalID: "1"}

	_ = c.Update(func(tx *Tx) error {
		tx.Tombstone(key, now.Add(30*time.Second))
		return nil
	})
	_ = c.Update(func(tx *Tx) error {
		if !tx.Tombstoned(key) {
			t.Fatal("expected tombstone")
		}
		return nil
	})
	now = now.Add(31 * time.Second)
	_ = c.Update(func(tx *Tx) error {
		if tx.Tombstoned(key) {
			t.Fatal("tombstone should have expired")
		}
		return nil
	})
}

func TestCacheMarkSent(t *testing.T) {
	t.Parallel()
	c := NewCache()
	_ = c.Update(func(tx *Tx) error {
		tx.Upsert(JobRecord{GroupID: "g", LocalID: "1"})
		return nil
	})
	at := time.Unix(1_700_000_100, 0)
	if !c.MarkSent(Key{GroupID: "g", LocalID: "1"}, at) {
		t.Fatal("MarkSent on existing record returned false")
	}
	if r, _ := c.Get("g", "1"); !r.LastSentAt.Equal(at) {
		t.Fatalf("LastSentAt = %v", r.LastSentAt)
	}
	if c.MarkSent(Key{GroupID: "g", LocalID: "2"}, at) {
		t.Fatal("MarkSent on missing record returned true")
	}
}

func TestCacheConcurrentAllocateDistinct(t *testing.T) {
	t.Parallel()
	c := NewCache()
	const n = 50
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Update(func(tx *Tx) error {
				ids <- tx.Allocate("g")
				return nil
			})
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[string]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d ids", len(seen))
	}
}
