package jobs

import (
	"sync"
	"time"
)

// Cache owns the job table, the ID allocator and the removal tombstones.
//
// It is the single serialization point for job state: writers go through
// Update, readers get copies. Callers must not perform network I/O inside
// an Update callback.
type Cache struct {
	mu    sync.Mutex
	store *Store
	alloc *Allocator
	tombs map[Key]time.Time
	now   func() time.Time
}

type CacheOption func(*Cache)

// WithClock overrides the clock used for CreatedAt and tombstone expiry.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		store: NewStore(),
		alloc: NewAllocator(),
		tombs: map[Key]time.Time{},
		now:   time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Now returns the cache clock.
func (c *Cache) Now() time.Time { return c.now() }

// Update runs fn with exclusive access to job state.
func (c *Cache) Update(fn func(tx *Tx) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneTombsLocked()
	return fn(&Tx{c: c})
}

func (c *Cache) Get(groupID, localID string) (JobRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Get(groupID, localID)
}

func (c *Cache) List(groupID string) []JobRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.List(groupID)
}

func (c *Cache) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Groups()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}

// MarkSent records a successful delivery. It returns false when the record
// is gone (removed while the delivery was in flight).
func (c *Cache) MarkSent(key Key, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.store.Get(key.GroupID, key.LocalID)
	if !ok {
		return false
	}
	r.LastSentAt = at
	c.store.Upsert(r)
	return true
}

func (c *Cache) pruneTombsLocked() {
	if len(c.tombs) == 0 {
		return
	}
	now := c.now()
	for k, until := range c.tombs {
		if !now.Before(until) {
			delete(c.tombs, k)
		}
	}
}

// Tx is the write view handed to Update callbacks. It is only valid for the
// duration of the callback.
type Tx struct{ c *Cache }

func (tx *Tx) Now() time.Time { return tx.c.now() }

func (tx *Tx) Get(groupID, localID string) (JobRecord, bool) {
	return tx.c.store.Get(groupID, localID)
}

func (tx *Tx) List(groupID string) []JobRecord { return tx.c.store.List(groupID) }

func (tx *Tx) FindByRemote(groupID, remoteID string) (JobRecord, bool) {
	return tx.c.store.FindByRemote(groupID, remoteID)
}

// Upsert stores rec and raises the allocator floor above its LocalID.
func (tx *Tx) Upsert(rec JobRecord) {
	tx.c.store.Upsert(rec)
	tx.c.alloc.Observe(rec.GroupID, rec.LocalID)
}

func (tx *Tx) Remove(key Key) bool {
	return tx.c.store.Remove(key.GroupID, key.LocalID)
}

// Allocate returns a fresh LocalID for groupID.
func (tx *Tx) Allocate(groupID string) string {
	return tx.c.alloc.Next(groupID, tx.c.store.MaxNumericID(groupID))
}

// Observe feeds an externally known LocalID to the allocator.
func (tx *Tx) Observe(groupID, localID string) { tx.c.alloc.Observe(groupID, localID) }

// Tombstone blocks key from being recreated until the given time.
func (tx *Tx) Tombstone(key Key, until time.Time) { tx.c.tombs[key] = until }

// Tombstoned reports whether key was removed recently.
func (tx *Tx) Tombstoned(key Key) bool {
	until, ok := tx.c.tombs[key]
	return ok && tx.c.now().Before(until)
}

// ClearTombstone lifts a tombstone (a local re-add of the same ID).
func (tx *Tx) ClearTombstone(key Key) { delete(tx.c.tombs, key) }
