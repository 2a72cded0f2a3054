package jobs

import "strconv"

// Allocator hands out per-group LocalIDs in increasing numeric order.
//
// The counter for a group never goes backwards: every ID it sees through
// Observe raises the floor so an allocated ID never collides with one the
// remote authority already knows about.
type Allocator struct {
	next map[string]int
}

func NewAllocator() *Allocator {
	return &Allocator{next: map[string]int{}}
}

func (a *Allocator) counter(groupID string) int {
	if n, ok := a.next[groupID]; ok {
		return n
	}
	return 1
}

// Next returns max(counter, maxExisting+1) and advances past it.
func (a *Allocator) Next(groupID string, maxExisting int) string {
	n := a.counter(groupID)
	if maxExisting+1 > n {
		n = maxExisting + 1
	}
	a.next[groupID] = n + 1
	return strconv.Itoa(n)
}

// Observe raises the group's floor above localID. Non-numeric IDs are ignored.
func (a *Allocator) Observe(groupID, localID string) {
	n, err := strconv.Atoi(localID)
	if err != nil || n < 0 {
		return
	}
	if n+1 > a.counter(groupID) {
		a.next[groupID] = n + 1
	}
}
