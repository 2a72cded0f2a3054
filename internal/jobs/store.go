package jobs

import "strconv"

// Store is the in-memory job table: group -> localID -> record.
//
// It does no locking and no I/O; Cache is the owner that serializes access.
// Iteration order within a group is insertion order.
type Store struct {
	groups map[string]*groupTable
	order  []string
}

type groupTable struct {
	recs  map[string]JobRecord
	order []string
}

func NewStore() *Store {
	return &Store{groups: map[string]*groupTable{}}
}

func (s *Store) Get(groupID, localID string) (JobRecord, bool) {
	g := s.groups[groupID]
	if g == nil {
		return JobRecord{}, false
	}
	r, ok := g.recs[localID]
	return r, ok
}

// Upsert inserts or replaces rec. A replaced record keeps its position.
func (s *Store) Upsert(rec JobRecord) {
	g := s.groups[rec.GroupID]
	if g == nil {
		g = &groupTable{recs: map[string]JobRecord{}}
		s.groups[rec.GroupID] = g
		s.order = append(s.order, rec.GroupID)
	}
	if _, exists := g.recs[rec.LocalID]; !exists {
		g.order = append(g.order, rec.LocalID)
	}
	g.recs[rec.LocalID] = rec
}

// Remove deletes a record and reports whether it existed.
func (s *Store) Remove(groupID, localID string) bool {
	g := s.groups[groupID]
	if g == nil {
		return false
	}
	if _, ok := g.recs[localID]; !ok {
		return false
	}
	delete(g.recs, localID)
	g.order = removeString(g.order, localID)
	if len(g.recs) == 0 {
		delete(s.groups, groupID)
		s.order = removeString(s.order, groupID)
	}
	return true
}

// List returns the group's records in insertion order.
func (s *Store) List(groupID string) []JobRecord {
	g := s.groups[groupID]
	if g == nil {
		return nil
	}
	out := make([]JobRecord, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.recs[id])
	}
	return out
}

// Groups returns the groups that currently hold records.
func (s *Store) Groups() []string {
	return append([]string(nil), s.order...)
}

// FindByRemote returns the record of groupID carrying remoteID.
func (s *Store) FindByRemote(groupID, remoteID string) (JobRecord, bool) {
	if remoteID == "" {
		return JobRecord{}, false
	}
	g := s.groups[groupID]
	if g == nil {
		return JobRecord{}, false
	}
	for _, id := range g.order {
		if r := g.recs[id]; r.RemoteID == remoteID {
			return r, true
		}
	}
	return JobRecord{}, false
}

// MaxNumericID is the highest numeric LocalID in the group (0 if none).
func (s *Store) MaxNumericID(groupID string) int {
	g := s.groups[groupID]
	if g == nil {
		return 0
	}
	max := 0
	for id := range g.recs {
		if n, err := strconv.Atoi(id); err == nil && n > max {
			max = n
		}
	}
	return max
}

func (s *Store) Len() int {
	n := 0
	for _, g := range s.groups {
		n += len(g.recs)
	}
	return n
}

func removeString(xs []string, v string) []string {
	for i, x := range xs {
		if x == v {
			return append(xs[:i], xs[i+1:]...)
		}
	}
	return xs
}
