package main

import (
	"sync/atomic"
)

// SnapshotStore holds the most recent Snapshot. The poll loop is the only
// writer; any number of readers may Load concurrently.
type SnapshotStore struct {
	current atomic.Pointer[Snapshot]
}

func NewSnapshotStore() *SnapshotStore {
	s := &SnapshotStore{}
	s.current.Store(emptySnapshot())
	return s
}

// Replace publishes s. It must not be modified afterwards.
func (s *SnapshotStore) Replace(snapshot *Snapshot) {
	s.current.Store(snapshot)
}

func (s *SnapshotStore) Load() *Snapshot {
	return s.current.Load()
}

// Ready reports whether a poll has completed since startup.
func (s *SnapshotStore) Ready() bool {
	return !s.current.Load().CollectedAt.IsZero()
}
