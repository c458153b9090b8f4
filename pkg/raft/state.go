package raft

import (
	"sync"
	"time"
)

// FollowerTracker holds per-follower replication state the leader needs
// beyond next_index/match_index: last_contact.
// Node's own mutex guards next_index/match_index directly; this tracker
// exists so last_contact can be read without taking Node's main lock (used
// by the partition handler's liveness view).
type FollowerTracker struct {
	mu          sync.RWMutex
	lastContact map[string]time.Time
}

func NewFollowerTracker() *FollowerTracker {
	return &FollowerTracker{
		lastContact: make(map[string]time.Time),
	}
}

// Touch records a successful contact with a follower.
func (f *FollowerTracker) Touch(peer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastContact[peer] = time.Now()
}

// LastContact returns the last successful contact time for a follower, or
// the zero time if none has been recorded.
func (f *FollowerTracker) LastContact(peer string) time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastContact[peer]
}

// Reset clears tracked contacts, used when a node steps down from leader.
func (f *FollowerTracker) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastContact = make(map[string]time.Time)
}
