// Package peerstate holds the last known pose of every remote peer in a room
// plus the local participant's outgoing pose.
//
// Writes arrive from network goroutines while the render loop reads once per
// frame. Each entry is replaced as a whole, never mutated in place, so a
// reader always sees a complete PoseState.
package peerstate

import (
	"errors"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/automoto/posemesh/shared/messages"
)

// ErrStale is returned by Set when the incoming pose is older than the stored one.
var ErrStale = errors.New("stale pose rejected")

// Store is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	remote map[messages.PeerID]*PoseState
	local  PoseState

	staleRejected atomic.Uint64
}

func NewStore() *Store {
	return &Store{remote: make(map[messages.PeerID]*PoseState)}
}

// Get returns the stored pose for id.
func (s *Store) Get(id messages.PeerID) (PoseState, bool) {
	s.mu.RLock()
	p, ok := s.remote[id]
	s.mu.RUnlock()
	if !ok {
		return PoseState{}, false
	}
	return *p, true
}

// Set stores state for id unless its sequence is older than what is held.
// Equal sequences are accepted so a full-state resend can land.
func (s *Store) Set(id messages.PeerID, state PoseState) error {
	next := state.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.remote[id]; ok && next.Seq < cur.Seq {
		s.staleRejected.Add(1)
		return ErrStale
	}
	s.remote[id] = &next
	return nil
}

// Ensure inserts the default pose for id if nothing is stored yet.
// It reports whether an entry was created.
func (s *Store) Ensure(id messages.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.remote[id]; ok {
		return false
	}
	p := DefaultPose()
	s.remote[id] = &p
	return true
}

// Remove deletes id and reports whether it was present.
func (s *Store) Remove(id messages.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.remote[id]; !ok {
		return false
	}
	delete(s.remote, id)
	return true
}

// All returns a snapshot of every remote pose.
func (s *Store) All() map[messages.PeerID]PoseState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[messages.PeerID]PoseState, len(s.remote))
	for id, p := range s.remote {
		out[id] = *p
	}
	return out
}

// Clear drops every remote entry. The local pose is kept.
func (s *Store) Clear() {
	s.mu.Lock()
	clear(s.remote)
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.remote)
}

// SetLocal replaces the outgoing pose.
func (s *Store) SetLocal(state PoseState) {
	next := state.Clone()
	s.mu.Lock()
	s.local = next
	s.mu.Unlock()
}

// Local returns a copy of the outgoing pose.
func (s *Store) Local() PoseState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.local
	p.Appearance = maps.Clone(p.Appearance)
	return p
}

// StaleRejected counts writes refused by the sequence guard.
func (s *Store) StaleRejected() uint64 {
	return s.staleRejected.Load()
}
