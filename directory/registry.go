// Package directory is the rendezvous service peers use to find each other
// before the mesh is formed: each peer registers its websocket address under
// an app/room key, keeps it alive with heartbeats, and lists the others.
package directory

import (
	"log"
	"sort"
	"sync"
	"time"
)

// PeerInfo describes one reachable peer.
type PeerInfo struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// RoomKey scopes peers to one application room.
type RoomKey struct {
	App  string
	Room string
}

type peerRecord struct {
	PeerInfo
	LastSeen time.Time
}

// Registry is an in-memory store of room members with TTL-based expiry.
type Registry struct {
	mu    sync.RWMutex
	rooms map[RoomKey]map[string]*peerRecord
	ttl   time.Duration
	now   func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		rooms:  make(map[RoomKey]map[string]*peerRecord),
		ttl:    ttl,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start runs the expiry loop until Stop is called.
func (r *Registry) Start() {
	go r.cleanupLoop()
}

func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Register adds or refreshes a peer. Registering an existing id replaces its address.
func (r *Registry) Register(key RoomKey, info PeerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.rooms[key]
	if !ok {
		peers = make(map[string]*peerRecord)
		r.rooms[key] = peers
	}
	peers[info.ID] = &peerRecord{PeerInfo: info, LastSeen: r.now()}
}

// Heartbeat refreshes a peer and reports whether it was known.
func (r *Registry) Heartbeat(key RoomKey, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.rooms[key][id]
	if !ok {
		return false
	}
	rec.LastSeen = r.now()
	return true
}

// Deregister removes a peer and reports whether it was known.
func (r *Registry) Deregister(key RoomKey, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.rooms[key]
	if !ok {
		return false
	}
	if _, ok := peers[id]; !ok {
		return false
	}
	delete(peers, id)
	if len(peers) == 0 {
		delete(r.rooms, key)
	}
	return true
}

// List returns the peers of a room sorted by id.
func (r *Registry) List(key RoomKey) []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]PeerInfo, 0, len(r.rooms[key]))
	for _, rec := range r.rooms[key] {
		result = append(result, rec.PeerInfo)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// expire drops records not seen within the TTL and returns how many went.
func (r *Registry) expire(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, peers := range r.rooms {
		for id, rec := range peers {
			if now.Sub(rec.LastSeen) >= r.ttl {
				log.Printf("[directory] expired peer %s in %s/%s (last seen %s ago)",
					id, key.App, key.Room, now.Sub(rec.LastSeen).Round(time.Second))
				delete(peers, id)
				n++
			}
		}
		if len(peers) == 0 {
			delete(r.rooms, key)
		}
	}
	return n
}

func (r *Registry) cleanupLoop() {
	interval := r.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.expire(r.now())
		}
	}
}
