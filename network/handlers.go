package network

import (
	"sort"
	"sync"

	"github.com/automoto/posemesh/shared/messages"
)

// callbacks is a set of registered functions that can be invoked from any
// goroutine. Invocation works on a snapshot so a callback may cancel itself.
type callbacks[F any] struct {
	mu     sync.RWMutex
	nextID uint64
	fns    map[uint64]F
}

func (c *callbacks[F]) add(fn F) (cancel func()) {
	c.mu.Lock()
	if c.fns == nil {
		c.fns = make(map[uint64]F)
	}
	c.nextID++
	id := c.nextID
	c.fns[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.fns, id)
			c.mu.Unlock()
		})
	}
}

func (c *callbacks[F]) snapshot() []F {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]uint64, 0, len(c.fns))
	for id := range c.fns {
		ids = append(ids, id)
	}
	// Registration order keeps delivery deterministic.
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]F, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.fns[id])
	}
	return out
}

func (c *callbacks[F]) reset() {
	c.mu.Lock()
	clear(c.fns)
	c.mu.Unlock()
}

type messageFn = func(payload []byte, from messages.PeerID)

// roomCallbacks is the callback state shared by both Room implementations.
type roomCallbacks struct {
	joins  callbacks[func(messages.PeerID)]
	leaves callbacks[func(messages.PeerID)]

	mu       sync.Mutex
	channels map[string]*callbacks[messageFn]
}

func (r *roomCallbacks) onMessage(channel string, fn messageFn) func() {
	r.mu.Lock()
	if r.channels == nil {
		r.channels = make(map[string]*callbacks[messageFn])
	}
	cb, ok := r.channels[channel]
	if !ok {
		cb = &callbacks[messageFn]{}
		r.channels[channel] = cb
	}
	r.mu.Unlock()
	return cb.add(fn)
}

func (r *roomCallbacks) emitJoin(id messages.PeerID) {
	for _, fn := range r.joins.snapshot() {
		fn(id)
	}
}

func (r *roomCallbacks) emitLeave(id messages.PeerID) {
	for _, fn := range r.leaves.snapshot() {
		fn(id)
	}
}

func (r *roomCallbacks) deliver(env messages.Envelope) {
	r.mu.Lock()
	cb, ok := r.channels[env.Channel]
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, fn := range cb.snapshot() {
		fn(env.Payload, env.Sender)
	}
}

func (r *roomCallbacks) resetAll() {
	r.joins.reset()
	r.leaves.reset()
	r.mu.Lock()
	for _, cb := range r.channels {
		cb.reset()
	}
	r.mu.Unlock()
}
