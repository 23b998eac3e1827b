package session

import (
	"sort"
	"sync"
)

// Subscription is the handle returned by every handler registration.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel removes the handler. Safe to call more than once and on nil.
func (s *Subscription) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

type handlerSet[F any] struct {
	mu     sync.RWMutex
	nextID uint64
	fns    map[uint64]F
}

func (h *handlerSet[F]) add(fn F) *Subscription {
	h.mu.Lock()
	if h.fns == nil {
		h.fns = make(map[uint64]F)
	}
	h.nextID++
	id := h.nextID
	h.fns[id] = fn
	h.mu.Unlock()

	return &Subscription{cancel: func() {
		h.mu.Lock()
		delete(h.fns, id)
		h.mu.Unlock()
	}}
}

// list returns the handlers in registration order.
func (h *handlerSet[F]) list() []F {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]uint64, 0, len(h.fns))
	for id := range h.fns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]F, len(ids))
	for i, id := range ids {
		out[i] = h.fns[id]
	}
	return out
}

func (h *handlerSet[F]) reset() {
	h.mu.Lock()
	clear(h.fns)
	h.mu.Unlock()
}
