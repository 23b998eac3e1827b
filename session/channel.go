package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/automoto/posemesh/shared/messages"
	"github.com/automoto/posemesh/shared/netconfig"
)

type validator interface {
	Validate() error
}

// Channel is a typed, named stream scoped to one room membership. Delivery
// is unreliable and unordered. After the membership ends the channel is
// closed and Send returns ErrChannelClosed.
type Channel[T any] struct {
	s    *Session
	m    *membership
	name string

	closed   atomic.Bool
	handlers handlerSet[func(T, messages.PeerID)]
	unhook   func()
}

// Message is one decoded inbound value.
type Message[T any] struct {
	From  messages.PeerID
	Value T
}

// NewChannel opens channel name on the session's current membership.
func NewChannel[T any](s *Session, name string) (*Channel[T], error) {
	if name == netconfig.ChannelPose {
		return nil, fmt.Errorf("%w: %s", ErrReservedChannel, name)
	}
	m := s.current()
	if m == nil {
		return nil, ErrNotJoined
	}
	return openChannel[T](s, m, name)
}

func openChannel[T any](s *Session, m *membership, name string) (*Channel[T], error) {
	if name == "" {
		return nil, fmt.Errorf("%w: channel name required", messages.ErrMalformed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrNotJoined
	}
	if _, ok := m.channels[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, name)
	}

	c := &Channel[T]{s: s, m: m, name: name}
	c.unhook = m.room.OnMessage(name, func(payload []byte, from messages.PeerID) {
		s.dispatch(m.gen, func() { c.receive(payload, from) })
	})
	m.channels[name] = c
	return c, nil
}

func (c *Channel[T]) Name() string { return c.name }

// Send broadcasts v to every peer in the room.
func (c *Channel[T]) Send(v T) error {
	return c.SendTo(v, "")
}

// SendTo unicasts v to target, or broadcasts when target is empty. Only
// local failures are reported; delivery is not acknowledged.
func (c *Channel[T]) SendTo(v T, target messages.PeerID) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.name, err)
	}
	if err := c.m.room.Send(c.name, payload, target); err != nil {
		if c.closed.Load() {
			return ErrChannelClosed
		}
		return fmt.Errorf("send %s: %w", c.name, err)
	}
	c.s.metrics.MessageSent(context.Background(), c.name)
	return nil
}

// OnMessage registers fn for every valid inbound message.
func (c *Channel[T]) OnMessage(fn func(v T, from messages.PeerID)) *Subscription {
	return c.onMessage(fn)
}

func (c *Channel[T]) onMessage(fn func(T, messages.PeerID)) *Subscription {
	return c.handlers.add(fn)
}

// Subscribe returns an inbox that queues up to capacity messages between
// drains. Messages arriving while it is full are dropped.
func (c *Channel[T]) Subscribe(capacity int) *Inbox[T] {
	if capacity <= 0 {
		capacity = 1
	}
	in := &Inbox[T]{ch: make(chan Message[T], capacity)}
	in.sub = c.handlers.add(func(v T, from messages.PeerID) {
		select {
		case in.ch <- Message[T]{From: from, Value: v}:
		default:
			in.dropped.Add(1)
			c.s.metrics.InboxDropped(context.Background(), c.name)
		}
	})
	return in
}

func (c *Channel[T]) receive(payload []byte, from messages.PeerID) {
	var v T
	if err := decode(payload, &v); err != nil {
		c.s.metrics.Malformed(context.Background(), c.name)
		log.Printf("[session] dropping %s message from %s: %v", c.name, from, err)
		return
	}
	c.s.metrics.MessageReceived(context.Background(), c.name)

	if c.name != netconfig.ChannelPose {
		c.s.observe(from, nil)
	}
	for _, fn := range c.handlers.list() {
		fn(v, from)
	}
}

func decode[T any](payload []byte, v *T) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", messages.ErrMalformed, err)
	}
	if val, ok := any(v).(validator); ok {
		if err := val.Validate(); err != nil {
			return fmt.Errorf("%w: %v", messages.ErrMalformed, err)
		}
	}
	return nil
}

func (c *Channel[T]) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.unhook()
	c.handlers.reset()
}

// Inbox buffers channel messages for a consumer that drains once per tick.
type Inbox[T any] struct {
	ch      chan Message[T]
	dropped atomic.Uint64
	sub     *Subscription
}

// Drain returns every queued message in arrival order without blocking.
func (in *Inbox[T]) Drain() []Message[T] {
	var out []Message[T]
	for {
		select {
		case msg := <-in.ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// Dropped counts messages lost to a full inbox.
func (in *Inbox[T]) Dropped() uint64 {
	return in.dropped.Load()
}

// Cancel stops queueing. Messages already queued can still be drained.
func (in *Inbox[T]) Cancel() {
	in.sub.Cancel()
}
