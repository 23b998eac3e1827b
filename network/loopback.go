package network

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/automoto/posemesh/shared/messages"
	"github.com/google/uuid"
)

var errRoomClosed = errors.New("room closed")

// Loopback is an in-process mesh. Every Join against the same Loopback with
// the same JoinConfig lands in the same room. Frames are encoded and decoded
// exactly as on a real wire but delivered synchronously on the sender's
// goroutine. Handy for tests and single-process demos.
type Loopback struct {
	mu    sync.Mutex
	rooms map[JoinConfig]map[messages.PeerID]*loopRoom
}

func NewLoopback() *Loopback {
	return &Loopback{rooms: make(map[JoinConfig]map[messages.PeerID]*loopRoom)}
}

func (l *Loopback) Join(ctx context.Context, cfg JoinConfig) (Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &loopRoom{mesh: l, cfg: cfg, self: messages.PeerID(uuid.NewString())}

	l.mu.Lock()
	members, ok := l.rooms[cfg]
	if !ok {
		members = make(map[messages.PeerID]*loopRoom)
		l.rooms[cfg] = members
	}
	existing := make([]*loopRoom, 0, len(members))
	for _, m := range members {
		existing = append(existing, m)
	}
	members[r.self] = r
	l.mu.Unlock()

	for _, m := range existing {
		m.emitJoin(r.self)
	}
	return r, nil
}

// members returns the rooms sharing cfg, excluding self, sorted by id.
func (l *Loopback) members(cfg JoinConfig, self messages.PeerID) []*loopRoom {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*loopRoom, 0, len(l.rooms[cfg]))
	for id, m := range l.rooms[cfg] {
		if id != self {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].self < out[j].self })
	return out
}

func (l *Loopback) remove(r *loopRoom) []*loopRoom {
	l.mu.Lock()
	delete(l.rooms[r.cfg], r.self)
	if len(l.rooms[r.cfg]) == 0 {
		delete(l.rooms, r.cfg)
	}
	l.mu.Unlock()
	return l.members(r.cfg, r.self)
}

type loopRoom struct {
	roomCallbacks

	mesh   *Loopback
	cfg    JoinConfig
	self   messages.PeerID
	closed atomic.Bool
}

func (r *loopRoom) Self() messages.PeerID { return r.self }

func (r *loopRoom) Peers() []messages.PeerID {
	members := r.mesh.members(r.cfg, r.self)
	ids := make([]messages.PeerID, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.self)
	}
	return ids
}

func (r *loopRoom) Send(channel string, payload []byte, target messages.PeerID) error {
	if r.closed.Load() {
		return errRoomClosed
	}
	frame, err := messages.Encode(messages.Envelope{Channel: channel, Sender: r.self, Payload: payload})
	if err != nil {
		return err
	}
	for _, m := range r.mesh.members(r.cfg, r.self) {
		if target != "" && m.self != target {
			continue
		}
		m.receive(frame)
	}
	return nil
}

func (r *loopRoom) receive(frame []byte) {
	if r.closed.Load() {
		return
	}
	env, err := messages.Decode(frame)
	if err != nil {
		log.Printf("[loopback] dropping frame: %v", err)
		return
	}
	r.deliver(env)
}

func (r *loopRoom) emitJoin(id messages.PeerID) {
	if !r.closed.Load() {
		r.roomCallbacks.emitJoin(id)
	}
}

func (r *loopRoom) emitLeave(id messages.PeerID) {
	if !r.closed.Load() {
		r.roomCallbacks.emitLeave(id)
	}
}

func (r *loopRoom) OnPeerJoin(fn func(messages.PeerID)) func() { return r.joins.add(fn) }

func (r *loopRoom) OnPeerLeave(fn func(messages.PeerID)) func() { return r.leaves.add(fn) }

func (r *loopRoom) OnMessage(channel string, fn func([]byte, messages.PeerID)) func() {
	return r.onMessage(channel, fn)
}

func (r *loopRoom) Leave() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.resetAll()
	for _, m := range r.mesh.remove(r) {
		m.emitLeave(r.self)
	}
	return nil
}
