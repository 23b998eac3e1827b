// Package session owns membership in one mesh room at a time: the peer set,
// the channels opened on it, and the remote entries of the peer state store.
//
// Transport callbacks pass through a dispatch gate before they touch any
// state. Leave closes the gate, so once it returns nothing delivered for the
// old membership can reach a handler or the store. Handlers must not call
// Leave or Join themselves.
package session

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/automoto/posemesh/network"
	"github.com/automoto/posemesh/peerstate"
	"github.com/automoto/posemesh/shared/messages"
	"github.com/automoto/posemesh/shared/netconfig"
	"github.com/automoto/posemesh/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	// StaleTimeout is how long a peer may stay silent before it is treated
	// as departed. Zero disables expiry.
	StaleTimeout time.Duration
	Metrics      *telemetry.Metrics
}

func DefaultConfig() Config {
	return Config{StaleTimeout: netconfig.DefaultStaleTimeout}
}

type Session struct {
	mesh    network.Mesh
	store   *peerstate.Store
	cfg     Config
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	// opMu serialises Join and Leave.
	opMu sync.Mutex
	gen  uint64

	// dispatchMu is the gate. Deliveries hold the read side; swapping the
	// membership takes the write side. Readers outside the gate load m
	// directly, so handlers running under the read side never re-lock.
	dispatchMu sync.RWMutex
	m          atomic.Pointer[membership]

	// membersMu keeps the member set and the store's remote keys in step.
	membersMu sync.Mutex
	members   map[messages.PeerID]time.Time

	joins  handlerSet[func(messages.PeerID)]
	leaves handlerSet[func(messages.PeerID)]
}

type membership struct {
	gen  uint64
	cfg  network.JoinConfig
	room network.Room
	self messages.PeerID

	mu       sync.Mutex
	closed   bool
	channels map[string]closer
	pose     *Channel[messages.PosePayload]
	cancels  []func()

	done chan struct{}
	wg   sync.WaitGroup
}

type closer interface {
	close()
}

func New(mesh network.Mesh, store *peerstate.Store, cfg Config) *Session {
	if store == nil {
		store = peerstate.NewStore()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.Default()
	}
	return &Session{
		mesh:    mesh,
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		tracer:  otel.Tracer("github.com/automoto/posemesh/session"),
		now:     time.Now,
		members: make(map[messages.PeerID]time.Time),
	}
}

// Join establishes membership in cfg's room. Joining the room already joined
// is a no-op; joining another room leaves the current one first.
func (s *Session) Join(ctx context.Context, cfg network.JoinConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if cur := s.current(); cur != nil {
		if cur.cfg == cfg {
			return nil
		}
		if err := s.leaveLocked(); err != nil {
			log.Printf("[session] leaving %s before joining %s: %v", cur.cfg, cfg, err)
		}
	}

	ctx, span := s.tracer.Start(ctx, "session.join", trace.WithAttributes(
		attribute.String("posemesh.app", cfg.AppID),
		attribute.String("posemesh.room", cfg.RoomID),
	))
	defer span.End()

	room, err := s.mesh.Join(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "join failed")
		return &TransportError{Op: "join", Room: cfg, Err: err}
	}

	s.gen++
	m := &membership{
		gen:      s.gen,
		cfg:      cfg,
		room:     room,
		self:     room.Self(),
		channels: make(map[string]closer),
		done:     make(chan struct{}),
	}

	pose, err := openChannel[messages.PosePayload](s, m, netconfig.ChannelPose)
	if err != nil {
		_ = room.Leave()
		return err
	}
	pose.onMessage(s.applyPose)
	m.pose = pose

	s.dispatchMu.Lock()
	s.m.Store(m)
	s.dispatchMu.Unlock()

	m.cancels = append(m.cancels,
		room.OnPeerJoin(func(id messages.PeerID) {
			s.dispatch(m.gen, func() { s.peerJoined(id) })
		}),
		room.OnPeerLeave(func(id messages.PeerID) {
			s.dispatch(m.gen, func() { s.peerLeft(id) })
		}),
	)
	// Peers connected before the handlers above were registered.
	for _, id := range room.Peers() {
		s.dispatch(m.gen, func() { s.peerJoined(id) })
	}

	if s.cfg.StaleTimeout > 0 {
		m.wg.Add(1)
		go s.reapLoop(m)
	}

	span.SetAttributes(attribute.String("posemesh.peer", string(m.self)))
	log.Printf("[session] joined %s as %s", cfg, m.self)
	return nil
}

// JoinAsync runs Join on its own goroutine and reports the result on the
// returned channel, which receives exactly one value.
func (s *Session) JoinAsync(ctx context.Context, cfg network.JoinConfig) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- s.Join(ctx, cfg)
	}()
	return done
}

// Leave tears the current membership down. It is a no-op when not joined.
func (s *Session) Leave() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.leaveLocked()
}

func (s *Session) leaveLocked() error {
	// Waits for in-flight deliveries; later ones see a nil membership.
	s.dispatchMu.Lock()
	m := s.m.Swap(nil)
	s.dispatchMu.Unlock()

	if m == nil {
		return nil
	}

	_, span := s.tracer.Start(context.Background(), "session.leave", trace.WithAttributes(
		attribute.String("posemesh.app", m.cfg.AppID),
		attribute.String("posemesh.room", m.cfg.RoomID),
	))
	defer span.End()

	m.mu.Lock()
	m.closed = true
	channels := m.channels
	m.channels = nil
	cancels := m.cancels
	m.cancels = nil
	m.mu.Unlock()

	for _, c := range channels {
		c.close()
	}
	for _, cancel := range cancels {
		cancel()
	}
	close(m.done)
	m.wg.Wait()

	s.membersMu.Lock()
	clear(s.members)
	s.store.Clear()
	s.membersMu.Unlock()

	err := m.room.Leave()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport leave failed")
	}
	log.Printf("[session] left %s", m.cfg)
	return err
}

func (s *Session) current() *membership {
	return s.m.Load()
}

// dispatch runs fn only while gen is still the live membership.
func (s *Session) dispatch(gen uint64, fn func()) {
	s.dispatchMu.RLock()
	defer s.dispatchMu.RUnlock()
	if m := s.m.Load(); m == nil || m.gen != gen {
		return
	}
	fn()
}

// observe records traffic from id and runs fn with the member set locked.
// A sender not yet known counts as a join.
func (s *Session) observe(id messages.PeerID, fn func()) {
	s.membersMu.Lock()
	_, known := s.members[id]
	s.members[id] = s.now()
	if !known {
		s.store.Ensure(id)
	}
	if fn != nil {
		fn()
	}
	s.membersMu.Unlock()

	if !known {
		log.Printf("[session] peer %s joined", id)
		for _, fn := range s.joins.list() {
			fn(id)
		}
	}
}

func (s *Session) peerJoined(id messages.PeerID) {
	s.membersMu.Lock()
	_, known := s.members[id]
	s.membersMu.Unlock()
	if known {
		return
	}
	s.observe(id, nil)
}

func (s *Session) peerLeft(id messages.PeerID) {
	s.membersMu.Lock()
	_, known := s.members[id]
	if known {
		delete(s.members, id)
		s.store.Remove(id)
	}
	s.membersMu.Unlock()

	if !known {
		return
	}
	log.Printf("[session] peer %s left", id)
	for _, fn := range s.leaves.list() {
		fn(id)
	}
}

func (s *Session) applyPose(p messages.PosePayload, from messages.PeerID) {
	var err error
	s.observe(from, func() {
		err = s.store.Set(from, peerstate.FromPayload(p))
	})
	if errors.Is(err, peerstate.ErrStale) {
		s.metrics.StaleRejected(context.Background())
	}
}

// ExpireStale drops every peer silent for longer than the stale timeout and
// returns their ids.
func (s *Session) ExpireStale(now time.Time) []messages.PeerID {
	if s.cfg.StaleTimeout <= 0 {
		return nil
	}
	var expired []messages.PeerID
	s.dispatchMu.RLock()
	defer s.dispatchMu.RUnlock()
	if s.m.Load() == nil {
		return nil
	}

	s.membersMu.Lock()
	for id, seen := range s.members {
		if now.Sub(seen) > s.cfg.StaleTimeout {
			expired = append(expired, id)
		}
	}
	s.membersMu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	for _, id := range expired {
		log.Printf("[session] peer %s silent for over %s, dropping", id, s.cfg.StaleTimeout)
		s.peerLeft(id)
	}
	return expired
}

func (s *Session) reapLoop(m *membership) {
	defer m.wg.Done()

	interval := s.cfg.StaleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			s.ExpireStale(s.now())
		}
	}
}

// OnPeerJoin subscribes to peers entering the joined room. The subscription
// outlives individual memberships.
func (s *Session) OnPeerJoin(fn func(messages.PeerID)) *Subscription {
	return s.joins.add(fn)
}

func (s *Session) OnPeerLeave(fn func(messages.PeerID)) *Subscription {
	return s.leaves.add(fn)
}

// Members returns the current peer set sorted by id.
func (s *Session) Members() []messages.PeerID {
	s.membersMu.Lock()
	ids := make([]messages.PeerID, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	s.membersMu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Self is the local peer id, empty when not joined.
func (s *Session) Self() messages.PeerID {
	if m := s.current(); m != nil {
		return m.self
	}
	return ""
}

func (s *Session) Joined() bool {
	return s.current() != nil
}

// Room reports the joined room.
func (s *Session) Room() (network.JoinConfig, bool) {
	if m := s.current(); m != nil {
		return m.cfg, true
	}
	return network.JoinConfig{}, false
}

func (s *Session) Store() *peerstate.Store {
	return s.store
}

// PoseChannel is the reserved pose channel of the current membership, nil
// when not joined.
func (s *Session) PoseChannel() *Channel[messages.PosePayload] {
	if m := s.current(); m != nil {
		return m.pose
	}
	return nil
}

func (s *Session) Metrics() *telemetry.Metrics {
	return s.metrics
}
