package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/automoto/posemesh/directory"
	"github.com/automoto/posemesh/shared/messages"
	"github.com/automoto/posemesh/shared/netconfig"
	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	meshPath           = "/mesh"
	writeTimeout       = 2 * time.Second
	defaultSendQueue   = 64
	defaultDialTimeout = 5 * time.Second
	maxParallelDials   = 8
)

// WsMeshConfig configures a websocket mesh participant.
type WsMeshConfig struct {
	// ListenAddr is the local address the mesh endpoint binds to.
	ListenAddr string
	// AdvertiseURL is what other peers dial. Derived from the listener when empty.
	AdvertiseURL string
	Directory    *directory.Client

	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	SendQueue         int
}

// WsMesh forms a full mesh of websocket connections between the peers that a
// directory lists for a room. Every pair of peers shares one connection.
type WsMesh struct {
	cfg WsMeshConfig
}

func NewWsMesh(cfg WsMeshConfig) *WsMesh {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	return &WsMesh{cfg: cfg}
}

type handshake struct {
	App  string          `json:"app"`
	Room string          `json:"room"`
	Peer messages.PeerID `json:"peer"`
}

func (m *WsMesh) Join(ctx context.Context, cfg JoinConfig) (Room, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m.cfg.Directory == nil {
		return nil, errors.New("ws mesh: directory client required")
	}

	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", m.cfg.ListenAddr, err)
	}

	advertise := m.cfg.AdvertiseURL
	if advertise == "" {
		advertise = "ws://" + ln.Addr().String() + meshPath
	}

	roomCtx, cancel := context.WithCancel(context.Background())
	r := &wsRoom{
		cfg:    m.cfg,
		join:   cfg,
		key:    directory.RoomKey{App: cfg.AppID, Room: cfg.RoomID},
		self:   messages.PeerID(uuid.NewString()),
		addr:   advertise,
		ctx:    roomCtx,
		cancel: cancel,
		conns:  make(map[messages.PeerID]*peerConn),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(meshPath, r.handleMesh)
	r.srv = &http.Server{Handler: mux, ReadHeaderTimeout: m.cfg.DialTimeout}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[mesh] serve error: %v", err)
		}
	}()

	if err := m.cfg.Directory.Register(ctx, r.key, r.info()); err != nil {
		_ = r.shutdown()
		return nil, fmt.Errorf("join %s: %w", cfg, err)
	}

	peers, err := m.cfg.Directory.List(ctx, r.key)
	if err != nil {
		_ = r.Leave()
		return nil, fmt.Errorf("join %s: %w", cfg, err)
	}

	var g errgroup.Group
	g.SetLimit(maxParallelDials)
	for _, p := range peers {
		if messages.PeerID(p.ID) == r.self {
			continue
		}
		g.Go(func() error {
			if err := r.dial(ctx, p); err != nil {
				log.Printf("[mesh] %v", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.wg.Add(1)
	go r.heartbeatLoop()

	log.Printf("[mesh] joined %s as %s at %s (%d peers connected)", cfg, r.self, advertise, len(r.Peers()))
	return r, nil
}

type wsRoom struct {
	roomCallbacks

	cfg  WsMeshConfig
	join JoinConfig
	key  directory.RoomKey
	self messages.PeerID
	addr string
	srv  *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	mu    sync.RWMutex
	conns map[messages.PeerID]*peerConn
}

type peerConn struct {
	id     messages.PeerID
	conn   *websocket.Conn
	dialed bool
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func (pc *peerConn) close() {
	pc.once.Do(func() {
		close(pc.done)
		_ = pc.conn.CloseNow()
	})
}

func (r *wsRoom) info() directory.PeerInfo {
	return directory.PeerInfo{ID: string(r.self), Address: r.addr}
}

func (r *wsRoom) hello() handshake {
	return handshake{App: r.join.AppID, Room: r.join.RoomID, Peer: r.self}
}

func (r *wsRoom) handleMesh(w http.ResponseWriter, req *http.Request) {
	if r.closed.Load() {
		http.Error(w, "room closed", http.StatusServiceUnavailable)
		return
	}
	c, err := websocket.Accept(w, req, nil)
	if err != nil {
		log.Printf("[mesh] accept error: %v", err)
		return
	}
	c.SetReadLimit(netconfig.MaxFrameSize)

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.DialTimeout)
	defer cancel()

	var h handshake
	if err := wsjson.Read(ctx, c, &h); err != nil {
		log.Printf("[mesh] handshake read from %s: %v", req.RemoteAddr, err)
		_ = c.CloseNow()
		return
	}
	if h.App != r.join.AppID || h.Room != r.join.RoomID || h.Peer == "" || h.Peer == r.self {
		log.Printf("[mesh] rejecting %s: hello for %s/%s from %q", req.RemoteAddr, h.App, h.Room, h.Peer)
		_ = c.Close(websocket.StatusPolicyViolation, "wrong room")
		return
	}
	if err := wsjson.Write(ctx, c, r.hello()); err != nil {
		log.Printf("[mesh] handshake write to %s: %v", h.Peer, err)
		_ = c.CloseNow()
		return
	}
	r.attach(h.Peer, c, false)
}

func (r *wsRoom) dial(ctx context.Context, p directory.PeerInfo) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()

	c, _, err := websocket.Dial(ctx, p.Address, nil)
	if err != nil {
		return fmt.Errorf("dial %s at %s: %w", p.ID, p.Address, err)
	}
	c.SetReadLimit(netconfig.MaxFrameSize)

	if err := wsjson.Write(ctx, c, r.hello()); err != nil {
		_ = c.CloseNow()
		return fmt.Errorf("handshake with %s: %w", p.ID, err)
	}
	var h handshake
	if err := wsjson.Read(ctx, c, &h); err != nil {
		_ = c.CloseNow()
		return fmt.Errorf("handshake with %s: %w", p.ID, err)
	}
	if h.Peer != messages.PeerID(p.ID) {
		_ = c.Close(websocket.StatusPolicyViolation, "unexpected peer")
		return fmt.Errorf("handshake with %s: answered as %q", p.ID, h.Peer)
	}
	r.attach(h.Peer, c, true)
	return nil
}

// preferred reports whether pc should win over an existing connection to the
// same peer. Both ends keep the connection dialed by the lower id.
func (r *wsRoom) preferred(pc *peerConn) bool {
	dialer := pc.id
	if pc.dialed {
		dialer = r.self
	}
	return dialer == min(r.self, pc.id)
}

func (r *wsRoom) attach(id messages.PeerID, c *websocket.Conn, dialed bool) {
	pc := &peerConn{
		id:     id,
		conn:   c,
		dialed: dialed,
		out:    make(chan []byte, r.cfg.SendQueue),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		_ = c.CloseNow()
		return
	}
	old, exists := r.conns[id]
	if exists && !r.preferred(pc) {
		r.mu.Unlock()
		_ = c.CloseNow()
		return
	}
	r.conns[id] = pc
	r.wg.Add(2)
	r.mu.Unlock()

	if exists {
		old.close()
	}
	go r.readLoop(pc)
	go r.writeLoop(pc)

	if !exists {
		log.Printf("[mesh] peer %s connected", id)
		if !r.closed.Load() {
			r.emitJoin(id)
		}
	}
}

func (r *wsRoom) detach(pc *peerConn, cause error) {
	r.mu.Lock()
	cur, ok := r.conns[pc.id]
	current := ok && cur == pc
	if current {
		delete(r.conns, pc.id)
	}
	r.mu.Unlock()

	pc.close()
	if current && !r.closed.Load() {
		log.Printf("[mesh] peer %s disconnected: %v", pc.id, cause)
		r.emitLeave(pc.id)
	}
}

func (r *wsRoom) readLoop(pc *peerConn) {
	defer r.wg.Done()

	for {
		typ, data, err := pc.conn.Read(r.ctx)
		if err != nil {
			r.detach(pc, err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		env, err := messages.Decode(data)
		if err != nil {
			log.Printf("[mesh] dropping frame from %s: %v", pc.id, err)
			continue
		}
		if env.Sender != pc.id {
			log.Printf("[mesh] dropping frame from %s claiming sender %s", pc.id, env.Sender)
			continue
		}
		if r.closed.Load() {
			return
		}
		r.deliver(env)
	}
}

func (r *wsRoom) writeLoop(pc *peerConn) {
	defer r.wg.Done()

	for {
		select {
		case <-pc.done:
			return
		case <-r.ctx.Done():
			return
		case frame := <-pc.out:
			ctx, cancel := context.WithTimeout(r.ctx, writeTimeout)
			err := pc.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				log.Printf("[mesh] write to %s failed: %v", pc.id, err)
				pc.close()
				return
			}
		}
	}
}

func (r *wsRoom) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			err := r.cfg.Directory.Heartbeat(r.ctx, r.key, string(r.self))
			switch {
			case err == nil:
			case errors.Is(err, directory.ErrUnknownPeer):
				log.Printf("[mesh] directory forgot %s, re-registering", r.self)
				if err := r.reregister(); err != nil && r.ctx.Err() == nil {
					log.Printf("[mesh] re-register failed: %v", err)
				}
			default:
				if r.ctx.Err() == nil {
					log.Printf("[mesh] heartbeat failed: %v", err)
				}
			}
		}
	}
}

func (r *wsRoom) reregister() error {
	_, err := backoff.Retry(r.ctx, func() (struct{}, error) {
		return struct{}{}, r.cfg.Directory.Register(r.ctx, r.key, r.info())
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(r.cfg.HeartbeatInterval),
	)
	return err
}

func (r *wsRoom) Self() messages.PeerID { return r.self }

func (r *wsRoom) Peers() []messages.PeerID {
	r.mu.RLock()
	ids := make([]messages.PeerID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *wsRoom) Send(channel string, payload []byte, target messages.PeerID) error {
	if r.closed.Load() {
		return errRoomClosed
	}
	frame, err := messages.Encode(messages.Envelope{Channel: channel, Sender: r.self, Payload: payload})
	if err != nil {
		return err
	}

	// snapshot of peers to avoid holding the lock while queueing
	r.mu.RLock()
	targets := make([]*peerConn, 0, len(r.conns))
	for id, pc := range r.conns {
		if target == "" || id == target {
			targets = append(targets, pc)
		}
	}
	r.mu.RUnlock()

	for _, pc := range targets {
		select {
		case pc.out <- frame:
		default:
			log.Printf("[mesh] send queue to %s full, dropping %s frame", pc.id, channel)
		}
	}
	return nil
}

func (r *wsRoom) OnPeerJoin(fn func(messages.PeerID)) func() { return r.joins.add(fn) }

func (r *wsRoom) OnPeerLeave(fn func(messages.PeerID)) func() { return r.leaves.add(fn) }

func (r *wsRoom) OnMessage(channel string, fn func([]byte, messages.PeerID)) func() {
	return r.onMessage(channel, fn)
}

func (r *wsRoom) Leave() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.resetAll()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DialTimeout)
	defer cancel()
	var errs []error
	if err := r.cfg.Directory.Deregister(ctx, r.key, string(r.self)); err != nil {
		errs = append(errs, err)
	}
	if err := r.shutdown(); err != nil {
		errs = append(errs, err)
	}
	log.Printf("[mesh] left %s", r.join)
	return errors.Join(errs...)
}

// shutdown closes every connection and the endpoint and waits for the room's
// goroutines to exit.
func (r *wsRoom) shutdown() error {
	r.closed.Store(true)

	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[messages.PeerID]*peerConn)
	r.mu.Unlock()

	for _, pc := range conns {
		pc.close()
	}
	r.cancel()
	err := r.srv.Close()
	r.wg.Wait()
	return err
}
