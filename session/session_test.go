package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/automoto/posemesh/network"
	"github.com/automoto/posemesh/peerstate"
	"github.com/automoto/posemesh/shared/messages"
	"github.com/automoto/posemesh/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	lobby = network.JoinConfig{AppID: "posemesh", RoomID: "lobby"}
	arena = network.JoinConfig{AppID: "posemesh", RoomID: "arena"}
)

func newSession(t *testing.T, mesh network.Mesh, stale time.Duration) *Session {
	t.Helper()
	metrics, err := telemetry.NewMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	s := New(mesh, peerstate.NewStore(), Config{StaleTimeout: stale, Metrics: metrics})
	t.Cleanup(func() { _ = s.Leave() })
	return s
}

func pose(seq uint64, x float32) messages.PosePayload {
	return messages.PosePayload{Position: [3]float32{x, 0, 0}, Seq: seq}
}

func TestSession_JoinLeaveLifecycle(t *testing.T) {
	t.Parallel()

	mesh := network.NewLoopback()
	a := newSession(t, mesh, 0)
	b := newSession(t, mesh, 0)

	assert.False(t, a.Joined())
	assert.Nil(t, a.PoseChannel())
	assert.NoError(t, a.Leave(), "leave when not joined is a no-op")

	require.NoError(t, a.Join(context.Background(), lobby))
	require.NoError(t, b.Join(context.Background(), lobby))

	assert.True(t, a.Joined())
	room, ok := a.Room()
	assert.True(t, ok)
	assert.Equal(t, lobby, room)
	assert.NotEmpty(t, a.Self())

	assert.Equal(t, []messages.PeerID{b.Self()}, a.Members())
	assert.Equal(t, []messages.PeerID{a.Self()}, b.Members())

	// Both sides hold a default entry for the other before any pose arrives.
	got, ok := a.Store().Get(b.Self())
	require.True(t, ok)
	assert.Equal(t, peerstate.DefaultPose(), got)

	require.NoError(t, a.Leave())
	assert.False(t, a.Joined())
	assert.Empty(t, a.Members())
	assert.Equal(t, 0, a.Store().Len())

	assert.Empty(t, b.Members())
	assert.Equal(t, 0, b.Store().Len())
}

func TestSession_PoseReplication(t *testing.T) {
	t.Parallel()

	mesh := network.NewLoopback()
	a := newSession(t, mesh, 0)
	b := newSession(t, mesh, 0)
	require.NoError(t, a.Join(context.Background(), lobby))
	require.NoError(t, b.Join(context.Background(), lobby))

	p := pose(1, 3)
	p.Appearance = map[string]string{"color": "#ff0000"}
	require.NoError(t, b.PoseChannel().Send(p))

	got, ok := a.Store().Get(b.Self())
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.Seq)
	assert.InDelta(t, 3.0, got.Position.X, 1e-6)
	assert.Equal(t, "#ff0000", got.Appearance["color"])
}

func TestSession_OutOfOrderPoseRejected(t *testing.T) {
	t.Parallel()

	mesh := network.NewLoopback()
	a := newSession(t, mesh, 0)
	b := newSession(t, mesh, 0)
	require.NoError(t, a.Join(context.Background(), lobby))
	require.NoError(t, b.Join(context.Background(), lobby))

	require.NoError(t, b.PoseChannel().Send(pose(5, 5)))
	require.NoError(t, b.PoseChannel().Send(pose(3, 3)))

	got, ok := a.Store().Get(b.Self())
	require.True(t, ok)
	assert.Equal(t, uint64(5), got.Seq)
	assert.InDelta(t, 5.0, got.Position.X, 1e-6)
	assert.Equal(t, uint64(1), a.Store().StaleRejected())
	assert.Equal(t, int64(1), a.Metrics().Totals().Stale)
}

func TestSession_MalformedPoseDropped(t *testing.T) {
	t.Parallel()

	mesh := network.NewLoopback()
	a := newSession(t, mesh, 0)
	require.NoError(t, a.Join(context.Background(), lobby))

	raw, err := mesh.Join(context.Background(), lobby)
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Leave() })

	require.NoError(t, raw.Send("pose", []byte(`{"position":[1,2],"rotation":[0,0],"seq":1}`), ""))
	require.NoError(t, raw.Send("pose", []byte(`{"position":[1,2,3],"rotation":[0,0],"appearance":{"hat":"x"},"seq":1}`), ""))

	got, ok := a.Store().Get(raw.Self())
	require.True(t, ok, "join event still creates the entry")
	assert.Equal(t, peerstate.DefaultPose(), got)
	assert.Equal(t, int64(2), a.Metrics().Totals().Malformed)
}

func TestSession_RejoinSameRoomIsIdempotent(t *testing.T) {
	t.Parallel()

	mesh := network.NewLoopback()
	a := newSession(t, mesh, 0)
	b := newSession(t, mesh, 0)
	require.NoError(t, a.Join(context.Background(), lobby))
	require.NoError(t, b.Join(context.Background(), lobby))

	var calls int
	a.PoseChannel().OnMessage(func(messages.PosePayload, messages.PeerID) { calls++ })

	require.NoError(t, b.PoseChannel().Send(pose(1, 1)))
	self := a.Self()
	pc := a.PoseChannel()

	require.NoError(t, a.Join(context.Background(), lobby))
	assert.Equal(t, self, a.Self())
	assert.Same(t, pc, a.PoseChannel())

	require.NoError(t, b.PoseChannel().Send(pose(2, 2)))
	assert.Equal(t, 2, calls, "each inbound message fires the handler once")

	got, ok := a.Store().Get(b.Self())
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.Seq)
}

func TestSession_JoinOtherRoomLeavesFirst(t *testing.T) {
	t.Parallel()

	mesh := network.NewLoopback()
	a := newSession(t, mesh, 0)
	b := newSession(t, mesh, 0)
	require.NoError(t, a.Join(context.Background(), lobby))
	require.NoError(t, b.Join(context.Background(), lobby))
	require.NoError(t, b.PoseChannel().Send(pose(1, 1)))

	chat, err := NewChannel[string](a, "chat")
	require.NoError(t, err)
	oldPose := a.PoseChannel()

	require.NoError(t, a.Join(context.Background(), arena))

	assert.Empty(t, a.Members())
	assert.Equal(t, 0, a.Store().Len())
	assert.ErrorIs(t, chat.Send("hi"), ErrChannelClosed)
	assert.ErrorIs(t, oldPose.Send(pose(9, 9)), ErrChannelClosed)
	assert.NotSame(t, oldPose, a.PoseChannel())

	// Traffic in the old room no longer reaches a.
	require.NoError(t, b.PoseChannel().Send(pose(2, 2)))
	assert.Equal(t, 0, a.Store().Len())
	assert.Empty(t, b.Members())
}

func TestSession_PeerLeaveRemovesEntry(t *testing.T) {
	t.Parallel()

	mesh := network.NewLoopback()
	a := newSession(t, mesh, 0)
	b := newSession(t, mesh, 0)
	require.NoError(t, a.Join(context.Background(), lobby))
	require.NoError(t, b.Join(context.Background(), lobby))
	require.NoError(t, b.PoseChannel().Send(pose(1, 1)))

	var left []messages.PeerID
	a.OnPeerLeave(func(id messages.PeerID) { left = append(left, id) })

	bID := b.Self()
	require.NoError(t, b.Leave())

	_, ok := a.Store().Get(bID)
	assert.False(t, ok)
	assert.Empty(t, a.Members())
	assert.Equal(t, []messages.PeerID{bID}, left)
}

func TestSession_PeerJoinSubscription(t *testing.T) {
	t.Parallel()

	mesh := network.NewLoopback()
	a := newSession(t, mesh, 0)
	b := newSession(t, mesh, 0)

	var joined []messages.PeerID
	sub := a.OnPeerJoin(func(id messages.PeerID) { joined = append(joined, id) })

	require.NoError(t, a.Join(context.Background(), lobby))
	require.NoError(t, b.Join(context.Background(), lobby))
	assert.Equal(t, []messages.PeerID{b.Self()}, joined)

	sub.Cancel()
	sub.Cancel()
	c := newSession(t, mesh, 0)
	require.NoError(t, c.Join(context.Background(), lobby))
	assert.Len(t, joined, 1)
}

func TestSession_HandlerReadingStateDoesNotBlockLeave(t *testing.T) {
	t.Parallel()

	mesh := network.NewLoopback()
	a := newSession(t, mesh, 0)
	b := newSession(t, mesh, 0)
	require.NoError(t, a.Join(context.Background(), lobby))
	self := a.Self()

	entered := make(chan struct{})
	leaving := make(chan struct{})
	seen := make(chan messages.PeerID, 1)
	var once sync.Once
	a.OnPeerJoin(func(messages.PeerID) {
		once.Do(func() { close(entered) })
		<-leaving
		// Give Leave time to queue on the gate before reading.
		time.Sleep(50 * time.Millisecond)
		seen <- a.Self()
		_ = a.Joined()
		_, _ = a.Room()
		_ = a.PoseChannel()
	})

	joinDone := make(chan error, 1)
	go func() { joinDone <- b.Join(context.Background(), lobby) }()
	<-entered

	left := make(chan error, 1)
	go func() {
		close(leaving)
		left <- a.Leave()
	}()

	select {
	case err := <-left:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Leave blocked behind a join handler")
	}
	assert.Equal(t, self, <-seen)
	require.NoError(t, <-joinDone)
	assert.False(t, a.Joined())
}

func TestSession_ExistingPeersSeenOnJoin(t *testing.T) {
	t.Parallel()

	mesh := network.NewLoopback()
	a := newSession(t, mesh, 0)
	b := newSession(t, mesh, 0)
	require.NoError(t, a.Join(context.Background(), lobby))

	var joined []messages.PeerID
	b.OnPeerJoin(func(id messages.PeerID) { joined = append(joined, id) })
	require.NoError(t, b.Join(context.Background(), lobby))

	assert.Equal(t, []messages.PeerID{a.Self()}, joined)
}

func TestSession_ExpireStale(t *testing.T) {
	t.Parallel()

	mesh := network.NewLoopback()
	a := newSession(t, mesh, time.Hour)
	b := newSession(t, mesh, 0)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return start }

	require.NoError(t, a.Join(context.Background(), lobby))
	require.NoError(t, b.Join(context.Background(), lobby))

	assert.Empty(t, a.ExpireStale(start.Add(30*time.Minute)))

	expired := a.ExpireStale(start.Add(2 * time.Hour))
	assert.Equal(t, []messages.PeerID{b.Self()}, expired)
	assert.Empty(t, a.Members())
	assert.Equal(t, 0, a.Store().Len())

	// The next message from the peer brings it back.
	require.NoError(t, b.PoseChannel().Send(pose(4, 4)))
	assert.Equal(t, []messages.PeerID{b.Self()}, a.Members())
}

type failingMesh struct{ err error }

func (f failingMesh) Join(context.Context, network.JoinConfig) (network.Room, error) {
	return nil, f.err
}

func TestSession_JoinTransportError(t *testing.T) {
	t.Parallel()

	cause := errors.New("signaling unreachable")
	s := newSession(t, failingMesh{err: cause}, 0)

	err := s.Join(context.Background(), lobby)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "join", te.Op)
	assert.Equal(t, lobby, te.Room)
	assert.False(t, s.Joined())

	err = <-s.JoinAsync(context.Background(), lobby)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestSession_JoinRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	s := newSession(t, network.NewLoopback(), 0)
	err := s.Join(context.Background(), network.JoinConfig{AppID: "posemesh"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransport)
}

type chatLine struct {
	Text string `json:"text"`
}

func (c chatLine) Validate() error {
	if c.Text == "" {
		return errors.New("empty text")
	}
	return nil
}

func TestChannel_Errors(t *testing.T) {
	t.Parallel()

	mesh := network.NewLoopback()
	a := newSession(t, mesh, 0)

	_, err := NewChannel[chatLine](a, "chat")
	assert.ErrorIs(t, err, ErrNotJoined)

	require.NoError(t, a.Join(context.Background(), lobby))

	_, err = NewChannel[chatLine](a, "pose")
	assert.ErrorIs(t, err, ErrReservedChannel)

	_, err = NewChannel[chatLine](a, "chat")
	require.NoError(t, err)
	_, err = NewChannel[chatLine](a, "chat")
	assert.ErrorIs(t, err, ErrChannelExists)
}

func TestChannel_UnicastAndValidation(t *testing.T) {
	t.Parallel()

	mesh := network.NewLoopback()
	a := newSession(t, mesh, 0)
	b := newSession(t, mesh, 0)
	c := newSession(t, mesh, 0)
	for _, s := range []*Session{a, b, c} {
		require.NoError(t, s.Join(context.Background(), lobby))
	}

	chatA, err := NewChannel[chatLine](a, "chat")
	require.NoError(t, err)
	chatB, err := NewChannel[chatLine](b, "chat")
	require.NoError(t, err)
	chatC, err := NewChannel[chatLine](c, "chat")
	require.NoError(t, err)

	var gotB, gotC []chatLine
	chatB.OnMessage(func(v chatLine, from messages.PeerID) {
		assert.Equal(t, a.Self(), from)
		gotB = append(gotB, v)
	})
	chatC.OnMessage(func(v chatLine, _ messages.PeerID) { gotC = append(gotC, v) })

	require.NoError(t, chatA.SendTo(chatLine{Text: "psst"}, c.Self()))
	require.NoError(t, chatA.Send(chatLine{Text: "hello"}))
	require.NoError(t, chatA.Send(chatLine{}), "validation is applied on receipt")

	assert.Equal(t, []chatLine{{Text: "hello"}}, gotB)
	assert.Equal(t, []chatLine{{Text: "psst"}, {Text: "hello"}}, gotC)
	assert.Equal(t, int64(1), b.Metrics().Totals().Malformed)
}

func TestChannel_InboxDrainAndOverflow(t *testing.T) {
	t.Parallel()

	mesh := network.NewLoopback()
	a := newSession(t, mesh, 0)
	b := newSession(t, mesh, 0)
	require.NoError(t, a.Join(context.Background(), lobby))
	require.NoError(t, b.Join(context.Background(), lobby))

	chatA, err := NewChannel[chatLine](a, "chat")
	require.NoError(t, err)
	chatB, err := NewChannel[chatLine](b, "chat")
	require.NoError(t, err)

	inbox := chatB.Subscribe(2)
	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, chatA.Send(chatLine{Text: text}))
	}

	msgs := inbox.Drain()
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Value.Text)
	assert.Equal(t, "two", msgs[1].Value.Text)
	assert.Equal(t, a.Self(), msgs[0].From)
	assert.Equal(t, uint64(1), inbox.Dropped())
	assert.Empty(t, inbox.Drain())

	inbox.Cancel()
	require.NoError(t, chatA.Send(chatLine{Text: "four"}))
	assert.Empty(t, inbox.Drain())
}

func TestChannel_SameNameAcrossRoomsIsolated(t *testing.T) {
	t.Parallel()

	mesh := network.NewLoopback()
	a := newSession(t, mesh, 0)
	b := newSession(t, mesh, 0)
	require.NoError(t, a.Join(context.Background(), lobby))
	require.NoError(t, b.Join(context.Background(), arena))

	chatA, err := NewChannel[chatLine](a, "chat")
	require.NoError(t, err)
	chatB, err := NewChannel[chatLine](b, "chat")
	require.NoError(t, err)

	inbox := chatB.Subscribe(4)
	require.NoError(t, chatA.Send(chatLine{Text: "hello"}))
	assert.Empty(t, inbox.Drain())
}

func TestSession_NoDeliveryAfterLeave(t *testing.T) {
	t.Parallel()

	mesh := network.NewLoopback()
	a := newSession(t, mesh, 0)
	require.NoError(t, a.Join(context.Background(), lobby))

	raw, err := mesh.Join(context.Background(), lobby)
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Leave() })

	payload, err := json.Marshal(pose(1, 1))
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = raw.Send("pose", payload, "")
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, a.Leave())
	assert.Equal(t, 0, a.Store().Len())

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 0, a.Store().Len(), "no write lands after leave returns")

	close(stop)
	wg.Wait()
}
