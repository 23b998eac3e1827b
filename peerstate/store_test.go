package peerstate

import (
	"fmt"
	"sync"
	"testing"

	"github.com/automoto/posemesh/shared/gamemath"
	"github.com/automoto/posemesh/shared/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RejectsOutOfOrderSequence(t *testing.T) {
	t.Parallel()

	s := NewStore()
	require.NoError(t, s.Set("a", PoseState{Seq: 5, Position: gamemath.Vec3{X: 5}}))

	err := s.Set("a", PoseState{Seq: 3, Position: gamemath.Vec3{X: 3}})
	assert.ErrorIs(t, err, ErrStale)

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, uint64(5), got.Seq)
	assert.Equal(t, 5.0, got.Position.X)
	assert.Equal(t, uint64(1), s.StaleRejected())
}

func TestStore_AcceptsEqualSequence(t *testing.T) {
	t.Parallel()

	s := NewStore()
	require.NoError(t, s.Set("a", PoseState{Seq: 7, Yaw: 1}))
	require.NoError(t, s.Set("a", PoseState{Seq: 7, Yaw: 2}))

	got, _ := s.Get("a")
	assert.Equal(t, 2.0, got.Yaw)
}

func TestStore_EnsureDoesNotOverwrite(t *testing.T) {
	t.Parallel()

	s := NewStore()
	assert.True(t, s.Ensure("a"))
	require.NoError(t, s.Set("a", PoseState{Seq: 2}))
	assert.False(t, s.Ensure("a"))

	got, _ := s.Get("a")
	assert.Equal(t, uint64(2), got.Seq)
}

func TestStore_RemoveAndClear(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Ensure("a")
	s.Ensure("b")
	s.SetLocal(PoseState{Yaw: 1})

	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	assert.Equal(t, 1, s.Len())

	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 1.0, s.Local().Yaw, "clear keeps the local pose")
}

func TestStore_WritesDoNotAliasCallerMaps(t *testing.T) {
	t.Parallel()

	s := NewStore()
	app := map[string]string{"color": "#ff0000"}
	require.NoError(t, s.Set("a", PoseState{Appearance: app}))
	app["color"] = "#00ff00"

	got, _ := s.Get("a")
	assert.Equal(t, "#ff0000", got.Appearance["color"])

	s.SetLocal(PoseState{Appearance: app})
	local := s.Local()
	local.Appearance["color"] = "#0000ff"
	assert.Equal(t, "#00ff00", s.Local().Appearance["color"])
}

func TestStore_AllIsSnapshot(t *testing.T) {
	t.Parallel()

	s := NewStore()
	require.NoError(t, s.Set("a", PoseState{Seq: 1}))
	snap := s.All()

	require.NoError(t, s.Set("a", PoseState{Seq: 2}))
	s.Ensure("b")

	assert.Len(t, snap, 1)
	assert.Equal(t, uint64(1), snap["a"].Seq)
}

func TestStore_ConcurrentWritersAndReader(t *testing.T) {
	t.Parallel()

	s := NewStore()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		id := messages.PeerID(fmt.Sprintf("peer-%d", w))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := uint64(1); seq <= 500; seq++ {
				// Position mirrors seq so a torn read would be visible.
				_ = s.Set(id, PoseState{Seq: seq, Position: gamemath.Vec3{X: float64(seq), Y: float64(seq)}})
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			for _, p := range s.All() {
				if p.Seq == 0 {
					continue
				}
				assert.Equal(t, float64(p.Seq), p.Position.X)
				assert.Equal(t, p.Position.X, p.Position.Y)
			}
		}
	}()

	wg.Wait()
	<-done
	for _, p := range s.All() {
		assert.Equal(t, uint64(500), p.Seq)
	}
}

func TestPayloadConversion(t *testing.T) {
	t.Parallel()

	p := PoseState{
		Position:   gamemath.Vec3{X: 1, Y: 2, Z: 3},
		Pitch:      0.5,
		Yaw:        -1,
		Appearance: map[string]string{"name": "Ada"},
	}
	m := p.Payload(9)
	assert.Equal(t, [3]float32{1, 2, 3}, m.Position)
	assert.Equal(t, [2]float32{0.5, -1}, m.Rotation)
	assert.Equal(t, uint64(9), m.Seq)

	back := FromPayload(m)
	assert.Equal(t, p.Position, back.Position)
	assert.Equal(t, uint64(9), back.Seq)
	assert.Equal(t, "Ada", back.Appearance["name"])
}
