package systems

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/automoto/posemesh/peerstate"
	"github.com/automoto/posemesh/shared/gamemath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yohamta/donburi"
)

func TestWanderer_WalksLegsAndPublishesLocal(t *testing.T) {
	t.Parallel()

	store := peerstate.NewStore()
	waypoints := []gamemath.Vec3{{X: 0}, {X: 10}}
	w := NewWanderer(donburi.NewWorld(), store, waypoints, 10, map[string]string{"color": "#123456"})

	assert.Equal(t, gamemath.Vec3{}, store.Local().Position)
	assert.InDelta(t, math.Pi/2, w.Transform().Yaw, 1e-9, "faces +X on the first leg")

	w.Update(0.5)
	assert.InDelta(t, 5.0, w.Transform().Position.X, 1e-4, "ease is symmetric around the midpoint")
	assert.InDelta(t, 5.0, store.Local().Position.X, 1e-4)
	assert.Equal(t, "#123456", store.Local().Appearance["color"])
	assert.Equal(t, 0, w.Leg())

	w.Update(0.6)
	assert.InDelta(t, 10.0, w.Transform().Position.X, 1e-6)
	assert.Equal(t, 1, w.Leg())
	assert.InDelta(t, -math.Pi/2, w.Transform().Yaw, 1e-9, "turns back toward the start")

	w.Update(1.0)
	assert.InDelta(t, 0.0, w.Transform().Position.X, 1e-6)
	assert.Equal(t, 0, w.Leg())
}

func TestWanderer_SingleWaypointStaysPut(t *testing.T) {
	t.Parallel()

	store := peerstate.NewStore()
	w := NewWanderer(donburi.NewWorld(), store, []gamemath.Vec3{{X: 3, Z: 4}}, 1, nil)
	w.Update(1)
	assert.Equal(t, gamemath.Vec3{X: 3, Z: 4}, w.Transform().Position)
	assert.Equal(t, gamemath.Vec3{X: 3, Z: 4}, store.Local().Position)
}

func TestWanderer_IgnoresBadDt(t *testing.T) {
	t.Parallel()

	store := peerstate.NewStore()
	w := NewWanderer(donburi.NewWorld(), store, []gamemath.Vec3{{}, {Z: 5}}, 5, nil)
	w.Update(math.NaN())
	w.Update(-1)
	assert.Equal(t, gamemath.Vec3{}, w.Transform().Position)
}

func TestFrameLoop_RunsSystemsUntilStopped(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int64
	var badDt atomic.Bool
	loop := NewFrameLoop(200, func(dt float64, _ time.Time) {
		if dt <= 0 {
			badDt.Store(true)
		}
		ticks.Add(1)
	})

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	require.Eventually(t, func() bool { return ticks.Load() >= 5 }, 2*time.Second, 5*time.Millisecond)
	loop.Stop()
	loop.Stop()
	require.NoError(t, <-done)
	assert.False(t, badDt.Load())
}

func TestFrameLoop_StopsOnContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	loop := NewFrameLoop(100)
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
