package systems

import (
	"math"

	"github.com/automoto/posemesh/archetypes"
	"github.com/automoto/posemesh/components"
	"github.com/automoto/posemesh/peerstate"
	"github.com/automoto/posemesh/shared/gamemath"
	"github.com/tanema/gween"
	"github.com/tanema/gween/ease"
	"github.com/yohamta/donburi"
)

const minLegDuration = 0.1 // seconds

// Wanderer walks the local avatar around a closed loop of waypoints and
// writes the result to the store as the outgoing pose. It stands in for
// player input on headless peers.
type Wanderer struct {
	store      *peerstate.Store
	entry      *donburi.Entry
	speed      float64
	appearance map[string]string
}

// NewWanderer spawns the local avatar at the first waypoint. speed is in
// world units per second.
func NewWanderer(world donburi.World, store *peerstate.Store, waypoints []gamemath.Vec3, speed float64, appearance map[string]string) *Wanderer {
	if len(waypoints) == 0 {
		waypoints = []gamemath.Vec3{{}}
	}
	if speed <= 0 {
		speed = 1
	}
	w := &Wanderer{
		store:      store,
		entry:      archetypes.LocalAvatar.Spawn(world),
		speed:      speed,
		appearance: appearance,
	}
	components.Wander.SetValue(w.entry, components.WanderData{Waypoints: waypoints})
	components.RenderTransform.SetValue(w.entry, components.RenderTransformData{Position: waypoints[0]})
	w.startLeg(components.Wander.Get(w.entry), 0)
	w.publish()
	return w
}

func (w *Wanderer) startLeg(wd *components.WanderData, leg int) {
	wd.Leg = leg % len(wd.Waypoints)
	if len(wd.Waypoints) < 2 {
		wd.X, wd.Z = nil, nil
		return
	}
	from := wd.Waypoints[wd.Leg]
	to := wd.Waypoints[(wd.Leg+1)%len(wd.Waypoints)]

	duration := math.Max(minLegDuration, to.Sub(from).Len()/w.speed)
	wd.X = gween.New(float32(from.X), float32(to.X), float32(duration), ease.InOutSine)
	wd.Z = gween.New(float32(from.Z), float32(to.Z), float32(duration), ease.InOutSine)

	tf := components.RenderTransform.Get(w.entry)
	tf.Yaw = math.Atan2(to.X-from.X, to.Z-from.Z)
}

// Update advances the avatar by dt seconds.
func (w *Wanderer) Update(dt float64) {
	wd := components.Wander.Get(w.entry)
	if wd.X == nil || dt <= 0 || !gamemath.IsFinite(dt) {
		return
	}
	wd.Elapsed += dt

	x, doneX := wd.X.Update(float32(dt))
	z, doneZ := wd.Z.Update(float32(dt))

	tf := components.RenderTransform.Get(w.entry)
	tf.Position.X = float64(x)
	tf.Position.Z = float64(z)

	if doneX && doneZ {
		w.startLeg(wd, wd.Leg+1)
	}
	w.publish()
}

func (w *Wanderer) publish() {
	tf := components.RenderTransform.Get(w.entry)
	w.store.SetLocal(peerstate.PoseState{
		Position:   tf.Position,
		Yaw:        tf.Yaw,
		Pitch:      tf.Pitch,
		Appearance: w.appearance,
	})
}

// Transform is the avatar's current transform.
func (w *Wanderer) Transform() components.RenderTransformData {
	return *components.RenderTransform.Get(w.entry)
}

// Leg is the index of the waypoint the current leg started from.
func (w *Wanderer) Leg() int {
	return components.Wander.Get(w.entry).Leg
}
