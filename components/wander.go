package components

import (
	"github.com/automoto/posemesh/shared/gamemath"
	"github.com/tanema/gween"
	"github.com/yohamta/donburi"
)

// WanderData drives a scripted avatar between waypoints. Each leg eases X
// and Z independently; yaw faces the direction of travel.
type WanderData struct {
	Waypoints []gamemath.Vec3
	Leg       int
	X, Z      *gween.Tween
	Elapsed   float64
}

var Wander = donburi.NewComponentType[WanderData]()
