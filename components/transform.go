package components

import (
	"github.com/automoto/posemesh/shared/gamemath"
	"github.com/yohamta/donburi"
)

// RenderTransformData is the smoothed transform shown for a peer. Only the
// reconciler writes it; network code never does.
type RenderTransformData struct {
	Position gamemath.Vec3
	Yaw      float64
	Pitch    float64
}

var RenderTransform = donburi.NewComponentType[RenderTransformData]()
