package peerstate

import (
	"maps"

	"github.com/automoto/posemesh/shared/gamemath"
	"github.com/automoto/posemesh/shared/messages"
)

// PoseState is one participant's pose at the moment it was sent.
// Values handed out by the store must be treated as read-only.
type PoseState struct {
	Position   gamemath.Vec3
	Pitch      float64
	Yaw        float64
	Appearance map[string]string
	Seq        uint64
}

// DefaultPose is the pose assigned to a peer before its first update arrives.
func DefaultPose() PoseState {
	return PoseState{}
}

// Clone returns a copy that shares no mutable state with p.
func (p PoseState) Clone() PoseState {
	p.Appearance = maps.Clone(p.Appearance)
	return p
}

// FromPayload converts a validated wire payload.
func FromPayload(m messages.PosePayload) PoseState {
	return PoseState{
		Position: gamemath.Vec3{
			X: float64(m.Position[0]),
			Y: float64(m.Position[1]),
			Z: float64(m.Position[2]),
		},
		Pitch:      float64(m.Rotation[0]),
		Yaw:        float64(m.Rotation[1]),
		Appearance: maps.Clone(m.Appearance),
		Seq:        m.Seq,
	}
}

// Payload converts p to its wire form stamped with seq.
func (p PoseState) Payload(seq uint64) messages.PosePayload {
	return messages.PosePayload{
		Position:   [3]float32{float32(p.Position.X), float32(p.Position.Y), float32(p.Position.Z)},
		Rotation:   [2]float32{float32(p.Pitch), float32(p.Yaw)},
		Appearance: maps.Clone(p.Appearance),
		Seq:        seq,
	}
}
