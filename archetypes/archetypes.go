package archetypes

import (
	"github.com/automoto/posemesh/components"
	"github.com/automoto/posemesh/tags"
	"github.com/yohamta/donburi"
)

var (
	RemotePeer = newArchetype(
		tags.RemotePeer,
		components.Peer,
		components.RenderTransform,
	)
	LocalAvatar = newArchetype(
		tags.LocalAvatar,
		components.RenderTransform,
		components.Wander,
	)
)

type archetype struct {
	components []donburi.IComponentType
}

func newArchetype(cs ...donburi.IComponentType) *archetype {
	return &archetype{
		components: cs,
	}
}

func (a *archetype) Spawn(w donburi.World, cs ...donburi.IComponentType) *donburi.Entry {
	return w.Entry(w.Create(append(a.components, cs...)...))
}
