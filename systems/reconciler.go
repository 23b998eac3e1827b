package systems

import (
	"sort"

	"github.com/automoto/posemesh/archetypes"
	"github.com/automoto/posemesh/components"
	"github.com/automoto/posemesh/peerstate"
	"github.com/automoto/posemesh/shared/gamemath"
	"github.com/automoto/posemesh/shared/messages"
	"github.com/automoto/posemesh/shared/netconfig"
	"github.com/yohamta/donburi"
)

type ReconcilerConfig struct {
	// SnapDistance is the gap beyond which a peer teleports instead of sliding.
	SnapDistance float64
	// SmoothingRate is the exponential smoothing rate, per second.
	SmoothingRate float64
}

func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		SnapDistance:  netconfig.DefaultSnapDistance,
		SmoothingRate: netconfig.DefaultSmoothingRate,
	}
}

// PeerTransform is one reconciled peer handed to the renderer.
type PeerTransform struct {
	ID        messages.PeerID
	Transform components.RenderTransformData
}

// Reconciler turns the sparse poses held in the store into a smoothed
// transform per remote peer, one pass per rendered frame. Each peer is a
// RemotePeer entity in the world; entities live exactly as long as the
// peer's store entry. Not safe for concurrent use; call from the render loop.
type Reconciler struct {
	store  *peerstate.Store
	world  donburi.World
	cfg    ReconcilerConfig
	snapSq float64

	entities map[messages.PeerID]donburi.Entity
}

// NewReconciler reads targets from store. A nil world gets a private one.
func NewReconciler(store *peerstate.Store, world donburi.World, cfg ReconcilerConfig) *Reconciler {
	if world == nil {
		world = donburi.NewWorld()
	}
	return &Reconciler{
		store:    store,
		world:    world,
		cfg:      cfg,
		snapSq:   cfg.SnapDistance * cfg.SnapDistance,
		entities: make(map[messages.PeerID]donburi.Entity),
	}
}

// Tick advances every peer by dt seconds and returns the transforms sorted
// by peer id.
func (r *Reconciler) Tick(dt float64) []PeerTransform {
	snapshot := r.store.All()

	for id, e := range r.entities {
		if _, ok := snapshot[id]; !ok {
			if r.world.Valid(e) {
				r.world.Remove(e)
			}
			delete(r.entities, id)
		}
	}

	ids := make([]messages.PeerID, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	// Non-finite dt freezes every peer at its last transform.
	advance := gamemath.IsFinite(dt)
	factor := 0.0
	if advance {
		factor = gamemath.SmoothingFactor(dt, r.cfg.SmoothingRate)
	}

	out := make([]PeerTransform, 0, len(ids))
	for _, id := range ids {
		target := snapshot[id]
		if !targetFinite(target) {
			// Hold the last good transform; a peer never seen finite has none.
			if tf, ok := r.Transform(id); ok {
				out = append(out, PeerTransform{ID: id, Transform: tf})
			}
			continue
		}

		entry, created := r.entry(id)
		tf := components.RenderTransform.Get(entry)
		switch {
		case created:
			tf.Position = target.Position
			tf.Yaw = gamemath.WrapToPi(target.Yaw)
			tf.Pitch = target.Pitch
		case advance:
			r.step(tf, target, factor)
		}
		peer := components.Peer.Get(entry)
		peer.LastSeq = target.Seq
		peer.Appearance = target.Appearance

		out = append(out, PeerTransform{ID: id, Transform: *tf})
	}
	return out
}

func (r *Reconciler) step(tf *components.RenderTransformData, target peerstate.PoseState, f float64) {
	if gamemath.DistanceSq(tf.Position, target.Position) > r.snapSq {
		tf.Position = target.Position
	} else {
		tf.Position = gamemath.Lerp(tf.Position, target.Position, f)
	}

	diff := gamemath.AngleDiff(tf.Yaw, target.Yaw)
	tf.Yaw = gamemath.WrapToPi(tf.Yaw + diff*f)

	// Pitch is bounded, so no wraparound.
	tf.Pitch += (target.Pitch - tf.Pitch) * f
}

func (r *Reconciler) entry(id messages.PeerID) (*donburi.Entry, bool) {
	if e, ok := r.entities[id]; ok && r.world.Valid(e) {
		return r.world.Entry(e), false
	}
	entry := archetypes.RemotePeer.Spawn(r.world)
	components.Peer.SetValue(entry, components.PeerData{ID: id})
	r.entities[id] = entry.Entity()
	return entry, true
}

// Transform returns the current transform of id, if it is being reconciled.
func (r *Reconciler) Transform(id messages.PeerID) (components.RenderTransformData, bool) {
	e, ok := r.entities[id]
	if !ok || !r.world.Valid(e) {
		return components.RenderTransformData{}, false
	}
	return *components.RenderTransform.Get(r.world.Entry(e)), true
}

// Len is the number of peers being reconciled.
func (r *Reconciler) Len() int {
	return len(r.entities)
}

func (r *Reconciler) World() donburi.World {
	return r.world
}

func targetFinite(p peerstate.PoseState) bool {
	return p.Position.Finite() && gamemath.IsFinite(p.Yaw, p.Pitch)
}
