// Package network defines the mesh transport contract the session layer
// depends on, together with two implementations: an in-process loopback mesh
// and a websocket peer mesh.
//
// Delivery through a Room is unreliable and unordered. Callbacks run on
// transport goroutines and must not block.
package network

import (
	"context"
	"fmt"

	"github.com/automoto/posemesh/shared/messages"
)

// JoinConfig selects the room to join. AppID namespaces rooms so unrelated
// applications sharing a directory never see each other.
type JoinConfig struct {
	AppID  string
	RoomID string
}

func (c JoinConfig) Validate() error {
	if c.AppID == "" {
		return fmt.Errorf("join config: app id required")
	}
	if c.RoomID == "" {
		return fmt.Errorf("join config: room id required")
	}
	return nil
}

func (c JoinConfig) String() string {
	return c.AppID + "/" + c.RoomID
}

// Mesh establishes membership in a room.
type Mesh interface {
	Join(ctx context.Context, cfg JoinConfig) (Room, error)
}

// Room is one live membership. Channel names are scoped to the Room, so the
// same name used in two rooms never cross-talks.
type Room interface {
	// Self is the id the transport assigned to the local participant.
	Self() messages.PeerID
	// Peers lists the currently connected remote peers.
	Peers() []messages.PeerID
	// Send delivers payload on channel to target, or to every peer when
	// target is empty. It never blocks on the network.
	Send(channel string, payload []byte, target messages.PeerID) error
	OnPeerJoin(fn func(messages.PeerID)) (cancel func())
	OnPeerLeave(fn func(messages.PeerID)) (cancel func())
	OnMessage(channel string, fn func(payload []byte, from messages.PeerID)) (cancel func())
	// Leave tears the membership down. After it returns no callback fires.
	Leave() error
}
