package components

import (
	"github.com/automoto/posemesh/shared/messages"
	"github.com/yohamta/donburi"
)

// PeerData links an entity to the remote peer it represents.
type PeerData struct {
	ID         messages.PeerID
	LastSeq    uint64
	Appearance map[string]string
}

var Peer = donburi.NewComponentType[PeerData]()
