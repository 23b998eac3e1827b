package session

import (
	"errors"
	"fmt"

	"github.com/automoto/posemesh/network"
)

var (
	// ErrTransport matches every *TransportError.
	ErrTransport       = errors.New("transport failure")
	ErrNotJoined       = errors.New("session not joined")
	ErrChannelExists   = errors.New("channel already open")
	ErrReservedChannel = errors.New("channel name reserved")
	ErrChannelClosed   = errors.New("channel closed")
)

// TransportError reports that the mesh could not be reached. It is retryable.
type TransportError struct {
	Op   string
	Room network.JoinConfig
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Room, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}
