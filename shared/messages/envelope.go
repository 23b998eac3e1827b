package messages

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/automoto/posemesh/shared/netconfig"
)

// ErrMalformed marks inbound data that failed shape validation.
var ErrMalformed = errors.New("malformed message")

// PeerID identifies one participant in a room. It is assigned by the transport.
type PeerID string

// Envelope is the frame exchanged between peers for every channel send.
type Envelope struct {
	Channel string          `json:"channel"`
	Sender  PeerID          `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes an envelope.
func Encode(env Envelope) ([]byte, error) {
	if env.Channel == "" {
		return nil, errors.New("encode envelope: empty channel")
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(b) > netconfig.MaxFrameSize {
		return nil, fmt.Errorf("encode envelope: frame too large: %d", len(b))
	}
	return b, nil
}

// Decode parses one frame. Every failure wraps ErrMalformed.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if len(data) > netconfig.MaxFrameSize {
		return env, fmt.Errorf("%w: frame too large: %d", ErrMalformed, len(data))
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Channel == "" {
		return env, fmt.Errorf("%w: missing channel", ErrMalformed)
	}
	if env.Sender == "" {
		return env, fmt.Errorf("%w: missing sender", ErrMalformed)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return env, fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	return env, nil
}
