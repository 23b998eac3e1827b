// Package netconfig defines lightweight constants shared by every peer for
// network serialization and replication tuning. It must have zero
// dependencies so it can be imported from any layer.
package netconfig

import (
	"regexp"
	"time"
	"unicode/utf8"
)

// Channel names reserved by the session itself.
const (
	ChannelPose = "pose"
)

// Replication defaults.
const (
	DefaultSnapDistance  = 5.0  // world units; beyond this the renderer teleports
	DefaultSmoothingRate = 10.0 // per second
	DefaultPublishRate   = 30.0 // Hz
	DefaultRenderRate    = 144  // Hz, demo peer only
	DefaultStaleTimeout  = 10 * time.Second

	// MaxFrameSize bounds one encoded envelope.
	MaxFrameSize = 64 << 10
)

// Appearance limits.
const (
	MaxAppearanceEntries = 8
	MaxAppearanceValue   = 64
)

// AppearanceRule validates one appearance value.
type AppearanceRule func(value string) bool

var (
	hexColor   = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)
	identifier = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,31}$`)
)

// AppearanceSchema is the fixed set of appearance keys a peer may publish.
// Anything outside it is treated as a malformed payload.
var AppearanceSchema = map[string]AppearanceRule{
	"name":      displayName,
	"color":     hexColor.MatchString,
	"model":     identifier.MatchString,
	"accessory": identifier.MatchString,
	"emote":     identifier.MatchString,
}

func displayName(v string) bool {
	if v == "" || !utf8.ValidString(v) || utf8.RuneCountInString(v) > 32 {
		return false
	}
	for _, r := range v {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}
