package messages

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"

	"github.com/automoto/posemesh/shared/netconfig"
	"github.com/tidwall/gjson"
)

// PosePayload is broadcast on the pose channel by every participant.
type PosePayload struct {
	Position   [3]float32        `json:"position"`
	Rotation   [2]float32        `json:"rotation"` // pitch, yaw
	Appearance map[string]string `json:"appearance,omitempty"`
	Seq        uint64            `json:"seq"`
}

var unsignedInt = regexp.MustCompile(`^[0-9]+$`)

// UnmarshalJSON checks the exact payload shape before decoding. The standard
// decoder silently accepts short arrays and missing fields, which would let a
// truncated pose through as a jump to the origin.
func (p *PosePayload) UnmarshalJSON(data []byte) error {
	if err := checkPoseShape(data); err != nil {
		return err
	}
	type wire PosePayload
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	*p = PosePayload(w)
	return nil
}

// Validate enforces value constraints: finite numbers and the appearance schema.
func (p PosePayload) Validate() error {
	for i, f := range p.Position {
		if !finite32(f) {
			return fmt.Errorf("%w: position[%d] is not finite", ErrMalformed, i)
		}
	}
	for i, f := range p.Rotation {
		if !finite32(f) {
			return fmt.Errorf("%w: rotation[%d] is not finite", ErrMalformed, i)
		}
	}
	if len(p.Appearance) > netconfig.MaxAppearanceEntries {
		return fmt.Errorf("%w: %d appearance entries", ErrMalformed, len(p.Appearance))
	}
	for k, v := range p.Appearance {
		rule, ok := netconfig.AppearanceSchema[k]
		if !ok {
			return fmt.Errorf("%w: unknown appearance key %q", ErrMalformed, k)
		}
		if len(v) > netconfig.MaxAppearanceValue || !rule(v) {
			return fmt.Errorf("%w: invalid appearance %s=%q", ErrMalformed, k, v)
		}
	}
	return nil
}

func checkPoseShape(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return fmt.Errorf("%w: pose must be an object", ErrMalformed)
	}
	if err := checkNumberArray(root.Get("position"), "position", 3); err != nil {
		return err
	}
	if err := checkNumberArray(root.Get("rotation"), "rotation", 2); err != nil {
		return err
	}

	seq := root.Get("seq")
	if seq.Type != gjson.Number || !unsignedInt.MatchString(seq.Raw) {
		return fmt.Errorf("%w: seq must be an unsigned integer", ErrMalformed)
	}

	app := root.Get("appearance")
	if !app.Exists() || app.Type == gjson.Null {
		return nil
	}
	if !app.IsObject() {
		return fmt.Errorf("%w: appearance must be an object", ErrMalformed)
	}
	var bad error
	app.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.String {
			bad = fmt.Errorf("%w: appearance %q must be a string", ErrMalformed, key.String())
			return false
		}
		return true
	})
	return bad
}

func checkNumberArray(r gjson.Result, field string, n int) error {
	if !r.IsArray() {
		return fmt.Errorf("%w: %s must be an array", ErrMalformed, field)
	}
	items := r.Array()
	if len(items) != n {
		return fmt.Errorf("%w: %s needs %d numbers, got %d", ErrMalformed, field, n, len(items))
	}
	for i, it := range items {
		if it.Type != gjson.Number {
			return fmt.Errorf("%w: %s[%d] is not a number", ErrMalformed, field, i)
		}
	}
	return nil
}

func finite32(f float32) bool {
	v := float64(f)
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
