package compressor

import (
	"image"

	"image-shrinker/internal/policy"
)

// State is the position of one asset in the retry state machine.
type State int

const (
	StateInitial State = iota
	StateAttempted
	StateAccepted
	StateExhausted
)

// String returns a lower-case name for the state.
func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateAttempted:
		return "attempted"
	case StateAccepted:
		return "accepted"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// MarshalText lets states appear by name in JSON and YAML reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is the outcome of compressing one image.
type Result struct {
	Data       []byte
	Params     policy.Params
	Tried      []policy.Params
	SourceSize int64
	OutputSize int64
	Attempts   int
	State      State
}

// Accepted reports whether the output met the size target.
func (r *Result) Accepted() bool {
	return r.State == StateAccepted
}

// Reduction returns the size saved as a percentage of the source; negative on growth.
func (r *Result) Reduction() float64 {
	if r.SourceSize <= 0 {
		return 0
	}
	return float64(r.SourceSize-r.OutputSize) * 100 / float64(r.SourceSize)
}

// Transcoder produces a JPEG stream for the given parameters.
type Transcoder interface {
	Transcode(img image.Image, params policy.Params) ([]byte, error)
}

// Escalator picks starting parameters and stricter fallbacks.
type Escalator interface {
	Select(sizeMB float64) policy.Params
	Escalate(tried policy.Params) (policy.Params, bool)
}
