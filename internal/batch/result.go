package batch

import (
	"path/filepath"

	"image-shrinker/internal/compressor"
	"image-shrinker/internal/policy"
)

// Action is what the runner did with one asset.
type Action string

const (
	ActionCompressed   Action = "compressed"
	ActionKeptOriginal Action = "kept_original"
	ActionSkipped      Action = "skipped"
	ActionFailed       Action = "failed"
	ActionPlanned      Action = "planned"
)

// AssetResult is the per-asset outcome of a run.
type AssetResult struct {
	Path         string           `json:"path" yaml:"path"`
	OutputPath   string           `json:"output_path,omitempty" yaml:"output_path,omitempty"`
	OriginalSize int64            `json:"original_size" yaml:"original_size"`
	FinalSize    int64            `json:"final_size" yaml:"final_size"`
	Width        int              `json:"width,omitempty" yaml:"width,omitempty"`
	Height       int              `json:"height,omitempty" yaml:"height,omitempty"`
	Action       Action           `json:"action" yaml:"action"`
	State        compressor.State `json:"state" yaml:"state"`
	Params       policy.Params    `json:"params" yaml:"params"`
	Attempts     int              `json:"attempts" yaml:"attempts"`
	Reason       string           `json:"reason,omitempty" yaml:"reason,omitempty"`
	Err          error            `json:"-" yaml:"-"`
}

// Name returns the file name of the asset.
func (r AssetResult) Name() string {
	return filepath.Base(r.Path)
}

// Success reports whether the asset ended up in a valid state on disk.
func (r AssetResult) Success() bool {
	return r.Action == ActionCompressed || r.Action == ActionKeptOriginal
}

// ThresholdMissed reports whether the retry ladder ran out before the size target.
func (r AssetResult) ThresholdMissed() bool {
	return r.State == compressor.StateExhausted
}

// Reduction returns the saved share of the original size in percent.
func (r AssetResult) Reduction() float64 {
	if r.OriginalSize <= 0 {
		return 0
	}
	return float64(r.OriginalSize-r.FinalSize) * 100 / float64(r.OriginalSize)
}

// Observer receives every result as soon as an asset is finished.
type Observer interface {
	OnAsset(index, total int, result AssetResult)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(index, total int, result AssetResult)

// OnAsset calls f.
func (f ObserverFunc) OnAsset(index, total int, result AssetResult) {
	f(index, total, result)
}

// Observers fans a result out to several observers in order.
type Observers []Observer

// OnAsset notifies every observer.
func (o Observers) OnAsset(index, total int, result AssetResult) {
	for _, obs := range o {
		if obs != nil {
			obs.OnAsset(index, total, result)
		}
	}
}

// LogHookFunc forwards runner messages to an outer surface such as a WebSocket.
type LogHookFunc func(level, message string)

// CleanupReport lists the stale originals removed by Cleanup.
type CleanupReport struct {
	Removed []string `json:"removed" yaml:"removed"`
	Freed   int64    `json:"freed" yaml:"freed"`
}
