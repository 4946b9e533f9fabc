package statistics

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"image-shrinker/internal/batch"
	"image-shrinker/internal/policy"
)

// Summary is the aggregate of one run.
type Summary struct {
	Total           int           `json:"total" yaml:"total"`
	Compressed      int           `json:"compressed" yaml:"compressed"`
	KeptOriginal    int           `json:"kept_original" yaml:"kept_original"`
	Skipped         int           `json:"skipped" yaml:"skipped"`
	Failed          int           `json:"failed" yaml:"failed"`
	Planned         int           `json:"planned" yaml:"planned"`
	ThresholdMisses int           `json:"threshold_misses" yaml:"threshold_misses"`
	OriginalBytes   int64         `json:"original_bytes" yaml:"original_bytes"`
	FinalBytes      int64         `json:"final_bytes" yaml:"final_bytes"`
	BytesOnDisk     int64         `json:"bytes_on_disk" yaml:"bytes_on_disk"`
	Duration        time.Duration `json:"duration" yaml:"-"`
}

// Summarize folds per-asset results into a Summary. Only compressed and kept
// assets count towards the original and final byte totals.
func Summarize(results []batch.AssetResult, duration time.Duration) Summary {
	s := Summary{Total: len(results), Duration: duration}
	for _, r := range results {
		switch r.Action {
		case batch.ActionCompressed:
			s.Compressed++
		case batch.ActionKeptOriginal:
			s.KeptOriginal++
		case batch.ActionSkipped:
			s.Skipped++
		case batch.ActionFailed:
			s.Failed++
		case batch.ActionPlanned:
			s.Planned++
		}
		if r.ThresholdMissed() {
			s.ThresholdMisses++
		}
		if r.Success() {
			s.OriginalBytes += r.OriginalSize
			s.FinalBytes += r.FinalSize
			s.BytesOnDisk += r.FinalSize
		} else {
			s.BytesOnDisk += r.OriginalSize
		}
	}
	return s
}

// Processed returns the number of assets that went through compression.
func (s Summary) Processed() int {
	return s.Compressed + s.KeptOriginal
}

// Saved returns the bytes saved over processed assets.
func (s Summary) Saved() int64 {
	return s.OriginalBytes - s.FinalBytes
}

// Reduction returns the aggregate saving in percent.
func (s Summary) Reduction() float64 {
	if s.OriginalBytes <= 0 {
		return 0
	}
	return float64(s.Saved()) * 100 / float64(s.OriginalBytes)
}

// WithinBudget reports whether everything left on disk fits in budgetMB.
// A zero budget always passes.
func (s Summary) WithinBudget(budgetMB float64) bool {
	if budgetMB <= 0 {
		return true
	}
	return policy.SizeMB(s.BytesOnDisk) <= budgetMB
}

// BudgetVerdict describes the on-disk total against budgetMB.
func (s Summary) BudgetVerdict(budgetMB float64) string {
	if budgetMB <= 0 {
		return ""
	}
	total := policy.SizeMB(s.BytesOnDisk)
	if s.WithinBudget(budgetMB) {
		return fmt.Sprintf("Total %.1f MB is within the %.1f MB budget", total, budgetMB)
	}
	return fmt.Sprintf("Total %.1f MB exceeds the %.1f MB budget by %.1f MB", total, budgetMB, total-budgetMB)
}

// String returns the end-of-run report.
func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Processed:      %d\n", s.Processed())
	fmt.Fprintf(&b, "Original size:  %s\n", FormatMB(s.OriginalBytes))
	fmt.Fprintf(&b, "Compressed:     %s\n", FormatMB(s.FinalBytes))
	fmt.Fprintf(&b, "Saved:          %s (%.1f%%)\n", formatBytes(s.Saved()), s.Reduction())
	fmt.Fprintf(&b, "Kept original:  %d\n", s.KeptOriginal)
	fmt.Fprintf(&b, "Skipped:        %d\n", s.Skipped)
	fmt.Fprintf(&b, "Failed:         %d\n", s.Failed)
	if s.Planned > 0 {
		fmt.Fprintf(&b, "Planned:        %d\n", s.Planned)
	}
	if s.ThresholdMisses > 0 {
		fmt.Fprintf(&b, "Over threshold: %d\n", s.ThresholdMisses)
	}
	fmt.Fprintf(&b, "Duration:       %v", s.Duration.Round(time.Millisecond))
	return b.String()
}

// FormatMB renders a byte count in megabytes with one decimal.
func FormatMB(bytes int64) string {
	return fmt.Sprintf("%.1f MB", policy.SizeMB(bytes))
}

// FormatChange renders the size change from original to final as a signed
// whole percentage, e.g. "-72%" or "+3%".
func FormatChange(original, final int64) string {
	if original <= 0 {
		return "0%"
	}
	pct := int(math.Round(float64(final-original) * 100 / float64(original)))
	if pct == 0 {
		return "0%"
	}
	return fmt.Sprintf("%+d%%", pct)
}

// FormatAssetLine renders one processed asset, e.g. "a.png  12.0 MB -> 3.4 MB  (-72%)".
func FormatAssetLine(r batch.AssetResult) string {
	return fmt.Sprintf("%s  %s -> %s  (%s)",
		filepath.Base(r.Path),
		FormatMB(r.OriginalSize),
		FormatMB(r.FinalSize),
		FormatChange(r.OriginalSize, r.FinalSize))
}

// Statistics collects results as they arrive so a run can be inspected while
// it is still going.
type Statistics struct {
	StartTime time.Time
	EndTime   time.Time

	results []batch.AssetResult
	total   int
	mutex   sync.RWMutex
}

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{StartTime: time.Now()}
}

// OnAsset records a result.
func (s *Statistics) OnAsset(index, total int, result batch.AssetResult) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.results = append(s.results, result)
	s.total = total
}

// Reset clears all recorded results and restarts the clock.
func (s *Statistics) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.results = nil
	s.total = 0
	s.StartTime = time.Now()
	s.EndTime = time.Time{}
}

// Finalize stops the clock.
func (s *Statistics) Finalize() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.EndTime = time.Now()
}

// Progress returns how many assets are done out of the discovered total.
func (s *Statistics) Progress() (done, total int) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.results), s.total
}

// Results returns a copy of the recorded results.
func (s *Statistics) Results() []batch.AssetResult {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]batch.AssetResult, len(s.results))
	copy(out, s.results)
	return out
}

// Summary folds the recorded results.
func (s *Statistics) Summary() Summary {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	end := s.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return Summarize(s.results, end.Sub(s.StartTime))
}

// formatBytes returns a human-readable string for a byte count.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
