package statistics

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"image-shrinker/internal/batch"

	"gopkg.in/yaml.v3"
)

// ConsoleReporter prints one line per asset and the end-of-run summary
type ConsoleReporter struct {
	verbose bool
	writer  io.Writer
	mu      sync.Mutex
}

// NewConsoleReporter creates a console reporter
func NewConsoleReporter(verbose bool, writer io.Writer) *ConsoleReporter {
	return &ConsoleReporter{
		verbose: verbose,
		writer:  writer,
	}
}

// OnAsset prints the outcome of one asset
func (r *ConsoleReporter) OnAsset(index, total int, result batch.AssetResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	progress := fmt.Sprintf("[%d/%d]", index+1, total)
	name := filepath.Base(result.Path)

	switch result.Action {
	case batch.ActionCompressed:
		fmt.Fprintf(r.writer, "%s %s", progress, FormatAssetLine(result))
		if r.verbose {
			fmt.Fprintf(r.writer, "  %s, %d attempts", result.Params, result.Attempts)
		}
		if result.ThresholdMissed() {
			fmt.Fprint(r.writer, "  [OVER THRESHOLD]")
		}
		fmt.Fprintln(r.writer)
	case batch.ActionKeptOriginal:
		fmt.Fprintf(r.writer, "%s %s  %s  [KEPT] compression did not reduce size\n", progress, name, FormatMB(result.OriginalSize))
	case batch.ActionSkipped:
		fmt.Fprintf(r.writer, "%s %s  [SKIP] %s\n", progress, name, result.Reason)
	case batch.ActionFailed:
		fmt.Fprintf(r.writer, "%s %s  [FAIL] %s\n", progress, name, result.Reason)
	case batch.ActionPlanned:
		fmt.Fprintf(r.writer, "%s %s  %s  %dx%d -> %s\n", progress, name, FormatMB(result.OriginalSize), result.Width, result.Height, result.Params)
	}
}

// PrintSummary writes the summary block and the optional budget verdict
func (r *ConsoleReporter) PrintSummary(s Summary, budgetMB float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintln(r.writer)
	fmt.Fprintln(r.writer, "=== Summary ===")
	fmt.Fprintln(r.writer, s.String())
	if verdict := s.BudgetVerdict(budgetMB); verdict != "" {
		fmt.Fprintln(r.writer, verdict)
	}
}

// Report is the machine-readable form of a run.
type Report struct {
	GeneratedAt     time.Time           `json:"generated_at" yaml:"generated_at"`
	DurationSeconds float64             `json:"duration_seconds" yaml:"duration_seconds"`
	BudgetMB        float64             `json:"budget_mb,omitempty" yaml:"budget_mb,omitempty"`
	WithinBudget    bool                `json:"within_budget" yaml:"within_budget"`
	Summary         Summary             `json:"summary" yaml:"summary"`
	Assets          []batch.AssetResult `json:"assets" yaml:"assets"`
}

// NewReport bundles a summary and its results.
func NewReport(s Summary, results []batch.AssetResult, budgetMB float64) *Report {
	return &Report{
		GeneratedAt:     time.Now().UTC().Truncate(time.Second),
		DurationSeconds: s.Duration.Seconds(),
		BudgetMB:        budgetMB,
		WithinBudget:    s.WithinBudget(budgetMB),
		Summary:         s,
		Assets:          results,
	}
}

// WriteYAML writes the report to path through a temporary file.
func WriteYAML(path string, report *Report) error {
	data, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
