package policy

import (
	"fmt"
	"sort"
)

// BytesPerMB is the megabyte used for tier thresholds and reports.
const BytesPerMB = 1024 * 1024

// Params is the (quality, max width) pair handed to the transcoder.
type Params struct {
	Quality  int `json:"quality" yaml:"quality"`
	MaxWidth int `json:"max_width" yaml:"max_width"`
}

// String returns a compact representation such as "q85/w1800".
func (p Params) String() string {
	return fmt.Sprintf("q%d/w%d", p.Quality, p.MaxWidth)
}

// StricterThan reports whether p compresses harder than o on both axes.
func (p Params) StricterThan(o Params) bool {
	return p.Quality < o.Quality && p.MaxWidth < o.MaxWidth
}

func (p Params) validate() error {
	if p.Quality < 1 || p.Quality > 100 {
		return fmt.Errorf("quality must be between 1 and 100, got %d", p.Quality)
	}
	if p.MaxWidth <= 0 {
		return fmt.Errorf("max width must be positive, got %d", p.MaxWidth)
	}
	return nil
}

// Tier governs compression aggressiveness for inputs of at least MinMB megabytes.
type Tier struct {
	MinMB    float64 `json:"min_mb" yaml:"min_mb"`
	Quality  int     `json:"quality" yaml:"quality"`
	MaxWidth int     `json:"max_width" yaml:"max_width"`
}

// Params returns the transcoder parameters of the tier.
func (t Tier) Params() Params {
	return Params{Quality: t.Quality, MaxWidth: t.MaxWidth}
}

// Table is an ordered set of tiers, highest threshold first.
type Table struct {
	tiers []Tier
}

// DefaultTiers is the stock table: the bigger the file, the harder it is squeezed.
var DefaultTiers = []Tier{
	{MinMB: 10, Quality: 85, MaxWidth: 1800},
	{MinMB: 5, Quality: 88, MaxWidth: 2000},
	{MinMB: 1, Quality: 90, MaxWidth: 2400},
	{MinMB: 0, Quality: 92, MaxWidth: 3000},
}

// NewTable sorts and validates tiers. The tiers must cover the size domain from
// zero, use distinct thresholds and never loosen as the threshold grows.
func NewTable(tiers []Tier) (*Table, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("tier table is empty")
	}

	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinMB > sorted[j].MinMB
	})

	for i, t := range sorted {
		if t.MinMB < 0 {
			return nil, fmt.Errorf("tier %d: negative threshold %v", i, t.MinMB)
		}
		if err := t.Params().validate(); err != nil {
			return nil, fmt.Errorf("tier %v MB: %w", t.MinMB, err)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if prev.MinMB == t.MinMB {
			return nil, fmt.Errorf("duplicate tier threshold %v MB", t.MinMB)
		}
		if prev.Quality > t.Quality || prev.MaxWidth > t.MaxWidth {
			return nil, fmt.Errorf("tier %v MB (%s) is looser than tier %v MB (%s)",
				prev.MinMB, prev.Params(), t.MinMB, t.Params())
		}
	}

	if sorted[len(sorted)-1].MinMB != 0 {
		return nil, fmt.Errorf("tier table leaves a gap below %v MB", sorted[len(sorted)-1].MinMB)
	}

	return &Table{tiers: sorted}, nil
}

// DefaultTable returns the table built from DefaultTiers.
func DefaultTable() *Table {
	t, err := NewTable(DefaultTiers)
	if err != nil {
		panic(err)
	}
	return t
}

// Tiers returns a copy of the tiers, highest threshold first.
func (t *Table) Tiers() []Tier {
	out := make([]Tier, len(t.tiers))
	copy(out, t.tiers)
	return out
}

// Select returns the parameters of the first tier whose threshold is at most sizeMB.
func (t *Table) Select(sizeMB float64) Params {
	if sizeMB < 0 {
		sizeMB = 0
	}
	for _, tier := range t.tiers {
		if tier.MinMB <= sizeMB {
			return tier.Params()
		}
	}
	return t.tiers[len(t.tiers)-1].Params()
}

// SizeMB converts a byte count to megabytes.
func SizeMB(bytes int64) float64 {
	return float64(bytes) / BytesPerMB
}
