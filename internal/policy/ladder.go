package policy

import (
	"fmt"
	"sort"
)

const (
	defaultMinQuality = 60
	defaultMinWidth   = 800
	qualityStep       = 5
)

// DefaultRungs are the extra escalation steps below the strictest tier.
var DefaultRungs = []Params{
	{Quality: 80, MaxWidth: 1400},
}

// Ladder orders every known parameter set from least to most strict and hands
// out the next stricter step when a compressed output is still too large.
type Ladder struct {
	table      *Table
	rungs      []Params
	minQuality int
	minWidth   int
}

// NewLadder combines the table tiers with extra rungs. Zero floors fall back to
// quality 60 and width 800.
func NewLadder(table *Table, extra []Params, minQuality, minWidth int) (*Ladder, error) {
	if table == nil {
		return nil, fmt.Errorf("ladder needs a tier table")
	}
	if minQuality == 0 {
		minQuality = defaultMinQuality
	}
	if minWidth == 0 {
		minWidth = defaultMinWidth
	}
	if minQuality < 1 || minQuality > 100 {
		return nil, fmt.Errorf("min quality must be between 1 and 100, got %d", minQuality)
	}
	if minWidth < 1 {
		return nil, fmt.Errorf("min width must be positive, got %d", minWidth)
	}

	seen := make(map[Params]struct{})
	rungs := make([]Params, 0, len(table.tiers)+len(extra))
	for _, t := range table.tiers {
		p := t.Params()
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			rungs = append(rungs, p)
		}
	}
	for _, p := range extra {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("ladder rung %s: %w", p, err)
		}
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			rungs = append(rungs, p)
		}
	}

	sort.SliceStable(rungs, func(i, j int) bool {
		if rungs[i].Quality != rungs[j].Quality {
			return rungs[i].Quality > rungs[j].Quality
		}
		return rungs[i].MaxWidth > rungs[j].MaxWidth
	})

	return &Ladder{
		table:      table,
		rungs:      rungs,
		minQuality: minQuality,
		minWidth:   minWidth,
	}, nil
}

// DefaultLadder returns the ladder over DefaultTable and DefaultRungs.
func DefaultLadder() *Ladder {
	l, err := NewLadder(DefaultTable(), DefaultRungs, 0, 0)
	if err != nil {
		panic(err)
	}
	return l
}

// Table returns the underlying tier table.
func (l *Ladder) Table() *Table {
	return l.table
}

// Rungs returns the escalation steps, least strict first.
func (l *Ladder) Rungs() []Params {
	out := make([]Params, len(l.rungs))
	copy(out, l.rungs)
	return out
}

// Select picks the starting parameters for an input of sizeMB megabytes.
func (l *Ladder) Select(sizeMB float64) Params {
	return l.table.Select(sizeMB)
}

// Escalate returns the next parameters stricter than tried. Known rungs are
// preferred; below them quality drops by 5 and width by a quarter until both
// reach their floors, at which point ok is false.
func (l *Ladder) Escalate(tried Params) (next Params, ok bool) {
	for _, r := range l.rungs {
		if r.StricterThan(tried) {
			return r, true
		}
	}

	next = Params{
		Quality:  stepDown(tried.Quality, tried.Quality-qualityStep, l.minQuality),
		MaxWidth: stepDown(tried.MaxWidth, tried.MaxWidth*3/4, l.minWidth),
	}
	if next == tried {
		return tried, false
	}
	return next, true
}

func stepDown(current, proposed, floor int) int {
	if proposed >= floor {
		return proposed
	}
	return min(current, floor)
}
