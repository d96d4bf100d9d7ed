package progress

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// COMPLETION CALCULATOR - Pure, no I/O
// =============================================================================

// Completion is the derived view of a completed-lesson set over a topology.
type Completion struct {
	// Overall is round(100 * Counted / Total), 0 when Total is 0.
	Overall int

	// Modules maps every module in the topology to its percentage.
	Modules map[ModuleID]int

	// CompletedModules lists modules with at least one lesson, all done.
	CompletedModules Set[ModuleID]

	Counted int
	Total   int
}

// Calculate derives overall and per-module percentages. Lesson keys that are
// not in the topology are ignored: recorded progress outlives content edits.
func Calculate(topo Topology, completed Set[LessonKey]) Completion {
	c := Completion{
		Modules:          make(map[ModuleID]int, len(topo.Modules)),
		CompletedModules: NewSet[ModuleID](),
	}
	for _, m := range topo.Modules {
		done := 0
		for _, key := range m.LessonKeys() {
			if completed.Has(key) {
				done++
			}
		}
		c.Counted += done
		c.Total += len(m.Lessons)
		c.Modules[m.ID] = Percent(done, len(m.Lessons))
		if len(m.Lessons) > 0 && done == len(m.Lessons) {
			c.CompletedModules.Add(m.ID)
		}
	}
	c.Overall = Percent(c.Counted, c.Total)
	return c
}

// Percent returns round(100*k/n) half away from zero, clamped to [0, 100].
// n <= 0 maps to 0.
func Percent(k, n int) int {
	if n <= 0 || k <= 0 {
		return 0
	}
	p := decimal.NewFromInt(int64(k)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(n))).
		Round(0).
		IntPart()
	if p > 100 {
		return 100
	}
	return int(p)
}
