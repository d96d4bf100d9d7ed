package progress_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/progress-engine/progress"
)

func TestPercent_RoundsHalfAwayFromZero(t *testing.T) {
	cases := []struct {
		k, n int
		want int
	}{
		{0, 4, 0},
		{1, 3, 33},
		{2, 3, 67},
		{1, 8, 13},
		{3, 4, 75},
		{4, 4, 100},
		{1, 200, 1},
		{1, 201, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, progress.Percent(tc.k, tc.n), "Percent(%d, %d)", tc.k, tc.n)
	}
}

func TestPercent_ZeroOrNegativeTotal(t *testing.T) {
	assert.Equal(t, 0, progress.Percent(0, 0))
	assert.Equal(t, 0, progress.Percent(3, 0))
	assert.Equal(t, 0, progress.Percent(1, -1))
}

func TestPercent_ClampsAbove100(t *testing.T) {
	assert.Equal(t, 100, progress.Percent(5, 4))
}

func TestCalculate_OverallFromLessonCount(t *testing.T) {
	// GIVEN: 2 modules (3 + 1 lessons), 2 lessons of m1 completed
	// THEN: overall is round(200/4) = 50, m1 at 67%, nothing completed

	topo := courseTopology("c", 3, 1)
	done := progress.NewSet(lesson(1, 1), lesson(1, 2))

	c := progress.Calculate(*topo, done)

	assert.Equal(t, 50, c.Overall)
	assert.Equal(t, 2, c.Counted)
	assert.Equal(t, 4, c.Total)
	assert.Equal(t, 67, c.Modules["m1"])
	assert.Equal(t, 0, c.Modules["m2"])
	assert.Equal(t, 0, c.CompletedModules.Len())
}

func TestCalculate_ModuleCompletion(t *testing.T) {
	topo := courseTopology("c", 2, 1)
	done := progress.NewSet(lesson(2, 1))

	c := progress.Calculate(*topo, done)

	assert.True(t, c.CompletedModules.Has("m2"))
	assert.False(t, c.CompletedModules.Has("m1"))
	assert.Equal(t, 100, c.Modules["m2"])
	assert.Equal(t, 33, c.Overall)
}

func TestCalculate_EmptyTopology(t *testing.T) {
	// A course without lessons is 0%, never 100%.
	c := progress.Calculate(progress.Topology{CourseID: "empty"}, progress.NewSet(lesson(1, 1)))

	assert.Equal(t, 0, c.Overall)
	assert.Equal(t, 0, c.Total)
}

func TestCalculate_EmptyModuleNeverCompletes(t *testing.T) {
	topo := courseTopology("c", 0, 2)

	c := progress.Calculate(*topo, progress.NewSet(lesson(2, 1), lesson(2, 2)))

	assert.False(t, c.CompletedModules.Has("m1"))
	assert.True(t, c.CompletedModules.Has("m2"))
	assert.Equal(t, 100, c.Overall)
}

func TestCalculate_IgnoresLessonsOutsideTopology(t *testing.T) {
	// GIVEN: a lesson was removed from the course after the learner finished it
	// THEN: the stale key does not count toward the percentage

	topo := courseTopology("c", 2)
	done := progress.NewSet(lesson(1, 1), progress.LessonKey("m1_removed"), progress.LessonKey("m9_l1"))

	c := progress.Calculate(*topo, done)

	assert.Equal(t, 50, c.Overall)
	assert.Equal(t, 1, c.Counted)
}

func TestCalculate_Bounded(t *testing.T) {
	topo := courseTopology("c", 3, 5, 2)
	done := progress.NewSet[progress.LessonKey]()
	for _, m := range topo.Modules {
		for _, k := range m.LessonKeys() {
			done.Add(k)
			c := progress.Calculate(*topo, done)
			assert.GreaterOrEqual(t, c.Overall, 0)
			assert.LessOrEqual(t, c.Overall, 100)
		}
	}
	assert.Equal(t, 100, progress.Calculate(*topo, done).Overall)
}
