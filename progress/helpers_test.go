package progress_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/progress-engine/progress"
	"github.com/warp/progress-engine/progress/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	learner = progress.UserID("user-1")
	course  = progress.CourseID("go-101")
	pair    = progress.Pair(learner, course)
	admin   = progress.Actor{ID: "admin-1", Note: "support ticket"}
)

// topologies is a TopologyProvider backed by a map.
type topologies struct {
	mu     sync.Mutex
	byID   map[progress.CourseID]*progress.Topology
	failOn map[progress.CourseID]error
}

func newTopologies(topos ...*progress.Topology) *topologies {
	t := &topologies{
		byID:   make(map[progress.CourseID]*progress.Topology),
		failOn: make(map[progress.CourseID]error),
	}
	for _, topo := range topos {
		t.byID[topo.CourseID] = topo
	}
	return t
}

func (t *topologies) Topology(_ context.Context, id progress.CourseID) (*progress.Topology, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failOn[id]; err != nil {
		return nil, err
	}
	topo, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("course %s not found", id)
	}
	return topo, nil
}

func (t *topologies) fail(id progress.CourseID, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failOn[id] = err
}

// courseTopology builds a course with the given lesson count per module.
// Modules are named m1, m2, ...; lessons l1, l2, ...
func courseTopology(id progress.CourseID, lessonsPerModule ...int) *progress.Topology {
	topo := &progress.Topology{CourseID: id, CourseName: "Course " + string(id)}
	for i, n := range lessonsPerModule {
		mod := progress.Module{ID: progress.ModuleID(fmt.Sprintf("m%d", i+1))}
		for j := 0; j < n; j++ {
			mod.Lessons = append(mod.Lessons, progress.Lesson{ID: progress.LessonID(fmt.Sprintf("l%d", j+1))})
		}
		topo.Modules = append(topo.Modules, mod)
	}
	return topo
}

func lesson(module, l int) progress.LessonKey {
	return progress.NewLessonKey(progress.ModuleID(fmt.Sprintf("m%d", module)), progress.LessonID(fmt.Sprintf("l%d", l)))
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingSink collects issued certificates.
type recordingSink struct {
	mu    sync.Mutex
	certs []progress.Certificate
}

func (s *recordingSink) CertificateIssued(_ context.Context, cert progress.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs = append(s.certs, cert)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.certs)
}

type names map[progress.UserID]string

func (n names) DisplayName(_ context.Context, id progress.UserID) (string, error) {
	return n[id], nil
}

type fixture struct {
	store  *store.Memory
	topos  *topologies
	clock  *clock
	sink   *recordingSink
	engine *progress.Engine
}

func newFixture(t *testing.T, topos ...*progress.Topology) *fixture {
	t.Helper()
	if len(topos) == 0 {
		topos = []*progress.Topology{courseTopology(course, 4)}
	}
	f := &fixture{
		store: store.NewMemory(),
		topos: newTopologies(topos...),
		clock: newClock(),
		sink:  &recordingSink{},
	}
	f.engine = progress.New(f.store, f.topos, progress.Options{
		Names:      names{learner: "Ada Lovelace"},
		Sink:       f.sink,
		TemplateID: "classic",
		Now:        f.clock.Now,
	})
	return f
}

func (f *fixture) enroll(t *testing.T, key progress.PairKey) *progress.EnrollmentSummary {
	t.Helper()
	sum, err := f.engine.Mutator.Enroll(context.Background(), key, progress.EnrollOptions{})
	require.NoError(t, err)
	return sum
}

func (f *fixture) complete(t *testing.T, key progress.PairKey, lessons ...progress.LessonKey) *progress.ProgressRecord {
	t.Helper()
	var rec *progress.ProgressRecord
	for _, l := range lessons {
		var err error
		rec, err = f.engine.Mutator.RecordLessonEvent(context.Background(), key, l, true)
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}
	return rec
}

func (f *fixture) record(t *testing.T, key progress.PairKey) *progress.ProgressRecord {
	t.Helper()
	rec, err := f.store.GetProgress(context.Background(), key)
	require.NoError(t, err)
	return rec
}

func (f *fixture) summary(t *testing.T, key progress.PairKey) *progress.EnrollmentSummary {
	t.Helper()
	sum, err := f.store.GetEnrollment(context.Background(), key)
	require.NoError(t, err)
	return sum
}

func (f *fixture) certificates(t *testing.T, key progress.PairKey) []*progress.Certificate {
	t.Helper()
	certs, err := f.store.ListCertificates(context.Background(), progress.CertificateFilter{
		UserID: key.UserID, CourseID: key.CourseID,
	})
	require.NoError(t, err)
	return certs
}

// =============================================================================
// FAILURE INJECTION
// =============================================================================

var errInjected = errors.New("injected write failure")

// failingEnrollments is a TxStore whose transactional view rejects summary
// writes, so any transaction touching both documents fails before commit.
type failingEnrollments struct {
	*store.Memory
}

func (f failingEnrollments) WithTx(ctx context.Context, fn func(progress.Store) error) error {
	return f.Memory.WithTx(ctx, func(s progress.Store) error {
		return fn(rejectEnrollmentWrites{s})
	})
}

type rejectEnrollmentWrites struct {
	progress.Store
}

func (rejectEnrollmentWrites) PutEnrollment(context.Context, *progress.EnrollmentSummary) error {
	return errInjected
}
