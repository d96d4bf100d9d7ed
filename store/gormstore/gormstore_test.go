package gormstore_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/progress-engine/progress"
	"github.com/warp/progress-engine/store/gormstore"
)

var (
	storeOnce sync.Once
	shared    *gormstore.Store
	storeErr  error
)

// testStore connects once per run. Integration tests are skipped unless
// TEST_POSTGRES_DSN is set.
func testStore(tb testing.TB) *gormstore.Store {
	tb.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		tb.Skip("set TEST_POSTGRES_DSN to run postgres store tests")
	}
	storeOnce.Do(func() {
		shared, storeErr = gormstore.Open(dsn)
	})
	if storeErr != nil {
		tb.Fatalf("failed to open test store: %v", storeErr)
	}
	return shared
}

// freshKey returns a pair no other test touches.
func freshKey() progress.PairKey {
	return progress.Pair(progress.UserID("u-"+uuid.NewString()), "go-101")
}

var t0 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func TestGormStore_VersionedWrites(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	key := freshKey()

	require.NoError(t, store.PutProgress(ctx, progress.NewProgressRecord(key, "Go", t0)))

	a, err := store.GetProgress(ctx, key)
	require.NoError(t, err)
	b, err := store.GetProgress(ctx, key)
	require.NoError(t, err)

	a.OverallProgress = 50
	require.NoError(t, store.PutProgress(ctx, a))
	assert.ErrorIs(t, store.PutProgress(ctx, b), progress.ErrTransactionConflict)
	assert.ErrorIs(t, store.PutProgress(ctx, progress.NewProgressRecord(key, "Go", t0)), progress.ErrTransactionConflict)

	got, err := store.GetProgress(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 50, got.OverallProgress)
	assert.Equal(t, int64(2), got.Version)
}

func TestGormStore_WithTxRollback(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	key := freshKey()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(s progress.Store) error {
		if err := s.PutProgress(ctx, progress.NewProgressRecord(key, "Go", t0)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetProgress(ctx, key)
	assert.ErrorIs(t, err, progress.ErrNotFound)
}

func TestGormStore_CertificateCodeUnique(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	code := uuid.NewString()

	c1 := &progress.Certificate{ID: uuid.NewString(), UserID: "u1", CourseID: "go-101", VerificationCode: code, Status: progress.CertificateActive}
	c2 := &progress.Certificate{ID: uuid.NewString(), UserID: "u2", CourseID: "go-101", VerificationCode: code, Status: progress.CertificateActive}

	require.NoError(t, store.CreateCertificate(ctx, c1))
	assert.ErrorIs(t, store.CreateCertificate(ctx, c2), progress.ErrTransactionConflict)

	got, err := store.CertificateByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, got.ID)
}

func TestGormStore_EngineFlow(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	key := freshKey()
	topo := &progress.Topology{
		CourseID: key.CourseID,
		Modules:  []progress.Module{{ID: "m1", Lessons: []progress.Lesson{{ID: "l1"}}}},
	}
	engine := progress.New(store, staticTopology{topo}, progress.Options{})

	_, err := engine.Mutator.Enroll(ctx, key, progress.EnrollOptions{CourseName: "Go"})
	require.NoError(t, err)
	rec, err := engine.Mutator.RecordLessonEvent(ctx, key, "m1_l1", true)
	require.NoError(t, err)
	assert.True(t, rec.Completed)
	assert.NotEmpty(t, rec.CertificateID)

	_, err = engine.Admin.ResetProgress(ctx, key, progress.Actor{ID: "admin"})
	require.NoError(t, err)

	trail, err := engine.Admin.AuditTrail(ctx, key)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, progress.AuditResetProgress, trail[0].Action)
}

type staticTopology struct {
	topo *progress.Topology
}

func (s staticTopology) Topology(context.Context, progress.CourseID) (*progress.Topology, error) {
	return s.topo, nil
}
