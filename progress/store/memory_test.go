package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/progress-engine/progress"
	"github.com/warp/progress-engine/progress/store"
)

var (
	key = progress.Pair("user-1", "go-101")
	t0  = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
)

func TestMemory_PutProgress_VersionCheck(t *testing.T) {
	// GIVEN: a stored record at version 1
	// WHEN: a stale copy is written after a fresh one
	// THEN: the stale write is rejected as a conflict

	m := store.NewMemory()
	ctx := context.Background()

	rec := progress.NewProgressRecord(key, "Go", t0)
	require.NoError(t, m.PutProgress(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)

	a, err := m.GetProgress(ctx, key)
	require.NoError(t, err)
	b, err := m.GetProgress(ctx, key)
	require.NoError(t, err)

	a.OverallProgress = 50
	require.NoError(t, m.PutProgress(ctx, a))

	b.OverallProgress = 25
	assert.ErrorIs(t, m.PutProgress(ctx, b), progress.ErrTransactionConflict)

	got, err := m.GetProgress(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 50, got.OverallProgress)
	assert.Equal(t, int64(2), got.Version)
}

func TestMemory_InsertTwiceConflicts(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.PutProgress(ctx, progress.NewProgressRecord(key, "Go", t0)))
	assert.ErrorIs(t, m.PutProgress(ctx, progress.NewProgressRecord(key, "Go", t0)), progress.ErrTransactionConflict)
}

func TestMemory_ReadsAreCopies(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.PutProgress(ctx, progress.NewProgressRecord(key, "Go", t0)))

	got, err := m.GetProgress(ctx, key)
	require.NoError(t, err)
	got.CompletedLessons.Add("m1_l1")

	again, err := m.GetProgress(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, again.CompletedLessons.Len())
}

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: a transaction that writes both documents and an audit entry
	// WHEN: it returns an error
	// THEN: nothing it wrote is visible

	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.PutProgress(ctx, progress.NewProgressRecord(key, "Go", t0)))

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(s progress.Store) error {
		rec, err := s.GetProgress(ctx, key)
		require.NoError(t, err)
		rec.OverallProgress = 100
		require.NoError(t, s.PutProgress(ctx, rec))
		require.NoError(t, s.PutEnrollment(ctx, &progress.EnrollmentSummary{UserID: key.UserID, CourseID: key.CourseID}))
		require.NoError(t, s.AppendAudit(ctx, progress.AuditEntry{ID: "a1", UserID: key.UserID, CourseID: key.CourseID}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	rec, err := m.GetProgress(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.OverallProgress)
	assert.Equal(t, int64(1), rec.Version)

	_, err = m.GetEnrollment(ctx, key)
	assert.ErrorIs(t, err, progress.ErrNotFound)

	entries, err := m.QueryAudit(ctx, progress.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemory_WithTx_Commits(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	err := m.WithTx(ctx, func(s progress.Store) error {
		if err := s.PutProgress(ctx, progress.NewProgressRecord(key, "Go", t0)); err != nil {
			return err
		}
		return s.PutEnrollment(ctx, &progress.EnrollmentSummary{UserID: key.UserID, CourseID: key.CourseID, Status: progress.StatusActive})
	})
	require.NoError(t, err)

	sum, err := m.GetEnrollment(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusActive, sum.Status)
}

func TestMemory_Certificates_UniqueCode(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	c1 := &progress.Certificate{ID: "c1", UserID: "u1", CourseID: "go-101", VerificationCode: "AAAA-BBBB-CCCC-DDDD", Status: progress.CertificateActive, IssueDate: t0}
	c2 := &progress.Certificate{ID: "c2", UserID: "u2", CourseID: "go-101", VerificationCode: "AAAA-BBBB-CCCC-DDDD", Status: progress.CertificateActive, IssueDate: t0}

	require.NoError(t, m.CreateCertificate(ctx, c1))
	assert.ErrorIs(t, m.CreateCertificate(ctx, c2), progress.ErrTransactionConflict)
	assert.ErrorIs(t, m.CreateCertificate(ctx, c1), progress.ErrTransactionConflict)

	got, err := m.CertificateByCode(ctx, "AAAA-BBBB-CCCC-DDDD")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)

	got.Status = progress.CertificateRevoked
	require.NoError(t, m.PutCertificate(ctx, got))

	active, err := m.ListCertificates(ctx, progress.CertificateFilter{Status: progress.CertificateActive})
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.ErrorIs(t, m.PutCertificate(ctx, c2), progress.ErrNotFound)
}

func TestMemory_ListProgress_FilterAndOrder(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	for _, k := range []progress.PairKey{
		progress.Pair("u2", "go-101"),
		progress.Pair("u1", "go-201"),
		progress.Pair("u1", "go-101"),
	} {
		rec := progress.NewProgressRecord(k, "", t0)
		rec.Completed = k.CourseID == "go-201"
		require.NoError(t, m.PutProgress(ctx, rec))
	}

	all, err := m.ListProgress(ctx, progress.ProgressFilter{})
	require.NoError(t, err)
	assert.Equal(t, []progress.PairKey{
		progress.Pair("u1", "go-101"),
		progress.Pair("u1", "go-201"),
		progress.Pair("u2", "go-101"),
	}, all)

	done := true
	completed, err := m.ListProgress(ctx, progress.ProgressFilter{Completed: &done})
	require.NoError(t, err)
	assert.Equal(t, []progress.PairKey{progress.Pair("u1", "go-201")}, completed)
}
