package progress_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/progress-engine/progress"
)

// =============================================================================
// FORCE COMPLETE
// =============================================================================

func TestForceComplete_UpdatesBothDocuments(t *testing.T) {
	// GIVEN: a pair at 20% (1 of 5 lessons)
	// WHEN: an admin force-completes it
	// THEN: record and summary are both completed, a certificate is issued and
	//       the override is audited

	f := newFixture(t, courseTopology(course, 5))
	f.enroll(t, pair)
	require.Equal(t, 20, f.complete(t, pair, lesson(1, 1)).OverallProgress)

	rec, err := f.engine.Admin.ForceComplete(context.Background(), pair, admin)
	require.NoError(t, err)

	assert.Equal(t, 100, rec.OverallProgress)
	assert.True(t, rec.Completed)
	assert.True(t, rec.ForceCompleted)
	assert.NotEmpty(t, rec.CertificateID)
	require.NotNil(t, rec.LastOverride)
	assert.Equal(t, progress.AuditForceComplete, rec.LastOverride.Action)
	assert.Equal(t, "admin-1", rec.LastOverride.ActorID)
	assert.Equal(t, progress.SourceAdmin, rec.LastOverride.Source)

	sum := f.summary(t, pair)
	assert.Equal(t, progress.StatusCompleted, sum.Status)
	assert.Equal(t, 100, sum.Progress)
	require.NotNil(t, sum.LastOverride)
	assert.Equal(t, rec.LastOverride.ID, sum.LastOverride.ID)

	trail, err := f.engine.Admin.AuditTrail(context.Background(), pair)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "support ticket", trail[0].Note)
}

func TestForceComplete_FailedTransactionChangesNothing(t *testing.T) {
	// GIVEN: a store whose transaction fails on the summary write
	// WHEN: force-complete runs
	// THEN: neither document changes

	f := newFixture(t, courseTopology(course, 5))
	f.enroll(t, pair)
	f.complete(t, pair, lesson(1, 1))
	recBefore := f.record(t, pair)
	sumBefore := f.summary(t, pair)

	broken := &progress.Admin{Store: failingEnrollments{f.store}, Mutator: f.engine.Mutator}
	_, err := broken.ForceComplete(context.Background(), pair, admin)

	assert.ErrorIs(t, err, errInjected)

	recAfter := f.record(t, pair)
	assert.Equal(t, recBefore.Version, recAfter.Version)
	assert.Equal(t, 20, recAfter.OverallProgress)
	assert.False(t, recAfter.Completed)
	assert.Nil(t, recAfter.LastOverride)

	sumAfter := f.summary(t, pair)
	assert.Equal(t, sumBefore.Version, sumAfter.Version)
	assert.Equal(t, progress.StatusActive, sumAfter.Status)

	trail, err := f.engine.Admin.AuditTrail(context.Background(), pair)
	require.NoError(t, err)
	assert.Empty(t, trail)
	assert.Empty(t, f.certificates(t, pair))
}

func TestForceComplete_PinSurvivesLessonRegression(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, pair)
	f.complete(t, pair, lesson(1, 1))
	_, err := f.engine.Admin.ForceComplete(context.Background(), pair, admin)
	require.NoError(t, err)

	rec, err := f.engine.Mutator.RecordLessonEvent(context.Background(), pair, lesson(1, 1), false)
	require.NoError(t, err)

	assert.True(t, rec.Completed)
	assert.Equal(t, 100, rec.OverallProgress)
	assert.Equal(t, progress.StatusCompleted, f.summary(t, pair).Status)
}

func TestForceComplete_RequiresActorAndEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Admin.ForceComplete(ctx, pair, progress.Actor{})
	assert.ErrorIs(t, err, progress.ErrInvalidInput)

	_, err = f.engine.Admin.ForceComplete(ctx, pair, admin)
	assert.ErrorIs(t, err, progress.ErrNotEnrolled)
}

func TestForceComplete_AlreadyCompletedKeepsCertificate(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, pair)
	done := f.complete(t, pair, lesson(1, 1), lesson(1, 2), lesson(1, 3), lesson(1, 4))

	rec, err := f.engine.Admin.ForceComplete(context.Background(), pair, admin)
	require.NoError(t, err)

	assert.Equal(t, done.CertificateID, rec.CertificateID)
	assert.Equal(t, done.CompletedDate, rec.CompletedDate)
	assert.Len(t, f.certificates(t, pair), 1)
}

// =============================================================================
// RESET
// =============================================================================

func TestResetProgress_ClearsEverything(t *testing.T) {
	// GIVEN: a completed pair with a certificate
	// WHEN: an admin resets it
	// THEN: no lessons, 0%, no certificate id, old certificate revoked; a
	//       second completion issues a different certificate

	f := newFixture(t)
	f.enroll(t, pair)
	first := f.complete(t, pair, lesson(1, 1), lesson(1, 2), lesson(1, 3), lesson(1, 4))
	_, err := f.engine.Mutator.RecordQuizResult(context.Background(), pair, "quiz-1", 90)
	require.NoError(t, err)

	rec, err := f.engine.Admin.ResetProgress(context.Background(), pair, admin)
	require.NoError(t, err)

	assert.Equal(t, 0, rec.CompletedLessons.Len())
	assert.Equal(t, 0, rec.CompletedModules.Len())
	assert.Empty(t, rec.LessonProgress)
	assert.Empty(t, rec.QuizScores)
	assert.Equal(t, 0, rec.OverallProgress)
	assert.False(t, rec.Completed)
	assert.Empty(t, rec.CertificateID)
	assert.Nil(t, rec.CertificateIssueDate)

	sum := f.summary(t, pair)
	assert.Equal(t, progress.StatusActive, sum.Status)
	assert.Equal(t, 0, sum.Progress)

	old, err := f.engine.Issuer.Certificate(context.Background(), first.CertificateID)
	require.NoError(t, err)
	assert.Equal(t, progress.CertificateRevoked, old.Status)

	second := f.complete(t, pair, lesson(1, 1), lesson(1, 2), lesson(1, 3), lesson(1, 4))
	require.NotEmpty(t, second.CertificateID)
	assert.NotEqual(t, first.CertificateID, second.CertificateID)
}

func TestResetProgress_ClearsForcePinAndReactivates(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, pair)
	ctx := context.Background()
	_, err := f.engine.Admin.ForceComplete(ctx, pair, admin)
	require.NoError(t, err)

	rec, err := f.engine.Admin.ResetProgress(ctx, pair, admin)
	require.NoError(t, err)
	assert.False(t, rec.ForceCompleted)
	assert.Equal(t, 25, f.complete(t, pair, lesson(1, 1)).OverallProgress)

	// A held summary goes back to active on reset.
	_, err = f.engine.Mutator.Unenroll(ctx, pair)
	require.NoError(t, err)
	require.Equal(t, progress.StatusInactive, f.summary(t, pair).Status)

	_, err = f.engine.Admin.ResetProgress(ctx, pair, admin)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusActive, f.summary(t, pair).Status)
}

func TestResetProgress_NotEnrolled(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Admin.ResetProgress(context.Background(), pair, admin)

	assert.ErrorIs(t, err, progress.ErrNotEnrolled)
}

// =============================================================================
// REVOKE ENROLLMENT
// =============================================================================

func TestRevokeEnrollment_BothDocuments(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, pair)
	done := f.complete(t, pair, lesson(1, 1), lesson(1, 2), lesson(1, 3), lesson(1, 4))

	require.NoError(t, f.engine.Admin.RevokeEnrollment(context.Background(), pair, admin))

	rec := f.record(t, pair)
	assert.True(t, rec.Revoked)
	assert.Equal(t, 4, rec.CompletedLessons.Len(), "history is kept")
	assert.Equal(t, progress.StatusRevoked, f.summary(t, pair).Status)

	cert, err := f.engine.Issuer.Certificate(context.Background(), done.CertificateID)
	require.NoError(t, err)
	assert.False(t, cert.Live())
}

func TestRevokeEnrollment_ToleratesMissingSummary(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, pair)
	f.store.DeleteEnrollment(pair)

	require.NoError(t, f.engine.Admin.RevokeEnrollment(context.Background(), pair, admin))

	assert.True(t, f.record(t, pair).Revoked)
	_, err := f.store.GetEnrollment(context.Background(), pair)
	assert.ErrorIs(t, err, progress.ErrNotFound)
}

func TestRevokeEnrollment_BothMissing(t *testing.T) {
	f := newFixture(t)

	err := f.engine.Admin.RevokeEnrollment(context.Background(), pair, admin)

	assert.ErrorIs(t, err, progress.ErrNotEnrolled)
}

func TestRevokeEnrollment_ReconcileKeepsRevoked(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, pair)
	require.NoError(t, f.engine.Admin.RevokeEnrollment(context.Background(), pair, admin))

	res, err := f.engine.Reconciler.Reconcile(context.Background(), pair)
	require.NoError(t, err)

	assert.Empty(t, res.Changed)
	assert.Equal(t, progress.StatusRevoked, res.Status)
}

// =============================================================================
// ADMIN-TAGGED LEARNER OPERATIONS
// =============================================================================

func TestMarkModuleComplete_AuditedAsAdmin(t *testing.T) {
	f := newFixture(t, courseTopology(course, 2, 2))
	f.enroll(t, pair)

	rec, err := f.engine.Admin.MarkModuleComplete(context.Background(), pair, "m2", admin)
	require.NoError(t, err)

	assert.Equal(t, 50, rec.OverallProgress)
	require.NotNil(t, rec.LastOverride)
	assert.Equal(t, progress.AuditModuleComplete, rec.LastOverride.Action)

	trail, err := f.engine.Admin.AuditTrail(context.Background(), pair)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, f.clock.Now(), trail[0].Timestamp)
}

func TestMarkLessonCompleteAndReset(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, pair)
	ctx := context.Background()

	rec, err := f.engine.Admin.MarkLessonComplete(ctx, pair, lesson(1, 3), admin)
	require.NoError(t, err)
	assert.Equal(t, 25, rec.OverallProgress)

	rec, err = f.engine.Admin.ResetLesson(ctx, pair, lesson(1, 3), admin)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.OverallProgress)

	trail, err := f.engine.Admin.AuditTrail(ctx, pair)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, progress.AuditLessonComplete, trail[0].Action)
	assert.Equal(t, progress.AuditLessonReset, trail[1].Action)
}
