package progress_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/progress-engine/progress"
)

// =============================================================================
// LESSON EVENTS
// =============================================================================

func TestLessonEvent_PartialProgress(t *testing.T) {
	// GIVEN: 1 module with 4 lessons
	// WHEN: 3 lessons are completed
	// THEN: 75%, not completed, summary mirrors the record

	f := newFixture(t)
	f.enroll(t, pair)

	rec := f.complete(t, pair, lesson(1, 1), lesson(1, 2), lesson(1, 3))

	assert.Equal(t, 75, rec.OverallProgress)
	assert.False(t, rec.Completed)
	assert.Empty(t, rec.CertificateID)

	sum := f.summary(t, pair)
	assert.Equal(t, progress.StatusActive, sum.Status)
	assert.Equal(t, 75, sum.Progress)
	assert.True(t, sum.CompletedLessons.Equal(rec.CompletedLessons))
	assert.Equal(t, 0, f.sink.count())
}

func TestLessonEvent_FinalLessonCompletesAndIssuesOnce(t *testing.T) {
	// GIVEN: 3 of 4 lessons done
	// WHEN: the 4th lesson is completed
	// THEN: 100%, completed, summary completed, exactly one certificate

	f := newFixture(t)
	f.enroll(t, pair)
	f.complete(t, pair, lesson(1, 1), lesson(1, 2), lesson(1, 3))

	rec := f.complete(t, pair, lesson(1, 4))

	assert.Equal(t, 100, rec.OverallProgress)
	assert.True(t, rec.Completed)
	require.NotNil(t, rec.CompletedDate)
	require.NotEmpty(t, rec.CertificateID)
	assert.NotNil(t, rec.CertificateIssueDate)
	assert.True(t, rec.CompletedModules.Has("m1"))

	assert.Equal(t, progress.StatusCompleted, f.summary(t, pair).Status)

	certs := f.certificates(t, pair)
	require.Len(t, certs, 1)
	assert.Equal(t, rec.CertificateID, certs[0].ID)
	assert.Equal(t, "Ada Lovelace", certs[0].UserName)
	assert.Equal(t, "classic", certs[0].TemplateID)
	assert.Equal(t, 1, f.sink.count())
}

func TestLessonEvent_RepeatedCompletionDoesNotReissue(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, pair)
	f.complete(t, pair, lesson(1, 1), lesson(1, 2), lesson(1, 3), lesson(1, 4))

	rec := f.complete(t, pair, lesson(1, 4))

	assert.True(t, rec.Completed)
	assert.Len(t, f.certificates(t, pair), 1)
	assert.Equal(t, 1, f.sink.count())
}

func TestLessonEvent_ConcurrentSameLesson(t *testing.T) {
	// GIVEN: two deliveries of the same lesson event at once
	// THEN: the lesson is counted once

	f := newFixture(t)
	f.enroll(t, pair)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = progress.Retry(ctx, progress.DefaultRetryAttempts, func() error {
				_, err := f.engine.Mutator.RecordLessonEvent(ctx, pair, lesson(1, 2), true)
				return err
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	rec := f.record(t, pair)
	assert.Equal(t, 1, rec.CompletedLessons.Len())
	assert.Equal(t, 25, rec.OverallProgress)
	assert.Equal(t, 25, f.summary(t, pair).Progress)
}

func TestLessonEvent_RegressionKeepsCertificate(t *testing.T) {
	// GIVEN: a completed course with a certificate
	// WHEN: a lesson is un-marked
	// THEN: completion is cleared, the certificate stays live

	f := newFixture(t)
	f.enroll(t, pair)
	done := f.complete(t, pair, lesson(1, 1), lesson(1, 2), lesson(1, 3), lesson(1, 4))
	certID := done.CertificateID

	rec, err := f.engine.Mutator.RecordLessonEvent(context.Background(), pair, lesson(1, 2), false)
	require.NoError(t, err)

	assert.Equal(t, 75, rec.OverallProgress)
	assert.False(t, rec.Completed)
	assert.Nil(t, rec.CompletedDate)
	assert.Equal(t, certID, rec.CertificateID)
	assert.False(t, rec.LessonProgress[lesson(1, 2)].Completed)
	assert.False(t, rec.CompletedModules.Has("m1"))
	assert.Equal(t, progress.StatusActive, f.summary(t, pair).Status)

	cert, err := f.engine.Issuer.Certificate(context.Background(), certID)
	require.NoError(t, err)
	assert.True(t, cert.Live())
}

func TestLessonEvent_UnknownLessonAcceptedButNotCounted(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, pair)

	rec, err := f.engine.Mutator.RecordLessonEvent(context.Background(), pair, "m7_l1", true)
	require.NoError(t, err)

	assert.True(t, rec.CompletedLessons.Has("m7_l1"))
	assert.Equal(t, 0, rec.OverallProgress)
}

func TestLessonEvent_NotEnrolled(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Mutator.RecordLessonEvent(context.Background(), pair, lesson(1, 1), true)

	assert.ErrorIs(t, err, progress.ErrNotEnrolled)
	var ne *progress.NotEnrolledError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, pair, ne.Key)
	assert.True(t, progress.IsNotFound(err))
}

func TestLessonEvent_RevokedIsNotEnrolled(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, pair)
	require.NoError(t, f.engine.Admin.RevokeEnrollment(context.Background(), pair, admin))

	_, err := f.engine.Mutator.RecordLessonEvent(context.Background(), pair, lesson(1, 1), true)

	assert.ErrorIs(t, err, progress.ErrNotEnrolled)
}

func TestLessonEvent_TopologyFailureIsRetryable(t *testing.T) {
	// GIVEN: the topology provider is down
	// THEN: the event fails with a retryable error and nothing is written

	f := newFixture(t)
	f.enroll(t, pair)
	before := f.record(t, pair)
	f.topos.fail(course, errors.New("connection refused"))

	_, err := f.engine.Mutator.RecordLessonEvent(context.Background(), pair, lesson(1, 1), true)

	require.Error(t, err)
	assert.ErrorIs(t, err, progress.ErrTopologyLookup)
	assert.True(t, progress.IsRetryable(err))
	var te *progress.TopologyLookupError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, course, te.CourseID)

	after := f.record(t, pair)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, 0, after.CompletedLessons.Len())
}

func TestLessonEvent_InvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Mutator.RecordLessonEvent(ctx, progress.Pair("", course), lesson(1, 1), true)
	assert.ErrorIs(t, err, progress.ErrInvalidInput)

	_, err = f.engine.Mutator.RecordLessonEvent(ctx, pair, " ", true)
	assert.ErrorIs(t, err, progress.ErrInvalidInput)
	assert.True(t, progress.IsClientError(err))
}

// =============================================================================
// MODULE & QUIZ EVENTS
// =============================================================================

func TestModuleComplete_MarksAllLessons(t *testing.T) {
	f := newFixture(t, courseTopology(course, 2, 2))
	f.enroll(t, pair)

	rec, err := f.engine.Mutator.RecordModuleComplete(context.Background(), pair, "m1")
	require.NoError(t, err)

	assert.True(t, rec.CompletedLessons.Has(lesson(1, 1)))
	assert.True(t, rec.CompletedLessons.Has(lesson(1, 2)))
	assert.True(t, rec.CompletedModules.Has("m1"))
	assert.Equal(t, 50, rec.OverallProgress)
	assert.Equal(t, 100, rec.ModuleProgress["m1"].Progress)
	assert.Equal(t, 0, rec.ModuleProgress["m2"].Progress)
}

func TestModuleComplete_LastModuleCompletesCourse(t *testing.T) {
	f := newFixture(t, courseTopology(course, 1, 1))
	f.enroll(t, pair)
	ctx := context.Background()

	_, err := f.engine.Mutator.RecordModuleComplete(ctx, pair, "m1")
	require.NoError(t, err)
	rec, err := f.engine.Mutator.RecordModuleComplete(ctx, pair, "m2")
	require.NoError(t, err)

	assert.True(t, rec.Completed)
	assert.NotEmpty(t, rec.CertificateID)
}

func TestModuleComplete_UnknownModule(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, pair)

	_, err := f.engine.Mutator.RecordModuleComplete(context.Background(), pair, "nope")

	assert.ErrorIs(t, err, progress.ErrUnknownModule)
	assert.True(t, progress.IsClientError(err))
}

func TestQuizResult_RecordsScoreAndAttempts(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, pair)
	ctx := context.Background()

	_, err := f.engine.Mutator.RecordQuizResult(ctx, pair, "quiz-1", 60)
	require.NoError(t, err)
	rec, err := f.engine.Mutator.RecordQuizResult(ctx, pair, "quiz-1", 85)
	require.NoError(t, err)

	assert.Equal(t, 85.0, rec.QuizScores["quiz-1"])
	assert.Equal(t, 2, rec.QuizAttempts["quiz-1"])
	assert.Equal(t, 0, rec.OverallProgress)
}

// =============================================================================
// ENROLLMENT
// =============================================================================

func TestEnroll_CreatesBothDocuments(t *testing.T) {
	f := newFixture(t)

	sum, err := f.engine.Mutator.Enroll(context.Background(), pair, progress.EnrollOptions{
		EnrolledBy: &progress.Provenance{TeamID: "team-7"},
	})
	require.NoError(t, err)

	assert.Equal(t, progress.StatusActive, sum.Status)
	assert.Equal(t, "Course go-101", sum.CourseName)
	require.NotNil(t, sum.EnrolledBy)
	assert.Equal(t, "team-7", sum.EnrolledBy.TeamID)

	rec := f.record(t, pair)
	assert.Equal(t, "Course go-101", rec.CourseName)
	assert.Equal(t, f.clock.Now(), rec.StartDate)
}

func TestEnroll_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, pair)
	f.complete(t, pair, lesson(1, 1))

	sum := f.enroll(t, pair)

	assert.Equal(t, 25, sum.Progress)
	assert.Equal(t, 1, f.record(t, pair).CompletedLessons.Len())
}

func TestEnroll_ReactivatesInactive(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, pair)

	sum, err := f.engine.Mutator.Unenroll(context.Background(), pair)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusInactive, sum.Status)

	assert.Equal(t, progress.StatusActive, f.enroll(t, pair).Status)
}

func TestEnroll_AfterCompletionStartsOver(t *testing.T) {
	// GIVEN: a completed course with a certificate
	// WHEN: the learner enrolls again
	// THEN: completion is cleared, the old certificate stays valid but is
	//       released from the record, and finishing again issues a new one

	f := newFixture(t)
	f.enroll(t, pair)
	first := f.complete(t, pair, lesson(1, 1), lesson(1, 2), lesson(1, 3), lesson(1, 4))

	sum := f.enroll(t, pair)
	assert.Equal(t, progress.StatusActive, sum.Status)
	assert.Equal(t, 0, sum.Progress)

	rec := f.record(t, pair)
	assert.False(t, rec.Completed)
	assert.Empty(t, rec.CertificateID)
	assert.Equal(t, []string{first.CertificateID}, rec.PreviousCertificates)
	assert.Equal(t, 0, rec.CompletedLessons.Len())
	require.Contains(t, rec.LessonProgress, lesson(1, 1))
	assert.NotNil(t, rec.LessonProgress[lesson(1, 1)].CompletedDate)

	second := f.complete(t, pair, lesson(1, 1), lesson(1, 2), lesson(1, 3), lesson(1, 4))
	assert.NotEqual(t, first.CertificateID, second.CertificateID)
	assert.Len(t, f.certificates(t, pair), 2)

	report, err := f.engine.Reconciler.Sweep(context.Background(), progress.SweepOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Orphans)
}

func TestEnroll_RevokedPairRejected(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, pair)
	require.NoError(t, f.engine.Admin.RevokeEnrollment(context.Background(), pair, admin))

	_, err := f.engine.Mutator.Enroll(context.Background(), pair, progress.EnrollOptions{})

	assert.ErrorIs(t, err, progress.ErrEnrollmentRevoked)
}

func TestUnenroll_LeavesCompletedAlone(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, pair)
	f.complete(t, pair, lesson(1, 1), lesson(1, 2), lesson(1, 3), lesson(1, 4))

	sum, err := f.engine.Mutator.Unenroll(context.Background(), pair)
	require.NoError(t, err)

	assert.Equal(t, progress.StatusCompleted, sum.Status)
}

func TestUnenroll_NotEnrolled(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Mutator.Unenroll(context.Background(), pair)

	assert.ErrorIs(t, err, progress.ErrNotEnrolled)
}

func TestHeldStatusSurvivesLessonEvents(t *testing.T) {
	// An inactive learner still watching lessons stays inactive until they
	// enroll again.
	f := newFixture(t)
	f.enroll(t, pair)
	_, err := f.engine.Mutator.Unenroll(context.Background(), pair)
	require.NoError(t, err)

	f.complete(t, pair, lesson(1, 1))

	sum := f.summary(t, pair)
	assert.Equal(t, progress.StatusInactive, sum.Status)
	assert.Equal(t, 25, sum.Progress)
}

func TestEnrollments_ListsByUser(t *testing.T) {
	other := progress.CourseID("go-201")
	f := newFixture(t, courseTopology(course, 4), courseTopology(other, 2))
	f.enroll(t, pair)
	f.enroll(t, progress.Pair(learner, other))
	f.enroll(t, progress.Pair("user-2", course))

	list, err := f.engine.Mutator.Enrollments(context.Background(), learner)
	require.NoError(t, err)

	require.Len(t, list, 2)
	assert.Equal(t, course, list[0].CourseID)
	assert.Equal(t, other, list[1].CourseID)
}
