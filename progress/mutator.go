/*
mutator.go - Learner-driven progress events

PURPOSE:
  Applies one learner event (lesson completed/uncompleted, module completed,
  quiz result) to the canonical ProgressRecord, re-derives the percentage with
  the Completion Calculator, and reconciles the EnrollmentSummary in the same
  transaction. Also handles enroll / unenroll.

EVENT PROTOCOL:
  1. Load the course topology (outside the transaction; a failure is a
     retryable TopologyLookupError, never "no lessons")
  2. WithTx:
       read record → apply change → derive → write record
       → reconcile summary inline → append audit entry (admin events)
  3. After commit: on a false→true completion transition, signal the Issuer

  Concurrent events for the same pair serialize through the store's
  transaction; a lost race surfaces as ErrTransactionConflict for the caller
  to retry.

REGRESSION POLICY:
  Un-marking a lesson on a completed record clears Completed and
  CompletedDate. The issued certificate is kept; only an admin reset revokes.

SEE ALSO:
  - calculator.go: percentage derivation
  - reconcile.go:  reconcileIn
  - certificate.go: completion signal target
*/
package progress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/progress-engine/logger"
)

// Mutator applies learner events to progress records.
type Mutator struct {
	Store    TxStore
	Topology TopologyProvider

	// Issuer receives completion signals. Optional.
	Issuer *Issuer

	Log *logger.Logger
	Now func() time.Time
}

func (m *Mutator) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

func (m *Mutator) log() *logger.Logger {
	return logger.OrNop(m.Log).With("component", "mutator")
}

// =============================================================================
// LEARNER EVENTS
// =============================================================================

// RecordLessonEvent marks a lesson complete or incomplete.
func (m *Mutator) RecordLessonEvent(ctx context.Context, key PairKey, lesson LessonKey, completed bool) (*ProgressRecord, error) {
	return m.lessonEvent(ctx, key, lesson, completed, nil)
}

// RecordModuleComplete marks every lesson of a module complete. The
// percentage still comes from the lesson-level formula.
func (m *Mutator) RecordModuleComplete(ctx context.Context, key PairKey, moduleID ModuleID) (*ProgressRecord, error) {
	return m.moduleComplete(ctx, key, moduleID, nil)
}

func (m *Mutator) lessonEvent(ctx context.Context, key PairKey, lesson LessonKey, completed bool, audit *AuditEntry) (*ProgressRecord, error) {
	if !key.Valid() {
		return nil, invalid("user and course ids are required")
	}
	if strings.TrimSpace(string(lesson)) == "" {
		return nil, invalid("lesson key is required")
	}
	topo, err := m.topology(ctx, key.CourseID)
	if err != nil {
		return nil, err
	}
	return m.apply(ctx, key, topo, audit, func(rec *ProgressRecord, now time.Time) {
		setLesson(rec, lesson, completed, now)
	})
}

func (m *Mutator) moduleComplete(ctx context.Context, key PairKey, moduleID ModuleID, audit *AuditEntry) (*ProgressRecord, error) {
	if !key.Valid() {
		return nil, invalid("user and course ids are required")
	}
	topo, err := m.topology(ctx, key.CourseID)
	if err != nil {
		return nil, err
	}
	mod, ok := topo.Module(moduleID)
	if !ok {
		return nil, fmt.Errorf("%w: %s in course %s", ErrUnknownModule, moduleID, key.CourseID)
	}
	return m.apply(ctx, key, topo, audit, func(rec *ProgressRecord, now time.Time) {
		for _, lk := range mod.LessonKeys() {
			setLesson(rec, lk, true, now)
		}
	})
}

// RecordQuizResult stores a quiz score and counts the attempt. Quiz results
// do not move the percentage.
func (m *Mutator) RecordQuizResult(ctx context.Context, key PairKey, quizID string, score float64) (*ProgressRecord, error) {
	if strings.TrimSpace(quizID) == "" {
		return nil, invalid("quiz id is required")
	}
	var out *ProgressRecord
	err := m.Store.WithTx(ctx, func(s Store) error {
		rec, err := activeRecord(ctx, s, key)
		if err != nil {
			return err
		}
		now := m.now()
		rec.QuizScores[quizID] = score
		rec.QuizAttempts[quizID]++
		rec.LastAccessDate = now
		if err := s.PutProgress(ctx, rec); err != nil {
			return err
		}
		if _, err := reconcileIn(ctx, s, rec, reconcileOpts{createMissing: true}); err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

// apply runs change inside a transaction and handles the completion signal.
func (m *Mutator) apply(ctx context.Context, key PairKey, topo *Topology, audit *AuditEntry, change func(*ProgressRecord, time.Time)) (*ProgressRecord, error) {
	var (
		out           *ProgressRecord
		justCompleted bool
	)
	err := m.Store.WithTx(ctx, func(s Store) error {
		rec, err := activeRecord(ctx, s, key)
		if err != nil {
			return err
		}
		now := m.now()
		wasCompleted := rec.Completed

		change(rec, now)
		rec.LastAccessDate = now
		derive(rec, topo, now)
		justCompleted = !wasCompleted && rec.Completed

		if audit != nil {
			audit.Timestamp = now
			rec.LastOverride = audit
			if err := s.AppendAudit(ctx, *audit); err != nil {
				return fmt.Errorf("append audit entry: %w", err)
			}
		}
		if err := s.PutProgress(ctx, rec); err != nil {
			return err
		}
		if _, err := reconcileIn(ctx, s, rec, reconcileOpts{createMissing: true}); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	if justCompleted {
		m.log().Info("course completed", "pair", key.ID(), "progress", out.OverallProgress)
		if fresh := m.signalCompletion(ctx, key); fresh != nil {
			out = fresh
		}
	}
	return out, nil
}

// signalCompletion hands a completion transition to the Issuer. A failure is
// logged: the record is committed, and a sweep with IssueMissing re-signals.
func (m *Mutator) signalCompletion(ctx context.Context, key PairKey) *ProgressRecord {
	if m.Issuer == nil {
		return nil
	}
	if _, _, err := m.Issuer.issueFor(ctx, key); err != nil {
		m.log().Error("certificate issuance failed", "pair", key.ID(), "error", err)
		return nil
	}
	rec, err := m.Store.GetProgress(ctx, key)
	if err != nil {
		return nil
	}
	return rec
}

func (m *Mutator) topology(ctx context.Context, courseID CourseID) (*Topology, error) {
	if m.Topology == nil {
		return nil, &TopologyLookupError{CourseID: courseID, Err: errors.New("no topology provider configured")}
	}
	topo, err := m.Topology.Topology(ctx, courseID)
	if err != nil {
		return nil, &TopologyLookupError{CourseID: courseID, Err: err}
	}
	if topo == nil {
		return nil, &TopologyLookupError{CourseID: courseID, Err: errors.New("provider returned no topology")}
	}
	return topo, nil
}

// activeRecord loads a non-revoked record or fails with ErrNotEnrolled.
func activeRecord(ctx context.Context, s Store, key PairKey) (*ProgressRecord, error) {
	rec, err := s.GetProgress(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, notEnrolled(key, "no progress record")
	}
	if err != nil {
		return nil, err
	}
	if rec.Revoked {
		return nil, notEnrolled(key, "enrollment revoked")
	}
	rec.Normalize()
	return rec, nil
}

func setLesson(rec *ProgressRecord, key LessonKey, completed bool, now time.Time) {
	st := rec.LessonProgress[key]
	st.LastAccessDate = now
	if completed {
		rec.CompletedLessons.Add(key)
		if !st.Completed {
			st.CompletedDate = timePtr(now)
		}
		st.Completed = true
		st.Progress = 100
	} else {
		rec.CompletedLessons.Remove(key)
		st.Completed = false
		st.Progress = 0
		st.CompletedDate = nil
	}
	rec.LessonProgress[key] = st
}

// derive recomputes module state, OverallProgress and Completed.
func derive(rec *ProgressRecord, topo *Topology, now time.Time) {
	comp := Calculate(*topo, rec.CompletedLessons)

	for id, pct := range comp.Modules {
		st := rec.ModuleProgress[id]
		done := comp.CompletedModules.Has(id)
		switch {
		case done && !st.Completed:
			st.CompletedDate = timePtr(now)
		case !done:
			st.CompletedDate = nil
		}
		st.Completed = done
		st.Progress = pct
		rec.ModuleProgress[id] = st

		if done {
			rec.CompletedModules.Add(id)
		} else {
			rec.CompletedModules.Remove(id)
		}
	}

	if rec.ForceCompleted {
		rec.OverallProgress = 100
	} else {
		rec.OverallProgress = comp.Overall
	}

	switch {
	case rec.OverallProgress == 100 && !rec.Completed:
		rec.Completed = true
		rec.CompletedDate = timePtr(now)
	case rec.OverallProgress < 100 && rec.Completed:
		rec.Completed = false
		rec.CompletedDate = nil
	}
}

// =============================================================================
// ENROLLMENT
// =============================================================================

type EnrollOptions struct {
	// CourseName is the display name; looked up from the topology when empty.
	CourseName string
	EnrolledBy *Provenance
}

// Enroll creates the pair's documents if absent and reactivates held
// enrollments. Enrolling a completed pair starts the course over: completion
// and certificate markers and the completed sets are cleared, per-lesson
// history is kept.
func (m *Mutator) Enroll(ctx context.Context, key PairKey, opts EnrollOptions) (*EnrollmentSummary, error) {
	if !key.Valid() {
		return nil, invalid("user and course ids are required")
	}
	courseName := opts.CourseName
	if courseName == "" && m.Topology != nil {
		if topo, err := m.Topology.Topology(ctx, key.CourseID); err == nil && topo != nil {
			courseName = topo.CourseName
		} else if err != nil {
			m.log().Warn("course name lookup failed", "course", key.CourseID, "error", err)
		}
	}

	var out *EnrollmentSummary
	err := m.Store.WithTx(ctx, func(s Store) error {
		now := m.now()

		rec, err := s.GetProgress(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			rec = NewProgressRecord(key, courseName, now)
		case err != nil:
			return err
		case rec.Revoked:
			return fmt.Errorf("%w: %s", ErrEnrollmentRevoked, key)
		default:
			rec.Normalize()
			if courseName != "" {
				rec.CourseName = courseName
			}
			if rec.Completed {
				restart(rec, now)
				m.log().Info("re-enrollment after completion", "pair", key.ID())
			}
		}
		if err := s.PutProgress(ctx, rec); err != nil {
			return err
		}

		sum, err := s.GetEnrollment(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			sum = DesiredSummary(rec, nil)
			sum.EnrolledAt = now
			sum.EnrolledBy = opts.EnrolledBy
		case err != nil:
			return err
		default:
			if sum.Status == StatusRevoked {
				return fmt.Errorf("%w: %s", ErrEnrollmentRevoked, key)
			}
			if sum.Status.held() {
				sum.Status = StatusActive
			}
			if opts.EnrolledBy != nil {
				sum.EnrolledBy = opts.EnrolledBy
			}
			sum = DesiredSummary(rec, sum)
		}
		if err := s.PutEnrollment(ctx, sum); err != nil {
			return err
		}
		out = sum
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// restart clears completion state for a learner redoing a course.
func restart(rec *ProgressRecord, now time.Time) {
	if rec.CertificateID != "" {
		rec.PreviousCertificates = append(rec.PreviousCertificates, rec.CertificateID)
	}
	rec.Completed = false
	rec.CompletedDate = nil
	rec.ForceCompleted = false
	rec.CertificateID = ""
	rec.CertificateIssueDate = nil
	rec.CompletedLessons = NewSet[LessonKey]()
	rec.CompletedModules = NewSet[ModuleID]()
	for k, st := range rec.LessonProgress {
		st.Completed = false
		st.Progress = 0
		rec.LessonProgress[k] = st
	}
	for k := range rec.ModuleProgress {
		rec.ModuleProgress[k] = ModuleState{}
	}
	rec.OverallProgress = 0
	rec.LastAccessDate = now
}

// Unenroll soft-deactivates an active summary. Completed, held and revoked
// summaries are left as they are.
func (m *Mutator) Unenroll(ctx context.Context, key PairKey) (*EnrollmentSummary, error) {
	var out *EnrollmentSummary
	err := m.Store.WithTx(ctx, func(s Store) error {
		sum, err := s.GetEnrollment(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return notEnrolled(key, "no enrollment summary")
		}
		if err != nil {
			return err
		}
		if sum.Status == StatusActive {
			sum.Status = StatusInactive
			if err := s.PutEnrollment(ctx, sum); err != nil {
				return err
			}
		}
		out = sum
		return nil
	})
	return out, err
}

// =============================================================================
// READS
// =============================================================================

func (m *Mutator) Progress(ctx context.Context, key PairKey) (*ProgressRecord, error) {
	rec, err := m.Store.GetProgress(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, notEnrolled(key, "no progress record")
	}
	return rec, err
}

func (m *Mutator) Enrollment(ctx context.Context, key PairKey) (*EnrollmentSummary, error) {
	sum, err := m.Store.GetEnrollment(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, notEnrolled(key, "no enrollment summary")
	}
	return sum, err
}

func (m *Mutator) Enrollments(ctx context.Context, userID UserID) ([]*EnrollmentSummary, error) {
	return m.Store.ListEnrollments(ctx, userID)
}
