/*
admin.go - Privileged state transitions

PURPOSE:
  Applies admin overrides across both documents of a pair and records an
  AuditEntry on each document and in the audit log.

OPERATIONS:
  ForceComplete      record: completed, 100%, pinned; summary: completed
  ResetProgress      record: cleared sets/maps/quizzes/certificate; summary: active, 0%
  RevokeEnrollment   record: revoked; summary: revoked (one side may be missing)
  MarkModuleComplete / MarkLessonComplete / ResetLesson
                     learner operations tagged as admin-sourced

ATOMICITY:
  ForceComplete and ResetProgress run in one WithTx. A missing record aborts
  with ErrNotEnrolled before anything is written.

CERTIFICATES:
  Reset and revoke cascade-revoke the record's live certificate in the same
  transaction. ForceComplete signals the Issuer after commit.

SEE ALSO:
  - mutator.go:   lesson/module operations
  - reconcile.go: summary derivation
*/
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/progress-engine/logger"
)

// Admin applies override transitions.
type Admin struct {
	Store   TxStore
	Mutator *Mutator

	// Issuer receives completion signals from ForceComplete. Optional.
	Issuer *Issuer

	Log *logger.Logger
	Now func() time.Time
}

func (a *Admin) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

func (a *Admin) log() *logger.Logger {
	return logger.OrNop(a.Log).With("component", "admin")
}

func newAuditEntry(action AuditAction, source AuditSource, actor Actor, key PairKey, now time.Time) AuditEntry {
	return AuditEntry{
		ID:        uuid.NewString(),
		Action:    action,
		ActorID:   actor.ID,
		Source:    source,
		Timestamp: now,
		Note:      actor.Note,
		UserID:    key.UserID,
		CourseID:  key.CourseID,
	}
}

func requireActor(actor Actor) error {
	if actor.ID == "" {
		return invalid("actor id is required")
	}
	return nil
}

// ForceComplete marks the pair completed regardless of lesson state.
func (a *Admin) ForceComplete(ctx context.Context, key PairKey, actor Actor) (*ProgressRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	var (
		out           *ProgressRecord
		justCompleted bool
	)
	err := a.Store.WithTx(ctx, func(s Store) error {
		rec, err := activeRecord(ctx, s, key)
		if err != nil {
			return err
		}
		now := a.now()
		entry := newAuditEntry(AuditForceComplete, SourceAdmin, actor, key, now)

		justCompleted = !rec.Completed
		rec.ForceCompleted = true
		rec.OverallProgress = 100
		if !rec.Completed {
			rec.Completed = true
			rec.CompletedDate = timePtr(now)
		}
		rec.LastOverride = &entry

		if err := s.PutProgress(ctx, rec); err != nil {
			return err
		}
		if _, err := reconcileIn(ctx, s, rec, reconcileOpts{createMissing: true, override: &entry}); err != nil {
			return err
		}
		if err := s.AppendAudit(ctx, entry); err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.log().Info("force-completed", "pair", key.ID(), "actor", actor.ID)
	if justCompleted && a.Issuer != nil {
		if _, _, err := a.Issuer.issueFor(ctx, key); err != nil {
			a.log().Error("certificate issuance failed", "pair", key.ID(), "error", err)
		} else if fresh, err := a.Store.GetProgress(ctx, key); err == nil {
			out = fresh
		}
	}
	return out, nil
}

// ResetProgress clears all progress and the certificate of a pair.
func (a *Admin) ResetProgress(ctx context.Context, key PairKey, actor Actor) (*ProgressRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	var out *ProgressRecord
	err := a.Store.WithTx(ctx, func(s Store) error {
		rec, err := s.GetProgress(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return notEnrolled(key, "no progress record")
		}
		if err != nil {
			return err
		}
		rec.Normalize()
		now := a.now()
		entry := newAuditEntry(AuditResetProgress, SourceAdmin, actor, key, now)

		if err := revokeLive(ctx, s, rec, "progress reset", now); err != nil {
			return err
		}
		rec.CompletedLessons = NewSet[LessonKey]()
		rec.CompletedModules = NewSet[ModuleID]()
		rec.LessonProgress = make(map[LessonKey]LessonState)
		rec.ModuleProgress = make(map[ModuleID]ModuleState)
		rec.QuizScores = make(map[string]float64)
		rec.QuizAttempts = make(map[string]int)
		rec.OverallProgress = 0
		rec.Completed = false
		rec.CompletedDate = nil
		rec.ForceCompleted = false
		rec.CertificateID = ""
		rec.CertificateIssueDate = nil
		rec.LastAccessDate = now
		rec.LastOverride = &entry

		if err := s.PutProgress(ctx, rec); err != nil {
			return err
		}
		if _, err := reconcileIn(ctx, s, rec, reconcileOpts{createMissing: true, reactivate: true, override: &entry}); err != nil {
			return err
		}
		if err := s.AppendAudit(ctx, entry); err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.log().Info("progress reset", "pair", key.ID(), "actor", actor.ID)
	return out, nil
}

// RevokeEnrollment retires the pair. History is kept. Either document may be
// missing; only both missing is an error.
func (a *Admin) RevokeEnrollment(ctx context.Context, key PairKey, actor Actor) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	log := a.log().With("pair", key.ID(), "actor", actor.ID)
	err := a.Store.WithTx(ctx, func(s Store) error {
		now := a.now()
		entry := newAuditEntry(AuditRevokeEnrollment, SourceAdmin, actor, key, now)

		rec, err := s.GetProgress(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		sum, err := s.GetEnrollment(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if rec == nil && sum == nil {
			return notEnrolled(key, "no progress record or enrollment summary")
		}

		if rec != nil {
			if err := revokeLive(ctx, s, rec, "enrollment revoked", now); err != nil {
				return err
			}
			rec.Revoked = true
			rec.LastOverride = &entry
			if err := s.PutProgress(ctx, rec); err != nil {
				return err
			}
		} else {
			log.Warn("revoking enrollment without progress record")
		}

		if sum != nil {
			sum.Status = StatusRevoked
			sum.LastOverride = &entry
			if err := s.PutEnrollment(ctx, sum); err != nil {
				return err
			}
		} else {
			log.Warn("revoking enrollment without enrollment summary")
		}
		return s.AppendAudit(ctx, entry)
	})
	if err != nil {
		return err
	}
	log.Info("enrollment revoked")
	return nil
}

// revokeLive revokes rec's certificate if it is live. The id stays on the
// record so a later issuance never reuses it.
func revokeLive(ctx context.Context, s Store, rec *ProgressRecord, reason string, now time.Time) error {
	cert, err := liveCertificate(ctx, s, rec)
	if err != nil || cert == nil {
		return err
	}
	return revokeCertificate(ctx, s, cert, reason, now)
}

// =============================================================================
// ADMIN-TAGGED LEARNER OPERATIONS
// =============================================================================

func (a *Admin) MarkModuleComplete(ctx context.Context, key PairKey, moduleID ModuleID, actor Actor) (*ProgressRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	entry := newAuditEntry(AuditModuleComplete, SourceAdmin, actor, key, a.now())
	return a.Mutator.moduleComplete(ctx, key, moduleID, &entry)
}

func (a *Admin) MarkLessonComplete(ctx context.Context, key PairKey, lesson LessonKey, actor Actor) (*ProgressRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	entry := newAuditEntry(AuditLessonComplete, SourceAdmin, actor, key, a.now())
	return a.Mutator.lessonEvent(ctx, key, lesson, true, &entry)
}

func (a *Admin) ResetLesson(ctx context.Context, key PairKey, lesson LessonKey, actor Actor) (*ProgressRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	entry := newAuditEntry(AuditLessonReset, SourceAdmin, actor, key, a.now())
	return a.Mutator.lessonEvent(ctx, key, lesson, false, &entry)
}

// AuditTrail returns the audit entries of a pair, oldest first.
func (a *Admin) AuditTrail(ctx context.Context, key PairKey) ([]AuditEntry, error) {
	return a.Store.QueryAudit(ctx, AuditFilter{UserID: key.UserID, CourseID: key.CourseID})
}

// Audit returns audit entries matching filter, oldest first.
func (a *Admin) Audit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	return a.Store.QueryAudit(ctx, filter)
}
