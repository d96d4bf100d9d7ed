/*
reconcile.go - Recompute EnrollmentSummary from its ProgressRecord

PURPOSE:
  The summary is a denormalized projection of the canonical record.
  Reconciliation recomputes what it should contain and writes only the
  fields that differ. It is the single place where summary fields are derived.

MODES:
  Inline:  called inside mutator/admin transactions. A missing summary is
           recreated from the record.
  Reconcile(key): standalone, one pair. A missing summary is a mismatch.
  Sweep:   enumerates pairs and reconciles each on a bounded worker pool.
           Per-pair failures go into the report; the sweep never aborts on
           one bad pair. Safe to re-run after interruption.

STATUS DERIVATION (precedence):
  revoked   record.Revoked
  completed record.Completed
  held      current status is inactive, expired or suspended
  active    otherwise

SEE ALSO:
  - mutator.go, admin.go: inline callers
  - api/scheduler.go:     periodic sweep
*/
package progress

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/progress-engine/logger"
	"golang.org/x/sync/errgroup"
)

const DefaultSweepWorkers = 8

// Summary field names reported in ReconcileResult.Changed.
const (
	FieldStatus           = "status"
	FieldProgress         = "progress"
	FieldCompletedLessons = "completedLessons"
	FieldCourseName       = "courseName"
	FieldLastAccessedAt   = "lastAccessedAt"
	FieldLastOverride     = "lastOverride"
	FieldCreated          = "created"
)

// =============================================================================
// PURE DERIVATION
// =============================================================================

// DesiredSummary returns what the summary should contain for rec. current may
// be nil, in which case a fresh summary is built from the record.
func DesiredSummary(rec *ProgressRecord, current *EnrollmentSummary) *EnrollmentSummary {
	var want *EnrollmentSummary
	if current != nil {
		want = current.Clone()
	} else {
		want = &EnrollmentSummary{
			UserID:     rec.UserID,
			CourseID:   rec.CourseID,
			EnrolledAt: rec.StartDate,
			Status:     StatusActive,
		}
	}
	want.Progress = rec.OverallProgress
	want.CompletedLessons = rec.CompletedLessons.Clone()
	if rec.CourseName != "" {
		want.CourseName = rec.CourseName
	}
	if !rec.LastAccessDate.IsZero() {
		want.LastAccessedAt = rec.LastAccessDate
	}
	want.Status = deriveStatus(rec, want.Status)
	return want
}

func deriveStatus(rec *ProgressRecord, current EnrollmentStatus) EnrollmentStatus {
	switch {
	case rec.Revoked:
		return StatusRevoked
	case rec.Completed:
		return StatusCompleted
	case current.held():
		return current
	default:
		return StatusActive
	}
}

// diffSummary lists the reconciled fields that differ between have and want.
func diffSummary(have, want *EnrollmentSummary) []string {
	var changed []string
	if have.Status != want.Status {
		changed = append(changed, FieldStatus)
	}
	if have.Progress != want.Progress {
		changed = append(changed, FieldProgress)
	}
	if !have.CompletedLessons.Equal(want.CompletedLessons) {
		changed = append(changed, FieldCompletedLessons)
	}
	if have.CourseName != want.CourseName {
		changed = append(changed, FieldCourseName)
	}
	if !have.LastAccessedAt.Equal(want.LastAccessedAt) {
		changed = append(changed, FieldLastAccessedAt)
	}
	return changed
}

// =============================================================================
// INLINE RECONCILIATION
// =============================================================================

type reconcileOpts struct {
	// createMissing recreates an absent summary instead of failing.
	createMissing bool

	// reactivate clears a held status before deriving (admin reset).
	reactivate bool

	// override is stamped onto the summary's audit field.
	override *AuditEntry
}

// reconcileIn brings the summary of rec in line using s, which is normally a
// transactional view. It returns the changed field names.
func reconcileIn(ctx context.Context, s Store, rec *ProgressRecord, opts reconcileOpts) ([]string, error) {
	key := rec.Key()
	have, err := s.GetEnrollment(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		if !opts.createMissing {
			return nil, &MismatchError{Key: key, Detail: "enrollment summary missing"}
		}
		want := DesiredSummary(rec, nil)
		want.LastOverride = opts.override
		if err := s.PutEnrollment(ctx, want); err != nil {
			return nil, fmt.Errorf("create enrollment summary: %w", err)
		}
		return []string{FieldCreated}, nil
	case err != nil:
		return nil, fmt.Errorf("load enrollment summary: %w", err)
	}

	base := have
	if opts.reactivate && have.Status.held() {
		base = have.Clone()
		base.Status = StatusActive
	}
	want := DesiredSummary(rec, base)
	changed := diffSummary(have, want)
	if opts.override != nil {
		want.LastOverride = opts.override
		changed = append(changed, FieldLastOverride)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	if err := s.PutEnrollment(ctx, want); err != nil {
		return nil, fmt.Errorf("write enrollment summary: %w", err)
	}
	return changed, nil
}

// =============================================================================
// RECONCILER
// =============================================================================

// Reconciler runs standalone and batch reconciliation.
type Reconciler struct {
	Store TxStore

	// Issuer is used by sweeps with IssueMissing set. Optional.
	Issuer *Issuer

	// Workers bounds sweep concurrency; DefaultSweepWorkers when <= 0.
	Workers int

	Log *logger.Logger
}

// ReconcileResult describes one pair's reconciliation.
type ReconcileResult struct {
	Key      PairKey
	Changed  []string
	Status   EnrollmentStatus
	Progress int
}

// Reconcile recomputes the summary of one pair from its record.
// It is idempotent: a second call with no intervening mutation changes nothing.
func (r *Reconciler) Reconcile(ctx context.Context, key PairKey) (*ReconcileResult, error) {
	res, _, err := r.reconcile(ctx, key, false)
	return res, err
}

func (r *Reconciler) reconcile(ctx context.Context, key PairKey, repair bool) (*ReconcileResult, *ProgressRecord, error) {
	var (
		res = &ReconcileResult{Key: key}
		rec *ProgressRecord
	)
	err := r.Store.WithTx(ctx, func(s Store) error {
		var err error
		rec, err = s.GetProgress(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return notEnrolled(key, "no progress record")
		}
		if err != nil {
			return err
		}
		res.Changed, err = reconcileIn(ctx, s, rec, reconcileOpts{createMissing: repair})
		if err != nil {
			return err
		}
		res.Progress = rec.OverallProgress
		res.Status = deriveStatus(rec, StatusActive)
		if sum, err := s.GetEnrollment(ctx, key); err == nil {
			res.Status = sum.Status
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if len(res.Changed) > 0 {
		logger.OrNop(r.Log).Info("reconciled enrollment summary",
			"component", "reconciler", "pair", key.ID(), "changed", res.Changed)
	}
	return res, rec, nil
}

// =============================================================================
// SWEEP
// =============================================================================

type SweepOptions struct {
	UserID   UserID
	CourseID CourseID

	// Workers overrides Reconciler.Workers for this sweep.
	Workers int

	// RepairMissing recreates missing summaries instead of reporting them.
	RepairMissing bool

	// IssueMissing re-signals the issuer for completed records without a
	// certificate id.
	IssueMissing bool
}

type PairResult struct {
	Key     PairKey  `json:"key"`
	Changed []string `json:"changed,omitempty"`
	Issued  string   `json:"issued,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type SweepReport struct {
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Synced     int          `json:"synced"`
	Failed     int          `json:"failed"`
	Changed    int          `json:"changed"`
	Pairs      []PairResult `json:"pairs"`

	// Orphans are ids of active certificates not referenced by their pair's
	// record. Reported only; never repaired.
	Orphans []string `json:"orphans,omitempty"`
}

// Sweep reconciles every pair matching opts. Per-pair errors are recorded in
// the report. The returned error is non-nil only if enumeration fails or ctx
// is cancelled; the partial report is still returned.
func (r *Reconciler) Sweep(ctx context.Context, opts SweepOptions) (*SweepReport, error) {
	log := logger.OrNop(r.Log).With("component", "reconciler")
	report := &SweepReport{StartedAt: time.Now()}

	keys, err := r.Store.ListProgress(ctx, ProgressFilter{UserID: opts.UserID, CourseID: opts.CourseID})
	if err != nil {
		return report, fmt.Errorf("list progress records: %w", err)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = r.Workers
	}
	if workers <= 0 {
		workers = DefaultSweepWorkers
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pr := r.sweepOne(gctx, key, opts)
			mu.Lock()
			report.Pairs = append(report.Pairs, pr)
			mu.Unlock()
			return nil
		})
	}
	waitErr := g.Wait()

	sort.Slice(report.Pairs, func(i, j int) bool {
		return report.Pairs[i].Key.ID() < report.Pairs[j].Key.ID()
	})
	for _, pr := range report.Pairs {
		if pr.Error != "" {
			report.Failed++
			continue
		}
		report.Synced++
		if len(pr.Changed) > 0 {
			report.Changed++
		}
	}

	if waitErr == nil {
		orphans, err := r.findOrphans(ctx, opts)
		if err != nil {
			log.Warn("orphan detection failed", "error", err)
		}
		report.Orphans = orphans
	}

	report.FinishedAt = time.Now()
	log.Info("reconciliation sweep finished",
		"pairs", len(keys), "synced", report.Synced, "failed", report.Failed,
		"changed", report.Changed, "orphans", len(report.Orphans))
	return report, waitErr
}

func (r *Reconciler) sweepOne(ctx context.Context, key PairKey, opts SweepOptions) PairResult {
	pr := PairResult{Key: key}
	res, rec, err := r.reconcile(ctx, key, opts.RepairMissing)
	if err != nil {
		pr.Error = err.Error()
		logger.OrNop(r.Log).Warn("reconcile pair failed",
			"component", "reconciler", "pair", key.ID(), "error", err)
		return pr
	}
	pr.Changed = res.Changed

	if opts.IssueMissing && r.Issuer != nil && rec.Completed && !rec.Revoked && rec.CertificateID == "" {
		cert, _, err := r.Issuer.issueFor(ctx, key)
		if err != nil {
			pr.Error = fmt.Sprintf("issue missing certificate: %v", err)
			return pr
		}
		pr.Issued = cert.ID
	}
	return pr
}

func (r *Reconciler) findOrphans(ctx context.Context, opts SweepOptions) ([]string, error) {
	certs, err := r.Store.ListCertificates(ctx, CertificateFilter{
		UserID:   opts.UserID,
		CourseID: opts.CourseID,
		Status:   CertificateActive,
	})
	if err != nil {
		return nil, err
	}
	var orphans []string
	for _, c := range certs {
		rec, err := r.Store.GetProgress(ctx, c.Key())
		if err != nil && !errors.Is(err, ErrNotFound) {
			return orphans, err
		}
		if rec == nil || !rec.ownsCertificate(c.ID) {
			orphans = append(orphans, c.ID)
		}
	}
	sort.Strings(orphans)
	return orphans, nil
}
