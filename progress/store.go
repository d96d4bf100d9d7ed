/*
store.go - Persistence interfaces for the progress engine

PURPOSE:
  Defines the contract between the engine and a document-oriented store.
  The engine needs point reads/writes by composite key, a transaction spanning
  the two documents of a pair, and equality filters to enumerate pairs.

OPTIMISTIC CONCURRENCY:
  ProgressRecord and EnrollmentSummary carry a Version. Put* succeeds only if
  the stored version equals the document's Version (0 means "must not exist"),
  then bumps it. A stale write returns ErrTransactionConflict.

TRANSACTIONS:
  TxStore.WithTx runs fn against a transactional view. If fn returns an
  error, every write made through the view is rolled back.

IMPLEMENTATIONS:
  - progress/store/memory.go: in-memory, snapshot + rollback
  - store/sqlite/sqlite.go:   SQLite documents (JSON bodies)
  - store/gormstore:          PostgreSQL via GORM

SEE ALSO:
  - mutator.go, admin.go, reconcile.go: the only writers
*/
package progress

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Documents of a pair
// =============================================================================

type ProgressStore interface {
	// GetProgress returns ErrNotFound when the pair has no record.
	GetProgress(ctx context.Context, key PairKey) (*ProgressRecord, error)

	// PutProgress inserts (Version 0) or updates (Version == stored) the
	// record and bumps rec.Version on success.
	PutProgress(ctx context.Context, rec *ProgressRecord) error

	// ListProgress enumerates pairs matching the filter, ordered by key.
	ListProgress(ctx context.Context, filter ProgressFilter) ([]PairKey, error)
}

type EnrollmentStore interface {
	// GetEnrollment returns ErrNotFound when the pair has no summary.
	GetEnrollment(ctx context.Context, key PairKey) (*EnrollmentSummary, error)

	PutEnrollment(ctx context.Context, sum *EnrollmentSummary) error

	// ListEnrollments returns all summaries stored under a user.
	ListEnrollments(ctx context.Context, userID UserID) ([]*EnrollmentSummary, error)
}

type CertificateStore interface {
	// CreateCertificate fails with ErrTransactionConflict when the id or
	// verification code already exists.
	CreateCertificate(ctx context.Context, cert *Certificate) error
	PutCertificate(ctx context.Context, cert *Certificate) error
	GetCertificate(ctx context.Context, id string) (*Certificate, error)
	CertificateByCode(ctx context.Context, code string) (*Certificate, error)
	ListCertificates(ctx context.Context, filter CertificateFilter) ([]*Certificate, error)
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// Store is everything the engine reads and writes.
type Store interface {
	ProgressStore
	EnrollmentStore
	CertificateStore
	AuditLog
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across both documents
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// FILTERS
// =============================================================================

// ProgressFilter selects pairs by equality; zero fields match everything.
type ProgressFilter struct {
	UserID    UserID
	CourseID  CourseID
	Completed *bool
}

func (f ProgressFilter) Match(rec *ProgressRecord) bool {
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if f.CourseID != "" && rec.CourseID != f.CourseID {
		return false
	}
	if f.Completed != nil && rec.Completed != *f.Completed {
		return false
	}
	return true
}

type CertificateFilter struct {
	UserID   UserID
	CourseID CourseID
	Status   CertificateStatus
}

func (f CertificateFilter) Match(c *Certificate) bool {
	if f.UserID != "" && c.UserID != f.UserID {
		return false
	}
	if f.CourseID != "" && c.CourseID != f.CourseID {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	return true
}

type AuditFilter struct {
	UserID   UserID
	CourseID CourseID
	ActorID  string
	Actions  []AuditAction
	From     *time.Time
	To       *time.Time
}

func (f AuditFilter) Match(e AuditEntry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.CourseID != "" && e.CourseID != f.CourseID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// TopologyProvider returns the ordered module → lesson structure of a course.
// It may be stale relative to recorded progress.
type TopologyProvider interface {
	Topology(ctx context.Context, courseID CourseID) (*Topology, error)
}

// DisplayNames resolves a learner's display name for certificates.
type DisplayNames interface {
	DisplayName(ctx context.Context, userID UserID) (string, error)
}

// CertificateSink receives issued certificates for rendering and delivery.
// Failures are logged; issuance is never rolled back.
type CertificateSink interface {
	CertificateIssued(ctx context.Context, cert Certificate) error
}
