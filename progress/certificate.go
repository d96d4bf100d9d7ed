/*
certificate.go - Certificate issuance on course completion

PURPOSE:
  Issues at most one live certificate per completion and writes its id back
  onto the ProgressRecord. Creation and write-back share one transaction, so
  a failed write-back leaves no certificate behind.

IDEMPOTENCE:
  The completion signal may be delivered more than once. If the record
  already references a live certificate, issuance is a no-op that returns it.
  A record whose certificate was revoked gets a fresh id; revoked ids are
  never reused.

VERIFICATION CODES:
  80 bits from crypto/rand, base32, grouped as XXXX-XXXX-XXXX-XXXX.

SEE ALSO:
  - mutator.go: signals completion transitions
  - admin.go:   reset/revoke cascade to the live certificate
*/
package progress

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/progress-engine/logger"
)

const codeAttempts = 5

// Issuer creates certificates for completed records.
type Issuer struct {
	Store TxStore

	// Names resolves learner display names. Optional; falls back to user id.
	Names DisplayNames

	// Sink is notified after a new certificate commits. Optional.
	Sink CertificateSink

	TemplateID string

	// NewCode generates verification codes; NewVerificationCode when nil.
	NewCode func() (string, error)

	Log *logger.Logger
	Now func() time.Time
}

func (i *Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now().UTC()
}

func (i *Issuer) log() *logger.Logger {
	return logger.OrNop(i.Log).With("component", "issuer")
}

// IssueOnCompletion issues a certificate for a completed pair. It returns the
// certificate and whether it was newly created; a pair that already holds a
// live certificate gets that certificate back with created == false.
func (i *Issuer) IssueOnCompletion(ctx context.Context, key PairKey, learnerName string) (*Certificate, bool, error) {
	var (
		cert    *Certificate
		created bool
	)
	err := i.Store.WithTx(ctx, func(s Store) error {
		rec, err := s.GetProgress(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return notEnrolled(key, "no progress record")
		}
		if err != nil {
			return err
		}
		if rec.Revoked {
			return notEnrolled(key, "enrollment revoked")
		}

		existing, err := liveCertificate(ctx, s, rec)
		if err != nil {
			return err
		}
		if existing != nil {
			cert = existing
			return ErrAlreadyCompleted
		}
		if !rec.Completed {
			return fmt.Errorf("%w: %s", ErrNotCompleted, key)
		}

		code, err := i.uniqueCode(ctx, s)
		if err != nil {
			return err
		}
		now := i.now()
		name := learnerName
		if strings.TrimSpace(name) == "" {
			name = string(key.UserID)
		}
		cert = &Certificate{
			ID:               uuid.NewString(),
			UserID:           key.UserID,
			CourseID:         key.CourseID,
			CourseName:       rec.CourseName,
			UserName:         name,
			IssueDate:        now,
			VerificationCode: code,
			Status:           CertificateActive,
			TemplateID:       i.TemplateID,
		}
		if err := s.CreateCertificate(ctx, cert); err != nil {
			return fmt.Errorf("create certificate: %w", err)
		}
		rec.CertificateID = cert.ID
		rec.CertificateIssueDate = timePtr(now)
		if err := s.PutProgress(ctx, rec); err != nil {
			return fmt.Errorf("write certificate id: %w", err)
		}
		created = true
		return nil
	})
	if errors.Is(err, ErrAlreadyCompleted) {
		// Redundant signal: the transaction wrote nothing.
		return cert, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	i.log().Info("certificate issued", "pair", key.ID(), "certificate", cert.ID)
	if i.Sink != nil {
		if err := i.Sink.CertificateIssued(ctx, *cert); err != nil {
			i.log().Warn("certificate sink failed", "certificate", cert.ID, "error", err)
		}
	}
	return cert, created, nil
}

// issueFor resolves the display name and issues.
func (i *Issuer) issueFor(ctx context.Context, key PairKey) (*Certificate, bool, error) {
	name := string(key.UserID)
	if i.Names != nil {
		if n, err := i.Names.DisplayName(ctx, key.UserID); err == nil && n != "" {
			name = n
		} else if err != nil {
			i.log().Warn("display name lookup failed", "user", key.UserID, "error", err)
		}
	}
	return i.IssueOnCompletion(ctx, key, name)
}

func (i *Issuer) uniqueCode(ctx context.Context, s Store) (string, error) {
	gen := i.NewCode
	if gen == nil {
		gen = NewVerificationCode
	}
	for n := 0; n < codeAttempts; n++ {
		code, err := gen()
		if err != nil {
			return "", fmt.Errorf("generate verification code: %w", err)
		}
		_, err = s.CertificateByCode(ctx, code)
		if errors.Is(err, ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no unique verification code after %d attempts", codeAttempts)
}

// liveCertificate returns the record's certificate if it is active.
func liveCertificate(ctx context.Context, s Store, rec *ProgressRecord) (*Certificate, error) {
	if rec.CertificateID == "" {
		return nil, nil
	}
	cert, err := s.GetCertificate(ctx, rec.CertificateID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !cert.Live() {
		return nil, nil
	}
	return cert, nil
}

// NewVerificationCode returns a random code like "K3QF-9ZTA-M2XB-7HRD".
func NewVerificationCode() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	raw := base32.StdEncoding.EncodeToString(buf)
	return raw[0:4] + "-" + raw[4:8] + "-" + raw[8:12] + "-" + raw[12:16], nil
}

// =============================================================================
// LOOKUP & REVOCATION
// =============================================================================

// Verify looks a certificate up by verification code.
func (i *Issuer) Verify(ctx context.Context, code string) (*Certificate, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, invalid("verification code is required")
	}
	return i.Store.CertificateByCode(ctx, code)
}

func (i *Issuer) Certificate(ctx context.Context, id string) (*Certificate, error) {
	return i.Store.GetCertificate(ctx, id)
}

func (i *Issuer) Certificates(ctx context.Context, filter CertificateFilter) ([]*Certificate, error) {
	return i.Store.ListCertificates(ctx, filter)
}

type RevocationReport struct {
	Revoked []string `json:"revoked"`
	Skipped []string `json:"skipped,omitempty"`
	Missing []string `json:"missing,omitempty"`
	Failed  []string `json:"failed,omitempty"`
}

// RevokeCertificates revokes a batch of certificates. Missing or already
// revoked ids are reported, not fatal.
func (i *Issuer) RevokeCertificates(ctx context.Context, ids []string, actor Actor) (*RevocationReport, error) {
	report := &RevocationReport{}
	for _, id := range ids {
		var outcome string
		err := i.Store.WithTx(ctx, func(s Store) error {
			cert, err := s.GetCertificate(ctx, id)
			if errors.Is(err, ErrNotFound) {
				outcome = "missing"
				return nil
			}
			if err != nil {
				return err
			}
			if !cert.Live() {
				outcome = "skipped"
				return nil
			}
			now := i.now()
			if err := revokeCertificate(ctx, s, cert, actor.Note, now); err != nil {
				return err
			}
			entry := newAuditEntry(AuditCertificateRevoke, SourceAdmin, actor, cert.Key(), now)
			outcome = "revoked"
			return s.AppendAudit(ctx, entry)
		})
		if err != nil {
			i.log().Warn("certificate revocation failed", "certificate", id, "error", err)
			report.Failed = append(report.Failed, id)
			continue
		}
		switch outcome {
		case "missing":
			report.Missing = append(report.Missing, id)
		case "skipped":
			report.Skipped = append(report.Skipped, id)
		default:
			report.Revoked = append(report.Revoked, id)
		}
	}
	return report, nil
}

func revokeCertificate(ctx context.Context, s Store, cert *Certificate, reason string, now time.Time) error {
	cert.Status = CertificateRevoked
	cert.RevokedAt = timePtr(now)
	cert.RevokeReason = reason
	if err := s.PutCertificate(ctx, cert); err != nil {
		return fmt.Errorf("revoke certificate %s: %w", cert.ID, err)
	}
	return nil
}
