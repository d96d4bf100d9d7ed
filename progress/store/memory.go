// Package store provides an in-memory progress.TxStore.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/progress-engine/progress"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps documents in maps guarded by one RWMutex. Documents are cloned
// on the way in and out so callers never share state with the store.
type Memory struct {
	mu sync.RWMutex
	st *state
}

type state struct {
	progress     map[progress.PairKey]*progress.ProgressRecord
	enrollments  map[progress.PairKey]*progress.EnrollmentSummary
	certificates map[string]*progress.Certificate
	codes        map[string]string // verification code → certificate id
	audit        []progress.AuditEntry
}

func newState() *state {
	return &state{
		progress:     make(map[progress.PairKey]*progress.ProgressRecord),
		enrollments:  make(map[progress.PairKey]*progress.EnrollmentSummary),
		certificates: make(map[string]*progress.Certificate),
		codes:        make(map[string]string),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

var _ progress.TxStore = (*Memory)(nil)

// =============================================================================
// PROGRESS RECORDS
// =============================================================================

func (m *Memory) GetProgress(_ context.Context, key progress.PairKey) (*progress.ProgressRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getProgress(key)
}

func (m *Memory) PutProgress(_ context.Context, rec *progress.ProgressRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.putProgress(rec)
}

func (m *Memory) ListProgress(_ context.Context, filter progress.ProgressFilter) ([]progress.PairKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listProgress(filter), nil
}

func (s *state) getProgress(key progress.PairKey) (*progress.ProgressRecord, error) {
	rec, ok := s.progress[key]
	if !ok {
		return nil, progress.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *state) putProgress(rec *progress.ProgressRecord) error {
	key := rec.Key()
	stored, exists := s.progress[key]
	var storedVersion int64
	if exists {
		storedVersion = stored.Version
	}
	if err := checkVersion(exists, storedVersion, rec.Version); err != nil {
		return err
	}
	rec.Version++
	s.progress[key] = rec.Clone()
	return nil
}

func (s *state) listProgress(filter progress.ProgressFilter) []progress.PairKey {
	var keys []progress.PairKey
	for key, rec := range s.progress {
		if filter.Match(rec) {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID() < keys[j].ID() })
	return keys
}

// checkVersion enforces optimistic concurrency: version 0 inserts, anything
// else must match the stored version.
func checkVersion(exists bool, stored, incoming int64) error {
	if incoming == 0 {
		if exists {
			return progress.ErrTransactionConflict
		}
		return nil
	}
	if !exists || stored != incoming {
		return progress.ErrTransactionConflict
	}
	return nil
}

// =============================================================================
// ENROLLMENT SUMMARIES
// =============================================================================

func (m *Memory) GetEnrollment(_ context.Context, key progress.PairKey) (*progress.EnrollmentSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getEnrollment(key)
}

func (m *Memory) PutEnrollment(_ context.Context, sum *progress.EnrollmentSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.putEnrollment(sum)
}

func (m *Memory) ListEnrollments(_ context.Context, userID progress.UserID) ([]*progress.EnrollmentSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listEnrollments(userID), nil
}

// DeleteEnrollment drops a summary. Used to simulate drift in tests and
// tooling; the engine never deletes.
func (m *Memory) DeleteEnrollment(key progress.PairKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.st.enrollments, key)
}

func (s *state) getEnrollment(key progress.PairKey) (*progress.EnrollmentSummary, error) {
	sum, ok := s.enrollments[key]
	if !ok {
		return nil, progress.ErrNotFound
	}
	return sum.Clone(), nil
}

func (s *state) putEnrollment(sum *progress.EnrollmentSummary) error {
	key := sum.Key()
	stored, exists := s.enrollments[key]
	var storedVersion int64
	if exists {
		storedVersion = stored.Version
	}
	if err := checkVersion(exists, storedVersion, sum.Version); err != nil {
		return err
	}
	sum.Version++
	s.enrollments[key] = sum.Clone()
	return nil
}

func (s *state) listEnrollments(userID progress.UserID) []*progress.EnrollmentSummary {
	var out []*progress.EnrollmentSummary
	for key, sum := range s.enrollments {
		if key.UserID == userID {
			out = append(out, sum.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CourseID < out[j].CourseID })
	return out
}

// =============================================================================
// CERTIFICATES
// =============================================================================

func (m *Memory) CreateCertificate(_ context.Context, cert *progress.Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createCertificate(cert)
}

func (m *Memory) PutCertificate(_ context.Context, cert *progress.Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.putCertificate(cert)
}

func (m *Memory) GetCertificate(_ context.Context, id string) (*progress.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getCertificate(id)
}

func (m *Memory) CertificateByCode(_ context.Context, code string) (*progress.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.certificateByCode(code)
}

func (m *Memory) ListCertificates(_ context.Context, filter progress.CertificateFilter) ([]*progress.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listCertificates(filter), nil
}

func cloneCert(c *progress.Certificate) *progress.Certificate {
	out := *c
	out.Artifacts = append([]progress.ArtifactLocation(nil), c.Artifacts...)
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		out.RevokedAt = &t
	}
	return &out
}

func (s *state) createCertificate(cert *progress.Certificate) error {
	if _, ok := s.certificates[cert.ID]; ok {
		return progress.ErrTransactionConflict
	}
	if _, ok := s.codes[cert.VerificationCode]; ok {
		return progress.ErrTransactionConflict
	}
	s.certificates[cert.ID] = cloneCert(cert)
	s.codes[cert.VerificationCode] = cert.ID
	return nil
}

func (s *state) putCertificate(cert *progress.Certificate) error {
	stored, ok := s.certificates[cert.ID]
	if !ok {
		return progress.ErrNotFound
	}
	if stored.VerificationCode != cert.VerificationCode {
		delete(s.codes, stored.VerificationCode)
		s.codes[cert.VerificationCode] = cert.ID
	}
	s.certificates[cert.ID] = cloneCert(cert)
	return nil
}

func (s *state) getCertificate(id string) (*progress.Certificate, error) {
	c, ok := s.certificates[id]
	if !ok {
		return nil, progress.ErrNotFound
	}
	return cloneCert(c), nil
}

func (s *state) certificateByCode(code string) (*progress.Certificate, error) {
	id, ok := s.codes[code]
	if !ok {
		return nil, progress.ErrNotFound
	}
	return s.getCertificate(id)
}

func (s *state) listCertificates(filter progress.CertificateFilter) []*progress.Certificate {
	var out []*progress.Certificate
	for _, c := range s.certificates {
		if filter.Match(c) {
			out = append(out, cloneCert(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssueDate.Equal(out[j].IssueDate) {
			return out[i].IssueDate.Before(out[j].IssueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry progress.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.audit = append(m.st.audit, entry)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, filter progress.AuditFilter) ([]progress.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.queryAudit(filter), nil
}

func (s *state) queryAudit(filter progress.AuditFilter) []progress.AuditEntry {
	var out []progress.AuditEntry
	for _, e := range s.audit {
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction. The store is locked for the
// duration; on error the state snapshot taken at the start is restored.
func (m *Memory) WithTx(ctx context.Context, fn func(progress.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.snapshot()
	if err := fn(&txView{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (s *state) snapshot() *state {
	c := newState()
	for k, v := range s.progress {
		c.progress[k] = v.Clone()
	}
	for k, v := range s.enrollments {
		c.enrollments[k] = v.Clone()
	}
	for k, v := range s.certificates {
		c.certificates[k] = cloneCert(v)
	}
	for k, v := range s.codes {
		c.codes[k] = v
	}
	c.audit = append([]progress.AuditEntry(nil), s.audit...)
	return c
}

// txView operates on the locked state without taking the lock again.
type txView struct {
	st *state
}

func (tv *txView) GetProgress(_ context.Context, key progress.PairKey) (*progress.ProgressRecord, error) {
	return tv.st.getProgress(key)
}

func (tv *txView) PutProgress(_ context.Context, rec *progress.ProgressRecord) error {
	return tv.st.putProgress(rec)
}

func (tv *txView) ListProgress(_ context.Context, filter progress.ProgressFilter) ([]progress.PairKey, error) {
	return tv.st.listProgress(filter), nil
}

func (tv *txView) GetEnrollment(_ context.Context, key progress.PairKey) (*progress.EnrollmentSummary, error) {
	return tv.st.getEnrollment(key)
}

func (tv *txView) PutEnrollment(_ context.Context, sum *progress.EnrollmentSummary) error {
	return tv.st.putEnrollment(sum)
}

func (tv *txView) ListEnrollments(_ context.Context, userID progress.UserID) ([]*progress.EnrollmentSummary, error) {
	return tv.st.listEnrollments(userID), nil
}

func (tv *txView) CreateCertificate(_ context.Context, cert *progress.Certificate) error {
	return tv.st.createCertificate(cert)
}

func (tv *txView) PutCertificate(_ context.Context, cert *progress.Certificate) error {
	return tv.st.putCertificate(cert)
}

func (tv *txView) GetCertificate(_ context.Context, id string) (*progress.Certificate, error) {
	return tv.st.getCertificate(id)
}

func (tv *txView) CertificateByCode(_ context.Context, code string) (*progress.Certificate, error) {
	return tv.st.certificateByCode(code)
}

func (tv *txView) ListCertificates(_ context.Context, filter progress.CertificateFilter) ([]*progress.Certificate, error) {
	return tv.st.listCertificates(filter), nil
}

func (tv *txView) AppendAudit(_ context.Context, entry progress.AuditEntry) error {
	tv.st.audit = append(tv.st.audit, entry)
	return nil
}

func (tv *txView) QueryAudit(_ context.Context, filter progress.AuditFilter) ([]progress.AuditEntry, error) {
	return tv.st.queryAudit(filter), nil
}
