/*
Package sqlite provides a SQLite-backed implementation of progress.TxStore.

PURPOSE:
  Stores the engine's documents as JSON bodies next to the columns needed to
  address, filter and version them. In production, the same patterns apply to
  PostgreSQL (see store/gormstore).

INTERFACES IMPLEMENTED:
  progress.Store:   progress records, enrollment summaries, certificates, audit
  progress.TxStore: WithTx over a single database transaction

KEY TABLES:
  progress_records:  one row per (user_id, course_id), versioned
  enrollments:       one row per (user_id, course_id), versioned
  certificates:      id primary key, verification_code UNIQUE
  audit_log:         append-only, ordered by seq

OPTIMISTIC CONCURRENCY:
  Updates are conditional on the version column:
    UPDATE ... SET version = version + 1 WHERE user_id = ? AND course_id = ? AND version = ?
  Zero affected rows means another writer won: ErrTransactionConflict.
  Inserts (Version 0) that hit the primary key fail the same way.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single open connection, so an
  in-memory database is shared by every caller.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency.

USAGE:
  store, err := sqlite.New("./data/progress.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := progress.New(store, topologies, progress.Options{})

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - progress/store.go:        interface definitions
  - progress/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/progress-engine/progress"
)

// Store implements progress.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ progress.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS progress_records (
		user_id TEXT NOT NULL,
		course_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		revoked INTEGER NOT NULL DEFAULT 0,
		body TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, course_id)
	);

	CREATE INDEX IF NOT EXISTS idx_progress_course
		ON progress_records(course_id);

	CREATE TABLE IF NOT EXISTS enrollments (
		user_id TEXT NOT NULL,
		course_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		status TEXT NOT NULL,
		body TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, course_id)
	);

	CREATE TABLE IF NOT EXISTS certificates (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		course_id TEXT NOT NULL,
		verification_code TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		body TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_certificates_pair
		ON certificates(user_id, course_id);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		course_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		body TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_pair
		ON audit_log(user_id, course_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// docs implements progress.Store over a querier. Store wraps it with the
// mutex; txStore uses it directly inside WithTx.
type docs struct {
	q querier
}

// =============================================================================
// PROGRESS RECORDS
// =============================================================================

func (s *Store) GetProgress(ctx context.Context, key progress.PairKey) (*progress.ProgressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return docs{s.db}.GetProgress(ctx, key)
}

func (s *Store) PutProgress(ctx context.Context, rec *progress.ProgressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return docs{s.db}.PutProgress(ctx, rec)
}

func (s *Store) ListProgress(ctx context.Context, filter progress.ProgressFilter) ([]progress.PairKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return docs{s.db}.ListProgress(ctx, filter)
}

func (d docs) GetProgress(ctx context.Context, key progress.PairKey) (*progress.ProgressRecord, error) {
	var (
		version int64
		body    string
	)
	err := d.q.QueryRowContext(ctx,
		`SELECT version, body FROM progress_records WHERE user_id = ? AND course_id = ?`,
		key.UserID, key.CourseID,
	).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, progress.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load progress record: %w", err)
	}

	var rec progress.ProgressRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode progress record %s: %w", key, err)
	}
	rec.Version = version
	rec.Normalize()
	return &rec, nil
}

func (d docs) PutProgress(ctx context.Context, rec *progress.ProgressRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode progress record: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if rec.Version == 0 {
		_, err = d.q.ExecContext(ctx, `
			INSERT INTO progress_records (user_id, course_id, version, completed, revoked, body, updated_at)
			VALUES (?, ?, 1, ?, ?, ?, ?)`,
			rec.UserID, rec.CourseID, rec.Completed, rec.Revoked, string(body), now,
		)
		if isUniqueConstraintError(err) {
			return progress.ErrTransactionConflict
		}
		if err != nil {
			return fmt.Errorf("failed to insert progress record: %w", err)
		}
		rec.Version = 1
		return nil
	}

	res, err := d.q.ExecContext(ctx, `
		UPDATE progress_records
		SET version = version + 1, completed = ?, revoked = ?, body = ?, updated_at = ?
		WHERE user_id = ? AND course_id = ? AND version = ?`,
		rec.Completed, rec.Revoked, string(body), now,
		rec.UserID, rec.CourseID, rec.Version,
	)
	if err := checkUpdated(res, err); err != nil {
		return err
	}
	rec.Version++
	return nil
}

func (d docs) ListProgress(ctx context.Context, filter progress.ProgressFilter) ([]progress.PairKey, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.CourseID != "" {
		where = append(where, "course_id = ?")
		args = append(args, filter.CourseID)
	}
	if filter.Completed != nil {
		where = append(where, "completed = ?")
		args = append(args, *filter.Completed)
	}
	query := "SELECT user_id, course_id FROM progress_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := d.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress records: %w", err)
	}
	defer rows.Close()

	var keys []progress.PairKey
	for rows.Next() {
		var k progress.PairKey
		if err := rows.Scan(&k.UserID, &k.CourseID); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID() < keys[j].ID() })
	return keys, rows.Err()
}

// =============================================================================
// ENROLLMENT SUMMARIES
// =============================================================================

func (s *Store) GetEnrollment(ctx context.Context, key progress.PairKey) (*progress.EnrollmentSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return docs{s.db}.GetEnrollment(ctx, key)
}

func (s *Store) PutEnrollment(ctx context.Context, sum *progress.EnrollmentSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return docs{s.db}.PutEnrollment(ctx, sum)
}

func (s *Store) ListEnrollments(ctx context.Context, userID progress.UserID) ([]*progress.EnrollmentSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return docs{s.db}.ListEnrollments(ctx, userID)
}

func (d docs) GetEnrollment(ctx context.Context, key progress.PairKey) (*progress.EnrollmentSummary, error) {
	var (
		version int64
		body    string
	)
	err := d.q.QueryRowContext(ctx,
		`SELECT version, body FROM enrollments WHERE user_id = ? AND course_id = ?`,
		key.UserID, key.CourseID,
	).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, progress.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollment: %w", err)
	}
	return decodeEnrollment(version, body)
}

func decodeEnrollment(version int64, body string) (*progress.EnrollmentSummary, error) {
	var sum progress.EnrollmentSummary
	if err := json.Unmarshal([]byte(body), &sum); err != nil {
		return nil, fmt.Errorf("failed to decode enrollment: %w", err)
	}
	sum.Version = version
	if sum.CompletedLessons == nil {
		sum.CompletedLessons = progress.NewSet[progress.LessonKey]()
	}
	return &sum, nil
}

func (d docs) PutEnrollment(ctx context.Context, sum *progress.EnrollmentSummary) error {
	body, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("failed to encode enrollment: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if sum.Version == 0 {
		_, err = d.q.ExecContext(ctx, `
			INSERT INTO enrollments (user_id, course_id, version, status, body, updated_at)
			VALUES (?, ?, 1, ?, ?, ?)`,
			sum.UserID, sum.CourseID, sum.Status, string(body), now,
		)
		if isUniqueConstraintError(err) {
			return progress.ErrTransactionConflict
		}
		if err != nil {
			return fmt.Errorf("failed to insert enrollment: %w", err)
		}
		sum.Version = 1
		return nil
	}

	res, err := d.q.ExecContext(ctx, `
		UPDATE enrollments
		SET version = version + 1, status = ?, body = ?, updated_at = ?
		WHERE user_id = ? AND course_id = ? AND version = ?`,
		sum.Status, string(body), now,
		sum.UserID, sum.CourseID, sum.Version,
	)
	if err := checkUpdated(res, err); err != nil {
		return err
	}
	sum.Version++
	return nil
}

func (d docs) ListEnrollments(ctx context.Context, userID progress.UserID) ([]*progress.EnrollmentSummary, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT version, body FROM enrollments WHERE user_id = ? ORDER BY course_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	defer rows.Close()

	var out []*progress.EnrollmentSummary
	for rows.Next() {
		var (
			version int64
			body    string
		)
		if err := rows.Scan(&version, &body); err != nil {
			return nil, err
		}
		sum, err := decodeEnrollment(version, body)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// DeleteEnrollment removes a summary row. Used by tooling to simulate drift.
func (s *Store) DeleteEnrollment(ctx context.Context, key progress.PairKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM enrollments WHERE user_id = ? AND course_id = ?`, key.UserID, key.CourseID)
	return err
}

// =============================================================================
// CERTIFICATES
// =============================================================================

func (s *Store) CreateCertificate(ctx context.Context, cert *progress.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return docs{s.db}.CreateCertificate(ctx, cert)
}

func (s *Store) PutCertificate(ctx context.Context, cert *progress.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return docs{s.db}.PutCertificate(ctx, cert)
}

func (s *Store) GetCertificate(ctx context.Context, id string) (*progress.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return docs{s.db}.GetCertificate(ctx, id)
}

func (s *Store) CertificateByCode(ctx context.Context, code string) (*progress.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return docs{s.db}.CertificateByCode(ctx, code)
}

func (s *Store) ListCertificates(ctx context.Context, filter progress.CertificateFilter) ([]*progress.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return docs{s.db}.ListCertificates(ctx, filter)
}

func (d docs) CreateCertificate(ctx context.Context, cert *progress.Certificate) error {
	body, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("failed to encode certificate: %w", err)
	}
	_, err = d.q.ExecContext(ctx, `
		INSERT INTO certificates (id, user_id, course_id, verification_code, status, body)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cert.ID, cert.UserID, cert.CourseID, cert.VerificationCode, cert.Status, string(body),
	)
	if isUniqueConstraintError(err) {
		return progress.ErrTransactionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert certificate: %w", err)
	}
	return nil
}

func (d docs) PutCertificate(ctx context.Context, cert *progress.Certificate) error {
	body, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("failed to encode certificate: %w", err)
	}
	res, err := d.q.ExecContext(ctx, `
		UPDATE certificates SET verification_code = ?, status = ?, body = ? WHERE id = ?`,
		cert.VerificationCode, cert.Status, string(body), cert.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return progress.ErrTransactionConflict
		}
		return fmt.Errorf("failed to update certificate: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return progress.ErrNotFound
	}
	return nil
}

func (d docs) GetCertificate(ctx context.Context, id string) (*progress.Certificate, error) {
	return d.oneCertificate(ctx, `SELECT body FROM certificates WHERE id = ?`, id)
}

func (d docs) CertificateByCode(ctx context.Context, code string) (*progress.Certificate, error) {
	return d.oneCertificate(ctx, `SELECT body FROM certificates WHERE verification_code = ?`, code)
}

func (d docs) oneCertificate(ctx context.Context, query string, arg string) (*progress.Certificate, error) {
	var body string
	err := d.q.QueryRowContext(ctx, query, arg).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, progress.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	var cert progress.Certificate
	if err := json.Unmarshal([]byte(body), &cert); err != nil {
		return nil, fmt.Errorf("failed to decode certificate: %w", err)
	}
	return &cert, nil
}

func (d docs) ListCertificates(ctx context.Context, filter progress.CertificateFilter) ([]*progress.Certificate, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.CourseID != "" {
		where = append(where, "course_id = ?")
		args = append(args, filter.CourseID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	query := "SELECT body FROM certificates"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := d.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	defer rows.Close()

	var out []*progress.Certificate
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var cert progress.Certificate
		if err := json.Unmarshal([]byte(body), &cert); err != nil {
			return nil, fmt.Errorf("failed to decode certificate: %w", err)
		}
		out = append(out, &cert)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssueDate.Equal(out[j].IssueDate) {
			return out[i].IssueDate.Before(out[j].IssueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, rows.Err()
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, entry progress.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return docs{s.db}.AppendAudit(ctx, entry)
}

func (s *Store) QueryAudit(ctx context.Context, filter progress.AuditFilter) ([]progress.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return docs{s.db}.QueryAudit(ctx, filter)
}

func (d docs) AppendAudit(ctx context.Context, entry progress.AuditEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	_, err = d.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, user_id, course_id, actor_id, action, body)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.CourseID, entry.ActorID, entry.Action, string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// QueryAudit narrows by pair and actor in SQL; actions and the time window
// are applied on the decoded entries.
func (d docs) QueryAudit(ctx context.Context, filter progress.AuditFilter) ([]progress.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.CourseID != "" {
		where = append(where, "course_id = ?")
		args = append(args, filter.CourseID)
	}
	if filter.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	query := "SELECT body FROM audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"

	rows, err := d.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []progress.AuditEntry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e progress.AuditEntry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("failed to decode audit entry: %w", err)
		}
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (progress.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. Reads and writes
// made through the view go through the same *sql.Tx.
func (s *Store) WithTx(ctx context.Context, fn func(store progress.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(docs{sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"audit_log", "certificates", "enrollments", "progress_records"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// checkUpdated maps a version-guarded UPDATE that touched no row to a conflict.
func checkUpdated(res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return progress.ErrTransactionConflict
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
