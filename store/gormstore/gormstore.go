/*
Package gormstore provides a PostgreSQL implementation of progress.TxStore
built on GORM.

PURPOSE:
  Production store. Documents are kept as JSONB bodies next to the columns
  used for addressing, filtering and versioning, mirroring store/sqlite.

CONCURRENCY:
  WithTx runs inside db.Transaction. Progress and enrollment reads made
  through the transactional view take a row lock (SELECT ... FOR UPDATE), so
  two transactions on the same pair queue instead of racing. Writes are still
  version-guarded; a stale write returns ErrTransactionConflict.

SEE ALSO:
  - store/sqlite:   same schema on SQLite
  - progress/store.go: interface definitions
*/
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/warp/progress-engine/progress"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

// =============================================================================
// MODELS
// =============================================================================

type progressRow struct {
	UserID    string         `gorm:"column:user_id;primaryKey"`
	CourseID  string         `gorm:"column:course_id;primaryKey;index"`
	Version   int64          `gorm:"column:version;not null"`
	Completed bool           `gorm:"column:completed;not null;default:false;index"`
	Revoked   bool           `gorm:"column:revoked;not null;default:false"`
	Body      datatypes.JSON `gorm:"column:body;type:jsonb;not null"`
	UpdatedAt time.Time      `gorm:"column:updated_at;not null"`
}

func (progressRow) TableName() string { return "progress_records" }

type enrollmentRow struct {
	UserID    string         `gorm:"column:user_id;primaryKey"`
	CourseID  string         `gorm:"column:course_id;primaryKey"`
	Version   int64          `gorm:"column:version;not null"`
	Status    string         `gorm:"column:status;not null;index"`
	Body      datatypes.JSON `gorm:"column:body;type:jsonb;not null"`
	UpdatedAt time.Time      `gorm:"column:updated_at;not null"`
}

func (enrollmentRow) TableName() string { return "enrollments" }

type certificateRow struct {
	ID               string         `gorm:"column:id;primaryKey"`
	UserID           string         `gorm:"column:user_id;not null;index:idx_certificates_pair"`
	CourseID         string         `gorm:"column:course_id;not null;index:idx_certificates_pair"`
	VerificationCode string         `gorm:"column:verification_code;not null;uniqueIndex"`
	Status           string         `gorm:"column:status;not null"`
	Body             datatypes.JSON `gorm:"column:body;type:jsonb;not null"`
}

func (certificateRow) TableName() string { return "certificates" }

type auditRow struct {
	Seq      uint64         `gorm:"column:seq;primaryKey;autoIncrement"`
	ID       string         `gorm:"column:id;not null;uniqueIndex"`
	UserID   string         `gorm:"column:user_id;not null;index:idx_audit_pair"`
	CourseID string         `gorm:"column:course_id;not null;index:idx_audit_pair"`
	ActorID  string         `gorm:"column:actor_id;not null"`
	Action   string         `gorm:"column:action;not null"`
	Body     datatypes.JSON `gorm:"column:body;type:jsonb;not null"`
}

func (auditRow) TableName() string { return "audit_log" }

// =============================================================================
// STORE
// =============================================================================

// Store implements progress.TxStore on PostgreSQL.
type Store struct {
	view
}

var _ progress.TxStore = (*Store)(nil)

// Open connects to PostgreSQL and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return New(db)
}

// New wraps an open connection and migrates the schema. The connection must
// be opened with TranslateError so duplicate keys surface as conflicts.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&progressRow{}, &enrollmentRow{}, &certificateRow{}, &auditRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{view{db: db}}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(progress.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(view{db: tx, lock: true})
	})
}

// view implements progress.Store over a *gorm.DB that may be a transaction.
type view struct {
	db   *gorm.DB
	lock bool
}

func (v view) q(ctx context.Context) *gorm.DB {
	db := v.db.WithContext(ctx)
	if v.lock {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

// =============================================================================
// PROGRESS RECORDS
// =============================================================================

func (v view) GetProgress(ctx context.Context, key progress.PairKey) (*progress.ProgressRecord, error) {
	var row progressRow
	err := v.q(ctx).Where("user_id = ? AND course_id = ?", key.UserID, key.CourseID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, progress.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load progress record: %w", err)
	}
	var rec progress.ProgressRecord
	if err := json.Unmarshal(row.Body, &rec); err != nil {
		return nil, fmt.Errorf("decode progress record %s: %w", key, err)
	}
	rec.Version = row.Version
	rec.Normalize()
	return &rec, nil
}

func (v view) PutProgress(ctx context.Context, rec *progress.ProgressRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode progress record: %w", err)
	}
	now := time.Now().UTC()

	if rec.Version == 0 {
		row := progressRow{
			UserID:    string(rec.UserID),
			CourseID:  string(rec.CourseID),
			Version:   1,
			Completed: rec.Completed,
			Revoked:   rec.Revoked,
			Body:      datatypes.JSON(body),
			UpdatedAt: now,
		}
		if err := v.db.WithContext(ctx).Create(&row).Error; err != nil {
			return insertErr("progress record", err)
		}
		rec.Version = 1
		return nil
	}

	res := v.db.WithContext(ctx).Model(&progressRow{}).
		Where("user_id = ? AND course_id = ? AND version = ?", rec.UserID, rec.CourseID, rec.Version).
		Updates(map[string]any{
			"version":    gorm.Expr("version + 1"),
			"completed":  rec.Completed,
			"revoked":    rec.Revoked,
			"body":       datatypes.JSON(body),
			"updated_at": now,
		})
	if err := guarded(res); err != nil {
		return err
	}
	rec.Version++
	return nil
}

func (v view) ListProgress(ctx context.Context, filter progress.ProgressFilter) ([]progress.PairKey, error) {
	q := v.db.WithContext(ctx).Model(&progressRow{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.CourseID != "" {
		q = q.Where("course_id = ?", filter.CourseID)
	}
	if filter.Completed != nil {
		q = q.Where("completed = ?", *filter.Completed)
	}
	var rows []progressRow
	if err := q.Select("user_id", "course_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list progress records: %w", err)
	}
	keys := make([]progress.PairKey, len(rows))
	for i, r := range rows {
		keys[i] = progress.Pair(progress.UserID(r.UserID), progress.CourseID(r.CourseID))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID() < keys[j].ID() })
	return keys, nil
}

// =============================================================================
// ENROLLMENT SUMMARIES
// =============================================================================

func (v view) GetEnrollment(ctx context.Context, key progress.PairKey) (*progress.EnrollmentSummary, error) {
	var row enrollmentRow
	err := v.q(ctx).Where("user_id = ? AND course_id = ?", key.UserID, key.CourseID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, progress.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load enrollment: %w", err)
	}
	return decodeEnrollment(row)
}

func decodeEnrollment(row enrollmentRow) (*progress.EnrollmentSummary, error) {
	var sum progress.EnrollmentSummary
	if err := json.Unmarshal(row.Body, &sum); err != nil {
		return nil, fmt.Errorf("decode enrollment: %w", err)
	}
	sum.Version = row.Version
	if sum.CompletedLessons == nil {
		sum.CompletedLessons = progress.NewSet[progress.LessonKey]()
	}
	return &sum, nil
}

func (v view) PutEnrollment(ctx context.Context, sum *progress.EnrollmentSummary) error {
	body, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encode enrollment: %w", err)
	}
	now := time.Now().UTC()

	if sum.Version == 0 {
		row := enrollmentRow{
			UserID:    string(sum.UserID),
			CourseID:  string(sum.CourseID),
			Version:   1,
			Status:    string(sum.Status),
			Body:      datatypes.JSON(body),
			UpdatedAt: now,
		}
		if err := v.db.WithContext(ctx).Create(&row).Error; err != nil {
			return insertErr("enrollment", err)
		}
		sum.Version = 1
		return nil
	}

	res := v.db.WithContext(ctx).Model(&enrollmentRow{}).
		Where("user_id = ? AND course_id = ? AND version = ?", sum.UserID, sum.CourseID, sum.Version).
		Updates(map[string]any{
			"version":    gorm.Expr("version + 1"),
			"status":     string(sum.Status),
			"body":       datatypes.JSON(body),
			"updated_at": now,
		})
	if err := guarded(res); err != nil {
		return err
	}
	sum.Version++
	return nil
}

func (v view) ListEnrollments(ctx context.Context, userID progress.UserID) ([]*progress.EnrollmentSummary, error) {
	var rows []enrollmentRow
	err := v.db.WithContext(ctx).Where("user_id = ?", userID).Order("course_id ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	out := make([]*progress.EnrollmentSummary, 0, len(rows))
	for _, r := range rows {
		sum, err := decodeEnrollment(r)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

// =============================================================================
// CERTIFICATES
// =============================================================================

func (v view) CreateCertificate(ctx context.Context, cert *progress.Certificate) error {
	row, err := certRow(cert)
	if err != nil {
		return err
	}
	if err := v.db.WithContext(ctx).Create(&row).Error; err != nil {
		return insertErr("certificate", err)
	}
	return nil
}

func (v view) PutCertificate(ctx context.Context, cert *progress.Certificate) error {
	row, err := certRow(cert)
	if err != nil {
		return err
	}
	res := v.db.WithContext(ctx).Model(&certificateRow{}).Where("id = ?", cert.ID).
		Updates(map[string]any{
			"verification_code": row.VerificationCode,
			"status":            row.Status,
			"body":              row.Body,
		})
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return progress.ErrTransactionConflict
		}
		return fmt.Errorf("update certificate: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return progress.ErrNotFound
	}
	return nil
}

func certRow(cert *progress.Certificate) (certificateRow, error) {
	body, err := json.Marshal(cert)
	if err != nil {
		return certificateRow{}, fmt.Errorf("encode certificate: %w", err)
	}
	return certificateRow{
		ID:               cert.ID,
		UserID:           string(cert.UserID),
		CourseID:         string(cert.CourseID),
		VerificationCode: cert.VerificationCode,
		Status:           string(cert.Status),
		Body:             datatypes.JSON(body),
	}, nil
}

func (v view) GetCertificate(ctx context.Context, id string) (*progress.Certificate, error) {
	return v.oneCertificate(ctx, "id = ?", id)
}

func (v view) CertificateByCode(ctx context.Context, code string) (*progress.Certificate, error) {
	return v.oneCertificate(ctx, "verification_code = ?", code)
}

func (v view) oneCertificate(ctx context.Context, where string, arg string) (*progress.Certificate, error) {
	var row certificateRow
	err := v.db.WithContext(ctx).Where(where, arg).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, progress.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	var cert progress.Certificate
	if err := json.Unmarshal(row.Body, &cert); err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	return &cert, nil
}

func (v view) ListCertificates(ctx context.Context, filter progress.CertificateFilter) ([]*progress.Certificate, error) {
	q := v.db.WithContext(ctx).Model(&certificateRow{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.CourseID != "" {
		q = q.Where("course_id = ?", filter.CourseID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	var rows []certificateRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	out := make([]*progress.Certificate, 0, len(rows))
	for _, r := range rows {
		var cert progress.Certificate
		if err := json.Unmarshal(r.Body, &cert); err != nil {
			return nil, fmt.Errorf("decode certificate: %w", err)
		}
		out = append(out, &cert)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssueDate.Equal(out[j].IssueDate) {
			return out[i].IssueDate.Before(out[j].IssueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (v view) AppendAudit(ctx context.Context, entry progress.AuditEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	row := auditRow{
		ID:       entry.ID,
		UserID:   string(entry.UserID),
		CourseID: string(entry.CourseID),
		ActorID:  entry.ActorID,
		Action:   string(entry.Action),
		Body:     datatypes.JSON(body),
	}
	if err := v.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (v view) QueryAudit(ctx context.Context, filter progress.AuditFilter) ([]progress.AuditEntry, error) {
	q := v.db.WithContext(ctx).Model(&auditRow{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.CourseID != "" {
		q = q.Where("course_id = ?", filter.CourseID)
	}
	if filter.ActorID != "" {
		q = q.Where("actor_id = ?", filter.ActorID)
	}
	if len(filter.Actions) > 0 {
		actions := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actions[i] = string(a)
		}
		q = q.Where("action IN ?", actions)
	}
	var rows []auditRow
	if err := q.Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	var out []progress.AuditEntry
	for _, r := range rows {
		var e progress.AuditEntry
		if err := json.Unmarshal(r.Body, &e); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func insertErr(what string, err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return progress.ErrTransactionConflict
	}
	return fmt.Errorf("insert %s: %w", what, err)
}

// guarded maps a version-guarded update that touched no row to a conflict.
func guarded(res *gorm.DB) error {
	if res.Error != nil {
		return fmt.Errorf("update document: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return progress.ErrTransactionConflict
	}
	return nil
}
