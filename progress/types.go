/*
Package progress provides the course progress consistency engine.

PURPOSE:
  Tracks a learner's progress through a course (course → modules → lessons),
  derives a completion percentage, issues certificates on completion and
  applies administrative overrides. Two documents describe the same fact:

    ProgressRecord     canonical, fine-grained (per-lesson, per-module state)
    EnrollmentSummary  denormalized, coarse (status + percentage for lists)

  Every mutation path updates both, or leaves a state the Reconciler repairs
  without duplicate side effects.

KEY CONCEPTS IN THIS FILE (types.go):
  - Identifiers: UserID, CourseID, ModuleID, LessonID, LessonKey, PairKey
  - Set: string set with deterministic JSON encoding
  - ProgressRecord / EnrollmentSummary / Certificate documents
  - AuditEntry: typed override trail (no open maps)

DERIVED FIELDS:
  ProgressRecord.OverallProgress and ProgressRecord.Completed are never set by
  callers. They are recomputed by the Completion Calculator on every learner
  event, or pinned by an admin override (ForceCompleted, reset).

SEE ALSO:
  - calculator.go: Completion Calculator
  - mutator.go:    learner events, enroll/unenroll
  - certificate.go: Certificate Issuer
  - admin.go:      Admin Override Engine
  - reconcile.go:  Reconciliation Job
*/
package progress

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	UserID   string
	CourseID string
	ModuleID string
	LessonID string
)

// LessonKey identifies a lesson within a course as "moduleId_lessonId".
type LessonKey string

func NewLessonKey(moduleID ModuleID, lessonID LessonID) LessonKey {
	return LessonKey(string(moduleID) + "_" + string(lessonID))
}

// PairKey addresses the (user, course) pair that owns one ProgressRecord and
// one EnrollmentSummary.
type PairKey struct {
	UserID   UserID   `json:"userId"`
	CourseID CourseID `json:"courseId"`
}

func Pair(userID UserID, courseID CourseID) PairKey {
	return PairKey{UserID: userID, CourseID: courseID}
}

// ID is the composite document identifier.
func (k PairKey) ID() string {
	return string(k.UserID) + "_" + string(k.CourseID)
}

func (k PairKey) String() string { return k.ID() }

func (k PairKey) Valid() bool {
	return strings.TrimSpace(string(k.UserID)) != "" && strings.TrimSpace(string(k.CourseID)) != ""
}

// =============================================================================
// SET
// =============================================================================

// Set is an unordered set of string-like values. It encodes to JSON as a
// sorted array so stored documents are byte-stable.
type Set[T ~string] map[T]struct{}

func NewSet[T ~string](items ...T) Set[T] {
	s := make(Set[T], len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func (s Set[T]) Has(v T) bool {
	_, ok := s[v]
	return ok
}

func (s Set[T]) Add(v T) { s[v] = struct{}{} }

func (s Set[T]) Remove(v T) { delete(s, v) }

func (s Set[T]) Len() int { return len(s) }

// Sorted returns the members in ascending order.
func (s Set[T]) Sorted() []T {
	out := make([]T, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s Set[T]) Clone() Set[T] {
	out := make(Set[T], len(s))
	for v := range s {
		out[v] = struct{}{}
	}
	return out
}

// Equal reports whether both sets hold the same members. Nil and empty sets
// are equal.
func (s Set[T]) Equal(o Set[T]) bool {
	if len(s) != len(o) {
		return false
	}
	for v := range s {
		if !o.Has(v) {
			return false
		}
	}
	return true
}

func (s Set[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *Set[T]) UnmarshalJSON(data []byte) error {
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = NewSet(items...)
	return nil
}

// =============================================================================
// COURSE TOPOLOGY (external, read-only)
// =============================================================================

type Topology struct {
	CourseID   CourseID `json:"courseId"`
	CourseName string   `json:"courseName"`
	Modules    []Module `json:"modules"`
}

type Module struct {
	ID      ModuleID `json:"id"`
	Title   string   `json:"title,omitempty"`
	Lessons []Lesson `json:"lessons"`
}

type Lesson struct {
	ID    LessonID `json:"id"`
	Title string   `json:"title,omitempty"`
}

// TotalLessons counts lessons across all modules.
func (t Topology) TotalLessons() int {
	n := 0
	for _, m := range t.Modules {
		n += len(m.Lessons)
	}
	return n
}

// Module returns the module with the given id.
func (t Topology) Module(id ModuleID) (Module, bool) {
	for _, m := range t.Modules {
		if m.ID == id {
			return m, true
		}
	}
	return Module{}, false
}

// LessonKeys returns the keys of a module's lessons, in topology order.
func (m Module) LessonKeys() []LessonKey {
	keys := make([]LessonKey, len(m.Lessons))
	for i, l := range m.Lessons {
		keys[i] = NewLessonKey(m.ID, l.ID)
	}
	return keys
}

// =============================================================================
// PROGRESS RECORD (canonical)
// =============================================================================

type LessonState struct {
	Completed      bool       `json:"completed"`
	Progress       int        `json:"progress"`
	CompletedDate  *time.Time `json:"completedDate,omitempty"`
	LastAccessDate time.Time  `json:"lastAccessDate"`
}

type ModuleState struct {
	Completed     bool       `json:"completed"`
	Progress      int        `json:"progress"`
	CompletedDate *time.Time `json:"completedDate,omitempty"`
}

type ProgressRecord struct {
	UserID     UserID   `json:"userId"`
	CourseID   CourseID `json:"courseId"`
	CourseName string   `json:"courseName"`

	StartDate      time.Time `json:"startDate"`
	LastAccessDate time.Time `json:"lastAccessDate"`

	CompletedLessons Set[LessonKey]            `json:"completedLessons"`
	CompletedModules Set[ModuleID]             `json:"completedModules"`
	LessonProgress   map[LessonKey]LessonState `json:"lessonProgress"`
	ModuleProgress   map[ModuleID]ModuleState  `json:"moduleProgress"`
	QuizScores       map[string]float64        `json:"quizScores"`
	QuizAttempts     map[string]int            `json:"quizAttempts"`

	// Derived.
	OverallProgress int        `json:"overallProgress"`
	Completed       bool       `json:"completed"`
	CompletedDate   *time.Time `json:"completedDate,omitempty"`

	// ForceCompleted pins OverallProgress at 100 until a reset or re-enrollment.
	ForceCompleted bool `json:"forceCompleted,omitempty"`

	CertificateID        string     `json:"certificateId,omitempty"`
	CertificateIssueDate *time.Time `json:"certificateIssueDate,omitempty"`

	// PreviousCertificates holds ids released by re-enrollment. Those
	// certificates stay valid credentials but are no longer this record's.
	PreviousCertificates []string `json:"previousCertificates,omitempty"`

	Revoked      bool        `json:"revoked"`
	LastOverride *AuditEntry `json:"lastOverride,omitempty"`

	// Version is the optimistic concurrency token; stores bump it on write.
	Version int64 `json:"version"`
}

// NewProgressRecord returns an empty record for a first enrollment.
func NewProgressRecord(key PairKey, courseName string, now time.Time) *ProgressRecord {
	return &ProgressRecord{
		UserID:           key.UserID,
		CourseID:         key.CourseID,
		CourseName:       courseName,
		StartDate:        now,
		LastAccessDate:   now,
		CompletedLessons: NewSet[LessonKey](),
		CompletedModules: NewSet[ModuleID](),
		LessonProgress:   make(map[LessonKey]LessonState),
		ModuleProgress:   make(map[ModuleID]ModuleState),
		QuizScores:       make(map[string]float64),
		QuizAttempts:     make(map[string]int),
	}
}

func (r *ProgressRecord) Key() PairKey { return Pair(r.UserID, r.CourseID) }

func (r *ProgressRecord) ownsCertificate(id string) bool {
	if r.CertificateID == id {
		return true
	}
	for _, prev := range r.PreviousCertificates {
		if prev == id {
			return true
		}
	}
	return false
}

// Normalize replaces nil collections with empty ones (documents decoded from
// older rows may lack them).
func (r *ProgressRecord) Normalize() {
	if r.CompletedLessons == nil {
		r.CompletedLessons = NewSet[LessonKey]()
	}
	if r.CompletedModules == nil {
		r.CompletedModules = NewSet[ModuleID]()
	}
	if r.LessonProgress == nil {
		r.LessonProgress = make(map[LessonKey]LessonState)
	}
	if r.ModuleProgress == nil {
		r.ModuleProgress = make(map[ModuleID]ModuleState)
	}
	if r.QuizScores == nil {
		r.QuizScores = make(map[string]float64)
	}
	if r.QuizAttempts == nil {
		r.QuizAttempts = make(map[string]int)
	}
}

// Clone returns a deep copy.
func (r *ProgressRecord) Clone() *ProgressRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.CompletedLessons = r.CompletedLessons.Clone()
	c.CompletedModules = r.CompletedModules.Clone()
	c.LessonProgress = make(map[LessonKey]LessonState, len(r.LessonProgress))
	for k, v := range r.LessonProgress {
		v.CompletedDate = cloneTime(v.CompletedDate)
		c.LessonProgress[k] = v
	}
	c.ModuleProgress = make(map[ModuleID]ModuleState, len(r.ModuleProgress))
	for k, v := range r.ModuleProgress {
		v.CompletedDate = cloneTime(v.CompletedDate)
		c.ModuleProgress[k] = v
	}
	c.QuizScores = make(map[string]float64, len(r.QuizScores))
	for k, v := range r.QuizScores {
		c.QuizScores[k] = v
	}
	c.QuizAttempts = make(map[string]int, len(r.QuizAttempts))
	for k, v := range r.QuizAttempts {
		c.QuizAttempts[k] = v
	}
	c.CompletedDate = cloneTime(r.CompletedDate)
	c.CertificateIssueDate = cloneTime(r.CertificateIssueDate)
	c.PreviousCertificates = append([]string(nil), r.PreviousCertificates...)
	if r.LastOverride != nil {
		o := *r.LastOverride
		c.LastOverride = &o
	}
	return &c
}

// =============================================================================
// ENROLLMENT SUMMARY (denormalized)
// =============================================================================

type EnrollmentStatus string

const (
	StatusActive    EnrollmentStatus = "active"
	StatusCompleted EnrollmentStatus = "completed"
	StatusInactive  EnrollmentStatus = "inactive"
	StatusRevoked   EnrollmentStatus = "revoked"
	StatusExpired   EnrollmentStatus = "expired"
	StatusSuspended EnrollmentStatus = "suspended"
)

func (s EnrollmentStatus) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusInactive, StatusRevoked, StatusExpired, StatusSuspended:
		return true
	}
	return false
}

// held reports statuses that are set administratively and cannot be derived
// from the progress record.
func (s EnrollmentStatus) held() bool {
	return s == StatusInactive || s == StatusExpired || s == StatusSuspended
}

// Provenance records who enrolled the learner in bulk.
type Provenance struct {
	TeamID    string `json:"teamId,omitempty"`
	CompanyID string `json:"companyId,omitempty"`
}

type EnrollmentSummary struct {
	UserID         UserID    `json:"userId"`
	CourseID       CourseID  `json:"courseId"`
	CourseName     string    `json:"courseName"`
	EnrolledAt     time.Time `json:"enrolledAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`

	Status           EnrollmentStatus `json:"status"`
	Progress         int              `json:"progress"`
	CompletedLessons Set[LessonKey]   `json:"completedLessons"`

	EnrolledBy   *Provenance `json:"enrolledBy,omitempty"`
	LastOverride *AuditEntry `json:"lastOverride,omitempty"`

	Version int64 `json:"version"`
}

func (e *EnrollmentSummary) Key() PairKey { return Pair(e.UserID, e.CourseID) }

func (e *EnrollmentSummary) Clone() *EnrollmentSummary {
	if e == nil {
		return nil
	}
	c := *e
	c.CompletedLessons = e.CompletedLessons.Clone()
	if e.EnrolledBy != nil {
		p := *e.EnrolledBy
		c.EnrolledBy = &p
	}
	if e.LastOverride != nil {
		o := *e.LastOverride
		c.LastOverride = &o
	}
	return &c
}

// =============================================================================
// CERTIFICATE
// =============================================================================

type CertificateStatus string

const (
	CertificateActive  CertificateStatus = "active"
	CertificateRevoked CertificateStatus = "revoked"
)

// ArtifactLocation points at a rendered artifact; owned by the renderer.
type ArtifactLocation struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

type Certificate struct {
	ID               string             `json:"id"`
	UserID           UserID             `json:"userId"`
	CourseID         CourseID           `json:"courseId"`
	CourseName       string             `json:"courseName"`
	UserName         string             `json:"userName"`
	IssueDate        time.Time          `json:"issueDate"`
	VerificationCode string             `json:"verificationCode"`
	Status           CertificateStatus  `json:"status"`
	TemplateID       string             `json:"templateId,omitempty"`
	Artifacts        []ArtifactLocation `json:"artifacts,omitempty"`
	RevokedAt        *time.Time         `json:"revokedAt,omitempty"`
	RevokeReason     string             `json:"revokeReason,omitempty"`
}

func (c *Certificate) Key() PairKey { return Pair(c.UserID, c.CourseID) }

func (c *Certificate) Live() bool { return c != nil && c.Status == CertificateActive }

// =============================================================================
// AUDIT ENTRY
// =============================================================================

type AuditAction string

const (
	AuditForceComplete     AuditAction = "force_complete"
	AuditResetProgress     AuditAction = "reset_progress"
	AuditRevokeEnrollment  AuditAction = "revoke_enrollment"
	AuditModuleComplete    AuditAction = "module_complete"
	AuditLessonComplete    AuditAction = "lesson_complete"
	AuditLessonReset       AuditAction = "lesson_reset"
	AuditCertificateRevoke AuditAction = "certificate_revoke"
)

type AuditSource string

const (
	SourceLearner AuditSource = "learner"
	SourceAdmin   AuditSource = "admin"
	SourceSystem  AuditSource = "system"
)

// AuditEntry records who overrode what, and when.
type AuditEntry struct {
	ID        string      `json:"id"`
	Action    AuditAction `json:"action"`
	ActorID   string      `json:"actorId"`
	Source    AuditSource `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Note      string      `json:"note,omitempty"`
	UserID    UserID      `json:"userId"`
	CourseID  CourseID    `json:"courseId"`
}

// Actor identifies the administrator behind an override.
type Actor struct {
	ID   string
	Note string
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }
