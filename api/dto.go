/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON request bodies and the few response wrappers the API
  adds on top of the progress documents. Domain documents (ProgressRecord,
  EnrollmentSummary, Certificate, AuditEntry) already carry JSON tags and are
  returned as they are.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers

VALIDATION:
  Request types carry go-playground/validator tags and are checked by
  Handler.decode before any engine call.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/warp/progress-engine/progress"
)

// =============================================================================
// LEARNER REQUESTS
// =============================================================================

// EnrollRequest enrolls a learner in a course.
type EnrollRequest struct {
	UserID     string `json:"userId" validate:"required,max=128"`
	CourseID   string `json:"courseId" validate:"required,max=128"`
	CourseName string `json:"courseName" validate:"omitempty,max=256"`
	TeamID     string `json:"teamId" validate:"omitempty,max=128"`
	CompanyID  string `json:"companyId" validate:"omitempty,max=128"`
}

func (r EnrollRequest) provenance() *progress.Provenance {
	if r.TeamID == "" && r.CompanyID == "" {
		return nil
	}
	return &progress.Provenance{TeamID: r.TeamID, CompanyID: r.CompanyID}
}

// LessonEventRequest records a lesson completion or un-completion.
type LessonEventRequest struct {
	ModuleID  string `json:"moduleId" validate:"required,excludes=_"`
	LessonID  string `json:"lessonId" validate:"required"`
	Completed *bool  `json:"completed" validate:"required"`
}

// QuizResultRequest records a quiz attempt.
type QuizResultRequest struct {
	QuizID string   `json:"quizId" validate:"required"`
	Score  *float64 `json:"score" validate:"required,gte=0,lte=100"`
}

// =============================================================================
// ADMIN REQUESTS
// =============================================================================

// OverrideRequest carries the free-text note recorded on the audit entry.
type OverrideRequest struct {
	Note string `json:"note" validate:"omitempty,max=1024"`
}

// AdminLessonRequest targets one lesson.
type AdminLessonRequest struct {
	ModuleID string `json:"moduleId" validate:"required,excludes=_"`
	LessonID string `json:"lessonId" validate:"required"`
	Note     string `json:"note" validate:"omitempty,max=1024"`
}

// SweepRequest runs a reconciliation sweep. Empty filters match all pairs.
type SweepRequest struct {
	UserID        string `json:"userId"`
	CourseID      string `json:"courseId"`
	Workers       int    `json:"workers" validate:"gte=0,lte=64"`
	RepairMissing bool   `json:"repairMissing"`
	IssueMissing  bool   `json:"issueMissing"`
}

func (r SweepRequest) options() progress.SweepOptions {
	return progress.SweepOptions{
		UserID:        progress.UserID(r.UserID),
		CourseID:      progress.CourseID(r.CourseID),
		Workers:       r.Workers,
		RepairMissing: r.RepairMissing,
		IssueMissing:  r.IssueMissing,
	}
}

// RevokeCertificatesRequest revokes a batch of certificates.
type RevokeCertificatesRequest struct {
	IDs    []string `json:"ids" validate:"required,min=1,max=500,dive,required"`
	Reason string   `json:"reason" validate:"required,max=1024"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ReconcileResponse reports one pair's reconciliation.
type ReconcileResponse struct {
	UserID   progress.UserID           `json:"userId"`
	CourseID progress.CourseID         `json:"courseId"`
	Changed  []string                  `json:"changed"`
	Status   progress.EnrollmentStatus `json:"status"`
	Progress int                       `json:"progress"`
}

func toReconcileResponse(res *progress.ReconcileResult) ReconcileResponse {
	changed := res.Changed
	if changed == nil {
		changed = []string{}
	}
	return ReconcileResponse{
		UserID:   res.Key.UserID,
		CourseID: res.Key.CourseID,
		Changed:  changed,
		Status:   res.Status,
		Progress: res.Progress,
	}
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}
