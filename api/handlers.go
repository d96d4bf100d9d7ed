/*
handlers.go - HTTP API handlers for the progress engine

PURPOSE:
  Exposes the progress engine via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to progress.Engine.

ENDPOINTS:
  Enrollments:
    POST   /api/enrollments                          Enroll (idempotent)
    GET    /api/enrollments/{userId}/{courseId}      Enrollment summary
    DELETE /api/enrollments/{userId}/{courseId}      Unenroll (soft)
    GET    /api/users/{userId}/enrollments           Learner's enrollments

  Progress:
    GET    /api/progress/{userId}/{courseId}                          Progress record
    POST   /api/progress/{userId}/{courseId}/lessons                  Lesson event
    POST   /api/progress/{userId}/{courseId}/modules/{moduleId}/complete
    POST   /api/progress/{userId}/{courseId}/quizzes                  Quiz result

  Certificates:
    GET    /api/certificates                 List (userId, courseId, status filters)
    GET    /api/certificates/{id}            Get by id
    GET    /api/certificates/verify/{code}   Verify by code

  Admin (actor required, see auth.go):
    POST   /api/admin/progress/{userId}/{courseId}/force-complete
    POST   /api/admin/progress/{userId}/{courseId}/reset
    POST   /api/admin/progress/{userId}/{courseId}/revoke
    POST   /api/admin/progress/{userId}/{courseId}/modules/{moduleId}/complete
    POST   /api/admin/progress/{userId}/{courseId}/lessons/complete
    POST   /api/admin/progress/{userId}/{courseId}/lessons/reset
    GET    /api/admin/progress/{userId}/{courseId}/audit
    POST   /api/admin/progress/{userId}/{courseId}/reconcile
    GET    /api/admin/audit
    POST   /api/admin/sweep
    GET    /api/admin/sweep/last
    POST   /api/admin/certificates/revoke
    POST   /api/admin/topology/{courseId}/invalidate

REQUEST FLOW:
  1. Parse path and body
  2. Validate (go-playground/validator)
  3. Call the engine, wrapped in progress.Retry for mutations
  4. Serialize response
  5. Map errors

ERROR HANDLING:
  - 400: Validation errors, invalid input, unknown module, revoked pair
  - 404: Document not found, pair not enrolled
  - 409: Transaction conflict after retries, reconciliation mismatch
  - 503: Course topology unavailable
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/progress-engine/logger"
	"github.com/warp/progress-engine/progress"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// TopologyInvalidator drops a cached course topology.
type TopologyInvalidator interface {
	Invalidate(ctx context.Context, courseID progress.CourseID) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *progress.Engine

	// Topology is optional; without it the invalidate endpoint returns 404.
	Topology TopologyInvalidator

	// Scheduler is optional; it backs the last-sweep endpoint.
	Scheduler *SweepScheduler

	Validate      *validator.Validate
	Log           *logger.Logger
	RetryAttempts int
}

// NewHandler creates a handler over an engine.
func NewHandler(engine *progress.Engine, topo TopologyInvalidator, log *logger.Logger) *Handler {
	return &Handler{
		Engine:        engine,
		Topology:      topo,
		Validate:      newValidator(),
		Log:           logger.OrNop(log).With("component", "api"),
		RetryAttempts: progress.DefaultRetryAttempts,
	}
}

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func pairFrom(r *http.Request) progress.PairKey {
	return progress.Pair(
		progress.UserID(chi.URLParam(r, "userId")),
		progress.CourseID(chi.URLParam(r, "courseId")),
	)
}

func (h *Handler) retry(ctx context.Context, fn func() error) error {
	return progress.Retry(ctx, h.RetryAttempts, fn)
}

// =============================================================================
// ENROLLMENT HANDLERS
// =============================================================================

// Enroll creates or reactivates an enrollment.
func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if !h.decode(w, r, &req) {
		return
	}
	key := progress.Pair(progress.UserID(req.UserID), progress.CourseID(req.CourseID))

	var sum *progress.EnrollmentSummary
	err := h.retry(r.Context(), func() error {
		var err error
		sum, err = h.Engine.Mutator.Enroll(r.Context(), key, progress.EnrollOptions{
			CourseName: req.CourseName,
			EnrolledBy: req.provenance(),
		})
		return err
	})
	if err != nil {
		h.writeEngineError(w, "Failed to enroll", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Unenroll soft-deactivates an enrollment.
func (h *Handler) Unenroll(w http.ResponseWriter, r *http.Request) {
	key := pairFrom(r)
	var sum *progress.EnrollmentSummary
	err := h.retry(r.Context(), func() error {
		var err error
		sum, err = h.Engine.Mutator.Unenroll(r.Context(), key)
		return err
	})
	if err != nil {
		h.writeEngineError(w, "Failed to unenroll", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Engine.Mutator.Enrollment(r.Context(), pairFrom(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get enrollment", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ListEnrollments returns a learner's enrollment summaries.
func (h *Handler) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	userID := progress.UserID(chi.URLParam(r, "userId"))
	list, err := h.Engine.Mutator.Enrollments(r.Context(), userID)
	if err != nil {
		h.writeEngineError(w, "Failed to list enrollments", err)
		return
	}
	if list == nil {
		list = []*progress.EnrollmentSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"enrollments": list})
}

// =============================================================================
// PROGRESS HANDLERS
// =============================================================================

func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Engine.Mutator.Progress(r.Context(), pairFrom(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get progress", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RecordLessonEvent marks a lesson completed or not completed.
func (h *Handler) RecordLessonEvent(w http.ResponseWriter, r *http.Request) {
	var req LessonEventRequest
	if !h.decode(w, r, &req) {
		return
	}
	key := pairFrom(r)
	lesson := progress.NewLessonKey(progress.ModuleID(req.ModuleID), progress.LessonID(req.LessonID))

	var rec *progress.ProgressRecord
	err := h.retry(r.Context(), func() error {
		var err error
		rec, err = h.Engine.Mutator.RecordLessonEvent(r.Context(), key, lesson, *req.Completed)
		return err
	})
	if err != nil {
		h.writeEngineError(w, "Failed to record lesson event", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CompleteModule marks every lesson of a module completed.
func (h *Handler) CompleteModule(w http.ResponseWriter, r *http.Request) {
	key := pairFrom(r)
	moduleID := progress.ModuleID(chi.URLParam(r, "moduleId"))

	var rec *progress.ProgressRecord
	err := h.retry(r.Context(), func() error {
		var err error
		rec, err = h.Engine.Mutator.RecordModuleComplete(r.Context(), key, moduleID)
		return err
	})
	if err != nil {
		h.writeEngineError(w, "Failed to complete module", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) RecordQuizResult(w http.ResponseWriter, r *http.Request) {
	var req QuizResultRequest
	if !h.decode(w, r, &req) {
		return
	}
	key := pairFrom(r)

	var rec *progress.ProgressRecord
	err := h.retry(r.Context(), func() error {
		var err error
		rec, err = h.Engine.Mutator.RecordQuizResult(r.Context(), key, req.QuizID, *req.Score)
		return err
	})
	if err != nil {
		h.writeEngineError(w, "Failed to record quiz result", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// =============================================================================
// CERTIFICATE HANDLERS
// =============================================================================

// ListCertificates filters by the userId, courseId and status query params.
func (h *Handler) ListCertificates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := progress.CertificateFilter{
		UserID:   progress.UserID(q.Get("userId")),
		CourseID: progress.CourseID(q.Get("courseId")),
		Status:   progress.CertificateStatus(q.Get("status")),
	}
	certs, err := h.Engine.Issuer.Certificates(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, "Failed to list certificates", err)
		return
	}
	if certs == nil {
		certs = []*progress.Certificate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"certificates": certs})
}

func (h *Handler) GetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := h.Engine.Issuer.Certificate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, "Failed to get certificate", err)
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

// VerifyCertificate looks a certificate up by its verification code. Revoked
// certificates are returned with their status so verifiers can tell.
func (h *Handler) VerifyCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := h.Engine.Issuer.Verify(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeEngineError(w, "Failed to verify certificate", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":       cert.Live(),
		"certificate": cert,
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) actor(r *http.Request, note string) progress.Actor {
	return progress.Actor{ID: ActorID(r.Context()), Note: note}
}

// ForceComplete marks a pair completed regardless of lesson state.
func (h *Handler) ForceComplete(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	h.adminRecord(w, r, "Failed to force-complete", func(ctx context.Context, key progress.PairKey, actor progress.Actor) (*progress.ProgressRecord, error) {
		return h.Engine.Admin.ForceComplete(ctx, key, actor)
	}, req.Note)
}

// ResetProgress clears all progress of a pair.
func (h *Handler) ResetProgress(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	h.adminRecord(w, r, "Failed to reset progress", func(ctx context.Context, key progress.PairKey, actor progress.Actor) (*progress.ProgressRecord, error) {
		return h.Engine.Admin.ResetProgress(ctx, key, actor)
	}, req.Note)
}

// RevokeEnrollment retires a pair.
func (h *Handler) RevokeEnrollment(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	key := pairFrom(r)
	actor := h.actor(r, req.Note)
	err := h.retry(r.Context(), func() error {
		return h.Engine.Admin.RevokeEnrollment(r.Context(), key, actor)
	})
	if err != nil {
		h.writeEngineError(w, "Failed to revoke enrollment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(progress.StatusRevoked)})
}

func (h *Handler) AdminCompleteModule(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	moduleID := progress.ModuleID(chi.URLParam(r, "moduleId"))
	h.adminRecord(w, r, "Failed to complete module", func(ctx context.Context, key progress.PairKey, actor progress.Actor) (*progress.ProgressRecord, error) {
		return h.Engine.Admin.MarkModuleComplete(ctx, key, moduleID, actor)
	}, req.Note)
}

func (h *Handler) AdminCompleteLesson(w http.ResponseWriter, r *http.Request) {
	var req AdminLessonRequest
	if !h.decode(w, r, &req) {
		return
	}
	lesson := progress.NewLessonKey(progress.ModuleID(req.ModuleID), progress.LessonID(req.LessonID))
	h.adminRecord(w, r, "Failed to complete lesson", func(ctx context.Context, key progress.PairKey, actor progress.Actor) (*progress.ProgressRecord, error) {
		return h.Engine.Admin.MarkLessonComplete(ctx, key, lesson, actor)
	}, req.Note)
}

func (h *Handler) AdminResetLesson(w http.ResponseWriter, r *http.Request) {
	var req AdminLessonRequest
	if !h.decode(w, r, &req) {
		return
	}
	lesson := progress.NewLessonKey(progress.ModuleID(req.ModuleID), progress.LessonID(req.LessonID))
	h.adminRecord(w, r, "Failed to reset lesson", func(ctx context.Context, key progress.PairKey, actor progress.Actor) (*progress.ProgressRecord, error) {
		return h.Engine.Admin.ResetLesson(ctx, key, lesson, actor)
	}, req.Note)
}

// adminRecord runs a record-returning override with retry.
func (h *Handler) adminRecord(
	w http.ResponseWriter,
	r *http.Request,
	failure string,
	op func(context.Context, progress.PairKey, progress.Actor) (*progress.ProgressRecord, error),
	note string,
) {
	key := pairFrom(r)
	actor := h.actor(r, note)
	var rec *progress.ProgressRecord
	err := h.retry(r.Context(), func() error {
		var err error
		rec, err = op(r.Context(), key, actor)
		return err
	})
	if err != nil {
		h.writeEngineError(w, failure, err)
		return
	}
	h.Log.Info("admin override", "pair", key.ID(), "actor", actor.ID, "path", r.URL.Path)
	writeJSON(w, http.StatusOK, rec)
}

// GetAuditTrail returns the audit entries of one pair.
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.Admin.AuditTrail(r.Context(), pairFrom(r))
	if err != nil {
		h.writeEngineError(w, "Failed to read audit trail", err)
		return
	}
	writeAudit(w, entries)
}

// QueryAudit filters the audit log by userId, courseId, actorId and action.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := progress.AuditFilter{
		UserID:   progress.UserID(q.Get("userId")),
		CourseID: progress.CourseID(q.Get("courseId")),
		ActorID:  q.Get("actorId"),
	}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, progress.AuditAction(a))
	}
	entries, err := h.Engine.Admin.Audit(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, "Failed to query audit log", err)
		return
	}
	writeAudit(w, entries)
}

func writeAudit(w http.ResponseWriter, entries []progress.AuditEntry) {
	if entries == nil {
		entries = []progress.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// =============================================================================
// RECONCILIATION & MAINTENANCE
// =============================================================================

// ReconcilePair recomputes one pair's summary from its record.
func (h *Handler) ReconcilePair(w http.ResponseWriter, r *http.Request) {
	key := pairFrom(r)
	var res *progress.ReconcileResult
	err := h.retry(r.Context(), func() error {
		var err error
		res, err = h.Engine.Reconciler.Reconcile(r.Context(), key)
		return err
	})
	if err != nil {
		h.writeEngineError(w, "Failed to reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResponse(res))
}

// RunSweep reconciles every pair matching the request filters.
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	report, err := h.Engine.Reconciler.Sweep(r.Context(), req.options())
	if err != nil {
		h.writeEngineError(w, "Sweep failed", err)
		return
	}
	h.Log.Info("sweep triggered", "actor", ActorID(r.Context()),
		"synced", report.Synced, "failed", report.Failed, "changed", report.Changed)
	writeJSON(w, http.StatusOK, report)
}

// LastSweep returns the report of the last scheduled sweep.
func (h *Handler) LastSweep(w http.ResponseWriter, r *http.Request) {
	var report *progress.SweepReport
	if h.Scheduler != nil {
		report = h.Scheduler.LastReport()
	}
	if report == nil {
		writeError(w, http.StatusNotFound, "No scheduled sweep has run", nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// RevokeCertificates revokes a batch of certificates.
func (h *Handler) RevokeCertificates(w http.ResponseWriter, r *http.Request) {
	var req RevokeCertificatesRequest
	if !h.decode(w, r, &req) {
		return
	}
	report, err := h.Engine.Issuer.RevokeCertificates(r.Context(), req.IDs, h.actor(r, req.Reason))
	if err != nil {
		h.writeEngineError(w, "Failed to revoke certificates", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// InvalidateTopology drops a course from the topology cache so the next
// event reads the catalog again.
func (h *Handler) InvalidateTopology(w http.ResponseWriter, r *http.Request) {
	if h.Topology == nil {
		writeError(w, http.StatusNotFound, "Topology cache not configured", nil)
		return
	}
	courseID := progress.CourseID(chi.URLParam(r, "courseId"))
	if err := h.Topology.Invalidate(r.Context(), courseID); err != nil {
		h.writeEngineError(w, "Failed to invalidate topology", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. It writes the error response and
// returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return h.validate(w, dst)
}

// decodeOptional is decode for endpoints whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return h.validate(w, dst)
	}
	return h.decode(w, r, dst)
}

func (h *Handler) validate(w http.ResponseWriter, dst any) bool {
	err := h.Validate.Struct(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  "Validation failed",
			Fields: fields,
		})
		return false
	}
	writeError(w, http.StatusBadRequest, "Validation failed", err)
	return false
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case progress.IsClientError(err):
		return http.StatusBadRequest
	case progress.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, progress.ErrTransactionConflict),
		errors.Is(err, progress.ErrReconciliationMismatch):
		return http.StatusConflict
	case errors.Is(err, progress.ErrTopologyLookup):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error(message, "error", err)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
