// Package admin exposes the operator HTTP surface of the upload worker.
package admin

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-sync/internal/middleware"
	"github.com/aura-webinar/recording-sync/internal/models"
	"github.com/aura-webinar/recording-sync/internal/reconcile"
	"github.com/aura-webinar/recording-sync/internal/recordings"
	"github.com/aura-webinar/recording-sync/internal/scheduler"
	"github.com/aura-webinar/recording-sync/internal/uploadqueue"
	"github.com/aura-webinar/recording-sync/internal/worker"
	"github.com/aura-webinar/recording-sync/pkg/queue"
	"github.com/aura-webinar/recording-sync/pkg/response"
	"github.com/aura-webinar/recording-sync/pkg/storage"
)

// Queue is the coordinator surface used by operators.
type Queue interface {
	Stats(ctx context.Context) (uploadqueue.QueueStats, error)
	Enqueue(ctx context.Context, id uuid.UUID, opts uploadqueue.EnqueueOptions) (uploadqueue.EnqueueResult, error)
	EnqueuePending(ctx context.Context, limit int, source string) (uploadqueue.BatchResult, error)
	RetryFailed(ctx context.Context, opts uploadqueue.RetryFailedOptions) (uploadqueue.BatchResult, error)
	ResetAttempts(ctx context.Context, id uuid.UUID) (*models.Recording, error)
}

// Pool is the worker pool surface.
type Pool interface {
	Status() worker.Status
	Pause()
	Resume()
	Trigger()
}

// Reconciler runs repair cycles on demand.
type Reconciler interface {
	RunCycle(ctx context.Context) (reconcile.CycleReport, error)
	LastReport() *reconcile.CycleReport
	Archive(ctx context.Context) (int, error)
}

// RecordingReader loads single ledger rows.
type RecordingReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error)
}

// Presigner issues download URLs.
type Presigner interface {
	Presign(ctx context.Context, key string, opts storage.PresignOptions) (string, error)
	PresignExpire() time.Duration
}

// DeadLetterReader lists terminal upload failures.
type DeadLetterReader interface {
	DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error)
}

// TaskLister reports scheduled task history.
type TaskLister interface {
	Status() []scheduler.TaskStatus
}

// Check is a named dependency check for /health.
type Check func(ctx context.Context) error

// Deps are the collaborators of the handler. Nil optional fields disable their routes.
type Deps struct {
	Queue       Queue
	Pool        Pool
	Reconciler  Reconciler
	Recordings  RecordingReader
	Presigner   Presigner
	DeadLetters DeadLetterReader
	Tasks       TaskLister
	Checks      map[string]Check
}

// Handler serves the admin endpoints.
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewHandler creates an admin handler.
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{deps: deps, logger: logger}
}

// Router builds the gin engine with every admin route registered.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(h.logger))

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	uploads := router.Group("/uploads")
	{
		uploads.GET("/stats", h.Stats)
		uploads.GET("/dead-letters", h.ListDeadLetters)
		uploads.POST("/retry-failed", h.RetryFailed)
		uploads.POST("/enqueue-pending", h.EnqueuePending)
	}

	rec := router.Group("/recordings/:id")
	{
		rec.POST("/enqueue", h.Enqueue)
		rec.POST("/reset-attempts", h.ResetAttempts)
		rec.GET("/download-url", h.DownloadURL)
	}

	w := router.Group("/worker")
	{
		w.GET("/status", h.WorkerStatus)
		w.POST("/pause", h.Pause)
		w.POST("/resume", h.Resume)
		w.POST("/process", h.Process)
	}

	r := router.Group("/reconcile")
	{
		r.POST("/run", h.RunReconcile)
		r.GET("/last", h.LastReconcile)
		r.POST("/archive", h.Archive)
		r.GET("/tasks", h.Tasks)
	}
	return router
}

// Health handles GET /health. Any failing check turns the response into 503.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	checks := make(map[string]string, len(h.deps.Checks))
	healthy := true
	for name, check := range h.deps.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}
	body := gin.H{"status": "ok", "checks": checks}
	if h.deps.Pool != nil {
		body["worker"] = h.deps.Pool.Status()
	}
	if !healthy {
		body["status"] = "degraded"
		response.Degraded(c, body, "dependency check failed")
		return
	}
	response.OK(c, body)
}

// Stats handles GET /uploads/stats.
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.deps.Queue.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("queue stats failed", zap.Error(err))
		response.Internal(c, "failed to load queue stats")
		return
	}
	body := gin.H{"queue": stats}
	if h.deps.Pool != nil {
		body["worker"] = h.deps.Pool.Status()
	}
	response.OK(c, body)
}

// ListDeadLetters handles GET /uploads/dead-letters?limit=N.
func (h *Handler) ListDeadLetters(c *gin.Context) {
	if h.deps.DeadLetters == nil {
		response.ServiceUnavailable(c, "dead-letter list not configured")
		return
	}
	limit := queryInt(c, "limit", 50)
	list, err := h.deps.DeadLetters.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("dead letters failed", zap.Error(err))
		response.Internal(c, "failed to load dead letters")
		return
	}
	response.OK(c, list)
}

// RetryFailedRequest is the optional body for POST /uploads/retry-failed.
type RetryFailedRequest struct {
	MaxAge   string `json:"max_age"`
	ForceAll bool   `json:"force_all"`
	Limit    int    `json:"limit"`
}

// RetryFailed handles POST /uploads/retry-failed.
func (h *Handler) RetryFailed(c *gin.Context) {
	var req RetryFailedRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	opts := uploadqueue.RetryFailedOptions{ForceAll: req.ForceAll, Limit: req.Limit}
	if req.MaxAge != "" {
		d, err := time.ParseDuration(req.MaxAge)
		if err != nil || d < 0 {
			response.BadRequest(c, "invalid max_age")
			return
		}
		opts.MaxAge = d
	}
	res, err := h.deps.Queue.RetryFailed(c.Request.Context(), opts)
	if err != nil {
		h.logger.Error("retry failed uploads", zap.Error(err))
		response.Internal(c, "failed to retry uploads")
		return
	}
	response.OK(c, res)
}

// EnqueuePending handles POST /uploads/enqueue-pending?limit=N.
func (h *Handler) EnqueuePending(c *gin.Context) {
	res, err := h.deps.Queue.EnqueuePending(c.Request.Context(), queryInt(c, "limit", 0), "admin")
	if err != nil {
		h.logger.Error("enqueue pending uploads", zap.Error(err))
		response.Internal(c, "failed to enqueue pending uploads")
		return
	}
	response.OK(c, res)
}

// EnqueueRequest is the optional body for POST /recordings/:id/enqueue.
type EnqueueRequest struct {
	Force    bool   `json:"force"`
	Priority string `json:"priority" binding:"omitempty,oneof=low normal high"`
}

// Enqueue handles POST /recordings/:id/enqueue.
func (h *Handler) Enqueue(c *gin.Context) {
	id, ok := recordingID(c)
	if !ok {
		return
	}
	var req EnqueueRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	res, err := h.deps.Queue.Enqueue(c.Request.Context(), id, uploadqueue.EnqueueOptions{
		Force:    req.Force,
		Priority: req.Priority,
		Source:   "admin",
	})
	if err != nil {
		h.ledgerError(c, id, "enqueue", err)
		return
	}
	response.OK(c, res)
}

// ResetAttempts handles POST /recordings/:id/reset-attempts.
func (h *Handler) ResetAttempts(c *gin.Context) {
	id, ok := recordingID(c)
	if !ok {
		return
	}
	rec, err := h.deps.Queue.ResetAttempts(c.Request.Context(), id)
	if err != nil {
		h.ledgerError(c, id, "reset attempts", err)
		return
	}
	response.OK(c, rec)
}

// DownloadURL handles GET /recordings/:id/download-url. Only uploaded recordings can be downloaded.
func (h *Handler) DownloadURL(c *gin.Context) {
	id, ok := recordingID(c)
	if !ok {
		return
	}
	if h.deps.Presigner == nil || h.deps.Recordings == nil {
		response.ServiceUnavailable(c, "object storage not configured")
		return
	}
	rec, err := h.deps.Recordings.GetByID(c.Request.Context(), id)
	if err != nil {
		h.ledgerError(c, id, "load recording", err)
		return
	}
	if !rec.IsTerminalUpload() || rec.RemoteKey == "" {
		response.BadRequest(c, "recording not ready for download")
		return
	}
	expire := h.deps.Presigner.PresignExpire()
	url, err := h.deps.Presigner.Presign(c.Request.Context(), rec.RemoteKey, storage.PresignOptions{
		ExpiresIn:          expire,
		ContentType:        "video/mp4",
		ContentDisposition: storage.AttachmentDisposition(rec.RemoteKey),
	})
	if err != nil {
		h.logger.Error("presign recording download failed", zap.Error(err), zap.String("recording_id", id.String()))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url, "expires_in": int(expire.Seconds())})
}

// WorkerStatus handles GET /worker/status.
func (h *Handler) WorkerStatus(c *gin.Context) {
	if !h.requirePool(c) {
		return
	}
	response.OK(c, h.deps.Pool.Status())
}

// Pause handles POST /worker/pause. In-flight uploads finish.
func (h *Handler) Pause(c *gin.Context) {
	if !h.requirePool(c) {
		return
	}
	h.deps.Pool.Pause()
	h.logger.Info("worker paused by operator")
	response.OK(c, h.deps.Pool.Status())
}

// Resume handles POST /worker/resume.
func (h *Handler) Resume(c *gin.Context) {
	if !h.requirePool(c) {
		return
	}
	h.deps.Pool.Resume()
	h.logger.Info("worker resumed by operator")
	response.OK(c, h.deps.Pool.Status())
}

// Process handles POST /worker/process: claim work now instead of waiting for the next poll.
func (h *Handler) Process(c *gin.Context) {
	if !h.requirePool(c) {
		return
	}
	h.deps.Pool.Trigger()
	response.Accepted(c, gin.H{"triggered": true})
}

// RunReconcile handles POST /reconcile/run. It blocks until the cycle ends.
func (h *Handler) RunReconcile(c *gin.Context) {
	if !h.requireReconciler(c) {
		return
	}
	report, err := h.deps.Reconciler.RunCycle(c.Request.Context())
	if errors.Is(err, reconcile.ErrCycleRunning) {
		response.Conflict(c, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("reconciliation failed", zap.Error(err))
		response.Internal(c, "reconciliation failed")
		return
	}
	response.OK(c, report)
}

// LastReconcile handles GET /reconcile/last.
func (h *Handler) LastReconcile(c *gin.Context) {
	if !h.requireReconciler(c) {
		return
	}
	report := h.deps.Reconciler.LastReport()
	if report == nil {
		response.NotFound(c, "no reconciliation cycle has run yet")
		return
	}
	response.OK(c, report)
}

// Archive handles POST /reconcile/archive.
func (h *Handler) Archive(c *gin.Context) {
	if !h.requireReconciler(c) {
		return
	}
	n, err := h.deps.Reconciler.Archive(c.Request.Context())
	if err != nil {
		h.logger.Error("archive failed", zap.Error(err))
		response.Internal(c, "archive failed")
		return
	}
	response.OK(c, gin.H{"archived": n})
}

// Tasks handles GET /reconcile/tasks.
func (h *Handler) Tasks(c *gin.Context) {
	if h.deps.Tasks == nil {
		response.OK(c, []scheduler.TaskStatus{})
		return
	}
	response.OK(c, h.deps.Tasks.Status())
}

func (h *Handler) requirePool(c *gin.Context) bool {
	if h.deps.Pool == nil {
		response.ServiceUnavailable(c, "uploads are disabled")
		return false
	}
	return true
}

func (h *Handler) requireReconciler(c *gin.Context) bool {
	if h.deps.Reconciler == nil {
		response.ServiceUnavailable(c, "reconciliation is disabled")
		return false
	}
	return true
}

func (h *Handler) ledgerError(c *gin.Context, id uuid.UUID, op string, err error) {
	switch {
	case errors.Is(err, recordings.ErrNotFound):
		response.NotFound(c, "recording not found")
	case errors.Is(err, uploadqueue.ErrStaleClaim):
		response.Conflict(c, err.Error())
	default:
		h.logger.Error(op+" failed", zap.Error(err), zap.String("recording_id", id.String()))
		response.Internal(c, op+" failed")
	}
}

func recordingID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
