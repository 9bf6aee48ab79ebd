// Package uploadqueue owns the upload lifecycle of ledger rows: enqueueing,
// claiming, and recording outcomes through conditional updates.
package uploadqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-sync/internal/metrics"
	"github.com/aura-webinar/recording-sync/internal/models"
	"github.com/aura-webinar/recording-sync/internal/pathresolver"
	"github.com/aura-webinar/recording-sync/internal/recordings"
	"github.com/aura-webinar/recording-sync/internal/retry"
	"github.com/aura-webinar/recording-sync/pkg/queue"
)

var (
	// ErrNoClaim means the selected row was claimed by someone else first.
	ErrNoClaim = errors.New("upload claim lost to a concurrent worker")
	// ErrStaleClaim means the row left the expected state before the update landed.
	ErrStaleClaim = errors.New("recording no longer in expected upload state")
	// ErrInvalidDetails means required fields for the target status are missing.
	ErrInvalidDetails = errors.New("invalid status details")
)

// Outcome is the result of an Enqueue call.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeAlreadyUploaded Outcome = "already_uploaded"
	OutcomeAlreadyQueued   Outcome = "already_queued"
	OutcomeFileNotFound    Outcome = "file_not_found"
	OutcomeNotEligible     Outcome = "not_eligible"
)

// EnqueueOptions tunes an Enqueue call.
type EnqueueOptions struct {
	Priority string
	// Force bypasses eligibility checks except for an upload in progress.
	Force  bool
	Source string
}

// EnqueueResult describes what Enqueue did.
type EnqueueResult struct {
	Outcome   Outcome           `json:"outcome"`
	Recording *models.Recording `json:"recording,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// StatusDetails carries the fields UpdateStatus writes for a transition.
type StatusDetails struct {
	RemoteKey string
	RemoteURL string
	ETag      string
	Size      int64

	Progress *int

	ErrorCode    string
	ErrorMessage string

	// From overrides the upload statuses the row must be in for the update to apply.
	From []string
}

// QueueStats counts ledger rows per upload status.
type QueueStats struct {
	Pending      int `json:"pending"`
	Queued       int `json:"queued"`
	Uploading    int `json:"uploading"`
	Uploaded     int `json:"uploaded"`
	Failed       int `json:"failed"`
	Archived     int `json:"archived"`
	TotalInQueue int `json:"total_in_queue"`
}

// Ledger is the persistence the coordinator needs.
type Ledger interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error)
	List(ctx context.Context, f recordings.Filter) ([]models.Recording, error)
	UpdateWhere(ctx context.Context, id uuid.UUID, cond recordings.Condition, changes recordings.Changes) (*models.Recording, error)
	CountByUploadStatus(ctx context.Context) (map[string]int, error)
}

// FileLocator confirms a recording's file exists.
type FileLocator interface {
	Resolve(ctx context.Context, rec *models.Recording) (*pathresolver.Resolved, error)
}

// Signaler broadcasts queue events. Optional.
type Signaler interface {
	Wake(ctx context.Context, recordingID uuid.UUID) error
	DeadLetter(ctx context.Context, dl queue.DeadLetter) error
}

// Options configures the coordinator.
type Options struct {
	// ScanLimit is the page size Dequeue reads while looking for a row out of backoff.
	ScanLimit int
}

// Coordinator is the single authority over upload_status transitions.
type Coordinator struct {
	ledger   Ledger
	locator  FileLocator
	policy   *retry.Policy
	signaler Signaler
	logger   *zap.Logger
	opts     Options

	// now is the clock for timestamps written by the coordinator.
	now func() time.Time
}

// New creates a coordinator. signaler may be nil.
func New(ledger Ledger, locator FileLocator, policy *retry.Policy, signaler Signaler, opts Options, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = 10
	}
	return &Coordinator{
		ledger:   ledger,
		locator:  locator,
		policy:   policy,
		signaler: signaler,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// SetClock replaces the coordinator clock.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Enqueue makes a completed recording available to the worker pool.
func (c *Coordinator) Enqueue(ctx context.Context, id uuid.UUID, opts EnqueueOptions) (EnqueueResult, error) {
	res, err := c.enqueue(ctx, id, opts)
	if err == nil {
		metrics.EnqueueResults.WithLabelValues(string(res.Outcome)).Inc()
	}
	return res, err
}

func (c *Coordinator) enqueue(ctx context.Context, id uuid.UUID, opts EnqueueOptions) (EnqueueResult, error) {
	rec, err := c.ledger.GetByID(ctx, id)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("load recording: %w", err)
	}

	switch rec.UploadStatus {
	case models.UploadStatusUploading:
		return EnqueueResult{Outcome: OutcomeAlreadyQueued, Recording: rec}, nil
	case models.UploadStatusQueued:
		if !opts.Force {
			return EnqueueResult{Outcome: OutcomeAlreadyQueued, Recording: rec}, nil
		}
	case models.UploadStatusUploaded:
		if !opts.Force && rec.RemoteKey != "" {
			return EnqueueResult{Outcome: OutcomeAlreadyUploaded, Recording: rec}, nil
		}
	}
	if !opts.Force {
		if rec.Status != models.RecordingStatusCompleted {
			return EnqueueResult{Outcome: OutcomeNotEligible, Recording: rec, Reason: "recording status is " + rec.Status}, nil
		}
		if rec.UploadStatus != models.UploadStatusPending && rec.UploadStatus != models.UploadStatusFailed {
			return EnqueueResult{Outcome: OutcomeNotEligible, Recording: rec, Reason: "upload status is " + rec.UploadStatus}, nil
		}
	}

	resolved, err := c.locator.Resolve(ctx, rec)
	if errors.Is(err, pathresolver.ErrNotFound) {
		msg := "recording file not found on disk"
		_, uerr := c.ledger.UpdateWhere(ctx, id,
			recordings.Condition{UploadStatuses: []string{rec.UploadStatus}},
			recordings.Changes{
				UploadStatus:    recordings.String(models.UploadStatusFailed),
				AttemptsDelta:   1,
				UploadErrorCode: recordings.String(models.ErrorCodeFileNotFound),
				ErrorMessage:    &msg,
			})
		if uerr != nil {
			return EnqueueResult{}, fmt.Errorf("mark file not found: %w", uerr)
		}
		c.logger.Warn("enqueue: recording file not found", zap.String("recording_id", id.String()))
		return EnqueueResult{Outcome: OutcomeFileNotFound, Recording: rec, Reason: msg}, nil
	}
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("resolve file: %w", err)
	}

	source := opts.Source
	if source == "" {
		source = "manual"
	}
	changes := recordings.Changes{
		UploadStatus:         recordings.String(models.UploadStatusQueued),
		ResetAttempts:        true,
		UploadProgress:       recordings.Int(0),
		ClearUploadStartedAt: true,
		UploadErrorCode:      recordings.String(""),
		ErrorMessage:         recordings.String(""),
		CanonicalPath:        &resolved.CanonicalPath,
		Metadata: map[string]any{
			"enqueued_by":      source,
			"enqueue_priority": opts.Priority,
			"enqueued_at":      c.now().UTC().Format(time.RFC3339),
		},
	}
	if rec.FileSize <= 0 {
		changes.FileSize = &resolved.Size
	}
	updated, err := c.ledger.UpdateWhere(ctx, id, recordings.Condition{UploadStatuses: []string{rec.UploadStatus}}, changes)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("queue recording: %w", err)
	}
	if updated == nil {
		return EnqueueResult{Outcome: OutcomeNotEligible, Recording: rec, Reason: "upload status changed concurrently"}, nil
	}

	c.logger.Info("recording queued for upload",
		zap.String("recording_id", id.String()),
		zap.String("source", source),
		zap.Bool("force", opts.Force))
	c.Wake(ctx, id)
	return EnqueueResult{Outcome: OutcomeSuccess, Recording: updated}, nil
}

// Wake notifies idle pools that work is available. Failures are logged only.
func (c *Coordinator) Wake(ctx context.Context, id uuid.UUID) {
	if c.signaler == nil {
		return
	}
	if err := c.signaler.Wake(ctx, id); err != nil {
		c.logger.Warn("publish wake-up", zap.String("recording_id", id.String()), zap.Error(err))
	}
}

// Dequeue claims the oldest queued row whose backoff has elapsed. It returns
// (nil, nil) when there is no work and ErrNoClaim when another worker won the row.
// Rows still inside their backoff window never hide ready rows behind them: the
// ledger drops rows short of their backoff floor and the rest is paged through.
func (c *Coordinator) Dequeue(ctx context.Context) (*models.Recording, error) {
	now := c.now()
	filter := recordings.Filter{
		UploadStatuses: []string{models.UploadStatusQueued},
		ReadyBy:        now,
		BackoffFloors:  c.policy.Floors(),
		Limit:          c.opts.ScanLimit,
	}
	for {
		rows, err := c.ledger.List(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("list queued: %w", err)
		}
		for i := range rows {
			rec := &rows[i]
			if !c.policy.IsReadyForRetry(rec, now) {
				continue
			}
			return c.claim(ctx, rec.ID, now)
		}
		if len(rows) < filter.Limit {
			return nil, nil
		}
		filter.Offset += len(rows)
	}
}

func (c *Coordinator) claim(ctx context.Context, id uuid.UUID, now time.Time) (*models.Recording, error) {
	claimed, err := c.ledger.UpdateWhere(ctx, id,
		recordings.Condition{UploadStatuses: []string{models.UploadStatusQueued}},
		recordings.Changes{
			UploadStatus:    recordings.String(models.UploadStatusUploading),
			UploadStartedAt: &now,
			UploadProgress:  recordings.Int(0),
		})
	if err != nil {
		return nil, fmt.Errorf("claim recording: %w", err)
	}
	if claimed == nil {
		metrics.ClaimConflicts.Inc()
		return nil, ErrNoClaim
	}
	return claimed, nil
}

// UpdateStatus applies an upload_status transition with the fields it requires.
func (c *Coordinator) UpdateStatus(ctx context.Context, id uuid.UUID, status string, d StatusDetails) error {
	var (
		changes = recordings.Changes{UploadStatus: &status}
		from    []string
	)
	switch status {
	case models.UploadStatusUploaded:
		if d.RemoteKey == "" || d.RemoteURL == "" || d.Size <= 0 {
			return fmt.Errorf("%w: uploaded requires remote key, url and size", ErrInvalidDetails)
		}
		now := c.now()
		changes.RemoteKey = &d.RemoteKey
		changes.RemoteURL = &d.RemoteURL
		changes.RemoteETag = &d.ETag
		changes.RemoteSize = &d.Size
		changes.UploadProgress = recordings.Int(100)
		changes.UploadedAt = &now
		changes.UploadErrorCode = recordings.String("")
		changes.ErrorMessage = recordings.String("")
		from = []string{models.UploadStatusUploading}
	case models.UploadStatusFailed:
		changes.AttemptsDelta = 1
		changes.UploadErrorCode = errorCode(d.ErrorCode)
		changes.ErrorMessage = &d.ErrorMessage
	case models.UploadStatusQueued:
		changes.AttemptsDelta = 1
		changes.UploadErrorCode = errorCode(d.ErrorCode)
		changes.ErrorMessage = &d.ErrorMessage
		changes.UploadProgress = recordings.Int(0)
		changes.ClearUploadStartedAt = true
		from = []string{models.UploadStatusUploading}
	case models.UploadStatusUploading:
		if d.Progress == nil {
			return fmt.Errorf("%w: uploading requires progress", ErrInvalidDetails)
		}
		p := min(max(*d.Progress, 0), 100)
		changes = recordings.Changes{UploadProgress: &p}
		from = []string{models.UploadStatusUploading}
	case models.UploadStatusPending, models.UploadStatusArchived:
		if status == models.UploadStatusArchived {
			now := c.now()
			changes.ArchivedAt = &now
			from = []string{models.UploadStatusUploaded}
		}
	default:
		return fmt.Errorf("%w: unknown upload status %q", ErrInvalidDetails, status)
	}
	if d.From != nil {
		from = d.From
	}

	updated, err := c.ledger.UpdateWhere(ctx, id, recordings.Condition{UploadStatuses: from}, changes)
	if err != nil {
		return fmt.Errorf("update upload status: %w", err)
	}
	if updated == nil {
		return fmt.Errorf("recording %s to %s: %w", id, status, ErrStaleClaim)
	}
	return nil
}

func errorCode(code string) *string {
	if code == "" {
		code = models.ErrorCodeUnknown
	}
	return &code
}

// ReportFailure records a failed upload of a claimed row: back to queued when
// the policy allows another attempt, failed otherwise. It reports whether the
// upload will be retried.
func (c *Coordinator) ReportFailure(ctx context.Context, rec *models.Recording, cause error) (bool, error) {
	attempts := rec.UploadAttempts + 1
	code := retry.ErrorCode(cause)
	willRetry := c.policy.ShouldRetry(attempts, cause)
	status := models.UploadStatusFailed
	if willRetry {
		status = models.UploadStatusQueued
	}
	err := c.UpdateStatus(ctx, rec.ID, status, StatusDetails{
		ErrorCode:    code,
		ErrorMessage: cause.Error(),
		From:         []string{models.UploadStatusUploading},
	})
	if err != nil {
		return false, err
	}

	fields := []zap.Field{
		zap.String("recording_id", rec.ID.String()),
		zap.String("code", code),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	}
	if willRetry {
		c.logger.Warn("upload failed, will retry", append(fields, zap.Duration("backoff", c.policy.BackoffDelay(rec.ID, attempts)))...)
		return true, nil
	}
	c.logger.Error("upload failed permanently", fields...)
	if c.signaler != nil {
		dl := queue.DeadLetter{
			RecordingID: rec.ID,
			CameraID:    rec.CameraID,
			Code:        code,
			Message:     cause.Error(),
			Attempts:    attempts,
			FailedAt:    c.now().UTC(),
		}
		if err := c.signaler.DeadLetter(ctx, dl); err != nil {
			c.logger.Warn("record dead letter", zap.String("recording_id", rec.ID.String()), zap.Error(err))
		}
	}
	return false, nil
}

// Stats returns counts per upload status.
func (c *Coordinator) Stats(ctx context.Context) (QueueStats, error) {
	counts, err := c.ledger.CountByUploadStatus(ctx)
	if err != nil {
		return QueueStats{}, fmt.Errorf("count upload statuses: %w", err)
	}
	s := QueueStats{
		Pending:   counts[models.UploadStatusPending],
		Queued:    counts[models.UploadStatusQueued],
		Uploading: counts[models.UploadStatusUploading],
		Uploaded:  counts[models.UploadStatusUploaded],
		Failed:    counts[models.UploadStatusFailed],
		Archived:  counts[models.UploadStatusArchived],
	}
	s.TotalInQueue = s.Queued + s.Uploading
	for status, n := range counts {
		metrics.QueueDepth.WithLabelValues(status).Set(float64(n))
	}
	return s, nil
}
