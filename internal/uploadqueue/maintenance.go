package uploadqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-sync/internal/models"
	"github.com/aura-webinar/recording-sync/internal/recordings"
	"github.com/aura-webinar/recording-sync/internal/retry"
)

const maintenanceBatch = 500

// RetryFailedOptions selects which failed uploads RetryFailed re-submits.
type RetryFailedOptions struct {
	// MaxAge limits to rows that failed within this window. Zero means any age.
	MaxAge time.Duration
	// ForceAll ignores the attempts ceiling and capture status.
	ForceAll bool
	Limit    int
}

// BatchResult summarizes a bulk operation.
type BatchResult struct {
	Total    int             `json:"total"`
	Queued   int             `json:"queued"`
	Skipped  int             `json:"skipped"`
	Errors   int             `json:"errors"`
	Outcomes map[Outcome]int `json:"outcomes,omitempty"`
}

func (b *BatchResult) record(res EnqueueResult, err error) {
	b.Total++
	if err != nil {
		b.Errors++
		return
	}
	if b.Outcomes == nil {
		b.Outcomes = make(map[Outcome]int)
	}
	b.Outcomes[res.Outcome]++
	if res.Outcome == OutcomeSuccess {
		b.Queued++
	} else {
		b.Skipped++
	}
}

// RetryFailed re-enqueues failed uploads that are still under the attempts ceiling.
func (c *Coordinator) RetryFailed(ctx context.Context, opts RetryFailedOptions) (BatchResult, error) {
	f := recordings.Filter{
		UploadStatuses: []string{models.UploadStatusFailed},
		Limit:          opts.Limit,
	}
	if f.Limit <= 0 {
		f.Limit = maintenanceBatch
	}
	if opts.MaxAge > 0 {
		f.UpdatedAfter = c.now().Add(-opts.MaxAge)
	}
	if !opts.ForceAll {
		f.MaxAttempts = c.policy.MaxAttempts
		f.ExcludeErrorCode = models.ErrorCodeMaxRetriesExceeded
	}
	rows, err := c.ledger.List(ctx, f)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list failed uploads: %w", err)
	}
	var out BatchResult
	for _, rec := range rows {
		res, err := c.Enqueue(ctx, rec.ID, EnqueueOptions{Force: opts.ForceAll, Source: "retry_failed"})
		if err != nil {
			c.logger.Warn("retry failed upload", zap.String("recording_id", rec.ID.String()), zap.Error(err))
		}
		out.record(res, err)
	}
	c.logger.Info("retry of failed uploads finished", zap.Int("total", out.Total), zap.Int("queued", out.Queued), zap.Int("errors", out.Errors))
	return out, nil
}

// EnqueuePending enqueues completed recordings still waiting in pending.
func (c *Coordinator) EnqueuePending(ctx context.Context, limit int, source string) (BatchResult, error) {
	if limit <= 0 {
		limit = maintenanceBatch
	}
	rows, err := c.ledger.List(ctx, recordings.Filter{
		Statuses:       []string{models.RecordingStatusCompleted},
		UploadStatuses: []string{models.UploadStatusPending},
		Limit:          limit,
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("list pending uploads: %w", err)
	}
	var out BatchResult
	for _, rec := range rows {
		res, err := c.Enqueue(ctx, rec.ID, EnqueueOptions{Source: source})
		if err != nil {
			c.logger.Warn("enqueue pending upload", zap.String("recording_id", rec.ID.String()), zap.Error(err))
		}
		out.record(res, err)
	}
	return out, nil
}

// ArchiveUploaded moves uploads finished before cutoff to archived.
func (c *Coordinator) ArchiveUploaded(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := c.ledger.List(ctx, recordings.Filter{
		UploadStatuses: []string{models.UploadStatusUploaded},
		UploadedBefore: cutoff,
		Limit:          maintenanceBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("list uploaded: %w", err)
	}
	archived := 0
	for _, rec := range rows {
		if err := c.UpdateStatus(ctx, rec.ID, models.UploadStatusArchived, StatusDetails{}); err != nil {
			c.logger.Warn("archive upload", zap.String("recording_id", rec.ID.String()), zap.Error(err))
			continue
		}
		archived++
	}
	if archived > 0 {
		c.logger.Info("archived old uploads", zap.Int("count", archived), zap.Time("cutoff", cutoff))
	}
	return archived, nil
}

// ResetAttempts clears the attempt counter and error of a row that is not
// uploading. Failed rows go back to pending.
func (c *Coordinator) ResetAttempts(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	rec, err := c.ledger.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load recording: %w", err)
	}
	if rec.UploadStatus == models.UploadStatusUploading {
		return nil, fmt.Errorf("recording %s is uploading: %w", id, ErrStaleClaim)
	}
	changes := recordings.Changes{
		ResetAttempts:   true,
		UploadErrorCode: recordings.String(""),
		ErrorMessage:    recordings.String(""),
		Metadata:        map[string]any{"attempts_reset_at": c.now().UTC().Format(time.RFC3339)},
	}
	if rec.UploadStatus == models.UploadStatusFailed {
		changes.UploadStatus = recordings.String(models.UploadStatusPending)
	}
	updated, err := c.ledger.UpdateWhere(ctx, id, recordings.Condition{UploadStatuses: []string{rec.UploadStatus}}, changes)
	if err != nil {
		return nil, fmt.Errorf("reset attempts: %w", err)
	}
	if updated == nil {
		return nil, fmt.Errorf("recording %s: %w", id, ErrStaleClaim)
	}
	c.logger.Info("upload attempts reset", zap.String("recording_id", id.String()), zap.Int("previous_attempts", rec.UploadAttempts))
	return updated, nil
}

// MarkMaxRetriesExceeded moves rows at or past the attempts ceiling that are
// still queued, or failed with a retryable code, to failed with MAX_RETRIES_EXCEEDED.
// Permanent and duplicate codes are kept since they say more about the row.
func (c *Coordinator) MarkMaxRetriesExceeded(ctx context.Context) (int, error) {
	rows, err := c.ledger.List(ctx, recordings.Filter{
		UploadStatuses:   []string{models.UploadStatusQueued, models.UploadStatusFailed},
		MinAttempts:      c.policy.MaxAttempts,
		ExcludeErrorCode: models.ErrorCodeMaxRetriesExceeded,
		Limit:            maintenanceBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("list exhausted uploads: %w", err)
	}
	marked := 0
	for _, rec := range rows {
		if retry.IsPermanentCode(rec.UploadErrorCode) || rec.UploadErrorCode == models.ErrorCodeDuplicate {
			continue
		}
		msg := fmt.Sprintf("exceeded %d upload attempts: %s", c.policy.MaxAttempts, rec.ErrorMessage)
		updated, err := c.ledger.UpdateWhere(ctx, rec.ID,
			recordings.Condition{UploadStatuses: []string{rec.UploadStatus}, UpdatedAt: &rec.UpdatedAt},
			recordings.Changes{
				UploadStatus:    recordings.String(models.UploadStatusFailed),
				UploadErrorCode: recordings.String(models.ErrorCodeMaxRetriesExceeded),
				ErrorMessage:    &msg,
			})
		if err != nil {
			c.logger.Warn("mark max retries exceeded", zap.String("recording_id", rec.ID.String()), zap.Error(err))
			continue
		}
		if updated != nil {
			marked++
		}
	}
	return marked, nil
}
