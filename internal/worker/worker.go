package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aura-webinar/recording-sync/internal/metrics"
	"github.com/aura-webinar/recording-sync/internal/models"
	"github.com/aura-webinar/recording-sync/internal/pathresolver"
	"github.com/aura-webinar/recording-sync/internal/retry"
	"github.com/aura-webinar/recording-sync/internal/uploadqueue"
	"github.com/aura-webinar/recording-sync/pkg/storage"
)

// Coordinator is the queue surface the pool drives.
type Coordinator interface {
	Dequeue(ctx context.Context) (*models.Recording, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, d uploadqueue.StatusDetails) error
	ReportFailure(ctx context.Context, rec *models.Recording, cause error) (bool, error)
	Stats(ctx context.Context) (uploadqueue.QueueStats, error)
}

// Locator finds a recording's file and names its object key.
type Locator interface {
	Resolve(ctx context.Context, rec *models.Recording) (*pathresolver.Resolved, error)
	GenerateRemoteKey(cameraID, filename string, date time.Time) string
}

// ObjectStore is the object storage the pool uploads to.
type ObjectStore interface {
	Put(ctx context.Context, localPath, key string, metadata map[string]string, progress storage.ProgressFunc) (*storage.PutResult, error)
	HeadObject(ctx context.Context, key string) (*storage.ObjectInfo, error)
	ObjectURL(key string) string
}

// RecordingProcessor uploads one claimed recording: locate the file, stream it
// to object storage, record the outcome.
type RecordingProcessor struct {
	coord            Coordinator
	locator          Locator
	store            ObjectStore
	progressInterval time.Duration
	logger           *zap.Logger
}

// NewRecordingProcessor creates a recording upload processor.
func NewRecordingProcessor(coord Coordinator, locator Locator, store ObjectStore, progressInterval time.Duration, logger *zap.Logger) *RecordingProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if progressInterval <= 0 {
		progressInterval = 2 * time.Second
	}
	return &RecordingProcessor{coord: coord, locator: locator, store: store, progressInterval: progressInterval, logger: logger}
}

// Result is the outcome of one Process call.
type Result string

const (
	ResultUploaded Result = "uploaded"
	// ResultSkipped means the object already existed with the same size.
	ResultSkipped Result = "skipped"
	ResultRetry   Result = "retry"
	ResultFailed  Result = "failed"
)

// Process executes one upload of a claimed recording. Upload errors are
// recorded on the row; the returned error only reports ledger failures.
func (p *RecordingProcessor) Process(ctx context.Context, rec *models.Recording) (Result, error) {
	start := time.Now()
	put, skipped, err := p.upload(ctx, rec)
	metrics.UploadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		willRetry, ferr := p.coord.ReportFailure(ctx, rec, err)
		if ferr != nil {
			return ResultFailed, fmt.Errorf("report failure: %w", ferr)
		}
		if willRetry {
			return ResultRetry, nil
		}
		return ResultFailed, nil
	}

	err = p.coord.UpdateStatus(ctx, rec.ID, models.UploadStatusUploaded, uploadqueue.StatusDetails{
		RemoteKey: put.Key,
		RemoteURL: put.URL,
		ETag:      put.ETag,
		Size:      put.Size,
	})
	if err != nil {
		// The object is stored under a deterministic key, so a later claimant
		// finds it through HeadObject and only finalizes the row.
		return ResultFailed, fmt.Errorf("record upload result: %w", err)
	}
	if skipped {
		p.logger.Info("recording already in object storage", zap.String("recording_id", rec.ID.String()), zap.String("s3_key", put.Key))
		return ResultSkipped, nil
	}
	metrics.UploadBytes.Add(float64(put.Size))
	p.logger.Info("recording upload completed",
		zap.String("recording_id", rec.ID.String()),
		zap.String("s3_key", put.Key),
		zap.Int64("bytes", put.Size),
		zap.Duration("took", time.Since(start)))
	return ResultUploaded, nil
}

func (p *RecordingProcessor) upload(ctx context.Context, rec *models.Recording) (*storage.PutResult, bool, error) {
	resolved, err := p.locator.Resolve(ctx, rec)
	if err != nil {
		if errors.Is(err, pathresolver.ErrNotFound) {
			return nil, false, retry.NewError(models.ErrorCodeFileNotFound, err)
		}
		return nil, false, err
	}
	if resolved.Size <= 0 {
		return nil, false, retry.NewError(models.ErrorCodeFileNotFound, fmt.Errorf("recording file %s is empty", resolved.AbsolutePath))
	}

	key := rec.RemoteKey
	if key == "" {
		name := rec.Filename
		if name == "" {
			name = filepath.Base(resolved.AbsolutePath)
		}
		key = p.locator.GenerateRemoteKey(rec.CameraID, name, rec.SegmentTime())
	}

	head, err := p.store.HeadObject(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("head object: %w", err)
	}
	if head.Exists && head.Size == resolved.Size {
		return &storage.PutResult{Key: key, URL: p.store.ObjectURL(key), ETag: head.ETag, Size: head.Size}, true, nil
	}

	put, err := p.store.Put(ctx, resolved.AbsolutePath, key, objectMetadata(rec, resolved), p.progressReporter(ctx, rec.ID))
	if err != nil {
		return nil, false, err
	}
	return put, false, nil
}

// progressReporter relays upload progress to the ledger, at most once per
// progressInterval and only when the percentage grows. 100 is left for the final update.
func (p *RecordingProcessor) progressReporter(ctx context.Context, id uuid.UUID) storage.ProgressFunc {
	limiter := rate.NewLimiter(rate.Every(p.progressInterval), 1)
	var (
		mu   sync.Mutex
		last int
	)
	return func(sent, total int64) {
		if total <= 0 {
			return
		}
		pct := int(sent * 100 / total)
		if pct > 99 {
			pct = 99
		}
		mu.Lock()
		if pct <= last || !limiter.Allow() {
			mu.Unlock()
			return
		}
		last = pct
		mu.Unlock()
		if err := p.coord.UpdateStatus(ctx, id, models.UploadStatusUploading, uploadqueue.StatusDetails{Progress: &pct}); err != nil {
			p.logger.Debug("progress update dropped", zap.String("recording_id", id.String()), zap.Error(err))
		}
	}
}

func objectMetadata(rec *models.Recording, resolved *pathresolver.Resolved) map[string]string {
	name := rec.Filename
	if name == "" {
		name = filepath.Base(resolved.AbsolutePath)
	}
	return map[string]string{
		"recording-id":      rec.ID.String(),
		"camera-id":         rec.CameraID,
		"original-filename": name,
		"duration":          strconv.Itoa(rec.Duration),
		"file-size":         strconv.FormatInt(resolved.Size, 10),
		"upload-source":     "recording-sync",
	}
}
