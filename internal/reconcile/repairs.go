package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/recording-sync/internal/models"
	"github.com/aura-webinar/recording-sync/internal/pathresolver"
	"github.com/aura-webinar/recording-sync/internal/recordings"
)

// missingFileLookback bounds how far back missing-file detection looks.
const missingFileLookback = 7 * 24 * time.Hour

// resetStuckUploads returns rows whose uploader stopped reporting to queued.
// Attempts are left as they are: the dead worker never reported an outcome.
func (e *Engine) resetStuckUploads(ctx context.Context, r *CycleReport) error {
	rows, err := e.ledger.List(ctx, recordings.Filter{
		UploadStatuses: []string{models.UploadStatusUploading},
		UpdatedBefore:  e.now().Add(-e.opts.StuckUploadThreshold),
		Limit:          e.opts.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("list stuck uploads: %w", err)
	}
	for i := range rows {
		rec := &rows[i]
		meta := e.stamp("stuck_upload")
		if rec.UploadStartedAt != nil {
			meta["stuck_upload_started_at"] = rec.UploadStartedAt.UTC().Format(time.RFC3339)
		}
		msg := fmt.Sprintf("upload stalled for more than %s, requeued", e.opts.StuckUploadThreshold)
		updated, err := e.ledger.UpdateWhere(ctx, rec.ID,
			recordings.Condition{UploadStatuses: []string{models.UploadStatusUploading}, UpdatedAt: &rec.UpdatedAt},
			recordings.Changes{
				UploadStatus:         recordings.String(models.UploadStatusQueued),
				UploadProgress:       recordings.Int(0),
				ClearUploadStartedAt: true,
				ErrorMessage:         &msg,
				Metadata:             meta,
			})
		if err != nil {
			return fmt.Errorf("reset stuck upload %s: %w", rec.ID, err)
		}
		if updated == nil {
			continue
		}
		e.logger.Warn("stuck upload requeued",
			zap.String("recording_id", rec.ID.String()),
			zap.Time("last_update", rec.UpdatedAt),
			zap.Int("attempts", rec.UploadAttempts))
		e.queue.Wake(ctx, rec.ID)
		r.StuckUploadsReset++
	}
	repaired("stuck_upload", r.StuckUploadsReset)
	return nil
}

// recoverStuckRecordings finalizes rows left in recording by a capture process
// that never reported completion.
func (e *Engine) recoverStuckRecordings(ctx context.Context, r *CycleReport) error {
	now := e.now()
	rows, err := e.ledger.List(ctx, recordings.Filter{
		Statuses:      []string{models.RecordingStatusRecording},
		SegmentBefore: now.Add(-e.opts.StuckRecordingThreshold),
		Limit:         e.opts.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("list stuck recordings: %w", err)
	}
	for i := range rows {
		rec := &rows[i]
		resolved, err := e.locate(ctx, rec)
		if err != nil {
			return err
		}
		cond := recordings.Condition{Statuses: []string{models.RecordingStatusRecording}}

		if resolved == nil {
			msg := "recording stuck without file"
			updated, err := e.ledger.UpdateWhere(ctx, rec.ID, cond, recordings.Changes{
				Status:       recordings.String(models.RecordingStatusFailed),
				EndTime:      &now,
				ErrorMessage: &msg,
				Metadata:     e.stamp("stuck_recording"),
			})
			if err != nil {
				return fmt.Errorf("fail stuck recording %s: %w", rec.ID, err)
			}
			if updated != nil {
				e.logger.Warn("stuck recording has no file, marked failed", zap.String("recording_id", rec.ID.String()))
				r.StuckRecordingsFailed++
			}
			continue
		}

		start := rec.SegmentTime()
		dur := e.duration(ctx, rec, resolved)
		end := start.Add(time.Duration(dur) * time.Second)
		changes := recordings.Changes{
			Status:        recordings.String(models.RecordingStatusCompleted),
			EndTime:       &end,
			Duration:      &dur,
			FileSize:      &resolved.Size,
			CanonicalPath: &resolved.CanonicalPath,
			Metadata:      e.stamp("stuck_recording"),
		}
		if name := path.Base(resolved.CanonicalPath); name != rec.Filename {
			changes.Filename = &name
		}
		if rec.LocalPath == "" && rec.FilePath == "" {
			changes.LocalPath = &resolved.CanonicalPath
			changes.FilePath = &resolved.CanonicalPath
		}
		updated, err := e.ledger.UpdateWhere(ctx, rec.ID, cond, changes)
		if err != nil {
			return fmt.Errorf("complete stuck recording %s: %w", rec.ID, err)
		}
		if updated == nil {
			continue
		}
		e.logger.Info("stuck recording finalized",
			zap.String("recording_id", rec.ID.String()),
			zap.String("path", resolved.CanonicalPath),
			zap.Int("duration", dur))
		r.StuckRecordingsRecovered++
		if updated.UploadStatus == models.UploadStatusPending {
			e.enqueue(ctx, rec.ID, "stuck_recording")
		}
	}
	repaired("stuck_recording", r.StuckRecordingsRecovered+r.StuckRecordingsFailed)
	return nil
}

// locate resolves the row's file. Rows that know no file at all fall back to
// the segment nearest their start time, unless another row already owns it.
// A nil result with a nil error means nothing was found.
func (e *Engine) locate(ctx context.Context, rec *models.Recording) (*pathresolver.Resolved, error) {
	resolved, err := e.locator.Resolve(ctx, rec)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, pathresolver.ErrNotFound) {
		return nil, fmt.Errorf("resolve %s: %w", rec.ID, err)
	}
	if rec.CameraID == "" || !knowsNoFile(rec) {
		return nil, nil
	}
	resolved, err = e.locator.FindNear(ctx, rec.CameraID, rec.SegmentTime(), e.opts.OrphanMatchWindow)
	if errors.Is(err, pathresolver.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("search near %s: %w", rec.ID, err)
	}
	owner, err := e.ownerOf(ctx, rec.CameraID, resolved.CanonicalPath)
	if err != nil {
		return nil, err
	}
	if owner != nil && owner.ID != rec.ID {
		e.logger.Debug("nearest segment belongs to another recording",
			zap.String("recording_id", rec.ID.String()),
			zap.String("owner_id", owner.ID.String()),
			zap.String("path", resolved.CanonicalPath))
		return nil, nil
	}
	return resolved, nil
}

// ownerOf returns a row that already refers to canonical, by path or by camera and filename.
func (e *Engine) ownerOf(ctx context.Context, cameraID, canonical string) (*models.Recording, error) {
	for _, f := range []recordings.Filter{
		{Path: canonical, Limit: 1},
		{CameraID: cameraID, Filename: path.Base(canonical), Limit: 1},
	} {
		rows, err := e.ledger.List(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("look up owner of %s: %w", canonical, err)
		}
		if len(rows) > 0 {
			return &rows[0], nil
		}
	}
	return nil, nil
}

func knowsNoFile(rec *models.Recording) bool {
	return rec.Filename == "" && rec.LocalPath == "" && rec.FilePath == "" && rec.CanonicalPath == ""
}

// duration picks the best available duration in seconds: the recorded
// start/end span, then ffprobe, then an age estimate capped at
// MaxDurationEstimate. Zero means unknown.
func (e *Engine) duration(ctx context.Context, rec *models.Recording, resolved *pathresolver.Resolved) int {
	if rec.StartTime != nil && rec.EndTime != nil && rec.EndTime.After(*rec.StartTime) {
		return int(rec.EndTime.Sub(*rec.StartTime) / time.Second)
	}
	if resolved != nil && e.prober != nil {
		d, err := e.prober.Duration(ctx, resolved.AbsolutePath)
		if err == nil && d > 0 {
			return d
		}
		if err != nil {
			e.logger.Debug("read duration", zap.String("path", resolved.AbsolutePath), zap.Error(err))
		}
	}
	start := rec.SegmentTime()
	if start.IsZero() {
		return 0
	}
	age := e.now().Sub(start)
	if age <= 0 {
		return 0
	}
	return int(min(age, e.opts.MaxDurationEstimate) / time.Second)
}

// markMissingFiles fails completed rows whose file can no longer be found.
func (e *Engine) markMissingFiles(ctx context.Context, r *CycleReport) error {
	rows, err := e.ledger.List(ctx, recordings.Filter{
		Statuses:         []string{models.RecordingStatusCompleted},
		UploadStatuses:   []string{models.UploadStatusPending, models.UploadStatusQueued, models.UploadStatusFailed},
		ExcludeErrorCode: models.ErrorCodeFileNotFound,
		SegmentAfter:     e.now().Add(-missingFileLookback),
		Limit:            e.opts.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("list completed recordings: %w", err)
	}
	for i := range rows {
		rec := &rows[i]
		_, err := e.locator.Resolve(ctx, rec)
		if err == nil {
			continue
		}
		if !errors.Is(err, pathresolver.ErrNotFound) {
			return fmt.Errorf("resolve %s: %w", rec.ID, err)
		}
		msg := "file not found: " + firstNonEmpty(rec.FilePath, rec.LocalPath, rec.CanonicalPath, rec.Filename)
		updated, err := e.ledger.UpdateWhere(ctx, rec.ID,
			recordings.Condition{UploadStatuses: []string{rec.UploadStatus}, UpdatedAt: &rec.UpdatedAt},
			recordings.Changes{
				UploadStatus:    recordings.String(models.UploadStatusFailed),
				UploadErrorCode: recordings.String(models.ErrorCodeFileNotFound),
				ErrorMessage:    &msg,
				Metadata:        e.stamp("missing_file"),
			})
		if err != nil {
			return fmt.Errorf("mark missing file %s: %w", rec.ID, err)
		}
		if updated != nil {
			e.logger.Warn("recording file missing", zap.String("recording_id", rec.ID.String()), zap.String("previous_upload_status", rec.UploadStatus))
			r.MissingFiles++
		}
	}
	repaired("missing_file", r.MissingFiles)
	return nil
}

// repairPaths makes local_path, file_path and canonical_path agree.
func (e *Engine) repairPaths(ctx context.Context, r *CycleReport) error {
	rows, err := e.ledger.List(ctx, recordings.Filter{PathDrift: true, Limit: e.opts.BatchSize})
	if err != nil {
		return fmt.Errorf("list path drift: %w", err)
	}
	for i := range rows {
		rec := &rows[i]
		target := ""
		resolved, err := e.locator.Resolve(ctx, rec)
		switch {
		case err == nil:
			target = resolved.CanonicalPath
		case errors.Is(err, pathresolver.ErrNotFound):
			target = e.locator.Normalize(firstNonEmpty(rec.FilePath, rec.LocalPath, rec.CanonicalPath))
		default:
			return fmt.Errorf("resolve %s: %w", rec.ID, err)
		}
		if target == "" {
			continue
		}
		// Paths are derived data; the last writer computes the same value.
		updated, err := e.ledger.UpdateWhere(ctx, rec.ID, recordings.Condition{}, recordings.Changes{
			LocalPath:     &target,
			FilePath:      &target,
			CanonicalPath: &target,
			KeepUpdatedAt: true,
		})
		if err != nil {
			return fmt.Errorf("repair paths %s: %w", rec.ID, err)
		}
		if updated != nil {
			e.logger.Info("recording paths normalized",
				zap.String("recording_id", rec.ID.String()),
				zap.String("local_path", rec.LocalPath),
				zap.String("file_path", rec.FilePath),
				zap.String("canonical_path", target))
			r.PathsRepaired++
		}
	}
	repaired("path", r.PathsRepaired)
	return nil
}

// repairMedia fills in missing duration and file size on completed rows.
func (e *Engine) repairMedia(ctx context.Context, r *CycleReport) error {
	rows, err := e.ledger.List(ctx, recordings.Filter{
		Statuses:         []string{models.RecordingStatusCompleted},
		MissingMedia:     true,
		ExcludeErrorCode: models.ErrorCodeFileNotFound,
		Limit:            e.opts.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("list missing media: %w", err)
	}
	for i := range rows {
		rec := &rows[i]
		resolved, err := e.locator.Resolve(ctx, rec)
		if err != nil && !errors.Is(err, pathresolver.ErrNotFound) {
			return fmt.Errorf("resolve %s: %w", rec.ID, err)
		}

		var changes recordings.Changes
		if rec.FileSize <= 0 && resolved != nil && resolved.Size > 0 {
			changes.FileSize = &resolved.Size
		}
		if rec.Duration <= 0 {
			if d := e.duration(ctx, rec, resolved); d > 0 {
				changes.Duration = &d
			}
		}
		if changes.FileSize == nil && changes.Duration == nil {
			continue
		}
		updated, err := e.ledger.UpdateWhere(ctx, rec.ID, recordings.Condition{Statuses: []string{models.RecordingStatusCompleted}}, changes)
		if err != nil {
			return fmt.Errorf("repair media %s: %w", rec.ID, err)
		}
		if updated != nil {
			e.logger.Info("recording media info repaired",
				zap.String("recording_id", rec.ID.String()),
				zap.Int("duration", updated.Duration),
				zap.Int64("file_size", updated.FileSize))
			r.MediaRepaired++
		}
	}
	repaired("media", r.MediaRepaired)
	return nil
}

// resolveDuplicates keeps one row per camera and filename and retires the rest.
func (e *Engine) resolveDuplicates(ctx context.Context, r *CycleReport) error {
	rows, err := e.ledger.FindDuplicates(ctx, e.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("find duplicates: %w", err)
	}
	for start := 0; start < len(rows); {
		end := start + 1
		for end < len(rows) && rows[end].CameraID == rows[start].CameraID && rows[end].Filename == rows[start].Filename {
			end++
		}
		group := rows[start:end]
		start = end
		if len(group) < 2 {
			continue
		}
		keeper := pickKeeper(group)
		for i := range group {
			rec := &group[i]
			if rec.ID == keeper.ID || rec.UploadStatus == models.UploadStatusUploading {
				continue
			}
			msg := "duplicate of " + keeper.ID.String()
			meta := e.stamp("duplicate")
			meta["duplicate_of"] = keeper.ID.String()
			changes := recordings.Changes{
				Status:          recordings.String(models.RecordingStatusError),
				UploadErrorCode: recordings.String(models.ErrorCodeDuplicate),
				ErrorMessage:    &msg,
				Metadata:        meta,
			}
			if !rec.IsTerminalUpload() {
				changes.UploadStatus = recordings.String(models.UploadStatusFailed)
			}
			updated, err := e.ledger.UpdateWhere(ctx, rec.ID,
				recordings.Condition{UploadStatuses: []string{rec.UploadStatus}, UpdatedAt: &rec.UpdatedAt}, changes)
			if err != nil {
				return fmt.Errorf("retire duplicate %s: %w", rec.ID, err)
			}
			if updated != nil {
				e.logger.Warn("duplicate recording retired",
					zap.String("recording_id", rec.ID.String()),
					zap.String("kept", keeper.ID.String()),
					zap.String("filename", rec.Filename))
				r.DuplicatesResolved++
				e.dropRemoteCopy(ctx, keeper, rec)
			}
		}
	}
	repaired("duplicate", r.DuplicatesResolved)
	return nil
}

// dropRemoteCopy deletes a retired duplicate's own uploaded object once the
// keeper holds an uploaded copy under a different key. The row keeps its
// remote_key.
func (e *Engine) dropRemoteCopy(ctx context.Context, keeper, dup *models.Recording) {
	if e.objects == nil || !keeper.IsTerminalUpload() || keeper.RemoteKey == "" ||
		dup.RemoteKey == "" || dup.RemoteKey == keeper.RemoteKey {
		return
	}
	if err := e.objects.DeleteObject(ctx, dup.RemoteKey); err != nil {
		e.logger.Warn("delete duplicate object",
			zap.String("recording_id", dup.ID.String()),
			zap.String("key", dup.RemoteKey),
			zap.Error(err))
		return
	}
	e.logger.Info("duplicate object deleted",
		zap.String("recording_id", dup.ID.String()),
		zap.String("key", dup.RemoteKey),
		zap.String("kept", keeper.RemoteKey))
}

// pickKeeper prefers the row furthest along the upload lifecycle, then the oldest.
func pickKeeper(group []models.Recording) *models.Recording {
	rank := func(rec *models.Recording) int {
		switch rec.UploadStatus {
		case models.UploadStatusUploaded, models.UploadStatusArchived:
			return 4
		case models.UploadStatusUploading:
			return 3
		case models.UploadStatusQueued:
			return 2
		case models.UploadStatusPending:
			return 1
		}
		return 0
	}
	best := &group[0]
	for i := 1; i < len(group); i++ {
		if rank(&group[i]) > rank(best) {
			best = &group[i]
		}
	}
	return best
}

// enqueueMissed re-submits completed rows whose enqueue never happened.
func (e *Engine) enqueueMissed(ctx context.Context, r *CycleReport) error {
	if !e.opts.UploadsEnabled {
		return nil
	}
	rows, err := e.ledger.List(ctx, recordings.Filter{
		Statuses:       []string{models.RecordingStatusCompleted},
		UploadStatuses: []string{models.UploadStatusPending},
		UpdatedBefore:  e.now().Add(-e.opts.MissedEnqueueGrace),
		Limit:          e.opts.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("list missed enqueues: %w", err)
	}
	for i := range rows {
		if e.enqueue(ctx, rows[i].ID, "missed_enqueue") {
			r.MissedEnqueues++
		}
	}
	if r.MissedEnqueues > 0 {
		e.logger.Info("missed enqueues re-submitted", zap.Int("count", r.MissedEnqueues))
	}
	repaired("missed_enqueue", r.MissedEnqueues)
	return nil
}

func (e *Engine) markMaxRetries(ctx context.Context, r *CycleReport) error {
	n, err := e.queue.MarkMaxRetriesExceeded(ctx)
	if err != nil {
		return err
	}
	r.MaxRetriesExceeded = n
	repaired("max_retries", n)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
