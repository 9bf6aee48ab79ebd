package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-sync/internal/models"
	"github.com/aura-webinar/recording-sync/internal/pathresolver"
	"github.com/aura-webinar/recording-sync/internal/recordings"
)

// syncOrphans walks the canonical root and gives every segment without a
// ledger row one: either an existing row that lost its file reference, or a
// new completed row.
func (e *Engine) syncOrphans(ctx context.Context, r *CycleReport) error {
	files, err := e.locator.Scan(ctx, e.now(), e.opts.OrphanMinAge)
	if err != nil {
		return fmt.Errorf("scan recordings root: %w", err)
	}
	for i := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.syncFile(ctx, &files[i], r); err != nil {
			return err
		}
	}
	repaired("orphan_linked", r.OrphansLinked)
	repaired("orphan_created", r.OrphansCreated)
	repaired("orphan_revived", r.OrphansRevived)
	return nil
}

func (e *Engine) syncFile(ctx context.Context, f *pathresolver.DiscoveredFile, r *CycleReport) error {
	key := f.CanonicalPath
	failures, err := e.attempts.Failures(ctx, key)
	if err != nil {
		e.logger.Warn("read orphan attempts", zap.String("path", key), zap.Error(err))
	}
	if failures >= e.opts.OrphanMaxAttempts {
		r.OrphansSkipped++
		return nil
	}

	rows, err := e.ledger.List(ctx, recordings.Filter{CameraID: f.CameraID, Filename: f.Filename, Limit: 1})
	if err != nil {
		return fmt.Errorf("match orphan by name: %w", err)
	}
	if len(rows) > 0 {
		return e.revive(ctx, &rows[0], f, r)
	}
	rows, err = e.ledger.List(ctx, recordings.Filter{Path: f.CanonicalPath, Limit: 1})
	if err != nil {
		return fmt.Errorf("match orphan by path: %w", err)
	}
	if len(rows) > 0 {
		return nil
	}

	at, ok := pathresolver.ParseSegmentTime(f.Filename)
	if !ok {
		e.orphanFailed(ctx, key, fmt.Errorf("no timestamp in segment name %q", f.Filename))
		r.OrphansSkipped++
		return nil
	}

	rows, err = e.ledger.List(ctx, recordings.Filter{
		CameraID:      f.CameraID,
		NoFile:        true,
		SegmentAfter:  at.Add(-e.opts.OrphanMatchWindow),
		SegmentBefore: at.Add(e.opts.OrphanMatchWindow),
		Limit:         1,
	})
	if err != nil {
		return fmt.Errorf("match orphan by time: %w", err)
	}
	if len(rows) > 0 {
		return e.link(ctx, &rows[0], f, r)
	}
	e.synthesize(ctx, f, at, r)
	return nil
}

// revive clears FILE_NOT_FOUND from a row whose file has reappeared.
func (e *Engine) revive(ctx context.Context, rec *models.Recording, f *pathresolver.DiscoveredFile, r *CycleReport) error {
	if rec.UploadStatus != models.UploadStatusFailed || rec.UploadErrorCode != models.ErrorCodeFileNotFound {
		return nil
	}
	meta := e.stamp("orphan_sync")
	meta["orphan_source"] = f.AbsolutePath
	updated, err := e.ledger.UpdateWhere(ctx, rec.ID,
		recordings.Condition{UploadStatuses: []string{models.UploadStatusFailed}, UpdatedAt: &rec.UpdatedAt},
		recordings.Changes{
			UploadStatus:    recordings.String(models.UploadStatusPending),
			UploadErrorCode: recordings.String(""),
			ErrorMessage:    recordings.String(""),
			CanonicalPath:   &f.CanonicalPath,
			Metadata:        meta,
		})
	if err != nil {
		return fmt.Errorf("revive %s: %w", rec.ID, err)
	}
	if updated == nil {
		return nil
	}
	e.logger.Info("recording file reappeared", zap.String("recording_id", rec.ID.String()), zap.String("path", f.CanonicalPath))
	r.OrphansRevived++
	if updated.Status == models.RecordingStatusCompleted {
		e.enqueue(ctx, rec.ID, "orphan_sync")
	}
	return nil
}

// link attaches a discovered file to a row that never learned its file.
func (e *Engine) link(ctx context.Context, rec *models.Recording, f *pathresolver.DiscoveredFile, r *CycleReport) error {
	meta := e.stamp("orphan_sync")
	meta["orphan_source"] = f.AbsolutePath
	changes := recordings.Changes{
		Filename:      &f.Filename,
		LocalPath:     &f.CanonicalPath,
		FilePath:      &f.CanonicalPath,
		CanonicalPath: &f.CanonicalPath,
		Metadata:      meta,
	}
	if rec.FileSize <= 0 {
		changes.FileSize = &f.Size
	}
	if rec.UploadStatus == models.UploadStatusFailed && rec.UploadErrorCode == models.ErrorCodeFileNotFound {
		changes.UploadStatus = recordings.String(models.UploadStatusPending)
		changes.UploadErrorCode = recordings.String("")
		changes.ErrorMessage = recordings.String("")
	}
	updated, err := e.ledger.UpdateWhere(ctx, rec.ID, recordings.Condition{UpdatedAt: &rec.UpdatedAt}, changes)
	if err != nil {
		return fmt.Errorf("link orphan to %s: %w", rec.ID, err)
	}
	if updated == nil {
		return nil
	}
	e.logger.Info("orphan file linked to recording",
		zap.String("recording_id", rec.ID.String()),
		zap.String("path", f.CanonicalPath))
	r.OrphansLinked++
	if updated.Status == models.RecordingStatusCompleted && updated.UploadStatus == models.UploadStatusPending {
		e.enqueue(ctx, rec.ID, "orphan_sync")
	}
	return nil
}

// synthesize creates a completed row for a file nobody recorded.
func (e *Engine) synthesize(ctx context.Context, f *pathresolver.DiscoveredFile, start time.Time, r *CycleReport) {
	dur := 0
	if e.prober != nil {
		d, err := e.prober.Duration(ctx, f.AbsolutePath)
		if err != nil {
			e.logger.Debug("read orphan duration", zap.String("path", f.AbsolutePath), zap.Error(err))
		}
		dur = d
	}
	if dur <= 0 && f.ModTime.After(start) {
		dur = int(min(f.ModTime.Sub(start), e.opts.MaxDurationEstimate) / time.Second)
	}

	meta := e.stamp("orphan_sync")
	meta["synced_by"] = "reconcile"
	meta["orphan_source"] = f.AbsolutePath
	rec := &models.Recording{
		ID:            uuid.New(),
		CameraID:      f.CameraID,
		Filename:      f.Filename,
		LocalPath:     f.CanonicalPath,
		FilePath:      f.CanonicalPath,
		CanonicalPath: f.CanonicalPath,
		Status:        models.RecordingStatusCompleted,
		UploadStatus:  models.UploadStatusPending,
		FileSize:      f.Size,
		Duration:      dur,
		StartTime:     &start,
		Metadata:      meta,
	}
	if dur > 0 {
		end := start.Add(time.Duration(dur) * time.Second)
		rec.EndTime = &end
	}
	if err := e.ledger.Create(ctx, rec); err != nil {
		e.orphanFailed(ctx, f.CanonicalPath, fmt.Errorf("create recording: %w", err))
		r.OrphansSkipped++
		return
	}
	if err := e.attempts.Clear(ctx, f.CanonicalPath); err != nil {
		e.logger.Debug("clear orphan attempts", zap.String("path", f.CanonicalPath), zap.Error(err))
	}
	e.logger.Info("recording created for orphan file",
		zap.String("recording_id", rec.ID.String()),
		zap.String("camera_id", f.CameraID),
		zap.String("path", f.CanonicalPath),
		zap.Int64("size", f.Size))
	r.OrphansCreated++
	e.enqueue(ctx, rec.ID, "orphan_sync")
}

func (e *Engine) orphanFailed(ctx context.Context, key string, cause error) {
	n, err := e.attempts.RecordFailure(ctx, key)
	if err != nil {
		e.logger.Warn("record orphan attempt", zap.String("path", key), zap.Error(err))
	}
	fields := []zap.Field{zap.String("path", key), zap.Int("failures", n), zap.Error(cause)}
	if n >= e.opts.OrphanMaxAttempts {
		e.logger.Error("orphan file skipped after repeated failures", fields...)
		return
	}
	e.logger.Warn("orphan file not synced", fields...)
}
