package recordings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/recording-sync/internal/models"
)

const recordingColumns = `id, camera_id, filename, local_path, file_path, canonical_path,
	remote_key, remote_url, remote_etag, remote_size, status, upload_status,
	upload_attempts, upload_progress, upload_started_at, uploaded_at, upload_error_code, error_message,
	file_size, duration, start_time, end_time, COALESCE(metadata, '{}'::jsonb),
	created_at, updated_at, archived_at`

// Repository handles recording persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recordings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanRecording(row pgx.Row) (*models.Recording, error) {
	var rec models.Recording
	err := row.Scan(&rec.ID, &rec.CameraID, &rec.Filename, &rec.LocalPath, &rec.FilePath, &rec.CanonicalPath,
		&rec.RemoteKey, &rec.RemoteURL, &rec.RemoteETag, &rec.RemoteSize, &rec.Status, &rec.UploadStatus,
		&rec.UploadAttempts, &rec.UploadProgress, &rec.UploadStartedAt, &rec.UploadedAt, &rec.UploadErrorCode, &rec.ErrorMessage,
		&rec.FileSize, &rec.Duration, &rec.StartTime, &rec.EndTime, &rec.Metadata,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ArchivedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Create inserts a new recording. A zero ID is replaced with a fresh UUID.
func (r *Repository) Create(ctx context.Context, rec *models.Recording) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = models.RecordingStatusRecording
	}
	if rec.UploadStatus == "" {
		rec.UploadStatus = models.UploadStatusPending
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	const q = `INSERT INTO recordings (id, camera_id, filename, local_path, file_path, canonical_path,
		status, upload_status, file_size, duration, start_time, end_time, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`
	return r.pool.QueryRow(ctx, q, rec.ID, rec.CameraID, rec.Filename, rec.LocalPath, rec.FilePath, rec.CanonicalPath,
		rec.Status, rec.UploadStatus, rec.FileSize, rec.Duration, rec.StartTime, rec.EndTime, rec.Metadata).
		Scan(&rec.CreatedAt, &rec.UpdatedAt)
}

// GetByID returns a recording by ID, or ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings WHERE id = $1`
	rec, err := scanRecording(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("recording %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return rec, nil
}

type argList []any

func (a *argList) add(v any) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

// List returns rows matching f, oldest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]models.Recording, error) {
	var args argList
	where := filterClauses(f, &args)
	q := `SELECT ` + recordingColumns + ` FROM recordings`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ` + args.add(f.Limit)
	}
	if f.Offset > 0 {
		q += ` OFFSET ` + args.add(f.Offset)
	}
	return r.query(ctx, q, args...)
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]models.Recording, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}

func filterClauses(f Filter, args *argList) []string {
	var where []string
	if len(f.UploadStatuses) > 0 {
		where = append(where, "upload_status = ANY("+args.add(f.UploadStatuses)+")")
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status = ANY("+args.add(f.Statuses)+")")
	}
	if f.CameraID != "" {
		where = append(where, "camera_id = "+args.add(f.CameraID))
	}
	if f.Filename != "" {
		where = append(where, "filename = "+args.add(f.Filename))
	}
	if f.Path != "" {
		p := args.add(f.Path)
		where = append(where, "(local_path = "+p+" OR file_path = "+p+" OR canonical_path = "+p+")")
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at < "+args.add(f.CreatedBefore))
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < "+args.add(f.UpdatedBefore))
	}
	if !f.UpdatedAfter.IsZero() {
		where = append(where, "updated_at > "+args.add(f.UpdatedAfter))
	}
	if !f.UploadedBefore.IsZero() {
		where = append(where, "uploaded_at < "+args.add(f.UploadedBefore))
	}
	if !f.SegmentAfter.IsZero() {
		where = append(where, "COALESCE(start_time, created_at) >= "+args.add(f.SegmentAfter))
	}
	if !f.SegmentBefore.IsZero() {
		where = append(where, "COALESCE(start_time, created_at) <= "+args.add(f.SegmentBefore))
	}
	if f.MinAttempts > 0 {
		where = append(where, "upload_attempts >= "+args.add(f.MinAttempts))
	}
	if f.MaxAttempts > 0 {
		where = append(where, "upload_attempts < "+args.add(f.MaxAttempts))
	}
	if f.ExcludeErrorCode != "" {
		where = append(where, "upload_error_code <> "+args.add(f.ExcludeErrorCode))
	}
	if f.MissingMedia {
		where = append(where, "(duration <= 0 OR file_size <= 0)")
	}
	if f.PathDrift {
		where = append(where, "(local_path <> '' OR file_path <> '') AND (local_path <> file_path OR canonical_path <> local_path)")
	}
	if f.NoFile {
		where = append(where, "filename = '' AND local_path = '' AND file_path = ''")
	}
	if !f.ReadyBy.IsZero() && len(f.BackoffFloors) > 0 {
		where = append(where, readyClause(f.ReadyBy, f.BackoffFloors, args))
	}
	return where
}

func readyClause(at time.Time, floors []time.Duration, args *argList) string {
	terms := []string{"upload_attempts = 0"}
	last := len(floors) - 1
	for i := 1; i < last; i++ {
		terms = append(terms, "(upload_attempts = "+args.add(i)+" AND updated_at <= "+args.add(at.Add(-floors[i]))+")")
	}
	terms = append(terms, "(upload_attempts >= "+args.add(last)+" AND updated_at <= "+args.add(at.Add(-floors[last]))+")")
	return "(" + strings.Join(terms, " OR ") + ")"
}

// UpdateWhere applies changes to the row only if it still satisfies cond and
// returns the updated row. A nil row with nil error means the condition did
// not hold and nothing was written.
func (r *Repository) UpdateWhere(ctx context.Context, id uuid.UUID, cond Condition, c Changes) (*models.Recording, error) {
	var args argList
	idArg := args.add(id)
	sets := setClauses(c, &args)
	if !c.KeepUpdatedAt || len(sets) == 0 {
		sets = append(sets, "updated_at = NOW()")
	}

	where := []string{"id = " + idArg}
	if len(cond.UploadStatuses) > 0 {
		where = append(where, "upload_status = ANY("+args.add(cond.UploadStatuses)+")")
	}
	if len(cond.Statuses) > 0 {
		where = append(where, "status = ANY("+args.add(cond.Statuses)+")")
	}
	if cond.UpdatedAt != nil {
		where = append(where, "updated_at = "+args.add(*cond.UpdatedAt))
	}

	q := `UPDATE recordings SET ` + strings.Join(sets, ", ") +
		` WHERE ` + strings.Join(where, " AND ") +
		` RETURNING ` + recordingColumns
	rec, err := scanRecording(r.pool.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func setClauses(c Changes, args *argList) []string {
	var sets []string
	set := func(col string, v any) { sets = append(sets, col+" = "+args.add(v)) }
	if c.Status != nil {
		set("status", *c.Status)
	}
	if c.UploadStatus != nil {
		set("upload_status", *c.UploadStatus)
	}
	switch {
	case c.ResetAttempts:
		sets = append(sets, "upload_attempts = 0")
	case c.AttemptsDelta != 0:
		sets = append(sets, "upload_attempts = upload_attempts + "+args.add(c.AttemptsDelta))
	}
	if c.UploadProgress != nil {
		set("upload_progress", *c.UploadProgress)
	}
	switch {
	case c.ClearUploadStartedAt:
		sets = append(sets, "upload_started_at = NULL")
	case c.UploadStartedAt != nil:
		set("upload_started_at", *c.UploadStartedAt)
	}
	if c.UploadedAt != nil {
		set("uploaded_at", *c.UploadedAt)
	}
	if c.UploadErrorCode != nil {
		set("upload_error_code", *c.UploadErrorCode)
	}
	if c.ErrorMessage != nil {
		set("error_message", *c.ErrorMessage)
	}
	if c.Filename != nil {
		set("filename", *c.Filename)
	}
	if c.LocalPath != nil {
		set("local_path", *c.LocalPath)
	}
	if c.FilePath != nil {
		set("file_path", *c.FilePath)
	}
	if c.CanonicalPath != nil {
		set("canonical_path", *c.CanonicalPath)
	}
	if c.RemoteKey != nil {
		set("remote_key", *c.RemoteKey)
	}
	if c.RemoteURL != nil {
		set("remote_url", *c.RemoteURL)
	}
	if c.RemoteETag != nil {
		set("remote_etag", *c.RemoteETag)
	}
	if c.RemoteSize != nil {
		set("remote_size", *c.RemoteSize)
	}
	if c.FileSize != nil {
		set("file_size", *c.FileSize)
	}
	if c.Duration != nil {
		set("duration", *c.Duration)
	}
	if c.EndTime != nil {
		set("end_time", *c.EndTime)
	}
	if c.ArchivedAt != nil {
		set("archived_at", *c.ArchivedAt)
	}
	if len(c.Metadata) > 0 {
		sets = append(sets, "metadata = COALESCE(metadata, '{}'::jsonb) || "+args.add(c.Metadata)+"::jsonb")
	}
	return sets
}

// CountByUploadStatus returns the number of rows per upload status.
func (r *Repository) CountByUploadStatus(ctx context.Context) (map[string]int, error) {
	const q = `SELECT upload_status, COUNT(*) FROM recordings GROUP BY upload_status`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// FindDuplicates returns rows sharing camera_id and filename with another
// live row, ordered so that each group is contiguous and oldest first.
func (r *Repository) FindDuplicates(ctx context.Context, limit int) ([]models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings
		WHERE filename <> '' AND upload_status <> 'archived' AND upload_error_code <> $1
		AND (camera_id, filename) IN (
			SELECT camera_id, filename FROM recordings
			WHERE filename <> '' AND upload_status <> 'archived' AND upload_error_code <> $1
			GROUP BY camera_id, filename HAVING COUNT(*) > 1)
		ORDER BY camera_id, filename, created_at ASC, id ASC
		LIMIT $2`
	if limit <= 0 {
		limit = 500
	}
	return r.query(ctx, q, models.ErrorCodeDuplicate, limit)
}
