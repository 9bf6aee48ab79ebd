// Package recordingstest provides an in-memory ledger with the same
// conditional-update semantics as the Postgres repository.
package recordingstest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/recording-sync/internal/models"
	"github.com/aura-webinar/recording-sync/internal/recordings"
)

// Store is a goroutine-safe in-memory ledger.
type Store struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.Recording
	seq  time.Duration

	// Now is the ledger clock. Defaults to time.Now.
	Now func() time.Time
	// FailUpdates, when set, makes UpdateWhere return it.
	FailUpdates error
	// Writes counts successful Create and UpdateWhere calls.
	Writes int
}

// New returns an empty store.
func New() *Store {
	return &Store{rows: make(map[uuid.UUID]*models.Recording), Now: time.Now}
}

func (s *Store) now() time.Time {
	// Distinct timestamps keep created_at ordering stable for rows inserted back to back.
	s.seq += time.Microsecond
	return s.Now().Add(s.seq).UTC().Truncate(time.Microsecond)
}

func clone(rec *models.Recording) *models.Recording {
	c := *rec
	if rec.Metadata != nil {
		c.Metadata = make(map[string]any, len(rec.Metadata))
		for k, v := range rec.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Put inserts rec verbatim, keeping any timestamps it carries. Test setup only.
func (s *Store) Put(rec models.Recording) *models.Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.UploadStatus == "" {
		rec.UploadStatus = models.UploadStatusPending
	}
	s.rows[rec.ID] = clone(&rec)
	return clone(&rec)
}

// Get returns a copy of the row, or nil.
func (s *Store) Get(id uuid.UUID) *models.Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[id]; ok {
		return clone(r)
	}
	return nil
}

// All returns copies of every row, oldest first.
func (s *Store) All() []models.Recording {
	list, _ := s.List(context.Background(), recordings.Filter{})
	return list
}

// Create implements the repository Create.
func (s *Store) Create(_ context.Context, rec *models.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if _, ok := s.rows[rec.ID]; ok {
		return fmt.Errorf("duplicate key %s", rec.ID)
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
	rec.CreatedAt = s.now()
	rec.UpdatedAt = rec.CreatedAt
	s.rows[rec.ID] = clone(rec)
	s.Writes++
	return nil
}

// GetByID implements the repository GetByID.
func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*models.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("recording %s: %w", id, recordings.ErrNotFound)
	}
	return clone(r), nil
}

// List implements the repository List.
func (s *Store) List(_ context.Context, f recordings.Filter) ([]models.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Recording
	for _, r := range s.rows {
		if matches(r, f) {
			out = append(out, *clone(r))
		}
	}
	sortRows(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func sortRows(rows []models.Recording) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID.String() < rows[j].ID.String()
	})
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func matches(r *models.Recording, f recordings.Filter) bool {
	switch {
	case len(f.UploadStatuses) > 0 && !contains(f.UploadStatuses, r.UploadStatus):
		return false
	case len(f.Statuses) > 0 && !contains(f.Statuses, r.Status):
		return false
	case f.CameraID != "" && r.CameraID != f.CameraID:
		return false
	case f.Filename != "" && r.Filename != f.Filename:
		return false
	case f.Path != "" && r.LocalPath != f.Path && r.FilePath != f.Path && r.CanonicalPath != f.Path:
		return false
	case !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore):
		return false
	case !f.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(f.UpdatedBefore):
		return false
	case !f.UpdatedAfter.IsZero() && !r.UpdatedAt.After(f.UpdatedAfter):
		return false
	case !f.UploadedBefore.IsZero() && (r.UploadedAt == nil || !r.UploadedAt.Before(f.UploadedBefore)):
		return false
	case !f.SegmentAfter.IsZero() && r.SegmentTime().Before(f.SegmentAfter):
		return false
	case !f.SegmentBefore.IsZero() && r.SegmentTime().After(f.SegmentBefore):
		return false
	case f.MinAttempts > 0 && r.UploadAttempts < f.MinAttempts:
		return false
	case f.MaxAttempts > 0 && r.UploadAttempts >= f.MaxAttempts:
		return false
	case f.ExcludeErrorCode != "" && r.UploadErrorCode == f.ExcludeErrorCode:
		return false
	case f.MissingMedia && r.Duration > 0 && r.FileSize > 0:
		return false
	case f.PathDrift && !pathDrift(r):
		return false
	case f.NoFile && (r.Filename != "" || r.LocalPath != "" || r.FilePath != ""):
		return false
	case !f.ReadyBy.IsZero() && len(f.BackoffFloors) > 0 && !pastFloor(r, f.ReadyBy, f.BackoffFloors):
		return false
	}
	return true
}

func pastFloor(r *models.Recording, at time.Time, floors []time.Duration) bool {
	if r.UploadAttempts == 0 {
		return true
	}
	idx := r.UploadAttempts
	if idx >= len(floors) {
		idx = len(floors) - 1
	}
	return !r.UpdatedAt.After(at.Add(-floors[idx]))
}

func pathDrift(r *models.Recording) bool {
	if r.LocalPath == "" && r.FilePath == "" {
		return false
	}
	return r.LocalPath != r.FilePath || r.CanonicalPath != r.LocalPath
}

// UpdateWhere implements the repository UpdateWhere.
func (s *Store) UpdateWhere(_ context.Context, id uuid.UUID, cond recordings.Condition, c recordings.Changes) (*models.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpdates != nil {
		return nil, s.FailUpdates
	}
	r, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	if len(cond.UploadStatuses) > 0 && !contains(cond.UploadStatuses, r.UploadStatus) {
		return nil, nil
	}
	if len(cond.Statuses) > 0 && !contains(cond.Statuses, r.Status) {
		return nil, nil
	}
	if cond.UpdatedAt != nil && !cond.UpdatedAt.Equal(r.UpdatedAt) {
		return nil, nil
	}
	apply(r, c)
	if !c.KeepUpdatedAt {
		r.UpdatedAt = s.now()
	}
	s.Writes++
	return clone(r), nil
}

func apply(r *models.Recording, c recordings.Changes) {
	if c.Status != nil {
		r.Status = *c.Status
	}
	if c.UploadStatus != nil {
		r.UploadStatus = *c.UploadStatus
	}
	switch {
	case c.ResetAttempts:
		r.UploadAttempts = 0
	case c.AttemptsDelta != 0:
		r.UploadAttempts += c.AttemptsDelta
	}
	if c.UploadProgress != nil {
		r.UploadProgress = *c.UploadProgress
	}
	switch {
	case c.ClearUploadStartedAt:
		r.UploadStartedAt = nil
	case c.UploadStartedAt != nil:
		t := *c.UploadStartedAt
		r.UploadStartedAt = &t
	}
	if c.UploadedAt != nil {
		t := *c.UploadedAt
		r.UploadedAt = &t
	}
	setString(&r.UploadErrorCode, c.UploadErrorCode)
	setString(&r.ErrorMessage, c.ErrorMessage)
	setString(&r.Filename, c.Filename)
	setString(&r.LocalPath, c.LocalPath)
	setString(&r.FilePath, c.FilePath)
	setString(&r.CanonicalPath, c.CanonicalPath)
	setString(&r.RemoteKey, c.RemoteKey)
	setString(&r.RemoteURL, c.RemoteURL)
	setString(&r.RemoteETag, c.RemoteETag)
	if c.RemoteSize != nil {
		r.RemoteSize = *c.RemoteSize
	}
	if c.FileSize != nil {
		r.FileSize = *c.FileSize
	}
	if c.Duration != nil {
		r.Duration = *c.Duration
	}
	if c.EndTime != nil {
		t := *c.EndTime
		r.EndTime = &t
	}
	if c.ArchivedAt != nil {
		t := *c.ArchivedAt
		r.ArchivedAt = &t
	}
	if len(c.Metadata) > 0 {
		if r.Metadata == nil {
			r.Metadata = map[string]any{}
		}
		for k, v := range c.Metadata {
			r.Metadata[k] = v
		}
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// CountByUploadStatus implements the repository CountByUploadStatus.
func (s *Store) CountByUploadStatus(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, r := range s.rows {
		counts[r.UploadStatus]++
	}
	return counts, nil
}

// FindDuplicates implements the repository FindDuplicates.
func (s *Store) FindDuplicates(_ context.Context, limit int) ([]models.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := func(r *models.Recording) bool {
		return r.Filename != "" && r.UploadStatus != models.UploadStatusArchived && r.UploadErrorCode != models.ErrorCodeDuplicate
	}
	groups := make(map[[2]string]int)
	for _, r := range s.rows {
		if live(r) {
			groups[[2]string{r.CameraID, r.Filename}]++
		}
	}
	var out []models.Recording
	for _, r := range s.rows {
		if live(r) && groups[[2]string{r.CameraID, r.Filename}] > 1 {
			out = append(out, *clone(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CameraID != out[j].CameraID {
			return out[i].CameraID < out[j].CameraID
		}
		if out[i].Filename != out[j].Filename {
			return out[i].Filename < out[j].Filename
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
