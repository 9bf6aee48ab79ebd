package pathresolver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/recording-sync/internal/models"
	"github.com/aura-webinar/recording-sync/internal/recordings/recordingstest"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestResolveCanonicalLayoutWritesBack(t *testing.T) {
	root := t.TempDir()
	store := recordingstest.New()
	start := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	rec := store.Put(models.Recording{
		CameraID:  "cam1",
		Filename:  "2024-01-15-10-30-00-0.mp4",
		Status:    models.RecordingStatusCompleted,
		StartTime: &start,
	})
	writeFile(t, filepath.Join(root, "cam1", "2024-01-15", rec.Filename), 42)

	loc := New(Layout{Root: root}, store, nil)
	res, err := loc.Resolve(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Size)
	assert.Equal(t, "storage/www/record/live/cam1/2024-01-15/2024-01-15-10-30-00-0.mp4", res.CanonicalPath)
	assert.Equal(t, res.CanonicalPath, store.Get(rec.ID).CanonicalPath)

	writes := store.Writes
	_, err = loc.Resolve(context.Background(), store.Get(rec.ID))
	require.NoError(t, err)
	assert.Equal(t, writes, store.Writes, "second resolve must not write")
}

func TestWriteBackKeepsUpdatedAt(t *testing.T) {
	root := t.TempDir()
	store := recordingstest.New()
	start := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	failedAt := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	rec := store.Put(models.Recording{
		CameraID:       "cam1",
		Filename:       "2024-01-15-10-30-00-0.mp4",
		CanonicalPath:  "storage/www/record/live/cam1/old/2024-01-15-10-30-00-0.mp4",
		Status:         models.RecordingStatusCompleted,
		UploadStatus:   models.UploadStatusQueued,
		UploadAttempts: 3,
		StartTime:      &start,
		UpdatedAt:      failedAt,
	})
	writeFile(t, filepath.Join(root, "cam1", "2024-01-15", rec.Filename), 42)

	res, err := New(Layout{Root: root}, store, nil).Resolve(context.Background(), rec)
	require.NoError(t, err)

	got := store.Get(rec.ID)
	assert.Equal(t, res.CanonicalPath, got.CanonicalPath)
	assert.True(t, got.UpdatedAt.Equal(failedAt))
	assert.Equal(t, 3, got.UploadAttempts)
}

func TestResolveLegacyLayouts(t *testing.T) {
	cases := map[string]func(root string) string{
		"camera flat": func(root string) string { return filepath.Join(root, "cam1", "seg.mp4") },
		"processed":   func(root string) string { return filepath.Join(root, "processed", "2024-01-15", "seg.mp4") },
		"nested live": func(root string) string {
			return filepath.Join(root, "cam1", "2024-01-15", "record", "live", "cam1", "2024-01-15", "seg.mp4")
		},
		"temp file": func(root string) string { return filepath.Join(root, "cam1", "2024-01-15", ".seg.mp4") },
		"bare":      func(root string) string { return filepath.Join(root, "seg.mp4") },
	}
	for name, place := range cases {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			created := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
			rec := &models.Recording{CameraID: "cam1", Filename: "seg.mp4", CreatedAt: created}
			want := place(root)
			writeFile(t, want, 10)

			res, err := New(Layout{Root: root}, nil, nil).Resolve(context.Background(), rec)
			require.NoError(t, err)
			assert.Equal(t, want, res.AbsolutePath)
		})
	}
}

func TestResolveAlternateRootAndAbsolutePath(t *testing.T) {
	root, alt := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(alt, "cam2", "2024-03-01", "x.mp4"), 5)

	rec := &models.Recording{
		CameraID:  "cam2",
		Filename:  "x.mp4",
		CreatedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	res, err := New(Layout{Root: root, AltRoots: []string{alt}}, nil, nil).Resolve(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(alt, "cam2", "2024-03-01", "x.mp4"), res.AbsolutePath)

	elsewhere := filepath.Join(t.TempDir(), "odd", "y.mp4")
	writeFile(t, elsewhere, 7)
	rec = &models.Recording{CameraID: "cam2", LocalPath: elsewhere}
	res, err = New(Layout{Root: root}, nil, nil).Resolve(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, elsewhere, res.AbsolutePath)
}

func TestResolveNotFound(t *testing.T) {
	rec := &models.Recording{CameraID: "cam1", Filename: "missing.mp4", CreatedAt: time.Now()}
	_, err := New(Layout{Root: t.TempDir()}, nil, nil).Resolve(context.Background(), rec)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestResolveSkipsDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "cam1", "seg.mp4"), 0o755))
	rec := &models.Recording{CameraID: "cam1", Filename: "seg.mp4", CreatedAt: time.Now()}
	_, err := New(Layout{Root: root}, nil, nil).Resolve(context.Background(), rec)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCandidatesDeduplicated(t *testing.T) {
	rec := &models.Recording{
		CameraID:      "cam1",
		Filename:      "seg.mp4",
		LocalPath:     "storage/www/record/live/cam1/2024-01-15/seg.mp4",
		FilePath:      "storage/www/record/live/cam1/2024-01-15/seg.mp4",
		CanonicalPath: "storage/www/record/live/cam1/2024-01-15/seg.mp4",
		CreatedAt:     time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
	}
	got := New(Layout{Root: "/r"}, nil, nil).Candidates(rec)
	seen := map[string]bool{}
	for _, p := range got {
		assert.False(t, seen[p], "duplicate candidate %s", p)
		seen[p] = true
	}
	assert.Equal(t, filepath.Clean("/r/cam1/2024-01-15/seg.mp4"), got[0])
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	writeFile(t, filepath.Join(root, "cam1", "2024-01-15", "2024-01-15-10-00-00-0.mp4"), 3)
	writeFile(t, filepath.Join(root, "cam1", "2024-01-15", ".2024-01-15-10-10-00-0.mp4"), 3)
	writeFile(t, filepath.Join(root, "cam1", "2024-01-15", "notes.txt"), 3)
	writeFile(t, filepath.Join(root, "cam1", "misc", "x.mp4"), 3)
	fresh := filepath.Join(root, "cam2", "2024-01-15", "2024-01-15-11-00-00-0.mp4")
	writeFile(t, fresh, 3)
	old := now.Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "cam1", "2024-01-15", "2024-01-15-10-00-00-0.mp4"), old, old))

	files, err := New(Layout{Root: root}, nil, nil).Scan(context.Background(), now, time.Minute)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "cam1", files[0].CameraID)
	assert.Equal(t, "storage/www/record/live/cam1/2024-01-15/2024-01-15-10-00-00-0.mp4", files[0].CanonicalPath)
}

func TestScanMissingRoot(t *testing.T) {
	files, err := New(Layout{Root: filepath.Join(t.TempDir(), "absent")}, nil, nil).Scan(context.Background(), time.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestFindNear(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "cam1", "2024-01-15", "2024-01-15-10-00-00-0.mp4"), 1)
	writeFile(t, filepath.Join(root, "cam1", "2024-01-15", "2024-01-15-10-08-00-0.mp4"), 2)
	writeFile(t, filepath.Join(root, "cam1", "2024-01-15", "2024-01-15-12-00-00-0.mp4"), 3)
	loc := New(Layout{Root: root}, nil, nil)

	res, err := loc.FindNear(context.Background(), "cam1", time.Date(2024, 1, 15, 10, 6, 0, 0, time.UTC), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Size)

	_, err = loc.FindNear(context.Background(), "cam1", time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC), 10*time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}
