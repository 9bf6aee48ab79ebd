package recordings_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-sync/internal/models"
	"github.com/aura-webinar/recording-sync/internal/recordings"
	"github.com/aura-webinar/recording-sync/pkg/database"
)

func newRepository(t *testing.T) *recordings.Repository {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, dsn, database.PoolOptions{MaxConns: 8}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, database.Migrate(ctx, pool, zap.NewNop()))
	_, err = pool.Exec(ctx, `TRUNCATE recordings`)
	require.NoError(t, err)
	return recordings.NewRepository(pool)
}

func TestRepositoryConditionalClaim(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()

	rec := &models.Recording{CameraID: "cam1", Filename: "a.mp4", Status: models.RecordingStatusCompleted, UploadStatus: models.UploadStatusQueued}
	require.NoError(t, repo.Create(ctx, rec))

	var claimed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			row, err := repo.UpdateWhere(ctx, rec.ID,
				recordings.Condition{UploadStatuses: []string{models.UploadStatusQueued}},
				recordings.Changes{UploadStatus: recordings.String(models.UploadStatusUploading), UploadStartedAt: recordings.Time(time.Now())})
			assert.NoError(t, err)
			if row != nil {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), claimed.Load())

	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusUploading, got.UploadStatus)
}

func TestRepositoryAttemptsAndMetadata(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()

	rec := &models.Recording{CameraID: "cam1", Filename: "b.mp4", Status: models.RecordingStatusCompleted, Metadata: map[string]any{"synced_by": "test"}}
	require.NoError(t, repo.Create(ctx, rec))

	row, err := repo.UpdateWhere(ctx, rec.ID, recordings.Condition{}, recordings.Changes{
		AttemptsDelta: 1,
		Metadata:      map[string]any{"reconciled_at": "now"},
	})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 1, row.UploadAttempts)
	assert.Equal(t, "test", row.Metadata["synced_by"])
	assert.Equal(t, "now", row.Metadata["reconciled_at"])

	stale, err := repo.UpdateWhere(ctx, rec.ID, recordings.Condition{UpdatedAt: &rec.UpdatedAt}, recordings.Changes{AttemptsDelta: 1})
	require.NoError(t, err)
	assert.Nil(t, stale)
}

func TestRepositoryListFilters(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()

	drift := &models.Recording{CameraID: "cam1", Filename: "c.mp4", LocalPath: "/abs/c.mp4", FilePath: "storage/www/record/live/cam1/c.mp4", Status: models.RecordingStatusCompleted}
	clean := &models.Recording{CameraID: "cam1", Filename: "d.mp4", Duration: 10, FileSize: 10, Status: models.RecordingStatusCompleted}
	require.NoError(t, repo.Create(ctx, drift))
	require.NoError(t, repo.Create(ctx, clean))

	rows, err := repo.List(ctx, recordings.Filter{PathDrift: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, drift.ID, rows[0].ID)

	rows, err = repo.List(ctx, recordings.Filter{MissingMedia: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, drift.ID, rows[0].ID)

	counts, err := repo.CountByUploadStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.UploadStatusPending])

	_, err = repo.GetByID(ctx, [16]byte{1})
	assert.ErrorIs(t, err, recordings.ErrNotFound)
}

func TestRepositoryUploadedRequiresKey(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()

	rec := &models.Recording{CameraID: "cam1", Filename: "e.mp4", Status: models.RecordingStatusCompleted}
	require.NoError(t, repo.Create(ctx, rec))

	_, err := repo.UpdateWhere(ctx, rec.ID, recordings.Condition{}, recordings.Changes{UploadStatus: recordings.String(models.UploadStatusUploaded)})
	assert.Error(t, err, "check constraint must reject uploaded without key")
}
