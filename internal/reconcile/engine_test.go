package reconcile

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/recording-sync/internal/models"
	"github.com/aura-webinar/recording-sync/internal/pathresolver"
	"github.com/aura-webinar/recording-sync/internal/recordings/recordingstest"
	"github.com/aura-webinar/recording-sync/internal/retry"
	"github.com/aura-webinar/recording-sync/internal/uploadqueue"
	"github.com/aura-webinar/recording-sync/pkg/queue"
	"github.com/aura-webinar/recording-sync/pkg/storage/storagetest"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type wakeRecorder struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (w *wakeRecorder) Wake(_ context.Context, id uuid.UUID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ids = append(w.ids, id)
	return nil
}

func (w *wakeRecorder) DeadLetter(context.Context, queue.DeadLetter) error { return nil }

type fakeProber struct {
	seconds int
	calls   int
}

func (p *fakeProber) Duration(context.Context, string) (int, error) {
	p.calls++
	return p.seconds, nil
}

type fixture struct {
	root    string
	clock   *clock
	store   *recordingstest.Store
	locator *pathresolver.Locator
	coord   *uploadqueue.Coordinator
	tracker *MemoryTracker
	prober  *fakeProber
	wakes   *wakeRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	// Files written by the test are an hour old on the fixture clock, past any
	// minimum-age filter.
	clk := &clock{t: time.Now().Add(time.Hour).UTC().Truncate(time.Second)}
	store := recordingstest.New()
	store.Now = clk.Now
	root := t.TempDir()
	loc := pathresolver.New(pathresolver.Layout{Root: root}, store, nil)
	wakes := &wakeRecorder{}
	coord := uploadqueue.New(store, loc, retry.NewPolicy(time.Minute, 4*time.Hour, 5), wakes, uploadqueue.Options{}, nil)
	coord.SetClock(clk.Now)
	tracker := NewMemoryTracker(time.Hour)
	tracker.Now = clk.Now
	return &fixture{
		root:    root,
		clock:   clk,
		store:   store,
		locator: loc,
		coord:   coord,
		tracker: tracker,
		prober:  &fakeProber{seconds: 60},
		wakes:   wakes,
	}
}

func (f *fixture) engine(opts Options) *Engine {
	e := New(f.store, f.coord, f.locator, f.prober, f.tracker, opts, nil)
	e.SetClock(f.clock.Now)
	return e
}

// segment writes a 2 KiB segment named after at and returns its filename and canonical path.
func (f *fixture) segment(t *testing.T, camera string, at time.Time) (string, string) {
	t.Helper()
	return f.file(t, camera, at.UTC().Format("2006-01-02"), at.UTC().Format("2006-01-02-15-04-05")+".mp4")
}

func (f *fixture) file(t *testing.T, camera, date, name string) (string, string) {
	t.Helper()
	p := filepath.Join(f.root, camera, date, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, make([]byte, 2048), 0o644))
	return name, path.Join(pathresolver.CanonicalMarker, camera, date, name)
}

func segmentName(at time.Time) string {
	return at.UTC().Format("2006-01-02-15-04-05") + ".mp4"
}

func (f *fixture) ago(d time.Duration) time.Time {
	return f.clock.Now().Add(-d)
}

func TestStuckUploadRequeuedWithAttemptsUnchanged(t *testing.T) {
	f := newFixture(t)
	at := f.ago(3 * time.Hour)
	name, canonical := f.segment(t, "cam1", at)
	started := f.ago(time.Hour)
	stuck := f.store.Put(models.Recording{
		CameraID: "cam1", Filename: name, LocalPath: canonical, FilePath: canonical, CanonicalPath: canonical,
		Status: models.RecordingStatusCompleted, UploadStatus: models.UploadStatusUploading,
		UploadAttempts: 2, UploadProgress: 40, UploadStartedAt: &started,
		FileSize: 2048, Duration: 60, StartTime: &at,
		UpdatedAt: f.ago(time.Hour),
	})
	recentAt := f.ago(2 * time.Hour)
	recentName, recentCanonical := f.segment(t, "cam1", recentAt)
	active := f.store.Put(models.Recording{
		CameraID: "cam1", Filename: recentName, LocalPath: recentCanonical, FilePath: recentCanonical, CanonicalPath: recentCanonical,
		Status: models.RecordingStatusCompleted, UploadStatus: models.UploadStatusUploading,
		UploadAttempts: 1, FileSize: 2048, Duration: 60, StartTime: &recentAt,
		UpdatedAt: f.ago(time.Minute),
	})

	report, err := f.engine(Options{}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.StuckUploadsReset)

	got := f.store.Get(stuck.ID)
	assert.Equal(t, models.UploadStatusQueued, got.UploadStatus)
	assert.Equal(t, 2, got.UploadAttempts)
	assert.Equal(t, 0, got.UploadProgress)
	assert.Nil(t, got.UploadStartedAt)
	assert.Equal(t, "stuck_upload", got.Metadata["reconciled_by"])
	assert.Contains(t, f.wakes.ids, stuck.ID)

	assert.Equal(t, models.UploadStatusUploading, f.store.Get(active.ID).UploadStatus)
}

func TestOrphanFileCreatesOneRowThenEnqueued(t *testing.T) {
	f := newFixture(t)
	at := f.ago(3 * time.Hour)
	name, canonical := f.segment(t, "cam1", at)
	ctx := context.Background()

	report, err := f.engine(Options{}).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphansCreated)

	rows := f.store.All()
	require.Len(t, rows, 1)
	rec := rows[0]
	assert.Equal(t, "cam1", rec.CameraID)
	assert.Equal(t, name, rec.Filename)
	assert.Equal(t, canonical, rec.CanonicalPath)
	assert.Equal(t, canonical, rec.LocalPath)
	assert.Equal(t, models.RecordingStatusCompleted, rec.Status)
	assert.Equal(t, models.UploadStatusPending, rec.UploadStatus)
	assert.Equal(t, int64(2048), rec.FileSize)
	assert.Equal(t, 60, rec.Duration)
	require.NotNil(t, rec.StartTime)
	assert.True(t, rec.StartTime.Equal(at.Truncate(time.Second)))
	assert.Equal(t, "reconcile", rec.Metadata["synced_by"])

	// A second pass finds the row and creates nothing.
	report, err = f.engine(Options{}).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.OrphansCreated)
	require.Len(t, f.store.All(), 1)

	// Once uploads are enabled the missed-enqueue repair picks it up.
	f.clock.Advance(5 * time.Minute)
	report, err = f.engine(Options{UploadsEnabled: true}).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MissedEnqueues)
	rows = f.store.All()
	require.Len(t, rows, 1)
	assert.Equal(t, models.UploadStatusQueued, rows[0].UploadStatus)
}

func TestOrphanEnqueuedImmediatelyWhenUploadsEnabled(t *testing.T) {
	f := newFixture(t)
	f.segment(t, "cam1", f.ago(3*time.Hour))

	report, err := f.engine(Options{UploadsEnabled: true}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphansCreated)
	rows := f.store.All()
	require.Len(t, rows, 1)
	assert.Equal(t, models.UploadStatusQueued, rows[0].UploadStatus)
	assert.Equal(t, 0, rows[0].UploadAttempts)
}

func TestOrphanSkipsFreshFiles(t *testing.T) {
	f := newFixture(t)
	f.segment(t, "cam1", f.ago(3*time.Hour))
	f.clock.t = time.Now().UTC()

	report, err := f.engine(Options{OrphanMinAge: time.Hour}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.OrphansCreated)
	assert.Empty(t, f.store.All())
}

func TestOrphanLinkedToRowWithoutFile(t *testing.T) {
	f := newFixture(t)
	at := f.ago(3 * time.Hour)
	name, canonical := f.segment(t, "cam1", at)
	start := at.Add(2 * time.Minute)
	rec := f.store.Put(models.Recording{
		CameraID: "cam1", Status: models.RecordingStatusCompleted, UploadStatus: models.UploadStatusPending,
		StartTime: &start,
	})

	report, err := f.engine(Options{}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphansLinked)
	assert.Equal(t, 0, report.OrphansCreated)

	require.Len(t, f.store.All(), 1)
	got := f.store.Get(rec.ID)
	assert.Equal(t, name, got.Filename)
	assert.Equal(t, canonical, got.CanonicalPath)
	assert.Equal(t, canonical, got.FilePath)
	assert.Equal(t, int64(2048), got.FileSize)
	assert.Equal(t, models.UploadStatusPending, got.UploadStatus)
	assert.Equal(t, 60, got.Duration, "media repair reads the linked file")
}

func TestOrphanAttemptsAreCapped(t *testing.T) {
	f := newFixture(t)
	date := f.ago(3 * time.Hour).Format("2006-01-02")
	_, canonical := f.file(t, "cam1", date, "garbage.mp4")
	e := f.engine(Options{OrphanMaxAttempts: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		report, err := e.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.OrphansSkipped)
	}
	n, err := f.tracker.Failures(ctx, canonical)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, f.store.All())

	// Once the tracker forgets the file it is tried again.
	f.clock.Advance(2 * time.Hour)
	_, err = e.RunCycle(ctx)
	require.NoError(t, err)
	n, err = f.tracker.Failures(ctx, canonical)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStuckRecordingRecovered(t *testing.T) {
	f := newFixture(t)
	at := f.ago(2 * time.Hour)
	name, canonical := f.segment(t, "cam1", at)
	withFile := f.store.Put(models.Recording{CameraID: "cam1", Filename: name, Status: models.RecordingStatusRecording, StartTime: &at})

	nearAt := f.ago(3 * time.Hour)
	nearName, nearCanonical := f.segment(t, "cam3", nearAt)
	nearStart := nearAt.Add(time.Minute)
	nearby := f.store.Put(models.Recording{CameraID: "cam3", Status: models.RecordingStatusRecording, StartTime: &nearStart})

	lostStart := f.ago(2 * time.Hour)
	lost := f.store.Put(models.Recording{CameraID: "cam2", Filename: "2020-01-01-00-00-00.mp4", Status: models.RecordingStatusRecording, StartTime: &lostStart})

	liveStart := f.ago(5 * time.Minute)
	live := f.store.Put(models.Recording{CameraID: "cam4", Filename: "live.mp4", Status: models.RecordingStatusRecording, StartTime: &liveStart})

	report, err := f.engine(Options{UploadsEnabled: true}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.StuckRecordingsRecovered)
	assert.Equal(t, 1, report.StuckRecordingsFailed)

	got := f.store.Get(withFile.ID)
	assert.Equal(t, models.RecordingStatusCompleted, got.Status)
	assert.Equal(t, int64(2048), got.FileSize)
	assert.Equal(t, 60, got.Duration)
	require.NotNil(t, got.EndTime)
	assert.True(t, got.EndTime.Equal(at.Add(time.Minute)))
	assert.Equal(t, canonical, got.CanonicalPath)
	assert.Equal(t, models.UploadStatusQueued, got.UploadStatus)

	got = f.store.Get(nearby.ID)
	assert.Equal(t, models.RecordingStatusCompleted, got.Status)
	assert.Equal(t, nearName, got.Filename)
	assert.Equal(t, nearCanonical, got.LocalPath)

	got = f.store.Get(lost.ID)
	assert.Equal(t, models.RecordingStatusFailed, got.Status)
	assert.Equal(t, "recording stuck without file", got.ErrorMessage)
	assert.NotNil(t, got.EndTime)

	assert.Equal(t, models.RecordingStatusRecording, f.store.Get(live.ID).Status)
	assert.Len(t, f.store.All(), 4, "recovered files are not treated as orphans")
}

func TestStuckRecordingLeavesOwnedSegmentAlone(t *testing.T) {
	f := newFixture(t)
	ownAt := f.ago(3 * time.Hour)
	ownName, ownCanonical := f.segment(t, "cam1", ownAt)
	owner := f.store.Put(models.Recording{
		CameraID: "cam1", Filename: ownName, LocalPath: ownCanonical, FilePath: ownCanonical, CanonicalPath: ownCanonical,
		Status: models.RecordingStatusCompleted, UploadStatus: models.UploadStatusUploaded,
		FileSize: 2048, Duration: 60, StartTime: &ownAt, RemoteKey: "recordings/cam1/" + ownName,
	})

	// Names a segment that never reached disk, five minutes before the owned one.
	namedStart := ownAt.Add(-5 * time.Minute)
	named := f.store.Put(models.Recording{CameraID: "cam1", Filename: segmentName(namedStart), Status: models.RecordingStatusRecording, StartTime: &namedStart})

	// Knows no file at all; the nearest segment is still someone else's.
	bareStart := ownAt.Add(2 * time.Minute)
	bare := f.store.Put(models.Recording{CameraID: "cam1", Status: models.RecordingStatusRecording, StartTime: &bareStart})

	report, err := f.engine(Options{UploadsEnabled: true}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.StuckRecordingsRecovered)
	assert.Equal(t, 2, report.StuckRecordingsFailed)
	assert.Zero(t, report.DuplicatesResolved)

	got := f.store.Get(named.ID)
	assert.Equal(t, models.RecordingStatusFailed, got.Status)
	assert.Equal(t, segmentName(namedStart), got.Filename)
	assert.Empty(t, got.CanonicalPath)
	assert.NotEqual(t, models.ErrorCodeDuplicate, got.UploadErrorCode)

	got = f.store.Get(bare.ID)
	assert.Equal(t, models.RecordingStatusFailed, got.Status)
	assert.Empty(t, got.Filename)

	got = f.store.Get(owner.ID)
	assert.Equal(t, models.RecordingStatusCompleted, got.Status)
	assert.Equal(t, models.UploadStatusUploaded, got.UploadStatus)
	assert.Empty(t, got.UploadErrorCode)
	assert.Len(t, f.store.All(), 3)
}

func TestMissingFileMarkedThenRevived(t *testing.T) {
	f := newFixture(t)
	at := f.ago(time.Hour)
	name := segmentName(at)
	rec := f.store.Put(models.Recording{
		CameraID: "cam1", Filename: name, Status: models.RecordingStatusCompleted,
		UploadStatus: models.UploadStatusPending, FileSize: 2048, Duration: 60, StartTime: &at,
	})
	activeStart := f.ago(5 * time.Minute)
	active := f.store.Put(models.Recording{CameraID: "cam1", Filename: "other.mp4", Status: models.RecordingStatusRecording, StartTime: &activeStart})
	ctx := context.Background()

	report, err := f.engine(Options{}).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MissingFiles)
	got := f.store.Get(rec.ID)
	assert.Equal(t, models.UploadStatusFailed, got.UploadStatus)
	assert.Equal(t, models.ErrorCodeFileNotFound, got.UploadErrorCode)
	assert.Equal(t, 0, got.UploadAttempts)
	assert.Equal(t, models.RecordingStatusRecording, f.store.Get(active.ID).Status)
	assert.Equal(t, models.UploadStatusPending, f.store.Get(active.ID).UploadStatus)

	_, canonical := f.segment(t, "cam1", at)
	report, err = f.engine(Options{}).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphansRevived)
	got = f.store.Get(rec.ID)
	assert.Equal(t, models.UploadStatusPending, got.UploadStatus)
	assert.Empty(t, got.UploadErrorCode)
	assert.Equal(t, canonical, got.CanonicalPath)
}

func TestPathDriftRepaired(t *testing.T) {
	f := newFixture(t)
	at := f.ago(time.Hour)
	name, canonical := f.segment(t, "cam1", at)
	rec := f.store.Put(models.Recording{
		CameraID:  "cam1",
		Filename:  name,
		LocalPath: "/opt/zlm/www/record/live/cam1/" + at.Format("2006-01-02") + "/" + name,
		FilePath:  `C:\app\storage\www\record\live\cam1\` + at.Format("2006-01-02") + `\` + name,
		Status:    models.RecordingStatusCompleted, UploadStatus: models.UploadStatusPending,
		FileSize: 2048, Duration: 60, StartTime: &at,
	})
	unknown := f.store.Put(models.Recording{
		CameraID: "cam9", Filename: "x.mp4", LocalPath: "cam9/2024-01-01/x.mp4", FilePath: "",
		Status: models.RecordingStatusFailed, FileSize: 1, Duration: 1,
	})

	report, err := f.engine(Options{}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.PathsRepaired)

	got := f.store.Get(rec.ID)
	assert.Equal(t, canonical, got.LocalPath)
	assert.Equal(t, canonical, got.FilePath)
	assert.Equal(t, canonical, got.CanonicalPath)

	got = f.store.Get(unknown.ID)
	want := pathresolver.CanonicalMarker + "/cam9/2024-01-01/x.mp4"
	assert.Equal(t, want, got.LocalPath)
	assert.Equal(t, want, got.FilePath)
	assert.Equal(t, want, got.CanonicalPath)
}

func TestPathRepairKeepsRetryBackoff(t *testing.T) {
	f := newFixture(t)
	at := f.ago(2 * time.Hour)
	name, canonical := f.segment(t, "cam1", at)
	failedAt := f.ago(time.Minute)
	rec := f.store.Put(models.Recording{
		CameraID: "cam1", Filename: name,
		LocalPath: "/opt/zlm/www/record/live/cam1/" + at.Format("2006-01-02") + "/" + name,
		FilePath:  "", CanonicalPath: "storage/www/record/live/cam1/stale/" + name,
		Status: models.RecordingStatusCompleted, UploadStatus: models.UploadStatusQueued,
		UploadAttempts: 2, UploadErrorCode: models.ErrorCodeNetwork,
		FileSize: 2048, Duration: 60, StartTime: &at, UpdatedAt: failedAt,
	})

	report, err := f.engine(Options{UploadsEnabled: true}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.PathsRepaired)

	got := f.store.Get(rec.ID)
	assert.Equal(t, canonical, got.CanonicalPath)
	assert.True(t, got.UpdatedAt.Equal(failedAt), "path fix must not restart the backoff window")

	claimed, err := f.coord.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, claimed, "still backing off")
}

func TestMediaRepaired(t *testing.T) {
	f := newFixture(t)
	at := f.ago(3 * time.Hour)
	name, _ := f.segment(t, "cam1", at)
	end := at.Add(90 * time.Second)
	spanned := f.store.Put(models.Recording{
		CameraID: "cam1", Filename: name, Status: models.RecordingStatusCompleted,
		UploadStatus: models.UploadStatusPending, StartTime: &at, EndTime: &end,
	})
	at2 := f.ago(2 * time.Hour)
	name2, _ := f.segment(t, "cam1", at2)
	measured := f.store.Put(models.Recording{
		CameraID: "cam1", Filename: name2, Status: models.RecordingStatusCompleted,
		UploadStatus: models.UploadStatusPending, FileSize: 10, StartTime: &at2,
	})

	report, err := f.engine(Options{}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.MediaRepaired)

	got := f.store.Get(spanned.ID)
	assert.Equal(t, 90, got.Duration)
	assert.Equal(t, int64(2048), got.FileSize)

	got = f.store.Get(measured.ID)
	assert.Equal(t, 60, got.Duration)
	assert.Equal(t, int64(10), got.FileSize, "known sizes are kept")
}

func TestDurationFallsBackToCappedAge(t *testing.T) {
	f := newFixture(t)
	e := f.engine(Options{MaxDurationEstimate: 30 * time.Minute})
	e.prober = nil

	start := f.ago(3 * time.Hour)
	assert.Equal(t, 1800, e.duration(context.Background(), &models.Recording{StartTime: &start}, nil))

	start = f.ago(5 * time.Minute)
	assert.Equal(t, 300, e.duration(context.Background(), &models.Recording{StartTime: &start}, nil))
}

func TestDuplicatesResolved(t *testing.T) {
	f := newFixture(t)
	at := f.ago(3 * time.Hour)
	name, canonical := f.segment(t, "cam1", at)
	uploadedAt := f.ago(time.Hour)
	older := f.store.Put(models.Recording{
		CameraID: "cam1", Filename: name, Status: models.RecordingStatusCompleted,
		UploadStatus: models.UploadStatusPending, FileSize: 2048, Duration: 60, StartTime: &at,
	})
	uploaded := f.store.Put(models.Recording{
		CameraID: "cam1", Filename: name, Status: models.RecordingStatusCompleted,
		UploadStatus: models.UploadStatusUploaded, RemoteKey: "recordings/k", RemoteURL: "https://objects.test/recordings/k",
		UploadProgress: 100, UploadedAt: &uploadedAt, CanonicalPath: canonical,
		FileSize: 2048, Duration: 60, StartTime: &at,
	})
	ctx := context.Background()

	report, err := f.engine(Options{}).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DuplicatesResolved)

	got := f.store.Get(older.ID)
	assert.Equal(t, models.RecordingStatusError, got.Status)
	assert.Equal(t, models.UploadStatusFailed, got.UploadStatus)
	assert.Equal(t, models.ErrorCodeDuplicate, got.UploadErrorCode)
	assert.Equal(t, uploaded.ID.String(), got.Metadata["duplicate_of"])
	assert.Equal(t, models.UploadStatusUploaded, f.store.Get(uploaded.ID).UploadStatus)

	report, err = f.engine(Options{}).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.DuplicatesResolved)
}

func TestDuplicateUploadObjectDeleted(t *testing.T) {
	f := newFixture(t)
	at := f.ago(3 * time.Hour)
	name, canonical := f.segment(t, "cam1", at)
	uploadedAt := f.ago(time.Hour)
	uploadedRow := func(key string, created time.Time) *models.Recording {
		return f.store.Put(models.Recording{
			CameraID: "cam1", Filename: name, Status: models.RecordingStatusCompleted,
			UploadStatus: models.UploadStatusUploaded, RemoteKey: key, RemoteURL: "https://objects.test/" + key,
			UploadProgress: 100, UploadedAt: &uploadedAt, CanonicalPath: canonical,
			FileSize: 2048, Duration: 60, StartTime: &at, CreatedAt: created,
		})
	}
	keeper := uploadedRow("recordings/first", f.ago(2*time.Hour))
	dup := uploadedRow("recordings/second", f.ago(90*time.Minute))
	objects := storagetest.New()
	objects.Seed("recordings/first", 2048)
	objects.Seed("recordings/second", 2048)

	e := f.engine(Options{})
	e.SetObjectStore(objects)
	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.DuplicatesResolved)

	got := f.store.Get(dup.ID)
	assert.Equal(t, models.ErrorCodeDuplicate, got.UploadErrorCode)
	assert.Equal(t, models.UploadStatusUploaded, got.UploadStatus)
	assert.Equal(t, "recordings/second", got.RemoteKey)
	_, ok := objects.Object("recordings/second")
	assert.False(t, ok)
	_, ok = objects.Object("recordings/first")
	assert.True(t, ok, "keeper object stays")
	assert.Empty(t, f.store.Get(keeper.ID).UploadErrorCode)
}

func TestPickKeeperPrefersProgressThenAge(t *testing.T) {
	group := []models.Recording{
		{ID: uuid.New(), UploadStatus: models.UploadStatusFailed},
		{ID: uuid.New(), UploadStatus: models.UploadStatusPending},
		{ID: uuid.New(), UploadStatus: models.UploadStatusPending},
	}
	assert.Equal(t, group[1].ID, pickKeeper(group).ID)
	group[2].UploadStatus = models.UploadStatusArchived
	assert.Equal(t, group[2].ID, pickKeeper(group).ID)
}

func TestConvergedLedgerWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// One instance of every drift signature.
	at := f.ago(5 * time.Hour)
	name, canonical := f.segment(t, "cam1", at)
	f.store.Put(models.Recording{
		CameraID: "cam1", Filename: name, LocalPath: canonical, FilePath: canonical, CanonicalPath: canonical,
		Status: models.RecordingStatusCompleted, UploadStatus: models.UploadStatusUploading,
		UploadAttempts: 1, FileSize: 2048, Duration: 60, StartTime: &at, UpdatedAt: f.ago(time.Hour),
	})
	f.segment(t, "cam2", f.ago(4*time.Hour))
	stuckAt := f.ago(3 * time.Hour)
	stuckName, _ := f.segment(t, "cam3", stuckAt)
	f.store.Put(models.Recording{CameraID: "cam3", Filename: stuckName, Status: models.RecordingStatusRecording, StartTime: &stuckAt})
	missingAt := f.ago(2 * time.Hour)
	f.store.Put(models.Recording{
		CameraID: "cam4", Filename: segmentName(missingAt), Status: models.RecordingStatusCompleted,
		UploadStatus: models.UploadStatusPending, FileSize: 1, Duration: 1, StartTime: &missingAt,
	})
	driftAt := f.ago(4 * time.Hour)
	driftName, _ := f.segment(t, "cam5", driftAt)
	f.store.Put(models.Recording{
		CameraID: "cam5", Filename: driftName, LocalPath: "/srv/www/record/live/cam5/" + driftAt.Format("2006-01-02") + "/" + driftName,
		Status: models.RecordingStatusCompleted, UploadStatus: models.UploadStatusQueued, UploadAttempts: 5,
		FileSize: 2048, Duration: 60, StartTime: &driftAt,
	})
	mediaAt := f.ago(6 * time.Hour)
	mediaName, _ := f.segment(t, "cam6", mediaAt)
	f.store.Put(models.Recording{CameraID: "cam6", Filename: mediaName, Status: models.RecordingStatusCompleted, StartTime: &mediaAt})
	f.store.Put(models.Recording{CameraID: "cam6", Filename: mediaName, Status: models.RecordingStatusCompleted, FileSize: 5, Duration: 5, StartTime: &mediaAt})

	e := f.engine(Options{UploadsEnabled: true})
	first, err := e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, first.Errors)
	assert.Equal(t, 1, first.StuckUploadsReset)
	assert.Equal(t, 1, first.StuckRecordingsRecovered)
	assert.Equal(t, 1, first.OrphansCreated)
	assert.Equal(t, 1, first.MissingFiles)
	assert.Equal(t, 1, first.PathsRepaired)
	assert.Equal(t, 1, first.MediaRepaired)
	assert.Equal(t, 1, first.DuplicatesResolved)
	assert.Equal(t, 1, first.MaxRetriesExceeded)

	writes := f.store.Writes
	second, err := e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Repairs(), "%+v", second)
	assert.Zero(t, second.Errors)
	assert.Equal(t, writes, f.store.Writes)
	assert.Equal(t, second, *e.LastReport())
}

func TestRunCycleRejectsOverlap(t *testing.T) {
	f := newFixture(t)
	e := f.engine(Options{})
	e.running.Lock()
	defer e.running.Unlock()

	_, err := e.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleRunning)
}

func TestArchive(t *testing.T) {
	f := newFixture(t)
	oldUpload := f.ago(40 * 24 * time.Hour)
	recent := f.ago(24 * time.Hour)
	old := f.store.Put(models.Recording{
		CameraID: "cam1", Status: models.RecordingStatusCompleted, UploadStatus: models.UploadStatusUploaded,
		RemoteKey: "k1", RemoteURL: "u1", UploadProgress: 100, UploadedAt: &oldUpload,
	})
	fresh := f.store.Put(models.Recording{
		CameraID: "cam1", Status: models.RecordingStatusCompleted, UploadStatus: models.UploadStatusUploaded,
		RemoteKey: "k2", RemoteURL: "u2", UploadProgress: 100, UploadedAt: &recent,
	})

	n, err := f.engine(Options{ArchiveAfter: 30 * 24 * time.Hour}).Archive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.UploadStatusArchived, f.store.Get(old.ID).UploadStatus)
	assert.NotNil(t, f.store.Get(old.ID).ArchivedAt)
	assert.Equal(t, models.UploadStatusUploaded, f.store.Get(fresh.ID).UploadStatus)
}

func TestStepErrorsAreCounted(t *testing.T) {
	f := newFixture(t)
	at := f.ago(3 * time.Hour)
	started := f.ago(time.Hour)
	f.store.Put(models.Recording{
		CameraID: "cam1", Status: models.RecordingStatusCompleted, UploadStatus: models.UploadStatusUploading,
		UploadStartedAt: &started, StartTime: &at, UpdatedAt: f.ago(time.Hour),
	})
	f.store.FailUpdates = assert.AnError

	report, err := f.engine(Options{}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Positive(t, report.Errors)
	assert.Zero(t, report.StuckUploadsReset)
}

var (
	_ Ledger         = (*recordingstest.Store)(nil)
	_ AttemptTracker = (*queue.AttemptCounter)(nil)
)
