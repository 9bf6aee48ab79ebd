// Package reconcile audits the ledger against the filesystem and repairs drift
// the upload queue would otherwise never see.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/recording-sync/internal/metrics"
	"github.com/aura-webinar/recording-sync/internal/models"
	"github.com/aura-webinar/recording-sync/internal/pathresolver"
	"github.com/aura-webinar/recording-sync/internal/recordings"
	"github.com/aura-webinar/recording-sync/internal/uploadqueue"
)

// ErrCycleRunning is returned when a cycle is requested while one is in progress.
var ErrCycleRunning = errors.New("reconciliation cycle already running")

// Ledger is the persistence the engine reads and repairs.
type Ledger interface {
	List(ctx context.Context, f recordings.Filter) ([]models.Recording, error)
	UpdateWhere(ctx context.Context, id uuid.UUID, cond recordings.Condition, changes recordings.Changes) (*models.Recording, error)
	Create(ctx context.Context, rec *models.Recording) error
	FindDuplicates(ctx context.Context, limit int) ([]models.Recording, error)
}

// Enqueuer hands repaired rows back to the upload queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, id uuid.UUID, opts uploadqueue.EnqueueOptions) (uploadqueue.EnqueueResult, error)
	Wake(ctx context.Context, id uuid.UUID)
	MarkMaxRetriesExceeded(ctx context.Context) (int, error)
	ArchiveUploaded(ctx context.Context, cutoff time.Time) (int, error)
}

// Locator finds recording files on disk.
type Locator interface {
	Resolve(ctx context.Context, rec *models.Recording) (*pathresolver.Resolved, error)
	Normalize(p string) string
	FindNear(ctx context.Context, cameraID string, at time.Time, window time.Duration) (*pathresolver.Resolved, error)
	Scan(ctx context.Context, now time.Time, minAge time.Duration) ([]pathresolver.DiscoveredFile, error)
}

// DurationProber reads a media file's duration in seconds.
type DurationProber interface {
	Duration(ctx context.Context, file string) (int, error)
}

// ObjectDeleter removes objects from remote storage.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, key string) error
}

// Options configures the engine.
type Options struct {
	// UploadsEnabled makes repairs enqueue the rows they make eligible.
	UploadsEnabled bool

	StuckUploadThreshold    time.Duration
	StuckRecordingThreshold time.Duration
	MissedEnqueueGrace      time.Duration
	OrphanMatchWindow       time.Duration
	// OrphanMinAge skips files modified more recently, which may still be written.
	OrphanMinAge time.Duration
	// OrphanMaxAttempts caps failed synthesis attempts per file until the tracker forgets them.
	OrphanMaxAttempts   int
	MaxDurationEstimate time.Duration
	ArchiveAfter        time.Duration
	BatchSize           int
}

func (o *Options) defaults() {
	if o.StuckUploadThreshold <= 0 {
		o.StuckUploadThreshold = 30 * time.Minute
	}
	if o.StuckRecordingThreshold <= 0 {
		o.StuckRecordingThreshold = 45 * time.Minute
	}
	if o.MissedEnqueueGrace <= 0 {
		o.MissedEnqueueGrace = 2 * time.Minute
	}
	if o.OrphanMatchWindow <= 0 {
		o.OrphanMatchWindow = 10 * time.Minute
	}
	if o.OrphanMinAge <= 0 {
		o.OrphanMinAge = 2 * time.Minute
	}
	if o.OrphanMaxAttempts <= 0 {
		o.OrphanMaxAttempts = 3
	}
	if o.MaxDurationEstimate <= 0 {
		o.MaxDurationEstimate = 30 * time.Minute
	}
	if o.ArchiveAfter <= 0 {
		o.ArchiveAfter = 30 * 24 * time.Hour
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
}

// CycleReport counts what one cycle repaired.
type CycleReport struct {
	StartedAt                time.Time     `json:"started_at"`
	Took                     time.Duration `json:"took"`
	StuckUploadsReset        int           `json:"stuck_uploads_reset"`
	StuckRecordingsRecovered int           `json:"stuck_recordings_recovered"`
	StuckRecordingsFailed    int           `json:"stuck_recordings_failed"`
	OrphansLinked            int           `json:"orphans_linked"`
	OrphansCreated           int           `json:"orphans_created"`
	OrphansRevived           int           `json:"orphans_revived"`
	OrphansSkipped           int           `json:"orphans_skipped"`
	MissingFiles             int           `json:"missing_files"`
	PathsRepaired            int           `json:"paths_repaired"`
	MediaRepaired            int           `json:"media_repaired"`
	DuplicatesResolved       int           `json:"duplicates_resolved"`
	MissedEnqueues           int           `json:"missed_enqueues"`
	MaxRetriesExceeded       int           `json:"max_retries_exceeded"`
	Errors                   int           `json:"errors"`
}

// Repairs is the number of rows the cycle changed or created.
func (r CycleReport) Repairs() int {
	return r.StuckUploadsReset + r.StuckRecordingsRecovered + r.StuckRecordingsFailed +
		r.OrphansLinked + r.OrphansCreated + r.OrphansRevived + r.MissingFiles +
		r.PathsRepaired + r.MediaRepaired + r.DuplicatesResolved + r.MissedEnqueues + r.MaxRetriesExceeded
}

// Engine runs reconciliation cycles.
type Engine struct {
	ledger   Ledger
	queue    Enqueuer
	locator  Locator
	prober   DurationProber
	attempts AttemptTracker
	objects  ObjectDeleter
	opts     Options
	logger   *zap.Logger

	now     func() time.Time
	running sync.Mutex

	mu   sync.Mutex
	last *CycleReport
}

// New creates an engine. prober may be nil; attempts defaults to an in-memory tracker.
func New(ledger Ledger, queue Enqueuer, locator Locator, prober DurationProber, attempts AttemptTracker, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.defaults()
	if attempts == nil {
		attempts = NewMemoryTracker(24 * time.Hour)
	}
	return &Engine{
		ledger:   ledger,
		queue:    queue,
		locator:  locator,
		prober:   prober,
		attempts: attempts,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the engine clock.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetObjectStore lets duplicate resolution delete the uploaded copies of
// retired rows. Without one those objects are left in place.
func (e *Engine) SetObjectStore(o ObjectDeleter) { e.objects = o }

// LastReport returns the report of the most recent finished cycle, or nil.
func (e *Engine) LastReport() *CycleReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return nil
	}
	r := *e.last
	return &r
}

type step struct {
	name string
	run  func(ctx context.Context, r *CycleReport) error
}

// RunCycle performs every repair once. Steps are independent: a failing step
// is logged and counted and the cycle moves on.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	if !e.running.TryLock() {
		return CycleReport{}, ErrCycleRunning
	}
	defer e.running.Unlock()

	report := CycleReport{StartedAt: e.now()}
	steps := []step{
		{"stuck_uploads", e.resetStuckUploads},
		{"stuck_recordings", e.recoverStuckRecordings},
		{"orphans", e.syncOrphans},
		{"missing_files", e.markMissingFiles},
		{"paths", e.repairPaths},
		{"media", e.repairMedia},
		{"duplicates", e.resolveDuplicates},
		{"missed_enqueues", e.enqueueMissed},
		{"max_retries", e.markMaxRetries},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.run(ctx, &report); err != nil {
			report.Errors++
			e.logger.Error("reconcile step failed", zap.String("step", s.name), zap.Error(err))
		}
	}
	report.Took = time.Since(report.StartedAt)
	metrics.ReconcileCycleDuration.Observe(report.Took.Seconds())

	if n := report.Repairs(); n > 0 || report.Errors > 0 {
		e.logger.Info("reconciliation cycle completed", zap.Int("repairs", n), zap.Int("errors", report.Errors), zap.Any("report", report))
	} else {
		e.logger.Debug("reconciliation cycle completed, no drift", zap.Duration("took", report.Took))
	}
	e.mu.Lock()
	e.last = &report
	e.mu.Unlock()
	return report, nil
}

// Archive moves uploads older than the retention window to archived.
func (e *Engine) Archive(ctx context.Context) (int, error) {
	n, err := e.queue.ArchiveUploaded(ctx, e.now().Add(-e.opts.ArchiveAfter))
	if err != nil {
		return 0, err
	}
	repaired("archived", n)
	return n, nil
}

func repaired(kind string, n int) {
	if n > 0 {
		metrics.ReconcileRepairs.WithLabelValues(kind).Add(float64(n))
	}
}

func (e *Engine) stamp(by string) map[string]any {
	return map[string]any{
		"reconciled_by": by,
		"reconciled_at": e.now().UTC().Format(time.RFC3339),
	}
}

// enqueue submits id when uploads are enabled. Outcomes other than errors are
// not failures: the coordinator already recorded why it declined.
func (e *Engine) enqueue(ctx context.Context, id uuid.UUID, source string) bool {
	if !e.opts.UploadsEnabled {
		return false
	}
	res, err := e.queue.Enqueue(ctx, id, uploadqueue.EnqueueOptions{Source: source, Priority: "normal"})
	if err != nil {
		e.logger.Warn("reconcile enqueue", zap.String("recording_id", id.String()), zap.Error(err))
		return false
	}
	return res.Outcome == uploadqueue.OutcomeSuccess
}
