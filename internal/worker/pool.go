package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/aura-webinar/recording-sync/internal/metrics"
	"github.com/aura-webinar/recording-sync/internal/models"
	"github.com/aura-webinar/recording-sync/internal/uploadqueue"
)

// WakeSource delivers out-of-band wake-ups, such as Redis pub/sub signals.
type WakeSource interface {
	Subscribe(ctx context.Context) <-chan struct{}
}

// Options configures a Pool.
type Options struct {
	Concurrency    int
	PollInterval   time.Duration
	MaxIdle        time.Duration
	HealthInterval time.Duration
	// MaxClaimRetries bounds immediate re-selection after a lost claim.
	MaxClaimRetries int
}

func (o *Options) defaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.MaxIdle <= 0 {
		o.MaxIdle = 5 * time.Minute
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = time.Minute
	}
	if o.MaxClaimRetries <= 0 {
		o.MaxClaimRetries = 3
	}
}

// Status is a snapshot of the pool for operators.
type Status struct {
	Running      bool      `json:"running"`
	Paused       bool      `json:"paused"`
	Active       int64     `json:"active"`
	Concurrency  int       `json:"concurrency"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	Uptime       string    `json:"uptime,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	Processed    int64     `json:"processed"`
	Successful   int64     `json:"successful"`
	Failed       int64     `json:"failed"`
	Retried      int64     `json:"retried"`
	SuccessRate  float64   `json:"success_rate"`
}

// Pool runs a bounded number of concurrent uploads.
type Pool struct {
	coord     Coordinator
	processor *RecordingProcessor
	wake      WakeSource
	opts      Options
	logger    *zap.Logger

	sem      *semaphore.Weighted
	inflight sync.WaitGroup
	trigger  chan struct{}
	paused   atomic.Bool
	running  atomic.Bool
	active   atomic.Int64

	processed, successful, failed, retried atomic.Int64

	mu           sync.Mutex
	startedAt    time.Time
	lastActivity time.Time
	stop         context.CancelFunc
	done         chan struct{}
}

// NewPool creates a pool. wake may be nil.
func NewPool(coord Coordinator, processor *RecordingProcessor, wake WakeSource, opts Options, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.defaults()
	return &Pool{
		coord:     coord,
		processor: processor,
		wake:      wake,
		opts:      opts,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
		trigger:   make(chan struct{}, 1),
	}
}

// Serve implements suture.Service. A pool stopped by Shutdown is not restarted.
func (p *Pool) Serve(ctx context.Context) error {
	if err := p.Run(ctx); err != nil {
		return err
	}
	if ctx.Err() == nil {
		return suture.ErrDoNotRestart
	}
	return ctx.Err()
}

func (p *Pool) String() string { return "upload-pool" }

// Run claims and uploads recordings until ctx is done, then waits for
// in-flight uploads to finish.
func (p *Pool) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("worker pool already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.startedAt = time.Now()
	p.lastActivity = p.startedAt
	p.stop = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()
	defer func() {
		cancel()
		p.inflight.Wait()
		p.running.Store(false)
		close(done)
	}()

	p.logger.Info("upload worker pool started",
		zap.Int("concurrency", p.opts.Concurrency),
		zap.Duration("poll_interval", p.opts.PollInterval))

	var wakeups <-chan struct{}
	if p.wake != nil {
		wakeups = p.wake.Subscribe(ctx)
	}
	go p.monitor(ctx)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("upload worker pool stopping, draining in-flight uploads", zap.Int64("active", p.active.Load()))
			return nil
		case <-timer.C:
		case <-p.trigger:
		case _, ok := <-wakeups:
			if !ok {
				wakeups = nil
			}
		}
		p.fill(ctx)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.opts.PollInterval)
	}
}

// fill claims work until capacity is used or the queue has nothing ready.
func (p *Pool) fill(ctx context.Context) {
	if p.paused.Load() {
		return
	}
	for ctx.Err() == nil && p.sem.TryAcquire(1) {
		rec, err := p.claim(ctx)
		if err != nil || rec == nil {
			p.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				p.logger.Warn("dequeue error", zap.Error(err))
			}
			return
		}
		p.inflight.Add(1)
		p.active.Add(1)
		metrics.ActiveUploads.Inc()
		// Uploads outlive shutdown of the claim loop so that a drain completes them.
		go p.execute(context.WithoutCancel(ctx), rec)
	}
}

func (p *Pool) claim(ctx context.Context) (*models.Recording, error) {
	for i := 0; i < p.opts.MaxClaimRetries; i++ {
		rec, err := p.coord.Dequeue(ctx)
		if errors.Is(err, uploadqueue.ErrNoClaim) {
			continue
		}
		return rec, err
	}
	return nil, nil
}

func (p *Pool) execute(ctx context.Context, rec *models.Recording) {
	defer func() {
		p.active.Add(-1)
		metrics.ActiveUploads.Dec()
		p.sem.Release(1)
		p.inflight.Done()
		p.touch()
		p.Trigger()
	}()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("upload panicked", zap.String("recording_id", rec.ID.String()), zap.Any("panic", r), zap.Stack("stack"))
			p.record(ResultFailed)
			if _, err := p.coord.ReportFailure(ctx, rec, fmt.Errorf("upload panicked: %v", r)); err != nil {
				p.logger.Error("report panicked upload", zap.String("recording_id", rec.ID.String()), zap.Error(err))
			}
		}
	}()

	p.logger.Debug("processing recording", zap.String("recording_id", rec.ID.String()), zap.Int("attempt", rec.UploadAttempts+1))
	res, err := p.processor.Process(ctx, rec)
	if err != nil {
		p.logger.Error("upload bookkeeping failed", zap.String("recording_id", rec.ID.String()), zap.Error(err))
	}
	p.record(res)
}

func (p *Pool) record(res Result) {
	p.processed.Add(1)
	metrics.UploadsTotal.WithLabelValues(string(res)).Inc()
	switch res {
	case ResultUploaded, ResultSkipped:
		p.successful.Add(1)
	case ResultRetry:
		p.retried.Add(1)
	default:
		p.failed.Add(1)
	}
}

func (p *Pool) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

// monitor nudges the pool when it has been idle while work is waiting.
func (p *Pool) monitor(ctx context.Context) {
	ticker := time.NewTicker(p.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		stats, err := p.coord.Stats(ctx)
		if err != nil {
			p.logger.Warn("health check: queue stats", zap.Error(err))
			continue
		}
		p.mu.Lock()
		idle := time.Since(p.lastActivity)
		p.mu.Unlock()
		if p.active.Load() == 0 && idle > p.opts.MaxIdle && stats.TotalInQueue > 0 && !p.paused.Load() {
			p.logger.Warn("worker idle with queued uploads, triggering",
				zap.Duration("idle", idle), zap.Int("queued", stats.Queued))
			p.Trigger()
		}
	}
}

// Trigger asks the loop to claim work now.
func (p *Pool) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Pause stops claiming new work. In-flight uploads continue.
func (p *Pool) Pause() {
	p.paused.Store(true)
	p.logger.Info("upload worker pool paused")
}

// Resume restarts claiming.
func (p *Pool) Resume() {
	p.paused.Store(false)
	p.logger.Info("upload worker pool resumed")
	p.Trigger()
}

// Shutdown stops claiming and waits for in-flight uploads or ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.mu.Unlock()
	if stop == nil {
		return nil
	}
	stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain uploads: %w", ctx.Err())
	}
}

// Status returns a snapshot of the pool.
func (p *Pool) Status() Status {
	p.mu.Lock()
	startedAt, last := p.startedAt, p.lastActivity
	p.mu.Unlock()
	s := Status{
		Running:      p.running.Load(),
		Paused:       p.paused.Load(),
		Active:       p.active.Load(),
		Concurrency:  p.opts.Concurrency,
		StartedAt:    startedAt,
		LastActivity: last,
		Processed:    p.processed.Load(),
		Successful:   p.successful.Load(),
		Failed:       p.failed.Load(),
		Retried:      p.retried.Load(),
	}
	if s.Running {
		s.Uptime = time.Since(startedAt).Round(time.Second).String()
	}
	if s.Processed > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.Processed) * 100
	}
	return s
}
