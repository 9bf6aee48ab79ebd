// Package scheduler runs named periodic tasks and long-lived services under a
// suture supervisor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrDuplicateTask = errors.New("task already registered")
)

// Task is a unit of periodic work.
type Task struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	// Timeout bounds a single run. Zero means no limit beyond shutdown.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// TaskStatus reports a task's recent history.
type TaskStatus struct {
	Name      string    `json:"name"`
	Interval  string    `json:"interval"`
	Running   bool      `json:"running"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Options configures the supervisor.
type Options struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// Scheduler owns the supervisor tree of the process.
type Scheduler struct {
	sup    *suture.Supervisor
	logger *zap.Logger

	mu    sync.Mutex
	tasks map[string]*periodic
}

// New creates a scheduler named name.
func New(name string, opts Options, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.FailureDecay <= 0 {
		opts.FailureDecay = 30
	}
	if opts.FailureBackoff <= 0 {
		opts.FailureBackoff = 15 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	sup := suture.New(name, suture.Spec{
		EventHook:        EventHook(logger),
		FailureThreshold: opts.FailureThreshold,
		FailureDecay:     opts.FailureDecay,
		FailureBackoff:   opts.FailureBackoff,
		Timeout:          opts.ShutdownTimeout,
	})
	return &Scheduler{sup: sup, logger: logger, tasks: make(map[string]*periodic)}
}

// EventHook logs supervisor events through zap.
func EventHook(logger *zap.Logger) suture.EventHook {
	return func(e suture.Event) {
		fields := []zap.Field{zap.String("event", e.String())}
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeStopTimeout:
			logger.Error("supervisor event", fields...)
		case suture.EventTypeResume:
			logger.Info("supervisor event", fields...)
		default:
			logger.Warn("supervisor event", fields...)
		}
	}
}

// Add registers a periodic task.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return errors.New("task needs a name and a run function")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.Name]; ok {
		return fmt.Errorf("%s: %w", t.Name, ErrDuplicateTask)
	}
	p := &periodic{task: t, logger: s.logger.With(zap.String("task", t.Name))}
	s.tasks[t.Name] = p
	s.sup.Add(p)
	return nil
}

// AddService supervises a long-running service such as the worker pool.
func (s *Scheduler) AddService(svc suture.Service) suture.ServiceToken {
	return s.sup.Add(svc)
}

// Serve runs the supervisor until ctx is done.
func (s *Scheduler) Serve(ctx context.Context) error {
	return s.sup.Serve(ctx)
}

// ServeBackground runs the supervisor in a goroutine. The channel yields its exit error.
func (s *Scheduler) ServeBackground(ctx context.Context) <-chan error {
	return s.sup.ServeBackground(ctx)
}

// RunNow runs a task immediately, waiting for any in-progress run to finish first.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	p, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownTask)
	}
	return p.runOnce(ctx)
}

// Status lists the registered tasks by name.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	list := make([]*periodic, 0, len(s.tasks))
	for _, p := range s.tasks {
		list = append(list, p)
	}
	s.mu.Unlock()
	out := make([]TaskStatus, 0, len(list))
	for _, p := range list {
		out = append(out, p.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// periodic adapts a Task to suture.Service.
type periodic struct {
	task   Task
	logger *zap.Logger

	run sync.Mutex

	mu        sync.Mutex
	running   bool
	runs      int64
	failures  int64
	lastRun   time.Time
	lastError string
}

func (p *periodic) String() string { return "task:" + p.task.Name }

// Serve implements suture.Service. Task errors are logged and never returned,
// so a failing task keeps its cadence instead of being restarted.
func (p *periodic) Serve(ctx context.Context) error {
	if p.task.RunOnStart {
		_ = p.runOnce(ctx)
	}
	ticker := time.NewTicker(p.task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = p.runOnce(ctx)
		}
	}
}

func (p *periodic) runOnce(ctx context.Context) (err error) {
	p.run.Lock()
	defer p.run.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if p.task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.task.Timeout)
		defer cancel()
	}

	start := time.Now()
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", p.task.Name, r)
			p.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		p.mu.Lock()
		p.running = false
		p.runs++
		p.lastRun = start
		p.lastError = ""
		if err != nil {
			p.failures++
			p.lastError = err.Error()
		}
		p.mu.Unlock()
		if err != nil {
			p.logger.Warn("task failed", zap.Duration("took", time.Since(start)), zap.Error(err))
		} else {
			p.logger.Debug("task finished", zap.Duration("took", time.Since(start)))
		}
	}()
	return p.task.Run(ctx)
}

func (p *periodic) status() TaskStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return TaskStatus{
		Name:      p.task.Name,
		Interval:  p.task.Interval.String(),
		Running:   p.running,
		Runs:      p.runs,
		Failures:  p.failures,
		LastRun:   p.lastRun,
		LastError: p.lastError,
	}
}
