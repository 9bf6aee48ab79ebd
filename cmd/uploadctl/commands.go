package main

import (
	"context"

	"github.com/maruel/subcommands"

	"github.com/aura-webinar/recording-sync/internal/app"
	"github.com/aura-webinar/recording-sync/internal/uploadqueue"
)

var cmdStats = &subcommands.Command{
	UsageLine: "stats",
	ShortDesc: "prints counts per upload status",
	CommandRun: func() subcommands.CommandRun {
		c := &statsRun{}
		c.init()
		return c
	},
}

type statsRun struct{ baseRun }

func (c *statsRun) Run(a subcommands.Application, _ []string, _ subcommands.Env) int {
	return c.withApp(a, func(ctx context.Context, svc *app.App) (any, error) {
		return svc.Coordinator.Stats(ctx)
	})
}

var cmdEnqueue = &subcommands.Command{
	UsageLine: "enqueue [-force] [-priority p] <recording-id>",
	ShortDesc: "makes one completed recording available to the upload pool",
	CommandRun: func() subcommands.CommandRun {
		c := &enqueueRun{source: "cli"}
		c.init()
		c.Flags.BoolVar(&c.force, "force", false, "bypass eligibility checks")
		c.Flags.StringVar(&c.priority, "priority", "normal", "low, normal or high")
		return c
	},
}

var cmdReupload = &subcommands.Command{
	UsageLine: "reupload <recording-id>",
	ShortDesc: "forces an already uploaded recording back into the queue",
	CommandRun: func() subcommands.CommandRun {
		c := &enqueueRun{source: "reupload", force: true, priority: "high"}
		c.init()
		return c
	},
}

type enqueueRun struct {
	baseRun
	force    bool
	priority string
	source   string
}

func (c *enqueueRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	id, ok := parseID(a, args)
	if !ok {
		return 2
	}
	return c.withApp(a, func(ctx context.Context, svc *app.App) (any, error) {
		return svc.Coordinator.Enqueue(ctx, id, uploadqueue.EnqueueOptions{
			Force:    c.force,
			Priority: c.priority,
			Source:   c.source,
		})
	})
}

var cmdEnqueuePending = &subcommands.Command{
	UsageLine: "enqueue-pending [-limit n]",
	ShortDesc: "enqueues completed recordings still pending upload",
	CommandRun: func() subcommands.CommandRun {
		c := &enqueuePendingRun{}
		c.init()
		c.Flags.IntVar(&c.limit, "limit", 0, "maximum rows; 0 uses the default batch")
		return c
	},
}

type enqueuePendingRun struct {
	baseRun
	limit int
}

func (c *enqueuePendingRun) Run(a subcommands.Application, _ []string, _ subcommands.Env) int {
	return c.withApp(a, func(ctx context.Context, svc *app.App) (any, error) {
		return svc.Coordinator.EnqueuePending(ctx, c.limit, "cli")
	})
}

var cmdRetryFailed = &subcommands.Command{
	UsageLine: "retry-failed [-max-age d] [-force-all] [-limit n]",
	ShortDesc: "re-enqueues failed uploads",
	CommandRun: func() subcommands.CommandRun {
		c := &retryFailedRun{}
		c.init()
		c.Flags.DurationVar(&c.opts.MaxAge, "max-age", 0, "only rows that failed within this window")
		c.Flags.BoolVar(&c.opts.ForceAll, "force-all", false, "ignore the attempts ceiling")
		c.Flags.IntVar(&c.opts.Limit, "limit", 0, "maximum rows; 0 uses the default batch")
		return c
	},
}

type retryFailedRun struct {
	baseRun
	opts uploadqueue.RetryFailedOptions
}

func (c *retryFailedRun) Run(a subcommands.Application, _ []string, _ subcommands.Env) int {
	return c.withApp(a, func(ctx context.Context, svc *app.App) (any, error) {
		return svc.Coordinator.RetryFailed(ctx, c.opts)
	})
}

var cmdResetAttempts = &subcommands.Command{
	UsageLine: "reset-attempts <recording-id>",
	ShortDesc: "clears the attempt counter and last error of a recording",
	CommandRun: func() subcommands.CommandRun {
		c := &resetAttemptsRun{}
		c.init()
		return c
	},
}

type resetAttemptsRun struct{ baseRun }

func (c *resetAttemptsRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	id, ok := parseID(a, args)
	if !ok {
		return 2
	}
	return c.withApp(a, func(ctx context.Context, svc *app.App) (any, error) {
		return svc.Coordinator.ResetAttempts(ctx, id)
	})
}

var cmdReconcile = &subcommands.Command{
	UsageLine: "reconcile",
	ShortDesc: "runs one reconciliation cycle and prints its report",
	CommandRun: func() subcommands.CommandRun {
		c := &reconcileRun{}
		c.init()
		return c
	},
}

type reconcileRun struct{ baseRun }

func (c *reconcileRun) Run(a subcommands.Application, _ []string, _ subcommands.Env) int {
	return c.withApp(a, func(ctx context.Context, svc *app.App) (any, error) {
		return svc.Reconciler.RunCycle(ctx)
	})
}

var cmdArchive = &subcommands.Command{
	UsageLine: "archive",
	ShortDesc: "marks uploads older than ARCHIVE_AFTER as archived",
	CommandRun: func() subcommands.CommandRun {
		c := &archiveRun{}
		c.init()
		return c
	},
}

type archiveRun struct{ baseRun }

func (c *archiveRun) Run(a subcommands.Application, _ []string, _ subcommands.Env) int {
	return c.withApp(a, func(ctx context.Context, svc *app.App) (any, error) {
		n, err := svc.Reconciler.Archive(ctx)
		return map[string]int{"archived": n}, err
	})
}

var cmdDeadLetters = &subcommands.Command{
	UsageLine: "dead-letters [-limit n]",
	ShortDesc: "lists uploads that ended in a terminal failure",
	CommandRun: func() subcommands.CommandRun {
		c := &deadLettersRun{}
		c.init()
		c.Flags.IntVar(&c.limit, "limit", 50, "maximum entries")
		return c
	},
}

type deadLettersRun struct {
	baseRun
	limit int
}

func (c *deadLettersRun) Run(a subcommands.Application, _ []string, _ subcommands.Env) int {
	return c.withApp(a, func(ctx context.Context, svc *app.App) (any, error) {
		return svc.Notifier.DeadLetters(ctx, c.limit)
	})
}
