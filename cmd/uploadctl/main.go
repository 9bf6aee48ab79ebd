// Command uploadctl runs one-off operator actions against the recording
// upload ledger: queue statistics, bulk enqueue and retry, attempt resets,
// reconciliation and archiving.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/maruel/subcommands"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/recording-sync/config"
	"github.com/aura-webinar/recording-sync/internal/app"
)

var application = &subcommands.DefaultApplication{
	Name:  "uploadctl",
	Title: "Recording upload queue operator tool",
	Commands: []*subcommands.Command{
		cmdStats,
		cmdEnqueue,
		cmdReupload,
		cmdEnqueuePending,
		cmdRetryFailed,
		cmdResetAttempts,
		cmdReconcile,
		cmdArchive,
		cmdDeadLetters,
		subcommands.CmdHelp,
	},
}

func main() {
	os.Exit(subcommands.Run(application, os.Args[1:]))
}

// baseRun holds flags shared by every subcommand.
type baseRun struct {
	subcommands.CommandRunBase
	verbose bool
}

func (b *baseRun) init() {
	b.Flags.BoolVar(&b.verbose, "v", false, "log at debug level")
}

// withApp loads configuration, builds the components without the worker pool
// and runs fn. It returns the process exit code.
func (b *baseRun) withApp(a subcommands.Application, fn func(ctx context.Context, svc *app.App) (any, error)) int {
	logger := newLogger(b.verbose)
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(a.GetErr(), "config: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := app.New(ctx, cfg, false, logger)
	if err != nil {
		fmt.Fprintf(a.GetErr(), "startup: %v\n", err)
		return 1
	}
	defer components.Close()

	out, err := fn(ctx, components)
	if err != nil {
		fmt.Fprintf(a.GetErr(), "%v\n", err)
		return 1
	}
	enc := json.NewEncoder(a.GetOut())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(a.GetErr(), "write output: %v\n", err)
		return 1
	}
	return 0
}

func parseID(a subcommands.Application, args []string) (uuid.UUID, bool) {
	if len(args) != 1 {
		fmt.Fprintln(a.GetErr(), "expected exactly one recording id")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		fmt.Fprintf(a.GetErr(), "invalid recording id %q: %v\n", args[0], err)
		return uuid.Nil, false
	}
	return id, true
}

func newLogger(verbose bool) *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, _ := config.Build()
	return logger
}
