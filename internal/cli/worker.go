package cli

import (
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/jaa/mod-launcher/internal/action"
	"github.com/jaa/mod-launcher/internal/exitcode"
	"github.com/jaa/mod-launcher/internal/logging"
	"github.com/jaa/mod-launcher/internal/modsync"
)

// newWorkerCommand runs one action for a parent launcher over stdin and
// stdout. Logs go to stderr, whose tail the parent attaches to failures.
func newWorkerCommand(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:    modsync.WorkerCommand,
		Short:  "Run a sync action for a parent launcher",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if app.Opts.Verbose {
				level = "debug"
			}
			logger, closer, err := logging.Setup(logging.Config{Level: level, Format: "text"}, app.IO.ErrOut)
			if err != nil {
				return withExitCode(exitcode.RuntimeFailure, err)
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), interruptSignals()...)
			defer stop()

			env := &modsync.Env{Logger: logger.With("component", "worker")}
			if err := action.Serve(ctx, modsync.TaskFactory(env), app.IO.In, app.IO.Out); err != nil {
				return withExitCode(exitcode.RuntimeFailure, err)
			}
			return nil
		},
	}
}
