package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jaa/mod-launcher/internal/exitcode"
	"github.com/jaa/mod-launcher/internal/logging"
	"github.com/jaa/mod-launcher/internal/mirror"
	"github.com/jaa/mod-launcher/internal/modsync"
)

func newServeCommand(app *AppContext) *cobra.Command {
	listen := "127.0.0.1:8080"
	modsDir := ""
	maxUpload := int64(0)

	cmd := &cobra.Command{
		Use:   "serve DIR",
		Short: "Serve a published mod set to launchers",
		Long: "serve exposes DIR (the output of publish) below /updater and the mod folders below /updater/mods, " +
			"the layout the launcher expects from its server.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := filepath.Abs(args[0])
			if err != nil {
				return withExitCode(exitcode.InvalidUsage, err)
			}
			if info, err := os.Stat(filepath.Join(root, "metadata.json")); err != nil || info.IsDir() {
				return withExitCode(exitcode.InvalidUsage, fmt.Errorf("%s does not contain a published metadata.json", root))
			}
			if modsDir == "" {
				modsDir = filepath.Join(root, "mods")
			}

			level := "info"
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

			router := mirror.NewRouter([]mirror.Mount{
				{Prefix: "/updater/mods", Dir: modsDir},
				{Prefix: "/updater", Dir: root},
			}, modsync.NewLimiter(maxUpload), logger)
			srv := mirror.NewServer(listen, router, logger)
			err = srv.Serve(ctx, func(addr string) {
				if !app.Opts.Quiet {
					fmt.Fprintf(app.IO.Out, "Serving %s on http://%s/updater\n", root, addr)
				}
			})
			if err != nil && !errors.Is(err, ctx.Err()) {
				return withExitCode(exitcode.RuntimeFailure, err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", listen, "Address to listen on")
	cmd.Flags().StringVar(&modsDir, "mods", "", "Mod folders to serve (default DIR/mods)")
	cmd.Flags().Int64Var(&maxUpload, "max-upload", 0, "Upload limit in KiB/s, 0 for unlimited")
	return cmd
}
