package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jaa/mod-launcher/internal/config"
	"github.com/jaa/mod-launcher/internal/exitcode"
	"github.com/jaa/mod-launcher/internal/settings"
)

func newSettingsCommand(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and change the seeding and bandwidth settings",
		Long: "Settings live in the state directory. Speeds are in KiB/s, 0 meaning unlimited. " +
			"seeding_type is one of always, never or while_not_playing.",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every setting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(app, func(store *settings.Store) error {
				values := map[string]string{}
				for _, key := range settings.Keys() {
					value, err := store.Get(key)
					if err != nil {
						return err
					}
					values[key] = value
				}
				if app.Opts.JSON {
					return json.NewEncoder(app.IO.Out).Encode(values)
				}
				for _, key := range settings.Keys() {
					fmt.Fprintf(app.IO.Out, "%s: %s\n", key, values[key])
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get KEY",
		Short: "Print one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(app, func(store *settings.Store) error {
				value, err := store.Get(args[0])
				if err != nil {
					return withExitCode(exitcode.InvalidUsage, err)
				}
				fmt.Fprintln(app.IO.Out, value)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Change one setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(app, func(store *settings.Store) error {
				if err := store.Set(args[0], args[1]); err != nil {
					return withExitCode(exitcode.InvalidUsage, err)
				}
				if !app.Opts.Quiet {
					fmt.Fprintf(app.IO.Out, "%s set to %s\n", args[0], args[1])
				}
				return nil
			})
		},
	})
	return cmd
}

func withSettings(app *AppContext, fn func(store *settings.Store) error) error {
	cfg, err := loadValidConfig(app)
	if err != nil {
		return err
	}
	paths, err := config.ResolvePaths(cfg)
	if err != nil {
		return withExitCode(exitcode.InvalidConfig, err)
	}
	store, err := settings.Open(paths.StateDir)
	if err != nil {
		return withExitCode(exitcode.RuntimeFailure, fmt.Errorf("open settings (is the launcher running?): %w", err))
	}
	defer store.Close()
	return fn(store)
}
