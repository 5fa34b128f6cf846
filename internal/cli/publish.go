package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jaa/mod-launcher/internal/exitcode"
	"github.com/jaa/mod-launcher/internal/manifest"
)

func newPublishCommand(app *AppContext) *cobra.Command {
	opts := manifest.PublishOptions{PieceLength: 256 << 10}

	cmd := &cobra.Command{
		Use:   "publish MODS_DIR",
		Short: "Build the mod description and torrents for a server",
		Long: "publish hashes every @mod folder in MODS_DIR and writes metadata.json plus one torrent per mod into --out. " +
			"Serve the result with `modl serve`.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(opts.OutDir) == "" {
				return withExitCode(exitcode.InvalidUsage, fmt.Errorf("--out is required"))
			}
			dirs, err := modFolders(args[0])
			if err != nil {
				return withExitCode(exitcode.InvalidUsage, err)
			}
			opts.ModDirs = dirs

			m, err := manifest.Publish(cmd.Context(), opts)
			if err != nil {
				return withExitCode(exitcode.RuntimeFailure, err)
			}

			if app.Opts.JSON {
				return json.NewEncoder(app.IO.Out).Encode(m)
			}
			for _, mod := range m.Mods {
				fmt.Fprintf(app.IO.Out, "published %s -> torrents/%s\n", mod.Name, mod.Torrent)
			}
			fmt.Fprintf(app.IO.Out, "Wrote %s\n", filepath.Join(opts.OutDir, "metadata.json"))
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.OutDir, "out", "o", "", "Output directory")
	cmd.Flags().StringVar(&opts.Version, "mod-version", "", "Version recorded for every mod")
	cmd.Flags().StringVar(&opts.MinVersion, "min-launcher-version", "", "Oldest launcher version allowed to sync")
	cmd.Flags().Int64Var(&opts.PieceLength, "piece-length", opts.PieceLength, "Torrent piece length in bytes")
	cmd.Flags().StringVar(&opts.WebSeedURL, "web-seed", "", "Web seed URL written into every torrent")
	return cmd
}

// modFolders lists the @-prefixed folders of dir.
func modFolders(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "@") {
			dirs = append(dirs, filepath.Join(dir, entry.Name()))
		}
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no @mod folders in %s", dir)
	}
	sort.Strings(dirs)
	return dirs, nil
}
