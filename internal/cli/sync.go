package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/jaa/mod-launcher/internal/action"
	"github.com/jaa/mod-launcher/internal/config"
	"github.com/jaa/mod-launcher/internal/exitcode"
	"github.com/jaa/mod-launcher/internal/manifest"
	"github.com/jaa/mod-launcher/internal/output"
	"github.com/jaa/mod-launcher/internal/pipeline"
)

type headlessOptions struct {
	checkOnly bool
	seed      bool
	play      bool
}

type phase int

const (
	phaseChecking phase = iota
	phaseSyncing
	phaseSeeding
	phaseDone
)

// driver walks the pipeline through check, sync, play and seed without a
// user. Its methods run on the pipeline loop.
type driver struct {
	*output.Observer
	opts     headlessOptions
	launcher *launcher
	phase    phase
	// failure is the last rejection that was not a requested termination.
	failure *action.Rejection
	result  error
	finish  context.CancelFunc
}

func (d *driver) Rejected(name action.Name, r action.Rejection) {
	d.Observer.Rejected(name, r)
	if !r.Terminated {
		rejection := r
		d.failure = &rejection
	}
}

func (d *driver) StateChanged(s pipeline.Snapshot) {
	d.Observer.StateChanged(s)
	if s.State != pipeline.StateIdle || s.Active != "" {
		return
	}
	d.advance(d.launcher.pipeline)
}

func (d *driver) start(p *pipeline.Pipeline) {
	if err := p.Start(); err != nil {
		d.done(withExitCode(exitcode.RuntimeFailure, err))
	}
}

func (d *driver) advance(p *pipeline.Pipeline) {
	switch d.phase {
	case phaseChecking:
		if p.Outdated() {
			d.done(withExitCode(exitcode.LauncherOutdated, errors.New("launcher is out of date")))
			return
		}
		if _, ok := p.Manifest(); !ok {
			d.done(d.failed("no mod description available"))
			return
		}
		mods := p.Mods()
		if len(mods) == 0 {
			d.done(d.failed("mod check did not finish"))
			return
		}
		if manifest.AllUpToDate(mods) {
			d.ready(p)
			return
		}
		if d.opts.checkOnly {
			d.done(withExitCode(exitcode.PartialSuccess, fmt.Errorf("%d mod(s) need to be synced", countOutdated(mods))))
			return
		}
		d.failure = nil
		if err := p.StartSync(false); err != nil {
			d.done(withExitCode(exitcode.RuntimeFailure, err))
			return
		}
		d.phase = phaseSyncing
	case phaseSyncing:
		if !manifest.AllUpToDate(p.Mods()) {
			d.done(d.failed("mods are still out of date"))
			return
		}
		d.ready(p)
	}
}

func (d *driver) ready(p *pipeline.Pipeline) {
	if d.opts.play {
		if err := p.Play(); err != nil {
			d.done(withExitCode(exitcode.RuntimeFailure, err))
			return
		}
	}
	if d.opts.seed {
		d.phase = phaseSeeding
		return
	}
	d.done(nil)
}

func (d *driver) failed(fallback string) error {
	if d.failure != nil {
		message := d.failure.Message
		if summary := d.failure.Summary(); summary != message {
			message += ": " + summary
		}
		return withExitCode(exitcode.RuntimeFailure, errors.New(message))
	}
	return withExitCode(exitcode.RuntimeFailure, errors.New(fallback))
}

func (d *driver) done(err error) {
	if d.phase == phaseDone {
		return
	}
	d.phase = phaseDone
	d.result = err
	d.finish()
}

func countOutdated(mods []manifest.ModStatus) int {
	n := 0
	for _, mod := range mods {
		if !mod.UpToDate {
			n++
		}
	}
	return n
}

// runHeadless drives one headless session and returns its outcome.
func runHeadless(cmd *cobra.Command, app *AppContext, cfg config.Config, opts headlessOptions) error {
	sigCtx, stopSignals := signal.NotifyContext(cmd.Context(), interruptSignals()...)
	defer stopSignals()
	ctx, finish := context.WithCancel(sigCtx)
	defer finish()

	d := &driver{opts: opts, finish: finish}
	d.Observer = output.NewObserver(newEmitter(app), nil, nil)

	l, err := newLauncher(app, cfg, d, logFallback(app, false))
	if err != nil {
		return withExitCode(exitcode.RuntimeFailure, err)
	}
	defer l.Close()
	d.launcher = l

	if err := l.serve(ctx, opts.seed, d.start); err != nil && !errors.Is(err, context.Canceled) {
		return withExitCode(exitcode.RuntimeFailure, err)
	}
	if d.phase != phaseDone {
		if d.phase == phaseSeeding {
			return nil
		}
		return withExitCode(exitcode.Interrupted, errors.New("interrupted"))
	}
	return d.result
}

func newSyncCommand(app *AppContext) *cobra.Command {
	opts := headlessOptions{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Bring every mod up to date without the interactive UI",
		Long: "sync downloads the mod description, checks the local mods and downloads whatever is missing. " +
			"With --play the game is launched afterwards; with --seed the mods are served to other players until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig(app)
			if err != nil {
				return err
			}
			return runHeadless(cmd, app, cfg, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.seed, "seed", false, "Keep running and seed according to the seeding_type setting")
	cmd.Flags().BoolVar(&opts.play, "play", false, "Launch the game once the mods are up to date")
	return cmd
}

func newCheckCommand(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report whether the local mods match the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig(app)
			if err != nil {
				return err
			}
			return runHeadless(cmd, app, cfg, headlessOptions{checkOnly: true})
		},
	}
}
