package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/jaa/mod-launcher/internal/exitcode"
	"github.com/jaa/mod-launcher/internal/pipeline"
	"github.com/jaa/mod-launcher/internal/tui"
)

func newRunCommand(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Open the interactive launcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd, app)
		},
	}
}

// uiController posts user commands to the pipeline loop and reports
// refusals on the status line.
type uiController struct {
	launcher *launcher
	observer *tui.ChannelObserver
}

func (c *uiController) Start() { c.do(func(p *pipeline.Pipeline) error { return p.Start() }) }
func (c *uiController) Play()  { c.do(func(p *pipeline.Pipeline) error { return p.Play() }) }
func (c *uiController) Sync()  { c.do(func(p *pipeline.Pipeline) error { return p.StartSync(false) }) }

func (c *uiController) Cancel() {
	c.do(func(p *pipeline.Pipeline) error { return p.RequestCancel() })
}

// SetSetting applies a settings change on the loop. The store notifies the
// pipeline, which forwards bandwidth limits to a running sync.
func (c *uiController) SetSetting(key, value string) {
	c.launcher.loop.Post(func() {
		if err := c.launcher.store.Set(key, value); err != nil {
			c.observer.Status(err.Error(), true)
			return
		}
		c.launcher.logger.Info("setting changed", "key", key, "value", value)
	})
}

func (c *uiController) do(fn func(p *pipeline.Pipeline) error) {
	c.launcher.Post(func(p *pipeline.Pipeline) {
		if err := fn(p); err != nil {
			c.observer.Status(err.Error(), true)
		}
	})
}

func runInteractive(cmd *cobra.Command, app *AppContext) error {
	if app.Opts.JSON || !isTTY(app.IO.Out) || !isTTY(app.IO.In) {
		return withExitCode(exitcode.InvalidUsage, errors.New("the interactive launcher needs a terminal; use `modl sync` instead"))
	}
	cfg, err := loadValidConfig(app)
	if err != nil {
		return err
	}
	if app.Opts.NoColor {
		_ = os.Setenv("NO_COLOR", "1")
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), interruptSignals()...)
	defer cancel()

	events := make(chan tea.Msg, 256)
	observer := tui.NewChannelObserver(events)
	defer observer.Close()

	l, err := newLauncher(app, cfg, observer, logFallback(app, true))
	if err != nil {
		return withExitCode(exitcode.RuntimeFailure, err)
	}
	defer l.Close()

	controller := &uiController{launcher: l, observer: observer}
	program := tea.NewProgram(
		tui.New(tui.Options{Title: cfg.Launcher.Name, Controller: controller, Events: events}),
		tea.WithAltScreen(),
		tea.WithInput(app.IO.In),
		tea.WithOutput(app.IO.Out),
	)

	programErr := make(chan error, 1)
	go func() {
		_, err := program.Run()
		observer.Close()
		cancel()
		programErr <- err
	}()

	serveErr := l.serve(ctx, true, func(p *pipeline.Pipeline) {
		if err := p.Start(); err != nil {
			observer.Status(err.Error(), true)
		}
	})
	program.Quit()
	if err := <-programErr; err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return withExitCode(exitcode.RuntimeFailure, fmt.Errorf("launcher ui: %w", err))
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return withExitCode(exitcode.RuntimeFailure, serveErr)
	}
	return nil
}
