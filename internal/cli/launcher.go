package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jaa/mod-launcher/internal/config"
	"github.com/jaa/mod-launcher/internal/doctor"
	"github.com/jaa/mod-launcher/internal/game"
	"github.com/jaa/mod-launcher/internal/logging"
	"github.com/jaa/mod-launcher/internal/loop"
	"github.com/jaa/mod-launcher/internal/modsync"
	"github.com/jaa/mod-launcher/internal/pipeline"
	"github.com/jaa/mod-launcher/internal/settings"
)

// launcher wires the pipeline to its collaborators. Everything touching the
// pipeline runs on loop.
type launcher struct {
	cfg        config.Config
	paths      config.Paths
	logger     *slog.Logger
	loop       *loop.Loop
	store      *settings.Store
	pipeline   *pipeline.Pipeline
	supervisor *pipeline.Supervisor
	closers    []io.Closer
}

func newLauncher(app *AppContext, cfg config.Config, observer pipeline.Observer, logOut io.Writer) (*launcher, error) {
	paths, err := config.ResolvePaths(cfg)
	if err != nil {
		return nil, err
	}
	logger, logCloser, err := logging.Setup(logging.Config{
		File:   paths.LogFile,
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}, logOut)
	if err != nil {
		return nil, err
	}
	l := &launcher{cfg: cfg, paths: paths, logger: logger, closers: []io.Closer{logCloser}}

	store, err := settings.Open(paths.StateDir)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("open settings: %w", err)
	}
	l.store = store
	l.closers = append(l.closers, store)
	l.loop = loop.New(logger)

	manager, err := modsync.NewManager(modsync.ManagerOptions{
		Dispatcher: l.loop,
		Isolation:  modsync.Isolation(cfg.Defaults.WorkerIsolation),
		Endpoints: modsync.Endpoints{
			BaseURL:      cfg.Launcher.BaseURL,
			MetadataPath: cfg.Launcher.MetadataPath,
			TorrentsPath: cfg.Launcher.TorrentsPath,
			WebSeedsPath: cfg.Launcher.WebSeedsPath,
		},
		LauncherVersion: app.version(),
		ManifestTimeout: cfg.Defaults.ManifestTimeout(),
		ModsDir:         paths.ModsDir,
		StateDir:        paths.StateDir,
		Concurrency:     cfg.Defaults.CheckConcurrency,
		SeedListen:      cfg.Defaults.SeedListen,
		Settings:        store,
		Grace:           cfg.Defaults.TerminationGrace(),
		Logger:          logger,
	})
	if err != nil {
		l.Close()
		return nil, err
	}

	executable := ""
	if cfg.Game.Executable != "" {
		if executable, err = config.ExpandPath(cfg.Game.Executable); err != nil {
			l.Close()
			return nil, err
		}
	}
	runner := game.New(game.Options{
		Executable:  executable,
		Args:        cfg.Game.Args,
		ModArg:      cfg.Game.ModArg,
		LaunchGrace: cfg.Game.LaunchGrace(),
		Logger:      logger,
	})

	p, err := pipeline.New(pipeline.Options{
		Backend:     manager,
		Game:        runner,
		Settings:    store,
		Observer:    observer,
		DepsPresent: executable != "" && doctor.NewChecker().RequirementsPresent(context.Background(), cfg),
		DownloadURL: cfg.Launcher.DownloadURL,
		Logger:      logger,
	})
	if err != nil {
		l.Close()
		return nil, err
	}
	l.pipeline = p
	l.supervisor = pipeline.NewSupervisor(p, logger)
	l.watchSettings()
	return l, nil
}

// watchSettings hands every settings change to the pipeline on the loop.
func (l *launcher) watchSettings() {
	l.store.OnChange(func(change settings.Change) {
		l.loop.Post(func() { l.pipeline.OnSettingsChanged(change) })
	})
}

// Post runs fn on the pipeline loop.
func (l *launcher) Post(fn func(p *pipeline.Pipeline)) {
	l.loop.Post(func() { fn(l.pipeline) })
}

// serve runs the loop until ctx is done, then stops the open action and
// waits for it. start is the first function run on the loop.
func (l *launcher) serve(ctx context.Context, supervise bool, start func(p *pipeline.Pipeline)) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	errc := make(chan error, 1)
	go func() { errc <- l.loop.Run(loopCtx) }()
	if start != nil {
		l.Post(start)
	}
	tickCtx, stopTicks := context.WithCancel(loopCtx)
	defer stopTicks()
	if supervise {
		l.loop.Every(tickCtx, l.cfg.Defaults.SeedCheckInterval(), l.supervisor.Tick)
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}
	stopTicks()
	l.stop()
	stopLoop()
	<-errc
	return nil
}

// stop terminates the open action, waiting up to the termination grace
// plus a margin for its terminal event.
func (l *launcher) stop() {
	var done <-chan struct{}
	err := l.loop.Call(context.Background(), func() { done = l.pipeline.OnApplicationStop() })
	if err != nil {
		return
	}
	wait := l.cfg.Defaults.TerminationGrace() + 5*time.Second
	select {
	case <-done:
	case <-time.After(wait):
		l.logger.Warn("worker did not stop in time", "waited", wait.String())
	}
	// Let the terminal callback reach the observer.
	_ = l.loop.Call(context.Background(), func() {})
}

func (l *launcher) Close() error {
	var firstErr error
	for i := len(l.closers) - 1; i >= 0; i-- {
		if err := l.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.closers = nil
	return firstErr
}
