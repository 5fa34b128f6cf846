package modsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jaa/mod-launcher/internal/action"
	"github.com/jaa/mod-launcher/internal/manifest"
	"github.com/jaa/mod-launcher/internal/pipeline"
	"github.com/jaa/mod-launcher/internal/settings"
)

type Isolation string

const (
	IsolationInProcess Isolation = "inprocess"
	IsolationProcess   Isolation = "process"
)

// WorkerCommand is the hidden CLI command a process worker runs.
const WorkerCommand = "worker"

type ManagerOptions struct {
	Dispatcher action.Dispatcher
	Isolation  Isolation
	// WorkerBin is the executable started for process workers. Defaults to
	// the running executable.
	WorkerBin string

	Endpoints       Endpoints
	LauncherVersion string
	ManifestTimeout time.Duration
	ModsDir         string
	StateDir        string
	Concurrency     int
	SeedListen      string

	Settings interface{ Sync() settings.SyncSettings }
	Grace    time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

// Manager starts the sync actions for the pipeline.
type Manager struct {
	opts ManagerOptions
	env  *Env
}

var _ pipeline.Backend = (*Manager)(nil)

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("modsync: dispatcher is required")
	}
	if opts.Settings == nil {
		return nil, fmt.Errorf("modsync: settings are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	switch opts.Isolation {
	case "":
		opts.Isolation = IsolationInProcess
	case IsolationInProcess:
	case IsolationProcess:
		if opts.WorkerBin == "" {
			bin, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("resolve worker executable: %w", err)
			}
			opts.WorkerBin = bin
		}
	default:
		return nil, fmt.Errorf("unknown worker isolation %q", opts.Isolation)
	}
	return &Manager{
		opts: opts,
		env:  &Env{Client: opts.Client, Logger: opts.Logger},
	}, nil
}

func (m *Manager) DownloadModDescription() (*action.Handle, error) {
	return m.start(Request{
		Action: action.DownloadDescription,
		Fetch: &FetchParams{
			Endpoints:       m.opts.Endpoints,
			LauncherVersion: m.opts.LauncherVersion,
			Timeout:         m.opts.ManifestTimeout,
		},
	})
}

func (m *Manager) PrepareAndCheck(mf manifest.Manifest) (*action.Handle, error) {
	check := m.checkParams(mf)
	return m.start(Request{Action: action.CheckMods, Check: &check})
}

// SyncAll reads the bandwidth limits at start; later changes arrive as
// torrent_settings messages.
func (m *Manager) SyncAll(req pipeline.SyncRequest) (*action.Handle, error) {
	current := m.opts.Settings.Sync()
	return m.start(Request{
		Action: action.Sync,
		Sync: &SyncParams{
			CheckParams:      m.checkParams(req.Manifest),
			Seed:             req.Seed,
			SeedListen:       m.opts.SeedListen,
			MaxUploadSpeed:   current.MaxUploadSpeed,
			MaxDownloadSpeed: current.MaxDownloadSpeed,
		},
	})
}

func (m *Manager) checkParams(mf manifest.Manifest) CheckParams {
	return CheckParams{
		Endpoints:   m.opts.Endpoints,
		Manifest:    mf,
		ModsDir:     m.opts.ModsDir,
		StateDir:    m.opts.StateDir,
		Concurrency: m.opts.Concurrency,
	}
}

func (m *Manager) start(req Request) (*action.Handle, error) {
	starter, err := m.starter(req)
	if err != nil {
		return nil, err
	}
	return action.Start(context.Background(), req.Action, starter, action.Options{
		Dispatcher: m.opts.Dispatcher,
		Grace:      m.opts.Grace,
		Logger:     m.opts.Logger,
	})
}

func (m *Manager) starter(req Request) (action.Starter, error) {
	if m.opts.Isolation == IsolationProcess {
		return action.Process(action.ProcessSpec{
			Bin:    m.opts.WorkerBin,
			Args:   []string{WorkerCommand},
			Input:  req,
			Logger: m.opts.Logger,
		}), nil
	}
	task, err := req.Task(m.env)
	if err != nil {
		return nil, err
	}
	return action.InProcess(task), nil
}
