// Package game launches the game executable with the synced mods and
// observes whether it is still running.
package game

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jaa/mod-launcher/internal/manifest"
)

const DefaultModArg = "-mod=%s"

type Options struct {
	Executable string
	Args       []string
	// ModArg formats the semicolon-separated mod list into one argument.
	ModArg string
	// LaunchGrace is how long a fresh launch counts as running even when the
	// started process already exited, covering games started via wrappers.
	LaunchGrace time.Duration
	// Probe reports whether a process with the given image name runs. It
	// defaults to the platform process table lookup.
	Probe  func(image string) bool
	Logger *slog.Logger
}

// Runner owns at most one game process.
type Runner struct {
	opts Options
	now  func() time.Time

	mu         sync.Mutex
	exited     chan struct{}
	launchedAt time.Time
}

func New(opts Options) *Runner {
	if opts.ModArg == "" {
		opts.ModArg = DefaultModArg
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Probe == nil {
		opts.Probe = processRunning
	}
	return &Runner{opts: opts, now: time.Now}
}

// Args returns the command line arguments used to start the game.
func (r *Runner) Args(mods []manifest.ModStatus) []string {
	args := append([]string{}, r.opts.Args...)
	names := make([]string, 0, len(mods))
	for _, m := range mods {
		names = append(names, m.Name)
	}
	if len(names) > 0 {
		args = append(args, fmt.Sprintf(r.opts.ModArg, strings.Join(names, ";")))
	}
	return args
}

// Run starts the game without waiting for it.
func (r *Runner) Run(mods []manifest.ModStatus) error {
	if r.opts.Executable == "" {
		return errors.New("no game executable configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.childAliveLocked() {
		return errors.New("game is already running")
	}

	args := r.Args(mods)
	cmd := exec.Command(r.opts.Executable, args...)
	cmd.Dir = filepath.Dir(r.opts.Executable)
	r.opts.Logger.Info("launching game", "executable", r.opts.Executable, "args", args)
	if err := cmd.Start(); err != nil {
		return err
	}

	exited := make(chan struct{})
	r.exited = exited
	r.launchedAt = r.now()
	go func() {
		err := cmd.Wait()
		r.opts.Logger.Info("game process exited", "error", err)
		close(exited)
	}()
	return nil
}

// IsRunning reports whether the game may be running: the launched process
// is alive or a process with the executable's name exists. With
// newlyLaunched set, a launch within the grace window also counts.
func (r *Runner) IsRunning(newlyLaunched bool) bool {
	r.mu.Lock()
	alive := r.childAliveLocked()
	inGrace := !r.launchedAt.IsZero() && r.now().Sub(r.launchedAt) < r.opts.LaunchGrace
	r.mu.Unlock()

	if alive || (newlyLaunched && inGrace) {
		return true
	}
	if r.opts.Executable == "" {
		return false
	}
	return r.opts.Probe(filepath.Base(r.opts.Executable))
}

func (r *Runner) childAliveLocked() bool {
	if r.exited == nil {
		return false
	}
	select {
	case <-r.exited:
		return false
	default:
		return true
	}
}
