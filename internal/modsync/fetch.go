package modsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jaa/mod-launcher/internal/action"
	"github.com/jaa/mod-launcher/internal/manifest"
)

// OutdatedMessage rejects a launcher older than the server's minimum.
const OutdatedMessage = "server says launcher is out of date"

// maxDescriptionSize bounds the mod description download.
const maxDescriptionSize = 8 << 20

// Env carries the process-local collaborators of a task.
type Env struct {
	Client *http.Client
	Logger *slog.Logger
}

func (e *Env) client() *http.Client {
	if e == nil || e.Client == nil {
		return http.DefaultClient
	}
	return e.Client
}

func (e *Env) logger() *slog.Logger {
	if e == nil || e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// FetchTask downloads the mod description. Progress detail is the transfer
// rate in bytes per second.
func FetchTask(p FetchParams, env *Env) action.Task {
	return func(ctx context.Context, r action.Reporter) (action.Result, error) {
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		target := p.Endpoints.MetadataURL()
		env.logger().Info("downloading mod description", "url", target)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return action.Result{}, err
		}
		resp, err := env.client().Do(req)
		if err != nil {
			return action.Result{}, &action.Rejection{
				Message: "could not download mod description",
				Details: err.Error(),
			}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return action.Result{}, &action.Rejection{
				Message: "could not download mod description",
				Details: fmt.Sprintf("server returned %s for %s", resp.Status, target),
			}
		}

		body, err := readWithRate(ctx, io.LimitReader(resp.Body, maxDescriptionSize), func(rate float64) {
			r.Progress(action.Progress{Message: "Downloading mod description", Detail: rate})
		})
		if err != nil {
			if ctx.Err() != nil {
				return action.Result{}, ctx.Err()
			}
			return action.Result{}, &action.Rejection{Message: "could not download mod description", Details: err.Error()}
		}

		m, err := manifest.Parse(body)
		if err != nil {
			return action.Result{}, &action.Rejection{Message: "server sent an invalid mod description", Details: err.Error()}
		}
		if outdated(p.LauncherVersion, m.Launcher.MinVersion) {
			return action.Result{}, &action.Rejection{
				Message: OutdatedMessage,
				Details: fmt.Sprintf("launcher %s is older than the required %s", p.LauncherVersion, m.Launcher.MinVersion),
			}
		}
		return action.Result{Message: fmt.Sprintf("Mod description downloaded (%d mods)", len(m.Mods)), Data: body}, nil
	}
}

func outdated(current, required string) bool {
	if required == "" || current == "" || current == "dev" {
		return false
	}
	return manifest.CompareVersions(current, required) < 0
}

// readWithRate reads r fully, reporting the running rate at most every
// 200ms and once at the end.
func readWithRate(ctx context.Context, r io.Reader, report func(rate float64)) ([]byte, error) {
	var out []byte
	buf := make([]byte, 32*1024)
	start := time.Now()
	lastReport := start
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if now := time.Now(); now.Sub(lastReport) >= 200*time.Millisecond {
			lastReport = now
			report(byteRate(len(out), now.Sub(start)))
		}
		if err == io.EOF {
			report(byteRate(len(out), time.Since(start)))
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func byteRate(n int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return float64(n)
	}
	return float64(n) / elapsed.Seconds()
}
