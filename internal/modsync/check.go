package modsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jaa/mod-launcher/internal/action"
	"github.com/jaa/mod-launcher/internal/fileops"
	"github.com/jaa/mod-launcher/internal/manifest"
)

const maxTorrentSize = 16 << 20

type loadedMod struct {
	mod      manifest.Mod
	meta     *manifest.Metainfo
	checksum string
}

// loadTorrents fetches every mod torrent, keeping a copy in the state dir.
// A torrent that cannot be fetched is taken from that copy.
func loadTorrents(ctx context.Context, p CheckParams, env *Env) ([]loadedMod, error) {
	mods := make([]loadedMod, len(p.Manifest.Mods))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency(p.Concurrency))
	for i, mod := range p.Manifest.Mods {
		i, mod := i, mod
		g.Go(func() error {
			meta, err := loadTorrent(gctx, p, mod, env)
			if err != nil {
				return err
			}
			sum, err := meta.InfoHash()
			if err != nil {
				return err
			}
			if meta.Info.Name != mod.Name {
				return fmt.Errorf("torrent for %s describes %q", mod.Name, meta.Info.Name)
			}
			mods[i] = loadedMod{mod: mod, meta: meta, checksum: sum}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return mods, nil
}

func loadTorrent(ctx context.Context, p CheckParams, mod manifest.Mod, env *Env) (*manifest.Metainfo, error) {
	cached := filepath.Join(p.StateDir, "torrents", filepath.Base(mod.Torrent))

	raw, err := download(ctx, env, p.Endpoints.TorrentURL(mod.Torrent), maxTorrentSize)
	if err == nil {
		meta, perr := manifest.ReadMetainfo(bytes.NewReader(raw))
		if perr != nil {
			return nil, fmt.Errorf("torrent for %s: %w", mod.Name, perr)
		}
		if p.StateDir != "" {
			if err := os.MkdirAll(filepath.Dir(cached), 0o755); err == nil {
				if werr := fileops.WriteFileAtomically(cached, raw, 0o644); werr != nil {
					env.logger().Warn("caching torrent failed", "mod", mod.Name, "error", werr)
				}
			}
		}
		return meta, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if p.StateDir == "" {
		return nil, fmt.Errorf("download torrent for %s: %w", mod.Name, err)
	}
	env.logger().Warn("torrent download failed, using cached copy", "mod", mod.Name, "error", err)
	meta, cerr := manifest.OpenMetainfo(cached)
	if cerr != nil {
		return nil, fmt.Errorf("download torrent for %s: %w", mod.Name, err)
	}
	return meta, nil
}

func download(ctx context.Context, env *Env, target string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := env.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", target, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

func concurrency(n int) int {
	if n <= 0 {
		return 4
	}
	return n
}

// verifyAll verifies every mod concurrently and reports the completion
// fraction over all pieces.
func verifyAll(ctx context.Context, mods []loadedMod, p CheckParams, progress func(done float64)) ([]manifest.Report, error) {
	var total int64
	for _, m := range mods {
		total += int64(m.meta.NumPieces())
	}
	var done atomic.Int64
	report := throttle(progress)
	tick := func() {
		report(float64(done.Add(1)) / float64(total))
	}

	reports := make([]manifest.Report, len(mods))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency(p.Concurrency))
	for i, m := range mods {
		i, m := i, m
		g.Go(func() error {
			report, err := manifest.Verify(gctx, m.meta, p.ModsDir, func(int, int) { tick() })
			if err != nil {
				return fmt.Errorf("verify %s: %w", m.mod.Name, err)
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// throttle passes a completion fraction on at most every 100ms, always
// passing completion itself.
func throttle(progress func(done float64)) func(done float64) {
	var mu sync.Mutex
	var last time.Time
	return func(done float64) {
		mu.Lock()
		defer mu.Unlock()
		if now := time.Now(); now.Sub(last) >= 100*time.Millisecond || done >= 1 {
			last = now
			progress(done)
		}
	}
}

func statuses(mods []loadedMod, reports []manifest.Report) []manifest.ModStatus {
	out := make([]manifest.ModStatus, len(mods))
	for i, m := range mods {
		out[i] = manifest.ModStatus{
			ID:           m.mod.ID,
			Name:         m.mod.Name,
			Version:      m.mod.Version,
			Checksum:     m.checksum,
			UpToDate:     reports[i].UpToDate(),
			MissingBytes: reports[i].MissingBytes,
		}
	}
	return out
}

func statusResult(message string, mods []manifest.ModStatus) (action.Result, error) {
	data, err := json.Marshal(mods)
	if err != nil {
		return action.Result{}, err
	}
	return action.Result{Message: message, Data: data}, nil
}

// CheckTask verifies the local mods against their torrents. The result data
// is the list of mod states in manifest order.
func CheckTask(p CheckParams, env *Env) action.Task {
	return func(ctx context.Context, r action.Reporter) (action.Result, error) {
		r.Progress(action.Progress{Message: "Fetching mod torrents", Detail: 0})
		mods, err := loadTorrents(ctx, p, env)
		if err != nil {
			return action.Result{}, err
		}

		reports, err := verifyAll(ctx, mods, p, func(done float64) {
			r.Progress(action.Progress{Message: "Checking mods", Detail: done})
		})
		if err != nil {
			return action.Result{}, err
		}

		out := statuses(mods, reports)
		outdated := 0
		for _, m := range out {
			if !m.UpToDate {
				outdated++
			}
		}
		message := "All mods are up to date"
		if outdated > 0 {
			message = fmt.Sprintf("%d of %d mods need to be synced", outdated, len(out))
		}
		env.logger().Info("mod check finished", "mods", len(out), "outdated", outdated)
		return statusResult(message, out)
	}
}
