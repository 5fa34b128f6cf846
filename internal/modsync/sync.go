package modsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jaa/mod-launcher/internal/action"
	"github.com/jaa/mod-launcher/internal/fileops"
	"github.com/jaa/mod-launcher/internal/manifest"
	"github.com/jaa/mod-launcher/internal/mirror"
	"github.com/jaa/mod-launcher/internal/pipeline"
	"github.com/jaa/mod-launcher/internal/settings"
)

const limiterBurst = 64 * 1024

// NewLimiter returns a limiter for kib KiB/s. Zero or less is unlimited.
func NewLimiter(kib int64) *rate.Limiter {
	l := rate.NewLimiter(rate.Inf, limiterBurst)
	SetLimit(l, kib)
	return l
}

func SetLimit(l *rate.Limiter, kib int64) {
	if kib <= 0 {
		l.SetLimit(rate.Inf)
		return
	}
	l.SetLimit(rate.Limit(kib * 1024))
}

// SyncTask downloads every file that fails verification from the web seed
// and installs it in place. With Seed set it then serves the mods folder
// until terminated.
func SyncTask(p SyncParams, env *Env) action.Task {
	return func(ctx context.Context, r action.Reporter) (action.Result, error) {
		up := NewLimiter(p.MaxUploadSpeed)
		down := NewLimiter(p.MaxDownloadSpeed)
		go applySettings(ctx, r.Messages(), up, down, env)

		r.Progress(action.Progress{Message: "Fetching mod torrents", Detail: 0})
		mods, err := loadTorrents(ctx, p.CheckParams, env)
		if err != nil {
			return action.Result{}, err
		}
		reports, err := verifyAll(ctx, mods, p.CheckParams, func(done float64) {
			r.Progress(action.Progress{Message: "Checking mods", Detail: done})
		})
		if err != nil {
			return action.Result{}, err
		}

		updated, err := downloadAll(ctx, p, env, mods, reports, down, func(done float64) {
			r.Progress(action.Progress{Message: "Syncing mods", Detail: done})
		})
		if err != nil {
			return action.Result{}, err
		}

		if len(updated) > 0 {
			reports, err = verifyAll(ctx, mods, p.CheckParams, func(done float64) {
				r.Progress(action.Progress{Message: "Verifying mods", Detail: done})
			})
			if err != nil {
				return action.Result{}, err
			}
		}
		out := statuses(mods, reports)
		if broken := stillBroken(mods, reports); broken != "" {
			return action.Result{}, &action.Rejection{
				Message: "mods are still out of date after sync",
				Details: broken,
			}
		}

		for i, m := range mods {
			if m.mod.Notice != nil && updated[i] {
				r.Progress(action.Progress{
					Message: fmt.Sprintf("%s updated", m.mod.Name),
					Detail:  1,
					Notice:  &action.Notice{Title: m.mod.Notice.Title, Text: m.mod.Notice.Text, Markup: m.mod.Notice.Markup},
				})
			}
		}
		env.logger().Info("mod sync finished", "mods", len(out), "updated", len(updated))

		if p.Seed {
			return action.Result{}, seed(ctx, p, env, up, r)
		}
		return statusResult("All mods are up to date", out)
	}
}

// applySettings updates the limiters from torrent_settings messages until
// ctx is done.
func applySettings(ctx context.Context, messages <-chan action.Message, up, down *rate.Limiter, env *Env) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-messages:
			if msg.Topic != pipeline.TopicTorrentSettings {
				env.logger().Debug("ignoring worker message", "topic", msg.Topic)
				continue
			}
			var values map[string]int64
			if err := json.Unmarshal(msg.Payload, &values); err != nil {
				env.logger().Warn("malformed torrent settings", "error", err)
				continue
			}
			for key, kib := range values {
				switch key {
				case settings.KeyMaxUploadSpeed:
					SetLimit(up, kib)
				case settings.KeyMaxDownloadSpeed:
					SetLimit(down, kib)
				default:
					continue
				}
				env.logger().Info("bandwidth limit changed", "key", key, "kib_per_second", kib)
			}
		}
	}
}

// downloadAll fetches the bad files of every mod. It returns the indexes
// of the mods that were touched.
func downloadAll(ctx context.Context, p SyncParams, env *Env, mods []loadedMod, reports []manifest.Report, limiter *rate.Limiter, progress func(done float64)) (map[int]bool, error) {
	var total int64
	for _, rep := range reports {
		total += rep.MissingBytes
	}
	updated := make(map[int]bool)
	if total == 0 {
		return updated, nil
	}

	var done atomic.Int64
	report := throttle(progress)
	onBytes := func(n int) {
		report(float64(done.Add(int64(n))) / float64(total))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency(p.Concurrency))
	for i, m := range mods {
		m := m
		if len(reports[i].BadFiles) == 0 {
			continue
		}
		updated[i] = true
		for _, f := range reports[i].BadFiles {
			f := f
			g.Go(func() error {
				return downloadFile(gctx, env, seedURL(p.Endpoints, m.meta, f.Rel), f, p.ModsDir, limiter, onBytes)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return updated, nil
}

func seedURL(e Endpoints, meta *manifest.Metainfo, rel string) string {
	if e.BaseURL == "" && len(meta.URLList) > 0 {
		base := strings.TrimRight(meta.URLList[0], "/")
		return Endpoints{BaseURL: base}.join("", strings.Split(rel, "/")...)
	}
	return e.WebSeedURL(rel)
}

func downloadFile(ctx context.Context, env *Env, target string, f manifest.File, modsDir string, limiter *rate.Limiter, onBytes func(int)) error {
	local := f.LocalPath(modsDir)
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	env.logger().Debug("downloading mod file", "file", f.Rel, "url", target)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := env.client().Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", f.Rel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: server returned %s", f.Rel, resp.Status)
	}

	temp := fileops.TempPath(local)
	out, err := os.Create(temp)
	if err != nil {
		return err
	}
	n, copyErr := io.Copy(out, &limitedReader{ctx: ctx, r: resp.Body, limiter: limiter, onRead: onBytes})
	closeErr := out.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("download %s: %w", f.Rel, err)
	}
	if n != f.Length {
		_ = os.Remove(temp)
		return fmt.Errorf("download %s: got %d bytes, want %d", f.Rel, n, f.Length)
	}
	if err := fileops.ReplaceFileSafely(temp, local); err != nil {
		_ = os.Remove(temp)
		return err
	}
	return nil
}

type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
	onRead  func(int)
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if len(p) > limiterBurst {
		p = p[:limiterBurst]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
		l.onRead(n)
	}
	return n, err
}

func stillBroken(mods []loadedMod, reports []manifest.Report) string {
	var lines []string
	for i, rep := range reports {
		for _, f := range rep.BadFiles {
			lines = append(lines, fmt.Sprintf("%s: %s does not match its torrent", mods[i].mod.Name, f.Rel))
		}
	}
	return strings.Join(lines, "\n")
}

// seed serves the mods folder with the upload limiter until ctx is done.
func seed(ctx context.Context, p SyncParams, env *Env, up *rate.Limiter, r action.Reporter) error {
	router := mirror.NewRouter([]mirror.Mount{{Prefix: "/", Dir: p.ModsDir}}, up, env.logger())
	srv := mirror.NewServer(p.SeedListen, router, env.logger())
	return srv.Serve(ctx, func(addr string) {
		r.Progress(action.Progress{Message: "Seeding mods on " + addr, Detail: 1})
	})
}
