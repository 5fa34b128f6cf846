package modsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/jaa/mod-launcher/internal/action"
	"github.com/jaa/mod-launcher/internal/loop"
	"github.com/jaa/mod-launcher/internal/manifest"
	"github.com/jaa/mod-launcher/internal/mirror"
	"github.com/jaa/mod-launcher/internal/pipeline"
	"github.com/jaa/mod-launcher/internal/settings"
)

func quietEnv() *Env {
	return &Env{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

type recorder struct {
	mu       sync.Mutex
	progress []action.Progress
	messages chan action.Message
}

func newRecorder() *recorder {
	return &recorder{messages: make(chan action.Message, 4)}
}

func (r *recorder) Progress(p action.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) Messages() <-chan action.Message { return r.messages }

func (r *recorder) notices() []action.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []action.Notice
	for _, p := range r.progress {
		if p.Notice != nil {
			out = append(out, *p.Notice)
		}
	}
	return out
}

type fixture struct {
	server   *httptest.Server
	source   string
	modsDir  string
	stateDir string
	manifest manifest.Manifest
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

// newFixture publishes one mod and serves it the way a launcher server does.
func newFixture(t *testing.T, minVersion string) *fixture {
	t.Helper()
	root := t.TempDir()
	source := filepath.Join(root, "source")
	writeFile(t, filepath.Join(source, "@tacbf", "addons", "core.pbo"), strings.Repeat("core-", 300))
	writeFile(t, filepath.Join(source, "@tacbf", "addons", "weapons.pbo"), strings.Repeat("weapons-", 500))
	writeFile(t, filepath.Join(source, "@tacbf", "mod.cpp"), "name = \"TacBF\";")

	out := filepath.Join(root, "out")
	m, err := manifest.Publish(context.Background(), manifest.PublishOptions{
		ModDirs:     []string{filepath.Join(source, "@tacbf")},
		OutDir:      out,
		Version:     "0.9",
		MinVersion:  minVersion,
		PieceLength: 1024,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(mirror.NewRouter([]mirror.Mount{
		{Prefix: "/updater", Dir: out},
		{Prefix: "/updater/mods", Dir: source},
	}, nil, quietEnv().Logger))
	t.Cleanup(srv.Close)

	return &fixture{
		server:   srv,
		source:   source,
		modsDir:  filepath.Join(root, "mods"),
		stateDir: filepath.Join(root, "state"),
		manifest: m,
	}
}

func (f *fixture) endpoints() Endpoints {
	return Endpoints{
		BaseURL:      f.server.URL,
		MetadataPath: "/updater/metadata.json",
		TorrentsPath: "/updater/torrents",
		WebSeedsPath: "/updater/mods",
	}
}

func (f *fixture) check() CheckParams {
	return CheckParams{
		Endpoints:   f.endpoints(),
		Manifest:    f.manifest,
		ModsDir:     f.modsDir,
		StateDir:    f.stateDir,
		Concurrency: 2,
	}
}

func decodeStatuses(t *testing.T, r action.Result) []manifest.ModStatus {
	t.Helper()
	var mods []manifest.ModStatus
	require.NoError(t, r.Decode(&mods))
	return mods
}

func TestFetchTask(t *testing.T) {
	f := newFixture(t, "1.2.0")

	cases := []struct {
		name        string
		version     string
		path        string
		wantReject  string
		wantNumMods int
	}{
		{name: "current launcher", version: "1.2.0", path: "/updater/metadata.json", wantNumMods: 1},
		{name: "dev build", version: "dev", path: "/updater/metadata.json", wantNumMods: 1},
		{name: "outdated launcher", version: "1.1.9", path: "/updater/metadata.json", wantReject: OutdatedMessage},
		{name: "missing description", version: "1.2.0", path: "/updater/none.json", wantReject: "could not download mod description"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ep := f.endpoints()
			ep.MetadataPath = tc.path
			rec := newRecorder()
			result, err := FetchTask(FetchParams{Endpoints: ep, LauncherVersion: tc.version, Timeout: 5 * time.Second}, quietEnv())(context.Background(), rec)
			if tc.wantReject != "" {
				var rejection *action.Rejection
				require.ErrorAs(t, err, &rejection)
				assert.Equal(t, tc.wantReject, rejection.Message)
				return
			}
			require.NoError(t, err)
			m, err := manifest.Parse(result.Data)
			require.NoError(t, err)
			assert.Len(t, m.Mods, tc.wantNumMods)
			assert.NotEmpty(t, rec.progress)
		})
	}
}

func TestCheckTaskReportsMissingMods(t *testing.T) {
	f := newFixture(t, "")

	result, err := CheckTask(f.check(), quietEnv())(context.Background(), newRecorder())
	require.NoError(t, err)
	mods := decodeStatuses(t, result)
	require.Len(t, mods, 1)
	assert.Equal(t, "@tacbf", mods[0].Name)
	assert.False(t, mods[0].UpToDate)
	assert.Positive(t, mods[0].MissingBytes)
	assert.Len(t, mods[0].Checksum, 40)
	assert.FileExists(t, filepath.Join(f.stateDir, "torrents", "@tacbf-0.9.torrent"))
}

func TestCheckTaskUsesCachedTorrent(t *testing.T) {
	f := newFixture(t, "")
	_, err := CheckTask(f.check(), quietEnv())(context.Background(), newRecorder())
	require.NoError(t, err)

	f.server.Close()
	result, err := CheckTask(f.check(), quietEnv())(context.Background(), newRecorder())
	require.NoError(t, err)
	assert.Len(t, decodeStatuses(t, result), 1)
}

func TestCheckTaskWithoutTorrentRejects(t *testing.T) {
	f := newFixture(t, "")
	p := f.check()
	p.StateDir = ""
	f.server.Close()

	_, err := CheckTask(p, quietEnv())(context.Background(), newRecorder())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "download torrent for @tacbf")
}

func TestSyncTaskInstallsMods(t *testing.T) {
	f := newFixture(t, "")
	f.manifest.Mods[0].Notice = &manifest.Notice{Title: "TacBF", Text: "Read the changelog"}

	// one file already current, one corrupt, one missing
	writeFile(t, filepath.Join(f.modsDir, "@tacbf", "mod.cpp"), "name = \"TacBF\";")
	writeFile(t, filepath.Join(f.modsDir, "@tacbf", "addons", "core.pbo"), strings.Repeat("xxxx-", 300))

	rec := newRecorder()
	result, err := SyncTask(SyncParams{CheckParams: f.check()}, quietEnv())(context.Background(), rec)
	require.NoError(t, err)

	mods := decodeStatuses(t, result)
	require.Len(t, mods, 1)
	assert.True(t, mods[0].UpToDate)
	assert.Zero(t, mods[0].MissingBytes)

	for _, rel := range []string{"addons/core.pbo", "addons/weapons.pbo", "mod.cpp"} {
		want, err := os.ReadFile(filepath.Join(f.source, "@tacbf", rel))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(f.modsDir, "@tacbf", rel))
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got), rel)
	}
	assert.Equal(t, []action.Notice{{Title: "TacBF", Text: "Read the changelog"}}, rec.notices())

	check, err := CheckTask(f.check(), quietEnv())(context.Background(), newRecorder())
	require.NoError(t, err)
	assert.True(t, manifest.AllUpToDate(decodeStatuses(t, check)))
}

func TestSyncTaskSkipsNoticeWhenNothingChanged(t *testing.T) {
	f := newFixture(t, "")
	_, err := SyncTask(SyncParams{CheckParams: f.check()}, quietEnv())(context.Background(), newRecorder())
	require.NoError(t, err)

	f.manifest.Mods[0].Notice = &manifest.Notice{Text: "Read the changelog"}
	rec := newRecorder()
	_, err = SyncTask(SyncParams{CheckParams: f.check()}, quietEnv())(context.Background(), rec)
	require.NoError(t, err)
	assert.Empty(t, rec.notices())
}

func TestSyncTaskFailsOnBrokenSeed(t *testing.T) {
	f := newFixture(t, "")
	writeFile(t, filepath.Join(f.source, "@tacbf", "mod.cpp"), "name = \"Changed\";")

	_, err := SyncTask(SyncParams{CheckParams: f.check()}, quietEnv())(context.Background(), newRecorder())
	require.Error(t, err)
}

func TestSyncTaskSeedsUntilCancelled(t *testing.T) {
	f := newFixture(t, "")
	p := SyncParams{CheckParams: f.check(), Seed: true, SeedListen: "127.0.0.1:0"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := newRecorder()
	done := make(chan error, 1)
	go func() {
		_, err := SyncTask(p, quietEnv())(ctx, rec)
		done <- err
	}()

	var addr string
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		for _, pr := range rec.progress {
			if a, ok := strings.CutPrefix(pr.Message, "Seeding mods on "); ok {
				addr = a
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/@tacbf/mod.cpp")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "name = \"TacBF\";", string(body))

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("seeding did not stop")
	}
}

func TestApplySettingsUpdatesLimiters(t *testing.T) {
	up := NewLimiter(0)
	down := NewLimiter(100)
	messages := make(chan action.Message, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go applySettings(ctx, messages, up, down, quietEnv())

	payload, _ := json.Marshal(map[string]int64{settings.KeyMaxUploadSpeed: 50, settings.KeyMaxDownloadSpeed: 0})
	messages <- action.Message{Topic: pipeline.TopicTorrentSettings, Payload: payload}

	assert.Eventually(t, func() bool {
		return up.Limit() == rate.Limit(50*1024) && down.Limit() == rate.Inf
	}, time.Second, 5*time.Millisecond)
}

func TestEndpoints(t *testing.T) {
	ep := Endpoints{BaseURL: "https://mods.example.com/", MetadataPath: "/updater/metadata.json", TorrentsPath: "updater/torrents", WebSeedsPath: "/updater/mods/"}
	assert.Equal(t, "https://mods.example.com/updater/metadata.json", ep.MetadataURL())
	assert.Equal(t, "https://mods.example.com/updater/torrents/@tacbf-0.9.torrent", ep.TorrentURL("@tacbf-0.9.torrent"))
	assert.Equal(t, "https://mods.example.com/updater/mods/@tacbf/addons/a%20b.pbo", ep.WebSeedURL("@tacbf/addons/a b.pbo"))
}

func TestTaskFactory(t *testing.T) {
	factory := TaskFactory(quietEnv())

	_, err := factory(json.RawMessage(`{"action":"explode"}`))
	assert.ErrorContains(t, err, "unknown action")

	_, err = factory(json.RawMessage(`{"action":"sync"}`))
	assert.ErrorContains(t, err, "no parameters")

	task, err := factory(json.RawMessage(`{"action":"check_mods","check":{"manifest":{"mods":[]}}}`))
	require.NoError(t, err)
	result, err := task(context.Background(), newRecorder())
	require.NoError(t, err)
	assert.Equal(t, "All mods are up to date", result.Message)
}

type staticSettings settings.SyncSettings

func (s staticSettings) Sync() settings.SyncSettings { return settings.SyncSettings(s) }

func TestManagerRunsInProcessActions(t *testing.T) {
	f := newFixture(t, "")
	l := loop.New(quietEnv().Logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	m, err := NewManager(ManagerOptions{
		Dispatcher: l,
		Endpoints:  f.endpoints(),
		ModsDir:    f.modsDir,
		StateDir:   f.stateDir,
		Settings:   staticSettings(settings.Defaults()),
		Logger:     quietEnv().Logger,
	})
	require.NoError(t, err)

	run := func(h *action.Handle, err error) action.Result {
		t.Helper()
		require.NoError(t, err)
		results := make(chan action.Result, 1)
		rejections := make(chan action.Rejection, 1)
		var thenErr error
		require.NoError(t, l.Call(ctx, func() {
			thenErr = h.Then(
				func(r action.Result) { results <- r },
				func(r action.Rejection) { rejections <- r },
				nil,
			)
		}))
		require.NoError(t, thenErr)
		select {
		case r := <-results:
			return r
		case r := <-rejections:
			t.Fatalf("%s rejected: %s", h.Name(), r.Message)
		case <-time.After(10 * time.Second):
			t.Fatalf("%s did not finish", h.Name())
		}
		return action.Result{}
	}

	desc := run(m.DownloadModDescription())
	mf, err := manifest.Parse(desc.Data)
	require.NoError(t, err)

	check := run(m.PrepareAndCheck(mf))
	assert.False(t, manifest.AllUpToDate(decodeStatuses(t, check)))

	synced := run(m.SyncAll(pipeline.SyncRequest{Manifest: mf}))
	assert.True(t, manifest.AllUpToDate(decodeStatuses(t, synced)))
}

func TestNewManagerRejectsUnknownIsolation(t *testing.T) {
	_, err := NewManager(ManagerOptions{
		Dispatcher: action.DispatchFunc(func(fn func()) { fn() }),
		Isolation:  "thread",
		Settings:   staticSettings(settings.Defaults()),
	})
	assert.ErrorContains(t, err, "unknown worker isolation")
}
