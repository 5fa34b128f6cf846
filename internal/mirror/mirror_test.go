package mirror

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestRouterServesMounts(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "out", "metadata.json"), `{"mods":[]}`)
	writeFile(t, filepath.Join(root, "mods", "@tacbf", "addons", "core.pbo"), "payload")

	srv := httptest.NewServer(NewRouter([]Mount{
		{Prefix: "/updater", Dir: filepath.Join(root, "out")},
		{Prefix: "/updater/mods", Dir: filepath.Join(root, "mods")},
	}, nil, quietLogger()))
	defer srv.Close()

	cases := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{path: "/healthz", wantStatus: http.StatusOK, wantBody: `{"status":"ok"}`},
		{path: "/updater/metadata.json", wantStatus: http.StatusOK, wantBody: `{"mods":[]}`},
		{path: "/updater/mods/@tacbf/addons/core.pbo", wantStatus: http.StatusOK, wantBody: "payload"},
		{path: "/updater/mods/@tacbf/", wantStatus: http.StatusNotFound},
		{path: "/updater/missing.json", wantStatus: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tc.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			assert.Equal(t, tc.wantStatus, resp.StatusCode)
			if tc.wantBody != "" {
				assert.Equal(t, tc.wantBody, string(body))
			}
		})
	}
}

func TestThrottleLimitsThroughput(t *testing.T) {
	payload := make([]byte, 4096)
	limiter := rate.NewLimiter(rate.Limit(8192), 1024)
	limiter.AllowN(time.Now(), 1024)

	h := Throttle(limiter, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	rec := httptest.NewRecorder()
	start := time.Now()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Len(t, rec.Body.Bytes(), len(payload))
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestServerStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")

	s := NewServer("127.0.0.1:0", NewRouter([]Mount{{Prefix: "/", Dir: dir}}, nil, quietLogger()), quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, func(addr string) { addrCh <- addr }) }()

	addr := <-addrCh
	resp, err := http.Get("http://" + addr + "/a.txt")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "a", string(body))

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
