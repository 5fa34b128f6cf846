package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jaa/mod-launcher/internal/exitcode"
	"github.com/jaa/mod-launcher/internal/logging"
	"github.com/jaa/mod-launcher/internal/mirror"
)

type harness struct {
	dir        string
	serverURL  string
	configPath string
	modsDir    string
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	app := &AppContext{
		Build: BuildInfo{Version: "1.0.0"},
		IO:    IOStreams{In: strings.NewReader(""), Out: stdout, ErrOut: stderr},
	}
	root := newRootCommand(app)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// newHarness publishes one mod with the publish command, serves it and
// writes a config pointing at the server.
func newHarness(t *testing.T, publishArgs ...string) *harness {
	t.Helper()
	dir := t.TempDir()
	source := filepath.Join(dir, "source")
	writeFile(t, filepath.Join(source, "@tacbf", "addons", "core.pbo"), strings.Repeat("core-", 400))
	writeFile(t, filepath.Join(source, "@tacbf", "mod.cpp"), "name = \"TacBF\";")

	published := filepath.Join(dir, "published")
	args := append([]string{"publish", source, "--out", published, "--piece-length", "1024", "--mod-version", "1.0"}, publishArgs...)
	if _, stderr, err := runCLI(t, args...); err != nil {
		t.Fatalf("publish failed: %v (%s)", err, stderr)
	}

	router := mirror.NewRouter([]mirror.Mount{
		{Prefix: "/updater/mods", Dir: source},
		{Prefix: "/updater", Dir: published},
	}, nil, logging.NullLogger())
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	h := &harness{dir: dir, serverURL: server.URL, modsDir: filepath.Join(dir, "mods")}
	h.configPath = filepath.Join(dir, "config.yaml")
	writeFile(t, h.configPath, `version: 1
launcher:
  name: "Test Server"
  base_url: "`+server.URL+`"
defaults:
  mods_dir: "`+h.modsDir+`"
  state_dir: "`+filepath.Join(dir, "state")+`"
  check_concurrency: 2
logging:
  file: "`+filepath.Join(dir, "modl.log")+`"
  level: "debug"
`)
	return h
}

func exitCodeOf(err error) int {
	return mapExitCode(err)
}

func TestPublishWritesMetadata(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "source")
	writeFile(t, filepath.Join(source, "@cba", "addons", "main.pbo"), "main")
	writeFile(t, filepath.Join(source, "notamod", "readme.txt"), "skip")

	out := filepath.Join(dir, "out")
	stdout, _, err := runCLI(t, "publish", source, "--out", out, "--json")
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	var m struct {
		Mods []struct {
			Name    string `json:"name"`
			Torrent string `json:"torrent"`
		} `json:"mods"`
	}
	if err := json.Unmarshal([]byte(stdout), &m); err != nil {
		t.Fatalf("decode publish output %q: %v", stdout, err)
	}
	if len(m.Mods) != 1 || m.Mods[0].Name != "@cba" {
		t.Fatalf("unexpected mods: %+v", m.Mods)
	}
	if _, err := os.Stat(filepath.Join(out, "torrents", m.Mods[0].Torrent)); err != nil {
		t.Fatalf("torrent missing: %v", err)
	}
}

func TestPublishWithoutMods(t *testing.T) {
	_, _, err := runCLI(t, "publish", t.TempDir(), "--out", t.TempDir())
	if exitCodeOf(err) != exitcode.InvalidUsage {
		t.Fatalf("expected invalid usage, got %v", err)
	}
}

func TestCheckReportsOutdatedMods(t *testing.T) {
	h := newHarness(t)

	stdout, _, err := runCLI(t, "check", "--config", h.configPath)
	if exitCodeOf(err) != exitcode.PartialSuccess {
		t.Fatalf("expected partial success, got %v", err)
	}
	if !strings.Contains(stdout, "1 of 1 mods need to be synced") {
		t.Fatalf("expected check summary, got %q", stdout)
	}
}

func TestSyncInstallsModsThenCheckPasses(t *testing.T) {
	h := newHarness(t)

	stdout, stderr, err := runCLI(t, "sync", "--config", h.configPath)
	if err != nil {
		t.Fatalf("sync failed: %v\nstdout: %s\nstderr: %s", err, stdout, stderr)
	}
	if !strings.Contains(stdout, "All mods are up to date") {
		t.Fatalf("expected sync summary, got %q", stdout)
	}
	got, err := os.ReadFile(filepath.Join(h.modsDir, "@tacbf", "addons", "core.pbo"))
	if err != nil || string(got) != strings.Repeat("core-", 400) {
		t.Fatalf("mod file not installed: %v", err)
	}

	if _, _, err := runCLI(t, "check", "--config", h.configPath); err != nil {
		t.Fatalf("check after sync failed: %v", err)
	}
}

func TestSyncJSONEvents(t *testing.T) {
	h := newHarness(t)

	stdout, _, err := runCLI(t, "sync", "--config", h.configPath, "--json")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	seen := map[string]bool{}
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		var event map[string]any
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			t.Fatalf("invalid json line %q: %v", line, err)
		}
		seen[event["event"].(string)+":"+stringField(event, "action")] = true
	}
	for _, want := range []string{"action_resolved:download_description", "action_resolved:check_mods", "action_resolved:sync"} {
		if !seen[want] {
			t.Fatalf("missing %s in %v", want, seen)
		}
	}
}

func stringField(event map[string]any, key string) string {
	value, _ := event[key].(string)
	return value
}

func TestSyncRejectsOutdatedLauncher(t *testing.T) {
	h := newHarness(t, "--min-launcher-version", "2.0")

	_, stderr, err := runCLI(t, "sync", "--config", h.configPath)
	if exitCodeOf(err) != exitcode.LauncherOutdated {
		t.Fatalf("expected launcher outdated exit code, got %v", err)
	}
	if !strings.Contains(stderr, "Get the new version of the launcher!") {
		t.Fatalf("expected the outdated notice, got %q", stderr)
	}
}

func TestSyncFailsWithoutServer(t *testing.T) {
	h := newHarness(t)
	payload, err := os.ReadFile(h.configPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	broken := strings.Replace(string(payload), h.serverURL, "http://127.0.0.1:1", 1)
	writeFile(t, h.configPath, broken)

	_, _, err = runCLI(t, "sync", "--config", h.configPath)
	var coded *ExitError
	if !errors.As(err, &coded) || coded.Code != exitcode.RuntimeFailure {
		t.Fatalf("expected runtime failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "could not download mod description") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSettingsSetGetList(t *testing.T) {
	h := newHarness(t)

	if _, _, err := runCLI(t, "settings", "set", "max_download_speed", "512", "--config", h.configPath); err != nil {
		t.Fatalf("settings set failed: %v", err)
	}
	stdout, _, err := runCLI(t, "settings", "get", "max_download_speed", "--config", h.configPath)
	if err != nil || strings.TrimSpace(stdout) != "512" {
		t.Fatalf("settings get = %q, %v", stdout, err)
	}

	stdout, _, err = runCLI(t, "settings", "list", "--json", "--config", h.configPath)
	if err != nil {
		t.Fatalf("settings list failed: %v", err)
	}
	var values map[string]string
	if err := json.Unmarshal([]byte(stdout), &values); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if values["seeding_type"] != "while_not_playing" || values["max_download_speed"] != "512" {
		t.Fatalf("unexpected settings: %v", values)
	}

	_, _, err = runCLI(t, "settings", "set", "seeding_type", "sometimes", "--config", h.configPath)
	if exitCodeOf(err) != exitcode.InvalidUsage {
		t.Fatalf("expected invalid usage for a bad value, got %v", err)
	}
}

func TestValidateAndVersion(t *testing.T) {
	h := newHarness(t)

	stdout, _, err := runCLI(t, "validate", "--config", h.configPath)
	if err != nil || !strings.Contains(stdout, "Config is valid.") {
		t.Fatalf("validate = %q, %v", stdout, err)
	}

	bad := filepath.Join(h.dir, "bad.yaml")
	writeFile(t, bad, "version: 1\nlauncher:\n  base_url: \"not a url\"\n")
	if _, _, err := runCLI(t, "validate", "--config", bad); exitCodeOf(err) != exitcode.InvalidConfig {
		t.Fatalf("expected invalid config, got %v", err)
	}

	stdout, _, err = runCLI(t, "version")
	if err != nil || !strings.Contains(stdout, "modl version 1.0.0") {
		t.Fatalf("version = %q, %v", stdout, err)
	}
}

func TestRunNeedsTerminal(t *testing.T) {
	h := newHarness(t)
	_, _, err := runCLI(t, "run", "--config", h.configPath)
	if exitCodeOf(err) != exitcode.InvalidUsage {
		t.Fatalf("expected invalid usage without a terminal, got %v", err)
	}
}

func TestUnknownFlag(t *testing.T) {
	_, _, err := runCLI(t, "sync", "--bogus")
	if exitCodeOf(err) != exitcode.InvalidUsage {
		t.Fatalf("expected invalid usage, got %v", err)
	}
}
