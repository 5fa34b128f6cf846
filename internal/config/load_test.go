package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPrecedence(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "xdg"))

	userConfigPath, err := UserConfigPath()
	if err != nil {
		t.Fatalf("user config path: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(userConfigPath), 0o755); err != nil {
		t.Fatalf("mkdir user config dir: %v", err)
	}

	userConfig := `version: 1
launcher:
  base_url: "https://user.example.com/"
defaults:
  check_concurrency: 2
  mods_dir: "/games/user-mods"
requirements:
  - binary: "steam"
`
	if err := os.WriteFile(userConfigPath, []byte(userConfig), 0o644); err != nil {
		t.Fatalf("write user config: %v", err)
	}

	projectDir := filepath.Join(tmp, "project")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatalf("mkdir project dir: %v", err)
	}
	projectConfig := `version: 1
defaults:
  mods_dir: "/games/project-mods"
game:
  executable: "/games/arma3/arma3_x64"
  args: ["-nosplash"]
requirements:
  - binary: "wine"
    min_version: "8.0"
`
	if err := os.WriteFile(ProjectConfigPath(projectDir), []byte(projectConfig), 0o644); err != nil {
		t.Fatalf("write project config: %v", err)
	}

	cfg, err := Load(LoadOptions{
		WorkingDir: projectDir,
		Env: map[string]string{
			"MODL_CHECK_CONCURRENCY": "7",
		},
	})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Defaults.CheckConcurrency != 7 {
		t.Fatalf("expected env override check_concurrency=7, got %d", cfg.Defaults.CheckConcurrency)
	}
	if cfg.Defaults.ModsDir != "/games/project-mods" {
		t.Fatalf("expected project mods dir, got %q", cfg.Defaults.ModsDir)
	}
	if cfg.Launcher.BaseURL != "https://user.example.com" {
		t.Fatalf("expected user base url without trailing slash, got %q", cfg.Launcher.BaseURL)
	}
	if len(cfg.Requirements) != 1 || cfg.Requirements[0].Binary != "wine" {
		t.Fatalf("expected project requirements to override user requirements, got %+v", cfg.Requirements)
	}
	if cfg.Defaults.TerminationGraceSeconds != 10 || cfg.Game.ModArg != "-mod=%s" {
		t.Fatalf("expected defaults to survive merging, got %+v / %+v", cfg.Defaults, cfg.Game)
	}
}

func TestLoadExplicitPathRequired(t *testing.T) {
	_, err := Load(LoadOptions{ExplicitPath: "/path/does/not/exist.yaml"})
	if err == nil {
		t.Fatalf("expected error for missing explicit config path")
	}
}

func TestLoadRejectsBadEnvOverride(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	_, err := Load(LoadOptions{
		WorkingDir: t.TempDir(),
		Env:        map[string]string{"MODL_TERMINATION_GRACE_SECONDS": "soon"},
	})
	if err == nil {
		t.Fatalf("expected error for non-numeric override")
	}
}

func TestDefaultTemplateIsValid(t *testing.T) {
	p := filepath.Join(t.TempDir(), "modl.yaml")
	if err := os.WriteFile(p, []byte(DefaultTemplate()), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := Load(LoadOptions{ExplicitPath: p, Env: map[string]string{}})
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("template should validate: %v", err)
	}
}
