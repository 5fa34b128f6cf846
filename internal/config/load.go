package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type LoadOptions struct {
	ExplicitPath string
	WorkingDir   string
	Env          map[string]string
}

type fileConfig struct {
	Version      *int               `yaml:"version"`
	Launcher     fileLauncher       `yaml:"launcher"`
	Defaults     fileDefaults       `yaml:"defaults"`
	Game         fileGame           `yaml:"game"`
	Requirements *[]fileRequirement `yaml:"requirements"`
	Logging      fileLogging        `yaml:"logging"`
}

type fileLauncher struct {
	Name         *string `yaml:"name"`
	BaseURL      *string `yaml:"base_url"`
	MetadataPath *string `yaml:"metadata_path"`
	TorrentsPath *string `yaml:"torrents_path"`
	WebSeedsPath *string `yaml:"web_seeds_path"`
	DownloadURL  *string `yaml:"download_url"`
}

type fileDefaults struct {
	ModsDir                  *string `yaml:"mods_dir"`
	StateDir                 *string `yaml:"state_dir"`
	WorkerIsolation          *string `yaml:"worker_isolation"`
	TerminationGraceSeconds  *int    `yaml:"termination_grace_seconds"`
	ManifestTimeoutSeconds   *int    `yaml:"manifest_timeout_seconds"`
	SeedCheckIntervalSeconds *int    `yaml:"seed_check_interval_seconds"`
	CheckConcurrency         *int    `yaml:"check_concurrency"`
	SeedListen               *string `yaml:"seed_listen"`
}

type fileGame struct {
	Executable         *string   `yaml:"executable"`
	Args               *[]string `yaml:"args"`
	ModArg             *string   `yaml:"mod_arg"`
	LaunchGraceSeconds *int      `yaml:"launch_grace_seconds"`
}

type fileRequirement struct {
	Binary     string `yaml:"binary"`
	MinVersion string `yaml:"min_version"`
}

type fileLogging struct {
	File   *string `yaml:"file"`
	Level  *string `yaml:"level"`
	Format *string `yaml:"format"`
}

func Load(opts LoadOptions) (Config, error) {
	cfg := DefaultConfig()

	cwd := opts.WorkingDir
	if strings.TrimSpace(cwd) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("resolve working directory: %w", err)
		}
		cwd = wd
	}

	env := opts.Env
	if env == nil {
		env = osEnvMap()
	}

	if explicit := strings.TrimSpace(opts.ExplicitPath); explicit != "" {
		if err := mergeFile(&cfg, explicit, true); err != nil {
			return Config{}, err
		}
	} else {
		userPath, err := UserConfigPath()
		if err != nil {
			return Config{}, err
		}
		if err := mergeFile(&cfg, userPath, false); err != nil {
			return Config{}, err
		}

		if err := mergeFile(&cfg, ProjectConfigPath(cwd), false); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnvOverrides(&cfg, env); err != nil {
		return Config{}, err
	}

	normalize(&cfg)
	return cfg, nil
}

func mergeFile(cfg *Config, path string, required bool) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file does not exist: %s", path)
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(payload, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.Version != nil {
		cfg.Version = *fc.Version
	}

	setString(&cfg.Launcher.Name, fc.Launcher.Name)
	setString(&cfg.Launcher.BaseURL, fc.Launcher.BaseURL)
	setString(&cfg.Launcher.MetadataPath, fc.Launcher.MetadataPath)
	setString(&cfg.Launcher.TorrentsPath, fc.Launcher.TorrentsPath)
	setString(&cfg.Launcher.WebSeedsPath, fc.Launcher.WebSeedsPath)
	setString(&cfg.Launcher.DownloadURL, fc.Launcher.DownloadURL)

	setString(&cfg.Defaults.ModsDir, fc.Defaults.ModsDir)
	setString(&cfg.Defaults.StateDir, fc.Defaults.StateDir)
	if fc.Defaults.WorkerIsolation != nil {
		cfg.Defaults.WorkerIsolation = WorkerIsolation(strings.TrimSpace(*fc.Defaults.WorkerIsolation))
	}
	setInt(&cfg.Defaults.TerminationGraceSeconds, fc.Defaults.TerminationGraceSeconds)
	setInt(&cfg.Defaults.ManifestTimeoutSeconds, fc.Defaults.ManifestTimeoutSeconds)
	setInt(&cfg.Defaults.SeedCheckIntervalSeconds, fc.Defaults.SeedCheckIntervalSeconds)
	setInt(&cfg.Defaults.CheckConcurrency, fc.Defaults.CheckConcurrency)
	setString(&cfg.Defaults.SeedListen, fc.Defaults.SeedListen)

	setString(&cfg.Game.Executable, fc.Game.Executable)
	if fc.Game.Args != nil {
		cfg.Game.Args = append([]string{}, (*fc.Game.Args)...)
	}
	setString(&cfg.Game.ModArg, fc.Game.ModArg)
	setInt(&cfg.Game.LaunchGraceSeconds, fc.Game.LaunchGraceSeconds)

	if fc.Requirements != nil {
		cfg.Requirements = make([]Requirement, 0, len(*fc.Requirements))
		for _, fr := range *fc.Requirements {
			cfg.Requirements = append(cfg.Requirements, Requirement{
				Binary:     strings.TrimSpace(fr.Binary),
				MinVersion: strings.TrimSpace(fr.MinVersion),
			})
		}
	}

	setString(&cfg.Logging.File, fc.Logging.File)
	setString(&cfg.Logging.Level, fc.Logging.Level)
	setString(&cfg.Logging.Format, fc.Logging.Format)
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func applyEnvOverrides(cfg *Config, env map[string]string) error {
	overrides := map[string]*string{
		"MODL_BASE_URL":    &cfg.Launcher.BaseURL,
		"MODL_MODS_DIR":    &cfg.Defaults.ModsDir,
		"MODL_STATE_DIR":   &cfg.Defaults.StateDir,
		"MODL_SEED_LISTEN": &cfg.Defaults.SeedListen,
		"MODL_GAME":        &cfg.Game.Executable,
		"MODL_LOG_FILE":    &cfg.Logging.File,
		"MODL_LOG_LEVEL":   &cfg.Logging.Level,
	}
	for key, dst := range overrides {
		if value := strings.TrimSpace(env[key]); value != "" {
			*dst = value
		}
	}
	if value := strings.TrimSpace(env["MODL_WORKER_ISOLATION"]); value != "" {
		cfg.Defaults.WorkerIsolation = WorkerIsolation(value)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MODL_TERMINATION_GRACE_SECONDS", &cfg.Defaults.TerminationGraceSeconds},
		{"MODL_MANIFEST_TIMEOUT_SECONDS", &cfg.Defaults.ManifestTimeoutSeconds},
		{"MODL_CHECK_CONCURRENCY", &cfg.Defaults.CheckConcurrency},
	}
	for _, item := range ints {
		value := strings.TrimSpace(env[item.key])
		if value == "" {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", item.key, value, err)
		}
		*item.dst = parsed
	}
	return nil
}

func normalize(cfg *Config) {
	cfg.Launcher.BaseURL = strings.TrimRight(cfg.Launcher.BaseURL, "/")
	if cfg.Defaults.WorkerIsolation == "" {
		cfg.Defaults.WorkerIsolation = IsolationInProcess
	}
	if cfg.Game.ModArg == "" {
		cfg.Game.ModArg = "-mod=%s"
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
}

func osEnvMap() map[string]string {
	result := map[string]string{}
	for _, pair := range os.Environ() {
		pieces := strings.SplitN(pair, "=", 2)
		if len(pieces) == 2 {
			result[pieces[0]] = pieces[1]
		}
	}
	return result
}

func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory %s: %w", dir, err)
	}
	return nil
}
