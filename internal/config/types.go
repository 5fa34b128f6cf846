package config

import "time"

type WorkerIsolation string

const (
	IsolationInProcess WorkerIsolation = "inprocess"
	IsolationProcess   WorkerIsolation = "process"
)

type Config struct {
	Version      int           `yaml:"version"`
	Launcher     Launcher      `yaml:"launcher"`
	Defaults     Defaults      `yaml:"defaults"`
	Game         Game          `yaml:"game"`
	Requirements []Requirement `yaml:"requirements" validate:"dive"`
	Logging      Logging       `yaml:"logging"`
}

// Launcher locates the launcher server.
type Launcher struct {
	Name         string `yaml:"name"`
	BaseURL      string `yaml:"base_url" validate:"required,http_url"`
	MetadataPath string `yaml:"metadata_path" validate:"required,startswith=/"`
	TorrentsPath string `yaml:"torrents_path" validate:"required,startswith=/"`
	WebSeedsPath string `yaml:"web_seeds_path" validate:"required,startswith=/"`
	DownloadURL  string `yaml:"download_url" validate:"omitempty,http_url"`
}

type Defaults struct {
	ModsDir                  string          `yaml:"mods_dir" validate:"required"`
	StateDir                 string          `yaml:"state_dir" validate:"required"`
	WorkerIsolation          WorkerIsolation `yaml:"worker_isolation" validate:"oneof=inprocess process"`
	TerminationGraceSeconds  int             `yaml:"termination_grace_seconds" validate:"gt=0"`
	ManifestTimeoutSeconds   int             `yaml:"manifest_timeout_seconds" validate:"gt=0"`
	SeedCheckIntervalSeconds int             `yaml:"seed_check_interval_seconds" validate:"gt=0"`
	CheckConcurrency         int             `yaml:"check_concurrency" validate:"gt=0,lte=64"`
	SeedListen               string          `yaml:"seed_listen" validate:"required,hostname_port"`
}

type Game struct {
	Executable         string   `yaml:"executable"`
	Args               []string `yaml:"args"`
	ModArg             string   `yaml:"mod_arg" validate:"contains=%s"`
	LaunchGraceSeconds int      `yaml:"launch_grace_seconds" validate:"gte=0"`
}

// Requirement is an external binary the game needs, checked by doctor.
type Requirement struct {
	Binary     string `yaml:"binary" validate:"required"`
	MinVersion string `yaml:"min_version"`
}

type Logging struct {
	File   string `yaml:"file"`
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

func (d Defaults) TerminationGrace() time.Duration {
	return time.Duration(d.TerminationGraceSeconds) * time.Second
}

func (d Defaults) ManifestTimeout() time.Duration {
	return time.Duration(d.ManifestTimeoutSeconds) * time.Second
}

func (d Defaults) SeedCheckInterval() time.Duration {
	return time.Duration(d.SeedCheckIntervalSeconds) * time.Second
}

func (g Game) LaunchGrace() time.Duration {
	return time.Duration(g.LaunchGraceSeconds) * time.Second
}

func DefaultConfig() Config {
	return Config{
		Version: 1,
		Launcher: Launcher{
			MetadataPath: "/updater/metadata.json",
			TorrentsPath: "/updater/torrents",
			WebSeedsPath: "/updater/mods",
		},
		Defaults: Defaults{
			ModsDir:                  defaultModsDir(),
			StateDir:                 defaultStateDir(),
			WorkerIsolation:          IsolationInProcess,
			TerminationGraceSeconds:  10,
			ManifestTimeoutSeconds:   30,
			SeedCheckIntervalSeconds: 1,
			CheckConcurrency:         4,
			SeedListen:               "127.0.0.1:8686",
		},
		Game: Game{
			ModArg:             "-mod=%s",
			LaunchGraceSeconds: 30,
		},
		Requirements: []Requirement{},
		Logging: Logging{
			File:   defaultLogFile(),
			Level:  "info",
			Format: "json",
		},
	}
}
