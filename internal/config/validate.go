package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var binaryNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._+-]+$`)

var validate = validator.New(validator.WithRequiredStructEnabled())

type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "invalid config"
	}
	return fmt.Sprintf("invalid config: %s", strings.Join(e.Problems, "; "))
}

func Validate(cfg Config) error {
	problems := []string{}

	if cfg.Version != 1 {
		problems = append(problems, "version must be 1")
	}

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"defaults.mods_dir", cfg.Defaults.ModsDir},
		{"defaults.state_dir", cfg.Defaults.StateDir},
	} {
		if strings.TrimSpace(field.value) == "" {
			continue
		}
		expanded, err := ExpandPath(field.value)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s must be a valid path", field.name))
		} else if !filepath.IsAbs(expanded) {
			problems = append(problems, fmt.Sprintf("%s must resolve to an absolute path", field.name))
		}
	}

	if cfg.Game.Executable != "" {
		exe, err := ExpandPath(cfg.Game.Executable)
		if err != nil || !filepath.IsAbs(exe) {
			problems = append(problems, "game.executable must resolve to an absolute path")
		}
	}

	seen := map[string]struct{}{}
	for _, req := range cfg.Requirements {
		if req.Binary == "" {
			continue
		}
		if !binaryNamePattern.MatchString(req.Binary) {
			problems = append(problems, fmt.Sprintf("requirement %q has invalid binary name", req.Binary))
		}
		if _, exists := seen[req.Binary]; exists {
			problems = append(problems, fmt.Sprintf("duplicate requirement %q", req.Binary))
		}
		seen[req.Binary] = struct{}{}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// describe renders a validator failure with the YAML field path.
func describe(fe validator.FieldError) string {
	path := yamlPath(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s must be set", path)
	case "http_url":
		return fmt.Sprintf("%s must be an http or https URL", path)
	case "startswith":
		return fmt.Sprintf("%s must start with %q", path, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", path, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Sprintf("%s must be > %s", path, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", path, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", path, fe.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be host:port", path)
	case "contains":
		return fmt.Sprintf("%s must contain %q", path, fe.Param())
	default:
		return fmt.Sprintf("%s failed %q", path, fe.Tag())
	}
}

var yamlNames = map[string]string{
	"Launcher":                 "launcher",
	"BaseURL":                  "base_url",
	"MetadataPath":             "metadata_path",
	"TorrentsPath":             "torrents_path",
	"WebSeedsPath":             "web_seeds_path",
	"DownloadURL":              "download_url",
	"Defaults":                 "defaults",
	"ModsDir":                  "mods_dir",
	"StateDir":                 "state_dir",
	"WorkerIsolation":          "worker_isolation",
	"TerminationGraceSeconds":  "termination_grace_seconds",
	"ManifestTimeoutSeconds":   "manifest_timeout_seconds",
	"SeedCheckIntervalSeconds": "seed_check_interval_seconds",
	"CheckConcurrency":         "check_concurrency",
	"SeedListen":               "seed_listen",
	"Game":                     "game",
	"ModArg":                   "mod_arg",
	"LaunchGraceSeconds":       "launch_grace_seconds",
	"Requirements":             "requirements",
	"Binary":                   "binary",
	"Logging":                  "logging",
	"Level":                    "level",
	"Format":                   "format",
}

func yamlPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, part := range parts {
		name, index, _ := strings.Cut(part, "[")
		if mapped, ok := yamlNames[name]; ok {
			name = mapped
		}
		if index != "" {
			name += "[" + index
		}
		parts[i] = name
	}
	return strings.Join(parts, ".")
}
