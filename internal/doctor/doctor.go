package doctor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jaa/mod-launcher/internal/config"
)

type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

type Check struct {
	Severity Severity `json:"severity"`
	Name     string   `json:"name"`
	Message  string   `json:"message"`
}

type Report struct {
	Checks []Check `json:"checks"`
}

func (r Report) HasErrors() bool {
	for _, check := range r.Checks {
		if check.Severity == SeverityError {
			return true
		}
	}
	return false
}

func (r Report) ErrorCount() int {
	count := 0
	for _, check := range r.Checks {
		if check.Severity == SeverityError {
			count++
		}
	}
	return count
}

type Checker struct {
	LookPath      func(string) (string, error)
	ReadVersion   func(context.Context, string) (string, error)
	Stat          func(string) (fs.FileInfo, error)
	CheckWritable func(string) error
	// Reachable probes the mod description URL.
	Reachable func(context.Context, string) error
	// PortFree reports whether the seed address can be bound.
	PortFree func(string) error
}

func NewChecker() *Checker {
	return &Checker{
		LookPath:      exec.LookPath,
		ReadVersion:   defaultReadVersion,
		Stat:          os.Stat,
		CheckWritable: checkDirWritable,
		Reachable:     defaultReachable,
		PortFree:      defaultPortFree,
	}
}

func (c *Checker) Check(ctx context.Context, cfg config.Config) Report {
	report := Report{Checks: []Check{}}
	add := func(severity Severity, name, format string, args ...any) {
		report.Checks = append(report.Checks, Check{Severity: severity, Name: name, Message: fmt.Sprintf(format, args...)})
	}

	report.Checks = append(report.Checks, c.requirements(ctx, cfg)...)

	if strings.TrimSpace(cfg.Game.Executable) == "" {
		add(SeverityWarn, "game", "game.executable is not configured; play is unavailable")
	} else if exe, err := config.ExpandPath(cfg.Game.Executable); err != nil {
		add(SeverityError, "game", "game.executable is invalid: %v", err)
	} else if info, err := c.Stat(exe); err != nil {
		add(SeverityError, "game", "game executable %s is missing: %v", exe, err)
	} else if info.IsDir() {
		add(SeverityError, "game", "game executable %s is a directory", exe)
	} else {
		add(SeverityInfo, "game", "game executable found at %s", exe)
	}

	for _, dir := range []struct {
		name string
		path string
	}{
		{"mods_dir", cfg.Defaults.ModsDir},
		{"state_dir", cfg.Defaults.StateDir},
	} {
		expanded, err := config.ExpandPath(dir.path)
		if err != nil || expanded == "" {
			add(SeverityError, "filesystem", "defaults.%s is invalid", dir.name)
			continue
		}
		if err := c.CheckWritable(nearestExisting(c.Stat, expanded)); err != nil {
			add(SeverityError, "filesystem", "defaults.%s %s is not writable: %v", dir.name, expanded, err)
			continue
		}
		add(SeverityInfo, "filesystem", "defaults.%s %s is writable", dir.name, expanded)
	}

	if strings.TrimSpace(cfg.Launcher.BaseURL) == "" {
		add(SeverityError, "network", "launcher.base_url is not configured")
	} else {
		target := strings.TrimRight(cfg.Launcher.BaseURL, "/") + "/" + strings.TrimLeft(cfg.Launcher.MetadataPath, "/")
		if err := c.Reachable(ctx, target); err != nil {
			add(SeverityWarn, "network", "mod description %s is unreachable: %v", target, err)
		} else {
			add(SeverityInfo, "network", "mod description %s is reachable", target)
		}
	}

	if err := c.PortFree(cfg.Defaults.SeedListen); err != nil {
		add(SeverityWarn, "network", "seed address %s is unavailable: %v", cfg.Defaults.SeedListen, err)
	} else {
		add(SeverityInfo, "network", "seed address %s is available", cfg.Defaults.SeedListen)
	}

	return report
}

// RequirementsPresent reports whether every required binary is installed
// in a supported version.
func (c *Checker) RequirementsPresent(ctx context.Context, cfg config.Config) bool {
	return !Report{Checks: c.requirements(ctx, cfg)}.HasErrors()
}

func (c *Checker) requirements(ctx context.Context, cfg config.Config) []Check {
	checks := []Check{}
	add := func(severity Severity, name, format string, args ...any) {
		checks = append(checks, Check{Severity: severity, Name: name, Message: fmt.Sprintf(format, args...)})
	}

	for _, dep := range cfg.Requirements {
		location, err := c.LookPath(dep.Binary)
		if err != nil {
			add(SeverityError, "dependency", "%s not found in PATH", dep.Binary)
			continue
		}
		add(SeverityInfo, "dependency", "%s found at %s", dep.Binary, location)

		if strings.TrimSpace(dep.MinVersion) == "" {
			continue
		}
		output, versionErr := c.ReadVersion(ctx, dep.Binary)
		if versionErr != nil {
			add(SeverityWarn, "dependency", "%s version could not be read: %v", dep.Binary, versionErr)
			continue
		}
		version, parseErr := extractVersion(output)
		if parseErr != nil {
			add(SeverityWarn, "dependency", "%s version output is unrecognized: %q", dep.Binary, strings.TrimSpace(output))
			continue
		}
		if compareVersions(version, dep.MinVersion) < 0 {
			add(SeverityError, "dependency", "%s version %s is below minimum %s", dep.Binary, version, dep.MinVersion)
			continue
		}
		add(SeverityInfo, "dependency", "%s version %s is compatible", dep.Binary, version)
	}
	return checks
}

// nearestExisting walks up from path to the first directory that exists,
// which is where a missing directory would be created.
func nearestExisting(stat func(string) (fs.FileInfo, error), path string) string {
	current := path
	for {
		if _, err := stat(current); err == nil || !errors.Is(err, fs.ErrNotExist) {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return current
		}
		current = parent
	}
}

func defaultReadVersion(ctx context.Context, binary string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, "--version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", err
	}
	return string(output), nil
}

func defaultReachable(ctx context.Context, target string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func defaultPortFree(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func checkDirWritable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	file, err := os.CreateTemp(path, ".modl-write-check-*")
	if err != nil {
		return err
	}
	name := file.Name()
	_ = file.Close()
	_ = os.Remove(name)
	return nil
}

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

func extractVersion(raw string) (string, error) {
	matches := versionPattern.FindStringSubmatch(raw)
	if len(matches) != 4 {
		return "", fmt.Errorf("no version found")
	}
	patch := matches[3]
	if patch == "" {
		patch = "0"
	}
	return fmt.Sprintf("%s.%s.%s", matches[1], matches[2], patch), nil
}

func compareVersions(lhs string, rhs string) int {
	leftParts := strings.Split(lhs, ".")
	rightParts := strings.Split(rhs, ".")
	for i := 0; i < 3; i++ {
		leftValue := 0
		rightValue := 0
		if i < len(leftParts) {
			leftValue, _ = strconv.Atoi(leftParts[i])
		}
		if i < len(rightParts) {
			rightValue, _ = strconv.Atoi(rightParts[i])
		}
		if leftValue > rightValue {
			return 1
		}
		if leftValue < rightValue {
			return -1
		}
	}
	return 0
}
