// Package manifest describes the mod set published by a launcher server:
// the JSON mod description, the torrent metainfo of each mod and the local
// verification of mod folders against it.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

type Notice struct {
	Title  string `json:"title,omitempty"`
	Text   string `json:"text" validate:"required"`
	Markup bool   `json:"markup,omitempty"`
}

type Mod struct {
	ID      string  `json:"id" validate:"required"`
	Name    string  `json:"name" validate:"required"`
	Version string  `json:"version"`
	Torrent string  `json:"torrent" validate:"required"`
	Notice  *Notice `json:"notice,omitempty" validate:"omitempty"`
}

type Launcher struct {
	MinVersion string `json:"min_version,omitempty"`
}

type Manifest struct {
	Launcher Launcher `json:"launcher"`
	Mods     []Mod    `json:"mods" validate:"dive"`
}

// ModStatus is the local state of one mod after a check or a sync.
type ModStatus struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Version      string `json:"version"`
	Checksum     string `json:"checksum"`
	UpToDate     bool   `json:"up_to_date"`
	MissingBytes int64  `json:"missing_bytes"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes and validates a mod description.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode mod description: %w", err)
	}
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return Manifest{}, fmt.Errorf("invalid mod description: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return Manifest{}, fmt.Errorf("invalid mod description: %w", err)
	}
	seen := map[string]bool{}
	for _, mod := range m.Mods {
		if seen[mod.ID] {
			return Manifest{}, fmt.Errorf("invalid mod description: duplicate mod id %q", mod.ID)
		}
		seen[mod.ID] = true
		if strings.Contains(mod.Name, "..") || strings.ContainsAny(mod.Name, `/\`) {
			return Manifest{}, fmt.Errorf("invalid mod description: unsafe mod name %q", mod.Name)
		}
	}
	return m, nil
}

func (m Manifest) Mod(id string) (Mod, bool) {
	for _, mod := range m.Mods {
		if mod.ID == id {
			return mod, true
		}
	}
	return Mod{}, false
}

// AllUpToDate reports whether mods is non-empty and every mod is up to date.
func AllUpToDate(mods []ModStatus) bool {
	if len(mods) == 0 {
		return false
	}
	for _, mod := range mods {
		if !mod.UpToDate {
			return false
		}
	}
	return true
}

// CompareVersions compares dotted numeric versions. Missing components count
// as zero and non-numeric suffixes are ignored.
func CompareVersions(a, b string) int {
	pa := versionParts(a)
	pb := versionParts(b)
	maxLen := len(pa)
	if len(pb) > maxLen {
		maxLen = len(pb)
	}
	for i := 0; i < maxLen; i++ {
		var va, vb int
		if i < len(pa) {
			va = pa[i]
		}
		if i < len(pb) {
			vb = pb[i]
		}
		if va < vb {
			return -1
		}
		if va > vb {
			return 1
		}
	}
	return 0
}

func versionParts(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	fields := strings.Split(v, ".")
	parts := make([]int, 0, len(fields))
	for _, field := range fields {
		end := 0
		for end < len(field) && field[end] >= '0' && field[end] <= '9' {
			end++
		}
		n, err := strconv.Atoi(field[:end])
		if err != nil {
			break
		}
		parts = append(parts, n)
		if end < len(field) {
			break
		}
	}
	return parts
}
