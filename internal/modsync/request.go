// Package modsync implements the worker actions behind the pipeline: fetching
// the mod description, checking local mods against their torrents and
// syncing them from the web seed, optionally seeding afterwards.
package modsync

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jaa/mod-launcher/internal/action"
	"github.com/jaa/mod-launcher/internal/manifest"
)

// Endpoints locate the launcher server resources.
type Endpoints struct {
	BaseURL      string `json:"base_url"`
	MetadataPath string `json:"metadata_path"`
	TorrentsPath string `json:"torrents_path"`
	WebSeedsPath string `json:"web_seeds_path"`
}

func (e Endpoints) join(p string, elems ...string) string {
	u := strings.TrimRight(e.BaseURL, "/")
	if p = strings.Trim(p, "/"); p != "" {
		u += "/" + p
	}
	for _, elem := range elems {
		u += "/" + url.PathEscape(elem)
	}
	return u
}

func (e Endpoints) MetadataURL() string {
	return strings.TrimRight(e.BaseURL, "/") + "/" + strings.TrimLeft(e.MetadataPath, "/")
}

func (e Endpoints) TorrentURL(name string) string {
	return e.join(e.TorrentsPath, name)
}

// WebSeedURL is the download location of a payload file given its
// slash-separated path starting with the mod name.
func (e Endpoints) WebSeedURL(rel string) string {
	return e.join(e.WebSeedsPath, strings.Split(rel, "/")...)
}

type FetchParams struct {
	Endpoints       Endpoints     `json:"endpoints"`
	LauncherVersion string        `json:"launcher_version"`
	Timeout         time.Duration `json:"timeout"`
}

type CheckParams struct {
	Endpoints   Endpoints         `json:"endpoints"`
	Manifest    manifest.Manifest `json:"manifest"`
	ModsDir     string            `json:"mods_dir"`
	StateDir    string            `json:"state_dir"`
	Concurrency int               `json:"concurrency"`
}

type SyncParams struct {
	CheckParams
	Seed             bool   `json:"seed"`
	SeedListen       string `json:"seed_listen"`
	MaxUploadSpeed   int64  `json:"max_upload_speed"`
	MaxDownloadSpeed int64  `json:"max_download_speed"`
}

// Request is the input line of a worker subprocess.
type Request struct {
	Action action.Name  `json:"action"`
	Fetch  *FetchParams `json:"fetch,omitempty"`
	Check  *CheckParams `json:"check,omitempty"`
	Sync   *SyncParams  `json:"sync,omitempty"`
}

// TaskFactory decodes worker requests into tasks running with env. It backs
// the worker command.
func TaskFactory(env *Env) action.TaskFactory {
	return func(input json.RawMessage) (action.Task, error) {
		var req Request
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, fmt.Errorf("decode worker request: %w", err)
		}
		return req.Task(env)
	}
}

func (r Request) Task(env *Env) (action.Task, error) {
	switch r.Action {
	case action.DownloadDescription:
		if r.Fetch != nil {
			return FetchTask(*r.Fetch, env), nil
		}
	case action.CheckMods:
		if r.Check != nil {
			return CheckTask(*r.Check, env), nil
		}
	case action.Sync:
		if r.Sync != nil {
			return SyncTask(*r.Sync, env), nil
		}
	default:
		return nil, fmt.Errorf("unknown action %q", r.Action)
	}
	return nil, fmt.Errorf("worker request for %s has no parameters", r.Action)
}
