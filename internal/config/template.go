package config

import "fmt"

func DefaultTemplate() string {
	return fmt.Sprintf(`version: 1
launcher:
  name: "My Mod Server"
  base_url: "https://launcher.example.com"
  metadata_path: "/updater/metadata.json"
  torrents_path: "/updater/torrents"
  web_seeds_path: "/updater/mods"
  download_url: ""
defaults:
  mods_dir: %q
  state_dir: %q
  worker_isolation: "inprocess"
  termination_grace_seconds: 10
  manifest_timeout_seconds: 30
  seed_check_interval_seconds: 1
  check_concurrency: 4
  seed_listen: "127.0.0.1:8686"
game:
  executable: ""
  args: ["-nosplash"]
  mod_arg: "-mod=%%s"
  launch_grace_seconds: 30
requirements: []
logging:
  file: %q
  level: "info"
  format: "json"
`, defaultModsDir(), defaultStateDir(), defaultLogFile())
}
