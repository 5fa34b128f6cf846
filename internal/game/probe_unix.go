//go:build !windows

package game

import "os/exec"

func processRunning(image string) bool {
	return exec.Command("pgrep", "-x", image).Run() == nil
}
