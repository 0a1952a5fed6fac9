//go:build !linux

package ingest

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(pid int) error {
	return nil
}
