//go:build linux

package ingest

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"syscall"
)

// DropPrivileges drops the process to the invoking user's uid/gid
// when SUDO_UID/SUDO_GID are present, after privileged resources
// (capture device, raw socket) have already been opened.
func DropPrivileges(log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	sudoUID, hasUID := os.LookupEnv("SUDO_UID")
	sudoGID, hasGID := os.LookupEnv("SUDO_GID")
	if !hasUID || !hasGID {
		return nil
	}

	gid, err := strconv.Atoi(sudoGID)
	if err != nil {
		return fmt.Errorf("privdrop: parsing SUDO_GID: %w", err)
	}
	uid, err := strconv.Atoi(sudoUID)
	if err != nil {
		return fmt.Errorf("privdrop: parsing SUDO_UID: %w", err)
	}

	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("privdrop: setgid: %w", err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("privdrop: setuid: %w", err)
	}

	log.Info("privdrop: dropped privileges", "uid", uid, "gid", gid)
	return nil
}
