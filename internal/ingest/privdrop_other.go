//go:build !linux

package ingest

import "log/slog"

// DropPrivileges is a no-op on non-Linux hosts.
func DropPrivileges(log *slog.Logger) error {
	return nil
}
