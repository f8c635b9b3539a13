//go:build !linux
// +build !linux

package inference

import "log/slog"

// canUseMlock returns false on non-Linux platforms
// mlock is primarily useful on Linux; on macOS/Windows we skip the check
func canUseMlock(logger *slog.Logger) bool {
	logger.Debug("mlock not supported on this platform")
	return false
}
