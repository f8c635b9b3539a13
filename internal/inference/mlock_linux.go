//go:build linux
// +build linux

package inference

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// canUseMlock checks if the system has sufficient RLIMIT_MEMLOCK for mlock to work
// Returns false if RLIMIT_MEMLOCK is too low (common in containers/WSL/default Linux)
func canUseMlock(logger *slog.Logger) bool {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		logger.Warn("cannot check RLIMIT_MEMLOCK, disabling mlock", "error", err)
		return false
	}

	// Even the lightest model needs a few hundred MB locked.
	const minMlockBytes uint64 = 1024 * 1024 * 1024
	if rlimit.Cur < minMlockBytes {
		logger.Warn("RLIMIT_MEMLOCK too low, disabling mlock", "limit_bytes", rlimit.Cur,
			"hint", "run 'ulimit -l unlimited' as root to enable")
		return false
	}
	return true
}
