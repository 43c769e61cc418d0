//go:build unix && !linux

package sandbox

import "errors"

// applyLimits is unavailable without prlimit(2); the launcher still calls
// setrlimit on itself.
func applyLimits(pid int, job Job) error {
	return errors.New("prlimit is not supported on this platform")
}
