package sandbox

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// applyLimits sets the same ceilings the launcher sets, from outside the
// child, so they hold even if the launcher is subverted before it gets there.
func applyLimits(pid int, job Job) error {
	limits := []struct {
		name     string
		resource int
		value    uint64
	}{
		{"RLIMIT_AS", unix.RLIMIT_AS, uint64(job.MemoryMB) * 1024 * 1024},
		{"RLIMIT_CPU", unix.RLIMIT_CPU, uint64(job.CPUSecs)},
		{"RLIMIT_NOFILE", unix.RLIMIT_NOFILE, uint64(job.OpenFiles)},
		{"RLIMIT_NPROC", unix.RLIMIT_NPROC, 0},
	}

	var errs []error
	for _, l := range limits {
		rlim := &unix.Rlimit{Cur: l.value, Max: l.value}
		if err := unix.Prlimit(pid, l.resource, rlim, nil); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.name, err))
		}
	}
	return errors.Join(errs...)
}
