package persist

import (
	"os"

	"golang.org/x/sys/unix"
)

// flock takes a non-blocking exclusive advisory lock on f, failing
// immediately (rather than blocking) if another process already holds
// it — the single-worker invariant spec.md §6 requires is a startup
// check, not something worth waiting on.
func flock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}
