// Package launcher implements TaskLauncher (spec.md §4.3): the
// double-fork stub-then-payload protocol that turns a container's
// configured command into a running process in its own namespaces,
// cgroups and chroot.
//
// The parent creates a close-on-exec pipe and forks a stub process S.
// S calls setsid and clones again with the namespace flags the
// container's isolate setting requires; that second clone produces the
// payload P. S writes P's pid onto the pipe and exits — its exit
// reparents P to the launching process (or to init, if the launcher
// itself is reparented away first), and its write lets the parent learn
// P's pid before P has done anything observable inside its new PID
// namespace. P carries the only open copy of the pipe's write end past
// that point: because the pipe is O_CLOEXEC, a successful execve closes
// it silently, so a zero-byte read on the parent's side means success;
// anything else is a failure report.
//
// Everything P does between clone() and execve() runs through raw
// syscalls only (pkg/nsops and the //go:nosplit functions in this
// package), the same discipline the teacher's fork_child_linux.go uses:
// no heap allocation and no call that might need the Go scheduler, since
// the child is a single thread of a process that has just cloned away
// from the rest of the Go runtime.
package launcher

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/idroz/portod/internal/wire"
	"github.com/idroz/portod/pkg/mount"
	"github.com/idroz/portod/pkg/rlimit"
)

// Config describes one payload launch.
type Config struct {
	// Argv0 is the resolved absolute path of the executable and Argv its
	// full argument vector; both are expected to already be word-expanded
	// and PATH-resolved by the caller (internal/wordexpr), since that work
	// needs allocation and rich error reporting this package's child-side
	// code cannot safely do.
	Argv0 string
	Argv  []string
	Env   []string

	// CloneFlags selects the namespaces the payload's own clone() call
	// creates (a subset of CLONE_NEWPID|CLONE_NEWNS|CLONE_NEWUTS|
	// CLONE_NEWIPC, per the container's isolate setting).
	CloneFlags uintptr

	// Mounts is the filesystem-mount phase NamespaceOps.ApplyMounts runs
	// before the chroot; every entry's Target must already be rooted at
	// Root (an absolute host path), since the mounts happen before the
	// chroot switches the filesystem view.
	Mounts []mount.SyscallParams
	// Root is the directory pivot_into chroots into. Empty skips the
	// mount/bind/chroot sequence entirely.
	Root string
	// Hostname is applied only when non-empty and CloneFlags includes
	// CLONE_NEWUTS.
	Hostname string

	// CgroupProcs lists the cgroup.procs files the payload writes its own
	// pid into, one per bound subsystem, before execve.
	CgroupProcs []string

	// Credential is the uid/gid/groups the payload drops to before
	// execve. Nil means keep the launching process's credentials.
	Credential *syscall.Credential

	// Stdin, Stdout, Stderr are already-open fds the payload dup3's onto
	// 0, 1 and 2; the caller owns opening, truncating and chowning them.
	Stdin, Stdout, Stderr uintptr

	Rlimits *rlimit.RLimits

	Umask int
}

// Result is what the parent learns about a successfully started payload.
type Result struct {
	Pid int
}

// Launch runs Config's command as described in the package doc, blocking
// until the payload has either called execve or failed trying to.
func Launch(cfg *Config) (*Result, error) {
	// S's exit reparents P to this process only if it is a child subreaper.
	if _, _, errno := syscall.RawSyscall(syscall.SYS_PRCTL, unix.PR_SET_CHILD_SUBREAPER, 1, 0); errno != 0 {
		return nil, wire.Errorf(wire.Unknown, "launcher: set child subreaper: %s", errno)
	}

	mc, err := marshal(cfg)
	if err != nil {
		return nil, wire.Errorf(wire.InvalidValue, "launcher: %v", err)
	}

	pipeFds, err := pipe2CloExec()
	if err != nil {
		return nil, wire.Errorf(wire.Unknown, "launcher: pipe: %v", err)
	}
	mc.pipeRead = pipeFds[0]
	mc.pipe = pipeFds[1]

	stubPid, errno := forkAndRun(mc)
	afterFork()
	syscall.ForkLock.Unlock()

	if errno != 0 {
		syscall.Close(pipeFds[0])
		syscall.Close(pipeFds[1])
		return nil, wire.Errorf(wire.Unknown, "launcher: clone stub: %s", errno)
	}
	syscall.Close(pipeFds[1])

	return waitForPayload(int(stubPid), pipeFds[0])
}

func waitForPayload(stubPid, pipeRead int) (*Result, error) {
	var ws syscall.WaitStatus
	for {
		_, err := syscall.Wait4(stubPid, &ws, 0, nil)
		if err != syscall.EINTR {
			break
		}
	}

	pidBuf := make([]byte, 8)
	n, err := readFull(pipeRead, pidBuf)
	if err != nil || n != 8 {
		syscall.Close(pipeRead)
		return nil, wire.Errorf(wire.Unknown, "launcher: stub did not report a payload pid: %v", err)
	}
	pid := int(le64(pidBuf))
	if pid <= 0 {
		syscall.Close(pipeRead)
		return nil, wire.Errorf(wire.Unknown, "launcher: stub reported invalid payload pid %d", pid)
	}

	errBuf := make([]byte, childErrorSize)
	n, _ = readFull(pipeRead, errBuf)
	syscall.Close(pipeRead)
	if n == 0 {
		return &Result{Pid: pid}, nil
	}

	ce := decodeChildError(errBuf[:n])
	syscall.Kill(pid, syscall.SIGKILL)
	syscall.Wait4(pid, nil, 0, nil)
	return nil, classify(ce)
}

func readFull(fd int, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := syscall.Read(fd, buf[total:])
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}

func pipe2CloExec() ([2]int, error) {
	var fds [2]int
	if err := syscall.Pipe2(fds[:], syscall.O_CLOEXEC); err != nil {
		return fds, err
	}
	return fds, nil
}
