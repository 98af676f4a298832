package launcher

import (
	"syscall"
	"unsafe" // required for go:linkname

	"golang.org/x/sys/unix"

	"github.com/idroz/portod/pkg/nsops"
)

// These three hooks bracket the raw clone syscall the same way the
// standard library's own os/exec does: beforeFork disables async
// preemption and stops the GC, afterForkInChild clears the single
// surviving thread's signal mask so the child doesn't start with a
// blocked signal it never asked for, and afterFork undoes beforeFork in
// the parent.
//
//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()

var resetSignalSet = [...]syscall.Signal{
	syscall.SIGCHLD, syscall.SIGPIPE, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
}

// forkAndRun forks the stub process S. In the parent it returns S's pid;
// in S it never returns, falling through runStub instead.
//
//go:norace
func forkAndRun(mc *marshaled) (stubPid uintptr, err1 syscall.Errno) {
	syscall.ForkLock.Lock()

	beforeFork()
	stubPid, _, err1 = syscall.RawSyscall6(syscall.SYS_CLONE, uintptr(syscall.SIGCHLD), 0, 0, 0, 0, 0)
	if err1 != 0 || stubPid != 0 {
		return
	}

	// In S now. No Go functions beyond this point until execve.
	afterForkInChild()
	runStub(mc)
	// unreachable
	return
}

//go:nosplit
func runStub(mc *marshaled) {
	syscall.RawSyscall(syscall.SYS_CLOSE, uintptr(mc.pipeRead), 0, 0)
	syscall.RawSyscall(syscall.SYS_SETSID, 0, 0, 0)

	r1, _, err1 := syscall.RawSyscall6(syscall.SYS_CLONE, uintptr(syscall.SIGCHLD)|mc.cloneFlags, 0, 0, 0, 0, 0)
	if err1 != 0 {
		rawExit(1)
	}
	if r1 != 0 {
		// still in S: r1 is P's pid.
		writePid(mc.pipe, int64(r1))
		rawExit(0)
	}

	// In P now.
	runPayload(mc)
	rawExit(127)
}

//go:nosplit
func runPayload(mc *marshaled) {
	pipe := mc.pipe

	resetSignals()

	_, _, errno := syscall.RawSyscall(syscall.SYS_PRCTL, unix.PR_SET_KEEPCAPS, 0, 0)
	if errno != 0 {
		writeChildError(pipe, locKeepCaps, errno)
	}

	for _, p := range mc.cgroupProcs {
		if errno = attachCgroup(p); errno != 0 {
			writeChildError(pipe, locCgroupWrite, errno)
		}
	}

	if mc.root != nil {
		if _, errno = nsops.ApplyMounts(mc.mounts); errno != 0 {
			writeChildError(pipe, locMount, errno)
		}
		if errno = nsops.MarkMountsPrivate(); errno != 0 {
			writeChildError(pipe, locMount, errno)
		}
		if errno = nsops.BindRootOntoSelf(mc.root); errno != 0 {
			writeChildError(pipe, locBindRoot, errno)
		}
		if errno = nsops.Chroot(mc.root); errno != 0 {
			writeChildError(pipe, locChroot, errno)
		}
	}

	if mc.hostname != nil && mc.cloneFlags&syscall.CLONE_NEWUTS != 0 {
		if errno = nsops.SetHostname(mc.hostname, mc.hostnameLen); errno != 0 {
			writeChildError(pipe, locHostname, errno)
		}
	}

	if mc.credential != nil {
		if errno = applyCredential(mc.credential); errno != 0 {
			writeChildError(pipe, locCredential, errno)
		}
	}

	for _, rl := range mc.rlimits {
		_, _, errno = syscall.RawSyscall6(unix.SYS_PRLIMIT64, 0, uintptr(rl.Res),
			uintptr(unsafe.Pointer(&rl.Rlim)), 0, 0, 0)
		if errno != 0 {
			writeChildError(pipe, locSetrlimit, errno)
		}
	}

	syscall.RawSyscall(unix.SYS_UMASK, uintptr(mc.umask), 0, 0)

	if errno = dupStdio(mc); errno != 0 {
		writeChildError(pipe, locDup3, errno)
	}

	_, _, errno = syscall.RawSyscall(unix.SYS_EXECVE, uintptr(unsafe.Pointer(mc.argv0)),
		uintptr(unsafe.Pointer(&mc.argv[0])), uintptr(unsafe.Pointer(&mc.env[0])))
	writeChildError(pipe, locExecve, errno)
}

//go:nosplit
func dupStdio(mc *marshaled) syscall.Errno {
	if errno := dup3(int(mc.stdin), 0); errno != 0 {
		return errno
	}
	if errno := dup3(int(mc.stdout), 1); errno != 0 {
		return errno
	}
	if errno := dup3(int(mc.stderr), 2); errno != 0 {
		return errno
	}
	return 0
}

//go:nosplit
func dup3(oldfd, newfd int) syscall.Errno {
	if oldfd == newfd {
		return 0
	}
	_, _, errno := syscall.RawSyscall(syscall.SYS_DUP3, uintptr(oldfd), uintptr(newfd), 0)
	return errno
}

//go:nosplit
func applyCredential(cred *syscall.Credential) syscall.Errno {
	if len(cred.Groups) > 0 {
		_, _, errno := syscall.RawSyscall(unix.SYS_SETGROUPS, uintptr(len(cred.Groups)),
			uintptr(unsafe.Pointer(&cred.Groups[0])), 0)
		if errno != 0 {
			return errno
		}
	}
	if _, _, errno := syscall.RawSyscall(unix.SYS_SETGID, uintptr(cred.Gid), 0, 0); errno != 0 {
		return errno
	}
	if _, _, errno := syscall.RawSyscall(unix.SYS_SETUID, uintptr(cred.Uid), 0, 0); errno != 0 {
		return errno
	}
	return 0
}

//go:nosplit
func attachCgroup(path *byte) syscall.Errno {
	fd, _, errno := syscall.RawSyscall(syscall.SYS_OPEN, uintptr(unsafe.Pointer(path)), uintptr(syscall.O_WRONLY), 0)
	if errno != 0 {
		return errno
	}
	pid, _, _ := syscall.RawSyscall(syscall.SYS_GETPID, 0, 0, 0)
	var buf [20]byte
	start := itoa(buf[:], int(pid))
	_, _, errno = syscall.RawSyscall(syscall.SYS_WRITE, fd, uintptr(unsafe.Pointer(&buf[start])), uintptr(len(buf)-start))
	syscall.RawSyscall(syscall.SYS_CLOSE, fd, 0, 0)
	return errno
}

// itoa renders n in decimal into the tail of buf with no allocation,
// returning the index its first digit starts at.
//
//go:nosplit
func itoa(buf []byte, n int) int {
	i := len(buf)
	if n == 0 {
		i--
		buf[i] = '0'
		return i
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return i
}

// kernelSigaction mirrors the kernel's struct sigaction layout on
// linux/amd64 (handler, flags, restorer, then the sigset_t mask), since
// golang.org/x/sys/unix does not export a Sigaction type for this GOARCH.
type kernelSigaction struct {
	Handler  uintptr
	Flags    uint64
	Restorer uintptr
	Mask     uint64
}

//go:nosplit
func resetSignals() {
	var act kernelSigaction
	for _, sig := range resetSignalSet {
		syscall.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig), uintptr(unsafe.Pointer(&act)), 0,
			unsafe.Sizeof(act.Mask), 0, 0)
	}
}

//go:nosplit
func writePid(pipe int, pid int64) {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(pid >> (8 * uint(i)))
	}
	syscall.RawSyscall(syscall.SYS_WRITE, uintptr(pipe), uintptr(unsafe.Pointer(&buf[0])), 8)
}

//go:nosplit
func writeChildError(pipe int, loc childLoc, errno syscall.Errno) {
	ce := childError{Loc: loc, Errno: errno}
	syscall.RawSyscall(syscall.SYS_WRITE, uintptr(pipe), uintptr(unsafe.Pointer(&ce)), unsafe.Sizeof(ce))
	rawExit(int(errno))
}

//go:nosplit
func rawExit(code int) {
	for {
		syscall.RawSyscall(syscall.SYS_EXIT, uintptr(code), 0, 0)
	}
}
