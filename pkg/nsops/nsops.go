// Package nsops implements NamespaceOps (spec.md §4.2): the mount and
// root-switch sequence TaskLauncher's payload runs between clone() and
// execve(). Every exported function here runs inside the forked child,
// after beforeFork/afterForkInChild, so it touches only raw syscalls and
// pre-marshaled *byte arguments built by the parent before the fork —
// no heap allocation, no calls back into anything that might need the
// Go scheduler, matching the discipline the teacher's fork_child_linux.go
// uses for its own mount loop.
package nsops

import (
	"syscall"
	"unsafe"

	"github.com/idroz/portod/pkg/mount"
)

var (
	emptyStr = [...]byte{0}
	slashStr = [...]byte{'/', 0}
)

// ApplyMounts performs the mkdir-prefix-then-mount sequence for each
// entry, in order, stopping at the first failure. This runs before the
// chroot into root, so every SyscallParams.Target must already be
// rooted at the absolute host path the container's new root will
// occupy (e.g. "<root>/proc", not "proc").
//
//go:nosplit
func ApplyMounts(mounts []mount.SyscallParams) (index int, errno syscall.Errno) {
	for i, m := range mounts {
		for j, p := range m.Prefixes {
			if j == len(m.Prefixes)-1 && m.MakeNod {
				_, _, errno = syscall.RawSyscall(syscall.SYS_MKNODAT, unix_AT_FDCWD, uintptr(unsafe.Pointer(p)), 0755)
				if errno != 0 && errno != syscall.EEXIST {
					return i, errno
				}
				break
			}
			_, _, errno = syscall.RawSyscall(syscall.SYS_MKDIRAT, unix_AT_FDCWD, uintptr(unsafe.Pointer(p)), 0755)
			if errno != 0 && errno != syscall.EEXIST {
				return i, errno
			}
		}
		_, _, errno = syscall.RawSyscall6(syscall.SYS_MOUNT, uintptr(unsafe.Pointer(m.Source)),
			uintptr(unsafe.Pointer(m.Target)), uintptr(unsafe.Pointer(m.FsType)), uintptr(m.Flags),
			uintptr(unsafe.Pointer(m.Data)), 0)
		if errno != 0 {
			return i, errno
		}
		if m.Flags&(syscall.MS_BIND|syscall.MS_RDONLY) == syscall.MS_BIND|syscall.MS_RDONLY {
			_, _, errno = syscall.RawSyscall6(syscall.SYS_MOUNT, uintptr(unsafe.Pointer(&emptyStr[0])),
				uintptr(unsafe.Pointer(m.Target)), uintptr(unsafe.Pointer(m.FsType)),
				uintptr(m.Flags|syscall.MS_REMOUNT), uintptr(unsafe.Pointer(m.Data)), 0)
			if errno != 0 {
				return i, errno
			}
		}
	}
	return -1, 0
}

const unix_AT_FDCWD = ^uintptr(99) // two's-complement uintptr representation of AT_FDCWD (-100)

// BindRootOntoSelf makes root a mount point in its own right, the first
// step of pivot_into: a self bind-mount is required before chroot can
// treat it as the root of a distinct filesystem tree.
//
//go:nosplit
func BindRootOntoSelf(root *byte) syscall.Errno {
	_, _, errno := syscall.RawSyscall6(syscall.SYS_MOUNT, uintptr(unsafe.Pointer(root)),
		uintptr(unsafe.Pointer(root)), 0, syscall.MS_BIND|syscall.MS_REC, 0, 0)
	return errno
}

// MarkMountsPrivate marks the whole mount tree MS_PRIVATE so nothing
// mounted inside the new namespace propagates back to the host.
//
//go:nosplit
func MarkMountsPrivate() syscall.Errno {
	_, _, errno := syscall.RawSyscall6(syscall.SYS_MOUNT, uintptr(unsafe.Pointer(&emptyStr[0])),
		uintptr(unsafe.Pointer(&slashStr[0])), 0, syscall.MS_REC|syscall.MS_PRIVATE, 0, 0)
	return errno
}

// Chdir changes the working directory. The launch sequence does not call
// it: ApplyMounts takes absolute targets and Chroot does its own chdir.
//
//go:nosplit
func Chdir(path *byte) syscall.Errno {
	_, _, errno := syscall.RawSyscall(syscall.SYS_CHDIR, uintptr(unsafe.Pointer(path)), 0, 0)
	return errno
}

// Chroot chroots into root and chdirs to "/", the fixed chroot->chdir
// step in TaskLauncher's ordering.
//
//go:nosplit
func Chroot(root *byte) syscall.Errno {
	_, _, errno := syscall.RawSyscall(syscall.SYS_CHROOT, uintptr(unsafe.Pointer(root)), 0, 0)
	if errno != 0 {
		return errno
	}
	_, _, errno = syscall.RawSyscall(syscall.SYS_CHDIR, uintptr(unsafe.Pointer(&slashStr[0])), 0, 0)
	return errno
}

// SetHostname applies a custom hostname, used only when the uts
// namespace is owned and a custom hostname was requested.
//
//go:nosplit
func SetHostname(name *byte, length int) syscall.Errno {
	_, _, errno := syscall.RawSyscall(syscall.SYS_SETHOSTNAME, uintptr(unsafe.Pointer(name)), uintptr(length), 0)
	return errno
}
