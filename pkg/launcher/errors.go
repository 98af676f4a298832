package launcher

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/idroz/portod/internal/wire"
)

// childLoc identifies which step of runPayload failed, the same role the
// teacher's ErrorLocation plays in fork_child_linux.go, trimmed to the
// steps this launcher actually performs.
type childLoc int32

const (
	locUnknown childLoc = iota
	locKeepCaps
	locCgroupWrite
	locMount
	locBindRoot
	locChroot
	locHostname
	locCredential
	locSetrlimit
	locDup3
	locExecve
)

var locNames = map[childLoc]string{
	locKeepCaps:    "keep_capabilities",
	locCgroupWrite: "cgroup_attach",
	locMount:       "mount",
	locBindRoot:    "bind_root",
	locChroot:      "chroot",
	locHostname:    "sethostname",
	locCredential:  "credential",
	locSetrlimit:   "setrlimit",
	locDup3:        "dup_stdio",
	locExecve:      "execve",
}

func (l childLoc) String() string {
	if s, ok := locNames[l]; ok {
		return s
	}
	return "unknown"
}

// childError is the fixed-size value P writes onto the pipe when it fails
// before execve. Its layout is read back with an unsafe cast in the
// parent, so its fields must stay plain fixed-width values.
type childError struct {
	Loc   childLoc
	Errno syscall.Errno
}

var childErrorSize = int(unsafe.Sizeof(childError{}))

func decodeChildError(b []byte) childError {
	if len(b) < childErrorSize {
		return childError{Loc: locUnknown, Errno: syscall.EIO}
	}
	return *(*childError)(unsafe.Pointer(&b[0]))
}

// classify maps a child-side failure onto the wire-level error kinds
// spec.md §4.3 names: exec(2) failures with ENOENT/EACCES/ENOEXEC/EISDIR become
// InvalidCommand, failures changing into the new root become InvalidPath,
// everything else is Unknown with strerror attached.
func classify(ce childError) error {
	switch ce.Loc {
	case locExecve:
		switch ce.Errno {
		case syscall.ENOENT, syscall.EACCES, syscall.ENOEXEC, syscall.EISDIR:
			return wire.Errorf(wire.InvalidCommand, "execve: %s", ce.Errno)
		}
	case locChroot, locBindRoot, locMount:
		return wire.Errorf(wire.InvalidPath, "%s: %s", ce.Loc, ce.Errno)
	}
	return wire.Errorf(wire.Unknown, "%s: %s", ce.Loc, ce.Errno)
}

func (ce childError) String() string {
	return fmt.Sprintf("%s: %s", ce.Loc, ce.Errno)
}
