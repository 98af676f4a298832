package cgroup

import (
	"path/filepath"
	"strings"
)

// Subsystem names this manager knows how to bind a container to. Order
// matches the declaration in spec.md §4.1.
const (
	Freezer = "freezer"
	Memory  = "memory"
	CPU     = "cpu"
	CPUAcct = "cpuacct"
	Devices = "devices"
	NetCls  = "net_cls"
	BlkIO   = "blkio"
)

// Subsystems is the full set of controllers a container may be bound to.
var Subsystems = []string{Freezer, Memory, CPU, CPUAcct, Devices, NetCls, BlkIO}

const rootLabel = "porto"

// PathFor computes the on-disk cgroup directory for a container path within
// a given subsystem. The freezer subsystem mirrors the container tree as
// real nested directories (so freezing an ancestor cgroup freezes every
// descendant's tasks as a kernel side effect of FROZEN propagating down the
// cgroup hierarchy); every other subsystem is flat, one directory per
// container, with path separators escaped to '%' so no subsystem other than
// freezer pays for subtree traversal it doesn't need.
func PathFor(mountRoot, subsystem, containerPath string) string {
	if subsystem == Freezer {
		return filepath.Join(mountRoot, subsystem, rootLabel, containerPath)
	}
	escaped := strings.ReplaceAll(containerPath, "/", "%")
	return filepath.Join(mountRoot, subsystem, rootLabel+"%"+escaped)
}
