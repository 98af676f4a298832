package persist

import (
	"sort"
	"strings"
	"syscall"

	"github.com/idroz/portod/internal/container"
	"github.com/idroz/portod/internal/tree"
)

// Replay rebuilds tr from every saved record (spec.md §4.8): parents
// before children, so nested Create calls always find their parent
// already present. For each record with a live PID still present under
// its freezer cgroup, the node is restored to running. A record that
// claimed running but whose PID is gone resolves to dead with an
// unknown exit status, per spec.md §4.8's mismatch rule.
func Replay(records []Record, tr *tree.Tree, cgroups container.CgroupManager) error {
	sort.Slice(records, func(i, j int) bool {
		return strings.Count(records[i].Path, "/") < strings.Count(records[j].Path, "/")
	})

	for _, rec := range records {
		n, err := tr.Create(rec.Path, rec.OwnerUID)
		if err != nil {
			return err
		}
		for k, v := range rec.Props {
			// Node.Set's state-restriction check never rejects here:
			// every node is still stopped during replay. A value Set
			// rejects for any other reason is dropped silently.
			_ = n.Set(k, v)
		}

		if rec.Stored != string(container.Running) && rec.Stored != string(container.Paused) {
			continue
		}
		if rec.Pid != 0 && pidAlive(rec.Pid) && livePidInCgroup(cgroups, rec.Path, rec.Pid) {
			n.RestoreRunning(rec.Pid, string(rec.Stored) == string(container.Paused))
			continue
		}
		n.RestoreDead(-1, false)
	}
	return nil
}

func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func livePidInCgroup(cgroups container.CgroupManager, containerPath string, pid int) bool {
	pids, err := cgroups.ListProcs("freezer", containerPath)
	if err != nil {
		return false
	}
	for _, p := range pids {
		if p == pid {
			return true
		}
	}
	return false
}
