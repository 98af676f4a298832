package container

import (
	"fmt"
	"os/user"
	"path"
	"strconv"
	"syscall"

	"github.com/idroz/portod/internal/properties"
	"github.com/idroz/portod/internal/volume"
	"github.com/idroz/portod/internal/wire"
	"github.com/idroz/portod/internal/wordexpr"
	"github.com/idroz/portod/pkg/cgroup"
	"github.com/idroz/portod/pkg/launcher"
	"github.com/idroz/portod/pkg/mount"
	"github.com/idroz/portod/pkg/rlimit"
)

// CgroupManager is the subset of pkg/cgroup.Manager's contract a node
// needs to materialize and tear down its own cgroups.
type CgroupManager interface {
	EnsureAll(containerPath string) error
	RemoveAll(containerPath string) error
	Attach(containerPath string, pid int) error
	WriteKnob(subsystem, containerPath, key, value string) error
	ReadKnob(subsystem, containerPath, key string) (string, error)
	ListProcs(subsystem, containerPath string) ([]int, error)
	Freeze(containerPath string) error
	Thaw(containerPath string) error
}

// Launcher is the subset of pkg/launcher a node needs to spawn its
// payload; a plain function value satisfies it via LauncherFunc.
type Launcher interface {
	Launch(cfg *launcher.Config) (*launcher.Result, error)
}

// LauncherFunc adapts a plain launch function (launcher.Launch itself,
// in production) to the Launcher interface, the same adapter shape
// http.HandlerFunc uses.
type LauncherFunc func(cfg *launcher.Config) (*launcher.Result, error)

// Launch calls f.
func (f LauncherFunc) Launch(cfg *launcher.Config) (*launcher.Result, error) { return f(cfg) }

// Deps collects every external collaborator Start/Stop/Pause/Resume
// need, injected so tests can swap in fakes for the cgroup filesystem
// and the real fork/exec launcher.
type Deps struct {
	Cgroups     CgroupManager
	Launch      Launcher
	Volumes     volume.Binder
	HostCores   int
	CPUPeriodUs int64
	// CgroupPathFor resolves a subsystem/container path into the
	// on-disk cgroup directory, bound to the manager's mount root
	// (pkg/cgroup.PathFor curried at wiring time).
	CgroupPathFor func(subsystem, containerPath string) string
}

// Start validates the node is startable, materializes its cgroups and
// limits, and spawns its payload. Any failure rolls the cgroups back,
// per spec.md §7's atomic-operation rule.
func (n *Node) Start(deps Deps) error {
	if n.Parent != nil {
		ps := n.Parent.State()
		// A stopped isolate=false parent is allowed through: ContainerTree
		// promotes such ancestors to meta by materializing their cgroups
		// before calling Start on the descendant, but State() only reports
		// meta once some descendant is actually non-stopped — which is
		// this very call, so the check has to trust the tree's ordering
		// rather than recompute it here.
		parentOK := ps == Running || ps == Meta || (ps == Stopped && !n.Parent.Isolate())
		if !parentOK {
			return wire.Errorf(wire.InvalidState, "parent %q is not running or meta", n.Parent.Path)
		}
	}
	if n.State() != Stopped {
		return wire.Errorf(wire.InvalidState, "%q is not stopped", n.Path)
	}
	if !n.HasCommand() {
		return wire.Errorf(wire.InvalidValue, "%q has no command to start", n.Path)
	}

	if err := deps.Cgroups.EnsureAll(n.Path); err != nil {
		return wire.Errorf(wire.Unknown, "ensure cgroups: %v", err)
	}

	if err := n.applyLimits(deps); err != nil {
		deps.Cgroups.RemoveAll(n.Path)
		return err
	}

	cfg, err := n.buildLaunchConfig(deps)
	if err != nil {
		deps.Cgroups.RemoveAll(n.Path)
		return err
	}

	res, err := deps.Launch.Launch(cfg)
	if err != nil {
		deps.Cgroups.RemoveAll(n.Path)
		return err
	}

	n.pid = res.Pid
	n.stored = Running
	n.cgroupPaths = make(map[string]string, len(cgroup.Subsystems))
	for _, s := range cgroup.Subsystems {
		n.cgroupPaths[s] = deps.CgroupPathFor(s, n.Path)
	}
	return nil
}

// StartMeta transitions an isolate=false ancestor into meta without
// spawning a payload: it materializes cgroups only, the behavior
// ContainerTree's start path needs for intermediate ancestors (spec.md
// §4.5).
func (n *Node) StartMeta(deps Deps) error {
	if n.State() != Stopped {
		return nil
	}
	return deps.Cgroups.EnsureAll(n.Path)
}

func (n *Node) applyLimits(deps Deps) error {
	if v := n.props["memory_limit"]; v != "" {
		if err := deps.Cgroups.WriteKnob(cgroup.Memory, n.Path, "memory.limit_in_bytes", v); err != nil {
			return wire.Errorf(wire.Unknown, "memory_limit: %v", err)
		}
	}
	if v := n.props["memory_guarantee"]; v != "" {
		if err := deps.Cgroups.WriteKnob(cgroup.Memory, n.Path, "memory.soft_limit_in_bytes", v); err != nil {
			return wire.Errorf(wire.Unknown, "memory_guarantee: %v", err)
		}
	}
	if v := n.props["cpu_limit"]; v != "" {
		period := deps.CPUPeriodUs
		if period == 0 {
			period = 100000
		}
		quota := properties.CFSQuota(v, period, deps.HostCores)
		if err := deps.Cgroups.WriteKnob(cgroup.CPU, n.Path, "cpu.cfs_period_us", strconv.FormatInt(period, 10)); err != nil {
			return wire.Errorf(wire.Unknown, "cpu_limit: %v", err)
		}
		if err := deps.Cgroups.WriteKnob(cgroup.CPU, n.Path, "cpu.cfs_quota_us", strconv.FormatInt(quota, 10)); err != nil {
			return wire.Errorf(wire.Unknown, "cpu_limit: %v", err)
		}
	}
	if v := n.props["io_limit"]; v != "" {
		if err := deps.Cgroups.WriteKnob(cgroup.BlkIO, n.Path, "blkio.throttle.read_bps_device", v); err != nil {
			return wire.Errorf(wire.Unknown, "io_limit: %v", err)
		}
	}
	if v := n.props["io_ops_limit"]; v != "" {
		if err := deps.Cgroups.WriteKnob(cgroup.BlkIO, n.Path, "blkio.throttle.read_iops_device", v); err != nil {
			return wire.Errorf(wire.Unknown, "io_ops_limit: %v", err)
		}
	}
	return nil
}

var envPrefixKeys = []string{"PATH", "HOME", "USER", "container", "PORTO_NAME", "PORTO_HOST", "PORTO_USER"}

func (n *Node) buildEnv(hostname, username, home string) []string {
	prefix := []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=" + home,
		"USER=" + username,
		"container=lxc",
		"PORTO_NAME=" + n.Path,
		"PORTO_HOST=" + hostname,
		"PORTO_USER=" + username,
	}
	return append(prefix, properties.SplitEnvList(n.props["env"])...)
}

func (n *Node) buildLaunchConfig(deps Deps) (*launcher.Config, error) {
	cred, username, err := n.resolveCredential()
	if err != nil {
		return nil, wire.Errorf(wire.InvalidValue, "%v", err)
	}
	home := "/"
	if cred != nil {
		home = "/home/" + username
	}

	cgroupProcs := make([]string, 0, len(cgroup.Subsystems))
	for _, s := range cgroup.Subsystems {
		cgroupProcs = append(cgroupProcs, deps.CgroupPathFor(s, n.Path)+"/cgroup.procs")
	}

	var cloneFlags uintptr
	if n.Isolate() {
		cloneFlags = cloneNewPidMntIpcUts()
	}

	root := n.props["root"]
	var mounts []mount.SyscallParams
	if root != "" {
		b := mount.NewDefaultBuilder().WithMinimalHostBinds().WithProc().WithMaskedProc()
		if deps.Volumes != nil {
			for _, bm := range deps.Volumes.Binds(n.Path) {
				b.WithBind(bm.Source, bm.Target, bm.ReadOnly)
			}
		}
		for i := range b.Mounts {
			b.Mounts[i].Target = path.Join(root, b.Mounts[i].Target)
		}
		sp, err := b.Build(true)
		if err != nil {
			return nil, wire.Errorf(wire.InvalidPath, "build mounts: %v", err)
		}
		mounts = sp
	}

	env := n.buildEnv(n.props["hostname"], username, home)
	argv, err := wordexpr.Expand(n.props["command"], env)
	if err != nil {
		return nil, wire.Errorf(wire.InvalidValue, "command: %v", err)
	}

	return &launcher.Config{
		Argv0:       argv[0],
		Argv:        argv,
		Env:         env,
		CloneFlags:  cloneFlags,
		Mounts:      mounts,
		Root:        root,
		Hostname:    n.props["hostname"],
		CgroupProcs: cgroupProcs,
		Credential:  cred,
		Stdin:       0,
		Stdout:      1,
		Stderr:      2,
		Rlimits:     parseUlimit(n.props["ulimit"]),
		Umask:       0,
	}, nil
}

func (n *Node) resolveCredential() (*syscall.Credential, string, error) {
	name := n.props["user"]
	if name == "" {
		return nil, "root", nil
	}
	if uid, err := strconv.Atoi(name); err == nil {
		return &syscall.Credential{Uid: uint32(uid), Gid: uint32(uid)}, name, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return nil, "", fmt.Errorf("resolve user %q: %w", name, err)
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, name, nil
}

func parseUlimit(raw string) *rlimit.RLimits {
	if raw == "" {
		return nil
	}
	rl := &rlimit.RLimits{}
	for _, entry := range properties.SplitEnvList(raw) {
		var name, value string
		for i := 0; i < len(entry); i++ {
			if entry[i] == ':' {
				name, value = entry[:i], entry[i+1:]
				break
			}
		}
		v, _ := strconv.ParseUint(value, 10, 64)
		switch name {
		case "cpu":
			rl.CPU = v
		case "data":
			rl.Data = v
		case "fsize":
			rl.FileSize = v
		case "stack":
			rl.Stack = v
		case "as":
			rl.AddressSpace = v
		case "nofile":
			rl.OpenFile = v
		case "core":
			rl.DisableCore = v == 0
		}
	}
	return rl
}
