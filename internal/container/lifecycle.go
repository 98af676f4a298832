package container

import (
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/idroz/portod/internal/wire"
	"github.com/idroz/portod/pkg/pipe"
)

// cloneNewPidMntIpcUts is the namespace flag set an isolate=true
// container's payload clones with (spec.md §4.2): its own pid, mount,
// ipc and uts namespaces. Network namespace isolation is not in scope
// (spec.md's Non-goals exclude a virtual networking layer).
func cloneNewPidMntIpcUts() uintptr {
	return uintptr(unix.CLONE_NEWPID | unix.CLONE_NEWNS | unix.CLONE_NEWIPC | unix.CLONE_NEWUTS)
}

// Stop kills the payload (if any), thaws a paused container first so the
// signal is deliverable, waits for exit, and removes its cgroups.
// Descendant ordering is ContainerTree's responsibility, not this
// method's: Stop only ever acts on this one node.
func (n *Node) Stop(deps Deps) error {
	switch n.State() {
	case Stopped:
		return nil
	case Meta:
		n.stored = Stopped
		return deps.Cgroups.RemoveAll(n.Path)
	case Paused:
		if err := deps.Cgroups.Thaw(n.Path); err != nil {
			return wire.Errorf(wire.Unknown, "thaw before stop: %v", err)
		}
	}

	if n.pid != 0 {
		if err := syscall.Kill(n.pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return wire.Errorf(wire.Unknown, "kill: %v", err)
		}
		var ws syscall.WaitStatus
		for {
			_, err := syscall.Wait4(n.pid, &ws, 0, nil)
			if err == syscall.EINTR {
				continue
			}
			break
		}
	}

	n.stored = Stopped
	n.exitStatus = 0
	n.oomKilled = false
	n.pid = 0
	return deps.Cgroups.RemoveAll(n.Path)
}

// finish transitions the node to dead and records its exit bookkeeping.
// DeliverExit and RestoreDead funnel through this; Stop does not, since
// Stop lands on stopped with exit_status/oom_killed cleared rather than
// dead with them recorded (spec.md's invariant 7).
func (n *Node) finish(exitStatus int, oomKilled bool) {
	n.stored = Dead
	n.exitStatus = exitStatus
	n.oomKilled = oomKilled
	n.pid = 0
	n.deadAt = time.Now()
}

// AgingDue reports whether a dead node's aging_time has elapsed as of
// now, per spec.md's "dead → stopped ... after aging_time expires".
// aging_time of 0 (the default) means never age out automatically.
func (n *Node) AgingDue(now time.Time) bool {
	if n.State() != Dead {
		return false
	}
	seconds, _ := strconv.Atoi(n.props["aging_time"])
	if seconds <= 0 {
		return false
	}
	return now.Sub(n.deadAt) >= time.Duration(seconds)*time.Second
}

// Age transitions a dead node past its aging_time to stopped, clearing
// exit_status/oom_killed the same way Stop does: stopped never carries
// a previous run's bookkeeping (spec.md's invariant 7).
func (n *Node) Age(now time.Time) bool {
	if !n.AgingDue(now) {
		return false
	}
	n.stored = Stopped
	n.exitStatus = 0
	n.oomKilled = false
	return true
}

// Pause freezes the container's cgroup. A container whose ancestor is
// already paused cannot be paused again (spec.md §4.4): freezer state
// propagates down the hierarchy, so the individual write would succeed
// but misrepresent what actually controls the process.
func (n *Node) Pause(deps Deps) error {
	if n.State() != Running {
		return wire.Errorf(wire.InvalidState, "%q is not running", n.Path)
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.State() == Paused {
			return wire.Errorf(wire.InvalidState, "ancestor %q is already paused", p.Path)
		}
	}
	if err := deps.Cgroups.Freeze(n.Path); err != nil {
		return wire.Errorf(wire.Unknown, "freeze: %v", err)
	}
	n.stored = Paused
	return nil
}

// Resume thaws the container's cgroup.
func (n *Node) Resume(deps Deps) error {
	if n.State() != Paused {
		return wire.Errorf(wire.InvalidState, "%q is not paused", n.Path)
	}
	if err := deps.Cgroups.Thaw(n.Path); err != nil {
		return wire.Errorf(wire.Unknown, "thaw: %v", err)
	}
	n.stored = Running
	return nil
}

// Kill delivers an arbitrary signal to the payload without transitioning
// its state; the state change, if any, follows from the process's own
// reaction once the reactor's SIGCHLD handler calls DeliverExit.
func (n *Node) Kill(sig syscall.Signal) error {
	if n.State() != Running && n.State() != Paused {
		return wire.Errorf(wire.InvalidState, "%q has no running payload", n.Path)
	}
	if err := syscall.Kill(n.pid, sig); err != nil {
		return wire.Errorf(wire.Unknown, "kill: %v", err)
	}
	return nil
}

// DeliverExit is called by the reactor's SIGCHLD handler once waitpid
// reaps this node's pid. It records the exit status and OOM flag and
// moves the node to dead. Nothing respawns it: the respawn and
// max_respawns properties are stored but not acted on, so the node stays
// dead until Stop or aging_time moves it to stopped.
func (n *Node) DeliverExit(status syscall.WaitStatus, oomKilled bool) {
	exitStatus := status.ExitStatus()
	if status.Signaled() {
		exitStatus = 128 + int(status.Signal())
	}
	if oomKilled {
		exitStatus = int(syscall.SIGKILL)
	}
	n.finish(exitStatus, oomKilled)
}

// RotateLogs truncates the node's captured stdout/stderr buffers,
// keeping only what has accumulated since the last rotation
// (spec.md §4.4's stdout_limit/stderr property pair).
func (n *Node) RotateLogs() {
	if n.stdout != nil {
		n.stdout.Buffer.Reset()
	}
	if n.stderr != nil {
		n.stderr.Buffer.Reset()
	}
}

// AttachPipes installs the stdout/stderr capture buffers Start's launch
// config should dup its payload's fds onto. Left as an explicit step
// (rather than folded into Start) because the reactor owns the pipe fds'
// lifetime across the launcher boundary.
func (n *Node) AttachPipes(stdout, stderr *pipe.Buffer) {
	n.stdout = stdout
	n.stderr = stderr
}
