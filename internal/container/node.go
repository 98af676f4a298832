// Package container implements ContainerNode (spec.md C4, §4.4): one
// container's configuration, runtime state and the state-machine
// transitions a start/stop/pause/resume/kill cycle drives it through.
// ContainerTree (internal/tree) owns the node map and the cross-node
// invariants; a Node enforces only what is true of itself and its own
// subtree.
package container

import (
	"fmt"
	"strings"
	"time"

	"github.com/idroz/portod/internal/pathconv"
	"github.com/idroz/portod/internal/properties"
	"github.com/idroz/portod/internal/wire"
	"github.com/idroz/portod/pkg/pipe"
)

// State is one of the stored lifecycle states. Meta is never stored; it
// is computed by State() from a node's children.
type State string

const (
	Stopped State = "stopped"
	Running State = "running"
	Paused  State = "paused"
	Dead    State = "dead"
	Meta    State = "meta"
)

// Node is one container. Parent/Children are non-owning references by
// path, resolved through the tree's map (spec.md §9: "the tree is
// acyclic; back-references from child to parent are non-owning").
type Node struct {
	Path      string
	OwnerUID  int
	Parent    *Node
	Children  map[string]*Node

	registry *properties.Registry
	props    map[string]string

	stored       State
	pid          int
	exitStatus   int
	oomKilled    bool
	respawnCount int
	cgroupPaths  map[string]string

	stdout *pipe.Buffer
	stderr *pipe.Buffer

	createdAt time.Time
	deadAt    time.Time
}

// NewNode creates a stopped container at path, owned by ownerUID, with
// every property defaulted to its zero value.
func NewNode(path string, parent *Node, ownerUID int, registry *properties.Registry) *Node {
	return &Node{
		Path:      path,
		OwnerUID:  ownerUID,
		Parent:    parent,
		Children:  make(map[string]*Node),
		registry:  registry,
		props:     make(map[string]string),
		stored:    Stopped,
		createdAt: time.Now(),
	}
}

// State computes the node's externally visible lifecycle state: its own
// stored state takes precedence (running/paused/dead), and only a
// stopped node with a non-stopped descendant reports meta.
func (n *Node) State() State {
	if n.stored != Stopped {
		return n.stored
	}
	for _, c := range n.Children {
		if c.State() != Stopped {
			return Meta
		}
	}
	return Stopped
}

// Get reads a property, preferring the read-only runtime fields this
// struct keeps outside the props map.
func (n *Node) Get(key string) (string, error) {
	switch key {
	case "state":
		return string(n.State()), nil
	case "exit_status":
		return fmt.Sprintf("%d", n.exitStatus), nil
	case "oom_killed":
		return fmt.Sprintf("%t", n.oomKilled), nil
	case "respawn_count":
		return fmt.Sprintf("%d", n.respawnCount), nil
	case "stdout":
		if n.stdout != nil {
			return n.stdout.Buffer.String(), nil
		}
		return "", nil
	case "stderr":
		if n.stderr != nil {
			return n.stderr.Buffer.String(), nil
		}
		return "", nil
	}
	if _, ok := n.registry.Lookup(key); !ok {
		return "", wire.Errorf(wire.InvalidProperty, "unknown property %q", key)
	}
	return n.props[key], nil
}

// Set validates and stores a property write. It enforces spec.md
// §4.4's state restriction (stopped-only unless the property is on the
// dynamic whitelist) but leaves the permission check (owner/root) to
// the caller, which has the requesting identity C4 does not.
func (n *Node) Set(key, value string) error {
	p, ok := n.registry.Lookup(key)
	if !ok {
		return wire.Errorf(wire.InvalidProperty, "unknown property %q", key)
	}
	if p.ReadOnly {
		return wire.Errorf(wire.InvalidProperty, "%q is read-only", key)
	}
	if n.State() != Stopped && !n.registry.IsDynamic(key) {
		return wire.Errorf(wire.InvalidState, "%q can only be set while stopped", key)
	}
	canonical, err := n.registry.Validate(key, value)
	if err != nil {
		return wire.Errorf(wire.InvalidValue, "%s", err)
	}
	n.props[key] = canonical
	return nil
}

// HasCommand reports whether this node has a runnable command, the
// leaf-without-a-command check spec.md §4.5 requires before Start.
func (n *Node) HasCommand() bool {
	return strings.TrimSpace(n.props["command"]) != ""
}

// DumpProps copies every stopped-mutable property this node currently
// has set, for internal/persist's Save. registry is unused today but
// kept in the signature so a future filtered dump (skip defaults) can
// consult it without an API break.
func (n *Node) DumpProps(registry *properties.Registry) map[string]string {
	out := make(map[string]string, len(n.props))
	for k, v := range n.props {
		out[k] = v
	}
	return out
}

// Isolate reports the node's isolate flag, true by default.
func (n *Node) Isolate() bool {
	v, ok := n.props["isolate"]
	return !ok || v != "false"
}

// Pid returns the payload's pid, or 0 if none is running.
func (n *Node) Pid() int { return n.pid }

// CgroupPath returns the on-disk cgroup directory this node was bound
// to for subsystem, populated after a successful Start.
func (n *Node) CgroupPath(subsystem string) string { return n.cgroupPaths[subsystem] }

// Root resolves this node's root property into an absolute path,
// suitable for pathconv.Convert's fromRoot/toRoot arguments.
func (n *Node) Root() string {
	return pathconv.NormalPath(n.props["root"])
}

// RestoreRunning sets a freshly created node directly to running (or
// paused) with a known live pid, bypassing Start's cgroup/launch
// sequence. Used only by internal/persist's replay path, where the
// payload and its cgroups already exist from before the worker
// restarted.
func (n *Node) RestoreRunning(pid int, paused bool) {
	n.pid = pid
	n.stored = Running
	if paused {
		n.stored = Paused
	}
}

// RestoreDead sets a freshly created node directly to dead, for
// replaying a record whose payload did not survive the restart.
func (n *Node) RestoreDead(exitStatus int, oomKilled bool) {
	n.finish(exitStatus, oomKilled)
}

// DeadAt returns when this node last entered dead, the reference point
// AgingDue measures aging_time against.
func (n *Node) DeadAt() time.Time { return n.deadAt }
