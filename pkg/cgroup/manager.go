// Package cgroup implements the CgroupManager contract (spec.md §4.1):
// one on-disk directory per (subsystem, container) pair, with the minimal
// set of knob/enumerate/freeze operations the container engine needs.
// Adapted from the teacher's flat Cgroup/SubCGroup pair to a subsystem set
// keyed dynamically by name, since this daemon's subsystem list is fixed
// by spec (freezer, memory, cpu, cpuacct, devices, net_cls, blkio) rather
// than compiled into the Cgroup struct's field list.
package cgroup

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Manager binds container paths to cgroup directories under a configured
// mount root (conventionally /sys/fs/cgroup on a cgroup v1 host).
type Manager struct {
	MountRoot string

	// FreezePollInterval and FreezePollMax bound the freeze/thaw busy-poll
	// described in §4.1 and the "freezer stuck" failure mode in §5.
	FreezePollInterval time.Duration
	FreezePollMax      time.Duration
}

// NewManager builds a Manager with the default poll bounds.
func NewManager(mountRoot string) *Manager {
	return &Manager{
		MountRoot:          mountRoot,
		FreezePollInterval: 2 * time.Millisecond,
		FreezePollMax:      5 * time.Second,
	}
}

func (m *Manager) sub(subsystem, containerPath string) *SubCgroup {
	return NewSubCgroup(subsystem, PathFor(m.MountRoot, subsystem, containerPath))
}

// Ensure creates the cgroup directory for subsystem/containerPath. Idempotent.
func (m *Manager) Ensure(subsystem, containerPath string) error {
	return m.sub(subsystem, containerPath).Ensure()
}

// EnsureAll creates the container's directory in every subsystem.
func (m *Manager) EnsureAll(containerPath string) error {
	for _, s := range Subsystems {
		if err := m.Ensure(s, containerPath); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the cgroup directory for subsystem/containerPath. If the
// directory is non-empty (EBUSY), it migrates stray tasks up to the
// subsystem's parent cgroup and retries once, per §4.1.
func (m *Manager) Remove(subsystem, containerPath string) error {
	s := m.sub(subsystem, containerPath)
	err := s.Remove()
	if err == nil || !IsBusy(err) {
		return err
	}
	if mErr := m.migrateStraysToParent(subsystem, containerPath, s); mErr != nil {
		return errors.Wrapf(err, "remove %s: stray migration failed: %v", s.Path(), mErr)
	}
	return s.Remove()
}

// RemoveAll removes the container's directory from every subsystem,
// collecting (not stopping on) the first error so a partial teardown
// still frees what it can.
func (m *Manager) RemoveAll(containerPath string) error {
	var first error
	for _, s := range Subsystems {
		if err := m.Remove(s, containerPath); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// migrateStraysToParent moves any task left in containerPath's cgroup up to
// the logical parent container's cgroup in the same subsystem. The parent
// is computed from the container path, not from filepath.Dir of the
// on-disk cgroup path, because non-freezer subsystems use a flat naming
// scheme (see PathFor) where on-disk nesting does not mirror the container
// tree.
func (m *Manager) migrateStraysToParent(subsystem, containerPath string, s *SubCgroup) error {
	pids, err := s.ListProcs()
	if err != nil {
		return err
	}
	parentPath := filepath.Dir(containerPath)
	if parentPath == "." {
		parentPath = ""
	}
	parent := m.sub(subsystem, parentPath)
	for _, pid := range pids {
		if err := parent.Attach(pid); err != nil {
			return err
		}
	}
	return nil
}

// Attach writes pid into the container's cgroup.procs in every subsystem.
func (m *Manager) Attach(containerPath string, pid int) error {
	for _, s := range Subsystems {
		if err := m.sub(s, containerPath).Attach(pid); err != nil {
			return err
		}
	}
	return nil
}

// ReadKnob reads a single knob within a subsystem's directory.
func (m *Manager) ReadKnob(subsystem, containerPath, key string) (string, error) {
	b, err := m.sub(subsystem, containerPath).ReadFile(key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteKnob writes a single knob within a subsystem's directory.
func (m *Manager) WriteKnob(subsystem, containerPath, key, value string) error {
	return m.sub(subsystem, containerPath).WriteString(key, value)
}

// ListProcs enumerates the pids attached to a container's cgroup in a
// given subsystem (conventionally freezer, since that is the one every
// container always has).
func (m *Manager) ListProcs(subsystem, containerPath string) ([]int, error) {
	return m.sub(subsystem, containerPath).ListProcs()
}

const (
	freezerState  = "freezer.state"
	stateFrozen   = "FROZEN"
	stateThawed   = "THAWED"
	stateFreezing = "FREEZING"
)

// Freeze writes FROZEN to the freezer cgroup and polls freezer.state until
// it reads back FROZEN, bounded by FreezePollMax.
func (m *Manager) Freeze(containerPath string) error {
	return m.setFreezerState(containerPath, stateFrozen)
}

// Thaw writes THAWED to the freezer cgroup. Thaw does not poll: the
// container is usable (running) the instant the kernel accepts the write.
func (m *Manager) Thaw(containerPath string) error {
	s := m.sub(Freezer, containerPath)
	return s.WriteString(freezerState, stateThawed)
}

func (m *Manager) setFreezerState(containerPath, want string) error {
	s := m.sub(Freezer, containerPath)
	if err := s.WriteString(freezerState, want); err != nil {
		return err
	}
	deadline := time.Now().Add(m.FreezePollMax)
	for {
		b, err := s.ReadFile(freezerState)
		if err != nil {
			return err
		}
		got := trimState(b)
		if got == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("freezer stuck: %s wanted %s, still %s", s.Path(), want, got)
		}
		time.Sleep(m.FreezePollInterval)
	}
}

func trimState(b []byte) string {
	n := len(b)
	for n > 0 && (b[n-1] == '\n' || b[n-1] == ' ' || b[n-1] == '\t' || b[n-1] == '\r') {
		n--
	}
	return string(b[:n])
}
