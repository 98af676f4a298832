package cgroup

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const filePerm = 0o644

// SubCgroup is a single subsystem's directory for a single container,
// adapted from the teacher's SubCGroup to the knob read/write/enumerate
// operations CgroupManager's contract requires.
type SubCgroup struct {
	subsystem string
	path      string
}

// NewSubCgroup wraps an already-resolved cgroup directory.
func NewSubCgroup(subsystem, path string) *SubCgroup {
	return &SubCgroup{subsystem: subsystem, path: path}
}

// Path returns the underlying directory.
func (c *SubCgroup) Path() string { return c.path }

// Ensure creates the cgroup directory, idempotently.
func (c *SubCgroup) Ensure() error {
	if err := os.MkdirAll(c.path, 0o755); err != nil && !os.IsExist(err) {
		return classify("ensure", c.path, err)
	}
	return nil
}

// Remove deletes the cgroup directory. Per the contract, ENOENT is not an
// error (Remove is idempotent); EBUSY is surfaced as KindBusy so the caller
// can attempt stray-task migration and retry.
func (c *SubCgroup) Remove() error {
	if err := os.Remove(c.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return classify("remove", c.path, err)
	}
	return nil
}

// Attach writes pid into cgroup.procs.
func (c *SubCgroup) Attach(pid int) error {
	return c.WriteUint(cgroupProcs, uint64(pid))
}

// ListProcs reads cgroup.procs and returns the member pids.
func (c *SubCgroup) ListProcs() ([]int, error) {
	b, err := c.ReadFile(cgroupProcs)
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, line := range strings.Fields(string(b)) {
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// WriteUint writes a decimal-formatted knob.
func (c *SubCgroup) WriteUint(knob string, v uint64) error {
	return c.WriteFile(knob, []byte(strconv.FormatUint(v, 10)))
}

// ReadUint reads a decimal-formatted knob.
func (c *SubCgroup) ReadUint(knob string) (uint64, error) {
	b, err := c.ReadFile(knob)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, classify("read_knob", filepath.Join(c.path, knob), err)
	}
	return v, nil
}

// WriteString writes a knob with opaque string content (e.g. devices.allow).
func (c *SubCgroup) WriteString(knob, v string) error {
	return c.WriteFile(knob, []byte(v))
}

// WriteFile writes arbitrary bytes to a knob file.
func (c *SubCgroup) WriteFile(knob string, b []byte) error {
	p := filepath.Join(c.path, knob)
	if err := os.WriteFile(p, b, filePerm); err != nil {
		return classify("write_knob", p, err)
	}
	return nil
}

// ReadFile reads a knob file's raw contents.
func (c *SubCgroup) ReadFile(knob string) ([]byte, error) {
	p := filepath.Join(c.path, knob)
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, classify("read_knob", p, err)
	}
	return b, nil
}

const cgroupProcs = "cgroup.procs"
