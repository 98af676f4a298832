package launcher

import (
	"syscall"

	"github.com/idroz/portod/pkg/mount"
	"github.com/idroz/portod/pkg/rlimit"
)

// marshaled holds every *byte/[]byte argument runPayload needs, built
// once in ordinary Go code before the fork. Nothing in this struct is
// touched again by allocating code once forkAndRun starts: P reads it
// through a plain pointer across the clone boundary.
type marshaled struct {
	argv0 *byte
	argv  []*byte
	env   []*byte

	cloneFlags uintptr

	mounts []mount.SyscallParams
	root   *byte

	hostname    *byte
	hostnameLen int

	cgroupProcs []*byte

	credential *syscall.Credential

	stdin, stdout, stderr uintptr

	rlimits []rlimit.RLimit

	umask int

	pipe     int
	pipeRead int
}

func marshal(cfg *Config) (*marshaled, error) {
	argv0, err := syscall.BytePtrFromString(cfg.Argv0)
	if err != nil {
		return nil, err
	}
	argv, err := syscall.SlicePtrFromStrings(cfg.Argv)
	if err != nil {
		return nil, err
	}
	env, err := syscall.SlicePtrFromStrings(cfg.Env)
	if err != nil {
		return nil, err
	}

	var root *byte
	if cfg.Root != "" {
		root, err = syscall.BytePtrFromString(cfg.Root)
		if err != nil {
			return nil, err
		}
	}

	var hostname *byte
	if cfg.Hostname != "" {
		hostname, err = syscall.BytePtrFromString(cfg.Hostname)
		if err != nil {
			return nil, err
		}
	}

	cgroupProcs := make([]*byte, 0, len(cfg.CgroupProcs))
	for _, p := range cfg.CgroupProcs {
		b, err := syscall.BytePtrFromString(p)
		if err != nil {
			return nil, err
		}
		cgroupProcs = append(cgroupProcs, b)
	}

	var rlimits []rlimit.RLimit
	if cfg.Rlimits != nil {
		rlimits = cfg.Rlimits.PrepareRLimit()
	}

	return &marshaled{
		argv0:       argv0,
		argv:        argv,
		env:         env,
		cloneFlags:  cfg.CloneFlags,
		mounts:      cfg.Mounts,
		root:        root,
		hostname:    hostname,
		hostnameLen: len(cfg.Hostname),
		cgroupProcs: cgroupProcs,
		credential:  cfg.Credential,
		stdin:       cfg.Stdin,
		stdout:      cfg.Stdout,
		stderr:      cfg.Stderr,
		rlimits:     rlimits,
		umask:       cfg.Umask,
	}, nil
}
