// Package volume provides the VolumeLinks collaborator interface
// spec.md's expansion names: a seam C4's start path calls while
// building a container's mount list, standing in for the volume/storage
// subsystem spec.md §1 explicitly excludes. original_source's
// Volume::LinkContainer shows containers referencing volumes by a path
// list; this package keeps only that shape, with no actual volume
// management.
package volume

import (
	"golang.org/x/sys/unix"

	"github.com/idroz/portod/pkg/mount"
)

// BindMount is one mount a volume contributes to a container's
// envelope.
type BindMount struct {
	Source, Target string
	ReadOnly       bool
}

// ToMount renders a BindMount into the pkg/mount Builder's shape.
func (b BindMount) ToMount() mount.Mount {
	flags := uintptr(unix.MS_BIND | unix.MS_NOSUID)
	if b.ReadOnly {
		flags |= unix.MS_RDONLY
	}
	return mount.Mount{Source: b.Source, Target: b.Target, Flags: flags}
}

// Binder is the collaborator interface C4 calls while assembling a
// container's mount list.
type Binder interface {
	// Binds returns the bind mounts a container's linked volumes
	// contribute, in application order.
	Binds(container string) []BindMount
}

// NoopBinder is the in-memory, no-op implementation: no [MODULE] in
// this repository manages volumes, so every container gets an empty
// bind list from this collaborator.
type NoopBinder struct{}

// Binds always returns nil: NoopBinder links no volumes to any
// container.
func (NoopBinder) Binds(container string) []BindMount { return nil }

var _ Binder = NoopBinder{}
