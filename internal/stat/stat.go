// Package stat implements StatAccumulator: the daemon-wide counters
// original_source's portod.cpp keeps on its PortoStat struct
// (errors, warnings, spawned/destroyed/running containers, and the
// master's own respawn bookkeeping), exposed read-only in GetVersion's
// response properties; there is no /stat pseudo-container. Nothing here is persisted;
// counters reset to zero on every worker restart.
package stat

import "sync/atomic"

// Accumulator holds the daemon's running counters. All fields are
// updated with atomic ops so C6's reactor and C9's supervisor can both
// touch it without a lock, even though the reactor itself is
// single-threaded — the supervisor lives in a different process and
// this counter set is mirrored, not shared, across the fork.
type Accumulator struct {
	errors             atomic.Int64
	warnings           atomic.Int64
	spawnedContainers  atomic.Int64
	destroyedContainers atomic.Int64
	runningContainers  atomic.Int64

	masterStarts       atomic.Int64
	masterRespawns     atomic.Int64
	masterLastRespawnMS atomic.Int64
}

// New returns a zeroed accumulator.
func New() *Accumulator { return &Accumulator{} }

func (a *Accumulator) IncErrors()   { a.errors.Add(1) }
func (a *Accumulator) IncWarnings() { a.warnings.Add(1) }

// ContainerSpawned records a container transitioning into running.
func (a *Accumulator) ContainerSpawned() {
	a.spawnedContainers.Add(1)
	a.runningContainers.Add(1)
}

// ContainerExited records a running container's payload exiting.
func (a *Accumulator) ContainerExited() {
	a.runningContainers.Add(-1)
}

// ContainerDestroyed records a Destroy completing.
func (a *Accumulator) ContainerDestroyed() { a.destroyedContainers.Add(1) }

// MasterStarted records the master forking a fresh worker.
func (a *Accumulator) MasterStarted() { a.masterStarts.Add(1) }

// MasterRespawned records the master re-forking after a crash, at
// unixMilli.
func (a *Accumulator) MasterRespawned(unixMilli int64) {
	a.masterRespawns.Add(1)
	a.masterLastRespawnMS.Store(unixMilli)
}

// Snapshot is an immutable point-in-time read of every counter, the
// shape GetVersion serializes.
type Snapshot struct {
	Errors              int64
	Warnings            int64
	SpawnedContainers   int64
	DestroyedContainers int64
	RunningContainers   int64
	MasterStarts        int64
	MasterRespawns      int64
	MasterLastRespawnMS int64
}

// Snapshot reads every counter.
func (a *Accumulator) Snapshot() Snapshot {
	return Snapshot{
		Errors:              a.errors.Load(),
		Warnings:            a.warnings.Load(),
		SpawnedContainers:   a.spawnedContainers.Load(),
		DestroyedContainers: a.destroyedContainers.Load(),
		RunningContainers:   a.runningContainers.Load(),
		MasterStarts:        a.masterStarts.Load(),
		MasterRespawns:      a.masterRespawns.Load(),
		MasterLastRespawnMS: a.masterLastRespawnMS.Load(),
	}
}

// AsProperties renders the snapshot as the key/value map the wire
// codec's Response.Properties field carries in a GetVersion reply.
func (s Snapshot) AsProperties() map[string]string {
	return map[string]string{
		"errors":               itoa(s.Errors),
		"warnings":             itoa(s.Warnings),
		"spawned_containers":   itoa(s.SpawnedContainers),
		"destroyed_containers": itoa(s.DestroyedContainers),
		"running_containers":   itoa(s.RunningContainers),
		"master_starts":        itoa(s.MasterStarts),
		"master_respawns":      itoa(s.MasterRespawns),
		"master_last_respawn":  itoa(s.MasterLastRespawnMS),
	}
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
