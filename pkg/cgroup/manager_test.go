package cgroup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathForFreezerIsNested(t *testing.T) {
	p := PathFor("/sys/fs/cgroup", Freezer, "a/b/c")
	assert.Equal(t, "/sys/fs/cgroup/freezer/porto/a/b/c", p)
}

func TestPathForOtherSubsystemIsFlat(t *testing.T) {
	p := PathFor("/sys/fs/cgroup", Memory, "a/b/c")
	assert.Equal(t, "/sys/fs/cgroup/memory/porto%a%b%c", p)
}

func TestEnsureRemoveIdempotent(t *testing.T) {
	m := NewManager(t.TempDir())
	require.NoError(t, m.EnsureAll("a/b"))
	require.NoError(t, m.EnsureAll("a/b")) // idempotent

	require.NoError(t, m.RemoveAll("a/b"))
	// second Remove on an already-removed path is a non-error (ENOENT is not an error)
	require.NoError(t, m.RemoveAll("a/b"))
}

func TestWriteReadKnobRoundTrip(t *testing.T) {
	m := NewManager(t.TempDir())
	require.NoError(t, m.Ensure(Memory, "a"))
	require.NoError(t, m.WriteKnob(Memory, "a", "memory.limit_in_bytes", "1048576"))

	got, err := m.ReadKnob(Memory, "a", "memory.limit_in_bytes")
	require.NoError(t, err)
	assert.Equal(t, "1048576", got)
}

func TestFreezeThaw(t *testing.T) {
	m := NewManager(t.TempDir())
	require.NoError(t, m.Ensure(Freezer, "a"))

	require.NoError(t, m.Freeze("a"))
	state, err := m.ReadKnob(Freezer, "a", freezerState)
	require.NoError(t, err)
	assert.Equal(t, stateFrozen, state)

	require.NoError(t, m.Thaw("a"))
	state, err = m.ReadKnob(Freezer, "a", freezerState)
	require.NoError(t, err)
	assert.Equal(t, stateThawed, state)
}

func TestRemoveMigratesStraysToParent(t *testing.T) {
	m := NewManager(t.TempDir())
	require.NoError(t, m.Ensure(Memory, "a"))
	require.NoError(t, m.Ensure(Memory, "a/b"))

	// simulate a stray task recorded in the child cgroup
	require.NoError(t, m.sub(Memory, "a/b").Attach(4242))

	require.NoError(t, m.Remove(Memory, "a/b"))

	parentPids, err := m.ListProcs(Memory, "a")
	require.NoError(t, err)
	assert.Contains(t, parentPids, 4242)
}
