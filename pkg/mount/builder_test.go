package mount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBuilderWithBind(t *testing.T) {
	b := NewBuilder().WithBind("/src", "dst", true)
	require.Len(t, b.Mounts, 1)
	m := b.Mounts[0]
	assert.Equal(t, "/src", m.Source)
	assert.Equal(t, "dst", m.Target)
	assert.NotZero(t, m.Flags&bind)
}

func TestBuilderWithMaskedProc(t *testing.T) {
	b := NewBuilder().WithMaskedProc()
	require.Len(t, b.Mounts, len(MaskedProcPaths))
	for i, m := range b.Mounts {
		assert.Equal(t, MaskedProcPaths[i], m.Target)
		assert.NotZero(t, m.Flags&unix.MS_RDONLY)
	}
}

func TestBuildSkipsMissingBindSource(t *testing.T) {
	b := NewBuilder().WithBind("/definitely/not/a/real/path", "x", true)
	params, err := b.Build(true)
	require.NoError(t, err)
	assert.Empty(t, params)
}

func TestMountToSyscallPrefixes(t *testing.T) {
	m := &Mount{Source: "tmpfs", Target: "/a/b/c", FsType: "tmpfs"}
	sp, err := m.ToSyscall()
	require.NoError(t, err)
	assert.Len(t, sp.Prefixes, 3)
}
