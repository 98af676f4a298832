package persist

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idroz/portod/internal/container"
	"github.com/idroz/portod/internal/properties"
	"github.com/idroz/portod/internal/tree"
	"github.com/idroz/portod/pkg/launcher"
)

func TestFileNameEscapesSlashes(t *testing.T) {
	assert.Equal(t, "a%b%c.json", fileName("a/b/c"))
}

func TestSaveLoadDeleteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	rec := Record{Path: "a/b", OwnerUID: 7, Props: map[string]string{"command": "/bin/true"}, Stored: "stopped"}
	require.NoError(t, s.Save(rec))

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, rec.Path, loaded[0].Path)
	assert.Equal(t, rec.Props["command"], loaded[0].Props["command"])

	require.NoError(t, s.Delete("a/b"))
	loaded, err = s.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestOpenRejectsSecondWorker(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	require.NoError(t, err)
	defer s1.Close()

	_, err = Open(dir)
	require.Error(t, err)
}

type fakeCgroups struct{ live map[string][]int }

func (f *fakeCgroups) EnsureAll(path string) error       { return nil }
func (f *fakeCgroups) RemoveAll(path string) error       { return nil }
func (f *fakeCgroups) Attach(path string, pid int) error { return nil }
func (f *fakeCgroups) WriteKnob(subsystem, path, key, value string) error { return nil }
func (f *fakeCgroups) ReadKnob(subsystem, path, key string) (string, error) { return "", nil }
func (f *fakeCgroups) ListProcs(subsystem, path string) ([]int, error)    { return f.live[path], nil }
func (f *fakeCgroups) Freeze(path string) error                          { return nil }
func (f *fakeCgroups) Thaw(path string) error                            { return nil }

func TestReplayRestoresRunningWhenPidLiveInCgroup(t *testing.T) {
	self := os.Getpid()
	cg := &fakeCgroups{live: map[string][]int{"a": {self}}}
	tr := tree.New(properties.NewRegistry(), container.Deps{Cgroups: cg, Launch: container.LauncherFunc(func(c *launcher.Config) (*launcher.Result, error) {
		return nil, nil
	})}, tree.Config{MaxTotal: 10})

	records := []Record{{Path: "a", Stored: "running", Pid: self}}
	require.NoError(t, Replay(records, tr, cg))
	assert.Equal(t, container.Running, tr.Get("a").State())
	assert.Equal(t, self, tr.Get("a").Pid())
}

func TestReplayResolvesDeadWhenPidGone(t *testing.T) {
	cg := &fakeCgroups{live: map[string][]int{}}
	tr := tree.New(properties.NewRegistry(), container.Deps{Cgroups: cg}, tree.Config{MaxTotal: 10})

	records := []Record{{Path: "a", Stored: "running", Pid: 99999}}
	require.NoError(t, Replay(records, tr, cg))
	assert.Equal(t, container.Dead, tr.Get("a").State())
}

func TestReplayCreatesParentsBeforeChildren(t *testing.T) {
	cg := &fakeCgroups{live: map[string][]int{}}
	tr := tree.New(properties.NewRegistry(), container.Deps{Cgroups: cg}, tree.Config{MaxTotal: 10})

	records := []Record{
		{Path: "a/b", Stored: "stopped"},
		{Path: "a", Stored: "stopped"},
	}
	require.NoError(t, Replay(records, tr, cg))
	require.NotNil(t, tr.Get("a"))
	require.NotNil(t, tr.Get("a/b"))
	assert.Equal(t, tr.Get("a"), tr.Get("a/b").Parent)
}
