package reactor

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idroz/portod/internal/container"
	"github.com/idroz/portod/internal/persist"
	"github.com/idroz/portod/internal/properties"
	"github.com/idroz/portod/internal/stat"
	"github.com/idroz/portod/internal/tree"
	"github.com/idroz/portod/internal/wait"
	"github.com/idroz/portod/internal/wire"
	"github.com/idroz/portod/pkg/launcher"
)

// fakeCgroups mirrors internal/container's own test fake; kept separate
// here because that one is unexported to its package.
type fakeCgroups struct {
	ensured map[string]bool
	frozen  map[string]bool
	knobs   map[string]string
}

func newFakeCgroups() *fakeCgroups {
	return &fakeCgroups{ensured: map[string]bool{}, frozen: map[string]bool{}, knobs: map[string]string{}}
}

func (f *fakeCgroups) EnsureAll(path string) error       { f.ensured[path] = true; return nil }
func (f *fakeCgroups) RemoveAll(path string) error       { delete(f.ensured, path); return nil }
func (f *fakeCgroups) Attach(path string, pid int) error { return nil }
func (f *fakeCgroups) WriteKnob(subsystem, path, key, value string) error {
	f.knobs[subsystem+"/"+path+"/"+key] = value
	return nil
}
func (f *fakeCgroups) ReadKnob(subsystem, path, key string) (string, error) {
	return f.knobs[subsystem+"/"+path+"/"+key], nil
}
func (f *fakeCgroups) ListProcs(subsystem, path string) ([]int, error) { return nil, nil }
func (f *fakeCgroups) Freeze(path string) error                       { f.frozen[path] = true; return nil }
func (f *fakeCgroups) Thaw(path string) error                         { f.frozen[path] = false; return nil }

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	reg := properties.NewRegistry()
	cg := newFakeCgroups()
	deps := container.Deps{
		Cgroups:     cg,
		Launch:      container.LauncherFunc(func(cfg *launcher.Config) (*launcher.Result, error) { return &launcher.Result{Pid: 4242}, nil }),
		HostCores:   4,
		CPUPeriodUs: 100000,
		CgroupPathFor: func(subsystem, path string) string {
			return "/sys/fs/cgroup/" + subsystem + "/porto/" + path
		},
	}
	tr := tree.New(reg, deps, tree.Config{MaxTotal: 64})
	store, err := persist.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := logrus.New()
	logger.SetOutput(nopWriter{})

	return &Loop{
		Tree:       tr,
		Registry:   reg,
		Waits:      wait.New(),
		Store:      store,
		Stats:      stat.New(),
		Deps:       deps,
		AgingSweep: time.Second,
		jobs:       make(chan job),
		quit:       make(chan struct{}),
		log:        logger.WithField("test", true),
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestDispatchCreateStartStop(t *testing.T) {
	l := newTestLoop(t)

	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.Create, Path: "a"}).Kind)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.SetProperty, Path: "a", Key: "command", Value: "/bin/true"}).Kind)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.Start, Path: "a"}).Kind)
	assert.Equal(t, container.Running, l.Tree.Get("a").State())
	assert.Equal(t, int64(1), l.Stats.Snapshot().RunningContainers)

	// avoid signalling a real pid from the fake launcher result
	l.Tree.Get("a").DeliverExit(0, false)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.Stop, Path: "a"}).Kind)
	assert.Equal(t, container.Stopped, l.Tree.Get("a").State())
}

func TestDispatchGetSetProperty(t *testing.T) {
	l := newTestLoop(t)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.Create, Path: "a"}).Kind)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.SetProperty, Path: "a", Key: "command", Value: "/bin/true"}).Kind)

	resp := l.dispatch(wire.Request{Verb: wire.GetProperty, Path: "a", Key: "command"})
	require.Equal(t, wire.Success, resp.Kind)
	assert.Equal(t, "/bin/true", resp.Value)
}

func TestDispatchSetPropertyUnknownContainer(t *testing.T) {
	l := newTestLoop(t)
	resp := l.dispatch(wire.Request{Verb: wire.SetProperty, Path: "nope", Key: "command", Value: "/bin/true"})
	assert.Equal(t, wire.ContainerDoesNotExist, resp.Kind)
}

func TestDispatchGuaranteeOverBudgetRejected(t *testing.T) {
	l := newTestLoop(t)
	l.Tree = tree.New(l.Registry, l.Deps, tree.Config{MaxTotal: 64, HostMemoryBytes: 100, MemoryReserve: 0})
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.Create, Path: "a"}).Kind)

	resp := l.dispatch(wire.Request{Verb: wire.SetProperty, Path: "a", Key: "memory_guarantee", Value: "1000"})
	assert.Equal(t, wire.ResourceNotAvailable, resp.Kind)
}

func TestDispatchDestroyDeletesRecord(t *testing.T) {
	l := newTestLoop(t)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.Create, Path: "a"}).Kind)
	resp := l.dispatch(wire.Request{Verb: wire.Destroy, Path: "a"})
	require.Equal(t, wire.Success, resp.Kind)
	assert.Nil(t, l.Tree.Get("a"))
}

func TestDispatchConvertPath(t *testing.T) {
	l := newTestLoop(t)
	resp := l.dispatch(wire.Request{Verb: wire.ConvertPathVerb, Path: "/x", FromRoot: "/", ToRoot: "/"})
	require.Equal(t, wire.Success, resp.Kind)
	assert.Equal(t, "/x", resp.ResolvedPath)
}

func TestDispatchListProperties(t *testing.T) {
	l := newTestLoop(t)
	resp := l.dispatch(wire.Request{Verb: wire.ListProperties})
	require.Equal(t, wire.Success, resp.Kind)
	assert.Contains(t, resp.Properties, "command")
}

// TestStartWaitResolvesOnNotify exercises the one path dispatch itself
// refuses to run: a Wait registration, resolved by a later Notify call
// from the same goroutine rather than by dispatch blocking on it.
func TestStartWaitResolvesOnNotify(t *testing.T) {
	l := newTestLoop(t)
	resp := make(chan wire.Response, 1)
	l.startWait(job{req: wire.Request{Verb: wire.Wait, Paths: []string{"a"}}, resp: resp})

	l.Waits.Notify("a", container.Running)

	select {
	case got := <-resp:
		assert.Equal(t, wire.Success, got.Kind)
		assert.Equal(t, []string{"a"}, got.Paths)
		assert.Equal(t, string(container.Running), got.Value)
	case <-time.After(time.Second):
		t.Fatal("wait did not resolve")
	}
}

func TestDispatchRejectsNonOwnerStop(t *testing.T) {
	l := newTestLoop(t)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.Create, Path: "a", UID: 1000}).Kind)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.SetProperty, Path: "a", Key: "command", Value: "/bin/true", UID: 1000}).Kind)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.Start, Path: "a", UID: 1000}).Kind)

	resp := l.dispatch(wire.Request{Verb: wire.Stop, Path: "a", UID: 2000})
	assert.Equal(t, wire.Permission, resp.Kind)
	assert.Equal(t, container.Running, l.Tree.Get("a").State())
}

func TestDispatchOwnerCanStopOwnContainer(t *testing.T) {
	l := newTestLoop(t)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.Create, Path: "a", UID: 1000}).Kind)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.SetProperty, Path: "a", Key: "command", Value: "/bin/true", UID: 1000}).Kind)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.Start, Path: "a", UID: 1000}).Kind)
	l.Tree.Get("a").DeliverExit(0, false)

	resp := l.dispatch(wire.Request{Verb: wire.Stop, Path: "a", UID: 1000})
	assert.Equal(t, wire.Success, resp.Kind)
}

func TestDispatchRootCanStopAnyonesContainer(t *testing.T) {
	l := newTestLoop(t)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.Create, Path: "a", UID: 1000}).Kind)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.SetProperty, Path: "a", Key: "command", Value: "/bin/true", UID: 1000}).Kind)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.Start, Path: "a", UID: 1000}).Kind)
	l.Tree.Get("a").DeliverExit(0, false)

	resp := l.dispatch(wire.Request{Verb: wire.Stop, Path: "a", UID: 0})
	assert.Equal(t, wire.Success, resp.Kind)
}

func TestDispatchGetPropertyIgnoresOwnership(t *testing.T) {
	l := newTestLoop(t)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.Create, Path: "a", UID: 1000}).Kind)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.SetProperty, Path: "a", Key: "command", Value: "/bin/true", UID: 1000}).Kind)

	resp := l.dispatch(wire.Request{Verb: wire.GetProperty, Path: "a", Key: "command", UID: 2000})
	assert.Equal(t, wire.Success, resp.Kind)
}

func TestAgeDeadNodesTransitionsPastAgingTime(t *testing.T) {
	l := newTestLoop(t)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.Create, Path: "a"}).Kind)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.SetProperty, Path: "a", Key: "command", Value: "/bin/true"}).Kind)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.SetProperty, Path: "a", Key: "aging_time", Value: "1"}).Kind)
	require.Equal(t, wire.Success, l.dispatch(wire.Request{Verb: wire.Start, Path: "a"}).Kind)
	l.Tree.Get("a").DeliverExit(0, false)
	require.Equal(t, container.Dead, l.Tree.Get("a").State())

	l.ageDeadNodes(l.Tree.Get("a").DeadAt().Add(2 * time.Second))
	assert.Equal(t, container.Stopped, l.Tree.Get("a").State())
}

func TestStartWaitTimesOut(t *testing.T) {
	l := newTestLoop(t)
	resp := make(chan wire.Response, 1)
	l.startWait(job{req: wire.Request{Verb: wire.Wait, Paths: []string{"a"}, DeadlineMS: 1}, resp: resp})

	time.Sleep(5 * time.Millisecond)
	l.Waits.ExpireDue(time.Now())

	select {
	case got := <-resp:
		assert.Equal(t, wire.ResourceNotAvailable, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("wait did not time out")
	}
}
