package container

import (
	"bytes"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idroz/portod/internal/properties"
	"github.com/idroz/portod/internal/wire"
	"github.com/idroz/portod/pkg/launcher"
	"github.com/idroz/portod/pkg/pipe"
)

func newTestRegistry() *properties.Registry {
	return properties.NewRegistry()
}

func TestNewNodeStartsStopped(t *testing.T) {
	n := NewNode("a", nil, 0, newTestRegistry())
	assert.Equal(t, Stopped, n.State())
}

func TestSetUnknownPropertyFails(t *testing.T) {
	n := NewNode("a", nil, 0, newTestRegistry())
	err := n.Set("nope", "x")
	require.Error(t, err)
	var we *wire.Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, wire.InvalidProperty, we.Kind)
}

func TestSetAndGetCommand(t *testing.T) {
	n := NewNode("a", nil, 0, newTestRegistry())
	require.NoError(t, n.Set("command", "/bin/true"))
	got, err := n.Get("command")
	require.NoError(t, err)
	assert.Equal(t, "/bin/true", got)
	assert.True(t, n.HasCommand())
}

func TestSetNonDynamicPropertyWhileRunningFails(t *testing.T) {
	n := NewNode("a", nil, 0, newTestRegistry())
	n.stored = Running
	err := n.Set("command", "/bin/true")
	require.Error(t, err)
	var we *wire.Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, wire.InvalidState, we.Kind)
}

func TestSetDynamicPropertyWhileRunningSucceeds(t *testing.T) {
	n := NewNode("a", nil, 0, newTestRegistry())
	n.stored = Running
	require.NoError(t, n.Set("memory_limit", "1048576"))
}

func TestStateIsMetaWhenChildRunning(t *testing.T) {
	parent := NewNode("a", nil, 0, newTestRegistry())
	child := NewNode("a/b", parent, 0, newTestRegistry())
	parent.Children["b"] = child
	child.stored = Running
	assert.Equal(t, Meta, parent.State())
}

func TestIsolateDefaultsTrue(t *testing.T) {
	n := NewNode("a", nil, 0, newTestRegistry())
	assert.True(t, n.Isolate())
	require.NoError(t, n.Set("isolate", "false"))
	assert.False(t, n.Isolate())
}

// fakeCgroups is an in-memory CgroupManager fake for exercising Start,
// Stop, Pause and Resume without a real cgroup filesystem.
type fakeCgroups struct {
	ensured map[string]bool
	frozen  map[string]bool
	knobs   map[string]string
}

func newFakeCgroups() *fakeCgroups {
	return &fakeCgroups{ensured: map[string]bool{}, frozen: map[string]bool{}, knobs: map[string]string{}}
}

func (f *fakeCgroups) EnsureAll(path string) error   { f.ensured[path] = true; return nil }
func (f *fakeCgroups) RemoveAll(path string) error   { delete(f.ensured, path); return nil }
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

func testDeps(cg *fakeCgroups) Deps {
	return Deps{
		Cgroups:     cg,
		Launch:      LauncherFunc(func(cfg *launcher.Config) (*launcher.Result, error) { return &launcher.Result{Pid: 4242}, nil }),
		HostCores:   4,
		CPUPeriodUs: 100000,
		CgroupPathFor: func(subsystem, path string) string {
			return "/sys/fs/cgroup/" + subsystem + "/porto/" + path
		},
	}
}

func TestStartWithoutCommandFails(t *testing.T) {
	n := NewNode("a", nil, 0, newTestRegistry())
	err := n.Start(testDeps(newFakeCgroups()))
	require.Error(t, err)
	var we *wire.Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, wire.InvalidValue, we.Kind)
}

func TestStartSpawnsAndTransitionsToRunning(t *testing.T) {
	n := NewNode("a", nil, 0, newTestRegistry())
	require.NoError(t, n.Set("command", "/bin/sleep"))
	cg := newFakeCgroups()
	require.NoError(t, n.Start(testDeps(cg)))
	assert.Equal(t, Running, n.State())
	assert.Equal(t, 4242, n.Pid())
	assert.True(t, cg.ensured["a"])
}

func TestStartWordExpandsCommandIntoArgv(t *testing.T) {
	n := NewNode("a", nil, 0, newTestRegistry())
	require.NoError(t, n.Set("command", "/bin/echo hi there"))
	cg := newFakeCgroups()
	deps := testDeps(cg)
	var got *launcher.Config
	deps.Launch = LauncherFunc(func(cfg *launcher.Config) (*launcher.Result, error) {
		got = cfg
		return &launcher.Result{Pid: 4242}, nil
	})
	require.NoError(t, n.Start(deps))
	assert.Equal(t, []string{"/bin/echo", "hi", "there"}, got.Argv)
	assert.Equal(t, "/bin/echo", got.Argv0)
}

func TestStartRejectsCommandSubstitution(t *testing.T) {
	n := NewNode("a", nil, 0, newTestRegistry())
	require.NoError(t, n.Set("command", "/bin/echo `whoami`"))
	err := n.Start(testDeps(newFakeCgroups()))
	require.Error(t, err)
	var we *wire.Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, wire.InvalidValue, we.Kind)
}

func TestStartRollsBackCgroupsOnLaunchFailure(t *testing.T) {
	n := NewNode("a", nil, 0, newTestRegistry())
	require.NoError(t, n.Set("command", "/bin/sleep"))
	cg := newFakeCgroups()
	deps := testDeps(cg)
	deps.Launch = LauncherFunc(func(cfg *launcher.Config) (*launcher.Result, error) {
		return nil, assertErr
	})
	err := n.Start(deps)
	require.Error(t, err)
	assert.False(t, cg.ensured["a"])
}

var assertErr = wire.Errorf(wire.Unknown, "boom")

func TestStartRejectsWhenParentNotRunning(t *testing.T) {
	parent := NewNode("a", nil, 0, newTestRegistry())
	child := NewNode("a/b", parent, 0, newTestRegistry())
	parent.Children["b"] = child
	require.NoError(t, child.Set("command", "/bin/true"))
	err := child.Start(testDeps(newFakeCgroups()))
	require.Error(t, err)
	var we *wire.Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, wire.InvalidState, we.Kind)
}

func TestPauseThenResume(t *testing.T) {
	n := NewNode("a", nil, 0, newTestRegistry())
	require.NoError(t, n.Set("command", "/bin/sleep"))
	cg := newFakeCgroups()
	require.NoError(t, n.Start(testDeps(cg)))
	require.NoError(t, n.Pause(testDeps(cg)))
	assert.Equal(t, Paused, n.State())
	assert.True(t, cg.frozen["a"])
	require.NoError(t, n.Resume(testDeps(cg)))
	assert.Equal(t, Running, n.State())
	assert.False(t, cg.frozen["a"])
}

func TestPauseRejectsWhenAncestorPaused(t *testing.T) {
	parent := NewNode("a", nil, 0, newTestRegistry())
	child := NewNode("a/b", parent, 0, newTestRegistry())
	parent.Children["b"] = child
	require.NoError(t, parent.Set("command", "/bin/sleep"))
	require.NoError(t, child.Set("command", "/bin/sleep"))
	cg := newFakeCgroups()
	require.NoError(t, parent.Start(testDeps(cg)))
	require.NoError(t, child.Start(testDeps(cg)))
	require.NoError(t, parent.Pause(testDeps(cg)))
	err := child.Pause(testDeps(cg))
	require.Error(t, err)
}

func TestStopRemovesCgroupsAndMarksStopped(t *testing.T) {
	n := NewNode("a", nil, 0, newTestRegistry())
	require.NoError(t, n.Set("command", "/bin/sleep"))
	cg := newFakeCgroups()
	deps := testDeps(cg)
	require.NoError(t, n.Start(deps))
	n.pid = 0 // avoid signalling a real pid in the test process
	require.NoError(t, n.Stop(deps))
	assert.Equal(t, Stopped, n.State())
	assert.False(t, cg.ensured["a"])
}

func TestStopClearsExitStatusAndOOM(t *testing.T) {
	n := NewNode("a", nil, 0, newTestRegistry())
	n.stored = Running
	n.pid = 0
	n.exitStatus = 137
	n.oomKilled = true
	require.NoError(t, n.Stop(testDeps(newFakeCgroups())))
	assert.Equal(t, Stopped, n.State())
	assert.Equal(t, 0, n.exitStatus)
	assert.False(t, n.oomKilled)
}

func TestDeliverExitRecordsStatusAndOOM(t *testing.T) {
	n := NewNode("a", nil, 0, newTestRegistry())
	n.stored = Running
	n.pid = 99
	n.DeliverExit(syscall.WaitStatus(0), true)
	assert.Equal(t, Dead, n.State())
	assert.True(t, n.oomKilled)
	assert.Equal(t, 9, n.exitStatus)
	assert.Equal(t, 0, n.Pid())
}

func TestAgeTransitionsDeadToStoppedAfterAgingTime(t *testing.T) {
	n := NewNode("a", nil, 0, newTestRegistry())
	require.NoError(t, n.Set("command", "/bin/sleep"))
	require.NoError(t, n.Set("aging_time", "60"))
	n.stored = Running
	n.pid = 99
	n.DeliverExit(syscall.WaitStatus(0), false)
	require.Equal(t, Dead, n.State())

	assert.False(t, n.Age(n.DeadAt().Add(30*time.Second)))
	assert.Equal(t, Dead, n.State())

	assert.True(t, n.Age(n.DeadAt().Add(61*time.Second)))
	assert.Equal(t, Stopped, n.State())
	assert.Equal(t, 0, n.exitStatus)
	assert.False(t, n.oomKilled)
}

func TestAgeNeverFiresWithoutAgingTime(t *testing.T) {
	n := NewNode("a", nil, 0, newTestRegistry())
	n.stored = Dead
	assert.False(t, n.Age(time.Now().Add(24*time.Hour)))
	assert.Equal(t, Dead, n.State())
}

func TestRotateLogsResetsBuffers(t *testing.T) {
	n := NewNode("a", nil, 0, newTestRegistry())
	assert.NotPanics(t, func() { n.RotateLogs() })

	stdout := &pipe.Buffer{Buffer: bytes.NewBufferString("out")}
	stderr := &pipe.Buffer{Buffer: bytes.NewBufferString("err")}
	n.AttachPipes(stdout, stderr)
	n.RotateLogs()
	assert.Equal(t, 0, stdout.Buffer.Len())
	assert.Equal(t, 0, stderr.Buffer.Len())
}
