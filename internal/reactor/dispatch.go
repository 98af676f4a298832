package reactor

import (
	"strings"
	"syscall"
	"time"

	"github.com/idroz/portod/internal/container"
	"github.com/idroz/portod/internal/persist"
	"github.com/idroz/portod/internal/wire"
)

// guaranteeProperties routes through ContainerTree.SetGuarantee instead of
// Node.Set directly, so a write that would blow the host's guarantee
// budget is rejected and rolled back rather than silently accepted.
var guaranteeProperties = map[string]bool{"memory_guarantee": true}

// dispatch runs one request to completion and builds its response. It is
// the only place in the package that touches Tree/Registry/Store/Waits,
// and Run's select loop guarantees it only ever runs on one goroutine at
// a time.
func (l *Loop) dispatch(req wire.Request) wire.Response {
	var resp wire.Response
	switch req.Verb {
	case wire.Create:
		resp.FromError(l.doCreate(req))
	case wire.Destroy:
		resp.FromError(l.doDestroy(req))
	case wire.List:
		resp.Paths = l.Tree.Paths()
	case wire.Start:
		resp.FromError(l.doStart(req))
	case wire.Stop:
		resp.FromError(l.doStop(req))
	case wire.Pause:
		resp.FromError(l.doPause(req))
	case wire.Resume:
		resp.FromError(l.doResume(req))
	case wire.KillVerb:
		resp.FromError(l.doKill(req))
	case wire.GetProperty:
		l.doGetProperty(req, &resp)
	case wire.SetProperty:
		resp.FromError(l.doSetProperty(req))
	case wire.Wait:
		// Handled specially by Run before dispatch is ever called: a
		// Wait resolves whenever some later job's Notify call fires,
		// and that call happens on this same goroutine, so dispatch
		// cannot block waiting for it here.
		resp.FromError(wire.Errorf(wire.Unknown, "wait dispatched incorrectly"))
	case wire.ConvertPathVerb:
		l.doConvertPath(req, &resp)
	case wire.ListProperties, wire.Plist, wire.Dlist:
		l.doListProperties(&resp)
	case wire.GetVersion:
		resp.Version = "1.0"
		resp.Properties = l.Stats.Snapshot().AsProperties()
	default:
		resp.FromError(wire.Errorf(wire.InvalidValue, "unknown verb %q", req.Verb))
	}
	return resp
}

// requireOwner enforces spec.md §3 invariant 6: only a node's owner or
// root may drive its lifecycle or mutate its configuration. Get is
// exempt (doGetProperty never calls this) since any authenticated user
// may read a world-readable property.
func requireOwner(n *container.Node, req wire.Request) error {
	if req.UID == 0 || req.UID == n.OwnerUID {
		return nil
	}
	return wire.Errorf(wire.Permission, "%q is not owned by uid %d", n.Path, req.UID)
}

func (l *Loop) doCreate(req wire.Request) error {
	if i := strings.LastIndexByte(req.Path, '/'); i > 0 {
		if parent := l.Tree.Get(req.Path[:i]); parent != nil {
			if err := requireOwner(parent, req); err != nil {
				return err
			}
		}
	}
	n, err := l.Tree.Create(req.Path, req.UID)
	if err != nil {
		return err
	}
	return l.persistConfig(n)
}

func (l *Loop) doDestroy(req wire.Request) error {
	n := l.Tree.Get(req.Path)
	if n != nil {
		if err := requireOwner(n, req); err != nil {
			return err
		}
	}
	if err := l.Tree.Destroy(req.Path); err != nil {
		return err
	}
	if l.Store != nil {
		l.Store.Delete(req.Path)
	}
	if n != nil {
		l.Stats.ContainerDestroyed()
	}
	return nil
}

func (l *Loop) doStart(req wire.Request) error {
	n := l.Tree.Get(req.Path)
	if n == nil {
		return wire.Errorf(wire.ContainerDoesNotExist, "%q does not exist", req.Path)
	}
	if err := requireOwner(n, req); err != nil {
		return err
	}
	if err := l.Tree.Start(req.Path); err != nil {
		l.Stats.IncErrors()
		return err
	}
	l.Stats.ContainerSpawned()
	l.Waits.Notify(req.Path, n.State())
	l.persistRuntime(n)
	return nil
}

func (l *Loop) doStop(req wire.Request) error {
	n := l.Tree.Get(req.Path)
	if n == nil {
		return wire.Errorf(wire.ContainerDoesNotExist, "%q does not exist", req.Path)
	}
	if err := requireOwner(n, req); err != nil {
		return err
	}
	if err := l.Tree.Stop(req.Path); err != nil {
		return err
	}
	l.Waits.Notify(req.Path, n.State())
	l.persistRuntime(n)
	return nil
}

func (l *Loop) doPause(req wire.Request) error {
	n := l.Tree.Get(req.Path)
	if n == nil {
		return wire.Errorf(wire.ContainerDoesNotExist, "%q does not exist", req.Path)
	}
	if err := requireOwner(n, req); err != nil {
		return err
	}
	if err := n.Pause(l.Deps); err != nil {
		return err
	}
	l.Waits.Notify(req.Path, n.State())
	return nil
}

func (l *Loop) doResume(req wire.Request) error {
	n := l.Tree.Get(req.Path)
	if n == nil {
		return wire.Errorf(wire.ContainerDoesNotExist, "%q does not exist", req.Path)
	}
	if err := requireOwner(n, req); err != nil {
		return err
	}
	if err := n.Resume(l.Deps); err != nil {
		return err
	}
	l.Waits.Notify(req.Path, n.State())
	return nil
}

func (l *Loop) doKill(req wire.Request) error {
	n := l.Tree.Get(req.Path)
	if n == nil {
		return wire.Errorf(wire.ContainerDoesNotExist, "%q does not exist", req.Path)
	}
	return n.Kill(syscall.Signal(req.Signal))
}

func (l *Loop) doGetProperty(req wire.Request, resp *wire.Response) {
	n := l.Tree.Get(req.Path)
	if n == nil {
		resp.FromError(wire.Errorf(wire.ContainerDoesNotExist, "%q does not exist", req.Path))
		return
	}
	v, err := n.Get(req.Key)
	if err != nil {
		resp.FromError(err)
		return
	}
	resp.Value = v
}

func (l *Loop) doSetProperty(req wire.Request) error {
	n := l.Tree.Get(req.Path)
	if n == nil {
		return wire.Errorf(wire.ContainerDoesNotExist, "%q does not exist", req.Path)
	}
	if err := requireOwner(n, req); err != nil {
		return err
	}
	var err error
	if guaranteeProperties[req.Key] {
		err = l.Tree.SetGuarantee(req.Path, req.Key, req.Value)
	} else {
		err = n.Set(req.Key, req.Value)
	}
	if err != nil {
		return err
	}
	return l.persistConfig(n)
}

// startWait registers req's wait on the reactor goroutine (the only safe
// place to touch Waits) and hands the resolution off to a throwaway
// goroutine that does nothing but block on done and forward the result
// to j.resp. Notify/ExpireDue write to done from this same goroutine on
// a later iteration of Run's select loop, so nothing here can deadlock
// against them.
func (l *Loop) startWait(j job) {
	var deadline time.Time
	if j.req.DeadlineMS > 0 {
		deadline = time.Now().Add(time.Duration(j.req.DeadlineMS) * time.Millisecond)
	}
	_, done := l.Waits.Register(j.req.Paths, nil, deadline)
	go func() {
		res := <-done
		var resp wire.Response
		if res.TimedOut {
			resp.FromError(wire.Errorf(wire.ResourceNotAvailable, "wait timed out"))
		} else {
			resp.Paths = []string{res.Path}
			resp.Value = string(res.State)
		}
		j.resp <- resp
	}()
}

func (l *Loop) doConvertPath(req wire.Request, resp *wire.Response) {
	p, err := l.ConvertPath(req.Path, req.FromRoot, req.ToRoot)
	if err != nil {
		resp.FromError(err)
		return
	}
	resp.ResolvedPath = p
}

func (l *Loop) doListProperties(resp *wire.Response) {
	props := make(map[string]string, len(l.Registry.List()))
	for _, p := range l.Registry.List() {
		props[p.Name] = p.Description
	}
	resp.Properties = props
}

// persistConfig saves a container's configuration immediately after
// Create or a successful SetProperty, so a crash right after either call
// still replays with the property the client just set.
func (l *Loop) persistConfig(n *container.Node) error {
	return l.save(n)
}

func (l *Loop) persistRuntime(n *container.Node) {
	if err := l.save(n); err != nil {
		l.log.WithError(err).WithField("path", n.Path).Warn("persist runtime state")
		l.Stats.IncWarnings()
	}
}

func (l *Loop) save(n *container.Node) error {
	if l.Store == nil {
		return nil
	}
	props := n.DumpProps(l.Registry)
	return l.Store.Save(persist.ToRecord(n, props))
}
