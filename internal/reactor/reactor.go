// Package reactor implements EventLoop (spec.md C6, §4.6): the single
// logical mutator of the worker's data model. Every client request and
// every SIGCHLD is funneled through one goroutine's select loop, so
// ContainerTree and ContainerNode never need locks.
//
// Accepting connections and reading client frames still use ordinary
// blocking goroutines — the idiomatic Go way to multiplex I/O — rather
// than a hand-rolled epoll/signalfd poll loop. What spec.md's "single
// poll-based reactor" buys in C (one thread, no locks) this gets by
// routing every job through a single unbuffered channel into one
// dispatch goroutine instead: the data model is still touched by
// exactly one goroutine at a time, which is the property that matters.
package reactor

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/idroz/portod/internal/container"
	"github.com/idroz/portod/internal/pathconv"
	"github.com/idroz/portod/internal/persist"
	"github.com/idroz/portod/internal/portolog"
	"github.com/idroz/portod/internal/properties"
	"github.com/idroz/portod/internal/stat"
	"github.com/idroz/portod/internal/tree"
	"github.com/idroz/portod/internal/wait"
	"github.com/idroz/portod/internal/wire"
	"github.com/idroz/portod/pkg/unixsocket"
)

// job is one client request in flight, carrying the response channel
// its connection goroutine is blocked reading from.
type job struct {
	req  wire.Request
	resp chan wire.Response
}

// Loop is the worker's single-threaded reactor.
type Loop struct {
	Tree       *tree.Tree
	Registry   *properties.Registry
	Waits      *wait.Registry
	Store      *persist.Store
	Stats      *stat.Accumulator
	Deps       container.Deps
	AgingSweep time.Duration

	listener *unixsocket.Listener
	log      *logrus.Entry

	jobs chan job
	quit chan struct{}

	closing atomic.Bool
}

// New builds a reactor bound to an already-listening socket.
func New(ln *unixsocket.Listener, tr *tree.Tree, reg *properties.Registry, waits *wait.Registry, store *persist.Store, stats *stat.Accumulator, deps container.Deps) *Loop {
	return &Loop{
		Tree:       tr,
		Registry:   reg,
		Waits:      waits,
		Store:      store,
		Stats:      stats,
		Deps:       deps,
		AgingSweep: time.Second,
		listener:   ln,
		log:        portolog.For("reactor"),
		jobs:       make(chan job),
		quit:       make(chan struct{}),
	}
}

// Run serves connections and signals until Stop is called or SIGINT,
// SIGTERM or SIGHUP arrives; accept errors are logged and do not end it.
// It returns the worker's exit status, which is 0 on either shutdown.
func (l *Loop) Run() int {
	go l.acceptLoop()

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGCHLD, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGPIPE)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(l.AgingSweep)
	defer ticker.Stop()

	for {
		select {
		case <-l.quit:
			return 0
		case sig := <-sigCh:
			if l.handleSignal(sig) {
				return 0
			}
		case j := <-l.jobs:
			if j.req.Verb == wire.Wait {
				l.startWait(j)
				continue
			}
			j.resp <- l.dispatch(j.req)
		case now := <-ticker.C:
			l.Waits.ExpireDue(now)
			l.ageDeadNodes(now)
		}
	}
}

// Stop asks Run to return after its current iteration.
func (l *Loop) Stop() {
	if l.closing.CompareAndSwap(false, true) {
		close(l.quit)
	}
}

func (l *Loop) handleSignal(sig os.Signal) (shutdown bool) {
	switch sig {
	case syscall.SIGCHLD:
		l.reapChildren()
	case syscall.SIGPIPE:
		// ignored, per spec.md §4.6
	case syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP:
		l.log.WithField("signal", sig).Info("shutting down")
		return true
	}
	return false
}

// reapChildren drains every exited child with WNOHANG, the only
// blocking-looking syscall spec.md §4.6 allows in the SIGCHLD path
// because it never actually blocks.
func (l *Loop) reapChildren() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		path := l.findByPid(pid)
		if path == "" {
			continue
		}
		n := l.Tree.Get(path)
		if n == nil {
			continue
		}
		oomKilled := ws.Signaled() && ws.Signal() == syscall.SIGKILL && l.oomKilled(path)
		n.DeliverExit(ws, oomKilled)
		l.Stats.ContainerExited()
		l.Waits.Notify(path, n.State())
		l.persistRuntime(n)
	}
}

// ageDeadNodes runs on every AgingSweep tick and applies the dead →
// stopped transition (spec.md's state machine) to any node whose
// aging_time has elapsed. Respawn (the respawn/max_respawns properties)
// is not triggered from here or from reapChildren: doing it right needs
// a place to own the respawn_count write and the relaunch itself, which
// belongs in ContainerTree alongside Start, not in the reactor's signal
// path. Left for a follow-up; aging_time's own deadline is honored either
// way.
func (l *Loop) ageDeadNodes(now time.Time) {
	for path, n := range l.snapshotNodes() {
		if n.Age(now) {
			l.Waits.Notify(path, n.State())
			l.persistRuntime(n)
		}
	}
}

func (l *Loop) findByPid(pid int) string {
	for path, n := range l.snapshotNodes() {
		if n.Pid() == pid {
			return path
		}
	}
	return ""
}

func (l *Loop) snapshotNodes() map[string]*container.Node {
	// Tree does not expose its internal map directly; findByPid and
	// ageDeadNodes share this enumeration built from Tree.Paths.
	out := make(map[string]*container.Node)
	for _, p := range l.Tree.Paths() {
		out[p] = l.Tree.Get(p)
	}
	return out
}

func (l *Loop) oomKilled(path string) bool {
	v, err := l.Deps.Cgroups.ReadKnob("memory", path, "memory.oom_control")
	return err == nil && v != ""
}

func (l *Loop) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.closing.Load() {
				return
			}
			l.log.WithError(err).Warn("accept")
			continue
		}
		go l.serveConn(conn)
	}
}

func (l *Loop) serveConn(conn *unixsocket.Socket) {
	defer conn.Close()
	if err := conn.SetPassCred(1); err != nil {
		l.log.WithError(err).Warn("enable SO_PASSCRED")
	}
	for {
		var req wire.Request
		oob, err := wire.Recv(conn, &req)
		if err != nil {
			return
		}
		// The kernel attaches the peer's real credential to every
		// message once SO_PASSCRED is set on this socket (spec.md §3
		// invariant 6); a client cannot forge req.UID by sending its own.
		if oob.Cred != nil {
			req.UID = int(oob.Cred.Uid)
		}
		respCh := make(chan wire.Response, 1)
		select {
		case l.jobs <- job{req: req, resp: respCh}:
		case <-l.quit:
			return
		}
		resp := <-respCh
		if err := wire.Send(conn, &resp, unixsocket.Msg{}); err != nil {
			return
		}
	}
}

// ConvertPath is exposed for the dispatch table and for tests that
// want to exercise it without a connection.
func (l *Loop) ConvertPath(src, fromRoot, toRoot string) (string, error) {
	return pathconv.Convert(src, fromRoot, toRoot)
}
