// Package supervisor implements Supervisor (spec.md C9, §4.9): the
// process that owns the listening socket, forks the worker, and
// respawns it on crash. It never touches a container directly — that
// is the worker's (internal/reactor's) job — so a worker OOM or panic
// never reaches down into a running payload.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/idroz/portod/internal/portolog"
	"github.com/idroz/portod/internal/stat"
	"github.com/idroz/portod/pkg/unixsocket"
)

// Config controls how Supervisor launches and restarts the worker.
type Config struct {
	// SocketPath is the fixed filesystem path the listening socket is
	// bound at, per spec.md §6.
	SocketPath string
	// WorkerArgs is the argv (argv[0] plus flags) used to re-exec the
	// worker; WorkerEnv marker env vars identify the inherited-socket
	// mode to the child, per spec.md §4.9.
	WorkerArgs []string
	WorkerEnv  []string

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Supervisor owns the listening socket and the worker's lifecycle.
type Supervisor struct {
	cfg   Config
	stats *stat.Accumulator
	log   *logrus.Entry
}

// New builds a Supervisor bound to cfg, recording respawn/error counts
// into stats (shared with the worker only by convention — each process
// has its own in-memory Accumulator, per stat's own doc comment).
func New(cfg Config, stats *stat.Accumulator) *Supervisor {
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	return &Supervisor{cfg: cfg, stats: stats, log: portolog.For("supervisor")}
}

// workerSocketEnv is set on a re-forked worker so it knows to inherit
// fd 3 (the listening socket) instead of binding its own, per spec.md
// §4.9's "the worker inherits the socket".
const workerSocketEnv = "PORTOD_LISTEN_FD=3"

// Run binds the listening socket, then forks and supervises the worker
// until ctx is cancelled, at which point the worker is asked to shut
// down cleanly via SIGTERM. It returns when the worker has exited
// after a cancellation, or never, if the worker keeps crashing and
// ctx is never cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ln, err := unixsocket.Listen(s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("supervisor: listen %s: %w", s.cfg.SocketPath, err)
	}
	defer ln.Close()

	lnFile, err := s.listenerFile(ln)
	if err != nil {
		return fmt.Errorf("supervisor: dup listener: %w", err)
	}
	defer lnFile.Close()

	backoff := s.cfg.MinBackoff
	for {
		s.stats.MasterStarted()
		exitCode, shutdown, err := s.runOnce(ctx, lnFile)
		if shutdown {
			return nil
		}
		if err != nil {
			s.log.WithError(err).Warn("worker failed to start")
			s.stats.IncErrors()
		} else {
			s.log.WithField("exit_code", exitCode).Warn("worker exited, respawning")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		s.stats.MasterRespawned(time.Now().UnixMilli())
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// runOnce forks one worker generation and waits for it to exit or for
// ctx to be cancelled, in which case it signals a clean shutdown and
// waits for the worker to honor it.
func (s *Supervisor) runOnce(ctx context.Context, lnFile *os.File) (exitCode int, shutdown bool, err error) {
	cmd := exec.Command(s.cfg.WorkerArgs[0], s.cfg.WorkerArgs[1:]...)
	cmd.Env = append(append([]string{}, os.Environ()...), s.cfg.WorkerEnv...)
	cmd.Env = append(cmd.Env, workerSocketEnv)
	cmd.ExtraFiles = []*os.File{lnFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 0, false, fmt.Errorf("start worker: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		cmd.Process.Signal(syscall.SIGTERM)
		<-done
		return 0, true, nil
	case werr := <-done:
		return exitStatusOf(werr), false, nil
	}
}

// listenerFile dups the listener's fd into a fresh *os.File so it
// survives past the goroutine-local syscall.RawConn used to read it,
// suitable for handing to exec.Cmd.ExtraFiles.
func (s *Supervisor) listenerFile(ln *unixsocket.Listener) (*os.File, error) {
	fd, err := ln.Fd()
	if err != nil {
		return nil, err
	}
	dup, err := syscall.Dup(int(fd))
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(dup), "listen-fd"), nil
}

func exitStatusOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return 128 + int(ws.Signal())
			}
			return ws.ExitStatus()
		}
	}
	return -1
}

// NotifyContext returns a context cancelled on SIGINT/SIGTERM, the
// signals that mean "shut down cleanly" for the supervisor itself.
func NotifyContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
