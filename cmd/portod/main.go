// Command portod is the daemon entrypoint: the supervisor process by
// default, or the worker process when PORTOD_LISTEN_FD is set in its
// environment (internal/supervisor sets it on the re-forked child, per
// spec.md §4.9).
package main

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/idroz/portod/internal/container"
	"github.com/idroz/portod/internal/persist"
	"github.com/idroz/portod/internal/portolog"
	"github.com/idroz/portod/internal/properties"
	"github.com/idroz/portod/internal/reactor"
	"github.com/idroz/portod/internal/stat"
	"github.com/idroz/portod/internal/supervisor"
	"github.com/idroz/portod/internal/tree"
	"github.com/idroz/portod/internal/volume"
	"github.com/idroz/portod/internal/wait"
	"github.com/idroz/portod/pkg/cgroup"
	"github.com/idroz/portod/pkg/launcher"
	"github.com/idroz/portod/pkg/unixsocket"
)

// workerSocketFDEnv is the env var internal/supervisor sets on a
// re-forked worker to tell it which inherited fd the listening socket
// is bound to, rather than having the worker bind its own.
const workerSocketFDEnv = "PORTOD_LISTEN_FD"

func main() {
	app := &cli.App{
		Name:  "portod",
		Usage: "container supervisor daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "socket", Value: "/run/portod.sock", Usage: "control socket path"},
			&cli.StringFlag{Name: "cgroup-root", Value: "/sys/fs/cgroup", Usage: "cgroup v1 mount root"},
			&cli.StringFlag{Name: "state-dir", Value: "/var/lib/portod", Usage: "persisted container record directory"},
			&cli.IntFlag{Name: "host-memory-bytes", Value: 0, Usage: "host memory budget for the guarantee-sum invariant, 0 disables the check"},
			&cli.IntFlag{Name: "memory-reserve-bytes", Value: 0, Usage: "memory withheld from the guarantee budget"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		portolog.SetLevel(logrus.DebugLevel)
	}

	if fdStr := os.Getenv(workerSocketFDEnv); fdStr != "" {
		fd, err := strconv.Atoi(fdStr)
		if err != nil {
			return fmt.Errorf("portod: invalid %s=%q: %w", workerSocketFDEnv, fdStr, err)
		}
		return runWorker(c, fd)
	}
	return runSupervisor(c)
}

// runSupervisor binds no sockets itself beyond what internal/supervisor
// needs to hand to the worker; it never touches a container.
func runSupervisor(c *cli.Context) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("portod: resolve self: %w", err)
	}

	stats := stat.New()
	sup := supervisor.New(supervisor.Config{
		SocketPath: c.String("socket"),
		WorkerArgs: append([]string{self}, os.Args[1:]...),
	}, stats)

	ctx, cancel := supervisor.NotifyContext()
	defer cancel()
	return sup.Run(ctx)
}

// runWorker builds the full container engine and serves it over the
// inherited socket until a shutdown signal arrives.
func runWorker(c *cli.Context, listenFD int) error {
	log := portolog.For("worker")

	ln, err := unixsocket.ListenFD(listenFD)
	if err != nil {
		return fmt.Errorf("portod: inherit listener fd %d: %w", listenFD, err)
	}
	defer ln.Close()

	registry := properties.NewRegistry()
	cgMgr := cgroup.NewManager(c.String("cgroup-root"))

	deps := container.Deps{
		Cgroups:     cgMgr,
		Launch:      container.LauncherFunc(launcher.Launch),
		Volumes:     volume.NoopBinder{},
		HostCores:   runtime.NumCPU(),
		CPUPeriodUs: 100000,
		CgroupPathFor: func(subsystem, path string) string {
			return cgroup.PathFor(c.String("cgroup-root"), subsystem, path)
		},
	}

	tr := tree.New(registry, deps, tree.Config{
		HostMemoryBytes: uint64(c.Int("host-memory-bytes")),
		MemoryReserve:   uint64(c.Int("memory-reserve-bytes")),
	})

	store, err := persist.Open(c.String("state-dir"))
	if err != nil {
		return fmt.Errorf("portod: open state dir: %w", err)
	}
	defer store.Close()

	records, err := store.LoadAll()
	if err != nil {
		return fmt.Errorf("portod: load persisted records: %w", err)
	}
	if err := persist.Replay(records, tr, cgMgr); err != nil {
		return fmt.Errorf("portod: replay persisted state: %w", err)
	}
	log.WithField("containers", len(records)).Info("replayed persisted state")

	waits := wait.New()
	stats := stat.New()
	// Run itself already selects on SIGINT/SIGTERM/SIGHUP (spec.md
	// §4.6) and returns once it has handled one; nothing further needs
	// to call Stop from outside.
	loop := reactor.New(ln, tr, registry, waits, store, stats, deps)

	exitCode := loop.Run()
	if exitCode != 0 {
		return cli.Exit("worker exited with a fatal error", exitCode)
	}
	return nil
}
