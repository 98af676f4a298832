// Command portoctl is a minimal client over portod's control socket,
// provided to exercise the wire codec end to end rather than as a
// designed CLI surface (SPEC_FULL.md's restated Non-goals).
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/idroz/portod/internal/wire"
	"github.com/idroz/portod/pkg/unixsocket"
)

func main() {
	app := &cli.App{
		Name:  "portoctl",
		Usage: "talk to a running portod over its control socket",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "socket", Value: "/run/portod.sock", Usage: "control socket path"},
		},
		Commands: []*cli.Command{
			pathCommand("create", wire.Create),
			pathCommand("destroy", wire.Destroy),
			pathCommand("start", wire.Start),
			pathCommand("stop", wire.Stop),
			pathCommand("pause", wire.Pause),
			pathCommand("resume", wire.Resume),
			{
				Name:  "list",
				Usage: "list all containers",
				Action: func(c *cli.Context) error {
					return send(c.String("socket"), wire.Request{Verb: wire.List})
				},
			},
			{
				Name:      "get",
				Usage:     "get <container> <property>",
				ArgsUsage: "<container> <property>",
				Action: func(c *cli.Context) error {
					req := wire.Request{Verb: wire.GetProperty, Path: c.Args().Get(0), Key: c.Args().Get(1)}
					return send(c.String("socket"), req)
				},
			},
			{
				Name:      "set",
				Usage:     "set <container> <property> <value>",
				ArgsUsage: "<container> <property> <value>",
				Action: func(c *cli.Context) error {
					req := wire.Request{Verb: wire.SetProperty, Path: c.Args().Get(0), Key: c.Args().Get(1), Value: c.Args().Get(2)}
					return send(c.String("socket"), req)
				},
			},
			{
				Name:      "kill",
				Usage:     "kill <container> <signal>",
				ArgsUsage: "<container> <signal>",
				Action: func(c *cli.Context) error {
					sig, err := strconv.Atoi(c.Args().Get(1))
					if err != nil {
						return fmt.Errorf("portoctl: invalid signal %q: %w", c.Args().Get(1), err)
					}
					req := wire.Request{Verb: wire.KillVerb, Path: c.Args().Get(0), Signal: sig}
					return send(c.String("socket"), req)
				},
			},
			{
				Name:      "wait",
				Usage:     "wait <container>...",
				ArgsUsage: "<container>...",
				Action: func(c *cli.Context) error {
					req := wire.Request{Verb: wire.Wait, Paths: c.Args().Slice()}
					return send(c.String("socket"), req)
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// pathCommand builds the common <verb> <container> shape shared by
// create/destroy/start/stop/pause/resume.
func pathCommand(name string, verb wire.Verb) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     name + " <container>",
		ArgsUsage: "<container>",
		Action: func(c *cli.Context) error {
			return send(c.String("socket"), wire.Request{Verb: verb, Path: c.Args().Get(0)})
		},
	}
}

func send(socketPath string, req wire.Request) error {
	sock, err := unixsocket.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("portoctl: %w", err)
	}
	defer sock.Close()

	if err := wire.Send(sock, &req, unixsocket.Msg{}); err != nil {
		return fmt.Errorf("portoctl: send: %w", err)
	}
	var resp wire.Response
	if _, err := wire.Recv(sock, &resp); err != nil {
		return fmt.Errorf("portoctl: recv: %w", err)
	}
	if resp.Kind != wire.Success {
		return fmt.Errorf("portoctl: %s: %s", resp.Kind, resp.Msg)
	}
	printResponse(resp)
	return nil
}

func printResponse(resp wire.Response) {
	switch {
	case len(resp.Paths) > 0:
		for _, p := range resp.Paths {
			fmt.Println(p)
		}
	case resp.Value != "":
		fmt.Println(resp.Value)
	case resp.ResolvedPath != "":
		fmt.Println(resp.ResolvedPath)
	case len(resp.Properties) > 0:
		for k, v := range resp.Properties {
			fmt.Printf("%s = %s\n", k, v)
		}
	case resp.Version != "":
		fmt.Println(resp.Version)
	}
}
