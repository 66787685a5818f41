// Package clicmd is gtvcore's concrete realization of the protocol
// spec's abstract "CLI surface" — connect, disconnect, play, kill,
// pause, control, channels, servers, record, stop — left as an
// external collaborator by the core spec. It is an urfave/cli/v2
// command table dispatched one line at a time against a shared
// Registry, the same shape urfave/cli apps take when embedded as an
// operator console rather than run once from os.Args.
package clicmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/5l1v3r1/gtvcore/internal/channel"
	"github.com/5l1v3r1/gtvcore/internal/config"
	"github.com/5l1v3r1/gtvcore/internal/demo"
	"github.com/5l1v3r1/gtvcore/internal/parser"
	"github.com/5l1v3r1/gtvcore/internal/registry"
	"github.com/5l1v3r1/gtvcore/internal/transport"
	"github.com/5l1v3r1/gtvcore/internal/upstream"
)

// New builds the operator console App wired against reg and cfg.
func New(reg *registry.Registry, cfg *config.Config, out io.Writer) *cli.App {
	return &cli.App{
		Name:      "gtvcore",
		Usage:     "operator console",
		Writer:    out,
		ErrWriter: out,
		CommandNotFound: func(c *cli.Context, cmd string) {
			fmt.Fprintf(out, "unknown command %q\n", cmd)
		},
		Commands: []*cli.Command{
			connectCmd(reg, cfg),
			disconnectCmd(reg),
			playCmd(reg, cfg),
			killCmd(reg),
			pauseCmd(reg),
			controlCmd(reg),
			channelsCmd(reg, out),
			serversCmd(reg, out),
			recordCmd(reg),
			stopCmd(reg),
			sayCmd(reg),
		},
	}
}

// RunConsole reads one command per line from r until EOF, dispatching
// each through app.
func RunConsole(app *cli.App, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		args := append([]string{"gtvcore"}, strings.Fields(line)...)
		if err := app.Run(args); err != nil {
			fmt.Fprintf(app.Writer, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func connectCmd(reg *registry.Registry, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "connect [--name N] [--user U] [--pass P] [--transport tcp|quic|auto] <address[:port]>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name"},
			&cli.StringFlag{Name: "user"},
			&cli.StringFlag{Name: "pass"},
			&cli.StringFlag{Name: "transport", Value: "tcp"},
		},
		Action: func(c *cli.Context) error {
			addr := c.Args().First()
			if addr == "" {
				return errors.New("connect: missing address")
			}
			if !reg.AllowReconnect(addr) {
				return errors.Errorf("connect: %s is reconnecting too fast", addr)
			}
			name := firstNonEmpty(c.String("name"), addr)
			opts := upstream.Options{
				TimeoutSec:  cfg.Timeout,
				WaitDelay:   cfg.WaitDelay,
				WaitPercent: cfg.WaitPercent,
				BufferSize:  cfg.BufferSize,
				Username:    firstNonEmpty(c.String("user"), cfg.Username),
				Password:    firstNonEmpty(c.String("pass"), cfg.Password),
				Deflate:     true,
			}
			tr := transport.New(c.String("transport"))
			id := reg.NextUpstreamID()
			u := upstream.New(id, name, addr, tr, opts, parser.NewNull())
			reg.AddUpstream(u)
			return nil
		},
	}
}

func disconnectCmd(reg *registry.Registry) *cli.Command {
	return &cli.Command{
		Name:  "disconnect",
		Usage: "disconnect <chan_id|name>",
		Action: func(c *cli.Context) error {
			token := c.Args().First()
			u, ok := reg.UpstreamByToken(token)
			if !ok {
				return errors.Errorf("disconnect: no such upstream %q", token)
			}
			reg.RemoveUpstream(u.ID)
			return nil
		},
	}
}

func playCmd(reg *registry.Registry, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "play",
		Usage: "play [--name N] [--loop K] <file...>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name"},
			&cli.IntFlag{Name: "loop", Value: 1},
		},
		Action: func(c *cli.Context) error {
			files := c.Args().Slice()
			if len(files) == 0 {
				return errors.New("play: at least one file is required")
			}
			name := firstNonEmpty(c.String("name"), files[0])
			id := reg.NextChannelID()
			ch := channel.New(id, name, cfg.BufferSize, cfg.WaitDelay, cfg.WaitPercent, parser.NewNull())
			src := demo.New(ch, files, c.Int("loop"), parser.NewNull())
			if err := src.Start(); err != nil {
				return err
			}
			reg.AddDemo(id, ch, src)
			return nil
		},
	}
}

func killCmd(reg *registry.Registry) *cli.Command {
	return &cli.Command{
		Name:  "kill",
		Usage: "kill <chan_id|name>",
		Action: func(c *cli.Context) error {
			ch, ok := reg.Lookup(c.Args().First())
			if !ok {
				return errors.Errorf("kill: no such channel %q", c.Args().First())
			}
			ch.Kill()
			reg.Remove(ch.ID)
			return nil
		},
	}
}

func pauseCmd(reg *registry.Registry) *cli.Command {
	return &cli.Command{
		Name:  "pause",
		Usage: "pause <chan_id|name> (demo channels only)",
		Action: func(c *cli.Context) error {
			ch, ok := reg.Lookup(c.Args().First())
			if !ok {
				return errors.Errorf("pause: no such channel %q", c.Args().First())
			}
			ch.Pause()
			return nil
		},
	}
}

// controlCmd renames a channel and accepts --loop for compatibility
// with the abstract CLI surface; per the Open Question in the protocol
// spec's design notes, a playlist's loop count is fixed at "play" time
// and control --loop is a documented no-op.
func controlCmd(reg *registry.Registry) *cli.Command {
	return &cli.Command{
		Name:  "control",
		Usage: "control [--name N] [--loop K] <chan_id|name>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name"},
			&cli.IntFlag{Name: "loop"},
		},
		Action: func(c *cli.Context) error {
			ch, ok := reg.Lookup(c.Args().First())
			if !ok {
				return errors.Errorf("control: no such channel %q", c.Args().First())
			}
			if newName := c.String("name"); newName != "" {
				ch.Name = newName
			}
			return nil
		},
	}
}

func channelsCmd(reg *registry.Registry, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "channels",
		Usage: "list Channels",
		Action: func(c *cli.Context) error {
			for _, ch := range reg.Channels() {
				fmt.Fprintf(out, "%d\t%s\t%s\tpackets=%d\n", ch.ID, ch.Name, ch.State, ch.NumPackets())
			}
			return nil
		},
	}
}

func serversCmd(reg *registry.Registry, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "servers",
		Usage: "list Upstreams",
		Action: func(c *cli.Context) error {
			for _, u := range reg.Upstreams() {
				fmt.Fprintf(out, "%d\t%s\n", u.ID, u.String())
			}
			return nil
		},
	}
}

func recordCmd(reg *registry.Registry) *cli.Command {
	return &cli.Command{
		Name:  "record",
		Usage: "record [--gzip] <path> <chan_id|name>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "gzip"},
		},
		Action: func(c *cli.Context) error {
			args := c.Args().Slice()
			if len(args) < 2 {
				return errors.New("record: usage record <path> <chan_id|name>")
			}
			ch, ok := reg.Lookup(args[1])
			if !ok {
				return errors.Errorf("record: no such channel %q", args[1])
			}
			// This core does not retain the raw bytes of the gamestate
			// a channel last parsed, so a record started mid-stream
			// opens with a single-byte placeholder gamestate record
			// rather than a zero-length one, which the wire format
			// reserves for orderly end-of-stream.
			rec, err := channel.StartRecording(args[0], c.Bool("gzip"), []byte{0})
			if err != nil {
				return err
			}
			ch.AttachRecorder(rec)
			return nil
		},
	}
}

// sayCmd forwards an operator-supplied STRINGCMD to the server behind
// a channel's linked Upstream, on behalf of clientID (§4.3). Rate
// limited per clientID by the Registry's shared StringCmd throttle, so
// a script replaying this command in a loop cannot flood the server.
func sayCmd(reg *registry.Registry) *cli.Command {
	return &cli.Command{
		Name:  "say",
		Usage: "say <chan_id|name> <client_id> <text...>",
		Action: func(c *cli.Context) error {
			args := c.Args().Slice()
			if len(args) < 3 {
				return errors.New("say: usage say <chan_id|name> <client_id> <text...>")
			}
			text := strings.Join(args[2:], " ")
			return reg.ForwardStringCmd(args[0], args[1], text)
		},
	}
}

func stopCmd(reg *registry.Registry) *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "stop <chan_id|name>",
		Action: func(c *cli.Context) error {
			ch, ok := reg.Lookup(c.Args().First())
			if !ok {
				return errors.Errorf("stop: no such channel %q", c.Args().First())
			}
			if rec := ch.Recorder(); rec != nil {
				_ = rec.Close()
				ch.AttachRecorder(nil)
			}
			return nil
		},
	}
}
