// Command tgen runs one action-graph program to completion: it loads a
// graphml action graph, wires up a reactor and (if the Start vertex names a
// listen port) a server, then drives the graph via internal/driver until
// both the client and server sides have ended (spec §4, §6).
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/shadow/tgen/internal/driver"
	"github.com/shadow/tgen/internal/graphdef"
	"github.com/shadow/tgen/internal/reactor"
	"github.com/shadow/tgen/internal/tgenconfig"
	"github.com/shadow/tgen/internal/tlog"
)

var logLevel string

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tgen <graph-file>",
		Short: "tgen drives a programmable network traffic generator action graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0])
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (panic, fatal, error, warn, info, debug, trace)")
	return cmd
}

// run implements the whole program lifetime: ignore SIGPIPE once (spec §7,
// stream sockets are written to after a peer may have vanished), load the
// graph, build the driver, and run it to completion.
func run(graphPath string) error {
	signal.Ignore(unix.SIGPIPE)

	if level, err := tlog.ParseLevel(logLevel); err == nil {
		tlog.SetLevel(level)
	}

	raw, err := os.ReadFile(graphPath)
	if err != nil {
		return fmt.Errorf("tgen: reading graph file: %w", err)
	}

	graph, err := graphdef.Decode(raw)
	if err != nil {
		return fmt.Errorf("tgen: decoding graph file: %w", err)
	}

	envCfg := tgenconfig.Load()

	hostname := envCfg.Hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}

	var bindIP net.IP
	if envCfg.IP != "" {
		bindIP = net.ParseIP(envCfg.IP)
	}

	r, err := reactor.New(tlog.For("reactor"))
	if err != nil {
		return fmt.Errorf("tgen: creating reactor: %w", err)
	}
	defer r.Close()

	d := driver.New(graph, r, driver.Config{
		Hostname:     hostname,
		DefaultSocks: envCfg.Socks,
		BindIP:       bindIP,
	})

	if err := d.Run(); err != nil {
		return fmt.Errorf("tgen: %w", err)
	}
	return nil
}
