package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/johnnyapol/shane"
)

// console reads operator commands, one per line.
type console struct {
	networks []*shane.Network
	started  time.Time
	stop     context.CancelFunc
	out      io.Writer
}

func (c *console) run(ctx context.Context, r io.Reader) {
	for line, err := range shane.NewLineIterator(r) {
		if err != nil || ctx.Err() != nil {
			return
		}
		if done := c.exec(line); done {
			return
		}
	}
}

// exec runs one command and reports whether the console is finished.
func (c *console) exec(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
	case "stop", "quit", "exit":
		fmt.Fprintln(c.out, "Shutting down...")
		c.stop()
		return true
	case "stats":
		c.stats()
	default:
		fmt.Fprintln(c.out, "commands: stats, stop")
	}
	return false
}

func (c *console) stats() {
	fmt.Fprintf(c.out, "uptime: %s\n", time.Since(c.started).Round(time.Second))
	for _, n := range c.networks {
		st := n.Stats()
		state := "disconnected"
		if st.Connected {
			state = "connected"
		}
		listen := "not listening"
		if st.Addr != "" {
			listen = "listening on " + st.Addr
		}
		fmt.Fprintf(c.out, "%s: upstream %s, %s, %d client(s) %v, %d replay line(s)\n",
			st.Name, state, listen, len(st.Clients), st.Clients, st.ReplayLines)
	}
}
