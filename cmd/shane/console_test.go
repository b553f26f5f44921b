package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/johnnyapol/shane"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsole(t *testing.T) {
	cfg := &shane.Config{Password: "pw", ServerName: shane.DefaultServerName}
	nc := shane.DefaultNetworkConfig("libera")
	nc.Host = "127.0.0.1"
	nc.Nick = "shanebot"
	n, err := shane.NewNetwork(cfg, nc)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var out bytes.Buffer
	c := &console{
		networks: []*shane.Network{n},
		started:  time.Now().Add(-90 * time.Second),
		stop:     cancel,
		out:      &out,
	}

	c.run(ctx, strings.NewReader("help\nstats\nSTOP\nstats\n"))

	got := out.String()
	assert.Contains(t, got, "commands: stats, stop")
	assert.Contains(t, got, "uptime: 1m30s")
	assert.Contains(t, got, "libera: upstream disconnected, not listening, 0 client(s) [], 0 replay line(s)")
	assert.Contains(t, got, "Shutting down...")
	assert.Equal(t, 1, strings.Count(got, "uptime:"))
	assert.Error(t, ctx.Err())
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("SHANE_CONFIG", "")
	assert.Equal(t, "shane.cfg", resolveConfigPath(""))
	t.Setenv("SHANE_CONFIG", "/etc/shane.cfg")
	assert.Equal(t, "/etc/shane.cfg", resolveConfigPath(""))
	assert.Equal(t, "mine.cfg", resolveConfigPath("mine.cfg"))
}
