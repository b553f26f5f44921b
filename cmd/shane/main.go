/*
Runs the Shane IRC bouncer.

Reads shane.cfg from the working directory, or the file named by -config
or $SHANE_CONFIG. When the file does not exist a starter configuration
with a random password is written there and the bouncer exits.

Type "stats" on standard input for a status report and "stop" to shut
down.

Example:

	go run ./cmd/shane -config shane.cfg
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/johnnyapol/shane"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "shane.cfg"

var (
	configPath = flag.String("config", "", "configuration file (default $SHANE_CONFIG or "+defaultConfigPath+")")
	envFile    = flag.String("env", ".env", "dotenv file loaded before reading the configuration")
	noConsole  = flag.Bool("no-console", false, "do not read commands from standard input")
)

func main() {
	flag.Parse()
	log.SetPrefix("[shane] ")

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("loading %s: %v", *envFile, err)
	}

	path := resolveConfigPath(*configPath)
	cfg, err := loadConfig(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := writeDefaultConfig(path); err != nil {
			log.Fatal(err)
		}
		log.Printf("wrote a default configuration to %s, edit it and restart", path)
		return
	}
	if err != nil {
		log.Fatal(err)
	}
	if pw := os.Getenv("SHANE_PASSWORD"); pw != "" {
		cfg.Password = pw
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := shane.NewMetrics(reg)

	var networks []*shane.Network
	for _, nc := range cfg.Networks {
		n, err := shane.NewNetwork(cfg, nc, shane.WithMetrics(metrics))
		if err != nil {
			log.Fatalf("network %s: %v", nc.Name, err)
		}
		networks = append(networks, n)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var srv *http.Server
	if cfg.MetricsListen != "" {
		srv = &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("serving metrics on http://%s/metrics", cfg.MetricsListen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics: %v", err)
			}
		}()
	}

	// A network that gives up does not take the others down with it.
	var g errgroup.Group
	for _, n := range networks {
		g.Go(func() error {
			if err := n.Run(ctx); err != nil {
				return fmt.Errorf("network %s: %w", n.Name(), err)
			}
			return nil
		})
	}

	if !*noConsole {
		c := &console{networks: networks, started: time.Now(), stop: cancel, out: os.Stdout}
		go c.run(ctx, os.Stdin)
	}

	err = g.Wait()
	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		srv.Shutdown(shutdownCtx)
		done()
	}
	if err != nil {
		log.Fatal(err)
	}
	log.Print("goodbye")
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("SHANE_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}

func loadConfig(path string) (*shane.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, warnings, err := shane.ParseConfig(f)
	for _, w := range warnings {
		log.Printf("%s: %v", path, w)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func writeDefaultConfig(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if err := shane.WriteDefaultConfig(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
