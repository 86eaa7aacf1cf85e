// Command vriftd runs the resident vrift daemon: it owns the project indexes,
// promotes staged writes into the content-addressed store and serves the
// control socket. One instance per machine user.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "log/slog"

	"github.com/vrift/vrift"
	"github.com/vrift/vrift/daemon"
	"github.com/vrift/vrift/daemon/api"
)

func main() {
	configPath := flag.String("config", "", "JSON configuration file")
	apiListen := flag.String("api", "", "admin API listen address (overrides config; empty disables)")
	flag.Parse()

	vrift.ConfigureLogging()

	cfg, err := vrift.LoadConfiguration(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}
	if *apiListen != "" {
		cfg.API.Listen = *apiListen
	}

	d, err := daemon.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "starting daemon: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.API.Listen != "" {
		go func() {
			if err := api.Serve(d, cfg.API); err != nil {
				log.Error("admin api stopped", "error", err)
			}
		}()
	}

	if err := d.Run(ctx); err != nil {
		log.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}
