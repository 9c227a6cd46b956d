// netfwd is the netfw firewall daemon.
//
// It compiles the configured rules into per-direction lookup tables,
// publishes them to the in-process classifier and optionally to pinned
// eBPF maps, and serves the HTTP and gRPC control APIs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/psaab/netfw/pkg/config"
	"github.com/psaab/netfw/pkg/daemon"
	"github.com/psaab/netfw/pkg/dataplane"
)

func main() {
	configFile := flag.String("config", daemon.DefaultConfigFile, "configuration file path")
	noDataplane := flag.Bool("no-dataplane", false, "keep tables in process only, even if the config selects ebpf")
	apiAddr := flag.String("api-addr", "", "HTTP API listen address (overrides api.http_addr)")
	grpcAddr := flag.String("grpc-addr", "", "gRPC API listen address (overrides api.grpc_addr)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Set up structured logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	if flag.Arg(0) == "cleanup" {
		if err := cleanup(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "cleanup BPF: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("all pinned netfw maps removed")
		return
	}

	d := daemon.New(daemon.Options{
		ConfigFile:  *configFile,
		APIAddr:     *apiAddr,
		GRPCAddr:    *grpcAddr,
		NoDataplane: *noDataplane,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "netfwd: %v\n", err)
		os.Exit(1)
	}
}

// cleanup opens the maps pinned under the configured pin path and unpins
// them.
func cleanup(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if cfg.PinPath == "" {
		return fmt.Errorf("%s: no pin_path configured", configFile)
	}
	m := dataplane.New(dataplane.Options{PinPath: cfg.PinPath})
	if err := m.Load(); err != nil {
		return err
	}
	return m.Teardown()
}
