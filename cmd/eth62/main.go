// Command eth62 runs a devp2p node speaking the eth/62 subprotocol.
//
// Usage:
//
//	eth62 [flags]
//
// Flags:
//
//	--config       YAML configuration file
//	--datadir      Data directory path (default: in-memory chain, ephemeral key)
//	--listen       RLPx listen address (default: :30303)
//	--networkid    Network ID (default: 1)
//	--maxpeers     Max P2P peers (default: 25)
//	--bootnodes    Comma separated enode URLs to connect to
//	--metrics.addr Prometheus endpoint address (default: disabled)
//	--verbosity    Log level 0-5 (default: from config, info)
//	--log.format   Log format: terminal, json, logfmt
//	--version      Print version and exit
//
// Flags given on the command line override values from the config file.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/eth2030/eth62/log"
	"github.com/eth2030/eth62/node"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// options are the parsed command line settings.
type options struct {
	config    node.Config
	verbosity int // -1 keeps the config's log level
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	opts, exit, code := parseFlags(args)
	if exit {
		return code
	}
	cfg := opts.config

	level := log.LevelFromString(cfg.LogLevel)
	if opts.verbosity >= 0 {
		level = log.VerbosityToLevel(opts.verbosity)
	}
	logger := log.New(os.Stderr, cfg.LogFormat, level)
	log.SetDefault(logger)

	logger.Info("eth62 starting", "version", version, "commit", commit)
	logger.Info("Configuration", "datadir", cfg.DataDir, "network", cfg.NetworkID,
		"listen", cfg.ListenAddr, "maxpeers", cfg.MaxPeers, "bootnodes", len(cfg.Bootnodes),
		"metrics", cfg.MetricsAddr, "level", level)

	n, err := node.New(cfg, logger)
	if err != nil {
		logger.Error("Failed to create node", "err", err)
		return 1
	}
	if err := n.Start(); err != nil {
		logger.Error("Failed to start node", "err", err)
		n.Close()
		return 1
	}

	// Wait for SIGINT or SIGTERM to initiate graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	logger.Info("Received signal, shutting down", "signal", sig)

	if err := n.Stop(); err != nil {
		logger.Error("Error during shutdown", "err", err)
		return 1
	}
	logger.Info("Shutdown complete")
	return 0
}

// parseFlags parses CLI arguments into options. Returns the options, whether
// the caller should exit immediately, and the exit code.
func parseFlags(args []string) (options, bool, int) {
	opts := options{config: node.DefaultConfig(), verbosity: -1}

	fs := flag.NewFlagSet("eth62", flag.ContinueOnError)
	configFile := fs.String("config", "", "YAML configuration file")
	datadir := fs.String("datadir", "", "data directory path")
	listen := fs.String("listen", "", "RLPx listen address")
	networkID := fs.Uint64("networkid", 0, "network identifier")
	maxPeers := fs.Int("maxpeers", 0, "maximum number of P2P peers")
	bootnodes := fs.String("bootnodes", "", "comma separated enode URLs")
	metricsAddr := fs.String("metrics.addr", "", "Prometheus endpoint address")
	logFormat := fs.String("log.format", "", "log format (terminal, json, logfmt)")
	fs.IntVar(&opts.verbosity, "verbosity", -1, "log level 0-5 (0=silent, 5=trace)")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return opts, true, 2
	}
	if *showVersion {
		fmt.Printf("eth62 %s (commit %s)\n", version, commit)
		return opts, true, 0
	}

	if *configFile != "" {
		cfg, err := node.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return opts, true, 1
		}
		opts.config = cfg
	}

	cfg := &opts.config
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "datadir":
			cfg.DataDir = *datadir
		case "listen":
			cfg.ListenAddr = *listen
		case "networkid":
			cfg.NetworkID = *networkID
		case "maxpeers":
			cfg.MaxPeers = *maxPeers
		case "bootnodes":
			cfg.Bootnodes = splitList(*bootnodes)
		case "metrics.addr":
			cfg.MetricsAddr = *metricsAddr
		case "log.format":
			cfg.LogFormat = *logFormat
		}
	})
	if opts.verbosity > 5 {
		opts.verbosity = 5
	}
	if opts.verbosity >= 0 {
		cfg.LogLevel = levelName(log.VerbosityToLevel(opts.verbosity))
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return opts, true, 1
	}
	return opts, false, 0
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// levelName is the config spelling of a log level.
func levelName(level slog.Level) string {
	switch {
	case level <= log.LevelTrace:
		return "trace"
	case level <= slog.LevelDebug:
		return "debug"
	case level <= slog.LevelInfo:
		return "info"
	case level <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}
