// Package main provides auctiond - the Counterparty UTXO auction broker daemon.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/klingon-exchange/pepebroker/internal/app"
	"github.com/klingon-exchange/pepebroker/internal/config"
	"github.com/klingon-exchange/pepebroker/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.pepebroker", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml); only its directory is used, the file read there is always config.yaml")
		listenAddr  = flag.String("listen", "", "HTTP listen address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("auctiond %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := expandPath(*dataDir)
	configDir := effectiveDataDir
	if *configFile != "" {
		configDir = filepath.Dir(*configFile)
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	log = logging.New(&logging.Config{Level: cfg.LogLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(configDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(cfg, effectiveDataDir)
	if err != nil {
		log.Fatal("Failed to construct application", "error", err)
	}

	addr := *listenAddr
	if err := a.Run(ctx, addr); err != nil {
		log.Fatal("Failed to start application", "error", err)
	}
	if addr == "" {
		addr = net.JoinHostPort(cfg.ListenHost, strconv.Itoa(cfg.ListenPort))
	}

	printBanner(log, addr, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during shutdown", "error", err)
	}

	log.Info("Goodbye!")
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

func printBanner(log *logging.Logger, addr string, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  pepebroker auction daemon (%s)", cfg.Network)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", addr)
	log.Infof("  Bitcoin RPC: %s:%d", cfg.BitcoinRPCHost, cfg.BitcoinRPCPort)
	log.Infof("  Counterparty: %s:%d", cfg.CounterpartyHost, cfg.CounterpartyPort)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
