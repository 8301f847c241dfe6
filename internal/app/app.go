// Package app wires the broker's process-scoped state into a single
// explicit context: the store handle, the two oracle clients, the
// admission/query services, the event pipeline, and the HTTP server.
// Constructing it is the one place that owns these lifetimes, so
// startup and shutdown have a single, ordered home instead of being
// spread across ambient globals.
package app

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klingon-exchange/pepebroker/internal/admission"
	"github.com/klingon-exchange/pepebroker/internal/api"
	"github.com/klingon-exchange/pepebroker/internal/assetoracle"
	"github.com/klingon-exchange/pepebroker/internal/chainrpc"
	"github.com/klingon-exchange/pepebroker/internal/config"
	"github.com/klingon-exchange/pepebroker/internal/pipeline"
	"github.com/klingon-exchange/pepebroker/internal/query"
	"github.com/klingon-exchange/pepebroker/internal/store"
	"github.com/klingon-exchange/pepebroker/pkg/logging"
)

// App holds every process-scoped handle the daemon needs: the store,
// the two oracle clients, the admission/query services, the event
// pipeline, and the HTTP server. The zero value is not usable; build
// one with New.
type App struct {
	Config *config.Config

	Store  *store.Store
	Chain  *chainrpc.BitcoindClient
	Assets *assetoracle.CounterpartyClient

	Admission *admission.Service
	Query     *query.Service
	Pipeline  *pipeline.Pipeline
	Server    *api.Server

	log *logging.Logger
}

// New constructs every component from cfg but starts nothing: no
// listener is bound, no pipeline goroutine is running, no push
// subscription is open. Call Run to start the pipeline and the HTTP
// server.
func New(cfg *config.Config, dataDir string) (*App, error) {
	log := logging.GetDefault().Component("app")

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(dataDir, "listings.db")
	}
	st, err := store.New(store.Config{Path: cfg.DatabasePath})
	if err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}
	log.Info("store initialized", "path", cfg.DatabasePath)

	chain := chainrpc.NewBitcoindClient(
		chainrpc.Config{
			Host: cfg.BitcoinRPCHost,
			Port: cfg.BitcoinRPCPort,
			User: cfg.BitcoinRPCUser,
			Pass: cfg.BitcoinRPCPassword,
		},
		chainrpc.ZMQConfig{
			Enabled:  cfg.ZMQEnabled,
			BlockURL: cfg.ZMQBlockURL,
			TxURL:    cfg.ZMQTxURL,
		},
		logging.GetDefault().Component("chain-oracle"),
	)
	log.Info("chain oracle initialized", "host", cfg.BitcoinRPCHost, "port", cfg.BitcoinRPCPort, "zmq", cfg.ZMQEnabled)

	assets := assetoracle.NewCounterpartyClient(assetoracle.Config{
		Host: cfg.CounterpartyHost,
		Port: cfg.CounterpartyPort,
	})
	log.Info("asset oracle initialized", "host", cfg.CounterpartyHost, "port", cfg.CounterpartyPort)

	admissionSvc := admission.NewService(chain, assets, st)
	querySvc := query.New(st, chain)

	pl := pipeline.New(chain, st, pipeline.Config{
		BlockPollInterval: time.Duration(cfg.BlockPollIntervalSeconds) * time.Second,
		UTXOPollInterval:  time.Duration(cfg.UTXOPollIntervalSeconds) * time.Second,
	})

	srv := api.NewServer(admissionSvc, querySvc, chain, cfg.APIKey)

	return &App{
		Config:    cfg,
		Store:     st,
		Chain:     chain,
		Assets:    assets,
		Admission: admissionSvc,
		Query:     querySvc,
		Pipeline:  pl,
		Server:    srv,
		log:       log,
	}, nil
}

// Run starts the event pipeline in the background and binds the HTTP
// listener on listenAddr (falling back to Config's listen_host/port
// when empty). It returns once the server is listening; the pipeline
// and server both keep running until ctx is cancelled and Shutdown is
// called.
func (a *App) Run(ctx context.Context, listenAddr string) error {
	go func() {
		if err := a.Pipeline.Run(ctx); err != nil {
			a.log.Error("event pipeline stopped unexpectedly", "error", err)
		}
	}()
	a.log.Info("event pipeline started")

	addr := listenAddr
	if addr == "" {
		addr = net.JoinHostPort(a.Config.ListenHost, strconv.Itoa(a.Config.ListenPort))
	}
	if err := a.Server.Start(addr); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server within shutdownCtx's deadline and
// closes the store handle. The event pipeline goroutine started by Run
// is stopped by cancelling the ctx passed to Run, not by Shutdown; the
// caller is expected to have already done so (the scheduler stops
// firing new sweeps, push subscribers drain and close cooperatively).
func (a *App) Shutdown(shutdownCtx context.Context) error {
	if err := a.Server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop http server: %w", err)
	}
	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
