package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/streamingfast/shutter"
	"go.uber.org/zap"

	"github.com/graphprotocol/tap-sender-agent/horizon"
	"github.com/graphprotocol/tap-sender-agent/tap/aggregator"
	"github.com/graphprotocol/tap-sender-agent/tap/config"
	"github.com/graphprotocol/tap-sender-agent/tap/escrow"
	"github.com/graphprotocol/tap-sender-agent/tap/escrowsubgraph"
	"github.com/graphprotocol/tap-sender-agent/tap/metrics"
	"github.com/graphprotocol/tap-sender-agent/tap/sender"
	"github.com/graphprotocol/tap-sender-agent/tap/store"
	"github.com/graphprotocol/tap-sender-agent/tap/types"
	"github.com/graphprotocol/tap-sender-agent/tap/watcher"
)

// Agent wires one sender's whole accounting stack together: the supervisor,
// its two watchers, and a metrics HTTP server, mirroring the way
// provider/sidecar.Sidecar owns its own shutter.Shutter lifecycle.
type Agent struct {
	*shutter.Shutter

	logger *zap.Logger

	supervisor        *sender.Supervisor
	allocationWatcher *watcher.AllocationWatcher
	escrowWatcher     *watcher.EscrowWatcher

	metricsListenAddr string
	metricsRegistry   *prometheus.Registry
	metricsServer     *http.Server
}

// AgentConfig bundles everything needed to stand up one sender's Agent.
type AgentConfig struct {
	Sender          types.Address
	DataService     types.Address
	ServiceProvider types.Address
	CollectorAddr   types.Address
	ChainID         uint64

	PostgresDSN           string
	AggregatorEndpoint    string
	EscrowRPCEndpoint     string
	EscrowAddr            types.Address
	EscrowSubgraphURL     string
	MetricsListenAddr     string
	AllocationPollInterval time.Duration
	EscrowPollInterval     time.Duration

	Thresholds *config.Thresholds

	// AllocationSource is out of scope per spec section 1 (delivered by the
	// allocation-set stream); callers supply whatever backs it (indexer
	// management API, network subgraph, static list, ...).
	AllocationSource watcher.AllocationSource
}

// NewAgent constructs every collaborator for cfg.Sender and wires them
// together, without starting anything yet.
func NewAgent(cfg AgentConfig, logger *zap.Logger) (*Agent, error) {
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	st := store.NewPostgresStore(db)

	domain := horizon.NewDomain(cfg.ChainID, cfg.CollectorAddr)
	escrowAdapter := escrow.New(cfg.Sender)
	aggClient := aggregator.NewHTTPClient(cfg.AggregatorEndpoint, cfg.Thresholds.RAVRequestTimeout())
	metricsRegistry := prometheus.NewRegistry()
	recorder := metrics.NewPrometheus(metricsRegistry)

	sup := sender.New(sender.Config{
		Sender:                       cfg.Sender,
		Domain:                       domain,
		Escrow:                       escrowAdapter,
		Aggregator:                   aggClient,
		Store:                        st,
		Metrics:                      recorder,
		DataService:                  cfg.DataService,
		ServiceProvider:              cfg.ServiceProvider,
		TriggerValue:                 cfg.Thresholds.RAVRequestTriggerValue,
		ReceiptLimit:                 cfg.Thresholds.RAVRequestReceiptLimit,
		MaxUnaggregatedFeesPerSender: cfg.Thresholds.MaxUnaggregatedFeesPerSender,
		BufferWindow:                 cfg.Thresholds.BufferWindow(),
		RetryInterval:                cfg.Thresholds.RetryInterval(),
		RAVRequestTimeout:            cfg.Thresholds.RAVRequestTimeout(),
		FailedRAVBackoff:             cfg.Thresholds.FailedRAVBackoff(),
	})

	chainQuerier := escrow.NewChainQuerier(cfg.EscrowRPCEndpoint, cfg.EscrowAddr)
	balances := func(ctx context.Context, s types.Address) (types.Balance, error) {
		return chainQuerier.GetBalance(ctx, s, cfg.CollectorAddr, cfg.ServiceProvider)
	}
	subgraphClient := escrowsubgraph.New(cfg.EscrowSubgraphURL)

	allocationWatcher := watcher.NewAllocationWatcher(cfg.AllocationSource, sup, cfg.AllocationPollInterval)
	escrowWatcher := watcher.NewEscrowWatcher(cfg.Sender, balances, st, subgraphClient, sup, cfg.EscrowPollInterval)

	return &Agent{
		Shutter:           shutter.New(),
		logger:            logger,
		supervisor:        sup,
		allocationWatcher: allocationWatcher,
		escrowWatcher:     escrowWatcher,
		metricsListenAddr: cfg.MetricsListenAddr,
		metricsRegistry:   metricsRegistry,
	}, nil
}

// Run starts the supervisor, then both watchers and the metrics server in
// their own goroutines, registers a termination hook that stops them, and
// returns without blocking. Intended to be launched via
// app.SuperviseAndStart, matching provider/sidecar.Sidecar.
func (a *Agent) Run() {
	ctx, cancel := context.WithCancel(context.Background())

	if err := a.supervisor.Start(ctx); err != nil {
		a.Shutdown(fmt.Errorf("starting supervisor: %w", err))
		cancel()
		return
	}

	go a.allocationWatcher.Run(ctx)
	go a.escrowWatcher.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.metricsRegistry, promhttp.HandlerOpts{}))
	a.metricsServer = &http.Server{Addr: a.metricsListenAddr, Handler: mux}

	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	a.OnTerminating(func(_ error) {
		cancel()
		_ = a.metricsServer.Close()
		_ = a.supervisor.Stop(context.Background())
	})

	a.logger.Info("tap-agent running", zap.String("metrics_listen_addr", a.metricsListenAddr))
}
