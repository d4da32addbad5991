package main

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/streamingfast/cli"
	. "github.com/streamingfast/cli"
	"github.com/streamingfast/cli/sflags"
	"github.com/streamingfast/eth-go"

	tapconfig "github.com/graphprotocol/tap-sender-agent/tap/config"
	"github.com/graphprotocol/tap-sender-agent/tap/types"
)

var runCmd = Command(
	runAgent,
	"run",
	"Run the per-sender TAP accounting agent",
	Description(`
		Tracks every receipt issued against every open allocation for one
		sender, aggregates receipts into signed RAVs, and denies service once
		unpaid fees approach the sender's escrow balance.

		Threshold configuration (rav_request_trigger_value,
		max_unaggregated_fees_per_sender, ...) is loaded from a YAML file via
		--thresholds-config, falling back to conservative defaults if omitted.
	`),
	Flags(func(flags *pflag.FlagSet) {
		flags.String("sender-address", "", "Sender address this agent accounts for (required)")
		flags.String("data-service-address", "", "Data service address (required)")
		flags.String("service-provider-address", "", "Service provider (indexer) address (required)")
		flags.Uint64("chain-id", 1337, "Chain ID for EIP-712 domain")
		flags.String("collector-address", "", "Collector contract address for EIP-712 domain (required)")
		flags.String("escrow-address", "", "PaymentsEscrow contract address for balance queries (required)")
		flags.String("escrow-rpc-endpoint", "", "Ethereum RPC endpoint for on-chain escrow balance queries (required)")
		flags.String("escrow-subgraph-url", "", "Escrow subgraph query URL (required)")
		flags.String("aggregator-endpoint", "", "Remote TAP aggregator JSON-RPC endpoint (required)")
		flags.String("postgres-dsn", "", "Postgres connection string for the relational store (required)")
		flags.String("thresholds-config", "", "Path to threshold configuration YAML file (uses defaults if not provided)")
		flags.String("allocation-ids", "", "Comma-separated static allocation-set snapshot (placeholder for the allocation-set stream)")
		flags.Duration("allocation-poll-interval", 15*time.Second, "Allocation-set poll interval")
		flags.Duration("escrow-poll-interval", 30*time.Second, "Escrow-accounts poll interval")
		flags.String("metrics-listen-addr", ":9184", "Prometheus metrics listen address")
	}),
)

func runAgent(cmd *cobra.Command, _ []string) error {
	senderHex := sflags.MustGetString(cmd, "sender-address")
	dataServiceHex := sflags.MustGetString(cmd, "data-service-address")
	serviceProviderHex := sflags.MustGetString(cmd, "service-provider-address")
	chainID := sflags.MustGetUint64(cmd, "chain-id")
	collectorHex := sflags.MustGetString(cmd, "collector-address")
	escrowHex := sflags.MustGetString(cmd, "escrow-address")
	escrowRPCEndpoint := sflags.MustGetString(cmd, "escrow-rpc-endpoint")
	escrowSubgraphURL := sflags.MustGetString(cmd, "escrow-subgraph-url")
	aggregatorEndpoint := sflags.MustGetString(cmd, "aggregator-endpoint")
	postgresDSN := sflags.MustGetString(cmd, "postgres-dsn")
	thresholdsConfigPath := sflags.MustGetString(cmd, "thresholds-config")
	allocationIDsCSV := sflags.MustGetString(cmd, "allocation-ids")
	allocationPollInterval := sflags.MustGetDuration(cmd, "allocation-poll-interval")
	escrowPollInterval := sflags.MustGetDuration(cmd, "escrow-poll-interval")
	metricsListenAddr := sflags.MustGetString(cmd, "metrics-listen-addr")

	cli.Ensure(senderHex != "", "<sender-address> is required")
	sender, err := eth.NewAddress(senderHex)
	cli.NoError(err, "invalid <sender-address> %q", senderHex)

	cli.Ensure(dataServiceHex != "", "<data-service-address> is required")
	dataService, err := eth.NewAddress(dataServiceHex)
	cli.NoError(err, "invalid <data-service-address> %q", dataServiceHex)

	cli.Ensure(serviceProviderHex != "", "<service-provider-address> is required")
	serviceProvider, err := eth.NewAddress(serviceProviderHex)
	cli.NoError(err, "invalid <service-provider-address> %q", serviceProviderHex)

	cli.Ensure(collectorHex != "", "<collector-address> is required")
	collector, err := eth.NewAddress(collectorHex)
	cli.NoError(err, "invalid <collector-address> %q", collectorHex)

	cli.Ensure(escrowHex != "", "<escrow-address> is required")
	escrowAddr, err := eth.NewAddress(escrowHex)
	cli.NoError(err, "invalid <escrow-address> %q", escrowHex)

	cli.Ensure(escrowRPCEndpoint != "", "<escrow-rpc-endpoint> is required")
	cli.Ensure(escrowSubgraphURL != "", "<escrow-subgraph-url> is required")
	cli.Ensure(aggregatorEndpoint != "", "<aggregator-endpoint> is required")
	cli.Ensure(postgresDSN != "", "<postgres-dsn> is required")

	var thresholds *tapconfig.Thresholds
	if thresholdsConfigPath != "" {
		thresholds, err = tapconfig.Load(thresholdsConfigPath)
		cli.NoError(err, "failed to load thresholds config from %q", thresholdsConfigPath)
	} else {
		thresholds = tapconfig.Default()
	}

	allocationIDs, err := parseAddressList(allocationIDsCSV)
	cli.NoError(err, "invalid <allocation-ids>")

	agentCfg := AgentConfig{
		Sender:                 sender,
		DataService:            dataService,
		ServiceProvider:        serviceProvider,
		CollectorAddr:          collector,
		ChainID:                chainID,
		PostgresDSN:            postgresDSN,
		AggregatorEndpoint:     aggregatorEndpoint,
		EscrowRPCEndpoint:      escrowRPCEndpoint,
		EscrowAddr:             escrowAddr,
		EscrowSubgraphURL:      escrowSubgraphURL,
		MetricsListenAddr:      metricsListenAddr,
		AllocationPollInterval: allocationPollInterval,
		EscrowPollInterval:     escrowPollInterval,
		Thresholds:             thresholds,
		AllocationSource: func(context.Context) ([]types.Address, error) {
			return allocationIDs, nil
		},
	}

	agent, err := NewAgent(agentCfg, zlog)
	cli.NoError(err, "constructing agent")

	app := NewApplication(cmd.Context())
	app.SuperviseAndStart(agent)

	return app.WaitForTermination(zlog, 0*time.Second, 30*time.Second)
}

func parseAddressList(csv string) ([]types.Address, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}
	parts := strings.Split(csv, ",")
	out := make([]types.Address, 0, len(parts))
	for _, p := range parts {
		addr, err := types.ParseAddress(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}
