// Command server runs one node of the futures-exchange cluster: the
// storage engine, account core, matching engine, order coordinator,
// notification bus, and replication layer, wired together behind one
// process with signal-driven shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matching-core/internal/account"
	"github.com/exchange-core/matching-core/internal/clock"
	"github.com/exchange-core/matching-core/internal/config"
	"github.com/exchange-core/matching-core/internal/coordinator"
	"github.com/exchange-core/matching-core/internal/matching"
	"github.com/exchange-core/matching-core/internal/notification"
	"github.com/exchange-core/matching-core/internal/replication"
	"github.com/exchange-core/matching-core/internal/risk"
	"github.com/exchange-core/matching-core/internal/storage"
	"github.com/exchange-core/matching-core/internal/storage/record"
	"github.com/exchange-core/matching-core/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("EXCH_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	clk := clock.Real{}

	engine, err := storage.Open(storage.Config{
		Root:               cfg.Storage.RootDir,
		WALRotateBytes:     cfg.Storage.WALRotateBytes,
		OLTPFlushBytes:     cfg.Storage.MemtableOLTPFlushBytes,
		OLTPFlushIdle:      cfg.Storage.MemtableOLTPFlushIdle,
		OLAPFlushRows:      cfg.Storage.MemtableOLAPFlushRows,
		OLAPFlushIdle:      cfg.Storage.MemtableOLAPFlushIdle,
		CheckpointInterval: cfg.Storage.CheckpointInterval,
		BloomFalsePositive: cfg.Storage.BloomFalsePositive,
	}, clk)
	if err != nil {
		logger.Error("failed to open storage engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	accounts := account.NewManager(clk)
	matchingEngine := matching.NewEngine(clk)
	registry := coordinator.NewRegistry(accounts, matchingEngine)

	for _, ic := range cfg.Matching.Instruments {
		instr, err := instrumentFromConfig(ic)
		if err != nil {
			logger.Error("invalid instrument config", "id", ic.ID, "error", err)
			os.Exit(1)
		}
		if err := registry.RegisterInstrument(instr); err != nil {
			logger.Error("failed to register instrument", "id", ic.ID, "error", err)
			os.Exit(1)
		}
	}

	bus := notification.New(logger)
	storageSub := notification.NewStorageSubscriber(engine, cfg.Notify.StorageBatchSize, cfg.Notify.StorageBatchDelay, logger)
	archiveFeed := bus.SubscribeAll(cfg.Notify.SubscriptionQueueSize, notification.ParseDropPolicy(cfg.Notify.DropPolicy))

	coord := coordinator.New(registry, bus, clk, coordinator.Limits{
		MaxOpenOrdersPerAccount:   cfg.Coordinator.MaxOpenOrdersPerAccount,
		RiskRatioCap:              decimal.NewFromFloat(cfg.Coordinator.RiskRatioCap),
		ForceLiquidationRiskRatio: decimal.NewFromFloat(cfg.Account.ForceLiquidationRiskRatio),
	}, cfg.Coordinator.SubmissionRateLimitHz, cfg.Coordinator.SubmissionBurst)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go storageSub.Run(ctx, archiveFeed.Chan)

	riskMonitor := risk.NewMonitor(
		decimal.NewFromFloat(cfg.Account.ForceLiquidationRiskRatio),
		cfg.Risk.AlarmCooldown, clk, logger)
	riskFeed := bus.SubscribeAll(cfg.Notify.SubscriptionQueueSize, notification.ParseDropPolicy(cfg.Notify.DropPolicy))
	go riskMonitor.Run(ctx)
	go feedRiskMonitor(ctx, riskFeed.Chan, riskMonitor)
	go logLiquidationCandidates(ctx, riskMonitor, logger)

	var node *replication.Node
	var daemon *replication.Daemon
	if len(cfg.Replication.Peers) > 0 {
		node, daemon, err = startReplication(ctx, *cfg, engine, logger)
		if err != nil {
			logger.Error("failed to start replication", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("exchange core node started",
		"node_id", cfg.NodeID,
		"instruments", len(cfg.Matching.Instruments),
		"replication_peers", len(cfg.Replication.Peers),
	)

	// Order ingress is wired up by the embedding service; this binary's own
	// admin trigger is SIGHUP, which runs the daily settlement sweep.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			runSettlement(coord, cfg.Account.SettlementPricesFile, logger)
			continue
		}
		logger.Info("received shutdown signal", "signal", sig.String())
		break
	}

	cancel()
	if node != nil {
		logger.Info("replication node shutting down", "final_role", node.Role().String(), "final_term", node.Term())
	}
	_ = daemon
}

// runSettlement is the SIGHUP-driven end-of-day sweep: load the settlement
// price file the admin maintains, hand the prices to the coordinator, and
// run the settlement.
func runSettlement(coord *coordinator.Coordinator, pricesPath string, logger *slog.Logger) {
	if pricesPath == "" {
		logger.Error("settlement requested but account.settlement_prices_file is not configured")
		return
	}
	prices, err := config.LoadSettlementPrices(pricesPath)
	if err != nil {
		logger.Error("failed to load settlement prices", "error", err, "path", pricesPath)
		return
	}
	coord.SetSettlementPrices(prices)
	res, err := coord.RunDailySettlement()
	if err != nil {
		logger.Error("daily settlement failed", "error", err)
		return
	}
	logger.Info("daily settlement complete",
		"accounts", res.AccountsProcessed,
		"liquidated", res.AccountsLiquidated)
}

// feedRiskMonitor translates the bus's AccountUpdate stream into risk
// reports so the monitor sees every account mutation in order.
func feedRiskMonitor(ctx context.Context, in <-chan notification.Event, monitor *risk.Monitor) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if ev.Record.Kind != record.KindAccountUpdate {
				continue
			}
			body, err := record.DecodeAccountUpdate(ev.Record.Payload)
			if err != nil {
				continue
			}
			monitor.Report(risk.AccountReport{
				Account:        body.Account,
				Balance:        body.Balance,
				OccupiedMargin: body.OccupiedMargin,
				FrozenMargin:   body.FrozenMargin,
				Timestamp:      time.Unix(0, ev.Record.TimestampNano),
			})
		}
	}
}

func logLiquidationCandidates(ctx context.Context, monitor *risk.Monitor, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cand := <-monitor.CandidateCh():
			logger.Error("account flagged for forced liquidation",
				"account", cand.Account,
				"risk_ratio", cand.RiskRatio.String(),
				"reason", cand.Reason)
		}
	}
}

func instrumentFromConfig(ic config.InstrumentConfig) (types.Instrument, error) {
	multiplier, err := decimal.NewFromString(ic.Multiplier)
	if err != nil {
		return types.Instrument{}, fmt.Errorf("multiplier: %w", err)
	}
	tick, err := decimal.NewFromString(ic.TickSize)
	if err != nil {
		return types.Instrument{}, fmt.Errorf("tick_size: %w", err)
	}
	margin, err := decimal.NewFromString(ic.MarginRate)
	if err != nil {
		return types.Instrument{}, fmt.Errorf("margin_rate: %w", err)
	}
	commission, err := decimal.NewFromString(ic.CommissionRate)
	if err != nil {
		return types.Instrument{}, fmt.Errorf("commission_rate: %w", err)
	}
	state := types.InstrumentListed
	if ic.Trading {
		state = types.InstrumentTrading
	}
	return types.Instrument{
		ID:             types.InstrumentID(ic.ID),
		Multiplier:     multiplier,
		TickSize:       tick,
		MarginRate:     margin,
		CommissionRate: commission,
		State:          state,
	}, nil
}

// startReplication wires a Node to its peers over PeerLink/ListenAndServe
// and starts its election-timeout, heartbeat, and replication-ticker loops.
func startReplication(ctx context.Context, cfg config.Config, engine *storage.Engine, logger *slog.Logger) (*replication.Node, *replication.Daemon, error) {
	signer, err := replication.NewSigner(cfg.Replication.SigningKeyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("replication signer: %w", err)
	}

	applier := replication.NewStorageApplier(engine)
	peerIDs := cfg.Replication.Peers

	// Links are dialed lazily by PeerLink.Run; peer IDs here double as their
	// dial URLs (operators configure peers as ws://host:port pairs).
	links := make(map[string]*replication.PeerLink, len(peerIDs))
	knownPeers := map[[20]byte]bool{signer.Address(): true}

	node := replication.NewNode(replication.Config{
		ID:               cfg.NodeID,
		Peers:            peerIDs,
		MinVotesRequired: cfg.Replication.MinVotesRequired,
	}, clock.Real{}, nil, applier)

	daemon := replication.NewDaemon(node, replication.Timing{
		Heartbeat:   cfg.Replication.HeartbeatInterval,
		ElectionMin: cfg.Replication.ElectionTimeoutMin,
		ElectionMax: cfg.Replication.ElectionTimeoutMax,
	}, logger)

	router := replication.NewPeerRouter(node, daemon, signer)
	for _, peer := range peerIDs {
		link := replication.NewPeerLink(peer, signer, knownPeers, router, logger)
		links[peer] = link
		go func() {
			if err := link.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("replication: peer link exited", "peer", peer, "error", err)
			}
		}()
	}
	node.SetTransport(replication.NewMultiTransport(links))

	if cfg.Replication.ListenAddr != "" {
		go func() {
			if err := replication.ListenAndServe(ctx, cfg.Replication.ListenAddr, signer, knownPeers, router, logger); err != nil {
				logger.Warn("replication: listener exited", "error", err)
			}
		}()
	}

	go daemon.Run(ctx)
	go daemon.RunHeartbeats(ctx)
	go replicationTicker(ctx, node, cfg.Replication.ReplicationBatchSize)

	return node, daemon, nil
}

func replicationTicker(ctx context.Context, node *replication.Node, batchSize int) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			node.ReplicateOnce(batchSize)
		}
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
