package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hyperrisk/params"
	"github.com/uhyunpark/hyperrisk/pkg/api"
	"github.com/uhyunpark/hyperrisk/pkg/app/core/lending"
	"github.com/uhyunpark/hyperrisk/pkg/app/core/lifecycle"
	"github.com/uhyunpark/hyperrisk/pkg/app/core/liquidation"
	"github.com/uhyunpark/hyperrisk/pkg/app/core/market"
	"github.com/uhyunpark/hyperrisk/pkg/app/core/position"
	"github.com/uhyunpark/hyperrisk/pkg/bridge"
	"github.com/uhyunpark/hyperrisk/pkg/cache/redis"
	"github.com/uhyunpark/hyperrisk/pkg/chain"
	"github.com/uhyunpark/hyperrisk/pkg/metrics"
	"github.com/uhyunpark/hyperrisk/pkg/notify"
	"github.com/uhyunpark/hyperrisk/pkg/p2p"
	"github.com/uhyunpark/hyperrisk/pkg/storage"
	"github.com/uhyunpark/hyperrisk/pkg/store/postgres"
	"github.com/uhyunpark/hyperrisk/pkg/util"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	envPath := flag.String("env", "", "path to a .env file (default ./.env)")
	flag.Parse()

	// Priority: ENV > .env > TOML > defaults
	cfg, err := params.LoadFile(*configPath, *envPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Errorw("riskd_failed", "err", err)
		os.Exit(1)
	}
	sugar.Info("riskd_stopped")
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	g, ctx := errgroup.WithContext(ctx)
	m := metrics.New()
	clock := util.RealClock{}

	// ---- Storage ----
	var db *storage.Store
	var err error
	if cfg.Storage.InMemory {
		db, err = storage.OpenInMemory()
	} else {
		db, err = storage.Open(cfg.Storage.DataDir)
	}
	if err != nil {
		return err
	}
	defer db.Close()
	sugar.Infow("storage_opened", "dir", cfg.Storage.DataDir, "in_memory", cfg.Storage.InMemory)

	// ---- Event fan-out ----
	ring := notify.NewRing(cfg.API.EventBuffer)
	hub := api.NewHub(sugar)
	local := notify.Fanout{ring, hub}
	events := notify.Fanout{ring, hub}

	addSink := func(name string, sink notify.Sink) {
		q := notify.NewQueue(name, sink, cfg.API.SinkQueueSize, sugar, m)
		events = append(events, q)
		g.Go(func() error { return q.Run(ctx) })
	}

	if cfg.Gossip.Enabled {
		gossip, err := p2p.NewGossip(ctx, p2p.GossipConfig{
			ListenAddr: cfg.Gossip.ListenAddr,
			Bootstrap:  cfg.Gossip.Bootstrap,
			Topic:      cfg.Gossip.Topic,
			Logger:     sugar,
			// Remote events are shown locally but never re-gossiped.
			OnEvent: func(_ peer.ID, ev notify.Event) { local.Publish(ev) },
		})
		if err != nil {
			return err
		}
		defer gossip.Close()
		sugar.Infow("gossip_enabled", "addrs", gossip.Addrs())
		addSink("gossip", gossip)
		g.Go(func() error { return gossip.Run(ctx) })
	}

	if cfg.Redis.Addr != "" {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			TLSEnabled: cfg.Redis.TLS,
		})
		if err != nil {
			return err
		}
		defer rc.Close()
		sugar.Infow("redis_enabled", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.Prefix)
		addSink("redis", redis.NewEventBus(rc, cfg.Redis.Prefix))
	}

	if cfg.Postgres.DSN != "" {
		pc, err := postgres.New(ctx, postgres.ClientConfig{DSN: cfg.Postgres.DSN, MaxConns: cfg.Postgres.MaxConns})
		if err != nil {
			return err
		}
		defer pc.Close()
		if err := pc.RunMigrations(ctx); err != nil {
			return err
		}
		sugar.Info("postgres_journal_enabled")
		addSink("postgres", postgres.NewJournal(pc.Pool()))
	}

	// ---- Settlement bridge ----
	var (
		vault bridge.Vault = bridge.LogVault{Log: sugar}
		pool  lending.PoolClient
	)
	if cfg.Chain.RPCURL != "" {
		backend, chainID, err := chain.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return err
		}
		defer backend.Close()
		signer, err := chain.FromPrivateKeyHex(cfg.Chain.PrivateKey, chainID)
		if err != nil {
			return err
		}
		client := chain.NewClient(backend, signer, chain.ClientConfig{
			ReceiptTimeout: cfg.Chain.ReceiptTimeout,
			PollInterval:   cfg.Chain.PollInterval,
		}, sugar)
		vault = chain.NewVault(client, common.HexToAddress(cfg.Chain.VaultAddress))
		if cfg.Lending.PoolAddress != "" {
			pool = chain.NewLendingPool(client, common.HexToAddress(cfg.Lending.PoolAddress))
		}
		sugar.Infow("chain_connected",
			"chain_id", chainID.String(),
			"operator", signer.Address().Hex(),
			"vault", cfg.Chain.VaultAddress,
		)
	} else {
		sugar.Warn("chain_rpc_not_configured - bridge calls are logged only")
	}

	outbox := bridge.NewOutbox(vault, bridge.Config{
		QueueSize:    cfg.Bridge.QueueSize,
		MaxAttempts:  cfg.Bridge.MaxAttempts,
		RetryBackoff: cfg.Bridge.RetryBackoff,
		CallTimeout:  cfg.Bridge.CallTimeout,
	}, bridge.Deps{Store: storage.NewOutboxStore(db), Metrics: m, Clock: clock, Logger: sugar})
	if err := outbox.Load(); err != nil {
		return err
	}

	// ---- Core ----
	thresholds := lifecycle.DefaultThresholds()
	thresholds.MinStateDuration = cfg.Lifecycle.MinStateDuration
	thresholds.DeadAfter = cfg.Lifecycle.DeadAfter
	tracker, err := lifecycle.NewTracker(lifecycle.Config{
		Thresholds:    thresholds,
		SweepInterval: cfg.Lifecycle.SweepInterval,
	}, lifecycle.Deps{Store: storage.NewLifecycleStore(db), Events: events, Metrics: m, Clock: clock, Logger: sugar})
	if err != nil {
		return err
	}

	positions, err := position.NewManager(storage.NewPositionStore(db), position.Config{
		BaseMMRBps:            cfg.Risk.BaseMMRBps,
		LargePositionNotional: cfg.LargePositionThreshold(),
	}, position.Deps{
		Settlement: outbox,
		Activity:   tracker,
		Limits:     tracker,
		Events:     events,
		Metrics:    m,
		Clock:      clock,
		Logger:     sugar,
	})
	if err != nil {
		return err
	}

	// Register is a no-op for tokens restored from the lifecycle store.
	books := market.NewRegistry()
	for _, tok := range positions.Tokens() {
		books.Register(tok)
		tracker.Register(tok)
	}

	liq := liquidation.NewEngine(positions, books, liquidation.Config{
		MaxPerCycle:         cfg.Risk.MaxPerCycle,
		LiquidatorRewardBps: cfg.Risk.LiquidatorRewardBps,
		Liquidator:          common.HexToAddress(cfg.Risk.Liquidator),
		RiskInterval:        cfg.Risk.RiskInterval,
		ADLInterval:         cfg.Risk.ADLInterval,
	}, liquidation.Deps{Settlement: outbox, Events: events, Metrics: m, Clock: clock, Logger: sugar})

	var lend *lending.Engine
	if pool != nil {
		lend = lending.NewEngine(pool, lending.Config{
			WarningBps:      cfg.Lending.WarningBps,
			CriticalBps:     cfg.Lending.CriticalBps,
			RecheckInterval: cfg.Lending.RecheckInterval,
			MaxPerCycle:     cfg.Lending.MaxPerCycle,
			Interval:        cfg.Lending.Interval,
		}, lending.Deps{Events: events, Metrics: m, Clock: clock, Logger: sugar})
		g.Go(func() error { return lend.Run(ctx) })
	}

	// ---- API ----
	server := api.NewServer(api.Config{
		Addr:           cfg.API.Addr,
		AllowedOrigins: cfg.API.AllowedOrigins,
	}, api.Deps{
		Positions:   positions,
		Liquidation: liq,
		Lifecycle:   tracker,
		Markets:     books,
		Lending:     lend,
		Bridge:      outbox,
		Events:      ring,
		Hub:         hub,
		Metrics:     m,
		Clock:       clock,
		Logger:      sugar,
	})

	g.Go(func() error { return outbox.Run(ctx) })
	g.Go(func() error { return tracker.Run(ctx) })
	g.Go(func() error { return liq.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })

	sugar.Infow("riskd_starting",
		"api", cfg.API.Addr,
		"open_positions", len(positions.AllOpen()),
		"pending_bridge_intents", outbox.Stats().Pending,
		"lending", lend != nil,
		"gossip", cfg.Gossip.Enabled,
	)
	return g.Wait()
}
