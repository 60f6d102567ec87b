package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/obelisk/params"
	"github.com/uhyunpark/obelisk/pkg/api"
	"github.com/uhyunpark/obelisk/pkg/market"
	"github.com/uhyunpark/obelisk/pkg/metrics"
	"github.com/uhyunpark/obelisk/pkg/notify"
	"github.com/uhyunpark/obelisk/pkg/oracle"
	"github.com/uhyunpark/obelisk/pkg/perp"
	"github.com/uhyunpark/obelisk/pkg/storage"
	"github.com/uhyunpark/obelisk/pkg/util"
	"github.com/uhyunpark/obelisk/pkg/venue"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	// Venue clients read money fields as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true

	if err := run(cfg, sugar); err != nil {
		sugar.Errorw("obelisk_exited", "err", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg params.Config, sugar *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Instruments ----
	instruments := market.DefaultInstruments()
	if cfg.Engine.InstrumentsFile != "" {
		loaded, err := market.LoadInstruments(cfg.Engine.InstrumentsFile)
		if err != nil {
			return err
		}
		instruments = loaded
	}
	registry, err := market.NewRegistryFrom(instruments)
	if err != nil {
		return err
	}
	sugar.Infow("instruments_loaded", "count", registry.Count(), "file", cfg.Engine.InstrumentsFile)

	// ---- Storage ----
	store, err := storage.OpenPebble(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	sugar.Infow("ledger_opened", "path", cfg.Storage.DBPath)

	var journal storage.Journal = storage.NopJournal{}
	if cfg.Storage.JournalPath != "" {
		fj, err := storage.OpenFileJournal(cfg.Storage.JournalPath)
		if err != nil {
			return err
		}
		defer fj.Close()
		journal = fj
		sugar.Infow("journal_enabled", "path", cfg.Storage.JournalPath)
	}

	// ---- Oracle ----
	clock := util.RealClock{}
	var (
		source  oracle.Oracle
		funding oracle.FundingSource
	)
	switch cfg.Oracle.Source {
	case "binance":
		b := oracle.NewBinance(oracle.BinanceConfig{
			BaseURL:     cfg.Oracle.BinanceBaseURL,
			QuoteAsset:  cfg.Oracle.QuoteAsset,
			HTTPTimeout: cfg.Oracle.Timeout,
		})
		source, funding = b, b
	default:
		prices := make(map[string]decimal.Decimal, len(cfg.Oracle.StaticPrices))
		for sym, raw := range cfg.Oracle.StaticPrices {
			p, err := decimal.NewFromString(raw)
			if err != nil {
				sugar.Warnw("static_price_invalid", "instrument", sym, "value", raw)
				continue
			}
			prices[sym] = p
		}
		s := oracle.NewStatic(prices)
		source, funding = s, s
	}
	breaker := oracle.NewBreaker(source, cfg.Oracle.BreakerThreshold, cfg.Oracle.BreakerCooldown, clock, sugar)
	priced := oracle.NewCached(breaker, cfg.Oracle.CacheSize, cfg.Oracle.CacheTTL)
	sugar.Infow("oracle_configured", "source", cfg.Oracle.Source, "cache_ttl", cfg.Oracle.CacheTTL)

	// ---- Events ----
	hub := api.NewHub(sugar)
	publishers := notify.Multi{hub}
	if cfg.Events.NATSURL != "" {
		nc, err := notify.DialNATS(cfg.Events.NATSURL, cfg.Events.NATSPrefix, sugar)
		if err != nil {
			return err
		}
		defer nc.Close()
		publishers = append(publishers, nc)
		sugar.Infow("nats_enabled", "url", cfg.Events.NATSURL, "prefix", cfg.Events.NATSPrefix)
	}

	// ---- Position manager ----
	m := metrics.New("obelisk")
	mgrCfg := perp.DefaultConfig()
	mgrCfg.OracleTimeout = cfg.Oracle.Timeout
	mgrCfg.SweepInterval = cfg.Engine.SweepInterval
	mgrCfg.SweepBatchSize = cfg.Engine.SweepBatchSize
	mgrCfg.GapEscalateAfter = cfg.Engine.GapEscalateAfter
	mgrCfg.FundingInterval = cfg.Engine.FundingInterval
	mgrCfg.LedgerRetries = cfg.Engine.LedgerRetries

	manager, err := perp.New(mgrCfg, perp.Deps{
		Store:       store,
		Oracle:      priced,
		Funding:     funding,
		Instruments: registry,
		Clock:       clock,
		Logger:      sugar,
		Publisher:   publishers,
		Journal:     journal,
		Metrics:     m,
	})
	if err != nil {
		return err
	}
	tracker := venue.NewTracker(manager, store, clock, sugar)

	// ---- API ----
	server := api.NewServer(api.Config{
		Addr:           cfg.API.Addr,
		AllowedOrigins: cfg.API.AllowedOrigins,
	}, manager, tracker, registry, m, hub, sugar)

	sugar.Infow("obelisk_starting",
		"api_addr", cfg.API.Addr,
		"sweep_interval", cfg.Engine.SweepInterval,
		"funding_interval", cfg.Engine.FundingInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { hub.Run(gctx); return nil })
	g.Go(func() error { return manager.RunSweeper(gctx) })
	g.Go(func() error { return manager.RunFunding(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	err = g.Wait()
	sugar.Infow("obelisk_stopped")
	return err
}
