package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"cryptofeeds/internal/arbitrage"
	"cryptofeeds/internal/config"
	"cryptofeeds/internal/feed"
	"cryptofeeds/internal/logging"
	"cryptofeeds/internal/marketdata"
	"cryptofeeds/internal/model"
	"cryptofeeds/internal/registry"
)

func main() {
	configPath := pflag.StringP("config", "c", ".", "config file, or directory containing config.yaml")
	summaryEvery := pflag.Duration("summary-interval", 10*time.Second, "how often to print a quote summary, 0 disables it")
	pflag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("cannot load .env: %v", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	if err := logging.Init(cfg.Logging); err != nil {
		log.Fatalf("cannot initialise logging: %v", err)
	}
	defer logging.Close()
	logger := logging.Logger()

	reg := registry.New(cfg.Registry.Options()...)
	store := marketdata.NewStore(reg, cfg.MarketData.Options()...)
	mgr := feed.NewManager(
		feed.WithLogger(logger),
		feed.WithRegistry(reg),
		feed.WithStore(store),
		feed.WithConnection(cfg.Connection),
		feed.WithShutdownGrace(cfg.ShutdownGrace),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Feeds.Spot != nil {
		if err := mgr.StartSpotFeeds(&cfg.Feeds); err != nil {
			logger.Error("some spot feeds did not start", "error", err)
		}
	}
	if cfg.Feeds.Perp != nil {
		if err := mgr.StartPerpFeeds(&cfg.Feeds); err != nil {
			logger.Error("some perp feeds did not start", "error", err)
		}
	}

	ids := configuredSymbols(reg, &cfg.Feeds)
	logger.Info("feeds started", "symbols", len(ids))

	if cfg.Arbitrage.Enabled {
		engine := arbitrage.NewEngine(logger, store, nil, arbitrage.NewFees(cfg.Exchanges), cfg.Arbitrage)
		go func() {
			if err := engine.Run(ctx, ids); err != nil {
				logger.Error("arbitrage engine stopped", "error", err)
			}
		}()
	}

	if *summaryEvery > 0 {
		go printSummaries(ctx, mgr, ids, *summaryEvery)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+time.Second)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown completed with stragglers", "error", err)
	}
}

// configuredSymbols resolves every configured symbol, in config order, to its id.
func configuredSymbols(reg *registry.Registry, feeds *config.FeedConfig) []model.SymbolID {
	seen := make(map[model.SymbolID]bool)
	var ids []model.SymbolID
	for _, it := range model.InstrumentTypes {
		section := feeds.Section(it)
		for _, name := range feeds.Exchanges(it) {
			for _, raw := range section[name] {
				id, ok := reg.Resolve(raw, it)
				if !ok || seen[id] {
					continue
				}
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func printSummaries(ctx context.Context, mgr *feed.Manager, ids []model.SymbolID, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printSummary(mgr, ids)
		}
	}
}

func printSummary(mgr *feed.Manager, ids []model.SymbolID) {
	store := mgr.MarketData()
	reg := mgr.Registry()

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "\n%s\n", time.Now().Format(time.TimeOnly))
	fmt.Fprintln(tw, "EXCHANGE\tTYPE\tSTATE\tERROR")
	for _, s := range mgr.Statuses() {
		errText := ""
		if s.Err != nil {
			errText = s.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Exchange, s.InstrumentType, s.State, errText)
	}

	fmt.Fprintln(tw, "\nSYMBOL\tEXCHANGE\tBID\tASK\tSPREAD")
	for _, id := range ids {
		name, _ := reg.Symbol(id)
		for _, ex := range store.Exchanges() {
			q, ok := store.Snapshot(ex, marketdata.ByID(id))
			if !ok {
				continue
			}
			spread, _ := q.Spread()
			fmt.Fprintf(tw, "%s\t%s\t%g\t%g\t%g\n", name, ex, q.Bid, q.Ask, spread)
		}
		if mean, ok := store.MidquoteMean(marketdata.ByID(id)); ok {
			fmt.Fprintf(tw, "%s\tmean mid\t\t\t%g\n", name, mean)
		}
	}
	_ = tw.Flush()
}
