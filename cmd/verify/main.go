package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bybit-carry-bot/internal/bybit/rest"
	"bybit-carry-bot/internal/config"
	"bybit-carry-bot/internal/logging"
	"bybit-carry-bot/internal/market"
	"bybit-carry-bot/internal/ratelimit"
	"bybit-carry-bot/internal/strategy"

	"go.uber.org/zap"
)

const defaultVerifyEnvFile = ".env"

// verify is read-only: it never places orders or changes leverage.
func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	symbol := flag.String("symbol", "", "optional symbol to print instrument rules and balances for")
	top := flag.Int("top", 5, "number of ranked opportunities to print")
	fundingHours := flag.Int("funding-hours", 24, "lookback hours for funding received on -symbol")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	limiter := ratelimit.NewWindow(ratelimit.Options{
		MaxRequests:     cfg.RateLimit.MaxRequestsPerSecond,
		MaxWeight:       cfg.RateLimit.MaxWeightPerSecond,
		EndpointWeights: cfg.RateLimit.EndpointWeights,
	}, log)
	apiKey := strings.TrimSpace(os.Getenv("BYBIT_API_KEY"))
	apiSecret := strings.TrimSpace(os.Getenv("BYBIT_API_SECRET"))
	client := rest.New(rest.Options{
		BaseURL:           cfg.REST.BaseURL,
		Timeout:           cfg.REST.Timeout,
		APIKey:            apiKey,
		APISecret:         apiSecret,
		RecvWindow:        cfg.REST.RecvWindow,
		MaxRetries:        cfg.REST.MaxRetries,
		RetryDelay:        cfg.REST.RetryDelay,
		RetryAfterDefault: cfg.REST.RetryAfterDefault,
	}, limiter, log)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	offset, err := client.ClockOffset(ctx)
	if err != nil {
		fatal(fmt.Errorf("server time: %w", err))
	}
	fmt.Printf("server time skew: %s\n", offset.Round(time.Millisecond))

	feed := market.NewFeed(client, nil, nil, 0, log)
	universe := market.NewUniverse(client, cfg.Strategy.QuoteCoin, cfg.Strategy.Symbols, cfg.Strategy.MaxWorkersFunding, log)
	candidates, err := universe.Candidates(ctx, nil)
	if err != nil {
		fatal(fmt.Errorf("symbol universe: %w", err))
	}
	fmt.Printf("symbol universe: %d %s pairs listed on spot and linear\n", len(candidates), cfg.Strategy.QuoteCoin)

	scanner := market.NewScanner(universe, feed, cfg.Strategy.MinFundingRate, cfg.Strategy.MaxWorkersOrderbook, log)
	snaps, err := scanner.Scan(ctx, nil)
	if err != nil {
		fatal(fmt.Errorf("scan: %w", err))
	}
	thresholds := strategy.ThresholdsFromConfig(cfg.Strategy, cfg.TopUp)
	opps := thresholds.Rank(snaps, *top)
	fmt.Printf("priced candidates: %d, ranked opportunities: %d\n", len(snaps), len(opps))
	for i, opp := range opps {
		fmt.Printf("%2d. %-14s funding=%.4f%% spread=%.4f%% net=%.4f%% enter=%t\n",
			i+1, opp.Symbol, opp.FundingRate, opp.SpreadPct, opp.NetProfitPct,
			thresholds.ShouldEnter(opp.FundingRate, opp.SpreadPct))
	}

	if *symbol == "" {
		return
	}
	sym := strings.ToUpper(strings.TrimSpace(*symbol))
	for _, category := range []string{rest.CategorySpot, rest.CategoryLinear} {
		info, err := client.InstrumentInfo(ctx, category, sym)
		if err != nil {
			log.Warn("instrument info failed", zap.String("category", category), zap.String("symbol", sym), zap.Error(err))
			continue
		}
		fmt.Printf("%s %s: status=%s qty_step=%s base_precision=%s min_qty=%s min_amt=%s\n",
			category, info.Symbol, info.Status, info.QtyStep, info.BasePrecision, info.MinOrderQty, info.MinOrderAmt)
	}
	if apiKey == "" || apiSecret == "" {
		fmt.Println("BYBIT_API_KEY / BYBIT_API_SECRET not set, skipping wallet checks")
		return
	}
	base := strings.TrimSuffix(sym, strings.ToUpper(cfg.Strategy.QuoteCoin))
	for _, coin := range []string{base, strings.ToUpper(cfg.Strategy.QuoteCoin)} {
		balance, err := client.WalletBalance(ctx, coin)
		if err != nil {
			log.Warn("wallet balance failed", zap.String("coin", coin), zap.Error(err))
			continue
		}
		fmt.Printf("wallet %s: %.8f\n", coin, balance)
	}
	end := time.Now().UTC()
	start := end.Add(-time.Duration(*fundingHours) * time.Hour)
	received, err := client.FundingReceived(ctx, sym, start, end)
	if err != nil {
		log.Warn("funding history failed", zap.String("symbol", sym), zap.Error(err))
		return
	}
	fmt.Printf("funding received %s over %dh: %.6f\n", sym, *fundingHours, received)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
