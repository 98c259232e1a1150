// Tradeguard - Position Ledger + Exchange Reconciliation + Risk Guardrail
//
// Executes and tracks trades against a remote venue while making sure
// the local view of open positions never silently diverges from the
// venue's, and that a cascade of bad trades cannot run unchecked.
//
// Flow per tick:
//   Guardrail → Exchange → Ledger → Reconciliation → Guardrail feedback
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradeguard/core"
	"github.com/web3guy0/tradeguard/exchange"
	"github.com/web3guy0/tradeguard/feeds"
	"github.com/web3guy0/tradeguard/internal/config"
	"github.com/web3guy0/tradeguard/ledger"
	"github.com/web3guy0/tradeguard/notify"
	"github.com/web3guy0/tradeguard/ratelimit"
	"github.com/web3guy0/tradeguard/risk"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Dur("tick", cfg.TickInterval).
		Msg("🛡️ Tradeguard starting...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ledger (also the health sink for the exchange client)
	store, err := ledger.Open(cfg.DatabasePath, cfg.StaleThreshold)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger")
	}
	defer store.CloseDB()

	// Startup self-diagnosis: flag stale positions, purge orphans.
	if report, err := store.SelfDiagnose(); err != nil {
		log.Error().Err(err).Msg("Self-diagnosis failed")
	} else if len(report.Issues) > 0 {
		log.Warn().
			Int("issues", len(report.Issues)).
			Int("fixes", len(report.FixesApplied)).
			Msg("🩺 Self-diagnosis found issues")
	}

	// Exchange client behind the rate limiter
	limiter := ratelimit.NewLimiter(cfg.RateLimitCalls, cfg.RateLimitWindow)
	venue := exchange.NewClient(exchange.Options{
		BaseURL:          cfg.ExchangeBaseURL,
		APIKey:           cfg.ExchangeAPIKey,
		APISecret:        cfg.ExchangeAPISecret,
		MaxRetries:       cfg.MaxRetries,
		BaseDelay:        cfg.RetryBaseDelay,
		Multiplier:       cfg.RetryMultiplier,
		MaxOpenPositions: cfg.MaxOpenPositions,
		Limiter:          limiter,
		Health:           store,
	})

	// Guardrail engine + exit ladder
	guard := risk.NewEngine(risk.Params{
		DailyLossLimitPct:    cfg.DailyLossLimitPct,
		WeeklyLossLimitPct:   cfg.WeeklyLossLimitPct,
		MaxDrawdownPct:       cfg.MaxDrawdownPct,
		MaxConcurrent:        cfg.MaxConcurrent,
		MaxPositionFraction:  cfg.MaxPositionFraction,
		MinConfidence:        cfg.MinConfidence,
		MinVolume24h:         cfg.MinVolume24h,
		MaxSpreadPct:         cfg.MaxSpreadPct,
		TradingHourStart:     cfg.TradingHourStart,
		TradingHourEnd:       cfg.TradingHourEnd,
		MaxConsecutiveLosses: cfg.MaxConsecutiveLosses,
		FlashCrashPct:        cfg.FlashCrashPct,
		FlashCrashWindow:     cfg.FlashCrashWindow,
		ExtremeVolatilityPct: cfg.ExtremeVolatilityPct,
		HibernationCooldown:  cfg.HibernationCooldown,
	}, cfg.InitialEquity)

	exits := risk.NewExitManager(risk.ExitParams{
		PartialTakeFrac:     cfg.PartialTakeFrac,
		TrailingStartPct:    cfg.TrailingStartPct,
		TrailingDistancePct: cfg.TrailingDistancePct,
		MaxHoldTime:         cfg.MaxHoldTime,
	})

	// Optional websocket ticker feed
	var prices core.PriceSource
	if cfg.TickerWSURL != "" {
		feed := feeds.NewTickerFeed(cfg.TickerWSURL)
		feed.Start()
		defer feed.Stop()
		prices = feed
	}

	// Optional telegram alerts
	var notifier core.Notifier
	if tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID); err == nil {
		notifier = tg
	} else {
		log.Warn().Err(err).Msg("Running without telegram alerts")
	}

	signals := core.NewSignalQueue(64)

	coordinator := core.NewCoordinator(core.Options{
		Ledger:            store,
		Venue:             venue,
		Guard:             guard,
		Exits:             exits,
		Signals:           signals,
		Prices:            prices,
		Notify:            notifier,
		StopLossPct:       cfg.StopLossPct,
		TakeProfitPct:     cfg.TakeProfitPct,
		ReconcileInterval: cfg.ReconcileInterval,
	})

	// Reconcile once on startup so crash leftovers are repaired before
	// the first trade.
	if record, err := coordinator.Reconcile(ctx); err != nil {
		log.Error().Err(err).Msg("Startup reconciliation failed")
	} else {
		log.Info().
			Str("status", record.Status).
			Int("discrepancies", record.DiscrepancyCount).
			Msg("🔄 Startup reconciliation done")
	}

	go coordinator.Run(ctx, cfg.TickInterval)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down...")
	cancel()
}
