package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/solflux-labs/hft-core/pkg/bus"
	"github.com/solflux-labs/hft-core/pkg/clock"
	"github.com/solflux-labs/hft-core/pkg/config"
	"github.com/solflux-labs/hft-core/pkg/control"
	"github.com/solflux-labs/hft-core/pkg/decision"
	"github.com/solflux-labs/hft-core/pkg/market"
	"github.com/solflux-labs/hft-core/pkg/obslog"
	"github.com/solflux-labs/hft-core/pkg/reasoner"
	"github.com/solflux-labs/hft-core/pkg/risk"
	"github.com/solflux-labs/hft-core/pkg/types"
	"github.com/solflux-labs/hft-core/pkg/vms"
	"github.com/solflux-labs/hft-core/pkg/wallet"
)

// reloadingPortfolio wraps the Wallet Manager so that every Snapshot first
// refreshes the in-memory entries from the WM database. Reasoner and
// Executor each open their own *wallet.Manager against the same sqlite
// file; without a reload before every read, Reasoner would never observe a
// reservation or commit made by the Executor process.
type reloadingPortfolio struct {
	wm *wallet.Manager
}

func (p reloadingPortfolio) Snapshot(ctx context.Context, symbol string) (decision.PortfolioSnapshot, risk.PortfolioSnapshot, types.Limits) {
	if err := p.wm.Reload(); err != nil {
		log.Warn().Err(err).Msg("wallet manager reload failed, snapshot may be stale")
	}
	return p.wm.Snapshot(ctx, symbol)
}

func main() {
	log.Logger = obslog.Init("reasoner", os.Getenv("DEBUG") != "")
	log.Info().Msg("reasoner starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config validation failed")
	}

	clk := clock.Real{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New(cfg.MBRedisAddr)
	defer b.Close()

	store, err := vms.Open(cfg.VMSPath, cfg.VMSEmbeddingDim, vms.HashEncoder{Dim: cfg.VMSEmbeddingDim}, clk)
	if err != nil {
		log.Fatal().Err(err).Msg("vector memory store open failed")
	}
	defer store.Close()
	if err := store.StartMaintenance(log.Logger, cfg.VMSRetention, cfg.VMSPurgeInterval); err != nil {
		log.Fatal().Err(err).Msg("vms purge sweep scheduling failed")
	}

	ma := market.New(cfg.MAWindowEvents, cfg.MAWindowTTL, cfg.MATargetFill, clk)
	de := decision.New(cfg, log.Logger)

	wm, err := wallet.Open(ctx, cfg, log.Logger, clk)
	if err != nil {
		log.Fatal().Err(err).Msg("wallet manager open failed")
	}
	defer wm.Close()
	portfolio := reloadingPortfolio{wm: wm}

	orchestrator, err := reasoner.New(ctx, cfg, log.Logger, clk, b, store, ma, de, portfolio, "reasoner-1")
	if err != nil {
		log.Fatal().Err(err).Msg("orchestrator wiring failed")
	}

	cs := control.New(cfg, log.Logger, clk, cfg.ReasonerCSPort,
		control.WithQueueDepths(b),
		control.WithMemory(store),
		control.WithWalletHealth(wm),
		control.WithAnalyze(ma, store, de, portfolio, cfg.RiskWeights, cfg.MinDecisionConfidence, cfg.IntentTTL),
		control.WithComponent("bus", func() control.ComponentStatus {
			if err := b.Ping(ctx); err != nil {
				return control.ComponentStatus{Name: "bus", Degraded: true, Reason: err.Error()}
			}
			return control.ComponentStatus{Name: "bus"}
		}),
		control.WithComponent("wallet_manager", func() control.ComponentStatus {
			return control.ComponentStatus{Name: "wallet_manager"}
		}),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- orchestrator.Run(ctx) }()
	go func() { errCh <- cs.Run() }()

	printBanner(cfg)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("orchestrator or control surface exited with error")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := cs.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("control surface shutdown")
	}
	log.Info().Msg("reasoner stopped")
}

func printBanner(cfg *config.Config) {
	modeColor := color.New(color.FgGreen, color.Bold)
	if cfg.TradingMode == config.ModeLive {
		modeColor = color.New(color.FgRed, color.Bold)
	}
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("  REASONER ORCHESTRATOR")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("  mode:        %s\n", modeColor.Sprint(string(cfg.TradingMode)))
	fmt.Printf("  control api: http://localhost:%d\n", cfg.ReasonerCSPort)
	fmt.Printf("  message bus: %s\n", cfg.MBRedisAddr)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Wallet", "Class", "Max Exposure %", "Daily Loss Cap", "Max Concurrent"})
	for _, w := range cfg.Wallets {
		table.Append([]string{
			w.WalletID,
			w.Class,
			fmt.Sprintf("%.1f", w.Limits.MaxExposurePct),
			fmt.Sprintf("%.2f", w.Limits.DailyLossCap),
			fmt.Sprintf("%d", w.Limits.MaxConcurrentPositions),
		})
	}
	table.Render()
	fmt.Println(strings.Repeat("=", 60) + "\n")
}
