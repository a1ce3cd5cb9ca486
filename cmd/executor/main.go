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
	"github.com/solflux-labs/hft-core/pkg/execution"
	"github.com/solflux-labs/hft-core/pkg/obslog"
	"github.com/solflux-labs/hft-core/pkg/wallet"
)

func main() {
	log.Logger = obslog.Init("executor", os.Getenv("DEBUG") != "")
	log.Info().Msg("executor starting")

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

	wm, err := wallet.Open(ctx, cfg, log.Logger, clk)
	if err != nil {
		log.Fatal().Err(err).Msg("wallet manager open failed")
	}
	defer wm.Close()

	var engine *execution.Engine
	if cfg.TradingMode == config.ModeLive {
		chain := execution.NewRPCChainClient(cfg.ChainRPCEndpoint)
		oracle := execution.ConstantFeeOracle{Fee: cfg.PriorityFeeMin}
		watcher := execution.NewWSConfirmationWatcher(cfg.ChainWSEndpoint)
		engine, err = execution.New(cfg, log.Logger, clk, b, "executor-1", wm, chain, oracle, execution.NoStrategyInstructions{}, watcher)
	} else {
		model := execution.FixedFillModel{FeesPaid: 0.00025, SlippageBps: 5}
		engine, err = execution.NewPaperTrading(cfg, log.Logger, clk, b, "executor-1", wm, model)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("execution engine wiring failed")
	}
	defer engine.Close()

	cs := control.New(cfg, log.Logger, clk, cfg.ExecutorCSPort,
		control.WithQueueDepths(b),
		control.WithEmergencyStop(wm, b),
		control.WithWalletHealth(wm),
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
	go func() { errCh <- engine.Run(ctx) }()
	go func() { errCh <- cs.Run() }()

	printBanner(cfg)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("execution engine or control surface exited with error")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := cs.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("control surface shutdown")
	}
	log.Info().Msg("executor stopped")
}

func printBanner(cfg *config.Config) {
	modeColor := color.New(color.FgGreen, color.Bold)
	if cfg.TradingMode == config.ModeLive {
		modeColor = color.New(color.FgRed, color.Bold)
	}
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("  EXECUTION ENGINE")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("  mode:        %s\n", modeColor.Sprint(string(cfg.TradingMode)))
	fmt.Printf("  control api: http://localhost:%d\n", cfg.ExecutorCSPort)
	fmt.Printf("  chain rpc:   %s\n", cfg.ChainRPCEndpoint)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Wallet", "Class", "Max Position", "Daily Trade Cap"})
	for _, w := range cfg.Wallets {
		table.Append([]string{
			w.WalletID,
			w.Class,
			fmt.Sprintf("%.2f", w.Limits.MaxPosition),
			fmt.Sprintf("%d", w.Limits.DailyTradeCap),
		})
	}
	table.Render()
	fmt.Println(strings.Repeat("=", 60) + "\n")
}
