// Package execution implements the Execution Engine: the latency-sensitive
// tier that turns a Trading Intent into a signed, submitted, and confirmed
// (or rejected/expired) on-chain transaction.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/solflux-labs/hft-core/pkg/bus"
	"github.com/solflux-labs/hft-core/pkg/clock"
	"github.com/solflux-labs/hft-core/pkg/config"
	"github.com/solflux-labs/hft-core/pkg/types"
	"github.com/solflux-labs/hft-core/pkg/wallet"
)

const (
	protocolMaxRetries        = 3
	retryBaseBackoff          = 100 * time.Millisecond
	retryMaxBackoff           = 2 * time.Second
	defaultFreshnessDeadline  = 60 * time.Second
	defaultConfirmConcurrency = 64
)

type eventReader interface {
	Read(ctx context.Context, count int, block time.Duration) ([]bus.Message, error)
	Ack(ctx context.Context, ids ...string) error
}

type publisher interface {
	Publish(ctx context.Context, stream string, payload any) (string, error)
}

// walletSelector is the subset of *wallet.Manager the engine depends on,
// declared here so tests can substitute a fake without a sqlite dependency.
type walletSelector interface {
	Select(criteria wallet.SelectionCriteria) (types.Wallet, error)
	Reserve(walletID, symbol string, size float64) (*wallet.ReservationToken, error)
	Commit(token, positionID string, entryPx, stop, target float64) error
	Release(token string) error
	Sign(walletID string, tx *solana.Transaction) error
	PublicKey(walletID string) (solana.PublicKey, error)
	RecordExecutionOutcome(walletID string, priorityFeePaid uint64, confirmLatency time.Duration, landed bool) error
}

type chainClient interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SimulateComputeUnits(ctx context.Context, tx *solana.Transaction) (uint32, error)
	SubmitBundle(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

// Engine is the Execution Engine. In live mode it drives the full
// select-build-sign-submit-confirm contract; in paper mode it delegates to a
// deterministic simulator, leaving reservation and position accounting
// identical.
type Engine struct {
	cfg *config.Config
	log zerolog.Logger
	clk clock.Clock

	intents eventReader
	results publisher

	wm        walletSelector
	chain     chainClient
	oracle    FeeOracle
	strategy  StrategyBuilder
	watcher   ConfirmationWatcher
	ledger    *completionLedger
	simulator *simulator

	confirmSem *semaphore.Weighted
	cron       *cron.Cron
}

// New wires an Engine for live trading.
func New(cfg *config.Config, log zerolog.Logger, clk clock.Clock, b *bus.Bus, consumerName string, wm walletSelector, chain chainClient, oracle FeeOracle, strategy StrategyBuilder, watcher ConfirmationWatcher) (*Engine, error) {
	ctx := context.Background()
	intents, err := b.Subscribe(ctx, bus.StreamTradingIntents, "executor", consumerName)
	if err != nil {
		return nil, err
	}
	ledger, err := openCompletionLedger(cfg.WMDBPath+".completions", cfg.DedupLedgerTTL)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg: cfg, log: log.With().Str("component", "execution_engine").Logger(), clk: clk,
		intents: intents, results: b,
		wm: wm, chain: chain, oracle: oracle, strategy: strategy, watcher: watcher,
		ledger:     ledger,
		confirmSem: semaphore.NewWeighted(defaultConfirmConcurrency),
	}
	e.startDedupPruneJob()
	return e, nil
}

// NewPaperTrading wires an Engine for the paper-trading simulator path; no
// chain client, fee oracle, or confirmation watcher is needed.
func NewPaperTrading(cfg *config.Config, log zerolog.Logger, clk clock.Clock, b *bus.Bus, consumerName string, wm walletSelector, model FillModel) (*Engine, error) {
	ctx := context.Background()
	intents, err := b.Subscribe(ctx, bus.StreamTradingIntents, "executor", consumerName)
	if err != nil {
		return nil, err
	}
	ledger, err := openCompletionLedger(cfg.WMDBPath+".completions", cfg.DedupLedgerTTL)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg: cfg, log: log.With().Str("component", "execution_engine").Logger(), clk: clk,
		intents: intents, results: b,
		wm:         wm,
		ledger:     ledger,
		simulator:  &simulator{clk: clk, model: model},
		confirmSem: semaphore.NewWeighted(defaultConfirmConcurrency),
	}
	e.startDedupPruneJob()
	return e, nil
}

// startDedupPruneJob schedules a recurring sweep of the completion ledger.
// Without this, the durable dedup set grows without bound: nothing else on
// the ProcessIntent path ever deletes a row.
func (e *Engine) startDedupPruneJob() {
	e.cron = cron.New(cron.WithSeconds())
	every := fmt.Sprintf("@every %s", e.cfg.DedupPruneInterval)
	_, err := e.cron.AddFunc(every, func() {
		if err := e.ledger.prune(e.clk.Now()); err != nil {
			e.log.Error().Err(err).Msg("dedup ledger prune failed")
		}
	})
	if err != nil {
		e.log.Error().Err(err).Msg("scheduling dedup ledger prune")
		return
	}
	e.cron.Start()
}

func (e *Engine) Close() error {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	return e.ledger.Close()
}

// Run drains the intents stream, dispatching each intent to ProcessIntent.
// Each intent runs in its own goroutine (submission, confirmation wait,
// result publication and ack), bounded by confirmSem; once that many are in
// flight, dispatch waits for one to finish before starting the next.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := e.intents.Read(ctx, 16, 500*time.Millisecond)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Error().Err(err).Msg("reading trading_intents")
			continue
		}

		for _, msg := range msgs {
			e.dispatch(ctx, msg)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, msg bus.Message) {
	var intent types.Intent
	if err := msg.Decode(&intent); err != nil {
		e.log.Error().Err(err).Str("message_id", msg.ID).Msg("decoding intent")
		e.ack(ctx, msg.ID)
		return
	}

	if err := e.confirmSem.Acquire(ctx, 1); err != nil {
		return
	}
	go func() {
		defer e.confirmSem.Release(1)
		result := e.ProcessIntent(ctx, intent)
		e.publishResult(ctx, result)
		e.ack(ctx, msg.ID)
	}()
}

func (e *Engine) ack(ctx context.Context, id string) {
	if err := e.intents.Ack(ctx, id); err != nil {
		e.log.Error().Err(err).Str("message_id", id).Msg("acking trading_intents")
	}
}

func (e *Engine) publishResult(ctx context.Context, result types.ExecutionResult) {
	if _, err := e.results.Publish(ctx, bus.StreamExecutionResults, result); err != nil {
		e.log.Error().Err(err).Str("intent_id", result.IntentID).Msg("publishing execution result")
	}
}

// ProcessIntent runs the full execution contract for one Intent: HOLD
// short-circuit, dedup against the completion ledger, wallet selection and
// reservation, build/sign/submit (or the paper simulator), and the
// confirmation/retry/expiry state machine, finishing with a reservation
// commit or release.
func (e *Engine) ProcessIntent(ctx context.Context, intent types.Intent) types.ExecutionResult {
	start := e.clk.Now()

	if cached, hit, err := e.dedupLookup(intent.IntentID); err != nil {
		e.log.Error().Err(err).Str("intent_id", intent.IntentID).Msg("dedup lookup")
	} else if hit {
		return cached
	}

	if intent.Action == types.ActionHold {
		result := types.ExecutionResult{
			IntentID:   intent.IntentID,
			Status:     types.ExecExecuted,
			LatencyMS:  0,
			ProducedAt: e.clk.Now(),
		}
		e.recordCompletion(intent.IntentID, result)
		return result
	}

	if e.simulator != nil {
		return e.processPaper(intent, start)
	}
	return e.processLive(ctx, intent, start)
}

func (e *Engine) processPaper(intent types.Intent, start time.Time) types.ExecutionResult {
	criteria := criteriaFromIntent(intent)
	selected, err := e.wm.Select(criteria)
	if err != nil {
		return e.rejected(intent, "wallet selection failed: "+err.Error())
	}
	token, err := e.wm.Reserve(selected.WalletID, intent.Symbol, intent.Quantity)
	if err != nil {
		return e.rejected(intent, "reservation failed: "+err.Error())
	}

	result := e.simulator.Execute(context.Background(), intent)
	result.LatencyMS = e.clk.Now().Sub(start).Milliseconds()

	positionID := intent.IntentID
	if err := e.wm.Commit(token.Token, positionID, 0, intent.RiskEnvelope.StopPrice, intent.RiskEnvelope.TakeProfitPrice); err != nil {
		e.log.Error().Err(err).Str("intent_id", intent.IntentID).Msg("committing paper reservation")
	}
	e.recordCompletion(intent.IntentID, result)
	return result
}

func (e *Engine) rejected(intent types.Intent, reason string) types.ExecutionResult {
	result := types.ExecutionResult{
		IntentID:     intent.IntentID,
		Status:       types.ExecRejected,
		RejectReason: reason,
		ProducedAt:   e.clk.Now(),
	}
	e.recordCompletion(intent.IntentID, result)
	return result
}

func criteriaFromIntent(intent types.Intent) wallet.SelectionCriteria {
	return wallet.SelectionCriteria{
		Strategy:         intent.Strategy,
		RequiredCapacity: intent.Quantity,
		RiskTolerance:    1 - intent.Confidence,
	}
}

func (e *Engine) dedupLookup(intentID string) (types.ExecutionResult, bool, error) {
	raw, hit, err := e.ledger.lookup(intentID)
	if err != nil || !hit {
		return types.ExecutionResult{}, false, err
	}
	var result types.ExecutionResult
	if err := decodeResult(raw, &result); err != nil {
		return types.ExecutionResult{}, false, err
	}
	return result, true, nil
}

// recordHealthOutcome feeds a live submission's terminal result into the
// selected wallet's rolling health profile; failures that logs but never
// blocks execution, since health is a Select tie-break, not a limit.
func (e *Engine) recordHealthOutcome(walletID string, priorityFeePaid uint64, confirmStarted time.Time, landed bool) {
	latency := e.clk.Now().Sub(confirmStarted)
	if err := e.wm.RecordExecutionOutcome(walletID, priorityFeePaid, latency, landed); err != nil {
		e.log.Error().Err(err).Str("wallet_id", walletID).Msg("recording wallet health outcome")
	}
}

func (e *Engine) recordCompletion(intentID string, result types.ExecutionResult) {
	raw, err := encodeResult(result)
	if err != nil {
		e.log.Error().Err(err).Str("intent_id", intentID).Msg("encoding execution result for dedup ledger")
		return
	}
	if err := e.ledger.record(intentID, raw, e.clk.Now()); err != nil {
		e.log.Error().Err(err).Str("intent_id", intentID).Msg("recording execution result in dedup ledger")
	}
}
