package execution

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/solflux-labs/hft-core/pkg/config"
	"github.com/solflux-labs/hft-core/pkg/types"
)

// processLive drives the full select-build-sign-submit-confirm contract for
// one non-HOLD Intent, retrying on Dropped submissions up to
// protocolMaxRetries with exponential backoff, re-fetching the blockhash and
// re-estimating the priority fee on every attempt, and abandoning further
// retries once the intent's TTL has elapsed.
func (e *Engine) processLive(ctx context.Context, intent types.Intent, start time.Time) types.ExecutionResult {
	criteria := criteriaFromIntent(intent)
	selected, err := e.wm.Select(criteria)
	if err != nil {
		return e.rejected(intent, "wallet selection failed: "+err.Error())
	}

	token, err := e.wm.Reserve(selected.WalletID, intent.Symbol, intent.Quantity)
	if err != nil {
		return e.rejected(intent, "reservation failed: "+err.Error())
	}

	walletPub, err := e.wm.PublicKey(selected.WalletID)
	if err != nil {
		_ = e.wm.Release(token.Token)
		return e.rejected(intent, "wallet key lookup failed: "+err.Error())
	}

	var (
		signature      solana.Signature
		terminal       string
		terminalErr    error
		lastAttempt    int
		lastFee        uint64
		confirmStarted time.Time
	)

	for attempt := 1; attempt <= protocolMaxRetries+1; attempt++ {
		lastAttempt = attempt
		if intent.Expired(e.clk.Now()) {
			terminal = statusDropped
			terminalErr = nil
			break
		}

		sig, fee, err := e.buildSignSubmit(ctx, intent, selected, walletPub)
		if err != nil {
			e.log.Warn().Err(err).Str("intent_id", intent.IntentID).Int("attempt", attempt).Msg("submission attempt failed")
			terminal, terminalErr = statusFailed, err
			break
		}
		signature = sig
		lastFee = fee

		deadline := defaultFreshnessDeadline
		if remaining := intent.ExpiresAt().Sub(e.clk.Now()); remaining > 0 && remaining < deadline {
			deadline = remaining
		}

		confirmStarted = e.clk.Now()
		status, err := runConfirmationStateMachine(ctx, e.watcher, sig.String(), deadline)
		terminal, terminalErr = status, err

		if status == statusLanded || status == statusFailed {
			break
		}
		// status == statusDropped: retry if budget remains.
		if attempt > protocolMaxRetries {
			break
		}
		backoff := retryBaseBackoff * time.Duration(1<<uint(attempt-1))
		if backoff > retryMaxBackoff {
			backoff = retryMaxBackoff
		}
		select {
		case <-ctx.Done():
			terminal = statusFailed
			terminalErr = ctx.Err()
		case <-time.After(backoff):
		}
	}

	result := types.ExecutionResult{
		IntentID:   intent.IntentID,
		Signature:  signature.String(),
		LatencyMS:  e.clk.Now().Sub(start).Milliseconds(),
		ProducedAt: e.clk.Now(),
	}

	switch terminal {
	case statusLanded:
		result.Status = types.ExecExecuted
		if err := e.wm.Commit(token.Token, intent.IntentID, 0, intent.RiskEnvelope.StopPrice, intent.RiskEnvelope.TakeProfitPrice); err != nil {
			e.log.Error().Err(err).Str("intent_id", intent.IntentID).Msg("committing live reservation")
		}
		e.recordHealthOutcome(selected.WalletID, lastFee, confirmStarted, true)
	case statusDropped:
		if intent.Expired(e.clk.Now()) {
			result.Status = types.ExecExpired
		} else {
			result.Status = types.ExecRejected
			result.RejectReason = "dropped after exhausting retries"
		}
		_ = e.wm.Release(token.Token)
		if !confirmStarted.IsZero() {
			e.recordHealthOutcome(selected.WalletID, lastFee, confirmStarted, false)
		}
	default: // statusFailed
		result.Status = types.ExecError
		if terminalErr != nil {
			result.Error = terminalErr.Error()
		}
		_ = e.wm.Release(token.Token)
	}

	e.log.Info().Str("intent_id", intent.IntentID).Str("status", string(result.Status)).Int("attempts", lastAttempt).Msg("execution terminal")
	e.recordCompletion(intent.IntentID, result)
	return result
}

// buildSignSubmit performs one submission attempt: simulate compute units,
// compute priority fee, build the instruction list, fetch a fresh blockhash,
// sign, and submit as a bundle with skip_preflight=true. It also returns the
// priority fee actually submitted with this attempt (micro-lamports per
// compute unit), fed into the wallet's rolling health profile once the
// attempt reaches a terminal state.
func (e *Engine) buildSignSubmit(ctx context.Context, intent types.Intent, selected types.Wallet, walletPub solana.PublicKey) (solana.Signature, uint64, error) {
	blockhash, err := e.chain.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, 0, err
	}

	recommended, err := e.oracle.RecommendedFee()
	if err != nil {
		recommended = e.cfg.PriorityFeeMin
	}
	fee := clampPriorityFee(recommended, e.cfg.PriorityFeeBuffer, e.cfg.PriorityFeeMin, e.cfg.PriorityFeeMax)

	tipAccount := solana.PublicKey{}
	for addr := range config.KnownTipAccounts {
		pk, err := solana.PublicKeyFromBase58(addr)
		if err == nil {
			tipAccount = pk
			break
		}
	}

	simTx, err := solana.NewTransaction([]solana.Instruction{}, blockhash, solana.TransactionPayer(walletPub))
	if err != nil {
		return solana.Signature{}, 0, err
	}
	simulatedUnits, err := e.chain.SimulateComputeUnits(ctx, simTx)
	if err != nil {
		simulatedUnits = 200_000
	}
	computeUnits := computeUnitBudget(simulatedUnits, e.cfg.ComputeUnitMargin, protocolMaxComputeUnits)

	ixs, err := buildInstructionList(e.cfg, intent, walletPub, computeUnits, fee, e.strategy, tipAccount, e.cfg.BundleTipLamports)
	if err != nil {
		return solana.Signature{}, 0, err
	}

	tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(walletPub))
	if err != nil {
		return solana.Signature{}, 0, err
	}

	if err := e.wm.Sign(selected.WalletID, tx); err != nil {
		return solana.Signature{}, 0, err
	}

	sig, err := e.chain.SubmitBundle(ctx, tx)
	return sig, fee, err
}
