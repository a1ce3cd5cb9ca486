package execution

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/computebudget"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/solflux-labs/hft-core/pkg/config"
	"github.com/solflux-labs/hft-core/pkg/types"
)

const protocolMaxComputeUnits uint32 = 1_400_000

// StrategyBuilder produces the strategy-specific instructions for an Intent
// (the swap/transfer/order-placement instructions a given strategy issues
// against its target program), given the wallet submitting them.
type StrategyBuilder interface {
	Build(intent types.Intent, wallet solana.PublicKey) ([]solana.Instruction, error)
}

// buildInstructionList assembles [SetComputeUnitLimit, SetComputeUnitPrice,
// ...strategy instructions, tip-to-bundle-relay] per the execution contract,
// validating every program ID and the tip destination against the
// configured allowlist before a single instruction leaves this function.
func buildInstructionList(cfg *config.Config, intent types.Intent, wallet solana.PublicKey, computeUnits uint32, microLamportsFee uint64, strategy StrategyBuilder, tipAccount solana.PublicKey, tipLamports uint64) ([]solana.Instruction, error) {
	var ixs []solana.Instruction

	limitIx, err := computebudget.NewSetComputeUnitLimitInstructionBuilder().
		SetUnits(computeUnits).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("execution: compute unit limit instruction: %w", err)
	}
	ixs = append(ixs, limitIx)

	priceIx, err := computebudget.NewSetComputeUnitPriceInstructionBuilder().
		SetMicroLamports(microLamportsFee).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("execution: compute unit price instruction: %w", err)
	}
	ixs = append(ixs, priceIx)

	strategyIxs, err := strategy.Build(intent, wallet)
	if err != nil {
		return nil, fmt.Errorf("execution: strategy instructions: %w", err)
	}
	for _, ix := range strategyIxs {
		if !config.IsKnownProgramID(ix.ProgramID().String()) {
			return nil, fmt.Errorf("execution: refusing instruction against unknown program %s", ix.ProgramID())
		}
	}
	ixs = append(ixs, strategyIxs...)

	if !config.IsKnownTipAccount(tipAccount.String()) {
		return nil, fmt.Errorf("execution: refusing tip to unknown account %s", tipAccount)
	}
	tipIx := system.NewTransferInstruction(tipLamports, wallet, tipAccount).Build()
	ixs = append(ixs, tipIx)

	return ixs, nil
}
