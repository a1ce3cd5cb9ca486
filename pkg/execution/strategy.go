package execution

import (
	"github.com/gagliardetto/solana-go"

	"github.com/solflux-labs/hft-core/pkg/types"
)

// NoStrategyInstructions is the default StrategyBuilder: it contributes no
// instructions beyond the compute-budget and tip instructions every
// submission already carries. Concrete per-strategy instruction builders
// (DEX swap routing, order placement) are strategy research and out of
// scope here; this keeps the instruction-list contract wired end to end
// without inventing a specific DEX integration.
type NoStrategyInstructions struct{}

func (NoStrategyInstructions) Build(intent types.Intent, wallet solana.PublicKey) ([]solana.Instruction, error) {
	return nil, nil
}
