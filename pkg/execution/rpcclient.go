package execution

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// rpcChainClient implements chainClient against a live Solana RPC endpoint.
type rpcChainClient struct {
	client *rpc.Client
}

// NewRPCChainClient builds a live chain client against endpoint, used by
// cmd/executor to wire the engine in live trading mode.
func NewRPCChainClient(endpoint string) *rpcChainClient {
	return &rpcChainClient{client: rpc.New(endpoint)}
}

func (c *rpcChainClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := c.client.GetLatestBlockhash(ctx, rpc.CommitmentProcessed)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("execution: fetching latest blockhash: %w", err)
	}
	return out.Value.Blockhash, nil
}

func (c *rpcChainClient) SimulateComputeUnits(ctx context.Context, tx *solana.Transaction) (uint32, error) {
	out, err := c.client.SimulateTransaction(ctx, tx)
	if err != nil {
		return 0, fmt.Errorf("execution: simulating transaction: %w", err)
	}
	if out.Value.Err != nil {
		return 0, fmt.Errorf("execution: simulation reported error: %v", out.Value.Err)
	}
	if out.Value.UnitsConsumed != nil {
		return uint32(*out.Value.UnitsConsumed), nil
	}
	return 0, nil
}

func (c *rpcChainClient) SubmitBundle(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	zero := uint(0)
	sig, err := c.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight: true,
		MaxRetries:    &zero,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("execution: submitting transaction: %w", err)
	}
	return sig, nil
}
