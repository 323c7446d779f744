package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// DefaultCallTimeout bounds each RPC round trip.
const DefaultCallTimeout = 10 * time.Second

// RPCClient implements Client over a Solana JSON-RPC endpoint.
type RPCClient struct {
	rpc     *rpc.Client
	timeout time.Duration
}

// NewRPCClient dials endpoint. A non-positive timeout falls back to
// DefaultCallTimeout.
func NewRPCClient(endpoint string, timeout time.Duration) (*RPCClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("ledger: rpc endpoint required")
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &RPCClient{
		rpc:     rpc.New(endpoint),
		timeout: timeout,
	}, nil
}

// LatestBlockhash returns a finalized recent blockhash.
func (c *RPCClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("ledger: latest blockhash: %w", err)
	}
	return out.Value.Blockhash, nil
}

// AccountExists reports whether account is present on chain.
func (c *RPCClient) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.rpc.GetAccountInfo(ctx, account)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("ledger: account info %s: %w", account, err)
	}
	return out != nil && out.Value != nil, nil
}

// RecentPerformanceSamples returns up to limit recent throughput samples.
func (c *RPCClient) RecentPerformanceSamples(ctx context.Context, limit int) ([]PerfSample, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	n := uint(limit)
	out, err := c.rpc.GetRecentPerformanceSamples(ctx, &n)
	if err != nil {
		return nil, fmt.Errorf("ledger: performance samples: %w", err)
	}
	samples := make([]PerfSample, 0, len(out))
	for _, s := range out {
		if s == nil {
			continue
		}
		samples = append(samples, PerfSample{
			Slot:             uint64(s.Slot),
			NumSlots:         uint64(s.NumSlots),
			NumTransactions:  uint64(s.NumTransactions),
			SamplePeriodSecs: uint64(s.SamplePeriodSecs),
		})
	}
	return samples, nil
}

// RecentPrioritizationFees returns recent fee observations.
func (c *RPCClient) RecentPrioritizationFees(ctx context.Context, accounts []solana.PublicKey) ([]FeeSample, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.rpc.GetRecentPrioritizationFees(ctx, accounts)
	if err != nil {
		return nil, fmt.Errorf("ledger: prioritization fees: %w", err)
	}
	fees := make([]FeeSample, 0, len(out))
	for _, f := range out {
		fees = append(fees, FeeSample{
			Slot:              uint64(f.Slot),
			PrioritizationFee: uint64(f.PrioritizationFee),
		})
	}
	return fees, nil
}

// MinimumBalanceForRentExemption returns the rent-exempt balance for an
// account of dataSize bytes.
func (c *RPCClient) MinimumBalanceForRentExemption(ctx context.Context, dataSize uint64) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.rpc.GetMinimumBalanceForRentExemption(ctx, dataSize, rpc.CommitmentFinalized)
	if err != nil {
		return 0, fmt.Errorf("ledger: rent exemption: %w", err)
	}
	return out, nil
}
