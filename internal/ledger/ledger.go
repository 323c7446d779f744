// Package ledger is the relay's boundary to the Solana RPC surface. The
// congestion estimator and transaction assembler consume this interface;
// the rpc-backed implementation lives in client.go and tests use Fake.
package ledger

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// PerfSample captures the throughput fields of one recent performance
// sample.
type PerfSample struct {
	Slot             uint64
	NumSlots         uint64
	NumTransactions  uint64
	SamplePeriodSecs uint64
}

// FeeSample is one recent prioritization-fee observation in microlamports
// per compute unit.
type FeeSample struct {
	Slot              uint64
	PrioritizationFee uint64
}

// Client is the subset of ledger RPC the relay depends on. Every call is
// expected to respect ctx deadlines; implementations attach their own
// per-call timeout.
type Client interface {
	// LatestBlockhash returns a recent blockhash usable as the
	// transaction checkpoint.
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	// AccountExists reports whether the account is present on chain.
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)
	// RecentPerformanceSamples returns up to limit recent throughput
	// samples, most recent first.
	RecentPerformanceSamples(ctx context.Context, limit int) ([]PerfSample, error)
	// RecentPrioritizationFees returns recent fee observations for the
	// supplied write-locked accounts (empty slice for global fees).
	RecentPrioritizationFees(ctx context.Context, accounts []solana.PublicKey) ([]FeeSample, error)
	// MinimumBalanceForRentExemption returns the rent-exempt balance for
	// an account of the given data size.
	MinimumBalanceForRentExemption(ctx context.Context, dataSize uint64) (uint64, error)
}
