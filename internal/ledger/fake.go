package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// Fake is an in-memory Client for tests. Zero-value fields yield sane
// defaults; error fields force the corresponding call to fail.
type Fake struct {
	mu sync.Mutex

	Blockhash    solana.Hash
	BlockhashErr error

	Accounts    map[solana.PublicKey]bool
	AccountsErr error

	PerfSamples    []PerfSample
	PerfSamplesErr error

	Fees    []FeeSample
	FeesErr error

	RentExempt    uint64
	RentExemptErr error
}

// ErrFakeUnavailable is the default failure injected by the *_Err fields.
var ErrFakeUnavailable = errors.New("ledger: fake unavailable")

// SetAccount marks account as existing (or not) on the fake chain.
func (f *Fake) SetAccount(account solana.PublicKey, exists bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Accounts == nil {
		f.Accounts = make(map[solana.PublicKey]bool)
	}
	f.Accounts[account] = exists
}

// LatestBlockhash implements Client.
func (f *Fake) LatestBlockhash(context.Context) (solana.Hash, error) {
	if f.BlockhashErr != nil {
		return solana.Hash{}, f.BlockhashErr
	}
	return f.Blockhash, nil
}

// AccountExists implements Client.
func (f *Fake) AccountExists(_ context.Context, account solana.PublicKey) (bool, error) {
	if f.AccountsErr != nil {
		return false, f.AccountsErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Accounts[account], nil
}

// RecentPerformanceSamples implements Client.
func (f *Fake) RecentPerformanceSamples(_ context.Context, limit int) ([]PerfSample, error) {
	if f.PerfSamplesErr != nil {
		return nil, f.PerfSamplesErr
	}
	if limit > 0 && limit < len(f.PerfSamples) {
		return f.PerfSamples[:limit], nil
	}
	return f.PerfSamples, nil
}

// RecentPrioritizationFees implements Client.
func (f *Fake) RecentPrioritizationFees(context.Context, []solana.PublicKey) ([]FeeSample, error) {
	if f.FeesErr != nil {
		return nil, f.FeesErr
	}
	return f.Fees, nil
}

// MinimumBalanceForRentExemption implements Client.
func (f *Fake) MinimumBalanceForRentExemption(context.Context, uint64) (uint64, error) {
	if f.RentExemptErr != nil {
		return 0, f.RentExemptErr
	}
	return f.RentExempt, nil
}
