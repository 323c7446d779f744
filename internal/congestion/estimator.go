// Package congestion classifies current network load into a discrete fee
// tier. The estimator never fails a request: when sampling is unavailable
// it falls back to the medium tier.
package congestion

import (
	"context"
	"sort"

	"github.com/gagliardetto/solana-go"

	"pkt.systems/pslog"
	"pkt.systems/relayd/internal/ledger"
	"pkt.systems/relayd/internal/svcfields"
)

// Tier is a discrete congestion classification.
type Tier string

// Ordered congestion tiers.
const (
	TierLow     Tier = "low"
	TierMedium  Tier = "medium"
	TierHigh    Tier = "high"
	TierExtreme Tier = "extreme"
)

const (
	// DefaultSampleWindow is how many recent performance samples feed the
	// throughput metrics.
	DefaultSampleWindow = 5
	// DefaultFeePercentile selects the aggressive baseline from recent
	// prioritization fees.
	DefaultFeePercentile = 0.90
	// DefaultMaxPriorityFee caps the final fee (microlamports per compute
	// unit) regardless of tier, bounding worst-case cost.
	DefaultMaxPriorityFee = 2_000_000
)

// tierParams carries the per-tier fee floor and compute-unit budget.
type tierParams struct {
	feeFloor      uint64
	computeBudget uint32
}

var tierTable = map[Tier]tierParams{
	TierLow:     {feeFloor: 1_000, computeBudget: 200_000},
	TierMedium:  {feeFloor: 10_000, computeBudget: 250_000},
	TierHigh:    {feeFloor: 100_000, computeBudget: 300_000},
	TierExtreme: {feeFloor: 500_000, computeBudget: 400_000},
}

// Slot-time and transactions-per-slot thresholds separating the tiers.
// Nominal slot time is ~0.4s; sustained drift upward means the cluster is
// struggling to keep pace.
const (
	lowSlotSecs    = 0.50
	mediumSlotSecs = 0.60
	highSlotSecs   = 0.80

	lowTxPerSlot    = 2_500
	mediumTxPerSlot = 3_500
	highTxPerSlot   = 4_500
)

// Estimate is the classification result applied to a transaction.
type Estimate struct {
	Tier Tier
	// PriorityFee is the compute-unit price in microlamports.
	PriorityFee uint64
	// ComputeBudget is the compute-unit limit for the transaction.
	ComputeBudget uint32
	// Degraded reports that sampling failed and the medium default was
	// applied.
	Degraded bool
}

// Config drives Estimator construction.
type Config struct {
	SampleWindow   int
	FeePercentile  float64
	MaxPriorityFee uint64
	// FeeAccounts narrows prioritization-fee observations to accounts the
	// relay's transactions write-lock; empty means cluster-wide fees.
	FeeAccounts []solana.PublicKey
}

// Estimator samples recent throughput and fee data.
type Estimator struct {
	cfg    Config
	client ledger.Client
	logger pslog.Logger
}

// New constructs an Estimator over the ledger client.
func New(cfg Config, client ledger.Client, logger pslog.Logger) *Estimator {
	if cfg.SampleWindow <= 0 {
		cfg.SampleWindow = DefaultSampleWindow
	}
	if cfg.FeePercentile <= 0 || cfg.FeePercentile > 1 {
		cfg.FeePercentile = DefaultFeePercentile
	}
	if cfg.MaxPriorityFee == 0 {
		cfg.MaxPriorityFee = DefaultMaxPriorityFee
	}
	return &Estimator{
		cfg:    cfg,
		client: client,
		logger: svcfields.WithSubsystem(logger, "congestion"),
	}
}

// Estimate classifies current congestion. It never returns an error: any
// sampling failure degrades to the medium tier so transaction assembly can
// proceed.
func (e *Estimator) Estimate(ctx context.Context) Estimate {
	samples, err := e.client.RecentPerformanceSamples(ctx, e.cfg.SampleWindow)
	if err != nil || len(samples) == 0 {
		e.logger.Warn("performance sampling failed, using medium tier", "error", err)
		return e.fallback()
	}
	avgSlotSecs, avgTxPerSlot := throughput(samples)

	baseline := uint64(0)
	fees, err := e.client.RecentPrioritizationFees(ctx, e.cfg.FeeAccounts)
	if err != nil {
		e.logger.Warn("prioritization fee sampling failed, using tier floor", "error", err)
	} else {
		baseline = percentile(fees, e.cfg.FeePercentile)
	}

	tier := classify(avgSlotSecs, avgTxPerSlot)
	params := tierTable[tier]
	fee := baseline
	if fee < params.feeFloor {
		fee = params.feeFloor
	}
	if fee > e.cfg.MaxPriorityFee {
		fee = e.cfg.MaxPriorityFee
	}
	return Estimate{
		Tier:          tier,
		PriorityFee:   fee,
		ComputeBudget: params.computeBudget,
	}
}

func (e *Estimator) fallback() Estimate {
	params := tierTable[TierMedium]
	fee := params.feeFloor
	if fee > e.cfg.MaxPriorityFee {
		fee = e.cfg.MaxPriorityFee
	}
	return Estimate{
		Tier:          TierMedium,
		PriorityFee:   fee,
		ComputeBudget: params.computeBudget,
		Degraded:      true,
	}
}

// throughput reduces samples to average slot duration and average
// transactions per slot.
func throughput(samples []ledger.PerfSample) (avgSlotSecs, avgTxPerSlot float64) {
	var totalSlots, totalTx, totalSecs uint64
	for _, s := range samples {
		totalSlots += s.NumSlots
		totalTx += s.NumTransactions
		totalSecs += s.SamplePeriodSecs
	}
	if totalSlots == 0 {
		return 0, 0
	}
	return float64(totalSecs) / float64(totalSlots), float64(totalTx) / float64(totalSlots)
}

func classify(avgSlotSecs, avgTxPerSlot float64) Tier {
	switch {
	case avgSlotSecs <= lowSlotSecs && avgTxPerSlot < lowTxPerSlot:
		return TierLow
	case avgSlotSecs <= mediumSlotSecs && avgTxPerSlot < mediumTxPerSlot:
		return TierMedium
	case avgSlotSecs <= highSlotSecs && avgTxPerSlot < highTxPerSlot:
		return TierHigh
	default:
		return TierExtreme
	}
}

// percentile returns the pct-quantile of the observed fees (zero when no
// observations exist).
func percentile(fees []ledger.FeeSample, pct float64) uint64 {
	if len(fees) == 0 {
		return 0
	}
	values := make([]uint64, 0, len(fees))
	for _, f := range fees {
		values = append(values, f.PrioritizationFee)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	idx := int(pct * float64(len(values)))
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
