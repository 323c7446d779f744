// Package riskscore defines the pluggable historical-pattern risk scorer.
// The relay ships with the Noop implementation; a real detector can be
// swapped in without touching the pipeline.
package riskscore

import "context"

// Assessment is the scorer's verdict for an address.
type Assessment struct {
	Suspicious bool
	Score      float64
	Flags      []string
}

// Scorer analyzes an address's historical activity.
type Scorer interface {
	Analyze(ctx context.Context, address string) (Assessment, error)
}

// Noop is the default scorer: every address is clear.
type Noop struct{}

// Analyze always reports a non-suspicious assessment.
func (Noop) Analyze(context.Context, string) (Assessment, error) {
	return Assessment{}, nil
}
