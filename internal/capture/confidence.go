// Package capture decides whether a camera session contains a photograph.
//
// A Strategy matches sessions by app pattern, collects the artifact event
// types it credits from the session's contributing events and scores them
// through a ConfidenceCalculator built over an injected weight table.
package capture

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrNoWeights is returned when a calculator is built without a weight table.
	ErrNoWeights = errors.New("capture: weight table is empty")
	// ErrInvalidWeight is returned for weights outside [0,1].
	ErrInvalidWeight = errors.New("capture: invalid weight")
)

// WeightTable maps an artifact event type to the evidence it contributes.
type WeightTable map[string]float64

// Weight returns the weight of an artifact type, zero when unknown.
func (w WeightTable) Weight(artifact string) float64 {
	return w[artifact]
}

// Validate rejects empty tables and weights outside [0,1].
func (w WeightTable) Validate() error {
	if len(w) == 0 {
		return ErrNoWeights
	}
	for k, v := range w {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: %s = %v", ErrInvalidWeight, k, v)
		}
	}
	return nil
}

// Clone returns a copy of the table.
func (w WeightTable) Clone() WeightTable {
	out := make(WeightTable, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// ConfidenceCalculator sums artifact weights.
type ConfidenceCalculator struct {
	weights WeightTable
}

// NewConfidenceCalculator creates a calculator over a validated copy of weights.
func NewConfidenceCalculator(weights WeightTable) (*ConfidenceCalculator, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	return &ConfidenceCalculator{weights: weights.Clone()}, nil
}

// Weights returns a copy of the weight table in use.
func (c *ConfidenceCalculator) Weights() WeightTable {
	return c.weights.Clone()
}

// Score sums the weights of the distinct artifacts. A positive maxScore
// clamps the result.
func (c *ConfidenceCalculator) Score(artifacts []string, maxScore float64) float64 {
	distinct := Distinct(artifacts)
	var sum float64
	for _, a := range distinct {
		sum += c.weights.Weight(a)
	}
	sum = math.Round(sum*1e4) / 1e4
	if maxScore > 0 && sum > maxScore {
		return maxScore
	}
	return sum
}

// Distinct returns the unique values of list in sorted order.
func Distinct(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, v := range list {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
