package ml

import (
	"fmt"
	"math"
)

// Ensemble is a weighted average over base predictors. Weights are
// normalized to sum 1 at construction; the weighted argmax is the class.
type Ensemble struct {
	name         string
	members      []Predictor
	weights      []float64
	featureCount int
}

// NewEnsemble builds a weighted ensemble. Member and weight counts must
// match and weights must be positive.
func NewEnsemble(name string, members []Predictor, weights []float64, featureCount int) (*Ensemble, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("ensemble %q has no members", name)
	}
	if len(members) != len(weights) {
		return nil, fmt.Errorf("ensemble %q: %d members, %d weights", name, len(members), len(weights))
	}
	var sum float64
	for i, w := range weights {
		if w <= 0 || math.IsNaN(w) {
			return nil, fmt.Errorf("ensemble %q: weight %d is %f", name, i, w)
		}
		sum += w
	}
	normalized := make([]float64, len(weights))
	for i, w := range weights {
		normalized[i] = w / sum
	}
	return &Ensemble{name: name, members: members, weights: normalized, featureCount: featureCount}, nil
}

func (e *Ensemble) Name() string      { return e.name }
func (e *Ensemble) FeatureCount() int { return e.featureCount }

func (e *Ensemble) PredictProba(X [][]float64) ([][]float64, error) {
	if len(X) == 0 {
		return nil, nil
	}
	if e.featureCount > 0 {
		for i, row := range X {
			if len(row) != e.featureCount {
				return nil, fmt.Errorf("ensemble %q: input row %d has %d features, want %d", e.name, i, len(row), e.featureCount)
			}
		}
	}

	acc := make([][]float64, len(X))
	for i := range acc {
		acc[i] = make([]float64, NumClasses)
	}
	for m, member := range e.members {
		proba, err := member.PredictProba(X)
		if err != nil {
			return nil, fmt.Errorf("ensemble %q member %s: %w", e.name, member.Name(), err)
		}
		if err := validateProba(proba, len(X)); err != nil {
			return nil, fmt.Errorf("ensemble %q member %s: %w", e.name, member.Name(), err)
		}
		w := e.weights[m]
		for i, row := range proba {
			for k, p := range row {
				acc[i][k] += w * p
			}
		}
	}
	return acc, nil
}

func (e *Ensemble) Predict(X [][]float64) ([]int, error) {
	proba, err := e.PredictProba(X)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(proba))
	for i, row := range proba {
		out[i] = argmax(row)
	}
	return out, nil
}

var _ Predictor = (*Ensemble)(nil)
