// Package ml loads prediction models and exposes a uniform Predictor
// surface to the trading core. Any load or inference failure degrades to
// a deterministic hold prediction.
package ml

import (
	"fmt"
)

// Class labels in probability-column order.
const (
	ClassBuy  = 0
	ClassHold = 1
	ClassSell = 2

	NumClasses = 3
)

// Predictor is the narrow capability every model implements: class labels
// and an N×K probability matrix for a batch of ordered feature vectors.
type Predictor interface {
	Predict(X [][]float64) ([]int, error)
	PredictProba(X [][]float64) ([][]float64, error)
	// FeatureCount is the expected vector width, 0 when the model
	// accepts any width.
	FeatureCount() int
	Name() string
}

// DummyModel always predicts hold with uniform probabilities. It is the
// terminal tier of the fallback chain and never fails.
type DummyModel struct{}

func (DummyModel) Predict(X [][]float64) ([]int, error) {
	out := make([]int, len(X))
	for i := range out {
		out[i] = ClassHold
	}
	return out, nil
}

func (DummyModel) PredictProba(X [][]float64) ([][]float64, error) {
	out := make([][]float64, len(X))
	for i := range out {
		out[i] = []float64{0.5, 0.5, 0.5}
	}
	return out, nil
}

func (DummyModel) FeatureCount() int { return 0 }
func (DummyModel) Name() string      { return "dummy" }

var _ Predictor = DummyModel{}

// validateProba checks an N×K matrix shape against the batch size.
func validateProba(proba [][]float64, n int) error {
	if len(proba) != n {
		return fmt.Errorf("probability matrix has %d rows, want %d", len(proba), n)
	}
	for i, row := range proba {
		if len(row) != NumClasses {
			return fmt.Errorf("probability row %d has %d columns, want %d", i, len(row), NumClasses)
		}
	}
	return nil
}

// argmax returns the index of the largest value, first on ties.
func argmax(row []float64) int {
	best := 0
	for i := 1; i < len(row); i++ {
		if row[i] > row[best] {
			best = i
		}
	}
	return best
}
