package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Artifact envelope versions accepted by the loader.
const artifactVersion = 1

// artifact is the on-disk model container. Payload shape depends on Kind.
type artifact struct {
	Version      int             `json:"version"`
	Kind         string          `json:"kind"` // linear or ensemble
	Name         string          `json:"name"`
	FeatureCount int             `json:"feature_count"`
	Payload      json.RawMessage `json:"payload"`
}

// linearPayload is a softmax-over-linear-scores model: one weight row and
// bias per class.
type linearPayload struct {
	Weights [][]float64 `json:"weights"` // K rows × featureCount
	Biases  []float64   `json:"biases"`  // K
}

// ensemblePayload references sibling artifact files with blend weights.
type ensemblePayload struct {
	Members []struct {
		File   string  `json:"file"`
		Weight float64 `json:"weight"`
	} `json:"members"`
}

// LinearModel scores each class with a dot product and softmaxes.
type LinearModel struct {
	name         string
	weights      [][]float64
	biases       []float64
	featureCount int
}

func (m *LinearModel) Name() string      { return m.name }
func (m *LinearModel) FeatureCount() int { return m.featureCount }

func (m *LinearModel) PredictProba(X [][]float64) ([][]float64, error) {
	out := make([][]float64, len(X))
	for i, row := range X {
		if len(row) != m.featureCount {
			return nil, fmt.Errorf("model %q: input row %d has %d features, want %d", m.name, i, len(row), m.featureCount)
		}
		scores := make([]float64, NumClasses)
		for k := 0; k < NumClasses; k++ {
			s := m.biases[k]
			for j, x := range row {
				s += m.weights[k][j] * x
			}
			scores[k] = s
		}
		out[i] = softmax(scores)
	}
	return out, nil
}

func (m *LinearModel) Predict(X [][]float64) ([]int, error) {
	proba, err := m.PredictProba(X)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(proba))
	for i, row := range proba {
		out[i] = argmax(row)
	}
	return out, nil
}

var _ Predictor = (*LinearModel)(nil)

func softmax(scores []float64) []float64 {
	max := scores[0]
	for _, s := range scores[1:] {
		if s > max {
			max = s
		}
	}
	out := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// LoadArtifact reads and validates one artifact file, resolving ensemble
// members relative to the artifact's directory.
func LoadArtifact(path string) (Predictor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model artifact: %w", err)
	}
	var art artifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, fmt.Errorf("parsing model artifact %s: %w", path, err)
	}
	if art.Version != artifactVersion {
		return nil, fmt.Errorf("artifact %s has version %d, want %d", path, art.Version, artifactVersion)
	}

	switch art.Kind {
	case "linear":
		return loadLinear(art, path)
	case "ensemble":
		return loadEnsembleArtifact(art, path)
	default:
		return nil, fmt.Errorf("artifact %s has unknown kind %q", path, art.Kind)
	}
}

func loadLinear(art artifact, path string) (Predictor, error) {
	var p linearPayload
	if err := json.Unmarshal(art.Payload, &p); err != nil {
		return nil, fmt.Errorf("artifact %s payload: %w", path, err)
	}
	if len(p.Weights) != NumClasses || len(p.Biases) != NumClasses {
		return nil, fmt.Errorf("artifact %s: want %d classes, got %d weight rows and %d biases", path, NumClasses, len(p.Weights), len(p.Biases))
	}
	for k, row := range p.Weights {
		if len(row) != art.FeatureCount {
			return nil, fmt.Errorf("artifact %s: class %d weight row has %d features, want %d", path, k, len(row), art.FeatureCount)
		}
	}
	return &LinearModel{
		name:         art.Name,
		weights:      p.Weights,
		biases:       p.Biases,
		featureCount: art.FeatureCount,
	}, nil
}

func loadEnsembleArtifact(art artifact, path string) (Predictor, error) {
	var p ensemblePayload
	if err := json.Unmarshal(art.Payload, &p); err != nil {
		return nil, fmt.Errorf("artifact %s payload: %w", path, err)
	}
	if len(p.Members) == 0 {
		return nil, fmt.Errorf("artifact %s declares no ensemble members", path)
	}
	dir := filepath.Dir(path)
	members := make([]Predictor, 0, len(p.Members))
	weights := make([]float64, 0, len(p.Members))
	for _, m := range p.Members {
		member, err := LoadArtifact(filepath.Join(dir, m.File))
		if err != nil {
			return nil, fmt.Errorf("ensemble member %s: %w", m.File, err)
		}
		members = append(members, member)
		weights = append(weights, m.Weight)
	}
	return NewEnsemble(art.Name, members, weights, art.FeatureCount)
}
