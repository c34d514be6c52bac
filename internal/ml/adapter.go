package ml

import (
	"sync"

	"github.com/rs/zerolog"
)

// Adapter is the trading core's single prediction surface. It wraps the
// currently loaded model and routes any failure to the DummyModel so a
// prediction call never errors out of the adapter.
type Adapter struct {
	mu     sync.RWMutex
	loaded LoadedModel
	loader *Loader
	logger zerolog.Logger
}

// NewAdapter loads the best available model through the fallback chain.
func NewAdapter(loader *Loader, logger zerolog.Logger) *Adapter {
	a := &Adapter{
		loader: loader,
		logger: logger.With().Str("component", "ml_adapter").Logger(),
	}
	a.loaded = loader.Load()
	return a
}

// Level reports the active model level.
func (a *Adapter) Level() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.loaded.Level
}

// ModelName reports the active model's name.
func (a *Adapter) ModelName() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.loaded.Predictor.Name()
}

func (a *Adapter) current() Predictor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.loaded.Predictor
}

// Predict returns class labels for a batch. Any model failure falls back
// to the dummy hold prediction.
func (a *Adapter) Predict(X [][]float64) []int {
	labels, err := a.current().Predict(X)
	if err != nil {
		a.logger.Warn().Err(err).Msg("prediction failed, falling back to dummy")
		labels, _ = DummyModel{}.Predict(X)
	}
	return labels
}

// PredictProba returns the N×K probability matrix, dummy on failure.
func (a *Adapter) PredictProba(X [][]float64) [][]float64 {
	proba, err := a.current().PredictProba(X)
	if err == nil {
		err = validateProba(proba, len(X))
	}
	if err != nil {
		a.logger.Warn().Err(err).Msg("probability prediction failed, falling back to dummy")
		proba, _ = DummyModel{}.PredictProba(X)
	}
	return proba
}

// EnsureCorrectModel reloads the level whose expected width matches the
// observed feature count. No-op when the widths already agree or no level
// matches.
func (a *Adapter) EnsureCorrectModel(featureCount int) {
	a.mu.RLock()
	currentCount := a.loaded.Predictor.FeatureCount()
	a.mu.RUnlock()
	if currentCount == 0 || currentCount == featureCount {
		return
	}

	level, ok := a.loader.levelForFeatureCount(featureCount)
	if !ok {
		a.logger.Warn().Int("feature_count", featureCount).Msg("no model level matches observed feature count")
		return
	}
	loaded, err := a.loader.LoadLevel(level)
	if err != nil {
		a.logger.Warn().Err(err).Str("level", level).Msg("matching level failed to load, keeping current model")
		return
	}
	a.mu.Lock()
	a.loaded = loaded
	a.mu.Unlock()
	a.logger.Info().Str("level", level).Int("feature_count", featureCount).Msg("model switched to match feature width")
}

// ReloadModel re-runs the loader chain. Transactional: a failed or
// dummy-only reload keeps the previously loaded model when that model
// outranks dummy.
func (a *Adapter) ReloadModel() {
	fresh := a.loader.Load()
	a.mu.Lock()
	defer a.mu.Unlock()
	if fresh.Level == "dummy" && a.loaded.Level != "dummy" {
		a.logger.Warn().Str("kept", a.loaded.Level).Msg("reload only produced dummy, keeping current model")
		return
	}
	a.loaded = fresh
	a.logger.Info().Str("level", fresh.Level).Msg("model reloaded")
}
