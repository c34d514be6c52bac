package ml

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nao-namake/crypto-bot-sub005/internal/features"
)

// Loader walks the model fallback chain top-down and returns the best
// predictor it can construct. It never fails: the terminal tier is the
// DummyModel.
type Loader struct {
	modelDir       string
	catalog        *features.Catalog
	enableStacking bool
	logger         zerolog.Logger
}

// NewLoader builds a Loader rooted at modelDir.
func NewLoader(modelDir string, catalog *features.Catalog, enableStacking bool, logger zerolog.Logger) *Loader {
	return &Loader{
		modelDir:       modelDir,
		catalog:        catalog,
		enableStacking: enableStacking,
		logger:         logger.With().Str("component", "ml_loader").Logger(),
	}
}

// LoadedModel pairs a predictor with the level it satisfied.
type LoadedModel struct {
	Predictor Predictor
	Level     string
}

// Load descends the chain: stacking, full, basic, rebuilt-from-parts,
// dummy. Each miss is logged at WARNING and the next tier tried.
func (l *Loader) Load() LoadedModel {
	if l.enableStacking {
		if m, err := l.loadLevel(features.LevelStacking); err == nil {
			return m
		} else if !os.IsNotExist(rootCause(err)) {
			l.logger.Warn().Err(err).Msg("stacking model unavailable, descending")
		}
	}

	for _, level := range []string{features.LevelFull, features.LevelBasic} {
		if m, err := l.loadLevel(level); err == nil {
			return m
		} else {
			l.logger.Warn().Err(err).Str("level", level).Msg("model level unavailable, descending")
		}
	}

	if m, err := l.rebuildFromParts(); err == nil {
		return m
	} else {
		l.logger.Warn().Err(err).Msg("rebuild from individual artifacts failed, using dummy model")
	}

	return LoadedModel{Predictor: DummyModel{}, Level: "dummy"}
}

// LoadLevel loads one named level, or dummy when the name is "dummy".
func (l *Loader) LoadLevel(level string) (LoadedModel, error) {
	if level == "dummy" {
		return LoadedModel{Predictor: DummyModel{}, Level: "dummy"}, nil
	}
	return l.loadLevel(level)
}

func (l *Loader) loadLevel(level string) (LoadedModel, error) {
	lvl, ok := l.catalog.Levels()[level]
	if !ok {
		return LoadedModel{}, fmt.Errorf("catalog has no level %q", level)
	}
	file := lvl.ModelFile
	if file == "" {
		file = "model_" + level + ".json"
	}
	predictor, err := LoadArtifact(filepath.Join(l.modelDir, file))
	if err != nil {
		return LoadedModel{}, err
	}
	if fc := predictor.FeatureCount(); fc != 0 && lvl.Count != 0 && fc != lvl.Count {
		return LoadedModel{}, fmt.Errorf("level %q artifact expects %d features, catalog says %d", level, fc, lvl.Count)
	}
	l.logger.Info().Str("level", level).Str("model", predictor.Name()).Msg("model loaded")
	return LoadedModel{Predictor: predictor, Level: level}, nil
}

// rebuildFromParts assembles an equal-weight ensemble from every
// individual artifact named model_part_*.json in the model directory.
func (l *Loader) rebuildFromParts() (LoadedModel, error) {
	entries, err := os.ReadDir(l.modelDir)
	if err != nil {
		return LoadedModel{}, fmt.Errorf("reading model dir: %w", err)
	}
	var members []Predictor
	var weights []float64
	featureCount := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "model_part_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		member, err := LoadArtifact(filepath.Join(l.modelDir, name))
		if err != nil {
			l.logger.Warn().Err(err).Str("file", name).Msg("skipping unloadable part")
			continue
		}
		if featureCount == 0 {
			featureCount = member.FeatureCount()
		} else if fc := member.FeatureCount(); fc != 0 && fc != featureCount {
			l.logger.Warn().Str("file", name).Int("features", fc).Msg("skipping part with mismatched feature count")
			continue
		}
		members = append(members, member)
		weights = append(weights, 1)
	}
	if len(members) == 0 {
		return LoadedModel{}, fmt.Errorf("no loadable individual artifacts in %s", l.modelDir)
	}
	ens, err := NewEnsemble("rebuilt", members, weights, featureCount)
	if err != nil {
		return LoadedModel{}, err
	}
	l.logger.Info().Int("members", len(members)).Msg("ensemble rebuilt from individual artifacts")
	return LoadedModel{Predictor: ens, Level: "rebuilt"}, nil
}

// levelForFeatureCount finds the catalog level matching a vector width.
func (l *Loader) levelForFeatureCount(count int) (string, bool) {
	for name, lvl := range l.catalog.Levels() {
		if lvl.Count == count {
			return name, true
		}
	}
	return "", false
}

func rootCause(err error) error {
	for {
		unwrapped, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		next := unwrapped.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}
