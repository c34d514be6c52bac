// Package features exposes the read-only feature catalog: which ordered
// feature names each model level expects and which artifact serves it.
// Feature values are computed elsewhere and arrive as ordered vectors.
package features

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Model levels in descending capability.
const (
	LevelStacking = "stacking"
	LevelFull     = "full"
	LevelBasic    = "basic"
)

// fallbackFeatures is the hard-coded baseline used when no manifest is
// available.
var fallbackFeatures = []string{
	"close", "volume", "returns_1",
	"rsi_14", "macd", "macd_signal",
	"atr_14", "bb_upper", "bb_lower",
	"ema_20", "ema_50", "adx_14",
	"plus_di_14", "minus_di_14", "volume_ratio",
}

// manifest mirrors the on-disk catalog file.
type manifest struct {
	TotalFeatures int                      `json:"total_features"`
	FeatureLevels map[string]levelManifest `json:"feature_levels"`
	Categories    map[string]categoryBlock `json:"feature_categories"`
}

type levelManifest struct {
	Count       int    `json:"count"`
	ModelFile   string `json:"model_file"`
	Description string `json:"description"`
}

type categoryBlock struct {
	Features []string `json:"features"`
}

// Level describes one feature level.
type Level struct {
	Name      string
	Features  []string
	Count     int
	ModelFile string
}

// Catalog is the cached per-process feature catalog. Constructor-injected
// into consumers; immutable after load.
type Catalog struct {
	mu       sync.RWMutex
	levels   map[string]Level
	order    []string // ordered union across categories
	byCat    map[string][]string
	fallback bool
	logger   zerolog.Logger
}

// Load reads the manifest at path. A missing or unreadable manifest falls
// back to the baseline 15-feature basic level.
func Load(path string, logger zerolog.Logger) *Catalog {
	c := &Catalog{
		levels: make(map[string]Level),
		byCat:  make(map[string][]string),
		logger: logger.With().Str("component", "feature_catalog").Logger(),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("manifest unavailable, using baseline features")
		c.useFallback()
		return c
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("manifest unparseable, using baseline features")
		c.useFallback()
		return c
	}
	if err := c.apply(m); err != nil {
		c.logger.Warn().Err(err).Msg("manifest invalid, using baseline features")
		c.useFallback()
		return c
	}
	c.logger.Info().Int("total_features", len(c.order)).Int("levels", len(c.levels)).Msg("feature catalog loaded")
	return c
}

func (c *Catalog) apply(m manifest) error {
	if len(m.FeatureLevels) == 0 {
		return fmt.Errorf("manifest has no feature levels")
	}

	// Category blocks carry the actual names; their order defines the
	// feature vector order. Categories iterate sorted for determinism.
	cats := make([]string, 0, len(m.Categories))
	for name := range m.Categories {
		cats = append(cats, name)
	}
	sort.Strings(cats)
	seen := make(map[string]struct{})
	for _, cat := range cats {
		for _, feat := range m.Categories[cat].Features {
			if _, dup := seen[feat]; dup {
				continue
			}
			seen[feat] = struct{}{}
			c.order = append(c.order, feat)
			c.byCat[cat] = append(c.byCat[cat], feat)
		}
	}
	if len(c.order) == 0 {
		return fmt.Errorf("manifest categories define no features")
	}

	for name, lvl := range m.FeatureLevels {
		count := lvl.Count
		if count <= 0 || count > len(c.order) {
			count = len(c.order)
		}
		c.levels[name] = Level{
			Name:      name,
			Features:  append([]string(nil), c.order[:count]...),
			Count:     count,
			ModelFile: lvl.ModelFile,
		}
	}
	return nil
}

func (c *Catalog) useFallback() {
	c.fallback = true
	c.order = append([]string(nil), fallbackFeatures...)
	c.levels[LevelBasic] = Level{
		Name:     LevelBasic,
		Features: append([]string(nil), fallbackFeatures...),
		Count:    len(fallbackFeatures),
	}
	c.byCat["basic"] = append([]string(nil), fallbackFeatures...)
}

// Names returns the ordered feature list for a level.
func (c *Catalog) Names(level string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lvl, ok := c.levels[level]
	if !ok {
		return nil, false
	}
	return append([]string(nil), lvl.Features...), true
}

// Count returns the expected vector width for a level.
func (c *Catalog) Count(level string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lvl, ok := c.levels[level]
	if !ok {
		return 0, false
	}
	return lvl.Count, true
}

// Levels returns the level map keyed by name.
func (c *Catalog) Levels() map[string]Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Level, len(c.levels))
	for k, v := range c.levels {
		out[k] = v
	}
	return out
}

// Categorized returns features grouped by category.
func (c *Catalog) Categorized() map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]string, len(c.byCat))
	for k, v := range c.byCat {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// UsingFallback reports whether the baseline feature set is active.
func (c *Catalog) UsingFallback() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fallback
}

// ValidateVector checks an ordered vector against a level's expected
// width and rejects non-finite entries.
func (c *Catalog) ValidateVector(level string, vector []float64) error {
	count, ok := c.Count(level)
	if !ok {
		return fmt.Errorf("unknown feature level %q", level)
	}
	if len(vector) != count {
		return fmt.Errorf("feature vector has %d values, level %q expects %d", len(vector), level, count)
	}
	for i, v := range vector {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("feature %d is not finite", i)
		}
	}
	return nil
}
