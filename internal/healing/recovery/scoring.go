package recovery

import (
	"context"
	"log/slog"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/infra/storage"
)

// ScoringConfig controls success-rate weighting.
type ScoringConfig struct {
	// Window is how many recent records make up the rate.
	Window int `yaml:"window"`

	// MinSamples is the number of records below which a strategy always qualifies.
	MinSamples int `yaml:"min_samples"`

	// Floor is the rate a strategy must stay above to be selected.
	Floor float64 `yaml:"floor"`
}

// DefaultScoringConfig returns the defaults.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{Window: 20, MinSamples: 5, Floor: 0.2}
}

// Scorer computes strategy success rates from MetricsRecord history.
type Scorer struct {
	repo storage.MetricsRepository
	cfg  ScoringConfig
}

// NewScorer creates a scorer.
func NewScorer(repo storage.MetricsRepository, cfg ScoringConfig) *Scorer {
	if cfg.Window <= 0 {
		cfg.Window = 20
	}
	return &Scorer{repo: repo, cfg: cfg}
}

// Rate returns the mean score of the strategy's recent records.
func (s *Scorer) Rate(ctx context.Context, id domain.StrategyID) (rate float64, samples int, err error) {
	records, err := s.repo.Recent(ctx, id, s.cfg.Window)
	if err != nil {
		return 0, 0, err
	}
	if len(records) == 0 {
		return 0, 0, nil
	}
	var sum float64
	for _, r := range records {
		sum += r.Score
	}
	return sum / float64(len(records)), len(records), nil
}

// Qualifies reports whether the strategy may be selected. A metrics store
// outage never blocks selection.
func (s *Scorer) Qualifies(ctx context.Context, id domain.StrategyID) bool {
	rate, samples, err := s.Rate(ctx, id)
	if err != nil {
		slog.Warn("Failed to read strategy history, allowing selection", "strategy", id, "error", err)
		return true
	}
	if samples < s.cfg.MinSamples {
		return true
	}
	return rate > s.cfg.Floor
}
