// Package classifier turns raw failure signals into typed classifications.
package classifier

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/healing/metrics"
)

// Config holds classifier thresholds.
type Config struct {
	// ConfidenceFloor is the minimum score for any match to count.
	ConfidenceFloor float64 `yaml:"confidence_floor"`

	// ConfidenceThreshold is the minimum score to trust a pattern; anything
	// below is reported as Unknown with the best match as candidate.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{ConfidenceFloor: 0.5, ConfidenceThreshold: 0.85}
}

// Classifier evaluates an ordered matcher table. It holds no mutable state
// and is safe for concurrent use.
type Classifier struct {
	cfg      Config
	matchers []Matcher
}

// New creates a classifier. With no matchers the default table is used.
func New(cfg Config, matchers ...Matcher) (*Classifier, error) {
	if len(matchers) == 0 {
		matchers = DefaultMatchers()
	}
	for i, m := range matchers {
		if !m.Pattern.Known() || m.Pattern == domain.PatternUnknown {
			return nil, fmt.Errorf("matcher %d: unknown pattern %q", i, m.Pattern)
		}
		if m.Prior < 0 || m.Prior > 1 {
			return nil, fmt.Errorf("matcher %d: prior %.2f out of range", i, m.Prior)
		}
		if len(m.Signals) == 0 {
			return nil, fmt.Errorf("matcher %d: no signals", i)
		}
	}
	return &Classifier{cfg: cfg, matchers: matchers}, nil
}

// Classify never fails: malformed input and panicking matchers yield Unknown.
func (c *Classifier) Classify(ev domain.FailureEvent) domain.Classification {
	result := c.classify(ev)
	metrics.Classifications.WithLabelValues(
		string(result.PatternID),
		strconv.FormatBool(result.Ambiguous()),
	).Inc()
	return result
}

func (c *Classifier) classify(ev domain.FailureEvent) domain.Classification {
	if ev.Trigger == domain.TriggerManual && ev.ForcedPattern != "" && ev.ForcedPattern.Known() {
		return domain.Classification{
			PatternID:  ev.ForcedPattern,
			Confidence: 1,
			Evidence:   []string{"forced:" + string(ev.ForcedPattern)},
		}
	}

	text := strings.TrimSpace(ev.RawSignal)
	if text == "" {
		return unknown()
	}

	var (
		best     domain.PatternID
		bestConf float64
		bestEv   []string
	)
	for _, m := range c.matchers {
		conf, evidence := evaluate(m, text)
		if conf > bestConf {
			best, bestConf, bestEv = m.Pattern, conf, evidence
		}
	}

	if bestConf < c.cfg.ConfidenceFloor || bestConf == 0 {
		return unknown()
	}
	if bestConf < c.cfg.ConfidenceThreshold {
		slog.Debug("Classification below threshold",
			"candidate", best,
			"confidence", bestConf,
			"threshold", c.cfg.ConfidenceThreshold,
		)
		return domain.Classification{
			PatternID:  domain.PatternUnknown,
			Confidence: bestConf,
			Evidence:   bestEv,
			Candidate:  best,
		}
	}
	return domain.Classification{PatternID: best, Confidence: bestConf, Evidence: bestEv}
}

func evaluate(m Matcher, text string) (conf float64, evidence []string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Matcher panicked", "pattern", m.Pattern, "panic", r)
			conf, evidence = 0, nil
		}
	}()

	for _, s := range m.Signals {
		if s.Expr != nil && s.Expr.MatchString(text) {
			evidence = append(evidence, s.Name)
		}
	}
	need := m.Need
	if need <= 0 || need > len(m.Signals) {
		need = len(m.Signals)
	}
	ratio := float64(len(evidence)) / float64(need)
	if ratio > 1 {
		ratio = 1
	}
	return m.Prior * ratio, evidence
}

func unknown() domain.Classification {
	return domain.Classification{PatternID: domain.PatternUnknown, Confidence: 0}
}
