package cache

import "github.com/vietddude/selfheal/internal/core/domain"

// Similarity scores how compatible two environment fingerprints are, in [0,1].
type Similarity interface {
	Score(a, b string) float64
}

// ComponentSimilarity compares fingerprints component by component.
// Opaque fingerprints only match themselves.
type ComponentSimilarity struct {
	Platform float64
	Tools    float64
	Manifest float64
}

// DefaultSimilarity weights the platform highest, then toolchain, then manifest.
var DefaultSimilarity = ComponentSimilarity{Platform: 0.5, Tools: 0.3, Manifest: 0.2}

func (s ComponentSimilarity) Score(a, b string) float64 {
	if a == b {
		return 1
	}
	ca, okA := domain.ParseEnvironmentFingerprint(a)
	cb, okB := domain.ParseEnvironmentFingerprint(b)
	if !okA || !okB {
		return 0
	}

	total := s.Platform + s.Tools + s.Manifest
	if total <= 0 {
		return 0
	}

	var score float64
	if ca.Platform == cb.Platform {
		score += s.Platform
	}
	if ca.Tools == cb.Tools {
		score += s.Tools
	}
	if ca.Manifest == cb.Manifest {
		score += s.Manifest
	}
	return score / total
}
