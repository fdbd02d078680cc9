package domain

import (
	"fmt"
	"sort"
	"sync"
)

// PatternID identifies a failure pattern. The set is closed at compile time
// for the built-in patterns and can be extended once at startup through
// RegisterPattern.
type PatternID string

const (
	PatternLockfileCorruption PatternID = "LockfileCorruption"
	PatternCacheCorruption    PatternID = "CacheCorruption"
	PatternNetworkTimeout     PatternID = "NetworkTimeout"
	PatternServiceUnavailable PatternID = "ServiceUnavailable"
	PatternUnknown            PatternID = "Unknown"
)

// BuiltinPatterns lists every pattern the engine ships with, excluding Unknown.
var BuiltinPatterns = []PatternID{
	PatternLockfileCorruption,
	PatternCacheCorruption,
	PatternNetworkTimeout,
	PatternServiceUnavailable,
}

var (
	patternsMu sync.RWMutex
	patterns   = map[PatternID]struct{}{
		PatternLockfileCorruption: {},
		PatternCacheCorruption:    {},
		PatternNetworkTimeout:     {},
		PatternServiceUnavailable: {},
		PatternUnknown:            {},
	}
)

// RegisterPattern adds a new pattern identifier to the known set.
func RegisterPattern(id PatternID) error {
	if id == "" {
		return fmt.Errorf("pattern id must not be empty")
	}
	patternsMu.Lock()
	defer patternsMu.Unlock()
	if _, ok := patterns[id]; ok {
		return fmt.Errorf("pattern %q already registered", id)
	}
	patterns[id] = struct{}{}
	return nil
}

// Known reports whether the pattern has been registered.
func (p PatternID) Known() bool {
	patternsMu.RLock()
	defer patternsMu.RUnlock()
	_, ok := patterns[p]
	return ok
}

// Automatable reports whether the pattern can ever be handled without a human.
func (p PatternID) Automatable() bool {
	return p != PatternUnknown && p.Known()
}

// KnownPatterns returns all registered patterns in a stable order.
func KnownPatterns() []PatternID {
	patternsMu.RLock()
	defer patternsMu.RUnlock()
	out := make([]PatternID, 0, len(patterns))
	for p := range patterns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Classification is the typed result of classifying a FailureEvent.
type Classification struct {
	PatternID  PatternID `json:"pattern_id"`
	Confidence float64   `json:"confidence"`
	Evidence   []string  `json:"evidence,omitempty"`

	// Candidate is the best-scoring pattern when the result was forced to
	// Unknown for being below the confidence threshold.
	Candidate PatternID `json:"candidate,omitempty"`
}

// Ambiguous reports whether a candidate existed but was not trusted.
func (c Classification) Ambiguous() bool {
	return c.PatternID == PatternUnknown && c.Candidate != "" && c.Candidate != PatternUnknown
}
