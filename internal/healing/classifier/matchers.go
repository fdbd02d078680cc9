package classifier

import (
	"regexp"

	"github.com/vietddude/selfheal/internal/core/domain"
)

// Signal is one named regular expression checked against the raw signal.
type Signal struct {
	Name string
	Expr *regexp.Regexp
}

// Matcher scores one pattern. Confidence is Prior scaled by the share of
// Need signals that matched, so a partial match can still fall under the floor.
type Matcher struct {
	Pattern domain.PatternID
	Prior   float64
	Signals []Signal

	// Need is how many signals must match for the full prior. Zero means all.
	Need int
}

func signal(name, expr string) Signal {
	return Signal{Name: name, Expr: regexp.MustCompile(expr)}
}

// DefaultMatchers is the built-in matcher table, checked in order.
func DefaultMatchers() []Matcher {
	return []Matcher{
		{
			Pattern: domain.PatternLockfileCorruption,
			Prior:   0.95,
			Signals: []Signal{
				signal("lockfile", `(?i)lock\s*file|package-lock\.json|yarn\.lock|pnpm-lock\.yaml|poetry\.lock|Cargo\.lock|go\.sum`),
				signal("parse-error", `(?i)unexpected (token|end of)|invalid json|parse error|malformed|corrupt|merge conflict marker|<<<<<<<`),
			},
			Need: 2,
		},
		{
			Pattern: domain.PatternCacheCorruption,
			Prior:   0.92,
			Signals: []Signal{
				signal("cache", `(?i)\bcache[sd]?\b`),
				signal("integrity", `(?i)checksum mismatch|integrity|EINTEGRITY|sha(1|256|512) mismatch|corrupt|truncated|bad (zip|tar|gzip)`),
			},
			Need: 2,
		},
		{
			Pattern: domain.PatternNetworkTimeout,
			Prior:   0.9,
			Signals: []Signal{
				signal("timeout", `(?i)timed? ?out|ETIMEDOUT|ESOCKETTIMEDOUT|deadline exceeded`),
				signal("network", `(?i)network|socket|connect(ion)?|ECONNRESET|registry|fetch(ing)?|download`),
			},
			Need: 2,
		},
		{
			Pattern: domain.PatternServiceUnavailable,
			Prior:   0.9,
			Signals: []Signal{
				signal("unavailable", `(?i)\b50[234]\b|service unavailable|bad gateway|gateway timeout|ECONNREFUSED|connection refused`),
			},
			Need: 1,
		},
	}
}
