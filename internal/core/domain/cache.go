package domain

import (
	"fmt"
	"time"
)

// Tier is one level of the three-level cache hierarchy.
type Tier int

const (
	TierDependency Tier = 1
	TierArtifact   Tier = 2
	TierBackup     Tier = 3
)

// Tiers lists the tiers in fallback order.
var Tiers = []Tier{TierDependency, TierArtifact, TierBackup}

func (t Tier) String() string {
	switch t {
	case TierDependency:
		return "dependency"
	case TierArtifact:
		return "artifact"
	case TierBackup:
		return "backup"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Prefix returns the cache key prefix for the tier.
func (t Tier) Prefix() string {
	switch t {
	case TierDependency:
		return "deps"
	case TierArtifact:
		return "artifact"
	case TierBackup:
		return "backup"
	default:
		return "unknown"
	}
}

// TierFromPrefix is the inverse of Prefix.
func TierFromPrefix(prefix string) (Tier, error) {
	for _, t := range Tiers {
		if t.Prefix() == prefix {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown tier prefix: %s", prefix)
}

// CacheEntry belongs to exactly one tier. An entry with Valid=false must never
// be served; it is kept only for forensic comparison until repaired or evicted.
type CacheEntry struct {
	Key                    string    `json:"key"`
	Tier                   Tier      `json:"tier"`
	EnvironmentFingerprint string    `json:"environment_fingerprint"`
	ContentFingerprint     string    `json:"content_fingerprint"`
	Checksum               string    `json:"checksum"`
	SizeBytes              int64     `json:"size_bytes"`
	CreatedAt              time.Time `json:"created_at"`
	LastValidatedAt        time.Time `json:"last_validated_at"`
	Valid                  bool      `json:"valid"`

	// Manifest is the dependency-manifest fingerprint the content was built from.
	Manifest string `json:"manifest,omitempty"`

	// BlobRef points at the stored payload. Compaction may point several
	// entries at the same blob.
	BlobRef string `json:"blob_ref"`

	// Sequence orders Tier-3 snapshots by recency.
	Sequence int64 `json:"sequence,omitempty"`
}

// Clone returns a copy safe to mutate.
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// Validity is the result of validating a cache entry.
type Validity string

const (
	Valid   Validity = "valid"
	Corrupt Validity = "corrupt"
	Missing Validity = "missing"
)
