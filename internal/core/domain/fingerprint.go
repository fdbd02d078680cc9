package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

const componentLen = 16

// EnvironmentComponents is the decomposed form of an environment fingerprint.
type EnvironmentComponents struct {
	Platform string
	Tools    string
	Manifest string
}

// NewEnvironmentFingerprint builds "<platform>.<tools>.<manifest>" from
// truncated SHA-256 digests. Tool versions are sorted by name so the result
// is stable across map iteration order.
func NewEnvironmentFingerprint(platform string, tools map[string]string, manifest []byte) string {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(tools[name])
		b.WriteByte('\n')
	}

	return strings.Join([]string{
		shortDigest([]byte(platform)),
		shortDigest([]byte(b.String())),
		shortDigest(manifest),
	}, ".")
}

// ParseEnvironmentFingerprint splits a fingerprint into its components.
// Opaque fingerprints (not produced by NewEnvironmentFingerprint) return ok=false.
func ParseEnvironmentFingerprint(fp string) (EnvironmentComponents, bool) {
	parts := strings.Split(fp, ".")
	if len(parts) != 3 {
		return EnvironmentComponents{}, false
	}
	for _, p := range parts {
		if len(p) != componentLen {
			return EnvironmentComponents{}, false
		}
	}
	return EnvironmentComponents{Platform: parts[0], Tools: parts[1], Manifest: parts[2]}, true
}

// ManifestOf returns the manifest component of a fingerprint, or the whole
// fingerprint when it is opaque.
func ManifestOf(fp string) string {
	if c, ok := ParseEnvironmentFingerprint(fp); ok {
		return c.Manifest
	}
	return fp
}

// ManifestFingerprint returns the component digest used for a dependency manifest.
func ManifestFingerprint(manifest []byte) string {
	return shortDigest(manifest)
}

// ContentFingerprint is the content address of a payload.
func ContentFingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// CacheKey formats tier-prefix:environment:content.
func CacheKey(tier Tier, env, content string) string {
	return fmt.Sprintf("%s:%s:%s", tier.Prefix(), env, content)
}

// ParseCacheKey splits a cache key into its parts.
func ParseCacheKey(key string) (tier Tier, env, content string, err error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 {
		return 0, "", "", fmt.Errorf("invalid cache key: %s", key)
	}
	tier, err = TierFromPrefix(parts[0])
	if err != nil {
		return 0, "", "", err
	}
	if parts[1] == "" || parts[2] == "" {
		return 0, "", "", fmt.Errorf("invalid cache key: %s", key)
	}
	return tier, parts[1], parts[2], nil
}

func shortDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:componentLen]
}
