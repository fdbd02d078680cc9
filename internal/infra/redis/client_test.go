package redis

import (
	"testing"

	"github.com/vietddude/selfheal/internal/core/domain"
)

func TestKeyNamespacing(t *testing.T) {
	c := &Client{prefix: normalizePrefix("ci:")}
	if got := c.key("breakers"); got != "ci:breakers" {
		t.Errorf("expected ci:breakers, got %s", got)
	}

	d := &Client{prefix: normalizePrefix("")}
	if got := d.key("lock", "a"); got != "selfheal:lock:a" {
		t.Errorf("expected selfheal:lock:a, got %s", got)
	}
}

func TestTierStoreKeys(t *testing.T) {
	c := &Client{prefix: "x"}
	s := NewTierStore(c, domain.TierArtifact)

	if got := s.entriesKey(); got != "x:tier:artifact:entries" {
		t.Errorf("unexpected entries key %s", got)
	}
	if got := s.blobKey("r1"); got != "x:tier:artifact:blob:r1" {
		t.Errorf("unexpected blob key %s", got)
	}
}

func TestFailureWindowKey(t *testing.T) {
	c := &Client{prefix: "x"}
	r := NewFailureHistoryRepo(c)
	if got := r.windowKey(domain.PatternNetworkTimeout, "fp"); got != "x:failures:NetworkTimeout:fp" {
		t.Errorf("unexpected window key %s", got)
	}
}
