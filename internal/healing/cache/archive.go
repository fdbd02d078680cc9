package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vietddude/selfheal/internal/core/domain"
)

// archive is the payload of a Tier-3 snapshot: every valid dependency and
// artifact entry of one environment at the time of the snapshot.
type archive struct {
	Environment string        `json:"environment"`
	CreatedAt   time.Time     `json:"created_at"`
	Items       []archiveItem `json:"items"`
}

type archiveItem struct {
	Entry   *domain.CacheEntry `json:"entry"`
	Payload []byte             `json:"payload"`
}

func decodeArchive(data []byte) (*archive, error) {
	var a archive
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot archive: %w", err)
	}
	return &a, nil
}

// find returns the first intact item with the given content fingerprint.
func (a *archive) find(content string) (archiveItem, bool) {
	for _, it := range a.Items {
		if it.Entry == nil || it.Entry.ContentFingerprint != content || !it.Entry.Valid {
			continue
		}
		if domain.ContentFingerprint(it.Payload) != it.Entry.Checksum {
			continue
		}
		return it, true
	}
	return archiveItem{}, false
}

func (a *archive) itemsFor(tier domain.Tier) []archiveItem {
	var out []archiveItem
	for _, it := range a.Items {
		if it.Entry != nil && it.Entry.Tier == tier {
			out = append(out, it)
		}
	}
	return out
}
