package cache

import (
	"context"
	"time"

	"github.com/snapmatch-ai/snapmatch/pkg/fingerprint"
)

// Entry is one cached embedding. Tiers hold independent copies; a write
// to one tier never mutates the other, and vectors returned to callers
// are copies of the stored snapshot.
type Entry struct {
	Fingerprint    fingerprint.Fingerprint `json:"fingerprint"`
	Vector         []float32               `json:"vector"`
	CreatedAt      time.Time               `json:"created_at"`
	LastAccessedAt time.Time               `json:"last_accessed_at"`
}

// Source identifies which tier served a lookup.
type Source string

const (
	SourceTier1 Source = "tier1"
	SourceTier2 Source = "tier2"
	// SourceComputed marks entries that had to be produced upstream.
	SourceComputed Source = "computed"
)

// TierStats is a point-in-time counter snapshot for one tier.
type TierStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions,omitempty"`
	Errors    int64   `json:"errors,omitempty"`
	Entries   int     `json:"entries,omitempty"`
	HitRate   float64 `json:"hit_rate"`
}

// Stats aggregates both tiers for the ops surface.
type Stats struct {
	Tier1    TierStats `json:"tier1"`
	Tier2    TierStats `json:"tier2"`
	Degraded bool      `json:"degraded"`
}

// Tier2 is the persistent-tier contract consumed by TieredCache. Get
// reports (entry, found, error); an error means the tier is unhealthy,
// not that the key is absent.
type Tier2 interface {
	Get(ctx context.Context, key fingerprint.Fingerprint) (Entry, bool, error)
	Put(ctx context.Context, key fingerprint.Fingerprint, vector []float32) error
	Ping(ctx context.Context) error
	Close() error
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func copyVector(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
