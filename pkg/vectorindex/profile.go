// Package vectorindex configures and queries the pgvector HNSW index.
//
// The index itself (graph construction, quantization internals) belongs
// to Postgres; this package only selects tuning profiles by corpus
// size, applies them idempotently, and runs upsert/query traffic.
package vectorindex

import (
	"fmt"
	"sort"
)

// Profile is one HNSW tuning point. M is the graph fan-out per node,
// EfConstruction the construction-time candidate list size, EfSearch
// the query-time candidate list size. Quantized profiles index a
// halfvec cast of the embedding column to bound index memory on large
// corpora.
type Profile struct {
	Name string `mapstructure:"name" json:"name"`
	// MaxCorpusSize is the inclusive upper bound of this bracket.
	// Zero means unbounded and is only valid for the last profile.
	MaxCorpusSize  int  `mapstructure:"max_corpus_size" json:"max_corpus_size"`
	M              int  `mapstructure:"m" json:"m"`
	EfConstruction int  `mapstructure:"ef_construction" json:"ef_construction"`
	EfSearch       int  `mapstructure:"ef_search" json:"ef_search"`
	Quantized      bool `mapstructure:"quantized" json:"quantized"`
}

// sameTuning reports whether two profiles build the same index. EfSearch
// is session-level and never forces a rebuild.
func sameTuning(a, b Profile) bool {
	return a.M == b.M && a.EfConstruction == b.EfConstruction && a.Quantized == b.Quantized
}

// DefaultProfiles returns the built-in corpus-size brackets: small
// corpora buy recall with high fan-out and construction effort, large
// corpora switch to quantization and reduced effort to keep the index
// in memory.
func DefaultProfiles() []Profile {
	return []Profile{
		{Name: "small", MaxCorpusSize: 100_000, M: 32, EfConstruction: 400, EfSearch: 120, Quantized: false},
		{Name: "medium", MaxCorpusSize: 1_000_000, M: 16, EfConstruction: 200, EfSearch: 80, Quantized: false},
		{Name: "large", MaxCorpusSize: 10_000_000, M: 16, EfConstruction: 128, EfSearch: 64, Quantized: true},
		{Name: "xlarge", MaxCorpusSize: 0, M: 8, EfConstruction: 96, EfSearch: 48, Quantized: true},
	}
}

// Policy selects the tuning profile for a corpus size. Selection is a
// monotonic step function: growing the corpus never moves it to an
// earlier bracket.
type Policy struct {
	profiles []Profile
}

// NewPolicy validates and orders the brackets. Profiles are sorted by
// MaxCorpusSize with the unbounded bracket, if any, last.
func NewPolicy(profiles []Profile) (*Policy, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("at least one profile is required")
	}

	sorted := make([]Profile, len(profiles))
	copy(sorted, profiles)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].MaxCorpusSize == 0 {
			return false
		}
		if sorted[j].MaxCorpusSize == 0 {
			return true
		}
		return sorted[i].MaxCorpusSize < sorted[j].MaxCorpusSize
	})

	unbounded := 0
	for i, p := range sorted {
		if p.M <= 0 || p.EfConstruction <= 0 {
			return nil, fmt.Errorf("profile %q: m and ef_construction must be positive", p.Name)
		}
		if p.MaxCorpusSize < 0 {
			return nil, fmt.Errorf("profile %q: max_corpus_size must not be negative", p.Name)
		}
		if p.MaxCorpusSize == 0 {
			unbounded++
		}
		if i > 0 && sorted[i-1].MaxCorpusSize == sorted[i].MaxCorpusSize {
			return nil, fmt.Errorf("duplicate max_corpus_size %d", p.MaxCorpusSize)
		}
	}
	if unbounded > 1 {
		return nil, fmt.Errorf("at most one unbounded profile is allowed")
	}

	return &Policy{profiles: sorted}, nil
}

// DefaultPolicy returns a policy over DefaultProfiles.
func DefaultPolicy() *Policy {
	p, err := NewPolicy(DefaultProfiles())
	if err != nil {
		panic(err)
	}
	return p
}

// SelectProfile returns the profile whose bracket contains corpusSize.
// Sizes beyond every bounded bracket fall into the last profile.
func (p *Policy) SelectProfile(corpusSize int) Profile {
	for _, profile := range p.profiles {
		if profile.MaxCorpusSize == 0 || corpusSize <= profile.MaxCorpusSize {
			return profile
		}
	}
	return p.profiles[len(p.profiles)-1]
}

// Profiles returns the ordered brackets.
func (p *Policy) Profiles() []Profile {
	out := make([]Profile, len(p.profiles))
	copy(out, p.profiles)
	return out
}
