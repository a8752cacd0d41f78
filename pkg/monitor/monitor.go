// Package monitor records per-stage latencies and outcomes.
//
// Each stage owns a fixed-capacity ring buffer of recent samples plus
// lifetime hit/miss/error counters. Recording is a synchronous O(1)
// append under a short per-stage mutex, so it sits off the critical
// path by construction rather than by asynchronous dispatch. Summaries
// are pure reads over a snapshot copy of the ring and never affect
// what recorders observe.
package monitor

import (
	"sort"
	"sync"
	"time"
)

// Outcome classifies one recorded sample.
type Outcome string

const (
	OutcomeHit   Outcome = "hit"
	OutcomeMiss  Outcome = "miss"
	OutcomeError Outcome = "error"
)

// Sample is one observation of a stage.
type Sample struct {
	Duration time.Duration
	Outcome  Outcome
}

// Config controls the monitor.
type Config struct {
	// RingSize is the per-stage sample capacity. Oldest samples are
	// dropped first once a ring is full.
	RingSize int `mapstructure:"ring_size"`
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{RingSize: 1024}
}

// Summary is a point-in-time digest of one stage. Count, Hits, Misses
// and Errors are lifetime counters; the percentiles cover the Window
// samples currently in the ring. Durations serialize as nanoseconds.
type Summary struct {
	Stage   string        `json:"stage"`
	Count   int64         `json:"count"`
	Window  int           `json:"window"`
	Hits    int64         `json:"hits"`
	Misses  int64         `json:"misses"`
	Errors  int64         `json:"errors"`
	HitRate float64       `json:"hit_rate"`
	P50     time.Duration `json:"p50_ns"`
	P95     time.Duration `json:"p95_ns"`
	P99     time.Duration `json:"p99_ns"`
}

type ring struct {
	mu      sync.Mutex
	samples []Sample
	next    int
	full    bool

	count  int64
	hits   int64
	misses int64
	errors int64
}

func (r *ring) record(s Sample) {
	r.mu.Lock()
	r.samples[r.next] = s
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
	r.count++
	switch s.Outcome {
	case OutcomeHit:
		r.hits++
	case OutcomeMiss:
		r.misses++
	case OutcomeError:
		r.errors++
	}
	r.mu.Unlock()
}

// snapshot copies the live window and counters. The copy is the only
// work done under the lock; sorting happens on the caller's copy.
func (r *ring) snapshot() ([]time.Duration, Summary) {
	r.mu.Lock()
	window := r.next
	if r.full {
		window = len(r.samples)
	}
	durations := make([]time.Duration, window)
	for i := 0; i < window; i++ {
		durations[i] = r.samples[i].Duration
	}
	s := Summary{
		Count:  r.count,
		Window: window,
		Hits:   r.hits,
		Misses: r.misses,
		Errors: r.errors,
	}
	r.mu.Unlock()
	return durations, s
}

// Monitor tracks stages by name. Stages are created on first use; the
// zero value is not usable, use New.
type Monitor struct {
	ringSize int

	mu     sync.RWMutex
	stages map[string]*ring
}

// New creates a Monitor. A non-positive ring size falls back to the
// default.
func New(cfg Config) *Monitor {
	if cfg.RingSize <= 0 {
		cfg.RingSize = DefaultConfig().RingSize
	}
	return &Monitor{
		ringSize: cfg.RingSize,
		stages:   make(map[string]*ring),
	}
}

// Record appends one sample to the stage's ring, dropping the oldest
// sample once the ring is full.
func (m *Monitor) Record(stage string, d time.Duration, outcome Outcome) {
	m.stage(stage).record(Sample{Duration: d, Outcome: outcome})
}

// Observe is a convenience for deferred call sites:
//
//	defer m.Observe("embed", time.Now(), &err)
//
// It records an error outcome when *errp is non-nil, a miss otherwise.
func (m *Monitor) Observe(stage string, start time.Time, errp *error) {
	outcome := OutcomeMiss
	if errp != nil && *errp != nil {
		outcome = OutcomeError
	}
	m.Record(stage, time.Since(start), outcome)
}

func (m *Monitor) stage(name string) *ring {
	m.mu.RLock()
	r, ok := m.stages[name]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok = m.stages[name]; ok {
		return r
	}
	r = &ring{samples: make([]Sample, m.ringSize)}
	m.stages[name] = r
	return r
}

// Summary digests the named stage. Unknown stages yield a zero summary.
func (m *Monitor) Summary(stage string) Summary {
	m.mu.RLock()
	r, ok := m.stages[stage]
	m.mu.RUnlock()
	if !ok {
		return Summary{Stage: stage}
	}

	durations, s := r.snapshot()
	s.Stage = stage
	if s.Hits+s.Misses > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Hits+s.Misses)
	}
	if len(durations) == 0 {
		return s
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	s.P50 = durations[len(durations)*50/100]
	s.P95 = durations[len(durations)*95/100]
	s.P99 = durations[len(durations)*99/100]
	return s
}

// Stages returns the known stage names in sorted order.
func (m *Monitor) Stages() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.stages))
	for name := range m.stages {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// SnapshotAll digests every known stage.
func (m *Monitor) SnapshotAll() map[string]Summary {
	out := make(map[string]Summary)
	for _, name := range m.Stages() {
		out[name] = m.Summary(name)
	}
	return out
}
