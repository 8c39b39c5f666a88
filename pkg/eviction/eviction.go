// Package eviction implements the §4.J eviction policies over a namespace's
// records: LRU, LFU, TTL, score-based, and a TTL-then-score hybrid.
// Grounded stylistically on the teacher's pkg/core/store_crud.go batched
// delete loops and pkg/core/aggregations.go reasoning-string outputs; the
// policies themselves are new since the teacher has no eviction subsystem.
package eviction

import (
	"context"
	"math"
	"sort"
	"time"
)

// Strategy names an eviction policy.
type Strategy string

const (
	StrategyLRU    Strategy = "lru"
	StrategyLFU    Strategy = "lfu"
	StrategyTTL    Strategy = "ttl"
	StrategyScore  Strategy = "score"
	StrategyHybrid Strategy = "hybrid"
)

// Config bounds an eviction sweep.
type Config struct {
	TargetBytes       int64
	MaxVectors        int64
	TTLSeconds        int64
	PreservePermanent bool
	BatchSize         int
}

// Candidate is a record's eviction-relevant metadata, read from the store
// scan without materializing the full vector.
type Candidate struct {
	ID             string
	Bytes          int64
	CreatedAt      uint64
	LastAccessedAt uint64
	AccessCount    uint64
	Permanent      bool
	Priority       float64 // [0,1], default 0.5, from metadata
}

// Result reports a completed sweep.
type Result struct {
	EvictedCount int
	FreedBytes   int64
	Errors       []error
	Duration     time.Duration
	Strategy     Strategy
}

// Stats summarizes the namespace's record population for suggest_strategy.
type Stats struct {
	TotalRecords   int
	ExpiredCount   int // last_accessed_at older than a week
	MeanAccessRate float64
}

// Deleter deletes by id in batches; implemented by the namespace's storage.Store.
type Deleter interface {
	Delete(ctx context.Context, id string) error
}

const defaultBatchSize = 100

func filterCandidates(all []Candidate, preservePermanent bool) []Candidate {
	if !preservePermanent {
		return all
	}
	out := make([]Candidate, 0, len(all))
	for _, c := range all {
		if !c.Permanent {
			out = append(out, c)
		}
	}
	return out
}

// Run selects victims per cfg.Strategy-equivalent policy and deletes them
// in batches of cfg.BatchSize until the target is met.
func Run(ctx context.Context, store Deleter, candidates []Candidate, strategy Strategy, cfg Config, nowUnix uint64) Result {
	start := time.Now()
	pool := filterCandidates(candidates, cfg.PreservePermanent)

	var victims []Candidate
	switch strategy {
	case StrategyLRU:
		victims = selectLRU(pool, cfg)
	case StrategyLFU:
		victims = selectLFU(pool, cfg)
	case StrategyTTL:
		victims = selectTTL(pool, cfg, nowUnix)
	case StrategyScore:
		victims = selectScore(pool, cfg, nowUnix)
	case StrategyHybrid:
		victims = selectHybrid(pool, cfg, nowUnix)
	default:
		victims = selectLRU(pool, cfg)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	res := Result{Strategy: strategy}
	for start := 0; start < len(victims); start += batchSize {
		end := start + batchSize
		if end > len(victims) {
			end = len(victims)
		}
		for _, v := range victims[start:end] {
			if err := store.Delete(ctx, v.ID); err != nil {
				res.Errors = append(res.Errors, err)
				continue
			}
			res.EvictedCount++
			res.FreedBytes += v.Bytes
		}
	}
	res.Duration = time.Since(start)
	return res
}

func targetMet(freed int64, count int, cfg Config) bool {
	if cfg.TargetBytes > 0 && freed >= cfg.TargetBytes {
		return true
	}
	if cfg.MaxVectors > 0 && int64(count) >= cfg.MaxVectors {
		return true
	}
	return false
}

func selectUntilTarget(sorted []Candidate, cfg Config) []Candidate {
	var freed int64
	var out []Candidate
	for _, c := range sorted {
		if targetMet(freed, len(out), cfg) {
			break
		}
		out = append(out, c)
		freed += c.Bytes
	}
	return out
}

func selectLRU(pool []Candidate, cfg Config) []Candidate {
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].LastAccessedAt != pool[j].LastAccessedAt {
			return pool[i].LastAccessedAt < pool[j].LastAccessedAt
		}
		return pool[i].CreatedAt < pool[j].CreatedAt
	})
	return selectUntilTarget(pool, cfg)
}

func selectLFU(pool []Candidate, cfg Config) []Candidate {
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].AccessCount != pool[j].AccessCount {
			return pool[i].AccessCount < pool[j].AccessCount
		}
		return pool[i].LastAccessedAt < pool[j].LastAccessedAt
	})
	return selectUntilTarget(pool, cfg)
}

func selectTTL(pool []Candidate, cfg Config, nowUnix uint64) []Candidate {
	cutoff := int64(nowUnix) - cfg.TTLSeconds
	var out []Candidate
	for _, c := range pool {
		if cutoff > 0 && int64(c.LastAccessedAt) < cutoff {
			out = append(out, c)
		}
	}
	return out
}

func recordScore(c Candidate, nowUnix uint64) float64 {
	priority := c.Priority
	ageSinceAccessDays := float64(nowUnix-c.LastAccessedAt) / 86400
	ageDays := float64(nowUnix-c.CreatedAt) / 86400
	return 0.3*math.Log(1+float64(c.AccessCount)) +
		0.4*priority +
		0.2*math.Exp(-ageSinceAccessDays) +
		0.1*math.Exp(-ageDays/7)
}

func selectScore(pool []Candidate, cfg Config, nowUnix uint64) []Candidate {
	sort.Slice(pool, func(i, j int) bool {
		return recordScore(pool[i], nowUnix) < recordScore(pool[j], nowUnix)
	})
	return selectUntilTarget(pool, cfg)
}

const weekSeconds = 7 * 24 * 3600

// selectHybrid runs TTL with a 1-week threshold first; if the target isn't
// met, it fills the remainder with the lowest-scored survivors.
func selectHybrid(pool []Candidate, cfg Config, nowUnix uint64) []Candidate {
	ttlVictims := selectTTL(pool, Config{TTLSeconds: weekSeconds}, nowUnix)
	var freed int64
	for _, v := range ttlVictims {
		freed += v.Bytes
	}
	if targetMet(freed, len(ttlVictims), cfg) {
		return ttlVictims
	}

	victimSet := make(map[string]bool, len(ttlVictims))
	for _, v := range ttlVictims {
		victimSet[v.ID] = true
	}
	remainder := make([]Candidate, 0, len(pool))
	for _, c := range pool {
		if !victimSet[c.ID] {
			remainder = append(remainder, c)
		}
	}

	remaining := Config{
		TargetBytes: cfg.TargetBytes - freed,
		MaxVectors:  cfg.MaxVectors - int64(len(ttlVictims)),
		BatchSize:   cfg.BatchSize,
	}
	fill := selectScore(remainder, remaining, nowUnix)
	return append(ttlVictims, fill...)
}

// SuggestStrategy recommends a policy from observed stats, with reasoning.
func SuggestStrategy(stats Stats) (Strategy, string) {
	if stats.TotalRecords > 0 && float64(stats.ExpiredCount)/float64(stats.TotalRecords) > 0.3 {
		return StrategyTTL, "many expired records: a TTL sweep reclaims space without a similarity scan"
	}
	if stats.MeanAccessRate > 2 {
		return StrategyHybrid, "varied access patterns: hybrid balances expiry with access-weighted scoring"
	}
	return StrategyLRU, "default recency-based eviction"
}
