package eviction_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/vectrix/pkg/eviction"
)

type fakeDeleter struct {
	deleted []string
	fail    map[string]bool
}

func (f *fakeDeleter) Delete(ctx context.Context, id string) error {
	if f.fail[id] {
		return assert.AnError
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func TestLRUEvictsOldestAccessedFirst(t *testing.T) {
	candidates := []eviction.Candidate{
		{ID: "a", Bytes: 10, LastAccessedAt: 300},
		{ID: "b", Bytes: 10, LastAccessedAt: 100},
		{ID: "c", Bytes: 10, LastAccessedAt: 200},
	}
	d := &fakeDeleter{fail: map[string]bool{}}
	res := eviction.Run(context.Background(), d, candidates, eviction.StrategyLRU, eviction.Config{MaxVectors: 1}, 1000)
	require.Equal(t, 1, res.EvictedCount)
	assert.Equal(t, []string{"b"}, d.deleted)
}

func TestPreservePermanentExcludesFlaggedRecords(t *testing.T) {
	candidates := []eviction.Candidate{
		{ID: "a", Bytes: 10, LastAccessedAt: 100, Permanent: true},
		{ID: "b", Bytes: 10, LastAccessedAt: 200},
	}
	d := &fakeDeleter{fail: map[string]bool{}}
	res := eviction.Run(context.Background(), d, candidates, eviction.StrategyLRU, eviction.Config{MaxVectors: 2, PreservePermanent: true}, 1000)
	assert.Equal(t, 1, res.EvictedCount)
	assert.Equal(t, []string{"b"}, d.deleted)
}

func TestTTLEvictsExpiredOnly(t *testing.T) {
	candidates := []eviction.Candidate{
		{ID: "a", Bytes: 10, LastAccessedAt: 100},
		{ID: "b", Bytes: 10, LastAccessedAt: 900},
	}
	d := &fakeDeleter{fail: map[string]bool{}}
	res := eviction.Run(context.Background(), d, candidates, eviction.StrategyTTL, eviction.Config{TTLSeconds: 500}, 1000)
	assert.Equal(t, 1, res.EvictedCount)
	assert.Equal(t, []string{"a"}, d.deleted)
}

func TestScoreEvictsLowestScoreFirst(t *testing.T) {
	candidates := []eviction.Candidate{
		{ID: "stale", Bytes: 10, LastAccessedAt: 0, CreatedAt: 0, AccessCount: 0},
		{ID: "hot", Bytes: 10, LastAccessedAt: 1000, CreatedAt: 1000, AccessCount: 100, Priority: 0.9},
	}
	d := &fakeDeleter{fail: map[string]bool{}}
	res := eviction.Run(context.Background(), d, candidates, eviction.StrategyScore, eviction.Config{MaxVectors: 1}, 1000)
	require.Equal(t, 1, res.EvictedCount)
	assert.Equal(t, []string{"stale"}, d.deleted)
}

func TestBatchedDeletionReportsPerIDErrors(t *testing.T) {
	candidates := []eviction.Candidate{
		{ID: "a", Bytes: 10, LastAccessedAt: 100},
		{ID: "b", Bytes: 10, LastAccessedAt: 200},
	}
	d := &fakeDeleter{fail: map[string]bool{"a": true}}
	res := eviction.Run(context.Background(), d, candidates, eviction.StrategyLRU, eviction.Config{MaxVectors: 2}, 1000)
	assert.Equal(t, 1, res.EvictedCount)
	assert.Len(t, res.Errors, 1)
}

func TestSuggestStrategy(t *testing.T) {
	s, reason := eviction.SuggestStrategy(eviction.Stats{TotalRecords: 100, ExpiredCount: 40})
	assert.Equal(t, eviction.StrategyTTL, s)
	assert.NotEmpty(t, reason)

	s, _ = eviction.SuggestStrategy(eviction.Stats{TotalRecords: 100, ExpiredCount: 0, MeanAccessRate: 5})
	assert.Equal(t, eviction.StrategyHybrid, s)

	s, _ = eviction.SuggestStrategy(eviction.Stats{TotalRecords: 100})
	assert.Equal(t, eviction.StrategyLRU, s)
}
