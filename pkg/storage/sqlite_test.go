package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/vectrix/pkg/storage"
)

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ns.db")
	s, err := storage.OpenSQLiteStore(context.Background(), storage.SQLiteConfig{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &storage.Record{ID: "a", Values: []float32{1, 2, 3}, Metadata: map[string]any{"k": "v"}}
	require.NoError(t, s.Put(ctx, r))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, got.Values)
	assert.Equal(t, "v", got.Metadata["k"])
	assert.EqualValues(t, 1, got.AccessCount)

	got2, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, got2.AccessCount)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	require.Error(t, err)
}

func TestDeleteAndExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, &storage.Record{ID: "a", Values: []float32{1}}))

	exists, err := s.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Delete(ctx, "a"))
	exists, err = s.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, exists)

	err = s.Delete(ctx, "a")
	assert.Error(t, err)
}

func TestPutBatchReportsPerIDFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []*storage.Record{
		{ID: "a", Values: []float32{1, 2}},
		{ID: "", Values: []float32{1, 2}}, // invalid id
		{ID: "c", Values: []float32{3, 4}},
	}
	result, err := s.PutBatch(ctx, records, storage.BatchOptions{ChunkSize: 2})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, result.Succeeded)
	assert.Len(t, result.Failed, 1)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestUpdateInPlaceMutatesRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, &storage.Record{ID: "a", Values: []float32{1, 2}}))

	err := s.UpdateInPlace(ctx, "a", func(r *storage.Record) error {
		r.Metadata = map[string]any{"touched": true}
		return nil
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, true, got.Metadata["touched"])
}

func TestScanVisitsAllRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(ctx, &storage.Record{ID: string(rune('a' + i)), Values: []float32{float32(i)}}))
	}
	seen := 0
	require.NoError(t, s.Scan(ctx, func(*storage.Record) bool {
		seen++
		return true
	}))
	assert.Equal(t, 5, seen)
}
