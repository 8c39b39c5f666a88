package namespace_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/vectrix/pkg/namespace"
	"github.com/liliang-cn/vectrix/pkg/storage"
)

type fakeRegistry struct {
	mu   sync.Mutex
	rows map[string]*namespace.Row
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{rows: make(map[string]*namespace.Row)}
}

func (r *fakeRegistry) Insert(ctx context.Context, row *namespace.Row) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[row.Name] = row
	return nil
}

func (r *fakeRegistry) Get(ctx context.Context, name string) (*namespace.Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[name]
	if !ok {
		return nil, assert.AnError
	}
	return row, nil
}

func (r *fakeRegistry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, name)
	return nil
}

func (r *fakeRegistry) List(ctx context.Context) ([]*namespace.Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*namespace.Row, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, row)
	}
	return out, nil
}

func (r *fakeRegistry) Touch(ctx context.Context, name string, at time.Time) error {
	return nil
}

type fakeOpener struct {
	opened  map[string]bool
	destroy map[string]bool
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{opened: map[string]bool{}, destroy: map[string]bool{}}
}

func (o *fakeOpener) Open(ctx context.Context, storeName string, dim int) (storage.Store, error) {
	o.opened[storeName] = true
	return &noopStore{}, nil
}

func (o *fakeOpener) Destroy(ctx context.Context, storeName string) error {
	o.destroy[storeName] = true
	return nil
}

type noopStore struct{ closed bool }

func (s *noopStore) Put(ctx context.Context, r *storage.Record) error          { return nil }
func (s *noopStore) Get(ctx context.Context, id string) (*storage.Record, error) { return nil, assert.AnError }
func (s *noopStore) Delete(ctx context.Context, id string) error               { return nil }
func (s *noopStore) Exists(ctx context.Context, id string) (bool, error)       { return false, nil }
func (s *noopStore) Count(ctx context.Context) (int64, error)                  { return 0, nil }
func (s *noopStore) Scan(ctx context.Context, fn storage.ScanFunc) error       { return nil }
func (s *noopStore) PutBatch(ctx context.Context, records []*storage.Record, opts storage.BatchOptions) (*storage.BatchResult, error) {
	return &storage.BatchResult{}, nil
}
func (s *noopStore) UpdateInPlace(ctx context.Context, id string, mutate func(*storage.Record) error) error {
	return nil
}
func (s *noopStore) Close() error { s.closed = true; return nil }

func TestCreateRejectsInvalidName(t *testing.T) {
	m := namespace.New("root", newFakeRegistry(), newFakeOpener(), 4, nil)
	_, err := m.Create(context.Background(), "a", namespace.Config{Dimension: 4})
	require.Error(t, err)
}

func TestCreateThenGetReturnsCachedHandle(t *testing.T) {
	m := namespace.New("root", newFakeRegistry(), newFakeOpener(), 4, nil)
	ctx := context.Background()
	h, err := m.Create(ctx, "products", namespace.Config{Dimension: 4})
	require.NoError(t, err)
	assert.Equal(t, "products", h.Name)

	got, err := m.Get(ctx, "products")
	require.NoError(t, err)
	assert.Same(t, h.Store, got.Store)
}

func TestCreateDuplicateFails(t *testing.T) {
	m := namespace.New("root", newFakeRegistry(), newFakeOpener(), 4, nil)
	ctx := context.Background()
	_, err := m.Create(ctx, "products", namespace.Config{Dimension: 4})
	require.NoError(t, err)
	_, err = m.Create(ctx, "products", namespace.Config{Dimension: 4})
	require.Error(t, err)
}

func TestDeleteDestroysBackingStore(t *testing.T) {
	opener := newFakeOpener()
	m := namespace.New("root", newFakeRegistry(), opener, 4, nil)
	ctx := context.Background()
	_, err := m.Create(ctx, "products", namespace.Config{Dimension: 4})
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "products"))
	assert.True(t, opener.destroy["root-ns-products"])

	_, err = m.Get(ctx, "products")
	assert.Error(t, err)
}

func TestCacheEvictsOldestBeyondLimit(t *testing.T) {
	m := namespace.New("root", newFakeRegistry(), newFakeOpener(), 1, nil)
	ctx := context.Background()
	_, err := m.Create(ctx, "first", namespace.Config{Dimension: 4})
	require.NoError(t, err)
	_, err = m.Create(ctx, "second", namespace.Config{Dimension: 4})
	require.NoError(t, err)

	// first was evicted from cache but its registry row and store persist;
	// Get should still succeed by reopening.
	h, err := m.Get(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, "first", h.Name)
}

func TestFindMatchesPattern(t *testing.T) {
	m := namespace.New("root", newFakeRegistry(), newFakeOpener(), 8, nil)
	ctx := context.Background()
	_, err := m.Create(ctx, "prod-a", namespace.Config{Dimension: 4})
	require.NoError(t, err)
	_, err = m.Create(ctx, "test-a", namespace.Config{Dimension: 4})
	require.NoError(t, err)

	matches, err := m.Find(ctx, "^prod-")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "prod-a", matches[0].Name)
}
