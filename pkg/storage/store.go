package storage

import "context"

// ScanFunc is invoked once per record during Scan; returning false stops iteration.
type ScanFunc func(*Record) bool

// BatchOptions tunes PutBatch per §4.G/§5: chunked, abortable, progress-reporting.
type BatchOptions struct {
	ChunkSize int
	Abort     <-chan struct{}
	Progress  func(done, total int)
}

// BatchResult reports per-id outcomes for a PutBatch call.
type BatchResult struct {
	Succeeded []string
	Failed    map[string]error
}

// Store is the opaque backing capability the core consumes per namespace.
type Store interface {
	Put(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context) (int64, error)
	Scan(ctx context.Context, fn ScanFunc) error
	PutBatch(ctx context.Context, records []*Record, opts BatchOptions) (*BatchResult, error)
	UpdateInPlace(ctx context.Context, id string, mutate func(*Record) error) error
	Close() error
}
