// Package namespace implements the §4.K registry and bounded LRU cache of
// opened namespaces, grounded on the teacher's pkg/core/collections.go
// (Collection row shape, existence-check-then-insert pattern) generalized
// from a shared-table "collections" concept to fully isolated per-namespace
// backing stores, and on pkg/indexcache's LRU-with-write-back idiom for the
// opened-handle cache.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/liliang-cn/vectrix/pkg/kernel"
	"github.com/liliang-cn/vectrix/pkg/logging"
	"github.com/liliang-cn/vectrix/pkg/storage"
	"github.com/liliang-cn/vectrix/pkg/verrors"
)

var nameRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

var reservedNames = map[string]bool{"root": true, "system": true, "admin": true, "registry": true}

// ValidateName enforces §3's namespace naming rule.
func ValidateName(name string) error {
	if len(name) < 3 || len(name) > 64 {
		return verrors.New("namespace.Validate", verrors.CodeNamespaceInvalidName, "namespace name length must be in [3,64]")
	}
	if !nameRE.MatchString(name) {
		return verrors.New("namespace.Validate", verrors.CodeNamespaceInvalidName, "namespace name must match ^[A-Za-z][A-Za-z0-9_-]*$")
	}
	if reservedNames[name] {
		return verrors.New("namespace.Validate", verrors.CodeNamespaceInvalidName, "namespace name %q is reserved", name)
	}
	return nil
}

// IndexStrategy selects how a namespace searches.
type IndexStrategy string

const (
	IndexAuto  IndexStrategy = "auto"
	IndexBrute IndexStrategy = "brute"
	IndexHNSW  IndexStrategy = "hnsw"
)

// Compression names the default codec for a namespace's vectors.
type Compression string

const (
	CompressionNone    Compression = "none"
	CompressionScalar  Compression = "scalar"
	CompressionProduct Compression = "product"
	CompressionBinary  Compression = "binary"
)

// Config is a namespace's declared shape.
type Config struct {
	Dimension      int
	DistanceMetric kernel.Metric
	IndexStrategy  IndexStrategy
	Compression    Compression
	Description    string
}

// Stats tracks a namespace's population and access history.
type Stats struct {
	VectorCount    int64
	StorageBytes   int64
	CreatedAt      time.Time
	ModifiedAt     time.Time
	LastAccessedAt time.Time
}

// Row is the registry's persisted record for a namespace.
type Row struct {
	Name     string
	Config   Config
	Stats    Stats
	Created  time.Time
	Modified time.Time
}

// Handle bundles an opened namespace's live resources.
type Handle struct {
	Name  string
	Row   *Row
	Store storage.Store
}

// Registry persists namespace rows; StoreOpener opens/destroys the backing
// store for a given row name.
type Registry interface {
	Insert(ctx context.Context, row *Row) error
	Get(ctx context.Context, name string) (*Row, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]*Row, error)
	Touch(ctx context.Context, name string, at time.Time) error
}

// StoreOpener opens or destroys the per-namespace backing store, named
// "<root>-ns-<name>" on disk per §6.
type StoreOpener interface {
	Open(ctx context.Context, storeName string, dim int) (storage.Store, error)
	Destroy(ctx context.Context, storeName string) error
}

// Manager implements create/get/delete/list/find with a bounded LRU of
// opened handles (§4.K).
type Manager struct {
	mu          sync.Mutex
	root        string
	registry    Registry
	opener      StoreOpener
	cache *lru.Cache[string, *Handle]
	logger logging.Logger
}

// New constructs a Manager. cacheLimit <= 0 uses a default of 16.
func New(root string, registry Registry, opener StoreOpener, cacheLimit int, logger logging.Logger) *Manager {
	if cacheLimit <= 0 {
		cacheLimit = 16
	}
	if logger == nil {
		logger = logging.Nop
	}
	m := &Manager{root: root, registry: registry, opener: opener, logger: logger}
	c, _ := lru.NewWithEvict[string, *Handle](cacheLimit, m.onEvict)
	m.cache = c
	return m
}

func (m *Manager) onEvict(name string, h *Handle) {
	m.closeHandle(name, h)
}

func (m *Manager) storeName(name string) string {
	return fmt.Sprintf("%s-ns-%s", m.root, name)
}

// Create registers and opens a new namespace, unregistering on any failure
// so the registry and backing stores never drift apart.
func (m *Manager) Create(ctx context.Context, name string, cfg Config) (*Handle, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.registry.Get(ctx, name); err == nil {
		return nil, verrors.ErrNamespaceExists
	}

	now := time.Now()
	row := &Row{
		Name:     name,
		Config:   cfg,
		Stats:    Stats{CreatedAt: now, ModifiedAt: now},
		Created:  now,
		Modified: now,
	}
	if err := m.registry.Insert(ctx, row); err != nil {
		return nil, verrors.Wrap("namespace.Create", verrors.CodeInternal, err)
	}

	store, err := m.opener.Open(ctx, m.storeName(name), cfg.Dimension)
	if err != nil {
		_ = m.registry.Delete(ctx, name)
		return nil, verrors.Wrap("namespace.Create", verrors.CodeInternal, err)
	}

	handle := &Handle{Name: name, Row: row, Store: store}
	m.cacheAdd(name, handle)
	return handle, nil
}

// Get returns a cached handle or loads the namespace's row and opens its store.
func (m *Manager) Get(ctx context.Context, name string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.cache.Get(name); ok {
		_ = m.registry.Touch(ctx, name, time.Now())
		return h, nil
	}

	row, err := m.registry.Get(ctx, name)
	if err != nil {
		return nil, verrors.ErrNamespaceNotFound
	}
	store, err := m.opener.Open(ctx, m.storeName(name), row.Config.Dimension)
	if err != nil {
		return nil, verrors.Wrap("namespace.Get", verrors.CodeInternal, err)
	}
	handle := &Handle{Name: name, Row: row, Store: store}
	m.cacheAdd(name, handle)
	_ = m.registry.Touch(ctx, name, time.Now())
	return handle, nil
}

func (m *Manager) cacheAdd(name string, h *Handle) {
	m.cache.Add(name, h)
}

func (m *Manager) closeHandle(name string, h *Handle) {
	if err := h.Store.Close(); err != nil {
		m.logger.Warn("failed to close evicted namespace store", "namespace", name, "error", err)
	}
}

// Delete closes (if cached), destroys the backing store, and unregisters.
func (m *Manager) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Remove(name) // no-op if absent; onEvict closes the handle if present
	if err := m.opener.Destroy(ctx, m.storeName(name)); err != nil {
		m.logger.Warn("failed to destroy namespace store", "namespace", name, "error", err)
	}
	if err := m.registry.Delete(ctx, name); err != nil {
		return verrors.Wrap("namespace.Delete", verrors.CodeInternal, err)
	}
	return nil
}

// List returns every registered namespace row.
func (m *Manager) List(ctx context.Context) ([]*Row, error) {
	return m.registry.List(ctx)
}

// Find returns registered namespaces whose name matches the glob-like
// pattern (a plain regexp here, compiled once per call).
func (m *Manager) Find(ctx context.Context, pattern string) ([]*Row, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, verrors.New("namespace.Find", verrors.CodeInvalidFormat, "invalid pattern: %v", err)
	}
	rows, err := m.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Row, 0, len(rows))
	for _, r := range rows {
		if re.MatchString(r.Name) {
			out = append(out, r)
		}
	}
	return out, nil
}

// SetCacheLimit shrinks or grows the cache cap, evicting the oldest
// (by last-accessed) entries until the size fits.
func (m *Manager) SetCacheLimit(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		n = 1
	}
	m.cache.Resize(n)
}

// CloseAll closes every cached handle without destroying backing stores.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Purge() // onEvict closes each handle
}

// DeleteAll is the destructive reset: every namespace is deleted.
func (m *Manager) DeleteAll(ctx context.Context) error {
	rows, err := m.List(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := m.Delete(ctx, row.Name); err != nil {
			return err
		}
	}
	return nil
}

// EnsureDefault auto-creates the configured default namespace (metric
// cosine) on first use if it doesn't already exist.
func (m *Manager) EnsureDefault(ctx context.Context, name string) (*Handle, error) {
	h, err := m.Get(ctx, name)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, verrors.ErrNamespaceNotFound) {
		return nil, err
	}
	return m.Create(ctx, name, Config{Dimension: 0, DistanceMetric: kernel.Cosine, IndexStrategy: IndexAuto})
}
