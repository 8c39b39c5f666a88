package vectrix

import (
	"github.com/liliang-cn/vectrix/pkg/kernel"
	"github.com/liliang-cn/vectrix/pkg/logging"
	"github.com/liliang-cn/vectrix/pkg/namespace"
)

// Config configures a DB instance. Mirrors the teacher's pkg/core.Config
// shape (path + tunables with package-level defaults) generalized to the
// namespace-per-store model.
type Config struct {
	// RootPath is the directory backing namespace stores; each namespace's
	// SQLite file lives at "<RootPath>/<root>-ns-<name>.db" per §6.
	RootPath string
	// RootName prefixes every namespace's on-disk store name.
	RootName string
	// DefaultNamespace, when non-empty, is auto-created (metric cosine) on
	// first use.
	DefaultNamespace string
	// NamespaceCacheSize bounds how many opened namespaces are kept warm.
	NamespaceCacheSize int
	// IndexCacheSize is the capacity of each opened namespace's own index cache.
	IndexCacheSize int
	// DefaultMetric is used when a namespace doesn't specify one.
	DefaultMetric kernel.Metric
	// QuotaLimitBytes is the storage ceiling the quota monitor samples against.
	QuotaLimitBytes int64
	// GPUThreshold / ParallelThreshold override §4.H's dispatch defaults.
	GPUThreshold      int
	ParallelThreshold int
	// Logger receives structured diagnostics; defaults to a no-op logger.
	Logger logging.Logger
}

// DefaultConfig matches the teacher's DefaultConfig pattern: conservative,
// functional defaults suitable for an embedded single-process deployment.
func DefaultConfig() Config {
	return Config{
		RootPath:           "./vectrix-data",
		RootName:           "vectrix",
		DefaultNamespace:   "default",
		NamespaceCacheSize: 16,
		IndexCacheSize:     5,
		DefaultMetric:      kernel.Cosine,
		QuotaLimitBytes:    0, // disabled unless set
		GPUThreshold:       10000,
		ParallelThreshold:  1000,
		Logger:             logging.Nop,
	}
}

func (c Config) namespaceConfig(dim int) namespace.Config {
	return namespace.Config{
		Dimension:      dim,
		DistanceMetric: c.DefaultMetric,
		IndexStrategy:  namespace.IndexAuto,
		Compression:    namespace.CompressionNone,
	}
}
