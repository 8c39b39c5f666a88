// Package storage implements the §4.G backing Store: a per-namespace
// SQLite-backed table of vector records, grounded on the teacher's
// pkg/core/store_init.go (pragma tuning, table bootstrap) and
// pkg/core/store_crud.go (upsert/get/delete shapes), generalized from a
// single shared "embeddings" table to one table per opened namespace
// store and from the teacher's ad hoc Embedding type to the spec's
// Record with access-tracking fields.
package storage

import (
	"time"

	"github.com/liliang-cn/vectrix/pkg/verrors"
)

// Record is the unit of storage: an id, its vector, bookkeeping
// timestamps/counters, and optional metadata (§6 persisted Record layout).
type Record struct {
	ID             string
	Values         []float32
	Magnitude      float32
	CreatedAt      uint64 // ms since epoch
	LastAccessedAt uint64
	AccessCount    uint64
	Metadata       map[string]any
	Normalized     bool
	CodecTag       string
}

const (
	maxIDLength       = 255
	maxMetadataDepth  = 10
	maxMetadataKeys   = 1000
	maxMetadataArray  = 10000
	maxMetadataString = 10 * 1024
	maxVectorDim      = 100000
	maxVectorBytes    = 512 * 1024 * 1024
)

// ValidateRecord enforces the §6 input limits at the storage boundary.
func ValidateRecord(r *Record) error {
	if len(r.ID) == 0 || len(r.ID) > maxIDLength {
		return verrors.New("storage.Validate", verrors.CodeInvalidFormat, "id length must be in [1,%d]", maxIDLength)
	}
	if len(r.Values) == 0 || len(r.Values) > maxVectorDim {
		return verrors.New("storage.Validate", verrors.CodeInvalidFormat, "vector dimension must be in [1,%d]", maxVectorDim)
	}
	if len(r.Values)*4 > maxVectorBytes {
		return verrors.New("storage.Validate", verrors.CodeInvalidFormat, "vector exceeds per-vector memory limit")
	}
	if err := validateMetadata(r.Metadata, 0); err != nil {
		return err
	}
	return nil
}

func validateMetadata(m map[string]any, depth int) error {
	if m == nil {
		return nil
	}
	if depth > maxMetadataDepth {
		return verrors.New("storage.Validate", verrors.CodeInvalidFormat, "metadata nesting exceeds depth %d", maxMetadataDepth)
	}
	if len(m) > maxMetadataKeys {
		return verrors.New("storage.Validate", verrors.CodeInvalidFormat, "metadata object exceeds %d keys", maxMetadataKeys)
	}
	for _, v := range m {
		switch val := v.(type) {
		case string:
			if len(val) > maxMetadataString {
				return verrors.New("storage.Validate", verrors.CodeInvalidFormat, "metadata string exceeds %d bytes", maxMetadataString)
			}
		case map[string]any:
			if err := validateMetadata(val, depth+1); err != nil {
				return err
			}
		case []any:
			if len(val) > maxMetadataArray {
				return verrors.New("storage.Validate", verrors.CodeInvalidFormat, "metadata array exceeds %d entries", maxMetadataArray)
			}
		}
	}
	return nil
}

// NowMillis is the storage layer's clock, split out so tests can freeze it.
var NowMillis = func() uint64 {
	return uint64(time.Now().UnixMilli())
}
