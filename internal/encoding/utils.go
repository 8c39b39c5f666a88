// Package encoding implements the bit-stable persisted layouts used by
// storage, quantization and the HNSW index (see SPEC_FULL §6).
package encoding

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidVector is returned when a vector is malformed (NaN, Inf, or truncated on decode).
var ErrInvalidVector = errors.New("invalid vector")

// EncodeVector serializes a float32 vector as a little-endian int32 length prefix
// followed by the raw float32 values.
func EncodeVector(vector []float32) ([]byte, error) {
	if vector == nil {
		return nil, ErrInvalidVector
	}
	if len(vector) > math.MaxInt32 {
		return nil, fmt.Errorf("vector too large: %d elements exceeds maximum", len(vector))
	}

	buf := bytes.NewBuffer(make([]byte, 0, 4+len(vector)*4))
	if err := binary.Write(buf, binary.LittleEndian, int32(len(vector))); err != nil {
		return nil, fmt.Errorf("encode vector length: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, vector); err != nil {
		return nil, fmt.Errorf("encode vector values: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeVector reverses EncodeVector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, ErrInvalidVector
	}
	r := bytes.NewReader(data)

	var length int32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("decode vector length: %w", err)
	}
	if length < 0 {
		return nil, ErrInvalidVector
	}
	if length == 0 {
		return []float32{}, nil
	}
	if r.Len() < int(length)*4 {
		return nil, ErrInvalidVector
	}

	vector := make([]float32, length)
	if err := binary.Read(r, binary.LittleEndian, vector); err != nil {
		return nil, fmt.Errorf("decode vector values: %w", err)
	}
	return vector, nil
}

// EncodeJSON marshals an arbitrary value (metadata maps, configs) to a JSON string.
func EncodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(data), nil
}

// DecodeJSON unmarshals a JSON string produced by EncodeJSON into out.
func DecodeJSON(s string, out any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// ValidateVector rejects vectors containing NaN or infinite components.
func ValidateVector(vector []float32) error {
	if len(vector) == 0 {
		return ErrInvalidVector
	}
	for _, val := range vector {
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return ErrInvalidVector
		}
	}
	return nil
}

// Header sizes for the §6 persisted formats; both scalar-quantized vectors
// and the PQ codebook blob use a fixed-size header for forward compatibility.
const (
	ScalarHeaderSize   = 256
	CodebookHeaderSize = 256
)

// PutUint32 and PutFloat32 are small helpers for writing fixed-width header
// fields into a pre-sized byte slice without allocating a bytes.Buffer,
// matching the header-then-payload shape of both persisted vector formats.
func PutUint32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}

func Uint32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

func PutFloat32(b []byte, off int, v float32) {
	binary.LittleEndian.PutUint32(b[off:off+4], math.Float32bits(v))
}

func Float32(b []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[off : off+4]))
}
