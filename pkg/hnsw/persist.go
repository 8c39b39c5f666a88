package hnsw

import (
	"encoding/binary"
	"fmt"

	"github.com/liliang-cn/vectrix/pkg/kernel"
	"github.com/liliang-cn/vectrix/pkg/verrors"
)

// indexMagic identifies the §6 persisted index format ("HNS1").
const indexMagic uint32 = 0x484e5331

const formatVersion uint32 = 1

// Save serializes the full graph topology: version, metric, config,
// entry point, and every node's id/layer/neighbors-per-layer. Vectors
// themselves are not duplicated here — the backing store owns them.
func (ix *Index) Save() ([]byte, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	buf := make([]byte, 0, 64+len(ix.arena)*32)
	buf = appendUint32(buf, indexMagic)
	buf = appendUint32(buf, formatVersion)
	buf = appendString(buf, string(ix.metric.Name()))
	buf = appendUint32(buf, uint32(ix.cfg.M))
	buf = appendUint32(buf, uint32(ix.cfg.EfConstruction))
	buf = appendUint32(buf, uint32(ix.cfg.MaxLayer))
	if ix.hasEntry {
		buf = appendUint32(buf, 1)
		buf = appendUint32(buf, uint32(ix.entryPoint))
	} else {
		buf = appendUint32(buf, 0)
		buf = appendUint32(buf, 0)
	}

	buf = appendUint32(buf, uint32(len(ix.arena)))
	for _, nd := range ix.arena {
		buf = appendUint32(buf, uint32(nd.id))
		buf = appendString(buf, nd.recordID)
		buf = appendUint32(buf, uint32(nd.layer))
		deleted := uint32(0)
		if nd.deleted {
			deleted = 1
		}
		buf = appendUint32(buf, deleted)
		buf = appendUint32(buf, uint32(len(nd.neighbors)))
		for _, layerNeighbors := range nd.neighbors {
			buf = appendUint32(buf, uint32(len(layerNeighbors)))
			for _, nb := range layerNeighbors {
				buf = appendUint32(buf, uint32(nb))
			}
		}
	}
	return buf, nil
}

// Load reconstructs an Index from bytes written by Save. vectors supplies
// each node's embedding by record id, since Save does not persist them.
func Load(data []byte, metric kernel.Kernel, vectors map[string][]float32) (*Index, error) {
	r := &reader{buf: data}

	magic, err := r.uint32()
	if err != nil || magic != indexMagic {
		return nil, verrors.New("hnsw.Load", verrors.CodeInvalidFormat, "not an HNSW index blob")
	}
	version, err := r.uint32()
	if err != nil || version != formatVersion {
		return nil, verrors.New("hnsw.Load", verrors.CodeInvalidFormat, "unsupported index format version %d", version)
	}
	if _, err := r.string(); err != nil { // metric name, caller-supplied kernel is authoritative
		return nil, err
	}
	m, err := r.uint32()
	if err != nil {
		return nil, err
	}
	efConstruction, err := r.uint32()
	if err != nil {
		return nil, err
	}
	maxLayer, err := r.uint32()
	if err != nil {
		return nil, err
	}
	hasEntry, err := r.uint32()
	if err != nil {
		return nil, err
	}
	entryPoint, err := r.uint32()
	if err != nil {
		return nil, err
	}

	ix := New(Config{M: int(m), EfConstruction: int(efConstruction), MaxLayer: int(maxLayer)}, metric)
	ix.hasEntry = hasEntry == 1
	ix.entryPoint = NodeId(entryPoint)

	count, err := r.uint32()
	if err != nil {
		return nil, err
	}
	ix.arena = make([]*node, 0, count)
	for i := uint32(0); i < count; i++ {
		id, err := r.uint32()
		if err != nil {
			return nil, err
		}
		recordID, err := r.string()
		if err != nil {
			return nil, err
		}
		layer, err := r.uint32()
		if err != nil {
			return nil, err
		}
		deletedFlag, err := r.uint32()
		if err != nil {
			return nil, err
		}
		layerCount, err := r.uint32()
		if err != nil {
			return nil, err
		}
		neighbors := make([][]NodeId, layerCount)
		for l := uint32(0); l < layerCount; l++ {
			n, err := r.uint32()
			if err != nil {
				return nil, err
			}
			layerNeighbors := make([]NodeId, n)
			for j := uint32(0); j < n; j++ {
				v, err := r.uint32()
				if err != nil {
					return nil, err
				}
				layerNeighbors[j] = NodeId(v)
			}
			neighbors[l] = layerNeighbors
		}

		nd := &node{
			id:        NodeId(id),
			recordID:  recordID,
			layer:     int(layer),
			neighbors: neighbors,
			deleted:   deletedFlag == 1,
			vector:    vectors[recordID],
		}
		ix.arena = append(ix.arena, nd)
		if !nd.deleted {
			ix.byRecordID[recordID] = nd.id
		}
	}
	return ix, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) uint32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, fmt.Errorf("hnsw: truncated index blob at offset %d", r.pos)
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) string() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.buf) {
		return "", fmt.Errorf("hnsw: truncated index blob at offset %d", r.pos)
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}
