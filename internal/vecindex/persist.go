package vecindex

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

const (
	vectorsFile = "vectors.bin"
	mappingFile = "mapping.json"

	fileMagic   = "RVIX"
	fileVersion = 1
)

// mapping is the sidecar slot→id file. It duplicates dim and metric so a
// stale or mismatched pair of files is detectable on load.
type mapping struct {
	Version int      `json:"version"`
	Metric  string   `json:"metric"`
	Dim     int      `json:"dim"`
	IDs     []string `json:"ids"`
}

// Save persists the index into dir as a vector-data file plus a slot→id
// mapping file. Both are written via temp-file-and-rename; the mapping is
// written only after the vector flush succeeds, so a crash between the two
// leaves a detectable (stale-mapping) state rather than a silent mismatch.
func (x *Index) Save(dir string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating index dir: %w", err)
	}

	if err := writeAtomic(filepath.Join(dir, vectorsFile), x.encodeVectors()); err != nil {
		return fmt.Errorf("writing vector data: %w", err)
	}

	m := mapping{Version: fileVersion, Metric: x.metric.String(), Dim: x.dim, IDs: x.ids}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding mapping: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, mappingFile), data); err != nil {
		return fmt.Errorf("writing mapping: %w", err)
	}
	return nil
}

// Load replaces the index contents with the persisted state in dir.
// A missing pair of files leaves the index empty. Any disagreement between
// the vector data and the mapping — or between the files and the index's
// configured dimension and metric — returns ErrCorrupt (or
// ErrDimensionMismatch for a dimension disagreement); the caller must
// rebuild from the metadata store rather than trust the files.
func (x *Index) Load(dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, vectorsFile))
	if os.IsNotExist(err) {
		// Fresh index. A mapping without vector data is corrupt.
		if _, merr := os.Stat(filepath.Join(dir, mappingFile)); merr == nil {
			return fmt.Errorf("mapping present without vector data: %w", ErrCorrupt)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading vector data: %w", err)
	}

	vectors, count, err := x.decodeVectors(raw)
	if err != nil {
		return err
	}

	mapRaw, err := os.ReadFile(filepath.Join(dir, mappingFile))
	if os.IsNotExist(err) {
		return fmt.Errorf("vector data present without mapping: %w", ErrCorrupt)
	}
	if err != nil {
		return fmt.Errorf("reading mapping: %w", err)
	}

	var m mapping
	if err := json.Unmarshal(mapRaw, &m); err != nil {
		return fmt.Errorf("parsing mapping: %v: %w", err, ErrCorrupt)
	}
	if m.Dim != x.dim {
		return fmt.Errorf("mapping is %d-d, index is %d-d: %w", m.Dim, x.dim, ErrDimensionMismatch)
	}
	if m.Metric != x.metric.String() {
		return fmt.Errorf("mapping metric %q, index metric %q: %w", m.Metric, x.metric, ErrCorrupt)
	}
	if len(m.IDs) != count {
		return fmt.Errorf("mapping has %d ids, vector data has %d rows: %w", len(m.IDs), count, ErrCorrupt)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.vectors = vectors
	x.ids = m.IDs
	return nil
}

// encodeVectors serializes the header and vector rows little-endian.
// Caller holds at least a read lock.
func (x *Index) encodeVectors() []byte {
	buf := make([]byte, 16+len(x.vectors)*4)
	copy(buf[0:4], fileMagic)
	binary.LittleEndian.PutUint16(buf[4:6], fileVersion)
	buf[6] = byte(x.metric)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(x.dim))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(x.ids)))
	for i, f := range x.vectors {
		binary.LittleEndian.PutUint32(buf[16+i*4:], math.Float32bits(f))
	}
	return buf
}

func (x *Index) decodeVectors(raw []byte) ([]float32, int, error) {
	if len(raw) < 16 || string(raw[0:4]) != fileMagic {
		return nil, 0, fmt.Errorf("bad vector file header: %w", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(raw[4:6]); v != fileVersion {
		return nil, 0, fmt.Errorf("unsupported vector file version %d: %w", v, ErrCorrupt)
	}
	if m := Metric(raw[6]); m != x.metric {
		return nil, 0, fmt.Errorf("vector file metric %q, index metric %q: %w", m, x.metric, ErrCorrupt)
	}
	dim := int(binary.LittleEndian.Uint32(raw[8:12]))
	if dim != x.dim {
		return nil, 0, fmt.Errorf("vector file is %d-d, index is %d-d: %w", dim, x.dim, ErrDimensionMismatch)
	}
	count := int(binary.LittleEndian.Uint32(raw[12:16]))

	body := raw[16:]
	if len(body) != count*dim*4 {
		return nil, 0, fmt.Errorf("vector file body is %d bytes, header promises %d: %w", len(body), count*dim*4, ErrCorrupt)
	}

	vectors := make([]float32, count*dim)
	for i := range vectors {
		vectors[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
	}
	return vectors, count, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
