package vector

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	matomeerrors "github.com/hyperjump/matome/internal/errors"
)

// DefaultGrowChunk is the number of rows added beyond the immediate need when the slab grows.
const DefaultGrowChunk = 10000

// MemoryIndex is a brute-force inner-product index over one contiguous row-major slab.
// Rows are appended in place; the slab only reallocates when capacity runs out, growing to
// max(need+growChunk, 1.5*capacity) rows. Removal swaps the last row into the hole.
type MemoryIndex struct {
	dimensions int
	growChunk  int
	slab       []float32
	ids        []string
	rows       map[string]int
	mu         sync.RWMutex
}

// MemoryOption configures a MemoryIndex.
type MemoryOption func(*MemoryIndex)

// WithGrowChunk sets the slab growth chunk in rows.
func WithGrowChunk(rows int) MemoryOption {
	return func(m *MemoryIndex) {
		if rows > 0 {
			m.growChunk = rows
		}
	}
}

// WithInitialCapacity preallocates room for rows vectors.
func WithInitialCapacity(rows int) MemoryOption {
	return func(m *MemoryIndex) {
		if rows > 0 {
			m.slab = make([]float32, 0, rows*m.dimensions)
		}
	}
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int, opts ...MemoryOption) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	m := &MemoryIndex{
		dimensions: dimensions,
		growChunk:  DefaultGrowChunk,
		rows:       make(map[string]int),
	}
	for _, fn := range opts {
		fn(m)
	}
	return m, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

// Dimensions returns the vector dimension.
func (m *MemoryIndex) Dimensions() int {
	return m.dimensions
}

// Capacity returns the number of rows the slab can hold without reallocating.
func (m *MemoryIndex) Capacity() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cap(m.slab) / m.dimensions
}

func (m *MemoryIndex) checkDims(vec []float32) error {
	if len(vec) != m.dimensions {
		return matomeerrors.NewInvalidInput(fmt.Sprintf("vector dimension mismatch: got %d, expected %d", len(vec), m.dimensions))
	}
	return nil
}

// reserveLocked makes room for need rows in total.
func (m *MemoryIndex) reserveLocked(need int) {
	capRows := cap(m.slab) / m.dimensions
	if need <= capRows {
		return
	}
	newRows := need + m.growChunk
	if grown := capRows + capRows/2; grown > newRows {
		newRows = grown
	}
	slab := make([]float32, len(m.slab), newRows*m.dimensions)
	copy(slab, m.slab)
	m.slab = slab
}

func (m *MemoryIndex) appendLocked(id string, vec []float32) {
	m.reserveLocked(len(m.ids) + 1)
	m.rows[id] = len(m.ids)
	m.ids = append(m.ids, id)
	m.slab = append(m.slab, vec...)
}

func (m *MemoryIndex) row(i int) []float32 {
	return m.slab[i*m.dimensions : (i+1)*m.dimensions]
}

// Add inserts vec under id.
func (m *MemoryIndex) Add(id string, vec []float32) error {
	if err := m.checkDims(vec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; ok {
		return matomeerrors.NewDuplicateID("vector index", id)
	}
	m.appendLocked(id, vec)
	return nil
}

func (m *MemoryIndex) maxSimilarityLocked(vec []float32) float64 {
	best := math.Inf(-1)
	if len(vec) != m.dimensions {
		return best
	}
	for i := range m.ids {
		if s := InnerProduct(vec, m.row(i)); s > best {
			best = s
		}
	}
	return best
}

// MaxSimilarity returns the best cosine similarity to any stored vector.
// A vector of the wrong dimension matches nothing.
func (m *MemoryIndex) MaxSimilarity(vec []float32) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxSimilarityLocked(vec)
}

// IsNew reports whether vec is below threshold similarity to everything stored.
func (m *MemoryIndex) IsNew(vec []float32, threshold float64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids) == 0 || m.maxSimilarityLocked(vec) < threshold
}

// AddIfNew inserts vec when it is new at threshold.
func (m *MemoryIndex) AddIfNew(id string, vec []float32, threshold float64) (bool, error) {
	if err := m.checkDims(vec); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addIfNewLocked(id, vec, threshold)
}

func (m *MemoryIndex) addIfNewLocked(id string, vec []float32, threshold float64) (bool, error) {
	if _, ok := m.rows[id]; ok {
		return false, matomeerrors.NewDuplicateID("vector index", id)
	}
	if len(m.ids) > 0 && m.maxSimilarityLocked(vec) >= threshold {
		return false, nil
	}
	m.appendLocked(id, vec)
	return true, nil
}

// BatchAddIfNew runs AddIfNew for each (id, vec) pair in order under one lock.
func (m *MemoryIndex) BatchAddIfNew(ids []string, vecs [][]float32, threshold float64) ([]bool, error) {
	if len(ids) != len(vecs) {
		return nil, matomeerrors.NewInvalidInput("ids and vectors length mismatch")
	}
	for _, v := range vecs {
		if err := m.checkDims(v); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserveLocked(len(m.ids) + len(ids))
	out := make([]bool, len(ids))
	for i, id := range ids {
		added, err := m.addIfNewLocked(id, vecs[i], threshold)
		if err != nil {
			return out, err
		}
		out[i] = added
	}
	return out, nil
}

// Search returns the top-k vectors by inner product, ties broken by ID.
func (m *MemoryIndex) Search(query []float32, k int) ([]*VectorResult, error) {
	if err := m.checkDims(query); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.ids) == 0 {
		return nil, nil
	}
	results := make([]*VectorResult, len(m.ids))
	for i, id := range m.ids {
		results[i] = &VectorResult{ID: id, Score: InnerProduct(query, m.row(i))}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// Remove drops id by moving the last row into its slot.
func (m *MemoryIndex) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.rows[id]
	if !ok {
		return
	}
	last := len(m.ids) - 1
	if i != last {
		copy(m.row(i), m.row(last))
		m.ids[i] = m.ids[last]
		m.rows[m.ids[i]] = i
	}
	m.ids = m.ids[:last]
	m.slab = m.slab[:last*m.dimensions]
	delete(m.rows, id)
}

// Contains reports whether id is stored.
func (m *MemoryIndex) Contains(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rows[id]
	return ok
}

// Len returns the number of vectors in the index.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Save persists the index to path. Directory is created if needed. Format: dimension (4), n (4),
// then per vector: idLen (4), id bytes, vector (dimension*4 bytes), all little-endian.
func (m *MemoryIndex) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return matomeerrors.NewPersistence(path, err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return matomeerrors.NewPersistence(path, err)
	}
	w := bufio.NewWriter(f)
	if err := m.writeLocked(w); err != nil {
		f.Close()
		os.Remove(tmp)
		return matomeerrors.NewPersistence(path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return matomeerrors.NewPersistence(path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return matomeerrors.NewPersistence(path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return matomeerrors.NewPersistence(path, err)
	}
	return nil
}

func (m *MemoryIndex) writeLocked(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(m.dimensions)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(m.ids))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	for i, id := range m.ids {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(id))); err != nil {
			return fmt.Errorf("write id len: %w", err)
		}
		if _, err := io.WriteString(w, id); err != nil {
			return fmt.Errorf("write id: %w", err)
		}
		if _, err := w.Write(float32SliceToBytes(m.row(i))); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return nil
}

// Load reads the index from path and replaces the in-memory contents. Dimensions must match.
// If the file does not exist, no error is returned and the index is unchanged.
func (m *MemoryIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var dim, n uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != m.dimensions {
		return fmt.Errorf("dimension mismatch: file has %d, index expects %d", dim, m.dimensions)
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read count: %w", err)
	}

	ids := make([]string, 0, n)
	rows := make(map[string]int, n)
	slab := make([]float32, 0, (int(n)+m.growChunk)*m.dimensions)
	buf := make([]byte, m.dimensions*4)
	for i := uint32(0); i < n; i++ {
		var idLen uint32
		if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
			return fmt.Errorf("read id len: %w", err)
		}
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return fmt.Errorf("read id: %w", err)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		id := string(idBytes)
		if _, dup := rows[id]; dup {
			return matomeerrors.NewDuplicateID("vector index file", id)
		}
		rows[id] = len(ids)
		ids = append(ids, id)
		slab = append(slab, bytesToFloat32Slice(buf)...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids, m.rows, m.slab = ids, rows, slab
	return nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}
