package index

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/mnemon/mnemon/pkg/memory"
)

// VecIndex provides nearest neighbor search using a brute-force scan with
// cosine similarity. For workloads beyond ~100K vectors, swap in an HNSW
// implementation behind the same interface.
type VecIndex struct {
	mu        sync.RWMutex
	dimension int
	vectors   map[string][]float32
}

// NewVecIndex creates a new vector index with the given dimension.
func NewVecIndex(dimension int) *VecIndex {
	return &VecIndex{
		dimension: dimension,
		vectors:   make(map[string][]float32),
	}
}

// Dimension returns the fixed embedding width.
func (v *VecIndex) Dimension() int {
	return v.dimension
}

// Upsert adds or replaces a vector in the index.
func (v *VecIndex) Upsert(id string, vector []float32) error {
	if len(vector) != v.dimension {
		return fmt.Errorf("%w: expected %d, got %d", memory.ErrDimensionMismatch, v.dimension, len(vector))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vectors[id] = vector
	return nil
}

// Remove deletes a vector from the index.
func (v *VecIndex) Remove(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vectors, id)
}

// Contains reports whether a vector is indexed.
func (v *VecIndex) Contains(id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.vectors[id]
	return ok
}

// IDs returns all indexed ids.
func (v *VecIndex) IDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.vectors))
	for id := range v.vectors {
		ids = append(ids, id)
	}
	return ids
}

// Search finds the top-K most similar vectors to the query. Similarity is
// raw cosine in [-1,1]. An optional filter restricts the candidate set.
func (v *VecIndex) Search(query []float32, topK int, filter func(id string) bool) ([]Hit, error) {
	if len(query) != v.dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", memory.ErrDimensionMismatch, v.dimension, len(query))
	}
	if topK <= 0 {
		return nil, nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	results := make([]Hit, 0, len(v.vectors))
	for id, vec := range v.vectors {
		if filter != nil && !filter(id) {
			continue
		}
		sim := CosineSimilarity(query, vec)
		results = append(results, Hit{ID: id, Score: sim})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if topK > len(results) {
		topK = len(results)
	}
	return results[:topK], nil
}

// Len returns the number of vectors in the index.
func (v *VecIndex) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vectors)
}

// Save persists the vector index to a file.
// Format: [dimension:uint32][count:uint32] then for each entry:
// [idLen:uint16][id:bytes][vector:float32*dim]
func (v *VecIndex) Save(path string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("index: save failed: %w", err)
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, uint32(v.dimension)); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(v.vectors))); err != nil {
		return err
	}

	for id, vec := range v.vectors {
		if err := binary.Write(f, binary.LittleEndian, uint16(len(id))); err != nil {
			return err
		}
		if _, err := f.Write([]byte(id)); err != nil {
			return err
		}
		if err := binary.Write(f, binary.LittleEndian, vec); err != nil {
			return err
		}
	}
	return nil
}

// Load restores the vector index from a file.
func (v *VecIndex) Load(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("index: load failed: %w", err)
	}
	defer f.Close()

	var dim, count uint32
	if err := binary.Read(f, binary.LittleEndian, &dim); err != nil {
		return err
	}
	if err := binary.Read(f, binary.LittleEndian, &count); err != nil {
		return err
	}

	if int(dim) != v.dimension {
		return fmt.Errorf("%w: file has %d, index expects %d", memory.ErrDimensionMismatch, dim, v.dimension)
	}

	vectors := make(map[string][]float32, count)
	for i := uint32(0); i < count; i++ {
		var idLen uint16
		if err := binary.Read(f, binary.LittleEndian, &idLen); err != nil {
			return err
		}
		idBuf := make([]byte, idLen)
		if _, err := io.ReadFull(f, idBuf); err != nil {
			return err
		}

		vec := make([]float32, dim)
		if err := binary.Read(f, binary.LittleEndian, vec); err != nil {
			return err
		}
		vectors[string(idBuf)] = vec
	}

	v.vectors = vectors
	return nil
}

// CosineSimilarity calculates the cosine similarity between two vectors.
func CosineSimilarity(a []float32, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dotProduct / denom
}
