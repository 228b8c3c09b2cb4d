// Package store provides the built-in MetadataStore backends: badger
// (persistent, with a ristretto read cache), in-memory (tests and
// development), and redis (shared deployments), plus VectorStore adapters
// for the local index and chromem. All backends implement the trait surface
// in pkg/backend and pass the shared conformance suite in storetest.
package store

import (
	"sort"
	"time"

	"github.com/mnemon/mnemon/pkg/memory"
)

// prepareForSave validates a new memory row and fills timestamp defaults.
func prepareForSave(m *memory.Memory, now time.Time) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.Before(m.CreatedAt) {
		m.UpdatedAt = m.CreatedAt
	}
	if m.LastAccessedAt.Before(m.CreatedAt) {
		m.LastAccessedAt = m.CreatedAt
	}
	if m.AccessCount < 0 {
		m.AccessCount = 0
	}
	return m.Validate()
}

// sortAndBound orders query results under the filter's sort key and applies
// the result bound.
func sortAndBound(results []*memory.Memory, f *memory.Filter) []*memory.Memory {
	sort.Slice(results, func(i, j int) bool {
		return f.Less(results[i], results[j])
	})
	if f.MaxResults > 0 && len(results) > f.MaxResults {
		results = results[:f.MaxResults]
	}
	return results
}

// edgeKey identifies an association for uniqueness checks.
type edgeKey struct {
	source   string
	target   string
	relation memory.RelationType
}

// bfsEdge is one traversal candidate during neighbor expansion.
type bfsEdge struct {
	target     string
	weight     float64
	importance float64
}

// sortTraversal orders expansion candidates by edge weight descending, then
// destination importance descending, then id for determinism.
func sortTraversal(edges []bfsEdge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].weight != edges[j].weight {
			return edges[i].weight > edges[j].weight
		}
		if edges[i].importance != edges[j].importance {
			return edges[i].importance > edges[j].importance
		}
		return edges[i].target < edges[j].target
	})
}
