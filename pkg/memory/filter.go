package memory

import "time"

// SortKey selects the ordering of store query results.
type SortKey string

// Sort keys accepted by Filter.
const (
	SortByCreated    SortKey = "created_at"
	SortByUpdated    SortKey = "updated_at"
	SortByAccessed   SortKey = "last_accessed_at"
	SortByImportance SortKey = "importance"
	SortByConfidence SortKey = "confidence"
)

// Filter is a composite predicate for store queries. Zero values mean
// "no constraint" except Forgotten, which is explicit via IncludeForgotten.
type Filter struct {
	Types            []Type     `json:"types,omitempty"`
	SessionID        string     `json:"session_id,omitempty"`
	MinImportance    float64    `json:"min_importance,omitempty"`
	MaxImportance    float64    `json:"max_importance,omitempty"`
	MinConfidence    float64    `json:"min_confidence,omitempty"`
	MaxConfidence    float64    `json:"max_confidence,omitempty"`
	CreatedAfter     time.Time  `json:"created_after,omitempty"`
	CreatedBefore    time.Time  `json:"created_before,omitempty"`
	IncludeForgotten bool       `json:"include_forgotten,omitempty"`
	SortBy           SortKey    `json:"sort_by,omitempty"`
	MaxResults       int        `json:"max_results,omitempty"`
}

// Matches reports whether a memory satisfies the filter predicates.
// Sorting and truncation are the store's responsibility.
func (f *Filter) Matches(m *Memory) bool {
	if m.Forgotten && !f.IncludeForgotten {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if m.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.SessionID != "" && m.SessionID != f.SessionID {
		return false
	}
	if f.MinImportance > 0 && m.Importance < f.MinImportance {
		return false
	}
	if f.MaxImportance > 0 && m.Importance > f.MaxImportance {
		return false
	}
	if f.MinConfidence > 0 && m.Confidence.Score < f.MinConfidence {
		return false
	}
	if f.MaxConfidence > 0 && m.Confidence.Score > f.MaxConfidence {
		return false
	}
	if !f.CreatedAfter.IsZero() && m.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && m.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	return true
}

// Less orders two memories under the filter's sort key, descending, with the
// id as a deterministic tie-break.
func (f *Filter) Less(a, b *Memory) bool {
	switch f.SortBy {
	case SortByUpdated:
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
	case SortByAccessed:
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.After(b.LastAccessedAt)
		}
	case SortByImportance:
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
	case SortByConfidence:
		if a.Confidence.Score != b.Confidence.Score {
			return a.Confidence.Score > b.Confidence.Score
		}
	default:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
	}
	return a.ID < b.ID
}
