// Package index provides the two retrieval indices of the substrate: a BM25
// inverted index over memory content and a cosine-similarity vector index
// over memory embeddings. Both are reconstructible from the store.
package index

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Hit is a single index search result.
type Hit struct {
	ID    string
	Score float64
}

// BM25Index provides full-text search using the BM25 scoring algorithm.
// Optional metadata fields are indexed alongside the content.
type BM25Index struct {
	mu sync.RWMutex

	// BM25 parameters
	k1 float64
	b  float64

	// Inverted index: term -> set of ids
	invertedIndex map[string]map[string]struct{}

	// Forward index: id -> term frequencies
	termFreqs map[string]map[string]int

	// Document lengths (in tokens)
	docLengths map[string]int

	// Corpus stats
	totalDocs int
	totalLen  int

	// Stop words (optional)
	stopWords map[string]struct{}
}

// NewBM25Index creates a new BM25 index with the given parameters.
func NewBM25Index(k1, b float64) *BM25Index {
	return &BM25Index{
		k1:            k1,
		b:             b,
		invertedIndex: make(map[string]map[string]struct{}),
		termFreqs:     make(map[string]map[string]int),
		docLengths:    make(map[string]int),
		stopWords:     defaultStopWords(),
	}
}

// Upsert adds or replaces a document in the index. Metadata field values are
// tokenized and indexed together with the content.
func (idx *BM25Index) Upsert(id, content string, fields map[string]string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.termFreqs[id]; exists {
		idx.removeLocked(id)
	}

	tokens := idx.tokenize(content)
	for _, v := range fields {
		tokens = append(tokens, idx.tokenize(v)...)
	}

	freqs := make(map[string]int)
	for _, token := range tokens {
		freqs[token]++
	}

	idx.termFreqs[id] = freqs
	idx.docLengths[id] = len(tokens)
	idx.totalDocs++
	idx.totalLen += len(tokens)

	for term := range freqs {
		if idx.invertedIndex[term] == nil {
			idx.invertedIndex[term] = make(map[string]struct{})
		}
		idx.invertedIndex[term][id] = struct{}{}
	}
}

// Remove deletes a document from the index.
func (idx *BM25Index) Remove(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(id)
}

func (idx *BM25Index) removeLocked(id string) {
	freqs, exists := idx.termFreqs[id]
	if !exists {
		return
	}

	for term := range freqs {
		if docs, ok := idx.invertedIndex[term]; ok {
			delete(docs, id)
			if len(docs) == 0 {
				delete(idx.invertedIndex, term)
			}
		}
	}

	idx.totalLen -= idx.docLengths[id]
	idx.totalDocs--
	delete(idx.termFreqs, id)
	delete(idx.docLengths, id)
}

// Contains reports whether a document is indexed.
func (idx *BM25Index) Contains(id string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.termFreqs[id]
	return ok
}

// IDs returns all indexed document ids.
func (idx *BM25Index) IDs() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ids := make([]string, 0, len(idx.termFreqs))
	for id := range idx.termFreqs {
		ids = append(ids, id)
	}
	return ids
}

// Search performs a BM25 search and returns the top-K hits with unnormalized
// scores. With fuzzy enabled, query tokens of four or more characters also
// match index terms within edit distance one.
func (idx *BM25Index) Search(query string, topK int, fuzzy bool) []Hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.totalDocs == 0 || topK <= 0 {
		return nil
	}

	queryTokens := idx.tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}
	if fuzzy {
		queryTokens = idx.expandFuzzyLocked(queryTokens)
	}

	avgDL := float64(idx.totalLen) / float64(idx.totalDocs)

	candidates := make(map[string]struct{})
	for _, token := range queryTokens {
		if docs, ok := idx.invertedIndex[token]; ok {
			for id := range docs {
				candidates[id] = struct{}{}
			}
		}
	}

	results := make([]Hit, 0, len(candidates))
	for id := range candidates {
		score := idx.scoreLocked(id, queryTokens, avgDL)
		if score > 0 {
			results = append(results, Hit{ID: id, Score: score})
		}
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
	return results[:topK]
}

// Len returns the number of indexed documents.
func (idx *BM25Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.totalDocs
}

// expandFuzzyLocked widens query tokens to index terms within edit distance
// one. Short tokens are left exact; fuzziness on them produces mostly noise.
func (idx *BM25Index) expandFuzzyLocked(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	expanded := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, ok := seen[tok]; !ok {
			seen[tok] = struct{}{}
			expanded = append(expanded, tok)
		}
		if len(tok) < 4 {
			continue
		}
		for term := range idx.invertedIndex {
			if _, ok := seen[term]; ok {
				continue
			}
			if withinEditDistanceOne(tok, term) {
				seen[term] = struct{}{}
				expanded = append(expanded, term)
			}
		}
	}
	return expanded
}

// withinEditDistanceOne reports whether a and b differ by at most one
// insertion, deletion, or substitution.
func withinEditDistanceOne(a, b string) bool {
	la, lb := len(a), len(b)
	if la > lb {
		a, b = b, a
		la, lb = lb, la
	}
	if lb-la > 1 {
		return false
	}
	if la == lb {
		diffs := 0
		for i := 0; i < la; i++ {
			if a[i] != b[i] {
				diffs++
				if diffs > 1 {
					return false
				}
			}
		}
		return true
	}
	// One insertion into the shorter string.
	i, j, edits := 0, 0, 0
	for i < la && j < lb {
		if a[i] == b[j] {
			i++
			j++
			continue
		}
		edits++
		if edits > 1 {
			return false
		}
		j++
	}
	return true
}

// scoreLocked calculates the BM25 score for a document. Must be called with read lock held.
func (idx *BM25Index) scoreLocked(docID string, queryTokens []string, avgDL float64) float64 {
	docLen := float64(idx.docLengths[docID])
	freqs := idx.termFreqs[docID]
	score := 0.0

	for _, term := range queryTokens {
		tf := float64(freqs[term])
		if tf == 0 {
			continue
		}

		// IDF: log((N - n + 0.5) / (n + 0.5) + 1)
		n := float64(len(idx.invertedIndex[term]))
		idf := math.Log((float64(idx.totalDocs)-n+0.5)/(n+0.5) + 1.0)

		// BM25 term score
		numerator := tf * (idx.k1 + 1)
		denominator := tf + idx.k1*(1-idx.b+idx.b*docLen/avgDL)
		score += idf * numerator / denominator
	}

	return score
}

// tokenize splits text into lowercase tokens, removing punctuation and stop words.
func (idx *BM25Index) tokenize(text string) []string {
	text = strings.ToLower(text)

	tokens := make([]string, 0, len(text)/4)
	var current strings.Builder

	for _, r := range text {
		if (unicode.IsLetter(r) || unicode.IsDigit(r)) && !unicode.Is(unicode.Han, r) {
			current.WriteRune(r)
		} else {
			if current.Len() > 0 {
				token := current.String()
				if _, isStop := idx.stopWords[token]; !isStop {
					tokens = append(tokens, token)
				}
				current.Reset()
			}
			// Handle CJK characters as individual tokens
			if unicode.Is(unicode.Han, r) {
				tokens = append(tokens, string(r))
			}
		}
	}
	if current.Len() > 0 {
		token := current.String()
		if _, isStop := idx.stopWords[token]; !isStop {
			tokens = append(tokens, token)
		}
	}

	return tokens
}

func defaultStopWords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "is", "are", "was", "were", "be", "been", "being",
		"have", "has", "had", "do", "does", "did", "will", "would", "could",
		"should", "may", "might", "shall", "can", "need", "dare", "ought",
		"used", "to", "of", "in", "for", "on", "with", "at", "by", "from",
		"as", "into", "through", "during", "before", "after", "above", "below",
		"between", "out", "off", "over", "under", "again", "further", "then",
		"once", "and", "but", "or", "nor", "not", "so", "yet", "both",
		"either", "neither", "each", "every", "all", "any", "few", "more",
		"most", "other", "some", "such", "no", "only", "own", "same", "than",
		"too", "very", "just", "because", "if", "when", "where", "how", "what",
		"which", "who", "whom", "this", "that", "these", "those", "i", "me",
		"my", "myself", "we", "our", "ours", "ourselves", "you", "your",
		"yours", "yourself", "yourselves", "he", "him", "his", "himself",
		"she", "her", "hers", "herself", "it", "its", "itself", "they",
		"them", "their", "theirs", "themselves",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
