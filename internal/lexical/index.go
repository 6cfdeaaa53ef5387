// Package lexical implements the in-process BM25 index over code, docs,
// and memories. Four scopes exist (project code, project docs, project
// memories, global memories); each owns its postings, document lengths,
// and a lowercased raw-content cache used for exact-phrase fallback.
//
// The index is guarded by a reader-writer lock: many concurrent searches,
// one rebuild. Invalidate marks a scope dirty; the next search takes the
// write lock and rebuilds from the registered loader.
package lexical

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"memvault/internal/token"
)

// BM25 parameters.
const (
	K1 = 1.2
	B  = 0.75
)

// Scope identifies one lexical corpus.
type Scope string

const (
	ScopeProjectCode     Scope = "project_code"
	ScopeProjectDocs     Scope = "project_docs"
	ScopeProjectMemories Scope = "project_memories"
	ScopeGlobalMemories  Scope = "global_memories"
)

// Variant returns the tokenizer variant for a scope.
func (s Scope) Variant() token.Variant {
	if s == ScopeProjectCode {
		return token.VariantCode
	}
	return token.VariantProse
}

// Doc is one indexable unit: an id and its text.
type Doc struct {
	ID   int64
	Text string
}

// Result is one scored search hit.
type Result struct {
	ID    int64
	Score float64
}

// Loader supplies a scope's documents for lazy rebuild after Invalidate.
type Loader func(ctx context.Context, scope Scope) ([]Doc, error)

// scopeIndex holds one scope's inverted index state.
type scopeIndex struct {
	postings map[string]map[int64]int // token -> doc id -> term frequency
	docLen   map[int64]int
	totalLen int
	raw      map[int64]string // lowercased content, exact-phrase fallback
	dirty    bool
}

func newScopeIndex() *scopeIndex {
	return &scopeIndex{
		postings: make(map[string]map[int64]int),
		docLen:   make(map[int64]int),
		raw:      make(map[int64]string),
	}
}

// Index is the four-scope BM25 index.
type Index struct {
	mu     sync.RWMutex
	scopes map[Scope]*scopeIndex
	loader Loader
}

// New creates an empty index. The loader may be nil when Invalidate is
// never used (tests, ephemeral corpora).
func New(loader Loader) *Index {
	return &Index{
		scopes: map[Scope]*scopeIndex{
			ScopeProjectCode:     newScopeIndex(),
			ScopeProjectDocs:     newScopeIndex(),
			ScopeProjectMemories: newScopeIndex(),
			ScopeGlobalMemories:  newScopeIndex(),
		},
		loader: loader,
	}
}

// Build constructs a scope from scratch, replacing previous state.
func (ix *Index) Build(scope Scope, docs []Doc) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	si := newScopeIndex()
	for _, d := range docs {
		si.add(d.ID, d.Text, scope.Variant())
	}
	ix.scopes[scope] = si
}

// Add indexes one document. An add that replaces an existing id decrements
// the old tokens before incrementing the new ones.
func (ix *Index) Add(scope Scope, id int64, text string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	si := ix.scopes[scope]
	if _, exists := si.docLen[id]; exists {
		si.remove(id)
	}
	si.add(id, text, scope.Variant())
}

// Remove drops one document, keeping counts consistent.
func (ix *Index) Remove(scope Scope, id int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.scopes[scope].remove(id)
}

// Invalidate marks a scope dirty; the next search rebuilds it lazily from
// the loader.
func (ix *Index) Invalidate(scope Scope) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.scopes[scope].dirty = true
}

// DocCount returns the number of documents in a scope.
func (ix *Index) DocCount(scope Scope) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	return len(ix.scopes[scope].docLen)
}

// Search returns the top-k results by BM25. Exact identifier matches (the
// whole query present as a single token in the document) receive a bonus
// of one IDF unit. When no token matches, the lowercased raw-content
// cache is scanned for the query as an exact phrase.
func (ix *Index) Search(ctx context.Context, query string, scope Scope, k int) ([]Result, error) {
	if err := ix.rebuildIfDirty(ctx, scope); err != nil {
		return nil, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	si := ix.scopes[scope]
	n := len(si.docLen)
	if n == 0 || strings.TrimSpace(query) == "" {
		return []Result{}, nil
	}

	whole := strings.ToLower(strings.TrimSpace(query))
	queryTokens := token.Tokenize(query, scope.Variant())
	if len(queryTokens) == 0 {
		// Queries made entirely of sub-length tokens still deserve the
		// exact-phrase scan.
		return si.phraseFallback(whole, k), nil
	}

	avgLen := float64(si.totalLen) / float64(n)
	scores := make(map[int64]float64)

	for _, qt := range queryTokens {
		docs, ok := si.postings[qt]
		if !ok {
			continue
		}
		idf := idf(n, len(docs))
		for id, tf := range docs {
			norm := float64(tf) * (K1 + 1) /
				(float64(tf) + K1*(1-B+B*float64(si.docLen[id])/avgLen))
			scores[id] += idf * norm
		}
	}

	// Exact identifier bonus: the whole query, lowercased, indexed as one
	// token in the matched document.
	if docs, ok := si.postings[whole]; ok {
		bonus := idf(n, len(docs))
		for id := range docs {
			scores[id] += bonus
		}
	}

	if len(scores) == 0 {
		return si.phraseFallback(whole, k), nil
	}

	results := make([]Result, 0, len(scores))
	for id, score := range scores {
		results = append(results, Result{ID: id, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// rebuildIfDirty reloads a dirty scope from the loader under the write
// lock before a search proceeds.
func (ix *Index) rebuildIfDirty(ctx context.Context, scope Scope) error {
	ix.mu.RLock()
	dirty := ix.scopes[scope].dirty
	ix.mu.RUnlock()
	if !dirty {
		return nil
	}

	if ix.loader == nil {
		ix.mu.Lock()
		ix.scopes[scope].dirty = false
		ix.mu.Unlock()
		return nil
	}

	docs, err := ix.loader(ctx, scope)
	if err != nil {
		return fmt.Errorf("lexical rebuild of %s: %w", scope, err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	// Another search may have rebuilt while we loaded.
	if !ix.scopes[scope].dirty {
		return nil
	}
	si := newScopeIndex()
	for _, d := range docs {
		si.add(d.ID, d.Text, scope.Variant())
	}
	ix.scopes[scope] = si
	return nil
}

// idf is the BM25 inverse document frequency with the +1 smoothing that
// keeps it positive for very common terms.
func idf(n, df int) float64 {
	return math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
}

func (si *scopeIndex) add(id int64, text string, v token.Variant) {
	tokens := token.Tokenize(text, v)
	for _, t := range tokens {
		m, ok := si.postings[t]
		if !ok {
			m = make(map[int64]int)
			si.postings[t] = m
		}
		m[id]++
	}
	si.docLen[id] = len(tokens)
	si.totalLen += len(tokens)
	si.raw[id] = strings.ToLower(text)
}

func (si *scopeIndex) remove(id int64) {
	length, ok := si.docLen[id]
	if !ok {
		return
	}
	for t, docs := range si.postings {
		if _, ok := docs[id]; ok {
			delete(docs, id)
			if len(docs) == 0 {
				delete(si.postings, t)
			}
		}
	}
	delete(si.docLen, id)
	delete(si.raw, id)
	si.totalLen -= length
}

// phraseFallback scans the raw-content cache for the query as a literal
// substring. Scores are uniform; ordering falls back to id.
func (si *scopeIndex) phraseFallback(phrase string, k int) []Result {
	if phrase == "" {
		return []Result{}
	}
	results := []Result{}
	for id, content := range si.raw {
		if strings.Contains(content, phrase) {
			results = append(results, Result{ID: id, Score: 1.0})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}
