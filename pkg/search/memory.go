package search

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// InMemorySearchEngine is a reference SearchEngine for tests and
// single-process installations: a linear substring scan over indexed
// documents' Fields values, with facet counts computed over the same
// scan. It is not meant to be a production search backend — it exists so
// Indexer has something concrete to drive without an external service.
type InMemorySearchEngine struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewInMemorySearchEngine() *InMemorySearchEngine {
	return &InMemorySearchEngine{docs: make(map[string]Document)}
}

func (e *InMemorySearchEngine) Index(ctx context.Context, doc Document) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.docs[doc.ID] = doc
	return nil
}

func (e *InMemorySearchEngine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.docs, id)
	return nil
}

func (e *InMemorySearchEngine) Search(ctx context.Context, query string, filters map[string]any, pagination Pagination) (SearchResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var matched []Document
	for _, doc := range e.docs {
		if !matchesFilters(doc, filters) {
			continue
		}
		if query == "" || containsText(doc, query) {
			matched = append(matched, doc)
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	facets := buildFacets(matched, filters)

	limit := pagination.Limit
	if limit <= 0 {
		limit = len(matched)
	}
	start := pagination.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}

	hits := make([]Hit, 0, end-start)
	for _, doc := range matched[start:end] {
		hits = append(hits, Hit{Document: doc, Score: 1})
	}

	return SearchResult{Hits: hits, Facets: facets}, nil
}

func matchesFilters(doc Document, filters map[string]any) bool {
	for k, v := range filters {
		if k == "type" {
			if doc.Type != v {
				return false
			}
			continue
		}
		fv, ok := doc.Fields[k]
		if !ok || fv != v {
			return false
		}
	}
	return true
}

func containsText(doc Document, query string) bool {
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(doc.Type), q) || strings.Contains(strings.ToLower(doc.ID), q) {
		return true
	}
	for _, v := range doc.Fields {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), q) {
			return true
		}
	}
	return false
}

func buildFacets(docs []Document, filters map[string]any) []Facet {
	counts := map[string]int{}
	for _, doc := range docs {
		counts[doc.Type]++
	}
	return []Facet{{Field: "type", Counts: counts}}
}
