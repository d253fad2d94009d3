package memstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/recallos/recall/internal/embed"
	"github.com/recallos/recall/internal/storage"
	"github.com/recallos/recall/internal/vecindex"
)

// SearchModality selects which indices a query runs against.
type SearchModality string

const (
	SearchText   SearchModality = "text"
	SearchVisual SearchModality = "visual"
	SearchBoth   SearchModality = "both"
)

// SearchRequest is a similarity query against the store.
type SearchRequest struct {
	Query    string
	TopK     int
	Modality SearchModality
	Filter   storage.Filter
}

// SearchResult is one ranked hit: the matching chunk, its parent item, and a
// similarity score. Text scores are 1/(1+d) over the index's squared L2
// distance; visual scores
// are cosine similarity. Both increase with relevance.
type SearchResult struct {
	Item  *storage.MemoryItem `json:"item"`
	Chunk *storage.Chunk      `json:"chunk"`
	Score float64             `json:"score"`
}

// Search embeds the query per requested modality, over-fetches candidates
// from each index, joins them against the metadata store, filters,
// deduplicates by parent item, and returns the top results. An empty or
// unavailable index contributes no results rather than an error.
func (m *Manager) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	if req.TopK <= 0 {
		req.TopK = 10
	}
	if req.Modality == "" {
		req.Modality = SearchText
	}

	fetch := req.TopK * m.fanOut

	var textHits, visHits []SearchResult
	var err error

	if req.Modality == SearchText || req.Modality == SearchBoth {
		textHits, err = m.searchText(ctx, req.Query, fetch, req.Filter)
		if err != nil {
			return nil, err
		}
	}
	if req.Modality == SearchVisual || req.Modality == SearchBoth {
		visHits, err = m.searchVisual(ctx, req.Query, fetch, req.Filter)
		if err != nil {
			return nil, err
		}
	}

	var merged []SearchResult
	switch req.Modality {
	case SearchText:
		merged = textHits
	case SearchVisual:
		merged = visHits
	case SearchBoth:
		// Score scales are not comparable across indices; interleave the
		// two rank-ordered lists instead of sorting by raw score.
		merged = interleave(textHits, visHits)
	default:
		return nil, fmt.Errorf("unknown search modality %q", req.Modality)
	}

	if len(merged) > req.TopK {
		merged = merged[:req.TopK]
	}
	return merged, nil
}

func (m *Manager) searchText(ctx context.Context, query string, fetch int, f storage.Filter) ([]SearchResult, error) {
	vec, err := m.gw.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	m.mu.RLock()
	hits, err := m.text.Search(vec, fetch)
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	// The index reports squared L2 distances; convert to a similarity in
	// (0,1] via 1/(1+d) over the reported distance.
	for i := range hits {
		hits[i].Score = 1 / (1 + hits[i].Score)
	}
	return m.resolve(ctx, hits, f, 0)
}

func (m *Manager) searchVisual(ctx context.Context, query string, fetch int, f storage.Filter) ([]SearchResult, error) {
	vec, err := m.gw.EmbedQueryVisual(ctx, query)
	if errors.Is(err, embed.ErrEncoding) {
		// No visual encoder configured: this modality contributes nothing.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	m.mu.RLock()
	hits, err := m.vis.Search(vec, fetch)
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return m.resolve(ctx, hits, f, m.visualMinScore)
}

// resolve joins index hits against the metadata store, applies the filter,
// drops orphans and sub-floor scores, and deduplicates by parent item
// keeping the best-scoring chunk. Input hits are already rank-ordered.
func (m *Manager) resolve(ctx context.Context, hits []vecindex.Hit, f storage.Filter, minScore float64) ([]SearchResult, error) {
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	chunks, err := m.store.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolving chunks: %w", err)
	}

	parentIDs := make([]string, 0, len(chunks))
	seen := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		if !seen[c.ParentID] {
			seen[c.ParentID] = true
			parentIDs = append(parentIDs, c.ParentID)
		}
	}
	items, err := m.store.GetItemsByIDs(ctx, parentIDs)
	if err != nil {
		return nil, fmt.Errorf("resolving items: %w", err)
	}

	var results []SearchResult
	taken := make(map[string]bool)
	for _, h := range hits {
		if minScore > 0 && float64(h.Score) < minScore {
			continue
		}
		chunk, ok := chunks[h.ID]
		if !ok {
			// Index entry without a chunk row should not occur; skip
			// defensively rather than fail the query.
			m.log.Warn("search hit has no chunk row", "chunk", h.ID)
			continue
		}
		item, ok := items[chunk.ParentID]
		if !ok {
			m.log.Warn("search hit has no parent item", "chunk", h.ID, "parent", chunk.ParentID)
			continue
		}
		if !matchesFilter(item, f) {
			continue
		}
		// Hits arrive best-first, so the first chunk seen per parent is
		// the best-scoring one.
		if taken[chunk.ParentID] {
			continue
		}
		taken[chunk.ParentID] = true
		results = append(results, SearchResult{Item: item, Chunk: chunk, Score: float64(h.Score)})
	}
	return results, nil
}

func matchesFilter(item *storage.MemoryItem, f storage.Filter) bool {
	if f.ContentType != "" && item.ContentType != f.ContentType {
		return false
	}
	if f.Source != "" && item.Source != f.Source {
		return false
	}
	if !f.Since.IsZero() && item.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && item.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// interleave merges two rank-ordered lists by alternating ranks, skipping
// parents already emitted so one item never appears twice across modalities.
func interleave(a, b []SearchResult) []SearchResult {
	merged := make([]SearchResult, 0, len(a)+len(b))
	taken := make(map[string]bool)

	appendIfNew := func(r SearchResult) {
		if taken[r.Item.ID] {
			return
		}
		taken[r.Item.ID] = true
		merged = append(merged, r)
	}

	for i := 0; i < len(a) || i < len(b); i++ {
		if i < len(a) {
			appendIfNew(a[i])
		}
		if i < len(b) {
			appendIfNew(b[i])
		}
	}
	return merged
}
