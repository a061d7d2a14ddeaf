package mcpserver

import (
	"fmt"

	"github.com/blevesearch/bleve"
)

// SearchIndex is an in-memory full-text index over stored documents.
// It lives alongside the document store so /db/search can score hits
// even when the backing store only does substring matching.
type SearchIndex struct {
	idx bleve.Index
}

type indexedDoc struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// IndexHit carries the relevance score for one indexed document.
type IndexHit struct {
	Key   string
	Score float64
}

func NewSearchIndex() (*SearchIndex, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating search index: %w", err)
	}
	return &SearchIndex{idx: idx}, nil
}

// Add indexes one document under a table-qualified key.
func (s *SearchIndex) Add(table string, id int64, url, title, content string) error {
	return s.idx.Index(indexKey(table, id), indexedDoc{URL: url, Title: title, Content: content})
}

// Query returns scored matches for a term, best first.
func (s *SearchIndex) Query(term string, limit int) ([]IndexHit, error) {
	if limit <= 0 {
		limit = 10
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(term), limit, 0, false)
	res, err := s.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}
	hits := make([]IndexHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, IndexHit{Key: h.ID, Score: h.Score})
	}
	return hits, nil
}

func (s *SearchIndex) Close() error { return s.idx.Close() }

func indexKey(table string, id int64) string {
	return fmt.Sprintf("%s:%d", table, id)
}
