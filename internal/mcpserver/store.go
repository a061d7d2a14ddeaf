package mcpserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/msadeghi/triad/config"
)

const (
	tableFetched = "fetched_data"
	tableScraped = "scraped_data"

	searchPreviewChars = 200
	recentLimit        = 5
)

// ErrQueryUnsupported is returned by stores without a SQL backend.
var ErrQueryUnsupported = errors.New("raw queries require a postgres backend")

// Document is one stored fetch or scrape result.
type Document struct {
	ID        int64
	URL       string
	Title     string
	Content   string
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

// SearchRow is a /db/search result with a truncated content preview.
type SearchRow struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	Title     string    `json:"title,omitempty"`
	Preview   string    `json:"content_preview"`
	Score     float64   `json:"score,omitempty"`
	Table     string    `json:"table"`
	CreatedAt time.Time `json:"timestamp"`
}

// RecentEntry summarises one recent document for /db/stats.
type RecentEntry struct {
	URL       string    `json:"url"`
	Title     string    `json:"title,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StoreStats aggregates per-table counts and recent activity.
type StoreStats struct {
	FetchedCount  int64         `json:"fetched_count"`
	ScrapedCount  int64         `json:"scraped_count"`
	RecentFetches []RecentEntry `json:"recent_fetches"`
	RecentScrapes []RecentEntry `json:"recent_scrapes"`
	Backend       string        `json:"backend"`
}

// QueryResult is the outcome of a raw passthrough query.
type QueryResult struct {
	Rows         []map[string]interface{}
	AffectedRows int64
	IsSelect     bool
}

// DocumentStore persists fetched and scraped documents. Saves are not
// idempotent: retried requests produce duplicate rows.
type DocumentStore interface {
	SaveFetched(ctx context.Context, doc Document) (int64, error)
	SaveScraped(ctx context.Context, doc Document) (int64, error)
	Search(ctx context.Context, table, term string, limit int) ([]SearchRow, error)
	Stats(ctx context.Context) (StoreStats, error)
	Query(ctx context.Context, query string, args []interface{}) (QueryResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// NewDocumentStore prefers Postgres, falls back to Redis, and ends at
// the in-memory store when neither backend is configured.
func NewDocumentStore(ctx context.Context, cfg config.StorageConfig, logger *log.Logger) (DocumentStore, error) {
	if cfg.Postgres.URL != "" || cfg.Postgres.Host != "" {
		st, err := newPostgresStore(ctx, cfg.Postgres)
		if err == nil {
			logger.Printf("document store: postgres")
			return st, nil
		}
		logger.Printf("postgres unavailable (%v), trying redis", err)
	}
	if cfg.Redis.Host != "" {
		st, err := newRedisStore(ctx, cfg.Redis)
		if err == nil {
			logger.Printf("document store: redis")
			return st, nil
		}
		logger.Printf("redis unavailable (%v), using memory store", err)
	}
	logger.Printf("document store: memory")
	return NewMemoryStore(), nil
}

// ---------- Postgres ----------

type postgresStore struct {
	db *sql.DB
}

func newPostgresStore(ctx context.Context, cfg config.PostgresConfig) (*postgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	st := &postgresStore{db: db}
	if err := st.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *postgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fetched_data (
			id BIGSERIAL PRIMARY KEY,
			url TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS scraped_data (
			id BIGSERIAL PRIMARY KEY,
			url TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fetched_created ON fetched_data (created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_scraped_created ON scraped_data (created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	return nil
}

func (s *postgresStore) save(ctx context.Context, table string, doc Document) (int64, error) {
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return 0, fmt.Errorf("encoding metadata: %w", err)
	}
	var id int64
	q := fmt.Sprintf(`INSERT INTO %s (url, title, content, metadata) VALUES ($1, $2, $3, $4) RETURNING id`, table)
	if err := s.db.QueryRowContext(ctx, q, doc.URL, doc.Title, doc.Content, meta).Scan(&id); err != nil {
		return 0, fmt.Errorf("inserting into %s: %w", table, err)
	}
	return id, nil
}

func (s *postgresStore) SaveFetched(ctx context.Context, doc Document) (int64, error) {
	return s.save(ctx, tableFetched, doc)
}

func (s *postgresStore) SaveScraped(ctx context.Context, doc Document) (int64, error) {
	return s.save(ctx, tableScraped, doc)
}

func (s *postgresStore) Search(ctx context.Context, table, term string, limit int) ([]SearchRow, error) {
	if table != tableFetched && table != tableScraped {
		return nil, fmt.Errorf("invalid table %q", table)
	}
	q := fmt.Sprintf(`
SELECT id, url, title, left(content, %d), created_at
FROM %s
WHERE url ILIKE $1 OR title ILIKE $1 OR content ILIKE $1
ORDER BY created_at DESC
LIMIT $2`, searchPreviewChars, table)
	pattern := "%" + term + "%"
	rows, err := s.db.QueryContext(ctx, q, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", table, err)
	}
	defer rows.Close()

	var out []SearchRow
	for rows.Next() {
		var r SearchRow
		if err := rows.Scan(&r.ID, &r.URL, &r.Title, &r.Preview, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Table = table
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) Stats(ctx context.Context) (StoreStats, error) {
	stats := StoreStats{Backend: "postgres"}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fetched_data`).Scan(&stats.FetchedCount); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scraped_data`).Scan(&stats.ScrapedCount); err != nil {
		return stats, err
	}
	var err error
	if stats.RecentFetches, err = s.recent(ctx, tableFetched); err != nil {
		return stats, err
	}
	if stats.RecentScrapes, err = s.recent(ctx, tableScraped); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *postgresStore) recent(ctx context.Context, table string) ([]RecentEntry, error) {
	q := fmt.Sprintf(`SELECT url, title, created_at FROM %s ORDER BY created_at DESC LIMIT %d`, table, recentLimit)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecentEntry
	for rows.Next() {
		var e RecentEntry
		if err := rows.Scan(&e.URL, &e.Title, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Query runs a raw SQL passthrough. SELECTs return rows as maps;
// everything else returns the affected row count.
func (s *postgresStore) Query(ctx context.Context, query string, args []interface{}) (QueryResult, error) {
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return QueryResult{}, err
		}
		defer rows.Close()
		data, err := rowsToMaps(rows)
		if err != nil {
			return QueryResult{}, err
		}
		return QueryResult{Rows: data, IsSelect: true}, nil
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return QueryResult{}, err
	}
	affected, _ := res.RowsAffected()
	return QueryResult{AffectedRows: affected}, nil
}

func (s *postgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *postgresStore) Close() error                   { return s.db.Close() }

func rowsToMaps(rows *sql.Rows) ([]map[string]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ---------- Redis ----------

// redisStore keeps documents as hashes plus a recency list per table.
// Search scans the bounded recency window; full-text relevance comes
// from the bleve index layered on top by the server.
type redisStore struct {
	rdb *redis.Client
}

const redisScanWindow = 500

func newRedisStore(ctx context.Context, cfg config.RedisConfig) (*redisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &redisStore{rdb: rdb}, nil
}

func (s *redisStore) save(ctx context.Context, table string, doc Document) (int64, error) {
	id, err := s.rdb.Incr(ctx, "triad:"+table+":seq").Result()
	if err != nil {
		return 0, fmt.Errorf("allocating id: %w", err)
	}
	meta, _ := json.Marshal(doc.Metadata)
	key := fmt.Sprintf("triad:%s:%d", table, id)
	fields := map[string]interface{}{
		"url":        doc.URL,
		"title":      doc.Title,
		"content":    doc.Content,
		"metadata":   string(meta),
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.LPush(ctx, "triad:"+table+":recent", id)
	pipe.LTrim(ctx, "triad:"+table+":recent", 0, redisScanWindow-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("storing document: %w", err)
	}
	return id, nil
}

func (s *redisStore) SaveFetched(ctx context.Context, doc Document) (int64, error) {
	return s.save(ctx, tableFetched, doc)
}

func (s *redisStore) SaveScraped(ctx context.Context, doc Document) (int64, error) {
	return s.save(ctx, tableScraped, doc)
}

func (s *redisStore) Search(ctx context.Context, table, term string, limit int) ([]SearchRow, error) {
	if table != tableFetched && table != tableScraped {
		return nil, fmt.Errorf("invalid table %q", table)
	}
	ids, err := s.rdb.LRange(ctx, "triad:"+table+":recent", 0, redisScanWindow-1).Result()
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(term)
	var out []SearchRow
	for _, rawID := range ids {
		if len(out) >= limit {
			break
		}
		fields, err := s.rdb.HGetAll(ctx, "triad:"+table+":"+rawID).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		haystack := strings.ToLower(fields["url"] + " " + fields["title"] + " " + fields["content"])
		if needle != "" && !strings.Contains(haystack, needle) {
			continue
		}
		var id int64
		fmt.Sscanf(rawID, "%d", &id)
		created, _ := time.Parse(time.RFC3339Nano, fields["created_at"])
		out = append(out, SearchRow{
			ID:        id,
			URL:       fields["url"],
			Title:     fields["title"],
			Preview:   truncatePreview(fields["content"]),
			Table:     table,
			CreatedAt: created,
		})
	}
	return out, nil
}

func (s *redisStore) Stats(ctx context.Context) (StoreStats, error) {
	stats := StoreStats{Backend: "redis"}
	stats.FetchedCount, _ = s.rdb.Get(ctx, "triad:"+tableFetched+":seq").Int64()
	stats.ScrapedCount, _ = s.rdb.Get(ctx, "triad:"+tableScraped+":seq").Int64()
	stats.RecentFetches = s.recent(ctx, tableFetched)
	stats.RecentScrapes = s.recent(ctx, tableScraped)
	return stats, nil
}

func (s *redisStore) recent(ctx context.Context, table string) []RecentEntry {
	ids, err := s.rdb.LRange(ctx, "triad:"+table+":recent", 0, recentLimit-1).Result()
	if err != nil {
		return nil
	}
	var out []RecentEntry
	for _, rawID := range ids {
		fields, err := s.rdb.HGetAll(ctx, "triad:"+table+":"+rawID).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		created, _ := time.Parse(time.RFC3339Nano, fields["created_at"])
		out = append(out, RecentEntry{URL: fields["url"], Title: fields["title"], Timestamp: created})
	}
	return out
}

func (s *redisStore) Query(ctx context.Context, query string, args []interface{}) (QueryResult, error) {
	return QueryResult{}, ErrQueryUnsupported
}

func (s *redisStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }
func (s *redisStore) Close() error                   { return s.rdb.Close() }

// ---------- Memory ----------

// MemoryStore is the zero-configuration backend, also used in tests.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	fetched []Document
	scraped []Document
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) save(docs *[]Document, doc Document) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	doc.ID = s.nextID
	doc.CreatedAt = time.Now().UTC()
	*docs = append(*docs, doc)
	return doc.ID
}

func (s *MemoryStore) SaveFetched(ctx context.Context, doc Document) (int64, error) {
	return s.save(&s.fetched, doc), nil
}

func (s *MemoryStore) SaveScraped(ctx context.Context, doc Document) (int64, error) {
	return s.save(&s.scraped, doc), nil
}

func (s *MemoryStore) Search(ctx context.Context, table, term string, limit int) ([]SearchRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var docs []Document
	switch table {
	case tableFetched:
		docs = s.fetched
	case tableScraped:
		docs = s.scraped
	default:
		return nil, fmt.Errorf("invalid table %q", table)
	}
	needle := strings.ToLower(term)
	var out []SearchRow
	for i := len(docs) - 1; i >= 0 && len(out) < limit; i-- {
		d := docs[i]
		haystack := strings.ToLower(d.URL + " " + d.Title + " " + d.Content)
		if needle != "" && !strings.Contains(haystack, needle) {
			continue
		}
		out = append(out, SearchRow{
			ID:        d.ID,
			URL:       d.URL,
			Title:     d.Title,
			Preview:   truncatePreview(d.Content),
			Table:     table,
			CreatedAt: d.CreatedAt,
		})
	}
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := StoreStats{
		Backend:      "memory",
		FetchedCount: int64(len(s.fetched)),
		ScrapedCount: int64(len(s.scraped)),
	}
	stats.RecentFetches = recentOf(s.fetched)
	stats.RecentScrapes = recentOf(s.scraped)
	return stats, nil
}

func recentOf(docs []Document) []RecentEntry {
	var out []RecentEntry
	for i := len(docs) - 1; i >= 0 && len(out) < recentLimit; i-- {
		out = append(out, RecentEntry{URL: docs[i].URL, Title: docs[i].Title, Timestamp: docs[i].CreatedAt})
	}
	return out
}

func (s *MemoryStore) Query(ctx context.Context, query string, args []interface{}) (QueryResult, error) {
	return QueryResult{}, ErrQueryUnsupported
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

func truncatePreview(content string) string {
	if len(content) > searchPreviewChars {
		return content[:searchPreviewChars]
	}
	return content
}
