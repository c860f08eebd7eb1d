// Package store provides SQLite persistence for syndicate.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/abelbrown/syndicate/internal/feed"
)

// Store handles SQLite persistence. NOT an interface - concrete type.
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Store struct {
	db *sql.DB
	mu sync.RWMutex // Protects all database operations
}

// Source is a subscribed feed.
type Source struct {
	ID             int64
	URL            string
	Title          string
	Type           string // empty until detected
	Icon           string
	CadenceMinutes int
	FailureCount   int
	Paused         bool
	Deleted        bool
	LastFetchAt    *time.Time
	NextFetchAt    *time.Time
	LastError      string
}

// Outcome records one refresh attempt against a source.
type Outcome struct {
	Success     bool
	NewArticles int
	NextFetchAt time.Time
	Error       string
}

// SourceFilter selects which sources a bulk refresh targets.
// Empty IDs means all live (non-deleted, non-paused) sources.
type SourceFilter struct {
	IDs []int64
}

// maxCadenceBackoff caps how far repeated failures stretch the cadence.
const maxCadenceBackoff = 6

// Open creates a new Store with the given database path.
// Creates tables if they don't exist.
// Uses WAL mode for better concurrent read performance (file-based DBs only).
func Open(dbPath string) (*Store, error) {
	connStr := dbPath
	if dbPath == ":memory:" {
		// For in-memory databases, use shared cache mode so all connections
		// in the pool see the same database
		connStr = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db}

	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return s, nil
}

// createTables creates the required tables and indexes if they don't exist.
func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		icon TEXT NOT NULL DEFAULT '',
		cadence_minutes INTEGER NOT NULL DEFAULT 60,
		failure_count INTEGER NOT NULL DEFAULT 0,
		paused INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		last_fetch_at DATETIME,
		next_fetch_at DATETIME,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS articles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id INTEGER NOT NULL REFERENCES sources(id),
		guid TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		url TEXT,
		author TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		enclosure_url TEXT NOT NULL DEFAULT '',
		enclosure_type TEXT NOT NULL DEFAULT '',
		thumbnail TEXT NOT NULL DEFAULT '',
		published_at DATETIME,
		fetched_at DATETIME NOT NULL,
		UNIQUE(source_id, guid)
	);

	CREATE INDEX IF NOT EXISTS idx_articles_published ON articles(published_at DESC);
	CREATE INDEX IF NOT EXISTS idx_articles_source ON articles(source_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
// Thread-safe: acquires write lock to prevent closing during in-flight operations.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// AddSource inserts a new source and returns its id.
func (s *Store) AddSource(url, title string, cadenceMinutes int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cadenceMinutes <= 0 {
		cadenceMinutes = 60
	}
	res, err := s.db.Exec(
		`INSERT INTO sources (url, title, cadence_minutes) VALUES (?, ?, ?)`,
		url, title, cadenceMinutes,
	)
	if err != nil {
		return 0, fmt.Errorf("insert source: %w", err)
	}
	return res.LastInsertId()
}

// LoadSources resolves a refresh target set. With explicit IDs every named
// source is returned even if paused; without IDs, only live sources.
func (s *Store) LoadSources(filter SourceFilter) ([]Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(filter.IDs) == 0 {
		return s.querySources(`SELECT ` + sourceCols + ` FROM sources WHERE deleted = 0 AND paused = 0 ORDER BY id`)
	}

	var out []Source
	for _, id := range filter.IDs {
		srcs, err := s.querySources(`SELECT `+sourceCols+` FROM sources WHERE id = ? AND deleted = 0`, id)
		if err != nil {
			return nil, err
		}
		out = append(out, srcs...)
	}
	return out, nil
}

// ListSources returns all non-deleted sources.
func (s *Store) ListSources() ([]Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.querySources(`SELECT ` + sourceCols + ` FROM sources WHERE deleted = 0 ORDER BY id`)
}

// SetPaused flips the paused flag.
func (s *Store) SetPaused(id int64, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE sources SET paused = ? WHERE id = ?`, boolToInt(paused), id)
	return err
}

// DeleteSource soft-deletes a source. Its articles stay put.
func (s *Store) DeleteSource(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE sources SET deleted = 1 WHERE id = ?`, id)
	return err
}

// SetMeta records detected type, resolved title and icon after a refresh.
// Empty values leave the current column alone.
func (s *Store) SetMeta(id int64, typ, title, icon string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE sources SET
			type = CASE WHEN ? != '' THEN ? ELSE type END,
			title = CASE WHEN ? != '' THEN ? ELSE title END,
			icon = CASE WHEN ? != '' THEN ? ELSE icon END
		WHERE id = ?`,
		typ, typ, title, title, icon, icon, id)
	return err
}

// UpsertArticles stores articles for a source, returning the count of new
// rows. Duplicates on (source_id, guid) are silently ignored via
// INSERT OR IGNORE, which is what makes re-ingestion idempotent.
func (s *Store) UpsertArticles(sourceID int64, articles []feed.Article) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(articles) == 0 {
		return 0, nil
	}

	stmt, err := s.db.Prepare(`
		INSERT OR IGNORE INTO articles (
			source_id, guid, title, url, author, summary, content,
			enclosure_url, enclosure_type, thumbnail, published_at, fetched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now()
	newCount := 0
	for _, a := range articles {
		var published any
		if a.PublishedAt != nil {
			published = a.PublishedAt.UTC()
		}
		var link any
		if a.URL != "" {
			link = a.URL
		}
		result, err := stmt.Exec(
			sourceID, a.GUID, a.Title, link, a.Author, a.Summary, a.Content,
			a.EnclosureURL, a.EnclosureTyp, a.Thumbnail, published, now,
		)
		if err != nil {
			return newCount, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return newCount, err
		}
		if affected > 0 {
			newCount++
		}
	}
	return newCount, nil
}

// RecordOutcome writes a refresh attempt's result back to the source:
// success resets the failure counter, failure increments it and stretches
// the next fetch out by up to maxCadenceBackoff cadences.
func (s *Store) RecordOutcome(sourceID int64, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if o.Success {
		_, err := s.db.Exec(`
			UPDATE sources SET failure_count = 0, last_error = '',
				last_fetch_at = ?, next_fetch_at = ?
			WHERE id = ?`,
			now, o.NextFetchAt, sourceID)
		return err
	}

	_, err := s.db.Exec(`
		UPDATE sources SET failure_count = failure_count + 1, last_error = ?,
			last_fetch_at = ?,
			next_fetch_at = datetime(?, '+' || (cadence_minutes * MIN(failure_count + 1, ?)) || ' minutes')
		WHERE id = ?`,
		o.Error, now, now.UTC().Format("2006-01-02 15:04:05"), maxCadenceBackoff, sourceID)
	return err
}

// GetArticles retrieves the newest articles for a source, or for all
// sources when sourceID is 0.
func (s *Store) GetArticles(sourceID int64, limit int) ([]feed.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT source_id, guid, title, COALESCE(url, ''), author, summary, content,
			enclosure_url, enclosure_type, thumbnail, published_at
		FROM articles`
	var args []any
	if sourceID != 0 {
		query += ` WHERE source_id = ?`
		args = append(args, sourceID)
	}
	query += ` ORDER BY published_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var articles []feed.Article
	for rows.Next() {
		var a feed.Article
		var published sql.NullTime
		err := rows.Scan(
			&a.SourceID, &a.GUID, &a.Title, &a.URL, &a.Author, &a.Summary,
			&a.Content, &a.EnclosureURL, &a.EnclosureTyp, &a.Thumbnail, &published,
		)
		if err != nil {
			return nil, err
		}
		if published.Valid {
			t := published.Time
			a.PublishedAt = &t
		}
		articles = append(articles, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return articles, nil
}

const sourceCols = `id, url, title, type, icon, cadence_minutes, failure_count,
	paused, deleted, last_fetch_at, next_fetch_at, last_error`

// querySources is a helper that executes a query and scans results.
// Caller must hold s.mu (read lock is sufficient).
func (s *Store) querySources(query string, args ...any) ([]Source, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		var src Source
		var pausedInt, deletedInt int
		var lastFetch, nextFetch sql.NullTime
		err := rows.Scan(
			&src.ID, &src.URL, &src.Title, &src.Type, &src.Icon,
			&src.CadenceMinutes, &src.FailureCount,
			&pausedInt, &deletedInt, &lastFetch, &nextFetch, &src.LastError,
		)
		if err != nil {
			return nil, err
		}
		src.Paused = pausedInt != 0
		src.Deleted = deletedInt != 0
		if lastFetch.Valid {
			t := lastFetch.Time
			src.LastFetchAt = &t
		}
		if nextFetch.Valid {
			t := nextFetch.Time
			src.NextFetchAt = &t
		}
		sources = append(sources, src)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sources, nil
}

// boolToInt converts a bool to an int for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
