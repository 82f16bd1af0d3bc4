// Package memory persists long-lived facts about users and retrieves
// the ones relevant to the current message. Entries are append-only;
// corrections mark the old entry stale rather than deleting it.
package memory

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	. "github.com/mbeukes/cicada/internal/logging"
)

// Source records where an entry came from.
type Source string

const (
	SourceExplicit     Source = "explicit"     // user said "remember ..."
	SourceConversation Source = "conversation" // distilled from a turn
)

// Entry is one remembered fact, scoped to a single user.
type Entry struct {
	ID        int64
	UserID    string
	Content   string
	Source    Source
	Stale     bool
	CreatedAt time.Time
}

// Store persists and queries memory entries. Append is best-effort: a
// write failure queues an async retry and never propagates to the
// caller's turn.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	pending []*Entry // failed appends awaiting retry

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewStore(db *sql.DB) *Store {
	s := &Store{
		db:   db,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.retryLoop()
	return s
}

// Close stops the retry loop, flushing any queued appends first.
func (s *Store) Close() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// Append stores a new entry. Failures are queued for retry and logged,
// never returned: losing a memory write must not fail the conversation
// turn it came from.
func (s *Store) Append(userID, content string, source Source) {
	e := &Entry{
		UserID:    userID,
		Content:   content,
		Source:    source,
		CreatedAt: time.Now(),
	}
	if err := s.insert(e); err != nil {
		L_warn("memory: append failed, queued for retry", "user", userID, "error", err)
		s.mu.Lock()
		s.pending = append(s.pending, e)
		s.mu.Unlock()
	}
}

func (s *Store) insert(e *Entry) error {
	res, err := s.db.Exec(
		"INSERT INTO memory_entries (user_id, content, source, created_at) VALUES (?, ?, ?, ?)",
		e.UserID, e.Content, string(e.Source), e.CreatedAt.Unix(),
	)
	if err != nil {
		return err
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) retryLoop() {
	defer close(s.done)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flushPending()
		case <-s.stop:
			s.flushPending()
			return
		}
	}
}

func (s *Store) flushPending() {
	s.mu.Lock()
	queue := s.pending
	s.pending = nil
	s.mu.Unlock()

	var failed []*Entry
	for _, e := range queue {
		if err := s.insert(e); err != nil {
			failed = append(failed, e)
		}
	}
	if len(failed) > 0 {
		s.mu.Lock()
		s.pending = append(failed, s.pending...)
		s.mu.Unlock()
	} else if len(queue) > 0 {
		L_info("memory: retried appends flushed", "count", len(queue))
	}
}

// Query returns up to limit non-stale entries for the user, most
// relevant first. When the query text contains indexable terms, entries
// are ranked by full-text match quality; otherwise by recency. Ties
// break by entry ID, so identical inputs always return identical
// results.
func (s *Store) Query(userID, query string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	match := ftsQuery(query)
	if match != "" {
		entries, err := s.queryFTS(userID, match, limit)
		if err == nil && len(entries) > 0 {
			return entries, nil
		}
		if err != nil {
			L_debug("memory: fts query failed, falling back to recency", "error", err)
		}
	}
	return s.queryRecent(userID, limit)
}

func (s *Store) queryFTS(userID, match string, limit int) ([]*Entry, error) {
	rows, err := s.db.Query(`
		SELECT m.id, m.user_id, m.content, m.source, m.stale, m.created_at
		FROM memory_fts
		JOIN memory_entries m ON m.id = memory_fts.rowid
		WHERE memory_fts MATCH ? AND m.user_id = ? AND m.stale = 0
		ORDER BY bm25(memory_fts), m.id DESC
		LIMIT ?`, match, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) queryRecent(userID string, limit int) ([]*Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, content, source, stale, created_at
		FROM memory_entries
		WHERE user_id = ? AND stale = 0
		ORDER BY id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		var (
			e         Entry
			stale     int
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Content, &e.Source, &stale, &createdAt); err != nil {
			return nil, err
		}
		e.Stale = stale != 0
		e.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MarkStale supersedes an entry. The row stays for audit; it just stops
// appearing in query results.
func (s *Store) MarkStale(id int64) error {
	res, err := s.db.Exec("UPDATE memory_entries SET stale = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to mark memory stale: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory entry %d not found", id)
	}
	return nil
}

// Count returns the number of live entries for a user.
func (s *Store) Count(userID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM memory_entries WHERE user_id = ? AND stale = 0", userID,
	).Scan(&n)
	return n, err
}

// ftsQuery converts free text into a safe FTS5 MATCH expression: bare
// alphanumeric tokens OR-ed together. Returns "" when nothing indexable
// remains.
func ftsQuery(text string) string {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if len(t) < 2 {
			continue
		}
		terms = append(terms, fmt.Sprintf("%q", strings.ToLower(t)))
	}
	if len(terms) == 0 {
		return ""
	}
	return strings.Join(terms, " OR ")
}
