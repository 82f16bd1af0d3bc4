package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	. "github.com/mbeukes/cicada/internal/logging"
)

// Manager is the session arena: one live session per user at most,
// loaded lazily from sqlite and cached in memory.
type Manager struct {
	db   *sql.DB
	idle time.Duration

	mu   sync.Mutex
	live map[string]*Session // user ID -> live session

	now func() time.Time // test hook
}

func NewManager(db *sql.DB, idle time.Duration) *Manager {
	return &Manager{
		db:   db,
		idle: idle,
		live: make(map[string]*Session),
		now:  time.Now,
	}
}

// Touch returns the session the next message belongs to, creating a
// fresh one when the user has none or the idle window elapsed. The
// returned bool is true when a new session was started.
func (m *Manager) Touch(userID string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.liveSession(userID)
	if err != nil {
		return nil, false, err
	}

	now := m.now()
	if s != nil && now.Sub(s.LastActiveAt) < m.idle {
		return s, false, nil
	}

	if s != nil {
		if err := m.archive(s); err != nil {
			return nil, false, err
		}
		L_debug("session: idled out", "user", userID, "session", s.ID, "turns", s.TurnCount())
	}

	fresh := &Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if _, err := m.db.Exec(
		"INSERT INTO sessions (id, user_id, created_at, last_active_at) VALUES (?, ?, ?, ?)",
		fresh.ID, fresh.UserID, fresh.CreatedAt.Unix(), fresh.LastActiveAt.Unix(),
	); err != nil {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}

	m.live[userID] = fresh
	return fresh, true, nil
}

// Reset archives the user's live session so the next message starts
// fresh. No-op when there is none.
func (m *Manager) Reset(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.liveSession(userID)
	if err != nil || s == nil {
		return err
	}
	return m.archive(s)
}

// AppendTurn records a completed turn and bumps the activity clock.
func (m *Manager) AppendTurn(s *Session, turn Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	events, err := json.Marshal(turn.ToolEvents)
	if err != nil {
		return fmt.Errorf("failed to encode tool events: %w", err)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = m.now()
	}

	res, err := m.db.Exec(
		"INSERT INTO turns (session_id, created_at, user_text, assistant_text, tool_events) VALUES (?, ?, ?, ?, ?)",
		s.ID, turn.CreatedAt.Unix(), turn.UserText, turn.AssistantText, string(events),
	)
	if err != nil {
		return fmt.Errorf("failed to store turn: %w", err)
	}
	turn.ID, _ = res.LastInsertId()

	s.LastActiveAt = m.now()
	s.Turns = append(s.Turns, turn)

	if _, err := m.db.Exec(
		"UPDATE sessions SET last_active_at = ? WHERE id = ?",
		s.LastActiveAt.Unix(), s.ID,
	); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// SetBackendSessionID records the backend's conversation handle.
func (m *Manager) SetBackendSessionID(s *Session, backendID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.BackendSessionID = backendID
	_, err := m.db.Exec(
		"UPDATE sessions SET backend_session_id = ? WHERE id = ?", backendID, s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to store backend session id: %w", err)
	}
	return nil
}

// History returns the user's most recent sessions, newest first,
// archived ones included.
func (m *Manager) History(userID string, limit int) ([]*Session, error) {
	rows, err := m.db.Query(`
		SELECT id, user_id, backend_session_id, created_at, last_active_at, ended_at
		FROM sessions WHERE user_id = ?
		ORDER BY last_active_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// liveSession loads the user's live session, from cache or sqlite.
// Caller holds m.mu.
func (m *Manager) liveSession(userID string) (*Session, error) {
	if s, ok := m.live[userID]; ok {
		return s, nil
	}

	row := m.db.QueryRow(`
		SELECT id, user_id, backend_session_id, created_at, last_active_at, ended_at
		FROM sessions WHERE user_id = ? AND ended_at IS NULL
		ORDER BY last_active_at DESC LIMIT 1`, userID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if err := m.loadTurns(s); err != nil {
		return nil, err
	}
	m.live[userID] = s
	return s, nil
}

func (m *Manager) loadTurns(s *Session) error {
	rows, err := m.db.Query(`
		SELECT id, created_at, user_text, assistant_text, tool_events
		FROM turns WHERE session_id = ? ORDER BY id`, s.ID)
	if err != nil {
		return fmt.Errorf("failed to load turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t         Turn
			createdAt int64
			events    string
		)
		if err := rows.Scan(&t.ID, &createdAt, &t.UserText, &t.AssistantText, &events); err != nil {
			return err
		}
		t.CreatedAt = time.Unix(createdAt, 0)
		if err := json.Unmarshal([]byte(events), &t.ToolEvents); err != nil {
			L_warn("session: bad tool events, dropping", "turn", t.ID, "error", err)
		}
		s.Turns = append(s.Turns, t)
	}
	return rows.Err()
}

// archive marks a session ended. Caller holds m.mu.
func (m *Manager) archive(s *Session) error {
	s.EndedAt = m.now()
	if _, err := m.db.Exec(
		"UPDATE sessions SET ended_at = ? WHERE id = ?", s.EndedAt.Unix(), s.ID,
	); err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}
	delete(m.live, s.UserID)
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s                      Session
		createdAt, lastActive  int64
		endedAt                sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.UserID, &s.BackendSessionID, &createdAt, &lastActive, &endedAt)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = time.Unix(createdAt, 0)
	s.LastActiveAt = time.Unix(lastActive, 0)
	if endedAt.Valid {
		s.EndedAt = time.Unix(endedAt.Int64, 0)
	}
	return &s, nil
}
