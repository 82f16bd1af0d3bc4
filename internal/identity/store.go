package identity

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	. "github.com/mbeukes/cicada/internal/logging"
	"github.com/mbeukes/cicada/internal/types"
)

// Store persists users and channel links. Approved links are cached in
// memory; unpaired and pending lookups always hit the database so that
// approvals made by a separate CLI process are picked up immediately.
type Store struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]*Link // ref.String() -> approved link
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, cache: make(map[string]*Link)}
}

// Lookup resolves a channel identity. An identity never seen before is
// returned as an unpaired link, not an error.
func (s *Store) Lookup(ref types.ChannelRef) (*Link, error) {
	s.mu.RLock()
	if l, ok := s.cache[ref.String()]; ok {
		s.mu.RUnlock()
		return l, nil
	}
	s.mu.RUnlock()

	link, err := s.loadLink(ref)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return &Link{Ref: ref, Status: StatusUnpaired}, nil
	}

	if link.Status == StatusApproved {
		s.mu.Lock()
		s.cache[ref.String()] = link
		s.mu.Unlock()
	}
	return link, nil
}

func (s *Store) loadLink(ref types.ChannelRef) (*Link, error) {
	var (
		link      Link
		userID    sql.NullString
		updatedAt int64
	)
	err := s.db.QueryRow(`
		SELECT user_id, status, display_name, updated_at
		FROM channel_links WHERE channel = ? AND native_id = ?`,
		string(ref.Channel), ref.NativeID,
	).Scan(&userID, &link.Status, &link.DisplayName, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load channel link: %w", err)
	}
	link.Ref = ref
	link.UserID = userID.String
	link.UpdatedAt = time.Unix(updatedAt, 0)
	return &link, nil
}

// SetLinkStatus upserts a link's pairing state. userID may be empty for
// non-approved states.
func (s *Store) SetLinkStatus(ref types.ChannelRef, status Status, userID, displayName string) error {
	var uid interface{}
	if userID != "" {
		uid = userID
	}
	_, err := s.db.Exec(`
		INSERT INTO channel_links (channel, native_id, user_id, status, display_name, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel, native_id) DO UPDATE SET
			user_id = excluded.user_id,
			status = excluded.status,
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE channel_links.display_name END,
			updated_at = excluded.updated_at`,
		string(ref.Channel), ref.NativeID, uid, string(status), displayName, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to update channel link: %w", err)
	}

	s.mu.Lock()
	if status == StatusApproved {
		s.cache[ref.String()] = &Link{
			Ref: ref, UserID: userID, Status: status,
			DisplayName: displayName, UpdatedAt: time.Now(),
		}
	} else {
		delete(s.cache, ref.String())
	}
	s.mu.Unlock()

	L_debug("identity: link updated", "ref", ref.String(), "status", status)
	return nil
}

// CreateUser creates a new user with a fresh UUID.
func (s *Store) CreateUser(displayName string) (*User, error) {
	u := &User{
		ID:          uuid.New().String(),
		DisplayName: displayName,
		CreatedAt:   time.Now(),
	}
	_, err := s.db.Exec(
		"INSERT INTO users (id, display_name, created_at) VALUES (?, ?, ?)",
		u.ID, u.DisplayName, u.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	L_info("identity: user created", "id", u.ID, "name", u.DisplayName)
	return u, nil
}

// GetUser loads a user by ID.
func (s *Store) GetUser(id string) (*User, error) {
	var (
		u         User
		createdAt int64
	)
	err := s.db.QueryRow(
		"SELECT id, display_name, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.DisplayName, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0)
	return &u, nil
}

// Links returns all channel links for a user.
func (s *Store) Links(userID string) ([]*Link, error) {
	rows, err := s.db.Query(`
		SELECT channel, native_id, status, display_name, updated_at
		FROM channel_links WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	defer rows.Close()

	var links []*Link
	for rows.Next() {
		var (
			l         Link
			channel   string
			updatedAt int64
		)
		if err := rows.Scan(&channel, &l.Ref.NativeID, &l.Status, &l.DisplayName, &updatedAt); err != nil {
			return nil, err
		}
		l.Ref.Channel = types.ChannelKind(channel)
		l.UserID = userID
		l.UpdatedAt = time.Unix(updatedAt, 0)
		links = append(links, &l)
	}
	return links, rows.Err()
}

// InvalidateCache drops the in-memory link cache so link changes made
// by another process get re-read. The daemon calls this from its
// periodic sweep loop.
func (s *Store) InvalidateCache() {
	s.mu.Lock()
	s.cache = make(map[string]*Link)
	s.mu.Unlock()
}
