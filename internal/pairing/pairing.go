// Package pairing implements the approval gate for unknown channel
// identities. An unpaired identity gets a short code; the owner approves
// or rejects it out of band (the approve/pairs CLI subcommands).
package pairing

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbeukes/cicada/internal/identity"
	. "github.com/mbeukes/cicada/internal/logging"
	"github.com/mbeukes/cicada/internal/types"
)

// codeAlphabet omits 0/O/1/I so codes survive being read aloud.
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 8
)

// DefaultTTL is how long a pairing code stays valid.
const DefaultTTL = time.Hour

var (
	ErrAlreadyPending = errors.New("pairing already pending for this identity")
	ErrUnknownCode    = errors.New("unknown pairing code")
	ErrExpired        = errors.New("pairing code expired")
	ErrAlreadyPaired  = errors.New("identity already paired")
)

// Request is an outstanding pairing request.
type Request struct {
	Code        string
	Ref         types.ChannelRef
	DisplayName string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Manager owns the pairing lifecycle. All link status mutations go
// through here.
type Manager struct {
	db       *sql.DB
	identity *identity.Store
	ttl      time.Duration
	now      func() time.Time // test hook
}

func NewManager(db *sql.DB, ids *identity.Store) *Manager {
	return &Manager{db: db, identity: ids, ttl: DefaultTTL, now: time.Now}
}

// RequestPairing starts (or resumes) pairing for an identity. If a live
// request already exists its code is returned alongside ErrAlreadyPending
// so the channel can show the same code again.
func (m *Manager) RequestPairing(ref types.ChannelRef, displayName string) (string, error) {
	link, err := m.identity.Lookup(ref)
	if err != nil {
		return "", err
	}
	if link.Status == identity.StatusApproved {
		return "", ErrAlreadyPaired
	}

	if req, err := m.pendingFor(ref); err != nil {
		return "", err
	} else if req != nil {
		if m.now().Before(req.ExpiresAt) {
			return req.Code, ErrAlreadyPending
		}
		// Expired: clear it and revert the identity before issuing anew.
		if err := m.expire(req); err != nil {
			return "", err
		}
	}

	code, err := generateCode()
	if err != nil {
		return "", err
	}

	now := m.now()
	_, err = m.db.Exec(`
		INSERT INTO pairing_requests (code, channel, native_id, display_name, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		code, string(ref.Channel), ref.NativeID, displayName,
		now.Unix(), now.Add(m.ttl).Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to store pairing request: %w", err)
	}

	if err := m.identity.SetLinkStatus(ref, identity.StatusPending, "", displayName); err != nil {
		return "", err
	}

	L_info("pairing: request created", "ref", ref.String(), "code", code)
	return code, nil
}

// Approve accepts a pairing code, creating a new user and linking the
// identity. Approving an already-approved code returns the same user ID.
func (m *Manager) Approve(code string) (string, error) {
	return m.approve(code, "")
}

// ApproveAs accepts a pairing code, linking the identity to an existing
// user instead of creating one. This is how one person pairs a second
// channel.
func (m *Manager) ApproveAs(code, userID string) (string, error) {
	return m.approve(code, userID)
}

func (m *Manager) approve(code, existingUserID string) (string, error) {
	req, approvedUserID, err := m.load(code)
	if err != nil {
		return "", err
	}
	if approvedUserID != "" {
		return approvedUserID, nil
	}
	if !m.now().Before(req.ExpiresAt) {
		if err := m.expire(req); err != nil {
			return "", err
		}
		return "", ErrExpired
	}

	var user *identity.User
	if existingUserID != "" {
		user, err = m.identity.GetUser(existingUserID)
		if err != nil {
			return "", err
		}
	} else {
		name := req.DisplayName
		if name == "" {
			name = req.Ref.String()
		}
		user, err = m.identity.CreateUser(name)
		if err != nil {
			return "", err
		}
	}
	if err := m.identity.SetLinkStatus(req.Ref, identity.StatusApproved, user.ID, req.DisplayName); err != nil {
		return "", err
	}

	if _, err := m.db.Exec(
		"UPDATE pairing_requests SET approved_user_id = ? WHERE code = ?",
		user.ID, req.Code,
	); err != nil {
		return "", fmt.Errorf("failed to mark pairing approved: %w", err)
	}

	L_info("pairing: approved", "ref", req.Ref.String(), "user", user.ID)
	return user.ID, nil
}

// Reject declines a pairing code. The code is forgotten; the identity is
// marked denied and its messages are ignored until a new request is made.
func (m *Manager) Reject(code string) error {
	req, approvedUserID, err := m.load(code)
	if err != nil {
		return err
	}
	if approvedUserID != "" {
		return fmt.Errorf("code %s was already approved", code)
	}

	if _, err := m.db.Exec("DELETE FROM pairing_requests WHERE code = ?", req.Code); err != nil {
		return fmt.Errorf("failed to delete pairing request: %w", err)
	}
	if err := m.identity.SetLinkStatus(req.Ref, identity.StatusDenied, "", req.DisplayName); err != nil {
		return err
	}

	L_info("pairing: rejected", "ref", req.Ref.String())
	return nil
}

// Pending returns the live (unexpired, unapproved) requests.
func (m *Manager) Pending() ([]*Request, error) {
	rows, err := m.db.Query(`
		SELECT code, channel, native_id, display_name, created_at, expires_at
		FROM pairing_requests
		WHERE approved_user_id = '' AND expires_at > ?
		ORDER BY created_at`, m.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list pairing requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		var (
			r                    Request
			channel              string
			createdAt, expiresAt int64
		)
		if err := rows.Scan(&r.Code, &channel, &r.Ref.NativeID, &r.DisplayName, &createdAt, &expiresAt); err != nil {
			return nil, err
		}
		r.Ref.Channel = types.ChannelKind(channel)
		r.CreatedAt = time.Unix(createdAt, 0)
		r.ExpiresAt = time.Unix(expiresAt, 0)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Sweep expires stale requests, reverting their identities to unpaired.
// Called periodically by the daemon.
func (m *Manager) Sweep() error {
	rows, err := m.db.Query(`
		SELECT code, channel, native_id, display_name, created_at, expires_at
		FROM pairing_requests
		WHERE approved_user_id = '' AND expires_at <= ?`, m.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to query expired pairings: %w", err)
	}
	defer rows.Close()

	var expired []*Request
	for rows.Next() {
		var (
			r                    Request
			channel              string
			createdAt, expiresAt int64
		)
		if err := rows.Scan(&r.Code, &channel, &r.Ref.NativeID, &r.DisplayName, &createdAt, &expiresAt); err != nil {
			return err
		}
		r.Ref.Channel = types.ChannelKind(channel)
		r.CreatedAt = time.Unix(createdAt, 0)
		r.ExpiresAt = time.Unix(expiresAt, 0)
		expired = append(expired, &r)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range expired {
		if err := m.expire(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) pendingFor(ref types.ChannelRef) (*Request, error) {
	var (
		r                    Request
		createdAt, expiresAt int64
	)
	err := m.db.QueryRow(`
		SELECT code, display_name, created_at, expires_at
		FROM pairing_requests
		WHERE channel = ? AND native_id = ? AND approved_user_id = ''
		ORDER BY created_at DESC LIMIT 1`,
		string(ref.Channel), ref.NativeID,
	).Scan(&r.Code, &r.DisplayName, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pairing request: %w", err)
	}
	r.Ref = ref
	r.CreatedAt = time.Unix(createdAt, 0)
	r.ExpiresAt = time.Unix(expiresAt, 0)
	return &r, nil
}

func (m *Manager) load(code string) (*Request, string, error) {
	// Codes are issued uppercase; accept them however the owner types them.
	code = strings.ToUpper(strings.TrimSpace(code))
	var (
		r                    Request
		channel              string
		createdAt, expiresAt int64
		approvedUserID       string
	)
	err := m.db.QueryRow(`
		SELECT code, channel, native_id, display_name, created_at, expires_at, approved_user_id
		FROM pairing_requests WHERE code = ?`, code,
	).Scan(&r.Code, &channel, &r.Ref.NativeID, &r.DisplayName, &createdAt, &expiresAt, &approvedUserID)
	if err == sql.ErrNoRows {
		return nil, "", ErrUnknownCode
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load pairing request: %w", err)
	}
	r.Ref.Channel = types.ChannelKind(channel)
	r.CreatedAt = time.Unix(createdAt, 0)
	r.ExpiresAt = time.Unix(expiresAt, 0)
	return &r, approvedUserID, nil
}

func (m *Manager) expire(req *Request) error {
	if _, err := m.db.Exec("DELETE FROM pairing_requests WHERE code = ?", req.Code); err != nil {
		return fmt.Errorf("failed to delete expired pairing: %w", err)
	}
	if err := m.identity.SetLinkStatus(req.Ref, identity.StatusUnpaired, "", req.DisplayName); err != nil {
		return err
	}
	L_debug("pairing: request expired", "ref", req.Ref.String())
	return nil
}

// InstructionText is the message shown to an unpaired sender.
func InstructionText(code string) string {
	return fmt.Sprintf(
		"Hi! I don't know you yet.\n\nPairing code: %s\n\nAsk my owner to run:\n  cicada approve %s\n\nThe code expires in 1 hour.",
		code, code,
	)
}

func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate pairing code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
