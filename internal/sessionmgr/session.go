// Package sessionmgr implements the Session Manager: creation, lookup by
// id/secret/username, refresh, and removal of authenticated sessions,
// backed by the KV Store Gateway.
package sessionmgr

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/catalystcommunity/reactorcide/coordinator_api/internal/kvstore"
)

// ErrNotFound is returned by lookups that find no matching session.
var ErrNotFound = errors.New("sessionmgr: session not found")

// ErrRefreshFailed is returned by Refresh when the session is expired or its
// secret no longer matches the persisted copy.
var ErrRefreshFailed = errors.New("sessionmgr: refresh failed")

// Session is the identity token for an authenticated client.
type Session struct {
	SessionID     int64     `json:"session_id"`
	SessionSecret string    `json:"session_secret"`
	Created       time.Time `json:"created"`
	LastAccessed  time.Time `json:"last_accessed"`
	IPAddress     string    `json:"ip_address"`
	User          string    `json:"user"`
}

// Manager is the Session Manager. One instance per process, constructed at
// startup with the shared KV gateway.
type Manager struct {
	gw    kvstore.Gateway
	keys  *kvstore.KeyNamer
	ttl   time.Duration
}

// DefaultTTL bounds how long a session remains refreshable after its last
// access before Refresh reports it expired.
const DefaultTTL = 24 * time.Hour

// New constructs a Session Manager over gw, namespacing keys with keys.
func New(gw kvstore.Gateway, keys *kvstore.KeyNamer) *Manager {
	return &Manager{gw: gw, keys: keys, ttl: DefaultTTL}
}

// WithTTL overrides the default refresh TTL.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	m.ttl = ttl
	return m
}

func newSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("sessionmgr: generating secret: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Create atomically obtains the next session_id, generates a fresh secret,
// persists the session hash, and writes the secret->id and user->id reverse
// lookups. Any existing session for the same user is removed first, per
// DESIGN.md's Open Question 1 decision.
func (m *Manager) Create(ctx context.Context, ip, username string) (*Session, error) {
	if existing, err := m.LookupByUsername(ctx, username); err == nil && existing != nil {
		if err := m.Remove(ctx, existing); err != nil {
			return nil, fmt.Errorf("sessionmgr: removing prior session for %q: %w", username, err)
		}
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	id, err := m.gw.Incr(ctx, m.keys.NextSessionIDKey())
	if err != nil {
		return nil, fmt.Errorf("sessionmgr: allocating session id: %w", err)
	}
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &Session{
		SessionID:     id,
		SessionSecret: secret,
		Created:       now,
		LastAccessed:  now,
		IPAddress:     ip,
		User:          username,
	}

	sessionKey := m.keys.SessionKey(strconv.FormatInt(id, 10))
	err = m.gw.RunAtomic(ctx, []string{sessionKey}, func(ctx context.Context, r kvstore.Reader, w *kvstore.Writer) error {
		w.HSet(sessionKey, sess.toHash())
		w.HSet(m.keys.AllSessionSecretsKey(), map[string]string{secret: strconv.FormatInt(id, 10)})
		w.HSet(m.keys.AllUsersKey(), map[string]string{username: strconv.FormatInt(id, 10)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sessionmgr: persisting session: %w", err)
	}
	return sess, nil
}

// LookupByID returns the session with the given id, or ErrNotFound.
func (m *Manager) LookupByID(ctx context.Context, id int64) (*Session, error) {
	hash, err := m.gw.HGetAll(ctx, m.keys.SessionKey(strconv.FormatInt(id, 10)))
	if err != nil {
		return nil, fmt.Errorf("sessionmgr: reading session %d: %w", id, err)
	}
	if len(hash) == 0 {
		return nil, ErrNotFound
	}
	return fromHash(hash)
}

// LookupBySecret returns the session bound to secret, or ErrNotFound.
func (m *Manager) LookupBySecret(ctx context.Context, secret string) (*Session, error) {
	idStr, ok, err := m.gw.HGet(ctx, m.keys.AllSessionSecretsKey(), secret)
	if err != nil {
		return nil, fmt.Errorf("sessionmgr: reading secret index: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("sessionmgr: corrupt secret index entry %q: %w", idStr, err)
	}
	return m.LookupByID(ctx, id)
}

// LookupByUsername returns the session bound to username, or ErrNotFound.
func (m *Manager) LookupByUsername(ctx context.Context, username string) (*Session, error) {
	idStr, ok, err := m.gw.HGet(ctx, m.keys.AllUsersKey(), username)
	if err != nil {
		return nil, fmt.Errorf("sessionmgr: reading user index: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("sessionmgr: corrupt user index entry %q: %w", idStr, err)
	}
	return m.LookupByID(ctx, id)
}

// Refresh updates last_accessed for sess iff the persisted copy's secret
// still matches and the session has not exceeded its TTL since the last
// access. Returns ErrRefreshFailed on either failure.
func (m *Manager) Refresh(ctx context.Context, sess *Session) error {
	sessionKey := m.keys.SessionKey(strconv.FormatInt(sess.SessionID, 10))
	failed := false
	now := time.Now().UTC()

	err := m.gw.RunAtomic(ctx, []string{sessionKey}, func(ctx context.Context, r kvstore.Reader, w *kvstore.Writer) error {
		hash, err := r.HGetAll(ctx, sessionKey)
		if err != nil {
			return err
		}
		if len(hash) == 0 {
			failed = true
			return nil
		}
		persisted, err := fromHash(hash)
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare([]byte(persisted.SessionSecret), []byte(sess.SessionSecret)) != 1 {
			failed = true
			return nil
		}
		if m.ttl > 0 && now.Sub(persisted.LastAccessed) > m.ttl {
			failed = true
			return nil
		}
		w.HSet(sessionKey, map[string]string{"last_accessed": now.Format(time.RFC3339Nano)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("sessionmgr: refreshing session %d: %w", sess.SessionID, err)
	}
	if failed {
		return ErrRefreshFailed
	}
	sess.LastAccessed = now
	return nil
}

// Remove deletes the session hash and both reverse-lookup entries in one
// pipeline.
func (m *Manager) Remove(ctx context.Context, sess *Session) error {
	sessionKey := m.keys.SessionKey(strconv.FormatInt(sess.SessionID, 10))
	err := m.gw.RunAtomic(ctx, []string{sessionKey}, func(ctx context.Context, r kvstore.Reader, w *kvstore.Writer) error {
		w.Del(sessionKey)
		w.HDel(m.keys.AllSessionSecretsKey(), sess.SessionSecret)
		w.HDel(m.keys.AllUsersKey(), sess.User)
		return nil
	})
	if err != nil {
		return fmt.Errorf("sessionmgr: removing session %d: %w", sess.SessionID, err)
	}
	return nil
}

func (s *Session) toHash() map[string]string {
	return map[string]string{
		"session_id":     strconv.FormatInt(s.SessionID, 10),
		"session_secret": s.SessionSecret,
		"created":        s.Created.Format(time.RFC3339Nano),
		"last_accessed":  s.LastAccessed.Format(time.RFC3339Nano),
		"ip_address":     s.IPAddress,
		"user":           s.User,
	}
}

func fromHash(hash map[string]string) (*Session, error) {
	id, err := strconv.ParseInt(hash["session_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("sessionmgr: corrupt session_id %q: %w", hash["session_id"], err)
	}
	created, err := time.Parse(time.RFC3339Nano, hash["created"])
	if err != nil {
		return nil, fmt.Errorf("sessionmgr: corrupt created timestamp: %w", err)
	}
	lastAccessed, err := time.Parse(time.RFC3339Nano, hash["last_accessed"])
	if err != nil {
		return nil, fmt.Errorf("sessionmgr: corrupt last_accessed timestamp: %w", err)
	}
	return &Session{
		SessionID:     id,
		SessionSecret: hash["session_secret"],
		Created:       created,
		LastAccessed:  lastAccessed,
		IPAddress:     hash["ip_address"],
		User:          hash["user"],
	}, nil
}
