package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dhannusch/pincer/internal/cryptoutil"
	"github.com/dhannusch/pincer/internal/kv"
)

const adminUserKey = "admin:user:primary"

func sessionKey(id string) string { return "admin:session:" + id }

func loginStateKey(username, clientID string) string {
	return fmt.Sprintf("admin:login:%s:%s", username, clientID)
}

// Config holds the tunable timing/iteration knobs for the session store.
type Config struct {
	BootstrapToken string

	PBKDF2Iterations int

	AbsoluteTTL     time.Duration
	IdleTTL         time.Duration
	RotateInterval  time.Duration

	LoginLockThreshold  int
	LoginLockBaseSeconds int
	LoginLockMaxSeconds  int
}

// Store is the Admin Session Store (component D).
type Store struct {
	kv  *kv.Store
	cfg Config
}

// New constructs a Store.
func New(store *kv.Store, cfg Config) *Store {
	return &Store{kv: store, cfg: cfg}
}

// NeedsBootstrap reports whether the singleton admin user has not yet
// been created.
func (s *Store) NeedsBootstrap(ctx context.Context) (bool, error) {
	_, err := s.loadAdminUser(ctx)
	if errors.Is(err, kv.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// Bootstrap creates the singleton admin user, refusing if one already
// exists or the bootstrap token doesn't match.
func (s *Store) Bootstrap(ctx context.Context, token, username, password string) (*AdminUser, error) {
	if _, err := s.loadAdminUser(ctx); err == nil {
		return nil, fail(KindAdminAlreadyInitialized, 409)
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}

	if !cryptoutil.ConstantTimeEqual(token, s.cfg.BootstrapToken) {
		return nil, fail(KindInvalidBootstrapToken, 401)
	}

	username = strings.ToLower(strings.TrimSpace(username))
	if !usernamePattern.MatchString(username) {
		return nil, fail(KindInvalidUsername, 400)
	}
	if len(password) < minPasswordLen {
		return nil, fail(KindWeakPassword, 400)
	}

	saltHex, hashHex, err := hashPassword(password, s.cfg.PBKDF2Iterations)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	user := &AdminUser{
		Username:        username,
		PasswordSaltHex: saltHex,
		PasswordHashHex: hashHex,
		Iterations:      s.cfg.PBKDF2Iterations,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	payload, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("encoding admin user: %w", err)
	}
	if err := s.kv.Put(ctx, adminUserKey, payload, 0); err != nil {
		return nil, fmt.Errorf("persisting admin user: %w", err)
	}
	return user, nil
}

func (s *Store) loadAdminUser(ctx context.Context) (*AdminUser, error) {
	raw, err := s.kv.Get(ctx, adminUserKey)
	if err != nil {
		return nil, err
	}
	var user AdminUser
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("decoding admin user: %w", err)
	}
	return &user, nil
}

func (s *Store) loadLoginState(ctx context.Context, username, clientID string) (*LoginState, error) {
	raw, err := s.kv.Get(ctx, loginStateKey(username, clientID))
	if errors.Is(err, kv.ErrNotFound) {
		return &LoginState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading login state: %w", err)
	}
	var st LoginState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decoding login state: %w", err)
	}
	return &st, nil
}

func (s *Store) writeLoginState(ctx context.Context, username, clientID string, st *LoginState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding login state: %w", err)
	}
	return s.kv.Put(ctx, loginStateKey(username, clientID), payload, 0)
}

// LoginResult carries the freshly minted session and its Set-Cookie value.
type LoginResult struct {
	Session *Session
	Cookie  *http.Cookie
}

// Login verifies the admin's credentials, enforcing per-client lockout,
// and mints a new session cookie on success.
func (s *Store) Login(ctx context.Context, username, password, clientID string) (*LoginResult, error) {
	username = strings.ToLower(strings.TrimSpace(username))

	state, err := s.loadLoginState(ctx, username, clientID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if now.Before(state.LockUntil) {
		return nil, failLocked(int(time.Until(state.LockUntil).Seconds()) + 1)
	}

	user, err := s.loadAdminUser(ctx)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fail(KindInvalidCredentials, 401)
	}
	if err != nil {
		return nil, err
	}

	ok := false
	if user.Username == username {
		ok, err = verifyPassword(password, user.PasswordSaltHex, user.PasswordHashHex, user.Iterations)
		if err != nil {
			return nil, err
		}
	} else {
		// Still run a verification against a dummy hash so the timing
		// profile doesn't distinguish "unknown username" from "wrong
		// password" for an existing one.
		_, _ = verifyPassword(password, "00", "00", user.Iterations)
	}

	if !ok {
		state.FailedCount++
		state.UpdatedAt = now
		var retryAfter int
		if d := lockDuration(state.FailedCount, s.cfg.LoginLockThreshold, s.cfg.LoginLockBaseSeconds, s.cfg.LoginLockMaxSeconds); d > 0 {
			state.LockUntil = now.Add(d)
			retryAfter = int(d.Seconds())
		}
		if err := s.writeLoginState(ctx, username, clientID, state); err != nil {
			return nil, err
		}
		if retryAfter > 0 {
			return nil, failLocked(retryAfter)
		}
		return nil, fail(KindInvalidCredentials, 401)
	}

	// Successful login clears lockout state.
	if err := s.kv.Delete(ctx, loginStateKey(username, clientID)); err != nil {
		return nil, fmt.Errorf("clearing login state: %w", err)
	}

	sess, err := s.mintSession(username)
	if err != nil {
		return nil, err
	}
	if err := s.writeSession(ctx, sess); err != nil {
		return nil, err
	}
	return &LoginResult{Session: sess, Cookie: cookieFor(sess)}, nil
}

func (s *Store) mintSession(username string) (*Session, error) {
	sessionID, err := cryptoutil.RandomHex(24)
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}
	csrfToken, err := cryptoutil.RandomHex(24)
	if err != nil {
		return nil, fmt.Errorf("generating csrf token: %w", err)
	}
	now := time.Now()
	return &Session{
		SessionID:      sessionID,
		Username:       username,
		CSRFToken:      csrfToken,
		CreatedAt:      now,
		RotatedAt:      now,
		LastSeen:       now,
		AbsoluteExpiry: now.Add(s.cfg.AbsoluteTTL),
		IdleExpiry:     now.Add(s.cfg.IdleTTL),
	}, nil
}

func (s *Store) loadSession(ctx context.Context, id string) (*Session, error) {
	raw, err := s.kv.Get(ctx, sessionKey(id))
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &sess, nil
}

func (s *Store) writeSession(ctx context.Context, sess *Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	ttl := time.Until(sess.AbsoluteExpiry)
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.kv.Put(ctx, sessionKey(sess.SessionID), payload, ttl)
}

// EnforceResult is returned by Enforce: the authenticated session and,
// when rotation occurred, the new Set-Cookie to send.
type EnforceResult struct {
	Session *Session
	Cookie  *http.Cookie // non-nil only on rotation
}

// Enforce validates a session cookie: absolute/idle expiry, optional CSRF
// check, and 15-minute rotation.
func (s *Store) Enforce(ctx context.Context, cookieValue, csrfHeader string, requireCSRF bool) (*EnforceResult, error) {
	if cookieValue == "" {
		return nil, fail(KindUnauthorized, 401)
	}
	sess, err := s.loadSession(ctx, cookieValue)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fail(KindUnauthorized, 401)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if now.After(sess.AbsoluteExpiry) || now.After(sess.IdleExpiry) {
		_ = s.kv.Delete(ctx, sessionKey(sess.SessionID))
		return nil, fail(KindUnauthorized, 401)
	}

	if requireCSRF {
		if !cryptoutil.ConstantTimeEqual(csrfHeader, sess.CSRFToken) {
			return nil, fail(KindInvalidCSRFToken, 403)
		}
	}

	const rotateInterval = 15 * time.Minute
	interval := s.cfg.RotateInterval
	if interval <= 0 {
		interval = rotateInterval
	}
	if now.Sub(sess.RotatedAt) >= interval {
		if err := s.kv.Delete(ctx, sessionKey(sess.SessionID)); err != nil {
			return nil, fmt.Errorf("deleting rotated session: %w", err)
		}
		newID, err := cryptoutil.RandomHex(24)
		if err != nil {
			return nil, fmt.Errorf("generating session id: %w", err)
		}
		newCSRF, err := cryptoutil.RandomHex(24)
		if err != nil {
			return nil, fmt.Errorf("generating csrf token: %w", err)
		}
		rotated := *sess
		rotated.SessionID = newID
		rotated.CSRFToken = newCSRF
		rotated.RotatedAt = now
		rotated.LastSeen = now
		rotated.IdleExpiry = now.Add(s.idleTTL())
		if err := s.writeSession(ctx, &rotated); err != nil {
			return nil, err
		}
		return &EnforceResult{Session: &rotated, Cookie: cookieFor(&rotated)}, nil
	}

	sess.LastSeen = now
	sess.IdleExpiry = now.Add(s.idleTTL())
	if err := s.writeSession(ctx, sess); err != nil {
		return nil, err
	}
	return &EnforceResult{Session: sess}, nil
}

func (s *Store) idleTTL() time.Duration {
	if s.cfg.IdleTTL <= 0 {
		return 30 * time.Minute
	}
	return s.cfg.IdleTTL
}

// Logout deletes the session and returns an expired cookie.
func (s *Store) Logout(ctx context.Context, sessionID string) (*http.Cookie, error) {
	if sessionID == "" {
		return ExpiredCookie(), nil
	}
	if err := s.kv.Delete(ctx, sessionKey(sessionID)); err != nil {
		return nil, fmt.Errorf("deleting session: %w", err)
	}
	return ExpiredCookie(), nil
}
