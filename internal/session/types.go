// Package session implements the Admin Session Store: bootstrap,
// password-based login with per-client lockout, session cookie
// issuance/rotation/enforcement, and logout.
package session

import "time"

// AdminUser is the singleton local admin account.
type AdminUser struct {
	Username        string    `json:"username"`
	PasswordSaltHex string    `json:"passwordSaltHex"`
	PasswordHashHex string    `json:"passwordHashHex"`
	Iterations      int       `json:"iterations"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Session is an authenticated admin session.
type Session struct {
	SessionID      string    `json:"sessionId"`
	Username       string    `json:"username"`
	CSRFToken      string    `json:"csrfToken"`
	CreatedAt      time.Time `json:"createdAt"`
	RotatedAt      time.Time `json:"rotatedAt"`
	LastSeen       time.Time `json:"lastSeen"`
	AbsoluteExpiry time.Time `json:"absoluteExpiry"`
	IdleExpiry     time.Time `json:"idleExpiry"`
}

// LoginState tracks consecutive failures per (username, clientId) for
// the exponential lockout.
type LoginState struct {
	FailedCount int       `json:"failedCount"`
	LockUntil   time.Time `json:"lockUntil"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
