package models

import "time"

// User is an account that can authenticate and grant consent.
type User struct {
	ID           string    `json:"id" yaml:"id"`
	Username     string    `json:"username" yaml:"username"`
	PasswordHash string    `json:"password_hash" yaml:"password_hash"`
	Active       bool      `json:"active" yaml:"active"`
	FailedLogins int       `json:"failed_logins" yaml:"-"`
	LockedUntil  time.Time `json:"locked_until" yaml:"-"`
}

// Locked reports whether the account is locked at the given instant.
func (u *User) Locked(now time.Time) bool {
	return now.Before(u.LockedUntil)
}

// ApplyLoginAttempt updates the lockout counters for one credential
// check. A locked account is left untouched, and so is an inactive one
// presenting the right password. Reaching MaxFailures resets the counter
// and locks the account for LockDuration.
func (u *User) ApplyLoginAttempt(success bool, now time.Time, policy LockoutPolicy) LoginResult {
	if u.Locked(now) {
		return LoginRejectedLocked
	}

	if success && !u.Active {
		return LoginRejectedInactive
	}

	if success {
		u.FailedLogins = 0
		u.LockedUntil = time.Time{}

		return LoginSucceeded
	}

	u.FailedLogins++
	if policy.MaxFailures > 0 && u.FailedLogins >= policy.MaxFailures {
		u.FailedLogins = 0
		u.LockedUntil = now.Add(policy.LockDuration)

		return LoginLockedOut
	}

	return LoginFailed
}

// Role is a named set of permission identifiers of the form
// "resource:action".
type Role struct {
	Name        string   `json:"name" yaml:"name"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// LockoutPolicy configures consecutive-failure account locking.
type LockoutPolicy struct {
	MaxFailures  int
	LockDuration time.Duration
}

// LoginResult is the outcome of recording a login attempt.
type LoginResult int

const (
	LoginSucceeded LoginResult = iota
	LoginFailed
	// LoginLockedOut means this failure reached the threshold and locked
	// the account.
	LoginLockedOut
	// LoginRejectedLocked means the account was already locked; the
	// counter was not touched.
	LoginRejectedLocked
	// LoginRejectedInactive means the password matched an inactive
	// account; the counter was not touched.
	LoginRejectedInactive
)

// Unchanged reports whether the attempt left the user record as it was.
func (r LoginResult) Unchanged() bool {
	return r == LoginRejectedLocked || r == LoginRejectedInactive
}

// AuditEvent is a security-relevant fact appended to the audit sink.
type AuditEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	UserID    string         `json:"user_id,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
