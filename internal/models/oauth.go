// Package models defines types shared across internal packages.
package models

import (
	"slices"
	"time"
)

// PKCE transforms.
const (
	ChallengeS256  = "S256"
	ChallengePlain = "plain"
)

// Client is a registered OAuth client. Clients are mutated only by the
// catalog loader, never by request handling.
type Client struct {
	ID            string   `json:"id" yaml:"id"`
	Name          string   `json:"name,omitempty" yaml:"name"`
	RedirectURIs  []string `json:"redirect_uris" yaml:"redirect_uris"`
	AllowedScopes []string `json:"allowed_scopes" yaml:"allowed_scopes"`
	Confidential  bool     `json:"confidential" yaml:"confidential"`
	SecretHash    string   `json:"secret_hash,omitempty" yaml:"secret_hash"`
	FirstParty    bool     `json:"first_party" yaml:"first_party"`
}

// HasRedirectURI reports whether uri is byte-for-byte one of the
// registered redirect URIs.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AllowsScopes reports whether every requested scope is in the client's
// allowed set.
func (c *Client) AllowsScopes(scopes []string) bool {
	for _, s := range scopes {
		if !slices.Contains(c.AllowedScopes, s) {
			return false
		}
	}

	return true
}

// AuthorizationCode is a PKCE-bound code awaiting redemption. The raw code
// value is never stored; Hash is its SHA-256 hex digest and doubles as the
// code's identifier.
type AuthorizationCode struct {
	Hash                string    `json:"hash"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes,omitempty"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	IssuedAt            time.Time `json:"issued_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Consumed            bool      `json:"consumed"`
	// Replayed is set when the code is presented after consumption. No
	// refresh chain may be created from a replayed code.
	Replayed bool `json:"replayed,omitempty"`
}

// RefreshChain groups every refresh token generation minted from one
// grant. Revoking the chain kills all of its tokens and the access tokens
// that carry its id.
type RefreshChain struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes,omitempty"`
	CodeID    string    `json:"code_id,omitempty"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// RefreshToken is one generation in a chain, addressed by (ChainID,
// Sequence). Only the SHA-256 hash of the secret is stored.
type RefreshToken struct {
	ChainID   string    `json:"chain_id"`
	Sequence  int64     `json:"sequence"`
	TokenHash string    `json:"token_hash"`
	Dead      bool      `json:"dead"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the server-side record behind a session token.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// ConsentDecision is the ephemeral outcome of a consent submission. It is
// echoed to the audit sink and never stored.
type ConsentDecision struct {
	UserID    string
	ClientID  string
	Scopes    []string
	Allow     bool
	DecidedAt time.Time
}
