package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced by the authentication subsystem. The HTTP layer
// maps them onto 401/403 responses.
var (
	ErrDisabled           = errors.New("authentication disabled")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnsupportedGrant   = errors.New("unsupported grant type")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingToken       = errors.New("missing bearer token")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrSubjectRevoked     = errors.New("subject is disabled")
)

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
	ModeOAuth    Mode = "oauth"
)

// Config carries the full configuration of the authentication service.
type Config struct {
	Mode  Mode
	JWT   JWTOptions
	OAuth OAuthOptions
	Seeds []Seed
}

// JWTOptions parameterises local HS256 token issuance. TTL values are
// seconds.
type JWTOptions struct {
	Secret     string
	Issuer     string
	Audience   []string
	AccessTTL  int64
	RefreshTTL int64
}

// OAuthOptions configures delegation to an external OAuth2 provider via
// password grant plus token introspection.
type OAuthOptions struct {
	TokenURL         string
	IntrospectionURL string
	ClientID         string
	ClientSecret     string
	Scopes           []string
	TimeoutSeconds   int
	UsernameClaim    string
}

// Seed describes an account to upsert during startup.
type Seed struct {
	Username    string
	Password    string
	Roles       []string
	Permissions []string
	Disabled    bool
}

// Store is the user catalogue consulted during authentication.
// Implementations must be safe for concurrent use.
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	LoadSubject(ctx context.Context, userID int64) (*Subject, error)
}

// SeedWriter is implemented by stores that can bootstrap seed accounts.
type SeedWriter interface {
	ApplySeed(ctx context.Context, seed Seed) error
}

// User is a persisted account with its password hash.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Disabled     bool
}

// Subject is the authenticated identity attached to requests. Permission
// lookups go through a lazily built set.
type Subject struct {
	ID          int64
	Username    string
	Roles       []string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// Normalise builds the internal permission set. Callers constructing
// subjects by hand should invoke it once before concurrent use.
func (s *Subject) Normalise() {
	s.normalise()
}

// HasPermission reports whether the subject carries the given permission.
// Matching is case-insensitive.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize verifies the subject is active and holds every listed
// permission. Empty entries are skipped.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone returns an independent copy with the permission set rebuilt.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		ID:          s.ID,
		Username:    s.Username,
		Roles:       append([]string(nil), s.Roles...),
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// TokenRequest is the JSON payload accepted by the token endpoint.
type TokenRequest struct {
	GrantType string   `json:"grant_type"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	Scope     []string `json:"scope"`
}

// TokenPair is the response of a successful token issuance.
type TokenPair struct {
	AccessToken      string   `json:"access_token"`
	ExpiresIn        int64    `json:"expires_in"`
	RefreshToken     string   `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64    `json:"refresh_expires_in,omitempty"`
	TokenType        string   `json:"token_type"`
	Subject          *Subject `json:"-"`
	GrantedScopes    []string `json:"scope,omitempty"`
}
