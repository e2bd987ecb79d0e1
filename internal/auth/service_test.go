package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newJWTService(t *testing.T, seeds []Seed) *Service {
	t.Helper()
	store, err := NewMemoryStore(seeds)
	require.NoError(t, err)
	svc, err := NewService(context.Background(), Config{
		Mode: ModeJWT,
		JWT: JWTOptions{
			Secret:    "unit-test-secret",
			Issuer:    "revenue-api",
			AccessTTL: 60,
		},
	}, store)
	require.NoError(t, err)
	return svc
}

func TestAuthenticatePasswordGrant(t *testing.T) {
	svc := newJWTService(t, []Seed{{
		Username:    "finance",
		Password:    "s3cret",
		Roles:       []string{"operator"},
		Permissions: []string{"tasks:read", "tasks:write"},
	}})

	pair, err := svc.Authenticate(context.Background(), TokenRequest{
		GrantType: "password",
		Username:  "finance",
		Password:  "s3cret",
	})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, "Bearer", pair.TokenType)
	require.EqualValues(t, 60, pair.ExpiresIn)

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer "+pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "finance", subject.Username)
	require.True(t, subject.HasPermission("tasks:write"))
	require.NoError(t, subject.Authorize("tasks:read"))
	require.Error(t, subject.Authorize("admin:delete"))
}

func TestAuthenticateRejectsBadPassword(t *testing.T) {
	svc := newJWTService(t, []Seed{{Username: "finance", Password: "s3cret"}})

	_, err := svc.Authenticate(context.Background(), TokenRequest{
		Username: "finance",
		Password: "wrong",
	})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(context.Background(), TokenRequest{
		Username: "nobody",
		Password: "s3cret",
	})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateRejectsDisabledUser(t *testing.T) {
	svc := newJWTService(t, []Seed{{Username: "ghost", Password: "pw", Disabled: true}})

	_, err := svc.Authenticate(context.Background(), TokenRequest{
		Username: "ghost",
		Password: "pw",
	})
	require.ErrorIs(t, err, ErrSubjectRevoked)
}

func TestAuthenticateRequestRejectsRefreshToken(t *testing.T) {
	svc := newJWTService(t, []Seed{{Username: "finance", Password: "s3cret"}})

	pair, err := svc.Authenticate(context.Background(), TokenRequest{
		Username: "finance",
		Password: "s3cret",
	})
	require.NoError(t, err)

	_, err = svc.AuthenticateRequest(context.Background(), "Bearer "+pair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRequestRequiresBearer(t *testing.T) {
	svc := newJWTService(t, []Seed{{Username: "finance", Password: "s3cret"}})

	_, err := svc.AuthenticateRequest(context.Background(), "")
	require.ErrorIs(t, err, ErrMissingToken)

	_, err = svc.AuthenticateRequest(context.Background(), "Basic abcdef")
	require.ErrorIs(t, err, ErrMissingToken)

	_, err = svc.AuthenticateRequest(context.Background(), "Bearer not-a-jwt")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestDisabledModePassesThrough(t *testing.T) {
	svc, err := NewService(context.Background(), Config{Mode: ModeDisabled}, nil)
	require.NoError(t, err)
	require.Equal(t, ModeDisabled, svc.Mode())

	_, err = svc.Authenticate(context.Background(), TokenRequest{})
	require.ErrorIs(t, err, ErrDisabled)
}

func TestHashPasswordRoundTrip(t *testing.T) {
	hashed, err := HashPassword("hunter2")
	require.NoError(t, err)
	require.True(t, verifyPassword(hashed, "hunter2"))
	require.False(t, verifyPassword(hashed, "hunter3"))
	require.False(t, verifyPassword("malformed", "hunter2"))

	_, err = HashPassword("  ")
	require.Error(t, err)
}
