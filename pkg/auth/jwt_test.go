package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "graphcollab/pkg/errors"
)

func TestValidator_RoundTrip(t *testing.T) {
	v, err := NewValidator("s3cret", "graphcollab", time.Hour)
	require.NoError(t, err)

	token, err := v.Issue("alice", "alice@example.com", []string{"editor"})
	require.NoError(t, err)
	user, err := v.Validate("Bearer " + token)

	require.NoError(t, err)
	assert.Equal(t, "alice", user.UserID)
	assert.Equal(t, []string{"editor"}, user.Roles)
}

func TestValidator_Rejects(t *testing.T) {
	v, _ := NewValidator("s3cret", "graphcollab", time.Hour)
	other, _ := NewValidator("different", "graphcollab", time.Hour)
	foreign, _ := other.Issue("alice", "", nil)

	expiredIssuer, _ := NewValidator("s3cret", "graphcollab", time.Minute)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, _ := expiredIssuer.Issue("alice", "", nil)

	wrongIssuer, _ := NewValidator("s3cret", "elsewhere", time.Hour)
	misissued, _ := wrongIssuer.Issue("alice", "", nil)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "alice"})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"bad-secret":   foreign,
		"expired":      expired,
		"wrong-issuer": misissued,
		"alg-none":     unsigned,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Validate(token)
			assert.True(t, apperrors.IsUnauthorized(err))
		})
	}
}

func TestNewValidator_RequiresSecret(t *testing.T) {
	_, err := NewValidator("", "", 0)
	assert.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	header := httptest.NewRequest("GET", "/ws?token=query", nil)
	header.Header.Set("Authorization", "Bearer hdr")
	query := httptest.NewRequest("GET", "/ws?token=query", nil)

	assert.Equal(t, "hdr", TokenFromRequest(header))
	assert.Equal(t, "query", TokenFromRequest(query))
	assert.Equal(t, "", TokenFromRequest(httptest.NewRequest("GET", "/ws", nil)))
}

func TestUserContext(t *testing.T) {
	_, err := UserFromContext(context.Background())
	assert.True(t, apperrors.IsUnauthorized(err))

	ctx := WithUser(context.Background(), &UserContext{UserID: "bob"})
	user, err := UserFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bob", user.UserID)
}
