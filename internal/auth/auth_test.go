package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSecret is a 32-byte secret that meets MinSecretLength.
var testSecret = []byte("wsrelay-test-secret-32-bytes!!!!")

func TestNewJWTValidator_ShortSecret(t *testing.T) {
	_, err := NewJWTValidator([]byte("short"), "")
	require.Error(t, err)
}

func TestJWTValidator_RoundTrip(t *testing.T) {
	v, err := NewJWTValidator(testSecret, "wsrelay")
	require.NoError(t, err)

	token, err := v.Generate("user-1", []string{"events:read"}, time.Hour)
	require.NoError(t, err)

	id, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
	assert.True(t, id.HasPermission("events:read"))
	assert.False(t, id.HasPermission("admin"))
}

func TestJWTValidator_Expired(t *testing.T) {
	v, err := NewJWTValidator(testSecret, "")
	require.NoError(t, err)

	token, err := v.Generate("user-1", nil, -time.Minute)
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTValidator_WrongSecret(t *testing.T) {
	other, err := NewJWTValidator([]byte("another-secret-that-is-32-bytes!"), "")
	require.NoError(t, err)
	token, err := other.Generate("user-1", nil, time.Hour)
	require.NoError(t, err)

	v, err := NewJWTValidator(testSecret, "")
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTValidator_WrongIssuer(t *testing.T) {
	minter, err := NewJWTValidator(testSecret, "someone-else")
	require.NoError(t, err)
	token, err := minter.Generate("user-1", nil, time.Hour)
	require.NoError(t, err)

	v, err := NewJWTValidator(testSecret, "wsrelay")
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTValidator_MissingSubject(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	require.NoError(t, err)

	v, err := NewJWTValidator(testSecret, "")
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestJWTValidator_ScopeClaim(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "user-2",
		"scope": "events:read events:write",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	require.NoError(t, err)

	v, err := NewJWTValidator(testSecret, "")
	require.NoError(t, err)
	id, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"events:read", "events:write"}, id.Permissions)
}

func TestJWTValidator_Empty(t *testing.T) {
	v, err := NewJWTValidator(testSecret, "")
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestStaticValidator(t *testing.T) {
	v := NewStaticValidator(map[string]Identity{
		"tok-a": {UserID: "alice", Permissions: []string{"events:read"}},
		"tok-b": {UserID: "bob"},
	})

	id, err := v.Validate(context.Background(), "tok-a")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)

	_, err = v.Validate(context.Background(), "tok-c")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRequirePermission(t *testing.T) {
	base := NewStaticValidator(map[string]Identity{
		"tok-a": {UserID: "alice", Permissions: []string{"events:read"}},
		"tok-b": {UserID: "bob"},
	})
	v := RequirePermission(base, "events:read")

	_, err := v.Validate(context.Background(), "tok-a")
	assert.NoError(t, err)

	_, err = v.Validate(context.Background(), "tok-b")
	assert.ErrorIs(t, err, ErrMissingPermission)

	assert.Equal(t, Validator(base), RequirePermission(base, ""))
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer abc"))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
	assert.Equal(t, "", BearerToken("Bearer"))
}

func TestOIDCValidator_StaticKeySet(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	const issuer = "https://issuer.example.com"
	verifier := oidc.NewVerifier(issuer,
		&oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}},
		&oidc.Config{ClientID: "wsrelay"})
	v := NewOIDCValidatorWithVerifier(verifier)

	sign := func(claims jwt.MapClaims) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
		require.NoError(t, err)
		return tok
	}

	valid := sign(jwt.MapClaims{
		"iss":         issuer,
		"aud":         "wsrelay",
		"sub":         "carol",
		"iat":         time.Now().Unix(),
		"exp":         time.Now().Add(time.Hour).Unix(),
		"permissions": []string{"events:read"},
	})
	id, err := v.Validate(context.Background(), valid)
	require.NoError(t, err)
	assert.Equal(t, "carol", id.UserID)
	assert.True(t, id.HasPermission("events:read"))

	wrongAudience := sign(jwt.MapClaims{
		"iss": issuer,
		"aud": "other-client",
		"sub": "carol",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err = v.Validate(context.Background(), wrongAudience)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := sign(jwt.MapClaims{
		"iss": issuer,
		"aud": "wsrelay",
		"sub": "carol",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	_, err = v.Validate(context.Background(), expired)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
