package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Token errors
var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrExpiredToken      = errors.New("token expired")
	ErrMissingClaim      = errors.New("missing required claim")
	ErrMissingCredential = errors.New("missing credential")
	ErrMissingPermission = errors.New("missing permission")
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID      string
	Permissions []string
}

// HasPermission reports whether the identity carries perm.
func (id Identity) HasPermission(perm string) bool {
	return slices.Contains(id.Permissions, perm)
}

// Validator turns a bearer credential into an identity. Implementations must
// not have side effects visible to the caller; a failure is terminal for the
// handshake that asked.
type Validator interface {
	Validate(ctx context.Context, credential string) (Identity, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, credential string) (Identity, error)

func (f ValidatorFunc) Validate(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}

// RequirePermission wraps v so that identities lacking perm are rejected.
// An empty perm returns v unchanged.
func RequirePermission(v Validator, perm string) Validator {
	if perm == "" {
		return v
	}
	return ValidatorFunc(func(ctx context.Context, credential string) (Identity, error) {
		id, err := v.Validate(ctx, credential)
		if err != nil {
			return Identity{}, err
		}
		if !id.HasPermission(perm) {
			return Identity{}, fmt.Errorf("%w: %s", ErrMissingPermission, perm)
		}
		return id, nil
	})
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
// It returns "" when the header is absent or malformed.
func BearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// permissionsFromClaims reads permissions from a "permissions" array claim or a
// space-separated "scope" claim.
func permissionsFromClaims(claims map[string]any) []string {
	var perms []string
	if raw, ok := claims["permissions"].([]any); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok && s != "" {
				perms = append(perms, s)
			}
		}
	}
	if scope, ok := claims["scope"].(string); ok {
		perms = append(perms, strings.Fields(scope)...)
	}
	return perms
}
