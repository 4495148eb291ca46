package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCValidator validates ID tokens issued by an OpenID Connect provider.
type OIDCValidator struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCValidator discovers the provider at issuer and verifies tokens for clientID.
func NewOIDCValidator(ctx context.Context, issuer, clientID string) (*OIDCValidator, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider %s: %w", issuer, err)
	}
	return &OIDCValidator{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

// NewOIDCValidatorWithVerifier wraps an existing verifier, e.g. one built with
// oidc.NewVerifier and a static key set.
func NewOIDCValidatorWithVerifier(verifier *oidc.IDTokenVerifier) *OIDCValidator {
	return &OIDCValidator{verifier: verifier}
}

// Validate implements Validator.
func (v *OIDCValidator) Validate(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}

	token, err := v.verifier.Verify(ctx, credential)
	if err != nil {
		var expired *oidc.TokenExpiredError
		if errors.As(err, &expired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if token.Subject == "" {
		return Identity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	var claims map[string]any
	if err := token.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return Identity{UserID: token.Subject, Permissions: permissionsFromClaims(claims)}, nil
}
