package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
)

// StaticValidator accepts a fixed set of tokens. It is meant for development
// and tests.
type StaticValidator struct {
	tokens map[string]Identity
}

// NewStaticValidator creates a validator from token -> identity pairs.
func NewStaticValidator(tokens map[string]Identity) *StaticValidator {
	copied := make(map[string]Identity, len(tokens))
	for tok, id := range tokens {
		copied[tok] = id
	}
	return &StaticValidator{tokens: copied}
}

// Validate implements Validator. Every candidate is compared in constant time.
func (v *StaticValidator) Validate(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}
	var (
		found Identity
		ok    bool
	)
	for tok, id := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(credential)) == 1 {
			found, ok = id, true
		}
	}
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	if found.UserID == "" {
		return Identity{}, fmt.Errorf("%w: user", ErrMissingClaim)
	}
	return found, nil
}
