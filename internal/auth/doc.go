// Package auth provides the credential validators used when admitting a
// WebSocket connection.
//
// A Validator maps a bearer credential to an Identity (user id plus
// permissions). Three implementations are provided:
//
//   - JWTValidator: HS256 tokens signed with a shared secret
//   - OIDCValidator: ID tokens from an OpenID Connect provider
//   - StaticValidator: a fixed token table for development
//
// FailureLimiter tracks failed attempts per client address and locks out
// addresses that keep failing.
package auth
