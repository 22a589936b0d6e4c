// Package token issues and verifies the relay's bearer tokens.
//
// Tokens are HS256 JWTs carrying the user id (subject) and normalized email.
// Clients treat them as opaque; only the relay verifies them.
//
// Environment:
// - PAIRLINE_JWT_SECRET: signing secret (>= MinSecretBytes bytes).
// - PAIRLINE_JWT_TTL: token lifetime (Go duration, default 24h).
package token
