// Package identity holds the relay's user accounts: signup, login and the
// stores behind them.
//
// Users are keyed by normalized email, which is also the user id the chat
// client sees. Passwords are hashed with cmd/security/password.
package identity
