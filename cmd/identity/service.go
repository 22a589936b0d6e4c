package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"pairline/cmd/identity/ids"
	"pairline/cmd/internal/normalize"
	"pairline/cmd/security/password"
)

const (
	maxNameRunes  = 64
	maxEmailBytes = 254
)

// Service implements signup and login over a Store.
type Service struct {
	store Store
	pw    password.Config
	log   *slog.Logger
	now   func() time.Time

	// dummyHash is verified against when the email is unknown so both
	// failure paths cost one KDF run.
	dummyOnce sync.Once
	dummyHash string
}

// NewService returns a Service hashing with cfg.
func NewService(store Store, cfg password.Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, pw: cfg, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Signup creates an account. An empty name defaults to the email's local part.
func (s *Service) Signup(ctx context.Context, name, email, pw string) (User, error) {
	const op = "identity.Signup"

	email, err := validEmail(op, email)
	if err != nil {
		return User{}, err
	}
	name = normalize.DisplayName(name)
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	if utf8.RuneCountInString(name) > maxNameRunes {
		return User{}, invalid(op, "name too long")
	}

	hash, err := s.pw.Hash(pw, email, name)
	if err != nil {
		if errors.Is(err, password.ErrPasswordTooShort) || errors.Is(err, password.ErrPasswordTooLong) || errors.Is(err, password.ErrWeakPassword) {
			return User{}, invalid(op, err.Error())
		}
		return User{}, err
	}

	now := s.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}

	u, err := s.store.CreateUser(ctx, User{ID: id, Email: email, Name: name, PasswordHash: hash, CreatedAt: now})
	if err != nil {
		return User{}, err
	}
	s.log.Info("identity.signup", "user_id", u.ID, "email", u.Email)
	return u, nil
}

// Login checks credentials. Unknown email and wrong password both return
// ErrBadCredentials.
func (s *Service) Login(ctx context.Context, email, pw string) (User, error) {
	const op = "identity.Login"

	email = normalize.Email(email)
	if email == "" || pw == "" {
		return User{}, invalid(op, "email and password are required")
	}

	u, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		if !IsNotFound(err) {
			return User{}, err
		}
		_, _ = s.pw.Verify(s.dummy(), pw)
		return User{}, OpError{Op: op, Kind: ErrBadCredentials}
	}

	ok, err := s.pw.Verify(u.PasswordHash, pw)
	if err != nil || !ok {
		if err != nil {
			s.log.Warn("identity.login.hash_unusable", "user_id", u.ID, "err", err)
		}
		return User{}, OpError{Op: op, Kind: ErrBadCredentials}
	}

	if s.pw.NeedsRehash(u.PasswordHash) {
		s.rehash(ctx, u, pw)
	}
	return u, nil
}

func (s *Service) rehash(ctx context.Context, u User, pw string) {
	relaxed := s.pw
	relaxed.Policy.RejectVeryWeak = false
	relaxed.Policy.MinLength = 1
	h, err := relaxed.Hash(pw)
	if err == nil {
		err = s.store.UpdatePasswordHash(ctx, u.ID, h)
	}
	if err != nil {
		s.log.Warn("identity.login.rehash_fail", "user_id", u.ID, "err", err)
		return
	}
	s.log.Info("identity.login.rehash", "user_id", u.ID)
}

func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		cfg := s.pw
		cfg.Policy = password.Policy{MinLength: 1, MaxLength: 64}
		s.dummyHash, _ = cfg.Hash("pairline-dummy-password")
	})
	return s.dummyHash
}

func validEmail(op, raw string) (string, error) {
	email := normalize.Email(raw)
	if email == "" {
		return "", invalid(op, "email is required")
	}
	if len(email) > maxEmailBytes || strings.ContainsAny(email, " \t\r\n") {
		return "", invalid(op, "invalid email")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", invalid(op, "invalid email")
	}
	return email, nil
}
