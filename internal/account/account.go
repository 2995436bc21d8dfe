// Package account stores credentials in SQLite and implements signup and
// login. A successful login yields an identity for the session registry.
package account

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/christopherjohns/noticeboard/internal/apperr"
	"github.com/christopherjohns/noticeboard/internal/identity"
)

//go:embed schema.sql
var schema string

const (
	msgEmpty           = "Username or password cannot be empty. Please check your input."
	msgUsernameTaken   = "Username is already in use. Please try again."
	msgInvalidName     = "Username can only contain letters, numbers, underscores, hyphens, and periods."
	msgWeakPassword    = "Password does not meet minimum requirements: at least 8 characters, including 1 uppercase letter, 1 lowercase letter, 1 digit, no spaces, also it can contain the following special characters: @#$%^&*()-_=+{};:,<.>"
	msgPasswordsDiffer = "Passwords do not match. Please try again."
	msgBadCredentials  = "Invalid credentials. Please try again."
	msgDatabase        = "Database error. Please try again later."
)

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_\-.]+$`)
	passwordCharset = regexp.MustCompile(`^[a-zA-Z0-9!@#$%^&*()\-_=+{};:,<.>]{8,}$`)
)

// User is a stored account without its password hash.
type User struct {
	ID       string        `json:"id"`
	Username string        `json:"username"`
	Role     identity.Role `json:"role"`
	JoinedAt time.Time     `json:"joined_at"`
}

// Identity returns the principal for u.
func (u User) Identity() identity.Identity {
	return identity.Identity{ID: u.ID, DisplayName: u.Username, Role: u.Role}
}

// SignupRequest is the signup form.
type SignupRequest struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	ReenterPassword string `json:"reenter_password"`
	IsAdmin         bool   `json:"is_admin"`
}

// Store is the credential store.
type Store struct {
	db         *sql.DB
	cost       int
	allowAdmin bool
	log        zerolog.Logger
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithHashCost sets the bcrypt cost.
func WithHashCost(cost int) Option {
	return func(s *Store) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.cost = cost
		}
	}
}

// WithAdminSignup controls whether signup may request the admin role.
func WithAdminSignup(ok bool) Option {
	return func(s *Store) { s.allowAdmin = ok }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("accounts path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create accounts dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open accounts db: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate accounts db: %w", err)
	}

	s := &Store{
		db:         db,
		cost:       bcrypt.DefaultCost,
		allowAdmin: true,
		log:        zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Count returns the number of stored accounts.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, apperr.Wrap(apperr.KindStore, msgDatabase, err)
	}
	return n, nil
}

// Signup validates req and creates the account.
func (s *Store) Signup(ctx context.Context, req SignupRequest) (User, error) {
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)
	reenter := strings.TrimSpace(req.ReenterPassword)

	if !usernamePattern.MatchString(username) {
		return User{}, apperr.New(apperr.KindValidation, msgInvalidName)
	}
	if password != reenter {
		return User{}, apperr.New(apperr.KindValidation, msgPasswordsDiffer)
	}
	if !strongPassword(password) {
		return User{}, apperr.New(apperr.KindValidation, msgWeakPassword)
	}

	role := identity.RoleUser
	if req.IsAdmin && s.allowAdmin {
		role = identity.RoleAdmin
	}
	u, err := s.Create(ctx, username, password, role)
	if err != nil {
		return User{}, err
	}
	s.log.Info().Str("username", u.Username).Str("role", string(u.Role)).Msg("signed up")
	return u, nil
}

// Create stores an account without applying the signup rules.
func (s *Store) Create(ctx context.Context, username, password string, role identity.Role) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	u := User{
		ID:       uuid.NewString(),
		Username: username,
		Role:     role,
		JoinedAt: s.now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users(id, username, password_hash, role, joined_at) VALUES(?,?,?,?,?)`,
		u.ID, u.Username, string(hash), string(u.Role), u.JoinedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return User{}, apperr.New(apperr.KindConflict, msgUsernameTaken)
		}
		return User{}, apperr.Wrap(apperr.KindStore, msgDatabase, err)
	}
	return u, nil
}

// Authenticate checks username and password.
func (s *Store) Authenticate(ctx context.Context, username, password string) (User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return User{}, apperr.New(apperr.KindValidation, msgEmpty)
	}

	var (
		u      User
		hash   string
		role   string
		joined string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, joined_at FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &hash, &role, &joined)
	if errors.Is(err, sql.ErrNoRows) {
		s.log.Info().Str("username", username).Msg("login failed: unknown user")
		return User{}, apperr.New(apperr.KindUnauthorized, msgBadCredentials)
	}
	if err != nil {
		return User{}, apperr.Wrap(apperr.KindStore, msgDatabase, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		s.log.Info().Str("username", username).Msg("login failed: wrong password")
		return User{}, apperr.New(apperr.KindUnauthorized, msgBadCredentials)
	}
	u.Role = identity.ParseRole(role)
	u.JoinedAt, _ = time.Parse(time.RFC3339Nano, joined)
	return u, nil
}

// Seed creates seeds when the store is empty and returns how many were
// inserted. A non-empty store is left alone.
func (s *Store) Seed(ctx context.Context, seeds []Seed) (int, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Debug().Int("accounts", n).Msg("accounts present, skipping seed")
		return 0, nil
	}
	inserted := 0
	for _, seed := range seeds {
		if _, err := s.Create(ctx, seed.Username, seed.Password, seed.Role); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				continue
			}
			return inserted, fmt.Errorf("seed %s: %w", seed.Username, err)
		}
		inserted++
	}
	s.log.Info().Int("accounts", inserted).Msg("seeded accounts")
	return inserted, nil
}

func strongPassword(p string) bool {
	if !passwordCharset.MatchString(p) {
		return false
	}
	var lower, upper, digit bool
	for _, r := range p {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return lower && upper && digit
}
