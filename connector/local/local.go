// Package local implements the built-in password connector: it resolves
// the login subject against the store's User table instead of an upstream
// identity provider.
package local

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"

	"github.com/crochee/cim/connector"
	"github.com/crochee/cim/storage"
)

// Config holds the configuration for the built-in password connector. It
// has no fields of its own: all credential state lives in the User table.
type Config struct{}

// Open returns a connector which authenticates against the storage's User
// records. The returned connector satisfies connector.PasswordConnector.
func (c *Config) Open(id string, logger *slog.Logger, s storage.Storage) (connector.Connector, error) {
	return &userConnector{storage: s, logger: logger}, nil
}

var _ connector.PasswordConnector = (*userConnector)(nil)

type userConnector struct {
	storage storage.Storage
	logger  *slog.Logger
}

func (p *userConnector) Close() error { return nil }

func (p *userConnector) Prompt() string { return "Email address or phone number" }

func (p *userConnector) RefreshEnabled() bool { return false }

// Login resolves subject to a User by trying, in order, User.ID,
// User.Claim.Email, and User.Claim.PhoneNumber, then compares the salted
// SHA-256 digest of password against the stored hash in constant time.
func (p *userConnector) Login(ctx context.Context, s connector.Scopes, subject, password string) (connector.Identity, bool, error) {
	u, err := p.resolve(ctx, subject)
	if err != nil {
		if err == storage.ErrNotFound {
			return connector.Identity{}, false, nil
		}
		return connector.Identity{}, false, err
	}

	if !validPassword(u, password) {
		return connector.Identity{}, false, nil
	}

	return connector.Identity{
		UserID:        u.ID,
		Username:      u.Claim.PreferredUsername,
		Email:         u.Claim.Email,
		EmailVerified: u.Claim.EmailVerified,
	}, true, nil
}

func (p *userConnector) resolve(ctx context.Context, subject string) (storage.User, error) {
	if u, err := p.storage.GetUser(ctx, subject); err == nil {
		return u, nil
	}

	list, err := p.storage.ListUsers(ctx, storage.ListOptions{Unscoped: false})
	if err != nil {
		return storage.User{}, err
	}
	for _, u := range list.Data {
		if u.Claim.Email != "" && u.Claim.Email == subject {
			return u, nil
		}
		if u.Claim.PhoneNumber != "" && u.Claim.PhoneNumber == subject {
			return u, nil
		}
	}
	return storage.User{}, storage.ErrNotFound
}

// HashPassword computes the salted SHA-256 digest stored on
// User.PasswordHash, exported so that user-creation code (see package
// authz's bootstrap) can set up a User's credentials the same way Login
// verifies them.
func HashPassword(secret []byte, password string) []byte {
	h := sha256.New()
	h.Write(secret)
	h.Write([]byte(password))
	return h.Sum(nil)
}

// NewSecret returns a fresh 32-byte random per-user salt.
func NewSecret() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func validPassword(u storage.User, password string) bool {
	if len(u.PasswordHash) == 0 {
		return false
	}
	got := HashPassword(u.Secret, password)
	return subtle.ConstantTimeCompare(got, u.PasswordHash) == 1
}
