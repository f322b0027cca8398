// Package mock implements connectors which require no user interaction,
// used for testing the server without wiring up a real upstream IdP.
package mock

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/crochee/cim/connector"
)

// CallbackConfig holds the configuration for a mock callback connector.
type CallbackConfig struct {
	Identity connector.Identity `json:"identity"`
}

// Open returns a connector which always succeeds with the configured
// identity.
func (c *CallbackConfig) Open(id string, logger *slog.Logger) (connector.Connector, error) {
	ident := c.Identity
	if ident.UserID == "" {
		ident = connector.Identity{
			UserID:        "0-385-28089-0",
			Username:      "Kilgore Trout",
			Email:         "kilgore@kilgore.trout",
			EmailVerified: true,
		}
	}
	return &callbackConnector{ident: ident, logger: logger}, nil
}

var _ connector.CallbackConnector = (*callbackConnector)(nil)

type callbackConnector struct {
	ident  connector.Identity
	logger *slog.Logger
}

func (m *callbackConnector) Close() error { return nil }

func (m *callbackConnector) LoginURL(s connector.Scopes, callbackURL, state string) (string, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse callbackURL %q: %v", callbackURL, err)
	}
	v := u.Query()
	v.Set("state", state)
	u.RawQuery = v.Encode()
	return u.String(), nil
}

func (m *callbackConnector) HandleCallback(s connector.Scopes, r *http.Request) (connector.Identity, error) {
	return m.ident, nil
}

// PasswordConfig holds the configuration for a mock password connector.
type PasswordConfig struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Open returns a password connector which accepts exactly one configured
// username/password pair.
func (c *PasswordConfig) Open(id string, logger *slog.Logger) (connector.Connector, error) {
	username, password := c.Username, c.Password
	if username == "" {
		username = "admin@example.com"
	}
	if password == "" {
		password = "password"
	}
	return &passwordConnector{username: username, password: password, logger: logger}, nil
}

var _ connector.PasswordConnector = (*passwordConnector)(nil)

type passwordConnector struct {
	username string
	password string
	logger   *slog.Logger
}

func (m *passwordConnector) Close() error { return nil }

func (m *passwordConnector) Login(ctx context.Context, s connector.Scopes, username, password string) (connector.Identity, bool, error) {
	if username != m.username || password != m.password {
		return connector.Identity{}, false, nil
	}
	return connector.Identity{
		UserID:        "0-385-28089-0",
		Username:      m.username,
		Email:         m.username,
		EmailVerified: true,
	}, true, nil
}

func (m *passwordConnector) Prompt() string { return "Username" }

func (m *passwordConnector) RefreshEnabled() bool { return false }
