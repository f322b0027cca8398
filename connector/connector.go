// Package connector defines interfaces for federated identity strategies.
package connector

import (
	"context"
	"net/http"
)

// Connector is a mechanism for federating login to a remote identity
// service. Implementations are expected to additionally implement
// PasswordConnector, CallbackConnector, or SAMLConnector.
type Connector interface {
	Close() error
}

// Scopes indicates which scopes the connector should request and populate
// on its returned Identity.
type Scopes struct {
	// OfflineAccess requests the connector track enough state to support a
	// later Refresh call.
	OfflineAccess bool
	// Groups requests the connector populate Identity.Groups, for
	// connectors implementing GroupsConnector.
	Groups bool
}

// Address is the postal address sub-record of a claim, mirroring the OIDC
// standard claims address member.
type Address struct {
	Formatted     string `json:"formatted,omitempty"`
	StreetAddress string `json:"street_address,omitempty"`
	Locality      string `json:"locality,omitempty"`
	Region        string `json:"region,omitempty"`
	PostalCode    string `json:"postal_code,omitempty"`
	Country       string `json:"country,omitempty"`
}

// Identity represents the claims a connector resolves for an end user
// during a login attempt.
type Identity struct {
	UserID            string
	Username          string
	PreferredUsername string
	Email             string
	EmailVerified     bool
	Picture           string
	Locale            string
	PhoneNumber       string
	Address           *Address

	Groups []string

	// ConnectorData holds data used by the connector for subsequent
	// requests after initial authentication, such as a refresh token for
	// an upstream provider.
	//
	// This data is never shared with end users, OAuth clients, or through
	// the API; it is threaded back through Refresh.
	ConnectorData []byte
}

// PasswordConnector is an optional interface for password based connectors.
type PasswordConnector interface {
	Login(ctx context.Context, s Scopes, subject, password string) (identity Identity, validPassword bool, err error)
	Prompt() string
	RefreshEnabled() bool
}

// RefreshConnector is an optional interface for connectors which support
// refreshing identity information without re-authenticating the end user.
type RefreshConnector interface {
	Refresh(ctx context.Context, s Scopes, identity Identity) (Identity, error)
}

// CallbackConnector is an optional interface for callback based connectors
// (upstream OAuth2/OIDC identity providers).
type CallbackConnector interface {
	LoginURL(s Scopes, callbackURL, state string) (string, error)
	HandleCallback(s Scopes, r *http.Request) (identity Identity, err error)
}

// SAMLConnector is an optional interface for connectors which speak the SAML
// HTTP-POST binding.
type SAMLConnector interface {
	POSTData(s Scopes, requestID string) (action, value string, err error)
	HandlePOST(s Scopes, samlResponse, inResponseTo string) (identity Identity, err error)
}

// GroupsConnector is an optional interface for connectors which can map a
// user to a set of groups.
type GroupsConnector interface {
	Groups(identity Identity) ([]string, error)
}
