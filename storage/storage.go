package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"io"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/crochee/cim/watch"
)

var (
	// ErrNotFound is the error returned by storages if a resource cannot be found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is the error returned by storages if a resource ID is taken during a create.
	ErrAlreadyExists = errors.New("ID already exists")

	// ErrForbidden is returned when a delete is refused because a live binding
	// still references the row (see the referential guards of §4.2).
	ErrForbidden = errors.New("forbidden: referenced by a live binding")
)

// Kubernetes only allows lower case letters for names.
//
// TODO(ericchiang): refactor ID creation onto the storage.
var encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567")

// NewID returns a random string which can be used as an ID for objects.
func NewID() string {
	return newSecureID(16)
}

func newSecureID(len int) string {
	buff := make([]byte, len) // random ID.
	if _, err := io.ReadFull(rand.Reader, buff); err != nil {
		panic(err)
	}
	// Avoid the identifier to begin with number and trim padding
	return string(buff[0]%26+'a') + strings.TrimRight(encoding.EncodeToString(buff[1:]), "=")
}

// NewHMACKey returns a random key which can be used in the computation of an HMAC
func NewHMACKey(h crypto.Hash) []byte {
	return []byte(newSecureID(h.Size()))
}

// GCResult returns the number of objects deleted by garbage collection.
type GCResult struct {
	AuthRequests int64
	AuthCodes    int64
}

// IsEmpty returns whether the garbage collection result is empty or not.
func (g *GCResult) IsEmpty() bool {
	return g.AuthRequests == 0 && g.AuthCodes == 0
}

// ListOptions scopes and paginates a list query. Ordering defaults to
// created_at DESC, matching the reference store.
type ListOptions struct {
	AccountID string
	Limit     int
	Offset    int
	// Unscoped, when true, skips the deleted=0 predicate (used by
	// garbage collection and admin tooling, never by end-user routes).
	Unscoped bool
}

// List is the uniform page envelope returned by every list(opts) call.
type List[T any] struct {
	Data   []T
	Limit  int
	Offset int
	Total  int64
}

// BindingType enumerates what a PolicyBinding or RoleBinding attaches to.
type BindingType int

const (
	BindingUser BindingType = iota + 1
	BindingGroup
	BindingRole
)

// Storage is the storage interface used by the server. Implementations are
// required to be able to perform atomic compare-and-swap updates and either
// support timezones or standardize on UTC.
//
// Every entity additionally supports soft-deletion: Delete sets a deleted
// marker rather than physically removing the row, and List/Get filter on
// it unless ListOptions.Unscoped is set.
type Storage interface {
	Close() error

	// TODO(ericchiang): Let the storages set the IDs of these objects.
	CreateAuthRequest(ctx context.Context, a AuthRequest) error
	CreateClient(ctx context.Context, c Client) error
	CreateAuthCode(ctx context.Context, c AuthCode) error
	CreateRefresh(ctx context.Context, r RefreshToken) error
	CreatePassword(ctx context.Context, p Password) error
	CreateOfflineSessions(ctx context.Context, s OfflineSessions) error
	CreateConnector(ctx context.Context, c Connector) error

	// TODO(ericchiang): return (T, bool, error) so we can indicate not found
	// requests that way instead of using ErrNotFound.
	GetAuthRequest(ctx context.Context, id string) (AuthRequest, error)
	GetAuthCode(ctx context.Context, id string) (AuthCode, error)
	GetClient(ctx context.Context, id string) (Client, error)
	GetKeys(ctx context.Context) (Keys, error)
	GetRefresh(ctx context.Context, id string) (RefreshToken, error)
	GetPassword(ctx context.Context, email string) (Password, error)
	GetOfflineSessions(ctx context.Context, userID string, connID string) (OfflineSessions, error)
	GetConnector(ctx context.Context, id string) (Connector, error)

	ListClients(ctx context.Context) ([]Client, error)
	ListRefreshTokens(ctx context.Context) ([]RefreshToken, error)
	ListPasswords(ctx context.Context) ([]Password, error)
	ListConnectors(ctx context.Context) ([]Connector, error)

	// Delete methods MUST be atomic.
	DeleteAuthRequest(ctx context.Context, id string) error
	DeleteAuthCode(ctx context.Context, code string) error
	DeleteClient(ctx context.Context, id string) error
	DeleteRefresh(ctx context.Context, id string) error
	DeletePassword(ctx context.Context, email string) error
	DeleteOfflineSessions(ctx context.Context, userID string, connID string) error
	DeleteConnector(ctx context.Context, id string) error

	// Update methods take a function for updating an object then performs that update within
	// a transaction. "updater" functions may be called multiple times by a single update call.
	//
	// Because new fields may be added to resources, updaters should only modify existing
	// fields on the old object rather then creating new structs. For example:
	//
	//		updater := func(old storage.Client) (storage.Client, error) {
	//			old.Secret = newSecret
	//			return old, nil
	//		}
	//		if err := s.UpdateClient(ctx, clientID, updater); err != nil {
	//			// update failed, handle error
	//		}
	//
	UpdateClient(ctx context.Context, id string, updater func(old Client) (Client, error)) error
	UpdateKeys(ctx context.Context, updater func(old Keys) (Keys, error)) error
	UpdateAuthRequest(ctx context.Context, id string, updater func(a AuthRequest) (AuthRequest, error)) error
	UpdateRefreshToken(ctx context.Context, id string, updater func(r RefreshToken) (RefreshToken, error)) error
	UpdatePassword(ctx context.Context, email string, updater func(p Password) (Password, error)) error
	UpdateOfflineSessions(ctx context.Context, userID string, connID string, updater func(s OfflineSessions) (OfflineSessions, error)) error
	UpdateConnector(ctx context.Context, id string, updater func(c Connector) (Connector, error)) error

	// GarbageCollect deletes all expired AuthCodes and AuthRequests.
	GarbageCollect(ctx context.Context, now time.Time) (GCResult, error)

	// User, Group, GroupUser, Role, RoleBinding, Policy and PolicyBinding
	// follow the uniform put/get/delete/list/count/watch contract of §4.2.
	// Delete enforces the referential guards documented on each type.

	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	ListUsers(ctx context.Context, opts ListOptions) (List[User], error)
	UpdateUser(ctx context.Context, id string, updater func(old User) (User, error)) error
	DeleteUser(ctx context.Context, id string) error
	// WatchUsers streams User change events starting after seq since, the
	// way watch.Hub.Watch does.
	WatchUsers(since int64, handler watch.Handler[User], onDrop func()) watch.Guard

	CreateGroup(ctx context.Context, g Group) error
	GetGroup(ctx context.Context, id string) (Group, error)
	ListGroups(ctx context.Context, opts ListOptions) (List[Group], error)
	UpdateGroup(ctx context.Context, id string, updater func(old Group) (Group, error)) error
	DeleteGroup(ctx context.Context, id string) error
	WatchGroups(since int64, handler watch.Handler[Group], onDrop func()) watch.Guard

	CreateGroupUser(ctx context.Context, gu GroupUser) error
	ListGroupUsers(ctx context.Context, opts ListOptions) (List[GroupUser], error)
	DeleteGroupUser(ctx context.Context, id string) error
	// GroupsByUser returns every live Group a user directly belongs to.
	GroupsByUser(ctx context.Context, userID string) ([]Group, error)
	WatchGroupUsers(since int64, handler watch.Handler[GroupUser], onDrop func()) watch.Guard

	CreateRole(ctx context.Context, r Role) error
	GetRole(ctx context.Context, id string) (Role, error)
	ListRoles(ctx context.Context, opts ListOptions) (List[Role], error)
	UpdateRole(ctx context.Context, id string, updater func(old Role) (Role, error)) error
	DeleteRole(ctx context.Context, id string) error
	WatchRoles(since int64, handler watch.Handler[Role], onDrop func()) watch.Guard

	CreateRoleBinding(ctx context.Context, rb RoleBinding) error
	ListRoleBindings(ctx context.Context, opts ListOptions) (List[RoleBinding], error)
	DeleteRoleBinding(ctx context.Context, id string) error
	// RolesByUser returns every live Role reachable by a user, either bound
	// directly (BindingUser) or through one of the user's groups (BindingGroup).
	RolesByUser(ctx context.Context, userID string, groupIDs []string) ([]Role, error)
	WatchRoleBindings(since int64, handler watch.Handler[RoleBinding], onDrop func()) watch.Guard

	CreatePolicy(ctx context.Context, p Policy) error
	GetPolicy(ctx context.Context, id string) (Policy, error)
	ListPolicies(ctx context.Context, opts ListOptions) (List[Policy], error)
	UpdatePolicy(ctx context.Context, id string, updater func(old Policy) (Policy, error)) error
	DeletePolicy(ctx context.Context, id string) error
	WatchPolicies(since int64, handler watch.Handler[Policy], onDrop func()) watch.Guard

	CreatePolicyBinding(ctx context.Context, pb PolicyBinding) error
	ListPolicyBindings(ctx context.Context, opts ListOptions) (List[PolicyBinding], error)
	DeletePolicyBinding(ctx context.Context, id string) error
	// PoliciesReachableBy returns every live Policy bound (directly or
	// through the given group/role ids) to userID — the union-of-unions
	// rule of §3's PolicyBinding entity.
	PoliciesReachableBy(ctx context.Context, userID string, groupIDs, roleIDs []string) ([]Policy, error)
	WatchPolicyBindings(since int64, handler watch.Handler[PolicyBinding], onDrop func()) watch.Guard
}

// Client represents an OAuth2 client.
//
// For further reading see:
//   - Trusted peers: https://developers.google.com/identity/protocols/CrossClientAuth
//   - Public clients: https://developers.google.com/api-client-library/python/auth/installed-app
type Client struct {
	// Client ID and secret used to identify the client.
	ID        string `json:"id" yaml:"id"`
	IDEnv     string `json:"idEnv" yaml:"idEnv"`
	Secret    string `json:"secret" yaml:"secret"`
	SecretEnv string `json:"secretEnv" yaml:"secretEnv"`

	// A registered set of redirect URIs. When redirecting to the client, the URI
	// requested to redirect to MUST match one of these values, unless the client is "public".
	RedirectURIs []string `json:"redirectURIs" yaml:"redirectURIs"`

	// TrustedPeers are a list of peers which can issue tokens on this client's behalf using
	// the dynamic "oauth2:server:client_id:(client_id)" scope. If a peer makes such a request,
	// this client's ID will appear as the ID Token's audience.
	//
	// Clients inherently trust themselves.
	TrustedPeers []string `json:"trustedPeers" yaml:"trustedPeers"`

	// Public clients must use either use a redirectURL 127.0.0.1:X or "urn:ietf:wg:oauth:2.0:oob"
	Public bool `json:"public" yaml:"public"`

	// Name and LogoURL used when displaying this client to the end user.
	Name    string `json:"name" yaml:"name"`
	LogoURL string `json:"logoURL" yaml:"logoURL"`

	// AccountID scopes the client to a tenant. A client with no AccountID and
	// no RedirectURIs is implicitly "public localhost".
	AccountID string `json:"accountID" yaml:"accountID"`
}

// Claims represents the ID Token claims supported by the server.
type Claims struct {
	UserID            string
	Username          string
	PreferredUsername string
	Email             string
	EmailVerified     bool

	Groups []string
}

// PKCE is a container for the data needed to perform Proof Key for Code Exchange (RFC 7636) auth flow
type PKCE struct {
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthRequest represents a OAuth2 client authorization request. It holds the state
// of a single auth flow up to the point that the user authorizes the client.
type AuthRequest struct {
	// ID used to identify the authorization request.
	ID string

	// ID of the client requesting authorization from a user.
	ClientID string

	// Values parsed from the initial request. These describe the resources the client is
	// requesting as well as values describing the form of the response.
	ResponseTypes []string
	Scopes        []string
	RedirectURI   string
	Nonce         string
	State         string

	// The client has indicated that the end user must be shown an approval prompt
	// on all requests. The server cannot cache their initial action for subsequent
	// attempts.
	ForceApprovalPrompt bool

	Expiry time.Time

	// Has the user proved their identity through a backing identity provider?
	//
	// If false, the following fields are invalid.
	LoggedIn bool

	// The identity of the end user. Generally nil until the user authenticates
	// with a backend.
	Claims Claims

	// The connector used to login the user and any data the connector wishes to persists.
	// Set when the user authenticates.
	ConnectorID   string
	ConnectorData []byte

	// PKCE CodeChallenge and CodeChallengeMethod
	PKCE PKCE

	// HMACKey is used when generating an AuthRequest-specific HMAC
	HMACKey []byte
}

// AuthCode represents a code which can be exchanged for an OAuth2 token response.
//
// This value is created once an end user has authorized a client, the server has
// redirect the end user back to the client, but the client hasn't exchanged the
// code for an access_token and id_token.
type AuthCode struct {
	// Actual string returned as the "code" value.
	ID string

	// The client this code value is valid for. When exchanging the code for a
	// token response, the client must use its client_secret to authenticate.
	ClientID string

	// As part of the OAuth2 spec when a client makes a token request it MUST
	// present the same redirect_uri as the initial redirect. This values is saved
	// to make this check.
	//
	// https://tools.ietf.org/html/rfc6749#section-4.1.3
	RedirectURI string

	// If provided by the client in the initial request, the provider MUST create
	// a ID Token with this nonce in the JWT payload.
	Nonce string

	// Scopes authorized by the end user for the client.
	Scopes []string

	// Authentication data provided by an upstream source.
	ConnectorID   string
	ConnectorData []byte
	Claims        Claims

	Expiry time.Time

	// PKCE CodeChallenge and CodeChallengeMethod
	PKCE PKCE
}

// RefreshToken is an OAuth2 refresh token which allows a client to request new
// tokens on the end user's behalf.
type RefreshToken struct {
	ID string

	// A single token that's rotated every time the refresh token is refreshed.
	//
	// May be empty.
	Token         string
	ObsoleteToken string

	CreatedAt time.Time
	LastUsed  time.Time

	// Client this refresh token is valid for.
	ClientID string

	// Authentication data provided by an upstream source.
	ConnectorID   string
	ConnectorData []byte
	Claims        Claims

	// Scopes present in the initial request. Refresh requests may specify a set
	// of scopes different from the initial request when refreshing a token,
	// however those scopes must be encompassed by this set.
	Scopes []string

	// Nonce value supplied during the initial redirect. This is required to be part
	// of the claims of any future id_token generated by the client.
	Nonce string
}

// RefreshTokenRef is a reference object that contains metadata about refresh tokens.
type RefreshTokenRef struct {
	ID string

	// Client the refresh token is valid for.
	ClientID string

	CreatedAt time.Time
	LastUsed  time.Time
}

// OfflineSessions objects are sessions pertaining to users with refresh tokens.
type OfflineSessions struct {
	// UserID of an end user who has logged into the server.
	UserID string

	// The ID of the connector used to login the user.
	ConnID string

	// Refresh is a hash table of refresh token reference objects
	// indexed by the ClientID of the refresh token.
	Refresh map[string]*RefreshTokenRef

	// Authentication data provided by an upstream source.
	ConnectorData []byte
}

// Password is an email to password mapping managed by the storage.
//
// This is the legacy dex-style credential store, kept for the "local"
// password connector's lookup-by-email path. New self-registered users
// carry their own salted hash directly on the User row instead (see
// User.Secret / User.PasswordHash).
type Password struct {
	// Email and identifying name of the password. Emails are assumed to be valid and
	// determining that an end-user controls the address is left to an outside application.
	//
	// Emails are case insensitive and should be standardized by the storage.
	//
	// Storages that don't support an extended character set for IDs, such as '.' and '@'
	// (cough cough, kubernetes), must map this value appropriately.
	Email string `json:"email"`

	// Bcrypt encoded hash of the password. This package enforces a min cost value of 10
	Hash []byte `json:"hash"`

	// Bcrypt encoded hash of the password set in environment variable of this name.
	HashFromEnv string `json:"hashFromEnv"`

	// Optional username to display. NOT used during login.
	Username string `json:"username"`

	// Randomly generated user ID. This is NOT the primary ID of the Password object.
	UserID string `json:"userID"`
}

// Middleware configures a post-processing step run on the Identity a
// connector returns, before it is embedded into an AuthRequest's Claims.
// ResourceVersion lets callers detect a stale cached instance the same way
// Connector.ResourceVersion does.
type Middleware struct {
	// Type selects the middleware implementation, e.g. "groups".
	Type            string `json:"type"`
	ResourceVersion string `json:"resourceVersion"`
	Config          []byte `json:"config"`
}

// Connector is an object that contains the metadata about connectors used to login.
type Connector struct {
	// ID that will uniquely identify the connector object.
	ID string `json:"id"`
	// The Type of the connector. E.g. 'oidc', 'ldap', 'saml', 'local'.
	Type string `json:"type"`
	// The Name of the connector that is used when displaying it to the end user.
	Name string `json:"name"`
	// ResourceVersion is the static versioning used to keep track of dynamic configuration
	// changes to the connector object made by the API calls.
	ResourceVersion string `json:"resourceVersion"`
	// Config holds all the configuration information specific to the connector type. Since there
	// no generic struct we can use for this purpose, it is stored as a byte stream.
	Config []byte `json:"config"`
}

// VerificationKey is a rotated signing key which can still be used to verify
// signatures.
type VerificationKey struct {
	PublicKey *jose.JSONWebKey `json:"publicKey"`
	Expiry    time.Time        `json:"expiry"`
}

// Keys hold encryption and signing keys.
type Keys struct {
	// Key for creating and verifying signatures. These may be nil.
	SigningKey    *jose.JSONWebKey
	SigningKeyPub *jose.JSONWebKey

	// Old signing keys which have been rotated but can still be used to validate
	// existing signatures.
	VerificationKeys []VerificationKey

	// The next time the signing key will rotate.
	//
	// For caching purposes, implementations MUST NOT update keys before this time.
	NextRotation time.Time
}

// Address is the postal address sub-record of a claim.
type Address struct {
	Formatted     string `json:"formatted,omitempty"`
	StreetAddress string `json:"street_address,omitempty"`
	Locality      string `json:"locality,omitempty"`
	Region        string `json:"region,omitempty"`
	PostalCode    string `json:"postal_code,omitempty"`
	Country       string `json:"country,omitempty"`
}

// Claim holds the OIDC standard claims a User owns; these get embedded into
// issued tokens.
type Claim struct {
	Email             string   `json:"email,omitempty"`
	EmailVerified     bool     `json:"email_verified,omitempty"`
	Name              string   `json:"name,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Picture           string   `json:"picture,omitempty"`
	Locale            string   `json:"locale,omitempty"`
	PhoneNumber       string   `json:"phone_number,omitempty"`
	Address           *Address `json:"address,omitempty"`
}

// User is the principal entity of the policy engine and of self-registered
// logins. Deletion is refused while a live GroupUser or PolicyBinding
// (type User) still references it.
type User struct {
	ID        string
	AccountID string
	Desc      string
	Claim     Claim

	// Secret is a per-user random salt; PasswordHash is the salted SHA-256
	// digest of the user's password, computed as
	// sha256(Secret || password), compared in constant time.
	Secret       []byte
	PasswordHash []byte

	Deleted bool
}

// Group is a binding vehicle: PolicyBinding and RoleBinding rows may target
// a Group, and every GroupUser member inherits what's bound to it. Deletion
// is refused while a live GroupUser or PolicyBinding (type Group) still
// references it.
type Group struct {
	ID        string
	AccountID string
	Name      string
	Desc      string
	Deleted   bool
}

// GroupUser is the many-to-many membership row between Group and User.
type GroupUser struct {
	ID      string
	GroupID string
	UserID  string
	Deleted bool
}

// Role is a binding vehicle analogous to Group, except RoleBinding rows
// attach users (or groups) directly rather than through membership rows.
// Deletion is refused while a live RoleBinding or PolicyBinding (type Role)
// still references it.
type Role struct {
	ID        string
	AccountID string
	Name      string
	Desc      string
	Deleted   bool
}

// RoleBinding attaches a User or Group to a Role.
type RoleBinding struct {
	ID         string
	RoleID     string
	BindType   BindingType // User or Group
	BindingsID string
	Deleted    bool
}

// Policy is a named, versioned, ordered list of Statements. Deletion is
// refused while a live PolicyBinding still references it.
type Policy struct {
	ID        string
	AccountID string // empty means system-wide
	Desc      string
	Version   int
	Statement []Statement
	Deleted   bool
}

// Statement is a single Allow/Deny rule: subjects/actions/resources are
// angle-bracket glob patterns (see package policy), and Conditions are
// evaluated against the request context; see package policy's Condition
// types for the encoding of each JsonCondition.
type Statement struct {
	Effect     Effect            `json:"effect"`
	Subjects   []string          `json:"subjects"`
	Actions    []string          `json:"actions"`
	Resources  []string          `json:"resources"`
	Conditions map[string][]byte `json:"conditions"` // raw per-type JSON, decoded by package policy
	Meta       string            `json:"meta,omitempty"`
}

// Effect is the outcome a Statement grants when it matches.
type Effect string

const (
	Allow Effect = "Allow"
	Deny  Effect = "Deny"
)

// PolicyBinding attaches a Policy to a User, Group, or Role. A subject u
// inherits statements from (direct User bindings) ∪ (bindings on every
// Group containing u) ∪ (bindings on every Role containing u).
type PolicyBinding struct {
	ID           string
	PolicyID     string
	BindingsType BindingType
	BindingsID   string
	Deleted      bool
}
