package authz

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/crochee/cim/connector/local"
	"github.com/crochee/cim/storage"
)

// BootstrapUser provisions the self-account a newly created User needs to
// be useful on its own (§3 User entity, "on creation the system also
// creates..."): an "Admin" Group containing the user, a system policy
// granting <.*>/<.*>/<.*> scoped to the user's account, a PolicyBinding
// from that group to that policy, a default "local" Connector, and a Client
// credential the user can use to request tokens against itself.
//
// u must already have been persisted by the caller (CreateUser); password
// is the plaintext the caller wants the user to log in with — BootstrapUser
// salts and hashes it onto u via storage.UpdateUser.
func BootstrapUser(ctx context.Context, store storage.Storage, u storage.User, password string) error {
	secret := local.NewSecret()
	hash := local.HashPassword(secret, password)
	if err := store.UpdateUser(ctx, u.ID, func(old storage.User) (storage.User, error) {
		old.Secret = secret
		old.PasswordHash = hash
		return old, nil
	}); err != nil {
		return fmt.Errorf("authz: bootstrap: set credentials: %w", err)
	}

	group := storage.Group{ID: uuid.NewString(), AccountID: u.AccountID, Name: "Admin", Desc: "self-account administrators"}
	if err := store.CreateGroup(ctx, group); err != nil {
		return fmt.Errorf("authz: bootstrap: create admin group: %w", err)
	}

	if err := store.CreateGroupUser(ctx, storage.GroupUser{ID: uuid.NewString(), GroupID: group.ID, UserID: u.ID}); err != nil {
		return fmt.Errorf("authz: bootstrap: add user to admin group: %w", err)
	}

	adminPolicy := storage.Policy{
		ID:        uuid.NewString(),
		AccountID: u.AccountID,
		Desc:      "full access within the account",
		Statement: []storage.Statement{{
			Effect:    storage.Allow,
			Subjects:  []string{"<.*>"},
			Actions:   []string{"<.*>"},
			Resources: []string{"<.*>"},
		}},
	}
	if err := store.CreatePolicy(ctx, adminPolicy); err != nil {
		return fmt.Errorf("authz: bootstrap: create admin policy: %w", err)
	}

	binding := storage.PolicyBinding{
		ID:           uuid.NewString(),
		PolicyID:     adminPolicy.ID,
		BindingsType: storage.BindingGroup,
		BindingsID:   group.ID,
	}
	if err := store.CreatePolicyBinding(ctx, binding); err != nil {
		return fmt.Errorf("authz: bootstrap: bind admin policy: %w", err)
	}

	conn := storage.Connector{
		ID:   uuid.NewString(),
		Type: "local",
		Name: "Email/Phone + Password",
	}
	if err := store.CreateConnector(ctx, conn); err != nil {
		return fmt.Errorf("authz: bootstrap: create default connector: %w", err)
	}

	client := storage.Client{
		ID:           uuid.NewString(),
		Secret:       uuid.NewString(),
		Name:         fmt.Sprintf("%s's client", u.ID),
		AccountID:    u.AccountID,
		RedirectURIs: []string{"http://localhost"},
	}
	if err := store.CreateClient(ctx, client); err != nil {
		return fmt.Errorf("authz: bootstrap: create client credential: %w", err)
	}

	return nil
}
