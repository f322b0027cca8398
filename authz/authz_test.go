package authz

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/crochee/cim/storage"
	"github.com/crochee/cim/storage/memory"
)

func newTestStore() storage.Storage {
	return memory.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAuthorizeDirectUserBinding(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	userID := "u1"
	require.NoError(t, store.CreateUser(ctx, storage.User{ID: userID}))

	policyID := uuid.NewString()
	require.NoError(t, store.CreatePolicy(ctx, storage.Policy{
		ID: policyID,
		Statement: []storage.Statement{{
			Effect:    storage.Allow,
			Subjects:  []string{userID},
			Actions:   []string{"get"},
			Resources: []string{"r1"},
		}},
	}))
	require.NoError(t, store.CreatePolicyBinding(ctx, storage.PolicyBinding{
		ID: uuid.NewString(), PolicyID: policyID, BindingsType: storage.BindingUser, BindingsID: userID,
	}))

	resolver := New(store, 0)
	require.NoError(t, resolver.Authorize(ctx, userID, "get", "r1", nil))
	require.Error(t, resolver.Authorize(ctx, userID, "delete", "r1", nil))
}

func TestAuthorizeViaGroupBinding(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	userID := "u1"
	require.NoError(t, store.CreateUser(ctx, storage.User{ID: userID}))

	groupID := uuid.NewString()
	require.NoError(t, store.CreateGroup(ctx, storage.Group{ID: groupID, Name: "eng"}))
	require.NoError(t, store.CreateGroupUser(ctx, storage.GroupUser{ID: uuid.NewString(), GroupID: groupID, UserID: userID}))

	policyID := uuid.NewString()
	require.NoError(t, store.CreatePolicy(ctx, storage.Policy{
		ID: policyID,
		Statement: []storage.Statement{{
			Effect: storage.Allow, Subjects: []string{"<.*>"}, Actions: []string{"list"}, Resources: []string{"r2"},
		}},
	}))
	require.NoError(t, store.CreatePolicyBinding(ctx, storage.PolicyBinding{
		ID: uuid.NewString(), PolicyID: policyID, BindingsType: storage.BindingGroup, BindingsID: groupID,
	}))

	resolver := New(store, 0)
	require.NoError(t, resolver.Authorize(ctx, userID, "list", "r2", nil))
}

func TestAuthorizeViaRoleBinding(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	userID := "u1"
	require.NoError(t, store.CreateUser(ctx, storage.User{ID: userID}))

	roleID := uuid.NewString()
	require.NoError(t, store.CreateRole(ctx, storage.Role{ID: roleID, Name: "viewer"}))
	require.NoError(t, store.CreateRoleBinding(ctx, storage.RoleBinding{
		ID: uuid.NewString(), RoleID: roleID, BindType: storage.BindingUser, BindingsID: userID,
	}))

	policyID := uuid.NewString()
	require.NoError(t, store.CreatePolicy(ctx, storage.Policy{
		ID: policyID,
		Statement: []storage.Statement{{
			Effect: storage.Allow, Subjects: []string{"<.*>"}, Actions: []string{"get"}, Resources: []string{"r3"},
		}},
	}))
	require.NoError(t, store.CreatePolicyBinding(ctx, storage.PolicyBinding{
		ID: uuid.NewString(), PolicyID: policyID, BindingsType: storage.BindingRole, BindingsID: roleID,
	}))

	resolver := New(store, 0)
	require.NoError(t, resolver.Authorize(ctx, userID, "get", "r3", nil))
}

func TestAuthorizeDenyWins(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	userID := "u1"
	require.NoError(t, store.CreateUser(ctx, storage.User{ID: userID}))

	policyID := uuid.NewString()
	require.NoError(t, store.CreatePolicy(ctx, storage.Policy{
		ID: policyID,
		Statement: []storage.Statement{
			{Effect: storage.Allow, Subjects: []string{userID}, Actions: []string{"get"}, Resources: []string{"r1"}},
			{Effect: storage.Deny, Subjects: []string{"<.*>"}, Actions: []string{"<.*>"}, Resources: []string{"<.*>"}},
		},
	}))
	require.NoError(t, store.CreatePolicyBinding(ctx, storage.PolicyBinding{
		ID: uuid.NewString(), PolicyID: policyID, BindingsType: storage.BindingUser, BindingsID: userID,
	}))

	resolver := New(store, 0)
	require.Error(t, resolver.Authorize(ctx, userID, "get", "r1", nil))
}

func TestBootstrapUserProvisionsSelfAccount(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	u := storage.User{ID: "u1", AccountID: "acct1"}
	require.NoError(t, store.CreateUser(ctx, u))
	require.NoError(t, BootstrapUser(ctx, store, u, "P@ssword12345678"))

	groups, err := store.GroupsByUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, "Admin", groups[0].Name)

	clients, err := store.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 1)

	conns, err := store.ListConnectors(ctx)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.Equal(t, "local", conns[0].Type)

	resolver := New(store, 0)
	require.NoError(t, resolver.Authorize(ctx, u.ID, "anything", "anything", nil),
		"the bootstrapped admin policy must allow any action/resource for this user")
}
