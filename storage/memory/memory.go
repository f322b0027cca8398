// Package memory provides an in memory implementation of the storage interface.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crochee/cim/storage"
	"github.com/crochee/cim/watch"
)

var _ storage.Storage = (*memStorage)(nil)

// New returns an in memory storage.
func New(logger *slog.Logger) storage.Storage {
	return &memStorage{
		clients:         make(map[string]storage.Client),
		authCodes:       make(map[string]storage.AuthCode),
		refreshTokens:   make(map[string]storage.RefreshToken),
		authReqs:        make(map[string]storage.AuthRequest),
		passwords:       make(map[string]storage.Password),
		offlineSessions: make(map[offlineSessionID]storage.OfflineSessions),
		connectors:      make(map[string]storage.Connector),

		users:          make(map[string]storage.User),
		groups:         make(map[string]storage.Group),
		groupUsers:     make(map[string]storage.GroupUser),
		roles:          make(map[string]storage.Role),
		roleBindings:   make(map[string]storage.RoleBinding),
		policies:       make(map[string]storage.Policy),
		policyBindings: make(map[string]storage.PolicyBinding),

		userHub:          watch.NewHub[storage.User](0),
		groupHub:         watch.NewHub[storage.Group](0),
		groupUserHub:     watch.NewHub[storage.GroupUser](0),
		roleHub:          watch.NewHub[storage.Role](0),
		roleBindingHub:   watch.NewHub[storage.RoleBinding](0),
		policyHub:        watch.NewHub[storage.Policy](0),
		policyBindingHub: watch.NewHub[storage.PolicyBinding](0),

		logger: logger,
	}
}

// Config is an implementation of a storage configuration.
//
// TODO(ericchiang): Actually define a storage config interface and have registration.
type Config struct { // The in memory implementation has no config.
}

// Open always returns a new in memory storage.
func (c *Config) Open(logger *slog.Logger) (storage.Storage, error) {
	return New(logger), nil
}

type memStorage struct {
	mu sync.Mutex

	clients         map[string]storage.Client
	authCodes       map[string]storage.AuthCode
	refreshTokens   map[string]storage.RefreshToken
	authReqs        map[string]storage.AuthRequest
	passwords       map[string]storage.Password
	offlineSessions map[offlineSessionID]storage.OfflineSessions
	connectors      map[string]storage.Connector

	users          map[string]storage.User
	groups         map[string]storage.Group
	groupUsers     map[string]storage.GroupUser
	roles          map[string]storage.Role
	roleBindings   map[string]storage.RoleBinding
	policies       map[string]storage.Policy
	policyBindings map[string]storage.PolicyBinding

	userHub          *watch.Hub[storage.User]
	groupHub         *watch.Hub[storage.Group]
	groupUserHub     *watch.Hub[storage.GroupUser]
	roleHub          *watch.Hub[storage.Role]
	roleBindingHub   *watch.Hub[storage.RoleBinding]
	policyHub        *watch.Hub[storage.Policy]
	policyBindingHub *watch.Hub[storage.PolicyBinding]

	keys storage.Keys

	logger *slog.Logger
}

type offlineSessionID struct {
	userID string
	connID string
}

func (s *memStorage) tx(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

func (s *memStorage) Close() error { return nil }

func (s *memStorage) GarbageCollect(ctx context.Context, now time.Time) (result storage.GCResult, err error) {
	s.tx(func() {
		for id, a := range s.authCodes {
			if now.After(a.Expiry) {
				delete(s.authCodes, id)
				result.AuthCodes++
			}
		}
		for id, a := range s.authReqs {
			if now.After(a.Expiry) {
				delete(s.authReqs, id)
				result.AuthRequests++
			}
		}
	})
	return result, nil
}

func (s *memStorage) CreateClient(ctx context.Context, c storage.Client) (err error) {
	s.tx(func() {
		if _, ok := s.clients[c.ID]; ok {
			err = storage.ErrAlreadyExists
		} else {
			s.clients[c.ID] = c
		}
	})
	return
}

func (s *memStorage) CreateAuthCode(ctx context.Context, c storage.AuthCode) (err error) {
	s.tx(func() {
		if _, ok := s.authCodes[c.ID]; ok {
			err = storage.ErrAlreadyExists
		} else {
			s.authCodes[c.ID] = c
		}
	})
	return
}

func (s *memStorage) CreateRefresh(ctx context.Context, r storage.RefreshToken) (err error) {
	s.tx(func() {
		if _, ok := s.refreshTokens[r.ID]; ok {
			err = storage.ErrAlreadyExists
		} else {
			s.refreshTokens[r.ID] = r
		}
	})
	return
}

func (s *memStorage) CreateAuthRequest(ctx context.Context, a storage.AuthRequest) (err error) {
	s.tx(func() {
		if _, ok := s.authReqs[a.ID]; ok {
			err = storage.ErrAlreadyExists
		} else {
			s.authReqs[a.ID] = a
		}
	})
	return
}

func (s *memStorage) CreatePassword(ctx context.Context, p storage.Password) (err error) {
	lowerEmail := strings.ToLower(p.Email)
	s.tx(func() {
		if _, ok := s.passwords[lowerEmail]; ok {
			err = storage.ErrAlreadyExists
		} else {
			s.passwords[lowerEmail] = p
		}
	})
	return
}

func (s *memStorage) CreateOfflineSessions(ctx context.Context, o storage.OfflineSessions) (err error) {
	id := offlineSessionID{
		userID: o.UserID,
		connID: o.ConnID,
	}
	s.tx(func() {
		if _, ok := s.offlineSessions[id]; ok {
			err = storage.ErrAlreadyExists
		} else {
			s.offlineSessions[id] = o
		}
	})
	return
}

func (s *memStorage) CreateConnector(ctx context.Context, connector storage.Connector) (err error) {
	s.tx(func() {
		if _, ok := s.connectors[connector.ID]; ok {
			err = storage.ErrAlreadyExists
		} else {
			s.connectors[connector.ID] = connector
		}
	})
	return
}

func (s *memStorage) GetAuthCode(ctx context.Context, id string) (c storage.AuthCode, err error) {
	s.tx(func() {
		var ok bool
		if c, ok = s.authCodes[id]; !ok {
			err = storage.ErrNotFound
			return
		}
	})
	return
}

func (s *memStorage) GetPassword(ctx context.Context, email string) (p storage.Password, err error) {
	email = strings.ToLower(email)
	s.tx(func() {
		var ok bool
		if p, ok = s.passwords[email]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) GetClient(ctx context.Context, id string) (client storage.Client, err error) {
	s.tx(func() {
		var ok bool
		if client, ok = s.clients[id]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) GetKeys(ctx context.Context) (keys storage.Keys, err error) {
	s.tx(func() { keys = s.keys })
	return
}

func (s *memStorage) GetRefresh(ctx context.Context, id string) (tok storage.RefreshToken, err error) {
	s.tx(func() {
		var ok bool
		if tok, ok = s.refreshTokens[id]; !ok {
			err = storage.ErrNotFound
			return
		}
	})
	return
}

func (s *memStorage) GetAuthRequest(ctx context.Context, id string) (req storage.AuthRequest, err error) {
	s.tx(func() {
		var ok bool
		if req, ok = s.authReqs[id]; !ok {
			err = storage.ErrNotFound
			return
		}
	})
	return
}

func (s *memStorage) GetOfflineSessions(ctx context.Context, userID string, connID string) (o storage.OfflineSessions, err error) {
	id := offlineSessionID{
		userID: userID,
		connID: connID,
	}
	s.tx(func() {
		var ok bool
		if o, ok = s.offlineSessions[id]; !ok {
			err = storage.ErrNotFound
			return
		}
	})
	return
}

func (s *memStorage) GetConnector(ctx context.Context, id string) (connector storage.Connector, err error) {
	s.tx(func() {
		var ok bool
		if connector, ok = s.connectors[id]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) ListClients(ctx context.Context) (clients []storage.Client, err error) {
	s.tx(func() {
		for _, client := range s.clients {
			clients = append(clients, client)
		}
	})
	return
}

func (s *memStorage) ListRefreshTokens(ctx context.Context) (tokens []storage.RefreshToken, err error) {
	s.tx(func() {
		for _, refresh := range s.refreshTokens {
			tokens = append(tokens, refresh)
		}
	})
	return
}

func (s *memStorage) ListPasswords(ctx context.Context) (passwords []storage.Password, err error) {
	s.tx(func() {
		for _, password := range s.passwords {
			passwords = append(passwords, password)
		}
	})
	return
}

func (s *memStorage) ListConnectors(ctx context.Context) (conns []storage.Connector, err error) {
	s.tx(func() {
		for _, c := range s.connectors {
			conns = append(conns, c)
		}
	})
	return
}

func (s *memStorage) DeletePassword(ctx context.Context, email string) (err error) {
	email = strings.ToLower(email)
	s.tx(func() {
		if _, ok := s.passwords[email]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.passwords, email)
	})
	return
}

func (s *memStorage) DeleteClient(ctx context.Context, id string) (err error) {
	s.tx(func() {
		if _, ok := s.clients[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.clients, id)
	})
	return
}

func (s *memStorage) DeleteRefresh(ctx context.Context, id string) (err error) {
	s.tx(func() {
		if _, ok := s.refreshTokens[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.refreshTokens, id)
	})
	return
}

func (s *memStorage) DeleteAuthCode(ctx context.Context, id string) (err error) {
	s.tx(func() {
		if _, ok := s.authCodes[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.authCodes, id)
	})
	return
}

func (s *memStorage) DeleteAuthRequest(ctx context.Context, id string) (err error) {
	s.tx(func() {
		if _, ok := s.authReqs[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.authReqs, id)
	})
	return
}

func (s *memStorage) DeleteOfflineSessions(ctx context.Context, userID string, connID string) (err error) {
	id := offlineSessionID{
		userID: userID,
		connID: connID,
	}
	s.tx(func() {
		if _, ok := s.offlineSessions[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.offlineSessions, id)
	})
	return
}

func (s *memStorage) DeleteConnector(ctx context.Context, id string) (err error) {
	s.tx(func() {
		if _, ok := s.connectors[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.connectors, id)
	})
	return
}

func (s *memStorage) UpdateClient(ctx context.Context, id string, updater func(old storage.Client) (storage.Client, error)) (err error) {
	s.tx(func() {
		client, ok := s.clients[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if client, err = updater(client); err == nil {
			s.clients[id] = client
		}
	})
	return
}

func (s *memStorage) UpdateKeys(ctx context.Context, updater func(old storage.Keys) (storage.Keys, error)) (err error) {
	s.tx(func() {
		var keys storage.Keys
		if keys, err = updater(s.keys); err == nil {
			s.keys = keys
		}
	})
	return
}

func (s *memStorage) UpdateAuthRequest(ctx context.Context, id string, updater func(old storage.AuthRequest) (storage.AuthRequest, error)) (err error) {
	s.tx(func() {
		req, ok := s.authReqs[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if req, err = updater(req); err == nil {
			s.authReqs[id] = req
		}
	})
	return
}

func (s *memStorage) UpdatePassword(ctx context.Context, email string, updater func(p storage.Password) (storage.Password, error)) (err error) {
	email = strings.ToLower(email)
	s.tx(func() {
		req, ok := s.passwords[email]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if req, err = updater(req); err == nil {
			s.passwords[email] = req
		}
	})
	return
}

func (s *memStorage) UpdateRefreshToken(ctx context.Context, id string, updater func(p storage.RefreshToken) (storage.RefreshToken, error)) (err error) {
	s.tx(func() {
		r, ok := s.refreshTokens[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if r, err = updater(r); err == nil {
			s.refreshTokens[id] = r
		}
	})
	return
}

func (s *memStorage) UpdateOfflineSessions(ctx context.Context, userID string, connID string, updater func(o storage.OfflineSessions) (storage.OfflineSessions, error)) (err error) {
	id := offlineSessionID{
		userID: userID,
		connID: connID,
	}
	s.tx(func() {
		r, ok := s.offlineSessions[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if r, err = updater(r); err == nil {
			s.offlineSessions[id] = r
		}
	})
	return
}

func (s *memStorage) UpdateConnector(ctx context.Context, id string, updater func(c storage.Connector) (storage.Connector, error)) (err error) {
	s.tx(func() {
		r, ok := s.connectors[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if r, err = updater(r); err == nil {
			s.connectors[id] = r
		}
	})
	return
}

// --- User ---

func (s *memStorage) CreateUser(ctx context.Context, u storage.User) (err error) {
	s.tx(func() {
		if _, ok := s.users[u.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.users[u.ID] = u
		s.userHub.Notify(watch.Create, u)
	})
	return
}

func (s *memStorage) GetUser(ctx context.Context, id string) (u storage.User, err error) {
	s.tx(func() {
		var ok bool
		if u, ok = s.users[id]; !ok || u.Deleted {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) ListUsers(ctx context.Context, opts storage.ListOptions) (list storage.List[storage.User], err error) {
	s.tx(func() {
		var all []storage.User
		for _, u := range s.users {
			if !opts.Unscoped && u.Deleted {
				continue
			}
			if opts.AccountID != "" && u.AccountID != opts.AccountID {
				continue
			}
			all = append(all, u)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
		list = paginate(all, opts)
	})
	return
}

func (s *memStorage) UpdateUser(ctx context.Context, id string, updater func(old storage.User) (storage.User, error)) (err error) {
	s.tx(func() {
		u, ok := s.users[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if u, err = updater(u); err == nil {
			s.users[id] = u
			s.userHub.Notify(watch.Put, u)
		}
	})
	return
}

func (s *memStorage) DeleteUser(ctx context.Context, id string) (err error) {
	s.tx(func() {
		u, ok := s.users[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		for _, gu := range s.groupUsers {
			if !gu.Deleted && gu.UserID == id {
				err = storage.ErrForbidden
				return
			}
		}
		for _, pb := range s.policyBindings {
			if !pb.Deleted && pb.BindingsType == storage.BindingUser && pb.BindingsID == id {
				err = storage.ErrForbidden
				return
			}
		}
		u.Deleted = true
		s.users[id] = u
		s.userHub.Notify(watch.Delete, u)
	})
	return
}

// --- Group ---

func (s *memStorage) CreateGroup(ctx context.Context, g storage.Group) (err error) {
	s.tx(func() {
		if _, ok := s.groups[g.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.groups[g.ID] = g
		s.groupHub.Notify(watch.Create, g)
	})
	return
}

func (s *memStorage) GetGroup(ctx context.Context, id string) (g storage.Group, err error) {
	s.tx(func() {
		var ok bool
		if g, ok = s.groups[id]; !ok || g.Deleted {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) ListGroups(ctx context.Context, opts storage.ListOptions) (list storage.List[storage.Group], err error) {
	s.tx(func() {
		var all []storage.Group
		for _, g := range s.groups {
			if !opts.Unscoped && g.Deleted {
				continue
			}
			if opts.AccountID != "" && g.AccountID != opts.AccountID {
				continue
			}
			all = append(all, g)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
		list = paginate(all, opts)
	})
	return
}

func (s *memStorage) UpdateGroup(ctx context.Context, id string, updater func(old storage.Group) (storage.Group, error)) (err error) {
	s.tx(func() {
		g, ok := s.groups[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if g, err = updater(g); err == nil {
			s.groups[id] = g
			s.groupHub.Notify(watch.Put, g)
		}
	})
	return
}

func (s *memStorage) DeleteGroup(ctx context.Context, id string) (err error) {
	s.tx(func() {
		g, ok := s.groups[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		for _, gu := range s.groupUsers {
			if !gu.Deleted && gu.GroupID == id {
				err = storage.ErrForbidden
				return
			}
		}
		for _, pb := range s.policyBindings {
			if !pb.Deleted && pb.BindingsType == storage.BindingGroup && pb.BindingsID == id {
				err = storage.ErrForbidden
				return
			}
		}
		g.Deleted = true
		s.groups[id] = g
		s.groupHub.Notify(watch.Delete, g)
	})
	return
}

// --- GroupUser ---

func (s *memStorage) CreateGroupUser(ctx context.Context, gu storage.GroupUser) (err error) {
	s.tx(func() {
		if _, ok := s.groupUsers[gu.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.groupUsers[gu.ID] = gu
		s.groupUserHub.Notify(watch.Create, gu)
	})
	return
}

func (s *memStorage) ListGroupUsers(ctx context.Context, opts storage.ListOptions) (list storage.List[storage.GroupUser], err error) {
	s.tx(func() {
		var all []storage.GroupUser
		for _, gu := range s.groupUsers {
			if !opts.Unscoped && gu.Deleted {
				continue
			}
			all = append(all, gu)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
		list = paginate(all, opts)
	})
	return
}

func (s *memStorage) DeleteGroupUser(ctx context.Context, id string) (err error) {
	s.tx(func() {
		gu, ok := s.groupUsers[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		gu.Deleted = true
		s.groupUsers[id] = gu
		s.groupUserHub.Notify(watch.Delete, gu)
	})
	return
}

func (s *memStorage) GroupsByUser(ctx context.Context, userID string) (groups []storage.Group, err error) {
	s.tx(func() {
		for _, gu := range s.groupUsers {
			if gu.Deleted || gu.UserID != userID {
				continue
			}
			if g, ok := s.groups[gu.GroupID]; ok && !g.Deleted {
				groups = append(groups, g)
			}
		}
	})
	return
}

// --- Role ---

func (s *memStorage) CreateRole(ctx context.Context, r storage.Role) (err error) {
	s.tx(func() {
		if _, ok := s.roles[r.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.roles[r.ID] = r
		s.roleHub.Notify(watch.Create, r)
	})
	return
}

func (s *memStorage) GetRole(ctx context.Context, id string) (r storage.Role, err error) {
	s.tx(func() {
		var ok bool
		if r, ok = s.roles[id]; !ok || r.Deleted {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) ListRoles(ctx context.Context, opts storage.ListOptions) (list storage.List[storage.Role], err error) {
	s.tx(func() {
		var all []storage.Role
		for _, r := range s.roles {
			if !opts.Unscoped && r.Deleted {
				continue
			}
			if opts.AccountID != "" && r.AccountID != opts.AccountID {
				continue
			}
			all = append(all, r)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
		list = paginate(all, opts)
	})
	return
}

func (s *memStorage) UpdateRole(ctx context.Context, id string, updater func(old storage.Role) (storage.Role, error)) (err error) {
	s.tx(func() {
		r, ok := s.roles[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if r, err = updater(r); err == nil {
			s.roles[id] = r
			s.roleHub.Notify(watch.Put, r)
		}
	})
	return
}

func (s *memStorage) DeleteRole(ctx context.Context, id string) (err error) {
	s.tx(func() {
		r, ok := s.roles[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		for _, rb := range s.roleBindings {
			if !rb.Deleted && rb.RoleID == id {
				err = storage.ErrForbidden
				return
			}
		}
		for _, pb := range s.policyBindings {
			if !pb.Deleted && pb.BindingsType == storage.BindingRole && pb.BindingsID == id {
				err = storage.ErrForbidden
				return
			}
		}
		r.Deleted = true
		s.roles[id] = r
		s.roleHub.Notify(watch.Delete, r)
	})
	return
}

// --- RoleBinding ---

func (s *memStorage) CreateRoleBinding(ctx context.Context, rb storage.RoleBinding) (err error) {
	s.tx(func() {
		if _, ok := s.roleBindings[rb.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.roleBindings[rb.ID] = rb
		s.roleBindingHub.Notify(watch.Create, rb)
	})
	return
}

func (s *memStorage) ListRoleBindings(ctx context.Context, opts storage.ListOptions) (list storage.List[storage.RoleBinding], err error) {
	s.tx(func() {
		var all []storage.RoleBinding
		for _, rb := range s.roleBindings {
			if !opts.Unscoped && rb.Deleted {
				continue
			}
			all = append(all, rb)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
		list = paginate(all, opts)
	})
	return
}

func (s *memStorage) DeleteRoleBinding(ctx context.Context, id string) (err error) {
	s.tx(func() {
		rb, ok := s.roleBindings[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		rb.Deleted = true
		s.roleBindings[id] = rb
		s.roleBindingHub.Notify(watch.Delete, rb)
	})
	return
}

func (s *memStorage) RolesByUser(ctx context.Context, userID string, groupIDs []string) (roles []storage.Role, err error) {
	s.tx(func() {
		seen := make(map[string]bool)
		groupSet := make(map[string]bool, len(groupIDs))
		for _, g := range groupIDs {
			groupSet[g] = true
		}
		for _, rb := range s.roleBindings {
			if rb.Deleted {
				continue
			}
			match := (rb.BindType == storage.BindingUser && rb.BindingsID == userID) ||
				(rb.BindType == storage.BindingGroup && groupSet[rb.BindingsID])
			if !match || seen[rb.RoleID] {
				continue
			}
			if r, ok := s.roles[rb.RoleID]; ok && !r.Deleted {
				roles = append(roles, r)
				seen[rb.RoleID] = true
			}
		}
	})
	return
}

// --- Policy ---

func (s *memStorage) CreatePolicy(ctx context.Context, p storage.Policy) (err error) {
	s.tx(func() {
		if _, ok := s.policies[p.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.policies[p.ID] = p
		s.policyHub.Notify(watch.Create, p)
	})
	return
}

func (s *memStorage) GetPolicy(ctx context.Context, id string) (p storage.Policy, err error) {
	s.tx(func() {
		var ok bool
		if p, ok = s.policies[id]; !ok || p.Deleted {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) ListPolicies(ctx context.Context, opts storage.ListOptions) (list storage.List[storage.Policy], err error) {
	s.tx(func() {
		var all []storage.Policy
		for _, p := range s.policies {
			if !opts.Unscoped && p.Deleted {
				continue
			}
			if opts.AccountID != "" && p.AccountID != opts.AccountID {
				continue
			}
			all = append(all, p)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
		list = paginate(all, opts)
	})
	return
}

func (s *memStorage) UpdatePolicy(ctx context.Context, id string, updater func(old storage.Policy) (storage.Policy, error)) (err error) {
	s.tx(func() {
		p, ok := s.policies[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if p, err = updater(p); err == nil {
			p.Version++
			s.policies[id] = p
			s.policyHub.Notify(watch.Put, p)
		}
	})
	return
}

func (s *memStorage) DeletePolicy(ctx context.Context, id string) (err error) {
	s.tx(func() {
		p, ok := s.policies[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		for _, pb := range s.policyBindings {
			if !pb.Deleted && pb.PolicyID == id {
				err = storage.ErrForbidden
				return
			}
		}
		p.Deleted = true
		s.policies[id] = p
		s.policyHub.Notify(watch.Delete, p)
	})
	return
}

// --- PolicyBinding ---

func (s *memStorage) CreatePolicyBinding(ctx context.Context, pb storage.PolicyBinding) (err error) {
	s.tx(func() {
		if _, ok := s.policyBindings[pb.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.policyBindings[pb.ID] = pb
		s.policyBindingHub.Notify(watch.Create, pb)
	})
	return
}

func (s *memStorage) ListPolicyBindings(ctx context.Context, opts storage.ListOptions) (list storage.List[storage.PolicyBinding], err error) {
	s.tx(func() {
		var all []storage.PolicyBinding
		for _, pb := range s.policyBindings {
			if !opts.Unscoped && pb.Deleted {
				continue
			}
			all = append(all, pb)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
		list = paginate(all, opts)
	})
	return
}

func (s *memStorage) DeletePolicyBinding(ctx context.Context, id string) (err error) {
	s.tx(func() {
		pb, ok := s.policyBindings[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		pb.Deleted = true
		s.policyBindings[id] = pb
		s.policyBindingHub.Notify(watch.Delete, pb)
	})
	return
}

// PoliciesReachableBy implements the union-of-unions rule: a policy is
// reachable if it's bound directly to the user, to any group the user
// belongs to, or to any role the user holds.
func (s *memStorage) PoliciesReachableBy(ctx context.Context, userID string, groupIDs, roleIDs []string) (policies []storage.Policy, err error) {
	s.tx(func() {
		groupSet := make(map[string]bool, len(groupIDs))
		for _, g := range groupIDs {
			groupSet[g] = true
		}
		roleSet := make(map[string]bool, len(roleIDs))
		for _, r := range roleIDs {
			roleSet[r] = true
		}
		seen := make(map[string]bool)
		for _, pb := range s.policyBindings {
			if pb.Deleted {
				continue
			}
			match := false
			switch pb.BindingsType {
			case storage.BindingUser:
				match = pb.BindingsID == userID
			case storage.BindingGroup:
				match = groupSet[pb.BindingsID]
			case storage.BindingRole:
				match = roleSet[pb.BindingsID]
			}
			if !match || seen[pb.PolicyID] {
				continue
			}
			if p, ok := s.policies[pb.PolicyID]; ok && !p.Deleted {
				policies = append(policies, p)
				seen[pb.PolicyID] = true
			}
		}
	})
	return
}

func paginate[T any](all []T, opts storage.ListOptions) storage.List[T] {
	total := int64(len(all))
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := len(all)
	if opts.Limit > 0 && offset+opts.Limit < end {
		end = offset + opts.Limit
	}
	return storage.List[T]{
		Data:   all[offset:end],
		Limit:  opts.Limit,
		Offset: opts.Offset,
		Total:  total,
	}
}

func (s *memStorage) WatchUsers(since int64, h watch.Handler[storage.User], onDrop func()) watch.Guard {
	return s.userHub.Watch(since, h, onDrop)
}

func (s *memStorage) WatchGroups(since int64, h watch.Handler[storage.Group], onDrop func()) watch.Guard {
	return s.groupHub.Watch(since, h, onDrop)
}

func (s *memStorage) WatchGroupUsers(since int64, h watch.Handler[storage.GroupUser], onDrop func()) watch.Guard {
	return s.groupUserHub.Watch(since, h, onDrop)
}

func (s *memStorage) WatchRoles(since int64, h watch.Handler[storage.Role], onDrop func()) watch.Guard {
	return s.roleHub.Watch(since, h, onDrop)
}

func (s *memStorage) WatchRoleBindings(since int64, h watch.Handler[storage.RoleBinding], onDrop func()) watch.Guard {
	return s.roleBindingHub.Watch(since, h, onDrop)
}

func (s *memStorage) WatchPolicies(since int64, h watch.Handler[storage.Policy], onDrop func()) watch.Guard {
	return s.policyHub.Watch(since, h, onDrop)
}

func (s *memStorage) WatchPolicyBindings(since int64, h watch.Handler[storage.PolicyBinding], onDrop func()) watch.Guard {
	return s.policyBindingHub.Watch(since, h, onDrop)
}
