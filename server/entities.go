package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/crochee/cim/httpapi"
	"github.com/crochee/cim/internal/apierr"
	"github.com/crochee/cim/storage"
	"github.com/crochee/cim/watch"
)

// entityCRUD wires the uniform put/get/delete/list/watch contract of §4.2
// to a thin HTTP surface: GET (list or, with ?watch, a change stream), POST
// (create), GET/{id}, PUT/{id}, DELETE/{id}. It carries no business logic
// beyond what the storage layer itself enforces (referential delete
// guards, soft-delete filtering).
type entityCRUD[T any] struct {
	create func(ctx context.Context, v T) error
	get    func(ctx context.Context, id string) (T, error)
	list   func(ctx context.Context, opts storage.ListOptions) (storage.List[T], error)
	update func(ctx context.Context, id string, updater func(old T) (T, error)) error
	delete func(ctx context.Context, id string) error
	watch  func(since int64, handler watch.Handler[T], onDrop func()) watch.Guard
	setID  func(v *T, id string)
	getID  func(v T) string
}

func (e *entityCRUD[T]) mount(sub *mux.Router, name string) {
	lw := &httpapi.ListWatch[T]{
		List: func(r *http.Request, opts storage.ListOptions) (storage.List[T], error) {
			return e.list(r.Context(), opts)
		},
		Watch: e.watch,
	}
	sub.Handle("/"+name, lw).Methods(http.MethodGet)
	sub.HandleFunc("/"+name, e.handleCreate).Methods(http.MethodPost)
	sub.HandleFunc("/"+name+"/{id}", e.handleGet).Methods(http.MethodGet)
	sub.HandleFunc("/"+name+"/{id}", e.handleUpdate).Methods(http.MethodPut)
	sub.HandleFunc("/"+name+"/{id}", e.handleDelete).Methods(http.MethodDelete)
}

func (e *entityCRUD[T]) handleCreate(w http.ResponseWriter, r *http.Request) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		apierr.WriteError(w, apierr.BadRequest("invalid_body", "could not decode request body"))
		return
	}
	if e.getID(v) == "" {
		e.setID(&v, uuid.NewString())
	}
	if err := e.create(r.Context(), v); err != nil {
		apierr.WriteError(w, httpapi.MapStorageError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(v)
}

func (e *entityCRUD[T]) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	v, err := e.get(r.Context(), id)
	if err != nil {
		apierr.WriteError(w, httpapi.MapStorageError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (e *entityCRUD[T]) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		apierr.WriteError(w, apierr.BadRequest("invalid_body", "could not decode request body"))
		return
	}
	e.setID(&v, id)
	if err := e.update(r.Context(), id, func(T) (T, error) { return v, nil }); err != nil {
		apierr.WriteError(w, httpapi.MapStorageError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (e *entityCRUD[T]) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := e.delete(r.Context(), id); err != nil {
		apierr.WriteError(w, httpapi.MapStorageError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// entitiesRouter builds the /v1/{users,groups,roles,policies,role_bindings,
// policy_bindings,group_users} sub-router of §6's CRUD table.
func entitiesRouter(store storage.Storage) *mux.Router {
	r := mux.NewRouter()

	(&entityCRUD[storage.User]{
		create: store.CreateUser,
		get:    store.GetUser,
		list:   store.ListUsers,
		update: store.UpdateUser,
		delete: store.DeleteUser,
		watch:  store.WatchUsers,
		setID:  func(v *storage.User, id string) { v.ID = id },
		getID:  func(v storage.User) string { return v.ID },
	}).mount(r, "users")

	(&entityCRUD[storage.Group]{
		create: store.CreateGroup,
		get:    store.GetGroup,
		list:   store.ListGroups,
		update: store.UpdateGroup,
		delete: store.DeleteGroup,
		watch:  store.WatchGroups,
		setID:  func(v *storage.Group, id string) { v.ID = id },
		getID:  func(v storage.Group) string { return v.ID },
	}).mount(r, "groups")

	(&entityCRUD[storage.Role]{
		create: store.CreateRole,
		get:    store.GetRole,
		list:   store.ListRoles,
		update: store.UpdateRole,
		delete: store.DeleteRole,
		watch:  store.WatchRoles,
		setID:  func(v *storage.Role, id string) { v.ID = id },
		getID:  func(v storage.Role) string { return v.ID },
	}).mount(r, "roles")

	(&entityCRUD[storage.Policy]{
		create: store.CreatePolicy,
		get:    store.GetPolicy,
		list:   store.ListPolicies,
		update: store.UpdatePolicy,
		delete: store.DeletePolicy,
		watch:  store.WatchPolicies,
		setID:  func(v *storage.Policy, id string) { v.ID = id },
		getID:  func(v storage.Policy) string { return v.ID },
	}).mount(r, "policies")

	mountNoUpdate(r, "group_users", entityCreateGetListDelete[storage.GroupUser]{
		create: store.CreateGroupUser,
		list:   store.ListGroupUsers,
		delete: store.DeleteGroupUser,
		watch:  store.WatchGroupUsers,
		setID:  func(v *storage.GroupUser, id string) { v.ID = id },
		getID:  func(v storage.GroupUser) string { return v.ID },
	})

	mountNoUpdate(r, "role_bindings", entityCreateGetListDelete[storage.RoleBinding]{
		create: store.CreateRoleBinding,
		list:   store.ListRoleBindings,
		delete: store.DeleteRoleBinding,
		watch:  store.WatchRoleBindings,
		setID:  func(v *storage.RoleBinding, id string) { v.ID = id },
		getID:  func(v storage.RoleBinding) string { return v.ID },
	})

	mountNoUpdate(r, "policy_bindings", entityCreateGetListDelete[storage.PolicyBinding]{
		create: store.CreatePolicyBinding,
		list:   store.ListPolicyBindings,
		delete: store.DeletePolicyBinding,
		watch:  store.WatchPolicyBindings,
		setID:  func(v *storage.PolicyBinding, id string) { v.ID = id },
		getID:  func(v storage.PolicyBinding) string { return v.ID },
	})

	return r
}

// entityCreateGetListDelete covers the binding-row kinds (GroupUser,
// RoleBinding, PolicyBinding): pure many-to-many rows with no Update or
// single-row Get in the storage contract, only create/list/delete/watch.
type entityCreateGetListDelete[T any] struct {
	create func(ctx context.Context, v T) error
	list   func(ctx context.Context, opts storage.ListOptions) (storage.List[T], error)
	delete func(ctx context.Context, id string) error
	watch  func(since int64, handler watch.Handler[T], onDrop func()) watch.Guard
	setID  func(v *T, id string)
	getID  func(v T) string
}

func mountNoUpdate[T any](sub *mux.Router, name string, e entityCreateGetListDelete[T]) {
	lw := &httpapi.ListWatch[T]{
		List: func(r *http.Request, opts storage.ListOptions) (storage.List[T], error) {
			return e.list(r.Context(), opts)
		},
		Watch: e.watch,
	}
	sub.Handle("/"+name, lw).Methods(http.MethodGet)
	sub.HandleFunc("/"+name, func(w http.ResponseWriter, r *http.Request) {
		var v T
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			apierr.WriteError(w, apierr.BadRequest("invalid_body", "could not decode request body"))
			return
		}
		if e.getID(v) == "" {
			e.setID(&v, uuid.NewString())
		}
		if err := e.create(r.Context(), v); err != nil {
			apierr.WriteError(w, httpapi.MapStorageError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(v)
	}).Methods(http.MethodPost)
	sub.HandleFunc("/"+name+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := e.delete(r.Context(), id); err != nil {
			apierr.WriteError(w, httpapi.MapStorageError(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)
}
