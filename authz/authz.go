// Package authz implements the authorization resolver (§4.8): given a
// (subject, action, resource, context) request it walks the user's group
// and role memberships, collects every policy statement reachable through a
// PolicyBinding, and hands them to package policy's matcher.
package authz

import (
	"context"
	"fmt"

	"github.com/crochee/cim/policy"
	"github.com/crochee/cim/storage"
)

// Resolver answers authorization checks by resolving the bindings reachable
// from a subject and evaluating their statements with a shared Matcher.
type Resolver struct {
	store   storage.Storage
	matcher *policy.Matcher
}

// New returns a Resolver backed by store, caching compiled glob patterns in
// an LRU of the given size (<=0 uses package policy's default).
func New(store storage.Storage, cacheSize int) *Resolver {
	return &Resolver{store: store, matcher: policy.NewMatcher(cacheSize)}
}

// Authorize implements §4.8: retrieve every policy reachable from subject
// (directly, through its groups, or through its roles), flatten their
// statements, and evaluate them against the request. Returns an
// *apierr.Error of KindForbidden when denied (either by an explicit Deny
// statement or by no statement matching at all), nil when allowed.
func (r *Resolver) Authorize(ctx context.Context, subject, action, resource string, reqContext map[string]interface{}) error {
	groups, err := r.store.GroupsByUser(ctx, subject)
	if err != nil {
		return fmt.Errorf("authz: resolve groups for %q: %w", subject, err)
	}
	groupIDs := make([]string, len(groups))
	for i, g := range groups {
		groupIDs[i] = g.ID
	}

	roles, err := r.store.RolesByUser(ctx, subject, groupIDs)
	if err != nil {
		return fmt.Errorf("authz: resolve roles for %q: %w", subject, err)
	}
	roleIDs := make([]string, len(roles))
	for i, ro := range roles {
		roleIDs[i] = ro.ID
	}

	policies, err := r.store.PoliciesReachableBy(ctx, subject, groupIDs, roleIDs)
	if err != nil {
		return fmt.Errorf("authz: resolve policies for %q: %w", subject, err)
	}

	statements, err := flatten(policies)
	if err != nil {
		return err
	}

	return r.matcher.Decide(statements, policy.Request{
		Subject:  subject,
		Action:   action,
		Resource: resource,
		Context:  reqContext,
	})
}

// flatten turns every policy's ordered Statement list into a single
// sequence of policy.Statement, decoding each statement's raw conditions in
// the process. Order across policies is the order PoliciesReachableBy
// returned them in; order within a policy is preserved.
func flatten(policies []storage.Policy) ([]policy.Statement, error) {
	var out []policy.Statement
	for _, p := range policies {
		for _, st := range p.Statement {
			conds, err := policy.DecodeConditions(st.Conditions)
			if err != nil {
				return nil, fmt.Errorf("authz: policy %q: %w", p.ID, err)
			}
			out = append(out, policy.Statement{
				Effect:     string(st.Effect),
				Subjects:   st.Subjects,
				Actions:    st.Actions,
				Resources:  st.Resources,
				Conditions: conds,
			})
		}
	}
	return out, nil
}
