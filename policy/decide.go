package policy

import "github.com/crochee/cim/internal/apierr"

// Request is the (subject, action, resource, context) tuple evaluated
// against a statement list.
type Request struct {
	Subject  string
	Action   string
	Resource string
	Context  map[string]interface{}
}

// Statement is the evaluator's view of a storage.Statement: globs already
// split out from conditions, which have already been decoded into
// package policy's Condition evaluators (see DecodeConditions).
type Statement struct {
	Effect     string // "Allow" or "Deny"
	Subjects   []string
	Actions    []string
	Resources  []string
	Conditions map[string]Condition
}

// Decide runs the §4.7 decision algorithm: a subject is allowed if any
// statement matches with effect Allow, UNLESS any matching statement has
// effect Deny, in which case Deny wins immediately regardless of any Allow
// match found before or after it in the list.
func (m *Matcher) Decide(statements []Statement, req Request) error {
	allowed := false
	for _, st := range statements {
		ok, err := m.statementMatches(st, req)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if st.Effect == "Deny" {
			return apierr.Forbidden("policy_denied", "denied by policy statement")
		}
		allowed = true
	}
	if !allowed {
		return apierr.Forbidden("policy_no_match", "no policy statement allows this request")
	}
	return nil
}

func (m *Matcher) statementMatches(st Statement, req Request) (bool, error) {
	ok, err := m.anyMatches(st.Subjects, req.Subject)
	if err != nil || !ok {
		return false, err
	}
	ok, err = m.anyMatches(st.Actions, req.Action)
	if err != nil || !ok {
		return false, err
	}
	ok, err = m.anyMatches(st.Resources, req.Resource)
	if err != nil || !ok {
		return false, err
	}
	for key, cond := range st.Conditions {
		ctxValue, present := req.Context[key]
		if !present {
			continue
		}
		ok, err := cond.Satisfied(ctxValue, req)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// anyMatches reports whether needle matches any pattern in a statement
// dimension (subjects/actions/resources). A pattern with no angle-bracket
// delimiter is compared by plain string equality; a delimited pattern is
// compiled to a regex and matched. A dimension with zero patterns never
// matches — an empty list means "no statement", not "match anything".
func (m *Matcher) anyMatches(patterns []string, needle string) (bool, error) {
	for _, p := range patterns {
		if !hasDelimiter(p) {
			if p == needle {
				return true, nil
			}
			continue
		}
		ok, err := m.Match(p, needle)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func hasDelimiter(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '<' {
			return true
		}
	}
	return false
}
