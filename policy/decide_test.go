package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecideAllowOnMatchingStatement(t *testing.T) {
	m := NewMatcher(0)
	statements := []Statement{
		{Effect: "Allow", Subjects: []string{"u1"}, Actions: []string{"get"}, Resources: []string{"r1"}},
	}
	err := m.Decide(statements, Request{Subject: "u1", Action: "get", Resource: "r1"})
	require.NoError(t, err)
}

func TestDecideNoMatchIsForbidden(t *testing.T) {
	m := NewMatcher(0)
	statements := []Statement{
		{Effect: "Allow", Subjects: []string{"u1"}, Actions: []string{"get"}, Resources: []string{"r1"}},
	}
	err := m.Decide(statements, Request{Subject: "u2", Action: "get", Resource: "r1"})
	require.Error(t, err)
}

func TestDecideDenyWinsOverAllow(t *testing.T) {
	m := NewMatcher(0)
	statements := []Statement{
		{Effect: "Allow", Subjects: []string{"u1"}, Actions: []string{"get"}, Resources: []string{"r1"}},
		{Effect: "Deny", Subjects: []string{"<.*>"}, Actions: []string{"<.*>"}, Resources: []string{"<.*>"}},
	}
	err := m.Decide(statements, Request{Subject: "u1", Action: "get", Resource: "r1"})
	require.Error(t, err, "S4: deny must win even though an earlier statement allows")
}

func TestDecideDenyWinsRegardlessOfOrder(t *testing.T) {
	m := NewMatcher(0)
	statements := []Statement{
		{Effect: "Deny", Subjects: []string{"<.*>"}, Actions: []string{"<.*>"}, Resources: []string{"<.*>"}},
		{Effect: "Allow", Subjects: []string{"u1"}, Actions: []string{"get"}, Resources: []string{"r1"}},
	}
	err := m.Decide(statements, Request{Subject: "u1", Action: "get", Resource: "r1"})
	require.Error(t, err)
}

func TestDecideBareStringComparesByEquality(t *testing.T) {
	m := NewMatcher(0)
	statements := []Statement{
		{Effect: "Allow", Subjects: []string{"u1"}, Actions: []string{"get"}, Resources: []string{"r1"}},
	}
	// "u10" must not match the bare pattern "u1".
	err := m.Decide(statements, Request{Subject: "u10", Action: "get", Resource: "r1"})
	require.Error(t, err)
}

func TestDecideConditionSkippedWhenContextKeyAbsent(t *testing.T) {
	m := NewMatcher(0)
	statements := []Statement{{
		Effect:     "Allow",
		Subjects:   []string{"u1"},
		Actions:    []string{"get"},
		Resources:  []string{"r1"},
		Conditions: map[string]Condition{"ip": cidrMustCompile(t, "10.0.0.0/8")},
	}}
	err := m.Decide(statements, Request{Subject: "u1", Action: "get", Resource: "r1", Context: nil})
	require.NoError(t, err, "a condition whose key is absent from context must be skipped, not block")
}

func TestDecideConditionPresentMustBeSatisfied(t *testing.T) {
	m := NewMatcher(0)
	statements := []Statement{{
		Effect:     "Allow",
		Subjects:   []string{"u1"},
		Actions:    []string{"get"},
		Resources:  []string{"r1"},
		Conditions: map[string]Condition{"ip": cidrMustCompile(t, "10.0.0.0/8")},
	}}
	err := m.Decide(statements, Request{Subject: "u1", Action: "get", Resource: "r1", Context: map[string]interface{}{"ip": "192.168.1.1"}})
	require.Error(t, err)

	err = m.Decide(statements, Request{Subject: "u1", Action: "get", Resource: "r1", Context: map[string]interface{}{"ip": "10.1.2.3"}})
	require.NoError(t, err)
}

func cidrMustCompile(t *testing.T, cidrs ...string) Condition {
	t.Helper()
	nets, err := DecodeConditions(map[string][]byte{
		"ip": []byte(`{"type":"CIDR","cidrs":["` + cidrs[0] + `"]}`),
	})
	require.NoError(t, err)
	return nets["ip"]
}
