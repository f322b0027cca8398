package policy

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Condition evaluates a single typed check against a request's context
// value for the condition's key. A condition whose key is absent from the
// request context is skipped entirely by Decide, never reaching Satisfied.
type Condition interface {
	// Satisfied reports whether ctxValue (the raw context value for this
	// condition's key) satisfies the condition.
	Satisfied(ctxValue interface{}, req Request) (bool, error)
}

// DecodeConditions turns a Statement's raw per-type JSON into evaluators,
// keyed by the same context key the raw JSON was stored under.
func DecodeConditions(raw map[string][]byte) (map[string]Condition, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]Condition, len(raw))
	for key, data := range raw {
		var env conditionEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("policy: decode condition %q: %w", key, err)
		}
		cond, err := env.condition()
		if err != nil {
			return nil, fmt.Errorf("policy: decode condition %q: %w", key, err)
		}
		out[key] = cond
	}
	return out, nil
}

// conditionEnvelope mirrors the tagged-union shape of the condition JSON:
// {"type": "...", ...type-specific fields}.
type conditionEnvelope struct {
	Type string `json:"type"`

	Value    json.RawMessage `json:"value"`
	CIDRs    []string        `json:"cidrs"`
	Entries  []stringCmpEntry `json:"entries"`
	Matches  string          `json:"matches"`
	Bool     bool            `json:"bool"`
	Operator string          `json:"operator"`
	Format   string          `json:"format"`
	Location string          `json:"location"`
	Delim    string          `json:"delimiter"`
}

type stringCmpEntry struct {
	Equal      bool   `json:"equal"`
	IgnoreCase bool   `json:"ignore_case"`
	Value      string `json:"value"`
}

func (e conditionEnvelope) condition() (Condition, error) {
	switch e.Type {
	case "EqualsSubject":
		return equalsSubjectCondition{}, nil
	case "CIDR":
		nets := make([]*net.IPNet, 0, len(e.CIDRs))
		for _, c := range e.CIDRs {
			_, ipnet, err := net.ParseCIDR(c)
			if err != nil {
				return nil, fmt.Errorf("invalid cidr %q: %w", c, err)
			}
			nets = append(nets, ipnet)
		}
		return cidrCondition{cidrs: nets}, nil
	case "StringCmp":
		return stringCmpCondition{entries: e.Entries}, nil
	case "StringMatch":
		re, err := regexp.Compile(e.Matches)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", e.Matches, err)
		}
		return stringMatchCondition{re: re}, nil
	case "Boolean":
		return booleanCondition{want: e.Bool}, nil
	case "NumericCmp":
		var want float64
		if len(e.Value) > 0 {
			if err := json.Unmarshal(e.Value, &want); err != nil {
				return nil, fmt.Errorf("numeric condition value: %w", err)
			}
		}
		op, err := parseNumericOp(e.Operator)
		if err != nil {
			return nil, err
		}
		return numericCmpCondition{op: op, want: want}, nil
	case "TimeCmp":
		op, err := parseNumericOp(e.Operator)
		if err != nil {
			return nil, err
		}
		var want string
		if len(e.Value) > 0 {
			if err := json.Unmarshal(e.Value, &want); err != nil {
				return nil, fmt.Errorf("time condition value: %w", err)
			}
		}
		loc, err := parseTimeLocation(e.Location)
		if err != nil {
			return nil, err
		}
		return timeCmpCondition{op: op, format: e.Format, location: loc, want: want}, nil
	case "ResourceContains":
		var want string
		if len(e.Value) > 0 {
			if err := json.Unmarshal(e.Value, &want); err != nil {
				return nil, fmt.Errorf("resource contains value: %w", err)
			}
		}
		return resourceContainsCondition{value: want, delim: e.Delim}, nil
	default:
		return nil, fmt.Errorf("unknown condition type %q", e.Type)
	}
}

// equalsSubjectCondition checks the context value equals req.Subject.
type equalsSubjectCondition struct{}

func (equalsSubjectCondition) Satisfied(ctxValue interface{}, req Request) (bool, error) {
	s, ok := ctxValue.(string)
	if !ok {
		return false, nil
	}
	return s == req.Subject, nil
}

// cidrCondition checks the context value is an IP contained in every listed CIDR.
type cidrCondition struct {
	cidrs []*net.IPNet
}

func (c cidrCondition) Satisfied(ctxValue interface{}, _ Request) (bool, error) {
	s, ok := ctxValue.(string)
	if !ok {
		return false, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return false, nil
	}
	for _, n := range c.cidrs {
		if !n.Contains(ip) {
			return false, nil
		}
	}
	return true, nil
}

// stringCmpCondition ANDs a set of (equal, ignore_case, value) checks
// against the context value.
type stringCmpCondition struct {
	entries []stringCmpEntry
}

func (c stringCmpCondition) Satisfied(ctxValue interface{}, _ Request) (bool, error) {
	s, ok := ctxValue.(string)
	if !ok {
		return false, nil
	}
	for _, e := range c.entries {
		lhs, rhs := s, e.Value
		if e.IgnoreCase {
			lhs, rhs = strings.ToLower(lhs), strings.ToLower(rhs)
		}
		eq := lhs == rhs
		if eq != e.Equal {
			return false, nil
		}
	}
	return true, nil
}

// stringMatchCondition regex-matches the context value.
type stringMatchCondition struct {
	re *regexp.Regexp
}

func (c stringMatchCondition) Satisfied(ctxValue interface{}, _ Request) (bool, error) {
	s, ok := ctxValue.(string)
	if !ok {
		return false, nil
	}
	return c.re.MatchString(s), nil
}

// booleanCondition checks the context value equals a configured bool.
type booleanCondition struct {
	want bool
}

func (c booleanCondition) Satisfied(ctxValue interface{}, _ Request) (bool, error) {
	b, ok := ctxValue.(bool)
	if !ok {
		return false, nil
	}
	return b == c.want, nil
}

type numericOp string

const (
	opEq numericOp = "=="
	opNe numericOp = "!="
	opGt numericOp = ">"
	opGe numericOp = ">="
	opLt numericOp = "<"
	opLe numericOp = "<="
)

func parseNumericOp(s string) (numericOp, error) {
	switch numericOp(s) {
	case opEq, opNe, opGt, opGe, opLt, opLe:
		return numericOp(s), nil
	default:
		return "", fmt.Errorf("unknown comparison operator %q", s)
	}
}

func compareOrdered[T int | int64 | float64](lhs T, op numericOp, rhs T) bool {
	switch op {
	case opEq:
		return lhs == rhs
	case opNe:
		return lhs != rhs
	case opGt:
		return lhs > rhs
	case opGe:
		return lhs >= rhs
	case opLt:
		return lhs < rhs
	case opLe:
		return lhs <= rhs
	}
	return false
}

// numericCmpCondition compares the context value (float64/int64/uint64,
// or a numeric string) against a configured value.
type numericCmpCondition struct {
	op   numericOp
	want float64
}

func (c numericCmpCondition) Satisfied(ctxValue interface{}, _ Request) (bool, error) {
	got, ok := toFloat64(ctxValue)
	if !ok {
		return false, nil
	}
	return compareOrdered(got, c.op, c.want), nil
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// timeCmpCondition parses the context value and the configured value per
// format/location, then compares them.
type timeCmpCondition struct {
	op       numericOp
	format   string
	location *time.Location
	want     string
}

func (c timeCmpCondition) Satisfied(ctxValue interface{}, _ Request) (bool, error) {
	s, ok := ctxValue.(string)
	if !ok {
		return false, nil
	}
	got, err := parseConditionTime(s, c.format, c.location)
	if err != nil {
		return false, nil
	}
	want, err := parseConditionTime(c.want, c.format, c.location)
	if err != nil {
		return false, nil
	}
	return compareOrdered(got.UnixNano(), c.op, want.UnixNano()), nil
}

func parseTimeLocation(name string) (*time.Location, error) {
	switch strings.ToUpper(name) {
	case "", "UTC":
		return time.UTC, nil
	case "LOCAL":
		return time.Local, nil
	case "UNIX", "UNIXNANO":
		// handled specially in parseConditionTime; location is irrelevant.
		return time.UTC, nil
	default:
		return time.LoadLocation(name)
	}
}

func parseConditionTime(s, format string, loc *time.Location) (time.Time, error) {
	switch strings.ToUpper(format) {
	case "UNIX":
		sec, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(sec, 0), nil
	case "UNIXNANO":
		nsec, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, nsec), nil
	case "":
		return time.ParseInLocation(time.RFC3339, s, loc)
	default:
		return time.ParseInLocation(format, s, loc)
	}
}

// resourceContainsCondition checks that value appears within req.Resource,
// optionally split on delimiter.
type resourceContainsCondition struct {
	value string
	delim string
}

func (c resourceContainsCondition) Satisfied(_ interface{}, req Request) (bool, error) {
	if c.delim == "" {
		return strings.Contains(req.Resource, c.value), nil
	}
	for _, part := range strings.Split(req.Resource, c.delim) {
		if part == c.value {
			return true, nil
		}
	}
	return false, nil
}
