// Package policy implements the Allow/Deny statement matcher: angle-bracket
// glob patterns compiled to regular expressions, LRU-cached, plus the
// condition evaluators a Statement can attach to a match.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultCacheSize bounds how many compiled patterns the process keeps
// around; each entity kind's matcher shares one cache.
const defaultCacheSize = 4096

// Matcher compiles angle-bracket glob patterns into regular expressions and
// caches the result, since the same pattern is evaluated against every
// request that reaches authorization.
type Matcher struct {
	cache *lru.Cache[string, *regexp.Regexp]
	mu    sync.Mutex
}

// NewMatcher returns a Matcher backed by an LRU cache of the given size.
// A size <= 0 uses the default of 4096.
func NewMatcher(size int) *Matcher {
	if size <= 0 {
		size = defaultCacheSize
	}
	c, err := lru.New[string, *regexp.Regexp](size)
	if err != nil {
		// Only returns an error for size <= 0, which NewMatcher never passes.
		panic(err)
	}
	return &Matcher{cache: c}
}

// Match reports whether subject satisfies pattern. Patterns are literal text
// with embedded `<regex>` segments: anything inside angle brackets is
// compiled verbatim as a regular expression sub-pattern, anything outside
// is escaped and matched literally. A bare pattern of "*" matches anything.
func (m *Matcher) Match(pattern, subject string) (bool, error) {
	re, err := m.compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(subject), nil
}

func (m *Matcher) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := m.cache.Get(pattern); ok {
		return re, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check after acquiring the lock in case another goroutine won the race.
	if re, ok := m.cache.Get(pattern); ok {
		return re, nil
	}

	expr, err := compileExpr(pattern)
	if err != nil {
		return nil, fmt.Errorf("policy: invalid pattern %q: %w", pattern, err)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("policy: invalid pattern %q: %w", pattern, err)
	}
	m.cache.Add(pattern, re)
	return re, nil
}

// compileExpr converts an angle-bracket glob into an anchored regular
// expression source string.
func compileExpr(pattern string) (string, error) {
	if pattern == "*" {
		return "^.*$", nil
	}

	var b strings.Builder
	b.WriteByte('^')

	depth := 0
	literal := strings.Builder{}
	flushLiteral := func() {
		if literal.Len() > 0 {
			b.WriteString(regexp.QuoteMeta(literal.String()))
			literal.Reset()
		}
	}

	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '<':
			if depth == 0 {
				flushLiteral()
			} else {
				return "", fmt.Errorf("nested '<' at offset %d", i)
			}
			depth++
		case '>':
			depth--
			if depth < 0 {
				return "", fmt.Errorf("unmatched '>' at offset %d", i)
			}
			if depth == 0 {
				// the regex body was accumulated in literal while depth>0;
				// write it unescaped, wrapped as a capturing group so
				// alternation inside the delimiters doesn't leak out to the
				// surrounding anchors.
				b.WriteString("(" + literal.String() + ")")
				literal.Reset()
			}
		default:
			literal.WriteByte(c)
		}
	}
	if depth != 0 {
		return "", fmt.Errorf("unterminated '<' in pattern %q", pattern)
	}
	flushLiteral()
	b.WriteByte('$')
	return b.String(), nil
}
