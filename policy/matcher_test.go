package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileExprAlternation(t *testing.T) {
	m := NewMatcher(0)

	ok, err := m.Match("<foo|bar>", "foo")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Match("<foo|bar>", "bar")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Match("<foo|bar>", "foobar")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompileExprMixedLiteralAndGroup(t *testing.T) {
	m := NewMatcher(0)

	ok, err := m.Match(`a<\d+>b`, "a123b")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Match(`a<\d+>b`, "ab")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompileExprUnbalancedDelimiters(t *testing.T) {
	m := NewMatcher(0)

	_, err := m.Match("foo<bar", "foo")
	require.Error(t, err)

	_, err = m.Match("foo>bar", "foo")
	require.Error(t, err)

	_, err = m.Match("foo<<bar>>baz", "foo")
	require.Error(t, err)
}

func TestCompileExprLiteralIsEscaped(t *testing.T) {
	m := NewMatcher(0)

	ok, err := m.Match("foo.bar<\\d+>", "fooXbar123")
	require.NoError(t, err)
	require.False(t, ok, "the literal '.' must not match an arbitrary character")
}

func TestMatcherCachesCompiledPattern(t *testing.T) {
	m := NewMatcher(0)

	_, err := m.Match("<foo>", "foo")
	require.NoError(t, err)
	require.Equal(t, 1, m.cache.Len())

	_, err = m.Match("<foo>", "nope")
	require.NoError(t, err)
	require.Equal(t, 1, m.cache.Len(), "second call with the same pattern must hit the cache")
}
