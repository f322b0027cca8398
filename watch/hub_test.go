package watch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHubNotifyOrdering(t *testing.T) {
	h := NewHub[string](10)

	var got []string
	guard := h.Watch(0, func(ev Event[string]) bool {
		got = append(got, ev.Object)
		return true
	}, nil)
	defer guard.Close()

	h.Notify(Create, "a")
	h.Notify(Put, "b")
	h.Notify(Delete, "c")

	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestHubCatchUpDeliversOnlyMostRecent(t *testing.T) {
	h := NewHub[string](10)

	h.Notify(Create, "a")
	h.Notify(Put, "b")
	h.Notify(Put, "c")

	var got []string
	guard := h.Watch(0, func(ev Event[string]) bool {
		got = append(got, ev.Object)
		return true
	}, nil)

	require.Equal(t, []string{"c"}, got, "a late watcher only ever sees the most recent missed event")

	// The catch-up path never registers a live subscription, so closing the
	// returned guard must not affect notify fan-out or invoke onDrop.
	guard.Close()
	h.Notify(Put, "d")
	require.Equal(t, []string{"c"}, got)
}

func TestHubWatchNoBacklogRegistersLiveSubscription(t *testing.T) {
	h := NewHub[string](10)

	var got []string
	guard := h.Watch(0, func(ev Event[string]) bool {
		got = append(got, ev.Object)
		return true
	}, nil)

	h.Notify(Create, "x")
	require.Equal(t, []string{"x"}, got)

	guard.Close()
	h.Notify(Create, "y")
	require.Equal(t, []string{"x"}, got, "closed watcher must not receive further events")
}

func TestHubHandlerUnsubscribeByReturningFalse(t *testing.T) {
	h := NewHub[string](10)

	calls := 0
	var dropped bool
	h.Watch(0, func(ev Event[string]) bool {
		calls++
		return false
	}, func() { dropped = true })

	h.Notify(Create, "x")
	require.Equal(t, 1, calls)
	require.True(t, dropped)

	h.Notify(Create, "y")
	require.Equal(t, 1, calls, "handler unsubscribed after returning false")
}

func TestHubDropCountMatchesLiveGuardCount(t *testing.T) {
	h := NewHub[string](10)

	var drops int32
	var mu sync.Mutex
	liveGuards := 0

	for i := 0; i < 5; i++ {
		g := h.Watch(0, func(ev Event[string]) bool { return true }, func() {
			mu.Lock()
			drops++
			mu.Unlock()
		})
		if _, ok := g.(noopGuard); !ok {
			liveGuards++
		}
		g.Close()
	}

	require.Equal(t, liveGuards, int(drops))
}

func TestHubHistoryBounded(t *testing.T) {
	h := NewHub[int](3)
	for i := 0; i < 10; i++ {
		h.Notify(Put, i)
	}
	require.Equal(t, 3, h.Len())
}

func TestHubWatcherCount(t *testing.T) {
	h := NewHub[int](10)
	require.Equal(t, 0, h.WatcherCount())

	g1 := h.Watch(0, func(Event[int]) bool { return true }, nil)
	require.Equal(t, 1, h.WatcherCount())

	g2 := h.Watch(0, func(Event[int]) bool { return true }, nil)
	require.Equal(t, 2, h.WatcherCount())

	g1.Close()
	require.Equal(t, 1, h.WatcherCount())
	g2.Close()
	require.Equal(t, 0, h.WatcherCount())
}
