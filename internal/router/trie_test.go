package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sureshkrishnan-v/signalbus/internal/dispatch"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
)

func target(name string) dispatch.Target {
	return dispatch.Log{Name: name}
}

func sig(t *testing.T, typ string) *signal.Signal {
	t.Helper()
	s, err := signal.New(typ, "test", map[string]any{"amount": 150})
	require.NoError(t, err)
	return s
}

func amount(s *signal.Signal) int {
	data, _ := s.Data.(map[string]any)
	n, _ := data["amount"].(int)
	return n
}

func names(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Target.String()
	}
	return out
}

func TestRouteLiteralBeforeWildcard(t *testing.T) {
	trie, err := Build([]Route{
		{Path: "user.*", Target: target("A")},
		{Path: "user.created", Target: target("B")},
	}, nil)
	require.NoError(t, err)

	entries, err := trie.Route(sig(t, "user.created"))
	require.NoError(t, err)
	assert.Equal(t, []string{"log:B", "log:A"}, names(entries))
}

func TestRouteWildcards(t *testing.T) {
	trie, err := Build([]Route{
		{Path: "user.*", Target: target("single")},
		{Path: "user.**", Target: target("multi")},
		{Path: "**", Target: target("all")},
		{Path: "user.*.done", Target: target("mid")},
		{Path: "order.**.shipped", Target: target("deep")},
	}, nil)
	require.NoError(t, err)

	tests := []struct {
		typ  string
		want []string
	}{
		{"user", []string{"log:multi", "log:all"}},
		{"user.created", []string{"log:single", "log:multi", "log:all"}},
		{"user.profile.done", []string{"log:mid", "log:multi", "log:all"}},
		{"user.a.b.c", []string{"log:multi", "log:all"}},
		{"order.shipped", []string{"log:deep", "log:all"}},
		{"order.eu.west.shipped", []string{"log:deep", "log:all"}},
		{"billing", []string{"log:all"}},
	}

	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			entries, err := trie.Route(sig(t, tt.typ))
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(entries))
		})
	}
}

func TestRouteNoHandlers(t *testing.T) {
	trie, err := Build([]Route{{Path: "user.created", Target: target("A")}}, nil)
	require.NoError(t, err)

	_, err = trie.Route(sig(t, "user.deleted"))
	assert.ErrorIs(t, err, ErrNoHandlers)

	_, err = NewTrie().Route(sig(t, "user"))
	assert.ErrorIs(t, err, ErrNoHandlers)
}

func TestRoutePriorityAndTies(t *testing.T) {
	trie, err := Build([]Route{
		{Path: "a.b", Target: target("first"), Priority: 0},
		{Path: "a.b", Target: target("second"), Priority: 0},
		{Path: "a.b", Target: target("urgent"), Priority: 50},
		{Path: "a.b", Target: target("late"), Priority: -10},
	}, nil)
	require.NoError(t, err)

	entries, err := trie.Route(sig(t, "a.b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"log:urgent", "log:first", "log:second", "log:late"}, names(entries))
}

func TestRoutePredicates(t *testing.T) {
	trie, err := Build([]Route{
		{Path: "pay.*", Target: target("big"), Match: func(s *signal.Signal) bool {
			return amount(s) > 100
		}},
		{Path: "pay.*", Target: target("small"), Match: func(s *signal.Signal) bool {
			return amount(s) <= 100
		}},
		{Path: "pay.*", Target: target("plain")},
	}, nil)
	require.NoError(t, err)

	entries, err := trie.Route(sig(t, "pay.done"))
	require.NoError(t, err)
	assert.Equal(t, []string{"log:plain", "log:big"}, names(entries))
}

func TestRoutePredicatePanicIsNonMatch(t *testing.T) {
	trie := NewTrie()
	calls := 0
	require.NoError(t, trie.Add(Route{Path: "x", Target: target("p"), Match: func(s *signal.Signal) bool {
		calls++
		if s.Type == "x" {
			panic("bad payload")
		}
		return true
	}}))

	_, err := trie.Route(sig(t, "x"))
	assert.ErrorIs(t, err, ErrNoHandlers)
	assert.Equal(t, 2, calls, "probe at registration plus one match attempt")
}

func TestRouteMultiTargetExpanded(t *testing.T) {
	trie, err := Build([]Route{{
		Path:   "a",
		Target: dispatch.Multi{target("one"), target("two")},
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, trie.Count())

	entries, err := trie.Route(sig(t, "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"log:one", "log:two"}, names(entries))
	assert.Equal(t, entries[0].Complexity, entries[1].Complexity)
}

func TestBuildIsAtomic(t *testing.T) {
	base, err := Build([]Route{{Path: "a", Target: target("a")}}, nil)
	require.NoError(t, err)

	_, err = Build([]Route{
		{Path: "b", Target: target("b")},
		{Path: "c..d", Target: target("c")},
	}, base)
	require.ErrorIs(t, err, ErrInvalidPath)
	assert.Equal(t, 1, base.Count())

	next, err := Build([]Route{{Path: "b", Target: target("b")}}, base)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Count())
	assert.Equal(t, 1, base.Count(), "base trie is not mutated")
}

func TestRemovePrunes(t *testing.T) {
	trie, err := Build([]Route{
		{Path: "a.b.c", Target: target("abc")},
		{Path: "a.b.c", Target: target("abc2")},
		{Path: "a.x", Target: target("ax")},
	}, nil)
	require.NoError(t, err)

	n, err := trie.Remove("a.b.c")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, trie.Count())
	assert.NotContains(t, trie.root.children["a"].children, "b")

	n, err = trie.Remove("a.b.c")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = trie.Remove("a")
	require.NoError(t, err)
	assert.Zero(t, n, "intermediate node has no entries")

	_, err = trie.Remove("a..b")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestRemoveOwner(t *testing.T) {
	trie, err := Build([]Route{
		{Path: "a", Target: target("s1"), Owner: "s1"},
		{Path: "a", Target: target("s2"), Owner: "s2"},
		{Path: "a", Target: target("adhoc")},
	}, nil)
	require.NoError(t, err)

	n, err := trie.RemoveOwner("a", "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = trie.RemoveUnowned("a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := trie.Route(sig(t, "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"log:s2"}, names(entries))
}

func TestCollectSorted(t *testing.T) {
	trie, err := Build([]Route{
		{Path: "b.z", Target: target("bz")},
		{Path: "a", Target: target("a")},
		{Path: "b.a", Target: target("ba"), Priority: 3},
		{Path: "**", Target: target("all")},
	}, nil)
	require.NoError(t, err)

	routes := trie.Collect()
	paths := make([]string, len(routes))
	for i, r := range routes {
		paths[i] = r.Path
	}
	assert.Equal(t, []string{"**", "a", "b.a", "b.z"}, paths)
	assert.Equal(t, 3, routes[2].Priority)
	assert.Equal(t, 4, trie.Count())
}

func TestCloneIndependent(t *testing.T) {
	trie, err := Build([]Route{{Path: "a", Target: target("a")}}, nil)
	require.NoError(t, err)
	cp := trie.Clone()
	require.NoError(t, cp.Add(Route{Path: "a", Target: target("b")}))

	assert.Equal(t, 1, trie.Count())
	assert.Equal(t, 2, cp.Count())
}

func TestRouteTargetsDispatchable(t *testing.T) {
	var got []string
	fn := func(name string) dispatch.Target {
		return dispatch.NewFunc(name, func(context.Context, *signal.Signal) error {
			got = append(got, name)
			return nil
		})
	}
	trie, err := Build([]Route{
		{Path: "user.*", Target: fn("A")},
		{Path: "user.created", Target: fn("B")},
	}, nil)
	require.NoError(t, err)

	s := sig(t, "user.created")
	entries, err := trie.Route(s)
	require.NoError(t, err)
	d := dispatch.New()
	for _, e := range entries {
		require.NoError(t, d.Dispatch(context.Background(), s, e.Target))
	}
	assert.Equal(t, []string{"B", "A"}, got)
}
