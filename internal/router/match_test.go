package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sureshkrishnan-v/signalbus/internal/dispatch"
)

func multiOf(targets ...dispatch.Target) dispatch.Multi {
	return dispatch.Multi(targets)
}

func TestMatches(t *testing.T) {
	tests := []struct {
		pattern string
		typ     string
		want    bool
	}{
		{"user.created", "user.created", true},
		{"user.created", "user.deleted", false},
		{"user.*", "user.created", true},
		{"user.*", "user", false},
		{"user.*", "user.a.b", false},
		{"user.**", "user", true},
		{"user.**", "user.a.b", true},
		{"**", "anything.at.all", true},
		{"a.**.z", "a.z", true},
		{"a.**.z", "a.b.c.z", true},
		{"a.**.z", "a.b.c", false},
		{"*.created", "order.created", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.typ, func(t *testing.T) {
			got, err := Matches(tt.pattern, tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchesAgreesWithTrie(t *testing.T) {
	patterns := []string{"a", "a.*", "a.**", "*.b", "**", "a.**.c", "*.*.c"}
	types := []string{"a", "a.b", "a.b.c", "x.b", "a.x.y.c", "q"}

	for _, p := range patterns {
		trie, err := Build([]Route{{Path: p, Target: target(p)}}, nil)
		require.NoError(t, err)
		m, err := NewMatcher(p)
		require.NoError(t, err)

		for _, typ := range types {
			_, routeErr := trie.Route(sig(t, typ))
			want := routeErr == nil
			assert.Equal(t, want, m.Match(typ), "pattern %q type %q", p, typ)
		}
	}
}

func TestMatchesRejectsInvalidPattern(t *testing.T) {
	_, err := Matches("a..b", "a.b")
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = NewMatcher("a.**.**")
	assert.ErrorIs(t, err, ErrInvalidPath)
}
