package router

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachePutGetDelete(t *testing.T) {
	c := NewCache()
	assert.False(t, c.Cached("bus"))

	trie, err := Build([]Route{{Path: "a.*", Target: target("a")}}, nil)
	require.NoError(t, err)
	c.Put("bus", trie)
	assert.True(t, c.Cached("bus"))

	entries, err := c.Route("bus", sig(t, "a.b"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Later mutations of the source trie are not visible through the cache.
	require.NoError(t, trie.Add(Route{Path: "a.b", Target: target("b")}))
	entries, err = c.Route("bus", sig(t, "a.b"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	c.Delete("bus")
	c.Delete("bus")
	assert.False(t, c.Cached("bus"))
	_, err = c.Route("bus", sig(t, "a.b"))
	assert.ErrorIs(t, err, ErrNoHandlers)
}

func TestCacheConcurrentReads(t *testing.T) {
	c := NewCache()
	trie, err := Build([]Route{{Path: "**", Target: target("all")}}, nil)
	require.NoError(t, err)
	c.Put("k", trie)

	s := sig(t, "x.y.z")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if j%50 == 0 && i == 0 {
					c.Put("k", trie)
				}
				_, err := c.Route("k", s)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
}
