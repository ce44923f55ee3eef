package guarded

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestGroupGetSameWrapper(t *testing.T) {
	var g Group[string, int]
	a := g.Get("k")
	b := g.Get("k")
	assert.Same(t, a, b)
	assert.NotSame(t, a, g.Get("other"))
}

func TestGroupConcurrentGet(t *testing.T) {
	var g Group[string, int]

	wrappers := make([]*RW[int], 16)
	var eg errgroup.Group
	for i := range wrappers {
		i := i
		eg.Go(func() error {
			wrappers[i] = g.Get("shared")
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	for _, u := range wrappers[1:] {
		assert.Same(t, wrappers[0], u)
	}
}

func TestGroupGuardedCounters(t *testing.T) {
	var g Group[int, int]

	var eg errgroup.Group
	for k := 0; k < 4; k++ {
		k := k
		for range 4 {
			eg.Go(func() error {
				for range 500 {
					w := g.Get(k).Write()
					*w.Value()++
					w.Release()
				}
				return nil
			})
		}
	}
	require.NoError(t, eg.Wait())

	for k := 0; k < 4; k++ {
		r := g.Get(k).Read()
		assert.Equal(t, 2000, *r.Value())
		r.Release()
	}
}

func TestGroupLoadDelete(t *testing.T) {
	var g Group[string, int]
	_, ok := g.Load("k")
	assert.False(t, ok)

	old := g.Get("k")
	got, ok := g.Load("k")
	require.True(t, ok)
	assert.Same(t, old, got)

	g.Delete("k")
	_, ok = g.Load("k")
	assert.False(t, ok)
	assert.NotSame(t, old, g.Get("k"), "deleted key must get a fresh wrapper")
}

func TestGroupRange(t *testing.T) {
	var g Group[string, int]
	g.Get("a")
	g.Get("b")

	seen := map[string]bool{}
	g.Range(func(k string, u *RW[int]) bool {
		seen[k] = u != nil
		return true
	})
	assert.Equal(t, map[string]bool{"a": true, "b": true}, seen)
}
