package guarded

import (
	"github.com/llxisdsh/pb"
)

// Group is a concurrent collection of RW wrappers, one per key: a
// guarded value namespace. Get materializes the wrapper for a key on
// first use, so independent keys lock independently.
//
// Usage:
//
//	var sessions guarded.Group[string, Session]
//
//	w := sessions.Get(id).Write()
//	w.Value().LastSeen = now
//	w.Release()
//
// The zero value is ready to use.
type Group[K comparable, V any] struct {
	_ noCopy
	m pb.MapOf[K, *RW[V]]
}

// Get returns the wrapper for key, creating it (around a zero V) if
// this is the key's first use. All callers of the same key get the
// same wrapper.
func (g *Group[K, V]) Get(key K) *RW[V] {
	u, _ := g.m.ProcessEntry(
		key,
		func(l *pb.EntryOf[K, *RW[V]]) (*pb.EntryOf[K, *RW[V]], *RW[V], bool) {
			if l != nil {
				return l, l.Value, true
			}
			u := NewRW(*new(V))
			return &pb.EntryOf[K, *RW[V]]{Value: u}, u, false
		},
	)
	return u
}

// Load returns the wrapper for key if it exists.
func (g *Group[K, V]) Load(key K) (*RW[V], bool) {
	return g.m.Load(key)
}

// Delete forgets the wrapper of key. Goroutines still holding the
// wrapper keep a working lock; they just no longer share it with
// future Get callers.
func (g *Group[K, V]) Delete(key K) {
	g.m.Delete(key)
}

// Range calls fn for every key until fn returns false.
func (g *Group[K, V]) Range(fn func(K, *RW[V]) bool) {
	g.m.Range(fn)
}
