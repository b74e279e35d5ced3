package kdmsg

import (
	"cmp"
	"fmt"
	"iter"

	rb "github.com/glycerine/rbtree"
)

// omap is an ordered map on a red-black tree. The
// transaction tables and the circuit index are omaps so
// that get/set/delete are O(log n) and so that shutdown
// walks open transactions in the same (id) order every run,
// which keeps link-loss tests reproducible.
//
// Like the builtin map, omap does no internal locking;
// the Conn mutex guards every omap it owns. Deleting the
// current key during an all() iteration is allowed.
type omap[K cmp.Ordered, V any] struct {
	version int64
	tree    *rb.Tree
}

type okv[K cmp.Ordered, V any] struct {
	key K
	val V
}

func newOmap[K cmp.Ordered, V any]() *omap[K, V] {
	return &omap[K, V]{
		tree: rb.NewTree(func(a, b rb.Item) int {
			ak := a.(*okv[K, V]).key
			bk := b.(*okv[K, V]).key
			return cmp.Compare(ak, bk)
		}),
	}
}

// Len returns the number of keys stored in the omap.
func (s *omap[K, V]) Len() int {
	return s.tree.Len()
}

func (s *omap[K, V]) String() (r string) {
	r = fmt.Sprintf("omap{ version:%v {", s.version)
	extra := ""
	for it := s.tree.Min(); !it.Limit(); it = it.Next() {
		kv := it.Item().(*okv[K, V])
		r += fmt.Sprintf("%v%v:%v", extra, kv.key, kv.val)
		extra = ", "
	}
	r += "}}"
	return
}

// get2 returns the val for key; found is false iff the
// key was not present.
func (s *omap[K, V]) get2(key K) (val V, found bool) {
	var it rb.Iterator
	it, found = s.tree.FindGE_isEqual(&okv[K, V]{key: key})
	if found {
		val = it.Item().(*okv[K, V]).val
	}
	return
}

func (s *omap[K, V]) has(key K) bool {
	_, found := s.tree.FindGE_isEqual(&okv[K, V]{key: key})
	return found
}

// set is an upsert; newlyAdded is true when key was absent.
func (s *omap[K, V]) set(key K, val V) (newlyAdded bool) {
	s.version++
	query := &okv[K, V]{key: key, val: val}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		it.Item().(*okv[K, V]).val = val
		return
	}
	s.tree.InsertGetIt(query)
	return true
}

// delkey deletes key from the omap, if present.
func (s *omap[K, V]) delkey(key K) (found bool) {
	var it rb.Iterator
	it, found = s.tree.FindGE_isEqual(&okv[K, V]{key: key})
	if found {
		s.version++
		s.tree.DeleteWithIterator(it)
	}
	return
}

// all iterates in key order. The caller may mutate the
// omap while iterating; after any change the walk resumes
// at the first key greater than the last one yielded.
func (s *omap[K, V]) all() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		it := s.tree.Min()
		for !it.Limit() {
			kv := it.Item().(*okv[K, V])
			next := it.Next()
			vers := s.version
			if !yield(kv.key, kv.val) {
				return
			}
			if s.version != vers {
				// re-seek past kv.key.
				next, _ = s.tree.FindGE_isEqual(&okv[K, V]{key: kv.key})
				if !next.Limit() && next.Item().(*okv[K, V]).key == kv.key {
					next = next.Next()
				}
			}
			it = next
		}
	}
}
