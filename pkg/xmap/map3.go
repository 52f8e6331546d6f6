package xmap

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// MergePolicy controls merge's behavior on a duplicate composite key.
type MergePolicy int

const (
	// MergeReject fails with a wrapped ErrDuplicateKey-shaped error when
	// the same composite key exists in both maps.
	MergeReject MergePolicy = iota
	// MergeSkip silently keeps dst's existing value on a duplicate key.
	MergeSkip
)

// ErrDuplicateKey is returned (wrapped) by Merge3 under MergeReject.
var ErrDuplicateKey = errors.New("xmap: duplicate key")

// ErrInvalidArgument is returned when an operation's arguments violate a
// precondition, e.g. merging a map with itself.
var ErrInvalidArgument = errors.New("xmap: invalid argument")

// Key3 is a composite 3-level key (k1, k2, k3), e.g. (worker, database,
// chunk) as used throughout the replica bookkeeping in pkg/replica.
type Key3[K1, K2, K3 Ordered] struct {
	K1 K1
	K2 K2
	K3 K3
}

// Map3 is a 3-level nested keyed container M[K1][K2][K3] -> V, used
// everywhere replicas are grouped by (worker, database, chunk) (spec §4.2).
// It is implemented as a flat map over the composite key rather than
// literal nested maps, which makes intersect/diff2/merge straightforward
// set algebra over map keys while preserving the same external contract
// (at/get/exists/keys per level, iteration in key order).
type Map3[K1, K2, K3 Ordered, V any] struct {
	m map[Key3[K1, K2, K3]]V
}

// NewMap3 constructs an empty Map3.
func NewMap3[K1, K2, K3 Ordered, V any]() *Map3[K1, K2, K3, V] {
	return &Map3[K1, K2, K3, V]{m: make(map[Key3[K1, K2, K3]]V)}
}

func (m *Map3[K1, K2, K3, V]) ensure() {
	if m.m == nil {
		m.m = make(map[Key3[K1, K2, K3]]V)
	}
}

// At inserts the zero value for (k1,k2,k3) if absent and returns the
// current value.
func (m *Map3[K1, K2, K3, V]) At(k1 K1, k2 K2, k3 K3) V {
	m.ensure()
	k := Key3[K1, K2, K3]{k1, k2, k3}
	v, ok := m.m[k]
	if !ok {
		var zero V
		m.m[k] = zero
		return zero
	}
	return v
}

// Set stores v at the composite key (k1,k2,k3).
func (m *Map3[K1, K2, K3, V]) Set(k1 K1, k2 K2, k3 K3, v V) {
	m.ensure()
	m.m[Key3[K1, K2, K3]{k1, k2, k3}] = v
}

// Get returns the value at (k1,k2,k3) or an error if absent.
func (m *Map3[K1, K2, K3, V]) Get(k1 K1, k2 K2, k3 K3) (V, error) {
	v, ok := m.m[Key3[K1, K2, K3]{k1, k2, k3}]
	if !ok {
		var zero V
		return zero, errors.Newf("xmap: composite key (%v,%v,%v) not found", k1, k2, k3)
	}
	return v, nil
}

// Exists reports whether the composite key is present.
func (m *Map3[K1, K2, K3, V]) Exists(k1 K1, k2 K2, k3 K3) bool {
	_, ok := m.m[Key3[K1, K2, K3]{k1, k2, k3}]
	return ok
}

// Delete removes the composite key, a no-op if absent.
func (m *Map3[K1, K2, K3, V]) Delete(k1 K1, k2 K2, k3 K3) {
	delete(m.m, Key3[K1, K2, K3]{k1, k2, k3})
}

// Len returns the number of composite keys present.
func (m *Map3[K1, K2, K3, V]) Len() int { return len(m.m) }

// Keys returns every composite key in lexicographic (k1, k2, k3) order,
// insertion-independent (spec §4.2).
func (m *Map3[K1, K2, K3, V]) Keys() []Key3[K1, K2, K3] {
	keys := make([]Key3[K1, K2, K3], 0, len(m.m))
	for k := range m.m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

func (k Key3[K1, K2, K3]) less(o Key3[K1, K2, K3]) bool {
	if k.K1 != o.K1 {
		return k.K1 < o.K1
	}
	if k.K2 != o.K2 {
		return k.K2 < o.K2
	}
	return k.K3 < o.K3
}

// Range calls f for every (key, value) pair in lexicographic key order,
// stopping early if f returns false.
func (m *Map3[K1, K2, K3, V]) Range(f func(k Key3[K1, K2, K3], v V) bool) {
	for _, k := range m.Keys() {
		if !f(k, m.m[k]) {
			return
		}
	}
}

// Intersect3 computes C[k1][k2][k3] = A[k1][k2][k3] for every composite key
// present in both A and B (spec §4.2).
func Intersect3[K1, K2, K3 Ordered, V any](a, b *Map3[K1, K2, K3, V]) *Map3[K1, K2, K3, V] {
	c := NewMap3[K1, K2, K3, V]()
	a.Range(func(k Key3[K1, K2, K3], v V) bool {
		if b.Exists(k.K1, k.K2, k.K3) {
			c.Set(k.K1, k.K2, k.K3, v)
		}
		return true
	})
	return c
}

// Diff2_3 partitions the symmetric difference of A and B into the two
// disjoint maps onlyA (keys in A but not B) and onlyB (keys in B but not
// A) (spec §4.2).
func Diff2_3[K1, K2, K3 Ordered, V any](a, b *Map3[K1, K2, K3, V]) (onlyA, onlyB *Map3[K1, K2, K3, V]) {
	onlyA = NewMap3[K1, K2, K3, V]()
	onlyB = NewMap3[K1, K2, K3, V]()
	a.Range(func(k Key3[K1, K2, K3], v V) bool {
		if !b.Exists(k.K1, k.K2, k.K3) {
			onlyA.Set(k.K1, k.K2, k.K3, v)
		}
		return true
	})
	b.Range(func(k Key3[K1, K2, K3], v V) bool {
		if !a.Exists(k.K1, k.K2, k.K3) {
			onlyB.Set(k.K1, k.K2, k.K3, v)
		}
		return true
	})
	return onlyA, onlyB
}

// Merge3 merges src into dst in place. Under MergeReject, a composite key
// present in both fails the whole operation with ErrDuplicateKey (dst is
// left partially merged, matching the source's "fails" semantics rather
// than attempting rollback). Under MergeSkip, duplicate keys keep dst's
// existing value and no error is returned. Merging a map with itself (dst
// == src) always fails with ErrInvalidArgument regardless of policy.
func Merge3[K1, K2, K3 Ordered, V any](dst, src *Map3[K1, K2, K3, V], policy MergePolicy) error {
	if dst == src {
		return errors.Wrap(ErrInvalidArgument, "xmap: cannot merge a map with itself")
	}
	var dup Key3[K1, K2, K3]
	var hasDup bool
	src.Range(func(k Key3[K1, K2, K3], v V) bool {
		if dst.Exists(k.K1, k.K2, k.K3) {
			if policy == MergeReject {
				dup = k
				hasDup = true
				return false
			}
			// MergeSkip: leave dst's existing value untouched.
			return true
		}
		dst.Set(k.K1, k.K2, k.K3, v)
		return true
	})
	if hasDup {
		return errors.Wrapf(ErrDuplicateKey, "xmap: composite key (%v,%v,%v) present in both maps", dup.K1, dup.K2, dup.K3)
	}
	return nil
}
