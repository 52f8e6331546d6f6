// Package xmap implements the generic nested-keyed container described in
// spec §4.2, grounded on original_source/core/modules/replica/SemanticMaps.h
// and its test, testSemanticMap.cc. The C++ original hand-specializes
// WorkerMap/DatabaseMap/ChunkMap over std::map; Go generics let one Map[K,V]
// serve all of them, with ordered keys and the at/get/exists/keys operations
// the distillation names.
package xmap

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// Ordered is any key type with a natural order, matching the requirement
// that "iteration order over a single level is insertion-independent
// (ordered by the key's natural order)" (spec §4.2).
type Ordered interface {
	~string | ~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64
}

// Map is a single-level keyed container. The zero value is ready to use.
type Map[K Ordered, V any] struct {
	m map[K]V
}

// NewMap constructs an empty Map.
func NewMap[K Ordered, V any]() *Map[K, V] {
	return &Map[K, V]{m: make(map[K]V)}
}

// At returns a mutable reference semantics value for k, inserting the zero
// value of V if absent. Since Go maps of non-pointer V don't support
// in-place mutation through a returned reference, callers that need to
// mutate should store *V as the value type; At still provides the
// insert-if-absent half of the contract.
func (m *Map[K, V]) At(k K) V {
	if m.m == nil {
		m.m = make(map[K]V)
	}
	v, ok := m.m[k]
	if !ok {
		var zero V
		m.m[k] = zero
		return zero
	}
	return v
}

// Set stores v at k, used together with At for the "insert-default,
// mutate, store back" pattern callers use when V is not a pointer type.
func (m *Map[K, V]) Set(k K, v V) {
	if m.m == nil {
		m.m = make(map[K]V)
	}
	m.m[k] = v
}

// Get returns the value at k or an error if absent (spec: "get(k) ->
// lookup or throw").
func (m *Map[K, V]) Get(k K) (V, error) {
	v, ok := m.m[k]
	if !ok {
		var zero V
		return zero, errors.Newf("xmap: key %v not found", k)
	}
	return v, nil
}

// Exists reports whether k is present.
func (m *Map[K, V]) Exists(k K) bool {
	_, ok := m.m[k]
	return ok
}

// Delete removes k, a no-op if absent.
func (m *Map[K, V]) Delete(k K) {
	delete(m.m, k)
}

// Len returns the number of keys.
func (m *Map[K, V]) Len() int { return len(m.m) }

// Keys returns the keys in natural (ascending) order.
func (m *Map[K, V]) Keys() []K {
	keys := make([]K, 0, len(m.m))
	for k := range m.m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Range calls f for every key in ascending order, stopping early if f
// returns false.
func (m *Map[K, V]) Range(f func(k K, v V) bool) {
	for _, k := range m.Keys() {
		if !f(k, m.m[k]) {
			return
		}
	}
}
