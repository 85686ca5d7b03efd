package crdt

import "strings"

// pathEntry is a live leaf value in the map, grounded on
// original_source/python/collabkit/crdt/map.py's `_entries`.
type pathEntry struct {
	value  any
	ts     float64
	origin string
}

// pathTombstone records a deletion at a path.
type pathTombstone struct {
	ts     float64
	origin string
}

// LWWMap is a last-writer-wins map over hierarchical paths: a document where
// every leaf converges independently via LWW, and whole subtrees can be
// deleted with a single tombstone.
type LWWMap struct {
	opLog
	entries    map[string]pathEntry
	tombstones map[string]pathTombstone
}

// NewLWWMap returns an empty map.
func NewLWWMap() *LWWMap {
	return &LWWMap{
		opLog:      newOpLog(),
		entries:    make(map[string]pathEntry),
		tombstones: make(map[string]pathTombstone),
	}
}

func joinPath(path []string) string { return strings.Join(path, ".") }

// isNewer is the shared (ts, origin) comparator used by both entries and
// tombstones.
func isNewer(ts1 float64, origin1 string, ts2 float64, origin2 string) bool {
	return greaterThan(ts1, origin1, ts2, origin2)
}

// Set builds and applies a set operation at path. If value is a map, it is
// flattened into one scalar set per leaf path, each stamped with the same
// ts/origin, mirroring map.py's `_flatten_set`. The caller supplies an id
// generator so each flattened leaf gets a distinct operation id.
func (m *LWWMap) Set(path []string, value any, ts float64, origin string, nextID func() string) []Operation {
	var ops []Operation
	m.flattenSet(path, value, ts, origin, nextID, &ops)
	for _, op := range ops {
		m.Apply(op)
	}
	return ops
}

func (m *LWWMap) flattenSet(path []string, value any, ts float64, origin string, nextID func() string, out *[]Operation) {
	if nested, ok := value.(map[string]any); ok {
		if len(nested) == 0 {
			*out = append(*out, Operation{ID: nextID(), Ts: ts, Origin: origin, Path: append([]string{}, path...), Kind: OpSet, Value: map[string]any{}})
			return
		}
		for k, v := range nested {
			m.flattenSet(append(append([]string{}, path...), k), v, ts, origin, nextID, out)
		}
		return
	}
	*out = append(*out, Operation{ID: nextID(), Ts: ts, Origin: origin, Path: append([]string{}, path...), Kind: OpSet, Value: value})
}

// Delete builds and applies a tombstone operation at path.
func (m *LWWMap) Delete(path []string, ts float64, origin, opID string) Operation {
	op := Operation{ID: opID, Ts: ts, Origin: origin, Path: append([]string{}, path...), Kind: OpDelete}
	m.Apply(op)
	return op
}

// Apply routes op to the set or delete handler. Idempotent on op.ID.
func (m *LWWMap) Apply(op Operation) bool {
	if m.hasSeen(op.ID) {
		return false
	}
	m.record(op)
	switch op.Kind {
	case OpSet:
		return m.applySet(op)
	case OpDelete:
		return m.applyDelete(op)
	default:
		return false
	}
}

func (m *LWWMap) applySet(op Operation) bool {
	key := joinPath(op.Path)
	if cur, ok := m.entries[key]; ok && !isNewer(op.Ts, op.Origin, cur.ts, cur.origin) {
		return false
	}
	m.entries[key] = pathEntry{value: op.Value, ts: op.Ts, origin: op.Origin}
	return true
}

func (m *LWWMap) applyDelete(op Operation) bool {
	key := joinPath(op.Path)
	if cur, ok := m.tombstones[key]; ok && !isNewer(op.Ts, op.Origin, cur.ts, cur.origin) {
		return false
	}
	m.tombstones[key] = pathTombstone{ts: op.Ts, origin: op.Origin}
	return true
}

// Merge replays every operation from other not yet seen locally.
func (m *LWWMap) Merge(other *LWWMap) {
	for _, op := range other.allOperations() {
		if !m.hasSeen(op.ID) {
			m.Apply(op)
		}
	}
}

// hiddenByTombstone reports whether the leaf at key is shadowed by a
// tombstone at key or any ancestor prefix whose ts is >= the entry's ts,
// per spec §4.2.
func (m *LWWMap) hiddenByTombstone(key string, entryTs float64, _ string) bool {
	segments := strings.Split(key, ".")
	for i := len(segments); i >= 0; i-- {
		prefix := strings.Join(segments[:i], ".")
		if tomb, ok := m.tombstones[prefix]; ok && tomb.ts >= entryTs {
			return true
		}
	}
	return false
}

// Get returns the live value at path: a scalar leaf, a reconstructed nested
// object of live descendants, or nil if absent/deleted.
func (m *LWWMap) Get(path []string) any {
	prefix := joinPath(path)
	if entry, ok := m.entries[prefix]; ok && !m.hiddenByTombstone(prefix, entry.ts, entry.origin) {
		return entry.value
	}
	sub := m.subtree(prefix)
	if len(sub) == 0 {
		return nil
	}
	return sub
}

// subtree reconstructs the nested object of every live leaf whose path is
// strictly under prefix (or every live leaf, if prefix is empty).
func (m *LWWMap) subtree(prefix string) map[string]any {
	result := map[string]any{}
	for key, entry := range m.entries {
		if prefix != "" && !strings.HasPrefix(key, prefix+".") {
			continue
		}
		if m.hiddenByTombstone(key, entry.ts, entry.origin) {
			continue
		}
		rel := key
		if prefix != "" {
			rel = strings.TrimPrefix(key, prefix+".")
		}
		segments := strings.Split(rel, ".")
		insertNested(result, segments, entry.value)
	}
	return result
}

// insertNested writes value at segments within dst, creating intermediate
// maps as needed. subtree iterates entries in Go's randomized map order, so a
// scalar leaf and a deeper leaf under the same prefix can arrive in either
// order; an existing map at the target key is never overwritten by a scalar,
// so the child always wins on conflict regardless of iteration order.
func insertNested(dst map[string]any, segments []string, value any) {
	if len(segments) == 1 {
		if _, isMap := dst[segments[0]].(map[string]any); isMap {
			return
		}
		dst[segments[0]] = value
		return
	}
	head := segments[0]
	child, ok := dst[head].(map[string]any)
	if !ok {
		child = map[string]any{}
		dst[head] = child
	}
	insertNested(child, segments[1:], value)
}

// Value reconstructs the whole live document as a nested map.
func (m *LWWMap) Value() map[string]any {
	return m.subtree("")
}

// OperationsSince delegates to the shared log.
func (m *LWWMap) OperationsSince(ts float64) []Operation { return m.operationsSince(ts) }

// AllOperations delegates to the shared log.
func (m *LWWMap) AllOperations() []Operation { return m.allOperations() }

// Version exposes the map's version vector, used by sync responses.
func (m *LWWMap) Version() *VersionVector { return m.version }

// mapState is the round-trip-safe serialization of an LWWMap: the full
// operation log is sufficient to rebuild entries and tombstones.
type mapState struct {
	Operations []Operation `json:"operations"`
}

// State returns a round-trip-safe snapshot.
func (m *LWWMap) State() mapState {
	return mapState{Operations: m.allOperations()}
}

// FromMapState rebuilds an LWWMap from a previously captured State.
func FromMapState(s mapState) *LWWMap {
	m := NewLWWMap()
	for _, op := range s.Operations {
		m.Apply(op)
	}
	return m
}
