package replica

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// entry is one map slot. A dead entry (tombstone) keeps its clock so that a
// concurrent re-add with a lower clock loses the merge.
type entry struct {
	clock     uint64
	actor     string
	tombstone bool
	scalar    any
	child     *Map
}

func (e *entry) value() any {
	if e.child != nil {
		return e.child
	}
	return e.scalar
}

// newer reports whether (clock, actor) orders after the entry.
func (e *entry) olderThan(clock uint64, actor string) bool {
	return clock > e.clock || (clock == e.clock && actor > e.actor)
}

// Map is a string-keyed container. Values are scalars or nested Maps.
type Map struct {
	doc     *Doc
	path    []string
	entries map[string]*entry

	observers     map[int]func(MapEvent)
	deepObservers map[int]func([]MapEvent)
	nextObsID     int
}

func newMap(d *Doc, path []string) *Map {
	return &Map{
		doc:           d,
		path:          path,
		entries:       map[string]*entry{},
		observers:     map[int]func(MapEvent){},
		deepObservers: map[int]func([]MapEvent){},
	}
}

// Path returns the container's path from its top-level root.
func (m *Map) Path() []string { return m.path }

// Get returns the live value at key: a scalar or a *Map.
func (m *Map) Get(key string) (any, bool) {
	e, ok := m.entries[key]
	if !ok || e.tombstone {
		return nil, false
	}
	return e.value(), true
}

// GetMap returns the nested map at key, if the value is one.
func (m *Map) GetMap(key string) (*Map, bool) {
	e, ok := m.entries[key]
	if !ok || e.tombstone || e.child == nil {
		return nil, false
	}
	return e.child, true
}

// Has reports whether key holds a live value.
func (m *Map) Has(key string) bool {
	e, ok := m.entries[key]
	return ok && !e.tombstone
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.tombstone {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live entries.
func (m *Map) Len() int {
	n := 0
	for _, e := range m.entries {
		if !e.tombstone {
			n++
		}
	}
	return n
}

// Set writes a scalar value at key.
func (m *Map) Set(tx *Tx, key string, v any) {
	m.record(tx, key)
	m.entries[key] = &entry{clock: m.doc.tick(), actor: m.doc.actor, scalar: v}
}

// SetMap creates (or returns the existing) nested map at key.
func (m *Map) SetMap(tx *Tx, key string) *Map {
	if child, ok := m.GetMap(key); ok {
		return child
	}
	m.record(tx, key)
	child := newMap(m.doc, append(append([]string{}, m.path...), key))
	m.entries[key] = &entry{clock: m.doc.tick(), actor: m.doc.actor, child: child}
	return child
}

// Delete tombstones the entry at key. Deleting an absent key is a no-op.
func (m *Map) Delete(tx *Tx, key string) {
	e, ok := m.entries[key]
	if !ok || e.tombstone {
		return
	}
	m.record(tx, key)
	m.entries[key] = &entry{clock: m.doc.tick(), actor: m.doc.actor, tombstone: true}
}

// Snapshot returns the live contents as a plain value tree; nested maps
// become map[string]any.
func (m *Map) Snapshot() map[string]any {
	out := map[string]any{}
	for k, e := range m.entries {
		if e.tombstone {
			continue
		}
		if e.child != nil {
			out[k] = e.child.Snapshot()
		} else {
			out[k] = e.scalar
		}
	}
	return out
}

// Observe registers a shallow observer fired once per transaction that
// touches this container. Returns an unsubscribe func.
func (m *Map) Observe(fn func(MapEvent)) func() {
	m.nextObsID++
	id := m.nextObsID
	m.observers[id] = fn
	return func() { delete(m.observers, id) }
}

// ObserveDeep registers an observer over this container's whole subtree;
// it receives every map event under it, path-annotated. Only meaningful on
// top-level containers.
func (m *Map) ObserveDeep(fn func([]MapEvent)) func() {
	m.nextObsID++
	id := m.nextObsID
	m.deepObservers[id] = fn
	return func() { delete(m.deepObservers, id) }
}

func (m *Map) notify(ev MapEvent) {
	for _, id := range sortedSubIDs(m.observers) {
		if fn, ok := m.observers[id]; ok {
			fn(ev)
		}
	}
}

func (m *Map) notifyDeep(evs []MapEvent) {
	for _, id := range sortedSubIDs(m.deepObservers) {
		if fn, ok := m.deepObservers[id]; ok {
			fn(evs)
		}
	}
}

func (m *Map) detachAll() {
	m.observers = map[int]func(MapEvent){}
	m.deepObservers = map[int]func([]MapEvent){}
	for _, e := range m.entries {
		if e.child != nil {
			e.child.detachAll()
		}
	}
}

// record captures the pre-write state of key into the open transaction.
func (m *Map) record(tx *Tx, key string) {
	rec := mapRecord{m: m, key: key}
	if e, ok := m.entries[key]; ok && !e.tombstone {
		rec.hadOld = true
		if e.child != nil {
			rec.oldVal = e.child.Snapshot()
			rec.oldWasMap = true
		} else {
			rec.oldVal = e.scalar
		}
	}
	tx.mapRecs = append(tx.mapRecs, rec)
}

func (m *Map) encode() (encMap, error) {
	em := encMap{Entries: map[string]encEntry{}}
	for k, e := range m.entries {
		ee := encEntry{Clock: e.clock, Actor: e.actor, Tombstone: e.tombstone}
		switch {
		case e.tombstone:
		case e.child != nil:
			child, err := e.child.encode()
			if err != nil {
				return encMap{}, err
			}
			ee.Child = &child
		default:
			raw, err := json.Marshal(e.scalar)
			if err != nil {
				return encMap{}, fmt.Errorf("key %q: %w", k, err)
			}
			ee.Scalar = raw
		}
		em.Entries[k] = ee
	}
	return em, nil
}

// merge folds an incoming encoded map into this one, last writer wins per
// entry, recursing where both sides hold live nested maps.
func (m *Map) merge(tx *Tx, em encMap) {
	for _, key := range sortedEntryKeys(em.Entries) {
		in := em.Entries[key]
		cur, exists := m.entries[key]

		if exists && cur.child != nil && !cur.tombstone && in.Child != nil && !in.Tombstone {
			// Both live nested maps: structural merge, entry metadata
			// advances to the larger clock.
			cur.child.merge(tx, *in.Child)
			if cur.olderThan(in.Clock, in.Actor) {
				cur.clock, cur.actor = in.Clock, in.Actor
			}
			continue
		}

		if exists && !cur.olderThan(in.Clock, in.Actor) {
			continue // local entry wins
		}

		switch {
		case in.Tombstone:
			if exists && !cur.tombstone {
				m.record(tx, key)
			}
			m.entries[key] = &entry{clock: in.Clock, actor: in.Actor, tombstone: true}
		case in.Child != nil:
			m.record(tx, key)
			child := newMap(m.doc, append(append([]string{}, m.path...), key))
			child.adopt(*in.Child)
			m.entries[key] = &entry{clock: in.Clock, actor: in.Actor, child: child}
		default:
			var v any
			if err := json.Unmarshal(in.Scalar, &v); err != nil {
				continue // unreadable scalar, skip the entry
			}
			if exists && !cur.tombstone && cur.child == nil && reflect.DeepEqual(cur.scalar, v) {
				// Same value, newer stamp: adopt metadata without an event.
				m.entries[key] = &entry{clock: in.Clock, actor: in.Actor, scalar: v}
				continue
			}
			m.record(tx, key)
			m.entries[key] = &entry{clock: in.Clock, actor: in.Actor, scalar: v}
		}
		m.doc.observeClock(in.Clock)
	}
}

// adopt populates a freshly created map from encoded state without producing
// events for its interior (the containing entry is reported as one Added).
func (m *Map) adopt(em encMap) {
	for key, in := range em.Entries {
		e := &entry{clock: in.Clock, actor: in.Actor, tombstone: in.Tombstone}
		switch {
		case in.Tombstone:
		case in.Child != nil:
			child := newMap(m.doc, append(append([]string{}, m.path...), key))
			child.adopt(*in.Child)
			e.child = child
		default:
			var v any
			if err := json.Unmarshal(in.Scalar, &v); err != nil {
				continue
			}
			e.scalar = v
		}
		m.entries[key] = e
		m.doc.observeClock(in.Clock)
	}
}

func sortedEntryKeys(m map[string]encEntry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Array is an ordered container holding a flat item list. It merges as a
// single last-writer-wins register: concurrent structural edits resolve to
// the newer whole sequence.
type Array struct {
	doc   *Doc
	name  string
	items []any
	clock uint64
	actor string

	observers map[int]func(ArrayEvent)
	nextObsID int
}

func newArray(d *Doc, name string) *Array {
	return &Array{doc: d, name: name, observers: map[int]func(ArrayEvent){}}
}

// Name returns the container's top-level name.
func (a *Array) Name() string { return a.name }

// Slice returns a copy of the items.
func (a *Array) Slice() []any {
	out := make([]any, len(a.items))
	copy(out, a.items)
	return out
}

// Len returns the item count.
func (a *Array) Len() int { return len(a.items) }

// Index returns the position of the first item equal to v, or -1.
func (a *Array) Index(v any) int {
	for i, it := range a.items {
		if reflect.DeepEqual(it, v) {
			return i
		}
	}
	return -1
}

// Push appends v.
func (a *Array) Push(tx *Tx, v any) {
	a.record(tx)
	a.items = append(a.items, v)
	a.stamp()
}

// Insert places v at position i, clamped to the valid range.
func (a *Array) Insert(tx *Tx, i int, v any) {
	if i < 0 {
		i = 0
	}
	if i > len(a.items) {
		i = len(a.items)
	}
	a.record(tx)
	a.items = append(a.items[:i], append([]any{v}, a.items[i:]...)...)
	a.stamp()
}

// Delete removes the item at position i. Out-of-range is a no-op.
func (a *Array) Delete(tx *Tx, i int) {
	if i < 0 || i >= len(a.items) {
		return
	}
	a.record(tx)
	a.items = append(a.items[:i], a.items[i+1:]...)
	a.stamp()
}

// Move relocates the item at from to position to.
func (a *Array) Move(tx *Tx, from, to int) {
	if from < 0 || from >= len(a.items) || to < 0 || to >= len(a.items) || from == to {
		return
	}
	a.record(tx)
	v := a.items[from]
	rest := append(a.items[:from], a.items[from+1:]...)
	a.items = append(rest[:to], append([]any{v}, rest[to:]...)...)
	a.stamp()
}

// Replace swaps the whole item list.
func (a *Array) Replace(tx *Tx, items []any) {
	a.record(tx)
	a.items = make([]any, len(items))
	copy(a.items, items)
	a.stamp()
}

func (a *Array) stamp() {
	a.clock = a.doc.tick()
	a.actor = a.doc.actor
}

func (a *Array) record(tx *Tx) {
	old := make([]any, len(a.items))
	copy(old, a.items)
	tx.arrRecs = append(tx.arrRecs, arrayRecord{a: a, old: old})
}

// Observe registers an observer fired once per transaction that changes the
// array. Returns an unsubscribe func.
func (a *Array) Observe(fn func(ArrayEvent)) func() {
	a.nextObsID++
	id := a.nextObsID
	a.observers[id] = fn
	return func() { delete(a.observers, id) }
}

func (a *Array) notify(ev ArrayEvent) {
	for _, id := range sortedSubIDs(a.observers) {
		if fn, ok := a.observers[id]; ok {
			fn(ev)
		}
	}
}

func (a *Array) detachAll() {
	a.observers = map[int]func(ArrayEvent){}
}

func (a *Array) merge(tx *Tx, ea encArray) {
	if !(ea.Clock > a.clock || (ea.Clock == a.clock && ea.Actor > a.actor)) {
		return
	}
	if !reflect.DeepEqual(a.items, ea.Items) {
		a.record(tx)
		a.items = make([]any, len(ea.Items))
		copy(a.items, ea.Items)
	}
	a.clock, a.actor = ea.Clock, ea.Actor
	a.doc.observeClock(ea.Clock)
}
