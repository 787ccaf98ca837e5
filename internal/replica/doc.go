// Package replica provides the replicated-document engine the collaboration
// core runs on: named map/array containers, origin-tagged atomic transactions,
// shallow and deep change observation, update encoding with last-writer-wins
// merge, an origin-scoped undo manager, and a non-persisted awareness channel.
//
// Convergence is last-writer-wins per entry, ordered by (lamport clock,
// actor id) with deletion tombstones. Any engine with commutative merge
// semantics can replace this one behind the same surface.
//
// A Doc is not safe for concurrent use. All access — mutation, observation
// callbacks, update application — happens on one goroutine, the document
// dispatch loop.
package replica

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Doc is one replica of the shared document.
type Doc struct {
	actor string
	clock uint64

	maps   map[string]*Map
	arrays map[string]*Array

	tx *Tx // non-nil while a transaction is open

	updateSubs map[int]func(update []byte, origin any, local bool)
	txHooks    map[int]func(tx *Tx)
	nextSubID  int

	destroyed bool
}

// Tx is an open transaction. All container writes require one.
type Tx struct {
	doc     *Doc
	origin  any
	local   bool
	mapRecs []mapRecord
	arrRecs []arrayRecord
}

// Origin returns the transaction's origin tag.
func (tx *Tx) Origin() any { return tx.origin }

// NewDoc creates an empty replica with a fresh actor id.
func NewDoc() *Doc {
	return &Doc{
		actor:      uuid.NewString(),
		maps:       map[string]*Map{},
		arrays:     map[string]*Array{},
		updateSubs: map[int]func([]byte, any, bool){},
		txHooks:    map[int]func(*Tx){},
	}
}

// ActorID returns this replica's actor id, used for merge tie-breaks.
func (d *Doc) ActorID() string { return d.actor }

// GetMap returns the named top-level map container, creating it if needed.
func (d *Doc) GetMap(name string) *Map {
	if m, ok := d.maps[name]; ok {
		return m
	}
	m := newMap(d, []string{name})
	d.maps[name] = m
	return m
}

// GetArray returns the named top-level array container, creating it if needed.
func (d *Doc) GetArray(name string) *Array {
	if a, ok := d.arrays[name]; ok {
		return a
	}
	a := newArray(d, name)
	d.arrays[name] = a
	return a
}

// Transact runs fn as one atomic batch tagged with origin. Observers and
// update subscribers fire once after fn returns. Nested calls join the
// enclosing transaction and keep its origin.
func (d *Doc) Transact(origin any, fn func(tx *Tx)) {
	if d.destroyed {
		return
	}
	if d.tx != nil {
		fn(d.tx)
		return
	}
	tx := &Tx{doc: d, origin: origin, local: true}
	d.tx = tx
	fn(tx)
	d.commit(tx)
}

// tick advances the lamport clock and returns the new value.
func (d *Doc) tick() uint64 {
	d.clock++
	return d.clock
}

// observe merges a remote clock into the local one (lamport receive rule).
func (d *Doc) observeClock(remote uint64) {
	if remote > d.clock {
		d.clock = remote
	}
}

// commit closes the transaction, builds per-container events and delivers
// them, then notifies update subscribers with the encoded state.
func (d *Doc) commit(tx *Tx) {
	d.tx = nil
	if len(tx.mapRecs) == 0 && len(tx.arrRecs) == 0 {
		return
	}
	mapEvents := buildMapEvents(tx)
	arrEvents := buildArrayEvents(tx)

	for _, id := range sortedSubIDs(d.txHooks) {
		if fn, ok := d.txHooks[id]; ok {
			fn(tx)
		}
	}

	for _, ev := range mapEvents {
		ev.Target.notify(ev)
	}
	// Deep observers live on top-level maps and see every event in their
	// subtree, path-annotated.
	byRoot := map[string][]MapEvent{}
	for _, ev := range mapEvents {
		root := ev.Path[0]
		byRoot[root] = append(byRoot[root], ev)
	}
	for root, evs := range byRoot {
		if m, ok := d.maps[root]; ok {
			m.notifyDeep(evs)
		}
	}
	for _, ev := range arrEvents {
		ev.Target.notify(ev)
	}

	if len(d.updateSubs) > 0 {
		if data, err := d.EncodeUpdate(); err == nil {
			for _, id := range sortedSubIDs(d.updateSubs) {
				if fn, ok := d.updateSubs[id]; ok {
					fn(data, tx.origin, tx.local)
				}
			}
		}
	}
}

// OnUpdate registers a subscriber called after every committed transaction
// with the encoded document state, the transaction's origin, and whether the
// transaction originated locally (as opposed to an applied remote update).
// Returns an unsubscribe func.
func (d *Doc) OnUpdate(fn func(update []byte, origin any, local bool)) func() {
	d.nextSubID++
	id := d.nextSubID
	d.updateSubs[id] = fn
	return func() { delete(d.updateSubs, id) }
}

// onTxn registers an internal post-commit hook receiving the raw
// transaction. Used by the undo manager to capture inverse operations.
func (d *Doc) onTxn(fn func(tx *Tx)) func() {
	d.nextSubID++
	id := d.nextSubID
	d.txHooks[id] = fn
	return func() { delete(d.txHooks, id) }
}

// Destroy detaches all subscribers and marks the doc unusable.
func (d *Doc) Destroy() {
	d.destroyed = true
	d.updateSubs = map[int]func([]byte, any, bool){}
	d.txHooks = map[int]func(*Tx){}
	for _, m := range d.maps {
		m.detachAll()
	}
	for _, a := range d.arrays {
		a.detachAll()
	}
}

// --- update encoding ---

type encEntry struct {
	Clock     uint64          `json:"c"`
	Actor     string          `json:"a"`
	Tombstone bool            `json:"t,omitempty"`
	Scalar    json.RawMessage `json:"s,omitempty"`
	Child     *encMap         `json:"m,omitempty"`
}

type encMap struct {
	Entries map[string]encEntry `json:"e"`
}

type encArray struct {
	Clock uint64 `json:"c"`
	Actor string `json:"a"`
	Items []any  `json:"i"`
}

type encDoc struct {
	Clock  uint64              `json:"clock"`
	Maps   map[string]encMap   `json:"maps,omitempty"`
	Arrays map[string]encArray `json:"arrays,omitempty"`
}

// EncodeUpdate serializes the full replica state, tombstones included, for
// transport to a peer. Applying it on any replica converges both.
func (d *Doc) EncodeUpdate() ([]byte, error) {
	enc := encDoc{Clock: d.clock, Maps: map[string]encMap{}, Arrays: map[string]encArray{}}
	for name, m := range d.maps {
		em, err := m.encode()
		if err != nil {
			return nil, fmt.Errorf("encode map %q: %w", name, err)
		}
		enc.Maps[name] = em
	}
	for name, a := range d.arrays {
		enc.Arrays[name] = encArray{Clock: a.clock, Actor: a.actor, Items: a.items}
	}
	data, err := json.Marshal(enc)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

// ApplyUpdate merges an encoded peer state into this replica inside a
// transaction tagged with origin. Observers fire for every entry that
// changed; unchanged entries produce no events.
func (d *Doc) ApplyUpdate(data []byte, origin any) error {
	if d.destroyed {
		return nil
	}
	var enc encDoc
	if err := json.Unmarshal(data, &enc); err != nil {
		return fmt.Errorf("apply update: %w", err)
	}
	tx := &Tx{doc: d, origin: origin, local: false}
	d.tx = tx
	for name, em := range enc.Maps {
		d.GetMap(name).merge(tx, em)
	}
	for name, ea := range enc.Arrays {
		d.GetArray(name).merge(tx, ea)
	}
	d.observeClock(enc.Clock)
	d.commit(tx)
	return nil
}

func sortedSubIDs[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
