package replica

import (
	"reflect"
	"sort"
	"strings"
)

// OldNew carries a key's value before and after a transaction. Old values
// are plain snapshots (nested maps flattened to map[string]any); New is the
// live value.
type OldNew struct {
	Old any
	New any
}

// MapEvent describes one transaction's net effect on a single map container.
type MapEvent struct {
	Target  *Map
	Path    []string
	Origin  any
	Added   map[string]any
	Updated map[string]OldNew
	Deleted map[string]any
}

// ArrayEvent describes one transaction's net effect on an array container.
type ArrayEvent struct {
	Target  *Array
	Origin  any
	Old     []any
	New     []any
	Added   []any // items present after but not before
	Removed []any // items present before but not after
}

type mapRecord struct {
	m         *Map
	key       string
	hadOld    bool
	oldWasMap bool
	oldVal    any
}

type arrayRecord struct {
	a   *Array
	old []any
}

// buildMapEvents coalesces a transaction's map records into one event per
// container: the first recorded old value and the live current value bound
// each key's net change. Keys whose value round-tripped are dropped.
func buildMapEvents(tx *Tx) []MapEvent {
	type slot struct {
		rec mapRecord
	}
	firsts := map[*Map]map[string]slot{}
	order := []*Map{}
	for _, rec := range tx.mapRecs {
		byKey, ok := firsts[rec.m]
		if !ok {
			byKey = map[string]slot{}
			firsts[rec.m] = byKey
			order = append(order, rec.m)
		}
		if _, seen := byKey[rec.key]; !seen {
			byKey[rec.key] = slot{rec: rec}
		}
	}

	var events []MapEvent
	for _, m := range order {
		ev := MapEvent{
			Target:  m,
			Path:    m.path,
			Origin:  tx.origin,
			Added:   map[string]any{},
			Updated: map[string]OldNew{},
			Deleted: map[string]any{},
		}
		keys := make([]string, 0, len(firsts[m]))
		for k := range firsts[m] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			rec := firsts[m][k].rec
			cur, live := m.Get(k)
			switch {
			case !rec.hadOld && live:
				ev.Added[k] = cur
			case rec.hadOld && !live:
				ev.Deleted[k] = rec.oldVal
			case rec.hadOld && live:
				if !rec.oldWasMap && reflect.DeepEqual(rec.oldVal, cur) {
					continue
				}
				ev.Updated[k] = OldNew{Old: rec.oldVal, New: cur}
			}
		}
		if len(ev.Added)+len(ev.Updated)+len(ev.Deleted) > 0 {
			events = append(events, ev)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return strings.Join(events[i].Path, "/") < strings.Join(events[j].Path, "/")
	})
	return events
}

// buildArrayEvents coalesces a transaction's array records into one event
// per container with a multiset diff of the items.
func buildArrayEvents(tx *Tx) []ArrayEvent {
	firsts := map[*Array][]any{}
	order := []*Array{}
	for _, rec := range tx.arrRecs {
		if _, seen := firsts[rec.a]; !seen {
			firsts[rec.a] = rec.old
			order = append(order, rec.a)
		}
	}
	var events []ArrayEvent
	for _, a := range order {
		old := firsts[a]
		cur := a.Slice()
		if reflect.DeepEqual(old, cur) {
			continue
		}
		events = append(events, ArrayEvent{
			Target:  a,
			Origin:  tx.origin,
			Old:     old,
			New:     cur,
			Added:   multisetDiff(cur, old),
			Removed: multisetDiff(old, cur),
		})
	}
	return events
}

// multisetDiff returns the items of a not matched by an item of b,
// respecting multiplicity.
func multisetDiff(a, b []any) []any {
	remaining := make([]any, len(b))
	copy(remaining, b)
	var out []any
	for _, v := range a {
		matched := false
		for i, r := range remaining {
			if reflect.DeepEqual(v, r) {
				remaining = append(remaining[:i], remaining[i+1:]...)
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, v)
		}
	}
	return out
}
