package replica

import "reflect"

// restoreOp puts one map key or one array back into a captured state.
type restoreOp struct {
	// map target
	path   []string
	key    string
	hasVal bool
	wasMap bool
	val    any // scalar, or map[string]any snapshot when wasMap

	// array target (set when arrayName != "")
	arrayName string
	items     []any
}

type stackItem struct {
	undoOps []restoreOp // restore pre-transaction state
	redoOps []restoreOp // restore post-transaction state
}

// UndoManager tracks transactions whose origin is in the tracked-origin set
// and whose containers fall inside the tracked scope, and can roll them back
// and forward. Untracked (e.g. remote) transactions are never captured, so
// undo cannot resurrect or revert a peer's edit.
type UndoManager struct {
	doc         *Doc
	scope       map[string]bool // top-level container names; empty = all
	applyOrigin any
	origins     []any

	undoStack []stackItem
	redoStack []stackItem
	applying  bool
	unhook    func()
	destroyed bool
}

// NewUndoManager creates a manager over the given top-level containers
// (nil/empty scope tracks the whole doc) capturing only transactions tagged
// with one of the tracked origins. Undo/redo transactions are themselves
// tagged with applyOrigin, which callers keep distinct from the tracked
// origins so a rollback is observable as its own kind of transaction.
func NewUndoManager(d *Doc, scope []string, applyOrigin any, tracked ...any) *UndoManager {
	u := &UndoManager{doc: d, scope: map[string]bool{}, applyOrigin: applyOrigin, origins: tracked}
	for _, name := range scope {
		u.scope[name] = true
	}
	u.unhook = d.onTxn(u.capture)
	return u
}

func (u *UndoManager) tracksOrigin(origin any) bool {
	for _, o := range u.origins {
		if o == origin {
			return true
		}
	}
	return false
}

func (u *UndoManager) inScope(root string) bool {
	return len(u.scope) == 0 || u.scope[root]
}

// capture records one tracked transaction as an undo stack item.
func (u *UndoManager) capture(tx *Tx) {
	if u.destroyed || u.applying || !tx.local || !u.tracksOrigin(tx.origin) {
		return
	}
	var item stackItem

	type seenKey struct {
		m   *Map
		key string
	}
	seen := map[seenKey]bool{}
	for _, rec := range tx.mapRecs {
		if !u.inScope(rec.m.path[0]) {
			continue
		}
		sk := seenKey{rec.m, rec.key}
		if seen[sk] {
			continue // first record holds the pre-transaction state
		}
		seen[sk] = true

		undo := restoreOp{path: rec.m.path, key: rec.key, hasVal: rec.hadOld, wasMap: rec.oldWasMap, val: rec.oldVal}
		redo := restoreOp{path: rec.m.path, key: rec.key}
		if cur, live := rec.m.Get(rec.key); live {
			redo.hasVal = true
			if child, ok := cur.(*Map); ok {
				redo.wasMap = true
				redo.val = child.Snapshot()
			} else {
				redo.val = cur
			}
		}
		if reflect.DeepEqual(undo, redo) {
			continue
		}
		item.undoOps = append(item.undoOps, undo)
		item.redoOps = append(item.redoOps, redo)
	}

	seenArr := map[*Array]bool{}
	for _, rec := range tx.arrRecs {
		if !u.inScope(rec.a.name) || seenArr[rec.a] {
			continue
		}
		seenArr[rec.a] = true
		cur := rec.a.Slice()
		if reflect.DeepEqual(rec.old, cur) {
			continue
		}
		item.undoOps = append(item.undoOps, restoreOp{arrayName: rec.a.name, items: rec.old})
		item.redoOps = append(item.redoOps, restoreOp{arrayName: rec.a.name, items: cur})
	}

	if len(item.undoOps) == 0 {
		return
	}
	u.undoStack = append(u.undoStack, item)
	u.redoStack = nil
}

// CanUndo reports whether an undo step is available.
func (u *UndoManager) CanUndo() bool { return !u.destroyed && len(u.undoStack) > 0 }

// CanRedo reports whether a redo step is available.
func (u *UndoManager) CanRedo() bool { return !u.destroyed && len(u.redoStack) > 0 }

// Undo rolls back the most recent tracked transaction. No-op on an empty
// stack; returns whether a step was applied.
func (u *UndoManager) Undo() bool {
	if !u.CanUndo() {
		return false
	}
	item := u.undoStack[len(u.undoStack)-1]
	u.undoStack = u.undoStack[:len(u.undoStack)-1]
	u.apply(item.undoOps)
	u.redoStack = append(u.redoStack, item)
	return true
}

// Redo re-applies the most recently undone transaction.
func (u *UndoManager) Redo() bool {
	if !u.CanRedo() {
		return false
	}
	item := u.redoStack[len(u.redoStack)-1]
	u.redoStack = u.redoStack[:len(u.redoStack)-1]
	u.apply(item.redoOps)
	u.undoStack = append(u.undoStack, item)
	return true
}

func (u *UndoManager) apply(ops []restoreOp) {
	u.applying = true
	defer func() { u.applying = false }()

	u.doc.Transact(u.applyOrigin, func(tx *Tx) {
		for _, op := range ops {
			if op.arrayName != "" {
				u.doc.GetArray(op.arrayName).Replace(tx, op.items)
				continue
			}
			m := u.resolve(tx, op.path)
			switch {
			case !op.hasVal:
				m.Delete(tx, op.key)
			case op.wasMap:
				snap, _ := op.val.(map[string]any)
				child := m.SetMap(tx, op.key)
				syncMapToSnapshot(tx, child, snap)
			default:
				m.Set(tx, op.key, op.val)
			}
		}
	})
}

// resolve walks a container path, creating intermediate maps as needed.
func (u *UndoManager) resolve(tx *Tx, path []string) *Map {
	m := u.doc.GetMap(path[0])
	for _, key := range path[1:] {
		m = m.SetMap(tx, key)
	}
	return m
}

// syncMapToSnapshot makes a live map's contents equal a plain snapshot.
func syncMapToSnapshot(tx *Tx, m *Map, snap map[string]any) {
	for _, k := range m.Keys() {
		if _, keep := snap[k]; !keep {
			m.Delete(tx, k)
		}
	}
	for k, v := range snap {
		if childSnap, ok := v.(map[string]any); ok {
			child := m.SetMap(tx, k)
			syncMapToSnapshot(tx, child, childSnap)
			continue
		}
		if cur, live := m.Get(k); live && reflect.DeepEqual(cur, v) {
			continue
		}
		m.Set(tx, k, v)
	}
}

// Clear drops both stacks without touching the document.
func (u *UndoManager) Clear() {
	u.undoStack = nil
	u.redoStack = nil
}

// Destroy clears the stacks and detaches from the document. Idempotent.
func (u *UndoManager) Destroy() {
	if u.destroyed {
		return
	}
	u.destroyed = true
	u.Clear()
	u.unhook()
}
