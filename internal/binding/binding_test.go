package binding

import (
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcus/gridsync/internal/models"
	"github.com/marcus/gridsync/internal/replica"
)

const testDebounce = 20 * time.Millisecond

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newSeededBinding builds a binding over a one-sheet workbook and seeds the
// document from it.
func newSeededBinding(t *testing.T) *Binding {
	t.Helper()
	doc := replica.NewDoc()
	wb := models.NewWorkbook("wb1", "Budget")
	wb.AddSheet(models.NewSheet("s1", "Sheet1"))
	b := New(doc, wb, Options{Debounce: testDebounce, Logger: testLogger()})
	b.InitializeFromDocument()
	t.Cleanup(b.Destroy)
	return b
}

// mirror spins up a second binding adopting src's current replica state.
func mirror(t *testing.T, src *Binding) *Binding {
	t.Helper()
	doc := replica.NewDoc()
	data, err := src.doc.EncodeUpdate()
	if err != nil {
		t.Fatalf("encode source state: %v", err)
	}
	if err := doc.ApplyUpdate(data, "peer:seed"); err != nil {
		t.Fatalf("seed mirror: %v", err)
	}
	b := New(doc, nil, Options{Debounce: testDebounce, Logger: testLogger()})
	b.SyncFromReplica()
	t.Cleanup(b.Destroy)
	return b
}

// push ships from's full state into to's document, as a relay would.
func push(t *testing.T, from, to *Binding) {
	t.Helper()
	data, err := from.doc.EncodeUpdate()
	if err != nil {
		t.Fatalf("encode update: %v", err)
	}
	if err := to.doc.ApplyUpdate(data, "peer:"+from.origin); err != nil {
		t.Fatalf("apply update: %v", err)
	}
}

func waitFlush() { time.Sleep(5 * testDebounce) }

type changeCollector struct {
	mu      sync.Mutex
	batches [][]Change
}

func collectChanges(t *testing.T, b *Binding) *changeCollector {
	t.Helper()
	c := &changeCollector{}
	unsub := b.OnRemoteChange(func(batch []Change) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.batches = append(c.batches, batch)
	})
	t.Cleanup(unsub)
	return c
}

func (c *changeCollector) all() [][]Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]Change, len(c.batches))
	copy(out, c.batches)
	return out
}

func (c *changeCollector) kinds() []ChangeKind {
	var out []ChangeKind
	for _, batch := range c.all() {
		for _, ch := range batch {
			out = append(out, ch.Kind)
		}
	}
	return out
}

func countKind(kinds []ChangeKind, k ChangeKind) int {
	n := 0
	for _, kind := range kinds {
		if kind == k {
			n++
		}
	}
	return n
}

func TestChangeKindsDistinct(t *testing.T) {
	kinds := []ChangeKind{
		ChangeCellValue, ChangeCellFormula, ChangeCellStyle, ChangeCellDeleted,
		ChangeSheetAdded, ChangeSheetRemoved, ChangeSheetRenamed, ChangeSheetProp,
		ChangeWorkbookProp, ChangeColWidth, ChangeRowHeight,
		ChangeMergedAdded, ChangeMergedRemove,
		ChangeRowColInsert, ChangeRowColDelete,
	}
	seen := map[ChangeKind]bool{}
	for _, k := range kinds {
		if k == "" {
			t.Fatal("empty change kind")
		}
		if seen[k] {
			t.Fatalf("duplicate change kind %q", k)
		}
		seen[k] = true
	}
}

func TestInitializeFromDocumentIdempotent(t *testing.T) {
	doc := replica.NewDoc()
	wb := models.NewWorkbook("wb1", "Budget")
	wb.AddSheet(models.NewSheet("s1", "Sheet1"))
	b := New(doc, wb, Options{Debounce: testDebounce, Logger: testLogger()})
	t.Cleanup(b.Destroy)

	updates := 0
	doc.OnUpdate(func([]byte, any, bool) { updates++ })

	b.InitializeFromDocument()
	if updates != 1 {
		t.Fatalf("updates after first init: got %d, want 1", updates)
	}
	b.InitializeFromDocument()
	if updates != 1 {
		t.Fatalf("second init wrote to the document: %d updates", updates)
	}
	if b.CanUndo() {
		t.Fatal("seeding the document must not be undoable")
	}
}

func TestSyncFromReplicaBuildsModel(t *testing.T) {
	src := newSeededBinding(t)
	if err := src.SetCellValue("s1", 2, 3, "42"); err != nil {
		t.Fatalf("set cell: %v", err)
	}
	if err := src.SetColumnWidth("s1", 1, 120); err != nil {
		t.Fatalf("set width: %v", err)
	}

	b := mirror(t, src)
	wb := b.Workbook()
	if wb == nil {
		t.Fatal("no workbook adopted")
	}
	if wb.Name != "Budget" || wb.ID != "wb1" {
		t.Fatalf("workbook identity: got %q/%q", wb.ID, wb.Name)
	}
	sheet := wb.Sheet("s1")
	if sheet == nil || sheet.Name != "Sheet1" {
		t.Fatalf("sheet not adopted: %+v", sheet)
	}
	if got := sheet.Cells[models.CellKey(2, 3)].Raw; got != "42" {
		t.Fatalf("cell: got %q, want 42", got)
	}
	if got := sheet.ColWidths[1]; got != 120 {
		t.Fatalf("col width: got %v, want 120", got)
	}
}

func TestSyncFromReplicaToleratesPartialDocument(t *testing.T) {
	doc := replica.NewDoc()
	doc.Transact("test", func(tx *replica.Tx) {
		meta := doc.GetMap(containerMeta)
		meta.Set(tx, keyID, "wb9")
		meta.Set(tx, keyName, "Crafted")
		meta.Set(tx, keyCalcMode, "manual")
		meta.Set(tx, keyActiveSheet, 5.0)
		doc.GetArray(containerOrder).Replace(tx, []any{"a"})
		sheets := doc.GetMap(containerSheets)
		sa := sheets.SetMap(tx, "a")
		sa.Set(tx, keyName, "A")
		// Sheet present in the container but missing from the order.
		sb := sheets.SetMap(tx, "b")
		sb.Set(tx, keyName, "B")
	})

	b := New(doc, nil, Options{Debounce: testDebounce, Logger: testLogger()})
	t.Cleanup(b.Destroy)
	b.SyncFromReplica()

	wb := b.Workbook()
	if wb.CalcMode != models.CalcManual {
		t.Fatalf("calc mode: got %v", wb.CalcMode)
	}
	if got := wb.SheetNames(); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("sheet order: got %v, want orphan appended at the end", got)
	}
	if wb.ActiveSheet != 0 {
		t.Fatalf("out-of-range active sheet not clamped: %d", wb.ActiveSheet)
	}

	b.SyncFromReplica()
	if len(b.Workbook().Sheets) != 2 {
		t.Fatal("second SyncFromReplica rebuilt the model")
	}
}

func TestLocalEditsDoNotEcho(t *testing.T) {
	b := newSeededBinding(t)
	c := collectChanges(t, b)

	if err := b.SetCellValue("s1", 0, 0, "local"); err != nil {
		t.Fatalf("set cell: %v", err)
	}
	if err := b.RenameSheet("s1", "Renamed"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	waitFlush()

	if got := c.all(); len(got) != 0 {
		t.Fatalf("local edits echoed %d batches back to their author", len(got))
	}
}

func TestRemoteCellReplay(t *testing.T) {
	a := newSeededBinding(t)
	b := mirror(t, a)
	c := collectChanges(t, b)

	if err := a.SetCellValue("s1", 2, 3, "42"); err != nil {
		t.Fatalf("set cell: %v", err)
	}
	push(t, a, b)

	if got := b.Workbook().Sheet("s1").Cells[models.CellKey(2, 3)].Raw; got != "42" {
		t.Fatalf("model after replay: got %q, want 42", got)
	}

	waitFlush()
	batches := c.all()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("batches: got %v, want one batch with one change", batches)
	}
	ch := batches[0][0]
	if ch.Kind != ChangeCellValue || ch.Row != 2 || ch.Col != 3 || ch.New != "42" {
		t.Fatalf("change: got %+v", ch)
	}
	if ch.Origin == a.origin || ch.Origin == "" {
		t.Fatalf("change origin: got %q, want the foreign peer tag", ch.Origin)
	}
}

func TestFormulaReplayKind(t *testing.T) {
	a := newSeededBinding(t)
	b := mirror(t, a)
	c := collectChanges(t, b)

	if err := a.SetCellFormula("s1", 1, 1, "A1+B2"); err != nil {
		t.Fatalf("set formula: %v", err)
	}
	push(t, a, b)
	waitFlush()

	cell := b.Workbook().Sheet("s1").Cells[models.CellKey(1, 1)]
	if cell.Raw != "=A1+B2" || !cell.IsFormula {
		t.Fatalf("cell: got %+v", cell)
	}
	if kinds := c.kinds(); countKind(kinds, ChangeCellFormula) != 1 {
		t.Fatalf("kinds: got %v, want one cell_formula", kinds)
	}
}

func TestStyleOnlyChangeReplayKind(t *testing.T) {
	a := newSeededBinding(t)
	if err := a.SetCellValue("s1", 2, 2, "x"); err != nil {
		t.Fatalf("set cell: %v", err)
	}
	b := mirror(t, a)
	c := collectChanges(t, b)

	bg := "#ff0000"
	if err := a.SetCellStyle("s1", 2, 2, &models.CellStyle{Background: &bg}); err != nil {
		t.Fatalf("set style: %v", err)
	}
	push(t, a, b)
	waitFlush()

	cell := b.Workbook().Sheet("s1").Cells[models.CellKey(2, 2)]
	if cell.Raw != "x" || cell.StyleJSON == "" {
		t.Fatalf("cell after style replay: %+v", cell)
	}
	if kinds := c.kinds(); countKind(kinds, ChangeCellStyle) != 1 {
		t.Fatalf("kinds: got %v, want one cell_style", kinds)
	}
}

func TestCellDeleteReplay(t *testing.T) {
	a := newSeededBinding(t)
	if err := a.SetCellValue("s1", 4, 4, "gone"); err != nil {
		t.Fatalf("set cell: %v", err)
	}
	b := mirror(t, a)
	c := collectChanges(t, b)

	if err := a.DeleteCell("s1", 4, 4); err != nil {
		t.Fatalf("delete cell: %v", err)
	}
	push(t, a, b)
	waitFlush()

	if _, ok := b.Workbook().Sheet("s1").Cells[models.CellKey(4, 4)]; ok {
		t.Fatal("cell still present after delete replay")
	}
	kinds := c.kinds()
	if countKind(kinds, ChangeCellDeleted) != 1 {
		t.Fatalf("kinds: got %v, want one cell_deleted", kinds)
	}
}

func TestSheetAddAndRemoveReplayOnce(t *testing.T) {
	a := newSeededBinding(t)
	b := mirror(t, a)
	c := collectChanges(t, b)

	id, err := a.AddSheet("Two")
	if err != nil {
		t.Fatalf("add sheet: %v", err)
	}
	push(t, a, b)
	waitFlush()

	if got := b.Workbook().SheetNames(); !reflect.DeepEqual(got, []string{"Sheet1", "Two"}) {
		t.Fatalf("sheets after add: got %v", got)
	}
	if kinds := c.kinds(); countKind(kinds, ChangeSheetAdded) != 1 {
		// The sheets map and the order array both see the add; it must be
		// reported exactly once.
		t.Fatalf("kinds after add: got %v, want exactly one sheet_added", kinds)
	}

	c2 := collectChanges(t, b)
	if err := a.RemoveSheet(id); err != nil {
		t.Fatalf("remove sheet: %v", err)
	}
	push(t, a, b)
	waitFlush()

	if got := b.Workbook().SheetNames(); !reflect.DeepEqual(got, []string{"Sheet1"}) {
		t.Fatalf("sheets after remove: got %v", got)
	}
	kinds := c2.kinds()
	if countKind(kinds, ChangeSheetRemoved) != 1 {
		t.Fatalf("kinds after remove: got %v, want exactly one sheet_removed", kinds)
	}
	for _, batch := range c2.all() {
		for _, ch := range batch {
			if ch.Kind == ChangeSheetRemoved && ch.Old != "Two" {
				t.Fatalf("removed-sheet change lost the old name: %+v", ch)
			}
		}
	}
}

func TestRenameReplay(t *testing.T) {
	a := newSeededBinding(t)
	b := mirror(t, a)
	c := collectChanges(t, b)

	if err := a.RenameSheet("s1", "Q3 Budget"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	push(t, a, b)
	waitFlush()

	if got := b.Workbook().Sheet("s1").Name; got != "Q3 Budget" {
		t.Fatalf("name after replay: got %q", got)
	}
	var renamed *Change
	for _, batch := range c.all() {
		for i := range batch {
			if batch[i].Kind == ChangeSheetRenamed {
				renamed = &batch[i]
			}
		}
	}
	if renamed == nil {
		t.Fatal("no sheet_renamed change delivered")
	}
	if renamed.Old != "Sheet1" || renamed.New != "Q3 Budget" {
		t.Fatalf("rename change: got %+v", renamed)
	}
}

func TestDimensionsAndMergedReplay(t *testing.T) {
	a := newSeededBinding(t)
	b := mirror(t, a)
	c := collectChanges(t, b)

	r := models.Range{StartRow: 0, StartCol: 0, EndRow: 1, EndCol: 2}
	if err := a.SetColumnWidth("s1", 2, 120); err != nil {
		t.Fatalf("set width: %v", err)
	}
	if err := a.SetRowHeight("s1", 3, 40); err != nil {
		t.Fatalf("set height: %v", err)
	}
	if err := a.AddMergedRegion("s1", r); err != nil {
		t.Fatalf("add merged: %v", err)
	}
	push(t, a, b)
	waitFlush()

	sheet := b.Workbook().Sheet("s1")
	if sheet.ColWidths[2] != 120 || sheet.RowHeights[3] != 40 {
		t.Fatalf("dimensions: widths=%v heights=%v", sheet.ColWidths, sheet.RowHeights)
	}
	if len(sheet.Merged) != 1 || sheet.Merged[0].Range != r {
		t.Fatalf("merged: got %v", sheet.Merged)
	}
	kinds := c.kinds()
	for _, want := range []ChangeKind{ChangeColWidth, ChangeRowHeight, ChangeMergedAdded} {
		if countKind(kinds, want) != 1 {
			t.Fatalf("kinds: got %v, want one %s", kinds, want)
		}
	}

	if err := a.RemoveMergedRegion("s1", r); err != nil {
		t.Fatalf("remove merged: %v", err)
	}
	push(t, a, b)
	waitFlush()
	if len(b.Workbook().Sheet("s1").Merged) != 0 {
		t.Fatal("merged region still present after removal replay")
	}
}

func TestWorkbookPropReplay(t *testing.T) {
	a := newSeededBinding(t)
	b := mirror(t, a)

	b.doc.Transact("peer:x", func(tx *replica.Tx) {
		b.doc.GetMap(containerMeta).Set(tx, keyName, "Renamed Book")
	})
	if got := b.Workbook().Name; got != "Renamed Book" {
		t.Fatalf("workbook name: got %q", got)
	}
}

func TestReorderReplay(t *testing.T) {
	a := newSeededBinding(t)
	if _, err := a.AddSheet("Two"); err != nil {
		t.Fatalf("add sheet: %v", err)
	}
	b := mirror(t, a)

	b.doc.Transact("peer:x", func(tx *replica.Tx) {
		b.doc.GetArray(containerOrder).Move(tx, 0, 1)
	})
	if got := b.Workbook().SheetNames(); !reflect.DeepEqual(got, []string{"Two", "Sheet1"}) {
		t.Fatalf("sheet order after reorder replay: got %v", got)
	}
}

func TestUndoScopedToLocalEdits(t *testing.T) {
	b := newSeededBinding(t)

	if err := b.SetCellValue("s1", 5, 5, "local"); err != nil {
		t.Fatalf("set cell: %v", err)
	}

	// A peer writes a different cell after the local edit.
	remote := replica.NewDoc()
	remote.Transact("test", func(tx *replica.Tx) {
		sm := remote.GetMap(containerSheets).SetMap(tx, "s1")
		cells := sm.SetMap(tx, keyCells)
		cells.Set(tx, models.CellKey(1, 1), encodeCell(models.NewCell("remote")))
	})
	data, err := remote.EncodeUpdate()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := b.doc.ApplyUpdate(data, "peer:r"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	sheet := b.Workbook().Sheet("s1")
	if sheet.Cells[models.CellKey(1, 1)].Raw != "remote" {
		t.Fatal("remote cell not replayed")
	}

	if !b.CanUndo() {
		t.Fatal("local edit should be undoable")
	}
	b.Undo()
	if _, ok := sheet.Cells[models.CellKey(5, 5)]; ok {
		t.Fatal("undo did not remove the local edit from the model")
	}
	if got := sheet.Cells[models.CellKey(1, 1)].Raw; got != "remote" {
		t.Fatalf("undo touched the remote edit: got %q", got)
	}
	if b.CanUndo() {
		t.Fatal("remote transaction landed on the undo stack")
	}

	b.Redo()
	if got := sheet.Cells[models.CellKey(5, 5)].Raw; got != "local" {
		t.Fatalf("redo did not restore the local edit: got %q", got)
	}
}

func TestUndoRedoStepsThroughHistory(t *testing.T) {
	b := newSeededBinding(t)
	key := models.CellKey(0, 0)
	sheet := b.Workbook().Sheet("s1")

	b.SetCellValue("s1", 0, 0, "first")
	b.SetCellValue("s1", 0, 0, "second")

	b.Undo()
	if got := sheet.Cells[key].Raw; got != "first" {
		t.Fatalf("after one undo: got %q, want first", got)
	}
	b.Undo()
	if _, ok := sheet.Cells[key]; ok {
		t.Fatal("after two undos the cell should be gone")
	}
	b.Redo()
	if got := sheet.Cells[key].Raw; got != "first" {
		t.Fatalf("after redo: got %q, want first", got)
	}
}

func TestBatchCoalescing(t *testing.T) {
	a := newSeededBinding(t)
	b := mirror(t, a)
	c := collectChanges(t, b)

	for i := 0; i < 3; i++ {
		if err := a.SetCellValue("s1", i, 0, "v"); err != nil {
			t.Fatalf("set cell %d: %v", i, err)
		}
		push(t, a, b)
	}
	waitFlush()

	batches := c.all()
	if len(batches) != 1 {
		t.Fatalf("batches: got %d, want 1 (changes inside the debounce window coalesce)", len(batches))
	}
	if len(batches[0]) != 3 {
		t.Fatalf("batch size: got %d, want 3", len(batches[0]))
	}
}

func TestSetCellsSingleTransaction(t *testing.T) {
	a := newSeededBinding(t)
	b := mirror(t, a)

	updates := 0
	a.doc.OnUpdate(func([]byte, any, bool) { updates++ })
	err := a.SetCells("s1", []CellWrite{
		{Row: 0, Col: 0, Raw: "a"},
		{Row: 0, Col: 1, Raw: "b"},
		{Row: 1, Col: 0, Raw: "=SUM(A1:B1)"},
	})
	if err != nil {
		t.Fatalf("set cells: %v", err)
	}
	if updates != 1 {
		t.Fatalf("transactions: got %d, want 1", updates)
	}

	push(t, a, b)
	if got := len(b.Workbook().Sheet("s1").Cells); got != 3 {
		t.Fatalf("cells after replay: got %d, want 3", got)
	}
}

func TestMalformedRemoteCellSkipped(t *testing.T) {
	b := newSeededBinding(t)

	remote := replica.NewDoc()
	remote.Transact("test", func(tx *replica.Tx) {
		sm := remote.GetMap(containerSheets).SetMap(tx, "s1")
		cells := sm.SetMap(tx, keyCells)
		cells.Set(tx, "9,9", "{not json")
		cells.Set(tx, "3,3", encodeCell(models.NewCell("ok")))
	})
	data, err := remote.EncodeUpdate()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := b.doc.ApplyUpdate(data, "peer:r"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	sheet := b.Workbook().Sheet("s1")
	if got := sheet.Cells["3,3"].Raw; got != "ok" {
		t.Fatalf("valid sibling cell lost: got %q", got)
	}
	if _, ok := sheet.Cells["9,9"]; ok {
		t.Fatal("malformed cell leaked into the model")
	}
}

func TestStylePreservedAcrossValueChange(t *testing.T) {
	a := newSeededBinding(t)
	bg := "#00ff00"
	if err := a.SetCellStyle("s1", 1, 1, &models.CellStyle{Background: &bg}); err != nil {
		t.Fatalf("set style: %v", err)
	}
	if err := a.SetCellValue("s1", 1, 1, "typed over"); err != nil {
		t.Fatalf("set value: %v", err)
	}

	cell := a.Workbook().Sheet("s1").Cells[models.CellKey(1, 1)]
	if cell.Raw != "typed over" || cell.StyleJSON == "" {
		t.Fatalf("style lost on value change: %+v", cell)
	}

	b := mirror(t, a)
	got := b.Workbook().Sheet("s1").Cells[models.CellKey(1, 1)]
	if got.StyleJSON != cell.StyleJSON {
		t.Fatalf("style diverged across sync: %q vs %q", got.StyleJSON, cell.StyleJSON)
	}
}

func TestConcurrentSameCellConverges(t *testing.T) {
	a := newSeededBinding(t)
	b := mirror(t, a)

	a.SetCellValue("s1", 0, 0, "from-a")
	b.SetCellValue("s1", 0, 0, "from-b")
	push(t, a, b)
	push(t, b, a)

	ca := a.Workbook().Sheet("s1").Cells
	cb := b.Workbook().Sheet("s1").Cells
	if !reflect.DeepEqual(ca, cb) {
		t.Fatalf("replicas diverged:\n a: %v\n b: %v", ca, cb)
	}
}

func TestUnknownSheet(t *testing.T) {
	b := newSeededBinding(t)
	if err := b.SetCellValue("nope", 0, 0, "x"); !errors.Is(err, ErrUnknownSheet) {
		t.Fatalf("set cell: got %v, want ErrUnknownSheet", err)
	}
	if err := b.RenameSheet("nope", "y"); !errors.Is(err, ErrUnknownSheet) {
		t.Fatalf("rename: got %v, want ErrUnknownSheet", err)
	}
	if err := b.RemoveSheet("nope"); !errors.Is(err, ErrUnknownSheet) {
		t.Fatalf("remove: got %v, want ErrUnknownSheet", err)
	}
}

type fakeTransport struct {
	connected bool
	err       error
}

func (f *fakeTransport) Connect() error {
	if f.err != nil {
		return f.err
	}
	f.connected = true
	return nil
}
func (f *fakeTransport) Disconnect() { f.connected = false }

func (f *fakeTransport) Connected() bool { return f.connected }

func TestConnectionLifecycle(t *testing.T) {
	b := newSeededBinding(t)

	var mu sync.Mutex
	var seen []bool
	unsub := b.OnConnectionStateChange(func(connected bool) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, connected)
	})
	t.Cleanup(unsub)

	ft := &fakeTransport{}
	if err := b.Connect(ft); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !b.IsConnected() {
		t.Fatal("want connected")
	}
	b.Disconnect()
	if b.IsConnected() {
		t.Fatal("want disconnected")
	}

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(seen, []bool{true, false}) {
		t.Fatalf("connection notifications: got %v, want [true false]", seen)
	}
}

func TestConnectFailurePropagates(t *testing.T) {
	b := newSeededBinding(t)
	dialErr := errors.New("dial failed")
	if err := b.Connect(&fakeTransport{err: dialErr}); !errors.Is(err, dialErr) {
		t.Fatalf("connect: got %v, want wrapped dial error", err)
	}
	if b.IsConnected() {
		t.Fatal("failed connect left the binding connected")
	}
}

func TestDestroySilencesBinding(t *testing.T) {
	a := newSeededBinding(t)
	b := mirror(t, a)
	c := collectChanges(t, b)

	a.SetCellValue("s1", 0, 0, "x")
	push(t, a, b)
	b.Destroy()
	waitFlush()

	if got := c.all(); len(got) != 0 {
		t.Fatalf("destroyed binding still delivered %d batches", len(got))
	}
	if err := b.SetCellValue("s1", 1, 1, "y"); err != nil {
		t.Fatalf("mutator on destroyed binding: %v, want silent no-op", err)
	}
	if b.CanUndo() || b.CanRedo() {
		t.Fatal("destroyed binding reports undo state")
	}
	b.Destroy() // idempotent
}

// Destroy races with the debounce timer; run under -race. A batch must never
// reach a listener after Destroy has returned.
func TestDestroyBlocksLateBatchDelivery(t *testing.T) {
	for i := 0; i < 200; i++ {
		doc := replica.NewDoc()
		wb := models.NewWorkbook("wb1", "Budget")
		wb.AddSheet(models.NewSheet("s1", "Sheet1"))
		b := New(doc, wb, Options{Debounce: time.Microsecond, Logger: testLogger()})
		b.InitializeFromDocument()

		var destroyed atomic.Bool
		b.OnRemoteChange(func([]Change) {
			if destroyed.Load() {
				t.Error("batch delivered after Destroy returned")
			}
		})
		b.queueChange(Change{Kind: ChangeCellValue, SheetID: "s1", Origin: "peer:x", At: time.Now()})
		b.Destroy()
		destroyed.Store(true)
	}
}
