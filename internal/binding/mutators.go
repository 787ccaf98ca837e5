package binding

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/marcus/gridsync/internal/models"
	"github.com/marcus/gridsync/internal/replica"
)

// CellWrite is one entry of a batch SetCells call.
type CellWrite struct {
	Row, Col int
	Raw      string
}

// beginLocal enters the local-mutation state. It reports false — making the
// mutator a no-op — when the binding is destroyed or currently replaying a
// transaction.
func (b *Binding) beginLocal() bool {
	if b.destroyed || b.state != stateIdle || b.wb == nil {
		return false
	}
	b.state = stateApplyingLocal
	return true
}

func (b *Binding) endLocal() { b.state = stateIdle }

func (b *Binding) sheetContainers(tx *replica.Tx, sheetID string) (*replica.Map, bool) {
	sm, ok := b.sheets.GetMap(sheetID)
	if !ok {
		sm = b.sheets.SetMap(tx, sheetID)
	}
	return sm, ok
}

func (b *Binding) lookupSheet(sheetID string) (*models.Sheet, error) {
	s := b.wb.Sheet(sheetID)
	if s == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSheet, sheetID)
	}
	return s, nil
}

// SetCellValue writes raw input into a cell. Input starting with "=" is a
// formula; no parsing happens here.
func (b *Binding) SetCellValue(sheetID string, row, col int, raw string) error {
	if !b.beginLocal() {
		return nil
	}
	defer b.endLocal()
	sheet, err := b.lookupSheet(sheetID)
	if err != nil {
		return err
	}
	cell := models.NewCell(raw)
	if prev, ok := sheet.Cells[models.CellKey(row, col)]; ok {
		cell.StyleJSON = prev.StyleJSON
	}
	sheet.Cells[models.CellKey(row, col)] = cell
	b.doc.Transact(b.origin, func(tx *replica.Tx) {
		sm, _ := b.sheetContainers(tx, sheetID)
		sm.SetMap(tx, keyCells).Set(tx, models.CellKey(row, col), encodeCell(cell))
	})
	return nil
}

// SetCellFormula writes a formula, prepending the "=" sentinel when absent.
func (b *Binding) SetCellFormula(sheetID string, row, col int, formula string) error {
	if !strings.HasPrefix(formula, "=") {
		formula = "=" + formula
	}
	return b.SetCellValue(sheetID, row, col, formula)
}

// SetCellStyle replaces a cell's style blob, preserving its value.
func (b *Binding) SetCellStyle(sheetID string, row, col int, style *models.CellStyle) error {
	if !b.beginLocal() {
		return nil
	}
	defer b.endLocal()
	sheet, err := b.lookupSheet(sheetID)
	if err != nil {
		return err
	}
	key := models.CellKey(row, col)
	cell := sheet.Cells[key]
	cell.IsFormula = strings.HasPrefix(cell.Raw, "=")
	if style == nil {
		cell.StyleJSON = ""
	} else {
		data, err := marshalStyle(style)
		if err != nil {
			return err
		}
		cell.StyleJSON = data
	}
	sheet.Cells[key] = cell
	b.doc.Transact(b.origin, func(tx *replica.Tx) {
		sm, _ := b.sheetContainers(tx, sheetID)
		sm.SetMap(tx, keyCells).Set(tx, key, encodeCell(cell))
	})
	return nil
}

// SetCells writes a batch of cells in one transaction.
func (b *Binding) SetCells(sheetID string, writes []CellWrite) error {
	if !b.beginLocal() {
		return nil
	}
	defer b.endLocal()
	sheet, err := b.lookupSheet(sheetID)
	if err != nil {
		return err
	}
	b.doc.Transact(b.origin, func(tx *replica.Tx) {
		sm, _ := b.sheetContainers(tx, sheetID)
		cells := sm.SetMap(tx, keyCells)
		for _, w := range writes {
			cell := models.NewCell(w.Raw)
			key := models.CellKey(w.Row, w.Col)
			if prev, ok := sheet.Cells[key]; ok {
				cell.StyleJSON = prev.StyleJSON
			}
			sheet.Cells[key] = cell
			cells.Set(tx, key, encodeCell(cell))
		}
	})
	return nil
}

// DeleteCell removes a cell. Deleting an absent cell is a no-op.
func (b *Binding) DeleteCell(sheetID string, row, col int) error {
	if !b.beginLocal() {
		return nil
	}
	defer b.endLocal()
	sheet, err := b.lookupSheet(sheetID)
	if err != nil {
		return err
	}
	key := models.CellKey(row, col)
	delete(sheet.Cells, key)
	b.doc.Transact(b.origin, func(tx *replica.Tx) {
		if sm, ok := b.sheets.GetMap(sheetID); ok {
			if cells, ok := sm.GetMap(keyCells); ok {
				cells.Delete(tx, key)
			}
		}
	})
	return nil
}

// AddSheet appends a new sheet and returns its generated id.
func (b *Binding) AddSheet(name string) (string, error) {
	if !b.beginLocal() {
		return "", nil
	}
	defer b.endLocal()
	id := uuid.NewString()
	sheet := models.NewSheet(id, name)
	b.wb.AddSheet(sheet)
	b.doc.Transact(b.origin, func(tx *replica.Tx) {
		writeSheet(tx, b.sheets, sheet)
		b.order.Push(tx, id)
	})
	return id, nil
}

// RemoveSheet deletes a sheet from the workbook and the document.
func (b *Binding) RemoveSheet(sheetID string) error {
	if !b.beginLocal() {
		return nil
	}
	defer b.endLocal()
	if _, err := b.lookupSheet(sheetID); err != nil {
		return err
	}
	b.wb.RemoveSheet(sheetID)
	b.doc.Transact(b.origin, func(tx *replica.Tx) {
		b.sheets.Delete(tx, sheetID)
		if i := b.order.Index(sheetID); i >= 0 {
			b.order.Delete(tx, i)
		}
	})
	return nil
}

// RenameSheet sets a sheet's display name. Collision policy is the
// conflict resolver's concern, applied before this call.
func (b *Binding) RenameSheet(sheetID, name string) error {
	if !b.beginLocal() {
		return nil
	}
	defer b.endLocal()
	sheet, err := b.lookupSheet(sheetID)
	if err != nil {
		return err
	}
	sheet.Name = name
	b.doc.Transact(b.origin, func(tx *replica.Tx) {
		sm, _ := b.sheetContainers(tx, sheetID)
		sm.Set(tx, keyName, name)
	})
	return nil
}

// SetColumnWidth sets one column's width.
func (b *Binding) SetColumnWidth(sheetID string, col int, width float64) error {
	return b.setDimension(sheetID, keyColWidths, col, width)
}

// SetRowHeight sets one row's height.
func (b *Binding) SetRowHeight(sheetID string, row int, height float64) error {
	return b.setDimension(sheetID, keyRowHeights, row, height)
}

func (b *Binding) setDimension(sheetID, container string, index int, value float64) error {
	if !b.beginLocal() {
		return nil
	}
	defer b.endLocal()
	sheet, err := b.lookupSheet(sheetID)
	if err != nil {
		return err
	}
	if container == keyColWidths {
		sheet.ColWidths[index] = value
	} else {
		sheet.RowHeights[index] = value
	}
	b.doc.Transact(b.origin, func(tx *replica.Tx) {
		sm, _ := b.sheetContainers(tx, sheetID)
		sm.SetMap(tx, container).Set(tx, strconv.Itoa(index), value)
	})
	return nil
}

// AddMergedRegion records a merged block. Overlap policy is the conflict
// resolver's concern, applied before this call.
func (b *Binding) AddMergedRegion(sheetID string, r models.Range) error {
	if !b.beginLocal() {
		return nil
	}
	defer b.endLocal()
	sheet, err := b.lookupSheet(sheetID)
	if err != nil {
		return err
	}
	sheet.Merged = append(sheet.Merged, models.MergedRegion{Range: r})
	b.doc.Transact(b.origin, func(tx *replica.Tx) {
		sm, _ := b.sheetContainers(tx, sheetID)
		sm.SetMap(tx, keyMerged).Set(tx, regionKey(r), encodeRegion(r))
	})
	return nil
}

// RemoveMergedRegion removes a merged block matching r exactly.
func (b *Binding) RemoveMergedRegion(sheetID string, r models.Range) error {
	if !b.beginLocal() {
		return nil
	}
	defer b.endLocal()
	sheet, err := b.lookupSheet(sheetID)
	if err != nil {
		return err
	}
	for i, region := range sheet.Merged {
		if region.Range == r {
			sheet.Merged = append(sheet.Merged[:i], sheet.Merged[i+1:]...)
			break
		}
	}
	b.doc.Transact(b.origin, func(tx *replica.Tx) {
		if sm, ok := b.sheets.GetMap(sheetID); ok {
			if merged, ok := sm.GetMap(keyMerged); ok {
				merged.Delete(tx, regionKey(r))
			}
		}
	})
	return nil
}
