package binding

import (
	"fmt"
	"strconv"
	"time"

	"github.com/marcus/gridsync/internal/models"
	"github.com/marcus/gridsync/internal/replica"
)

func (b *Binding) attachObservers() {
	b.unsubs = append(b.unsubs,
		b.meta.Observe(b.handleMeta),
		b.order.Observe(b.handleOrder),
		b.sheets.Observe(b.handleSheetsShallow),
		b.sheets.ObserveDeep(b.handleSheetsDeep),
	)
}

// beginReplay classifies a transaction. It returns the foreign origin as a
// string and true when the event must be replayed onto the local model;
// local echoes (origin matches the binding's marker) and events arriving
// while the binding is mid-transaction are dropped.
func (b *Binding) beginReplay(origin any) (string, bool) {
	if b.destroyed || b.wb == nil || b.state != stateIdle {
		return "", false
	}
	if origin == b.origin {
		return "", false
	}
	b.state = stateApplyingRemote
	return fmt.Sprintf("%v", origin), true
}

func (b *Binding) endReplay() { b.state = stateIdle }

func (b *Binding) handleMeta(ev replica.MapEvent) {
	origin, ok := b.beginReplay(ev.Origin)
	if !ok {
		return
	}
	defer b.endReplay()

	apply := func(key string, old, val any) {
		switch key {
		case keyID:
			if s, ok := val.(string); ok {
				b.wb.ID = s
			}
		case keyName:
			if s, ok := val.(string); ok {
				b.wb.Name = s
			}
		case keyCalcMode:
			if s, ok := val.(string); ok {
				b.wb.CalcMode = models.CalcMode(s)
			}
		case keyActiveSheet:
			if f, ok := val.(float64); ok && int(f) >= 0 && int(f) < len(b.wb.Sheets) {
				b.wb.ActiveSheet = int(f)
			}
		}
		b.queueChange(Change{Kind: ChangeWorkbookProp, Key: key, Old: old, New: val, Origin: origin, At: time.Now()})
	}
	for key, val := range ev.Added {
		apply(key, nil, val)
	}
	for key, on := range ev.Updated {
		apply(key, on.Old, on.New)
	}
}

func (b *Binding) handleOrder(ev replica.ArrayEvent) {
	origin, ok := b.beginReplay(ev.Origin)
	if !ok {
		return
	}
	defer b.endReplay()

	for _, item := range ev.Removed {
		id, ok := item.(string)
		if !ok {
			continue
		}
		if b.wb.Sheet(id) == nil || b.sheets.Has(id) {
			continue // already handled, or sheet still exists (pure reorder)
		}
		name := b.wb.Sheet(id).Name
		b.wb.RemoveSheet(id)
		b.queueChange(Change{Kind: ChangeSheetRemoved, SheetID: id, Old: name, Origin: origin, At: time.Now()})
	}
	for _, item := range ev.Added {
		id, ok := item.(string)
		if !ok || b.wb.Sheet(id) != nil {
			continue
		}
		sm, ok := b.sheets.GetMap(id)
		if !ok {
			b.logger.Warn("sync: ordered sheet missing from sheets container", "sheet", id)
			continue
		}
		sheet := readSheet(id, sm, b.logger)
		b.wb.AddSheet(sheet)
		b.queueChange(Change{Kind: ChangeSheetAdded, SheetID: id, New: sheet.Name, Origin: origin, At: time.Now()})
	}
	b.reorderSheets(ev.New)
}

// reorderSheets makes the model's sheet order follow the replicated order;
// model sheets absent from the order keep their relative position at the end.
func (b *Binding) reorderSheets(order []any) {
	reordered := make([]*models.Sheet, 0, len(b.wb.Sheets))
	for _, item := range order {
		if id, ok := item.(string); ok {
			if s := b.wb.Sheet(id); s != nil {
				reordered = append(reordered, s)
			}
		}
	}
	for _, s := range b.wb.Sheets {
		found := false
		for _, r := range reordered {
			if r.ID == s.ID {
				found = true
				break
			}
		}
		if !found {
			reordered = append(reordered, s)
		}
	}
	b.wb.Sheets = reordered
}

func (b *Binding) handleSheetsShallow(ev replica.MapEvent) {
	origin, ok := b.beginReplay(ev.Origin)
	if !ok {
		return
	}
	defer b.endReplay()

	for id, val := range ev.Added {
		sm, ok := val.(*replica.Map)
		if !ok || b.wb.Sheet(id) != nil {
			continue
		}
		sheet := readSheet(id, sm, b.logger)
		b.wb.AddSheet(sheet)
		b.queueChange(Change{Kind: ChangeSheetAdded, SheetID: id, New: sheet.Name, Origin: origin, At: time.Now()})
	}
	for id, old := range ev.Deleted {
		s := b.wb.Sheet(id)
		if s == nil {
			continue
		}
		b.wb.RemoveSheet(id)
		oldName := s.Name
		if snap, ok := old.(map[string]any); ok {
			if n, ok := snap[keyName].(string); ok {
				oldName = n
			}
		}
		b.queueChange(Change{Kind: ChangeSheetRemoved, SheetID: id, Old: oldName, Origin: origin, At: time.Now()})
	}
	for id, on := range ev.Updated {
		sm, ok := on.New.(*replica.Map)
		if !ok {
			continue
		}
		// Whole-sheet replacement: rebuild the model sheet in place.
		sheet := readSheet(id, sm, b.logger)
		for i, s := range b.wb.Sheets {
			if s.ID == id {
				b.wb.Sheets[i] = sheet
				break
			}
		}
		b.queueChange(Change{Kind: ChangeSheetProp, SheetID: id, Key: "sheet", Origin: origin, At: time.Now()})
	}
}

func (b *Binding) handleSheetsDeep(evs []replica.MapEvent) {
	for _, ev := range evs {
		path := ev.Path
		if len(path) < 2 || path[0] != containerSheets {
			continue // top-level add/remove handled by the shallow observer
		}
		sheetID := path[1]
		switch {
		case len(path) == 2:
			b.replaySheetProps(sheetID, ev)
		case len(path) == 3 && path[2] == keyCells:
			b.replayCells(sheetID, ev)
		case len(path) == 3 && (path[2] == keyColWidths || path[2] == keyRowHeights):
			b.replayDimensions(sheetID, path[2], ev)
		case len(path) == 3 && path[2] == keyMerged:
			b.replayMerged(sheetID, ev)
		}
	}
}

func (b *Binding) replaySheetProps(sheetID string, ev replica.MapEvent) {
	origin, ok := b.beginReplay(ev.Origin)
	if !ok {
		return
	}
	defer b.endReplay()
	sheet := b.wb.Sheet(sheetID)
	if sheet == nil {
		return
	}

	apply := func(key string, old, val any) {
		switch key {
		case keyName:
			name, ok := val.(string)
			if !ok {
				return
			}
			oldName := sheet.Name
			sheet.Name = name
			b.queueChange(Change{Kind: ChangeSheetRenamed, SheetID: sheetID, Old: oldName, New: name, Origin: origin, At: time.Now()})
		case keyZoom:
			if z, ok := val.(float64); ok {
				sheet.Zoom = z
			}
			b.queueChange(Change{Kind: ChangeSheetProp, SheetID: sheetID, Key: key, Old: old, New: val, Origin: origin, At: time.Now()})
		case keyHidden:
			if h, ok := val.(bool); ok {
				sheet.Hidden = h
			}
			b.queueChange(Change{Kind: ChangeSheetProp, SheetID: sheetID, Key: key, Old: old, New: val, Origin: origin, At: time.Now()})
		case keyCells, keyColWidths, keyRowHeights, keyMerged:
			// A whole section container appeared (bulk restore). Re-read it.
			if sm, ok := b.sheets.GetMap(sheetID); ok {
				rebuilt := readSheet(sheetID, sm, b.logger)
				for i, s := range b.wb.Sheets {
					if s.ID == sheetID {
						b.wb.Sheets[i] = rebuilt
						break
					}
				}
				b.queueChange(Change{Kind: ChangeSheetProp, SheetID: sheetID, Key: key, Origin: origin, At: time.Now()})
			}
		}
	}
	for key, val := range ev.Added {
		apply(key, nil, val)
	}
	for key, on := range ev.Updated {
		apply(key, on.Old, on.New)
	}
}

func (b *Binding) replayCells(sheetID string, ev replica.MapEvent) {
	origin, ok := b.beginReplay(ev.Origin)
	if !ok {
		return
	}
	defer b.endReplay()
	sheet := b.wb.Sheet(sheetID)
	if sheet == nil {
		return
	}

	upsert := func(key string, old, val any) {
		cell, err := decodeCell(val)
		if err != nil {
			// One corrupt cell must not sink the rest of the transaction.
			b.logger.Warn("sync: skipping malformed remote cell", "sheet", sheetID, "key", key, "err", err)
			return
		}
		prev, had := sheet.Cells[key]
		sheet.Cells[key] = cell
		row, col, err := models.ParseCellKey(key)
		if err != nil {
			b.logger.Warn("sync: malformed cell key", "sheet", sheetID, "key", key, "err", err)
			return
		}
		kind := ChangeCellValue
		switch {
		case had && prev.Raw == cell.Raw && prev.StyleJSON != cell.StyleJSON:
			kind = ChangeCellStyle
		case cell.IsFormula:
			kind = ChangeCellFormula
		}
		var oldVal any
		if had {
			oldVal = prev.Raw
		} else if old != nil {
			oldVal = old
		}
		b.queueChange(Change{Kind: kind, SheetID: sheetID, Row: row, Col: col, Key: key,
			Old: oldVal, New: cell.Raw, Origin: origin, At: time.Now()})
	}

	for key, val := range ev.Added {
		upsert(key, nil, val)
	}
	for key, on := range ev.Updated {
		upsert(key, on.Old, on.New)
	}
	for key := range ev.Deleted {
		prev, had := sheet.Cells[key]
		if !had {
			continue
		}
		delete(sheet.Cells, key)
		row, col, err := models.ParseCellKey(key)
		if err != nil {
			continue
		}
		b.queueChange(Change{Kind: ChangeCellDeleted, SheetID: sheetID, Row: row, Col: col, Key: key,
			Old: prev.Raw, Origin: origin, At: time.Now()})
	}
}

func (b *Binding) replayDimensions(sheetID, section string, ev replica.MapEvent) {
	origin, ok := b.beginReplay(ev.Origin)
	if !ok {
		return
	}
	defer b.endReplay()
	sheet := b.wb.Sheet(sheetID)
	if sheet == nil {
		return
	}
	kind := ChangeColWidth
	dst := sheet.ColWidths
	if section == keyRowHeights {
		kind = ChangeRowHeight
		dst = sheet.RowHeights
	}

	apply := func(key string, old, val any) {
		idx, err := strconv.Atoi(key)
		if err != nil {
			b.logger.Warn("sync: malformed dimension key", "sheet", sheetID, "key", key)
			return
		}
		f, ok := val.(float64)
		if !ok {
			return
		}
		dst[idx] = f
		ch := Change{Kind: kind, SheetID: sheetID, Key: key, Old: old, New: f, Origin: origin, At: time.Now()}
		if kind == ChangeColWidth {
			ch.Col = idx
		} else {
			ch.Row = idx
		}
		b.queueChange(ch)
	}
	for key, val := range ev.Added {
		apply(key, nil, val)
	}
	for key, on := range ev.Updated {
		apply(key, on.Old, on.New)
	}
	for key := range ev.Deleted {
		if idx, err := strconv.Atoi(key); err == nil {
			delete(dst, idx)
		}
	}
}

func (b *Binding) replayMerged(sheetID string, ev replica.MapEvent) {
	origin, ok := b.beginReplay(ev.Origin)
	if !ok {
		return
	}
	defer b.endReplay()
	sheet := b.wb.Sheet(sheetID)
	if sheet == nil {
		return
	}

	for key, val := range ev.Added {
		r, err := decodeRegion(val)
		if err != nil {
			b.logger.Warn("sync: skipping malformed remote region", "sheet", sheetID, "key", key, "err", err)
			continue
		}
		exists := false
		for _, region := range sheet.Merged {
			if region.Range == r {
				exists = true
				break
			}
		}
		if !exists {
			sheet.Merged = append(sheet.Merged, models.MergedRegion{Range: r})
		}
		rr := r
		b.queueChange(Change{Kind: ChangeMergedAdded, SheetID: sheetID, Key: key, Range: &rr, Origin: origin, At: time.Now()})
	}
	for key, old := range ev.Deleted {
		r, err := decodeRegion(old)
		if err != nil {
			b.logger.Warn("sync: skipping malformed removed region", "sheet", sheetID, "key", key, "err", err)
			continue
		}
		for i, region := range sheet.Merged {
			if region.Range == r {
				sheet.Merged = append(sheet.Merged[:i], sheet.Merged[i+1:]...)
				break
			}
		}
		rr := r
		b.queueChange(Change{Kind: ChangeMergedRemove, SheetID: sheetID, Key: key, Range: &rr, Origin: origin, At: time.Now()})
	}
}
